// Copyright (C) The Slurmscale Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scaler

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nimbushpc/slurmscale/lib/cloud"
	cloudtest "github.com/nimbushpc/slurmscale/lib/cloud/test"
	"github.com/nimbushpc/slurmscale/lib/config"
	"github.com/nimbushpc/slurmscale/lib/registry"
	"github.com/nimbushpc/slurmscale/sdk/go/ctxlog"
	check "gopkg.in/check.v1"
)

func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&ReconcilerSuite{})

type ReconcilerSuite struct {
	reg    *registry.MemoryRegistry
	gw     *cloudtest.StubGateway
	reader *stubReader
	rc     *Reconciler
	now    time.Time
}

type stubReader struct {
	state SchedulerState
	err   error
}

func (r *stubReader) ReadState(ctx context.Context) (SchedulerState, error) {
	if r.err != nil {
		return SchedulerState{}, r.err
	}
	return r.state, nil
}

func (r *stubReader) want(resume, suspend []string) {
	r.state = SchedulerState{
		ResumeRequests:  map[string]bool{},
		SuspendRequests: map[string]bool{},
		AliveNodes:      map[string]bool{},
	}
	for _, name := range resume {
		r.state.ResumeRequests[name] = true
	}
	for _, name := range suspend {
		r.state.SuspendRequests[name] = true
	}
}

func (s *ReconcilerSuite) SetUpTest(c *check.C) {
	cluster := &config.Cluster{Name: "testcluster"}
	cluster.CloudVMs.ResumeTimeout = config.Duration(1800 * time.Second)
	cluster.CloudVMs.SuspendTimeout = config.Duration(600 * time.Second)
	cluster.CloudVMs.MaxRetryAttempts = 3
	cluster.CloudVMs.MaxCreateBatch = 100
	cluster.Platform.Family = "debian"
	cluster.Partitions = map[string]config.Partition{
		"compute": {
			NodenamePrefix: "hpc-",
			MachineType:    "m5.large",
			MaxVMCount:     10,
			IsDefault:      true,
		},
	}

	driver := &cloudtest.StubDriver{}
	gw, err := driver.InstanceGateway(json.RawMessage(`{}`), cluster.Name, ctxlog.TestLogger(c))
	c.Assert(err, check.IsNil)
	s.gw = gw.(*cloudtest.StubGateway)
	s.reg = registry.NewMemoryRegistry()
	s.reader = &stubReader{}
	s.reader.want(nil, nil)

	s.rc, err = NewReconciler(ctxlog.TestLogger(c), cluster, s.reg, s.gw, s.reader, nil)
	c.Assert(err, check.IsNil)
	s.now = time.Date(2026, 2, 15, 8, 0, 0, 0, time.UTC)
	s.rc.timeNow = func() time.Time { return s.now }
}

func (s *ReconcilerSuite) tick(c *check.C) {
	c.Assert(s.rc.Tick(context.Background()), check.IsNil)
	s.checkInvariants(c)
}

func (s *ReconcilerSuite) get(c *check.C, name string) registry.NodeRecord {
	rec, err := s.reg.Get(context.Background(), name)
	c.Assert(err, check.IsNil)
	return rec
}

func (s *ReconcilerSuite) checkInvariants(c *check.C) {
	recs, err := s.reg.List(context.Background())
	c.Assert(err, check.IsNil)
	for _, rec := range recs {
		c.Check(rec.CheckInvariant(), check.IsNil)
	}
}

// Full power-up/power-down cycle for one node.
func (s *ReconcilerSuite) TestResumeSuspendCycle(c *check.C) {
	s.reader.want([]string{"hpc-001"}, nil)
	s.tick(c)
	rec := s.get(c, "hpc-001")
	c.Check(rec.State, check.Equals, registry.StateBooting)
	c.Check(rec.CloudInstanceID, check.Not(check.Equals), "")
	c.Check(rec.Platform, check.Equals, "debian")
	c.Assert(s.gw.CreateCalls, check.HasLen, 1)
	c.Check(s.gw.CreateCalls[0], check.DeepEquals, []cloud.InstanceSpec{{Name: "hpc-001", MachineType: "m5.large"}})

	s.gw.SetStatusByName("hpc-001", cloud.StatusRunning)
	s.now = s.now.Add(10 * time.Second)
	s.tick(c)
	rec = s.get(c, "hpc-001")
	c.Check(rec.State, check.Equals, registry.StateRunning)
	instanceID := rec.CloudInstanceID

	s.reader.want(nil, []string{"hpc-001"})
	s.now = s.now.Add(10 * time.Second)
	s.tick(c)
	rec = s.get(c, "hpc-001")
	c.Check(rec.State, check.Equals, registry.StateStopping)
	c.Check(rec.CloudInstanceID, check.Equals, instanceID)
	c.Assert(s.gw.TerminateCalls, check.HasLen, 1)
	c.Check(s.gw.TerminateCalls[0], check.DeepEquals, []cloud.InstanceID{cloud.InstanceID(instanceID)})

	s.now = s.now.Add(10 * time.Second)
	s.tick(c)
	rec = s.get(c, "hpc-001")
	c.Check(rec.State, check.Equals, registry.StateOff)
	c.Check(rec.CloudInstanceID, check.Equals, "")
}

// A resume request repeated across consecutive ticks provisions at
// most one instance.
func (s *ReconcilerSuite) TestNoDuplicateProvisioning(c *check.C) {
	s.reader.want([]string{"hpc-001"}, nil)
	s.tick(c)
	s.now = s.now.Add(10 * time.Second)
	s.tick(c)
	s.now = s.now.Add(10 * time.Second)
	s.tick(c)
	created := 0
	for _, call := range s.gw.CreateCalls {
		for _, spec := range call {
			if spec.Name == "hpc-001" {
				created++
			}
		}
	}
	c.Check(created, check.Equals, 1)
}

// Terminating the same instance twice succeeds both times and leaves
// it terminated.
func (s *ReconcilerSuite) TestIdempotentTerminate(c *check.C) {
	ctx := context.Background()
	results, err := s.gw.CreateInstances(ctx, []cloud.InstanceSpec{{Name: "hpc-001", MachineType: "m5.large"}})
	c.Assert(err, check.IsNil)
	id := results["hpc-001"].ID

	for i := 0; i < 2; i++ {
		terr, err := s.gw.TerminateInstances(ctx, []cloud.InstanceID{id})
		c.Assert(err, check.IsNil)
		c.Check(terr[id], check.IsNil)
	}
	statuses, err := s.gw.QueryStatus(ctx, []cloud.InstanceID{id})
	c.Assert(err, check.IsNil)
	c.Check(statuses[id], check.Equals, cloud.StatusTerminated)
}

// A node that never reaches Running fails once the resume timeout
// elapses, and its instance is reclaimed.
func (s *ReconcilerSuite) TestBootTimeout(c *check.C) {
	s.reader.want([]string{"hpc-001"}, nil)
	s.tick(c)
	rec := s.get(c, "hpc-001")
	c.Assert(rec.State, check.Equals, registry.StateBooting)
	id := cloud.InstanceID(rec.CloudInstanceID)
	t0 := s.now

	s.now = t0.Add(1799 * time.Second)
	s.tick(c)
	c.Check(s.get(c, "hpc-001").State, check.Equals, registry.StateBooting)

	s.now = t0.Add(1801 * time.Second)
	s.tick(c)
	rec = s.get(c, "hpc-001")
	c.Check(rec.State, check.Equals, registry.StateFailed)
	c.Check(rec.CloudInstanceID, check.Equals, "")
	c.Check(rec.RetryCount, check.Equals, 1)

	terminated := false
	for _, call := range s.gw.TerminateCalls {
		for _, tid := range call {
			if tid == id {
				terminated = true
			}
		}
	}
	c.Check(terminated, check.Equals, true)
}

// When one snapshot both resume- and suspend-requests a node, suspend
// wins.
func (s *ReconcilerSuite) TestSuspendBeatsResume(c *check.C) {
	// Unknown node: nothing gets provisioned at all.
	s.reader.want([]string{"hpc-001"}, []string{"hpc-001"})
	s.tick(c)
	_, err := s.reg.Get(context.Background(), "hpc-001")
	c.Check(err, check.Equals, registry.ErrNotFound)
	c.Check(s.gw.CreateCalls, check.HasLen, 0)

	// Running node: heads for Stopping, never Booting.
	s.reader.want([]string{"hpc-002"}, nil)
	s.tick(c)
	s.gw.SetStatusByName("hpc-002", cloud.StatusRunning)
	s.now = s.now.Add(10 * time.Second)
	s.tick(c)
	c.Assert(s.get(c, "hpc-002").State, check.Equals, registry.StateRunning)

	s.reader.want([]string{"hpc-002"}, []string{"hpc-002"})
	s.now = s.now.Add(10 * time.Second)
	s.tick(c)
	c.Check(s.get(c, "hpc-002").State, check.Equals, registry.StateStopping)
}

// A per-name provisioning failure fails that node only; the rest of
// the batch proceeds.
func (s *ReconcilerSuite) TestPartialBatchFailure(c *check.C) {
	s.gw.FailName("hpc-002", errors.New("insufficient capacity"))
	s.reader.want([]string{"hpc-001", "hpc-002"}, nil)
	s.tick(c)

	rec := s.get(c, "hpc-001")
	c.Check(rec.State, check.Equals, registry.StateBooting)
	c.Check(rec.CloudInstanceID, check.Not(check.Equals), "")

	rec = s.get(c, "hpc-002")
	c.Check(rec.State, check.Equals, registry.StateFailed)
	c.Check(rec.CloudInstanceID, check.Equals, "")
	c.Check(rec.RetryCount, check.Equals, 1)

	// Both names went out in one batched call.
	c.Assert(s.gw.CreateCalls, check.HasLen, 1)
	c.Check(s.gw.CreateCalls[0], check.HasLen, 2)
}

// A failed node is retried while the scheduler keeps asking, up to
// the bounded retry budget, then parked as persistently failed.
func (s *ReconcilerSuite) TestBoundedRetry(c *check.C) {
	s.gw.FailName("hpc-001", errors.New("insufficient capacity"))
	s.reader.want([]string{"hpc-001"}, nil)

	for i := 1; i <= 3; i++ {
		s.tick(c)
		rec := s.get(c, "hpc-001")
		c.Check(rec.State, check.Equals, registry.StateFailed)
		c.Check(rec.RetryCount, check.Equals, i)
		s.now = s.now.Add(10 * time.Second)
	}
	calls := len(s.gw.CreateCalls)
	c.Check(calls, check.Equals, 3)

	// Budget exhausted: no more create attempts.
	s.tick(c)
	s.now = s.now.Add(10 * time.Second)
	s.tick(c)
	c.Check(s.get(c, "hpc-001").State, check.Equals, registry.StateFailed)
	c.Check(s.gw.CreateCalls, check.HasLen, calls)
}

// A rate-limited create leaves nodes ResumeRequested and does not
// charge the retry budget.
func (s *ReconcilerSuite) TestRateLimitedCreate(c *check.C) {
	s.gw.FailNextCreate(cloudtest.RateLimitError{Retry: s.now.Add(time.Hour)})
	s.reader.want([]string{"hpc-001"}, nil)
	s.tick(c)
	rec := s.get(c, "hpc-001")
	c.Check(rec.State, check.Equals, registry.StateResumeRequested)
	c.Check(rec.RetryCount, check.Equals, 0)
}

// An instance that never terminates is flagged for the operator after
// the suspend timeout instead of being retried forever.
func (s *ReconcilerSuite) TestStopTimeoutFlagsLeak(c *check.C) {
	s.reader.want([]string{"hpc-001"}, nil)
	s.tick(c)
	s.gw.SetStatusByName("hpc-001", cloud.StatusRunning)
	s.now = s.now.Add(10 * time.Second)
	s.tick(c)
	rec := s.get(c, "hpc-001")
	c.Assert(rec.State, check.Equals, registry.StateRunning)
	id := cloud.InstanceID(rec.CloudInstanceID)

	s.gw.FailNextTerminate(errors.New("api outage"))
	s.reader.want(nil, []string{"hpc-001"})
	s.now = s.now.Add(10 * time.Second)
	s.tick(c)
	c.Assert(s.get(c, "hpc-001").State, check.Equals, registry.StateStopping)
	t0 := s.now

	s.now = t0.Add(601 * time.Second)
	s.tick(c)
	rec = s.get(c, "hpc-001")
	c.Check(rec.State, check.Equals, registry.StateFailed)
	c.Check(rec.CloudInstanceID, check.Equals, "")
	c.Check(s.rc.leaked["hpc-001"], check.Equals, id)

	// Reclamation keeps being attempted; once the cloud confirms
	// the instance is gone the flag clears and the node settles.
	s.reader.want(nil, nil)
	s.now = s.now.Add(10 * time.Second)
	s.tick(c)
	c.Check(s.rc.leaked, check.HasLen, 0)
	c.Check(s.get(c, "hpc-001").State, check.Equals, registry.StateOff)
}

// The scheduler reporting a node responsive promotes it out of
// Booting even when the cloud status API still says Pending.
func (s *ReconcilerSuite) TestAliveNodePromotesBooting(c *check.C) {
	s.reader.want([]string{"hpc-001"}, nil)
	s.tick(c)
	rec := s.get(c, "hpc-001")
	c.Assert(rec.State, check.Equals, registry.StateBooting)
	instanceID := rec.CloudInstanceID

	s.reader.want(nil, nil)
	s.reader.state.AliveNodes["hpc-001"] = true
	s.now = s.now.Add(10 * time.Second)
	s.tick(c)
	rec = s.get(c, "hpc-001")
	c.Check(rec.State, check.Equals, registry.StateRunning)
	c.Check(rec.CloudInstanceID, check.Equals, instanceID)
	c.Check(rec.RetryCount, check.Equals, 0)
}

// A suspend request beats the alive flag when both arrive in one
// snapshot.
func (s *ReconcilerSuite) TestSuspendBeatsAliveNudge(c *check.C) {
	s.reader.want([]string{"hpc-001"}, nil)
	s.tick(c)
	c.Assert(s.get(c, "hpc-001").State, check.Equals, registry.StateBooting)

	s.reader.want(nil, []string{"hpc-001"})
	s.reader.state.AliveNodes["hpc-001"] = true
	s.now = s.now.Add(10 * time.Second)
	s.tick(c)
	c.Check(s.get(c, "hpc-001").State, check.Equals, registry.StateStopping)
}

// A Stopping node whose instance the cloud stops reporting settles to
// Off only after several queries agree, so eventual-consistency lag
// is not mistaken for a completed termination.
func (s *ReconcilerSuite) TestStoppingUnknownStatusSettlesSlowly(c *check.C) {
	// Seed a record from a previous run; its instance ID is not
	// known to the cloud API anymore.
	c.Assert(s.reg.Upsert(context.Background(), registry.NodeRecord{
		Name:            "hpc-001",
		State:           registry.StateStopping,
		CloudInstanceID: "stub-gone",
		StateEnteredAt:  s.now,
		Platform:        "debian",
	}, registry.StateOff), check.IsNil)

	for i := 0; i < unknownSettleTicks-1; i++ {
		s.tick(c)
		c.Check(s.get(c, "hpc-001").State, check.Equals, registry.StateStopping)
		s.now = s.now.Add(10 * time.Second)
	}
	s.tick(c)
	rec := s.get(c, "hpc-001")
	c.Check(rec.State, check.Equals, registry.StateOff)
	c.Check(rec.CloudInstanceID, check.Equals, "")
}

// An instance that disappears while Running fails the node.
func (s *ReconcilerSuite) TestRunningInstanceDisappears(c *check.C) {
	s.reader.want([]string{"hpc-001"}, nil)
	s.tick(c)
	s.gw.SetStatusByName("hpc-001", cloud.StatusRunning)
	s.now = s.now.Add(10 * time.Second)
	s.tick(c)
	c.Assert(s.get(c, "hpc-001").State, check.Equals, registry.StateRunning)

	s.gw.SetStatusByName("hpc-001", cloud.StatusTerminated)
	s.now = s.now.Add(10 * time.Second)
	s.tick(c)
	rec := s.get(c, "hpc-001")
	c.Check(rec.State, check.Equals, registry.StateFailed)
	c.Check(rec.CloudInstanceID, check.Equals, "")
}

// A scheduler outage does not wedge the loop: the last snapshot
// carries it through.
func (s *ReconcilerSuite) TestSchedulerOutage(c *check.C) {
	s.reader.want([]string{"hpc-001"}, nil)
	s.tick(c)
	c.Assert(s.get(c, "hpc-001").State, check.Equals, registry.StateBooting)

	s.reader.err = errors.New("slurmctld unreachable")
	s.gw.SetStatusByName("hpc-001", cloud.StatusRunning)
	s.now = s.now.Add(10 * time.Second)
	s.tick(c)
	c.Check(s.get(c, "hpc-001").State, check.Equals, registry.StateRunning)
}

// A registry outage halts the whole pass; no cloud calls are made on
// unverifiable state.
func (s *ReconcilerSuite) TestRegistryOutageHaltsTick(c *check.C) {
	s.rc.registry = failingRegistry{err: errors.New("connection refused")}
	s.reader.want([]string{"hpc-001"}, nil)
	err := s.rc.Tick(context.Background())
	c.Check(err, check.NotNil)
	c.Check(s.gw.CreateCalls, check.HasLen, 0)
	c.Check(s.gw.TerminateCalls, check.HasLen, 0)
}

// Machine types resolve by partition nodename prefix, with the
// default partition as fallback.
func (s *ReconcilerSuite) TestMachineTypeResolution(c *check.C) {
	s.rc.partitions = map[string]config.Partition{
		"hpc":     {NodenamePrefix: "hpc-", MachineType: "Standard_H16r", IsHPC: true},
		"htc":     {NodenamePrefix: "htc-", MachineType: "Standard_D2s_v3"},
		"default": {MachineType: "m5.large", IsDefault: true},
	}
	c.Check(s.rc.machineType("hpc-001"), check.Equals, "Standard_H16r")
	c.Check(s.rc.machineType("htc-044"), check.Equals, "Standard_D2s_v3")
	c.Check(s.rc.machineType("login-1"), check.Equals, "m5.large")
}

type failingRegistry struct {
	err error
}

func (f failingRegistry) Get(ctx context.Context, name string) (registry.NodeRecord, error) {
	return registry.NodeRecord{}, f.err
}

func (f failingRegistry) Upsert(ctx context.Context, rec registry.NodeRecord, prev registry.State) error {
	return f.err
}

func (f failingRegistry) List(ctx context.Context) ([]registry.NodeRecord, error) {
	return nil, f.err
}

func (f failingRegistry) Delete(ctx context.Context, name string) error {
	return f.err
}
