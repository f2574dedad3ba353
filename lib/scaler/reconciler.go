// Copyright (C) The Slurmscale Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package scaler converges cloud VM state toward the Slurm
// scheduler's requested node power state. The reconciler re-derives
// every required action from the node registry and a fresh scheduler
// snapshot each tick, so a crash or a lost cloud call is repaired on
// the next pass instead of wedging a node.
package scaler

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/nimbushpc/slurmscale/lib/cloud"
	"github.com/nimbushpc/slurmscale/lib/config"
	"github.com/nimbushpc/slurmscale/lib/registry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Consecutive StatusUnknown answers required before an instance is
// considered gone rather than temporarily invisible.
const unknownSettleTicks = 3

// SchedulerState is one snapshot of the scheduler's view: the nodes
// it wants powered up, powered down, and the ones it currently
// considers responsive.
type SchedulerState struct {
	ResumeRequests  map[string]bool
	SuspendRequests map[string]bool
	AliveNodes      map[string]bool
}

// A StateReader supplies SchedulerState snapshots. Snapshots may be
// stale by one polling interval; the reconciler tolerates that.
type StateReader interface {
	ReadState(ctx context.Context) (SchedulerState, error)
}

// A Reconciler runs the per-tick state machine. It holds no node
// state across ticks other than instance IDs it failed to reclaim;
// everything else is re-read from the registry.
type Reconciler struct {
	logger    logrus.FieldLogger
	registry  registry.Registry
	gateway   *throttledGateway
	reader    StateReader
	policy    TimeoutPolicy
	platform  PlatformFamily
	maxRetry  int
	maxCreate int
	metrics   *metrics

	partitions map[string]config.Partition

	// Instance IDs whose nodes have given up on them (boot
	// timeout, stop timeout) but whose termination has not been
	// confirmed. Keyed by node name. Retried every tick and
	// surfaced via the leaked_instances metric.
	leaked map[string]cloud.InstanceID

	// Nodes already alerted as persistently failed, so the alert
	// fires once per episode instead of every tick.
	alerted map[string]bool

	// Consecutive status queries that reported each instance
	// Unknown. Cloud list/get APIs are eventually consistent, so
	// a single Unknown is not proof the instance is gone.
	unknownSeen map[cloud.InstanceID]int

	// Optional sink for node state transition events.
	events func(node, fromState, toState, instanceID string)

	lastState SchedulerState
	haveState bool

	timeNow func() time.Time
}

// NewReconciler wires a Reconciler from the cluster configuration and
// its collaborators. Pass a nil prometheus registry to skip metrics
// registration.
func NewReconciler(logger logrus.FieldLogger, cluster *config.Cluster, reg registry.Registry, gw cloud.InstanceGateway, reader StateReader, mreg *prometheus.Registry) (*Reconciler, error) {
	family, err := ParseFamily(cluster.Platform.Family)
	if err != nil {
		return nil, err
	}
	return &Reconciler{
		logger:   logger,
		registry: reg,
		gateway:  &throttledGateway{InstanceGateway: gw},
		reader:   reader,
		policy: TimeoutPolicy{
			ResumeTimeout:  cluster.CloudVMs.ResumeTimeout.Duration(),
			SuspendTimeout: cluster.CloudVMs.SuspendTimeout.Duration(),
		},
		platform:    family,
		maxRetry:    cluster.CloudVMs.MaxRetryAttempts,
		maxCreate:   cluster.CloudVMs.MaxCreateBatch,
		metrics:     newMetrics(mreg),
		partitions:  cluster.Partitions,
		leaked:      map[string]cloud.InstanceID{},
		alerted:     map[string]bool{},
		unknownSeen: map[cloud.InstanceID]int{},
		timeNow:     time.Now,
	}, nil
}

// machineType resolves the cloud machine type for a node name by
// partition nodename prefix, falling back to the default partition.
func (rc *Reconciler) machineType(name string) string {
	var best, deflt string
	bestLen := -1
	for _, part := range rc.partitions {
		if part.IsDefault {
			deflt = part.MachineType
		}
		if part.NodenamePrefix != "" && strings.HasPrefix(name, part.NodenamePrefix) && len(part.NodenamePrefix) > bestLen {
			best, bestLen = part.MachineType, len(part.NodenamePrefix)
		}
	}
	if best != "" {
		return best
	}
	return deflt
}

// Tick runs one reconciliation pass. It returns a non-nil error only
// when the node registry is unavailable, in which case the caller
// should back off before the next pass; all other failures are
// converted into per-node state transitions and logged.
func (rc *Reconciler) Tick(ctx context.Context) error {
	t0 := rc.timeNow()
	defer func() {
		rc.metrics.mTickDuration.Observe(rc.timeNow().Sub(t0).Seconds())
	}()

	state, err := rc.reader.ReadState(ctx)
	if err != nil {
		if rc.haveState {
			rc.logger.WithError(err).Warn("scheduler state unavailable, using last snapshot")
			state = rc.lastState
		} else {
			rc.logger.WithError(err).Warn("scheduler state unavailable, no snapshot yet")
			state = SchedulerState{}
		}
	} else {
		rc.lastState, rc.haveState = state, true
	}

	recs, err := rc.registry.List(ctx)
	if err != nil {
		rc.metrics.mTickSkipped.Inc()
		return err
	}
	byName := map[string]registry.NodeRecord{}
	for _, rec := range recs {
		byName[rec.Name] = rec
	}

	statuses, statusKnown := rc.queryStatuses(ctx, recs)

	names := map[string]bool{}
	for name := range byName {
		names[name] = true
	}
	for name := range state.ResumeRequests {
		names[name] = true
	}
	for name := range state.SuspendRequests {
		names[name] = true
	}
	for name := range state.AliveNodes {
		names[name] = true
	}
	sorted := make([]string, 0, len(names))
	for name := range names {
		sorted = append(sorted, name)
	}
	sort.Strings(sorted)

	now := rc.timeNow()
	toCreate := map[string]bool{}
	toTerminate := map[cloud.InstanceID]bool{}

	for _, name := range sorted {
		rec, exists := byName[name]
		suspendWanted := state.SuspendRequests[name]
		// Suspend wins when the scheduler asks for both in one
		// snapshot: fail safe toward releasing billable
		// resources.
		resumeWanted := state.ResumeRequests[name] && !suspendWanted

		if !exists {
			if !resumeWanted {
				continue
			}
			rec = registry.NodeRecord{
				Name:           name,
				State:          registry.StateResumeRequested,
				StateEnteredAt: now,
				Platform:       rc.platform.String(),
			}
			if rc.setState(ctx, byName, rec, registry.StateOff) {
				toCreate[name] = true
			}
			continue
		}

		status := cloud.StatusUnknown
		haveStatus := false
		if statusKnown && rec.CloudInstanceID != "" {
			status, haveStatus = statuses[cloud.InstanceID(rec.CloudInstanceID)]
		}

		switch rec.State {
		case registry.StateOff:
			if resumeWanted {
				rec.State = registry.StateResumeRequested
				rec.StateEnteredAt = now
				if rc.setState(ctx, byName, rec, registry.StateOff) {
					toCreate[name] = true
				}
			}
		case registry.StateResumeRequested:
			switch {
			case suspendWanted:
				rec.State = registry.StateOff
				rec.StateEnteredAt = now
				rc.setState(ctx, byName, rec, registry.StateResumeRequested)
			case rc.policy.Expired(rec, now):
				rec.State = registry.StateFailed
				rec.StateEnteredAt = now
				rec.RetryCount++
				rc.setState(ctx, byName, rec, registry.StateResumeRequested)
			default:
				// Still unprovisioned: the create call
				// never confirmed, so (re)issue it.
				toCreate[name] = true
			}
		case registry.StateBooting:
			switch {
			case suspendWanted:
				rec.State = registry.StateStopping
				rec.StateEnteredAt = now
				if rc.setState(ctx, byName, rec, registry.StateBooting) {
					toTerminate[cloud.InstanceID(rec.CloudInstanceID)] = true
				}
			case (haveStatus && status == cloud.StatusRunning) || state.AliveNodes[name]:
				// The scheduler answering for the node is
				// as good as the cloud saying the VM is up,
				// and usually arrives sooner.
				rec.State = registry.StateRunning
				rec.StateEnteredAt = now
				rec.RetryCount = 0
				rc.setState(ctx, byName, rec, registry.StateBooting)
			case haveStatus && status == cloud.StatusTerminated:
				rc.logger.WithField("Name", name).Warn("instance terminated while booting")
				rc.failAndReclaim(ctx, byName, rec, registry.StateBooting, now)
			case rc.policy.Expired(rec, now):
				rc.logger.WithFields(logrus.Fields{
					"Name":     name,
					"Instance": rec.CloudInstanceID,
					"Since":    rec.StateEnteredAt,
				}).Warn("boot timed out, reclaiming instance")
				rc.failAndReclaim(ctx, byName, rec, registry.StateBooting, now)
			}
		case registry.StateRunning:
			switch {
			case suspendWanted:
				rec.State = registry.StateStopping
				rec.StateEnteredAt = now
				if rc.setState(ctx, byName, rec, registry.StateRunning) {
					toTerminate[cloud.InstanceID(rec.CloudInstanceID)] = true
				}
			case haveStatus && status == cloud.StatusTerminated:
				rc.logger.WithFields(logrus.Fields{
					"Name":     name,
					"Instance": rec.CloudInstanceID,
				}).Warn("instance disappeared while running")
				rec.State = registry.StateFailed
				rec.StateEnteredAt = now
				rec.CloudInstanceID = ""
				rec.RetryCount++
				rc.setState(ctx, byName, rec, registry.StateRunning)
			}
		case registry.StateSuspendRequested:
			// Only reachable after a crash mid-transition;
			// nothing was provisioned, so settle back to Off.
			rec.State = registry.StateOff
			rec.StateEnteredAt = now
			rc.setState(ctx, byName, rec, registry.StateSuspendRequested)
		case registry.StateStopping:
			switch {
			case rc.policy.Expired(rec, now):
				rc.logger.WithFields(logrus.Fields{
					"Name":     name,
					"Instance": rec.CloudInstanceID,
					"Since":    rec.StateEnteredAt,
				}).Error("instance did not terminate before suspend timeout, possible leaked instance")
				id := cloud.InstanceID(rec.CloudInstanceID)
				rec.State = registry.StateFailed
				rec.StateEnteredAt = now
				rec.CloudInstanceID = ""
				if rc.setState(ctx, byName, rec, registry.StateStopping) {
					rc.leaked[name] = id
				}
			case haveStatus && rc.instanceGone(cloud.InstanceID(rec.CloudInstanceID), status):
				rec.State = registry.StateOff
				rec.StateEnteredAt = now
				rec.CloudInstanceID = ""
				rc.setState(ctx, byName, rec, registry.StateStopping)
			default:
				// Terminate is idempotent; keep asking
				// until the cloud confirms.
				toTerminate[cloud.InstanceID(rec.CloudInstanceID)] = true
			}
		case registry.StateFailed:
			switch {
			case suspendWanted, !resumeWanted:
				rec.State = registry.StateOff
				rec.StateEnteredAt = now
				rc.setState(ctx, byName, rec, registry.StateFailed)
			case rec.RetryCount >= rc.maxRetry:
				if !rc.alerted[name] {
					rc.alerted[name] = true
					rc.metrics.mPersistentFailures.Inc()
					rc.logger.WithFields(logrus.Fields{
						"Name":       name,
						"RetryCount": rec.RetryCount,
					}).Error("node failed persistently, needs operator attention")
				}
			default:
				rec.State = registry.StateResumeRequested
				rec.StateEnteredAt = now
				if rc.setState(ctx, byName, rec, registry.StateFailed) {
					toCreate[name] = true
				}
			}
		}
		if byName[name].State == registry.StateRunning {
			delete(rc.alerted, name)
		}
	}

	rc.terminateInstances(ctx, toTerminate)
	rc.createInstances(ctx, byName, toCreate)

	rc.metrics.mTicks.Inc()
	rc.metrics.mLeakedInstances.Set(float64(len(rc.leaked)))
	counts := map[registry.State]int{}
	for _, rec := range byName {
		counts[rec.State]++
	}
	for st, label := range map[registry.State]string{
		registry.StateOff:              "off",
		registry.StateResumeRequested:  "resume-requested",
		registry.StateBooting:          "booting",
		registry.StateRunning:          "running",
		registry.StateSuspendRequested: "suspend-requested",
		registry.StateStopping:         "stopping",
		registry.StateFailed:           "failed",
	} {
		rc.metrics.mNodeStates.WithLabelValues(label).Set(float64(counts[st]))
	}
	return nil
}

// setState writes rec with the compare-and-set contract and updates
// the tick's working copy. A conflict means another writer got there
// first; the node is left for the next tick.
func (rc *Reconciler) setState(ctx context.Context, byName map[string]registry.NodeRecord, rec registry.NodeRecord, prev registry.State) bool {
	if err := rec.CheckInvariant(); err != nil {
		rc.logger.WithError(err).Error("refusing invalid node transition")
		return false
	}
	err := rc.registry.Upsert(ctx, rec, prev)
	if errors.Is(err, registry.ErrConflict) {
		rc.logger.WithFields(logrus.Fields{
			"Name":  rec.Name,
			"State": rec.State,
		}).Info("lost transition race, deferring to next tick")
		return false
	} else if err != nil {
		rc.logger.WithError(err).WithField("Name", rec.Name).Warn("registry write failed")
		return false
	}
	byName[rec.Name] = rec
	if rc.events != nil {
		rc.events(rec.Name, prev.String(), rec.State.String(), rec.CloudInstanceID)
	}
	return true
}

// failAndReclaim marks a node Failed and queues its orphaned instance
// for termination via the leaked set, which is retried every tick.
func (rc *Reconciler) failAndReclaim(ctx context.Context, byName map[string]registry.NodeRecord, rec registry.NodeRecord, prev registry.State, now time.Time) {
	id := cloud.InstanceID(rec.CloudInstanceID)
	rec.State = registry.StateFailed
	rec.StateEnteredAt = now
	rec.CloudInstanceID = ""
	rec.RetryCount++
	if rc.setState(ctx, byName, rec, prev) && id != "" {
		rc.leaked[rec.Name] = id
	}
}

// queryStatuses fetches instance status for every record that carries
// an instance ID. On failure the tick proceeds without status-driven
// transitions.
func (rc *Reconciler) queryStatuses(ctx context.Context, recs []registry.NodeRecord) (map[cloud.InstanceID]cloud.InstanceStatus, bool) {
	if err := rc.gateway.throttleStatus.Error(); err != nil {
		rc.logger.WithError(err).Debug("skipping status query")
		return nil, false
	}
	var ids []cloud.InstanceID
	for _, rec := range recs {
		if rec.CloudInstanceID != "" {
			ids = append(ids, cloud.InstanceID(rec.CloudInstanceID))
		}
	}
	for _, id := range rc.leaked {
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		rc.unknownSeen = map[cloud.InstanceID]int{}
		return map[cloud.InstanceID]cloud.InstanceStatus{}, true
	}
	statuses, err := rc.gateway.QueryStatus(ctx, ids)
	if err != nil {
		rc.gateway.throttleStatus.CheckRateLimitError(err, rc.logger, "QueryStatus", nil)
		rc.logger.WithError(err).Warn("instance status query failed")
		return nil, false
	}
	seen := map[cloud.InstanceID]int{}
	for _, id := range ids {
		if statuses[id] == cloud.StatusUnknown {
			seen[id] = rc.unknownSeen[id] + 1
		}
	}
	rc.unknownSeen = seen
	// Reclaimed instances the cloud no longer reports are done.
	for name, id := range rc.leaked {
		if rc.instanceGone(id, statuses[id]) {
			delete(rc.leaked, name)
		}
	}
	return statuses, true
}

// instanceGone reports whether the cloud has confirmed an instance is
// no longer running (and billing). A single Unknown answer can be
// read-after-write lag on the cloud side, so Unknown only counts
// after unknownSettleTicks consecutive queries agree.
func (rc *Reconciler) instanceGone(id cloud.InstanceID, status cloud.InstanceStatus) bool {
	return status == cloud.StatusTerminated || rc.unknownSeen[id] >= unknownSettleTicks
}

// terminateInstances issues one batched terminate for this tick's
// queue plus any instances still awaiting reclamation.
func (rc *Reconciler) terminateInstances(ctx context.Context, ids map[cloud.InstanceID]bool) {
	for _, id := range rc.leaked {
		ids[id] = true
	}
	if len(ids) == 0 {
		return
	}
	batch := make([]cloud.InstanceID, 0, len(ids))
	for id := range ids {
		batch = append(batch, id)
	}
	sort.Slice(batch, func(i, j int) bool { return batch[i] < batch[j] })
	results, err := rc.gateway.TerminateInstances(ctx, batch)
	if err != nil {
		rc.gateway.throttleCreate.CheckRateLimitError(err, rc.logger, "TerminateInstances", nil)
		rc.logger.WithError(err).Warn("terminate call failed, will retry next tick")
		return
	}
	for id, err := range results {
		if err != nil {
			rc.logger.WithError(err).WithField("Instance", id).Warn("instance failed to terminate")
			continue
		}
		rc.metrics.mInstancesDestroyed.Inc()
	}
}

// createInstances provisions the tick's resume queue in batches.
// Records are already durably ResumeRequested before any cloud call
// is made.
func (rc *Reconciler) createInstances(ctx context.Context, byName map[string]registry.NodeRecord, names map[string]bool) {
	if len(names) == 0 {
		return
	}
	if err := rc.gateway.throttleCreate.Error(); err != nil {
		rc.logger.WithError(err).Debug("skipping instance creation")
		return
	}
	specs := make([]cloud.InstanceSpec, 0, len(names))
	for name := range names {
		specs = append(specs, cloud.InstanceSpec{
			Name:        name,
			MachineType: rc.machineType(name),
		})
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })

	now := rc.timeNow()
	for len(specs) > 0 {
		batch := specs
		if rc.maxCreate > 0 && len(batch) > rc.maxCreate {
			batch = batch[:rc.maxCreate]
		}
		specs = specs[len(batch):]
		results, err := rc.gateway.CreateInstances(ctx, batch)
		if err != nil {
			rc.gateway.throttleCreate.CheckRateLimitError(err, rc.logger, "CreateInstances", nil)
			if qe, ok := err.(cloud.QuotaError); ok && qe.IsQuotaError() {
				// Quota pressure clears on its own as
				// other instances shut down; nodes
				// stay ResumeRequested and retry.
				rc.logger.WithError(err).Warn("at cloud quota, deferring instance creation")
				return
			}
			if _, ok := err.(cloud.RateLimitError); ok {
				return
			}
			// A whole-batch hard failure provisions
			// nothing; fail the nodes so the retry budget
			// is charged.
			rc.logger.WithError(err).Warn("create call failed")
			for _, spec := range batch {
				rec := byName[spec.Name]
				rec.State = registry.StateFailed
				rec.StateEnteredAt = now
				rec.RetryCount++
				rc.metrics.mProvisionFailures.Inc()
				rc.setState(ctx, byName, rec, registry.StateResumeRequested)
			}
			continue
		}
		for _, spec := range batch {
			res, ok := results[spec.Name]
			rec := byName[spec.Name]
			switch {
			case !ok || (res.Err == nil && res.ID == ""):
				// No per-name answer: leave
				// ResumeRequested and re-ask next tick.
			case res.Err != nil:
				rc.logger.WithError(res.Err).WithField("Name", spec.Name).Warn("instance creation failed")
				rc.metrics.mProvisionFailures.Inc()
				rec.State = registry.StateFailed
				rec.StateEnteredAt = now
				rec.RetryCount++
				rc.setState(ctx, byName, rec, registry.StateResumeRequested)
			default:
				rec.State = registry.StateBooting
				rec.StateEnteredAt = now
				rec.CloudInstanceID = string(res.ID)
				if !rc.setState(ctx, byName, rec, registry.StateResumeRequested) {
					// Created an instance we cannot
					// record; reclaim it rather
					// than leak it.
					rc.leaked[spec.Name] = res.ID
					continue
				}
				rc.metrics.mInstancesCreated.Inc()
			}
		}
	}
}
