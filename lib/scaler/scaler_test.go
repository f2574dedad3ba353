// Copyright (C) The Slurmscale Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scaler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"time"

	cloudtest "github.com/nimbushpc/slurmscale/lib/cloud/test"
	"github.com/nimbushpc/slurmscale/lib/config"
	"github.com/nimbushpc/slurmscale/lib/registry"
	"github.com/nimbushpc/slurmscale/sdk/go/ctxlog"
	"github.com/prometheus/client_golang/prometheus"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&ScalerSuite{})

type ScalerSuite struct {
	sc     *Scaler
	reader *stubReader
}

func (s *ScalerSuite) SetUpTest(c *check.C) {
	cluster := &config.Cluster{
		Name:            "testcluster",
		ManagementToken: "topsecret",
	}
	cluster.CloudVMs.ResumeTimeout = config.Duration(1800 * time.Second)
	cluster.CloudVMs.SuspendTimeout = config.Duration(600 * time.Second)
	cluster.CloudVMs.MaxRetryAttempts = 3
	// Long enough that the test drives all ticks itself.
	cluster.CloudVMs.TickInterval = config.Duration(time.Hour)
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

	s.reader = &stubReader{}
	s.reader.want(nil, nil)
	s.sc = &Scaler{
		Cluster:      cluster,
		Context:      ctxlog.Context(context.Background(), ctxlog.TestLogger(c)),
		Registry:     prometheus.NewRegistry(),
		NodeRegistry: registry.NewMemoryRegistry(),
		Gateway:      gw,
		Reader:       s.reader,
	}
	s.sc.Start()
}

func (s *ScalerSuite) TearDownTest(c *check.C) {
	s.sc.Close()
}

func (s *ScalerSuite) req(c *check.C, method, path, token string, form url.Values) *httptest.ResponseRecorder {
	var body *strings.Reader
	if form == nil {
		body = strings.NewReader("")
	} else {
		body = strings.NewReader(form.Encode())
	}
	req := httptest.NewRequest(method, path, body)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp := httptest.NewRecorder()
	s.sc.ServeHTTP(resp, req)
	return resp
}

func (s *ScalerSuite) TestAuth(c *check.C) {
	resp := s.req(c, "GET", "/slurmscale/v1/nodes", "", nil)
	c.Check(resp.Code, check.Equals, http.StatusUnauthorized)
	resp = s.req(c, "GET", "/slurmscale/v1/nodes", "wrong", nil)
	c.Check(resp.Code, check.Equals, http.StatusForbidden)
	resp = s.req(c, "GET", "/slurmscale/v1/nodes", "topsecret", nil)
	c.Check(resp.Code, check.Equals, http.StatusOK)
}

func (s *ScalerSuite) TestNodesList(c *check.C) {
	err := s.sc.NodeRegistry.Upsert(context.Background(), registry.NodeRecord{
		Name:  "hpc-001",
		State: registry.StateOff,
	}, registry.StateOff)
	c.Assert(err, check.IsNil)

	resp := s.req(c, "GET", "/slurmscale/v1/nodes", "topsecret", nil)
	c.Assert(resp.Code, check.Equals, http.StatusOK)
	var body struct {
		Items []registry.NodeRecord
	}
	c.Assert(json.Unmarshal(resp.Body.Bytes(), &body), check.IsNil)
	c.Assert(body.Items, check.HasLen, 1)
	c.Check(body.Items[0].Name, check.Equals, "hpc-001")
}

func (s *ScalerSuite) TestResumeEndpoint(c *check.C) {
	resp := s.req(c, "POST", "/slurmscale/v1/nodes/resume", "topsecret", url.Values{"names": {"hpc-001,hpc-002"}})
	c.Assert(resp.Code, check.Equals, http.StatusAccepted)

	// The injected request is merged into the next scheduler
	// snapshot and consumed by it.
	state, err := s.sc.reader.ReadState(context.Background())
	c.Assert(err, check.IsNil)
	c.Check(state.ResumeRequests, check.DeepEquals, map[string]bool{"hpc-001": true, "hpc-002": true})

	state, err = s.sc.reader.ReadState(context.Background())
	c.Assert(err, check.IsNil)
	c.Check(state.ResumeRequests, check.HasLen, 0)
}

func (s *ScalerSuite) TestFailEndpoint(c *check.C) {
	ctx := context.Background()
	now := time.Now()
	c.Assert(s.sc.NodeRegistry.Upsert(ctx, registry.NodeRecord{
		Name: "hpc-001", State: registry.StateRunning, CloudInstanceID: "i-1", StateEnteredAt: now,
	}, registry.StateOff), check.IsNil)
	c.Assert(s.sc.NodeRegistry.Upsert(ctx, registry.NodeRecord{
		Name: "hpc-002", State: registry.StateResumeRequested, StateEnteredAt: now,
	}, registry.StateOff), check.IsNil)

	resp := s.req(c, "POST", "/slurmscale/v1/nodes/fail", "topsecret", url.Values{"names": {"hpc-001,hpc-002,hpc-999"}})
	c.Assert(resp.Code, check.Equals, http.StatusAccepted)

	// A node with a live instance is reclaimed before it parks in
	// Failed; one without goes straight there. Unknown names are
	// skipped.
	rec, err := s.sc.NodeRegistry.Get(ctx, "hpc-001")
	c.Assert(err, check.IsNil)
	c.Check(rec.State, check.Equals, registry.StateStopping)
	c.Check(rec.CloudInstanceID, check.Equals, "i-1")

	rec, err = s.sc.NodeRegistry.Get(ctx, "hpc-002")
	c.Assert(err, check.IsNil)
	c.Check(rec.State, check.Equals, registry.StateFailed)
	c.Check(rec.CloudInstanceID, check.Equals, "")
}

func (s *ScalerSuite) TestResumeMissingNames(c *check.C) {
	resp := s.req(c, "POST", "/slurmscale/v1/nodes/resume", "topsecret", url.Values{})
	c.Check(resp.Code, check.Equals, http.StatusBadRequest)
}

func (s *ScalerSuite) TestMetrics(c *check.C) {
	resp := s.req(c, "GET", "/metrics", "topsecret", nil)
	c.Assert(resp.Code, check.Equals, http.StatusOK)
	c.Check(resp.Body.String(), check.Matches, `(?s).*slurmscale_scaler_ticks_total.*`)

	resp = s.req(c, "GET", "/metrics.json", "topsecret", nil)
	c.Assert(resp.Code, check.Equals, http.StatusOK)
	c.Check(resp.Header().Get("Content-Type"), check.Equals, "application/json")
}

func (s *ScalerSuite) TestHealthPing(c *check.C) {
	resp := s.req(c, "GET", "/_health/ping", "topsecret", nil)
	c.Check(resp.Code, check.Equals, http.StatusOK)
}
