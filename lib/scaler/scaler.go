// Copyright (C) The Slurmscale Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scaler

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nimbushpc/slurmscale/lib/accounting"
	"github.com/nimbushpc/slurmscale/lib/cloud"
	"github.com/nimbushpc/slurmscale/lib/config"
	"github.com/nimbushpc/slurmscale/lib/registry"
	"github.com/nimbushpc/slurmscale/sdk/go/auth"
	"github.com/nimbushpc/slurmscale/sdk/go/ctxlog"
	"github.com/nimbushpc/slurmscale/sdk/go/health"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const maxTickBackoff = time.Minute

// A Scaler owns one cluster's reconciliation loop and its management
// API.
type Scaler struct {
	Cluster  *config.Cluster
	Context  context.Context
	Registry *prometheus.Registry

	// Test hooks: when non-nil these replace the configured
	// collaborators.
	NodeRegistry registry.Registry
	Gateway      cloud.InstanceGateway
	Reader       StateReader

	logger      logrus.FieldLogger
	reader      *overlayReader
	reconciler  *Reconciler
	reporter    *accounting.Reporter
	httpHandler http.Handler

	lastTickErr error
	mtx         sync.Mutex

	setupOnce sync.Once
	stop      chan struct{}
	stopped   chan struct{}
}

// Start starts the scaler. Start can be called multiple times with no
// ill effect.
func (sc *Scaler) Start() {
	sc.setupOnce.Do(sc.setup)
}

// ServeHTTP implements service.Handler.
func (sc *Scaler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sc.Start()
	sc.httpHandler.ServeHTTP(w, r)
}

// CheckHealth implements service.Handler. It fails while the node
// registry is unreachable.
func (sc *Scaler) CheckHealth() error {
	sc.Start()
	sc.mtx.Lock()
	defer sc.mtx.Unlock()
	return sc.lastTickErr
}

// Done implements service.Handler.
func (sc *Scaler) Done() <-chan struct{} {
	return sc.stopped
}

// Close stops the reconciliation loop and releases resources.
// Typically used in tests.
func (sc *Scaler) Close() {
	sc.Start()
	select {
	case sc.stop <- struct{}{}:
	default:
	}
	<-sc.stopped
}

func (sc *Scaler) setup() {
	sc.initialize()
	go sc.run()
}

func (sc *Scaler) initialize() {
	sc.logger = ctxlog.FromContext(sc.Context)
	sc.stop = make(chan struct{}, 1)
	sc.stopped = make(chan struct{})

	if sc.Registry == nil {
		sc.Registry = prometheus.NewRegistry()
	}

	if sc.NodeRegistry == nil {
		switch sc.Cluster.NodeRegistry.Driver {
		case "", "postgres":
			nreg, err := registry.NewPostgresRegistry(sc.Context, sc.Cluster.NodeRegistry.Connection.String())
			if err != nil {
				sc.logger.WithError(err).Fatal("error opening node registry database")
			}
			sc.NodeRegistry = nreg
		case "memory":
			sc.NodeRegistry = registry.NewMemoryRegistry()
		default:
			sc.logger.Fatalf("unsupported node registry driver %q", sc.Cluster.NodeRegistry.Driver)
		}
	}
	if sc.Gateway == nil {
		gw, err := newGateway(sc.Cluster, sc.logger)
		if err != nil {
			sc.logger.WithError(err).Fatal("error initializing cloud driver")
		}
		sc.Gateway = gw
	}
	if sc.Reader == nil {
		sc.logger.Fatal("no scheduler state reader configured")
	}
	sc.reader = &overlayReader{inner: sc.Reader}

	rc, err := NewReconciler(sc.logger, sc.Cluster, sc.NodeRegistry, sc.Gateway, sc.reader, sc.Registry)
	if err != nil {
		sc.logger.WithError(err).Fatal("error initializing reconciler")
	}
	sc.reporter = accounting.NewReporter(sc.logger, sc.Cluster.Name,
		sc.Cluster.Accounting.URL, sc.Cluster.Accounting.Username, sc.Cluster.Accounting.Password)
	rc.events = sc.reporter.Record
	sc.reconciler = rc

	mux := httprouter.New()
	mux.HandlerFunc("GET", "/slurmscale/v1/nodes", sc.apiNodes)
	mux.HandlerFunc("POST", "/slurmscale/v1/nodes/resume", sc.apiNodesResume)
	mux.HandlerFunc("POST", "/slurmscale/v1/nodes/suspend", sc.apiNodesSuspend)
	mux.HandlerFunc("POST", "/slurmscale/v1/nodes/fail", sc.apiNodesFail)
	metricsH := promhttp.HandlerFor(sc.Registry, promhttp.HandlerOpts{
		ErrorLog: sc.logger,
	})
	mux.Handler("GET", "/metrics", metricsH)
	mux.HandlerFunc("GET", "/metrics.json", func(w http.ResponseWriter, r *http.Request) {
		mfs, err := sc.Registry.Gather()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(mfs)
	})
	mux.Handler("GET", "/_health/:check", &health.Handler{
		Token:  sc.Cluster.ManagementToken,
		Prefix: "/_health/",
		Routes: health.Routes{"ping": sc.CheckHealth},
	})
	if sc.Cluster.ManagementToken == "" {
		sc.httpHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "Management API authentication is not configured", http.StatusForbidden)
		})
	} else {
		sc.httpHandler = auth.RequireLiteralToken(sc.Cluster.ManagementToken, mux)
	}
}

func (sc *Scaler) run() {
	defer close(sc.stopped)
	defer sc.Gateway.Stop()
	defer sc.reporter.Close()

	interval := sc.Cluster.CloudVMs.TickInterval.Duration()
	if interval <= 0 {
		interval = 10 * time.Second
	}
	delay := interval
	for {
		select {
		case <-sc.stop:
			return
		case <-time.After(delay):
		}
		err := sc.reconciler.Tick(sc.Context)
		sc.mtx.Lock()
		sc.lastTickErr = err
		sc.mtx.Unlock()
		if err != nil {
			// Registry unavailable; back off instead of
			// hammering it every tick.
			delay *= 2
			if delay > maxTickBackoff {
				delay = maxTickBackoff
			}
			sc.logger.WithError(err).WithField("RetryIn", delay).Warn("reconciliation pass failed")
		} else {
			delay = interval
		}
	}
}

// Management API: all node records.
func (sc *Scaler) apiNodes(w http.ResponseWriter, r *http.Request) {
	var resp struct {
		Items []registry.NodeRecord `json:"items"`
	}
	recs, err := sc.NodeRegistry.List(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Name < recs[j].Name })
	resp.Items = recs
	json.NewEncoder(w).Encode(resp)
}

// Management API: request power-up for the named nodes, as if the
// scheduler had asked. Used by the ResumeProgram CLI.
func (sc *Scaler) apiNodesResume(w http.ResponseWriter, r *http.Request) {
	sc.apiNodesRequest(w, r, true)
}

// Management API: request power-down for the named nodes.
func (sc *Scaler) apiNodesSuspend(w http.ResponseWriter, r *http.Request) {
	sc.apiNodesRequest(w, r, false)
}

// Management API: operator override marking the named nodes failed.
// Nodes holding a cloud instance move to Stopping first so the
// instance is reclaimed before the record parks in Failed.
func (sc *Scaler) apiNodesFail(w http.ResponseWriter, r *http.Request) {
	names := strings.FieldsFunc(r.FormValue("names"), func(r rune) bool { return r == ',' })
	if len(names) == 0 {
		http.Error(w, "names parameter not provided", http.StatusBadRequest)
		return
	}
	var failed []string
	for _, name := range names {
		rec, err := sc.NodeRegistry.Get(r.Context(), name)
		if err == registry.ErrNotFound {
			continue
		} else if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		prev := rec.State
		switch prev {
		case registry.StateFailed, registry.StateStopping:
			// already on the way out
		default:
			if prev.HasInstance() {
				rec.State = registry.StateStopping
			} else {
				rec.State = registry.StateFailed
				rec.CloudInstanceID = ""
			}
			rec.StateEnteredAt = time.Now()
			if err := sc.NodeRegistry.Upsert(r.Context(), rec, prev); err != nil {
				http.Error(w, err.Error(), http.StatusConflict)
				return
			}
		}
		failed = append(failed, name)
	}
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]interface{}{"accepted": failed})
}

func (sc *Scaler) apiNodesRequest(w http.ResponseWriter, r *http.Request, resume bool) {
	names := strings.FieldsFunc(r.FormValue("names"), func(r rune) bool { return r == ',' })
	if len(names) == 0 {
		http.Error(w, "names parameter not provided", http.StatusBadRequest)
		return
	}
	if resume {
		sc.reader.RequestResume(names)
	} else {
		sc.reader.RequestSuspend(names)
	}
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]interface{}{"accepted": names})
}

// overlayReader merges one-shot requests injected via the management
// API into the scheduler's own snapshot. Injected requests are
// consumed by the next snapshot; after that the registry state
// carries the transition forward.
type overlayReader struct {
	inner   StateReader
	mtx     sync.Mutex
	resume  map[string]bool
	suspend map[string]bool
}

func (o *overlayReader) RequestResume(names []string) {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	if o.resume == nil {
		o.resume = map[string]bool{}
	}
	for _, name := range names {
		o.resume[name] = true
	}
}

func (o *overlayReader) RequestSuspend(names []string) {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	if o.suspend == nil {
		o.suspend = map[string]bool{}
	}
	for _, name := range names {
		o.suspend[name] = true
	}
}

func (o *overlayReader) ReadState(ctx context.Context) (SchedulerState, error) {
	state, err := o.inner.ReadState(ctx)
	if err != nil {
		return state, err
	}
	o.mtx.Lock()
	resume, suspend := o.resume, o.suspend
	o.resume, o.suspend = nil, nil
	o.mtx.Unlock()
	if len(resume)+len(suspend) == 0 {
		return state, nil
	}
	merged := SchedulerState{
		ResumeRequests:  map[string]bool{},
		SuspendRequests: map[string]bool{},
		AliveNodes:      state.AliveNodes,
	}
	for name := range state.ResumeRequests {
		merged.ResumeRequests[name] = true
	}
	for name := range resume {
		merged.ResumeRequests[name] = true
	}
	for name := range state.SuspendRequests {
		merged.SuspendRequests[name] = true
	}
	for name := range suspend {
		merged.SuspendRequests[name] = true
	}
	return merged, nil
}
