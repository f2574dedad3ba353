// Copyright (C) The Slurmscale Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scaler

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	mNodeStates         *prometheus.GaugeVec
	mInstancesCreated   prometheus.Counter
	mInstancesDestroyed prometheus.Counter
	mProvisionFailures  prometheus.Counter
	mPersistentFailures prometheus.Counter
	mLeakedInstances    prometheus.Gauge
	mTicks              prometheus.Counter
	mTickSkipped        prometheus.Counter
	mTickDuration       prometheus.Summary
}

func newMetrics(reg *prometheus.Registry) *metrics {
	m := &metrics{
		mNodeStates: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "slurmscale",
			Subsystem: "scaler",
			Name:      "nodes",
			Help:      "Number of nodes in each state.",
		}, []string{"state"}),
		mInstancesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "slurmscale",
			Subsystem: "scaler",
			Name:      "instances_created_total",
			Help:      "Number of cloud instances created.",
		}),
		mInstancesDestroyed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "slurmscale",
			Subsystem: "scaler",
			Name:      "instances_destroyed_total",
			Help:      "Number of cloud instances terminated.",
		}),
		mProvisionFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "slurmscale",
			Subsystem: "scaler",
			Name:      "provision_failures_total",
			Help:      "Number of failed instance create attempts.",
		}),
		mPersistentFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "slurmscale",
			Subsystem: "scaler",
			Name:      "persistent_failures_total",
			Help:      "Number of nodes that exhausted their provisioning retry budget.",
		}),
		mLeakedInstances: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "slurmscale",
			Subsystem: "scaler",
			Name:      "leaked_instances",
			Help:      "Number of cloud instances that did not confirm termination before the suspend timeout.",
		}),
		mTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "slurmscale",
			Subsystem: "scaler",
			Name:      "ticks_total",
			Help:      "Number of completed reconciliation passes.",
		}),
		mTickSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "slurmscale",
			Subsystem: "scaler",
			Name:      "ticks_skipped_total",
			Help:      "Number of reconciliation passes abandoned because the node registry was unavailable.",
		}),
		mTickDuration: prometheus.NewSummary(prometheus.SummaryOpts{
			Namespace:  "slurmscale",
			Subsystem:  "scaler",
			Name:       "tick_seconds",
			Help:       "Time spent in each reconciliation pass.",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		}),
	}
	if reg != nil {
		reg.MustRegister(m.mNodeStates)
		reg.MustRegister(m.mInstancesCreated)
		reg.MustRegister(m.mInstancesDestroyed)
		reg.MustRegister(m.mProvisionFailures)
		reg.MustRegister(m.mPersistentFailures)
		reg.MustRegister(m.mLeakedInstances)
		reg.MustRegister(m.mTicks)
		reg.MustRegister(m.mTickSkipped)
		reg.MustRegister(m.mTickDuration)
	}
	return m
}
