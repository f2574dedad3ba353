// Copyright (C) The Slurmscale Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package accounting delivers node lifecycle events to a site
// accounting endpoint. Delivery is best effort: events are queued,
// posted with retries, and dropped with a log message if the queue
// overflows or the endpoint stays down.
package accounting

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
)

const queueSize = 1000

// An Event records one node state transition.
type Event struct {
	Timestamp       time.Time `json:"timestamp"`
	Cluster         string    `json:"cluster"`
	Node            string    `json:"node"`
	FromState       string    `json:"from_state"`
	ToState         string    `json:"to_state"`
	CloudInstanceID string    `json:"cloud_instance_id,omitempty"`
}

// A Reporter posts Events to an HTTP endpoint with basic auth.
type Reporter struct {
	logger   logrus.FieldLogger
	url      string
	username string
	password string
	cluster  string
	client   *retryablehttp.Client

	queue   chan Event
	stopped chan struct{}
}

// NewReporter starts a Reporter delivering to the given endpoint. An
// empty url disables delivery: Record becomes a no-op.
func NewReporter(logger logrus.FieldLogger, cluster, url, username, password string) *Reporter {
	rep := &Reporter{
		logger:   logger,
		url:      url,
		username: username,
		password: password,
		cluster:  cluster,
		queue:    make(chan Event, queueSize),
		stopped:  make(chan struct{}),
	}
	rep.client = retryablehttp.NewClient()
	rep.client.RetryMax = 3
	rep.client.RetryWaitMin = time.Second
	rep.client.RetryWaitMax = 30 * time.Second
	rep.client.Logger = nil
	go rep.deliver()
	return rep
}

// Record queues one event. It never blocks; if the queue is full the
// event is dropped and logged.
func (rep *Reporter) Record(node, fromState, toState, instanceID string) {
	if rep.url == "" {
		return
	}
	ev := Event{
		Timestamp:       time.Now().UTC(),
		Cluster:         rep.cluster,
		Node:            node,
		FromState:       fromState,
		ToState:         toState,
		CloudInstanceID: instanceID,
	}
	select {
	case rep.queue <- ev:
	default:
		rep.logger.WithField("Node", node).Warn("accounting queue full, dropping event")
	}
}

// Close flushes queued events and stops the delivery goroutine.
func (rep *Reporter) Close() {
	close(rep.queue)
	<-rep.stopped
}

func (rep *Reporter) deliver() {
	defer close(rep.stopped)
	for ev := range rep.queue {
		body, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		req, err := retryablehttp.NewRequest("POST", rep.url, bytes.NewReader(body))
		if err != nil {
			rep.logger.WithError(err).Warn("bad accounting request")
			continue
		}
		req.Header.Set("Content-Type", "application/json")
		if rep.username != "" {
			req.SetBasicAuth(rep.username, rep.password)
		}
		resp, err := rep.client.Do(req)
		if err != nil {
			rep.logger.WithError(err).WithField("Node", ev.Node).Warn("accounting event delivery failed, dropping")
			continue
		}
		resp.Body.Close()
	}
}
