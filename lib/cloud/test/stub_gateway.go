// Copyright (C) The Slurmscale Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package test provides a stub cloud driver for testing components
// that talk to an InstanceGateway.
package test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	math_rand "math/rand"
	"sync"
	"time"

	"github.com/nimbushpc/slurmscale/lib/cloud"
	"github.com/sirupsen/logrus"
)

// A StubDriver implements cloud.Driver with in-memory gateways whose
// failure behavior is scripted by the test.
type StubDriver struct {
	gateways []*StubGateway
}

// InstanceGateway returns a new *StubGateway.
func (sd *StubDriver) InstanceGateway(params json.RawMessage, clusterName string, logger logrus.FieldLogger) (cloud.InstanceGateway, error) {
	sg := &StubGateway{
		clusterName: clusterName,
		instances:   map[cloud.InstanceID]*StubInstance{},
		CreateError: map[string]error{},
	}
	sd.gateways = append(sd.gateways, sg)
	return sg, nil
}

// Gateways returns all gateways created by the driver, so a test can
// reach inside a component that doesn't expose its gateway.
func (sd *StubDriver) Gateways() []*StubGateway {
	return sd.gateways
}

// A StubInstance is one fake VM.
type StubInstance struct {
	ID          cloud.InstanceID
	Name        string
	MachineType string
	Status      cloud.InstanceStatus
	CreatedAt   time.Time
}

// StubGateway implements cloud.InstanceGateway. All scripting fields
// may only be set before the gateway is handed to the component under
// test, except where noted.
type StubGateway struct {
	mtx         sync.Mutex
	clusterName string
	instances   map[cloud.InstanceID]*StubInstance
	stopped     bool

	// Per-name create failures: CreateInstances reports these in
	// the result map instead of creating an instance. Safe to
	// update between calls via FailName.
	CreateError map[string]error

	// Next whole-batch errors, consumed one call at a time.
	nextCreateErr    []error
	nextTerminateErr []error
	nextQueryErr     []error

	// Call counters.
	CreateCalls    [][]cloud.InstanceSpec
	TerminateCalls [][]cloud.InstanceID
	QueryCalls     int
}

// QuotaError returned by scripted quota failures.
type QuotaError struct{ error }

// IsQuotaError implements cloud.QuotaError.
func (QuotaError) IsQuotaError() bool { return true }

// RateLimitError returned by scripted rate-limit failures.
type RateLimitError struct{ Retry time.Time }

// EarliestRetry implements cloud.RateLimitError.
func (e RateLimitError) EarliestRetry() time.Time { return e.Retry }

func (e RateLimitError) Error() string { return "stub rate limited" }

// FailName scripts a per-name create failure (nil clears it).
func (sg *StubGateway) FailName(name string, err error) {
	sg.mtx.Lock()
	defer sg.mtx.Unlock()
	if err == nil {
		delete(sg.CreateError, name)
	} else {
		sg.CreateError[name] = err
	}
}

// FailNextCreate scripts a whole-batch error for the next
// CreateInstances call.
func (sg *StubGateway) FailNextCreate(err error) {
	sg.mtx.Lock()
	defer sg.mtx.Unlock()
	sg.nextCreateErr = append(sg.nextCreateErr, err)
}

// FailNextTerminate scripts a whole-batch error for the next
// TerminateInstances call.
func (sg *StubGateway) FailNextTerminate(err error) {
	sg.mtx.Lock()
	defer sg.mtx.Unlock()
	sg.nextTerminateErr = append(sg.nextTerminateErr, err)
}

// FailNextQuery scripts a whole-batch error for the next QueryStatus
// call.
func (sg *StubGateway) FailNextQuery(err error) {
	sg.mtx.Lock()
	defer sg.mtx.Unlock()
	sg.nextQueryErr = append(sg.nextQueryErr, err)
}

// CreateInstances implements cloud.InstanceGateway.
func (sg *StubGateway) CreateInstances(ctx context.Context, specs []cloud.InstanceSpec) (map[string]cloud.CreateResult, error) {
	sg.mtx.Lock()
	defer sg.mtx.Unlock()
	if sg.stopped {
		return nil, errors.New("StubGateway: CreateInstances called after Stop")
	}
	sg.CreateCalls = append(sg.CreateCalls, append([]cloud.InstanceSpec(nil), specs...))
	if len(sg.nextCreateErr) > 0 {
		err := sg.nextCreateErr[0]
		sg.nextCreateErr = sg.nextCreateErr[1:]
		return nil, err
	}
	results := map[string]cloud.CreateResult{}
	for _, spec := range specs {
		if err, ok := sg.CreateError[spec.Name]; ok {
			results[spec.Name] = cloud.CreateResult{Err: &cloud.ProvisionError{Name: spec.Name, Cause: err}}
			continue
		}
		inst := &StubInstance{
			ID:          cloud.InstanceID(fmt.Sprintf("stub-%s-%x", spec.MachineType, math_rand.Int63())),
			Name:        spec.Name,
			MachineType: spec.MachineType,
			Status:      cloud.StatusPending,
			CreatedAt:   time.Now(),
		}
		sg.instances[inst.ID] = inst
		results[spec.Name] = cloud.CreateResult{ID: inst.ID}
	}
	return results, nil
}

// TerminateInstances implements cloud.InstanceGateway. Unknown and
// already-terminated IDs succeed as no-ops.
func (sg *StubGateway) TerminateInstances(ctx context.Context, ids []cloud.InstanceID) (map[cloud.InstanceID]error, error) {
	sg.mtx.Lock()
	defer sg.mtx.Unlock()
	sg.TerminateCalls = append(sg.TerminateCalls, append([]cloud.InstanceID(nil), ids...))
	if len(sg.nextTerminateErr) > 0 {
		err := sg.nextTerminateErr[0]
		sg.nextTerminateErr = sg.nextTerminateErr[1:]
		return nil, err
	}
	results := map[cloud.InstanceID]error{}
	for _, id := range ids {
		if inst, ok := sg.instances[id]; ok {
			inst.Status = cloud.StatusTerminated
		}
		results[id] = nil
	}
	return results, nil
}

// QueryStatus implements cloud.InstanceGateway.
func (sg *StubGateway) QueryStatus(ctx context.Context, ids []cloud.InstanceID) (map[cloud.InstanceID]cloud.InstanceStatus, error) {
	sg.mtx.Lock()
	defer sg.mtx.Unlock()
	sg.QueryCalls++
	if len(sg.nextQueryErr) > 0 {
		err := sg.nextQueryErr[0]
		sg.nextQueryErr = sg.nextQueryErr[1:]
		return nil, err
	}
	results := map[cloud.InstanceID]cloud.InstanceStatus{}
	for _, id := range ids {
		if inst, ok := sg.instances[id]; ok {
			results[id] = inst.Status
		} else {
			results[id] = cloud.StatusUnknown
		}
	}
	return results, nil
}

// Stop implements cloud.InstanceGateway.
func (sg *StubGateway) Stop() {
	sg.mtx.Lock()
	defer sg.mtx.Unlock()
	sg.stopped = true
}

// SetStatus moves a fake instance to the given status, e.g., to
// simulate a boot completing.
func (sg *StubGateway) SetStatus(id cloud.InstanceID, status cloud.InstanceStatus) {
	sg.mtx.Lock()
	defer sg.mtx.Unlock()
	if inst, ok := sg.instances[id]; ok {
		inst.Status = status
	}
}

// SetStatusByName is SetStatus keyed on node name.
func (sg *StubGateway) SetStatusByName(name string, status cloud.InstanceStatus) {
	sg.mtx.Lock()
	defer sg.mtx.Unlock()
	for _, inst := range sg.instances {
		if inst.Name == name {
			inst.Status = status
		}
	}
}

// Instances returns a snapshot of all fake instances, including
// terminated ones.
func (sg *StubGateway) Instances() []StubInstance {
	sg.mtx.Lock()
	defer sg.mtx.Unlock()
	var r []StubInstance
	for _, inst := range sg.instances {
		r = append(r, *inst)
	}
	return r
}
