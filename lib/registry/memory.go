// Copyright (C) The Slurmscale Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package registry

import (
	"context"
	"sort"
	"sync"
)

// MemoryRegistry is a process-local Registry. Suitable for tests and
// single-process deployments that can afford to rebuild node state
// from the cloud after a restart.
type MemoryRegistry struct {
	mtx   sync.Mutex
	nodes map[string]NodeRecord
}

// NewMemoryRegistry returns an empty MemoryRegistry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{nodes: map[string]NodeRecord{}}
}

// Get implements Registry.
func (mr *MemoryRegistry) Get(ctx context.Context, name string) (NodeRecord, error) {
	mr.mtx.Lock()
	defer mr.mtx.Unlock()
	rec, ok := mr.nodes[name]
	if !ok {
		return NodeRecord{}, ErrNotFound
	}
	return rec, nil
}

// Upsert implements Registry.
func (mr *MemoryRegistry) Upsert(ctx context.Context, rec NodeRecord, prevState State) error {
	mr.mtx.Lock()
	defer mr.mtx.Unlock()
	old, exists := mr.nodes[rec.Name]
	if exists && old.State != prevState {
		return ErrConflict
	}
	if !exists && prevState != StateOff {
		return ErrConflict
	}
	if exists && rec.StateEnteredAt.Before(old.StateEnteredAt) {
		// Transitions never move backward in logical time.
		rec.StateEnteredAt = old.StateEnteredAt
	}
	mr.nodes[rec.Name] = rec
	return nil
}

// List implements Registry. Records are returned in name order so
// reconciliation passes are deterministic.
func (mr *MemoryRegistry) List(ctx context.Context) ([]NodeRecord, error) {
	mr.mtx.Lock()
	defer mr.mtx.Unlock()
	recs := make([]NodeRecord, 0, len(mr.nodes))
	for _, rec := range mr.nodes {
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Name < recs[j].Name })
	return recs, nil
}

// Delete implements Registry. Deleting an unknown name is a no-op.
func (mr *MemoryRegistry) Delete(ctx context.Context, name string) error {
	mr.mtx.Lock()
	defer mr.mtx.Unlock()
	delete(mr.nodes, name)
	return nil
}
