// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package peerstate tracks per-upstream-peer failure counters used to
// take a peer out of rotation once it crosses max_fails within
// fail_timeout, mirroring nginx's upstream health bookkeeping. The
// default Table is an in-process, sharded-mutex map; Redis-backed
// cross-process sharing is available via RedisTable for deployments
// that run more than one edgeproxy process in front of the same
// upstream group.
package peerstate

import (
	"context"
	"sync"
	"time"
)

// Table tracks failures per peer key (typically "host:port").
type Table interface {
	// RecordFailure registers a failed attempt against peer at t and
	// reports whether the peer has now crossed maxFails within the
	// trailing failTimeout window.
	RecordFailure(ctx context.Context, peer string, t time.Time, maxFails int, failTimeout time.Duration) (tripped bool, err error)
	// RecordSuccess clears a peer's failure count, re-admitting it to
	// rotation immediately.
	RecordSuccess(ctx context.Context, peer string) error
	// Down reports whether peer is currently excluded from rotation.
	Down(ctx context.Context, peer string) (bool, error)
}

const shardCount = 16

type shard struct {
	mu      sync.Mutex
	records map[string]*record
}

type record struct {
	failures  []time.Time
	down      bool
	downUntil time.Time
}

// InMemoryTable is the default Table, sharded by an FNV-ish hash of the
// peer key to keep the lock uncontended under concurrent failover.
type InMemoryTable struct {
	shards [shardCount]*shard
}

// NewInMemoryTable returns a ready-to-use InMemoryTable.
func NewInMemoryTable() *InMemoryTable {
	t := &InMemoryTable{}
	for i := range t.shards {
		t.shards[i] = &shard{records: make(map[string]*record)}
	}
	return t
}

func (t *InMemoryTable) shardFor(peer string) *shard {
	var h uint32 = 2166136261
	for i := 0; i < len(peer); i++ {
		h ^= uint32(peer[i])
		h *= 16777619
	}
	return t.shards[h%shardCount]
}

func (t *InMemoryTable) RecordFailure(ctx context.Context, peer string, at time.Time, maxFails int, failTimeout time.Duration) (bool, error) {
	s := t.shardFor(peer)
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[peer]
	if !ok {
		r = &record{}
		s.records[peer] = r
	}
	cutoff := at.Add(-failTimeout)
	kept := r.failures[:0]
	for _, f := range r.failures {
		if f.After(cutoff) {
			kept = append(kept, f)
		}
	}
	r.failures = append(kept, at)
	if maxFails > 0 && len(r.failures) >= maxFails {
		r.down = true
		r.downUntil = at.Add(failTimeout)
		return true, nil
	}
	return false, nil
}

func (t *InMemoryTable) RecordSuccess(ctx context.Context, peer string) error {
	s := t.shardFor(peer)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, peer)
	return nil
}

func (t *InMemoryTable) Down(ctx context.Context, peer string) (bool, error) {
	s := t.shardFor(peer)
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[peer]
	if !ok || !r.down {
		return false, nil
	}
	if time.Now().After(r.downUntil) {
		// fail_timeout elapsed: the peer is given another chance and its
		// failure history is cleared.
		delete(s.records, peer)
		return false, nil
	}
	return true, nil
}
