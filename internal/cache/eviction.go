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

package cache

import (
	"context"
	"os"
	"sort"
	"time"
)

// EvictionManager periodically sweeps a Store's cache directory,
// removing the least-recently-modified entries once total size exceeds
// MaxBytes. This mirrors the teacher's internal/ratelimiter/core.Worker ticker-driven
// background loop (commit cycle -> eviction cycle), here applied to
// cache files on disk instead of in-memory counter shards.
type EvictionManager struct {
	Store    *Store
	Interval time.Duration

	// InactiveAfter removes entries untouched for longer than this,
	// independent of total size, mirroring proxy_cache_path's
	// inactive= directive.
	InactiveAfter time.Duration

	stop chan struct{}
	done chan struct{}
}

// NewEvictionManager returns a manager ready to Start against s.
func NewEvictionManager(s *Store, interval, inactiveAfter time.Duration) *EvictionManager {
	return &EvictionManager{
		Store:         s,
		Interval:      interval,
		InactiveAfter: inactiveAfter,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// Start runs the sweep loop until ctx is cancelled or Stop is called.
func (m *EvictionManager) Start(ctx context.Context) {
	go m.run(ctx)
}

// Stop blocks until the running sweep loop exits.
func (m *EvictionManager) Stop() {
	close(m.stop)
	<-m.done
}

func (m *EvictionManager) run(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweep(time.Now())
		}
	}
}

// sweep is the synchronous eviction pass, split out so tests can drive
// it deterministically without waiting on the ticker.
func (m *EvictionManager) sweep(now time.Time) {
	total, candidates, err := diskUsage(m.Store.Root)
	if err != nil {
		return
	}

	if m.InactiveAfter > 0 {
		kept := candidates[:0]
		for _, c := range candidates {
			if now.Sub(c.mtime) > m.InactiveAfter {
				if os.Remove(c.path) == nil {
					total -= c.size
				}
				continue
			}
			kept = append(kept, c)
		}
		candidates = kept
	}

	if m.Store.MaxBytes <= 0 || total <= m.Store.MaxBytes {
		return
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].mtime.Before(candidates[j].mtime) })
	for _, c := range candidates {
		if total <= m.Store.MaxBytes {
			break
		}
		if os.Remove(c.path) == nil {
			total -= c.size
		}
	}
}
