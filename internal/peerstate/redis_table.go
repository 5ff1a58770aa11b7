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

package peerstate

import (
	"context"
	"fmt"
	"time"
)

// RedisEvaler abstracts the minimal surface needed from a Redis client,
// mirroring the teacher's internal/ratelimiter/persistence.RedisEvaler,
// the minimal surface a *redis.Client wrapper needs to expose.
type RedisEvaler interface {
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error)
}

// failureScript increments a peer's failure counter, trims it to a
// fail_timeout-sized sliding window using a Redis sorted set, and
// reports whether the peer has crossed max_fails. Using a sorted set
// keyed by timestamp lets every edgeproxy process in the fleet observe
// the same trailing window; the timestamps and the window cutoff are
// supplied by the calling process (ARGV[1], ARGV[2]), so the window is
// only consistent across processes whose clocks agree.
const failureScript = `
local zkey = KEYS[1]
local now = tonumber(ARGV[1])
local cutoff = tonumber(ARGV[2])
local maxFails = tonumber(ARGV[3])
local failTimeout = tonumber(ARGV[4])
redis.call('ZREMRANGEBYSCORE', zkey, '-inf', cutoff)
redis.call('ZADD', zkey, now, now .. '-' .. math.random(1000000))
redis.call('EXPIRE', zkey, math.ceil(failTimeout))
local count = redis.call('ZCARD', zkey)
if count >= maxFails then
  return 1
end
return 0
`

// RedisTable is a cross-process peerstate.Table backed by Redis,
// grounded on the teacher's internal/ratelimiter/persistence.RedisPersister
// Eval-a-Lua-script idiom.
type RedisTable struct {
	client RedisEvaler
}

// NewRedisTable wraps an existing Redis client for peer-failure tracking.
func NewRedisTable(client RedisEvaler) *RedisTable {
	return &RedisTable{client: client}
}

func zsetKey(peer string) string { return fmt.Sprintf("edgeproxy:peerfail:%s", peer) }
func downKey(peer string) string { return fmt.Sprintf("edgeproxy:peerdown:%s", peer) }

func (t *RedisTable) RecordFailure(ctx context.Context, peer string, at time.Time, maxFails int, failTimeout time.Duration) (bool, error) {
	now := at.Unix()
	cutoff := at.Add(-failTimeout).Unix()
	res, err := t.client.Eval(ctx, failureScript, []string{zsetKey(peer)},
		now, cutoff, maxFails, failTimeout.Seconds())
	if err != nil {
		return false, fmt.Errorf("peerstate: redis failure script for %s: %w", peer, err)
	}
	tripped := toInt64(res) == 1
	if tripped {
		if _, err := t.client.Eval(ctx, `redis.call('SET', KEYS[1], '1', 'EX', ARGV[1]); return 1`,
			[]string{downKey(peer)}, int(failTimeout.Seconds())); err != nil {
			return true, fmt.Errorf("peerstate: redis mark-down for %s: %w", peer, err)
		}
	}
	return tripped, nil
}

func (t *RedisTable) RecordSuccess(ctx context.Context, peer string) error {
	_, err := t.client.Eval(ctx, `redis.call('DEL', KEYS[1]); redis.call('DEL', KEYS[2]); return 1`,
		[]string{zsetKey(peer), downKey(peer)})
	if err != nil {
		return fmt.Errorf("peerstate: redis clear for %s: %w", peer, err)
	}
	return nil
}

func (t *RedisTable) Down(ctx context.Context, peer string) (bool, error) {
	res, err := t.client.Eval(ctx, `if redis.call('EXISTS', KEYS[1]) == 1 then return 1 else return 0 end`,
		[]string{downKey(peer)})
	if err != nil {
		return false, fmt.Errorf("peerstate: redis down-check for %s: %w", peer, err)
	}
	return toInt64(res) == 1, nil
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}
