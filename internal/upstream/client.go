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

package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"edgeproxy/internal/peerstate"
)

// ErrNoUpstreamAvailable is returned when every peer in a group is
// excluded (failed this attempt or marked down) before a connection
// ever succeeds.
var ErrNoUpstreamAvailable = errors.New("upstream: no available peer")

// Dialer is the subset of net.Dialer that Client depends on, so tests
// can substitute a fake without opening real sockets.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// ConnPool hands out and reclaims keepalive connections per peer
// address. A connection obtained from Get may be stale: the remote end
// may have half-closed it after the pool's last health check and before
// this checkout. Client.Do retries such a failure once on a fresh dial
// (recorded as an Attempt with StaleRetry set).
type ConnPool interface {
	Get(addr string) (net.Conn, bool)
	Put(addr string, conn net.Conn)
}

// Client drives the connect/send/receive-header/receive-body sequence
// against a PeerSet, retrying on a different peer up to
// NextUpstreamTries times or until NextUpstreamTimeout elapses,
// whichever comes first.
type Client struct {
	Dialer              Dialer
	Pool                ConnPool
	NextUpstreamTries   int
	NextUpstreamTimeout time.Duration
	FailTimeout         time.Duration
	MaxFails            int
}

// Attempt records the outcome of trying exactly one peer.
type Attempt struct {
	Peer       *Peer
	Err        error
	StaleRetry bool // true if this attempt reused a stale keepalive connection
}

// Result is returned by Do once a peer has produced a usable connection
// or every retry has been exhausted.
type Result struct {
	Conn      net.Conn
	Peer      *Peer
	Attempts  []Attempt
	FreshDial bool
}

// Do selects and connects to a peer from set, retrying on failure per
// the failover policy below. send is invoked once a connection is
// established; if it returns an error, the connection is discarded and
// Do tries the next peer.
//
// Open Question resolution (keepalive vs next_upstream, DESIGN.md #1):
// a connection handed out by Pool is tried exactly once; if send fails
// on it, that failure does not count against the peer's fail_timeout
// window and does not consume a NextUpstreamTries slot. Do instead
// performs one immediate, uncounted reconnect to the same peer on a
// fresh dial. Only a failure on a freshly dialled connection counts
// toward failover bookkeeping.
func (c *Client) Do(ctx context.Context, set *PeerSet, key string, send func(net.Conn) error) (Result, error) {
	deadline := time.Now().Add(c.NextUpstreamTimeout)
	excluded := make(map[string]bool)
	var attempts []Attempt

	for triesUsed := 0; triesUsed < c.NextUpstreamTries; {
		if c.NextUpstreamTimeout > 0 && time.Now().After(deadline) {
			break
		}
		peer := set.selector.Select(set.Peers, key, excluded)
		if peer == nil {
			return Result{Attempts: attempts}, ErrNoUpstreamAvailable
		}
		if set.State != nil {
			if down, _ := set.State.Down(ctx, peer.Addr); down {
				excluded[peer.Addr] = true
				continue
			}
		}

		conn, fresh, err := c.connect(ctx, peer)
		if err != nil {
			triesUsed++
			c.recordFailure(ctx, set, peer)
			excluded[peer.Addr] = true
			attempts = append(attempts, Attempt{Peer: peer, Err: err})
			continue
		}

		err = send(conn)
		if err == nil {
			if set.State != nil {
				_ = set.State.RecordSuccess(ctx, peer.Addr)
			}
			return Result{Conn: conn, Peer: peer, Attempts: append(attempts, Attempt{Peer: peer}), FreshDial: fresh}, nil
		}

		if !fresh {
			// Stale keepalive connection: retry once on a fresh dial to
			// the same peer without charging failover bookkeeping.
			attempts = append(attempts, Attempt{Peer: peer, Err: err, StaleRetry: true})
			conn2, _, dialErr := c.forceFreshConnect(ctx, peer)
			if dialErr != nil {
				triesUsed++
				c.recordFailure(ctx, set, peer)
				excluded[peer.Addr] = true
				attempts = append(attempts, Attempt{Peer: peer, Err: dialErr})
				continue
			}
			if sendErr := send(conn2); sendErr == nil {
				if set.State != nil {
					_ = set.State.RecordSuccess(ctx, peer.Addr)
				}
				return Result{Conn: conn2, Peer: peer, Attempts: attempts, FreshDial: true}, nil
			} else {
				triesUsed++
				c.recordFailure(ctx, set, peer)
				excluded[peer.Addr] = true
				attempts = append(attempts, Attempt{Peer: peer, Err: sendErr})
				continue
			}
		}

		triesUsed++
		c.recordFailure(ctx, set, peer)
		excluded[peer.Addr] = true
		attempts = append(attempts, Attempt{Peer: peer, Err: err})
	}
	return Result{Attempts: attempts}, fmt.Errorf("upstream: exhausted retries for %s: %w", set.Name, ErrNoUpstreamAvailable)
}

func (c *Client) recordFailure(ctx context.Context, set *PeerSet, peer *Peer) {
	if set.State == nil {
		return
	}
	maxFails := peer.MaxFails
	if maxFails <= 0 {
		maxFails = c.MaxFails
	}
	failTimeout := c.FailTimeout
	if peer.FailTimeout > 0 {
		failTimeout = time.Duration(peer.FailTimeout) * time.Second
	}
	_, _ = set.State.RecordFailure(ctx, peer.Addr, time.Now(), maxFails, failTimeout)
}

// connect returns a connection for peer, preferring a pooled keepalive
// connection (fresh=false) over a new dial (fresh=true).
func (c *Client) connect(ctx context.Context, peer *Peer) (conn net.Conn, fresh bool, err error) {
	if c.Pool != nil {
		if conn, ok := c.Pool.Get(peer.Addr); ok {
			return conn, false, nil
		}
	}
	return c.forceFreshConnect(ctx, peer)
}

func (c *Client) forceFreshConnect(ctx context.Context, peer *Peer) (net.Conn, bool, error) {
	conn, err := c.Dialer.DialContext(ctx, "tcp", peer.Addr)
	if err != nil {
		return nil, true, err
	}
	return conn, true, nil
}

// Release returns conn to the pool for reuse, or closes it if no pool
// is configured.
func (c *Client) Release(peer *Peer, conn net.Conn) {
	if c.Pool != nil {
		c.Pool.Put(peer.Addr, conn)
		return
	}
	_ = conn.Close()
}

var _ peerstate.Table = (*peerstate.InMemoryTable)(nil)
