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

// Package accesslog is a buffered JSONL access-log writer, the same
// mutex + bufio.Writer + periodic-flush idiom as
// internal/sinks.SBatchFileSink, generalized from "batch of commits"
// to "one completed request". An optional Shipper sends the same
// records off-box; ShipperFunc and the Kafka-shaped interface below
// follow the teacher's internal/ratelimiter/persistence/kafka.go
// interface-only idiom: no concrete Kafka client library lives in the
// dependency tree, so a real producer is injected by the operator.
package accesslog

import (
	"bufio"
	"encoding/json"
	"os"
	"sync"
	"time"
)

// Record is one completed request's access-log line.
type Record struct {
	Time         time.Time     `json:"time"`
	Method       string        `json:"method"`
	URI          string        `json:"uri"`
	Status       int           `json:"status"`
	BytesSent    int64         `json:"bytes_sent"`
	UpstreamAddr string        `json:"upstream_addr,omitempty"`
	CacheStatus  string        `json:"cache_status,omitempty"`
	Latency      time.Duration `json:"latency_ns"`
}

// Shipper ships completed Records off-box, e.g. to Kafka. Implementations
// should treat Ship as best-effort and fire-and-forget from the writer's
// perspective; Writer does not retry a failed Ship call.
type Shipper interface {
	Ship(r Record) error
}

// KafkaProducer is a minimal abstraction over a Kafka client, deliberately
// avoiding any concrete client library dependency (see package doc).
type KafkaProducer interface {
	Produce(topic string, key, value []byte) error
}

// KafkaShipper publishes Records to a Kafka topic via an injected
// KafkaProducer.
type KafkaShipper struct {
	Producer KafkaProducer
	Topic    string
}

// Ship serializes r as JSON and publishes it keyed by its URI.
func (k *KafkaShipper) Ship(r Record) error {
	v, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return k.Producer.Produce(k.Topic, []byte(r.URI), v)
}

// Writer is a buffered JSONL access-log sink, safe for concurrent use.
type Writer struct {
	mu   sync.Mutex
	f    *os.File
	w    *bufio.Writer
	ship Shipper

	lastFlush time.Time
}

// NewWriter opens (or creates) the file at path in append mode behind
// a buffered writer. ship may be nil to disable off-box shipping.
func NewWriter(path string, ship Shipper) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Writer{f: f, w: bufio.NewWriterSize(f, 1<<20), ship: ship, lastFlush: time.Now()}, nil
}

// Log writes one completed request's record, flushing periodically to
// bound data loss on crash.
func (w *Writer) Log(r Record) {
	w.mu.Lock()
	enc := json.NewEncoder(w.w)
	if err := enc.Encode(&r); err != nil {
		_ = w.w.Flush()
		_ = enc.Encode(&r)
	}
	if time.Since(w.lastFlush) > 100*time.Millisecond {
		_ = w.w.Flush()
		w.lastFlush = time.Now()
	}
	w.mu.Unlock()

	if w.ship != nil {
		_ = w.ship.Ship(r)
	}
}

// Flush forces buffered data to be written to disk.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastFlush = time.Now()
	return w.w.Flush()
}

// Close flushes and closes the underlying file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.w.Flush()
	return w.f.Close()
}
