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
	"io"
	"os"
	"strings"
	"testing"
	"time"
)

func TestStore_RoundTrip_HitThenExpired(t *testing.T) {
	s := NewStore(t.TempDir(), 0, 0)
	now := time.Unix(1700000000, 0)
	key := "GET/hello"

	e := &Entry{
		KeyHash:      Fingerprint(key),
		LiteralKey:   key,
		ValidUntil:   now.Add(time.Minute),
		LastModified: now,
		Date:         now,
		ETag:         `"v1"`,
		Headers:      []byte("Content-Type: text/plain\r\n\r\n"),
		Body:         strings.NewReader("hello world"),
	}
	if err := s.Store(e); err != nil {
		t.Fatalf("Store: %v", err)
	}

	hdr, f, status := s.Lookup(key, now.Add(30*time.Second))
	if status != StatusHit {
		t.Fatalf("status = %v, want HIT", status)
	}
	if _, err := f.Seek(int64(hdr.BodyStart), io.SeekStart); err != nil {
		t.Fatalf("seek to body: %v", err)
	}
	body, err := io.ReadAll(f)
	f.Close()
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(body) != "hello world" {
		t.Fatalf("body = %q, want %q", body, "hello world")
	}
	if hdr.ETag != `"v1"` {
		t.Fatalf("ETag = %q", hdr.ETag)
	}

	_, _, status = s.Lookup(key, now.Add(2*time.Minute))
	if status != StatusExpired {
		t.Fatalf("status after expiry = %v, want EXPIRED", status)
	}
}

func TestStore_Lookup_Miss(t *testing.T) {
	s := NewStore(t.TempDir(), 0, 0)
	_, _, status := s.Lookup("GET/nonexistent", time.Now())
	if status != StatusMiss {
		t.Fatalf("status = %v, want MISS", status)
	}
}

func TestStore_BeginRefresh_AtMostOneConcurrentWinner(t *testing.T) {
	s := NewStore(t.TempDir(), 0, 0)
	key := "GET/refresh-me"

	if !s.BeginRefresh(key) {
		t.Fatalf("first BeginRefresh should succeed")
	}
	if s.BeginRefresh(key) {
		t.Fatalf("second concurrent BeginRefresh should fail while the first is in flight")
	}
	s.EndRefresh(key)
	if !s.BeginRefresh(key) {
		t.Fatalf("BeginRefresh should succeed again after EndRefresh")
	}
	s.EndRefresh(key)
}

func TestStore_Purge(t *testing.T) {
	s := NewStore(t.TempDir(), 0, 0)
	key := "GET/to-purge"
	e := &Entry{KeyHash: Fingerprint(key), LiteralKey: key, ValidUntil: time.Now().Add(time.Hour), Headers: []byte("\r\n")}
	if err := s.Store(e); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := s.Purge(key); err != nil {
		t.Fatalf("Purge: %v", err)
	}
	_, _, status := s.Lookup(key, time.Now())
	if status != StatusMiss {
		t.Fatalf("status after purge = %v, want MISS", status)
	}
	if err := s.Purge(key); err != nil {
		t.Fatalf("Purge of already-missing key should be a no-op, got %v", err)
	}
}

func TestEvictionManager_RemovesOldestOverBudget(t *testing.T) {
	// Each entry is 100 bytes on disk (81-byte header, 7-byte key,
	// 2-byte header block, 10-byte body), so a 150-byte budget holds one.
	s := NewStore(t.TempDir(), 150, 0)
	now := time.Unix(1700000000, 0)

	writeAt := func(key string, mtime time.Time) {
		e := &Entry{
			KeyHash:    Fingerprint(key),
			LiteralKey: key,
			ValidUntil: now.Add(time.Hour),
			Headers:    []byte("\r\n"),
			Body:       strings.NewReader("0123456789"),
		}
		if err := s.Store(e); err != nil {
			t.Fatalf("Store(%s): %v", key, err)
		}
		if err := os.Chtimes(s.PathFor(e.KeyHash), mtime, mtime); err != nil {
			t.Fatalf("Chtimes(%s): %v", key, err)
		}
	}
	writeAt("GET/old", now.Add(-time.Hour))
	writeAt("GET/new", now)

	mgr := NewEvictionManager(s, time.Hour, 0)
	mgr.sweep(now)

	total, _, err := diskUsage(s.Root)
	if err != nil {
		t.Fatalf("diskUsage: %v", err)
	}
	if total > s.MaxBytes {
		t.Fatalf("total after sweep = %d, want <= %d", total, s.MaxBytes)
	}
	if _, _, status := s.Lookup("GET/old", now); status != StatusMiss {
		t.Fatalf("oldest entry status after sweep = %v, want MISS", status)
	}
	_, f, status := s.Lookup("GET/new", now)
	if status != StatusHit {
		t.Fatalf("newest entry status after sweep = %v, want HIT", status)
	}
	f.Close()
}

func TestEvictionManager_RemovesInactiveEntries(t *testing.T) {
	s := NewStore(t.TempDir(), 0, 0)
	now := time.Unix(1700000000, 0)
	key := "GET/stale"
	e := &Entry{KeyHash: Fingerprint(key), LiteralKey: key, ValidUntil: now.Add(time.Hour), Headers: []byte("\r\n")}
	if err := s.Store(e); err != nil {
		t.Fatalf("Store: %v", err)
	}
	// Inactivity is judged from the file's mtime, so date it to the
	// test's fixed clock rather than the wall clock of the write.
	if err := os.Chtimes(s.PathFor(e.KeyHash), now, now); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	mgr := NewEvictionManager(s, time.Hour, time.Minute)
	mgr.sweep(now.Add(time.Hour))

	_, _, status := s.Lookup(key, now.Add(time.Hour))
	if status != StatusMiss {
		t.Fatalf("status after inactive sweep = %v, want MISS", status)
	}
}
