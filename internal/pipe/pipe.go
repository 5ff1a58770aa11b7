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

// Package pipe buffers an upstream response body in memory up to a
// configurable size, spilling the remainder to a temp file once that
// bound is crossed, so a slow downstream client never forces edgeproxy
// to hold an entire large response in RAM. The spill idiom (a mutex
// guarding a buffered writer plus an explicit flush/close) is the same
// one internal/sinks/sbatch_file_sink.go used for batched counter
// commits, generalized here to a random-access spill file with an
// independent read cursor so bytes already spilled can be streamed to
// the client while more are still arriving from upstream.
package pipe

import (
	"errors"
	"io"
	"os"
	"sync"
)

// ErrClosed is returned by Write/Read calls made after Close.
var ErrClosed = errors.New("pipe: closed")

// Pipe is a single-writer, single-reader byte buffer with memory and
// temp-file backing stages. Write is called from the upstream
// receive-body phase; Read is called from the phase driving the
// downstream response (buffering or non-buffering CONTENT output).
type Pipe struct {
	maxMemory      int
	maxTempFile    int64
	tempDir        string

	mu       sync.Mutex
	notEmpty *sync.Cond

	mem        []byte // in-memory staging area, bounded by maxMemory
	spillFile  *os.File
	spilled    int64 // bytes written to spillFile
	readPos    int64 // bytes already consumed, across mem+spillFile
	writePos   int64 // bytes written so far, across mem+spillFile
	eof        bool
	err        error
	closed     bool
}

// New returns a Pipe that keeps up to maxMemory bytes in RAM before
// spilling to a temp file in tempDir, and refuses to spill past
// maxTempFile bytes (0 means unbounded).
func New(maxMemory int, maxTempFile int64, tempDir string) *Pipe {
	p := &Pipe{maxMemory: maxMemory, maxTempFile: maxTempFile, tempDir: tempDir}
	p.notEmpty = sync.NewCond(&p.mu)
	return p
}

// Write appends b to the pipe, spilling to disk once maxMemory is
// exceeded. It never blocks: callers that want backpressure should stop
// calling Write (e.g. pause reading from the upstream socket) based on
// Buffered().
func (p *Pipe) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, ErrClosed
	}
	if p.err != nil {
		return 0, p.err
	}
	n := len(b)
	room := p.maxMemory - len(p.mem)
	if room > 0 {
		take := room
		if take > len(b) {
			take = len(b)
		}
		p.mem = append(p.mem, b[:take]...)
		b = b[take:]
	}
	if len(b) > 0 {
		if err := p.spill(b); err != nil {
			p.err = err
			return 0, err
		}
	}
	p.writePos += int64(n)
	p.notEmpty.Broadcast()
	return n, nil
}

func (p *Pipe) spill(b []byte) error {
	if p.maxTempFile > 0 && p.spilled+int64(len(b)) > p.maxTempFile {
		return ErrTempFileTooLarge
	}
	if p.spillFile == nil {
		f, err := os.CreateTemp(p.tempDir, "edgeproxy-pipe-*")
		if err != nil {
			return err
		}
		p.spillFile = f
	}
	if _, err := p.spillFile.Write(b); err != nil {
		return err
	}
	p.spilled += int64(len(b))
	return nil
}

// ErrTempFileTooLarge is returned once a spill would exceed maxTempFile.
var ErrTempFileTooLarge = errors.New("pipe: temp file size limit exceeded")

// CloseWrite marks the pipe as fully written; subsequent Reads return
// io.EOF once all buffered bytes have been consumed.
func (p *Pipe) CloseWrite() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.eof = true
	p.notEmpty.Broadcast()
}

// Abort marks the pipe as failed with err; pending and future Reads
// return err once buffered bytes are exhausted.
func (p *Pipe) Abort(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
	p.notEmpty.Broadcast()
}

// Read implements io.Reader, blocking until data is available, CloseWrite
// has been called, or Abort has set an error. This is the process() loop
// from spec.md §4.5: it always drains whatever is available rather than
// waiting for a full buffer, so a fast reader is never starved behind a
// slow upstream.
func (p *Pipe) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if p.closed {
			return 0, ErrClosed
		}
		avail := p.writePos - p.readPos
		if avail > 0 {
			n, err := p.readLocked(b)
			return n, err
		}
		if p.err != nil {
			return 0, p.err
		}
		if p.eof {
			return 0, io.EOF
		}
		p.notEmpty.Wait()
	}
}

func (p *Pipe) readLocked(b []byte) (int, error) {
	memLen := int64(len(p.mem))
	if p.readPos < memLen {
		n := copy(b, p.mem[p.readPos:])
		p.readPos += int64(n)
		return n, nil
	}
	// Reading from the spill file: seek relative to where memory ends.
	offset := p.readPos - memLen
	if p.spillFile == nil {
		return 0, nil
	}
	n, err := p.spillFile.ReadAt(b, offset)
	if n > 0 {
		p.readPos += int64(n)
	}
	if err == io.EOF && n > 0 {
		err = nil
	}
	return n, err
}

// Buffered reports how many bytes are written but not yet read,
// combining the memory stage and the spill file.
func (p *Pipe) Buffered() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writePos - p.readPos
}

// Close releases the spill file, if any. Safe to call multiple times.
func (p *Pipe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.notEmpty.Broadcast()
	if p.spillFile != nil {
		name := p.spillFile.Name()
		err := p.spillFile.Close()
		_ = os.Remove(name)
		return err
	}
	return nil
}
