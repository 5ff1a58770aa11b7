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

// Package subrequest implements the subrequest tree and its
// tree-preorder output contract. A Node's postponed list interleaves
// two kinds of entries in the order the handler produced them: a
// pending child subrequest, or a chunk of the node's own output. This
// is the same per-key FIFO idiom plugin/tfd's VRouter used for
// ordered actor delivery (Enqueue/Drain), generalized here from "one
// FIFO per routing key" to "one FIFO per node in the subrequest tree",
// with draining gated on the active-emitter rule: a node cannot emit
// past a pending child until that child (and everything under it) has
// finished and drained.
package subrequest

import (
	"errors"
	"io"
)

// MaxDepth bounds subrequest nesting, matching nginx's built-in limit.
const MaxDepth = 200

// ErrMaxDepthExceeded is returned by Spawn once MaxDepth is reached.
var ErrMaxDepthExceeded = errors.New("subrequest: max nesting depth exceeded")

type entryKind int

const (
	entryChild entryKind = iota
	entryOutput
)

type postponedEntry struct {
	kind   entryKind
	child  *Node
	output []byte
}

// Node is one subrequest (or the root request) in the tree.
type Node struct {
	Parent   *Node
	Depth    int
	Done     func(*Node)
	finished bool

	postponed []postponedEntry
}

// NewRoot returns the tree root for a top-level request.
func NewRoot() *Node {
	return &Node{Depth: 0}
}

// Spawn creates a child of n, sharing n's place in the tree at
// Depth+1, and appends a pending-child entry to n's postponed list so
// the child's eventual output is emitted in the position this call
// occupies relative to n's other postponed entries.
func (n *Node) Spawn(done func(*Node)) (*Node, error) {
	if n.Depth+1 > MaxDepth {
		return nil, ErrMaxDepthExceeded
	}
	child := &Node{Parent: n, Depth: n.Depth + 1, Done: done}
	n.postponed = append(n.postponed, postponedEntry{kind: entryChild, child: child})
	return child, nil
}

// Write buffers b as n's own output, in FIFO position relative to any
// children spawned before or after it.
func (n *Node) Write(b []byte) (int, error) {
	cp := append([]byte(nil), b...)
	n.postponed = append(n.postponed, postponedEntry{kind: entryOutput, output: cp})
	return len(b), nil
}

// Finish marks n as having no further output or children to come, and
// invokes its Done callback, if set. It does not itself emit
// anything; draining is driven separately by Manager.Drain so the
// active-emitter pointer advances lazily.
func (n *Node) Finish() {
	if n.finished {
		return
	}
	n.finished = true
	if n.Done != nil {
		n.Done(n)
	}
}

// Manager drains a subrequest tree's output to a writer in
// tree-preorder, stopping at the first not-yet-finished subtree (the
// "active-emitter" boundary).
type Manager struct {
	Root *Node
}

// NewManager returns a Manager over root.
func NewManager(root *Node) *Manager {
	return &Manager{Root: root}
}

// Drain writes as much of the tree's output to w as is currently
// available without blocking, returning true if draining stopped
// because it reached a subtree that has not finished yet (i.e. the
// caller should call Drain again once more output/finish events have
// occurred), or false if the whole tree has been fully emitted.
func (m *Manager) Drain(w io.Writer) (blocked bool, err error) {
	return drainNode(m.Root, w)
}

func drainNode(n *Node, w io.Writer) (bool, error) {
	for len(n.postponed) > 0 {
		e := n.postponed[0]
		switch e.kind {
		case entryOutput:
			if _, err := w.Write(e.output); err != nil {
				return true, err
			}
			n.postponed = n.postponed[1:]
		case entryChild:
			blocked, err := drainNode(e.child, w)
			if err != nil {
				return true, err
			}
			if blocked {
				return true, nil
			}
			n.postponed = n.postponed[1:]
		}
	}
	if !n.finished {
		return true, nil
	}
	return false, nil
}
