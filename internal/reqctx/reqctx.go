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

// Package reqctx defines the Request object that flows through every
// phase of edgeproxy's request lifecycle, and the subrequest tree it is
// a node of. A Request owns a cleanup chain (closers run in LIFO order
// when the top-level request finishes, mirroring the lifetime of a
// single client connection) and an insertion-ordered header multimap, so
// that header iteration order matches what the client actually sent
// and headers added by later phases land after earlier ones.
package reqctx

import (
	"context"
	"net/url"
	"sync"
	"sync/atomic"
)

// maxInternalRedirects bounds internal_redirect/named-location chains to
// guard against redirect loops in misconfigured location trees.
const maxInternalRedirects = 10

// Header is an insertion-ordered, case-preserving header multimap. Unlike
// net/http.Header (a map[string][]string), iteration order here matches
// the order fields were added, which callers rely on when mirroring
// upstream response headers byte-for-byte in CONTENT/LOG phases.
type Header struct {
	mu     sync.Mutex
	order  []string
	values map[string][]string
}

// NewHeader returns an empty Header.
func NewHeader() *Header {
	return &Header{values: make(map[string][]string)}
}

// Add appends a value for key, preserving insertion order for new keys.
func (h *Header) Add(key, value string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.values[key]; !ok {
		h.order = append(h.order, key)
	}
	h.values[key] = append(h.values[key], value)
}

// Set replaces all values for key with a single value.
func (h *Header) Set(key, value string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.values[key]; !ok {
		h.order = append(h.order, key)
	}
	h.values[key] = []string{value}
}

// Del removes key entirely.
func (h *Header) Del(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.values[key]; !ok {
		return
	}
	delete(h.values, key)
	for i, k := range h.order {
		if k == key {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
}

// Get returns the first value for key, or "".
func (h *Header) Get(key string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	vs := h.values[key]
	if len(vs) == 0 {
		return ""
	}
	return vs[0]
}

// Values returns all values for key.
func (h *Header) Values(key string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	vs := h.values[key]
	out := make([]string, len(vs))
	copy(out, vs)
	return out
}

// Range calls f for every key in insertion order, with all its values.
func (h *Header) Range(f func(key string, values []string)) {
	h.mu.Lock()
	order := append([]string(nil), h.order...)
	h.mu.Unlock()
	for _, k := range order {
		h.mu.Lock()
		vs := append([]string(nil), h.values[k]...)
		h.mu.Unlock()
		f(k, vs)
	}
}

// CleanupFunc runs when the top-level Request finishes, in LIFO order.
type CleanupFunc func()

// Request is one client request as it moves through the phase engine. It
// may be the root of a subrequest tree, or a subrequest whose Parent and
// Root point back to its ancestors.
type Request struct {
	Ctx    context.Context
	Cancel context.CancelFunc

	Method string
	URI    string
	Args   url.Values

	Headers         *Header
	ResponseHeaders *Header

	// Parent is nil for the root (top-level client) request.
	Parent *Request
	// Root is the top-level request; Root == this for the root itself.
	Root *Request

	// Depth is this request's distance from Root (0 for the root).
	Depth int

	// internalRedirectsRemaining is decremented by NewSubrequest, which
	// the server calls for every internal redirect it follows, and
	// checked before allowing another, bounding redirect loops.
	internalRedirectsRemaining int32

	mu     sync.Mutex
	vars   map[string]interface{}
	closers []CleanupFunc
	done    atomic.Bool
}

// New creates a root Request.
func New(ctx context.Context, method, uri string) *Request {
	cctx, cancel := context.WithCancel(ctx)
	r := &Request{
		Ctx:                         cctx,
		Cancel:                      cancel,
		Method:                      method,
		URI:                         uri,
		Headers:                     NewHeader(),
		ResponseHeaders:             NewHeader(),
		internalRedirectsRemaining:  maxInternalRedirects,
		vars:                        make(map[string]interface{}),
	}
	r.Root = r
	return r
}

// NewSubrequest creates a child of parent sharing its Root and Ctx, but
// with an independent URI, method and header set. It returns an error if
// the parent has exhausted its internal-redirect/subrequest budget.
func NewSubrequest(parent *Request, method, uri string) (*Request, error) {
	if atomic.LoadInt32(&parent.Root.internalRedirectsRemaining) <= 0 {
		return nil, ErrTooManyRedirects
	}
	atomic.AddInt32(&parent.Root.internalRedirectsRemaining, -1)
	child := &Request{
		Ctx:             parent.Ctx,
		Cancel:          parent.Cancel,
		Method:          method,
		URI:             uri,
		Headers:         NewHeader(),
		ResponseHeaders: NewHeader(),
		Parent:          parent,
		Root:            parent.Root,
		Depth:           parent.Depth + 1,
		vars:            make(map[string]interface{}),
	}
	return child, nil
}

// ErrTooManyRedirects is returned by NewSubrequest once a request's
// internal_redirect/subrequest budget (10, matching nginx) is exhausted.
var ErrTooManyRedirects = errTooManyRedirects{}

type errTooManyRedirects struct{}

func (errTooManyRedirects) Error() string { return "internal redirect cycle suspected: budget exhausted" }

// SetVar stores a per-request variable (e.g. a matched location, rewrite
// capture groups) visible to later phases.
func (r *Request) SetVar(key string, value interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vars[key] = value
}

// Var retrieves a per-request variable set by SetVar.
func (r *Request) Var(key string) (interface{}, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.vars[key]
	return v, ok
}

// OnCleanup registers fn to run when the root request finishes. Cleanups
// registered by subrequests run as part of the same chain as the root's,
// in LIFO order, mirroring the lifetime of the underlying connection.
func (r *Request) OnCleanup(fn CleanupFunc) {
	root := r.Root
	if root.done.Load() {
		// Root has already finished; run immediately rather than drop it.
		fn()
		return
	}
	root.mu.Lock()
	root.closers = append(root.closers, fn)
	root.mu.Unlock()
}

// Finish runs every registered cleanup in LIFO order and cancels the
// request's context. Only the root request should call Finish; it is a
// no-op on subrequests.
func (r *Request) Finish() {
	if r.Parent != nil {
		return
	}
	if !r.done.CompareAndSwap(false, true) {
		return
	}
	r.mu.Lock()
	closers := r.closers
	r.closers = nil
	r.mu.Unlock()
	for i := len(closers) - 1; i >= 0; i-- {
		closers[i]()
	}
	r.Cancel()
}

// RedirectsRemaining reports how many more internal redirects this
// request's tree may perform.
func (r *Request) RedirectsRemaining() int {
	return int(atomic.LoadInt32(&r.Root.internalRedirectsRemaining))
}
