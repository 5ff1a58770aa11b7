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

// Package phase drives a Request through the fixed, ordered phase list
// (POST_READ, SERVER_REWRITE, FIND_CONFIG, REWRITE, POST_REWRITE,
// PREACCESS, ACCESS, POST_ACCESS, TRY_FILES, CONTENT, LOG).
//
// Not every phase is checked the same way. The engine.Run loop realizes
// the three distinct checker shapes that edgeproxy's phase table
// describes:
//
//   - generic (POST_READ, FIND_CONFIG, PREACCESS, ACCESS, LOG): OK
//     advances past the phase; DECLINED tries the next handler; AGAIN
//     behaves exactly like DECLINED — it calls the next handler
//     immediately, with no suspension — since nothing in this
//     goroutine-per-request engine ever yields control back to a
//     reactor. DONE stops the whole request.
//   - rewrite (SERVER_REWRITE, REWRITE): DECLINED tries the next
//     handler; DONE re-invokes the *same* handler (it resumed from
//     whatever it suspended on and has more to do); any other code,
//     OK included, finalizes the request. No code jumps early to the
//     next phase: the phase completes only once every registered
//     rewrite handler has returned DECLINED.
//   - POST_REWRITE/POST_ACCESS/TRY_FILES/CONTENT have their own
//     control-flow rules, described on each phase's runX method below.
//
// edgeproxy realizes "suspend" (a handler waiting on an upstream
// connect, a file read) as the handler's own goroutine blocking on a
// channel or a context deadline rather than a hand-rolled continuation
// record — one goroutine per request, the same shape plugin/tfd's
// pipeline used for its own Start/Stop-driven sub-components.
package phase

import (
	"context"
	"fmt"

	"edgeproxy/internal/reqctx"
)

// Code is the disposition a Handler returns after running.
type Code int

const (
	// OK advances the request past the current phase (generic checker),
	// or finalizes the request (rewrite checker, like any code other
	// than Declined and Done).
	OK Code = iota
	// Again asks the generic checker to call the next handler
	// immediately, with no suspension. It is a synonym for Declined in
	// every phase that uses the generic checker.
	Again
	// Declined asks the Engine to try the next handler registered for
	// this phase, or advance if this was the last one.
	Declined
	// Done stops the request immediately under the generic checker (a
	// response has already been produced), or asks the rewrite checker
	// to call this same handler again once it has resumed.
	Done
)

// Name identifies one of the eleven fixed phases, in engine order.
type Name int

const (
	PostRead Name = iota
	ServerRewrite
	FindConfig
	Rewrite
	PostRewrite
	PreAccess
	Access
	PostAccess
	TryFiles
	Content
	Log
	numPhases
)

func (n Name) String() string {
	switch n {
	case PostRead:
		return "POST_READ"
	case ServerRewrite:
		return "SERVER_REWRITE"
	case FindConfig:
		return "FIND_CONFIG"
	case Rewrite:
		return "REWRITE"
	case PostRewrite:
		return "POST_REWRITE"
	case PreAccess:
		return "PREACCESS"
	case Access:
		return "ACCESS"
	case PostAccess:
		return "POST_ACCESS"
	case TryFiles:
		return "TRY_FILES"
	case Content:
		return "CONTENT"
	case Log:
		return "LOG"
	default:
		return "UNKNOWN"
	}
}

// Handler implements one phase's checker behavior for one request.
type Handler interface {
	Handle(ctx context.Context, r *reqctx.Request) (Code, error)
}

// HandlerFunc adapts a function to a Handler.
type HandlerFunc func(ctx context.Context, r *reqctx.Request) (Code, error)

func (f HandlerFunc) Handle(ctx context.Context, r *reqctx.Request) (Code, error) {
	return f(ctx, r)
}

// Engine owns the registered handlers for each phase and runs requests
// through them in order.
type Engine struct {
	handlers [numPhases][]Handler

	// maxURIChanges bounds the POST_REWRITE/TRY_FILES jump-back-to-
	// FIND_CONFIG loop, the engine-local analogue of reqctx's
	// internal-redirect budget but scoped to rewrites within a single
	// dispatch rather than across subrequests.
	maxURIChanges int
}

// NewEngine returns an Engine with no handlers registered and the
// default uri_changes budget (nginx's own default of 10).
func NewEngine() *Engine {
	return &Engine{maxURIChanges: 10}
}

// SetMaxURIChanges overrides the default uri_changes budget.
func (e *Engine) SetMaxURIChanges(n int) {
	e.maxURIChanges = n
}

// Register appends h to the chain for phase n. Handlers within a phase
// run in registration order; the first one that does not return
// Declined (or, under the rewrite checker, Done) determines the
// phase's outcome.
func (e *Engine) Register(n Name, h Handler) {
	e.handlers[n] = append(e.handlers[n], h)
}

// RegisterFunc is a convenience wrapper around Register for HandlerFunc.
func (e *Engine) RegisterFunc(n Name, f func(ctx context.Context, r *reqctx.Request) (Code, error)) {
	e.Register(n, HandlerFunc(f))
}

// Outcome is returned by Run once the request stops advancing, either
// because every phase completed (reaching past Log) or a handler
// returned Done. Redirect is set when a TRY_FILES fallback or a
// CONTENT-phase accel-redirect interception asked for the request to
// be re-dispatched at a named location; callers own actually spawning
// the subrequest and re-running the engine, since only they know how
// to turn a name into a fresh reqctx.Request.
type Outcome struct {
	StoppedAt Name
	Err       error
	Redirect  string
}

const (
	varFindConfigURI   = "phase.findConfigURI"
	varURIChangesLeft  = "phase.uriChangesLeft"
	varContentHandler  = "phase.contentHandler"
	varRedirectTarget  = "phase.redirectTarget"
)

// BindContentHandler registers h as r's exclusive CONTENT-phase
// handler, set by a FIND_CONFIG handler once it has matched r to a
// location whose content is produced by something other than the
// engine's general CONTENT handlers (e.g. a proxy_pass target). An
// exclusive handler always finalizes the CONTENT phase: it is never
// mixed with the general DECLINED-falls-through-to-403/404 chain.
func BindContentHandler(r *reqctx.Request, h Handler) {
	r.SetVar(varContentHandler, h)
}

// SetRedirectTarget records a pending internal redirect to a named
// location, to be surfaced on the Outcome once Run returns.
func SetRedirectTarget(r *reqctx.Request, target string) {
	r.SetVar(varRedirectTarget, target)
}

// Run drives r through every phase from PostRead to Log, in order,
// except for the non-monotonic jumps POST_REWRITE and TRY_FILES may
// request back to FIND_CONFIG. It blocks the calling goroutine for the
// lifetime of the request.
func (e *Engine) Run(ctx context.Context, r *reqctx.Request) Outcome {
	n := PostRead
	for n < numPhases {
		select {
		case <-ctx.Done():
			return Outcome{StoppedAt: n, Err: ctx.Err()}
		default:
		}

		var code Code
		var err error
		switch n {
		case Rewrite, ServerRewrite:
			code, err = e.runRewritePhase(ctx, r, n)
		case PostRewrite:
			code, err = e.runPostRewrite(ctx, r)
		case TryFiles:
			code, err = e.runTryFiles(ctx, r)
		case PostAccess:
			code, err = e.runPostAccess(ctx, r)
		case Content:
			code, err = e.runContent(ctx, r)
		default:
			code, err = e.runGeneric(ctx, r, n)
		}
		if err != nil {
			return Outcome{StoppedAt: n, Err: err, Redirect: redirectTarget(r)}
		}
		if code == Done {
			return Outcome{StoppedAt: n, Redirect: redirectTarget(r)}
		}
		if code == restartFindConfig {
			n = FindConfig
			continue
		}
		n++
	}
	return Outcome{StoppedAt: Log, Redirect: redirectTarget(r)}
}

func redirectTarget(r *reqctx.Request) string {
	if v, ok := r.Var(varRedirectTarget); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// restartFindConfig is an internal Code value, never returned by a
// Handler directly: it is produced by runPostRewrite/runTryFiles to
// ask Run to jump back to FIND_CONFIG, and is intentionally outside
// the four values Handler implementations are documented to return.
const restartFindConfig Code = 100

// runGeneric implements the generic checker used by POST_READ,
// FIND_CONFIG, PREACCESS, ACCESS and LOG: OK advances,
// DECLINED and AGAIN both call the next handler immediately (AGAIN is
// not "yield and resume" here — this engine has no reactor to yield
// to, so an AGAIN-handler must do its own blocking if it needs to
// wait, the same way a rate limiter or auth checker would block on a
// channel read), and DONE or an error finalizes the request.
func (e *Engine) runGeneric(ctx context.Context, r *reqctx.Request, n Name) (Code, error) {
	hs := e.handlers[n]
	for _, h := range hs {
		code, err := h.Handle(ctx, r)
		if err != nil {
			return Done, fmt.Errorf("phase %s: %w", n, err)
		}
		switch code {
		case Again, Declined:
			continue
		case OK:
			return OK, nil
		case Done:
			return Done, nil
		}
	}
	return OK, nil
}

// runRewritePhase implements the rewrite checker for SERVER_REWRITE
// and REWRITE: handlers run in registration order, DECLINED tries the
// next handler, DONE re-invokes the same handler (it suspended and has
// now resumed with more work), and anything else, OK included,
// finalizes the request. The phase completes only after every handler
// has declined.
func (e *Engine) runRewritePhase(ctx context.Context, r *reqctx.Request, n Name) (Code, error) {
	for _, h := range e.handlers[n] {
		for {
			code, err := h.Handle(ctx, r)
			if err != nil {
				return Done, fmt.Errorf("phase %s: %w", n, err)
			}
			switch code {
			case Done:
				continue // same handler resumes
			case Declined:
				// move on to the next registered handler
			default:
				return Done, nil
			}
			break
		}
	}
	return OK, nil
}

// runPostRewrite is POST_REWRITE's built-in checker: it has no
// module-contributed handlers of its own. If the URI changed since
// FIND_CONFIG last ran, it decrements the request's uri_changes budget
// and, unless exhausted, asks Run to jump back to FIND_CONFIG so the
// new URI is matched against the location tree again.
func (e *Engine) runPostRewrite(ctx context.Context, r *reqctx.Request) (Code, error) {
	last, _ := r.Var(varFindConfigURI)
	if s, ok := last.(string); !ok || s == r.URI {
		return OK, nil
	}
	remaining := e.maxURIChanges
	if v, ok := r.Var(varURIChangesLeft); ok {
		if n, ok := v.(int); ok {
			remaining = n
		}
	}
	if remaining <= 0 {
		return Done, ErrTooManyURIChanges
	}
	r.SetVar(varURIChangesLeft, remaining-1)
	return restartFindConfig, nil
}

// runPostAccess is POST_ACCESS's checker: the handlers registered for
// POST_ACCESS run in order, and the first that returns Done finalizes
// the request (any other code moves on to the next). Then, if a
// tentative denial is recorded on the request (satisfyState with
// denied set) and nothing since has cleared it, POST_ACCESS finalizes
// the request with ErrAccessDenied; otherwise processing continues
// into TRY_FILES/CONTENT. SatisfyAnyGroup and SatisfyAllGroup record
// such a denial but also return ErrAccessDenied from ACCESS, so a
// request they deny stops in ACCESS.
func (e *Engine) runPostAccess(ctx context.Context, r *reqctx.Request) (Code, error) {
	for _, h := range e.handlers[PostAccess] {
		code, err := h.Handle(ctx, r)
		if err != nil {
			return Done, fmt.Errorf("phase %s: %w", PostAccess, err)
		}
		if code == Done {
			return Done, nil
		}
	}
	if v, ok := r.Var(satisfyStateVar); ok && v != nil {
		if st, ok := v.(*satisfyState); ok && st.denied {
			return Done, ErrAccessDenied
		}
	}
	return OK, nil
}

// runTryFiles runs the registered TRY_FILES handler (if any): OK means
// a candidate was found and CONTENT should serve it; Declined means no
// configured fallback path existed on disk and TRY_FILES has nothing
// more to try, so the generic fallthrough (404) applies; restartFindConfig
// (returned by a handler via the exported restart code, see
// RestartFindConfig below) rewrites r.URI to the last try_files
// entry and jumps back to FIND_CONFIG.
func (e *Engine) runTryFiles(ctx context.Context, r *reqctx.Request) (Code, error) {
	hs := e.handlers[TryFiles]
	if len(hs) == 0 {
		return OK, nil
	}
	for _, h := range hs {
		code, err := h.Handle(ctx, r)
		if err != nil {
			return Done, fmt.Errorf("phase %s: %w", TryFiles, err)
		}
		switch code {
		case Declined:
			continue
		case restartFindConfig:
			return restartFindConfig, nil
		case Done:
			return Done, nil
		default:
			return OK, nil
		}
	}
	return OK, nil
}

// RestartFindConfig is the Code a TRY_FILES handler returns to rewrite
// r.URI (which it must have already done) and ask the engine to
// re-enter FIND_CONFIG, exactly like POST_REWRITE's own built-in jump.
const RestartFindConfig = restartFindConfig

// ErrTooManyURIChanges is returned when POST_REWRITE's uri_changes
// budget is exhausted, mirroring nginx's "rewrite or internal redirect
// cycle while processing" fatal error.
var ErrTooManyURIChanges = fmt.Errorf("phase: uri_changes budget exhausted")

// runContent implements CONTENT's two-mode checker: if FIND_CONFIG
// bound an exclusive handler (BindContentHandler), it alone runs and
// always finalizes the phase — it is never mixed with the general
// chain. Otherwise the registered CONTENT handlers run with ordinary
// DECLINED fallthrough, and if none of them produced a response, the
// phase finalizes with 403 for directory-shaped URIs or 404 for
// anything else, the nginx default-content-handler fallback.
func (e *Engine) runContent(ctx context.Context, r *reqctx.Request) (Code, error) {
	if v, ok := r.Var(varContentHandler); ok {
		if h, ok := v.(Handler); ok {
			if _, err := h.Handle(ctx, r); err != nil {
				return Done, fmt.Errorf("phase %s: %w", Content, err)
			}
			// Unlike the fallthrough 403/404 case below, a bound
			// exclusive handler having run successfully still lets LOG
			// see the request: CONTENT producing output is not the same
			// as the engine having nothing left to do.
			return OK, nil
		}
	}
	for _, h := range e.handlers[Content] {
		code, err := h.Handle(ctx, r)
		if err != nil {
			return Done, fmt.Errorf("phase %s: %w", Content, err)
		}
		if code == Declined {
			continue
		}
		return OK, nil
	}
	return Done, ErrNoContentHandler
}

// ErrNoContentHandler is the error carried on Outcome when CONTENT
// falls through every handler without producing a response; callers
// translate it to 403 (directory URIs) or 404 (everything else).
var ErrNoContentHandler = fmt.Errorf("phase: no content handler matched")

// MarkFindConfigRun records that FIND_CONFIG just bound r to a
// location for the URI it currently holds, so POST_REWRITE can detect
// whether a REWRITE handler subsequently changed it.
func MarkFindConfigRun(r *reqctx.Request) {
	r.SetVar(varFindConfigURI, r.URI)
}
