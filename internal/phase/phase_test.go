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

package phase

import (
	"context"
	"errors"
	"testing"

	"edgeproxy/internal/reqctx"
)

func TestEngine_GenericPhasesRunInOrder(t *testing.T) {
	e := NewEngine()
	var seen []Name
	record := func(n Name) HandlerFunc {
		return func(ctx context.Context, r *reqctx.Request) (Code, error) {
			seen = append(seen, n)
			return OK, nil
		}
	}
	generic := []Name{PostRead, FindConfig, PreAccess, Access, PostAccess, Log}
	for _, n := range generic {
		e.Register(n, record(n))
	}
	// CONTENT must produce a response, or Run ends with ErrNoContentHandler.
	e.RegisterFunc(Content, func(ctx context.Context, r *reqctx.Request) (Code, error) {
		return OK, nil
	})
	r := reqctx.New(context.Background(), "GET", "/")
	out := e.Run(context.Background(), r)
	if out.Err != nil {
		t.Fatalf("unexpected error: %v", out.Err)
	}
	if len(seen) != len(generic) {
		t.Fatalf("expected %d generic phases run, got %d: %v", len(generic), len(seen), seen)
	}
	for i, n := range seen {
		if n != generic[i] {
			t.Fatalf("phase %d ran out of order: %v", i, seen)
		}
	}
}

func TestEngine_DeclinedFallsThroughToNextHandler(t *testing.T) {
	e := NewEngine()
	var ran []string
	e.RegisterFunc(Access, func(ctx context.Context, r *reqctx.Request) (Code, error) {
		ran = append(ran, "first")
		return Declined, nil
	})
	e.RegisterFunc(Access, func(ctx context.Context, r *reqctx.Request) (Code, error) {
		ran = append(ran, "second")
		return OK, nil
	})
	e.RegisterFunc(Content, func(ctx context.Context, r *reqctx.Request) (Code, error) {
		return OK, nil
	})
	r := reqctx.New(context.Background(), "GET", "/")
	out := e.Run(context.Background(), r)
	if out.Err != nil {
		t.Fatalf("unexpected error: %v", out.Err)
	}
	if len(ran) != 2 || ran[0] != "first" || ran[1] != "second" {
		t.Fatalf("expected both handlers to run in order, got %v", ran)
	}
}

func TestEngine_DoneStopsImmediately(t *testing.T) {
	e := NewEngine()
	ranLog := false
	e.RegisterFunc(Access, func(ctx context.Context, r *reqctx.Request) (Code, error) {
		return Done, nil
	})
	e.RegisterFunc(Log, func(ctx context.Context, r *reqctx.Request) (Code, error) {
		ranLog = true
		return OK, nil
	})
	r := reqctx.New(context.Background(), "GET", "/")
	out := e.Run(context.Background(), r)
	if out.StoppedAt != Access {
		t.Fatalf("expected to stop at ACCESS, stopped at %v", out.StoppedAt)
	}
	if ranLog {
		t.Fatalf("LOG phase must not run after Done")
	}
}

// TestEngine_AgainBehavesLikeDeclined pins down the fix for the AGAIN
// mapping: under the generic checker, AGAIN must call the next
// handler immediately rather than re-invoking the same one, since this
// engine has no reactor for a handler to yield to.
func TestEngine_AgainBehavesLikeDeclined(t *testing.T) {
	e := NewEngine()
	firstCalls := 0
	secondCalls := 0
	e.RegisterFunc(PreAccess, func(ctx context.Context, r *reqctx.Request) (Code, error) {
		firstCalls++
		return Again, nil
	})
	e.RegisterFunc(PreAccess, func(ctx context.Context, r *reqctx.Request) (Code, error) {
		secondCalls++
		return OK, nil
	})
	e.RegisterFunc(Content, func(ctx context.Context, r *reqctx.Request) (Code, error) {
		return OK, nil
	})
	r := reqctx.New(context.Background(), "GET", "/")
	out := e.Run(context.Background(), r)
	if out.Err != nil {
		t.Fatalf("unexpected error: %v", out.Err)
	}
	if firstCalls != 1 {
		t.Fatalf("expected the AGAIN handler invoked exactly once, got %d", firstCalls)
	}
	if secondCalls != 1 {
		t.Fatalf("expected the next handler to run immediately after AGAIN, got %d calls", secondCalls)
	}
}

func TestEngine_HandlerErrorStopsAndWraps(t *testing.T) {
	e := NewEngine()
	wantErr := errors.New("boom")
	e.RegisterFunc(Access, func(ctx context.Context, r *reqctx.Request) (Code, error) {
		return Done, wantErr
	})
	r := reqctx.New(context.Background(), "GET", "/")
	out := e.Run(context.Background(), r)
	if !errors.Is(out.Err, wantErr) {
		t.Fatalf("expected wrapped error, got %v", out.Err)
	}
	if out.StoppedAt != Access {
		t.Fatalf("expected stop at ACCESS, got %v", out.StoppedAt)
	}
}

// TestEngine_RewritePhase_DoneResumesSameHandler pins the rewrite
// checker's distinct DONE semantics: unlike the generic checker, DONE
// here means "call me again", not "finalize the request".
func TestEngine_RewritePhase_DoneResumesSameHandler(t *testing.T) {
	e := NewEngine()
	calls := 0
	e.RegisterFunc(Rewrite, func(ctx context.Context, r *reqctx.Request) (Code, error) {
		calls++
		if calls < 3 {
			return Done, nil
		}
		return Declined, nil
	})
	ranContent := false
	e.RegisterFunc(Content, func(ctx context.Context, r *reqctx.Request) (Code, error) {
		ranContent = true
		return OK, nil
	})
	r := reqctx.New(context.Background(), "GET", "/")
	out := e.Run(context.Background(), r)
	if out.Err != nil {
		t.Fatalf("unexpected error: %v", out.Err)
	}
	if calls != 3 {
		t.Fatalf("expected the handler invoked 3 times, got %d", calls)
	}
	if !ranContent {
		t.Fatalf("expected the request to reach CONTENT once REWRITE's handler declined")
	}
}

// TestEngine_RewritePhase_OKFinalizes pins the rewrite checker's other
// distinct behavior: OK (or any code besides DECLINED/DONE) finalizes
// the whole request rather than advancing, unlike every other phase.
func TestEngine_RewritePhase_OKFinalizes(t *testing.T) {
	e := NewEngine()
	ranContent := false
	e.RegisterFunc(ServerRewrite, func(ctx context.Context, r *reqctx.Request) (Code, error) {
		return OK, nil
	})
	e.RegisterFunc(Content, func(ctx context.Context, r *reqctx.Request) (Code, error) {
		ranContent = true
		return OK, nil
	})
	r := reqctx.New(context.Background(), "GET", "/")
	out := e.Run(context.Background(), r)
	if out.StoppedAt != ServerRewrite {
		t.Fatalf("expected OK to finalize at SERVER_REWRITE, stopped at %v", out.StoppedAt)
	}
	if ranContent {
		t.Fatalf("CONTENT must not run once SERVER_REWRITE finalized")
	}
}

// TestEngine_PostRewrite_JumpsBackToFindConfig exercises the
// POST_REWRITE -> FIND_CONFIG jump spec.md's phase monotonicity
// invariant carves out: a REWRITE handler that changes r.URI must
// cause FIND_CONFIG to run again against the new URI.
func TestEngine_PostRewrite_JumpsBackToFindConfig(t *testing.T) {
	e := NewEngine()
	findConfigCalls := 0
	e.RegisterFunc(FindConfig, func(ctx context.Context, r *reqctx.Request) (Code, error) {
		findConfigCalls++
		MarkFindConfigRun(r)
		return OK, nil
	})
	rewriteCalls := 0
	e.RegisterFunc(Rewrite, func(ctx context.Context, r *reqctx.Request) (Code, error) {
		rewriteCalls++
		if rewriteCalls == 1 {
			r.URI = "/rewritten"
		}
		return Declined, nil
	})
	e.RegisterFunc(Content, func(ctx context.Context, r *reqctx.Request) (Code, error) {
		return OK, nil
	})
	r := reqctx.New(context.Background(), "GET", "/original")
	out := e.Run(context.Background(), r)
	if out.Err != nil {
		t.Fatalf("unexpected error: %v", out.Err)
	}
	if findConfigCalls != 2 {
		t.Fatalf("expected FIND_CONFIG to run twice (original + rewritten URI), got %d", findConfigCalls)
	}
	if r.URI != "/rewritten" {
		t.Fatalf("expected the rewritten URI to stick, got %q", r.URI)
	}
}

// TestEngine_PostRewrite_ExhaustedBudgetFails pins the uri_changes
// exhaustion failure mode, guarding against an infinite FIND_CONFIG <->
// POST_REWRITE loop in a misconfigured rewrite chain.
func TestEngine_PostRewrite_ExhaustedBudgetFails(t *testing.T) {
	e := NewEngine()
	e.SetMaxURIChanges(2)
	n := 0
	e.RegisterFunc(FindConfig, func(ctx context.Context, r *reqctx.Request) (Code, error) {
		MarkFindConfigRun(r)
		return OK, nil
	})
	e.RegisterFunc(Rewrite, func(ctx context.Context, r *reqctx.Request) (Code, error) {
		n++
		r.URI = r.URI + "x"
		return Declined, nil
	})
	r := reqctx.New(context.Background(), "GET", "/a")
	out := e.Run(context.Background(), r)
	if !errors.Is(out.Err, ErrTooManyURIChanges) {
		t.Fatalf("expected ErrTooManyURIChanges, got %v", out.Err)
	}
}

// TestEngine_TryFiles_RestartsFindConfigOnFallback exercises the
// TRY_FILES -> FIND_CONFIG jump for the "none of the candidates exist,
// rewrite to the last entry" case.
func TestEngine_TryFiles_RestartsFindConfigOnFallback(t *testing.T) {
	e := NewEngine()
	findConfigCalls := 0
	e.RegisterFunc(FindConfig, func(ctx context.Context, r *reqctx.Request) (Code, error) {
		findConfigCalls++
		MarkFindConfigRun(r)
		return OK, nil
	})
	tryFilesCalls := 0
	e.RegisterFunc(TryFiles, func(ctx context.Context, r *reqctx.Request) (Code, error) {
		tryFilesCalls++
		if tryFilesCalls == 1 {
			r.URI = "/fallback.html"
			return RestartFindConfig, nil
		}
		return OK, nil
	})
	e.RegisterFunc(Content, func(ctx context.Context, r *reqctx.Request) (Code, error) {
		return OK, nil
	})
	r := reqctx.New(context.Background(), "GET", "/missing")
	out := e.Run(context.Background(), r)
	if out.Err != nil {
		t.Fatalf("unexpected error: %v", out.Err)
	}
	if tryFilesCalls != 2 {
		t.Fatalf("expected TRY_FILES to run twice, got %d", tryFilesCalls)
	}
	if findConfigCalls != 2 {
		t.Fatalf("expected FIND_CONFIG to re-run after the TRY_FILES fallback, got %d", findConfigCalls)
	}
	if r.URI != "/fallback.html" {
		t.Fatalf("expected URI rewritten to the fallback entry, got %q", r.URI)
	}
}

// TestEngine_Content_ExclusiveHandlerSkipsGeneralChain pins CONTENT's
// two-mode checker: once FIND_CONFIG binds an exclusive handler (e.g.
// a proxy_pass target), it runs alone and finalizes, even if general
// CONTENT handlers are also registered.
func TestEngine_Content_ExclusiveHandlerSkipsGeneralChain(t *testing.T) {
	e := NewEngine()
	exclusiveRan := false
	generalRan := false
	e.RegisterFunc(FindConfig, func(ctx context.Context, r *reqctx.Request) (Code, error) {
		BindContentHandler(r, HandlerFunc(func(ctx context.Context, r *reqctx.Request) (Code, error) {
			exclusiveRan = true
			return OK, nil
		}))
		return OK, nil
	})
	e.RegisterFunc(Content, func(ctx context.Context, r *reqctx.Request) (Code, error) {
		generalRan = true
		return Declined, nil
	})
	r := reqctx.New(context.Background(), "GET", "/")
	out := e.Run(context.Background(), r)
	if out.Err != nil {
		t.Fatalf("unexpected error: %v", out.Err)
	}
	if !exclusiveRan {
		t.Fatalf("expected the exclusive content handler to run")
	}
	if generalRan {
		t.Fatalf("general CONTENT handlers must not run once an exclusive handler is bound")
	}
	if out.StoppedAt != Log {
		t.Fatalf("expected the request to reach LOG after CONTENT, stopped at %v", out.StoppedAt)
	}
}

// TestEngine_Content_FallthroughWithNoHandlerIsNotFound pins the
// general-chain fallback: if every general CONTENT handler declines
// (or none are registered) and no exclusive handler was bound,
// ErrNoContentHandler surfaces so the caller can translate it to
// 403/404.
func TestEngine_Content_FallthroughWithNoHandlerIsNotFound(t *testing.T) {
	e := NewEngine()
	r := reqctx.New(context.Background(), "GET", "/")
	out := e.Run(context.Background(), r)
	if !errors.Is(out.Err, ErrNoContentHandler) {
		t.Fatalf("expected ErrNoContentHandler, got %v", out.Err)
	}
}

// TestEngine_PostAccess_FinalizesTentativeDenial pins the ACCESS ->
// POST_ACCESS hand-off: a SatisfyAnyGroup denial recorded during
// ACCESS and not cleared by anything afterward is finalized by
// POST_ACCESS, never reaching TRY_FILES/CONTENT.
func TestEngine_PostAccess_FinalizesTentativeDenial(t *testing.T) {
	e := NewEngine()
	// A checker that records a tentative denial (the way SatisfyAnyGroup
	// does internally) without itself erroring out of ACCESS, leaving
	// POST_ACCESS to decide whether anything later cleared it.
	e.RegisterFunc(Access, func(ctx context.Context, r *reqctx.Request) (Code, error) {
		r.SetVar(satisfyStateVar, &satisfyState{denied: true})
		return OK, nil
	})
	ranContent := false
	e.RegisterFunc(Content, func(ctx context.Context, r *reqctx.Request) (Code, error) {
		ranContent = true
		return OK, nil
	})
	r := reqctx.New(context.Background(), "GET", "/")
	out := e.Run(context.Background(), r)
	if !errors.Is(out.Err, ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied, got %v", out.Err)
	}
	if ranContent {
		t.Fatalf("CONTENT must not run once POST_ACCESS finalized a denial")
	}
}
