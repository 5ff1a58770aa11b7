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
	"testing"

	"edgeproxy/internal/reqctx"
)

type fixedChecker struct {
	ok        bool
	challenge string
}

func (f fixedChecker) Check(ctx context.Context, r *reqctx.Request) (bool, string, error) {
	return f.ok, f.challenge, nil
}

// TestAccessSatisfyAny_LaterOKClearsDenial_NoAuthChallengeHeader pins the
// decision on the "satisfy any" Open Question: a later checker returning
// OK admits the request and the earlier denial's WWW-Authenticate
// challenge is never written to the response.
func TestAccessSatisfyAny_LaterOKClearsDenial_NoAuthChallengeHeader(t *testing.T) {
	r := reqctx.New(context.Background(), "GET", "/")
	g := &SatisfyAnyGroup{
		Checkers: []AuthChecker{
			fixedChecker{ok: false, challenge: `Basic realm="restricted"`},
			fixedChecker{ok: true},
		},
	}
	code, err := g.Handle(context.Background(), r)
	if err != nil || code != OK {
		t.Fatalf("expected OK admission, got code=%v err=%v", code, err)
	}
	if got := r.ResponseHeaders.Get("WWW-Authenticate"); got != "" {
		t.Fatalf("expected no WWW-Authenticate header, got %q", got)
	}
}

func TestAccessSatisfyAny_AllDeny_LastChallengeForwarded(t *testing.T) {
	r := reqctx.New(context.Background(), "GET", "/")
	g := &SatisfyAnyGroup{
		Checkers: []AuthChecker{
			fixedChecker{ok: false, challenge: `Basic realm="first"`},
			fixedChecker{ok: false, challenge: `Basic realm="second"`},
		},
	}
	code, err := g.Handle(context.Background(), r)
	if err != ErrAccessDenied || code != Done {
		t.Fatalf("expected denial, got code=%v err=%v", code, err)
	}
	if got := r.ResponseHeaders.Get("WWW-Authenticate"); got != `Basic realm="second"` {
		t.Fatalf("expected last challenge forwarded, got %q", got)
	}
}

func TestAccessSatisfyAll_OneDenyFailsTheWholeGroup(t *testing.T) {
	r := reqctx.New(context.Background(), "GET", "/")
	g := &SatisfyAllGroup{
		Checkers: []AuthChecker{
			fixedChecker{ok: true},
			fixedChecker{ok: false, challenge: `Basic realm="second"`},
			fixedChecker{ok: true}, // never reached once the second checker denies
		},
	}
	code, err := g.Handle(context.Background(), r)
	if err != ErrAccessDenied || code != Done {
		t.Fatalf("expected denial, got code=%v err=%v", code, err)
	}
	if got := r.ResponseHeaders.Get("WWW-Authenticate"); got != `Basic realm="second"` {
		t.Fatalf("expected the denying checker's challenge forwarded, got %q", got)
	}
}

func TestAccessSatisfyAll_AllOKAdmits(t *testing.T) {
	r := reqctx.New(context.Background(), "GET", "/")
	g := &SatisfyAllGroup{
		Checkers: []AuthChecker{
			fixedChecker{ok: true},
			fixedChecker{ok: true},
		},
	}
	code, err := g.Handle(context.Background(), r)
	if err != nil || code != OK {
		t.Fatalf("expected OK admission, got code=%v err=%v", code, err)
	}
}

func TestIPAccessChecker_EmptyRulesAdmitsEveryone(t *testing.T) {
	r := reqctx.New(context.Background(), "GET", "/")
	r.SetVar("client_addr", "203.0.113.9:54321")
	c := &IPAccessChecker{}
	ok, _, err := c.Check(context.Background(), r)
	if err != nil || !ok {
		t.Fatalf("expected admission with no rules, got ok=%v err=%v", ok, err)
	}
}

func TestIPAccessChecker_DenyWithAllowException(t *testing.T) {
	rules, err := ParseIPRules([]string{"10.0.0.0/8"}, []string{"all"})
	if err != nil {
		t.Fatalf("ParseIPRules: %v", err)
	}
	c := &IPAccessChecker{Rules: rules}

	allowed := reqctx.New(context.Background(), "GET", "/")
	allowed.SetVar("client_addr", "10.1.2.3:1111")
	ok, _, err := c.Check(context.Background(), allowed)
	if err != nil || !ok {
		t.Fatalf("expected 10.1.2.3 to be allowed, got ok=%v err=%v", ok, err)
	}

	denied := reqctx.New(context.Background(), "GET", "/")
	denied.SetVar("client_addr", "203.0.113.9:2222")
	ok, _, err = c.Check(context.Background(), denied)
	if err != nil || ok {
		t.Fatalf("expected 203.0.113.9 to be denied, got ok=%v err=%v", ok, err)
	}
}

func TestIPAccessChecker_NoMatchFallsThroughToDeny(t *testing.T) {
	rules, err := ParseIPRules([]string{"10.0.0.0/8"}, nil)
	if err != nil {
		t.Fatalf("ParseIPRules: %v", err)
	}
	c := &IPAccessChecker{Rules: rules}
	r := reqctx.New(context.Background(), "GET", "/")
	r.SetVar("client_addr", "198.51.100.5:3333")
	ok, _, err := c.Check(context.Background(), r)
	if err != nil || ok {
		t.Fatalf("expected implicit deny, got ok=%v err=%v", ok, err)
	}
}
