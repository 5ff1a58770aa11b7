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
	"net"

	"edgeproxy/internal/reqctx"
)

// ErrAccessDenied is returned when every ACCESS checker in a
// satisfy-all (or unsatisfied satisfy-any) group denies the request.
var ErrAccessDenied = errors.New("access denied")

// AuthChecker is a narrower interface than Handler for ACCESS checkers
// that can produce a challenge header on denial (e.g. HTTP Basic auth,
// or an allow/deny IP rule reporting which CIDR block it matched).
type AuthChecker interface {
	Check(ctx context.Context, r *reqctx.Request) (ok bool, challenge string, err error)
}

// satisfyState is the per-request scratch space for a SatisfyAny
// group, tracking the most recent denial so it can be discarded (not
// forwarded) if a later checker in the group admits the request. See
// the decision on spec.md's "satisfy any" Open Question in DESIGN.md.
type satisfyState struct {
	deniedChallenge string
	denied          bool
}

const satisfyStateVar = "phase.accessSatisfyState"

// SatisfyAnyGroup runs its checkers in order; the first OK admits the
// request immediately and discards any WWW-Authenticate challenge
// captured from an earlier denial in the same group, since forwarding a
// challenge for a request about to be served successfully would mislead
// the client and any layer logging or caching the response. If every
// checker denies, the group fails with the *last* denial's challenge.
type SatisfyAnyGroup struct {
	Checkers []AuthChecker
}

func (g *SatisfyAnyGroup) Handle(ctx context.Context, r *reqctx.Request) (Code, error) {
	var lastChallenge string
	for _, c := range g.Checkers {
		ok, challenge, err := c.Check(ctx, r)
		if err != nil {
			return Done, err
		}
		if ok {
			// A later OK clears any tentative denial recorded by an
			// earlier checker in this group; the challenge is dropped,
			// not copied to the response.
			r.SetVar(satisfyStateVar, nil)
			return OK, nil
		}
		lastChallenge = challenge
	}
	r.SetVar(satisfyStateVar, &satisfyState{deniedChallenge: lastChallenge, denied: true})
	if lastChallenge != "" {
		r.ResponseHeaders.Set("WWW-Authenticate", lastChallenge)
	}
	return Done, ErrAccessDenied
}

// SatisfyAllGroup runs its checkers in order and requires every one of
// them to admit the request — `satisfy all`, the stricter of the two
// ACCESS aggregation modes config.Location.Satisfy selects between.
// Unlike SatisfyAnyGroup, there is no later-checker-clears-earlier-
// denial case: the first denial is final, since a stricter mode has
// nothing left to "satisfy" once one checker has already refused.
type SatisfyAllGroup struct {
	Checkers []AuthChecker
}

func (g *SatisfyAllGroup) Handle(ctx context.Context, r *reqctx.Request) (Code, error) {
	for _, c := range g.Checkers {
		ok, challenge, err := c.Check(ctx, r)
		if err != nil {
			return Done, err
		}
		if !ok {
			r.SetVar(satisfyStateVar, &satisfyState{deniedChallenge: challenge, denied: true})
			if challenge != "" {
				r.ResponseHeaders.Set("WWW-Authenticate", challenge)
			}
			return Done, ErrAccessDenied
		}
	}
	r.SetVar(satisfyStateVar, nil)
	return OK, nil
}

// IPAccessChecker implements the nginx-style `allow`/`deny` list
// access control ACCESS is actually for (spec.md's satisfy-aggregation
// mechanics have nothing to say about what a single checker verifies
// — this is the checker). Rules are evaluated in configuration order;
// the first matching CIDR wins. An empty Rules list admits everyone,
// matching the nginx default of "no allow/deny directives means
// unrestricted".
type IPAccessChecker struct {
	Rules []IPRule
}

// IPRule is one parsed `allow`/`deny` directive.
type IPRule struct {
	Net   *net.IPNet
	Allow bool // false means deny
}

// ParseIPRules compiles allow/deny CIDR strings (IPv4/IPv6, or a bare
// address treated as a /32 or /128) into IPRules: every allow rule, in
// the order given, followed by every deny rule, in the order given.
// An allow rule therefore always wins over a deny rule matching the
// same address.
func ParseIPRules(allow, deny []string) ([]IPRule, error) {
	rules := make([]IPRule, 0, len(allow)+len(deny))
	for _, spec := range allow {
		n, err := parseCIDROrAddr(spec)
		if err != nil {
			return nil, err
		}
		rules = append(rules, IPRule{Net: n, Allow: true})
	}
	for _, spec := range deny {
		n, err := parseCIDROrAddr(spec)
		if err != nil {
			return nil, err
		}
		rules = append(rules, IPRule{Net: n, Allow: false})
	}
	return rules, nil
}

func parseCIDROrAddr(spec string) (*net.IPNet, error) {
	if spec == "all" {
		_, n, _ := net.ParseCIDR("0.0.0.0/0")
		return n, nil
	}
	if _, n, err := net.ParseCIDR(spec); err == nil {
		return n, nil
	}
	ip := net.ParseIP(spec)
	if ip == nil {
		return nil, errInvalidIPRule(spec)
	}
	bits := 32
	if ip.To4() == nil {
		bits = 128
	}
	return &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}, nil
}

type errInvalidIPRule string

func (e errInvalidIPRule) Error() string { return "phase: invalid allow/deny rule: " + string(e) }

// Check reports whether r's client address (stashed in the
// "client_addr" var by the caller before Run) is admitted: the first
// matching rule, in configuration order, decides; no match falls
// through to deny, mirroring nginx's implicit trailing "deny all".
func (c *IPAccessChecker) Check(ctx context.Context, r *reqctx.Request) (bool, string, error) {
	if len(c.Rules) == 0 {
		return true, "", nil
	}
	ip := clientIP(r)
	if ip == nil {
		return false, "", nil
	}
	for _, rule := range c.Rules {
		if rule.Net.Contains(ip) {
			return rule.Allow, "", nil
		}
	}
	return false, "", nil
}

func clientIP(r *reqctx.Request) net.IP {
	v, ok := r.Var("client_addr")
	if !ok {
		return nil
	}
	s, ok := v.(string)
	if !ok {
		return nil
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	return net.ParseIP(s)
}
