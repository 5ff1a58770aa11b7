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

package location

import (
	"regexp"
	"testing"
)

func mustTree(t *testing.T, locs []*Location) *Tree {
	t.Helper()
	tree, err := NewTree(locs)
	if err != nil {
		t.Fatalf("NewTree: %v", err)
	}
	return tree
}

func TestMatchURI_LongestPrefixWins(t *testing.T) {
	tree := mustTree(t, []*Location{
		{Path: "/"},
		{Path: "/images/"},
		{Path: "/images/thumb/"},
	})
	m, ok := tree.MatchURI("/images/thumb/cat.png")
	if !ok || m.Location.Path != "/images/thumb/" {
		t.Fatalf("expected /images/thumb/ to win, got %+v ok=%v", m, ok)
	}
}

func TestMatchURI_ExactBeatsPrefix(t *testing.T) {
	tree := mustTree(t, []*Location{
		{Path: "/"},
		{Path: "/exact", Exact: true},
	})
	m, ok := tree.MatchURI("/exact")
	if !ok || m.Kind != KindExact {
		t.Fatalf("expected exact match, got %+v ok=%v", m, ok)
	}
}

func TestMatchURI_ExactDoesNotMatchLongerURI(t *testing.T) {
	tree := mustTree(t, []*Location{
		{Path: "/"},
		{Path: "/exact", Exact: true},
	})
	m, ok := tree.MatchURI("/exact/more")
	if !ok || m.Location.Path != "/" {
		t.Fatalf("expected fallback to /, got %+v ok=%v", m, ok)
	}
}

func TestMatchURI_StopPrefixSuppressesRegex(t *testing.T) {
	tree := mustTree(t, []*Location{
		{Path: "/"},
		{Path: "/static/", Stop: true},
		{Regex: regexp.MustCompile(`\.png$`)},
	})
	m, ok := tree.MatchURI("/static/cat.png")
	if !ok || m.Kind != KindStopPrefix {
		t.Fatalf("expected stop-prefix to win over regex, got %+v ok=%v", m, ok)
	}
}

func TestMatchURI_RegexOrderPreserved(t *testing.T) {
	first := regexp.MustCompile(`\.png$`)
	second := regexp.MustCompile(`cat`)
	tree := mustTree(t, []*Location{
		{Path: "/"},
		{Regex: first},
		{Regex: second},
	})
	m, ok := tree.MatchURI("cat.png")
	if !ok || m.Location.Regex != first {
		t.Fatalf("expected first configured regex to win, got %+v ok=%v", m, ok)
	}
}

func TestMatchURI_NoMatch(t *testing.T) {
	tree := mustTree(t, []*Location{
		{Path: "/only/"},
	})
	if _, ok := tree.MatchURI("/elsewhere"); ok {
		t.Fatalf("expected no match")
	}
}

func TestNamed_NotReturnedByMatchURI(t *testing.T) {
	tree := mustTree(t, []*Location{
		{Path: "/"},
		{Name: "fallback"},
	})
	if _, ok := tree.Named("fallback"); !ok {
		t.Fatalf("expected named location to be registered")
	}
	m, ok := tree.MatchURI("/")
	if !ok || m.Location.Name != "" {
		t.Fatalf("named location leaked into MatchURI result: %+v", m)
	}
}

func TestNewTree_DuplicateNamedLocation(t *testing.T) {
	_, err := NewTree([]*Location{
		{Name: "dup"},
		{Name: "dup"},
	})
	if err == nil {
		t.Fatalf("expected duplicate-name error")
	}
}
