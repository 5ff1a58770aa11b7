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

package upstream

import "net/http"

// AccelRedirectHeader is the response header an upstream sets to hand
// the downstream response back to edgeproxy for an internal redirect,
// discarding whatever body the upstream sent along with it.
const AccelRedirectHeader = "X-Accel-Redirect"

// defaultHideHeaders are never forwarded downstream regardless of
// configuration: they are either synthesized fresh by edgeproxy
// (Content-Length, Connection) or only meaningful between edgeproxy
// and the upstream (Keep-Alive, Transfer-Encoding, the accel-redirect
// signal itself).
var defaultHideHeaders = map[string]struct{}{
	"Connection":        {},
	"Keep-Alive":        {},
	"Transfer-Encoding": {},
	"Content-Length":    {},
	AccelRedirectHeader: {},
}

// HideList is the computed set of response header names edgeproxy
// will not copy to the downstream response, built at config time so
// CopyHeaders never recomputes it per-request.
type HideList map[string]struct{}

// NewHideList computes the copy-with-filtering hide-list: the built-in
// default set, unioned with configured hide headers, minus configured
// pass headers. Lookups are canonicalized via http.CanonicalHeaderKey
// so configuration can use any casing.
func NewHideList(hide, pass []string) HideList {
	out := make(HideList, len(defaultHideHeaders)+len(hide))
	for k := range defaultHideHeaders {
		out[k] = struct{}{}
	}
	for _, h := range hide {
		out[http.CanonicalHeaderKey(h)] = struct{}{}
	}
	for _, p := range pass {
		delete(out, http.CanonicalHeaderKey(p))
	}
	return out
}

// CopyHeaders copies every header in src to dst except those named in
// hide, implementing the "pass through unless hidden" disposition that
// covers the bulk of spec.md's §4.4.1 table (Last-Modified, Set-Cookie,
// Vary, X-Accel-Expires, Cache-Control, Expires, and any unknown header
// all fall through to this default).
func CopyHeaders(dst http.Header, src http.Header, hide HideList) {
	for k, vs := range src {
		if _, hidden := hide[http.CanonicalHeaderKey(k)]; hidden {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

// InterceptAccelRedirect reports the internal-redirect target named by
// an upstream's X-Accel-Redirect response header, if present. Per
// spec.md §4.4.1, when this header is set the upstream body must be
// discarded and the downstream response served from the named target
// instead, with whatever response headers were already captured kept.
func InterceptAccelRedirect(h http.Header) (target string, ok bool) {
	v := h.Get(AccelRedirectHeader)
	return v, v != ""
}
