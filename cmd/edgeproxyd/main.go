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

// Package main is edgeproxy's process entrypoint: it loads the YAML
// configuration, builds the location tree and upstream peer sets,
// wires every phase of the request lifecycle onto the phase engine,
// starts the admin server and cache eviction manager, and shuts
// everything down gracefully on SIGINT/SIGTERM — the same flag-parse/
// wire/signal.Notify/deferred-Stop shape as cmd/ratelimiter-api/main.go.
package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"syscall"
	"time"

	"edgeproxy/internal/accesslog"
	"edgeproxy/internal/adminapi"
	"edgeproxy/internal/cache"
	"edgeproxy/internal/config"
	"edgeproxy/internal/location"
	"edgeproxy/internal/metrics"
	"edgeproxy/internal/peerstate"
	"edgeproxy/internal/phase"
	"edgeproxy/internal/pipe"
	"edgeproxy/internal/reqctx"
	"edgeproxy/internal/subrequest"
	"edgeproxy/internal/upstream"
)

func main() {
	configPath := flag.String("config", "edgeproxy.yaml", "Path to the YAML configuration document")
	adminAddr := flag.String("admin_addr", ":9090", "Admin/debug HTTP listen address")
	accessLogPath := flag.String("access_log", "access.jsonl", "Path to the JSONL access log")
	metricsEnabled := flag.Bool("metrics", true, "Enable Prometheus metrics recording")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("edgeproxyd: loading config: %v", err)
	}

	if *metricsEnabled {
		metrics.Enable()
	}

	upstreams := buildUpstreams(cfg)
	locTree, err := buildLocationTree(cfg, upstreams)
	if err != nil {
		log.Fatalf("edgeproxyd: building location tree: %v", err)
	}

	var cacheStore *cache.Store
	var evictionMgr *cache.EvictionManager
	if cfg.Cache != nil {
		cacheStore = cache.NewStore(cfg.Cache.Path, cfg.Cache.MaxSize, 0)
		evictionMgr = cache.NewEvictionManager(cacheStore, time.Minute, cfg.Cache.Inactive)
		evictionMgr.Start(context.Background())
	}

	accessWriter, err := accesslog.NewWriter(*accessLogPath, nil)
	if err != nil {
		log.Fatalf("edgeproxyd: opening access log: %v", err)
	}

	h := &proxyHandler{
		locTree:   locTree,
		cache:     cacheStore,
		access:    accessWriter,
		docRoot:   cfg.Server.Root,
		connectTO: 5 * time.Second,
		readTO:    30 * time.Second,
	}
	h.engine = buildEngine(h)

	mux := http.NewServeMux()
	mux.Handle("/", h)
	httpServer := &http.Server{
		Addr:    cfg.Server.Listen,
		Handler: mux,
	}

	admin := adminapi.NewServer(cacheStore)
	adminMux := http.NewServeMux()
	admin.RegisterRoutes(adminMux)
	adminServer := &http.Server{Addr: *adminAddr, Handler: adminMux}

	go func() {
		fmt.Printf("edgeproxyd listening on %s\n", cfg.Server.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("edgeproxyd: ListenAndServe: %v", err)
		}
	}()
	go func() {
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("edgeproxyd: admin ListenAndServe: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	fmt.Println("edgeproxyd: shutting down")
	if evictionMgr != nil {
		evictionMgr.Stop()
	}
	_ = accessWriter.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(ctx)
	_ = adminServer.Shutdown(ctx)
	fmt.Println("edgeproxyd: stopped")
}

// upstreamBinding is the per-location payload stored in a
// location.Location's Data field: the resolved PeerSet and client for
// its proxy_pass target, the cache-valid duration table, and the
// compiled allow/deny rules ACCESS evaluates against the client's
// address.
type upstreamBinding struct {
	loc       *config.Location
	set       *upstream.PeerSet
	client    *upstream.Client
	hideList  upstream.HideList
	ipChecker *phase.IPAccessChecker
}

func buildUpstreams(cfg *config.Config) map[string]*upstreamBinding {
	out := make(map[string]*upstreamBinding, len(cfg.Upstreams))
	for _, u := range cfg.Upstreams {
		peers := make([]*upstream.Peer, 0, len(u.Peers))
		failTimeout := 10 * time.Second
		maxFails := 1
		for _, p := range u.Peers {
			peers = append(peers, &upstream.Peer{
				Addr:        p.Addr,
				Weight:      p.Weight,
				MaxFails:    p.MaxFails,
				FailTimeout: int(p.FailTimeout / time.Second),
			})
			failTimeout = p.FailTimeout
			maxFails = p.MaxFails
		}
		var sel upstream.Selector
		if u.Balance == "rendezvous" {
			sel = upstream.NewRendezvousSelector(peers)
		} else {
			sel = upstream.NewRoundRobinSelector()
		}
		set := upstream.NewPeerSet(u.Name, peers, peerstate.NewInMemoryTable(), sel)
		client := &upstream.Client{
			Dialer:              &net.Dialer{},
			NextUpstreamTries:   len(peers),
			NextUpstreamTimeout: 10 * time.Second,
			FailTimeout:         failTimeout,
			MaxFails:            maxFails,
		}
		out[u.Name] = &upstreamBinding{set: set, client: client}
	}
	return out
}

// locationClient returns a *upstream.Client tuned to loc's
// next_upstream_tries/next_upstream_timeout directives when either is
// set, otherwise the upstream-wide default built in buildUpstreams.
// config's defaults fill next_upstream_tries for every proxied
// location, so in practice each proxied location gets its own shallow
// copy; the copy shares the base client's Dialer and Pool, so there is
// still one connection pool per upstream.
func locationClient(base *upstream.Client, loc *config.Location) *upstream.Client {
	if loc == nil {
		return base
	}
	tries := loc.NextUpstreamTries
	timeout := loc.NextUpstreamTimeout
	if tries == 0 && timeout == 0 {
		return base
	}
	clone := *base
	if tries > 0 {
		clone.NextUpstreamTries = tries
	}
	if timeout > 0 {
		clone.NextUpstreamTimeout = timeout
	}
	return &clone
}

func buildLocationTree(cfg *config.Config, upstreams map[string]*upstreamBinding) (*location.Tree, error) {
	locs := make([]*location.Location, 0, len(cfg.Locations))
	for i := range cfg.Locations {
		l := &cfg.Locations[i]

		ipRules, err := phase.ParseIPRules(l.Allow, l.Deny)
		if err != nil {
			return nil, fmt.Errorf("edgeproxyd: location %q: %w", l.Pattern, err)
		}
		var ipChecker *phase.IPAccessChecker
		if len(ipRules) > 0 {
			ipChecker = &phase.IPAccessChecker{Rules: ipRules}
		}

		binding := &upstreamBinding{loc: l, ipChecker: ipChecker}
		if l.ProxyPass != "" {
			b, ok := upstreams[l.ProxyPass]
			if !ok {
				return nil, fmt.Errorf("edgeproxyd: location %q references unknown upstream %q", l.Pattern, l.ProxyPass)
			}
			binding.set = b.set
			binding.client = locationClient(b.client, l)
			binding.hideList = upstream.NewHideList(l.HideHeaders, l.PassHeaders)
		}

		loc := &location.Location{Path: l.Pattern, Data: binding}
		switch l.Selector {
		case "=":
			loc.Exact = true
		case "^~":
			loc.Stop = true
		case "~":
			re, err := regexp.Compile(l.Pattern)
			if err != nil {
				return nil, fmt.Errorf("edgeproxyd: location %q: %w", l.Pattern, err)
			}
			loc.Regex = re
		case "~*":
			re, err := regexp.Compile("(?i)" + l.Pattern)
			if err != nil {
				return nil, fmt.Errorf("edgeproxyd: location %q: %w", l.Pattern, err)
			}
			loc.Regex = re
		case "@":
			loc.Path = ""
			loc.Name = l.Pattern
		}
		locs = append(locs, loc)
	}
	return location.NewTree(locs)
}

// Request-scoped variable keys bridging http.Handler's
// (ResponseWriter, *http.Request) world into phase.Handler's
// (ctx, *reqctx.Request) signature. FIND_CONFIG populates bindingVar
// and the exclusive CONTENT handler; every later phase reads back
// through these keys rather than widening the Handler interface.
const (
	varHTTPRequest   = "main.httpRequest"
	varHTTPWriter    = "main.httpWriter"
	varSubrequestNode = "main.subrequestNode"
	varSubrequestMgr  = "main.subrequestManager"
	varBinding        = "main.binding"
	varLogInfo        = "main.logInfo"
	varStart          = "main.start"
)

// logInfo is the outcome CONTENT (or an earlier finalizing phase)
// records for LOG to pick up; its fields mirror the columns
// accesslog.Record carries.
type logInfo struct {
	status      int
	bytes       int64
	addr        string
	cacheStatus string
}

var (
	errLocationNotFound   = errors.New("edgeproxyd: no matching location")
	errRequestTooLarge    = errors.New("edgeproxyd: request body exceeds client_max_body_size")
	errAccelRedirect      = errors.New("edgeproxyd: accel-redirect to named target")
)

type proxyHandler struct {
	locTree   *location.Tree
	engine    *phase.Engine
	cache     *cache.Store
	access    *accesslog.Writer
	docRoot   string
	connectTO time.Duration
	readTO    time.Duration
}

// buildEngine wires every module-contributed phase handler onto a
// fresh Engine: FIND_CONFIG resolves the location and binds an
// exclusive CONTENT handler when the location proxies upstream,
// ACCESS evaluates the location's allow/deny rules under its
// configured satisfy mode, TRY_FILES serves a document-root file when
// one exists, and LOG writes the access-log record CONTENT or an
// earlier phase left behind.
func buildEngine(h *proxyHandler) *phase.Engine {
	e := phase.NewEngine()
	e.RegisterFunc(phase.FindConfig, h.findConfig)
	e.RegisterFunc(phase.Access, h.checkAccess)
	e.RegisterFunc(phase.TryFiles, h.tryFiles)
	e.RegisterFunc(phase.Log, h.logPhase)
	return e
}

func (h *proxyHandler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	start := time.Now()
	clientAddr := req.RemoteAddr

	root := reqctx.New(req.Context(), req.Method, req.URL.RequestURI())
	defer root.Finish()
	root.SetVar("client_addr", clientAddr)
	root.SetVar(varStart, start)

	rootNode := subrequest.NewRoot()
	mgr := subrequest.NewManager(rootNode)

	current := root
	currentNode := rootNode
	httpReq := req

	for {
		current.SetVar(varHTTPRequest, httpReq)
		current.SetVar(varHTTPWriter, w)
		current.SetVar(varSubrequestNode, currentNode)
		current.SetVar(varSubrequestMgr, mgr)

		outcome := h.engine.Run(req.Context(), current)
		currentNode.Finish()
		if _, derr := mgr.Drain(w); derr != nil {
			log.Printf("edgeproxyd: draining response: %v", derr)
		}

		if outcome.Redirect == "" {
			h.finish(w, current, outcome, start)
			return
		}

		child, rerr := reqctx.NewSubrequest(current, http.MethodGet, outcome.Redirect)
		if rerr != nil {
			http.Error(w, "Internal Redirect Loop Detected", http.StatusInternalServerError)
			h.logAccess(current, http.StatusInternalServerError, 0, "", "", start)
			return
		}
		childNode, serr := currentNode.Spawn(nil)
		if serr != nil {
			http.Error(w, "Internal Redirect Loop Detected", http.StatusInternalServerError)
			h.logAccess(current, http.StatusInternalServerError, 0, "", "", start)
			return
		}
		current = child
		currentNode = childNode
		path, query := splitTarget(outcome.Redirect)
		httpReq = httpReq.Clone(httpReq.Context())
		httpReq.Method = http.MethodGet
		httpReq.URL.Path = path
		httpReq.URL.RawQuery = query
	}
}

// finish reports the terminal outcome of a dispatch that did not ask
// for a further internal redirect: a logInfo left by CONTENT is the
// success path, while a phase error finalizing earlier (FIND_CONFIG,
// ACCESS, CONTENT's own fallthrough) is mapped to a status code and
// written to w directly, since nothing has written a response yet in
// that case.
func (h *proxyHandler) finish(w http.ResponseWriter, r *reqctx.Request, outcome phase.Outcome, start time.Time) {
	if outcome.Err == nil {
		if v, ok := r.Var(varLogInfo); ok {
			if li, ok := v.(*logInfo); ok {
				h.logAccess(r, li.status, li.bytes, li.addr, li.cacheStatus, start)
				return
			}
		}
		h.logAccess(r, http.StatusOK, 0, "", "", start)
		return
	}

	status := statusForError(outcome.Err)
	if status == http.StatusNotFound && errors.Is(outcome.Err, phase.ErrNoContentHandler) {
		if p, _, _ := strings.Cut(r.URI, "?"); strings.HasSuffix(p, "/") {
			status = http.StatusForbidden
		}
	}
	http.Error(w, http.StatusText(status), status)
	h.logAccess(r, status, 0, "", "", start)
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, errLocationNotFound), errors.Is(err, phase.ErrNoContentHandler):
		return http.StatusNotFound
	case errors.Is(err, errRequestTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, phase.ErrAccessDenied):
		return http.StatusForbidden
	case errors.Is(err, phase.ErrTooManyURIChanges), errors.Is(err, reqctx.ErrTooManyRedirects):
		return http.StatusInternalServerError
	default:
		return http.StatusBadGateway
	}
}

// splitTarget separates an X-Accel-Redirect target's path from its
// query string, or a named location ("@name") from a (necessarily
// empty) query string.
func splitTarget(target string) (path, query string) {
	path, query, _ = strings.Cut(target, "?")
	return path, query
}

func bindingFromVar(r *reqctx.Request) *upstreamBinding {
	v, ok := r.Var(varBinding)
	if !ok {
		return nil
	}
	b, _ := v.(*upstreamBinding)
	return b
}

// findConfig is FIND_CONFIG's module handler: it resolves r's current
// URI (or "@name" for an internal-redirect target) against the
// location tree, enforces the matched location's internal-only and
// client_max_body_size directives, and — when the location proxies
// upstream — binds the exclusive CONTENT handler that will perform the
// proxy.
func (h *proxyHandler) findConfig(ctx context.Context, r *reqctx.Request) (phase.Code, error) {
	reqv, _ := r.Var(varHTTPRequest)
	httpReq, _ := reqv.(*http.Request)

	path := httpReq.URL.Path
	var loc *location.Location
	if name, isNamed := namedTarget(path); isNamed {
		l, ok := h.locTree.Named(name)
		if !ok {
			return phase.Done, errLocationNotFound
		}
		loc = l
	} else {
		match, ok := h.locTree.MatchURI(path)
		if !ok {
			return phase.Done, errLocationNotFound
		}
		loc = match.Location
	}

	binding, _ := loc.Data.(*upstreamBinding)
	if binding == nil {
		return phase.Done, errLocationNotFound
	}
	if binding.loc != nil && binding.loc.Internal && r.Depth == 0 {
		return phase.Done, errLocationNotFound
	}

	limit := maxBodySize(binding.loc)
	if limit > 0 && httpReq.ContentLength > limit {
		return phase.Done, errRequestTooLarge
	}

	r.SetVar(varBinding, binding)
	phase.MarkFindConfigRun(r)

	if binding.set != nil {
		phase.BindContentHandler(r, &proxyContentHandler{h: h, binding: binding})
	}
	return phase.OK, nil
}

func maxBodySize(loc *config.Location) int64 {
	if loc != nil && loc.ClientMaxBodySize > 0 {
		return loc.ClientMaxBodySize
	}
	return 0
}

// namedTarget reports whether path names a named location ("@name"),
// the form an X-Accel-Redirect target takes when it points at an
// internal-only location rather than a URI path.
func namedTarget(path string) (string, bool) {
	if len(path) > 0 && path[0] == '@' {
		return path[1:], true
	}
	return "", false
}

// checkAccess is ACCESS's module handler: it wraps the matched
// location's compiled allow/deny rules in a SatisfyAnyGroup or
// SatisfyAllGroup depending on config.Location.Satisfy, so the phase
// engine's generic and POST_ACCESS machinery govern denial the same
// way a second, cookie- or token-based AuthChecker would if one were
// registered alongside the IP rules.
func (h *proxyHandler) checkAccess(ctx context.Context, r *reqctx.Request) (phase.Code, error) {
	binding := bindingFromVar(r)
	if binding == nil || binding.ipChecker == nil {
		return phase.OK, nil
	}
	checkers := []phase.AuthChecker{binding.ipChecker}
	var group phase.Handler
	if binding.loc != nil && binding.loc.Satisfy == "any" {
		group = &phase.SatisfyAnyGroup{Checkers: checkers}
	} else {
		group = &phase.SatisfyAllGroup{Checkers: checkers}
	}
	return group.Handle(ctx, r)
}

// tryFiles is TRY_FILES' module handler: for a location configured
// with try_files candidates, it checks each candidate (with "$uri"
// substituted for the request path) for existence under the server's
// document root, serving the first one found; if none exist, the last
// candidate is treated as the fallback rewrite target (a path or a
// named location) and TRY_FILES asks the engine to jump back to
// FIND_CONFIG with r.URI rewritten to it.
func (h *proxyHandler) tryFiles(ctx context.Context, r *reqctx.Request) (phase.Code, error) {
	binding := bindingFromVar(r)
	if binding == nil || binding.loc == nil || len(binding.loc.TryFiles) == 0 || h.docRoot == "" {
		return phase.Declined, nil
	}

	reqv, _ := r.Var(varHTTPRequest)
	httpReq, _ := reqv.(*http.Request)
	candidates := binding.loc.TryFiles

	for _, raw := range candidates[:len(candidates)-1] {
		candidate := strings.ReplaceAll(raw, "$uri", httpReq.URL.Path)
		fsPath := h.docRoot + candidate
		if info, err := os.Stat(fsPath); err == nil && !info.IsDir() {
			phase.BindContentHandler(r, &staticFileContentHandler{path: fsPath})
			return phase.OK, nil
		}
	}

	fallback := candidates[len(candidates)-1]
	if fallback == r.URI {
		return phase.Declined, nil
	}
	r.URI = strings.ReplaceAll(fallback, "$uri", httpReq.URL.Path)
	httpReq.URL.Path, httpReq.URL.RawQuery = splitTarget(r.URI)
	return phase.RestartFindConfig, nil
}

// staticFileContentHandler serves a try_files-resolved file straight
// off disk, the CONTENT-phase counterpart of proxyContentHandler for
// locations with no proxy_pass target.
type staticFileContentHandler struct {
	path string
}

func (s *staticFileContentHandler) Handle(ctx context.Context, r *reqctx.Request) (phase.Code, error) {
	reqv, _ := r.Var(varHTTPRequest)
	httpReq, _ := reqv.(*http.Request)
	wv, _ := r.Var(varHTTPWriter)
	w, _ := wv.(http.ResponseWriter)

	f, err := os.Open(s.path)
	if err != nil {
		return phase.Done, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return phase.Done, err
	}
	http.ServeContent(w, httpReq, s.path, info.ModTime(), f)
	r.SetVar(varLogInfo, &logInfo{status: http.StatusOK, bytes: info.Size()})
	return phase.OK, nil
}

// logPhase is LOG's module handler: accesslog writing itself happens
// in proxyHandler.finish once Run returns, since that is the first
// point every phase (including ones that finalized early with an
// error) has been accounted for; logPhase exists so LOG is a real,
// populated phase rather than an empty one. The engine does not reach
// LOG for a request an earlier phase finalized (an ACCESS denial, for
// one); finish still writes the access-log record for it.
func (h *proxyHandler) logPhase(ctx context.Context, r *reqctx.Request) (phase.Code, error) {
	return phase.OK, nil
}

// proxyContentHandler is the exclusive CONTENT handler FIND_CONFIG
// binds for any location with a proxy_pass target: it performs the
// connect/send/receive sequence through binding.client and
// upstream.HTTPAdapter, streaming the response body through a
// pipe.Pipe into the request's subrequest.Node so slow clients never
// force the whole body into memory, and — when the response is
// cacheable — tees the same bytes into the response cache.
type proxyContentHandler struct {
	h       *proxyHandler
	binding *upstreamBinding
}

// maxCacheableBody bounds how much of a response body edgeproxy will
// buffer in order to populate the cache on a miss. Responses larger
// than this are still proxied to the client, just never cached.
const maxCacheableBody = 8 << 20

func (c *proxyContentHandler) Handle(ctx context.Context, r *reqctx.Request) (phase.Code, error) {
	h := c.h
	binding := c.binding

	reqv, _ := r.Var(varHTTPRequest)
	httpReq, _ := reqv.(*http.Request)
	wv, _ := r.Var(varHTTPWriter)
	w, _ := wv.(http.ResponseWriter)
	nodev, _ := r.Var(varSubrequestNode)
	node, _ := nodev.(*subrequest.Node)
	mgrv, _ := r.Var(varSubrequestMgr)
	mgr, _ := mgrv.(*subrequest.Manager)

	method := httpReq.Method
	path := httpReq.URL.Path
	cacheKey := method + " " + r.URI
	cacheable := h.cache != nil && method == http.MethodGet && binding.loc != nil && len(binding.loc.CacheValid) > 0

	if cacheable {
		hdr, f, cs := h.cache.Lookup(cacheKey, time.Now())
		metrics.IncCacheLookup(cs.String())
		if cs == cache.StatusHit {
			defer f.Close()
			if n, ok := h.serveCached(w, httpReq, f, hdr); ok {
				r.SetVar(varLogInfo, &logInfo{status: http.StatusOK, bytes: n, cacheStatus: cs.String()})
				return phase.OK, nil
			}
			// Fall through to a live fetch if the cached entry turned
			// out to be unparseable despite passing its checksum.
		}
	}

	status, written, addr, cacheStatus, err := h.proxyLive(ctx, r, httpReq, w, node, mgr, binding, method, path, cacheKey, cacheable)
	if err != nil {
		if errors.Is(err, errAccelRedirect) {
			r.SetVar(varLogInfo, &logInfo{status: status, addr: addr, cacheStatus: cacheStatus})
			return phase.OK, nil
		}
		return phase.Done, err
	}
	r.SetVar(varLogInfo, &logInfo{status: status, bytes: written, addr: addr, cacheStatus: cacheStatus})
	return phase.OK, nil
}

// proxyLive drives one upstream attempt (with status-based
// next_upstream failover layered on top of upstream.Client's own
// connection-failure failover) and streams the response downstream.
func (h *proxyHandler) proxyLive(ctx context.Context, r *reqctx.Request, req *http.Request, w http.ResponseWriter, node *subrequest.Node, mgr *subrequest.Manager, binding *upstreamBinding, method, path, cacheKey string, cacheable bool) (status int, written int64, addr string, cacheStatus string, err error) {
	cctx, cancel := context.WithTimeout(ctx, h.connectTO+h.readTO)
	defer cancel()

	adapter := &upstream.HTTPAdapter{}
	var resp *http.Response

	result, derr := binding.client.Do(cctx, binding.set, clientKey(req), func(conn net.Conn) error {
		outReq := req.Clone(cctx)
		outReq.RequestURI = ""
		outReq.URL.Path = path
		outReq.Method = method
		if err := adapter.CreateRequest(conn, outReq); err != nil {
			return err
		}
		br := bufio.NewReaderSize(conn, 64<<10)
		parsed, err := adapter.ProcessHeader(br, outReq)
		if err != nil {
			adapter.AbortRequest()
			return err
		}
		if upstream.StatusTriggersNextUpstream(binding.loc.NextUpstreamMask, parsed.StatusCode) {
			io.Copy(io.Discard, parsed.Body)
			parsed.Body.Close()
			return upstream.ErrNextUpstreamStatus
		}
		resp = parsed
		adapter.FinalizeRequest()
		return nil
	})
	if derr != nil {
		return http.StatusBadGateway, 0, "", "", derr
	}
	defer binding.client.Release(result.Peer, result.Conn)
	addr = result.Peer.Addr

	if target, intercepted := upstream.InterceptAccelRedirect(resp.Header); intercepted {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		phase.SetRedirectTarget(r, target)
		return resp.StatusCode, 0, addr, "", errAccelRedirect
	}

	upstream.CopyHeaders(w.Header(), resp.Header, binding.hideList)
	w.WriteHeader(resp.StatusCode)

	validFor, fillable := cacheValidFor(binding.loc, resp.StatusCode)
	fillCache := cacheable && fillable && !h.cache.IsScarce() && h.cache.BeginRefresh(cacheKey)
	if fillCache {
		defer h.cache.EndRefresh(cacheKey)
	}

	p := pipe.New(64<<10, maxCacheableBody, "")
	defer p.Close()

	go func() {
		_, cerr := adapter.ProcessBodyFilter(p, resp)
		if cerr != nil {
			p.Abort(cerr)
			return
		}
		p.CloseWrite()
	}()

	var cacheBuf *bytes.Buffer
	if fillCache {
		cacheBuf = &bytes.Buffer{}
	}

	buf := make([]byte, 32<<10)
	var copyErr error
	for {
		n, rerr := p.Read(buf)
		if n > 0 {
			node.Write(buf[:n])
			written += int64(n)
			if cacheBuf != nil {
				if cacheBuf.Len()+n <= maxCacheableBody {
					cacheBuf.Write(buf[:n])
				} else {
					cacheBuf = nil
				}
			}
			if _, derr := mgr.Drain(w); derr != nil {
				copyErr = derr
				break
			}
		}
		if rerr != nil {
			if rerr != io.EOF {
				copyErr = rerr
			}
			break
		}
	}
	if cacheBuf != nil && copyErr == nil {
		h.fillCache(cacheKey, resp, cacheBuf, validFor)
	}
	return resp.StatusCode, written, addr, "", copyErr
}

// serveCached parses a cached entry's stored status line and headers
// and copies them onto w, followed by the body. It reports false if
// the stored bytes can't be parsed as an HTTP response, so the caller
// can fall back to a live upstream fetch instead of serving garbage.
func (h *proxyHandler) serveCached(w http.ResponseWriter, req *http.Request, f *os.File, hdr *cache.FileHeader) (int64, bool) {
	if _, err := f.Seek(int64(hdr.HeaderStart), io.SeekStart); err != nil {
		return 0, false
	}
	resp, err := http.ReadResponse(bufio.NewReader(f), req)
	if err != nil {
		return 0, false
	}
	defer resp.Body.Close()
	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	n, _ := io.Copy(w, resp.Body)
	return n, true
}

func clientKey(req *http.Request) string {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}

// cacheValidFor reports the cache_valid duration configured for
// statusCode on loc, and whether any rule matched at all.
func cacheValidFor(loc *config.Location, statusCode int) (time.Duration, bool) {
	if loc == nil {
		return 0, false
	}
	for _, rule := range loc.CacheValid {
		for _, code := range rule.Codes {
			if code == statusCode {
				return rule.Duration, true
			}
		}
	}
	return 0, false
}

// fillCache writes the just-proxied response into the cache store,
// reconstructing the raw status-line-plus-headers block the way an
// upstream would have sent it so a later serveCached can parse it back
// with http.ReadResponse.
func (h *proxyHandler) fillCache(cacheKey string, resp *http.Response, body *bytes.Buffer, validFor time.Duration) {
	var headerBlob bytes.Buffer
	fmt.Fprintf(&headerBlob, "HTTP/1.1 %d %s\r\n", resp.StatusCode, http.StatusText(resp.StatusCode))
	resp.Header.Write(&headerBlob)
	headerBlob.WriteString("\r\n")

	now := time.Now()
	lastModified := now
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			lastModified = t
		}
	}

	entry := &cache.Entry{
		KeyHash:      cache.Fingerprint(cacheKey),
		LiteralKey:   cacheKey,
		ValidUntil:   now.Add(validFor),
		LastModified: lastModified,
		Date:         now,
		ETag:         resp.Header.Get("ETag"),
		Headers:      headerBlob.Bytes(),
		Body:         bytes.NewReader(body.Bytes()),
	}
	if err := h.cache.Store(entry); err != nil {
		log.Printf("edgeproxyd: cache store %q: %v", cacheKey, err)
	}
}

func (h *proxyHandler) logAccess(r *reqctx.Request, status int, bytesSent int64, upstreamAddr, cacheStatus string, start time.Time) {
	h.access.Log(accesslog.Record{
		Time:         start,
		Method:       r.Method,
		URI:          r.URI,
		Status:       status,
		BytesSent:    bytesSent,
		UpstreamAddr: upstreamAddr,
		CacheStatus:  cacheStatus,
		Latency:      time.Since(start),
	})
}
