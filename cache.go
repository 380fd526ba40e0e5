package fetch

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httputil"
	"strings"
	"sync"
	"time"
)

// A Cache interface is used to store bytes.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, timeout time.Duration) error
	Del(ctx context.Context, key string) error
}

// memoryCache is an in-process Cache backed by a guarded map. There's no
// domain library in reach for this (the teacher leaned on ski.Cache, which
// isn't part of this module's dependency set), so NewCache stays on the
// standard library: a map plus a mutex is all a process-local cache needs.
type memoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryCacheEntry
}

type memoryCacheEntry struct {
	value   []byte
	expires time.Time // zero means no expiry
}

// NewCache returns a process-local Cache with no persistence across runs.
// Suitable as the default backing store when a CachePolicy is set without
// an explicit Options.Cache, and for templates exercising DefaultTemplateFuncMap.
func NewCache() Cache {
	return &memoryCache{entries: make(map[string]memoryCacheEntry)}
}

func (m *memoryCache) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[key]
	if !ok {
		return nil, errCacheMiss
	}
	if !entry.expires.IsZero() && time.Now().After(entry.expires) {
		delete(m.entries, key)
		return nil, errCacheMiss
	}
	return entry.value, nil
}

func (m *memoryCache) Set(_ context.Context, key string, value []byte, timeout time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var expires time.Time
	if timeout > 0 {
		expires = time.Now().Add(timeout)
	}
	m.entries[key] = memoryCacheEntry{value: value, expires: expires}
	return nil
}

func (m *memoryCache) Del(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

var errCacheMiss = errors.New("h2flow: cache miss")

// Policy selects how CacheTransport decides whether a cached response may
// be reused, grounded on geziyor's HTTPCacheMiddleware
// (https://github.com/geziyor/geziyor): RFC2616 honors Cache-Control the
// way a production crawl would, Dummy ignores it entirely for replaying a
// run offline.
type Policy string

const (
	// Dummy caches every GET/HEAD (without a Range header) response and
	// replays it verbatim on a repeat request, with no awareness of
	// Cache-Control; other requests are never cached.
	Dummy Policy = "dummy"

	// RFC2616 honors Cache-Control/Vary/validators so unmodified responses
	// aren't re-fetched across runs.
	RFC2616 Policy = "rfc2616"

	// XFromCache marks responses served out of the cache instead of the
	// network, when CacheTransport.MarkCachedResponses is set.
	XFromCache = "X-From-Cache"
)

// freshness classifies a cached response against the current request.
type freshness int

const (
	staleFreshness freshness = iota
	freshFreshness
	transparentFreshness
)

// CacheTransport is an http.RoundTripper that serves responses from Cache
// where the Policy allows it, falling back to Transport (http.DefaultTransport
// if nil) on a miss or a stale entry.
type CacheTransport struct {
	Policy Policy
	// Transport is the underlying RoundTripper. If nil, http.DefaultTransport is used.
	Transport http.RoundTripper
	Cache     Cache
	// MarkCachedResponses, if true, adds the XFromCache header to cache hits.
	MarkCachedResponses bool
}

// NewCacheTransport returns a CacheTransport using the RFC2616 policy with
// MarkCachedResponses enabled.
func NewCacheTransport(c Cache) *CacheTransport {
	return &CacheTransport{Policy: RFC2616, Cache: c, MarkCachedResponses: true}
}

// RoundTrip dispatches to RoundTripDummy or RoundTripRFC2616 depending on t.Policy.
func (t *CacheTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.Policy == Dummy {
		return t.RoundTripDummy(req)
	}
	return t.RoundTripRFC2616(req)
}

func (t *CacheTransport) transport() http.RoundTripper {
	if t.Transport != nil {
		return t.Transport
	}
	return http.DefaultTransport
}

// cacheableRequest reports whether req is eligible to read or write cache
// entries: only GET/HEAD without a Range header participate.
func cacheableRequest(req *http.Request) bool {
	return (req.Method == http.MethodGet || req.Method == http.MethodHead) && req.Header.Get("range") == ""
}

// lookupCached fetches the cached response for req if req is cacheable,
// invalidating the entry instead when the request isn't.
func (t *CacheTransport) lookupCached(req *http.Request, key string) (*http.Response, bool) {
	if !cacheableRequest(req) {
		_ = t.Cache.Del(req.Context(), key)
		return nil, false
	}
	cached, err := cachedResponse(t.Cache, req)
	return cached, err == nil && cached != nil
}

// RoundTripDummy replays a cached request/response pair verbatim on a
// repeat request, ignoring Cache-Control.
func (t *CacheTransport) RoundTripDummy(req *http.Request) (*http.Response, error) {
	key := cacheKey(req)
	cached, hit := t.lookupCached(req, key)
	if hit {
		if t.MarkCachedResponses {
			cached.Header.Set(XFromCache, "1")
		}
		return cached, nil
	}

	resp, err := t.transport().RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if cacheableRequest(req) {
		if dump, derr := httputil.DumpResponse(resp, true); derr == nil {
			_ = t.Cache.Set(req.Context(), key, dump, 0)
		}
	} else {
		_ = t.Cache.Del(req.Context(), key)
	}
	return resp, nil
}

// RoundTripRFC2616 serves from Cache only when the entry is still fresh per
// Cache-Control, revalidates a stale entry with conditional request headers
// (etag/last-modified), and otherwise falls through to the network.
//
//nolint:funlen,gocognit,cyclop
func (t *CacheTransport) RoundTripRFC2616(req *http.Request) (resp *http.Response, err error) {
	key := cacheKey(req)
	cached, hit := t.lookupCached(req, key)
	transport := t.transport()

	if !hit {
		if _, onlyIfCached := parseCacheControl(req.Header)["only-if-cached"]; onlyIfCached {
			return newGatewayTimeoutResponse(req), nil
		}
		resp, err = transport.RoundTrip(req)
		if err != nil {
			return nil, err
		}
		return t.store(req, resp, key)
	}

	if t.MarkCachedResponses {
		cached.Header.Set(XFromCache, "1")
	}
	if !varyMatches(cached, req) {
		return t.store(req, mustRoundTrip(transport, req), key)
	}

	switch getFreshness(cached.Header, req.Header) {
	case freshFreshness:
		return cached, nil
	case staleFreshness:
		req = withValidators(req, cached.Header)
	}

	resp, err = transport.RoundTrip(req)
	switch {
	case err == nil && req.Method == http.MethodGet && resp.StatusCode == http.StatusNotModified:
		for _, header := range getEndToEndHeaders(resp.Header) {
			cached.Header[header] = resp.Header[header]
		}
		if cerr := resp.Body.Close(); cerr != nil {
			return nil, cerr
		}
		return cached, nil
	case (err != nil || (resp != nil && resp.StatusCode >= 500)) &&
		req.Method == http.MethodGet && canStaleOnError(cached.Header, req.Header):
		if resp != nil && resp.Body != nil {
			if cerr := resp.Body.Close(); cerr != nil {
				return nil, cerr
			}
		}
		return cached, nil
	default:
		if err != nil {
			_ = t.Cache.Del(req.Context(), key)
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			_ = t.Cache.Del(req.Context(), key)
		}
		return t.store(req, resp, key)
	}
}

// withValidators adds if-none-match/if-modified-since to a clone of req from
// the cached entry's etag/last-modified, when the caller hasn't already set them.
func withValidators(req *http.Request, cachedHeader http.Header) *http.Request {
	var clone *http.Request
	if etag := cachedHeader.Get("etag"); etag != "" && req.Header.Get("etag") == "" {
		clone = cloneRequest(req)
		clone.Header.Set("if-none-match", etag)
	}
	if lastModified := cachedHeader.Get("last-modified"); lastModified != "" && req.Header.Get("last-modified") == "" {
		if clone == nil {
			clone = cloneRequest(req)
		}
		clone.Header.Set("if-modified-since", lastModified)
	}
	if clone != nil {
		return clone
	}
	return req
}

func mustRoundTrip(transport http.RoundTripper, req *http.Request) *http.Response {
	resp, err := transport.RoundTrip(req)
	if err != nil {
		return nil
	}
	return resp
}

// store records resp in the cache when its Cache-Control permits it, delaying
// the write on a GET until the body has been fully read.
func (t *CacheTransport) store(req *http.Request, resp *http.Response, key string) (*http.Response, error) {
	if resp == nil {
		return nil, errCacheMiss
	}
	if !cacheableRequest(req) || !canStore(parseCacheControl(req.Header), parseCacheControl(resp.Header)) {
		_ = t.Cache.Del(req.Context(), key)
		return resp, nil
	}

	for _, varyKey := range headerAllCommaSepValues(resp.Header, "vary") {
		varyKey = http.CanonicalHeaderKey(varyKey)
		if reqValue := req.Header.Get(varyKey); reqValue != "" {
			resp.Header.Set("X-Varied-"+varyKey, reqValue)
		}
	}

	if req.Method == http.MethodGet {
		resp.Body = &cachingReadCloser{
			R: resp.Body,
			OnEOF: func(r io.Reader) {
				snapshot := *resp
				snapshot.Body = io.NopCloser(r)
				if dump, err := httputil.DumpResponse(&snapshot, true); err == nil {
					_ = t.Cache.Set(req.Context(), key, dump, 0)
				}
			},
		}
		return resp, nil
	}

	if dump, err := httputil.DumpResponse(resp, true); err == nil {
		_ = t.Cache.Set(req.Context(), key, dump, 0)
	}
	return resp, nil
}

// cacheKey returns the cache key for req.
func cacheKey(req *http.Request) string {
	if req.Method == http.MethodGet {
		return req.URL.String()
	}
	return req.Method + " " + req.URL.String()
}

// cachedResponse returns the cached http.Response for req if present.
func cachedResponse(c Cache, req *http.Request) (*http.Response, error) {
	cachedVal, err := c.Get(req.Context(), cacheKey(req))
	if err != nil {
		return nil, err
	}
	return http.ReadResponse(bufio.NewReader(bytes.NewBuffer(cachedVal)), req)
}

// varyMatches reports whether all headers listed in cachedResp's Vary
// still match req.
func varyMatches(cachedResp *http.Response, req *http.Request) bool {
	for _, header := range headerAllCommaSepValues(cachedResp.Header, "vary") {
		header = http.CanonicalHeaderKey(header)
		if header != "" && req.Header.Get(header) != cachedResp.Header.Get("X-Varied-"+header) {
			return false
		}
	}
	return true
}

// ErrNoDateHeader indicates that the HTTP headers contained no Date header.
var ErrNoDateHeader = errors.New("no Date header")

func parserDate(respHeaders http.Header) (time.Time, error) {
	dateHeader := respHeaders.Get("date")
	if dateHeader == "" {
		return time.Time{}, ErrNoDateHeader
	}
	return time.Parse(time.RFC1123, dateHeader)
}

type timer interface {
	since(d time.Time) time.Duration
}

type realClock struct{}

func (realClock) since(d time.Time) time.Duration { return time.Since(d) }

var clock timer = realClock{}

// getFreshness classifies the cached response's age against the
// Cache-Control directives of both request and response. Because this is
// only a private, in-process cache, 'public'/'private' aren't significant.
func getFreshness(respHeaders, reqHeaders http.Header) freshness {
	respCC := parseCacheControl(respHeaders)
	reqCC := parseCacheControl(reqHeaders)

	if _, ok := reqCC["no-cache"]; ok {
		return transparentFreshness
	}
	if _, ok := respCC["no-cache"]; ok {
		return staleFreshness
	}
	if _, ok := reqCC["only-if-cached"]; ok {
		return freshFreshness
	}

	date, err := parserDate(respHeaders)
	if err != nil {
		return staleFreshness
	}
	currentAge := clock.since(date)

	var lifetime time.Duration
	if maxAge, ok := respCC["max-age"]; ok {
		lifetime = parseSeconds(maxAge)
	} else if expiresHeader := respHeaders.Get("Expires"); expiresHeader != "" {
		if expires, perr := time.Parse(time.RFC1123, expiresHeader); perr == nil {
			lifetime = expires.Sub(date)
		}
	}

	if maxAge, ok := reqCC["max-age"]; ok {
		// the client is willing to accept a response no older than this
		lifetime = parseSeconds(maxAge)
	}
	if minFresh, ok := reqCC["min-fresh"]; ok {
		currentAge += parseSeconds(minFresh)
	}
	if maxStale, ok := reqCC["max-stale"]; ok {
		if maxStale == "" {
			// any staleness is acceptable
			return freshFreshness
		}
		currentAge -= parseSeconds(maxStale)
	}

	if lifetime > currentAge {
		return freshFreshness
	}
	return staleFreshness
}

func parseSeconds(s string) time.Duration {
	d, err := time.ParseDuration(s + "s")
	if err != nil {
		return 0
	}
	return d
}

// canStaleOnError reports whether the stale-if-error extension
// (https://tools.ietf.org/html/rfc5861) permits serving the cached entry
// instead of a network error or 5xx.
func canStaleOnError(respHeaders, reqHeaders http.Header) bool {
	for _, cc := range []cacheControl{parseCacheControl(respHeaders), parseCacheControl(reqHeaders)} {
		staleMaxAge, ok := cc["stale-if-error"]
		if !ok {
			continue
		}
		if staleMaxAge == "" {
			return true
		}
		lifetime := parseSeconds(staleMaxAge)
		date, err := parserDate(respHeaders)
		if err != nil {
			return false
		}
		return lifetime > clock.since(date)
	}
	return false
}

var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailers":            {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// getEndToEndHeaders returns the response header names that survive a
// 304 Not Modified revalidation (everything not hop-by-hop).
func getEndToEndHeaders(respHeaders http.Header) []string {
	extra := make(map[string]struct{}, len(hopByHopHeaders))
	for k, v := range hopByHopHeaders {
		extra[k] = v
	}
	for _, h := range strings.Split(respHeaders.Get("connection"), ",") {
		if h = strings.TrimSpace(h); h != "" {
			extra[http.CanonicalHeaderKey(h)] = struct{}{}
		}
	}
	var endToEnd []string
	for respHeader := range respHeaders {
		if _, ok := extra[respHeader]; !ok {
			endToEnd = append(endToEnd, respHeader)
		}
	}
	return endToEnd
}

func canStore(reqCC, respCC cacheControl) bool {
	_, respNoStore := respCC["no-store"]
	_, reqNoStore := reqCC["no-store"]
	return !respNoStore && !reqNoStore
}

func newGatewayTimeoutResponse(req *http.Request) *http.Response {
	resp, err := http.ReadResponse(bufio.NewReader(strings.NewReader("HTTP/1.1 504 Gateway Timeout\r\n\r\n")), req)
	if err != nil {
		panic(err)
	}
	return resp
}

// cloneRequest returns a shallow copy of r with a deep-copied Header.
func cloneRequest(r *http.Request) *http.Request {
	r2 := new(http.Request)
	*r2 = *r
	r2.Header = make(http.Header, len(r.Header))
	for k, v := range r.Header {
		r2.Header[k] = v
	}
	return r2
}

type cacheControl map[string]string

func parseCacheControl(headers http.Header) cacheControl {
	cc := cacheControl{}
	for _, part := range strings.Split(headers.Get("Cache-Control"), ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if k, v, ok := strings.Cut(part, "="); ok {
			cc[strings.TrimSpace(k)] = strings.Trim(v, " ,")
		} else {
			cc[part] = ""
		}
	}
	return cc
}

// headerAllCommaSepValues returns every comma-separated value (whitespace
// trimmed) across all occurrences of header name in headers.
func headerAllCommaSepValues(headers http.Header, name string) []string {
	var vals []string
	for _, val := range headers[http.CanonicalHeaderKey(name)] {
		for _, f := range strings.Split(val, ",") {
			vals = append(vals, strings.TrimSpace(f))
		}
	}
	return vals
}

// cachingReadCloser wraps a ReadCloser and invokes OnEOF with a full copy
// of everything read once the underlying reader reaches EOF.
type cachingReadCloser struct {
	R     io.ReadCloser
	OnEOF func(io.Reader)
	buf   bytes.Buffer
}

func (r *cachingReadCloser) Read(p []byte) (int, error) {
	n, err := r.R.Read(p)
	r.buf.Write(p[:n])
	if errors.Is(err, io.EOF) {
		r.OnEOF(bytes.NewReader(r.buf.Bytes()))
	}
	return n, err
}

func (r *cachingReadCloser) Close() error { return r.R.Close() }
