package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync/atomic"
)

// Selector picks a proxy URL for the next outbound request. It's stashed on
// a request's context by WithRoundRobinProxy (or a custom With* helper built
// the same way) and read back by ProxyFromRequest inside h2Transport's
// DialContext.
type Selector interface {
	Next() (*url.URL, error)
}

// roundRobinProxy is a Selector cycling through a fixed list of proxy URLs.
// Grounded on the teacher's proxy.go, which only ever had this one strategy;
// splitting out Selector leaves room for others (weighted, latency-aware)
// without touching the context plumbing below.
type roundRobinProxy struct {
	proxyURLs []*url.URL
	index     uint32
}

func (r *roundRobinProxy) Next() (*url.URL, error) {
	index := atomic.AddUint32(&r.index, 1) - 1
	return r.proxyURLs[index%uint32(len(r.proxyURLs))], nil
}

// newRoundRobinProxy builds a roundRobinProxy Selector from raw proxy URLs.
// The URL scheme is not consulted: every proxy is reached by a plain TCP
// dial to the URL's Host followed by an HTTP CONNECT request, so neither
// SOCKS5 nor a TLS connection to the proxy itself is supported.
func newRoundRobinProxy(proxyURLs ...string) *roundRobinProxy {
	if len(proxyURLs) == 0 {
		return nil
	}
	parsed := make([]*url.URL, len(proxyURLs))
	for i, pu := range proxyURLs {
		u, err := url.Parse(pu)
		if err != nil {
			slog.Error(fmt.Sprintf("proxy url %s error", pu), "error", err)
		}
		parsed[i] = u
	}
	return &roundRobinProxy{proxyURLs: parsed}
}

var requestProxyKey byte

// WithRoundRobinProxy returns a copy of ctx carrying a round-robin Selector
// over proxy. A nil/empty proxy list returns ctx unchanged.
func WithRoundRobinProxy(ctx context.Context, proxy ...string) context.Context {
	if len(proxy) == 0 {
		return ctx
	}
	return WithProxySelector(ctx, newRoundRobinProxy(proxy...))
}

// WithProxySelector returns a copy of ctx carrying the given Selector, for
// callers that want a strategy other than round-robin.
func WithProxySelector(ctx context.Context, sel Selector) context.Context {
	return context.WithValue(ctx, &requestProxyKey, sel)
}

// ProxyFromRequest returns the proxy URL selected for req, or nil if no
// Selector was attached to its context.
func ProxyFromRequest(req *http.Request) (*url.URL, error) {
	return proxyFromContext(req.Context())
}

// proxyFromContext returns the proxy URL selected by the Selector stashed
// on ctx by WithProxySelector/WithRoundRobinProxy.
func proxyFromContext(ctx context.Context) (*url.URL, error) {
	if sel, ok := ctx.Value(&requestProxyKey).(Selector); ok && sel != nil {
		return sel.Next()
	}
	return nil, nil
}
