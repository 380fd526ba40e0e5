package http2

import (
	"context"
	"fmt"
	"net"

	utls "github.com/refraction-networking/utls"
)

// ClientOptions configures a Client's dialing and pipeline behavior.
// Grounded on the teacher's Transport/Options split (fetch/http2/patch.go)
// — TLSConfig and ClientHelloID play the role of the teacher's
// TLSClientConfig and GetTlsClientHelloSpec.
type ClientOptions struct {
	Settings Settings

	// TLSConfig is used for TLS connections. If nil, a minimal default
	// (ALPN "h2") is used.
	TLSConfig *utls.Config

	// ClientHelloID selects the uTLS fingerprint presented during the
	// handshake (spec.md §9: TLS is an ambient transport concern, not a
	// core-engine one, so it's a pass-through option here). Zero value
	// uses utls.HelloGolang.
	ClientHelloID utls.ClientHelloID

	// DialContext dials the plain TCP connection before any TLS is
	// layered on top. Defaults to (&net.Dialer{}).DialContext.
	DialContext func(ctx context.Context, network, addr string) (net.Conn, error)
}

// Client is the client-facing half of the HTTP/2 request/response
// engine: it dials one connection per call to Do (spec.md's connection
// pooling is explicitly out of scope, §1 Non-goals) and drives the
// Client Stream Handler for each request.
type Client struct {
	opts       ClientOptions
	dispatcher Dispatcher
}

// NewClient returns a Client configured with opts.
func NewClient(opts ClientOptions) *Client {
	return &Client{
		opts:       opts,
		dispatcher: Dispatcher{ChunkSize: opts.Settings.ChunkSize, Logger: opts.Settings.withDefaults().Logger},
	}
}

// Do dials addr (host:port), performs the HTTP/2 handshake, issues req,
// and returns once the response HEADERS arrive — the body streams in
// lazily through the returned Response's Body (spec.md §4.4).
func (c *Client) Do(ctx context.Context, addr string, useTLS bool, req *Request) (*Response, error) {
	conn, err := c.dial(ctx, addr, useTLS)
	if err != nil {
		return nil, fmt.Errorf("http2: dial %s: %w", addr, err)
	}
	pipeline, err := Dial(conn, useTLS, c.opts.Settings)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return roundTrip(ctx, pipeline, &c.dispatcher, req)
}

func (c *Client) dial(ctx context.Context, addr string, useTLS bool) (net.Conn, error) {
	dialFn := c.opts.DialContext
	if dialFn == nil {
		dialFn = (&net.Dialer{}).DialContext
	}
	conn, err := dialFn(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if !useTLS {
		return conn, nil
	}

	cfg := c.opts.TLSConfig
	if cfg == nil {
		cfg = &utls.Config{NextProtos: []string{NextProtoTLS}}
	}
	helloID := c.opts.ClientHelloID
	if helloID == (utls.ClientHelloID{}) {
		helloID = utls.HelloGolang
	}
	tlsConn := utls.UClient(conn, cfg, helloID)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return tlsConn, nil
}
