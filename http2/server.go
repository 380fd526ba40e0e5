package http2

import (
	"crypto/tls"
	"log/slog"
	"net"
)

// Server accepts HTTP/2 connections (over TLS or prior-knowledge cleartext)
// and runs a Connection Pipeline per connection. Grounded on the
// other_examples dgrr-http2 server.go's listener/accept-loop split, kept
// minimal since connection pooling and HTTP/1.1 upgrade are Non-goals
// (spec.md §1).
type Server struct {
	Settings Settings

	// TLSConfig, if set, is used to wrap accepted connections in TLS with
	// ALPN negotiation restricted to "h2". If nil, Serve treats every
	// accepted connection as HTTP/2 prior-knowledge cleartext.
	TLSConfig *tls.Config
}

// Serve accepts connections from ln until it returns an error (including
// when ln is closed), running one Connection Pipeline per accepted
// connection.
func (s *Server) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	isTLS := s.TLSConfig != nil
	if isTLS {
		cfg := s.TLSConfig.Clone()
		cfg.NextProtos = []string{NextProtoTLS}
		tlsConn := tls.Server(conn, cfg)
		if err := tlsConn.Handshake(); err != nil {
			s.logger().Warn("http2: TLS handshake failed", "error", err)
			conn.Close()
			return
		}
		if tlsConn.ConnectionState().NegotiatedProtocol != NextProtoTLS {
			s.logger().Warn("http2: peer did not negotiate h2")
			tlsConn.Close()
			return
		}
		conn = tlsConn
	}

	if _, err := Accept(conn, isTLS, s.Settings); err != nil {
		s.logger().Warn("http2: rejecting connection", "error", err)
		conn.Close()
	}
}

func (s *Server) logger() *slog.Logger {
	return s.Settings.withDefaults().Logger
}
