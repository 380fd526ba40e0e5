package http2

import (
	"context"
	"log/slog"
)

// Handler dispatches an assembled inbound Request to user code and
// returns the Response to send back (spec.md §4.5).
type Handler func(ctx context.Context, req *Request) (*Response, error)

// Executor submits work to a bounded worker pool. Submit returns false
// when the pool is saturated, matching spec.md §4.5 item 2's
// "executor rejects (saturation)" case.
type Executor interface {
	Submit(func()) bool
}

// ErrorHandler turns a Handler error (or a mid-stream exception) into a
// Response to send instead, defaulting to a generic 500 (spec.md §6).
type ErrorHandler func(err error) *Response

// PipelineTransform is an optional hook applied to every opened stream
// before its Stream Handler takes over, for installing extra per-stream
// behavior (spec.md §6 "pipeline-transform").
type PipelineTransform func(sc *StreamChannel)

// Settings configures a Connection Pipeline. Field names mirror
// spec.md §6's inbound configuration options; struct tags make it
// loadable via gopkg.in/yaml.v3 the way the teacher's fetch.Options is.
type Settings struct {
	// ChunkSize is the Body Dispatcher's DATA payload size. Defaults to
	// DefaultChunkSize.
	ChunkSize int64 `yaml:"chunk_size"`

	// RequestBufferSize bounds each stream's inbound body source, in
	// bytes. Defaults to DefaultRequestBufferSize.
	RequestBufferSize int `yaml:"request_buffer_size"`

	// IdleTimeoutMS closes the connection after this many milliseconds
	// without an inbound frame, whether or not streams are open. 0
	// disables the idle timer.
	IdleTimeoutMS int `yaml:"idle_timeout_ms"`

	// RawStream is recorded on every StreamChannel. It does not change
	// how inbound DATA is delivered: payloads are always copied into the
	// stream's bodySource queue, with or without it.
	RawStream bool `yaml:"raw_stream"`

	// HTTP2Settings overrides the SETTINGS frame sent at connection
	// start. Nil uses package defaults.
	HTTP2Settings []Setting `yaml:"-"`

	// Executor, if set, runs Handler invocations off the connection's
	// event-loop goroutine (spec.md §4.5, §5).
	Executor Executor `yaml:"-"`

	// Handler processes assembled server-side requests. Required for a
	// server-side Connection Pipeline; unused on the client side.
	Handler Handler `yaml:"-"`

	// ErrorHandler converts a Handler error into a Response. Defaults to
	// a handler that synthesizes a generic 500.
	ErrorHandler ErrorHandler `yaml:"-"`

	// PipelineTransform, if set, is invoked once per newly opened
	// stream before frames are dispatched to it.
	PipelineTransform PipelineTransform `yaml:"-"`

	// StreamGoAwayHandler is invoked when a single stream is reset
	// (spec.md §6 "reset-stream-handler").
	StreamGoAwayHandler func(sc *StreamChannel, code ErrCode) `yaml:"-"`

	// ConnGoAwayHandler is invoked when a connection-wide GOAWAY is sent
	// or received (spec.md §6 "conn-go-away-handler").
	ConnGoAwayHandler func(code ErrCode, hint ShutdownHint) `yaml:"-"`

	// Logger receives structured connection/stream lifecycle events.
	// Defaults to slog.Default().
	Logger *slog.Logger `yaml:"-"`
}

// withDefaults returns a copy of s with every zero-value field filled in
// from the package defaults (spec.md §6).
func (s Settings) withDefaults() Settings {
	if s.ChunkSize <= 0 {
		s.ChunkSize = DefaultChunkSize
	}
	if s.RequestBufferSize <= 0 {
		s.RequestBufferSize = DefaultRequestBufferSize
	}
	if s.ErrorHandler == nil {
		s.ErrorHandler = defaultErrorHandler
	}
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	return s
}

// defaultErrorHandler synthesizes a generic 500 response, matching
// spec.md §4.5 item 2's default behavior.
func defaultErrorHandler(err error) *Response {
	return &Response{
		Status: 500,
		Header: map[string][]string{"content-type": {"text/plain"}},
		Body:   StringBody("internal server error"),
	}
}
