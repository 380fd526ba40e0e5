package http2

import (
	"context"
	"fmt"
)

// serveRequest is the Server Stream Handler of spec.md §4.5: assemble
// the request (already decoded by the caller), dispatch it to the
// configured Handler — on the Executor if one is set, inline otherwise —
// and route the resulting Response back through the Body Dispatcher.
// Grounded on the other_examples dgrr-http2 server.go request/response
// dispatch split, adapted to this engine's Handler/Executor shape.
func serveRequest(ctx context.Context, conn *Conn, sc *StreamChannel, req *Request) {
	handler := conn.settings.Handler
	if handler == nil {
		respond(ctx, conn, sc, req, conn.settings.ErrorHandler(errNoHandler))
		return
	}

	run := func() {
		res, err := invokeHandler(ctx, handler, req)
		if err != nil {
			res = conn.settings.ErrorHandler(err)
		}
		respond(ctx, conn, sc, req, res)
	}

	if conn.settings.Executor != nil {
		if !conn.settings.Executor.Submit(run) {
			// Saturated: synthesize a 503 rather than blocking the event
			// loop (spec.md §4.5 item 2).
			respond(ctx, conn, sc, req, &Response{
				Status: 503,
				Header: map[string][]string{"content-type": {"text/plain"}},
				Body:   StringBody("service unavailable"),
			})
		}
		return
	}

	// No executor configured: run inline, as spec.md §5 explicitly
	// allows (though discourages for anything but trivial handlers).
	run()
}

var errNoHandler = &ConnectionException{Code: ErrCodeInternal}

func invokeHandler(ctx context.Context, h Handler, req *Request) (res *Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &StreamException{Code: ErrCodeInternal, Cause: fmt.Errorf("panic: %v", r)}
		}
	}()
	return h(ctx, req)
}

func respond(ctx context.Context, conn *Conn, sc *StreamChannel, req *Request, res *Response) {
	if !sc.Writable() {
		// The peer reset the stream, or a GOAWAY already excluded it, while
		// the handler was running: drop the response silently rather than
		// racing another RST_STREAM onto a stream that's already closed
		// (spec.md §4.5 item 3).
		return
	}
	isHead := req != nil && req.Method == "head"
	if err := conn.dispatcher.SendResponse(ctx, sc, res, isHead); err != nil {
		_ = sc.abort(ErrCodeInternal, err)
	}
}
