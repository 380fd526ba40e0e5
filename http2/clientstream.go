package http2

import "context"

// clientExt is the Client Stream Handler's extra state on a
// StreamChannel: a promise fulfilled from the stream's first inbound
// HEADERS frame (spec.md §4.4), grounded on the teacher's clientStream
// (respHeaderRecv/resc) generalized into the shared Promise primitive.
type clientExt struct {
	resp *Promise[*Response]
}

func (sc *StreamChannel) deliverResponse(res *Response, err error) {
	if sc.client == nil {
		return
	}
	if err != nil {
		sc.client.resp.Reject(err)
		return
	}
	// The body, if any, streams in via subsequent DATA frames; expose it
	// as a ChunkedBody wrapping the stream's inbound source so callers
	// read it the same way an outbound chunked body would be written
	// (spec.md §3's ResponseMap Body field, re-used for the inbound
	// direction rather than inventing a second body type).
	res.Body = ChunkedBody{Reader: sc.in, Length: -1}
	sc.client.resp.Resolve(res)
}

// roundTrip implements the Client Stream Handler (spec.md §4.4): open a
// stream, send the request, and wait for the response promise to settle
// or ctx to be cancelled.
func roundTrip(ctx context.Context, conn *Conn, dispatcher *Dispatcher, req *Request) (*Response, error) {
	sc, err := conn.OpenStream()
	if err != nil {
		return nil, err
	}
	sc.client = &clientExt{resp: NewPromise[*Response]()}

	go func() {
		if err := dispatcher.SendRequest(ctx, sc, req); err != nil {
			sc.client.resp.Reject(err)
		}
	}()

	type result struct {
		res *Response
		err error
	}
	done := make(chan result, 1)
	go func() {
		res, err := sc.client.resp.Wait()
		done <- result{res, err}
	}()

	select {
	case r := <-done:
		return r.res, r.err
	case <-ctx.Done():
		sc.Close()
		return nil, ctx.Err()
	}
}
