package http2

import (
	"context"
	"io"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	xhttp2 "golang.org/x/net/http2"
)

// goExecutor runs every submitted handler on its own goroutine, the
// minimal Executor a Handler that reads its request body needs: reading
// req.Body blocks on DATA frames the event loop itself would otherwise
// be stuck delivering (spec.md §5's inline-handler caveat).
type goExecutor struct{}

func (goExecutor) Submit(fn func()) bool {
	go fn()
	return true
}

// dialPair wires a client and server Connection Pipeline together over an
// in-memory net.Pipe, the same shape as dgrr-http2's in-process tests
// retrieved alongside the teacher. isTLS only affects frameSink.isTLS()
// bookkeeping (FileRegionBody rejection); no real TLS is performed.
func dialPair(t *testing.T, isTLS bool, serverSettings Settings) (client *Conn, server *Conn) {
	t.Helper()
	c1, c2 := net.Pipe()

	type result struct {
		conn *Conn
		err  error
	}
	serverCh := make(chan result, 1)
	go func() {
		conn, err := Accept(c2, isTLS, serverSettings)
		serverCh <- result{conn, err}
	}()

	clientConn, err := Dial(c1, isTLS, Settings{})
	require.NoError(t, err)

	res := <-serverCh
	require.NoError(t, res.err)

	t.Cleanup(func() {
		clientConn.Shutdown(ErrCodeNo)
		res.conn.Shutdown(ErrCodeNo)
	})
	return clientConn, res.conn
}

func TestGetWithNoBody(t *testing.T) {
	t.Parallel()
	client, _ := dialPair(t, false, Settings{
		Handler: func(ctx context.Context, req *Request) (*Response, error) {
			assert.Equal(t, "get", req.Method)
			assert.Equal(t, "/", req.Path)
			return &Response{Status: 200}, nil
		},
	})

	dispatcher := &Dispatcher{}
	res, err := roundTrip(context.Background(), client, dispatcher, &Request{
		Method:    "GET",
		Scheme:    "https",
		Authority: "h.example:443",
		Path:      "/",
	})
	require.NoError(t, err)
	assert.Equal(t, 200, res.Status)

	body, err := io.ReadAll(res.Body.(ChunkedBody).Reader)
	require.NoError(t, err)
	assert.Empty(t, body)
}

func TestPostContiguousBody(t *testing.T) {
	t.Parallel()
	received := make(chan string, 1)
	client, _ := dialPair(t, false, Settings{
		Executor: goExecutor{},
		Handler: func(ctx context.Context, req *Request) (*Response, error) {
			assert.Equal(t, []string{"5"}, req.Header["content-length"])
			b, _ := io.ReadAll(req.Body.(ChunkedBody).Reader)
			received <- string(b)
			return &Response{Status: 200}, nil
		},
	})

	dispatcher := &Dispatcher{}
	res, err := roundTrip(context.Background(), client, dispatcher, &Request{
		Method:    "POST",
		Scheme:    "https",
		Authority: "h.example:443",
		Path:      "/",
		Body:      StringBody("hello"),
	})
	require.NoError(t, err)
	assert.Equal(t, 200, res.Status)

	select {
	case b := <-received:
		assert.Equal(t, "hello", b)
	case <-time.After(2 * time.Second):
		t.Fatal("server never received body")
	}
}

func TestHeadResponseSuppressesBody(t *testing.T) {
	t.Parallel()
	client, _ := dialPair(t, false, Settings{
		Handler: func(ctx context.Context, req *Request) (*Response, error) {
			return &Response{
				Status: 200,
				Header: map[string][]string{"content-type": {"text/plain"}},
				Body:   StringBody("ignored"),
			}, nil
		},
	})

	dispatcher := &Dispatcher{}
	res, err := roundTrip(context.Background(), client, dispatcher, &Request{
		Method:    "HEAD",
		Scheme:    "https",
		Authority: "h.example:443",
		Path:      "/",
	})
	require.NoError(t, err)
	assert.Equal(t, 200, res.Status)
	assert.Equal(t, []string{"text/plain; charset=UTF-8"}, res.Header["content-type"])
	assert.NotEmpty(t, res.Header["server"])
	assert.NotEmpty(t, res.Header["date"])

	body, err := io.ReadAll(res.Body.(ChunkedBody).Reader)
	require.NoError(t, err)
	assert.Empty(t, body)
}

func TestFileRegionRejectedOnTLS(t *testing.T) {
	t.Parallel()
	f, err := os.CreateTemp(t.TempDir(), "body")
	require.NoError(t, err)
	_, err = f.WriteString("zero-copy payload")
	require.NoError(t, err)
	_, err = f.Seek(0, io.SeekStart)
	require.NoError(t, err)
	defer f.Close()

	client, _ := dialPair(t, true, Settings{
		Handler: func(ctx context.Context, req *Request) (*Response, error) {
			return &Response{Status: 200, Body: FileRegionBody{File: f}}, nil
		},
	})

	dispatcher := &Dispatcher{}
	res, err := roundTrip(context.Background(), client, dispatcher, &Request{
		Method:    "GET",
		Scheme:    "https",
		Authority: "h.example:443",
		Path:      "/",
	})
	require.Error(t, err)
	assert.Nil(t, res)

	var se *StreamException
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ErrCodeInternal, se.Code)
}

func TestMissingAuthorityFailsBeforeAnyFrame(t *testing.T) {
	t.Parallel()
	client, _ := dialPair(t, false, Settings{
		Handler: func(ctx context.Context, req *Request) (*Response, error) {
			t.Fatal("handler must not run: request never reached the peer")
			return nil, nil
		},
	})

	dispatcher := &Dispatcher{}
	res, err := roundTrip(context.Background(), client, dispatcher, &Request{
		Method: "GET",
		Scheme: "https",
		Path:   "/",
		// Authority intentionally omitted.
	})
	require.Error(t, err)
	assert.Nil(t, res)

	var se *StreamException
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ErrCodeProtocol, se.Code)
}

// TestGoAwayFailsOpenStreamsPastLastStreamID reproduces spec.md §4.2
// scenario 6: GOAWAY(NO_ERROR, last-stream-id=<id of the first stream>)
// arrives while a second, higher-numbered stream is still open. The
// first stream's response is unaffected; the second stream's promise
// fails with ConnectionException(NO_ERROR). Conn.Shutdown always picks
// the current highest stream id as last-stream-id (graceful-drain
// semantics), so reproducing a last-stream-id that excludes an already
// open stream means writing the GOAWAY frame directly rather than going
// through Shutdown.
func TestGoAwayFailsOpenStreamsPastLastStreamID(t *testing.T) {
	t.Parallel()
	block := make(chan struct{})
	client, server := dialPair(t, false, Settings{
		Executor: goExecutor{},
		Handler: func(ctx context.Context, req *Request) (*Response, error) {
			if req.Path == "/slow" {
				<-block
			}
			return &Response{Status: 200}, nil
		},
	})
	defer close(block)

	dispatcher := &Dispatcher{}

	scKeep, err := client.OpenStream()
	require.NoError(t, err)
	scKeep.client = &clientExt{resp: NewPromise[*Response]()}

	scSlow, err := client.OpenStream()
	require.NoError(t, err)
	scSlow.client = &clientExt{resp: NewPromise[*Response]()}

	require.NoError(t, dispatcher.SendRequest(context.Background(), scKeep, &Request{
		Method: "GET", Scheme: "https", Authority: "h.example:443", Path: "/keep",
	}))
	keepRes, err := scKeep.client.resp.Wait()
	require.NoError(t, err)
	assert.Equal(t, 200, keepRes.Status)

	require.NoError(t, dispatcher.SendRequest(context.Background(), scSlow, &Request{
		Method: "GET", Scheme: "https", Authority: "h.example:443", Path: "/slow",
	}))

	// Give the slow request's HEADERS a moment to reach the server and
	// block its (executor-run) handler before the GOAWAY names
	// a last-stream-id that excludes it.
	time.Sleep(50 * time.Millisecond)

	server.writeMu.Lock()
	writeErr := server.framer.WriteGoAway(scKeep.id, xhttp2.ErrCode(ErrCodeNo), nil)
	server.writeMu.Unlock()
	require.NoError(t, writeErr)

	done := make(chan struct{})
	var slowErr error
	go func() {
		_, slowErr = scSlow.client.resp.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("response promise never settled after GOAWAY")
	}
	require.Error(t, slowErr)

	var ce *ConnectionException
	require.ErrorAs(t, slowErr, &ce)
	assert.Equal(t, ErrCodeNo, ce.Code)
}
