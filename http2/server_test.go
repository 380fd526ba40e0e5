package http2

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerServeAcceptsPriorKnowledgeCleartext(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	srv := &Server{Settings: Settings{
		Executor: goExecutor{},
		Handler: func(ctx context.Context, req *Request) (*Response, error) {
			return &Response{Status: 200, Body: StringBody("ok")}, nil
		},
	}}
	go srv.Serve(ln)

	conn, err := net.DialTimeout("tcp", ln.Addr().String(), time.Second)
	require.NoError(t, err)
	defer conn.Close()

	client, err := Dial(conn, false, Settings{})
	require.NoError(t, err)
	defer client.Shutdown(ErrCodeNo)

	res, err := roundTrip(context.Background(), client, &Dispatcher{}, &Request{
		Method: "GET", Scheme: "http", Authority: ln.Addr().String(), Path: "/",
	})
	require.NoError(t, err)
	assert.Equal(t, 200, res.Status)
}
