package fetch

import (
	"bufio"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/shiroyk/h2flow/http2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHostPortAddsDefaultPort(t *testing.T) {
	assert.Equal(t, "example.com:443", hostPort(&url.URL{Host: "example.com"}, true))
	assert.Equal(t, "example.com:80", hostPort(&url.URL{Host: "example.com"}, false))
	assert.Equal(t, "example.com:8443", hostPort(&url.URL{Host: "example.com:8443"}, true))
}

func TestContentLengthParsesHeader(t *testing.T) {
	h := http.Header{"Content-Length": {"42"}}
	assert.EqualValues(t, 42, contentLength(h))
	assert.EqualValues(t, -1, contentLength(http.Header{}))
	assert.EqualValues(t, -1, contentLength(http.Header{"Content-Length": {"not-a-number"}}))
}

func TestBasicAuthEncodesUserinfo(t *testing.T) {
	got := basicAuth(url.UserPassword("alice", "s3cret"))
	assert.Equal(t, "YWxpY2U6czNjcmV0", got)
}

func TestRequestBodyTranslatesShapes(t *testing.T) {
	req, err := http.NewRequest(http.MethodGet, "https://h.example/", nil)
	require.NoError(t, err)
	assert.IsType(t, http2.NoBody{}, requestBody(req))

	req, err = http.NewRequest(http.MethodPost, "https://h.example/", strings.NewReader("hello"))
	require.NoError(t, err)
	req.ContentLength = 5
	b := requestBody(req)
	cb, ok := b.(http2.ChunkedBody)
	require.True(t, ok)
	assert.EqualValues(t, 5, cb.Length)
	data, err := io.ReadAll(cb.Reader)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestToHTTPResponseTranslatesBodyShapes(t *testing.T) {
	req, err := http.NewRequest(http.MethodGet, "https://h.example/", nil)
	require.NoError(t, err)

	res := &http2.Response{
		Status: 200,
		Header: map[string][]string{"content-length": {"5"}},
		Body:   http2.StringBody("hello"),
	}
	resp, err := toHTTPResponse(req, res)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.EqualValues(t, 5, resp.ContentLength)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))

	_, err = toHTTPResponse(req, &http2.Response{Status: 200, Body: struct{ http2.Body }{}})
	assert.Error(t, err)
}

func TestConnectTunnelSucceedsOnOK(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		br := bufio.NewReader(server)
		req, err := http.ReadRequest(br)
		if err != nil {
			return
		}
		assert.Equal(t, http.MethodConnect, req.Method)
		assert.Equal(t, "h.example:443", req.Host)
		_, _ = server.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))
	}()

	err := connectTunnel(client, &url.URL{Host: "proxy.example:8080"}, "h.example:443")
	assert.NoError(t, err)
}

func TestConnectTunnelFailsOnNonOK(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		br := bufio.NewReader(server)
		_, _ = http.ReadRequest(br)
		_, _ = server.Write([]byte("HTTP/1.1 407 Proxy Authentication Required\r\n\r\n"))
	}()

	err := connectTunnel(client, &url.URL{Host: "proxy.example:8080"}, "h.example:443")
	assert.Error(t, err)
}
