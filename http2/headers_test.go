package http2

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2/hpack"
)

func TestEncodeDecodeRequestHeadersRoundTrip(t *testing.T) {
	req := &Request{
		Method:    "get",
		Scheme:    "https",
		Authority: "h.example:443",
		Path:      "/widgets",
		Query:     "page=2",
		Header:    map[string][]string{"X-Trace-Id": {"abc123"}},
	}
	fields, err := EncodeRequestHeaders(req)
	require.NoError(t, err)

	got, err := DecodeRequestHeaders(1, fields)
	require.NoError(t, err)
	assert.Equal(t, "get", got.Method)
	assert.Equal(t, "https", got.Scheme)
	assert.Equal(t, "h.example:443", got.Authority)
	assert.Equal(t, "/widgets", got.Path)
	assert.Equal(t, "page=2", got.Query)
	assert.Equal(t, []string{"abc123"}, got.Header["x-trace-id"])
}

func TestEncodeRequestHeadersMissingPseudoHeaders(t *testing.T) {
	cases := []struct {
		name string
		req  *Request
		want error
	}{
		{"missing method", &Request{Scheme: "https", Authority: "h.example", Path: "/"}, ErrMissingMethod},
		{"missing scheme", &Request{Method: "GET", Authority: "h.example", Path: "/"}, ErrMissingScheme},
		{"missing authority", &Request{Method: "GET", Scheme: "https", Path: "/"}, ErrMissingAuthority},
		{"missing path", &Request{Method: "GET", Scheme: "https", Authority: "h.example"}, ErrMissingPath},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := EncodeRequestHeaders(tc.req)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestEncodeRequestHeadersRejectsForbiddenAndBadTransferEncoding(t *testing.T) {
	base := &Request{Method: "GET", Scheme: "https", Authority: "h.example", Path: "/"}

	base.Header = map[string][]string{"Connection": {"keep-alive"}}
	_, err := EncodeRequestHeaders(base)
	assert.Error(t, err)

	base.Header = map[string][]string{"Transfer-Encoding": {"chunked"}}
	_, err = EncodeRequestHeaders(base)
	assert.Error(t, err)

	base.Header = map[string][]string{"Transfer-Encoding": {"trailers"}}
	_, err = EncodeRequestHeaders(base)
	assert.NoError(t, err)
}

func TestDecodeRequestHeadersMissingRequired(t *testing.T) {
	_, err := DecodeRequestHeaders(3, []hpack.HeaderField{{Name: "x-only", Value: "v"}})
	require.Error(t, err)
	var se *StreamException
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ErrCodeProtocol, se.Code)
	assert.Equal(t, uint32(3), se.StreamID)
}

func TestEncodeResponseHeadersDefaultsStatus(t *testing.T) {
	fields, err := EncodeResponseHeaders(&Response{})
	require.NoError(t, err)
	require.NotEmpty(t, fields)
	assert.Equal(t, ":status", fields[0].Name)
	assert.Equal(t, "200", fields[0].Value)
}

func TestDecodeResponseHeadersRoundTrip(t *testing.T) {
	res := &Response{Status: 201, Header: map[string][]string{"x-a": {"1"}, "x-b": {"2", "3"}}}
	fields, err := EncodeResponseHeaders(res)
	require.NoError(t, err)

	got, err := DecodeResponseHeaders(1, fields)
	require.NoError(t, err)
	assert.Equal(t, 201, got.Status)
	assert.Equal(t, []string{"1"}, got.Header["x-a"])
	assert.Equal(t, []string{"2", "3"}, got.Header["x-b"])
}
