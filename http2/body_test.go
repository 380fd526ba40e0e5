package http2

import (
	"bytes"
	"context"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2/hpack"
)

// fakeSink is a minimal frameSink recording every call the Body
// Dispatcher makes, so dispatch-table behavior can be asserted without
// a real Connection Pipeline.
type fakeSink struct {
	tls         bool
	headers     []hpack.HeaderField
	headersEnd  bool
	headersSent bool
	data        [][]byte
	dataEnds    []bool
	aborted     *ErrCode
	fileRegion  *os.File
}

func (s *fakeSink) streamID() uint32 { return 1 }
func (s *fakeSink) isTLS() bool      { return s.tls }

func (s *fakeSink) writeHeaders(fields []hpack.HeaderField, endStream bool) error {
	s.headers = fields
	s.headersEnd = endStream
	s.headersSent = true
	return nil
}

func (s *fakeSink) writeData(p []byte, endStream bool) error {
	cp := append([]byte(nil), p...)
	s.data = append(s.data, cp)
	s.dataEnds = append(s.dataEnds, endStream)
	return nil
}

func (s *fakeSink) writeFileRegion(f *os.File, offset, length int64) error {
	s.fileRegion = f
	return nil
}

func (s *fakeSink) abort(code ErrCode, cause error) error {
	s.aborted = &code
	return nil
}

func TestDispatchNoBodySendsHeadersOnlyWithEndStream(t *testing.T) {
	d := &Dispatcher{}
	sink := &fakeSink{}
	err := d.send(context.Background(), sink, nil, NoBody{}, 0)
	require.NoError(t, err)
	assert.True(t, sink.headersEnd)
	assert.Empty(t, sink.data)
}

func TestDispatchStringBodySendsOneDataFrameWithEndStream(t *testing.T) {
	d := &Dispatcher{}
	sink := &fakeSink{}
	err := d.send(context.Background(), sink, nil, StringBody("hello"), 0)
	require.NoError(t, err)
	assert.False(t, sink.headersEnd)
	require.Len(t, sink.data, 1)
	assert.Equal(t, []byte("hello"), sink.data[0])
	assert.True(t, sink.dataEnds[0])
}

func TestDispatchChunkedBodySplitsAcrossChunkSize(t *testing.T) {
	d := &Dispatcher{}
	sink := &fakeSink{}
	payload := bytes.Repeat([]byte("a"), 10)
	err := d.send(context.Background(), sink, nil, ChunkedBody{Reader: bytes.NewReader(payload), Length: -1}, 4)
	require.NoError(t, err)

	var got []byte
	for _, chunk := range sink.data {
		got = append(got, chunk...)
	}
	assert.Equal(t, payload, got)
	assert.True(t, sink.dataEnds[len(sink.dataEnds)-1])
	for _, end := range sink.dataEnds[:len(sink.dataEnds)-1] {
		assert.False(t, end)
	}
}

func TestDispatchFileRegionRejectedOverTLS(t *testing.T) {
	d := &Dispatcher{}
	sink := &fakeSink{tls: true}
	f, err := os.CreateTemp(t.TempDir(), "body")
	require.NoError(t, err)
	defer f.Close()

	err = d.send(context.Background(), sink, nil, FileRegionBody{File: f}, 0)
	require.Error(t, err)
	require.NotNil(t, sink.aborted)
	assert.Equal(t, ErrCodeInternal, *sink.aborted)
	assert.False(t, sink.headersSent)
}

func TestDispatchFileRegionAllowedWithoutTLS(t *testing.T) {
	d := &Dispatcher{}
	sink := &fakeSink{tls: false}
	f, err := os.CreateTemp(t.TempDir(), "body")
	require.NoError(t, err)
	defer f.Close()
	_, err = f.WriteString("payload")
	require.NoError(t, err)

	err = d.send(context.Background(), sink, nil, FileRegionBody{File: f, Length: 7}, 0)
	require.NoError(t, err)
	assert.True(t, sink.headersSent)
	assert.False(t, sink.headersEnd)
	assert.Same(t, f, sink.fileRegion)
	assert.Nil(t, sink.aborted)
}

func TestDispatchStreamBodyDrainsUntilEOF(t *testing.T) {
	chunks := [][]byte{[]byte("ab"), []byte("cd")}
	i := 0
	var closed bool
	body := StreamBody{
		Next: func(ctx context.Context) ([]byte, error) {
			if i >= len(chunks) {
				return nil, io.EOF
			}
			c := chunks[i]
			i++
			return c, nil
		},
		Close: func() error { closed = true; return nil },
	}
	d := &Dispatcher{}
	sink := &fakeSink{}
	err := d.send(context.Background(), sink, nil, body, 16384)
	require.NoError(t, err)
	assert.True(t, closed)
	assert.Equal(t, [][]byte{[]byte("ab"), []byte("cd"), nil}, sink.data)
	assert.True(t, sink.dataEnds[len(sink.dataEnds)-1])
}

func TestInjectDefaultHeadersAddsServerDateAndCharset(t *testing.T) {
	res := &Response{Header: map[string][]string{"content-type": {"text/plain"}}}
	injectDefaultHeaders(res)
	assert.Equal(t, []string{"h2flow"}, res.Header["server"])
	assert.NotEmpty(t, res.Header["date"])
	assert.Equal(t, []string{"text/plain; charset=UTF-8"}, res.Header["content-type"])
}

func TestInjectDefaultHeadersLeavesExplicitCharsetAlone(t *testing.T) {
	res := &Response{Header: map[string][]string{"content-type": {"text/plain; charset=iso-8859-1"}}}
	injectDefaultHeaders(res)
	assert.Equal(t, []string{"text/plain; charset=iso-8859-1"}, res.Header["content-type"])
}
