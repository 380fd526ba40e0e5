package http2

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dlclark/regexp2"
	"golang.org/x/net/http2/hpack"
)

// Body is a closed sum type over every outbound body shape spec.md §3
// recognizes. Dispatch in Dispatcher.send is an exhaustive type switch;
// adding a new shape means adding both a type here and a case there
// (spec.md §9).
type Body interface {
	isBody()
}

// NoBody represents a nil or "omitted" body: no DATA frames are sent.
type NoBody struct{}

func (NoBody) isBody() {}

// StringBody is a contiguous in-memory body given as a string.
type StringBody string

func (StringBody) isBody() {}

// BytesBody is a contiguous in-memory body given as an owned byte slice.
type BytesBody []byte

func (BytesBody) isBody() {}

// BufferBody is a contiguous body backed by a *bytes.Buffer, borrowed or
// owned by the caller.
type BufferBody struct {
	Buf *bytes.Buffer
}

func (BufferBody) isBody() {}

// ChunkedBody is a pre-chunked input of known or unknown length. Length
// is -1 when unknown.
type ChunkedBody struct {
	Reader io.Reader
	Length int64
}

func (ChunkedBody) isBody() {}

// FileBody is a random-access file addressed by path, read in
// ChunkSize-sized pieces starting at Offset for Length bytes (0 means to
// EOF). ChunkSize of 0 uses DefaultChunkSize.
type FileBody struct {
	Path      string
	Offset    int64
	Length    int64
	ChunkSize int64
}

func (FileBody) isBody() {}

// FileChanBody is an already-open file (or path resolved by the caller),
// read positionally the same way as FileBody.
type FileChanBody struct {
	File      *os.File
	Offset    int64
	Length    int64
	ChunkSize int64
}

func (FileChanBody) isBody() {}

// FileRegionBody is a zero-copy file-region descriptor. It is rejected
// with a StreamException(INTERNAL_ERROR) when the connection is carrying
// TLS, because zero-copy transmission is incompatible with TLS record
// encryption (spec.md §4.2 scenario 4).
type FileRegionBody struct {
	File   *os.File
	Offset int64
	Length int64
}

func (FileRegionBody) isBody() {}

// StreamBody is a lazy or asynchronous sequence of byte chunks. Next is
// called repeatedly; it returns io.EOF once the sequence is exhausted.
// Any already-realized prefix should be returned from the first Next call.
// The dispatcher sends each returned chunk as its own DATA frame(s),
// split at the chunk size; it does not merge consecutive chunks.
type StreamBody struct {
	Next  func(ctx context.Context) ([]byte, error)
	Close func() error
}

func (StreamBody) isBody() {}

// bodyLength returns the statically known length of body, or -1 when it
// can only be known by reading it (spec.md §4.2: content-length is set
// only when the length is known ahead of emission).
func bodyLength(body Body) int64 {
	switch b := body.(type) {
	case nil, NoBody:
		return 0
	case StringBody:
		return int64(len(b))
	case BytesBody:
		return int64(len(b))
	case BufferBody:
		if b.Buf == nil {
			return 0
		}
		return int64(b.Buf.Len())
	case ChunkedBody:
		return b.Length
	case FileBody:
		if b.Length <= 0 {
			return -1 // read to EOF: size unknown until read
		}
		return b.Length
	case FileChanBody:
		if b.Length <= 0 {
			return -1
		}
		return b.Length
	case FileRegionBody:
		if b.Length <= 0 {
			return -1
		}
		return b.Length
	case StreamBody:
		return -1
	default:
		return -1
	}
}

// frameSink is the minimal outbound surface the Body Dispatcher needs
// from a StreamChannel: write one HEADERS block and any number of DATA
// frames (or a zero-copy file-region transfer), always in that order,
// with exactly one frame carrying END_STREAM (spec.md §8).
type frameSink interface {
	streamID() uint32
	isTLS() bool
	writeHeaders(fields []hpack.HeaderField, endStream bool) error
	writeData(p []byte, endStream bool) error
	writeFileRegion(f *os.File, offset, length int64) error
	abort(code ErrCode, cause error) error
}

// Dispatcher implements spec.md §4.2: given a Request or Response and a
// Body, it picks exactly one strategy from the dispatch table and emits
// HEADERS + DATA so the final frame carries END_STREAM.
type Dispatcher struct {
	// ChunkSize is the DATA payload size used by the chunked/file
	// strategies when the caller doesn't override it. Defaults to
	// DefaultChunkSize.
	ChunkSize int64

	// Logger receives the warnings spec.md §3/§4.5 call for when a body is
	// dropped (TRACE request body, HEAD response body). Defaults to
	// slog.Default() when nil.
	Logger *slog.Logger
}

func (d *Dispatcher) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

var charsetParamRe = regexp2.MustCompile(`;\s*charset\s*=`, regexp2.IgnoreCase)

// SendRequest encodes req's headers and dispatches its body onto sink.
func (d *Dispatcher) SendRequest(ctx context.Context, sink frameSink, req *Request) error {
	if strings.EqualFold(req.Method, "trace") && !isEmptyBody(req.Body) {
		// TRACE with a body is dropped with a warning (spec.md §3).
		d.logger().Warn("http2: dropping body on TRACE request", "stream_id", sink.streamID())
		req.Body = NoBody{}
	}
	fields, err := EncodeRequestHeaders(req)
	if err != nil {
		// A missing required pseudo-header is a protocol violation on
		// this stream alone (spec.md §4.2 scenario 5); no frame has been
		// written yet, so there is nothing to abort on the wire.
		return &StreamException{StreamID: sink.streamID(), Code: ErrCodeProtocol, Cause: err}
	}
	if n := bodyLength(req.Body); n >= 0 {
		name, val := contentLengthHeader(n)
		fields = append(fields, hpack.HeaderField{Name: name, Value: val})
	}
	return d.send(ctx, sink, fields, req.Body, req.ChunkSize)
}

// SendResponse encodes res's headers (injecting defaults first) and
// dispatches its body onto sink.
func (d *Dispatcher) SendResponse(ctx context.Context, sink frameSink, res *Response, isHead bool) error {
	injectDefaultHeaders(res)
	if isHead && !isEmptyBody(res.Body) {
		// HEAD responses never carry a body, dropped with a warning
		// (spec.md §4.5 item 3).
		d.logger().Warn("http2: dropping body on response to HEAD request", "stream_id", sink.streamID())
		res.Body = NoBody{}
	}
	suppressContentLength := res.Status/100 == 1 || res.Status == 204
	fields, err := EncodeResponseHeaders(res)
	if err != nil {
		return err
	}
	if n := bodyLength(res.Body); n >= 0 && !suppressContentLength {
		name, val := contentLengthHeader(n)
		fields = append(fields, hpack.HeaderField{Name: name, Value: val})
	}
	return d.send(ctx, sink, fields, res.Body, 0)
}

func isEmptyBody(b Body) bool {
	switch b.(type) {
	case nil, NoBody:
		return true
	default:
		return false
	}
}

// injectDefaultHeaders adds server/date/charset defaults the way the
// Server Stream Handler is required to (spec.md §4.2, §4.5): "server" and
// "date" when absent, and a UTF-8 charset on a bare "text/plain"
// content-type.
func injectDefaultHeaders(res *Response) {
	if res.Header == nil {
		res.Header = make(map[string][]string)
	}
	if _, ok := res.Header["server"]; !ok {
		res.Header["server"] = []string{"h2flow"}
	}
	if _, ok := res.Header["date"]; !ok {
		res.Header["date"] = []string{time.Now().UTC().Format(http1Date)}
	}
	if ct, ok := res.Header["content-type"]; ok && len(ct) == 1 && isBareTextPlain(ct[0]) {
		res.Header["content-type"] = []string{ct[0] + "; charset=UTF-8"}
	}
}

// isBareTextPlain reports whether ct is a text/plain content-type with no
// charset parameter of its own yet (spec.md §3: ResponseMap auto-injects
// a UTF-8 charset extension to text/plain when absent).
func isBareTextPlain(ct string) bool {
	if !strings.HasPrefix(strings.ToLower(ct), "text/plain") {
		return false
	}
	hasCharset, _ := charsetParamRe.MatchString(ct)
	return !hasCharset
}

const http1Date = "Mon, 02 Jan 2006 15:04:05 GMT"

// send is the dispatch table of spec.md §4.2, first match wins.
func (d *Dispatcher) send(ctx context.Context, sink frameSink, fields []hpack.HeaderField, body Body, chunkOverride int64) error {
	chunkSize := d.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if chunkOverride > 0 {
		chunkSize = chunkOverride
	}
	if chunkSize > maxFrameSize {
		chunkSize = maxFrameSize
	}

	switch b := body.(type) {
	case nil, NoBody:
		return sink.writeHeaders(fields, true)

	case StringBody:
		return d.sendContiguous(sink, fields, []byte(b))

	case BytesBody:
		return d.sendContiguous(sink, fields, []byte(b))

	case BufferBody:
		var p []byte
		if b.Buf != nil {
			p = b.Buf.Bytes()
		}
		return d.sendContiguous(sink, fields, p)

	case ChunkedBody:
		return d.sendChunked(ctx, sink, fields, b.Reader, chunkSize)

	case FileBody:
		f, err := os.Open(b.Path)
		if err != nil {
			_ = sink.abort(ErrCodeInternal, err)
			return err
		}
		defer f.Close()
		return d.sendFile(ctx, sink, fields, f, b.Offset, b.Length, chunkSize)

	case FileChanBody:
		return d.sendFile(ctx, sink, fields, b.File, b.Offset, b.Length, chunkSize)

	case FileRegionBody:
		if sink.isTLS() {
			err := NewStreamError(sink.streamID(), ErrCodeInternal)
			_ = sink.abort(ErrCodeInternal, err)
			return err
		}
		if err := sink.writeHeaders(fields, false); err != nil {
			return err
		}
		if err := sink.writeFileRegion(b.File, b.Offset, b.Length); err != nil {
			_ = sink.abort(ErrCodeInternal, err)
			return err
		}
		return nil

	case StreamBody:
		return d.sendStream(ctx, sink, fields, b, chunkSize)

	default:
		return fmt.Errorf("http2: unrecognized body shape %T", body)
	}
}

func (d *Dispatcher) sendContiguous(sink frameSink, fields []hpack.HeaderField, p []byte) error {
	if err := sink.writeHeaders(fields, len(p) == 0); err != nil {
		return err
	}
	if len(p) == 0 {
		return nil
	}
	if err := sink.writeData(p, true); err != nil {
		_ = sink.abort(ErrCodeInternal, err)
		return err
	}
	return nil
}

func (d *Dispatcher) sendChunked(ctx context.Context, sink frameSink, fields []hpack.HeaderField, r io.Reader, chunkSize int64) error {
	if err := sink.writeHeaders(fields, false); err != nil {
		return err
	}
	buf := make([]byte, chunkSize)
	for {
		if err := ctx.Err(); err != nil {
			_ = sink.abort(ErrCodeCancel, err)
			return err
		}
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			last := err == io.EOF || err == io.ErrUnexpectedEOF
			if werr := sink.writeData(buf[:n], last); werr != nil {
				_ = sink.abort(ErrCodeInternal, werr)
				return werr
			}
			if last {
				return nil
			}
		}
		if err != nil {
			if err == io.EOF {
				return sink.writeData(nil, true)
			}
			if err == io.ErrUnexpectedEOF {
				return nil
			}
			_ = sink.abort(ErrCodeInternal, err)
			return err
		}
	}
}

func (d *Dispatcher) sendFile(ctx context.Context, sink frameSink, fields []hpack.HeaderField, f *os.File, offset, length, chunkSize int64) error {
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			_ = sink.abort(ErrCodeInternal, err)
			return err
		}
	}
	var r io.Reader = f
	if length > 0 {
		r = io.LimitReader(f, length)
	}
	return d.sendChunked(ctx, sink, fields, r, chunkSize)
}

func (d *Dispatcher) sendStream(ctx context.Context, sink frameSink, fields []hpack.HeaderField, b StreamBody, chunkSize int64) error {
	if err := sink.writeHeaders(fields, false); err != nil {
		return err
	}
	defer func() {
		if b.Close != nil {
			_ = b.Close()
		}
	}()
	for {
		if err := ctx.Err(); err != nil {
			_ = sink.abort(ErrCodeCancel, err)
			return err
		}
		chunk, err := b.Next(ctx)
		if err == io.EOF {
			return sink.writeData(chunk, true)
		}
		if err != nil {
			_ = sink.abort(ErrCodeInternal, err)
			return err
		}
		for len(chunk) > int(chunkSize) {
			if werr := sink.writeData(chunk[:chunkSize], false); werr != nil {
				_ = sink.abort(ErrCodeInternal, werr)
				return werr
			}
			chunk = chunk[chunkSize:]
		}
		if len(chunk) > 0 {
			if werr := sink.writeData(chunk, false); werr != nil {
				_ = sink.abort(ErrCodeInternal, werr)
				return werr
			}
		}
	}
}

// contentLengthHeader is a small helper the Header Codec uses when a
// body's length is statically known (spec.md §4.2).
func contentLengthHeader(n int64) (string, string) {
	return "content-length", strconv.FormatInt(n, 10)
}
