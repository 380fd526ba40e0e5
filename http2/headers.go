package http2

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cast"
	"golang.org/x/net/http/httpguts"
	"golang.org/x/net/http2/hpack"
)

// Request is the abstract outbound/inbound request (spec.md §3
// RequestMap), already validated by the Header Codec.
type Request struct {
	Method    string
	Scheme    string
	Authority string
	Path      string // decoded path, without the query string
	Query     string // raw query string, empty means absent
	Header    map[string][]string
	Body      Body
	ChunkSize int64 // 0 means use the dispatcher default

	// Trailer is reserved for a future trailers implementation; the
	// Server/Client Stream Handlers never populate it (spec.md §9).
	Trailer map[string][]string
}

// Response is the abstract outbound/inbound response (spec.md §3
// ResponseMap).
type Response struct {
	Status  int
	Header  map[string][]string
	Body    Body
	Trailer map[string][]string
}

// forbiddenHeaders are connection-specific header names that may never
// appear in an HTTP/2 HEADERS block (spec.md §4.1, RFC 9113 §8.2.2).
var forbiddenHeaders = map[string]bool{
	"connection":       true,
	"proxy-connection": true,
	"keep-alive":       true,
	"upgrade":          true,
}

// Errors returned by EncodeRequestHeaders for a missing required
// pseudo-header. Callers wrap these in a StreamException(PROTOCOL_ERROR)
// carrying the stream id, since the id isn't known until a stream is
// opened (spec.md §4.1).
var (
	ErrMissingMethod    = fmt.Errorf("http2: request missing :method")
	ErrMissingScheme    = fmt.Errorf("http2: request missing :scheme")
	ErrMissingAuthority = fmt.Errorf("http2: request missing :authority")
	ErrMissingPath      = fmt.Errorf("http2: request missing :path")
)

// EncodeRequestHeaders turns req into an ordered HEADERS block: the four
// pseudo-headers first, then regular headers lowercased via the
// process-wide name cache (spec.md §4.1).
func EncodeRequestHeaders(req *Request) ([]hpack.HeaderField, error) {
	if req.Method == "" {
		return nil, ErrMissingMethod
	}
	if req.Scheme == "" {
		return nil, ErrMissingScheme
	}
	if req.Authority == "" {
		return nil, ErrMissingAuthority
	}
	path := req.Path
	if path == "" {
		return nil, ErrMissingPath
	}
	if req.Query != "" {
		path = path + "?" + req.Query
	}

	fields := make([]hpack.HeaderField, 0, 4+len(req.Header))
	fields = append(fields,
		hpack.HeaderField{Name: ":method", Value: strings.ToUpper(req.Method)},
		hpack.HeaderField{Name: ":scheme", Value: req.Scheme},
		hpack.HeaderField{Name: ":authority", Value: req.Authority},
		hpack.HeaderField{Name: ":path", Value: path},
	)

	hdrs, err := encodeRegularHeaders(req.Header)
	if err != nil {
		return nil, err
	}
	return append(fields, hdrs...), nil
}

// EncodeResponseHeaders turns res into an ordered HEADERS block: ":status"
// first (defaulting to 200 when absent, spec.md §3/§9), then regular
// headers.
func EncodeResponseHeaders(res *Response) ([]hpack.HeaderField, error) {
	status := res.Status
	if status == 0 {
		status = 200
	}
	fields := make([]hpack.HeaderField, 0, 1+len(res.Header))
	fields = append(fields, hpack.HeaderField{Name: ":status", Value: strconv.Itoa(status)})

	hdrs, err := encodeRegularHeaders(res.Header)
	if err != nil {
		return nil, err
	}
	return append(fields, hdrs...), nil
}

// encodeRegularHeaders lower-cases and validates every non-pseudo header,
// rejecting forbidden connection-specific names and any transfer-encoding
// value other than exactly "trailers" (spec.md §4.1).
func encodeRegularHeaders(header map[string][]string) ([]hpack.HeaderField, error) {
	fields := make([]hpack.HeaderField, 0, len(header))
	for name, values := range header {
		if name == "" {
			return nil, fmt.Errorf("http2: nil header name")
		}
		lower, ascii := lowerHeader(name)
		if !ascii {
			return nil, fmt.Errorf("http2: non-ASCII header name %q", name)
		}
		if forbiddenHeaders[lower] {
			return nil, fmt.Errorf("http2: illegal connection-specific header %q", name)
		}
		if lower == "transfer-encoding" {
			for _, v := range values {
				if v != "trailers" {
					return nil, fmt.Errorf("http2: transfer-encoding must be exactly %q, got %q", "trailers", v)
				}
			}
		}
		for _, v := range values {
			if !validHeaderValue(v) {
				return nil, fmt.Errorf("http2: invalid header value for %q", name)
			}
			fields = append(fields, hpack.HeaderField{Name: lower, Value: v})
		}
	}
	return fields, nil
}

// DecodeRequestHeaders parses an inbound HEADERS block into a Request.
// Missing :method, :scheme, or :path is a StreamException (spec.md §4.1).
func DecodeRequestHeaders(streamID uint32, fields []hpack.HeaderField) (*Request, error) {
	req := &Request{Header: make(map[string][]string, len(fields))}
	var haveMethod, haveScheme, havePath bool
	var rawPath string

	for _, f := range fields {
		switch f.Name {
		case ":method":
			req.Method = strings.ToLower(f.Value)
			haveMethod = true
		case ":scheme":
			req.Scheme = f.Value
			haveScheme = true
		case ":authority":
			req.Authority = f.Value
		case ":path":
			rawPath = f.Value
			havePath = true
		default:
			if strings.HasPrefix(f.Name, ":") {
				continue
			}
			req.Header[f.Name] = append(req.Header[f.Name], f.Value)
		}
	}

	if !haveMethod || !haveScheme || !havePath {
		return nil, NewStreamError(streamID, ErrCodeProtocol)
	}

	if i := strings.IndexByte(rawPath, '?'); i >= 0 {
		req.Path = rawPath[:i]
		req.Query = rawPath[i+1:]
	} else {
		req.Path = rawPath
	}
	return req, nil
}

// DecodeResponseHeaders parses an inbound HEADERS block into a Response.
// Status is parsed as an integer; a block with no :status at all gets
// Status 200, the same default the outbound side applies.
func DecodeResponseHeaders(streamID uint32, fields []hpack.HeaderField) (*Response, error) {
	res := &Response{Header: make(map[string][]string, len(fields))}
	var haveStatus bool

	for _, f := range fields {
		switch f.Name {
		case ":status":
			status, err := cast.ToIntE(f.Value)
			if err != nil {
				return nil, NewStreamError(streamID, ErrCodeProtocol)
			}
			res.Status = status
			haveStatus = true
		default:
			if strings.HasPrefix(f.Name, ":") {
				continue
			}
			res.Header[f.Name] = append(res.Header[f.Name], f.Value)
		}
	}

	if !haveStatus {
		res.Status = 200
	}
	return res, nil
}

// validHeaderValue reports whether v is legal as an HTTP/2 header field
// value (httpguts covers the same token/obs-text rules HTTP/1.1 uses).
func validHeaderValue(v string) bool {
	return httpguts.ValidHeaderFieldValue(v)
}
