package fetch

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
	"net/url"
	"reflect"
	"strings"
	"sync"
	"text/template"
	_ "unsafe"
)

// NewRequest returns a new *http.Request given a method, URL, optional body,
// and optional headers. body may be nil, a slice/map/struct (JSON-encoded),
// a string, []byte, io.Reader, or fmt.Stringer.
func NewRequest(method, u string, body any, headers map[string]string) (*http.Request, error) {
	reqBody, headers, err := coerceRequestBody(body, headers)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest(method, u, reqBody)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

// coerceRequestBody turns body into an io.Reader understood by
// http.NewRequest, adding a Content-Type header for the JSON-marshaled
// case when the caller hasn't already set one.
func coerceRequestBody(body any, headers map[string]string) (io.Reader, map[string]string, error) {
	if body == nil {
		return http.NoBody, headers, nil
	}

	switch data := body.(type) {
	case io.Reader:
		return data, headers, nil
	case fmt.Stringer:
		return bytes.NewBufferString(data.String()), headers, nil
	case string:
		return bytes.NewBufferString(data), headers, nil
	case []byte:
		return bytes.NewBuffer(data), headers, nil
	}

	switch reflect.ValueOf(body).Kind() {
	case reflect.Struct, reflect.Map, reflect.Array, reflect.Slice:
		j, err := json.Marshal(body)
		if err != nil {
			return nil, headers, err
		}
		if headers == nil {
			headers = make(map[string]string)
		}
		if _, ok := headers["Content-Type"]; !ok {
			headers["Content-Type"] = "application/json"
		}
		return bytes.NewReader(j), headers, nil
	default:
		return http.NoBody, headers, nil
	}
}

var bufPool = sync.Pool{New: func() any { return new(bytes.Buffer) }}

func freeBuffer(buf *bytes.Buffer) {
	buf.Reset()
	bufPool.Put(buf)
}

// NewTemplateRequest renders tpl with arg and parses the result as a raw
// HTTP request via ReadRequest.
func NewTemplateRequest(tpl *template.Template, arg any) (*http.Request, error) {
	buf := bufPool.Get().(*bytes.Buffer)
	defer freeBuffer(buf)

	if err := tpl.Execute(buf, arg); err != nil {
		return nil, err
	}

	// https://github.com/golang/go/issues/24963
	return ReadRequest(strings.ReplaceAll(buf.String(), "<no value>", ""))
}

// ReadRequest parses a raw HTTP/1.x request (request line, headers, and an
// optional body) into an *http.Request.
func ReadRequest(request string) (req *http.Request, err error) {
	tp := newTextprotoReader(bufio.NewReader(strings.NewReader(request)))
	defer putTextprotoReader(tp)

	var line string
	if line, err = tp.ReadLine(); err != nil {
		return nil, err
	}

	req = &http.Request{Body: http.NoBody}
	var rawURI string
	req.Method, rawURI, req.Proto = parseRequestLine(line)
	if !validMethod(req.Method) {
		return nil, fmt.Errorf("invalid method %s", req.Method)
	}

	var ok bool
	if req.ProtoMajor, req.ProtoMinor, ok = http.ParseHTTPVersion(req.Proto); !ok {
		return nil, fmt.Errorf("malformed HTTP version %s", req.Proto)
	}
	if req.URL, err = url.ParseRequestURI(rawURI); err != nil {
		return nil, err
	}

	mimeHeader, err := tp.ReadMIMEHeader()
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	req.Header = http.Header(mimeHeader)
	if len(req.Header["Host"]) > 1 {
		return nil, fmt.Errorf("too many Host headers")
	}

	// RFC 7230 §5.3: a request-line authority and a Host header must agree;
	// when a request-line carries its own authority, any Host line is ignored.
	req.Host = req.URL.Host
	if req.Host == "" {
		req.Host = req.Header.Get("Host")
	}
	fixPragmaCacheControl(req.Header)
	req.Close = shouldClose(req.ProtoMajor, req.ProtoMinor, req.Header)

	if req.Method != http.MethodHead {
		if err := readRequestBody(tp, req); err != nil {
			return nil, err
		}
	}
	return req, nil
}

// readRequestBody drains any bytes already buffered by tp past the header
// block into req's Body, fixing up ContentLength to match.
func readRequestBody(tp *textproto.Reader, req *http.Request) error {
	if tp.R.Buffered() <= 0 {
		return nil
	}
	body := bufPool.Get().(*bytes.Buffer)
	defer freeBuffer(body)

	if _, err := tp.R.WriteTo(body); err != nil {
		return err
	}
	if body.Len() == 0 {
		req.Body = http.NoBody
		return nil
	}
	req.ContentLength = int64(body.Len())
	req.Body = io.NopCloser(body)
	return nil
}

// DefaultTemplateFuncMap is the default template.FuncMap passed to
// NewTemplateRequest's template, exposing a "get" function backed by cache.
func DefaultTemplateFuncMap(cache Cache) template.FuncMap {
	return template.FuncMap{
		"get": func(key string) string {
			v, _ := cache.Get(context.Background(), key)
			return string(v)
		},
	}
}

// parseRequestLine parses "GET /foo HTTP/1.1" into its three parts,
// defaulting the method to GET and the proto to HTTP/1.1 when omitted.
func parseRequestLine(line string) (method, requestURI, proto string) {
	method, rest, ok1 := strings.Cut(line, " ")
	requestURI, proto, ok2 := strings.Cut(rest, " ")
	if !ok1 {
		return http.MethodGet, line, "HTTP/1.1"
	}
	if !ok2 {
		return method, requestURI, "HTTP/1.1"
	}
	return method, requestURI, proto
}

//go:linkname newTextprotoReader net/http.newTextprotoReader
func newTextprotoReader(br *bufio.Reader) *textproto.Reader

//go:linkname putTextprotoReader net/http.putTextprotoReader
func putTextprotoReader(r *textproto.Reader)

//go:linkname validMethod net/http.validMethod
func validMethod(method string) bool

//go:linkname shouldClose net/http.shouldClose
func shouldClose(major, minor int, header http.Header) bool

//go:linkname fixPragmaCacheControl net/http.fixPragmaCacheControl
func fixPragmaCacheControl(header http.Header)
