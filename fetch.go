package fetch

import (
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"slices"
	"time"

	"github.com/shiroyk/h2flow/http2"
	"golang.org/x/net/html/charset"
)

// Fetch is the ambient HTTP client facade: it wraps an *http.Client,
// adding response-side charset detection, content-encoding decompression,
// and retry-on-failure, the way the teacher's fetcher did for cloudcat.
type Fetch struct {
	*http.Client
	charsetAutoDetect bool
	maxBodySize       int64
	retryTimes        int
	retryHTTPCodes    []int
	timeout           time.Duration
}

const (
	// DefaultMaxBodySize fetch.Response default max body size
	DefaultMaxBodySize int64 = 1024 * 1024 * 1024
	// DefaultRetryTimes fetch.RequestConfig retry times
	DefaultRetryTimes = 3
	// DefaultTimeout fetch.RequestConfig timeout
	DefaultTimeout = time.Minute
)

var (
	// DefaultRetryHTTPCodes retry fetch.RequestConfig error status code
	DefaultRetryHTTPCodes = []int{http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, //nolint:lll
		http.StatusGatewayTimeout, http.StatusRequestTimeout}
	// DefaultHeaders defaults fetch.RequestConfig headers
	DefaultHeaders = map[string]string{
		"Accept":          "*/*",
		"Accept-Encoding": "gzip, deflate, br",
		"Accept-Language": "en-US,en;",
		"User-Agent":      "h2flow",
	}
)

// Options The Fetch instance options
type Options struct {
	CharsetAutoDetect bool              `yaml:"charset-auto-detect"`
	MaxBodySize       int64             `yaml:"max-body-size"`
	RetryTimes        int               `yaml:"retry-times"`
	RetryHTTPCodes    []int             `yaml:"retry-http-codes"`
	Timeout           time.Duration     `yaml:"timeout"`
	CachePolicy       Policy            `yaml:"cache-policy"`
	Cache             Cache             `yaml:"-"`
	RoundTripper      http.RoundTripper `yaml:"-"`
	Jar               *cookiejar.Jar    `yaml:"-"`
}

// NewFetch returns a new Fetch instance.
func NewFetch(opt Options) *Fetch {
	fetch := new(Fetch)

	fetch.charsetAutoDetect = opt.CharsetAutoDetect
	fetch.maxBodySize = zeroOr(opt.MaxBodySize, DefaultMaxBodySize)
	fetch.timeout = zeroOr(opt.Timeout, DefaultTimeout)
	fetch.retryTimes = zeroOr(opt.RetryTimes, DefaultRetryTimes)
	fetch.retryHTTPCodes = emptyOr(opt.RetryHTTPCodes, DefaultRetryHTTPCodes)

	transport := opt.RoundTripper
	if transport == nil {
		transport = DefaultRoundTripper()
	}
	if opt.CachePolicy != "" {
		cache := opt.Cache
		if cache == nil {
			cache = NewCache()
		}
		cacheTransport := NewCacheTransport(cache)
		cacheTransport.Policy = opt.CachePolicy
		cacheTransport.Transport = transport
		transport = cacheTransport
	}

	fetch.Client = &http.Client{
		Transport: transport,
		Timeout:   fetch.timeout,
	}

	if opt.Jar != nil {
		fetch.Client.Jar = opt.Jar
	}

	return fetch
}

func zeroOr[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}

func emptyOr[T any](v, def []T) []T {
	if len(v) == 0 {
		return def
	}
	return v
}

// DefaultRoundTripper the fetch default RoundTripper, backed by the
// http2 request/response engine dialed once per request.
func DefaultRoundTripper() http.RoundTripper {
	return newH2Transport(http2.ClientOptions{
		DialContext: proxyAwareDialContext,
	})
}

// Do sends an HTTP request and returns an HTTP response, retrying on
// transport errors or a RetryHTTPCodes status up to RetryTimes, then
// decoding Content-Encoding and, unless CharsetAutoDetect is false,
// detecting and transcoding non-UTF-8 response bodies.
func (f *Fetch) Do(req *http.Request) (*http.Response, error) {
	var res *http.Response
	var err error

	for attempt := 0; attempt <= f.retryTimes; attempt++ {
		res, err = f.Client.Do(req)
		if err == nil && !slices.Contains(f.retryHTTPCodes, res.StatusCode) {
			break
		}
		if attempt == f.retryTimes {
			break
		}
		if err == nil {
			io.Copy(io.Discard, res.Body) //nolint:errcheck
			res.Body.Close()
		}
	}
	if err != nil {
		return nil, err
	}

	// Limit response body reading
	bodyReader := io.LimitReader(res.Body, f.maxBodySize)

	if req.Method != http.MethodHead { //nolint:nestif
		if encoding := res.Header.Get("Content-Encoding"); encoding != "" {
			bodyReader, err = DecodeReader(encoding, bodyReader)
			if err != nil {
				return nil, err
			}
			res.Body = io.NopCloser(bodyReader)
		}

		if res.ContentLength > 0 {
			if f.charsetAutoDetect {
				contentType := res.Header.Get("Content-Type")
				bodyReader, err = charset.NewReader(bodyReader, contentType)
				if err != nil {
					return nil, fmt.Errorf("charset detection error on content-type %s: %w", contentType, err)
				}
			}
			res.Body = io.NopCloser(bodyReader)
		}
	}

	return res, nil
}
