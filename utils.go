package fetch

import (
	"compress/gzip"
	"compress/zlib"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
)

// String sends req via f and reads the response body as a string.
func (f *Fetch) String(req *http.Request) (string, error) {
	body, err := f.Bytes(req)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// Bytes sends req via f and reads the full response body.
func (f *Fetch) Bytes(req *http.Request) ([]byte, error) {
	res, err := f.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	return io.ReadAll(res.Body)
}

// decoderFor maps a single Content-Encoding token to the io.Reader
// constructor that undoes it. Table-driven so adding an encoding is one
// entry instead of a new switch arm.
var decoderFor = map[string]func(io.Reader) (io.Reader, error){
	"deflate": func(r io.Reader) (io.Reader, error) { return zlib.NewReader(r) },
	"gzip":    func(r io.Reader) (io.Reader, error) { return gzip.NewReader(r) },
	"br":      func(r io.Reader) (io.Reader, error) { return brotli.NewReader(r), nil },
}

// DecodeReader decodes a comma-separated Content-Encoding chain (gzip,
// deflate, br), applying each decoder in the order the encodings were
// listed.
func DecodeReader(encoding string, reader io.Reader) (io.Reader, error) {
	bodyReader := reader
	for _, encode := range strings.Split(encoding, ",") {
		dec, ok := decoderFor[strings.TrimSpace(encode)]
		if !ok {
			return nil, fmt.Errorf("unsupported compression type %s", encode)
		}
		var err error
		bodyReader, err = dec(bodyReader)
		if err != nil {
			return nil, err
		}
	}
	return bodyReader, nil
}
