// File: internal/handler/decompress.go
package handler

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
)

// decompressTransport is an http.RoundTripper for the fallback download path.
// It advertises compression on the way out and transparently unwraps gzip,
// brotli, and both flavors of deflate on the way back, so the handler always
// sees plain bodies. Readers are pooled.
type decompressTransport struct {
	next http.RoundTripper
}

func newDecompressTransport(next http.RoundTripper) *decompressTransport {
	if next == nil {
		next = http.DefaultTransport
	}
	return &decompressTransport{next: next}
}

func (t *decompressTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("Accept-Encoding") == "" {
		req.Header.Set("Accept-Encoding", "br, gzip, deflate, identity")
	}
	resp, err := t.next.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if err := decompressResponse(resp); err != nil {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("decompressing response: %w", err)
	}
	return resp, nil
}

var (
	gzipReaders = sync.Pool{New: func() any { return new(gzip.Reader) }}
	brReaders   = sync.Pool{New: func() any { return brotli.NewReader(nil) }}
)

// emptyReader resets pooled readers without holding a reference to the
// previous body.
var emptyReader = strings.NewReader("")

// decompressResponse rewraps resp.Body with decoders for each layer named in
// Content-Encoding, applied in reverse order. On error the body may be
// partially consumed and the response should be discarded.
func decompressResponse(resp *http.Response) error {
	if resp == nil || resp.Body == nil {
		return nil
	}
	encodings := encodingLayers(resp.Header)
	if len(encodings) == 0 {
		return nil
	}

	for i := len(encodings) - 1; i >= 0; i-- {
		encoding := encodings[i]

		var reader io.ReadCloser
		var release func()

		switch encoding {
		case "gzip":
			zr := gzipReaders.Get().(*gzip.Reader)
			if err := zr.Reset(resp.Body); err != nil {
				gzipReaders.Put(zr)
				return fmt.Errorf("gzip layer: %w", err)
			}
			reader = zr
			release = func() {
				_ = zr.Reset(emptyReader)
				gzipReaders.Put(zr)
			}

		case "br":
			br := brReaders.Get().(*brotli.Reader)
			if err := br.Reset(resp.Body); err != nil {
				brReaders.Put(br)
				return fmt.Errorf("brotli layer: %w", err)
			}
			reader = io.NopCloser(br)
			release = func() {
				_ = br.Reset(emptyReader)
				brReaders.Put(br)
			}

		case "deflate":
			r, err := deflateReader(resp.Body)
			if err != nil {
				return fmt.Errorf("deflate layer: %w", err)
			}
			reader = r

		case "identity", "":
			continue

		default:
			return fmt.Errorf("unsupported Content-Encoding layer %q", encoding)
		}

		resp.Body = &layeredBody{ReadCloser: reader, inner: resp.Body, release: release}
	}

	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	resp.Uncompressed = true
	return nil
}

// encodingLayers flattens Content-Encoding into ordered layer names. The
// header may repeat and each line may carry a comma-separated list.
func encodingLayers(h http.Header) []string {
	var layers []string
	for _, v := range h.Values("Content-Encoding") {
		for _, part := range strings.Split(v, ",") {
			if enc := strings.ToLower(strings.TrimSpace(part)); enc != "" {
				layers = append(layers, enc)
			}
		}
	}
	return layers
}

// layeredBody closes a decoder together with the body it wraps and returns
// pooled readers on close.
type layeredBody struct {
	io.ReadCloser
	inner   io.ReadCloser
	release func()
}

func (b *layeredBody) Close() error {
	if b.release != nil {
		b.release()
		b.release = nil
	}
	return errors.Join(b.ReadCloser.Close(), b.inner.Close())
}

// deflateReader handles both zlib-wrapped (RFC 1950) and raw (RFC 1951)
// deflate streams. Servers disagree on which one "deflate" means, so the
// stream start is buffered to allow a second attempt.
func deflateReader(r io.Reader) (io.ReadCloser, error) {
	var buf bytes.Buffer
	tee := io.TeeReader(r, &buf)

	if zr, err := zlib.NewReader(tee); err == nil {
		return zr, nil
	}
	replay := io.MultiReader(bytes.NewReader(buf.Bytes()), r)
	return flate.NewReader(replay), nil
}
