// File: internal/mailclient/compression.go
package mailclient

import (
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
)

var brotliReaderPool = sync.Pool{
	New: func() interface{} {
		return brotli.NewReader(nil)
	},
}

var emptyReader = strings.NewReader("")

// decompressingTransport advertises br and gzip and decodes the response body in place.
type decompressingTransport struct {
	next http.RoundTripper
}

func newDecompressingTransport(next http.RoundTripper) *decompressingTransport {
	if next == nil {
		next = http.DefaultTransport
	}
	return &decompressingTransport{next: next}
}

func (t *decompressingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("Accept-Encoding") == "" {
		req.Header.Set("Accept-Encoding", "br, gzip")
	}
	resp, err := t.next.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if err := decompress(resp); err != nil {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("failed to initialize response decompression: %w", err)
	}
	return resp, nil
}

type bodyCloser struct {
	io.Reader
	closers []func() error
}

func (b *bodyCloser) Close() error {
	var errs []error
	for _, c := range b.closers {
		errs = append(errs, c())
	}
	b.closers = nil
	return errors.Join(errs...)
}

// decompress wraps resp.Body according to its single Content-Encoding layer.
func decompress(resp *http.Response) error {
	if resp == nil || resp.Body == nil {
		return nil
	}
	encoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	original := resp.Body

	switch encoding {
	case "", "identity":
		return nil
	case "gzip":
		zr, err := gzip.NewReader(original)
		if err != nil {
			return fmt.Errorf("gzip initialization error: %w", err)
		}
		resp.Body = &bodyCloser{Reader: zr, closers: []func() error{zr.Close, original.Close}}
	case "br":
		br := brotliReaderPool.Get().(*brotli.Reader)
		if err := br.Reset(original); err != nil {
			brotliReaderPool.Put(br)
			return fmt.Errorf("brotli initialization error: %w", err)
		}
		release := func() error {
			_ = br.Reset(emptyReader)
			brotliReaderPool.Put(br)
			return nil
		}
		resp.Body = &bodyCloser{Reader: br, closers: []func() error{release, original.Close}}
	default:
		return fmt.Errorf("unsupported Content-Encoding: %s", encoding)
	}

	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	resp.Uncompressed = true
	return nil
}
