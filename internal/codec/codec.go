// Package codec converts message bodies to and from content codings.
package codec

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"

	"github.com/codefionn/netcore/internal/consts"
)

var (
	// ErrUnsupported is returned for codings not in the registry
	ErrUnsupported = errors.New("codec: unsupported content coding")
	// ErrTooLarge is returned when a decoded body exceeds the decode limit
	ErrTooLarge = errors.New("codec: decoded body too large")
)

// Codec converts bodies for one content coding
type Codec struct {
	Name   string
	Decode func(data []byte, limit int64) ([]byte, error)
	Encode func(data []byte) ([]byte, error)
}

// Registry maps coding names to codecs; the zero value is not usable
type Registry struct {
	mu     sync.RWMutex
	codecs map[string]Codec
	order  []string
	limit  int64
}

// NewRegistry returns a registry holding codecs
func NewRegistry(codecs ...Codec) *Registry {
	r := &Registry{
		codecs: make(map[string]Codec),
		limit:  consts.MaxBodyBytes,
	}
	for _, c := range codecs {
		r.Register(c)
	}
	return r
}

// Default returns a registry with br, gzip, deflate and identity
func Default() *Registry {
	return NewRegistry(Brotli(), Gzip(), Deflate(), Identity())
}

// Register adds or replaces a codec
func (r *Registry) Register(c Codec) {
	name := strings.ToLower(c.Name)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.codecs[name]; !ok {
		r.order = append(r.order, name)
	}
	r.codecs[name] = c
}

// SetLimit bounds decoded body sizes
func (r *Registry) SetLimit(n int64) {
	r.mu.Lock()
	r.limit = n
	r.mu.Unlock()
}

// Names returns the registered codings in registration order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Supports reports whether name can be decoded and encoded
func (r *Registry) Supports(name string) bool {
	_, ok := r.lookup(name)
	return ok
}

func (r *Registry) lookup(name string) (Codec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.codecs[strings.ToLower(strings.TrimSpace(name))]
	return c, ok
}

// Decode reverses the coding name. An empty name or identity returns data
// unchanged.
func (r *Registry) Decode(name string, data []byte) ([]byte, error) {
	if isIdentity(name) {
		return data, nil
	}
	c, ok := r.lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, name)
	}
	r.mu.RLock()
	limit := r.limit
	r.mu.RUnlock()
	return c.Decode(data, limit)
}

// Encode applies the coding name
func (r *Registry) Encode(name string, data []byte) ([]byte, error) {
	if isIdentity(name) {
		return data, nil
	}
	c, ok := r.lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, name)
	}
	return c.Encode(data)
}

func isIdentity(name string) bool {
	name = strings.TrimSpace(name)
	return name == "" || strings.EqualFold(name, "identity")
}

// readLimited drains rd, failing once more than limit bytes come out
func readLimited(rd io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(rd)
	}
	data, err := io.ReadAll(io.LimitReader(rd, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, ErrTooLarge
	}
	return data, nil
}

// Identity passes bodies through
func Identity() Codec {
	return Codec{
		Name:   "identity",
		Decode: func(data []byte, _ int64) ([]byte, error) { return data, nil },
		Encode: func(data []byte) ([]byte, error) { return data, nil },
	}
}

// Gzip is the gzip coding
func Gzip() Codec {
	return Codec{
		Name: "gzip",
		Decode: func(data []byte, limit int64) ([]byte, error) {
			zr, err := gzip.NewReader(bytes.NewReader(data))
			if err != nil {
				return nil, fmt.Errorf("gzip: %w", err)
			}
			defer zr.Close()
			return readLimited(zr, limit)
		},
		Encode: func(data []byte) ([]byte, error) {
			var buf bytes.Buffer
			zw := gzip.NewWriter(&buf)
			if _, err := zw.Write(data); err != nil {
				return nil, err
			}
			if err := zw.Close(); err != nil {
				return nil, err
			}
			return buf.Bytes(), nil
		},
	}
}

// Deflate is the HTTP deflate coding: zlib framing on output, and either
// zlib or raw deflate accepted on input since clients send both.
func Deflate() Codec {
	return Codec{
		Name: "deflate",
		Decode: func(data []byte, limit int64) ([]byte, error) {
			if zr, err := zlib.NewReader(bytes.NewReader(data)); err == nil {
				defer zr.Close()
				return readLimited(zr, limit)
			}
			fr := flate.NewReader(bytes.NewReader(data))
			defer fr.Close()
			return readLimited(fr, limit)
		},
		Encode: func(data []byte) ([]byte, error) {
			var buf bytes.Buffer
			zw := zlib.NewWriter(&buf)
			if _, err := zw.Write(data); err != nil {
				return nil, err
			}
			if err := zw.Close(); err != nil {
				return nil, err
			}
			return buf.Bytes(), nil
		},
	}
}

// Brotli is the br coding
func Brotli() Codec {
	return Codec{
		Name: "br",
		Decode: func(data []byte, limit int64) ([]byte, error) {
			return readLimited(brotli.NewReader(bytes.NewReader(data)), limit)
		},
		Encode: func(data []byte) ([]byte, error) {
			var buf bytes.Buffer
			bw := brotli.NewWriterLevel(&buf, brotli.DefaultCompression)
			if _, err := bw.Write(data); err != nil {
				return nil, err
			}
			if err := bw.Close(); err != nil {
				return nil, err
			}
			return buf.Bytes(), nil
		},
	}
}

// DecodeForm parses an application/x-www-form-urlencoded body
func DecodeForm(data []byte) (url.Values, error) {
	values, err := url.ParseQuery(string(bytes.TrimSpace(data)))
	if err != nil {
		return nil, fmt.Errorf("invalid form body: %w", err)
	}
	return values, nil
}
