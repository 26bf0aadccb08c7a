// Package container recognizes game package files that may be stored
// compressed on disk and expands them in memory for content hashing.
package container

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// zstdMagic prefixes every compressed package body.
var zstdMagic = []byte{0x28, 0xB5, 0x2F, 0xFD}

// ErrClosed is returned by a Codec after Close
var ErrClosed = errors.New("container codec is closed")

// DefaultExtensions are the package formats that can carry internal compression.
var DefaultExtensions = []string{".pcc", ".sfm", ".u", ".upk", ".xxx"}

// Options configures which files are treated as containers
type Options struct {
	Extensions []string
	// Largest decompressed body accepted, 0 for the decoder default
	MaxMemory uint64
}

// DefaultOptions returns the stock package extensions with no memory cap.
func DefaultOptions() Options {
	return Options{Extensions: DefaultExtensions}
}

// Codec detects and expands compressed package files. Safe for concurrent use.
type Codec struct {
	extensions map[string]struct{}
	decoders   sync.Pool
	encoders   sync.Pool

	// Held for reading by every use of the pools, for writing by Close
	mu     sync.RWMutex
	closed bool
}

// New creates a Codec; it fails only if the zstd decoder cannot be built with the given options.
func New(opts Options) (*Codec, error) {
	decoderOpts := []zstd.DOption{zstd.WithDecoderConcurrency(1)}
	if opts.MaxMemory > 0 {
		decoderOpts = append(decoderOpts, zstd.WithDecoderMaxMemory(opts.MaxMemory))
	}

	dec, err := zstd.NewReader(nil, decoderOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating test decoder: %w", err)
	}
	dec.Close()

	c := &Codec{extensions: make(map[string]struct{}, len(opts.Extensions))}
	for _, ext := range opts.Extensions {
		c.extensions[strings.ToLower(ext)] = struct{}{}
	}
	c.decoders.New = func() any {
		d, _ := zstd.NewReader(nil, decoderOpts...)
		return d
	}
	c.encoders.New = func() any {
		e, _ := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
		return e
	}
	return c, nil
}

// IsContainer reports whether path names a package format that may be stored compressed.
func (c *Codec) IsContainer(path string) bool {
	_, ok := c.extensions[strings.ToLower(filepath.Ext(path))]
	return ok
}

// IsCompressed reports whether data starts with a compressed frame.
func IsCompressed(data []byte) bool {
	return len(data) > len(zstdMagic) && bytes.Equal(data[:len(zstdMagic)], zstdMagic)
}

// Decompress expands a compressed package body. Uncompressed input is
// returned unchanged with compressed=false.
func (c *Codec) Decompress(data []byte) (content []byte, compressed bool, err error) {
	if !IsCompressed(data) {
		return data, false, nil
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, true, ErrClosed
	}
	dec, ok := c.decoders.Get().(*zstd.Decoder)
	if !ok || dec == nil {
		return nil, true, errors.New("no zstd decoder available")
	}
	defer c.decoders.Put(dec)

	content, err = dec.DecodeAll(data, nil)
	if err != nil {
		return nil, true, fmt.Errorf("decompressing package: %w", err)
	}
	return content, true, nil
}

// Compress stores a package body in compressed form.
func (c *Codec) Compress(content []byte) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrClosed
	}
	enc, ok := c.encoders.Get().(*zstd.Encoder)
	if !ok || enc == nil {
		return nil, errors.New("no zstd encoder available")
	}
	defer c.encoders.Put(enc)
	return enc.EncodeAll(content, make([]byte, 0, len(content)/2)), nil
}

// Close releases pooled decoders. It waits for running calls; later calls
// fail with ErrClosed.
func (c *Codec) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.decoders.New = nil
	for {
		d, ok := c.decoders.Get().(*zstd.Decoder)
		if !ok {
			return
		}
		if d != nil {
			d.Close()
		}
	}
}
