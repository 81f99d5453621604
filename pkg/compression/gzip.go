// Package compression implements GZIP payload compression for ebMS3 parts
package compression

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"
)

const (
	// TypeGzip is the compression type AS4 declares in the CompressionType
	// part property.
	TypeGzip = "application/gzip"

	// DefaultMaxDecompressedSize bounds inflated payloads.
	DefaultMaxDecompressedSize = 64 << 20
)

// ErrTooLarge is returned when a payload inflates beyond the configured limit.
var ErrTooLarge = errors.New("decompressed payload exceeds size limit")

// Compressor handles payload compression
type Compressor struct {
	level   int
	maxSize int64
}

// NewCompressor creates a new compressor with default compression level
func NewCompressor() *Compressor {
	return &Compressor{
		level:   gzip.DefaultCompression,
		maxSize: DefaultMaxDecompressedSize,
	}
}

// NewCompressorWithLevel creates a new compressor with specified compression level
func NewCompressorWithLevel(level int) *Compressor {
	c := NewCompressor()
	c.level = level
	return c
}

// WithMaxSize returns a copy of c that rejects payloads inflating past n
// bytes. Zero or less disables the limit.
func (c *Compressor) WithMaxSize(n int64) *Compressor {
	cp := *c
	cp.maxSize = n
	return &cp
}

// Compress compresses data using GZIP
func (c *Compressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer

	writer, err := gzip.NewWriterLevel(&buf, c.level)
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip writer: %w", err)
	}

	if _, err := writer.Write(data); err != nil {
		writer.Close()
		return nil, fmt.Errorf("failed to write data: %w", err)
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close gzip writer: %w", err)
	}

	return buf.Bytes(), nil
}

// Decompress inflates GZIP data, failing with ErrTooLarge when the result
// would exceed the size limit.
func (c *Compressor) Decompress(data []byte) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer reader.Close()

	var src io.Reader = reader
	if c.maxSize > 0 {
		src = io.LimitReader(reader, c.maxSize+1)
	}

	var buf bytes.Buffer
	n, err := io.Copy(&buf, src)
	if err != nil {
		return nil, fmt.Errorf("failed to read compressed data: %w", err)
	}
	if c.maxSize > 0 && n > c.maxSize {
		return nil, ErrTooLarge
	}

	return buf.Bytes(), nil
}

// IsGzip reports whether a declared compression type names GZIP.
func IsGzip(compressionType string) bool {
	switch mediaType(compressionType) {
	case TypeGzip, "application/x-gzip":
		return true
	}
	return false
}

// ShouldCompress determines if payload should be compressed based on content type
func ShouldCompress(contentType string) bool {
	// Don't compress already compressed formats
	switch mediaType(contentType) {
	case TypeGzip, "application/x-gzip", "application/zip",
		"image/jpeg", "image/png", "video/mp4", "audio/mp3", "audio/mpeg":
		return false
	}
	return true
}

func mediaType(contentType string) string {
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		return mt
	}
	return strings.ToLower(strings.TrimSpace(contentType))
}
