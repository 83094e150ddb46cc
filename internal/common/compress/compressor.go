// Package compress wraps chunk payloads in gzip for the upload path. The raw
// chunk layout itself is uncompressed; this is the external framing around it.
package compress

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
)

// MaxSizeExceededError is returned when decompressed output crosses the
// ceiling of a bounded decompressor. The input is untrusted; a few hundred
// bytes of gzip can expand to gigabytes.
type MaxSizeExceededError struct {
	Limit int64
}

func (e *MaxSizeExceededError) Error() string {
	return fmt.Sprintf("decompressed payload exceeds %d bytes", e.Limit)
}

// Compressor is a fast, single threaded compressor.
// This type allows us to reuse buffers etc for performance
type Compressor interface {
	// Compress compresses the byte array
	Compress(b []byte) ([]byte, error)
}

// NoOpCompressor is a Compressor that does nothing.  Useful for tests.
type NoOpCompressor struct{}

func (c *NoOpCompressor) Compress(b []byte) ([]byte, error) {
	return b, nil
}

// GzipCompressor compresses to gzip.
type GzipCompressor struct {
	buffer *bytes.Buffer
	writer *gzip.Writer
	level  int
}

func NewGzipCompressor(level int) (*GzipCompressor, error) {
	var buffer bytes.Buffer
	writer, err := gzip.NewWriterLevel(&buffer, level)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &GzipCompressor{
		buffer: &buffer,
		writer: writer,
		level:  level,
	}, nil
}

func (c *GzipCompressor) Compress(b []byte) ([]byte, error) {
	c.buffer.Reset()
	c.writer.Reset(c.buffer)
	if _, err := c.writer.Write(b); err != nil {
		return nil, errors.WithStack(err)
	}
	if err := c.writer.Close(); err != nil {
		return nil, errors.WithStack(err)
	}

	compressed := make([]byte, c.buffer.Len())
	copy(compressed, c.buffer.Bytes())
	return compressed, nil
}

// Decompressor is the inverse of Compressor.
type Decompressor interface {
	// Decompress decompresses the byte array
	Decompress(b []byte) ([]byte, error)
}

// NoOpDecompressor is a Decompressor that does nothing.  Useful for tests.
type NoOpDecompressor struct{}

func (d *NoOpDecompressor) Decompress(b []byte) ([]byte, error) {
	return b, nil
}

// GzipDecompressor decompresses gzip.
type GzipDecompressor struct {
	outputBuffer *bytes.Buffer
	reader       *gzip.Reader
	maxBytes     int64
}

func NewGzipDecompressor() *GzipDecompressor {
	var ob bytes.Buffer
	return &GzipDecompressor{
		outputBuffer: &ob,
	}
}

// NewBoundedGzipDecompressor decompresses at most maxBytes of output and
// fails with *MaxSizeExceededError beyond that. Use this on any input a
// remote peer controls.
func NewBoundedGzipDecompressor(maxBytes int64) *GzipDecompressor {
	d := NewGzipDecompressor()
	d.maxBytes = maxBytes
	return d
}

func (d *GzipDecompressor) Decompress(b []byte) ([]byte, error) {
	inputBuffer := bytes.NewBuffer(b)
	if d.reader == nil {
		reader, err := gzip.NewReader(inputBuffer)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		d.reader = reader
	} else {
		if err := d.reader.Reset(inputBuffer); err != nil {
			return nil, errors.WithStack(err)
		}
	}
	d.outputBuffer.Reset()

	src := io.Reader(d.reader)
	if d.maxBytes > 0 {
		// One byte past the limit is enough to tell a truncated copy from
		// an exact fit.
		src = io.LimitReader(d.reader, d.maxBytes+1)
	}
	written, err := io.Copy(d.outputBuffer, src)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if d.maxBytes > 0 && written > d.maxBytes {
		return nil, errors.WithStack(&MaxSizeExceededError{Limit: d.maxBytes})
	}

	decompressed := make([]byte, d.outputBuffer.Len())
	copy(decompressed, d.outputBuffer.Bytes())
	return decompressed, nil
}
