// Package chunker splits a byte stream into fixed-size chunks for the stream
// cipher.
package chunker

import (
	"errors"
	"fmt"
	"io"
)

const (
	// DefaultChunkSize is the chunk size used when none is configured.
	DefaultChunkSize = 64 * 1024 // 64 KiB
	// MinChunkSize is the smallest accepted chunk size.
	MinChunkSize = 1024
	// MaxChunkSize is the largest accepted chunk size.
	MaxChunkSize = 16 * 1024 * 1024
)

// ErrInvalidChunkSize is returned for a chunk size outside [MinChunkSize, MaxChunkSize].
var ErrInvalidChunkSize = errors.New("invalid chunk size")

// ValidateChunkSize checks that size is within the accepted range.
func ValidateChunkSize(size int) error {
	if size < MinChunkSize || size > MaxChunkSize {
		return fmt.Errorf("%w: %d not in [%d,%d]", ErrInvalidChunkSize, size, MinChunkSize, MaxChunkSize)
	}
	return nil
}

// Chunk is one piece of the input stream.
type Chunk struct {
	Index uint64
	Data  []byte // valid until the next call to Next
	Last  bool
}

// Chunker provides streaming chunking of data from an io.Reader.
//
// It reads one chunk ahead so that it can report which chunk is the last one
// without knowing the stream length in advance. Every chunk except the last
// is exactly chunkSize bytes long.
type Chunker struct {
	reader    io.Reader
	chunkSize int

	cur, next []byte
	nextLen   int
	primed    bool
	eof       bool
	index     uint64
}

// NewChunker creates a new streaming chunker
func NewChunker(r io.Reader, chunkSize int) (*Chunker, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive")
	}
	return &Chunker{
		reader:    r,
		chunkSize: chunkSize,
		cur:       make([]byte, chunkSize),
		next:      make([]byte, chunkSize),
	}, nil
}

// Next returns the next chunk of data. It returns io.EOF after the last
// chunk; an empty input yields io.EOF on the first call.
func (c *Chunker) Next() (Chunk, error) {
	if !c.primed {
		if err := c.readAhead(); err != nil {
			return Chunk{}, err
		}
		c.primed = true
	}
	if c.nextLen == 0 {
		return Chunk{}, io.EOF
	}

	c.cur, c.next = c.next, c.cur
	curLen := c.nextLen
	c.nextLen = 0
	if !c.eof {
		if err := c.readAhead(); err != nil {
			return Chunk{}, err
		}
	}

	chunk := Chunk{
		Index: c.index,
		Data:  c.cur[:curLen],
		Last:  c.nextLen == 0,
	}
	c.index++
	return chunk, nil
}

// Wipe zeroes the internal buffers.
func (c *Chunker) Wipe() {
	clear(c.cur)
	clear(c.next)
}

// reading returns the index of the chunk readAhead is filling.
func (c *Chunker) reading() uint64 {
	if !c.primed {
		return c.index
	}
	return c.index + 1
}

func (c *Chunker) readAhead() error {
	n, err := io.ReadFull(c.reader, c.next)
	switch {
	case err == nil:
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		c.eof = true
	default:
		return fmt.Errorf("failed to read chunk %d: %w", c.reading(), err)
	}
	c.nextLen = n
	return nil
}
