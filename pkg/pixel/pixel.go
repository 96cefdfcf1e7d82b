// Package pixel provides pooled pixel buffers for rendered video frames.
package pixel

import (
	"fmt"
	"image"
	"math/bits"
)

// Format is the byte order of a 4-byte-per-pixel buffer.
type Format uint8

const (
	FormatRGBA Format = iota
	FormatBGRA
)

// BytesPerPixel returns the pixel size in bytes.
func (f Format) BytesPerPixel() int { return 4 }

func (f Format) String() string {
	switch f {
	case FormatRGBA:
		return "rgba"
	case FormatBGRA:
		return "bgra"
	}
	return "unknown"
}

// ParseFormat parses a format name.
func ParseFormat(name string) (Format, error) {
	switch name {
	case "rgba":
		return FormatRGBA, nil
	case "bgra":
		return FormatBGRA, nil
	}
	return 0, fmt.Errorf("unknown pixel format: %q", name)
}

// Buffer is an in-memory pixel buffer. Buffers obtained from a Pool must be
// returned with Release after the last use. Contents are undefined until
// written.
type Buffer struct {
	// Pix holds the pixels in the buffer's format order. The pixel at
	// (x, y) starts at Pix[y*Stride + x*4].
	Pix []uint8

	// Stride is the Pix stride in bytes between vertically adjacent pixels.
	Stride int

	Width  int
	Height int
	Format Format

	pool     *Pool
	released bool
}

// NewBuffer allocates an unpooled buffer.
func NewBuffer(width, height int, format Format) (*Buffer, error) {
	length := bufferLength(format.BytesPerPixel(), width, height)
	if length < 0 {
		return nil, fmt.Errorf("buffer dimensions too large or negative: %vx%v", width, height)
	}
	return &Buffer{
		Pix:    make([]uint8, length),
		Stride: format.BytesPerPixel() * width,
		Width:  width,
		Height: height,
		Format: format,
	}, nil
}

// PixOffset returns the index of the first element of Pix that corresponds to
// the pixel at (x, y).
func (b *Buffer) PixOffset(x, y int) int {
	return y*b.Stride + x*b.Format.BytesPerPixel()
}

// AsRGBA wraps the buffer in a stdlib image without copying. For BGRA buffers
// the red and blue channels are transposed; callers that only resample or
// encode per-channel data may still use it.
func (b *Buffer) AsRGBA() *image.RGBA {
	return &image.RGBA{
		Pix:    b.Pix,
		Stride: b.Stride,
		Rect:   image.Rect(0, 0, b.Width, b.Height),
	}
}

// Release returns the buffer to its pool. Releasing twice panics. Releasing
// an unpooled buffer only marks it released.
func (b *Buffer) Release() {
	if b.released {
		panic("pixel: buffer released twice")
	}
	b.released = true
	if b.pool != nil {
		b.pool.put(b)
	}
}

// bufferLength returns the length of the Pix slice, or a negative value if
// the dimensions overflow or are themselves negative.
func bufferLength(bytesPerPixel, width, height int) int {
	if bytesPerPixel < 0 || width < 0 || height < 0 {
		return -1
	}
	hi, lo := bits.Mul64(uint64(bytesPerPixel), uint64(width))
	if hi != 0 {
		return -1
	}
	hi, lo = bits.Mul64(lo, uint64(height))
	if hi != 0 || int(lo) < 0 {
		return -1
	}
	return int(lo)
}
