// Package render converts upstream framebuffers into writable pixel buffers
// with a fixed channel-swizzle, rotation and scale pass.
package render

import (
	"fmt"
	"sync"

	"recmux/pkg/pixel"
)

// Framebuffer is a frame handle owned by an upstream producer. Consumers
// lock it on receipt and unlock exactly once on every exit path. When the
// lock count returns to zero the release hook runs and the handle must not
// be used again.
type Framebuffer struct {
	// Pix holds the pixels in the handle's format order, Stride bytes per
	// row.
	Pix    []uint8
	Stride int
	Width  int
	Height int
	Format pixel.Format

	mu        sync.Mutex
	refs      int
	released  bool
	onRelease func()
}

// NewFramebuffer wraps producer-owned pixels in a handle. onRelease may be
// nil.
func NewFramebuffer(width, height int, format pixel.Format, pix []uint8, onRelease func()) (*Framebuffer, error) {
	stride := format.BytesPerPixel() * width
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid framebuffer dimensions: %vx%v", width, height)
	}
	if len(pix) < stride*height {
		return nil, fmt.Errorf("framebuffer pixels too short: %v < %v", len(pix), stride*height)
	}
	return &Framebuffer{
		Pix:       pix,
		Stride:    stride,
		Width:     width,
		Height:    height,
		Format:    format,
		onRelease: onRelease,
	}, nil
}

// Lock takes a reference on the handle.
func (f *Framebuffer) Lock() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.released {
		panic("render: framebuffer used after release")
	}
	f.refs++
}

// Unlock drops a reference. The drop to zero runs the release hook.
// Unbalanced unlocks panic.
func (f *Framebuffer) Unlock() {
	f.mu.Lock()
	if f.released || f.refs <= 0 {
		f.mu.Unlock()
		panic("render: unbalanced framebuffer unlock")
	}
	f.refs--
	release := f.refs == 0
	if release {
		f.released = true
	}
	onRelease := f.onRelease
	f.mu.Unlock()

	if release && onRelease != nil {
		onRelease()
	}
}

// Released reports whether the handle was fully unlocked.
func (f *Framebuffer) Released() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.released
}
