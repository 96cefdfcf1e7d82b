package render

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/image/draw"

	"recmux/pkg/pixel"
)

// Device errors.
var (
	ErrPassActive   = errors.New("render pass already active")
	ErrDeviceClosed = errors.New("device closed")
	ErrPassEnded    = errors.New("render pass ended")
)

// Device executes conversion passes. At most one pass may be active; the
// active pass is selected explicitly through BeginPass, never through
// ambient state.
type Device struct {
	mu     sync.Mutex
	active *Pass
	closed bool
}

// NewDevice creates a device.
func NewDevice() *Device {
	return &Device{}
}

// BeginPass opens a pass targeting dst. The pass must be ended before the
// next one begins.
func (d *Device) BeginPass(dst *pixel.Buffer) (*Pass, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, ErrDeviceClosed
	}
	if d.active != nil {
		return nil, ErrPassActive
	}
	pass := &Pass{dev: d, dst: dst}
	d.active = pass
	return pass, nil
}

// Close rejects further passes.
func (d *Device) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
}

// Pass is one scoped conversion onto a single target.
type Pass struct {
	dev   *Device
	dst   *pixel.Buffer
	ended bool
}

// Draw converts src onto the pass target.
func (p *Pass) Draw(src *Framebuffer, rot pixel.Rotation) error {
	if p.ended {
		return ErrPassEnded
	}
	return convert(p.dst, src, rot)
}

// End closes the pass and releases the device for the next one.
func (p *Pass) End() {
	if p.ended {
		return
	}
	p.ended = true

	p.dev.mu.Lock()
	defer p.dev.mu.Unlock()
	if p.dev.active == p {
		p.dev.active = nil
	}
}

// Renderer produces pooled pixel buffers of a fixed output size and format
// from framebuffers. Not safe for concurrent use; callers serialize frames.
type Renderer struct {
	dev    *Device
	pool   *pixel.Pool
	width  int
	height int
	format pixel.Format
}

// NewRenderer creates a renderer with its own device and buffer pool.
// poolSize limits outstanding buffers, 0 means unlimited.
func NewRenderer(width, height int, format pixel.Format, poolSize int) *Renderer {
	return &Renderer{
		dev:    NewDevice(),
		pool:   pixel.NewPool(poolSize),
		width:  width,
		height: height,
		format: format,
	}
}

// RenderFrame converts src into a pooled buffer, applying rotation, the
// channel swizzle, and a bilinear scale when the rotated source size differs
// from the output size. The caller releases the returned buffer.
func (r *Renderer) RenderFrame(src *Framebuffer, rot pixel.Rotation) (*pixel.Buffer, error) {
	rotW, rotH := rot.Dimensions(src.Width, src.Height)

	dst, err := r.pool.Get(r.width, r.height, r.format)
	if err != nil {
		return nil, fmt.Errorf("get target buffer: %w", err)
	}

	if rotW == r.width && rotH == r.height {
		if err := r.drawPass(dst, src, rot); err != nil {
			dst.Release()
			return nil, err
		}
		return dst, nil
	}

	// Rotate and swizzle at source size, then resample. Channels are
	// resampled independently, so the buffer's channel order does not
	// matter to the scaler.
	tmp, err := r.pool.Get(rotW, rotH, r.format)
	if err != nil {
		dst.Release()
		return nil, fmt.Errorf("get intermediate buffer: %w", err)
	}
	defer tmp.Release()

	if err := r.drawPass(tmp, src, rot); err != nil {
		dst.Release()
		return nil, err
	}
	dstImg, tmpImg := dst.AsRGBA(), tmp.AsRGBA()
	draw.BiLinear.Scale(dstImg, dstImg.Rect, tmpImg, tmpImg.Rect, draw.Src, nil)
	return dst, nil
}

func (r *Renderer) drawPass(dst *pixel.Buffer, src *Framebuffer, rot pixel.Rotation) error {
	pass, err := r.dev.BeginPass(dst)
	if err != nil {
		return err
	}
	defer pass.End()
	return pass.Draw(src, rot)
}

// Size returns the output dimensions.
func (r *Renderer) Size() (int, int) {
	return r.width, r.height
}

// Close tears down the device and drops retained buffers.
func (r *Renderer) Close() {
	r.dev.Close()
	r.pool.Clear()
}
