// Package webm implements a WebM/Matroska container writer.
//
// Video tracks accept "vp8", "vp9" and "h264" access units plus "mjpeg"
// rendered pixel buffers; audio tracks accept "opus" packets directly or
// "lpcm", which is encoded to Opus in-process. Block timestamps use the
// container's default 1ms timecode scale.
package webm

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/at-wat/ebml-go/mkvcore"
	"github.com/at-wat/ebml-go/webm"

	"recmux/pkg/muxer"
	"recmux/pkg/pixel"
)

// Writer errors.
var (
	ErrUnsupportedCodec = errors.New("unsupported codec")
	ErrBadSettings      = errors.New("bad track settings")
	ErrBadSample        = errors.New("bad sample")
	ErrStarted          = errors.New("already writing")
	ErrNoTracks         = errors.New("no tracks")
)

const jpegQuality = 85

// Writer writes tracks into a WebM stream. It implements muxer.Writer. The
// recording pipeline serializes all calls.
type Writer struct {
	mu  sync.Mutex
	out io.WriteCloser

	status muxer.Status
	err    error
	meta   map[string]string

	sessionAt  time.Duration
	sessionSet bool

	tracks []*trackInput

	// asyncErr holds failures reported by the container's fatal handler,
	// which may fire inside a block write while mu is held.
	errMu    sync.Mutex
	asyncErr error
}

// NewWriter creates a writer that streams into out. The writer owns out; the
// container finalizer closes it when the last track closes.
func NewWriter(out io.WriteCloser) *Writer {
	return &Writer{out: out}
}

var _ muxer.Writer = (*Writer)(nil)

// AddTrack adds one track. Must be called before StartWriting. At most one
// track per kind.
func (w *Writer) AddTrack(kind muxer.Kind, settings muxer.TrackSettings) (muxer.TrackInput, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.status != muxer.StatusUnknown {
		return nil, ErrStarted
	}
	for _, t := range w.tracks {
		if t.kind == kind {
			return nil, fmt.Errorf("%w: duplicate %v track", ErrBadSettings, kind)
		}
	}

	id, err := codecID(kind, settings)
	if err != nil {
		return nil, err
	}
	t := &trackInput{
		w:        w,
		kind:     kind,
		settings: settings,
		codecID:  id,
	}
	w.tracks = append(w.tracks, t)
	return t, nil
}

func codecID(kind muxer.Kind, settings muxer.TrackSettings) (string, error) {
	switch kind {
	case muxer.KindVideo:
		if settings.Width <= 0 || settings.Height <= 0 {
			return "", fmt.Errorf("%w: video requires dimensions", ErrBadSettings)
		}
		switch settings.Codec {
		case "vp8":
			return "V_VP8", nil
		case "vp9":
			return "V_VP9", nil
		case "h264":
			return "V_MPEG4/ISO/AVC", nil
		case "mjpeg":
			return "V_MJPEG", nil
		}
		return "", fmt.Errorf("%w: video %q", ErrUnsupportedCodec, settings.Codec)

	case muxer.KindAudio:
		if settings.SampleRate <= 0 || settings.Channels <= 0 {
			return "", fmt.Errorf("%w: audio requires sample rate and channels", ErrBadSettings)
		}
		switch settings.Codec {
		case "opus":
			return "A_OPUS", nil
		case "lpcm":
			// Encoded to Opus in-process; the encoder only accepts these rates.
			switch settings.SampleRate {
			case 8000, 12000, 16000, 24000, 48000:
			default:
				return "", fmt.Errorf(
					"%w: opus encoding requires 8/12/16/24/48 kHz, got %d",
					ErrBadSettings, settings.SampleRate)
			}
			if settings.Channels > 2 {
				return "", fmt.Errorf(
					"%w: opus encoding requires mono or stereo, got %d channels",
					ErrBadSettings, settings.Channels)
			}
			return "A_OPUS", nil
		}
		return "", fmt.Errorf("%w: audio %q", ErrUnsupportedCodec, settings.Codec)
	}
	return "", fmt.Errorf("unknown track kind: %v", kind)
}

// StartWriting writes the container header and transitions to StatusWriting.
func (w *Writer) StartWriting() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.status != muxer.StatusUnknown {
		return ErrStarted
	}
	if len(w.tracks) == 0 {
		return ErrNoTracks
	}

	entries := make([]webm.TrackEntry, len(w.tracks))
	for i, t := range w.tracks {
		entries[i] = t.entry(uint64(i + 1))
		if t.kind == muxer.KindVideo && t.transform != pixel.Rotate0 {
			if w.meta == nil {
				w.meta = map[string]string{}
			}
			w.meta["rotation"] = strconv.Itoa(t.transform.Degrees())
		}
	}

	blocks, err := webm.NewSimpleBlockWriter(w.out, entries,
		mkvcore.WithOnFatalHandler(w.onFatal))
	if err != nil {
		w.failLocked(fmt.Errorf("write container header: %w", err))
		return w.err
	}
	for i, t := range w.tracks {
		t.blk = blocks[i]
	}

	w.status = muxer.StatusWriting
	return nil
}

// onFatal records errors surfaced by the container internals. It can fire
// inside a block write while mu is held, so it only touches errMu state.
func (w *Writer) onFatal(err error) {
	w.errMu.Lock()
	defer w.errMu.Unlock()
	if w.asyncErr == nil {
		w.asyncErr = fmt.Errorf("container write: %w", err)
	}
}

// checkAsyncLocked promotes a pending fatal-handler error into the writer
// status.
func (w *Writer) checkAsyncLocked() {
	w.errMu.Lock()
	err := w.asyncErr
	w.errMu.Unlock()
	if err != nil {
		w.failLocked(err)
	}
}

// StartSession sets the presentation time that maps to zero in the output
// timeline. Samples before it are clamped.
func (w *Writer) StartSession(at time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sessionAt = at
	w.sessionSet = true
}

func (w *Writer) Status() muxer.Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.checkAsyncLocked()
	return w.status
}

func (w *Writer) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.checkAsyncLocked()
	return w.err
}

// CancelWriting abandons the container without finalizing it. The bytes
// already written are undefined as a container.
func (w *Writer) CancelWriting() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.status != muxer.StatusWriting && w.status != muxer.StatusUnknown {
		return
	}
	w.status = muxer.StatusCancelled
	w.out.Close()
}

// FinishWriting flushes buffered audio, finalizes the container and calls
// onDone. onDone runs inline.
func (w *Writer) FinishWriting(onDone func()) {
	w.mu.Lock()
	w.checkAsyncLocked()

	if w.status == muxer.StatusWriting {
		for _, t := range w.tracks {
			if err := t.flushTailLocked(); err != nil {
				w.failLocked(err)
				break
			}
		}
	}

	switch w.status {
	case muxer.StatusWriting:
		if err := w.closeBlocksLocked(); err != nil {
			w.failLocked(err)
			break
		}
		w.checkAsyncLocked()
		if w.status == muxer.StatusWriting {
			w.status = muxer.StatusCompleted
		}
	case muxer.StatusUnknown:
		w.out.Close()
		w.status = muxer.StatusCompleted
	case muxer.StatusFailed:
		w.closeBlocksLocked()
		w.out.Close()
	}
	w.mu.Unlock()

	if onDone != nil {
		onDone()
	}
}

// closeBlocksLocked closes every track's block writer once. The container
// closes the underlying output after the last one.
func (w *Writer) closeBlocksLocked() error {
	var firstErr error
	for _, t := range w.tracks {
		if t.blk == nil || t.blkClosed {
			continue
		}
		t.blkClosed = true
		if err := t.blk.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close %v track: %w", t.kind, err)
		}
	}
	return firstErr
}

func (w *Writer) Metadata() map[string]string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.meta
}

func (w *Writer) SetMetadata(meta map[string]string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.meta) == 0 {
		w.meta = meta
		return
	}
	for k, v := range meta {
		w.meta[k] = v
	}
}

func (w *Writer) failLocked(err error) {
	if w.status != muxer.StatusWriting && w.status != muxer.StatusUnknown {
		return
	}
	w.status = muxer.StatusFailed
	w.err = err
}

// millisLocked converts pts into block timestamp milliseconds relative to
// the session start, clamping to zero.
func (w *Writer) millisLocked(pts time.Duration) int64 {
	rel := pts
	if w.sessionSet {
		rel = pts - w.sessionAt
	}
	if rel < 0 {
		rel = 0
	}
	return int64(rel / time.Millisecond)
}
