// Package muxertest provides a scripted in-memory writer for pipeline tests.
package muxertest

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"recmux/pkg/muxer"
	"recmux/pkg/pixel"
)

// Config scripts the writer's behavior.
type Config struct {
	// FailAddTrack makes AddTrack return an error.
	FailAddTrack bool

	// StartFailed puts the writer in StatusFailed from the start.
	StartFailed bool

	// FailStartWriting makes StartWriting return an error and fail the
	// writer.
	FailStartWriting bool

	// ManualFinish defers FinishWriting's onDone until Finalize is called.
	ManualFinish bool
}

// ErrMock is the failure cause used by scripted failures.
var ErrMock = errors.New("mock")

// Writer is an in-memory muxer.Writer that records everything it is handed.
type Writer struct {
	mu         sync.Mutex
	c          Config
	status     muxer.Status
	err        error
	sessionAt  time.Duration
	sessionSet bool
	meta       map[string]string
	onDone     func()

	VideoTrack *Track
	AudioTrack *Track
}

// NewWriter creates a writer from config.
func NewWriter(c Config) *Writer {
	w := &Writer{c: c}
	if c.StartFailed {
		w.status = muxer.StatusFailed
		w.err = ErrMock
	}
	return w
}

// New creates a writer that accepts everything.
func New() *Writer {
	return NewWriter(Config{})
}

func (w *Writer) AddTrack(kind muxer.Kind, settings muxer.TrackSettings) (muxer.TrackInput, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.c.FailAddTrack {
		return nil, ErrMock
	}
	track := &Track{kind: kind, settings: settings, ready: true}
	switch kind {
	case muxer.KindVideo:
		w.VideoTrack = track
	case muxer.KindAudio:
		w.AudioTrack = track
	default:
		return nil, fmt.Errorf("unknown kind: %v", kind)
	}
	return track, nil
}

func (w *Writer) StartWriting() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.c.FailStartWriting {
		w.status = muxer.StatusFailed
		w.err = ErrMock
		return ErrMock
	}
	if w.status == muxer.StatusUnknown {
		w.status = muxer.StatusWriting
	}
	return nil
}

func (w *Writer) StartSession(at time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sessionAt = at
	w.sessionSet = true
}

func (w *Writer) Status() muxer.Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

func (w *Writer) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

func (w *Writer) CancelWriting() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.status == muxer.StatusWriting || w.status == muxer.StatusUnknown {
		w.status = muxer.StatusCancelled
	}
}

func (w *Writer) FinishWriting(onDone func()) {
	w.mu.Lock()
	if w.status == muxer.StatusWriting {
		if w.c.ManualFinish {
			w.onDone = onDone
			w.mu.Unlock()
			return
		}
		w.status = muxer.StatusCompleted
	}
	w.mu.Unlock()
	onDone()
}

// Finalize completes a ManualFinish writer and runs the pending onDone.
func (w *Writer) Finalize() {
	w.mu.Lock()
	onDone := w.onDone
	w.onDone = nil
	if w.status == muxer.StatusWriting {
		w.status = muxer.StatusCompleted
	}
	w.mu.Unlock()

	if onDone != nil {
		onDone()
	}
}

// Fail forces the writer into StatusFailed.
func (w *Writer) Fail(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = muxer.StatusFailed
	w.err = err
}

// SessionStart reports the StartSession timestamp and whether it was set.
func (w *Writer) SessionStart() (time.Duration, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sessionAt, w.sessionSet
}

func (w *Writer) Metadata() map[string]string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.meta
}

func (w *Writer) SetMetadata(meta map[string]string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.meta = meta
}

// Track is a scripted muxer.TrackInput. Appended payloads are copied, so
// they stay inspectable after the pipeline releases its buffers.
type Track struct {
	mu        sync.Mutex
	kind      muxer.Kind
	settings  muxer.TrackSettings
	ready     bool
	reject    int
	panicNext bool
	finished  bool
	transform pixel.Rotation
	samples   []muxer.Sample
	wake      func()
	onAppend  func(muxer.Sample)
}

func (t *Track) ReadyForMoreData() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ready
}

func (t *Track) Append(s muxer.Sample) bool {
	t.mu.Lock()
	if t.panicNext {
		t.panicNext = false
		t.mu.Unlock()
		panic("mock append")
	}
	if t.reject > 0 {
		t.reject--
		t.mu.Unlock()
		return false
	}
	t.samples = append(t.samples, copySample(s))
	onAppend := t.onAppend
	t.mu.Unlock()

	if onAppend != nil {
		onAppend(s)
	}
	return true
}

func (t *Track) MarkFinished() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.finished = true
}

func (t *Track) SetTransform(rotation pixel.Rotation) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.transform = rotation
}

func (t *Track) NotifyReady(wake func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.wake = wake
}

// SetReady scripts the readiness signal and wakes any registered waiter.
func (t *Track) SetReady(ready bool) {
	t.mu.Lock()
	t.ready = ready
	wake := t.wake
	t.mu.Unlock()

	if ready && wake != nil {
		wake()
	}
}

// RejectNext makes the next n appends return false.
func (t *Track) RejectNext(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reject = n
}

// PanicOnAppend makes the next append panic.
func (t *Track) PanicOnAppend() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.panicNext = true
}

// OnAppend registers a hook invoked after each accepted append.
func (t *Track) OnAppend(fn func(muxer.Sample)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onAppend = fn
}

// Samples returns a copy of the accepted samples.
func (t *Track) Samples() []muxer.Sample {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]muxer.Sample(nil), t.samples...)
}

// Count returns the number of accepted samples.
func (t *Track) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.samples)
}

// IsFinished reports whether MarkFinished was called.
func (t *Track) IsFinished() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finished
}

// Transform returns the recorded orientation.
func (t *Track) Transform() pixel.Rotation {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transform
}

// Settings returns the track settings passed to AddTrack.
func (t *Track) Settings() muxer.TrackSettings {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.settings
}

func copySample(s muxer.Sample) muxer.Sample {
	out := muxer.Sample{PTS: s.PTS, Sync: s.Sync}
	if s.Pixels != nil {
		buf, err := pixel.NewBuffer(s.Pixels.Width, s.Pixels.Height, s.Pixels.Format)
		if err == nil {
			copy(buf.Pix, s.Pixels.Pix)
			out.Pixels = buf
		}
	}
	if s.PCM != nil {
		out.PCM = append([]int16(nil), s.PCM...)
	}
	if s.Data != nil {
		out.Data = append([]byte(nil), s.Data...)
	}
	return out
}
