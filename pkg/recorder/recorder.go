// Package recorder implements the frame-synchronized dual-track recording
// pipeline: a state machine around an external container writer, timestamp
// origin negotiation between the video and audio streams, per-track
// drop-or-block flow control, and optional pull-mode scheduling.
package recorder

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"recmux/pkg/log"
	"recmux/pkg/muxer"
	"recmux/pkg/pixel"
	"recmux/pkg/render"
)

// State is the lifecycle state of a recording session.
type State uint8

// States.
const (
	StateIdle State = iota
	StateRecording
	StateFinishing
	StateCompleted
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StateFinishing:
		return "finishing"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Recorder errors.
var (
	ErrNotIdle            = errors.New("recording already in progress")
	ErrNoWriter           = errors.New("no writer factory")
	ErrClosed             = errors.New("recorder closed")
	ErrWriterPrecondition = errors.New("writer in failed state")
	ErrVideoAppend        = errors.New("video append failed")
	ErrAudioAppend        = errors.New("audio append failed")
)

// WriterFunc creates the container writer for one recording session.
type WriterFunc func() (muxer.Writer, error)

// Callbacks hook the application into the pipeline. All callbacks run on the
// recorder's dispatch goroutine, outside the state mutex, so they may call
// back into the recorder.
type Callbacks struct {
	// Completion fires once after a session finalizes successfully.
	Completion func()

	// Failure fires once when a session fails. Takes priority over the
	// delegate when both are set.
	Failure func(error)

	// VideoReady enables pull-mode video: polled while the track accepts
	// data, it should push a frame and report whether more will come.
	VideoReady func() bool

	// AudioReady enables pull-mode audio.
	AudioReady func() bool

	// AudioTransform mutates PCM samples in place before they reach the
	// track. sampleCount is per channel. Unlike the other callbacks it runs
	// synchronously on the ingest path and must not call back into the
	// recorder.
	AudioTransform func(samples []int16, sampleCount int)
}

// Delegate receives failures when no Failure callback is registered.
type Delegate interface {
	RecordingFailed(err error)
}

type track struct {
	input    muxer.TrackInput
	finished bool
	lastSet  bool
	last     time.Duration
}

// session is the state of one recording attempt. A recorder creates a fresh
// session per Start; goroutines that outlive a session compare pointers to
// detect that theirs was replaced.
type session struct {
	gen    uint64
	writer muxer.Writer
	state  State
	err    error

	originSet bool
	origin    time.Duration

	video track
	audio track

	onFinished []func()
}

func (s *session) trackFor(kind muxer.Kind) *track {
	if kind == muxer.KindAudio {
		return &s.audio
	}
	return &s.video
}

// Recorder ingests video frames and audio buffers, synchronizes their
// timestamps onto a shared origin and feeds them to a container writer.
// All exported methods are safe for concurrent use.
type Recorder struct {
	c         Config
	newWriter WriterFunc
	logger    *log.Logger
	callbacks Callbacks

	gate *gate

	// Guarded by the gate mutex.
	session      *session
	meta         map[string]string
	paused       bool
	delegate     Delegate
	renderer     *render.Renderer
	transform    pixel.Rotation
	hasTransform bool
	closed       bool
	counters     Counters

	// wake is closed and replaced by every transition that could unblock
	// a readiness wait.
	wake chan struct{}

	readyPollInterval time.Duration
	pullPollInterval  time.Duration

	pullWG sync.WaitGroup
}

// New creates a recorder. newWriter is invoked once per Start to create the
// session's container writer. The logger must be running.
func New(c Config, newWriter WriterFunc, logger *log.Logger, callbacks Callbacks) (*Recorder, error) {
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if newWriter == nil {
		return nil, ErrNoWriter
	}
	return &Recorder{
		c:                 c,
		newWriter:         newWriter,
		logger:            logger,
		callbacks:         callbacks,
		gate:              newGate(),
		wake:              make(chan struct{}),
		readyPollInterval: 100 * time.Millisecond,
		pullPollInterval:  10 * time.Millisecond,
	}, nil
}

// Start begins a new recording session: creates the writer, adds the
// configured tracks and starts writing. Returns ErrNotIdle while a previous
// session is still recording or finishing.
func (r *Recorder) Start() error {
	r.gate.mu.Lock()
	defer r.gate.mu.Unlock()
	return r.startLocked()
}

// StartWithOrientation sets a one-time display transform on the video track
// and starts a session.
func (r *Recorder) StartWithOrientation(rot pixel.Rotation) error {
	r.gate.mu.Lock()
	defer r.gate.mu.Unlock()
	r.transform = rot
	r.hasTransform = true
	return r.startLocked()
}

func (r *Recorder) startLocked() error {
	if r.closed {
		return ErrClosed
	}
	if s := r.session; s != nil && (s.state == StateRecording || s.state == StateFinishing) {
		return ErrNotIdle
	}

	gen := uint64(1)
	if r.session != nil {
		gen = r.session.gen + 1
	}
	s := &session{gen: gen, state: StateIdle}
	r.session = s
	r.broadcastLocked()

	w, err := r.newWriter()
	if err != nil {
		err = fmt.Errorf("create writer: %w", err)
		r.failLocked(s, err)
		return err
	}
	s.writer = w

	if w.Status() == muxer.StatusFailed {
		err := fmt.Errorf("%w: %v", ErrWriterPrecondition, w.Err())
		r.failLocked(s, err)
		return err
	}

	videoIn, err := w.AddTrack(muxer.KindVideo, r.videoSettings())
	if err != nil {
		err = fmt.Errorf("add video track: %w", err)
		r.failLocked(s, err)
		return err
	}
	s.video.input = videoIn
	if r.hasTransform {
		videoIn.SetTransform(r.transform)
		r.hasTransform = false
	}

	if r.c.HasAudio() {
		audioIn, err := w.AddTrack(muxer.KindAudio, r.audioSettings())
		if err != nil {
			err = fmt.Errorf("add audio track: %w", err)
			r.failLocked(s, err)
			return err
		}
		s.audio.input = audioIn
	}

	if r.meta != nil {
		w.SetMetadata(r.meta)
	}

	if err := w.StartWriting(); err != nil {
		err = fmt.Errorf("start writing: %w", err)
		r.failLocked(s, err)
		return err
	}

	s.state = StateRecording
	r.registerWakeLocked(s)
	r.startPullLocked(s)

	r.logger.Info().Src("recorder").Rec(r.c.ID()).Msg("recording started")
	return nil
}

// registerWakeLocked subscribes to track readiness so blocked submitters
// re-check as soon as the writer drains instead of waiting out the poll
// interval.
func (r *Recorder) registerWakeLocked(s *session) {
	wake := func() {
		r.gate.mu.Lock()
		r.broadcastLocked()
		r.gate.mu.Unlock()
	}
	if n, ok := s.video.input.(muxer.ReadyNotifier); ok {
		n.NotifyReady(wake)
	}
	if s.audio.input != nil {
		if n, ok := s.audio.input.(muxer.ReadyNotifier); ok {
			n.NotifyReady(wake)
		}
	}
}

// Cancel aborts the active session. The output is undefined afterward.
// Canceling a completed or never-started session has no effect.
func (r *Recorder) Cancel() {
	r.gate.mu.Lock()
	defer r.gate.mu.Unlock()
	s := r.session
	if s == nil || s.writer == nil {
		return
	}
	r.cancelLocked(s)
}

func (r *Recorder) cancelLocked(s *session) {
	if s.state == StateCancelled || s.writer.Status() == muxer.StatusCompleted {
		return
	}
	r.finishTracksLocked(s)
	s.writer.CancelWriting()
	if s.state != StateFailed {
		s.state = StateCancelled
	}
	r.broadcastLocked()
	r.teardownRendererLocked()
	r.logger.Info().Src("recorder").Rec(r.c.ID()).Msg("recording cancelled")
}

// Finish finalizes the active session. onDone, if non-nil, is dispatched on
// the recorder's serialized context after finalization completes, never
// inline. Finish on an idle or already-final session dispatches onDone
// immediately.
func (r *Recorder) Finish(onDone func()) {
	r.gate.mu.Lock()
	defer r.gate.mu.Unlock()

	s := r.session
	if s == nil || s.writer == nil {
		if onDone != nil {
			r.gate.dispatch(onDone)
		}
		return
	}
	switch s.writer.Status() {
	case muxer.StatusCompleted, muxer.StatusCancelled, muxer.StatusUnknown:
		if onDone != nil {
			r.gate.dispatch(onDone)
		}
		return
	}

	if onDone != nil {
		s.onFinished = append(s.onFinished, onDone)
	}
	if s.state == StateFinishing {
		return
	}

	r.finishTracksLocked(s)
	if s.state != StateFailed {
		s.state = StateFinishing
	}
	r.broadcastLocked()
	r.logger.Info().Src("recorder").Rec(r.c.ID()).Msg("finishing recording")

	s.writer.FinishWriting(func() {
		r.gate.dispatch(func() { r.finishDone(s) })
	})
}

func (r *Recorder) finishDone(s *session) {
	r.gate.mu.Lock()

	var notify func()
	if r.session == s && s.state == StateFinishing {
		if s.writer.Status() == muxer.StatusFailed {
			s.state = StateFailed
			s.err = fmt.Errorf("finish writing: %w", s.writer.Err())
			r.logger.Error().Src("recorder").Rec(r.c.ID()).
				Msgf("recording failed: %v", s.err)

			err := s.err
			cb := r.callbacks.Failure
			delegate := r.delegate
			notify = func() {
				if cb != nil {
					cb(err)
				} else if delegate != nil {
					delegate.RecordingFailed(err)
				}
			}
		} else {
			s.state = StateCompleted
			notify = r.callbacks.Completion
			r.logger.Info().Src("recorder").Rec(r.c.ID()).Msg("recording finished")
		}
		r.broadcastLocked()
		r.teardownRendererLocked()
	}
	pending := s.onFinished
	s.onFinished = nil
	r.gate.mu.Unlock()

	if notify != nil {
		notify()
	}
	for _, f := range pending {
		f()
	}
}

// failLocked moves the session to Failed and dispatches the failure
// notification. Only the first failure wins.
func (r *Recorder) failLocked(s *session, err error) {
	if s.state == StateFailed {
		return
	}
	s.state = StateFailed
	s.err = err
	r.logger.Error().Src("recorder").Rec(r.c.ID()).Msgf("recording failed: %v", err)
	r.broadcastLocked()
	r.teardownRendererLocked()

	cb := r.callbacks.Failure
	delegate := r.delegate
	r.gate.dispatch(func() {
		if cb != nil {
			cb(err)
		} else if delegate != nil {
			delegate.RecordingFailed(err)
		}
	})
}

func (r *Recorder) finishTracksLocked(s *session) {
	r.markTrackFinishedLocked(s, &s.video)
	if s.audio.input != nil {
		r.markTrackFinishedLocked(s, &s.audio)
	}
}

func (r *Recorder) markTrackFinishedLocked(s *session, t *track) {
	if t.input == nil || t.finished {
		return
	}
	t.finished = true
	t.input.MarkFinished()
	r.broadcastLocked()
}

// broadcastLocked wakes every goroutine parked in waitTrackReady.
func (r *Recorder) broadcastLocked() {
	close(r.wake)
	r.wake = make(chan struct{})
}

// waitTrackReady implements the flow-control policy. It reports whether the
// caller may append: true once the track accepts more data, false when the
// sample must be dropped instead. In live mode a not-ready track drops
// immediately; otherwise the caller parks until the track drains, the track
// finishes or the session stops recording. The gate mutex is released while
// parked and held again on return.
func (r *Recorder) waitTrackReady(s *session, t *track) bool {
	if t.finished {
		return false
	}
	if t.input.ReadyForMoreData() {
		return true
	}
	if r.c.LiveEncoding() {
		return false
	}
	for {
		wake := r.wake
		r.gate.mu.Unlock()
		select {
		case <-wake:
		case <-time.After(r.readyPollInterval):
		}
		r.gate.mu.Lock()

		if r.session != s || s.state != StateRecording || t.finished {
			return false
		}
		if t.input.ReadyForMoreData() {
			return true
		}
	}
}

// resolveOriginLocked claims pts as the session time origin unless another
// track got there first. Returns false when ingestion must stop because the
// writer is already in a failed state.
func (r *Recorder) resolveOriginLocked(s *session, pts time.Duration) bool {
	if s.originSet {
		return true
	}
	if s.writer.Status() == muxer.StatusFailed {
		r.failLocked(s, fmt.Errorf("%w: %v", ErrWriterPrecondition, s.writer.Err()))
		return false
	}
	s.writer.StartSession(pts)
	s.originSet = true
	s.origin = pts
	r.logger.Debug().Src("recorder").Rec(r.c.ID()).Msgf("session origin %v", pts)
	return true
}

// Counters are cumulative sample statistics across all of a recorder's
// sessions.
type Counters struct {
	VideoAppended uint64
	AudioAppended uint64
	VideoDropped  uint64
	AudioDropped  uint64
}

func (c *Counters) countAppend(kind muxer.Kind) {
	if kind == muxer.KindAudio {
		c.AudioAppended++
	} else {
		c.VideoAppended++
	}
}

func (c *Counters) countDrop(kind muxer.Kind) {
	if kind == muxer.KindAudio {
		c.AudioDropped++
	} else {
		c.VideoDropped++
	}
}

// Counters returns a snapshot of the sample statistics.
func (r *Recorder) Counters() Counters {
	r.gate.mu.Lock()
	defer r.gate.mu.Unlock()
	return r.counters
}

func (r *Recorder) dropLocked(kind muxer.Kind, reason string) {
	r.counters.countDrop(kind)
	r.logger.Warn().Src("recorder").Rec(r.c.ID()).
		Msgf("dropping %v sample: %v", kind, reason)
}

// appendSample calls Append and converts a panic into an error.
func appendSample(input muxer.TrackInput, s muxer.Sample) (ok bool, err error) {
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("%v", v)
		}
	}()
	return input.Append(s), nil
}

func (r *Recorder) rendererLocked() *render.Renderer {
	if r.renderer == nil {
		r.renderer = render.NewRenderer(
			r.c.Width(), r.c.Height(), r.c.PixelFormat(), r.c.PixelPoolSize())
	}
	return r.renderer
}

func (r *Recorder) teardownRendererLocked() {
	if r.renderer != nil {
		r.renderer.Close()
		r.renderer = nil
	}
}

func (r *Recorder) videoSettings() muxer.TrackSettings {
	return muxer.TrackSettings{
		Codec:  r.c.VideoCodec(),
		Width:  r.c.Width(),
		Height: r.c.Height(),
		SPS:    r.c.SPS(),
		PPS:    r.c.PPS(),
	}
}

func (r *Recorder) audioSettings() muxer.TrackSettings {
	return muxer.TrackSettings{
		Codec:      r.c.AudioCodec(),
		SampleRate: r.c.AudioSampleRate(),
		Channels:   r.c.AudioChannels(),
	}
}

// State returns the state of the current session, or StateIdle before the
// first Start.
func (r *Recorder) State() State {
	r.gate.mu.Lock()
	defer r.gate.mu.Unlock()
	if r.session == nil {
		return StateIdle
	}
	return r.session.state
}

// Err returns the error that failed the current session, if any.
func (r *Recorder) Err() error {
	r.gate.mu.Lock()
	defer r.gate.mu.Unlock()
	if r.session == nil {
		return nil
	}
	return r.session.err
}

// Duration returns the presentation time covered so far: the later of the
// last accepted video and audio timestamps minus the session time origin.
// Zero before the origin is set.
func (r *Recorder) Duration() time.Duration {
	r.gate.mu.Lock()
	defer r.gate.mu.Unlock()

	s := r.session
	if s == nil || !s.originSet {
		return 0
	}
	var last time.Duration
	var ok bool
	if s.video.lastSet {
		last = s.video.last
		ok = true
	}
	if s.audio.lastSet && (!ok || s.audio.last > last) {
		last = s.audio.last
		ok = true
	}
	if !ok {
		return 0
	}
	return last - s.origin
}

// SetPaused suspends or resumes pull-mode polling. Push-mode ingestion is
// unaffected.
func (r *Recorder) SetPaused(paused bool) {
	r.gate.mu.Lock()
	defer r.gate.mu.Unlock()
	r.paused = paused
}

// Paused reports whether pull-mode polling is suspended.
func (r *Recorder) Paused() bool {
	r.gate.mu.Lock()
	defer r.gate.mu.Unlock()
	return r.paused
}

// SetDelegate registers the fallback failure receiver.
func (r *Recorder) SetDelegate(d Delegate) {
	r.gate.mu.Lock()
	defer r.gate.mu.Unlock()
	r.delegate = d
}

// SetMetadata stores metadata for the writer. Forwarded immediately to an
// active session and handed to future sessions at Start.
func (r *Recorder) SetMetadata(meta map[string]string) {
	r.gate.mu.Lock()
	defer r.gate.mu.Unlock()
	r.meta = meta
	if s := r.session; s != nil && s.writer != nil && s.state == StateRecording {
		s.writer.SetMetadata(meta)
	}
}

// Metadata returns the metadata of the active session's writer, or the
// stored value when no session is active.
func (r *Recorder) Metadata() map[string]string {
	r.gate.mu.Lock()
	defer r.gate.mu.Unlock()
	if s := r.session; s != nil && s.writer != nil {
		return s.writer.Metadata()
	}
	return r.meta
}

// Close cancels any active session, waits for the pull loops to exit and
// stops the dispatch goroutine. The recorder cannot be restarted. Close must
// not be called from a callback.
func (r *Recorder) Close() {
	r.gate.mu.Lock()
	if r.closed {
		r.gate.mu.Unlock()
		return
	}
	r.closed = true
	if s := r.session; s != nil && s.writer != nil &&
		(s.state == StateRecording || s.state == StateFinishing) {
		r.cancelLocked(s)
	}
	r.teardownRendererLocked()
	r.gate.mu.Unlock()

	r.pullWG.Wait()
	r.gate.close()
}
