package recorder

import (
	"fmt"
	"sync"
	"time"

	"recmux/pkg/muxer"
)

// AudioBuffer is one buffer of interleaved PCM samples. Producers that
// recycle buffers may pass an invalidate hook and enable
// invalidateAudioSamples in the config; the pipeline then invalidates the
// buffer as soon as it has been consumed or dropped.
type AudioBuffer struct {
	PCM []int16
	PTS time.Duration

	mu           sync.Mutex
	invalidated  bool
	onInvalidate func()
}

// NewAudioBuffer wraps pcm with presentation timestamp pts. onInvalidate may
// be nil.
func NewAudioBuffer(pcm []int16, pts time.Duration, onInvalidate func()) *AudioBuffer {
	return &AudioBuffer{PCM: pcm, PTS: pts, onInvalidate: onInvalidate}
}

// Invalidate returns the buffer to its producer. Idempotent.
func (b *AudioBuffer) Invalidate() {
	b.mu.Lock()
	if b.invalidated {
		b.mu.Unlock()
		return
	}
	b.invalidated = true
	hook := b.onInvalidate
	b.mu.Unlock()

	if hook != nil {
		hook()
	}
}

// Invalidated reports whether the buffer has been invalidated.
func (b *AudioBuffer) Invalidated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.invalidated
}

// SubmitAudio ingests one PCM buffer and appends it to the audio track.
// Returns without touching the buffer when no audio track is configured or
// no session is recording; every other path invalidates the buffer before
// returning if invalidateAudioSamples is set.
func (r *Recorder) SubmitAudio(buf *AudioBuffer) {
	r.gate.mu.Lock()
	defer r.gate.mu.Unlock()

	s := r.session
	if s == nil || s.state != StateRecording || s.audio.input == nil {
		return
	}
	if r.c.InvalidateAudioSamples() {
		defer buf.Invalidate()
	}

	pts := buf.PTS
	if pts == muxer.NoTimestamp {
		r.dropLocked(muxer.KindAudio, "invalid timestamp")
		return
	}
	if !r.resolveOriginLocked(s, pts) {
		return
	}
	if !r.waitTrackReady(s, &s.audio) {
		r.dropLocked(muxer.KindAudio, "audio track not ready")
		return
	}

	if transform := r.callbacks.AudioTransform; transform != nil {
		transform(buf.PCM, len(buf.PCM)/r.c.AudioChannels())
	}

	s.audio.last = pts
	s.audio.lastSet = true

	if status := s.writer.Status(); status != muxer.StatusWriting {
		r.dropLocked(muxer.KindAudio, fmt.Sprintf("writer status %v", status))
		return
	}
	ok, err := appendSample(s.audio.input, muxer.Sample{PTS: pts, PCM: buf.PCM})
	if err != nil {
		r.failLocked(s, fmt.Errorf("%w: %v", ErrAudioAppend, err))
		return
	}
	if !ok {
		r.counters.countDrop(muxer.KindAudio)
		r.logger.Error().Src("recorder").Rec(r.c.ID()).
			Msgf("audio append rejected at %v", pts)
		return
	}
	r.counters.countAppend(muxer.KindAudio)
}

// SubmitEncodedAudio forwards an externally-encoded audio sample straight to
// the audio track.
func (r *Recorder) SubmitEncodedAudio(data []byte, pts time.Duration) {
	r.gate.mu.Lock()
	defer r.gate.mu.Unlock()

	s := r.session
	if s == nil || s.state != StateRecording || s.audio.input == nil {
		return
	}
	if pts == muxer.NoTimestamp {
		r.dropLocked(muxer.KindAudio, "invalid timestamp")
		return
	}
	if !r.resolveOriginLocked(s, pts) {
		return
	}
	if !r.waitTrackReady(s, &s.audio) {
		r.dropLocked(muxer.KindAudio, "audio track not ready")
		return
	}

	s.audio.last = pts
	s.audio.lastSet = true

	if status := s.writer.Status(); status != muxer.StatusWriting {
		r.dropLocked(muxer.KindAudio, fmt.Sprintf("writer status %v", status))
		return
	}
	ok, err := appendSample(s.audio.input, muxer.Sample{PTS: pts, Data: data})
	if err != nil {
		r.failLocked(s, fmt.Errorf("%w: %v", ErrAudioAppend, err))
		return
	}
	if !ok {
		r.counters.countDrop(muxer.KindAudio)
		r.logger.Error().Src("recorder").Rec(r.c.ID()).
			Msgf("audio append rejected at %v", pts)
		return
	}
	r.counters.countAppend(muxer.KindAudio)
}
