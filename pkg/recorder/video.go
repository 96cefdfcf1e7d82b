package recorder

import (
	"fmt"
	"time"

	"recmux/pkg/muxer"
	"recmux/pkg/pixel"
	"recmux/pkg/render"
)

// SubmitFrame ingests one source framebuffer: renders it to an output pixel
// buffer at the configured size and appends the result to the video track.
// The framebuffer is locked for the duration of the call. Frames are dropped
// while not recording, on invalid or duplicate timestamps, and under
// backpressure in live mode.
func (r *Recorder) SubmitFrame(fb *render.Framebuffer, pts time.Duration, rot pixel.Rotation) {
	fb.Lock()
	defer fb.Unlock()

	r.gate.mu.Lock()
	defer r.gate.mu.Unlock()

	s := r.session
	if s == nil || s.state != StateRecording {
		r.dropLocked(muxer.KindVideo, "not recording")
		return
	}
	if r.c.DirectAppend() {
		r.dropLocked(muxer.KindVideo, "track configured for direct append")
		return
	}
	if pts == muxer.NoTimestamp {
		r.dropLocked(muxer.KindVideo, "invalid timestamp")
		return
	}
	if s.video.lastSet && pts == s.video.last {
		r.dropLocked(muxer.KindVideo, fmt.Sprintf("duplicate timestamp %v", pts))
		return
	}
	if !r.resolveOriginLocked(s, pts) {
		return
	}
	if !r.waitTrackReady(s, &s.video) {
		r.dropLocked(muxer.KindVideo, "video track not ready")
		return
	}

	buf, err := r.rendererLocked().RenderFrame(fb, rot)
	if err != nil {
		r.counters.countDrop(muxer.KindVideo)
		r.logger.Error().Src("recorder").Rec(r.c.ID()).
			Msgf("dropping video sample: render: %v", err)
		return
	}
	defer buf.Release()

	s.video.last = pts
	s.video.lastSet = true

	if status := s.writer.Status(); status != muxer.StatusWriting {
		r.dropLocked(muxer.KindVideo, fmt.Sprintf("writer status %v", status))
		return
	}
	ok, err := appendSample(s.video.input, muxer.Sample{PTS: pts, Pixels: buf})
	if err != nil {
		r.failLocked(s, fmt.Errorf("%w: %v", ErrVideoAppend, err))
		return
	}
	if !ok {
		r.counters.countDrop(muxer.KindVideo)
		r.logger.Error().Src("recorder").Rec(r.c.ID()).
			Msgf("video append rejected at %v", pts)
		return
	}
	r.counters.countAppend(muxer.KindVideo)
}

// SubmitEncodedFrame forwards an externally-encoded video access unit
// straight to the track, bypassing rendering. Only valid in direct-append
// mode. sync marks the access unit as a sync sample.
func (r *Recorder) SubmitEncodedFrame(data []byte, pts time.Duration, sync bool) {
	r.gate.mu.Lock()
	defer r.gate.mu.Unlock()

	s := r.session
	if s == nil || s.state != StateRecording {
		r.dropLocked(muxer.KindVideo, "not recording")
		return
	}
	if !r.c.DirectAppend() {
		r.dropLocked(muxer.KindVideo, "track not configured for direct append")
		return
	}
	if pts == muxer.NoTimestamp {
		r.dropLocked(muxer.KindVideo, "invalid timestamp")
		return
	}
	if s.video.lastSet && pts == s.video.last {
		r.dropLocked(muxer.KindVideo, fmt.Sprintf("duplicate timestamp %v", pts))
		return
	}
	if !r.resolveOriginLocked(s, pts) {
		return
	}
	if !r.waitTrackReady(s, &s.video) {
		r.dropLocked(muxer.KindVideo, "video track not ready")
		return
	}

	s.video.last = pts
	s.video.lastSet = true

	if status := s.writer.Status(); status != muxer.StatusWriting {
		r.dropLocked(muxer.KindVideo, fmt.Sprintf("writer status %v", status))
		return
	}
	ok, err := appendSample(s.video.input, muxer.Sample{PTS: pts, Data: data, Sync: sync})
	if err != nil {
		r.failLocked(s, fmt.Errorf("%w: %v", ErrVideoAppend, err))
		return
	}
	if !ok {
		r.counters.countDrop(muxer.KindVideo)
		r.logger.Error().Src("recorder").Rec(r.c.ID()).
			Msgf("video append rejected at %v", pts)
		return
	}
	r.counters.countAppend(muxer.KindVideo)
}
