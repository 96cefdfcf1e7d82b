package recorder

import (
	"time"

	"recmux/pkg/muxer"
)

// pullState is the explicit lifecycle of one pull loop.
type pullState uint8

const (
	pullPolling pullState = iota
	pullDraining
	pullFinished
)

// startPullLocked spawns one polling goroutine per configured pull callback.
func (r *Recorder) startPullLocked(s *session) {
	if cb := r.callbacks.VideoReady; cb != nil {
		r.pullWG.Add(1)
		go r.pullLoop(s, muxer.KindVideo, cb)
	}
	if cb := r.callbacks.AudioReady; cb != nil && s.audio.input != nil {
		r.pullWG.Add(1)
		go r.pullLoop(s, muxer.KindAudio, cb)
	}
}

// pullLoop drives one pull-mode track. While the session records and the
// track accepts data, the callback is asked to push more; a false return
// drains the track by marking it finished on the serialized context, then
// the loop exits. Samples themselves arrive through the regular submit
// methods called from inside the callback.
func (r *Recorder) pullLoop(s *session, kind muxer.Kind, pull func() bool) {
	defer r.pullWG.Done()

	state := pullPolling
	for {
		switch state {
		case pullPolling:
			r.gate.mu.Lock()
			if r.session != s || s.state != StateRecording {
				r.gate.mu.Unlock()
				return
			}
			t := s.trackFor(kind)
			if t.finished {
				r.gate.mu.Unlock()
				return
			}
			paused := r.paused
			ready := t.input.ReadyForMoreData()
			r.gate.mu.Unlock()

			if paused || !ready {
				time.Sleep(r.pullPollInterval)
				continue
			}
			if !pull() {
				state = pullDraining
			}

		case pullDraining:
			r.gate.dispatch(func() {
				r.gate.mu.Lock()
				defer r.gate.mu.Unlock()
				if r.session != s {
					return
				}
				r.markTrackFinishedLocked(s, s.trackFor(kind))
			})
			state = pullFinished

		case pullFinished:
			r.logger.Debug().Src("recorder").Rec(r.c.ID()).
				Msgf("%v pull loop finished", kind)
			return
		}
	}
}
