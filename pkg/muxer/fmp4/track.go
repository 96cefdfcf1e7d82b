package fmp4

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"

	"recmux/pkg/muxer"
	"recmux/pkg/pixel"
)

// pendingSample is a fully encoded sample waiting for its successor. Sample
// durations are only known once the next timestamp arrives, so each track
// buffers exactly one sample.
type pendingSample struct {
	dts     int64
	payload []byte
	sync    bool
}

type trackInput struct {
	w         *Writer
	id        int
	kind      muxer.Kind
	settings  muxer.TrackSettings
	codec     mp4.Codec
	timeScale uint32
	transform pixel.Rotation

	pending      *pendingSample
	lastDuration uint32
	finished     bool
}

// ReadyForMoreData reports whether Append can accept a sample. The writer
// never exerts backpressure, so this only turns false on terminal states.
func (t *trackInput) ReadyForMoreData() bool {
	t.w.mu.Lock()
	defer t.w.mu.Unlock()
	return t.w.status == muxer.StatusWriting && !t.finished
}

// Append encodes sample and flushes the previously pending one. Returns
// false when the sample was not accepted.
func (t *trackInput) Append(sample muxer.Sample) bool {
	t.w.mu.Lock()
	defer t.w.mu.Unlock()

	if t.w.status != muxer.StatusWriting || t.finished {
		return false
	}

	payload, sync, err := t.encode(sample)
	if err != nil {
		t.w.failLocked(err)
		return false
	}

	dts := t.w.scaledLocked(sample.PTS, t.timeScale)
	if t.pending != nil && dts <= t.pending.dts {
		return false
	}

	if t.pending != nil {
		duration := uint32(dts - t.pending.dts)
		if err := t.flushPendingLocked(duration); err != nil {
			t.w.failLocked(err)
			return false
		}
	}
	t.pending = &pendingSample{dts: dts, payload: payload, sync: sync}
	return true
}

// MarkFinished flushes the tail sample and stops the track. The writer
// finishes once FinishWriting is called.
func (t *trackInput) MarkFinished() {
	t.w.mu.Lock()
	defer t.w.mu.Unlock()

	if t.finished {
		return
	}
	if t.w.status == muxer.StatusWriting {
		if err := t.flushTailLocked(); err != nil {
			t.w.failLocked(err)
		}
	}
	t.finished = true
}

// SetTransform records the display rotation. Fragmented MP4 has no per-track
// rotation matrix hook in this writer, so it is surfaced through metadata
// when writing starts.
func (t *trackInput) SetTransform(rotation pixel.Rotation) {
	t.w.mu.Lock()
	defer t.w.mu.Unlock()
	t.transform = rotation
}

func (t *trackInput) flushPendingLocked(duration uint32) error {
	if duration == 0 {
		duration = 1
	}
	p := t.pending
	t.pending = nil
	t.lastDuration = duration

	return t.w.writePartLocked(t.id, p.dts, &fmp4.Sample{
		Duration:        duration,
		IsNonSyncSample: !p.sync,
		Payload:         p.payload,
	})
}

// flushTailLocked writes the final buffered sample using the best duration
// estimate available.
func (t *trackInput) flushTailLocked() error {
	if t.pending == nil {
		return nil
	}
	return t.flushPendingLocked(t.tailDurationLocked())
}

func (t *trackInput) tailDurationLocked() uint32 {
	switch t.settings.Codec {
	case "lpcm":
		// Exact: one timescale unit per PCM frame.
		frame := t.settings.Channels * 2
		if frame > 0 {
			return uint32(len(t.pending.payload) / frame)
		}
	case "aac":
		return aacFrameSamples
	}
	if t.lastDuration > 0 {
		return t.lastDuration
	}
	return t.timeScale / 30
}

func (t *trackInput) encode(sample muxer.Sample) ([]byte, bool, error) {
	switch t.settings.Codec {
	case "mjpeg":
		if sample.Pixels != nil {
			var buf bytes.Buffer
			if err := pixel.EncodeJPEG(&buf, sample.Pixels, jpegQuality); err != nil {
				return nil, false, fmt.Errorf("encode jpeg: %w", err)
			}
			return buf.Bytes(), true, nil
		}
		if len(sample.Data) == 0 {
			return nil, false, fmt.Errorf("%w: mjpeg sample without pixels or data", ErrBadSample)
		}
		return sample.Data, true, nil

	case "h264":
		if len(sample.Data) == 0 {
			return nil, false, fmt.Errorf("%w: h264 sample without data", ErrBadSample)
		}
		avcc, err := annexBToAVCC(sample.Data)
		if err != nil {
			return nil, false, fmt.Errorf("convert access unit: %w", err)
		}
		if sample.Sync {
			avcc = prependParameterSets(avcc, t.settings.SPS, t.settings.PPS)
		}
		return avcc, sample.Sync, nil

	case "lpcm":
		if len(sample.PCM) == 0 {
			return nil, false, fmt.Errorf("%w: lpcm sample without pcm", ErrBadSample)
		}
		return pcmBytes(sample.PCM), true, nil

	case "aac":
		if len(sample.Data) == 0 {
			return nil, false, fmt.Errorf("%w: aac sample without data", ErrBadSample)
		}
		payload, err := stripADTS(sample.Data)
		if err != nil {
			return nil, false, err
		}
		return payload, true, nil
	}
	return nil, false, fmt.Errorf("%w: %q", ErrUnsupportedCodec, t.settings.Codec)
}

// pcmBytes converts interleaved samples to little-endian s16.
func pcmBytes(pcm []int16) []byte {
	out := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

var _ muxer.TrackInput = (*trackInput)(nil)
