package webm

import (
	"bytes"
	"fmt"
	"time"

	"github.com/at-wat/ebml-go/webm"

	"recmux/pkg/muxer"
	"recmux/pkg/pixel"
)

// Track default durations in nanoseconds: 30fps video, 20ms Opus frames.
const (
	videoFrameNanos = 33333333
	audioFrameNanos = 20000000
)

type trackInput struct {
	w        *Writer
	kind     muxer.Kind
	settings muxer.TrackSettings
	codecID  string

	transform pixel.Rotation

	blk       webm.BlockWriteCloser
	blkClosed bool
	lastMS    int64
	hasLast   bool
	finished  bool

	// PCM-to-Opus state. Frames are timed by sample count from the first
	// appended buffer.
	enc        *opusEncoder
	encBase    time.Duration
	encBaseSet bool
	encFrames  int64
}

var _ muxer.TrackInput = (*trackInput)(nil)

func (t *trackInput) entry(number uint64) webm.TrackEntry {
	e := webm.TrackEntry{
		TrackNumber: number,
		TrackUID:    number,
		CodecID:     t.codecID,
	}
	if t.kind == muxer.KindVideo {
		e.Name = "Video"
		e.TrackType = 1
		e.DefaultDuration = videoFrameNanos
		e.Video = &webm.Video{
			PixelWidth:  uint64(t.settings.Width),
			PixelHeight: uint64(t.settings.Height),
		}
	} else {
		e.Name = "Audio"
		e.TrackType = 2
		e.DefaultDuration = audioFrameNanos
		e.Audio = &webm.Audio{
			SamplingFrequency: float64(t.settings.SampleRate),
			Channels:          uint64(t.settings.Channels),
		}
	}
	return e
}

// ReadyForMoreData reports whether Append can accept a sample. The writer
// never exerts backpressure, so this only turns false on terminal states.
func (t *trackInput) ReadyForMoreData() bool {
	t.w.mu.Lock()
	defer t.w.mu.Unlock()
	t.w.checkAsyncLocked()
	return t.w.status == muxer.StatusWriting && !t.finished
}

// Append writes one sample as a container block. PCM samples are buffered
// until a full Opus frame is available. Returns false when the sample was
// not accepted.
func (t *trackInput) Append(sample muxer.Sample) bool {
	t.w.mu.Lock()
	defer t.w.mu.Unlock()

	t.w.checkAsyncLocked()
	if t.w.status != muxer.StatusWriting || t.finished {
		return false
	}

	if t.settings.Codec == "lpcm" {
		return t.appendPCMLocked(sample)
	}

	payload, sync, err := t.encode(sample)
	if err != nil {
		t.w.failLocked(err)
		return false
	}
	ms := t.w.millisLocked(sample.PTS)
	if t.hasLast && ms < t.lastMS {
		return false
	}
	return t.writeBlockLocked(sync, ms, payload)
}

func (t *trackInput) appendPCMLocked(sample muxer.Sample) bool {
	if len(sample.PCM) == 0 {
		t.w.failLocked(fmt.Errorf("%w: lpcm sample without pcm", ErrBadSample))
		return false
	}
	if t.enc == nil {
		enc, err := newOpusEncoder(t.settings.SampleRate, t.settings.Channels)
		if err != nil {
			t.w.failLocked(err)
			return false
		}
		t.enc = enc
	}
	if !t.encBaseSet {
		t.encBase = sample.PTS
		t.encBaseSet = true
	}

	frames, err := t.enc.push(sample.PCM)
	if err != nil {
		t.w.failLocked(err)
		return false
	}
	for _, frame := range frames {
		if !t.writeBlockLocked(true, t.nextOpusMillisLocked(), frame) {
			return false
		}
	}
	return true
}

func (t *trackInput) nextOpusMillisLocked() int64 {
	ms := t.w.millisLocked(t.encBase + time.Duration(t.encFrames)*opusFrameDuration)
	t.encFrames++
	return ms
}

func (t *trackInput) writeBlockLocked(sync bool, ms int64, payload []byte) bool {
	if _, err := t.blk.Write(sync, ms, payload); err != nil {
		t.w.failLocked(fmt.Errorf("write block: %w", err))
		return false
	}
	t.lastMS = ms
	t.hasLast = true
	return true
}

// MarkFinished flushes buffered audio and stops the track. The container
// finalizes once FinishWriting is called.
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

// SetTransform records the display rotation, surfaced through metadata when
// writing starts.
func (t *trackInput) SetTransform(rotation pixel.Rotation) {
	t.w.mu.Lock()
	defer t.w.mu.Unlock()
	t.transform = rotation
}

// flushTailLocked encodes the zero-padded final Opus frame of a PCM track.
func (t *trackInput) flushTailLocked() error {
	if t.enc == nil {
		return nil
	}
	frame, err := t.enc.flush()
	if err != nil {
		return err
	}
	if frame == nil {
		return nil
	}
	if _, err := t.blk.Write(true, t.nextOpusMillisLocked(), frame); err != nil {
		return fmt.Errorf("write block: %w", err)
	}
	return nil
}

func (t *trackInput) encode(sample muxer.Sample) ([]byte, bool, error) {
	switch t.settings.Codec {
	case "vp8", "vp9":
		if len(sample.Data) == 0 {
			return nil, false, fmt.Errorf("%w: %s sample without data", ErrBadSample, t.settings.Codec)
		}
		return sample.Data, sample.Sync, nil

	case "h264":
		// Matroska blocks carry the access unit as-is; keyframes get the
		// parameter sets prepended so they decode standalone.
		if len(sample.Data) == 0 {
			return nil, false, fmt.Errorf("%w: h264 sample without data", ErrBadSample)
		}
		data := sample.Data
		if sample.Sync {
			data = prependAnnexB(data, t.settings.SPS, t.settings.PPS)
		}
		return data, sample.Sync, nil

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

	case "opus":
		if len(sample.Data) == 0 {
			return nil, false, fmt.Errorf("%w: opus sample without data", ErrBadSample)
		}
		return sample.Data, true, nil
	}
	return nil, false, fmt.Errorf("%w: %q", ErrUnsupportedCodec, t.settings.Codec)
}

var annexBStartCode = []byte{0, 0, 0, 1}

// prependAnnexB adds SPS and PPS NAL units with start codes in front of an
// Annex-B access unit.
func prependAnnexB(au, sps, pps []byte) []byte {
	if len(sps) == 0 || len(pps) == 0 {
		return au
	}
	out := make([]byte, 0, 8+len(sps)+len(pps)+len(au))
	out = append(out, annexBStartCode...)
	out = append(out, sps...)
	out = append(out, annexBStartCode...)
	out = append(out, pps...)
	return append(out, au...)
}
