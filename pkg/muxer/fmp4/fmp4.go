// Package fmp4 implements a fragmented MP4 container writer.
//
// Each sample is written as its own single-sample fragment as soon as its
// duration is known, so a crash loses at most the final buffered sample per
// track. Video tracks accept "mjpeg" (rendered pixel buffers, encoded here)
// and "h264" (pre-encoded Annex-B access units); audio tracks accept "lpcm"
// and "aac".
package fmp4

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4/seekablebuffer"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"

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

const (
	videoTimeScale  = 90000
	aacFrameSamples = 1024
	jpegQuality     = 85
)

// Writer writes tracks into a fragmented MP4 stream. It implements
// muxer.Writer. The recording pipeline serializes all calls.
type Writer struct {
	mu  sync.Mutex
	out io.WriteCloser

	status muxer.Status
	err    error
	meta   map[string]string

	sessionAt  time.Duration
	sessionSet bool
	seq        uint32

	tracks []*trackInput
}

// NewWriter creates a writer that streams into out. The writer owns out and
// closes it when finished or cancelled.
func NewWriter(out io.WriteCloser) *Writer {
	return &Writer{out: out, seq: 1}
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

	codec, timeScale, err := trackCodec(kind, settings)
	if err != nil {
		return nil, err
	}
	t := &trackInput{
		w:         w,
		id:        len(w.tracks) + 1,
		kind:      kind,
		settings:  settings,
		codec:     codec,
		timeScale: timeScale,
	}
	w.tracks = append(w.tracks, t)
	return t, nil
}

func trackCodec(kind muxer.Kind, settings muxer.TrackSettings) (mp4.Codec, uint32, error) {
	switch kind {
	case muxer.KindVideo:
		switch settings.Codec {
		case "mjpeg":
			if settings.Width <= 0 || settings.Height <= 0 {
				return nil, 0, fmt.Errorf("%w: mjpeg requires dimensions", ErrBadSettings)
			}
			return &mp4.CodecMJPEG{
				Width:  settings.Width,
				Height: settings.Height,
			}, videoTimeScale, nil

		case "h264":
			if len(settings.SPS) == 0 || len(settings.PPS) == 0 {
				return nil, 0, fmt.Errorf("%w: h264 requires SPS and PPS", ErrBadSettings)
			}
			return &mp4.CodecH264{
				SPS: settings.SPS,
				PPS: settings.PPS,
			}, videoTimeScale, nil
		}
		return nil, 0, fmt.Errorf("%w: video %q", ErrUnsupportedCodec, settings.Codec)

	case muxer.KindAudio:
		if settings.SampleRate <= 0 || settings.Channels <= 0 {
			return nil, 0, fmt.Errorf("%w: audio requires sample rate and channels", ErrBadSettings)
		}
		switch settings.Codec {
		case "lpcm":
			return &mp4.CodecLPCM{
				LittleEndian: true,
				BitDepth:     16,
				SampleRate:   settings.SampleRate,
				ChannelCount: settings.Channels,
			}, uint32(settings.SampleRate), nil

		case "aac":
			return &mp4.CodecMPEG4Audio{
				Config: mpeg4audio.AudioSpecificConfig{
					Type:         2, // AAC-LC.
					SampleRate:   settings.SampleRate,
					ChannelCount: settings.Channels,
				},
			}, uint32(settings.SampleRate), nil
		}
		return nil, 0, fmt.Errorf("%w: audio %q", ErrUnsupportedCodec, settings.Codec)
	}
	return nil, 0, fmt.Errorf("unknown track kind: %v", kind)
}

// StartWriting writes the init segment and transitions to StatusWriting.
func (w *Writer) StartWriting() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.status != muxer.StatusUnknown {
		return ErrStarted
	}
	if len(w.tracks) == 0 {
		return ErrNoTracks
	}

	init := &fmp4.Init{}
	for _, t := range w.tracks {
		init.Tracks = append(init.Tracks, &fmp4.InitTrack{
			ID:        t.id,
			TimeScale: t.timeScale,
			Codec:     t.codec,
		})
		if t.kind == muxer.KindVideo && t.transform != pixel.Rotate0 {
			if w.meta == nil {
				w.meta = map[string]string{}
			}
			w.meta["rotation"] = strconv.Itoa(t.transform.Degrees())
		}
	}

	var buf seekablebuffer.Buffer
	if err := init.Marshal(&buf); err != nil {
		w.failLocked(fmt.Errorf("marshal init segment: %w", err))
		return w.err
	}
	if _, err := w.out.Write(buf.Bytes()); err != nil {
		w.failLocked(fmt.Errorf("write init segment: %w", err))
		return w.err
	}

	w.status = muxer.StatusWriting
	return nil
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
	return w.status
}

func (w *Writer) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// CancelWriting aborts the output. The bytes already written are undefined
// as a container.
func (w *Writer) CancelWriting() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.status != muxer.StatusWriting && w.status != muxer.StatusUnknown {
		return
	}
	w.status = muxer.StatusCancelled
	w.out.Close()
}

// FinishWriting flushes the buffered tail sample of every track, closes the
// output and calls onDone. onDone runs inline.
func (w *Writer) FinishWriting(onDone func()) {
	w.mu.Lock()
	if w.status == muxer.StatusWriting {
		for _, t := range w.tracks {
			if err := t.flushTailLocked(); err != nil {
				w.failLocked(err)
				break
			}
		}
	}
	switch w.status {
	case muxer.StatusWriting, muxer.StatusUnknown:
		if err := w.out.Close(); err != nil {
			w.failLocked(fmt.Errorf("close output: %w", err))
		} else {
			w.status = muxer.StatusCompleted
		}
	case muxer.StatusFailed:
		w.out.Close()
	}
	w.mu.Unlock()

	if onDone != nil {
		onDone()
	}
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
	if w.status == muxer.StatusFailed {
		return
	}
	w.status = muxer.StatusFailed
	w.err = err
}

// writePartLocked writes one sample as a single-sample fragment.
func (w *Writer) writePartLocked(trackID int, dts int64, sample *fmp4.Sample) error {
	part := &fmp4.Part{
		SequenceNumber: w.seq,
		Tracks: []*fmp4.PartTrack{{
			ID:       trackID,
			BaseTime: uint64(dts),
			Samples:  []*fmp4.Sample{sample},
		}},
	}

	var buf seekablebuffer.Buffer
	if err := part.Marshal(&buf); err != nil {
		return fmt.Errorf("marshal part: %w", err)
	}
	if _, err := w.out.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write part: %w", err)
	}
	w.seq++
	return nil
}

// scaledLocked converts pts into timeScale units relative to the session
// start, clamping to zero.
func (w *Writer) scaledLocked(pts time.Duration, timeScale uint32) int64 {
	rel := pts
	if w.sessionSet {
		rel = pts - w.sessionAt
	}
	if rel < 0 {
		rel = 0
	}
	return durationToScale(rel, timeScale)
}

func durationToScale(d time.Duration, timeScale uint32) int64 {
	secs := d / time.Second
	dec := d % time.Second
	return int64(secs)*int64(timeScale) + int64(dec)*int64(timeScale)/int64(time.Second)
}
