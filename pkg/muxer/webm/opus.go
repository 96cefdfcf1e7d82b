package webm

import (
	"fmt"
	"time"

	"gopkg.in/hraban/opus.v2"
)

const (
	opusFrameDuration = 20 * time.Millisecond
	opusBitrate       = 128000
	opusMaxPacket     = 4000
)

// opusEncoder turns a continuous interleaved PCM stream into fixed 20ms
// Opus frames.
type opusEncoder struct {
	enc      *opus.Encoder
	channels int
	need     int // interleaved samples per frame
	pcm      []int16
	buf      []byte
}

func newOpusEncoder(sampleRate, channels int) (*opusEncoder, error) {
	enc, err := opus.NewEncoder(sampleRate, channels, opus.AppAudio)
	if err != nil {
		return nil, fmt.Errorf("create opus encoder: %w", err)
	}
	enc.SetBitrate(opusBitrate)

	frameSize := sampleRate / int(time.Second/opusFrameDuration)
	return &opusEncoder{
		enc:      enc,
		channels: channels,
		need:     frameSize * channels,
		buf:      make([]byte, opusMaxPacket),
	}, nil
}

// push buffers pcm and returns every complete encoded frame.
func (e *opusEncoder) push(pcm []int16) ([][]byte, error) {
	e.pcm = append(e.pcm, pcm...)

	var frames [][]byte
	for len(e.pcm) >= e.need {
		n, err := e.enc.Encode(e.pcm[:e.need], e.buf)
		if err != nil {
			return nil, fmt.Errorf("opus encode: %w", err)
		}
		frames = append(frames, append([]byte(nil), e.buf[:n]...))
		e.pcm = e.pcm[e.need:]
	}
	return frames, nil
}

// flush zero-pads the buffered remainder to a full frame and encodes it.
// Returns nil when nothing is buffered.
func (e *opusEncoder) flush() ([]byte, error) {
	if len(e.pcm) == 0 {
		return nil, nil
	}
	padded := make([]int16, e.need)
	copy(padded, e.pcm)
	e.pcm = e.pcm[:0]

	n, err := e.enc.Encode(padded, e.buf)
	if err != nil {
		return nil, fmt.Errorf("opus encode: %w", err)
	}
	return append([]byte(nil), e.buf[:n]...), nil
}

// buffered returns the number of interleaved samples awaiting a full frame.
func (e *opusEncoder) buffered() int {
	return len(e.pcm)
}
