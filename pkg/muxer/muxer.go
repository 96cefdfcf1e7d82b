// Package muxer defines the boundary between the recording pipeline and the
// container writers that multiplex its tracks into one output file.
package muxer

import (
	"math"
	"time"

	"recmux/pkg/pixel"
)

// NoTimestamp marks a sample without a valid presentation time.
const NoTimestamp = time.Duration(math.MinInt64)

// Kind is the media kind of a track.
type Kind uint8

const (
	KindVideo Kind = iota + 1
	KindAudio
)

func (k Kind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	}
	return "unknown"
}

// Status of a writer.
type Status uint8

const (
	StatusUnknown Status = iota
	StatusWriting
	StatusCompleted
	StatusCancelled
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusUnknown:
		return "unknown"
	case StatusWriting:
		return "writing"
	case StatusCompleted:
		return "completed"
	case StatusCancelled:
		return "cancelled"
	case StatusFailed:
		return "failed"
	}
	return "invalid"
}

// TrackSettings describes a track to be added to a writer.
type TrackSettings struct {
	// Codec name: "mjpeg", "h264", "vp8", "vp9", "lpcm", "opus" or "aac".
	Codec string

	// Video.
	Width  int
	Height int

	// H.264 parameter sets, required for direct-append video.
	SPS []byte
	PPS []byte

	// Audio.
	SampleRate int
	Channels   int
}

// Sample is one unit of media handed to a track. PTS orders the sample
// within its track. Exactly one payload field is set. Append must not retain
// any payload past its return.
type Sample struct {
	PTS time.Duration

	// Pixels is a rendered video frame.
	Pixels *pixel.Buffer

	// PCM is raw interleaved audio.
	PCM []int16

	// Data is a pre-encoded access unit. Sync marks video sync samples.
	Data []byte
	Sync bool
}

// Writer multiplexes tracks into one output file. Writers are one-shot: a
// finished or cancelled writer cannot be restarted. Callers must serialize
// all calls.
type Writer interface {
	// AddTrack adds a track before StartWriting.
	AddTrack(kind Kind, settings TrackSettings) (TrackInput, error)

	// StartWriting transitions the writer to StatusWriting.
	StartWriting() error

	// StartSession sets the presentation time of the session start. Called
	// once, after StartWriting and before the first append.
	StartSession(at time.Duration)

	Status() Status

	// Err returns the writer's failure cause, nil unless StatusFailed.
	Err() error

	// CancelWriting aborts the output. The result file is undefined.
	CancelWriting()

	// FinishWriting finalizes the output and then calls onDone. onDone may
	// run inline.
	FinishWriting(onDone func())

	Metadata() map[string]string
	SetMetadata(map[string]string)
}

// TrackInput accepts samples for a single track.
type TrackInput interface {
	ReadyForMoreData() bool

	// Append writes one sample. A false return rejects the sample without
	// failing the writer.
	Append(s Sample) bool

	// MarkFinished declares that no further samples will arrive.
	MarkFinished()

	// SetTransform records the track's display orientation. Valid before
	// StartWriting.
	SetTransform(rotation pixel.Rotation)
}

// ReadyNotifier is optionally implemented by track inputs that can signal
// readiness transitions. The registered function must be safe to call from
// any goroutine.
type ReadyNotifier interface {
	NotifyReady(wake func())
}
