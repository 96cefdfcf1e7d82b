package recorder

import (
	"encoding/base64"
	"fmt"
	"strconv"

	"recmux/pkg/pixel"
)

// Config is the recorder configuration. Values are stored as strings; typed
// accessors apply defaults for missing keys.
type Config map[string]string

const (
	defaultWidth      = 1280
	defaultHeight     = 720
	defaultSampleRate = 48000
	defaultChannels   = 2
	defaultPoolSize   = 16
)

// ID returns the recording id used to tag log entries.
func (c Config) ID() string {
	return c["id"]
}

// VideoCodec returns the video codec. Defaults to "h264" in direct-append
// mode and "mjpeg" otherwise.
func (c Config) VideoCodec() string {
	if v := c["codec"]; v != "" {
		return v
	}
	if c.DirectAppend() {
		return "h264"
	}
	return "mjpeg"
}

// Width returns the output frame width.
func (c Config) Width() int {
	return c.intValue("width", defaultWidth)
}

// Height returns the output frame height.
func (c Config) Height() int {
	return c.intValue("height", defaultHeight)
}

// LiveEncoding reports whether backpressure drops samples instead of
// blocking. Defaults to true.
func (c Config) LiveEncoding() bool {
	return c["liveEncoding"] != "false"
}

// DirectAppend reports whether externally-encoded video samples bypass
// rendering and go straight to the track.
func (c Config) DirectAppend() bool {
	return c["directAppend"] == "true"
}

// AudioCodec returns the audio codec. Empty means no audio track.
func (c Config) AudioCodec() string {
	return c["audioCodec"]
}

// HasAudio reports whether an audio track is configured.
func (c Config) HasAudio() bool {
	return c.AudioCodec() != ""
}

// AudioSampleRate returns the audio sample rate in Hz.
func (c Config) AudioSampleRate() int {
	return c.intValue("audioSampleRate", defaultSampleRate)
}

// AudioChannels returns the number of interleaved audio channels.
func (c Config) AudioChannels() int {
	return c.intValue("audioChannels", defaultChannels)
}

// PixelFormat returns the rendered pixel format. Defaults to BGRA.
func (c Config) PixelFormat() pixel.Format {
	f, err := pixel.ParseFormat(c["pixelFormat"])
	if err != nil {
		return pixel.FormatBGRA
	}
	return f
}

// PixelPoolSize limits outstanding rendered buffers. Zero means unlimited.
func (c Config) PixelPoolSize() int {
	if v, ok := c["pixelPoolSize"]; ok && v != "" {
		return c.intValue("pixelPoolSize", defaultPoolSize)
	}
	return defaultPoolSize
}

// InvalidateAudioSamples reports whether audio buffers are invalidated by
// the pipeline once appended or dropped.
func (c Config) InvalidateAudioSamples() bool {
	return c["invalidateAudioSamples"] == "true"
}

// SPS returns the H.264 sequence parameter set for direct-append video.
func (c Config) SPS() []byte {
	return c.base64Value("sps")
}

// PPS returns the H.264 picture parameter set for direct-append video.
func (c Config) PPS() []byte {
	return c.base64Value("pps")
}

func (c Config) intValue(key string, def int) int {
	v, ok := c[key]
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func (c Config) base64Value(key string) []byte {
	v, err := base64.StdEncoding.DecodeString(c[key])
	if err != nil {
		return nil
	}
	return v
}

// Validate rejects malformed values. Missing keys fall back to defaults and
// are always valid.
func (c Config) Validate() error {
	for _, key := range []string{"width", "height", "audioSampleRate", "audioChannels"} {
		v, ok := c[key]
		if !ok || v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%v: %w", key, err)
		}
		if n <= 0 {
			return fmt.Errorf("%v must be positive: %v", key, n)
		}
	}
	if v, ok := c["pixelPoolSize"]; ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("pixelPoolSize: %w", err)
		}
		if n < 0 {
			return fmt.Errorf("pixelPoolSize must not be negative: %v", n)
		}
	}
	if v, ok := c["pixelFormat"]; ok && v != "" {
		if _, err := pixel.ParseFormat(v); err != nil {
			return err
		}
	}
	for _, key := range []string{"sps", "pps"} {
		v, ok := c[key]
		if !ok || v == "" {
			continue
		}
		if _, err := base64.StdEncoding.DecodeString(v); err != nil {
			return fmt.Errorf("%v: %w", key, err)
		}
	}
	return nil
}
