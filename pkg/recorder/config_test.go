package recorder

import (
	"testing"

	"github.com/stretchr/testify/require"

	"recmux/pkg/pixel"
)

func TestConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		c := Config{}
		require.Equal(t, "", c.ID())
		require.Equal(t, "mjpeg", c.VideoCodec())
		require.Equal(t, 1280, c.Width())
		require.Equal(t, 720, c.Height())
		require.True(t, c.LiveEncoding())
		require.False(t, c.DirectAppend())
		require.False(t, c.HasAudio())
		require.Equal(t, 48000, c.AudioSampleRate())
		require.Equal(t, 2, c.AudioChannels())
		require.Equal(t, pixel.FormatBGRA, c.PixelFormat())
		require.Equal(t, 16, c.PixelPoolSize())
		require.False(t, c.InvalidateAudioSamples())
		require.Nil(t, c.SPS())
		require.Nil(t, c.PPS())
	})
	t.Run("values", func(t *testing.T) {
		c := Config{
			"id":                     "front_door",
			"codec":                  "vp8",
			"width":                  "640",
			"height":                 "360",
			"liveEncoding":           "false",
			"directAppend":           "true",
			"audioCodec":             "opus",
			"audioSampleRate":        "44100",
			"audioChannels":          "1",
			"pixelFormat":            "rgba",
			"pixelPoolSize":          "4",
			"invalidateAudioSamples": "true",
			"sps":                    "Z2QAH6w=",
			"pps":                    "aOvjyyw=",
		}
		require.Equal(t, "front_door", c.ID())
		require.Equal(t, "vp8", c.VideoCodec())
		require.Equal(t, 640, c.Width())
		require.Equal(t, 360, c.Height())
		require.False(t, c.LiveEncoding())
		require.True(t, c.DirectAppend())
		require.True(t, c.HasAudio())
		require.Equal(t, "opus", c.AudioCodec())
		require.Equal(t, 44100, c.AudioSampleRate())
		require.Equal(t, 1, c.AudioChannels())
		require.Equal(t, pixel.FormatRGBA, c.PixelFormat())
		require.Equal(t, 4, c.PixelPoolSize())
		require.True(t, c.InvalidateAudioSamples())
		require.NotEmpty(t, c.SPS())
		require.NotEmpty(t, c.PPS())
	})
	t.Run("directAppendDefaultCodec", func(t *testing.T) {
		c := Config{"directAppend": "true"}
		require.Equal(t, "h264", c.VideoCodec())
	})
}

func TestConfigValidate(t *testing.T) {
	cases := map[string]struct {
		c  Config
		ok bool
	}{
		"empty":             {Config{}, true},
		"full":              {Config{"width": "640", "height": "360", "pixelFormat": "rgba"}, true},
		"badWidth":          {Config{"width": "x"}, false},
		"zeroWidth":         {Config{"width": "0"}, false},
		"negativeHeight":    {Config{"height": "-1"}, false},
		"badSampleRate":     {Config{"audioSampleRate": "fast"}, false},
		"zeroChannels":      {Config{"audioChannels": "0"}, false},
		"badPoolSize":       {Config{"pixelPoolSize": "many"}, false},
		"negativePoolSize":  {Config{"pixelPoolSize": "-2"}, false},
		"unlimitedPoolSize": {Config{"pixelPoolSize": "0"}, true},
		"badPixelFormat":    {Config{"pixelFormat": "yuv"}, false},
		"badSPS":            {Config{"sps": "!!!"}, false},
		"badPPS":            {Config{"pps": "!!!"}, false},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			err := tc.c.Validate()
			if tc.ok {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}
