package pixel

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewBuffer(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		buf, err := NewBuffer(2, 3, FormatBGRA)
		require.NoError(t, err)
		require.Equal(t, 24, len(buf.Pix))
		require.Equal(t, 8, buf.Stride)
		require.Equal(t, 4, buf.PixOffset(1, 0))
		require.Equal(t, 12, buf.PixOffset(1, 1))
	})
	t.Run("negativeDimensions", func(t *testing.T) {
		_, err := NewBuffer(-1, 1, FormatRGBA)
		require.Error(t, err)
	})
	t.Run("overflow", func(t *testing.T) {
		_, err := NewBuffer(math.MaxInt32, math.MaxInt32, FormatRGBA)
		require.Error(t, err)
	})
}

func TestBufferRelease(t *testing.T) {
	t.Run("twicePanics", func(t *testing.T) {
		buf, err := NewBuffer(1, 1, FormatRGBA)
		require.NoError(t, err)
		buf.Release()
		require.PanicsWithValue(t, "pixel: buffer released twice", buf.Release)
	})
}

func TestAsRGBA(t *testing.T) {
	buf, err := NewBuffer(2, 2, FormatRGBA)
	require.NoError(t, err)
	buf.Pix[buf.PixOffset(1, 1)] = 0xff

	img := buf.AsRGBA()
	require.Equal(t, buf.Pix, img.Pix)
	require.Equal(t, 2, img.Rect.Dx())

	// No copy.
	img.Pix[0] = 0xab
	require.Equal(t, uint8(0xab), buf.Pix[0])
}

func TestParseFormat(t *testing.T) {
	cases := map[string]Format{"rgba": FormatRGBA, "bgra": FormatBGRA}
	for name, expected := range cases {
		actual, err := ParseFormat(name)
		require.NoError(t, err)
		require.Equal(t, expected, actual)
		require.Equal(t, name, actual.String())
	}

	_, err := ParseFormat("nv12")
	require.Error(t, err)
}
