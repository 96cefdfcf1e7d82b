package pixel

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPool(t *testing.T) {
	t.Run("reuse", func(t *testing.T) {
		pool := NewPool(0)

		buf1, err := pool.Get(4, 4, FormatBGRA)
		require.NoError(t, err)
		require.Equal(t, 1, pool.Outstanding())

		buf1.Release()
		require.Equal(t, 0, pool.Outstanding())

		buf2, err := pool.Get(4, 4, FormatBGRA)
		require.NoError(t, err)
		require.Same(t, buf1, buf2)
	})
	t.Run("noReuseAcrossSizes", func(t *testing.T) {
		pool := NewPool(0)

		buf1, err := pool.Get(4, 4, FormatBGRA)
		require.NoError(t, err)
		buf1.Release()

		buf2, err := pool.Get(8, 8, FormatBGRA)
		require.NoError(t, err)
		require.NotSame(t, buf1, buf2)
	})
	t.Run("exhausted", func(t *testing.T) {
		pool := NewPool(2)

		buf1, err := pool.Get(1, 1, FormatRGBA)
		require.NoError(t, err)
		_, err = pool.Get(1, 1, FormatRGBA)
		require.NoError(t, err)

		_, err = pool.Get(1, 1, FormatRGBA)
		require.ErrorIs(t, err, ErrPoolExhausted)

		buf1.Release()
		_, err = pool.Get(1, 1, FormatRGBA)
		require.NoError(t, err)
	})
	t.Run("clear", func(t *testing.T) {
		pool := NewPool(0)

		buf, err := pool.Get(4, 4, FormatRGBA)
		require.NoError(t, err)
		buf.Release()
		pool.Clear()

		buf2, err := pool.Get(4, 4, FormatRGBA)
		require.NoError(t, err)
		require.NotSame(t, buf, buf2)
	})
}
