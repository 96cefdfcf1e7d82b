package recorder

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"recmux/pkg/log"
	"recmux/pkg/muxer"
	"recmux/pkg/muxer/muxertest"
	"recmux/pkg/pixel"
	"recmux/pkg/render"
)

func newTestLogger(t *testing.T) *log.Logger {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	logger := log.NewMockLogger()
	logger.Start(ctx)
	return logger
}

// writerFactory creates a fresh scripted writer per Start.
type writerFactory struct {
	mu      sync.Mutex
	c       muxertest.Config
	writers []*muxertest.Writer
}

func (f *writerFactory) new() (muxer.Writer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := muxertest.NewWriter(f.c)
	f.writers = append(f.writers, w)
	return w, nil
}

func (f *writerFactory) last() *muxertest.Writer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.writers) == 0 {
		return nil
	}
	return f.writers[len(f.writers)-1]
}

func (f *writerFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writers)
}

type recorderTest struct {
	r       *Recorder
	logger  *log.Logger
	factory *writerFactory
}

func (rt *recorderTest) writer() *muxertest.Writer { return rt.factory.last() }
func (rt *recorderTest) video() *muxertest.Track   { return rt.factory.last().VideoTrack }
func (rt *recorderTest) audio() *muxertest.Track   { return rt.factory.last().AudioTrack }

func newTestRecorder(t *testing.T, c Config, wc muxertest.Config, cb Callbacks) *recorderTest {
	t.Helper()

	logger := newTestLogger(t)
	factory := &writerFactory{c: wc}

	r, err := New(c, factory.new, logger, cb)
	require.NoError(t, err)
	t.Cleanup(r.Close)

	return &recorderTest{r: r, logger: logger, factory: factory}
}

func testConfig() Config {
	return Config{
		"id":         "x",
		"width":      "64",
		"height":     "48",
		"audioCodec": "lpcm",
	}
}

func testFramebuffer(t *testing.T, width, height int) *render.Framebuffer {
	t.Helper()
	pix := make([]uint8, width*height*4)
	fb, err := render.NewFramebuffer(width, height, pixel.FormatBGRA, pix, nil)
	require.NoError(t, err)
	return fb
}

func submitTestFrame(rt *recorderTest, t *testing.T, pts time.Duration) {
	t.Helper()
	rt.r.SubmitFrame(testFramebuffer(t, 32, 32), pts, pixel.Rotate0)
}

func readErr(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timeout")
		return nil
	}
}

func waitFor(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout")
	}
}

func readLogMatch(t *testing.T, feed <-chan log.Log, substr string) log.Log {
	t.Helper()
	for {
		select {
		case entry := <-feed:
			if strings.Contains(entry.Msg, substr) {
				return entry
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timeout waiting for log entry: %v", substr)
			return log.Log{}
		}
	}
}

type testDelegate struct {
	failed chan error
}

func (d *testDelegate) RecordingFailed(err error) {
	d.failed <- err
}

func TestNew(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		rt := newTestRecorder(t, testConfig(), muxertest.Config{}, Callbacks{})
		require.Equal(t, StateIdle, rt.r.State())
		require.NoError(t, rt.r.Err())
	})
	t.Run("invalidConfig", func(t *testing.T) {
		logger := newTestLogger(t)
		_, err := New(Config{"width": "nope"}, func() (muxer.Writer, error) {
			return muxertest.New(), nil
		}, logger, Callbacks{})
		require.Error(t, err)
	})
	t.Run("noWriterFactory", func(t *testing.T) {
		logger := newTestLogger(t)
		_, err := New(testConfig(), nil, logger, Callbacks{})
		require.ErrorIs(t, err, ErrNoWriter)
	})
}

func TestStart(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		rt := newTestRecorder(t, testConfig(), muxertest.Config{}, Callbacks{})

		require.NoError(t, rt.r.Start())
		require.Equal(t, StateRecording, rt.r.State())
		require.Equal(t, muxer.StatusWriting, rt.writer().Status())
		require.NotNil(t, rt.video())
		require.NotNil(t, rt.audio())

		settings := rt.video().Settings()
		require.Equal(t, "mjpeg", settings.Codec)
		require.Equal(t, 64, settings.Width)
		require.Equal(t, 48, settings.Height)

		audioSettings := rt.audio().Settings()
		require.Equal(t, "lpcm", audioSettings.Codec)
		require.Equal(t, 48000, audioSettings.SampleRate)
		require.Equal(t, 2, audioSettings.Channels)
	})
	t.Run("noAudio", func(t *testing.T) {
		c := testConfig()
		delete(c, "audioCodec")
		rt := newTestRecorder(t, c, muxertest.Config{}, Callbacks{})

		require.NoError(t, rt.r.Start())
		require.Nil(t, rt.audio())
	})
	t.Run("notIdle", func(t *testing.T) {
		rt := newTestRecorder(t, testConfig(), muxertest.Config{}, Callbacks{})

		require.NoError(t, rt.r.Start())
		require.ErrorIs(t, rt.r.Start(), ErrNotIdle)
	})
	t.Run("notIdleWhileFinishing", func(t *testing.T) {
		rt := newTestRecorder(t, testConfig(), muxertest.Config{ManualFinish: true}, Callbacks{})

		require.NoError(t, rt.r.Start())
		rt.r.Finish(nil)
		require.Equal(t, StateFinishing, rt.r.State())
		require.ErrorIs(t, rt.r.Start(), ErrNotIdle)
	})
	t.Run("restartAfterCancel", func(t *testing.T) {
		rt := newTestRecorder(t, testConfig(), muxertest.Config{}, Callbacks{})

		require.NoError(t, rt.r.Start())
		rt.r.Cancel()
		require.NoError(t, rt.r.Start())
		require.Equal(t, StateRecording, rt.r.State())
		require.Equal(t, 2, rt.factory.count())
	})
	t.Run("factoryError", func(t *testing.T) {
		logger := newTestLogger(t)
		mockErr := errors.New("mock")
		r, err := New(testConfig(), func() (muxer.Writer, error) {
			return nil, mockErr
		}, logger, Callbacks{})
		require.NoError(t, err)
		t.Cleanup(r.Close)

		require.ErrorIs(t, r.Start(), mockErr)
		require.Equal(t, StateFailed, r.State())
	})
	t.Run("writerPrecondition", func(t *testing.T) {
		rt := newTestRecorder(t, testConfig(), muxertest.Config{StartFailed: true}, Callbacks{})

		require.ErrorIs(t, rt.r.Start(), ErrWriterPrecondition)
		require.Equal(t, StateFailed, rt.r.State())
		require.ErrorIs(t, rt.r.Err(), ErrWriterPrecondition)
	})
	t.Run("addTrackError", func(t *testing.T) {
		rt := newTestRecorder(t, testConfig(), muxertest.Config{FailAddTrack: true}, Callbacks{})

		require.ErrorIs(t, rt.r.Start(), muxertest.ErrMock)
		require.Equal(t, StateFailed, rt.r.State())
	})
	t.Run("startWritingError", func(t *testing.T) {
		rt := newTestRecorder(t, testConfig(), muxertest.Config{FailStartWriting: true}, Callbacks{})

		require.ErrorIs(t, rt.r.Start(), muxertest.ErrMock)
		require.Equal(t, StateFailed, rt.r.State())
	})
}

func TestStartWithOrientation(t *testing.T) {
	t.Run("recorded", func(t *testing.T) {
		rt := newTestRecorder(t, testConfig(), muxertest.Config{}, Callbacks{})

		require.NoError(t, rt.r.StartWithOrientation(pixel.Rotate90))
		require.Equal(t, pixel.Rotate90, rt.video().Transform())
	})
	t.Run("oneTime", func(t *testing.T) {
		rt := newTestRecorder(t, testConfig(), muxertest.Config{}, Callbacks{})

		require.NoError(t, rt.r.StartWithOrientation(pixel.Rotate180))
		rt.r.Cancel()

		require.NoError(t, rt.r.Start())
		require.Equal(t, pixel.Rotate0, rt.video().Transform())
	})
}

func TestFinish(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		completed := make(chan struct{})
		rt := newTestRecorder(t, testConfig(), muxertest.Config{}, Callbacks{
			Completion: func() { close(completed) },
		})

		require.NoError(t, rt.r.Start())
		done := make(chan struct{})
		rt.r.Finish(func() { close(done) })

		waitFor(t, done)
		waitFor(t, completed)
		require.Equal(t, StateCompleted, rt.r.State())
		require.Equal(t, muxer.StatusCompleted, rt.writer().Status())
		require.True(t, rt.video().IsFinished())
		require.True(t, rt.audio().IsFinished())
	})
	t.Run("manual", func(t *testing.T) {
		rt := newTestRecorder(t, testConfig(), muxertest.Config{ManualFinish: true}, Callbacks{})

		require.NoError(t, rt.r.Start())
		done := make(chan struct{})
		rt.r.Finish(func() { close(done) })
		require.Equal(t, StateFinishing, rt.r.State())

		select {
		case <-done:
			t.Fatal("onDone ran before the writer finalized")
		case <-time.After(50 * time.Millisecond):
		}

		rt.writer().Finalize()
		waitFor(t, done)
		require.Equal(t, StateCompleted, rt.r.State())
	})
	t.Run("secondFinishAccumulates", func(t *testing.T) {
		var completions int32
		rt := newTestRecorder(t, testConfig(), muxertest.Config{ManualFinish: true}, Callbacks{
			Completion: func() { atomic.AddInt32(&completions, 1) },
		})

		require.NoError(t, rt.r.Start())
		done1 := make(chan struct{})
		done2 := make(chan struct{})
		rt.r.Finish(func() { close(done1) })
		rt.r.Finish(func() { close(done2) })

		rt.writer().Finalize()
		waitFor(t, done1)
		waitFor(t, done2)
		require.Equal(t, int32(1), atomic.LoadInt32(&completions))
	})
	t.Run("idle", func(t *testing.T) {
		rt := newTestRecorder(t, testConfig(), muxertest.Config{}, Callbacks{})

		done := make(chan struct{})
		rt.r.Finish(func() { close(done) })
		waitFor(t, done)
		require.Equal(t, StateIdle, rt.r.State())
	})
	t.Run("afterCompleted", func(t *testing.T) {
		rt := newTestRecorder(t, testConfig(), muxertest.Config{}, Callbacks{})

		require.NoError(t, rt.r.Start())
		done := make(chan struct{})
		rt.r.Finish(func() { close(done) })
		waitFor(t, done)

		done2 := make(chan struct{})
		rt.r.Finish(func() { close(done2) })
		waitFor(t, done2)
		require.Equal(t, StateCompleted, rt.r.State())
	})
	t.Run("failedDuringFinalize", func(t *testing.T) {
		failed := make(chan error, 1)
		rt := newTestRecorder(t, testConfig(), muxertest.Config{ManualFinish: true}, Callbacks{
			Failure: func(err error) { failed <- err },
		})

		require.NoError(t, rt.r.Start())
		done := make(chan struct{})
		rt.r.Finish(func() { close(done) })

		mockErr := errors.New("disk full")
		rt.writer().Fail(mockErr)
		rt.writer().Finalize()

		waitFor(t, done)
		require.ErrorIs(t, readErr(t, failed), mockErr)
		require.Equal(t, StateFailed, rt.r.State())
	})
}

func TestCancel(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		rt := newTestRecorder(t, testConfig(), muxertest.Config{}, Callbacks{})

		require.NoError(t, rt.r.Start())
		rt.r.Cancel()
		require.Equal(t, StateCancelled, rt.r.State())
		require.Equal(t, muxer.StatusCancelled, rt.writer().Status())
		require.True(t, rt.video().IsFinished())
	})
	t.Run("idempotent", func(t *testing.T) {
		rt := newTestRecorder(t, testConfig(), muxertest.Config{}, Callbacks{})

		require.NoError(t, rt.r.Start())
		rt.r.Cancel()
		rt.r.Cancel()
		require.Equal(t, StateCancelled, rt.r.State())
	})
	t.Run("beforeStart", func(t *testing.T) {
		rt := newTestRecorder(t, testConfig(), muxertest.Config{}, Callbacks{})

		rt.r.Cancel()
		require.Equal(t, StateIdle, rt.r.State())
	})
	t.Run("afterCompleted", func(t *testing.T) {
		rt := newTestRecorder(t, testConfig(), muxertest.Config{}, Callbacks{})

		require.NoError(t, rt.r.Start())
		done := make(chan struct{})
		rt.r.Finish(func() { close(done) })
		waitFor(t, done)

		rt.r.Cancel()
		require.Equal(t, StateCompleted, rt.r.State())
		require.Equal(t, muxer.StatusCompleted, rt.writer().Status())
	})
	t.Run("dropsSubmitsAfter", func(t *testing.T) {
		rt := newTestRecorder(t, testConfig(), muxertest.Config{}, Callbacks{})

		require.NoError(t, rt.r.Start())
		rt.r.Cancel()
		submitTestFrame(rt, t, 10*time.Millisecond)
		require.Equal(t, 0, rt.video().Count())
	})
}

func TestFailure(t *testing.T) {
	t.Run("callback", func(t *testing.T) {
		failed := make(chan error, 1)
		rt := newTestRecorder(t, testConfig(), muxertest.Config{}, Callbacks{
			Failure: func(err error) { failed <- err },
		})

		require.NoError(t, rt.r.Start())
		rt.video().PanicOnAppend()
		submitTestFrame(rt, t, 10*time.Millisecond)

		require.ErrorIs(t, readErr(t, failed), ErrVideoAppend)
		require.Equal(t, StateFailed, rt.r.State())
		require.ErrorIs(t, rt.r.Err(), ErrVideoAppend)
	})
	t.Run("delegate", func(t *testing.T) {
		rt := newTestRecorder(t, testConfig(), muxertest.Config{}, Callbacks{})
		delegate := &testDelegate{failed: make(chan error, 1)}
		rt.r.SetDelegate(delegate)

		require.NoError(t, rt.r.Start())
		rt.video().PanicOnAppend()
		submitTestFrame(rt, t, 10*time.Millisecond)

		require.ErrorIs(t, readErr(t, delegate.failed), ErrVideoAppend)
	})
	t.Run("callbackBeatsDelegate", func(t *testing.T) {
		failed := make(chan error, 1)
		rt := newTestRecorder(t, testConfig(), muxertest.Config{}, Callbacks{
			Failure: func(err error) { failed <- err },
		})
		delegate := &testDelegate{failed: make(chan error, 1)}
		rt.r.SetDelegate(delegate)

		require.NoError(t, rt.r.Start())
		rt.video().PanicOnAppend()
		submitTestFrame(rt, t, 10*time.Millisecond)

		require.Error(t, readErr(t, failed))
		select {
		case err := <-delegate.failed:
			t.Fatalf("delegate notified alongside callback: %v", err)
		case <-time.After(50 * time.Millisecond):
		}
	})
	t.Run("writerFailedBeforeOrigin", func(t *testing.T) {
		failed := make(chan error, 1)
		rt := newTestRecorder(t, testConfig(), muxertest.Config{}, Callbacks{
			Failure: func(err error) { failed <- err },
		})

		require.NoError(t, rt.r.Start())
		rt.writer().Fail(errors.New("mock"))
		submitTestFrame(rt, t, 10*time.Millisecond)

		require.ErrorIs(t, readErr(t, failed), ErrWriterPrecondition)
		_, set := rt.writer().SessionStart()
		require.False(t, set)
	})
	t.Run("firstFailureWins", func(t *testing.T) {
		failed := make(chan error, 2)
		rt := newTestRecorder(t, testConfig(), muxertest.Config{}, Callbacks{
			Failure: func(err error) { failed <- err },
		})

		require.NoError(t, rt.r.Start())
		rt.video().PanicOnAppend()
		submitTestFrame(rt, t, 10*time.Millisecond)
		require.ErrorIs(t, readErr(t, failed), ErrVideoAppend)

		// Already failed, second fault must not notify again.
		submitTestFrame(rt, t, 20*time.Millisecond)
		select {
		case err := <-failed:
			t.Fatalf("second failure notification: %v", err)
		case <-time.After(50 * time.Millisecond):
		}
	})
}

func TestOrigin(t *testing.T) {
	t.Run("videoFirst", func(t *testing.T) {
		rt := newTestRecorder(t, testConfig(), muxertest.Config{}, Callbacks{})

		require.NoError(t, rt.r.Start())
		submitTestFrame(rt, t, 2*time.Second)
		rt.r.SubmitAudio(NewAudioBuffer([]int16{1, 2}, 2500*time.Millisecond, nil))

		at, set := rt.writer().SessionStart()
		require.True(t, set)
		require.Equal(t, 2*time.Second, at)
	})
	t.Run("audioFirst", func(t *testing.T) {
		rt := newTestRecorder(t, testConfig(), muxertest.Config{}, Callbacks{})

		require.NoError(t, rt.r.Start())
		rt.r.SubmitAudio(NewAudioBuffer([]int16{1, 2}, 3*time.Second, nil))
		submitTestFrame(rt, t, 3100*time.Millisecond)

		at, set := rt.writer().SessionStart()
		require.True(t, set)
		require.Equal(t, 3*time.Second, at)
	})
	t.Run("newOriginPerSession", func(t *testing.T) {
		rt := newTestRecorder(t, testConfig(), muxertest.Config{}, Callbacks{})

		require.NoError(t, rt.r.Start())
		submitTestFrame(rt, t, 2*time.Second)
		rt.r.Cancel()

		require.NoError(t, rt.r.Start())
		submitTestFrame(rt, t, 9*time.Second)
		at, set := rt.writer().SessionStart()
		require.True(t, set)
		require.Equal(t, 9*time.Second, at)
	})
}

func TestDuration(t *testing.T) {
	t.Run("zeroBeforeOrigin", func(t *testing.T) {
		rt := newTestRecorder(t, testConfig(), muxertest.Config{}, Callbacks{})
		require.Equal(t, time.Duration(0), rt.r.Duration())

		require.NoError(t, rt.r.Start())
		require.Equal(t, time.Duration(0), rt.r.Duration())
	})
	t.Run("latestTrackWins", func(t *testing.T) {
		rt := newTestRecorder(t, testConfig(), muxertest.Config{}, Callbacks{})

		require.NoError(t, rt.r.Start())
		submitTestFrame(rt, t, 2*time.Second)
		require.Equal(t, time.Duration(0), rt.r.Duration())

		rt.r.SubmitAudio(NewAudioBuffer([]int16{1, 2}, 3*time.Second, nil))
		require.Equal(t, time.Second, rt.r.Duration())

		submitTestFrame(rt, t, 2500*time.Millisecond)
		require.Equal(t, time.Second, rt.r.Duration())

		submitTestFrame(rt, t, 4*time.Second)
		require.Equal(t, 2*time.Second, rt.r.Duration())
	})
}

func TestMetadata(t *testing.T) {
	t.Run("beforeStart", func(t *testing.T) {
		rt := newTestRecorder(t, testConfig(), muxertest.Config{}, Callbacks{})

		meta := map[string]string{"location": "home"}
		rt.r.SetMetadata(meta)
		require.NoError(t, rt.r.Start())
		require.Equal(t, meta, rt.writer().Metadata())
	})
	t.Run("duringRecording", func(t *testing.T) {
		rt := newTestRecorder(t, testConfig(), muxertest.Config{}, Callbacks{})

		require.NoError(t, rt.r.Start())
		meta := map[string]string{"take": "2"}
		rt.r.SetMetadata(meta)
		require.Equal(t, meta, rt.writer().Metadata())
		require.Equal(t, meta, rt.r.Metadata())
	})
}

func TestCallbackReentrancy(t *testing.T) {
	// Completion restarts the recorder from inside the callback.
	restarted := make(chan error, 1)
	var rt *recorderTest
	rt = newTestRecorder(t, testConfig(), muxertest.Config{}, Callbacks{
		Completion: func() {
			if rt.factory.count() == 1 {
				restarted <- rt.r.Start()
			}
		},
	})

	require.NoError(t, rt.r.Start())
	rt.r.Finish(nil)

	require.NoError(t, readErr(t, restarted))
	require.Equal(t, StateRecording, rt.r.State())
	require.Equal(t, 2, rt.factory.count())
}

func TestClose(t *testing.T) {
	t.Run("cancelsActiveSession", func(t *testing.T) {
		rt := newTestRecorder(t, testConfig(), muxertest.Config{}, Callbacks{})

		require.NoError(t, rt.r.Start())
		rt.r.Close()
		require.Equal(t, muxer.StatusCancelled, rt.writer().Status())
		require.ErrorIs(t, rt.r.Start(), ErrClosed)
	})
	t.Run("idempotent", func(t *testing.T) {
		rt := newTestRecorder(t, testConfig(), muxertest.Config{}, Callbacks{})
		rt.r.Close()
		rt.r.Close()
	})
	t.Run("unblocksParkedSubmit", func(t *testing.T) {
		c := testConfig()
		c["liveEncoding"] = "false"
		rt := newTestRecorder(t, c, muxertest.Config{}, Callbacks{})

		require.NoError(t, rt.r.Start())
		rt.video().SetReady(false)

		fb := testFramebuffer(t, 32, 32)
		done := make(chan struct{})
		go func() {
			rt.r.SubmitFrame(fb, 10*time.Millisecond, pixel.Rotate0)
			close(done)
		}()

		select {
		case <-done:
			t.Fatal("submit returned while track not ready")
		case <-time.After(50 * time.Millisecond):
		}

		rt.r.Close()
		waitFor(t, done)
		require.Equal(t, 0, rt.video().Count())
	})
}

func TestState(t *testing.T) {
	cases := []struct {
		state State
		want  string
	}{
		{StateIdle, "idle"},
		{StateRecording, "recording"},
		{StateFinishing, "finishing"},
		{StateCompleted, "completed"},
		{StateCancelled, "cancelled"},
		{StateFailed, "failed"},
		{State(255), "unknown"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, tc.state.String())
	}
}

func TestCounters(t *testing.T) {
	rt := newTestRecorder(t, testConfig(), muxertest.Config{}, Callbacks{})

	require.NoError(t, rt.r.Start())
	submitTestFrame(rt, t, 10*time.Millisecond)
	submitTestFrame(rt, t, 20*time.Millisecond)
	submitTestFrame(rt, t, 20*time.Millisecond) // Duplicate.
	rt.r.SubmitAudio(NewAudioBuffer([]int16{1, 2}, 10*time.Millisecond, nil))
	rt.r.SubmitAudio(NewAudioBuffer([]int16{3}, muxer.NoTimestamp, nil))

	require.Equal(t, Counters{
		VideoAppended: 2,
		AudioAppended: 1,
		VideoDropped:  1,
		AudioDropped:  1,
	}, rt.r.Counters())
}
