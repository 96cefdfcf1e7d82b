// Package recdemo is a CLI utility that records a synthetic clip, a moving
// gradient with a 440 Hz tone, to exercise the recording pipeline end to end.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	stdlog "log"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"recmux/pkg/log"
	"recmux/pkg/muxer"
	"recmux/pkg/muxer/fmp4"
	"recmux/pkg/muxer/webm"
	"recmux/pkg/pixel"
	"recmux/pkg/recorder"
	"recmux/pkg/render"
	"recmux/pkg/storage"
	"recmux/pkg/system"
)

func main() {
	if err := run(); err != nil {
		stdlog.Fatal(err)
	}
}

func run() error { //nolint:funlen
	dir := flag.String("dir", "./demo", "working directory")
	name := flag.String("name", "demo", "recording name")
	format := flag.String("format", "fmp4", "container format, fmp4 or webm")
	seconds := flag.Int("seconds", 3, "clip length in seconds")
	fps := flag.Int("fps", 15, "frames per second")
	width := flag.Int("width", 640, "output width")
	height := flag.Int("height", 360, "output height")
	rotate := flag.Int("rotate", 0, "rotate frame content in degrees")
	orient := flag.Int("orient", 0, "display orientation metadata in degrees")
	live := flag.Bool("live", false, "drop samples under backpressure instead of blocking")
	pull := flag.Bool("pull", false, "let the recorder poll for samples")
	flag.Parse()

	if *format != "fmp4" && *format != "webm" {
		return fmt.Errorf("unknown format: %v", *format)
	}
	if *seconds <= 0 || *fps <= 0 {
		return fmt.Errorf("seconds and fps must be positive: %v %v", *seconds, *fps)
	}
	contentRot, err := parseRotation(*rotate)
	if err != nil {
		return err
	}
	orientRot, err := parseRotation(*orient)
	if err != nil {
		return err
	}

	absDir, err := filepath.Abs(*dir)
	if err != nil {
		return fmt.Errorf("absolute path: %w", err)
	}

	// Environment config.
	envPath := filepath.Join(absDir, "env.yaml")
	envYAML, err := os.ReadFile(envPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("read env.yaml: %w", err)
		}
		envYAML = []byte("maxDiskUsageGB: 1\n")
	}
	env, err := storage.NewConfigEnv(envPath, envYAML)
	if err != nil {
		return fmt.Errorf("environment config: %w", err)
	}
	if err := env.PrepareEnvironment(); err != nil {
		return fmt.Errorf("prepare environment: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Logs.
	wg := &sync.WaitGroup{}
	logger := log.NewLogger(wg)
	logger.Start(ctx)
	go logger.LogToStdout(ctx)

	logDB := log.NewDB(filepath.Join(env.LogDir, "logs.db"), wg)
	if err := logDB.Init(ctx); err != nil {
		return fmt.Errorf("initialize log database: %w", err)
	}
	go logDB.SaveLogs(ctx, logger)
	// Give the save loop time to subscribe.
	time.Sleep(10 * time.Millisecond)

	// Storage.
	manager := storage.NewManager(env, logger)
	go manager.PurgeLoop(ctx, 10*time.Minute)

	start := time.Now()
	id := storage.NewRecordingID(start, *name)
	base := filepath.Join(manager.RecordingsDir(), id)
	ext := ".mp4"
	if *format == "webm" {
		ext = ".webm"
	}

	newWriter := func() (muxer.Writer, error) {
		file, err := os.OpenFile(base+ext, os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open file: %w", err)
		}
		if *format == "webm" {
			return webm.NewWriter(file), nil
		}
		return fmp4.NewWriter(file), nil
	}

	config := recorder.Config{
		"id":           *name,
		"width":        strconv.Itoa(*width),
		"height":       strconv.Itoa(*height),
		"liveEncoding": strconv.FormatBool(*live),
		"audioCodec":   "lpcm",
	}

	// Half-resolution source, scaled up by the render pass.
	src := newSource(*width/2, *height/2, *fps, config.AudioSampleRate(), config.AudioChannels())
	total := *seconds * *fps

	var rec *recorder.Recorder
	failed := make(chan struct{})
	callbacks := recorder.Callbacks{
		Completion: func() {
			fmt.Println("Recording completed.")
		},
		Failure: func(err error) {
			fmt.Printf("Recording failed: %v\n", err)
			close(failed)
		},
	}

	videoDone := make(chan struct{})
	audioDone := make(chan struct{})
	if *pull {
		callbacks.VideoReady = func() bool {
			fb, pts, err := src.frame()
			if err != nil {
				fmt.Printf("synthesize frame: %v\n", err)
				close(videoDone)
				return false
			}
			rec.SubmitFrame(fb, pts, contentRot)
			if src.frames < total {
				return true
			}
			close(videoDone)
			return false
		}
		callbacks.AudioReady = func() bool {
			rec.SubmitAudio(src.chunk())
			if src.chunks < total {
				return true
			}
			close(audioDone)
			return false
		}
	}

	rec, err = recorder.New(config, newWriter, logger, callbacks)
	if err != nil {
		return fmt.Errorf("create recorder: %w", err)
	}
	defer rec.Close()

	rec.SetMetadata(map[string]string{"name": *name, "tool": "recdemo"})

	sys := system.New(manager.DiskUsage, rec.Counters, time.Second, logger)
	go sys.StatusLoop(ctx)

	if orientRot != pixel.Rotate0 {
		err = rec.StartWithOrientation(orientRot)
	} else {
		err = rec.Start()
	}
	if err != nil {
		return fmt.Errorf("start recording: %w", err)
	}
	fmt.Printf("Recording a %v second %v clip to %v\n", *seconds, *format, base+ext)

	if *pull {
		select {
		case <-videoDone:
		case <-failed:
		}
		select {
		case <-audioDone:
		case <-failed:
		}
	} else {
		ticker := time.NewTicker(src.frameDur)
		defer ticker.Stop()
	push:
		for i := 0; i < total; i++ {
			fb, pts, err := src.frame()
			if err != nil {
				return fmt.Errorf("synthesize frame: %w", err)
			}
			rec.SubmitFrame(fb, pts, contentRot)
			rec.SubmitAudio(src.chunk())
			select {
			case <-ticker.C:
			case <-failed:
				break push
			}
		}
	}

	finished := make(chan struct{})
	rec.Finish(func() { close(finished) })
	<-finished

	if err := rec.Err(); err != nil {
		return err
	}

	data := storage.RecordingData{
		Start:    start,
		End:      time.Now(),
		Codec:    config.VideoCodec(),
		Width:    config.Width(),
		Height:   config.Height(),
		Duration: rec.Duration(),
		Metadata: rec.Metadata(),
	}
	if err := storage.WriteRecordingData(base, data); err != nil {
		return err
	}

	counters := rec.Counters()
	fmt.Printf("Appended %v video and %v audio samples, dropped %v and %v.\n",
		counters.VideoAppended, counters.AudioAppended,
		counters.VideoDropped, counters.AudioDropped)

	status := sys.Status()
	usage := manager.DiskUsage(0)
	fmt.Printf("CPU %v%% RAM %v%% disk %v\n",
		status.CPUUsage, status.RAMUsage, usage.Formatted)

	rec.Close()
	cancel()
	wg.Wait()
	return nil
}

func parseRotation(degrees int) (pixel.Rotation, error) {
	switch degrees {
	case 0:
		return pixel.Rotate0, nil
	case 90:
		return pixel.Rotate90, nil
	case 180:
		return pixel.Rotate180, nil
	case 270:
		return pixel.Rotate270, nil
	}
	return 0, fmt.Errorf("invalid rotation: %v", degrees)
}

// source synthesizes the clip. The pixel and PCM buffers are reused between
// submissions, the pipeline does not retain them.
type source struct {
	width      int
	height     int
	frameDur   time.Duration
	sampleRate int
	channels   int

	pix    []uint8
	frames int

	pcm    []int16
	phase  float64
	chunks int
}

func newSource(width, height, fps, sampleRate, channels int) *source {
	return &source{
		width:      width,
		height:     height,
		frameDur:   time.Second / time.Duration(fps),
		sampleRate: sampleRate,
		channels:   channels,

		pix: make([]uint8, width*height*4),
		pcm: make([]int16, (sampleRate/fps)*channels),
	}
}

// frame renders the next frame of the moving gradient.
func (s *source) frame() (*render.Framebuffer, time.Duration, error) {
	i := 0
	for y := 0; y < s.height; y++ {
		for x := 0; x < s.width; x++ {
			s.pix[i] = uint8(x + s.frames)
			s.pix[i+1] = uint8(y + s.frames)
			s.pix[i+2] = uint8(2 * s.frames)
			s.pix[i+3] = 0xff
			i += 4
		}
	}
	fb, err := render.NewFramebuffer(s.width, s.height, pixel.FormatBGRA, s.pix, nil)
	if err != nil {
		return nil, 0, err
	}
	pts := time.Duration(s.frames) * s.frameDur
	s.frames++
	return fb, pts, nil
}

// chunk generates the stretch of the 440 Hz tone that accompanies the video
// frame of the same index.
func (s *source) chunk() *recorder.AudioBuffer {
	const frequency = 440
	step := 2 * math.Pi * frequency / float64(s.sampleRate)
	for i := 0; i < len(s.pcm); i += s.channels {
		v := int16(math.Sin(s.phase) * 0.2 * math.MaxInt16)
		for c := 0; c < s.channels; c++ {
			s.pcm[i+c] = v
		}
		s.phase += step
	}
	pts := time.Duration(s.chunks) * s.frameDur
	s.chunks++
	return recorder.NewAudioBuffer(s.pcm, pts, nil)
}
