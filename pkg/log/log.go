// SPDX-License-Identifier: GPL-2.0-or-later

// Package log provides a leveled logger with a fan-out feed and a persistent
// store.
package log

// API inspired by zerolog https://github.com/rs/zerolog

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Level defines log level.
type Level uint8

// Logging constants, matching ffmpeg.
const (
	LevelError   Level = 16
	LevelWarning Level = 24
	LevelInfo    Level = 32
	LevelDebug   Level = 48
)

// UnixMicro is microseconds since the Unix epoch.
type UnixMicro uint64

// Event defines log event.
type Event struct {
	level Level
	time  UnixMicro
	src   string
	rec   string

	logger *Logger
}

// Log defines log entry.
type Log struct {
	Level Level
	Time  UnixMicro
	Msg   string
	Src   string
	Rec   string // Source recording id.
}

// Src sets event source.
func (e *Event) Src(source string) *Event {
	e.src = source
	return e
}

// Rec sets event recording id.
func (e *Event) Rec(recID string) *Event {
	e.rec = recID
	return e
}

// Time sets event time.
func (e *Event) Time(t time.Time) *Event {
	e.time = UnixMicro(t.UnixMicro())
	return e
}

// Msg sends the *Event with msg added as the message field.
func (e *Event) Msg(msg string) {
	log := Log{
		Level: e.level,
		Time:  e.time,
		Msg:   msg,
		Src:   e.src,
		Rec:   e.rec,
	}

	e.logger.feed <- log
}

// Msgf sends the event with formatted msg added as the message field.
func (e *Event) Msgf(format string, v ...interface{}) {
	e.Msg(fmt.Sprintf(format, v...))
}

type logFeed chan Log

// Logger logs.
type Logger struct {
	feed  logFeed      // Feed of logs.
	sub   chan logFeed // Subscribe requests.
	unsub chan logFeed // Unsubscribe requests.

	wg *sync.WaitGroup
}

// NewLogger returns a Logger. Start must be called before any event is sent.
func NewLogger(wg *sync.WaitGroup) *Logger {
	return &Logger{
		feed:  make(logFeed),
		sub:   make(chan logFeed),
		unsub: make(chan logFeed),

		wg: wg,
	}
}

// NewMockLogger used for testing.
func NewMockLogger() *Logger {
	return NewLogger(&sync.WaitGroup{})
}

// Start the logger fan-out loop.
func (l *Logger) Start(ctx context.Context) {
	l.wg.Add(1)
	go func() {
		subs := map[logFeed]struct{}{}
		for {
			select {
			case <-ctx.Done():
				l.wg.Done()
				return

			case ch := <-l.sub:
				subs[ch] = struct{}{}

			case ch := <-l.unsub:
				close(ch)
				delete(subs, ch)

			case msg := <-l.feed:
				for ch := range subs {
					ch <- msg
				}
			}
		}
	}()
}

// CancelFunc cancels log feed subscription.
type CancelFunc func()

// Subscribe returns a new chan with log feed and a CancelFunc.
func (l *Logger) Subscribe() (<-chan Log, CancelFunc) {
	feed := make(logFeed)
	l.sub <- feed

	cancel := func() {
		l.unSubscribe(feed)
	}
	return feed, cancel
}

func (l *Logger) unSubscribe(feed logFeed) {
	// Read feed until unsub request is accepted.
	for {
		select {
		case l.unsub <- feed:
			return
		case <-feed:
		}
	}
}

// LogToStdout prints log feed to Stdout.
func (l *Logger) LogToStdout(ctx context.Context) {
	feed, cancel := l.Subscribe()
	defer cancel()
	for {
		select {
		case log := <-feed:
			fmt.Println(log.format())
		case <-ctx.Done():
			return
		}
	}
}

func (l Log) format() string {
	var output string

	switch l.Level {
	case LevelError:
		output += "[ERROR] "
	case LevelWarning:
		output += "[WARNING] "
	case LevelInfo:
		output += "[INFO] "
	case LevelDebug:
		output += "[DEBUG] "
	}

	if l.Rec != "" {
		output += l.Rec + ": "
	}
	if l.Src != "" {
		output += l.Src + ": "
	}

	output += l.Msg
	return output
}

// Error starts a new message with error level.
// You must call Msg on the returned event in order to send the event.
func (l *Logger) Error() *Event {
	return &Event{
		level:  LevelError,
		time:   UnixMicro(time.Now().UnixMicro()),
		logger: l,
	}
}

// Warn starts a new message with warn level.
// You must call Msg on the returned event in order to send the event.
func (l *Logger) Warn() *Event {
	return &Event{
		level:  LevelWarning,
		time:   UnixMicro(time.Now().UnixMicro()),
		logger: l,
	}
}

// Info starts a new message with info level.
// You must call Msg on the returned event in order to send the event.
func (l *Logger) Info() *Event {
	return &Event{
		level:  LevelInfo,
		time:   UnixMicro(time.Now().UnixMicro()),
		logger: l,
	}
}

// Debug starts a new message with debug level.
// You must call Msg on the returned event in order to send the event.
func (l *Logger) Debug() *Event {
	return &Event{
		level:  LevelDebug,
		time:   UnixMicro(time.Now().UnixMicro()),
		logger: l,
	}
}
