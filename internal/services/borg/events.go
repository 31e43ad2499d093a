package borg

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fgeck/borrg/internal/models"
	"github.com/rs/zerolog"
)

const (
	// progressLogInterval throttles archive_progress logging.
	progressLogInterval = 10 * time.Second
	// tailSize is the number of warning/error lines kept for error reports.
	tailSize = 5
)

// ParseEvent decodes a single --log-json line.
func ParseEvent(line []byte) (models.Event, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] != '{' {
		return models.Event{}, false
	}
	var ev models.Event
	if err := json.Unmarshal(line, &ev); err != nil || ev.Type == "" {
		return models.Event{}, false
	}
	return ev, true
}

// eventLogger turns borg events into log entries and remembers the last
// warning and error messages for InvocationError.
type eventLogger struct {
	logger   zerolog.Logger
	progress bool
	now      func() time.Time

	mu           sync.Mutex
	lastProgress time.Time
	tail         []string
}

func newEventLogger(logger zerolog.Logger, progress bool, now func() time.Time) *eventLogger {
	return &eventLogger{logger: logger, progress: progress, now: now}
}

func (l *eventLogger) handle(line []byte) (models.Event, bool) {
	ev, ok := ParseEvent(line)
	if !ok {
		text := strings.TrimSpace(string(line))
		if text == "" {
			return models.Event{}, false
		}
		// ssh and remote shells write plain text to stderr.
		l.logger.Warn().Str("output", text).Msg("borg output")
		l.remember(text)
		return models.Event{}, false
	}

	switch ev.Type {
	case models.EventLogMessage:
		level := logLevel(ev.LevelName)
		e := l.logger.WithLevel(level)
		if ev.MsgID != "" {
			e = e.Str("msgid", ev.MsgID)
		}
		e.Str("logger", ev.Name).Msg(ev.Message)
		if level >= zerolog.WarnLevel {
			l.remember(ev.Message)
		}

	case models.EventArchiveProgress:
		l.archiveProgress(ev)

	case models.EventProgressMessage, models.EventProgressPercent:
		if ev.Message != "" && !ev.Finished {
			l.logger.Debug().Str("msgid", ev.MsgID).Msg(ev.Message)
		}

	case models.EventFileStatus:
		l.logger.Trace().Str("status", ev.Status).Str("path", ev.Path).Msg("file processed")

	case models.EventQuestionPrompt:
		l.logger.Warn().Str("msgid", ev.MsgID).Msg(ev.Message)
		l.remember(ev.Message)

	default:
		l.logger.Debug().Str("type", string(ev.Type)).Msg("unhandled borg event")
	}

	return ev, true
}

func (l *eventLogger) archiveProgress(ev models.Event) {
	if ev.Finished {
		return
	}

	l.mu.Lock()
	now := l.now()
	if !l.lastProgress.IsZero() && now.Sub(l.lastProgress) < progressLogInterval {
		l.mu.Unlock()
		return
	}
	l.lastProgress = now
	l.mu.Unlock()

	level := zerolog.DebugLevel
	if l.progress {
		level = zerolog.InfoLevel
	}
	l.logger.WithLevel(level).
		Uint64("nfiles", ev.NFiles).
		Str("original_size", humanize.IBytes(ev.OriginalSize)).
		Str("deduplicated_size", humanize.IBytes(ev.DeduplicatedSize)).
		Str("path", ev.Path).
		Msg("backup progress")
}

func (l *eventLogger) remember(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tail = append(l.tail, msg)
	if len(l.tail) > tailSize {
		l.tail = l.tail[len(l.tail)-tailSize:]
	}
}

func (l *eventLogger) output() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return strings.Join(l.tail, "; ")
}

func logLevel(levelName string) zerolog.Level {
	switch strings.ToUpper(levelName) {
	case "DEBUG":
		return zerolog.DebugLevel
	case "WARNING", "WARN":
		return zerolog.WarnLevel
	case "ERROR", "CRITICAL":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
