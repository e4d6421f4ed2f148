package task

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	ErrUnsupported   = errors.New("task: operation not supported by this logger")
	ErrUnknownLogger = errors.New("task: unknown logger_name")
)

// Logger variant tags carried in the wire representation.
const (
	LoggerNameConsole = "console"
	LoggerNameMemory  = "memory"
	LoggerNameFile    = "file"
)

// DefaultMaximumLogs bounds the memory logger ring buffer.
const DefaultMaximumLogs = 1000

// capturePollInterval is how long a capture worker sleeps after a read that
// yields no data before retrying.
const capturePollInterval = 100 * time.Millisecond

// Logger consumes one process output stream and exposes the captured lines.
// A task attaches each logger to stdout and stderr independently, so Log must
// tolerate concurrent callers.
type Logger interface {
	// Name returns the variant tag (console, memory or file).
	Name() string
	// StartLog begins capturing lines from stream in the background.
	StartLog(stream io.Reader)
	// StopLog disables capture. The flag is observed lazily by capture
	// workers: a line already in flight when StopLog returns may still be
	// logged.
	StopLog()
	// Log records a single message.
	Log(message string)
	// GetLogs returns the captured lines, or ErrUnsupported for variants
	// without retrieval.
	GetLogs() ([]string, error)
}

// captureLines is the shared capture loop: read one line at a time and
// forward it while the logging flag stays set. The flag is only rechecked
// between reads, so output buffered in the stream when StopLog fires can
// still land in the log. After the flag drops the stream is drained so a
// stopped logger never stalls the producing process.
func captureLines(stream io.Reader, logging *atomic.Bool, emit func(string)) {
	r := bufio.NewReader(stream)
	for logging.Load() {
		line, err := r.ReadString('\n')
		if s := strings.TrimSpace(line); s != "" {
			emit(s)
		} else if err == nil {
			time.Sleep(capturePollInterval)
		}
		if err != nil {
			return
		}
	}
	_, _ = io.Copy(io.Discard, r)
}

// ConsoleLogger prints captured lines with a prefix. It keeps nothing, so
// retrieval is unsupported.
type ConsoleLogger struct {
	LogPrefix string

	logging atomic.Bool
}

func (l *ConsoleLogger) Name() string { return LoggerNameConsole }

func (l *ConsoleLogger) StartLog(stream io.Reader) {
	l.logging.Store(true)
	go captureLines(stream, &l.logging, l.Log)
}

func (l *ConsoleLogger) StopLog() { l.logging.Store(false) }

func (l *ConsoleLogger) Log(message string) {
	log.Info().Msg(fmt.Sprintf("[%s] %s", l.LogPrefix, message))
}

func (l *ConsoleLogger) GetLogs() ([]string, error) {
	return nil, fmt.Errorf("%w: console logger has no retrieval", ErrUnsupported)
}

func (l *ConsoleLogger) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		LoggerName string `json:"logger_name"`
		LogPrefix  string `json:"log_prefix"`
	}{LoggerNameConsole, l.LogPrefix})
}

// MemoryLogger keeps the most recent MaximumLogs lines in a FIFO buffer,
// evicting the oldest line on overflow.
type MemoryLogger struct {
	MaximumLogs int

	mu      sync.Mutex
	logs    []string
	logging atomic.Bool
}

// NewMemoryLogger returns a memory logger with the default buffer bound.
func NewMemoryLogger() *MemoryLogger {
	return &MemoryLogger{MaximumLogs: DefaultMaximumLogs}
}

func (l *MemoryLogger) Name() string { return LoggerNameMemory }

func (l *MemoryLogger) StartLog(stream io.Reader) {
	l.logging.Store(true)
	go captureLines(stream, &l.logging, l.Log)
}

func (l *MemoryLogger) StopLog() { l.logging.Store(false) }

func (l *MemoryLogger) Log(message string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	max := l.MaximumLogs
	if max <= 0 {
		max = DefaultMaximumLogs
	}
	if len(l.logs) >= max {
		l.logs = l.logs[1:]
	}
	l.logs = append(l.logs, message)
}

func (l *MemoryLogger) GetLogs() ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.logs))
	copy(out, l.logs)
	return out, nil
}

func (l *MemoryLogger) MarshalJSON() ([]byte, error) {
	logs, _ := l.GetLogs()
	return json.Marshal(struct {
		LoggerName  string   `json:"logger_name"`
		MaximumLogs int      `json:"maximum_logs"`
		Logs        []string `json:"logs"`
	}{LoggerNameMemory, l.MaximumLogs, logs})
}

// FileLogger appends each line with a prefix to a backing file, opening and
// closing the file per write. Retrieval re-reads the whole file from the
// start, so successive calls without new writes are identical.
type FileLogger struct {
	LogFile   string
	LogPrefix string

	logging atomic.Bool
}

func (l *FileLogger) Name() string { return LoggerNameFile }

func (l *FileLogger) StartLog(stream io.Reader) {
	l.logging.Store(true)
	go captureLines(stream, &l.logging, l.Log)
}

func (l *FileLogger) StopLog() { l.logging.Store(false) }

func (l *FileLogger) Log(message string) {
	f, err := os.OpenFile(l.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		log.Error().Err(err).Str("log_file", l.LogFile).Msg("file logger open failed")
		return
	}
	defer f.Close()
	if _, err := fmt.Fprintf(f, "[%s] %s\n", l.LogPrefix, message); err != nil {
		log.Error().Err(err).Str("log_file", l.LogFile).Msg("file logger write failed")
	}
}

func (l *FileLogger) GetLogs() ([]string, error) {
	data, err := os.ReadFile(l.LogFile)
	if err != nil {
		return nil, err
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return nil, nil
	}
	return lines, nil
}

func (l *FileLogger) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		LoggerName string `json:"logger_name"`
		LogFile    string `json:"log_file"`
		LogPrefix  string `json:"log_prefix"`
	}{LoggerNameFile, l.LogFile, l.LogPrefix})
}

// Loggers is the ordered logger set of a task. The wire form is a JSON array
// of objects discriminated by logger_name.
type Loggers []Logger

func (ls *Loggers) UnmarshalJSON(data []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return err
	}
	out := make(Loggers, 0, len(raws))
	for _, raw := range raws {
		var tag struct {
			LoggerName string `json:"logger_name"`
		}
		if err := json.Unmarshal(raw, &tag); err != nil {
			return err
		}
		logger, err := decodeLogger(tag.LoggerName, raw)
		if err != nil {
			return err
		}
		out = append(out, logger)
	}
	*ls = out
	return nil
}

func decodeLogger(name string, raw json.RawMessage) (Logger, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	switch name {
	case LoggerNameConsole:
		var l struct {
			LogPrefix string `json:"log_prefix"`
		}
		if err := dec.Decode(&l); err != nil {
			return nil, err
		}
		return &ConsoleLogger{LogPrefix: l.LogPrefix}, nil
	case LoggerNameMemory:
		var l struct {
			MaximumLogs int      `json:"maximum_logs"`
			Logs        []string `json:"logs"`
		}
		if err := dec.Decode(&l); err != nil {
			return nil, err
		}
		if l.MaximumLogs <= 0 {
			l.MaximumLogs = DefaultMaximumLogs
		}
		return &MemoryLogger{MaximumLogs: l.MaximumLogs, logs: l.Logs}, nil
	case LoggerNameFile:
		var l struct {
			LogFile   string `json:"log_file"`
			LogPrefix string `json:"log_prefix"`
		}
		if err := dec.Decode(&l); err != nil {
			return nil, err
		}
		return &FileLogger{LogFile: l.LogFile, LogPrefix: l.LogPrefix}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownLogger, name)
	}
}
