package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/makinet/agent/internal/testutil/testlog"
)

func TestMemoryLoggerEvictsOldest(t *testing.T) {
	testlog.Start(t)
	l := &MemoryLogger{MaximumLogs: 5}
	for i := 0; i < 8; i++ {
		l.Log(fmt.Sprintf("line-%d", i))
	}
	logs, err := l.GetLogs()
	if err != nil {
		t.Fatalf("get logs: %v", err)
	}
	want := []string{"line-3", "line-4", "line-5", "line-6", "line-7"}
	if !reflect.DeepEqual(logs, want) {
		t.Fatalf("buffer mismatch: got=%v want=%v", logs, want)
	}
}

func TestMemoryLoggerDefaultBound(t *testing.T) {
	testlog.Start(t)
	if got := NewMemoryLogger().MaximumLogs; got != DefaultMaximumLogs {
		t.Fatalf("default bound: got=%d want=%d", got, DefaultMaximumLogs)
	}
}

func TestFileLoggerRepeatableReads(t *testing.T) {
	testlog.Start(t)
	l := &FileLogger{LogFile: filepath.Join(t.TempDir(), "task.log"), LogPrefix: "web"}
	l.Log("first")
	l.Log("second")

	a, err := l.GetLogs()
	if err != nil {
		t.Fatalf("get logs: %v", err)
	}
	b, err := l.GetLogs()
	if err != nil {
		t.Fatalf("get logs again: %v", err)
	}
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("reads differ without writes: %v vs %v", a, b)
	}
	if len(a) != 2 || a[0] != "[web] first" {
		t.Fatalf("unexpected content: %v", a)
	}

	l.Log("third")
	c, err := l.GetLogs()
	if err != nil {
		t.Fatalf("get logs after write: %v", err)
	}
	if len(c) != 3 || c[2] != "[web] third" {
		t.Fatalf("append not visible: %v", c)
	}
}

func TestConsoleLoggerRetrievalUnsupported(t *testing.T) {
	testlog.Start(t)
	l := &ConsoleLogger{LogPrefix: "x"}
	if _, err := l.GetLogs(); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}

func TestCaptureLoopForwardsLines(t *testing.T) {
	testlog.Start(t)
	l := &MemoryLogger{MaximumLogs: 10}
	pr, pw := io.Pipe()
	l.StartLog(pr)

	if _, err := io.WriteString(pw, "hello\nworld\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		logs, _ := l.GetLogs()
		return len(logs) == 2
	})
	logs, _ := l.GetLogs()
	if !reflect.DeepEqual(logs, []string{"hello", "world"}) {
		t.Fatalf("captured lines mismatch: %v", logs)
	}

	l.StopLog()
	pw.Close()
}

func TestCaptureLoopDrainsAfterStop(t *testing.T) {
	testlog.Start(t)
	l := &MemoryLogger{MaximumLogs: 10}
	pr, pw := io.Pipe()
	l.StartLog(pr)
	l.StopLog()

	// The worker must keep the pipe moving even though capture is off,
	// otherwise a stopped logger would stall the producing process.
	done := make(chan error, 1)
	go func() {
		_, err := io.WriteString(pw, "tail\n")
		pw.Close()
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("write after stop: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("write after stop blocked")
	}
}

func TestFileLoggerOpenFailureIsNonFatal(t *testing.T) {
	testlog.Start(t)
	l := &FileLogger{LogFile: filepath.Join(t.TempDir(), "missing", "deep", "task.log")}
	l.Log("dropped")
	if _, err := l.GetLogs(); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected missing file, got %v", err)
	}
}

func TestLoggersUnmarshalDiscriminated(t *testing.T) {
	testlog.Start(t)
	raw := `[
		{"logger_name":"console","log_prefix":"c"},
		{"logger_name":"memory","maximum_logs":7},
		{"logger_name":"memory"},
		{"logger_name":"file","log_file":"/tmp/x.log","log_prefix":"f"}
	]`
	var ls Loggers
	if err := json.Unmarshal([]byte(raw), &ls); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(ls) != 4 {
		t.Fatalf("expected 4 loggers, got %d", len(ls))
	}
	if ls[0].Name() != LoggerNameConsole || ls[1].Name() != LoggerNameMemory || ls[3].Name() != LoggerNameFile {
		t.Fatalf("variant tags wrong: %s %s %s", ls[0].Name(), ls[1].Name(), ls[3].Name())
	}
	if got := ls[1].(*MemoryLogger).MaximumLogs; got != 7 {
		t.Fatalf("maximum_logs not decoded: %d", got)
	}
	if got := ls[2].(*MemoryLogger).MaximumLogs; got != DefaultMaximumLogs {
		t.Fatalf("maximum_logs default not applied: %d", got)
	}
	if got := ls[3].(*FileLogger).LogFile; got != "/tmp/x.log" {
		t.Fatalf("log_file not decoded: %s", got)
	}
}

func TestLoggersUnmarshalUnknownName(t *testing.T) {
	testlog.Start(t)
	var ls Loggers
	err := json.Unmarshal([]byte(`[{"logger_name":"syslog"}]`), &ls)
	if !errors.Is(err, ErrUnknownLogger) {
		t.Fatalf("expected ErrUnknownLogger, got %v", err)
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", d)
}
