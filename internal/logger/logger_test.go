package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureOutput redirects logger output to a buffer and returns a cleanup
// function restoring the previous writer and settings.
func captureOutput() (*bytes.Buffer, func()) {
	buf := new(bytes.Buffer)

	mu.Lock()
	originalOutput := output
	originalColor := useColor
	output = buf
	useColor = false
	mu.Unlock()

	originalLevel := currentLevel.Load()
	originalFormat := currentFormat.Load()
	reconfigure()

	return buf, func() {
		mu.Lock()
		output = originalOutput
		useColor = originalColor
		mu.Unlock()
		currentLevel.Store(originalLevel)
		currentFormat.Store(originalFormat)
		reconfigure()
	}
}

func TestLevelFiltering(t *testing.T) {
	tests := []struct {
		level   string
		present []string
		absent  []string
	}{
		{"DEBUG", []string{"debug message", "info message", "warn message", "error message"}, nil},
		{"INFO", []string{"info message", "warn message", "error message"}, []string{"debug message"}},
		{"WARN", []string{"warn message", "error message"}, []string{"debug message", "info message"}},
		{"ERROR", []string{"error message"}, []string{"debug message", "info message", "warn message"}},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			buf, cleanup := captureOutput()
			defer cleanup()

			SetLevel(tt.level)
			Debug("debug message")
			Info("info message")
			Warn("warn message")
			Error("error message")

			out := buf.String()
			for _, s := range tt.present {
				assert.Contains(t, out, s)
			}
			for _, s := range tt.absent {
				assert.NotContains(t, out, s)
			}
		})
	}
}

func TestSetLevel(t *testing.T) {
	t.Run("CaseInsensitive", func(t *testing.T) {
		buf, cleanup := captureOutput()
		defer cleanup()

		SetLevel("debug")
		Debug("first")
		assert.Contains(t, buf.String(), "first")
		assert.Equal(t, LevelDebug, GetLevel())
	})

	t.Run("IgnoresInvalidValues", func(t *testing.T) {
		buf, cleanup := captureOutput()
		defer cleanup()

		SetLevel("INFO")
		SetLevel("LOUD")
		Debug("hidden")
		Info("shown")

		assert.NotContains(t, buf.String(), "hidden")
		assert.Contains(t, buf.String(), "shown")
	})
}

func TestParseLevel(t *testing.T) {
	l, ok := ParseLevel("warning")
	assert.True(t, ok)
	assert.Equal(t, LevelWarn, l)

	_, ok = ParseLevel("nope")
	assert.False(t, ok)

	assert.Equal(t, "UNKNOWN", Level(42).String())
}

func TestTextFormat(t *testing.T) {
	buf, cleanup := captureOutput()
	defer cleanup()

	SetLevel("INFO")
	Info("step completed", KeyStep, "inode", KeyDurationMs, 1.5, "note", "two words")

	out := buf.String()
	assert.Regexp(t, `^\[\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}\] \[INFO\] step completed`, out)
	assert.Contains(t, out, "step=inode")
	assert.Contains(t, out, "duration_ms=1.500")
	assert.Contains(t, out, `note="two words"`)
}

func TestTextFormatGroups(t *testing.T) {
	buf, cleanup := captureOutput()
	defer cleanup()

	With(KeySubsystem, "filelock").WithGroup("stats").Info("table ready", "files", 3)

	out := buf.String()
	assert.Contains(t, out, "subsystem=filelock")
	assert.Contains(t, out, "stats.files=3")
}

func TestJSONFormat(t *testing.T) {
	buf, cleanup := captureOutput()
	defer cleanup()

	SetLevel("INFO")
	SetFormat("json")
	Info("observer registered", KeySubscription, "abc", KeyPriority, 0)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "observer registered", entry["msg"])
	assert.Equal(t, "abc", entry[KeySubscription])
	assert.Equal(t, "INFO", entry["level"])
}

func TestContextFields(t *testing.T) {
	buf, cleanup := captureOutput()
	defer cleanup()

	SetLevel("DEBUG")
	bc := &BootContext{BootID: "boot-1"}
	ctx := WithContext(context.Background(), bc.WithStep("heap"))

	InfoCtx(ctx, "initializing")
	DebugCtx(context.Background(), "no fields")

	out := buf.String()
	assert.Contains(t, out, "boot_id=boot-1")
	assert.Contains(t, out, "step=heap")
	assert.Empty(t, bc.Step, "WithStep must not mutate the receiver")
	assert.Nil(t, FromContext(context.Background()))
}

func TestErrAttr(t *testing.T) {
	buf, cleanup := captureOutput()
	defer cleanup()

	Warn("flush failed", Err(errors.New("disk gone")))
	Warn("flush ok", Err(nil))

	out := buf.String()
	assert.Contains(t, out, `error="disk gone"`)
	assert.NotContains(t, strings.Split(out, "\n")[1], "error=")
}

func TestInitFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vfsinit.log")
	_, cleanup := captureOutput()
	defer cleanup()

	require.NoError(t, Init(Config{Level: "INFO", Format: "text", Output: path}))
	Info("to file")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "to file")

	assert.Error(t, Init(Config{Output: filepath.Join(t.TempDir(), "missing", "x.log")}))
}

func TestConcurrentLogging(t *testing.T) {
	buf, cleanup := captureOutput()
	defer cleanup()

	SetLevel("INFO")

	const goroutines, perGoroutine = 8, 50
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				Info("tick", "id", id, "n", j)
			}
		}(i)
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, goroutines*perGoroutine)
}

func TestConcurrentReconfigure(t *testing.T) {
	InitWithWriter(io.Discard, "DEBUG", "text", false)
	defer InitWithWriter(os.Stderr, "INFO", "text", false)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if j%2 == 0 {
					SetLevel("DEBUG")
				} else {
					SetFormat("json")
				}
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				Debug("d")
				Error("e")
			}
		}()
	}
	require.NotPanics(t, wg.Wait)
}

func TestHandlerEnabled(t *testing.T) {
	h := NewColorTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelWarn}, false)
	assert.False(t, h.Enabled(context.Background(), slog.LevelInfo))
	assert.True(t, h.Enabled(context.Background(), slog.LevelError))
}
