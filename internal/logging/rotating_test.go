package logging

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/sentinel-agent/alertflow/internal/config"
)

func chunk(size int) []byte {
	return bytes.Repeat([]byte{'A'}, size)
}

// ---------------------------------------------------------------------------
// RotatingWriter
// ---------------------------------------------------------------------------

func TestNewRotatingWriter_CreatesDirectoryAndFile(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "nested", "alertflow.log")

	w, err := NewRotatingWriter(logPath, 10, 3)
	if err != nil {
		t.Fatalf("NewRotatingWriter returned error: %v", err)
	}
	defer w.Close()

	if _, err := os.Stat(logPath); err != nil {
		t.Fatalf("expected log file to exist: %v", err)
	}
}

func TestNewRotatingWriter_AppendsAndTracksExistingSize(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "alertflow.log")
	if err := os.WriteFile(logPath, []byte("existing\n"), 0640); err != nil {
		t.Fatal(err)
	}

	w, err := NewRotatingWriter(logPath, 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	if w.written != int64(len("existing\n")) {
		t.Errorf("written = %d, want %d", w.written, len("existing\n"))
	}
	if _, err := w.Write([]byte("appended\n")); err != nil {
		t.Fatal(err)
	}
	w.Close()

	data, _ := os.ReadFile(logPath)
	if string(data) != "existing\nappended\n" {
		t.Errorf("file content = %q", data)
	}
}

func TestRotation_ShiftsAndCapsBackups(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "alertflow.log")

	w, err := NewRotatingWriter(logPath, 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	oneMB := 1 << 20
	for i := 0; i < 5; i++ {
		if _, err := w.Write(chunk(oneMB)); err != nil {
			t.Fatalf("Write #%d: %v", i, err)
		}
	}

	for n := 1; n <= 2; n++ {
		if _, err := os.Stat(fmt.Sprintf("%s.%d", logPath, n)); err != nil {
			t.Errorf("expected backup .%d: %v", n, err)
		}
	}
	if _, err := os.Stat(logPath + ".3"); !os.IsNotExist(err) {
		t.Error("backup .3 should not exist with maxBackups=2")
	}

	info, err := os.Stat(logPath)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != int64(oneMB) {
		t.Errorf("current file size = %d, want %d", info.Size(), oneMB)
	}
}

func TestWrite_AfterCloseFails(t *testing.T) {
	w, err := NewRotatingWriter(filepath.Join(t.TempDir(), "a.log"), 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close() = %v, want nil", err)
	}
	if _, err := w.Write([]byte("x")); err == nil {
		t.Error("Write after Close should fail")
	}
}

func TestWrite_ConcurrentSafety(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "alertflow.log")
	w, err := NewRotatingWriter(logPath, 1, 3)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	line := []byte(strings.Repeat("x", 99) + "\n")
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				w.Write(line)
			}
		}()
	}
	wg.Wait()

	info, err := os.Stat(logPath)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != 8*100*int64(len(line)) {
		t.Errorf("size = %d, want %d", info.Size(), 8*100*len(line))
	}
}

// ---------------------------------------------------------------------------
// New / NewRequestID
// ---------------------------------------------------------------------------

func TestNew_FileOutput(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "logs", "alertflow.log")
	logger, closer, err := New(config.LoggingConfig{Level: "debug", Format: "json", Output: logPath})
	if err != nil {
		t.Fatalf("New(): %v", err)
	}
	logger.Info().Str("component", "test").Msg("hello")
	closer.Close()

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"message":"hello"`) {
		t.Errorf("log output = %q", data)
	}
}

func TestNew_BadLevelFallsBackToInfo(t *testing.T) {
	logger, closer, err := New(config.LoggingConfig{Level: "chatty", Format: "json", Output: "stdout"})
	if err != nil {
		t.Fatal(err)
	}
	defer closer.Close()
	if logger.GetLevel().String() != "info" {
		t.Errorf("level = %s, want info", logger.GetLevel())
	}
}

func TestNewRequestID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewRequestID()
		if !strings.HasPrefix(id, "req-") || len(id) != 20 {
			t.Fatalf("unexpected id %q", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}
