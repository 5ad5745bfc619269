package logger

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

func TestFileWriter_Defaults(t *testing.T) {
	if w := (FileConfig{}).FileWriter(); w != nil {
		t.Fatalf("expected nil writer without a path")
	}
	dir := t.TempDir()
	w := FileConfig{Path: filepath.Join(dir, "sidecar.log")}.FileWriter()
	l, ok := w.(*lj.Logger)
	if !ok {
		t.Fatalf("writer is not lumberjack.Logger")
	}
	if l.MaxSize != 10 || l.MaxBackups != 3 || l.MaxAge != 7 {
		t.Fatalf("unexpected defaults: size=%d backups=%d age=%d", l.MaxSize, l.MaxBackups, l.MaxAge)
	}
	_ = w.Close()
}

func TestFileWriter_Overrides(t *testing.T) {
	dir := t.TempDir()
	w := FileConfig{Path: filepath.Join(dir, "x.log"), MaxSizeMB: 1, MaxBackups: 9, MaxAgeDays: 11, Compress: true}.FileWriter()
	l := w.(*lj.Logger)
	if l.MaxSize != 1 || l.MaxBackups != 9 || l.MaxAge != 11 || !l.Compress {
		t.Fatalf("unexpected overrides: size=%d backups=%d age=%d compress=%t", l.MaxSize, l.MaxBackups, l.MaxAge, l.Compress)
	}
	_ = w.Close()
}

func TestNew_WritesConsoleAndFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "daemon.log")
	var console bytes.Buffer
	log, closer := New(Config{Level: "debug", Format: "json", File: FileConfig{Path: path}}, &console)
	log.Debug("hello", "port", 8001)
	_ = closer.Close()

	if !strings.Contains(console.String(), `"msg":"hello"`) {
		t.Fatalf("console missing record: %q", console.String())
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read daemon log: %v", err)
	}
	if !strings.Contains(string(b), `"port":8001`) {
		t.Fatalf("file missing record: %q", string(b))
	}
}

func TestParseLevel(t *testing.T) {
	if ParseLevel("WARN") != slog.LevelWarn || ParseLevel("bogus") != slog.LevelInfo || ParseLevel("debug") != slog.LevelDebug {
		t.Fatalf("unexpected level mapping")
	}
}

func TestColorTextHandler_PrefixesLevel(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewColorTextHandler(&buf, nil, false))
	log.Warn("port busy")
	out := buf.String()
	// the text handler quotes the escape sequence, so look for the level and message only
	if !strings.Contains(out, "WARN") || !strings.Contains(out, "port busy") {
		t.Fatalf("expected WARN prefix, got %q", out)
	}
	if strings.Contains(out, "time=") {
		t.Fatalf("time should be dropped when showTime=false: %q", out)
	}
}
