package logger

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/loykin/sidecar/internal/metrics"
)

// Diagnostic log defaults.
const (
	DefaultMaxSize   int64 = 10 * 1024 * 1024
	DefaultRetention       = 24 * time.Hour
	DefaultFileName        = "smartsearch.log"

	// TimeFormat is the ISO-8601 UTC millisecond layout prefixed to every line.
	TimeFormat = "2006-01-02T15:04:05.000Z07:00"

	noticePrefix = "[Supervisor] "
)

// SinkConfig configures the diagnostic log.
type SinkConfig struct {
	Path      string        // canonical log path; defaults to <tmp>/smartsearch.log
	MaxSize   int64         // rotate when the file grows past this many bytes
	Retention time.Duration // rotated and stale files older than this are removed at open
	Console   io.Writer     // optional echo of every line
	Fallback  io.Writer     // diagnostic stream used when the file is unusable; defaults to stderr
	Logger    *slog.Logger  // reports rotation and retention failures
	Now       func() time.Time
}

// Sink is the append-only diagnostic log. All writes go through one mutex, so a
// rotation triggered by a write is complete before that write (or any later one)
// is committed.
type Sink struct {
	mu        sync.Mutex
	path      string
	maxSize   int64
	retention time.Duration
	console   io.Writer
	fallback  io.Writer
	log       *slog.Logger
	now       func() time.Time

	f         *os.File
	rotatedAt time.Time
	closed    bool
}

// RotatedFile is a closed, timestamp-suffixed log segment.
type RotatedFile struct {
	Path    string
	ModTime time.Time
}

// DefaultPath returns the canonical log path in the shared temp directory.
func DefaultPath() string { return filepath.Join(os.TempDir(), DefaultFileName) }

// Open runs the retention sweep and opens the canonical log for appending.
// It never fails: if the file cannot be opened, lines go to the fallback stream.
func Open(cfg SinkConfig) *Sink {
	s := &Sink{
		path:      cfg.Path,
		maxSize:   cfg.MaxSize,
		retention: cfg.Retention,
		console:   cfg.Console,
		fallback:  cfg.Fallback,
		log:       cfg.Logger,
		now:       cfg.Now,
	}
	if s.path == "" {
		s.path = DefaultPath()
	}
	if s.maxSize <= 0 {
		s.maxSize = DefaultMaxSize
	}
	if s.retention <= 0 {
		s.retention = DefaultRetention
	}
	if s.fallback == nil {
		s.fallback = os.Stderr
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}

	s.mu.Lock()
	s.rotatedAt = s.now()
	notices := s.sweepLocked()
	if s.f == nil {
		if err := s.openLocked(); err != nil {
			s.log.Error("diagnostic log unavailable, using console only", "path", s.path, "error", err)
		}
	}
	s.mu.Unlock()
	for _, n := range notices {
		s.Append(n)
	}
	return s
}

// Path returns the canonical log path.
func (s *Sink) Path() string { return s.path }

// Append writes one timestamped, newline-terminated line. It never fails.
func (s *Sink) Append(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		s.writeFallback(s.format(msg))
		return
	}
	if s.f == nil {
		// degraded earlier; retry so a transient failure does not stick
		_ = s.openLocked()
	}
	if notice := s.rotateIfNeededLocked(); notice != "" {
		s.writeLocked(s.format(notice))
	}
	s.writeLocked(s.format(msg))
}

// Appendf formats according to a format specifier and appends the result.
func (s *Sink) Appendf(format string, args ...any) { s.Append(fmt.Sprintf(format, args...)) }

// Write lets the sink back an io.Writer. Every line in p gets its own
// timestamp; a trailing newline does not produce an empty entry.
func (s *Sink) Write(p []byte) (int, error) {
	text := strings.TrimRight(string(p), "\r\n")
	for line := range strings.SplitSeq(text, "\n") {
		s.Append(strings.TrimSuffix(line, "\r"))
	}
	return len(p), nil
}

// Close releases the file handle. Later appends go to the fallback stream.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

// LastRotation reports when the sink was opened or last rotated.
func (s *Sink) LastRotation() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rotatedAt
}

func (s *Sink) format(msg string) string {
	return s.now().UTC().Format(TimeFormat) + " " + msg + "\n"
}

func (s *Sink) writeLocked(line string) {
	if s.console != nil {
		_, _ = io.WriteString(s.console, line)
	}
	if s.f == nil {
		s.writeFallback(line)
		return
	}
	if _, err := s.f.WriteString(line); err != nil {
		s.writeFallback(line)
	}
}

func (s *Sink) writeFallback(line string) {
	if s.fallback != nil && s.fallback != s.console {
		_, _ = io.WriteString(s.fallback, line)
	}
}

func (s *Sink) openLocked() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return err
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	s.f = f
	return nil
}

// rotateIfNeededLocked renames the canonical file when it has grown past the
// threshold and returns the notice to write first into the fresh file.
func (s *Sink) rotateIfNeededLocked() string {
	st, err := os.Stat(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && s.f != nil {
			// removed underneath us; reopen so the line is not lost into an unlinked inode
			_ = s.f.Close()
			s.f = nil
			if err := s.openLocked(); err != nil {
				s.log.Error("failed to recreate diagnostic log", "path", s.path, "error", err)
			}
		}
		return ""
	}
	if st.Size() <= s.maxSize {
		return ""
	}

	if s.f != nil {
		_ = s.f.Close()
		s.f = nil
	}
	backup := s.backupName()
	if err := os.Rename(s.path, backup); err != nil {
		s.log.Error("log rotation failed", "path", s.path, "backup", backup, "error", err)
		if err := s.openLocked(); err != nil {
			s.log.Error("failed to reopen diagnostic log", "path", s.path, "error", err)
		}
		return ""
	}
	if err := os.WriteFile(s.path, nil, 0o644); err != nil {
		s.log.Error("failed to recreate diagnostic log", "path", s.path, "error", err)
	}
	if err := s.openLocked(); err != nil {
		s.log.Error("failed to reopen diagnostic log", "path", s.path, "error", err)
	}
	s.rotatedAt = s.now()
	metrics.IncLogRotation()
	return noticePrefix + "Log file rotated to " + backup
}

// backupName is <path>.<epoch-ms>, bumped when a segment with that stamp exists.
func (s *Sink) backupName() string {
	ms := s.now().UnixMilli()
	for {
		name := s.path + "." + strconv.FormatInt(ms, 10)
		if _, err := os.Lstat(name); errors.Is(err, fs.ErrNotExist) {
			return name
		}
		ms++
	}
}

// Sweep applies the retention policy: a stale canonical file is emptied and
// rotated segments older than the retention are removed. It is run by Open
// and is safe to call again; failures are logged and never returned.
func (s *Sink) Sweep() {
	s.mu.Lock()
	notices := s.sweepLocked()
	s.mu.Unlock()
	for _, n := range notices {
		s.Append(n)
	}
}

func (s *Sink) sweepLocked() []string {
	now := s.now()
	var notices []string

	st, err := os.Stat(s.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
			s.log.Warn("log retention: cannot create log directory", "path", s.path, "error", err)
		} else if err := os.WriteFile(s.path, nil, 0o644); err != nil {
			s.log.Warn("log retention: cannot create log file", "path", s.path, "error", err)
		}
	case err != nil:
		s.log.Warn("log retention: stat failed", "path", s.path, "error", err)
	case now.Sub(st.ModTime()) > s.retention:
		if s.f != nil {
			_ = s.f.Close()
			s.f = nil
		}
		if err := os.Remove(s.path); err != nil {
			s.log.Warn("log retention: cannot remove stale log", "path", s.path, "error", err)
		} else if err := os.WriteFile(s.path, nil, 0o644); err != nil {
			s.log.Warn("log retention: cannot recreate log", "path", s.path, "error", err)
		} else {
			notices = append(notices, noticePrefix+"Log file cleared due to age")
		}
	}

	rotated, err := s.rotatedFiles()
	if err != nil {
		s.log.Warn("log retention: cannot scan log directory", "dir", filepath.Dir(s.path), "error", err)
	}
	for _, rf := range rotated {
		if now.Sub(rf.ModTime) <= s.retention {
			continue
		}
		if err := os.Remove(rf.Path); err != nil {
			s.log.Warn("log retention: cannot remove rotated log", "path", rf.Path, "error", err)
			continue
		}
		notices = append(notices, noticePrefix+"Deleted old rotated log: "+rf.Path)
	}
	return notices
}

// RotatedFiles lists segments named <canonical>.<digits> next to the canonical log.
func (s *Sink) RotatedFiles() ([]RotatedFile, error) { return s.rotatedFiles() }

func (s *Sink) rotatedFiles() ([]RotatedFile, error) {
	dir := filepath.Dir(s.path)
	prefix := filepath.Base(s.path) + "."
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []RotatedFile
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) || !isDigits(name[len(prefix):]) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, RotatedFile{Path: filepath.Join(dir, name), ModTime: info.ModTime()})
	}
	return out, nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
