// Package interactionlog writes one JSON line per handled request to a
// daily file, giving an append-only audit trail of what was asked, what
// the model proposed and what was executed.
//
// Files are named interactions_YYYY-MM-DD.jsonl using the UTC date.
// Writes are refused once today's file holds MaxEntriesPerFile lines or
// the directory exceeds MaxDirBytes, and the oldest files beyond
// MaxFiles are deleted. Write never fails the caller: problems are
// logged and the entry is dropped.
package interactionlog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"
)

// Defaults for Config fields left at zero.
const (
	DefaultMaxEntriesPerFile = 500
	DefaultMaxFiles          = 7
	DefaultMaxDirBytes       = 50 << 20
)

const (
	filePrefix = "interactions_"
	fileSuffix = ".jsonl"
)

// Config configures a Logger.
type Config struct {
	Dir               string
	MaxEntriesPerFile int
	MaxFiles          int
	MaxDirBytes       int64
}

// Bytes is binary data that is recorded by length only.
type Bytes []byte

// MarshalJSON renders the value as "<bytes len=N>".
func (b Bytes) MarshalJSON() ([]byte, error) {
	return json.Marshal(fmt.Sprintf("<bytes len=%d>", len(b)))
}

// Entry is one interaction. The sections are free-form so callers can
// record whatever each stage produced.
type Entry struct {
	Timestamp time.Time      `json:"timestamp"`
	Request   map[string]any `json:"request"`
	Context   map[string]any `json:"context"`
	LLMCall   map[string]any `json:"llm_call"`
	Actions   map[string]any `json:"actions"`
	Execution []any          `json:"execution"`
	Timing    map[string]any `json:"timing"`
}

// NewEntry returns an entry stamped with the current UTC time and every
// section initialized.
func NewEntry() *Entry {
	return &Entry{
		Timestamp: time.Now().UTC(),
		Request:   map[string]any{},
		Context:   map[string]any{},
		LLMCall:   map[string]any{},
		Actions:   map[string]any{},
		Execution: []any{},
		Timing:    map[string]any{},
	}
}

// Logger appends entries to the daily log file.
type Logger struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu sync.Mutex
	// counts caches the line count of files already seen, keyed by
	// file name.
	counts map[string]int
}

// New creates a logger. The directory is created on first write.
func New(cfg Config, logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxEntriesPerFile <= 0 {
		cfg.MaxEntriesPerFile = DefaultMaxEntriesPerFile
	}
	if cfg.MaxFiles <= 0 {
		cfg.MaxFiles = DefaultMaxFiles
	}
	if cfg.MaxDirBytes <= 0 {
		cfg.MaxDirBytes = DefaultMaxDirBytes
	}
	return &Logger{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		counts: make(map[string]int),
	}
}

// SetClock replaces the time source used to pick the daily file.
func (l *Logger) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// Write appends the entry. Errors are logged, never returned.
func (l *Logger) Write(entry *Entry) {
	if entry == nil {
		return
	}
	if err := l.write(entry); err != nil {
		l.logger.Error("failed to write interaction log entry", "error", err, "dir", l.cfg.Dir)
	}
}

func (l *Logger) write(entry *Entry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(l.cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}

	name := filePrefix + l.now().UTC().Format(time.DateOnly) + fileSuffix
	files, size, err := l.listFiles()
	if err != nil {
		return err
	}
	size = l.prune(files, size, name)

	if size+int64(len(line)) > l.cfg.MaxDirBytes {
		l.logger.Warn("interaction log directory full, entry dropped",
			"dir", l.cfg.Dir, "bytes", size, "max_bytes", l.cfg.MaxDirBytes)
		return nil
	}

	path := filepath.Join(l.cfg.Dir, name)
	count, err := l.lineCount(name, path)
	if err != nil {
		return err
	}
	if count >= l.cfg.MaxEntriesPerFile {
		l.logger.Warn("interaction log file full, entry dropped",
			"file", name, "entries", count, "max_entries", l.cfg.MaxEntriesPerFile)
		return nil
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("append entry: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close log file: %w", err)
	}
	l.counts[name] = count + 1
	return nil
}

type logFile struct {
	name string
	size int64
}

// listFiles returns the log files in name order (oldest first) and
// their combined size.
func (l *Logger) listFiles() ([]logFile, int64, error) {
	dirents, err := os.ReadDir(l.cfg.Dir)
	if err != nil {
		return nil, 0, fmt.Errorf("read log dir: %w", err)
	}
	var (
		files []logFile
		total int64
	)
	for _, d := range dirents {
		name := d.Name()
		if d.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		info, err := d.Info()
		if err != nil {
			continue
		}
		files = append(files, logFile{name: name, size: info.Size()})
		total += info.Size()
	}
	slices.SortFunc(files, func(a, b logFile) int { return strings.Compare(a.name, b.name) })
	return files, total, nil
}

// prune deletes the oldest files so that, counting today's file, no more
// than MaxFiles remain.
func (l *Logger) prune(files []logFile, size int64, today string) int64 {
	limit := l.cfg.MaxFiles
	if !slices.ContainsFunc(files, func(f logFile) bool { return f.name == today }) {
		limit--
	}
	for len(files) > limit && len(files) > 0 {
		oldest := files[0]
		if oldest.name == today {
			break
		}
		if err := os.Remove(filepath.Join(l.cfg.Dir, oldest.name)); err != nil {
			l.logger.Warn("failed to delete old interaction log", "file", oldest.name, "error", err)
			break
		}
		l.logger.Info("deleted old interaction log", "file", oldest.name)
		delete(l.counts, oldest.name)
		size -= oldest.size
		files = files[1:]
	}
	return size
}

func (l *Logger) lineCount(name, path string) (int, error) {
	if n, ok := l.counts[name]; ok {
		return n, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		l.counts[name] = 0
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read log file: %w", err)
	}
	n := bytes.Count(data, []byte{'\n'})
	l.counts[name] = n
	return n, nil
}
