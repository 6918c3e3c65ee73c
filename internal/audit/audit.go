// Package audit writes one JSON line per intercepted request to a
// session-scoped, append-only log.
package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/raaihank/egress-sentinel/internal/dlp"
	"github.com/raaihank/egress-sentinel/internal/logger"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrClosed is returned by Append after Close
var ErrClosed = errors.New("audit log closed")

// PrefixRunes is how much of a matched value is kept in the audit log
const PrefixRunes = 4

// Record describes the outcome of one intercepted request
type Record struct {
	Method   string       `json:"method"`
	URL      string       `json:"url"`
	Host     string       `json:"host"`
	Allowed  bool         `json:"allowed"`
	Scrubbed []ScrubEntry `json:"scrubbed,omitempty"`
}

// ScrubEntry summarizes a finding without the full matched value
type ScrubEntry struct {
	Pattern        string       `json:"pattern"`
	Category       dlp.Category `json:"category"`
	OriginalPrefix string       `json:"original_prefix"`
	OriginalLength int          `json:"original_length"`
	ReplacedWith   string       `json:"replaced_with"`
}

// Summarize converts findings into audit entries. Only the first PrefixRunes
// characters of each match survive, followed by an elision marker.
func Summarize(findings []dlp.Finding) []ScrubEntry {
	if len(findings) == 0 {
		return nil
	}
	entries := make([]ScrubEntry, 0, len(findings))
	for _, f := range findings {
		entries = append(entries, ScrubEntry{
			Pattern:        f.PatternID,
			Category:       f.Category,
			OriginalPrefix: truncate(f.MatchedText) + "***",
			OriginalLength: utf8.RuneCountInString(f.MatchedText),
			ReplacedWith:   f.Placeholder,
		})
	}
	return entries
}

func truncate(s string) string {
	n := 0
	for i := range s {
		if n == PrefixRunes {
			return s[:i]
		}
		n++
	}
	return s
}

// Log is a serialized JSONL appender. Each record is written with a single
// write call under the mutex, so concurrent requests never interleave
// partial lines.
type Log struct {
	path   string
	logger *logger.Logger

	mu     sync.Mutex
	file   *os.File
	closed bool

	warnings rate.Sometimes
}

// Open prepares the audit log at path. Failing to open the file is not
// fatal: the error is logged and opening is retried on each append.
func Open(path string, log *logger.Logger) *Log {
	l := &Log{
		path:     path,
		logger:   log,
		warnings: rate.Sometimes{First: 3, Interval: 30 * time.Second},
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.openLocked(); err != nil {
		l.warn("Failed to open audit log", err)
	}
	return l
}

// Path returns the audit log location
func (l *Log) Path() string {
	return l.path
}

func (l *Log) openLocked() error {
	if l.file != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("failed to create audit dir: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	l.file = f
	return nil
}

// Append writes rec as one line. Failures are logged (rate limited) and
// returned, but callers must not let them change how a request is handled.
func (l *Log) Append(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode audit record: %w", err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}
	if err := l.openLocked(); err != nil {
		l.warn("Failed to write audit record", err)
		return err
	}
	if _, err := l.file.Write(data); err != nil {
		l.warn("Failed to write audit record", err)
		return fmt.Errorf("failed to write audit record: %w", err)
	}
	return nil
}

func (l *Log) warn(msg string, err error) {
	l.warnings.Do(func() {
		l.logger.Warn(msg, zap.String("path", l.path), zap.Error(err))
	})
}

// Close releases the file handle. It is safe to call more than once.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
