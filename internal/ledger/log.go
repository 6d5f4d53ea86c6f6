// Package ledger is the durable local state: an append-only record log
// and the position ledger built on top of it. The storage engine is a
// flat JSONL file today; nothing above the AppendLog interface knows that.
package ledger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/qalgo/odte-trader/internal/observ"
)

// AppendLog is an ordered, crash-safe record store. Append is O(1),
// CompactTo atomically replaces the whole log (write-temp-then-rename),
// Scan replays records in insertion order.
type AppendLog interface {
	Append(record any) error
	Scan(fn func(raw json.RawMessage) error) error
	CompactTo(records []any) error
}

// FileLog is the JSONL implementation. A single writer is enforced with
// a mutex; readers of the underlying file see either the pre- or
// post-compaction contents because compaction goes through os.Rename.
type FileLog struct {
	mu   sync.Mutex
	path string
}

func NewFileLog(path string) (*FileLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	return &FileLog{path: path}, nil
}

func (l *FileLog) Append(record any) error {
	b, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("append record: %w", err)
	}
	return f.Sync()
}

// Scan replays every well-formed line. A torn or corrupt line stops the
// scan and is reported; callers decide whether to reset.
func (l *FileLog) Scan(fn func(raw json.RawMessage) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		if !json.Valid(raw) {
			return &CorruptError{Path: l.path, Line: line}
		}
		cp := make(json.RawMessage, len(raw))
		copy(cp, raw)
		if err := fn(cp); err != nil {
			return err
		}
	}
	return sc.Err()
}

// CompactTo rewrites the log to exactly records, atomically.
func (l *FileLog) CompactTo(records []any) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	tmp := l.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open temp log: %w", err)
	}
	w := bufio.NewWriter(f)
	for _, r := range records {
		b, err := json.Marshal(r)
		if err != nil {
			f.Close()
			return fmt.Errorf("marshal record: %w", err)
		}
		if _, err := w.Write(append(b, '\n')); err != nil {
			f.Close()
			return fmt.Errorf("write temp log: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("flush temp log: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync temp log: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp log: %w", err)
	}
	return os.Rename(tmp, l.path)
}

// Reset truncates the log, used after corruption is detected.
func (l *FileLog) Reset() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	observ.Warn("log_reset", map[string]any{"path": l.path})
	return os.WriteFile(l.path, nil, 0o644)
}

// CorruptError marks a log file that failed to parse.
type CorruptError struct {
	Path string
	Line int
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("corrupt log %s at line %d", e.Path, e.Line)
}
