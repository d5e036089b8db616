// Package tasklog writes per-task agent output to files and follows them.
package tasklog

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const pollInterval = 250 * time.Millisecond

// Path returns the log file location for a task
func Path(dir, taskID string) string {
	return filepath.Join(dir, taskID+".log")
}

// Writer appends lines to a task log, flushing each one for followers
type Writer struct {
	mu   sync.Mutex
	f    *os.File
	path string
}

// Create opens a new log file for a task, creating dir if needed
func Create(dir, taskID string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating log dir: %w", err)
	}
	path := Path(dir, taskID)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("creating log file: %w", err)
	}
	return &Writer{f: f, path: path}, nil
}

// File returns the log file path
func (w *Writer) File() string { return w.path }

// WriteLine appends one line
func (w *Writer) WriteLine(line string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return os.ErrClosed
	}
	_, err := w.f.WriteString(line + "\n")
	return err
}

// Close closes the log file
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}

// Copy writes the current content of a task log to out
func Copy(path string, out io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(out, f)
	return err
}

// Follow copies the log to out and keeps copying appended data until ctx is
// done or stop returns true. stop is checked after every write event and
// every pollInterval; it may be nil.
func Follow(ctx context.Context, path string, out io.Writer, stop func() bool) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(path); err != nil {
		return fmt.Errorf("watching %s: %w", path, err)
	}
	return follow(ctx, f, out, stop, watcher.Events, watcher.Errors)
}

// follow copies from f on every write event and every poll tick, so appends
// whose events were coalesced or lost still reach out
func follow(ctx context.Context, f io.Reader, out io.Writer, stop func() bool, events <-chan fsnotify.Event, errs <-chan error) error {
	r := bufio.NewReader(f)
	drain := func() error {
		_, err := io.Copy(out, r)
		return err
	}

	if err := drain(); err != nil {
		return err
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		if stop != nil && stop() {
			return drain()
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := drain(); err != nil {
				return err
			}
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Write) {
				if err := drain(); err != nil {
					return err
				}
			}
			if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
				return drain()
			}
		case err, ok := <-errs:
			if !ok {
				return nil
			}
			if !errors.Is(err, fsnotify.ErrEventOverflow) {
				return err
			}
			if err := drain(); err != nil {
				return err
			}
		}
	}
}
