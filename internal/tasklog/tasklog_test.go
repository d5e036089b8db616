package tasklog

import (
	"bytes"
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestWriterAndCopy(t *testing.T) {
	dir := t.TempDir()
	w, err := Create(dir, "task-1")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	w.WriteLine("first")
	w.WriteLine("second")
	w.Close()

	if w.File() != Path(dir, "task-1") {
		t.Errorf("File() = %q", w.File())
	}
	if err := w.WriteLine("late"); err == nil {
		t.Error("WriteLine() after Close should fail")
	}

	var out bytes.Buffer
	if err := Copy(w.File(), &out); err != nil {
		t.Fatalf("Copy() error = %v", err)
	}
	if out.String() != "first\nsecond\n" {
		t.Errorf("Copy() = %q", out.String())
	}
}

func TestFollow_PicksUpAppends(t *testing.T) {
	dir := t.TempDir()
	w, err := Create(dir, "task-2")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	defer w.Close()
	w.WriteLine("before")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out := &syncBuffer{}
	var mu sync.Mutex
	finished := false
	done := make(chan error, 1)
	go func() {
		done <- Follow(ctx, w.File(), out, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return finished
		})
	}()

	time.Sleep(100 * time.Millisecond)
	w.WriteLine("after")
	w.WriteLine("last")
	mu.Lock()
	finished = true
	mu.Unlock()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Follow() error = %v", err)
		}
	case <-ctx.Done():
		t.Fatal("Follow() did not stop")
	}

	got := out.String()
	for _, want := range []string{"before", "after", "last"} {
		if !strings.Contains(got, want) {
			t.Errorf("followed output %q missing %q", got, want)
		}
	}
}

func TestFollow_PollCopiesWithoutEvents(t *testing.T) {
	dir := t.TempDir()
	w, err := Create(dir, "task-3")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	defer w.Close()

	f, err := os.Open(w.File())
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	ctx, cancel := context.WithCancel(context.Background())
	out := &syncBuffer{}
	done := make(chan error, 1)
	// no event channels: only the poll tick can pick up the append
	go func() { done <- follow(ctx, f, out, nil, nil, nil) }()

	w.WriteLine("unannounced")
	deadline := time.Now().Add(5 * pollInterval)
	for !strings.Contains(out.String(), "unannounced") && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("follow() error = %v", err)
	}
	if got := out.String(); got != "unannounced\n" {
		t.Errorf("followed output = %q, want the append copied on a poll tick", got)
	}
}
