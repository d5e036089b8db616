package queue

import (
	"fmt"
	"slices"
	"testing"

	"github.com/hochfrequenz/agent-pool/internal/domain"
)

func TestQueue_FIFOWithinPriority(t *testing.T) {
	q := New()
	for i := 0; i < 5; i++ {
		q.Push(fmt.Sprintf("t%d", i), domain.PriorityNormal)
	}

	var got []string
	for {
		id, ok := q.Pop()
		if !ok {
			break
		}
		got = append(got, id)
	}

	want := []string{"t0", "t1", "t2", "t3", "t4"}
	if !slices.Equal(got, want) {
		t.Errorf("pop order = %v, want %v", got, want)
	}
}

func TestQueue_PriorityOrder(t *testing.T) {
	q := New()
	q.Push("low-1", domain.PriorityLow)
	q.Push("normal-1", domain.PriorityNormal)
	q.Push("high-1", domain.PriorityHigh)
	q.Push("normal-2", domain.PriorityNormal)
	q.Push("high-2", domain.PriorityHigh)

	want := []string{"high-1", "high-2", "normal-1", "normal-2", "low-1"}
	if got := q.IDs(); !slices.Equal(got, want) {
		t.Errorf("IDs() = %v, want %v", got, want)
	}
	if id, _ := q.Peek(); id != "high-1" {
		t.Errorf("Peek() = %q, want high-1", id)
	}
	if pos := q.Position("normal-2"); pos != 3 {
		t.Errorf("Position(normal-2) = %d, want 3", pos)
	}
}

func TestQueue_Remove(t *testing.T) {
	q := New()
	q.Push("a", domain.PriorityNormal)
	q.Push("b", domain.PriorityNormal)
	q.Push("c", domain.PriorityNormal)

	if !q.Remove("b") {
		t.Fatal("Remove(b) = false, want true")
	}
	if q.Remove("b") {
		t.Error("second Remove(b) = true, want false")
	}
	if q.Contains("b") {
		t.Error("Contains(b) after removal")
	}
	if q.Len() != 2 {
		t.Errorf("Len() = %d, want 2", q.Len())
	}
	if got := q.IDs(); !slices.Equal(got, []string{"a", "c"}) {
		t.Errorf("IDs() = %v, want [a c]", got)
	}
	if q.Position("b") != -1 {
		t.Error("Position of removed id should be -1")
	}
}

func TestQueue_DuplicatePush(t *testing.T) {
	q := New()
	if !q.Push("a", domain.PriorityHigh) {
		t.Fatal("first Push returned false")
	}
	if q.Push("a", domain.PriorityLow) {
		t.Error("duplicate Push returned true")
	}
	if q.Len() != 1 {
		t.Errorf("Len() = %d, want 1", q.Len())
	}
}

func TestQueue_PopEmpty(t *testing.T) {
	q := New()
	if _, ok := q.Pop(); ok {
		t.Error("Pop() on empty queue returned ok")
	}
	if _, ok := q.Peek(); ok {
		t.Error("Peek() on empty queue returned ok")
	}
}
