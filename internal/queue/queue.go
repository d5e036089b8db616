// Package queue holds tasks waiting for a worker slot.
//
// Tasks are ordered by priority and, within equal priority, by insertion
// order. The queue is not safe for concurrent use; the pool guards it with
// its own mutex.
package queue

import (
	"container/list"

	"github.com/hochfrequenz/agent-pool/internal/domain"
)

const numPriorities = 3

// Queue is a priority FIFO with O(1) push, pop and removal by id
type Queue struct {
	buckets [numPriorities]*list.List
	index   map[string]*list.Element
}

type entry struct {
	id   string
	rank int
}

// New creates an empty queue
func New() *Queue {
	q := &Queue{index: make(map[string]*list.Element)}
	for i := range q.buckets {
		q.buckets[i] = list.New()
	}
	return q
}

// Push appends id behind all queued tasks of the same priority.
// Returns false if id is already queued.
func (q *Queue) Push(id string, p domain.Priority) bool {
	if _, ok := q.index[id]; ok {
		return false
	}
	rank := p.Rank()
	q.index[id] = q.buckets[rank].PushBack(entry{id: id, rank: rank})
	return true
}

// Pop removes and returns the next task to dispatch
func (q *Queue) Pop() (string, bool) {
	for _, b := range q.buckets {
		if front := b.Front(); front != nil {
			e := b.Remove(front).(entry)
			delete(q.index, e.id)
			return e.id, true
		}
	}
	return "", false
}

// Peek returns the next task without removing it
func (q *Queue) Peek() (string, bool) {
	for _, b := range q.buckets {
		if front := b.Front(); front != nil {
			return front.Value.(entry).id, true
		}
	}
	return "", false
}

// Remove drops id from the queue. Returns false if it was not queued.
func (q *Queue) Remove(id string) bool {
	el, ok := q.index[id]
	if !ok {
		return false
	}
	q.buckets[el.Value.(entry).rank].Remove(el)
	delete(q.index, id)
	return true
}

// Contains reports whether id is waiting in the queue
func (q *Queue) Contains(id string) bool {
	_, ok := q.index[id]
	return ok
}

// Len returns the number of queued tasks
func (q *Queue) Len() int {
	return len(q.index)
}

// IDs returns the queued ids in dispatch order
func (q *Queue) IDs() []string {
	ids := make([]string, 0, len(q.index))
	for _, b := range q.buckets {
		for el := b.Front(); el != nil; el = el.Next() {
			ids = append(ids, el.Value.(entry).id)
		}
	}
	return ids
}

// Position returns the 0-based dispatch position of id, or -1
func (q *Queue) Position(id string) int {
	if !q.Contains(id) {
		return -1
	}
	for i, queued := range q.IDs() {
		if queued == id {
			return i
		}
	}
	return -1
}
