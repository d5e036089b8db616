package domain

import (
	"fmt"
	"strings"
)

// TaskStatus represents the lifecycle state of a task
type TaskStatus string

const (
	StatusQueued    TaskStatus = "queued"
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether the status can never change again
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// WorkerState is the occupancy of a worker slot
type WorkerState string

const (
	WorkerIdle WorkerState = "idle"
	WorkerBusy WorkerState = "busy"
)

// Priority represents task priority
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = ""
	PriorityLow    Priority = "low"
)

// Rank returns the dispatch order of the priority, lower first
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityLow:
		return 2
	default:
		return 1
	}
}

// ParsePriority accepts "high", "normal", "low" or the empty string
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		return PriorityHigh, nil
	case "", "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	}
	return PriorityNormal, fmt.Errorf("invalid priority %q (expected high, normal or low)", s)
}

// String returns "normal" for the default priority
func (p Priority) String() string {
	if p == PriorityNormal {
		return "normal"
	}
	return string(p)
}

// ErrorKind classifies why a task failed
type ErrorKind string

const (
	ErrorAgentUnavailable ErrorKind = "agent_unavailable"
	ErrorSpawn            ErrorKind = "spawn"
	ErrorExit             ErrorKind = "exit"
	ErrorTimeout          ErrorKind = "timeout"
	ErrorParse            ErrorKind = "parse"
	ErrorInternal         ErrorKind = "internal"
)
