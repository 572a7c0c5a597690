// Package domain holds the types shared by every component of the
// coordination plane: the task record, the bundle it travels in, and the
// client registration table the dispatcher maintains.
package domain

import (
	"errors"
	"time"
)

var (
	ErrTaskNotFound         = errors.New("task not found")
	ErrTaskAlreadyComplete  = errors.New("task is already complete")
	ErrRegistrationNotFound = errors.New("client registration not found")
)

// Status is derived, never stored directly: a task is schedulable,
// running, or complete/failed based on its timestamps and exit status.
type Status string

const (
	StatusSchedulable Status = "schedulable"
	StatusRunning     Status = "running"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
)

// TemplateErrorExitStatus is the sentinel exit status assigned to a task
// whose template expansion failed (spec §4.9, §7 TemplateError).
const TemplateErrorExitStatus = -2

// CancelledExitStatus is set by operator cancellation (spec §3).
const CancelledExitStatus = -1

// Task is one shell command line submitted for execution.
type Task struct {
	ID  string `json:"id"`
	Args    string `json:"args"`
	Command string `json:"command"`

	SubmitID   string    `json:"submitID"`
	SubmitHost string    `json:"submitHost"`
	SubmitTime time.Time `json:"submitTime"`

	ServerID     *string    `json:"serverID,omitempty"`
	ServerHost   *string    `json:"serverHost,omitempty"`
	ScheduleTime *time.Time `json:"scheduleTime,omitempty"`

	ClientID       *string    `json:"clientID,omitempty"`
	ClientHost     *string    `json:"clientHost,omitempty"`
	StartTime      *time.Time `json:"startTime,omitempty"`
	CompletionTime *time.Time `json:"completionTime,omitempty"`

	ExitStatus *int `json:"exitStatus,omitempty"`

	Attempt    int     `json:"attempt"`
	PreviousID *string `json:"previousID,omitempty"`

	OutPath *string `json:"outpath,omitempty"`
	ErrPath *string `json:"errpath,omitempty"`

	Tags map[string]string `json:"tags,omitempty"`
}

// Schedulable reports whether the task has not yet been claimed.
func (t *Task) Schedulable() bool {
	return t.ScheduleTime == nil
}

// Complete reports whether the task has a recorded exit status.
func (t *Task) Complete() bool {
	return t.ExitStatus != nil
}

// Failed reports whether the task completed with a non-zero exit status.
func (t *Task) Failed() bool {
	return t.Complete() && *t.ExitStatus != 0
}

// Waited returns the duration between submission and scheduling, or zero
// if the task has not been scheduled.
func (t *Task) Waited() time.Duration {
	if t.ScheduleTime == nil {
		return 0
	}
	return t.ScheduleTime.Sub(t.SubmitTime)
}

// Duration returns the execution duration, or zero if the task has not
// completed or never started.
func (t *Task) Duration() time.Duration {
	if t.StartTime == nil || t.CompletionTime == nil {
		return 0
	}
	return t.CompletionTime.Sub(*t.StartTime)
}

// DerivedStatus computes the human-facing status from timestamps, never
// stored directly (mirrors the invariant in spec §3).
func (t *Task) DerivedStatus() Status {
	switch {
	case !t.Complete() && !t.Schedulable():
		return StatusRunning
	case !t.Complete():
		return StatusSchedulable
	case t.Failed():
		return StatusFailed
	default:
		return StatusCompleted
	}
}

// Bundle is an ordered group of tasks moved as a unit across the queue or
// the wire (spec §3 "Bundle").
type Bundle struct {
	ID    string  `json:"id"`
	Tasks []*Task `json:"tasks"`
}

// Registration is a live client's presence record (spec §3 "Client
// registration"); lifetime begins on registration and ends on disconnect
// or eviction.
type Registration struct {
	ClientID      string
	ClientHost    string
	RegisteredAt  time.Time
	LastHeartbeat time.Time
}

// Stale reports whether the registration's last heartbeat is older than
// evict, the per-spec eviction threshold (spec §4.5).
func (r *Registration) Stale(now time.Time, evict time.Duration) bool {
	return now.Sub(r.LastHeartbeat) > evict
}
