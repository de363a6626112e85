package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"jobsman/internal/trigger"
)

var (
	// ErrUnavailable wraps transient store failures (locked file, I/O error).
	// Callers treat it as retryable: the running schedule stays active.
	ErrUnavailable = errors.New("job store unavailable")

	ErrNotFound = errors.New("job not found")
)

// Config configures the job store.
//
// Driver values:
//   - "sqlite" (default): SQLite database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// JobDefinition is the durable description of one scheduled job.
//
// The six cron fields follow the classic grammar (literal, "*", ranges,
// steps, lists); empty fields default to "*". Coalesce, MaxInstances and
// MisfireGrace are per-job overrides; zero values fall back to the
// scheduler's configured defaults (Coalesce is a pointer so an explicit
// false is distinguishable from "unset").
type JobDefinition struct {
	ID        string
	Command   string
	Second    string
	Minute    string
	Hour      string
	Day       string
	Month     string
	DayOfWeek string

	// Timeout is the execution deadline in seconds.
	Timeout int

	Coalesce     *bool
	MaxInstances int
	MisfireGrace int // seconds
}

// Fields returns the cron fields of the definition.
func (d JobDefinition) Fields() trigger.Fields {
	return trigger.Fields{
		Second:    d.Second,
		Minute:    d.Minute,
		Hour:      d.Hour,
		Day:       d.Day,
		Month:     d.Month,
		DayOfWeek: d.DayOfWeek,
	}
}

// Trigger parses the cron fields into an immutable trigger spec evaluated
// in loc. This is where malformed schedules fail: at construction/load
// time, never at fire time.
func (d JobDefinition) Trigger(loc *time.Location) (*trigger.Spec, error) {
	return trigger.Parse(d.Fields(), loc)
}

// Validate checks the definition for structural problems, including that
// every cron field parses.
func (d JobDefinition) Validate(loc *time.Location) error {
	if strings.TrimSpace(d.ID) == "" {
		return errors.New("job id is required")
	}
	if strings.TrimSpace(d.Command) == "" {
		return fmt.Errorf("job %s: command is required", d.ID)
	}
	if d.Timeout < 0 {
		return fmt.Errorf("job %s: timeout must be >= 0", d.ID)
	}
	if d.MaxInstances < 0 {
		return fmt.Errorf("job %s: max_instances must be >= 0", d.ID)
	}
	if d.MisfireGrace < 0 {
		return fmt.Errorf("job %s: misfire_grace must be >= 0", d.ID)
	}
	if _, err := d.Trigger(loc); err != nil {
		return fmt.Errorf("job %s: %w", d.ID, err)
	}
	return nil
}

// Store is the durable ground truth of job definitions, shared between the
// running service and out-of-band editors (CLI, other writers).
//
// Update markers are the change-notification channel: every external write
// appends a pending marker (NoteUpdate); the reload controller polls
// PendingUpdateExists and batch-clears markers after a successful reload.
// Markers are flipped, never deleted, so the table doubles as an audit log.
type Store interface {
	List(ctx context.Context) ([]JobDefinition, error)
	Get(ctx context.Context, id string) (JobDefinition, bool, error)
	Upsert(ctx context.Context, def JobDefinition) error
	Delete(ctx context.Context, id string) error

	PendingUpdateExists(ctx context.Context) (bool, error)
	NoteUpdate(ctx context.Context) error
	// MarkUpdatesProcessed flips all pending markers in one statement and
	// returns how many were cleared.
	MarkUpdatesProcessed(ctx context.Context) (int64, error)

	Close() error
}
