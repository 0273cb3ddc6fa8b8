package model

import (
	"fmt"
	"time"
)

// TriggerKind discriminates one-shot from daily recurring triggers
type TriggerKind string

const (
	TriggerOneShot TriggerKind = "date"
	TriggerDaily   TriggerKind = "daily"
)

// Trigger defines when a job fires. One-shot triggers carry an absolute
// run time; daily triggers carry a clock value and fire every day.
type Trigger struct {
	Kind   TriggerKind `json:"kind"`
	RunAt  time.Time   `json:"run_at,omitempty"`
	Hour   int         `json:"hour,omitempty"`
	Minute int         `json:"minute,omitempty"`
}

// OneShot returns a trigger that fires once at the given time
func OneShot(at time.Time) Trigger {
	return Trigger{Kind: TriggerOneShot, RunAt: at}
}

// Daily returns a trigger that fires every day at hour:minute
func Daily(hour, minute int) Trigger {
	return Trigger{Kind: TriggerDaily, Hour: hour, Minute: minute}
}

// TimeOfDay is a clock value used by recurring schedules
type TimeOfDay struct {
	Hour   int `json:"hour"`
	Minute int `json:"minute"`
}

// String formats the clock value as "HH:MM:SS" for the recurring config document
func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d:00", t.Hour, t.Minute)
}

// ParseTimeOfDay parses "HH:MM" or "HH:MM:SS" clock strings
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	var hour, minute, second int
	if _, err := fmt.Sscanf(s, "%d:%d:%d", &hour, &minute, &second); err != nil {
		if _, err := fmt.Sscanf(s, "%d:%d", &hour, &minute); err != nil {
			return TimeOfDay{}, fmt.Errorf("invalid time of day %q", s)
		}
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return TimeOfDay{}, fmt.Errorf("time of day out of range %q", s)
	}
	return TimeOfDay{Hour: hour, Minute: minute}, nil
}

// JobPayload is the serialized data handed to the task at fire time
type JobPayload struct {
	PostID    string `json:"post_id,omitempty"`
	VideoPath string `json:"video_path"`
	Caption   string `json:"caption"`
}

// Job is the job store's registration unit. Task is a stable name resolved
// against the task registry at load time; a live function reference cannot
// survive a restart.
type Job struct {
	ID      string     `json:"id"`
	Trigger Trigger    `json:"trigger"`
	Task    string     `json:"task"`
	Payload JobPayload `json:"payload"`

	// NextRun is the next computed fire time. Nil for one-shot jobs that
	// have already fired.
	NextRun *time.Time `json:"next_run,omitempty"`
}

// ExecutionOutcome is the only channel by which the job store reports
// results back to its listeners.
type ExecutionOutcome struct {
	JobID      string     `json:"job_id"`
	Payload    JobPayload `json:"payload"`
	MediaID    string     `json:"media_id,omitempty"`
	Err        error      `json:"-"`
	FinishedAt time.Time  `json:"finished_at"`
}
