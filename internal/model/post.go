package model

import (
	"time"
)

// PostStatus represents the lifecycle state of a scheduled post
type PostStatus string

const (
	PostStatusScheduled PostStatus = "scheduled"
	PostStatusCompleted PostStatus = "completed"
	PostStatusFailed    PostStatus = "failed"
)

// MaxCaptionLength is the Graph API limit for reel captions
const MaxCaptionLength = 2200

// ScheduledPost represents a single-use post tracked in the ledger
type ScheduledPost struct {
	ID            string     `json:"id"`
	VideoPath     string     `json:"video_path"`
	Caption       string     `json:"caption"`
	ScheduledTime time.Time  `json:"scheduled_time"`
	Status        PostStatus `json:"status"`
	Error         string     `json:"error,omitempty"`
	MediaID       string     `json:"media_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// RecurringSchedule describes the single-slot daily posting configuration.
// Times are clock values formatted as "15:04:05".
type RecurringSchedule struct {
	Caption     string    `json:"caption"`
	Times       []string  `json:"times"`
	VideoPath   string    `json:"video_path"`
	LastUpdated time.Time `json:"last_updated"`
}
