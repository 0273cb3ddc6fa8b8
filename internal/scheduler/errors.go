package scheduler

import "errors"

var (
	// ErrPostNotFound is returned when operating on a post whose job no
	// longer exists (it may have already fired) or that was never recorded
	ErrPostNotFound = errors.New("post not found")

	// ErrPastSchedule is returned when a scheduled time is not in the future
	ErrPastSchedule = errors.New("scheduled time must be in the future")

	// ErrCaptionTooLong is returned when a caption exceeds the platform limit
	ErrCaptionTooLong = errors.New("caption exceeds maximum length")

	// ErrMissingVideo is returned when no video reference is provided
	ErrMissingVideo = errors.New("video path is required")

	// ErrNoTimes is returned when a recurring schedule has no times of day
	ErrNoTimes = errors.New("at least one time of day is required")

	// ErrLedgerOutOfSync is returned when the ledger write failed after the
	// job store trigger was already changed; the new trigger is live but the
	// ledger still shows the old values
	ErrLedgerOutOfSync = errors.New("ledger update failed after trigger change")
)
