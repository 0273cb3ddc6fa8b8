package store

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/reelpilot/reelpilot/internal/model"
)

// RecurringConfig persists the single-slot daily posting configuration as a
// small JSON document. At most one recurring schedule exists at a time;
// saving a new one overwrites the previous document.
type RecurringConfig struct {
	logger *zap.Logger
	path   string
	mu     sync.Mutex
}

// NewRecurringConfig creates a config store backed by the given path
func NewRecurringConfig(path string, logger *zap.Logger) *RecurringConfig {
	return &RecurringConfig{logger: logger, path: path}
}

// Save persists the schedule, replacing any previous one
func (r *RecurringConfig) Save(schedule *model.RecurringSchedule) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := writeJSON(r.path, schedule); err != nil {
		return fmt.Errorf("failed to save recurring config: %w", err)
	}
	r.logger.Info("Saved recurring schedule",
		zap.Strings("times", schedule.Times),
		zap.String("video_path", schedule.VideoPath))
	return nil
}

// Load returns the persisted schedule, or nil when none exists
func (r *RecurringConfig) Load() (*model.RecurringSchedule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := os.Stat(r.path); os.IsNotExist(err) {
		return nil, nil
	}

	var schedule model.RecurringSchedule
	if err := readJSON(r.path, &schedule); err != nil {
		return nil, fmt.Errorf("failed to load recurring config: %w", err)
	}
	return &schedule, nil
}

// Clear removes the persisted schedule. Idempotent.
func (r *RecurringConfig) Clear() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.Remove(r.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to clear recurring config: %w", err)
	}
	return nil
}
