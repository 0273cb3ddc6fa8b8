package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/reelpilot/reelpilot/internal/model"
	"github.com/reelpilot/reelpilot/internal/monitor"
	"github.com/reelpilot/reelpilot/internal/store"
)

const (
	// taskPublishReel is the stable task name persisted with every job and
	// resolved against the job store's registry at load time
	taskPublishReel = "publish_reel"

	// recurringPrefix marks the positional daily job slots: recurring_0,
	// recurring_1, ... Slot identity is ordinal, not content-derived, so
	// resizing must go through the full clear-then-recreate path.
	recurringPrefix = "recurring_"
)

// Publisher runs the external publishing workflow for a local video file
// and returns the published media id.
type Publisher interface {
	PostReel(ctx context.Context, videoPath, caption string) (string, error)
}

// Status reports the scheduler's current state
type Status struct {
	Running    bool                   `json:"running"`
	Paused     bool                   `json:"paused"`
	TotalJobs  int                    `json:"total_jobs"`
	TotalPosts int                    `json:"total_posts"`
	NextRun    *time.Time             `json:"next_run,omitempty"`
	Resources  *monitor.ResourceStats `json:"resources,omitempty"`
}

// Scheduler is the façade orchestrating the job store, the post ledger, and
// the recurring schedule config. It owns consistency between the job store
// and the ledger; neither knows of the other.
type Scheduler struct {
	logger    *zap.Logger
	jobs      *store.JobStore
	ledger    *store.Ledger
	recurring *store.RecurringConfig
	publisher Publisher
	sampler   *monitor.Sampler
	location  *time.Location
}

// Option configures optional scheduler collaborators
type Option func(*Scheduler)

// WithSampler includes host resource stats in status reports
func WithSampler(sampler *monitor.Sampler) Option {
	return func(s *Scheduler) { s.sampler = sampler }
}

// New creates the scheduler façade. Call Start to begin firing jobs.
func New(jobs *store.JobStore, ledger *store.Ledger, recurring *store.RecurringConfig,
	publisher Publisher, location *time.Location, logger *zap.Logger, opts ...Option) *Scheduler {
	if location == nil {
		location = time.Local
	}
	s := &Scheduler{
		logger:    logger,
		jobs:      jobs,
		ledger:    ledger,
		recurring: recurring,
		publisher: publisher,
		location:  location,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start wires the task and outcome listeners into the job store, launches
// the firing loop, and reconciles the persisted recurring schedule.
func (s *Scheduler) Start(ctx context.Context) error {
	s.jobs.RegisterTask(taskPublishReel, s.executePost)
	s.jobs.OnSuccess(s.handleSuccess)
	s.jobs.OnFailure(s.handleFailure)

	if err := s.jobs.Start(ctx); err != nil {
		return fmt.Errorf("failed to start job store: %w", err)
	}

	if err := s.reconcileRecurring(); err != nil {
		return fmt.Errorf("failed to reconcile recurring schedule: %w", err)
	}

	s.logger.Info("Scheduler started")
	return nil
}

// Stop halts job firing and waits for in-flight executions
func (s *Scheduler) Stop(ctx context.Context) error {
	return s.jobs.Stop(ctx)
}

// executePost is the task bound to every job: it publishes the payload's
// video through the external workflow.
func (s *Scheduler) executePost(ctx context.Context, job *model.Job) (string, error) {
	if job.Payload.VideoPath == "" {
		return "", fmt.Errorf("job %s is missing a video path", job.ID)
	}
	if _, err := os.Stat(job.Payload.VideoPath); err != nil {
		return "", fmt.Errorf("video file not found at %s, it may have been deleted", job.Payload.VideoPath)
	}
	return s.publisher.PostReel(ctx, job.Payload.VideoPath, job.Payload.Caption)
}

// handleSuccess updates the ledger and cleans up the backing video for
// one-shot posts. Recurring jobs keep their shared video indefinitely.
// Tolerates a ledger entry deleted while the execution was in flight.
func (s *Scheduler) handleSuccess(outcome model.ExecutionOutcome) {
	if strings.HasPrefix(outcome.JobID, recurringPrefix) {
		s.logger.Info("Recurring post published",
			zap.String("job_id", outcome.JobID),
			zap.String("media_id", outcome.MediaID))
		return
	}

	if err := s.ledger.UpdateStatus(outcome.JobID, model.PostStatusCompleted, "", outcome.MediaID); err != nil {
		s.logger.Error("Failed to record post completion",
			zap.String("post_id", outcome.JobID),
			zap.Error(err))
	}
	s.deleteVideoFile(outcome.Payload.VideoPath)
}

// handleFailure records the terminal failed status. The video is kept so
// the user can reschedule with the same asset; failure is never retried
// automatically.
func (s *Scheduler) handleFailure(outcome model.ExecutionOutcome) {
	if strings.HasPrefix(outcome.JobID, recurringPrefix) {
		s.logger.Error("Recurring post failed",
			zap.String("job_id", outcome.JobID),
			zap.Error(outcome.Err))
		return
	}

	if err := s.ledger.UpdateStatus(outcome.JobID, model.PostStatusFailed, outcome.Err.Error(), ""); err != nil {
		s.logger.Error("Failed to record post failure",
			zap.String("post_id", outcome.JobID),
			zap.Error(err))
	}
}

// SchedulePost validates and registers a single-use post. The job store
// registration happens first; if the ledger write then fails, the job is
// rolled back so the two stores never disagree about a new post.
func (s *Scheduler) SchedulePost(post *model.ScheduledPost) (string, error) {
	if post.VideoPath == "" {
		return "", ErrMissingVideo
	}
	if len(post.Caption) > model.MaxCaptionLength {
		return "", ErrCaptionTooLong
	}
	scheduledTime := post.ScheduledTime.In(s.location)
	if !scheduledTime.After(time.Now().In(s.location)) {
		return "", ErrPastSchedule
	}

	if post.ID == "" {
		post.ID = uuid.New().String()
	}
	post.ScheduledTime = scheduledTime
	post.Status = model.PostStatusScheduled
	if post.CreatedAt.IsZero() {
		post.CreatedAt = time.Now().In(s.location)
	}

	job := model.Job{
		ID:      post.ID,
		Trigger: model.OneShot(scheduledTime),
		Task:    taskPublishReel,
		Payload: model.JobPayload{
			PostID:    post.ID,
			VideoPath: post.VideoPath,
			Caption:   post.Caption,
		},
	}
	if err := s.jobs.Add(job); err != nil {
		return "", fmt.Errorf("failed to register job: %w", err)
	}

	if err := s.ledger.Record(post); err != nil {
		if _, removeErr := s.jobs.Remove(post.ID); removeErr != nil {
			s.logger.Error("Failed to roll back job after ledger error",
				zap.String("post_id", post.ID),
				zap.Error(removeErr))
		}
		return "", fmt.Errorf("failed to record post: %w", err)
	}

	s.logger.Info("Post scheduled",
		zap.String("post_id", post.ID),
		zap.Time("scheduled_time", scheduledTime))
	return post.ID, nil
}

// UpdatePost replaces the caption and scheduled time of a pending post.
// Fails with ErrPostNotFound when the job is gone (already fired). The
// trigger is replaced first; a ledger failure after that point surfaces as
// ErrLedgerOutOfSync rather than silently losing the new time.
func (s *Scheduler) UpdatePost(id, newCaption string, newTime time.Time) error {
	if len(newCaption) > model.MaxCaptionLength {
		return ErrCaptionTooLong
	}
	scheduledTime := newTime.In(s.location)
	if !scheduledTime.After(time.Now().In(s.location)) {
		return ErrPastSchedule
	}

	if err := s.jobs.ModifyTrigger(id, model.OneShot(scheduledTime)); err != nil {
		if errors.Is(err, store.ErrJobNotFound) {
			return fmt.Errorf("%w: %s", ErrPostNotFound, id)
		}
		return fmt.Errorf("failed to modify trigger: %w", err)
	}

	ok, err := s.ledger.Amend(id, newCaption, scheduledTime)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLedgerOutOfSync, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrPostNotFound, id)
	}

	s.logger.Info("Post updated",
		zap.String("post_id", id),
		zap.Time("scheduled_time", scheduledTime))
	return nil
}

// DeletePost removes a post from the job store and the ledger and deletes
// its backing video. Returns false only when the id was never in the
// ledger. Safe to call while an execution of the same post is in flight:
// removal stops future firings, and the outcome listeners tolerate the
// missing ledger entry.
func (s *Scheduler) DeletePost(id string) (bool, error) {
	// The job may have already fired and self-removed; that is not an error.
	if _, err := s.jobs.Remove(id); err != nil {
		return false, fmt.Errorf("failed to remove job: %w", err)
	}

	post, ok := s.ledger.Get(id)
	if !ok {
		return false, nil
	}
	s.deleteVideoFile(post.VideoPath)

	if _, err := s.ledger.Delete(id); err != nil {
		return false, fmt.Errorf("failed to delete post: %w", err)
	}

	s.logger.Info("Post deleted", zap.String("post_id", id))
	return true, nil
}

// ScheduleRecurring replaces the recurring schedule: any existing one is
// fully torn down (all daily slots, its video, its config) before the new
// daily jobs are registered and the config persisted.
func (s *Scheduler) ScheduleRecurring(caption string, times []model.TimeOfDay, videoPath string) error {
	if videoPath == "" {
		return ErrMissingVideo
	}
	if len(caption) > model.MaxCaptionLength {
		return ErrCaptionTooLong
	}
	times = dedupeTimes(times)
	if len(times) == 0 {
		return ErrNoTimes
	}

	if previous, err := s.recurring.Load(); err != nil {
		return err
	} else if previous != nil && previous.VideoPath != videoPath {
		s.deleteVideoFile(previous.VideoPath)
	}
	if err := s.clearRecurringJobs(); err != nil {
		return err
	}

	payload := model.JobPayload{VideoPath: videoPath, Caption: caption}
	formatted := make([]string, 0, len(times))
	for i, t := range times {
		job := model.Job{
			ID:      fmt.Sprintf("%s%d", recurringPrefix, i),
			Trigger: model.Daily(t.Hour, t.Minute),
			Task:    taskPublishReel,
			Payload: payload,
		}
		if err := s.jobs.Add(job); err != nil {
			return fmt.Errorf("failed to register recurring job %s: %w", job.ID, err)
		}
		formatted = append(formatted, t.String())
	}

	schedule := &model.RecurringSchedule{
		Caption:     caption,
		Times:       formatted,
		VideoPath:   videoPath,
		LastUpdated: time.Now().In(s.location),
	}
	if err := s.recurring.Save(schedule); err != nil {
		return err
	}

	s.logger.Info("Recurring schedule created",
		zap.Int("slots", len(times)),
		zap.String("video_path", videoPath))
	return nil
}

// CancelRecurring tears down the active recurring schedule: all daily
// slots, the shared video, and the persisted config. Idempotent; a no-op
// when nothing is active.
func (s *Scheduler) CancelRecurring() error {
	schedule, err := s.recurring.Load()
	if err != nil {
		return err
	}
	if schedule != nil {
		s.deleteVideoFile(schedule.VideoPath)
	}

	if err := s.clearRecurringJobs(); err != nil {
		return err
	}
	if err := s.recurring.Clear(); err != nil {
		return err
	}

	if schedule != nil {
		s.logger.Info("Recurring schedule cancelled")
	}
	return nil
}

// GetRecurring returns the active recurring schedule, or nil
func (s *Scheduler) GetRecurring() (*model.RecurringSchedule, error) {
	return s.recurring.Load()
}

func (s *Scheduler) clearRecurringJobs() error {
	for _, job := range s.jobs.List() {
		if !strings.HasPrefix(job.ID, recurringPrefix) {
			continue
		}
		if _, err := s.jobs.Remove(job.ID); err != nil {
			return fmt.Errorf("failed to remove recurring job %s: %w", job.ID, err)
		}
	}
	return nil
}

// reconcileRecurring re-registers daily jobs from the persisted config on
// startup. The triggers survived in the job store, but re-asserting them
// guarantees the task references and payloads are fresh. A config whose
// video has disappeared is cancelled outright.
func (s *Scheduler) reconcileRecurring() error {
	schedule, err := s.recurring.Load()
	if err != nil {
		return err
	}
	if schedule == nil {
		return nil
	}

	if _, err := os.Stat(schedule.VideoPath); err != nil {
		s.logger.Warn("Recurring post video not found, cancelling schedule",
			zap.String("video_path", schedule.VideoPath))
		return s.CancelRecurring()
	}

	times := make([]model.TimeOfDay, 0, len(schedule.Times))
	for _, raw := range schedule.Times {
		t, err := model.ParseTimeOfDay(raw)
		if err != nil {
			return fmt.Errorf("invalid persisted recurring time: %w", err)
		}
		times = append(times, t)
	}

	s.logger.Info("Applying persisted recurring schedule on startup",
		zap.Strings("times", schedule.Times))
	return s.ScheduleRecurring(schedule.Caption, times, schedule.VideoPath)
}

// Pause suspends all due-time firing without removing any registration
func (s *Scheduler) Pause() {
	s.jobs.Pause()
}

// Resume re-enables due-time firing
func (s *Scheduler) Resume() {
	s.jobs.Resume()
}

// ListPosts returns all tracked posts sorted by scheduled time for display
func (s *Scheduler) ListPosts() []*model.ScheduledPost {
	posts := s.ledger.List()
	sort.Slice(posts, func(i, j int) bool {
		return posts[i].ScheduledTime.Before(posts[j].ScheduledTime)
	})
	return posts
}

// GetPost returns a single tracked post
func (s *Scheduler) GetPost(id string) (*model.ScheduledPost, bool) {
	return s.ledger.Get(id)
}

// Status reports the scheduler's current state
func (s *Scheduler) Status() Status {
	status := Status{
		Running:    s.jobs.IsRunning(),
		Paused:     s.jobs.Paused(),
		TotalJobs:  s.jobs.Len(),
		TotalPosts: s.ledger.Len(),
		NextRun:    s.jobs.NextDueTime(),
	}
	if s.sampler != nil {
		stats := s.sampler.Current()
		status.Resources = &stats
	}
	return status
}

// deleteVideoFile is best-effort cleanup: a missing or undeletable file is
// logged, never fatal to the operation that triggered it.
func (s *Scheduler) deleteVideoFile(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil {
		if !os.IsNotExist(err) {
			s.logger.Error("Failed to delete video file",
				zap.String("path", path),
				zap.Error(err))
		}
		return
	}
	s.logger.Info("Deleted video file", zap.String("path", path))
}

// dedupeTimes drops duplicate clock values, preserving first-seen order
func dedupeTimes(times []model.TimeOfDay) []model.TimeOfDay {
	seen := make(map[model.TimeOfDay]struct{}, len(times))
	out := make([]model.TimeOfDay, 0, len(times))
	for _, t := range times {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
