package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/reelpilot/reelpilot/internal/model"
)

// ErrJobNotFound is returned when modifying a job that is not registered
var ErrJobNotFound = errors.New("job not found")

// TaskFunc is the executable logic bound to a job at runtime. Jobs persist
// only a task name; the name is resolved against the registry on each fire.
type TaskFunc func(ctx context.Context, job *model.Job) (string, error)

// Listener consumes execution outcomes
type Listener func(outcome model.ExecutionOutcome)

var specParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// JobStoreConfig defines configuration for the job store
type JobStoreConfig struct {
	Path          string
	CheckInterval time.Duration
	MisfireGrace  time.Duration
	MaxWorkers    int
	MaxInstances  int
	Location      *time.Location
}

type jobEntry struct {
	job     model.Job
	nextRun *time.Time
	running int
}

// JobStore is a durable registry of scheduled jobs backed by SQLite. A
// background loop checks for due jobs and dispatches each to a bounded
// worker pool; results are reported only through registered listeners.
type JobStore struct {
	logger *zap.Logger
	cfg    JobStoreConfig
	db     *sql.DB

	mu   sync.Mutex
	jobs map[string]*jobEntry

	tmu   sync.RWMutex
	tasks map[string]TaskFunc

	lmu       sync.RWMutex
	onSuccess []Listener
	onFailure []Listener

	paused   atomic.Bool
	running  atomic.Bool
	workers  chan struct{}
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewJobStore opens (or creates) the backing database and loads all
// registered jobs. The store does not fire anything until Start is called.
func NewJobStore(cfg JobStoreConfig, logger *zap.Logger) (*JobStore, error) {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = time.Second
	}
	if cfg.MisfireGrace == 0 {
		cfg.MisfireGrace = 5 * time.Minute
	}
	if cfg.MaxWorkers == 0 {
		cfg.MaxWorkers = 20
	}
	if cfg.MaxInstances == 0 {
		cfg.MaxInstances = 3
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}

	db, err := sql.Open("sqlite3", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open job database: %w", err)
	}

	s := &JobStore{
		logger:  logger,
		cfg:     cfg,
		db:      db,
		jobs:    make(map[string]*jobEntry),
		tasks:   make(map[string]TaskFunc),
		workers: make(chan struct{}, cfg.MaxWorkers),
	}

	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.loadJobs(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *JobStore) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			trigger_kind TEXT NOT NULL,
			run_at TEXT,
			hour INTEGER,
			minute INTEGER,
			task TEXT NOT NULL,
			payload TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_jobs_trigger_kind ON jobs(trigger_kind);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize job database: %w", err)
	}
	return nil
}

// loadJobs restores all registered jobs from the database. Triggers persist
// verbatim; next-fire times are recomputed so daily jobs always point at
// their next occurrence and overdue one-shot jobs fall to the misfire check.
func (s *JobStore) loadJobs() error {
	rows, err := s.db.Query(`SELECT id, trigger_kind, run_at, hour, minute, task, payload FROM jobs`)
	if err != nil {
		return fmt.Errorf("failed to load jobs: %w", err)
	}
	defer rows.Close()

	now := time.Now().In(s.cfg.Location)
	count := 0
	for rows.Next() {
		var (
			job          model.Job
			kind         string
			runAt        sql.NullString
			hour, minute sql.NullInt64
			payload      sql.NullString
		)
		if err := rows.Scan(&job.ID, &kind, &runAt, &hour, &minute, &job.Task, &payload); err != nil {
			return fmt.Errorf("failed to scan job: %w", err)
		}

		job.Trigger.Kind = model.TriggerKind(kind)
		if runAt.Valid {
			t, err := time.Parse(time.RFC3339Nano, runAt.String)
			if err != nil {
				return fmt.Errorf("failed to parse run_at for job %s: %w", job.ID, err)
			}
			job.Trigger.RunAt = t
		}
		if hour.Valid {
			job.Trigger.Hour = int(hour.Int64)
		}
		if minute.Valid {
			job.Trigger.Minute = int(minute.Int64)
		}
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &job.Payload); err != nil {
				return fmt.Errorf("failed to parse payload for job %s: %w", job.ID, err)
			}
		}

		next, err := s.nextFire(job.Trigger, now)
		if err != nil {
			return fmt.Errorf("failed to compute next fire for job %s: %w", job.ID, err)
		}
		s.jobs[job.ID] = &jobEntry{job: job, nextRun: next}
		count++
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error during job row iteration: %w", err)
	}

	if count > 0 {
		s.logger.Info("Loaded persisted jobs", zap.Int("count", count))
	}
	return nil
}

// nextFire computes the next fire time for a trigger. One-shot triggers
// return their run time unchanged even when it is already past; the check
// loop applies the misfire grace window.
func (s *JobStore) nextFire(trigger model.Trigger, from time.Time) (*time.Time, error) {
	switch trigger.Kind {
	case model.TriggerOneShot:
		t := trigger.RunAt
		return &t, nil
	case model.TriggerDaily:
		spec, err := specParser.Parse(fmt.Sprintf("0 %d %d * * *", trigger.Minute, trigger.Hour))
		if err != nil {
			return nil, fmt.Errorf("invalid daily trigger: %w", err)
		}
		next := spec.Next(from.In(s.cfg.Location))
		return &next, nil
	default:
		return nil, fmt.Errorf("unknown trigger kind: %s", trigger.Kind)
	}
}

// RegisterTask binds a task name to its current in-process implementation
func (s *JobStore) RegisterTask(name string, fn TaskFunc) {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	s.tasks[name] = fn
}

// OnSuccess registers a listener for successful executions
func (s *JobStore) OnSuccess(fn Listener) {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	s.onSuccess = append(s.onSuccess, fn)
}

// OnFailure registers a listener for failed executions
func (s *JobStore) OnFailure(fn Listener) {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	s.onFailure = append(s.onFailure, fn)
}

// Add registers a job, replacing any existing job with the same id
func (s *JobStore) Add(job model.Job) error {
	now := time.Now().In(s.cfg.Location)
	next, err := s.nextFire(job.Trigger, now)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal job payload: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`
		INSERT INTO jobs (id, trigger_kind, run_at, hour, minute, task, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			trigger_kind = excluded.trigger_kind,
			run_at = excluded.run_at,
			hour = excluded.hour,
			minute = excluded.minute,
			task = excluded.task,
			payload = excluded.payload`,
		job.ID,
		string(job.Trigger.Kind),
		runAtString(job.Trigger),
		job.Trigger.Hour,
		job.Trigger.Minute,
		job.Task,
		string(payload),
	); err != nil {
		return fmt.Errorf("failed to persist job: %w", err)
	}

	entry, ok := s.jobs[job.ID]
	if !ok {
		entry = &jobEntry{}
		s.jobs[job.ID] = entry
	}
	entry.job = job
	entry.nextRun = next

	s.logger.Info("Added job",
		zap.String("id", job.ID),
		zap.String("trigger", string(job.Trigger.Kind)),
		zap.Timep("next_run", next))
	return nil
}

// ModifyTrigger atomically replaces a job's trigger, leaving its payload
// untouched. Returns ErrJobNotFound if the job no longer exists (a one-shot
// job may have already fired and self-removed).
func (s *JobStore) ModifyTrigger(id string, trigger model.Trigger) error {
	now := time.Now().In(s.cfg.Location)
	next, err := s.nextFire(trigger, now)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}

	if _, err := s.db.Exec(
		`UPDATE jobs SET trigger_kind = ?, run_at = ?, hour = ?, minute = ? WHERE id = ?`,
		string(trigger.Kind), runAtString(trigger), trigger.Hour, trigger.Minute, id,
	); err != nil {
		return fmt.Errorf("failed to persist trigger change: %w", err)
	}

	entry.job.Trigger = trigger
	entry.nextRun = next

	s.logger.Info("Modified job trigger",
		zap.String("id", id),
		zap.Timep("next_run", next))
	return nil
}

// Remove deletes a job. Returns false without error when the job is absent;
// a one-shot job may have already fired and self-removed.
func (s *JobStore) Remove(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(id)
}

func (s *JobStore) removeLocked(id string) (bool, error) {
	if _, ok := s.jobs[id]; !ok {
		return false, nil
	}
	if _, err := s.db.Exec(`DELETE FROM jobs WHERE id = ?`, id); err != nil {
		return false, fmt.Errorf("failed to delete job: %w", err)
	}
	delete(s.jobs, id)
	s.logger.Info("Removed job", zap.String("id", id))
	return true, nil
}

// List returns all registered jobs with their next fire times
func (s *JobStore) List() []model.Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs := make([]model.Job, 0, len(s.jobs))
	for _, entry := range s.jobs {
		job := entry.job
		if entry.nextRun != nil {
			next := *entry.nextRun
			job.NextRun = &next
		}
		jobs = append(jobs, job)
	}
	return jobs
}

// Len returns the number of registered jobs
func (s *JobStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// NextDueTime returns the earliest next fire time across all jobs
func (s *JobStore) NextDueTime() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	var min *time.Time
	for _, entry := range s.jobs {
		if entry.nextRun == nil {
			continue
		}
		if min == nil || entry.nextRun.Before(*min) {
			t := *entry.nextRun
			min = &t
		}
	}
	return min
}

// Pause suspends due-time firing without removing any registration
func (s *JobStore) Pause() {
	if !s.paused.Swap(true) {
		s.logger.Info("Job firing paused")
	}
}

// Resume re-enables due-time firing
func (s *JobStore) Resume() {
	if s.paused.Swap(false) {
		s.logger.Info("Job firing resumed")
	}
}

// Paused reports whether firing is suspended
func (s *JobStore) Paused() bool {
	return s.paused.Load()
}

// IsRunning reports whether the check loop has been started
func (s *JobStore) IsRunning() bool {
	return s.running.Load()
}

// Start launches the background check loop. Safe to call once; subsequent
// calls are no-ops.
func (s *JobStore) Start(ctx context.Context) error {
	if s.running.Swap(true) {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go s.run(runCtx)

	s.logger.Info("Job store started",
		zap.Duration("check_interval", s.cfg.CheckInterval),
		zap.Int("max_workers", s.cfg.MaxWorkers))
	return nil
}

func (s *JobStore) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick finds due jobs and dispatches each to the worker pool. The loop
// never blocks on job execution: when the pool is full, due jobs stay
// registered and are retried on the next tick.
func (s *JobStore) tick(ctx context.Context) {
	if s.paused.Load() {
		return
	}

	now := time.Now().In(s.cfg.Location)

	var dispatches []model.Job
	var missed []model.Job

	s.mu.Lock()
	for id, entry := range s.jobs {
		if entry.nextRun == nil || entry.nextRun.After(now) {
			continue
		}

		if now.Sub(*entry.nextRun) > s.cfg.MisfireGrace {
			if entry.job.Trigger.Kind == model.TriggerOneShot {
				missed = append(missed, entry.job)
				if _, err := s.removeLocked(id); err != nil {
					s.logger.Error("Failed to remove missed job",
						zap.String("id", id), zap.Error(err))
				}
			} else {
				// Skip the stale daily occurrence and advance to the next one.
				next, err := s.nextFire(entry.job.Trigger, now)
				if err == nil {
					entry.nextRun = next
				}
			}
			continue
		}

		if entry.running >= s.cfg.MaxInstances {
			continue
		}

		select {
		case s.workers <- struct{}{}:
		default:
			continue
		}

		job := entry.job
		entry.running++
		if job.Trigger.Kind == model.TriggerOneShot {
			if _, err := s.removeLocked(id); err != nil {
				s.logger.Error("Failed to remove fired job",
					zap.String("id", id), zap.Error(err))
			}
		} else {
			next, err := s.nextFire(job.Trigger, now)
			if err == nil {
				entry.nextRun = next
			}
		}
		dispatches = append(dispatches, job)
	}
	s.mu.Unlock()

	for _, job := range missed {
		s.logger.Warn("Dropping job past misfire grace window",
			zap.String("id", job.ID),
			zap.Duration("grace", s.cfg.MisfireGrace))
		s.emit(model.ExecutionOutcome{
			JobID:      job.ID,
			Payload:    job.Payload,
			Err:        fmt.Errorf("missed fire time by more than %s", s.cfg.MisfireGrace),
			FinishedAt: now,
		})
	}

	for _, job := range dispatches {
		s.wg.Add(1)
		go s.execute(ctx, job)
	}
}

// execute runs a single job on a worker goroutine. Errors and panics are
// converted into failure outcomes; they never terminate the check loop.
func (s *JobStore) execute(ctx context.Context, job model.Job) {
	defer s.wg.Done()
	defer func() { <-s.workers }()
	defer func() {
		s.mu.Lock()
		if entry, ok := s.jobs[job.ID]; ok && entry.running > 0 {
			entry.running--
		}
		s.mu.Unlock()
	}()

	outcome := model.ExecutionOutcome{JobID: job.ID, Payload: job.Payload}

	func() {
		defer func() {
			if r := recover(); r != nil {
				outcome.Err = fmt.Errorf("task panicked: %v", r)
			}
		}()

		s.tmu.RLock()
		fn, ok := s.tasks[job.Task]
		s.tmu.RUnlock()
		if !ok {
			outcome.Err = fmt.Errorf("no task registered for %q", job.Task)
			return
		}

		mediaID, err := fn(ctx, &job)
		outcome.MediaID = mediaID
		outcome.Err = err
	}()

	outcome.FinishedAt = time.Now().In(s.cfg.Location)
	s.emit(outcome)
}

func (s *JobStore) emit(outcome model.ExecutionOutcome) {
	s.lmu.RLock()
	defer s.lmu.RUnlock()

	if outcome.Err != nil {
		s.logger.Error("Job execution failed",
			zap.String("id", outcome.JobID),
			zap.Error(outcome.Err))
		for _, fn := range s.onFailure {
			fn(outcome)
		}
		return
	}

	s.logger.Info("Job executed",
		zap.String("id", outcome.JobID),
		zap.String("media_id", outcome.MediaID))
	for _, fn := range s.onSuccess {
		fn(outcome)
	}
}

// Stop halts the check loop, waits for in-flight executions to finish (or
// the context to expire), and closes the database.
func (s *JobStore) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		s.running.Store(false)
		if s.cancel != nil {
			s.cancel()
		}

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			err = ctx.Err()
		}

		if closeErr := s.db.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	})
	return err
}

func runAtString(trigger model.Trigger) sql.NullString {
	if trigger.Kind != model.TriggerOneShot {
		return sql.NullString{}
	}
	return sql.NullString{String: trigger.RunAt.Format(time.RFC3339Nano), Valid: true}
}
