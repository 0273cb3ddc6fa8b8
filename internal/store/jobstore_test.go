package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/reelpilot/reelpilot/internal/model"
)

func newTestJobStore(t *testing.T, cfg JobStoreConfig) *JobStore {
	t.Helper()

	logger, _ := zap.NewDevelopment()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "jobs.db")
	}
	store, err := NewJobStore(cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		store.Stop(ctx)
	})
	return store
}

func waitFor(t *testing.T, timeout time.Duration, condition func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for condition: %s", msg)
}

func TestJobStore_AddAndList(t *testing.T) {
	store := newTestJobStore(t, JobStoreConfig{})

	runAt := time.Now().Add(time.Hour)
	err := store.Add(model.Job{
		ID:      "post-1",
		Trigger: model.OneShot(runAt),
		Task:    "publish",
		Payload: model.JobPayload{PostID: "post-1", VideoPath: "/tmp/v.mp4", Caption: "hello"},
	})
	require.NoError(t, err)

	err = store.Add(model.Job{
		ID:      "recurring_0",
		Trigger: model.Daily(9, 30),
		Task:    "publish",
	})
	require.NoError(t, err)

	jobs := store.List()
	require.Len(t, jobs, 2)
	require.Equal(t, 2, store.Len())

	byID := make(map[string]model.Job)
	for _, job := range jobs {
		byID[job.ID] = job
	}

	oneShot := byID["post-1"]
	require.Equal(t, model.TriggerOneShot, oneShot.Trigger.Kind)
	require.NotNil(t, oneShot.NextRun)
	require.WithinDuration(t, runAt, *oneShot.NextRun, time.Second)
	require.Equal(t, "hello", oneShot.Payload.Caption)

	daily := byID["recurring_0"]
	require.Equal(t, model.TriggerDaily, daily.Trigger.Kind)
	require.NotNil(t, daily.NextRun)
	require.Equal(t, 9, daily.NextRun.Hour())
	require.Equal(t, 30, daily.NextRun.Minute())
	require.True(t, daily.NextRun.After(time.Now().Add(-time.Minute)))
}

func TestJobStore_AddReplacesExisting(t *testing.T) {
	store := newTestJobStore(t, JobStoreConfig{})

	first := time.Now().Add(time.Hour)
	require.NoError(t, store.Add(model.Job{
		ID:      "post-1",
		Trigger: model.OneShot(first),
		Task:    "publish",
		Payload: model.JobPayload{Caption: "old"},
	}))

	second := time.Now().Add(2 * time.Hour)
	require.NoError(t, store.Add(model.Job{
		ID:      "post-1",
		Trigger: model.OneShot(second),
		Task:    "publish",
		Payload: model.JobPayload{Caption: "new"},
	}))

	jobs := store.List()
	require.Len(t, jobs, 1)
	require.Equal(t, "new", jobs[0].Payload.Caption)
	require.WithinDuration(t, second, *jobs[0].NextRun, time.Second)
}

func TestJobStore_ModifyTrigger(t *testing.T) {
	store := newTestJobStore(t, JobStoreConfig{})

	require.NoError(t, store.Add(model.Job{
		ID:      "post-1",
		Trigger: model.OneShot(time.Now().Add(time.Hour)),
		Task:    "publish",
		Payload: model.JobPayload{Caption: "kept"},
	}))

	newTime := time.Now().Add(3 * time.Hour)
	require.NoError(t, store.ModifyTrigger("post-1", model.OneShot(newTime)))

	jobs := store.List()
	require.Len(t, jobs, 1)
	require.WithinDuration(t, newTime, *jobs[0].NextRun, time.Second)
	// Payload survives a trigger change untouched.
	require.Equal(t, "kept", jobs[0].Payload.Caption)

	err := store.ModifyTrigger("missing", model.OneShot(newTime))
	require.ErrorIs(t, err, ErrJobNotFound)
}

func TestJobStore_Remove(t *testing.T) {
	store := newTestJobStore(t, JobStoreConfig{})

	require.NoError(t, store.Add(model.Job{
		ID:      "post-1",
		Trigger: model.OneShot(time.Now().Add(time.Hour)),
		Task:    "publish",
	}))

	removed, err := store.Remove("post-1")
	require.NoError(t, err)
	require.True(t, removed)
	require.Equal(t, 0, store.Len())

	// Removing an absent job is not an error.
	removed, err = store.Remove("post-1")
	require.NoError(t, err)
	require.False(t, removed)
}

func TestJobStore_PersistsAcrossRestart(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	path := filepath.Join(t.TempDir(), "jobs.db")

	first, err := NewJobStore(JobStoreConfig{Path: path}, logger)
	require.NoError(t, err)

	runAt := time.Now().Add(time.Hour)
	require.NoError(t, first.Add(model.Job{
		ID:      "post-1",
		Trigger: model.OneShot(runAt),
		Task:    "publish",
		Payload: model.JobPayload{PostID: "post-1", VideoPath: "/tmp/v.mp4", Caption: "survives"},
	}))
	require.NoError(t, first.Add(model.Job{
		ID:      "recurring_0",
		Trigger: model.Daily(18, 0),
		Task:    "publish",
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, first.Stop(ctx))

	second, err := NewJobStore(JobStoreConfig{Path: path}, logger)
	require.NoError(t, err)
	defer second.Stop(ctx)

	require.Equal(t, 2, second.Len())

	byID := make(map[string]model.Job)
	for _, job := range second.List() {
		byID[job.ID] = job
	}
	require.Equal(t, "survives", byID["post-1"].Payload.Caption)
	require.WithinDuration(t, runAt, *byID["post-1"].NextRun, time.Second)
	require.Equal(t, 18, byID["recurring_0"].NextRun.Hour())
}

func TestJobStore_FiresOneShotJob(t *testing.T) {
	store := newTestJobStore(t, JobStoreConfig{CheckInterval: 10 * time.Millisecond})

	var mu sync.Mutex
	var outcomes []model.ExecutionOutcome
	store.RegisterTask("publish", func(_ context.Context, job *model.Job) (string, error) {
		return "media-" + job.ID, nil
	})
	store.OnSuccess(func(outcome model.ExecutionOutcome) {
		mu.Lock()
		outcomes = append(outcomes, outcome)
		mu.Unlock()
	})

	require.NoError(t, store.Start(context.Background()))
	require.True(t, store.IsRunning())

	require.NoError(t, store.Add(model.Job{
		ID:      "post-1",
		Trigger: model.OneShot(time.Now().Add(30 * time.Millisecond)),
		Task:    "publish",
		Payload: model.JobPayload{Caption: "fire"},
	}))

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(outcomes) == 1
	}, "one-shot job to fire")

	mu.Lock()
	outcome := outcomes[0]
	mu.Unlock()
	require.Equal(t, "post-1", outcome.JobID)
	require.Equal(t, "media-post-1", outcome.MediaID)
	require.Equal(t, "fire", outcome.Payload.Caption)

	// A fired one-shot job self-removes.
	waitFor(t, time.Second, func() bool { return store.Len() == 0 }, "fired job to self-remove")
}

func TestJobStore_FailureReachesFailureListener(t *testing.T) {
	store := newTestJobStore(t, JobStoreConfig{CheckInterval: 10 * time.Millisecond})

	var mu sync.Mutex
	var failures []model.ExecutionOutcome
	store.RegisterTask("publish", func(_ context.Context, _ *model.Job) (string, error) {
		return "", errors.New("remote rejected")
	})
	store.OnFailure(func(outcome model.ExecutionOutcome) {
		mu.Lock()
		failures = append(failures, outcome)
		mu.Unlock()
	})

	require.NoError(t, store.Start(context.Background()))
	require.NoError(t, store.Add(model.Job{
		ID:      "post-1",
		Trigger: model.OneShot(time.Now().Add(20 * time.Millisecond)),
		Task:    "publish",
	}))

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(failures) == 1
	}, "failure outcome")

	mu.Lock()
	defer mu.Unlock()
	require.EqualError(t, failures[0].Err, "remote rejected")
}

func TestJobStore_PanicBecomesFailureOutcome(t *testing.T) {
	store := newTestJobStore(t, JobStoreConfig{CheckInterval: 10 * time.Millisecond})

	var mu sync.Mutex
	var failures []model.ExecutionOutcome
	store.RegisterTask("publish", func(_ context.Context, _ *model.Job) (string, error) {
		panic("boom")
	})
	store.OnFailure(func(outcome model.ExecutionOutcome) {
		mu.Lock()
		failures = append(failures, outcome)
		mu.Unlock()
	})

	require.NoError(t, store.Start(context.Background()))
	require.NoError(t, store.Add(model.Job{
		ID:      "post-1",
		Trigger: model.OneShot(time.Now().Add(20 * time.Millisecond)),
		Task:    "publish",
	}))

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(failures) == 1
	}, "panic to surface as failure")

	mu.Lock()
	defer mu.Unlock()
	require.Contains(t, failures[0].Err.Error(), "task panicked")
}

func TestJobStore_UnregisteredTaskFails(t *testing.T) {
	store := newTestJobStore(t, JobStoreConfig{CheckInterval: 10 * time.Millisecond})

	var mu sync.Mutex
	var failures []model.ExecutionOutcome
	store.OnFailure(func(outcome model.ExecutionOutcome) {
		mu.Lock()
		failures = append(failures, outcome)
		mu.Unlock()
	})

	require.NoError(t, store.Start(context.Background()))
	require.NoError(t, store.Add(model.Job{
		ID:      "post-1",
		Trigger: model.OneShot(time.Now().Add(20 * time.Millisecond)),
		Task:    "nobody-registered-this",
	}))

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(failures) == 1
	}, "unregistered task failure")

	mu.Lock()
	defer mu.Unlock()
	require.Contains(t, failures[0].Err.Error(), "no task registered")
}

func TestJobStore_PauseSuppressesFiring(t *testing.T) {
	store := newTestJobStore(t, JobStoreConfig{CheckInterval: 10 * time.Millisecond})

	var mu sync.Mutex
	fired := 0
	store.RegisterTask("publish", func(_ context.Context, _ *model.Job) (string, error) {
		return "media", nil
	})
	store.OnSuccess(func(model.ExecutionOutcome) {
		mu.Lock()
		fired++
		mu.Unlock()
	})

	require.NoError(t, store.Start(context.Background()))
	store.Pause()
	require.True(t, store.Paused())

	require.NoError(t, store.Add(model.Job{
		ID:      "post-1",
		Trigger: model.OneShot(time.Now().Add(20 * time.Millisecond)),
		Task:    "publish",
	}))

	time.Sleep(150 * time.Millisecond)
	mu.Lock()
	require.Equal(t, 0, fired)
	mu.Unlock()
	require.Equal(t, 1, store.Len())

	store.Resume()
	require.False(t, store.Paused())

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return fired == 1
	}, "paused job to fire after resume")
}

func TestJobStore_MissedOneShotPastGraceIsDropped(t *testing.T) {
	store := newTestJobStore(t, JobStoreConfig{
		CheckInterval: 10 * time.Millisecond,
		MisfireGrace:  50 * time.Millisecond,
	})

	var mu sync.Mutex
	var failures []model.ExecutionOutcome
	executed := false
	store.RegisterTask("publish", func(_ context.Context, _ *model.Job) (string, error) {
		mu.Lock()
		executed = true
		mu.Unlock()
		return "media", nil
	})
	store.OnFailure(func(outcome model.ExecutionOutcome) {
		mu.Lock()
		failures = append(failures, outcome)
		mu.Unlock()
	})

	// Register a job whose fire time is already far past the grace window,
	// simulating downtime across a restart.
	require.NoError(t, store.Add(model.Job{
		ID:      "post-1",
		Trigger: model.OneShot(time.Now().Add(-time.Minute)),
		Task:    "publish",
	}))
	require.NoError(t, store.Start(context.Background()))

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(failures) == 1
	}, "missed job failure outcome")

	mu.Lock()
	defer mu.Unlock()
	require.False(t, executed)
	require.Contains(t, failures[0].Err.Error(), "missed fire time")
	require.Equal(t, 0, store.Len())
}

func TestJobStore_MissedOneShotWithinGraceStillFires(t *testing.T) {
	store := newTestJobStore(t, JobStoreConfig{
		CheckInterval: 10 * time.Millisecond,
		MisfireGrace:  10 * time.Second,
	})

	var mu sync.Mutex
	fired := 0
	store.RegisterTask("publish", func(_ context.Context, _ *model.Job) (string, error) {
		return "media", nil
	})
	store.OnSuccess(func(model.ExecutionOutcome) {
		mu.Lock()
		fired++
		mu.Unlock()
	})

	require.NoError(t, store.Add(model.Job{
		ID:      "post-1",
		Trigger: model.OneShot(time.Now().Add(-time.Second)),
		Task:    "publish",
	}))
	require.NoError(t, store.Start(context.Background()))

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return fired == 1
	}, "overdue job within grace to fire")
}

func TestJobStore_NextDueTime(t *testing.T) {
	store := newTestJobStore(t, JobStoreConfig{})

	require.Nil(t, store.NextDueTime())

	later := time.Now().Add(2 * time.Hour)
	sooner := time.Now().Add(time.Hour)
	require.NoError(t, store.Add(model.Job{ID: "later", Trigger: model.OneShot(later), Task: "publish"}))
	require.NoError(t, store.Add(model.Job{ID: "sooner", Trigger: model.OneShot(sooner), Task: "publish"}))

	next := store.NextDueTime()
	require.NotNil(t, next)
	require.WithinDuration(t, sooner, *next, time.Second)
}

func TestJobStore_StopIsIdempotent(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	store, err := NewJobStore(JobStoreConfig{Path: filepath.Join(t.TempDir(), "jobs.db")}, logger)
	require.NoError(t, err)
	require.NoError(t, store.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, store.Stop(ctx))
	require.NoError(t, store.Stop(ctx))
}
