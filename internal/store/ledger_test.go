package store

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/reelpilot/reelpilot/internal/model"
)

func newTestLedger(t *testing.T, path string) *Ledger {
	t.Helper()

	logger, _ := zap.NewDevelopment()
	ledger, err := NewLedger(path, logger)
	require.NoError(t, err)
	return ledger
}

func testPost(id string, offset time.Duration) *model.ScheduledPost {
	now := time.Now()
	return &model.ScheduledPost{
		ID:            id,
		VideoPath:     "/tmp/" + id + ".mp4",
		Caption:       "caption " + id,
		ScheduledTime: now.Add(offset),
		Status:        model.PostStatusScheduled,
		CreatedAt:     now.Add(offset / 10),
	}
}

func TestLedger_RecordAndGet(t *testing.T) {
	ledger := newTestLedger(t, filepath.Join(t.TempDir(), "posts.json"))

	post := testPost("post-1", time.Hour)
	require.NoError(t, ledger.Record(post))

	got, ok := ledger.Get("post-1")
	require.True(t, ok)
	require.Equal(t, post.Caption, got.Caption)
	require.Equal(t, model.PostStatusScheduled, got.Status)

	// Get returns a copy; mutating it must not leak back into the ledger.
	got.Caption = "mutated"
	again, ok := ledger.Get("post-1")
	require.True(t, ok)
	require.Equal(t, "caption post-1", again.Caption)

	_, ok = ledger.Get("missing")
	require.False(t, ok)
}

func TestLedger_UpdateStatus(t *testing.T) {
	ledger := newTestLedger(t, filepath.Join(t.TempDir(), "posts.json"))
	require.NoError(t, ledger.Record(testPost("post-1", time.Hour)))

	require.NoError(t, ledger.UpdateStatus("post-1", model.PostStatusCompleted, "", "media-99"))

	got, ok := ledger.Get("post-1")
	require.True(t, ok)
	require.Equal(t, model.PostStatusCompleted, got.Status)
	require.Equal(t, "media-99", got.MediaID)
	require.Empty(t, got.Error)

	require.NoError(t, ledger.UpdateStatus("post-1", model.PostStatusFailed, "container rejected", ""))
	got, _ = ledger.Get("post-1")
	require.Equal(t, model.PostStatusFailed, got.Status)
	require.Equal(t, "container rejected", got.Error)
	// The old media id is merged, not wiped, by an empty update.
	require.Equal(t, "media-99", got.MediaID)

	// Updating an absent post is a quiet no-op: it may have been deleted
	// while its execution was in flight.
	require.NoError(t, ledger.UpdateStatus("missing", model.PostStatusCompleted, "", "media-1"))
}

func TestLedger_Amend(t *testing.T) {
	ledger := newTestLedger(t, filepath.Join(t.TempDir(), "posts.json"))
	require.NoError(t, ledger.Record(testPost("post-1", time.Hour)))

	newTime := time.Now().Add(4 * time.Hour)
	ok, err := ledger.Amend("post-1", "amended caption", newTime)
	require.NoError(t, err)
	require.True(t, ok)

	got, _ := ledger.Get("post-1")
	require.Equal(t, "amended caption", got.Caption)
	require.WithinDuration(t, newTime, got.ScheduledTime, time.Second)

	ok, err = ledger.Amend("missing", "whatever", newTime)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestLedger_Delete(t *testing.T) {
	ledger := newTestLedger(t, filepath.Join(t.TempDir(), "posts.json"))
	require.NoError(t, ledger.Record(testPost("post-1", time.Hour)))

	deleted, err := ledger.Delete("post-1")
	require.NoError(t, err)
	require.True(t, deleted)
	require.Equal(t, 0, ledger.Len())

	deleted, err = ledger.Delete("post-1")
	require.NoError(t, err)
	require.False(t, deleted)
}

func TestLedger_ListInsertionOrder(t *testing.T) {
	ledger := newTestLedger(t, filepath.Join(t.TempDir(), "posts.json"))

	require.NoError(t, ledger.Record(testPost("post-b", 2*time.Hour)))
	require.NoError(t, ledger.Record(testPost("post-a", time.Hour)))
	require.NoError(t, ledger.Record(testPost("post-c", 3*time.Hour)))

	posts := ledger.List()
	require.Len(t, posts, 3)
	require.Equal(t, "post-b", posts[0].ID)
	require.Equal(t, "post-a", posts[1].ID)
	require.Equal(t, "post-c", posts[2].ID)
}

func TestLedger_SurvivesReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "posts.json")

	first := newTestLedger(t, path)
	require.NoError(t, first.Record(testPost("post-1", time.Hour)))
	require.NoError(t, first.Record(testPost("post-2", 2*time.Hour)))
	require.NoError(t, first.UpdateStatus("post-1", model.PostStatusCompleted, "", "media-7"))

	second := newTestLedger(t, path)
	require.Equal(t, 2, second.Len())

	got, ok := second.Get("post-1")
	require.True(t, ok)
	require.Equal(t, model.PostStatusCompleted, got.Status)
	require.Equal(t, "media-7", got.MediaID)

	// Reload rebuilds ordering from creation time.
	posts := second.List()
	require.Equal(t, "post-1", posts[0].ID)
	require.Equal(t, "post-2", posts[1].ID)
}

func TestLedger_ConcurrentWrites(t *testing.T) {
	ledger := newTestLedger(t, filepath.Join(t.TempDir(), "posts.json"))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			post := testPost(string(rune('a'+i)), time.Duration(i)*time.Minute)
			require.NoError(t, ledger.Record(post))
			require.NoError(t, ledger.UpdateStatus(post.ID, model.PostStatusCompleted, "", "media"))
		}(i)
	}
	wg.Wait()

	require.Equal(t, 20, ledger.Len())
	for _, post := range ledger.List() {
		require.Equal(t, model.PostStatusCompleted, post.Status)
	}
}
