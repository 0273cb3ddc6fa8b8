package store

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/reelpilot/reelpilot/internal/model"
)

// Ledger is the human-inspectable record of post metadata, kept as a single
// JSON document mapping post id to post record. Every mutation rewrites the
// whole document synchronously; the document stays small enough that this
// is cheaper than partial updates. All writes are serialized by a mutex so
// concurrent job executions updating different posts cannot corrupt the
// file. The ledger knows nothing about the job store or video files.
type Ledger struct {
	logger *zap.Logger
	path   string

	mu    sync.Mutex
	posts map[string]*model.ScheduledPost
	order []string
}

// NewLedger loads the ledger document if it exists
func NewLedger(path string, logger *zap.Logger) (*Ledger, error) {
	l := &Ledger{
		logger: logger,
		path:   path,
		posts:  make(map[string]*model.ScheduledPost),
	}

	if _, err := os.Stat(path); err == nil {
		if err := readJSON(path, &l.posts); err != nil {
			return nil, fmt.Errorf("failed to load ledger: %w", err)
		}
		for id := range l.posts {
			l.order = append(l.order, id)
		}
		// The JSON object does not preserve insertion order across a
		// restart; creation time is the closest stable equivalent.
		sort.Slice(l.order, func(i, j int) bool {
			return l.posts[l.order[i]].CreatedAt.Before(l.posts[l.order[j]].CreatedAt)
		})
		l.logger.Info("Loaded post ledger", zap.Int("posts", len(l.posts)))
	}

	return l, nil
}

// Record inserts or overwrites a post and persists immediately
func (l *Ledger) Record(post *model.ScheduledPost) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	copied := *post
	if _, ok := l.posts[post.ID]; !ok {
		l.order = append(l.order, post.ID)
	}
	l.posts[post.ID] = &copied
	return l.save()
}

// UpdateStatus merges status, error, and media id into an existing entry.
// A no-op when the id is absent: the post may have been deleted while its
// execution was still in flight.
func (l *Ledger) UpdateStatus(id string, status model.PostStatus, errText, mediaID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	post, ok := l.posts[id]
	if !ok {
		return nil
	}
	post.Status = status
	if errText != "" {
		post.Error = errText
	}
	if mediaID != "" {
		post.MediaID = mediaID
	}
	return l.save()
}

// Amend replaces the caption and scheduled time of an existing entry.
// Returns false when the id is absent.
func (l *Ledger) Amend(id, caption string, scheduledTime time.Time) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	post, ok := l.posts[id]
	if !ok {
		return false, nil
	}
	post.Caption = caption
	post.ScheduledTime = scheduledTime
	if err := l.save(); err != nil {
		return true, err
	}
	return true, nil
}

// Get returns the post for id, or false when absent
func (l *Ledger) Get(id string) (*model.ScheduledPost, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	post, ok := l.posts[id]
	if !ok {
		return nil, false
	}
	copied := *post
	return &copied, true
}

// List returns all posts in insertion order
func (l *Ledger) List() []*model.ScheduledPost {
	l.mu.Lock()
	defer l.mu.Unlock()

	posts := make([]*model.ScheduledPost, 0, len(l.order))
	for _, id := range l.order {
		copied := *l.posts[id]
		posts = append(posts, &copied)
	}
	return posts
}

// Len returns the number of tracked posts
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.posts)
}

// Delete removes an entry. Returns false when the id was never recorded.
// Any associated video cleanup is the caller's responsibility.
func (l *Ledger) Delete(id string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.posts[id]; !ok {
		return false, nil
	}
	delete(l.posts, id)
	for i, existing := range l.order {
		if existing == id {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
	return true, l.save()
}

func (l *Ledger) save() error {
	if err := writeJSON(l.path, l.posts); err != nil {
		return fmt.Errorf("failed to save ledger: %w", err)
	}
	return nil
}
