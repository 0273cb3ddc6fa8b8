package testutil

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// WriteVideoFile creates a throwaway video file and returns its path
func WriteVideoFile(t *testing.T, name string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	err := os.WriteFile(path, []byte("fake video bytes"), 0o644)
	require.NoError(t, err)
	return path
}

// WaitFor polls the condition until it holds or the deadline expires
func WaitFor(t *testing.T, timeout time.Duration, condition func() bool, msg string) {
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

// StubPublisher records publish calls and returns canned results
type StubPublisher struct {
	mu      sync.Mutex
	calls   []PublishCall
	MediaID string
	Err     error
}

// PublishCall is one recorded invocation of PostReel
type PublishCall struct {
	VideoPath string
	Caption   string
}

func (p *StubPublisher) PostReel(_ context.Context, videoPath, caption string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, PublishCall{VideoPath: videoPath, Caption: caption})
	if p.Err != nil {
		return "", p.Err
	}
	if p.MediaID != "" {
		return p.MediaID, nil
	}
	return "media-1", nil
}

// Calls returns a copy of the recorded publish calls
func (p *StubPublisher) Calls() []PublishCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PublishCall, len(p.calls))
	copy(out, p.calls)
	return out
}

// CallCount returns how many times PostReel was invoked
func (p *StubPublisher) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}
