package sweep

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rollcall/internal/session"
)

type recordingCloser struct {
	mu     sync.Mutex
	closed []string
	store  *session.MemStore
	failID string
}

func (c *recordingCloser) Close(ctx context.Context, id string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id == c.failID {
		return false, errors.New("boom")
	}
	won, err := c.store.Finish(ctx, id, session.StatusExpired, time.Now(), nil)
	if err != nil {
		return false, err
	}
	if won {
		c.closed = append(c.closed, id)
	}
	return won, nil
}

func seedSession(t *testing.T, store *session.MemStore, id string, deadline time.Time) {
	t.Helper()
	err := store.Insert(context.Background(), session.Session{
		ID:       id,
		CourseID: "CS-" + id,
		TermID:   "2026S",
		Mode:     session.ModeManual,
		Status:   session.StatusActive,
		Deadline: deadline,
	})
	require.NoError(t, err)
}

func TestSweepClosesExpiredSessions(t *testing.T) {
	store := session.NewMemStore()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	seedSession(t, store, "expired-1", now.Add(-time.Minute))
	seedSession(t, store, "expired-2", now.Add(-time.Hour))
	seedSession(t, store, "fresh", now.Add(time.Hour))

	closer := &recordingCloser{store: store}
	s := New(store, closer, time.Second, 10)
	s.nowFunc = func() time.Time { return now }

	closed, failed := s.Sweep(context.Background())
	assert.Equal(t, 2, closed)
	assert.Equal(t, 0, failed)
	assert.ElementsMatch(t, []string{"expired-1", "expired-2"}, closer.closed)

	// overlap tolerance: a second pass finds nothing left to do
	closed, failed = s.Sweep(context.Background())
	assert.Equal(t, 0, closed)
	assert.Equal(t, 0, failed)
}

func TestSweepIsolatesPerSessionFailures(t *testing.T) {
	store := session.NewMemStore()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	seedSession(t, store, "bad", now.Add(-2*time.Hour))
	seedSession(t, store, "good", now.Add(-time.Minute))

	closer := &recordingCloser{store: store, failID: "bad"}
	s := New(store, closer, time.Second, 10)
	s.nowFunc = func() time.Time { return now }

	closed, failed := s.Sweep(context.Background())
	assert.Equal(t, 1, closed)
	assert.Equal(t, 1, failed)
	assert.Equal(t, []string{"good"}, closer.closed)
}

// lostRaceCloser reports every close as beaten by a concurrent closer.
type lostRaceCloser struct{}

func (lostRaceCloser) Close(context.Context, string) (bool, error) { return false, nil }

func TestSweepDoesNotCountLostRaces(t *testing.T) {
	store := session.NewMemStore()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	seedSession(t, store, "expired-1", now.Add(-time.Minute))

	s := New(store, lostRaceCloser{}, time.Second, 10)
	s.nowFunc = func() time.Time { return now }

	closed, failed := s.Sweep(context.Background())
	assert.Equal(t, 0, closed)
	assert.Equal(t, 0, failed)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	store := session.NewMemStore()
	s := New(store, &recordingCloser{store: store}, 10*time.Millisecond, 10)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
