package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemStoreRejectsSecondActiveSession(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()
	deadline := time.Date(2026, 3, 2, 9, 10, 0, 0, time.UTC)

	base := Session{ID: "s1", CourseID: "CS101", TermID: "2026S", TeacherID: "teach-1",
		Mode: ModeManual, Status: StatusActive, Deadline: deadline}
	require.NoError(t, store.Insert(ctx, base))

	dup := base
	dup.ID = "s2"
	assert.ErrorIs(t, store.Insert(ctx, dup), ErrConflict)

	// a different course is unaffected
	other := base
	other.ID = "s3"
	other.CourseID = "CS102"
	assert.NoError(t, store.Insert(ctx, other))

	// terminal sessions on the same course are unaffected
	done := base
	done.ID = "s4"
	done.Status = StatusExpired
	assert.NoError(t, store.Insert(ctx, done))

	// once the incumbent finishes, a new Active insert succeeds
	won, err := store.Finish(ctx, "s1", StatusExpired, deadline, nil)
	require.NoError(t, err)
	require.True(t, won)
	assert.NoError(t, store.Insert(ctx, dup))
}
