package roster

import (
	"context"
	"database/sql"
	"sync"
)

// Roster exposes read access to the enrollment subsystem: who is
// registered for a course in a given academic term. The engine never
// writes enrollments.
type Roster interface {
	Students(ctx context.Context, courseID, termID string) ([]string, error)
	IsEnrolled(ctx context.Context, courseID, termID, studentID string) (bool, error)
}

// PG reads enrollments from Postgres.
type PG struct {
	db *sql.DB
}

// NewPG creates a Postgres-backed roster.
func NewPG(db *sql.DB) *PG {
	return &PG{db: db}
}

// Students returns every enrolled student id for the course+term.
func (r *PG) Students(ctx context.Context, courseID, termID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT student_id FROM enrollments
		WHERE course_id = $1 AND term_id = $2
	`, courseID, termID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// IsEnrolled reports membership for a single student.
func (r *PG) IsEnrolled(ctx context.Context, courseID, termID, studentID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM enrollments
			WHERE course_id = $1 AND term_id = $2 AND student_id = $3
		)
	`, courseID, termID, studentID).Scan(&exists)
	return exists, err
}

// Memory is a fixture roster for dev and tests.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]map[string]bool // course|term -> student set
}

// NewMemory creates an empty roster.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]map[string]bool)}
}

func key(courseID, termID string) string { return courseID + "|" + termID }

// Enroll registers a student; test setup helper.
func (r *Memory) Enroll(courseID, termID string, studentIDs ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(courseID, termID)
	if r.entries[k] == nil {
		r.entries[k] = make(map[string]bool)
	}
	for _, id := range studentIDs {
		r.entries[k][id] = true
	}
}

// Students returns the enrolled set.
func (r *Memory) Students(_ context.Context, courseID, termID string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.entries[key(courseID, termID)]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids, nil
}

// IsEnrolled reports membership.
func (r *Memory) IsEnrolled(_ context.Context, courseID, termID, studentID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[key(courseID, termID)][studentID], nil
}
