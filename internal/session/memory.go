package session

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-process session store for dev and tests. It keeps
// the same semantics as the Postgres store, including the CAS Finish.
type MemStore struct {
	mu       sync.Mutex
	sessions map[string]Session
}

// NewMemStore creates an empty store.
func NewMemStore() *MemStore {
	return &MemStore{sessions: make(map[string]Session)}
}

// Insert writes a new session. An Active insert while the course
// already has an Active session returns ErrConflict, matching the
// partial unique index on the Postgres store.
func (m *MemStore) Insert(_ context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.Status == StatusActive {
		for _, other := range m.sessions {
			if other.ID != s.ID && other.CourseID == s.CourseID && other.Status == StatusActive {
				return ErrConflict
			}
		}
	}
	m.sessions[s.ID] = s
	return nil
}

// Get returns a session by id.
func (m *MemStore) Get(_ context.Context, id string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return s, nil
}

// ActiveByCourse returns the course's Active session, if any.
func (m *MemStore) ActiveByCourse(_ context.Context, courseID string) (Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.CourseID == courseID && s.Status == StatusActive {
			return s, true, nil
		}
	}
	return Session{}, false, nil
}

// ListExpired returns Active sessions past their deadline, oldest first.
func (m *MemStore) ListExpired(_ context.Context, now time.Time, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 100
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Session
	for _, s := range m.sessions {
		if s.Status == StatusActive && !s.Deadline.After(now) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Deadline.Before(out[j].Deadline) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Finish compare-and-sets Active -> terminal under the store lock.
func (m *MemStore) Finish(_ context.Context, id string, status Status, deadline time.Time, reason *string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.Status != StatusActive {
		return false, nil
	}
	s.Status = status
	s.Deadline = deadline
	s.CancelReason = reason
	m.sessions[id] = s
	return true, nil
}

// MemLedger is an in-process attendance ledger with upsert semantics
// keyed on (session, student).
type MemLedger struct {
	mu      sync.Mutex
	records map[string]map[string]Record // sessionID -> studentID -> record
}

// NewMemLedger creates an empty ledger.
func NewMemLedger() *MemLedger {
	return &MemLedger{records: make(map[string]map[string]Record)}
}

func (m *MemLedger) bucket(sessionID string) map[string]Record {
	if m.records[sessionID] == nil {
		m.records[sessionID] = make(map[string]Record)
	}
	return m.records[sessionID]
}

// MarkPresent inserts if absent and reports whether a record existed.
func (m *MemLedger) MarkPresent(_ context.Context, rec Record) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.bucket(rec.SessionID)
	if _, ok := b[rec.StudentID]; ok {
		return true, nil
	}
	b[rec.StudentID] = rec
	return false, nil
}

// MarkManual upserts unconditionally.
func (m *MemLedger) MarkManual(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bucket(rec.SessionID)[rec.StudentID] = rec
	return nil
}

// FillAbsent writes Absent for students without a record.
func (m *MemLedger) FillAbsent(_ context.Context, s Session, studentIDs []string, recordedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.bucket(s.ID)
	for _, studentID := range studentIDs {
		if _, ok := b[studentID]; ok {
			continue
		}
		b[studentID] = Record{
			SessionID:   s.ID,
			CourseID:    s.CourseID,
			TermID:      s.TermID,
			StudentID:   studentID,
			Status:      Absent,
			SessionMode: s.Mode,
			RecordedAt:  recordedAt,
		}
	}
	return nil
}

// RecordedStudents returns the set of students with a record.
func (m *MemLedger) RecordedStudents(_ context.Context, sessionID string) (map[string]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := make(map[string]bool, len(m.records[sessionID]))
	for id := range m.records[sessionID] {
		set[id] = true
	}
	return set, nil
}

// DeleteBySession purges every record for the session.
func (m *MemLedger) DeleteBySession(_ context.Context, sessionID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := int64(len(m.records[sessionID]))
	delete(m.records, sessionID)
	return n, nil
}

// ListBySession returns records ordered by student id.
func (m *MemLedger) ListBySession(_ context.Context, sessionID string) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, len(m.records[sessionID]))
	for _, rec := range m.records[sessionID] {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StudentID < out[j].StudentID })
	return out, nil
}
