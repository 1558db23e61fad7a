package session

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"rollcall/internal/geo"
)

// PGStore persists sessions in Postgres.
type PGStore struct {
	db *sql.DB
}

// NewPGStore creates a session store.
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

const sessionCols = `
	id, course_id, term_id, teacher_id, mode, status, deadline, created_at,
	loc_lat, loc_lng, loc_radius_m, loc_accuracy_m, location_locked_at, cancel_reason`

// Insert writes a new session row. A unique violation on the
// one-Active-per-course partial index surfaces as ErrConflict.
func (s *PGStore) Insert(ctx context.Context, sess Session) error {
	var lat, lng, radius, accuracy *float64
	if sess.Location != nil {
		lat = &sess.Location.Lat
		lng = &sess.Location.Lng
		radius = &sess.Location.RadiusMeters
		accuracy = &sess.Location.AccuracyMeters
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (`+sessionCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`, sess.ID, sess.CourseID, sess.TermID, sess.TeacherID, sess.Mode, sess.Status,
		sess.Deadline, sess.CreatedAt, lat, lng, radius, accuracy,
		sess.LocationLockedAt, sess.CancelReason)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
		return ErrConflict
	}
	return err
}

func scanSession(row interface{ Scan(...any) error }) (Session, error) {
	var (
		sess             Session
		lat, lng, radius sql.NullFloat64
		accuracy         sql.NullFloat64
		lockedAt         sql.NullTime
		reason           sql.NullString
	)
	err := row.Scan(&sess.ID, &sess.CourseID, &sess.TermID, &sess.TeacherID,
		&sess.Mode, &sess.Status, &sess.Deadline, &sess.CreatedAt,
		&lat, &lng, &radius, &accuracy, &lockedAt, &reason)
	if err != nil {
		return Session{}, err
	}
	if lat.Valid {
		sess.Location = &geo.Fence{
			Point:          geo.Point{Lat: lat.Float64, Lng: lng.Float64},
			RadiusMeters:   radius.Float64,
			AccuracyMeters: accuracy.Float64,
		}
	}
	if lockedAt.Valid {
		t := lockedAt.Time
		sess.LocationLockedAt = &t
	}
	if reason.Valid {
		r := reason.String
		sess.CancelReason = &r
	}
	return sess, nil
}

// Get returns a session by id.
func (s *PGStore) Get(ctx context.Context, id string) (Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionCols+` FROM sessions WHERE id = $1`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	return sess, err
}

// ActiveByCourse returns the course's Active session, if any. The
// partial unique index guarantees at most one.
func (s *PGStore) ActiveByCourse(ctx context.Context, courseID string) (Session, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sessionCols+` FROM sessions
		WHERE course_id = $1 AND status = $2
	`, courseID, StatusActive)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, err
	}
	return sess, true, nil
}

// ListExpired returns Active sessions past their deadline, oldest first.
func (s *PGStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionCols+` FROM sessions
		WHERE status = $1 AND deadline <= $2
		ORDER BY deadline
		LIMIT $3
	`, StatusActive, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// Finish transitions an Active session to a terminal status. The WHERE
// clause on status makes concurrent closers race safely: exactly one
// UPDATE touches the row.
func (s *PGStore) Finish(ctx context.Context, id string, status Status, deadline time.Time, reason *string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET status = $2, deadline = $3, cancel_reason = $4
		WHERE id = $1 AND status = $5
	`, id, status, deadline, reason, StatusActive)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// PGLedger persists attendance records in Postgres.
type PGLedger struct {
	db *sql.DB
}

// NewPGLedger creates a ledger.
func NewPGLedger(db *sql.DB) *PGLedger {
	return &PGLedger{db: db}
}

const recordCols = `
	session_id, course_id, term_id, student_id, status, session_mode,
	marked_by, proof_lat, proof_lng, proof_accuracy_m, proof_liveness, recorded_at`

func recordArgs(rec Record) []any {
	var lat, lng, accuracy *float64
	var liveness *bool
	if rec.Proof != nil {
		lat = &rec.Proof.Fix.Lat
		lng = &rec.Proof.Fix.Lng
		accuracy = &rec.Proof.Fix.AccuracyMeters
		liveness = &rec.Proof.Liveness
	}
	return []any{rec.SessionID, rec.CourseID, rec.TermID, rec.StudentID, rec.Status,
		rec.SessionMode, rec.MarkedBy, lat, lng, accuracy, liveness, rec.RecordedAt}
}

// MarkPresent inserts if absent; a pre-existing record is reported as
// AlreadyMarked rather than overwritten, so the first accepted proof wins.
func (l *PGLedger) MarkPresent(ctx context.Context, rec Record) (bool, error) {
	res, err := l.db.ExecContext(ctx, `
		INSERT INTO attendance_records (`+recordCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (session_id, student_id) DO NOTHING
	`, recordArgs(rec)...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 0, err
}

// MarkManual upserts a staff correction; the latest manual mark wins.
func (l *PGLedger) MarkManual(ctx context.Context, rec Record) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO attendance_records (`+recordCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (session_id, student_id) DO UPDATE SET
			status = EXCLUDED.status,
			marked_by = EXCLUDED.marked_by,
			recorded_at = EXCLUDED.recorded_at
	`, recordArgs(rec)...)
	return err
}

// FillAbsent back-fills Absent rows, never clobbering an existing record.
// Safe to re-run: retried closes hit DO NOTHING all the way down.
func (l *PGLedger) FillAbsent(ctx context.Context, sess Session, studentIDs []string, recordedAt time.Time) error {
	for _, studentID := range studentIDs {
		_, err := l.db.ExecContext(ctx, `
			INSERT INTO attendance_records
				(session_id, course_id, term_id, student_id, status, session_mode, recorded_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
			ON CONFLICT (session_id, student_id) DO NOTHING
		`, sess.ID, sess.CourseID, sess.TermID, studentID, Absent, sess.Mode, recordedAt)
		if err != nil {
			return err
		}
	}
	return nil
}

// RecordedStudents returns the ids that already have an outcome.
func (l *PGLedger) RecordedStudents(ctx context.Context, sessionID string) (map[string]bool, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT student_id FROM attendance_records WHERE session_id = $1
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	set := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		set[id] = true
	}
	return set, rows.Err()
}

// DeleteBySession purges every record for a cancelled session.
func (l *PGLedger) DeleteBySession(ctx context.Context, sessionID string) (int64, error) {
	res, err := l.db.ExecContext(ctx, `
		DELETE FROM attendance_records WHERE session_id = $1
	`, sessionID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListBySession returns the session's records ordered by student.
func (l *PGLedger) ListBySession(ctx context.Context, sessionID string) ([]Record, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT `+recordCols+` FROM attendance_records
		WHERE session_id = $1
		ORDER BY student_id
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec                Record
			lat, lng, accuracy sql.NullFloat64
			liveness           sql.NullBool
			markedBy           sql.NullString
		)
		err := rows.Scan(&rec.SessionID, &rec.CourseID, &rec.TermID, &rec.StudentID,
			&rec.Status, &rec.SessionMode, &markedBy, &lat, &lng, &accuracy,
			&liveness, &rec.RecordedAt)
		if err != nil {
			return nil, err
		}
		if markedBy.Valid {
			v := markedBy.String
			rec.MarkedBy = &v
		}
		if lat.Valid {
			rec.Proof = &Proof{
				Fix: geo.Fix{
					Point:          geo.Point{Lat: lat.Float64, Lng: lng.Float64},
					AccuracyMeters: accuracy.Float64,
				},
				Liveness: liveness.Bool,
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
