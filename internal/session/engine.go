package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"time"

	"github.com/google/uuid"

	"rollcall/internal/geo"
	"rollcall/internal/notify"
	"rollcall/internal/roster"
	"rollcall/internal/token"
)

// Engine drives the session lifecycle: it owns every status transition,
// validates scans against the geofence, writes attendance outcomes and
// fans out change notifications. All collaborators are injected.
type Engine struct {
	store    Store
	ledger   Ledger
	roster   roster.Roster
	creds    *token.Rotator
	notifier notify.Notifier
	geo      geo.Policy

	scanBaseURL string
	minOffset   time.Duration
	maxOffset   time.Duration

	nowFunc func() time.Time // mockable
}

// EngineConfig wires an Engine. Zero offsets fall back to 1m/180m.
type EngineConfig struct {
	Store       Store
	Ledger      Ledger
	Roster      roster.Roster
	Credentials *token.Rotator
	Notifier    notify.Notifier
	GeoPolicy   geo.Policy
	ScanBaseURL string
	MinOffset   time.Duration
	MaxOffset   time.Duration
}

// NewEngine builds the lifecycle engine.
func NewEngine(cfg EngineConfig) *Engine {
	if cfg.MinOffset <= 0 {
		cfg.MinOffset = time.Minute
	}
	if cfg.MaxOffset <= 0 {
		cfg.MaxOffset = 180 * time.Minute
	}
	if cfg.ScanBaseURL == "" {
		cfg.ScanBaseURL = "http://localhost:8081/scan"
	}
	return &Engine{
		store:       cfg.Store,
		ledger:      cfg.Ledger,
		roster:      cfg.Roster,
		creds:       cfg.Credentials,
		notifier:    cfg.Notifier,
		geo:         cfg.GeoPolicy,
		scanBaseURL: cfg.ScanBaseURL,
		minOffset:   cfg.MinOffset,
		maxOffset:   cfg.MaxOffset,
		nowFunc:     time.Now,
	}
}

// CreateInput describes a teacher's "take attendance now" request.
type CreateInput struct {
	CourseID       string
	TermID         string
	TeacherID      string
	Mode           Mode
	DeadlineOffset time.Duration
	Location       *geo.Fence
}

// CreateResult returns the new session and, for Scan mode, the
// scannable credential payload.
type CreateResult struct {
	Session Session
	ScanURL string
}

// Create opens a new attendance window for the course. Any session
// still Active on the course is force-closed (with full reconciliation)
// first, so at most one Active session exists per course at any instant.
func (e *Engine) Create(ctx context.Context, in CreateInput) (CreateResult, error) {
	if !in.Mode.Valid() {
		return CreateResult{}, invalidInput("unknown mode %q", in.Mode)
	}
	if in.CourseID == "" || in.TermID == "" || in.TeacherID == "" {
		return CreateResult{}, invalidInput("course, term and teacher are required")
	}
	if err := validateLocation(in.Mode, in.Location); err != nil {
		return CreateResult{}, err
	}

	offset := in.DeadlineOffset
	if offset < e.minOffset {
		offset = e.minOffset
	}
	if offset > e.maxOffset {
		offset = e.maxOffset
	}

	if prior, ok, err := e.store.ActiveByCourse(ctx, in.CourseID); err != nil {
		return CreateResult{}, err
	} else if ok {
		if _, err := e.Close(ctx, prior.ID); err != nil {
			return CreateResult{}, fmt.Errorf("force-close previous session %s: %w", prior.ID, err)
		}
	}

	now := e.nowFunc()
	sess := Session{
		ID:        uuid.NewString(),
		CourseID:  in.CourseID,
		TermID:    in.TermID,
		TeacherID: in.TeacherID,
		Mode:      in.Mode,
		Status:    StatusActive,
		Deadline:  now.Add(offset),
		CreatedAt: now,
	}
	if in.Mode == ModeScan {
		fence := *in.Location
		sess.Location = &fence
		lockedAt := now
		sess.LocationLockedAt = &lockedAt
	}

	if err := e.store.Insert(ctx, sess); err != nil {
		if !errors.Is(err, ErrConflict) {
			return CreateResult{}, err
		}
		// Lost a create race: another session went Active between our
		// check and the insert. Close it and try once more.
		prior, ok, perr := e.store.ActiveByCourse(ctx, in.CourseID)
		if perr != nil {
			return CreateResult{}, perr
		}
		if ok {
			if _, cerr := e.Close(ctx, prior.ID); cerr != nil {
				return CreateResult{}, fmt.Errorf("force-close previous session %s: %w", prior.ID, cerr)
			}
		}
		if err := e.store.Insert(ctx, sess); err != nil {
			return CreateResult{}, err
		}
	}

	res := CreateResult{Session: sess}
	if in.Mode == ModeScan {
		tok, err := e.creds.Seed(ctx, sess.ID)
		if err != nil {
			return CreateResult{}, fmt.Errorf("seed credential: %w", err)
		}
		res.ScanURL = e.scanURL(tok)
	}

	e.publish(ctx, sess, notify.CauseCreate)
	return res, nil
}

func validateLocation(mode Mode, loc *geo.Fence) error {
	if mode != ModeScan {
		if loc != nil {
			return invalidInput("location is only valid for scan sessions")
		}
		return nil
	}
	if loc == nil {
		return invalidInput("scan sessions require a location")
	}
	if loc.Lat < -90 || loc.Lat > 90 || loc.Lng < -180 || loc.Lng > 180 {
		return invalidInput("coordinates out of range")
	}
	if loc.RadiusMeters <= 0 {
		return invalidInput("radius must be positive")
	}
	if loc.AccuracyMeters < 0 {
		return invalidInput("accuracy must not be negative")
	}
	return nil
}

func (e *Engine) scanURL(tok string) string {
	return e.scanBaseURL + "?t=" + url.QueryEscape(tok)
}

// ScanInput is a student's check-in attempt.
type ScanInput struct {
	Token     string
	StudentID string
	Proof     Proof
}

// ScanResult reports the accepted check-in. AlreadyMarked means the
// student had a record before this call; re-scanning is a safe no-op.
type ScanResult struct {
	SessionID     string
	AlreadyMarked bool
}

// Scan validates a presented credential and records the student as
// Present. The session is re-read from the store so the status check
// never trusts a stale copy, and the wall-clock deadline is enforced
// here rather than waiting on the sweeper.
func (e *Engine) Scan(ctx context.Context, in ScanInput) (ScanResult, error) {
	if in.Token == "" || in.StudentID == "" {
		return ScanResult{}, invalidInput("token and student are required")
	}

	cred, ok, err := e.creds.Resolve(ctx, in.Token)
	if err != nil {
		return ScanResult{}, err
	}
	if !ok {
		return ScanResult{}, ErrNotFound
	}

	sess, err := e.store.Get(ctx, cred.SessionID)
	if err != nil {
		return ScanResult{}, err
	}
	now := e.nowFunc()
	if sess.Status != StatusActive || now.After(sess.Deadline) {
		return ScanResult{}, ErrConflict
	}

	enrolled, err := e.roster.IsEnrolled(ctx, sess.CourseID, sess.TermID, in.StudentID)
	if err != nil {
		return ScanResult{}, err
	}
	if !enrolled {
		return ScanResult{}, notEnrolled()
	}

	if sess.Location != nil {
		if dec := e.geo.Admit(in.Proof.Fix, *sess.Location); !dec.Admitted {
			return ScanResult{}, geoRejected(dec)
		}
	}

	proof := in.Proof
	already, err := e.ledger.MarkPresent(ctx, Record{
		SessionID:   sess.ID,
		CourseID:    sess.CourseID,
		TermID:      sess.TermID,
		StudentID:   in.StudentID,
		Status:      Present,
		SessionMode: sess.Mode,
		Proof:       &proof,
		RecordedAt:  now,
	})
	if err != nil {
		return ScanResult{}, err
	}

	// A scan of the primary token means it was just displayed; rotate so
	// a photographed QR code goes stale within the rotation window.
	if cred.Kind == token.KindPrimary {
		if _, err := e.creds.Rotate(ctx, sess.ID); err != nil {
			log.Printf("rotate credential for %s failed: %v", sess.ID, err)
		}
	}

	e.publish(ctx, sess, notify.CauseScan)
	return ScanResult{SessionID: sess.ID, AlreadyMarked: already}, nil
}

// ManualMark is one staff-entered outcome.
type ManualMark struct {
	StudentID string       `json:"student_id"`
	Status    RecordStatus `json:"status"`
}

// MarkManual upserts one outcome on a Manual or RollCall session.
func (e *Engine) MarkManual(ctx context.Context, sessionID string, mark ManualMark, actor string) error {
	sess, err := e.manualTarget(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := e.applyManual(ctx, sess, mark, actor); err != nil {
		return err
	}
	e.publish(ctx, sess, notify.CauseManual)
	return nil
}

// BulkConflict reports one rejected mark from a bulk call.
type BulkConflict struct {
	StudentID string `json:"student_id"`
	Reason    string `json:"reason"`
}

// MarkManualBulk applies marks one by one; a rejected student does not
// block the rest. Applied count and per-student conflicts are returned.
func (e *Engine) MarkManualBulk(ctx context.Context, sessionID string, marks []ManualMark, actor string) (int, []BulkConflict, error) {
	sess, err := e.manualTarget(ctx, sessionID)
	if err != nil {
		return 0, nil, err
	}

	applied := 0
	var conflicts []BulkConflict
	for _, mark := range marks {
		if err := e.applyManual(ctx, sess, mark, actor); err != nil {
			conflicts = append(conflicts, BulkConflict{StudentID: mark.StudentID, Reason: err.Error()})
			continue
		}
		applied++
	}
	if applied > 0 {
		e.publish(ctx, sess, notify.CauseManual)
	}
	return applied, conflicts, nil
}

func (e *Engine) manualTarget(ctx context.Context, sessionID string) (Session, error) {
	sess, err := e.store.Get(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	if sess.Mode == ModeScan {
		return Session{}, ErrConflict
	}
	if sess.Status != StatusActive || e.nowFunc().After(sess.Deadline) {
		return Session{}, ErrConflict
	}
	return sess, nil
}

func (e *Engine) applyManual(ctx context.Context, sess Session, mark ManualMark, actor string) error {
	if !mark.Status.Valid() {
		return invalidInput("unknown status %q", mark.Status)
	}
	enrolled, err := e.roster.IsEnrolled(ctx, sess.CourseID, sess.TermID, mark.StudentID)
	if err != nil {
		return err
	}
	if !enrolled {
		return notEnrolled()
	}
	markedBy := actor
	return e.ledger.MarkManual(ctx, Record{
		SessionID:   sess.ID,
		CourseID:    sess.CourseID,
		TermID:      sess.TermID,
		StudentID:   mark.StudentID,
		Status:      mark.Status,
		SessionMode: sess.Mode,
		MarkedBy:    &markedBy,
		RecordedAt:  e.nowFunc(),
	})
}

// Close expires a session and back-fills Absent for every enrolled
// student without a record. It is idempotent: a session already out of
// Active is a no-op, and the store-level compare-and-set decides the
// winner when the sweeper and a manual close race. The returned bool
// reports whether this call performed the Active -> Expired transition,
// so callers can tell a real close from a no-op. A reconciliation
// failure is returned but never rolls back the status transition; the
// back-fill is upsert-based and safe to retry.
func (e *Engine) Close(ctx context.Context, sessionID string) (bool, error) {
	sess, err := e.store.Get(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if sess.Status != StatusActive {
		return false, nil
	}

	now := e.nowFunc()
	won, err := e.store.Finish(ctx, sessionID, StatusExpired, now, nil)
	if err != nil {
		return false, err
	}
	if !won {
		return false, nil
	}
	sess.Status = StatusExpired
	sess.Deadline = now

	if err := e.creds.Purge(ctx, sessionID); err != nil {
		log.Printf("purge credentials for %s failed: %v", sessionID, err)
	}

	if err := e.reconcile(ctx, sess, now); err != nil {
		log.Printf("reconcile session %s failed: %v", sessionID, err)
		return true, fmt.Errorf("session expired but reconciliation incomplete: %w", err)
	}

	e.publish(ctx, sess, notify.CauseClose)
	return true, nil
}

// reconcile computes roster minus recorded and back-fills the
// difference as Absent. Ordering against racing scans is settled by the
// set difference, not timestamps: anyone who got a record keeps it.
func (e *Engine) reconcile(ctx context.Context, sess Session, now time.Time) error {
	enrolled, err := e.roster.Students(ctx, sess.CourseID, sess.TermID)
	if err != nil {
		return err
	}
	recorded, err := e.ledger.RecordedStudents(ctx, sess.ID)
	if err != nil {
		return err
	}

	missing := make([]string, 0, len(enrolled))
	for _, studentID := range enrolled {
		if !recorded[studentID] {
			missing = append(missing, studentID)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return e.ledger.FillAbsent(ctx, sess, missing, now)
}

// Reconcile re-runs the absentee back-fill for an Expired session.
// Close runs it automatically; this is the manual retry path for a
// partial back-fill failure. Harmless to repeat: the set difference of
// an already-complete session is empty.
func (e *Engine) Reconcile(ctx context.Context, sessionID string) error {
	sess, err := e.store.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status != StatusExpired {
		return ErrConflict
	}
	return e.reconcile(ctx, sess, e.nowFunc())
}

// Cancel discards a session: only legal from Active, and it purges
// every attendance record so a cancelled session leaves no history.
func (e *Engine) Cancel(ctx context.Context, sessionID, reason string) error {
	sess, err := e.store.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status != StatusActive {
		return ErrConflict
	}

	won, err := e.store.Finish(ctx, sessionID, StatusCancelled, e.nowFunc(), &reason)
	if err != nil {
		return err
	}
	if !won {
		return ErrConflict
	}

	if err := e.creds.Purge(ctx, sessionID); err != nil {
		log.Printf("purge credentials for %s failed: %v", sessionID, err)
	}
	if _, err := e.ledger.DeleteBySession(ctx, sessionID); err != nil {
		return fmt.Errorf("session cancelled but record purge incomplete: %w", err)
	}

	sess.Status = StatusCancelled
	e.publish(ctx, sess, notify.CauseCancel)
	return nil
}

// Refresh force-rotates the scan credential and returns a fresh payload.
func (e *Engine) Refresh(ctx context.Context, sessionID string) (string, error) {
	sess, err := e.store.Get(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if sess.Mode != ModeScan {
		return "", ErrConflict
	}
	if sess.Status != StatusActive || e.nowFunc().After(sess.Deadline) {
		return "", ErrConflict
	}
	tok, err := e.creds.Rotate(ctx, sessionID)
	if err != nil {
		return "", err
	}
	return e.scanURL(tok), nil
}

// ActiveSession returns the course's currently Active session.
func (e *Engine) ActiveSession(ctx context.Context, courseID string) (Session, error) {
	sess, ok, err := e.store.ActiveByCourse(ctx, courseID)
	if err != nil {
		return Session{}, err
	}
	if !ok {
		return Session{}, ErrNotFound
	}
	return sess, nil
}

// Records lists the session's attendance outcomes.
func (e *Engine) Records(ctx context.Context, sessionID string) ([]Record, error) {
	if _, err := e.store.Get(ctx, sessionID); err != nil {
		return nil, err
	}
	return e.ledger.ListBySession(ctx, sessionID)
}

// publish is fire-and-forget: a notification failure never fails the
// operation that produced it.
func (e *Engine) publish(ctx context.Context, sess Session, cause notify.Cause) {
	if e.notifier == nil {
		return
	}
	evt := notify.Event{Course: sess.CourseID, Session: sess.ID, Cause: cause}
	if err := e.notifier.Publish(ctx, evt); err != nil {
		log.Printf("notify %s for session %s failed: %v", cause, sess.ID, err)
	}
}
