package session

import (
	"time"

	"rollcall/internal/geo"
)

// Mode says how presence is collected for a session.
type Mode string

const (
	ModeScan     Mode = "SCAN"
	ModeManual   Mode = "MANUAL"
	ModeRollCall Mode = "ROLL_CALL"
)

// Valid returns true when the mode is a supported value.
func (m Mode) Valid() bool {
	switch m {
	case ModeScan, ModeManual, ModeRollCall:
		return true
	default:
		return false
	}
}

// Status is the session lifecycle state. Transitions are monotone:
// Active is the only non-terminal state.
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusExpired   Status = "EXPIRED"
	StatusCancelled Status = "CANCELLED"
)

// Session is one attendance-taking event for a course. Retained as
// history after it leaves Active; never deleted.
type Session struct {
	ID        string    `json:"id"`
	CourseID  string    `json:"course_id"`
	TermID    string    `json:"term_id"`
	TeacherID string    `json:"teacher_id"`
	Mode      Mode      `json:"mode"`
	Status    Status    `json:"status"`
	Deadline  time.Time `json:"deadline"`
	CreatedAt time.Time `json:"created_at"`
	// Location is set if and only if Mode is Scan. Once LocationLockedAt
	// is set the fence is immutable.
	Location         *geo.Fence `json:"location,omitempty"`
	LocationLockedAt *time.Time `json:"location_locked_at,omitempty"`
	CancelReason     *string    `json:"cancel_reason,omitempty"`
}

// RecordStatus is the attendance outcome for one student.
type RecordStatus string

const (
	Present RecordStatus = "PRESENT"
	Absent  RecordStatus = "ABSENT"
)

// Valid returns true when the status is a supported value.
func (s RecordStatus) Valid() bool {
	return s == Present || s == Absent
}

// Proof is the evidence attached to a scan: the device GPS fix and a
// liveness flag that arrives pre-verified from the face pipeline.
type Proof struct {
	Fix      geo.Fix `json:"fix"`
	Liveness bool    `json:"liveness"`
}

// Record is the single attendance outcome per (session, student).
// MarkedBy is nil for system writes (scan accept, absentee back-fill)
// and carries the staff principal id for manual marks.
type Record struct {
	SessionID   string       `json:"session_id"`
	CourseID    string       `json:"course_id"`
	TermID      string       `json:"term_id"`
	StudentID   string       `json:"student_id"`
	Status      RecordStatus `json:"status"`
	SessionMode Mode         `json:"session_mode"`
	MarkedBy    *string      `json:"marked_by,omitempty"`
	Proof       *Proof       `json:"proof,omitempty"`
	RecordedAt  time.Time    `json:"recorded_at"`
}
