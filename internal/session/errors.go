package session

import (
	"errors"
	"fmt"

	"rollcall/internal/geo"
)

var (
	// ErrNotFound covers unknown sessions and unknown/expired credentials.
	ErrNotFound = errors.New("session not found")
	// ErrConflict covers writes against a session that is no longer
	// accepting them: not Active, past deadline, or mode mismatch.
	ErrConflict = errors.New("session not accepting writes")
	// ErrInvalidInput covers malformed locations, modes and offsets.
	ErrInvalidInput = errors.New("invalid input")
)

// Forbidden reasons.
const (
	ReasonNotEnrolled = "not_enrolled"
)

// ForbiddenError rejects a student with a machine-readable reason.
// For geofence rejections it carries the computed distance and
// tolerance so clients can render "N meters outside the zone".
type ForbiddenError struct {
	Reason         string  `json:"reason"`
	DistanceMeters float64 `json:"distance_m,omitempty"`
	AllowedMeters  float64 `json:"allowed_m,omitempty"`
}

func (e *ForbiddenError) Error() string {
	if e.Reason == ReasonNotEnrolled {
		return "student not enrolled"
	}
	return fmt.Sprintf("geofence rejected (%s): distance %.1fm, allowed %.1fm",
		e.Reason, e.DistanceMeters, e.AllowedMeters)
}

func notEnrolled() error {
	return &ForbiddenError{Reason: ReasonNotEnrolled}
}

func geoRejected(d geo.Decision) error {
	return &ForbiddenError{
		Reason:         string(d.Reason),
		DistanceMeters: d.DistanceMeters,
		AllowedMeters:  d.AllowedMeters,
	}
}

func invalidInput(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
