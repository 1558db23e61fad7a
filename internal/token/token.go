package token

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"time"
)

// Kind distinguishes the session's long-lived primary token from the
// short-lived rotating one.
type Kind string

const (
	KindPrimary Kind = "primary"
	KindRotated Kind = "rotated"
)

// Credential is the resolution of an opaque token string.
type Credential struct {
	SessionID string
	Kind      Kind
}

// Store tracks which token strings are currently valid for which
// session. A session has at most one primary and at most one rotated
// token; replacing the rotated token invalidates the previous one
// rather than leaving it to age out.
type Store interface {
	SetPrimary(ctx context.Context, sessionID, token string) error
	ReplaceRotated(ctx context.Context, sessionID, token string, ttl time.Duration) error
	// Resolve reports the owning session of a currently valid token.
	Resolve(ctx context.Context, token string) (Credential, bool, error)
	// PurgeSession invalidates every token belonging to the session.
	PurgeSession(ctx context.Context, sessionID string) error
}

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Generate returns a cryptographically random opaque token.
func Generate() (string, error) {
	buf := make([]byte, 20)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return encoding.EncodeToString(buf), nil
}

// Rotator issues and replaces credentials for scan sessions. The
// primary token stays valid for the whole Active lifetime; the rotated
// token is bounded by window so a displayed QR code goes stale quickly.
type Rotator struct {
	store  Store
	window time.Duration
}

// NewRotator wraps a store. A non-positive window falls back to 10s.
func NewRotator(store Store, window time.Duration) *Rotator {
	if window <= 0 {
		window = 10 * time.Second
	}
	return &Rotator{store: store, window: window}
}

// Seed mints the session's primary token.
func (r *Rotator) Seed(ctx context.Context, sessionID string) (string, error) {
	tok, err := Generate()
	if err != nil {
		return "", err
	}
	if err := r.store.SetPrimary(ctx, sessionID, tok); err != nil {
		return "", err
	}
	return tok, nil
}

// Rotate mints a fresh rotated token, invalidating the previous one.
func (r *Rotator) Rotate(ctx context.Context, sessionID string) (string, error) {
	tok, err := Generate()
	if err != nil {
		return "", err
	}
	if err := r.store.ReplaceRotated(ctx, sessionID, tok, r.window); err != nil {
		return "", err
	}
	return tok, nil
}

// Resolve maps a presented token to its session, if still valid.
func (r *Rotator) Resolve(ctx context.Context, tok string) (Credential, bool, error) {
	return r.store.Resolve(ctx, tok)
}

// Purge drops all credentials for a session; called when it leaves Active.
func (r *Rotator) Purge(ctx context.Context, sessionID string) error {
	return r.store.PurgeSession(ctx, sessionID)
}
