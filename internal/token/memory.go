package token

import (
	"context"
	"sync"
	"time"
)

type memEntry struct {
	cred    Credential
	expires time.Time // zero for the primary token
}

// Memory is a mutex-guarded in-process store for dev and tests.
type Memory struct {
	mu      sync.Mutex
	byToken map[string]memEntry
	// current token strings per session so a replace can drop the old one
	primary map[string]string
	rotated map[string]string

	nowFunc func() time.Time // mockable
}

// NewMemory creates an empty in-memory credential store.
func NewMemory() *Memory {
	return &Memory{
		byToken: make(map[string]memEntry),
		primary: make(map[string]string),
		rotated: make(map[string]string),
		nowFunc: time.Now,
	}
}

// SetPrimary records the session's primary token, replacing any prior one.
func (m *Memory) SetPrimary(_ context.Context, sessionID, tok string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.primary[sessionID]; ok {
		delete(m.byToken, old)
	}
	m.primary[sessionID] = tok
	m.byToken[tok] = memEntry{cred: Credential{SessionID: sessionID, Kind: KindPrimary}}
	return nil
}

// ReplaceRotated swaps in a new rotated token with the given validity window.
func (m *Memory) ReplaceRotated(_ context.Context, sessionID, tok string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.rotated[sessionID]; ok {
		delete(m.byToken, old)
	}
	m.rotated[sessionID] = tok
	m.byToken[tok] = memEntry{
		cred:    Credential{SessionID: sessionID, Kind: KindRotated},
		expires: m.nowFunc().Add(ttl),
	}
	return nil
}

// Resolve looks up a token, treating expired rotated tokens as absent.
func (m *Memory) Resolve(_ context.Context, tok string) (Credential, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byToken[tok]
	if !ok {
		return Credential{}, false, nil
	}
	if !e.expires.IsZero() && m.nowFunc().After(e.expires) {
		delete(m.byToken, tok)
		if m.rotated[e.cred.SessionID] == tok {
			delete(m.rotated, e.cred.SessionID)
		}
		return Credential{}, false, nil
	}
	return e.cred, true, nil
}

// PurgeSession invalidates the session's primary and rotated tokens.
func (m *Memory) PurgeSession(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tok, ok := m.primary[sessionID]; ok {
		delete(m.byToken, tok)
		delete(m.primary, sessionID)
	}
	if tok, ok := m.rotated[sessionID]; ok {
		delete(m.byToken, tok)
		delete(m.rotated, sessionID)
	}
	return nil
}
