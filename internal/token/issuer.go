package token

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ErrNoToken is returned when a session has no active scan token.
	ErrNoToken = errors.New("no active scan token")
	// ErrInvalid is returned when a presented token value does not validate.
	ErrInvalid = errors.New("invalid scan token")
)

var rotationsTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "classtrack_token_rotations_total",
	Help: "Number of scan token rotations across all sessions.",
})

// ScanToken is the short-lived credential authorizing QR attendance
// attempts for one session. Generation is strictly increasing per session.
type ScanToken struct {
	SessionID  string    `json:"session_id"`
	Value      string    `json:"value"`
	Generation uint64    `json:"generation"`
	IssuedAt   time.Time `json:"issued_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

type entry struct {
	current   ScanToken
	prev      ScanToken
	hasPrev   bool
	rotatedAt time.Time // when prev was superseded by current
}

// Issuer generates and rotates scan tokens. At most one token per session
// is valid at any instant; a rotation supersedes the previous generation
// immediately.
type Issuer struct {
	ttl time.Duration

	mu       sync.RWMutex
	sessions map[string]*entry
}

// NewIssuer creates an issuer with the given token lifetime.
func NewIssuer(ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Issuer{ttl: ttl, sessions: make(map[string]*entry)}
}

// TTL returns the configured token lifetime.
func (i *Issuer) TTL() time.Duration { return i.ttl }

// Issue creates the initial token for a session, replacing any prior state.
func (i *Issuer) Issue(sessionID string) ScanToken {
	now := time.Now().UTC()
	tok := ScanToken{
		SessionID:  sessionID,
		Value:      randomValue(),
		Generation: 1,
		IssuedAt:   now,
		ExpiresAt:  now.Add(i.ttl),
	}
	i.mu.Lock()
	i.sessions[sessionID] = &entry{current: tok}
	i.mu.Unlock()
	return tok
}

// Rotate replaces the current token with the next generation. The
// superseded generation stops validating immediately; only ValidateAt
// accepts it, and only for attempts that started before the rotation.
func (i *Issuer) Rotate(sessionID string) (ScanToken, error) {
	now := time.Now().UTC()
	i.mu.Lock()
	defer i.mu.Unlock()
	e, ok := i.sessions[sessionID]
	if !ok {
		return ScanToken{}, ErrNoToken
	}
	next := ScanToken{
		SessionID:  sessionID,
		Value:      randomValue(),
		Generation: e.current.Generation + 1,
		IssuedAt:   now,
		ExpiresAt:  now.Add(i.ttl),
	}
	e.prev = e.current
	e.hasPrev = true
	e.rotatedAt = now
	e.current = next
	rotationsTotal.Inc()
	return next, nil
}

// Current returns the session's active token.
func (i *Issuer) Current(sessionID string) (ScanToken, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	e, ok := i.sessions[sessionID]
	if !ok {
		return ScanToken{}, ErrNoToken
	}
	return e.current, nil
}

// Validate reports whether value is the session's current, unexpired token.
// Superseded generations are rejected the instant a rotation commits.
func (i *Issuer) Validate(sessionID, value string) bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	e, ok := i.sessions[sessionID]
	if !ok {
		return false
	}
	return value == e.current.Value && time.Now().UTC().Before(e.current.ExpiresAt)
}

// ValidateAt validates for an attempt that started at attemptStart. The
// immediately superseded generation is accepted only if the attempt was
// already in flight when the rotation committed; anything older than one
// generation never validates.
func (i *Issuer) ValidateAt(sessionID, value string, attemptStart time.Time) bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	e, ok := i.sessions[sessionID]
	if !ok {
		return false
	}
	if value == e.current.Value && time.Now().UTC().Before(e.current.ExpiresAt) {
		return true
	}
	if e.hasPrev && value == e.prev.Value {
		return attemptStart.Before(e.rotatedAt) && attemptStart.Before(e.prev.ExpiresAt)
	}
	return false
}

// Revoke destroys the session's token state. Called when a session closes.
func (i *Issuer) Revoke(sessionID string) {
	i.mu.Lock()
	delete(i.sessions, sessionID)
	i.mu.Unlock()
}

func randomValue() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failure means the process is in a bad state
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
