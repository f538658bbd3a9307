// Package session tracks whether the service holds usable credentials for
// the FHIR server. Chart loads only proceed while the session is ready.
package session

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrUnauthenticated means no usable credential is held.
	ErrUnauthenticated = errors.New("session: unauthenticated")
	// ErrNotReady means credentials have not been established yet.
	ErrNotReady = errors.New("session: not ready")
)

// State is the readiness of a session.
type State int

const (
	StatePending State = iota
	StateReady
	StateUnauthenticated
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateReady:
		return "ready"
	case StateUnauthenticated:
		return "unauthenticated"
	default:
		return "unknown"
	}
}

// Session supplies the credential used for FHIR requests.
type Session interface {
	State() State
	Token() string
}

// Check maps a session's state onto ErrNotReady or ErrUnauthenticated.
func Check(s Session) error {
	switch s.State() {
	case StateReady:
		return nil
	case StatePending:
		return ErrNotReady
	default:
		return ErrUnauthenticated
	}
}

// Bearer holds a bearer token. JWT tokens are inspected, without signature
// verification, for their exp claim so an expired token reads as
// unauthenticated before the server rejects it. Opaque tokens are trusted
// until replaced.
type Bearer struct {
	mu      sync.RWMutex
	token   string
	expires time.Time
	pending bool

	leeway time.Duration
	now    func() time.Time
}

// Option configures a Bearer session.
type Option func(*Bearer)

// WithLeeway treats tokens as expired this long before their exp claim.
func WithLeeway(d time.Duration) Option {
	return func(b *Bearer) { b.leeway = d }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Bearer) { b.now = now }
}

// NewBearer returns a session holding token. An empty token is unauthenticated.
func NewBearer(token string, opts ...Option) *Bearer {
	b := newBearer(opts...)
	b.SetToken(token)
	return b
}

// NewPending returns a session that stays pending until SetToken is called.
func NewPending(opts ...Option) *Bearer {
	b := newBearer(opts...)
	b.pending = true
	return b
}

func newBearer(opts ...Option) *Bearer {
	b := &Bearer{now: time.Now, leeway: 30 * time.Second}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SetToken replaces the held token.
func (b *Bearer) SetToken(token string) {
	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))
	exp := expiry(token)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.token = token
	b.expires = exp
	b.pending = false
}

// Clear drops the held token.
func (b *Bearer) Clear() {
	b.SetToken("")
}

// State reports the session state at the current time.
func (b *Bearer) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	switch {
	case b.pending:
		return StatePending
	case b.token == "":
		return StateUnauthenticated
	case !b.expires.IsZero() && !b.now().Before(b.expires.Add(-b.leeway)):
		return StateUnauthenticated
	default:
		return StateReady
	}
}

// Token returns the held token, or "" when the session is not ready.
func (b *Bearer) Token() string {
	if b.State() != StateReady {
		return ""
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.token
}

// Expires returns the token's exp claim, zero when unknown.
func (b *Bearer) Expires() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.expires
}

func expiry(token string) time.Time {
	if strings.Count(token, ".") != 2 {
		return time.Time{}
	}
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return time.Time{}
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}
