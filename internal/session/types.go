// Package session runs one authentication attempt: it builds the redacted
// task, hands it to an automation driver together with the capability
// registry, and collects the cookies the driver reports.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/jkaninda/agentauth/internal/capability"
)

var (
	// ErrAuthenticationFailed wraps every failed attempt.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrInvalidRequest is returned before any state is entered.
	ErrInvalidRequest = errors.New("invalid authentication request")

	// ErrNotCompleted is the cause when a driver returns without reporting success.
	ErrNotCompleted = errors.New("driver did not complete the login")
)

// State is the lifecycle position of an attempt.
type State int

const (
	StateInit State = iota
	StateTaskBuilt
	StateDriverRunning
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateTaskBuilt:
		return "task_built"
	case StateDriverRunning:
		return "driver_running"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// allowed lists the legal successor states.
var allowed = map[State][]State{
	StateInit:          {StateTaskBuilt, StateFailed},
	StateTaskBuilt:     {StateDriverRunning, StateFailed},
	StateDriverRunning: {StateDone, StateFailed},
}

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to State) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Cookie is a browser cookie in the shape automation tools export.
// Expires is Unix seconds, -1 for session cookies.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires"`
	HTTPOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
	SameSite string  `json:"sameSite,omitempty"` // "Strict", "Lax" or "None".
}

// Handoff is what a driver receives for one attempt.
type Handoff struct {
	SessionID    string
	Instructions string
	Secrets      map[string]string
	Capabilities *capability.Registry
}

// Outcome is what a driver reports back.
type Outcome struct {
	Completed bool
	Cookies   []Cookie
	Summary   string
}

// Driver performs the browser work. It may invoke capabilities any number of
// times, in any order and concurrently, until it returns.
type Driver interface {
	Run(ctx context.Context, h Handoff) (*Outcome, error)
}

// DriverFunc adapts a function to Driver.
type DriverFunc func(ctx context.Context, h Handoff) (*Outcome, error)

func (f DriverFunc) Run(ctx context.Context, h Handoff) (*Outcome, error) { return f(ctx, h) }

// Result is a successful attempt.
type Result struct {
	SessionID string   `json:"session_id"`
	Cookies   []Cookie `json:"cookies"`
}

// Attempt statuses.
const (
	StatusDone   = "done"
	StatusFailed = "failed"
)

// Attempt is the history record of one authentication attempt.
// It never holds secret or cookie values.
type Attempt struct {
	SessionID   string
	Website     string
	Host        string
	Username    string
	Status      string
	Error       string
	StartedAt   time.Time
	FinishedAt  time.Time
	CookieCount int
	Available   string // Comma separated capability names.
}

// Duration returns how long the attempt ran.
func (a Attempt) Duration() time.Duration { return a.FinishedAt.Sub(a.StartedAt) }

// Recorder persists attempt history.
type Recorder interface {
	RecordAttempt(ctx context.Context, a Attempt) error
}
