package session

import (
	"errors"

	"session_service/internal/models"
)

type State int

const (
	StateInitializing State = iota
	StateUnauthenticated
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

var (
	ErrNotAuthenticated  = errors.New("not authenticated")
	ErrIncompleteRecord  = errors.New("session record needs a user id and an access token")
	ErrAccountUnverified = errors.New("please verify your account first, check your email for the verification code")
	ErrNoRefreshToken    = errors.New("no refresh token")
	// ErrStale is returned when the session changed (logout, login as someone
	// else) while an asynchronous operation was in flight; its result was
	// dropped.
	ErrStale = errors.New("session changed while request was in flight")
)

// Snapshot is what subscribers observe after a transition.
type Snapshot struct {
	State      State
	User       *models.SessionRecord
	Generation uint64
}

// Navigator performs the redirect side effect of logout and invalidation.
type Navigator interface {
	Redirect(path string)
}

type NavigatorFunc func(path string)

func (f NavigatorFunc) Redirect(path string) { f(path) }

type nopNavigator struct{}

func (nopNavigator) Redirect(string) {}
