// Package appstate holds the process-wide state shared between the
// supervisor and the gateway: the worker credential and the restart counter.
//
// A single State is built at startup and passed to both components; nothing
// in this package is a package-level singleton.
package appstate

import (
	"crypto/rand"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
)

const (
	tokenLength   = 32
	tokenAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// AppToken is the credential the gateway presents to the worker. It lives for
// the lifetime of the process and is never persisted.
type AppToken string

// GenerateAppToken returns a random 32 character alphanumeric token.
func GenerateAppToken() (AppToken, error) {
	alphabetSize := big.NewInt(int64(len(tokenAlphabet)))
	buf := make([]byte, tokenLength)
	for i := range buf {
		n, err := rand.Int(rand.Reader, alphabetSize)
		if err != nil {
			return "", fmt.Errorf("failed to generate app token: %w", err)
		}
		buf[i] = tokenAlphabet[n.Int64()]
	}
	return AppToken(buf), nil
}

// String returns the raw token. Use it only when building the worker command
// line or the upstream Authorization header.
func (t AppToken) String() string {
	return string(t)
}

// LogValue keeps the token out of structured logs.
func (t AppToken) LogValue() slog.Value {
	return slog.StringValue("[redacted]")
}

// RestartState counts consecutive worker failures against a fixed cap.
type RestartState struct {
	mu    sync.Mutex
	count int
	max   int
}

// NewRestartState returns a counter capped at maxRestarts.
func NewRestartState(maxRestarts int) *RestartState {
	if maxRestarts < 0 {
		maxRestarts = 0
	}
	return &RestartState{max: maxRestarts}
}

// Count returns the current number of consecutive failures.
func (r *RestartState) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Max returns the restart cap.
func (r *RestartState) Max() int {
	return r.max
}

// Increment records a failure and returns the new count and whether the cap
// has been reached. The count never exceeds the cap.
func (r *RestartState) Increment() (count int, exhausted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count < r.max {
		r.count++
	}
	return r.count, r.count >= r.max
}

// Reset sets the count back to zero and returns the previous value.
func (r *RestartState) Reset() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.count
	r.count = 0
	return prev
}

// State is the shared process state.
type State struct {
	Token    AppToken
	Restarts *RestartState
}

// New generates a fresh AppToken and a restart counter capped at maxRestarts.
func New(maxRestarts int) (*State, error) {
	token, err := GenerateAppToken()
	if err != nil {
		return nil, err
	}
	return &State{
		Token:    token,
		Restarts: NewRestartState(maxRestarts),
	}, nil
}
