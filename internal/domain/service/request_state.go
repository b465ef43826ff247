package service

import (
	"sync"
	"time"

	apperrors "github.com/gaiin-platform/amplify-genai-backend-sub005/pkg/errors"
)

// requestState tracks one in-flight request.
type requestState struct {
	createdAt  time.Time
	killSwitch bool
	finalized  bool
}

// RequestTracker holds per-request state so a separate control request can
// cancel an in-flight stream. Creation is exclusive per (user, request id).
type RequestTracker struct {
	mu     sync.RWMutex
	states map[string]*requestState
}

// NewRequestTracker creates an empty tracker.
func NewRequestTracker() *RequestTracker {
	return &RequestTracker{states: make(map[string]*requestState)}
}

func stateKey(userID, requestID string) string {
	return userID + "|" + requestID
}

// Create registers a new request. A duplicate (user, request id) fails.
func (t *RequestTracker) Create(userID, requestID string) error {
	key := stateKey(userID, requestID)

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.states[key]; exists {
		return apperrors.New(apperrors.KindInvalidRequest, "request id already in use")
	}
	t.states[key] = &requestState{createdAt: time.Now()}
	return nil
}

// SetKillSwitch flips the kill switch for an in-flight request. Setting it
// for an unknown request is a no-op so control requests can race creation.
func (t *RequestTracker) SetKillSwitch(userID, requestID string, value bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.states[stateKey(userID, requestID)]; ok {
		st.killSwitch = value
	}
}

// Killed reports whether the kill switch is set. Suspendable operations poll
// this at safe points.
func (t *RequestTracker) Killed(userID, requestID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.states[stateKey(userID, requestID)]
	return ok && st.killSwitch
}

// Finalize marks the request complete and releases its state.
func (t *RequestTracker) Finalize(userID, requestID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := stateKey(userID, requestID)
	if st, ok := t.states[key]; ok {
		st.finalized = true
	}
	delete(t.states, key)
}
