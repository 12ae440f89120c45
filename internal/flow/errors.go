package flow

import (
	"errors"

	"github.com/BTreeMap/ChatFlow/internal/store"
)

var (
	// ErrFlowNotFound is returned by Start when the flow name is not registered.
	ErrFlowNotFound = errors.New("flow not found")
	// ErrSessionNotFound is returned by Inspect for absent or expired sessions.
	ErrSessionNotFound = errors.New("session not found")
	// ErrStepNotFound reports a session pointing at a step its flow does not define.
	ErrStepNotFound = errors.New("step not found")
	// ErrStepChainTooLong reports a turn that auto-advanced more times than allowed.
	ErrStepChainTooLong = errors.New("step chain too long")
	// ErrMissingData reports session data lacking keys a step requires.
	ErrMissingData = errors.New("missing session data")
	// ErrLockTimeout reports that the per-session lock could not be acquired in time.
	ErrLockTimeout = store.ErrLockTimeout
	// ErrTurnTimeout reports a turn that exceeded its deadline.
	ErrTurnTimeout = errors.New("turn timeout")
)
