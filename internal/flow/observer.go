package flow

import (
	"context"

	"github.com/BTreeMap/ChatFlow/internal/models"
)

// Reason tells an Observer why a session ended.
type Reason string

const (
	ReasonCompleted    Reason = "completed"
	ReasonReset        Reason = "reset"
	ReasonStepNotFound Reason = "step_not_found"
	ReasonChainTooLong Reason = "chain_too_long"
	ReasonMissingData  Reason = "missing_data"
)

// Observer is notified after a session has been removed from the store.
type Observer interface {
	SessionFinished(ctx context.Context, snapshot *models.SessionSnapshot, reason Reason) error
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, snapshot *models.SessionSnapshot, reason Reason) error

// SessionFinished implements Observer.
func (f ObserverFunc) SessionFinished(ctx context.Context, snapshot *models.SessionSnapshot, reason Reason) error {
	return f(ctx, snapshot, reason)
}
