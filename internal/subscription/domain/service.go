package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/snapstock/pointsbilling/internal/event"
)

type Service interface {
	// HandleOrderPaid applies a successful charge: create on first payment,
	// renew, or recover from overdue. Replays are no-ops.
	HandleOrderPaid(ctx context.Context, ev event.OrderPaid) (Subscription, error)
	// HandleOrderFailed applies a failed charge: invoice goes FAILED, the
	// subscription goes OVERDUE and a payment retry is opened. Failures
	// arriving after the period was paid are ignored and recorded.
	HandleOrderFailed(ctx context.Context, ev event.OrderFailed) error
	// ManualAction performs an operator pause/resume/cancel.
	ManualAction(ctx context.Context, ev event.ManualAction) error
	// TransitionForDunning escalates dunning_level from fromLevel with a
	// compare-and-swap; at the terminal level it cancels the subscription
	// instead. Returns false when the CAS lost (e.g. customer paid).
	TransitionForDunning(ctx context.Context, id snowflake.ID, fromLevel, terminalLevel int) (bool, error)
	// MarkReminderSent flips one reminder flag, once per cycle.
	MarkReminderSent(ctx context.Context, id snowflake.ID, days int) (bool, error)
	GetByID(ctx context.Context, id snowflake.ID) (Subscription, error)
}

var (
	ErrSubscriptionNotFound  = errors.New("subscription_not_found")
	ErrSubscriptionCancelled = errors.New("subscription_cancelled")
	ErrInvalidTransition     = errors.New("invalid_subscription_transition")
	ErrUnknownAction         = errors.New("unknown_manual_action")
	ErrMissingPlan           = errors.New("missing_plan_key")
)
