// Package event defines the inbound events the commerce layer delivers to
// the billing engine. Orders, payment capture and the storefront itself stay
// outside; the engine only sees these records.
package event

import "time"

// OrderPaid signals a successful charge for a recurring plan. Either
// SubscriptionID (renewal/retry) or PlanKey (first payment) identifies the
// subscription.
type OrderPaid struct {
	SubscriptionID       string
	PlanKey              string
	PlanName             string
	UserID               int64
	UserRole             string
	UserEmail            string
	PointsPerInterval    int64
	IntervalUnit         string
	IntervalCount        int
	Amount               int64
	Currency             string
	PaidAt               time.Time
	PaymentMethod        string
	GatewayTransactionID string
	OrderRef             string
}

// OrderFailed signals a failed charge attempt.
type OrderFailed struct {
	SubscriptionID string
	PlanKey        string
	UserID         int64
	FailedAt       time.Time
	OrderRef       string
}

// ManualActionKind enumerates operator-initiated transitions.
type ManualActionKind string

const (
	ActionPause  ManualActionKind = "pause"
	ActionResume ManualActionKind = "resume"
	ActionCancel ManualActionKind = "cancel"
)

// ManualAction is an operator request against a subscription.
type ManualAction struct {
	SubscriptionID string
	Action         ManualActionKind
	ActorID        string
	Note           string
}
