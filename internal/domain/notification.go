package domain

import (
	"time"

	"github.com/google/uuid"
)

// NotificationKind says which money movement a provider notification settles.
type NotificationKind string

const (
	NotificationCharge NotificationKind = "charge"
	NotificationPayout NotificationKind = "payout"
)

// NotificationOutcome is the provider's final word on a money movement.
type NotificationOutcome string

const (
	NotificationCompleted NotificationOutcome = "completed"
	NotificationFailed    NotificationOutcome = "failed"
)

// ProviderNotification is published by the provider webhook receivers on the
// payments.provider exchange. The routing key says what is being settled.
type ProviderNotification struct {
	NotificationID string    `json:"notification_id"`
	MemberID       string    `json:"member_id"`
	TransactionID  uuid.UUID `json:"transaction_id"`
	Amount         string    `json:"amount,omitempty"`
	Currency       string    `json:"currency,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}
