/**
 * @description
 * This file defines every event the payment-service appends to its event store.
 * Events are immutable facts; each one carries the member id it belongs to so that
 * consumers (the payout saga, the member projection, the RabbitMQ relay) can
 * correlate it without loading the stream.
 *
 * @notes
 * - Event types are plain strings persisted next to the JSON payload. Renaming one
 *   breaks decoding of history, so the constants are part of the storage format.
 * - DecodeEvent uses an explicit type table instead of reflection.
 */

package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var ErrUnknownEventType = errors.New("unknown event type")

// EventType identifies an event in storage and on the wire.
type EventType string

const (
	EventMemberCreated                EventType = "MemberCreated"
	EventChargeCreated                EventType = "ChargeCreated"
	EventChargeCreationFailed         EventType = "ChargeCreationFailed"
	EventChargeCompleted              EventType = "ChargeCompleted"
	EventChargeFailed                 EventType = "ChargeFailed"
	EventChargeErrored                EventType = "ChargeErrored"
	EventPayoutCreated                EventType = "PayoutCreated"
	EventPayoutCreationFailed         EventType = "PayoutCreationFailed"
	EventPayoutCompleted              EventType = "PayoutCompleted"
	EventPayoutFailed                 EventType = "PayoutFailed"
	EventPayoutErrored                EventType = "PayoutErrored"
	EventTrustlyAccountCreated        EventType = "TrustlyAccountCreated"
	EventTrustlyAccountUpdated        EventType = "TrustlyAccountUpdated"
	EventDirectDebitConnected         EventType = "DirectDebitConnected"
	EventDirectDebitPendingConnection EventType = "DirectDebitPendingConnection"
	EventDirectDebitDisconnected      EventType = "DirectDebitDisconnected"
	EventAdyenPayoutAccountCreated    EventType = "AdyenPayoutAccountCreated"
	EventAdyenPayoutAccountUpdated    EventType = "AdyenPayoutAccountUpdated"
	EventOrderCreated                 EventType = "OrderCreated"
	EventOrderAssignedProviderID      EventType = "OrderAssignedProviderId"
	EventOrderConfirmed               EventType = "OrderConfirmed"
)

// Event is implemented by every payload stored in a stream.
type Event interface {
	EventType() EventType
	// CorrelationID returns the member id the event belongs to.
	CorrelationID() string
}

// Provider identifies an external payment provider.
type Provider string

const (
	ProviderTrustly Provider = "TRUSTLY"
	ProviderAdyen   Provider = "ADYEN"
)

type MemberCreated struct {
	MemberID string `json:"member_id"`
}

type ChargeCreated struct {
	MemberID           string    `json:"member_id"`
	TransactionID      uuid.UUID `json:"transaction_id"`
	Amount             Money     `json:"amount"`
	Timestamp          time.Time `json:"timestamp"`
	Provider           Provider  `json:"provider"`
	ProviderAccountRef string    `json:"provider_account_ref"`
	PayerReference     string    `json:"payer_reference,omitempty"`
}

// ChargeCreationFailed records a charge that was rejected before any money moved.
type ChargeCreationFailed struct {
	MemberID      string    `json:"member_id"`
	TransactionID uuid.UUID `json:"transaction_id"`
	Amount        Money     `json:"amount"`
	Timestamp     time.Time `json:"timestamp"`
	Reason        string    `json:"reason"`
}

type ChargeCompleted struct {
	MemberID      string    `json:"member_id"`
	TransactionID uuid.UUID `json:"transaction_id"`
	Amount        Money     `json:"amount"`
	Timestamp     time.Time `json:"timestamp"`
}

type ChargeFailed struct {
	MemberID      string    `json:"member_id"`
	TransactionID uuid.UUID `json:"transaction_id"`
	Timestamp     time.Time `json:"timestamp"`
}

// ChargeErrored is emitted when a provider confirms an amount that differs from ours.
type ChargeErrored struct {
	MemberID      string    `json:"member_id"`
	TransactionID uuid.UUID `json:"transaction_id"`
	Amount        Money     `json:"amount"`
	Reason        string    `json:"reason"`
	Timestamp     time.Time `json:"timestamp"`
}

// PayoutCreated starts the payout saga. Exactly one of TrustlyAccountID and
// AdyenShopperReference is expected to be set.
type PayoutCreated struct {
	MemberID              string    `json:"member_id"`
	TransactionID         uuid.UUID `json:"transaction_id"`
	Amount                Money     `json:"amount"`
	Address               string    `json:"address"`
	CountryCode           string    `json:"country_code"`
	DateOfBirth           string    `json:"date_of_birth"`
	FirstName             string    `json:"first_name"`
	LastName              string    `json:"last_name"`
	Category              string    `json:"category"`
	Timestamp             time.Time `json:"timestamp"`
	TrustlyAccountID      string    `json:"trustly_account_id,omitempty"`
	AdyenShopperReference string    `json:"adyen_shopper_reference,omitempty"`
}

type PayoutCreationFailed struct {
	MemberID      string    `json:"member_id"`
	TransactionID uuid.UUID `json:"transaction_id"`
	Amount        Money     `json:"amount"`
	Timestamp     time.Time `json:"timestamp"`
	Reason        string    `json:"reason"`
}

type PayoutCompleted struct {
	MemberID      string    `json:"member_id"`
	TransactionID uuid.UUID `json:"transaction_id"`
	Timestamp     time.Time `json:"timestamp"`
}

type PayoutFailed struct {
	MemberID      string    `json:"member_id"`
	TransactionID uuid.UUID `json:"transaction_id"`
	Amount        Money     `json:"amount"`
	Reason        string    `json:"reason,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

type PayoutErrored struct {
	MemberID      string    `json:"member_id"`
	TransactionID uuid.UUID `json:"transaction_id"`
	Amount        Money     `json:"amount"`
	Reason        string    `json:"reason"`
	Timestamp     time.Time `json:"timestamp"`
}

// TrustlyAccountCreated is emitted the first time an account is seen for a
// registration order.
type TrustlyAccountCreated struct {
	MemberID            string    `json:"member_id"`
	RegistrationOrderID uuid.UUID `json:"registration_order_id"`
	AccountID           string    `json:"account_id"`
	Bank                string    `json:"bank"`
	Descriptor          string    `json:"descriptor"`
	LastDigits          string    `json:"last_digits,omitempty"`
}

type TrustlyAccountUpdated struct {
	MemberID            string    `json:"member_id"`
	RegistrationOrderID uuid.UUID `json:"registration_order_id"`
	AccountID           string    `json:"account_id"`
	Bank                string    `json:"bank"`
	Descriptor          string    `json:"descriptor"`
	LastDigits          string    `json:"last_digits,omitempty"`
}

type DirectDebitConnected struct {
	MemberID            string    `json:"member_id"`
	RegistrationOrderID uuid.UUID `json:"registration_order_id"`
	AccountID           string    `json:"account_id"`
}

type DirectDebitPendingConnection struct {
	MemberID            string    `json:"member_id"`
	RegistrationOrderID uuid.UUID `json:"registration_order_id"`
	AccountID           string    `json:"account_id"`
}

type DirectDebitDisconnected struct {
	MemberID            string    `json:"member_id"`
	RegistrationOrderID uuid.UUID `json:"registration_order_id"`
	AccountID           string    `json:"account_id"`
}

type AdyenPayoutAccountCreated struct {
	MemberID         string `json:"member_id"`
	ShopperReference string `json:"shopper_reference"`
	Status           string `json:"status"`
}

type AdyenPayoutAccountUpdated struct {
	MemberID         string `json:"member_id"`
	ShopperReference string `json:"shopper_reference"`
	Status           string `json:"status"`
}

// OrderCreated opens a provider order stream for one payout transaction.
type OrderCreated struct {
	OrderID       uuid.UUID `json:"order_id"`
	MemberID      string    `json:"member_id"`
	TransactionID uuid.UUID `json:"transaction_id"`
	Provider      Provider  `json:"provider"`
	Amount        Money     `json:"amount"`
	AccountRef    string    `json:"account_ref"`
}

type OrderAssignedProviderID struct {
	OrderID         uuid.UUID `json:"order_id"`
	MemberID        string    `json:"member_id"`
	Provider        Provider  `json:"provider"`
	ProviderOrderID string    `json:"provider_order_id"`
}

type OrderConfirmed struct {
	OrderID         uuid.UUID `json:"order_id"`
	MemberID        string    `json:"member_id"`
	ProviderOrderID string    `json:"provider_order_id"`
	Timestamp       time.Time `json:"timestamp"`
}

func (MemberCreated) EventType() EventType                { return EventMemberCreated }
func (ChargeCreated) EventType() EventType                { return EventChargeCreated }
func (ChargeCreationFailed) EventType() EventType         { return EventChargeCreationFailed }
func (ChargeCompleted) EventType() EventType              { return EventChargeCompleted }
func (ChargeFailed) EventType() EventType                 { return EventChargeFailed }
func (ChargeErrored) EventType() EventType                { return EventChargeErrored }
func (PayoutCreated) EventType() EventType                { return EventPayoutCreated }
func (PayoutCreationFailed) EventType() EventType         { return EventPayoutCreationFailed }
func (PayoutCompleted) EventType() EventType              { return EventPayoutCompleted }
func (PayoutFailed) EventType() EventType                 { return EventPayoutFailed }
func (PayoutErrored) EventType() EventType                { return EventPayoutErrored }
func (TrustlyAccountCreated) EventType() EventType        { return EventTrustlyAccountCreated }
func (TrustlyAccountUpdated) EventType() EventType        { return EventTrustlyAccountUpdated }
func (DirectDebitConnected) EventType() EventType         { return EventDirectDebitConnected }
func (DirectDebitPendingConnection) EventType() EventType { return EventDirectDebitPendingConnection }
func (DirectDebitDisconnected) EventType() EventType      { return EventDirectDebitDisconnected }
func (AdyenPayoutAccountCreated) EventType() EventType    { return EventAdyenPayoutAccountCreated }
func (AdyenPayoutAccountUpdated) EventType() EventType    { return EventAdyenPayoutAccountUpdated }
func (OrderCreated) EventType() EventType                 { return EventOrderCreated }
func (OrderAssignedProviderID) EventType() EventType      { return EventOrderAssignedProviderID }
func (OrderConfirmed) EventType() EventType               { return EventOrderConfirmed }

func (e MemberCreated) CorrelationID() string                { return e.MemberID }
func (e ChargeCreated) CorrelationID() string                { return e.MemberID }
func (e ChargeCreationFailed) CorrelationID() string         { return e.MemberID }
func (e ChargeCompleted) CorrelationID() string              { return e.MemberID }
func (e ChargeFailed) CorrelationID() string                 { return e.MemberID }
func (e ChargeErrored) CorrelationID() string                { return e.MemberID }
func (e PayoutCreated) CorrelationID() string                { return e.MemberID }
func (e PayoutCreationFailed) CorrelationID() string         { return e.MemberID }
func (e PayoutCompleted) CorrelationID() string              { return e.MemberID }
func (e PayoutFailed) CorrelationID() string                 { return e.MemberID }
func (e PayoutErrored) CorrelationID() string                { return e.MemberID }
func (e TrustlyAccountCreated) CorrelationID() string        { return e.MemberID }
func (e TrustlyAccountUpdated) CorrelationID() string        { return e.MemberID }
func (e DirectDebitConnected) CorrelationID() string         { return e.MemberID }
func (e DirectDebitPendingConnection) CorrelationID() string { return e.MemberID }
func (e DirectDebitDisconnected) CorrelationID() string      { return e.MemberID }
func (e AdyenPayoutAccountCreated) CorrelationID() string    { return e.MemberID }
func (e AdyenPayoutAccountUpdated) CorrelationID() string    { return e.MemberID }
func (e OrderCreated) CorrelationID() string                 { return e.MemberID }
func (e OrderAssignedProviderID) CorrelationID() string      { return e.MemberID }
func (e OrderConfirmed) CorrelationID() string               { return e.MemberID }

var eventDecoders = map[EventType]func([]byte) (Event, error){
	EventMemberCreated:                decodeAs[MemberCreated],
	EventChargeCreated:                decodeAs[ChargeCreated],
	EventChargeCreationFailed:         decodeAs[ChargeCreationFailed],
	EventChargeCompleted:              decodeAs[ChargeCompleted],
	EventChargeFailed:                 decodeAs[ChargeFailed],
	EventChargeErrored:                decodeAs[ChargeErrored],
	EventPayoutCreated:                decodeAs[PayoutCreated],
	EventPayoutCreationFailed:         decodeAs[PayoutCreationFailed],
	EventPayoutCompleted:              decodeAs[PayoutCompleted],
	EventPayoutFailed:                 decodeAs[PayoutFailed],
	EventPayoutErrored:                decodeAs[PayoutErrored],
	EventTrustlyAccountCreated:        decodeAs[TrustlyAccountCreated],
	EventTrustlyAccountUpdated:        decodeAs[TrustlyAccountUpdated],
	EventDirectDebitConnected:         decodeAs[DirectDebitConnected],
	EventDirectDebitPendingConnection: decodeAs[DirectDebitPendingConnection],
	EventDirectDebitDisconnected:      decodeAs[DirectDebitDisconnected],
	EventAdyenPayoutAccountCreated:    decodeAs[AdyenPayoutAccountCreated],
	EventAdyenPayoutAccountUpdated:    decodeAs[AdyenPayoutAccountUpdated],
	EventOrderCreated:                 decodeAs[OrderCreated],
	EventOrderAssignedProviderID:      decodeAs[OrderAssignedProviderID],
	EventOrderConfirmed:               decodeAs[OrderConfirmed],
}

func decodeAs[T Event](data []byte) (Event, error) {
	var evt T
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, err
	}
	return evt, nil
}

// DecodeEvent rebuilds a typed event from its stored type and JSON payload.
func DecodeEvent(eventType EventType, data []byte) (Event, error) {
	decode, ok := eventDecoders[eventType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, eventType)
	}
	evt, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", eventType, err)
	}
	return evt, nil
}
