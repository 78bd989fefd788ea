/**
 * @description
 * This file defines the request payloads accepted by the payment service, both
 * over HTTP and from provider notifications. They carry raw caller input; the
 * service turns them into commands after validation.
 *
 * @notes
 * - Amounts arrive as decimal strings and are parsed with shopspring/decimal so
 *   no value is ever represented as a float.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// ChargeRequest asks to debit a member through their direct debit mandate.
type ChargeRequest struct {
	Amount         string    `json:"amount"`
	Currency       string    `json:"currency"`
	RequestedAt    time.Time `json:"requested_at,omitempty"`
	PayerReference string    `json:"payer_reference,omitempty"`
}

// PayoutRequest asks to pay money out to a member.
type PayoutRequest struct {
	Amount      string    `json:"amount"`
	Currency    string    `json:"currency"`
	Address     string    `json:"address"`
	CountryCode string    `json:"country_code"`
	DateOfBirth string    `json:"date_of_birth"`
	FirstName   string    `json:"first_name"`
	LastName    string    `json:"last_name"`
	Category    string    `json:"category,omitempty"`
	RequestedAt time.Time `json:"requested_at,omitempty"`
}

// TrustlyAccountRequest reports a Trustly account registration result.
type TrustlyAccountRequest struct {
	RegistrationOrderID      *uuid.UUID `json:"registration_order_id,omitempty"`
	AccountID                string     `json:"account_id"`
	Bank                     string     `json:"bank"`
	Descriptor               string     `json:"descriptor"`
	LastDigits               string     `json:"last_digits,omitempty"`
	DirectDebitMandateActive *bool      `json:"direct_debit_mandate_active,omitempty"`
}

// AdyenPayoutAccountRequest stores the member's Adyen shopper reference.
type AdyenPayoutAccountRequest struct {
	ShopperReference string `json:"shopper_reference"`
	Status           string `json:"status,omitempty"`
}

// PayoutResult is what a payout caller learns: whether the payout was accepted.
type PayoutResult struct {
	TransactionID uuid.UUID `json:"transaction_id"`
	Accepted      bool      `json:"accepted"`
}
