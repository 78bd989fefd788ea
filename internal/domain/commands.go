package domain

import (
	"time"

	"github.com/google/uuid"
)

// CommandType identifies a command in the gateway registry.
type CommandType string

const (
	CmdCreateMember             CommandType = "CreateMember"
	CmdCreateCharge             CommandType = "CreateCharge"
	CmdChargeCompleted          CommandType = "ChargeCompleted"
	CmdChargeFailed             CommandType = "ChargeFailed"
	CmdCreatePayout             CommandType = "CreatePayout"
	CmdPayoutCompleted          CommandType = "PayoutCompleted"
	CmdPayoutFailed             CommandType = "PayoutFailed"
	CmdUpdateTrustlyAccount     CommandType = "UpdateTrustlyAccount"
	CmdUpdateAdyenPayoutAccount CommandType = "UpdateAdyenPayoutAccount"
	CmdCreatePayoutOrder        CommandType = "CreatePayoutOrder"
	CmdAssignProviderOrderID    CommandType = "AssignProviderOrderID"
	CmdConfirmPayoutOrder       CommandType = "ConfirmPayoutOrder"
)

// Command is an intent addressed to exactly one event stream.
type Command interface {
	CommandType() CommandType
	StreamID() string
}

// MemberStreamID is the stream holding a member aggregate's events.
func MemberStreamID(memberID string) string {
	if memberID == "" {
		return ""
	}
	return "member-" + memberID
}

// OrderStreamID is the stream holding a provider order's events.
func OrderStreamID(orderID uuid.UUID) string {
	if orderID == uuid.Nil {
		return ""
	}
	return "order-" + orderID.String()
}

type CreateMemberCommand struct {
	MemberID string
}

type CreateChargeCommand struct {
	MemberID       string
	TransactionID  uuid.UUID
	Amount         Money
	RequestedAt    time.Time
	PayerReference string
}

type ChargeCompletedCommand struct {
	MemberID      string
	TransactionID uuid.UUID
	Amount        Money
	Timestamp     time.Time
}

type ChargeFailedCommand struct {
	MemberID      string
	TransactionID uuid.UUID
	Timestamp     time.Time
}

type CreatePayoutCommand struct {
	MemberID      string
	TransactionID uuid.UUID
	Amount        Money
	Address       string
	CountryCode   string
	DateOfBirth   string
	FirstName     string
	LastName      string
	Category      string
	RequestedAt   time.Time
}

type PayoutCompletedCommand struct {
	MemberID      string
	TransactionID uuid.UUID
	Amount        Money
	Timestamp     time.Time
}

type PayoutFailedCommand struct {
	MemberID      string
	TransactionID uuid.UUID
	Amount        Money
	Reason        string
	Timestamp     time.Time
}

// UpdateTrustlyAccountCommand registers or refreshes the member's Trustly account.
// DirectDebitMandateActive is nil when the provider did not report mandate state.
type UpdateTrustlyAccountCommand struct {
	MemberID                 string
	RegistrationOrderID      uuid.UUID
	AccountID                string
	Bank                     string
	Descriptor               string
	LastDigits               string
	DirectDebitMandateActive *bool
}

type UpdateAdyenPayoutAccountCommand struct {
	MemberID         string
	ShopperReference string
	Status           string
}

// CreatePayoutOrderCommand opens a provider order for a payout. Replies with a PayoutOrderStatus.
type CreatePayoutOrderCommand struct {
	OrderID       uuid.UUID
	TransactionID uuid.UUID
	MemberID      string
	Provider      Provider
	Amount        Money
	AccountRef    string
	Address       string
	CountryCode   string
	DateOfBirth   string
	FirstName     string
	LastName      string
}

// PayoutOrderStatus is the reply to CreatePayoutOrderCommand. Created is false
// when the order stream already existed; ProviderOrderID then reports how far
// that order got.
type PayoutOrderStatus struct {
	OrderID         uuid.UUID
	Created         bool
	ProviderOrderID string
}

var payoutOrderNamespace = uuid.MustParse("6f1c2b0e-8d4a-5b7e-9c3f-2a1d4e5f6a7b")

// PayoutOrderID derives the provider order id of a payout transaction. Every
// attempt at the same transaction addresses the same order stream.
func PayoutOrderID(transactionID uuid.UUID) uuid.UUID {
	return uuid.NewSHA1(payoutOrderNamespace, transactionID[:])
}

type AssignProviderOrderIDCommand struct {
	OrderID         uuid.UUID
	ProviderOrderID string
}

type ConfirmPayoutOrderCommand struct {
	OrderID   uuid.UUID
	Timestamp time.Time
}

func (CreateMemberCommand) CommandType() CommandType             { return CmdCreateMember }
func (CreateChargeCommand) CommandType() CommandType             { return CmdCreateCharge }
func (ChargeCompletedCommand) CommandType() CommandType          { return CmdChargeCompleted }
func (ChargeFailedCommand) CommandType() CommandType             { return CmdChargeFailed }
func (CreatePayoutCommand) CommandType() CommandType             { return CmdCreatePayout }
func (PayoutCompletedCommand) CommandType() CommandType          { return CmdPayoutCompleted }
func (PayoutFailedCommand) CommandType() CommandType             { return CmdPayoutFailed }
func (UpdateTrustlyAccountCommand) CommandType() CommandType     { return CmdUpdateTrustlyAccount }
func (UpdateAdyenPayoutAccountCommand) CommandType() CommandType { return CmdUpdateAdyenPayoutAccount }
func (CreatePayoutOrderCommand) CommandType() CommandType        { return CmdCreatePayoutOrder }
func (AssignProviderOrderIDCommand) CommandType() CommandType    { return CmdAssignProviderOrderID }
func (ConfirmPayoutOrderCommand) CommandType() CommandType       { return CmdConfirmPayoutOrder }

func (c CreateMemberCommand) StreamID() string             { return MemberStreamID(c.MemberID) }
func (c CreateChargeCommand) StreamID() string             { return MemberStreamID(c.MemberID) }
func (c ChargeCompletedCommand) StreamID() string          { return MemberStreamID(c.MemberID) }
func (c ChargeFailedCommand) StreamID() string             { return MemberStreamID(c.MemberID) }
func (c CreatePayoutCommand) StreamID() string             { return MemberStreamID(c.MemberID) }
func (c PayoutCompletedCommand) StreamID() string          { return MemberStreamID(c.MemberID) }
func (c PayoutFailedCommand) StreamID() string             { return MemberStreamID(c.MemberID) }
func (c UpdateTrustlyAccountCommand) StreamID() string     { return MemberStreamID(c.MemberID) }
func (c UpdateAdyenPayoutAccountCommand) StreamID() string { return MemberStreamID(c.MemberID) }
func (c CreatePayoutOrderCommand) StreamID() string        { return OrderStreamID(c.OrderID) }
func (c AssignProviderOrderIDCommand) StreamID() string    { return OrderStreamID(c.OrderID) }
func (c ConfirmPayoutOrderCommand) StreamID() string       { return OrderStreamID(c.OrderID) }

// ChargeResultType is the outcome reported to the caller of CreateCharge.
type ChargeResultType string

const (
	ChargeResultSuccess       ChargeResultType = "SUCCESS"
	ChargeResultNoPayinMethod ChargeResultType = "NO_PAYIN_METHOD_FOUND"
	ChargeResultNoDirectDebit ChargeResultType = "NO_DIRECT_DEBIT"
)

type ChargeResult struct {
	TransactionID uuid.UUID
	Type          ChargeResultType
}

func (r ChargeResult) Success() bool {
	return r.Type == ChargeResultSuccess
}
