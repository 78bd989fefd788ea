/**
 * @description
 * The member aggregate owns a member's payment methods and the lifecycle of every
 * charge and payout created for the member. Its state is rebuilt from the
 * member-<id> stream for every command.
 *
 * @notes
 * - Deciders are pure: the same history and command always give the same events.
 *   The gateway may run them more than once when it retries a conflict.
 * - Redelivered commands are answered from history instead of appending twice.
 */

package aggregate

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/payment-service/internal/command"
	"github.com/transfa/payment-service/internal/domain"
)

const (
	reasonNoPayinMethod   = "member has no payin method"
	reasonNoDirectDebit   = "direct debit mandate is not connected"
	reasonNoPayoutAccount = "member has no payout account"
)

// registrationNamespace derives a stable registration order id when the caller has none.
var registrationNamespace = uuid.MustParse("8f1c61c8-3c0a-4b7e-9d4e-5d2b1f6c0a11")

type trustlyAccount struct {
	accountID   string
	bank        string
	descriptor  string
	lastDigits  string
	directDebit domain.DirectDebitStatus
}

type adyenPayoutAccount struct {
	shopperReference string
	status           string
}

type memberTransaction struct {
	txType       domain.TransactionType
	amount       domain.Money
	status       domain.TransactionStatus
	errored      bool
	rejected     bool
	chargeResult domain.ChargeResultType
}

// Member is the folded state of a member stream.
type Member struct {
	ID                 string
	created            bool
	trustlyAccounts    map[uuid.UUID]*trustlyAccount
	latestRegistration uuid.UUID
	adyenPayoutAccount *adyenPayoutAccount
	transactions       map[uuid.UUID]*memberTransaction
}

// FoldMember rebuilds a member from its history.
func FoldMember(history []domain.Event) *Member {
	m := &Member{
		trustlyAccounts: make(map[uuid.UUID]*trustlyAccount),
		transactions:    make(map[uuid.UUID]*memberTransaction),
	}
	for _, evt := range history {
		m.apply(evt)
	}
	return m
}

func (m *Member) apply(evt domain.Event) {
	switch e := evt.(type) {
	case domain.MemberCreated:
		m.ID = e.MemberID
		m.created = true
	case domain.ChargeCreated:
		m.transactions[e.TransactionID] = &memberTransaction{
			txType:       domain.TransactionTypeCharge,
			amount:       e.Amount,
			status:       domain.TransactionStatusInitiated,
			chargeResult: domain.ChargeResultSuccess,
		}
	case domain.ChargeCreationFailed:
		result := domain.ChargeResultNoDirectDebit
		if e.Reason == reasonNoPayinMethod {
			result = domain.ChargeResultNoPayinMethod
		}
		m.transactions[e.TransactionID] = &memberTransaction{
			txType:       domain.TransactionTypeCharge,
			amount:       e.Amount,
			status:       domain.TransactionStatusFailed,
			rejected:     true,
			chargeResult: result,
		}
	case domain.ChargeCompleted:
		m.setStatus(e.TransactionID, domain.TransactionStatusCompleted)
	case domain.ChargeFailed:
		m.setStatus(e.TransactionID, domain.TransactionStatusFailed)
	case domain.ChargeErrored:
		m.markErrored(e.TransactionID)
	case domain.PayoutCreated:
		m.transactions[e.TransactionID] = &memberTransaction{
			txType: domain.TransactionTypePayout,
			amount: e.Amount,
			status: domain.TransactionStatusInitiated,
		}
	case domain.PayoutCreationFailed:
		m.transactions[e.TransactionID] = &memberTransaction{
			txType:   domain.TransactionTypePayout,
			amount:   e.Amount,
			status:   domain.TransactionStatusFailed,
			rejected: true,
		}
	case domain.PayoutCompleted:
		m.setStatus(e.TransactionID, domain.TransactionStatusCompleted)
	case domain.PayoutFailed:
		m.setStatus(e.TransactionID, domain.TransactionStatusFailed)
	case domain.PayoutErrored:
		m.markErrored(e.TransactionID)
	case domain.TrustlyAccountCreated:
		m.trustlyAccounts[e.RegistrationOrderID] = &trustlyAccount{
			accountID:  e.AccountID,
			bank:       e.Bank,
			descriptor: e.Descriptor,
			lastDigits: e.LastDigits,
		}
		m.latestRegistration = e.RegistrationOrderID
	case domain.TrustlyAccountUpdated:
		if acct, ok := m.trustlyAccounts[e.RegistrationOrderID]; ok {
			acct.accountID = e.AccountID
			acct.bank = e.Bank
			acct.descriptor = e.Descriptor
			acct.lastDigits = e.LastDigits
		}
		m.latestRegistration = e.RegistrationOrderID
	case domain.DirectDebitConnected:
		m.setDirectDebit(e.RegistrationOrderID, domain.DirectDebitConnectedStatus)
	case domain.DirectDebitPendingConnection:
		m.setDirectDebit(e.RegistrationOrderID, domain.DirectDebitPendingStatus)
	case domain.DirectDebitDisconnected:
		m.setDirectDebit(e.RegistrationOrderID, domain.DirectDebitDisconnectedStatus)
	case domain.AdyenPayoutAccountCreated:
		m.adyenPayoutAccount = &adyenPayoutAccount{shopperReference: e.ShopperReference, status: e.Status}
	case domain.AdyenPayoutAccountUpdated:
		m.adyenPayoutAccount = &adyenPayoutAccount{shopperReference: e.ShopperReference, status: e.Status}
	}
}

func (m *Member) setStatus(id uuid.UUID, status domain.TransactionStatus) {
	if tx, ok := m.transactions[id]; ok {
		tx.status = status
	}
}

func (m *Member) markErrored(id uuid.UUID) {
	if tx, ok := m.transactions[id]; ok {
		tx.status = domain.TransactionStatusFailed
		tx.errored = true
	}
}

func (m *Member) setDirectDebit(registration uuid.UUID, status domain.DirectDebitStatus) {
	if acct, ok := m.trustlyAccounts[registration]; ok {
		acct.directDebit = status
	}
}

func (m *Member) latestTrustlyAccount() *trustlyAccount {
	if m.latestRegistration == uuid.Nil {
		return nil
	}
	return m.trustlyAccounts[m.latestRegistration]
}

// MemberDecider handles every command addressed to a member stream.
type MemberDecider struct {
	now func() time.Time
}

func NewMemberDecider(now func() time.Time) *MemberDecider {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &MemberDecider{now: now}
}

func (d *MemberDecider) Decide(_ context.Context, history []domain.Event, cmd domain.Command) (command.Decision, error) {
	m := FoldMember(history)

	if c, ok := cmd.(domain.CreateMemberCommand); ok {
		if m.created {
			return command.Decision{Reply: false}, nil
		}
		return command.Decision{
			Events: []domain.Event{domain.MemberCreated{MemberID: c.MemberID}},
			Reply:  true,
		}, nil
	}

	if !m.created {
		return command.Decision{}, domain.Invalid("member_id", "member does not exist")
	}

	switch c := cmd.(type) {
	case domain.CreateChargeCommand:
		return d.createCharge(m, c)
	case domain.ChargeCompletedCommand:
		return d.chargeCompleted(m, c)
	case domain.ChargeFailedCommand:
		return d.chargeFailed(m, c)
	case domain.CreatePayoutCommand:
		return d.createPayout(m, c)
	case domain.PayoutCompletedCommand:
		return d.payoutCompleted(m, c)
	case domain.PayoutFailedCommand:
		return d.payoutFailed(m, c)
	case domain.UpdateTrustlyAccountCommand:
		return d.updateTrustlyAccount(m, c)
	case domain.UpdateAdyenPayoutAccountCommand:
		return d.updateAdyenPayoutAccount(m, c)
	default:
		return command.Decision{}, fmt.Errorf("%w: %s", command.ErrUnknownCommand, cmd.CommandType())
	}
}

func (d *MemberDecider) timestamp(t time.Time) time.Time {
	if t.IsZero() {
		return d.now()
	}
	return t.UTC()
}

func (d *MemberDecider) createCharge(m *Member, c domain.CreateChargeCommand) (command.Decision, error) {
	if c.TransactionID == uuid.Nil {
		return command.Decision{}, domain.Invalid("transaction_id", "is required")
	}
	if err := c.Amount.Validate(); err != nil {
		return command.Decision{}, domain.Invalid("amount", err.Error())
	}
	if existing, ok := m.transactions[c.TransactionID]; ok {
		if existing.txType != domain.TransactionTypeCharge || !existing.amount.Equal(c.Amount) {
			return command.Decision{}, domain.Invalid("transaction_id", "already used by another transaction")
		}
		return command.Decision{Reply: domain.ChargeResult{TransactionID: c.TransactionID, Type: existing.chargeResult}}, nil
	}

	at := d.timestamp(c.RequestedAt)
	fail := func(reason string, result domain.ChargeResultType) (command.Decision, error) {
		return command.Decision{
			Events: []domain.Event{domain.ChargeCreationFailed{
				MemberID:      m.ID,
				TransactionID: c.TransactionID,
				Amount:        c.Amount,
				Timestamp:     at,
				Reason:        reason,
			}},
			Reply: domain.ChargeResult{TransactionID: c.TransactionID, Type: result},
		}, nil
	}

	acct := m.latestTrustlyAccount()
	if acct == nil {
		return fail(reasonNoPayinMethod, domain.ChargeResultNoPayinMethod)
	}
	if acct.directDebit != domain.DirectDebitConnectedStatus {
		return fail(reasonNoDirectDebit, domain.ChargeResultNoDirectDebit)
	}

	return command.Decision{
		Events: []domain.Event{domain.ChargeCreated{
			MemberID:           m.ID,
			TransactionID:      c.TransactionID,
			Amount:             c.Amount,
			Timestamp:          at,
			Provider:           domain.ProviderTrustly,
			ProviderAccountRef: acct.accountID,
			PayerReference:     c.PayerReference,
		}},
		Reply: domain.ChargeResult{TransactionID: c.TransactionID, Type: domain.ChargeResultSuccess},
	}, nil
}

// settle validates a completion or failure against the transaction's current status.
// It returns done=true when the command is a redelivery of an outcome already recorded.
func settle(m *Member, id uuid.UUID, want domain.TransactionType, next domain.TransactionStatus) (*memberTransaction, bool, error) {
	tx, ok := m.transactions[id]
	if !ok || tx.txType != want {
		return nil, false, domain.Invalid("transaction_id", fmt.Sprintf("no %s transaction %s", want, id))
	}
	if tx.status == next || tx.errored {
		return tx, true, nil
	}
	if !tx.status.CanTransitionTo(next) {
		return nil, false, domain.Invalid("transaction_id", fmt.Sprintf("transaction %s is already %s", id, tx.status))
	}
	return tx, false, nil
}

func (d *MemberDecider) chargeCompleted(m *Member, c domain.ChargeCompletedCommand) (command.Decision, error) {
	tx, done, err := settle(m, c.TransactionID, domain.TransactionTypeCharge, domain.TransactionStatusCompleted)
	if err != nil {
		return command.Decision{}, err
	}
	if done {
		return command.Decision{Reply: !tx.errored}, nil
	}
	at := d.timestamp(c.Timestamp)
	if !tx.amount.Equal(c.Amount) {
		return command.Decision{
			Events: []domain.Event{domain.ChargeErrored{
				MemberID:      m.ID,
				TransactionID: c.TransactionID,
				Amount:        c.Amount,
				Reason:        fmt.Sprintf("provider reported %s, expected %s", c.Amount, tx.amount),
				Timestamp:     at,
			}},
			Reply: false,
		}, nil
	}
	return command.Decision{
		Events: []domain.Event{domain.ChargeCompleted{
			MemberID:      m.ID,
			TransactionID: c.TransactionID,
			Amount:        tx.amount,
			Timestamp:     at,
		}},
		Reply: true,
	}, nil
}

func (d *MemberDecider) chargeFailed(m *Member, c domain.ChargeFailedCommand) (command.Decision, error) {
	_, done, err := settle(m, c.TransactionID, domain.TransactionTypeCharge, domain.TransactionStatusFailed)
	if err != nil {
		return command.Decision{}, err
	}
	if done {
		return command.Decision{Reply: true}, nil
	}
	return command.Decision{
		Events: []domain.Event{domain.ChargeFailed{
			MemberID:      m.ID,
			TransactionID: c.TransactionID,
			Timestamp:     d.timestamp(c.Timestamp),
		}},
		Reply: true,
	}, nil
}

func (d *MemberDecider) createPayout(m *Member, c domain.CreatePayoutCommand) (command.Decision, error) {
	if c.TransactionID == uuid.Nil {
		return command.Decision{}, domain.Invalid("transaction_id", "is required")
	}
	if err := c.Amount.Validate(); err != nil {
		return command.Decision{}, domain.Invalid("amount", err.Error())
	}
	if existing, ok := m.transactions[c.TransactionID]; ok {
		if existing.txType != domain.TransactionTypePayout || !existing.amount.Equal(c.Amount) {
			return command.Decision{}, domain.Invalid("transaction_id", "already used by another transaction")
		}
		return command.Decision{Reply: !existing.rejected}, nil
	}

	at := d.timestamp(c.RequestedAt)
	created := domain.PayoutCreated{
		MemberID:      m.ID,
		TransactionID: c.TransactionID,
		Amount:        c.Amount,
		Address:       c.Address,
		CountryCode:   c.CountryCode,
		DateOfBirth:   c.DateOfBirth,
		FirstName:     c.FirstName,
		LastName:      c.LastName,
		Category:      c.Category,
		Timestamp:     at,
	}
	switch {
	case m.latestTrustlyAccount() != nil:
		created.TrustlyAccountID = m.latestTrustlyAccount().accountID
	case m.adyenPayoutAccount != nil:
		created.AdyenShopperReference = m.adyenPayoutAccount.shopperReference
	default:
		return command.Decision{
			Events: []domain.Event{domain.PayoutCreationFailed{
				MemberID:      m.ID,
				TransactionID: c.TransactionID,
				Amount:        c.Amount,
				Timestamp:     at,
				Reason:        reasonNoPayoutAccount,
			}},
			Reply: false,
		}, nil
	}
	return command.Decision{Events: []domain.Event{created}, Reply: true}, nil
}

func (d *MemberDecider) payoutCompleted(m *Member, c domain.PayoutCompletedCommand) (command.Decision, error) {
	tx, done, err := settle(m, c.TransactionID, domain.TransactionTypePayout, domain.TransactionStatusCompleted)
	if err != nil {
		return command.Decision{}, err
	}
	if done {
		return command.Decision{Reply: !tx.errored}, nil
	}
	at := d.timestamp(c.Timestamp)
	if c.Amount.Currency != "" && !tx.amount.Equal(c.Amount) {
		return command.Decision{
			Events: []domain.Event{domain.PayoutErrored{
				MemberID:      m.ID,
				TransactionID: c.TransactionID,
				Amount:        c.Amount,
				Reason:        fmt.Sprintf("provider reported %s, expected %s", c.Amount, tx.amount),
				Timestamp:     at,
			}},
			Reply: false,
		}, nil
	}
	return command.Decision{
		Events: []domain.Event{domain.PayoutCompleted{
			MemberID:      m.ID,
			TransactionID: c.TransactionID,
			Timestamp:     at,
		}},
		Reply: true,
	}, nil
}

func (d *MemberDecider) payoutFailed(m *Member, c domain.PayoutFailedCommand) (command.Decision, error) {
	tx, done, err := settle(m, c.TransactionID, domain.TransactionTypePayout, domain.TransactionStatusFailed)
	if err != nil {
		return command.Decision{}, err
	}
	if done {
		return command.Decision{Reply: true}, nil
	}
	return command.Decision{
		Events: []domain.Event{domain.PayoutFailed{
			MemberID:      m.ID,
			TransactionID: c.TransactionID,
			Amount:        tx.amount,
			Reason:        c.Reason,
			Timestamp:     d.timestamp(c.Timestamp),
		}},
		Reply: true,
	}, nil
}

func (d *MemberDecider) updateTrustlyAccount(m *Member, c domain.UpdateTrustlyAccountCommand) (command.Decision, error) {
	if c.AccountID == "" {
		return command.Decision{}, domain.Invalid("account_id", "is required")
	}
	registration := c.RegistrationOrderID
	if registration == uuid.Nil {
		registration = uuid.NewSHA1(registrationNamespace, []byte(m.ID+"/"+c.AccountID))
	}

	var events []domain.Event
	acct, known := m.trustlyAccounts[registration]
	switch {
	case !known:
		events = append(events, domain.TrustlyAccountCreated{
			MemberID:            m.ID,
			RegistrationOrderID: registration,
			AccountID:           c.AccountID,
			Bank:                c.Bank,
			Descriptor:          c.Descriptor,
			LastDigits:          c.LastDigits,
		})
	case acct.accountID != c.AccountID || acct.bank != c.Bank || acct.descriptor != c.Descriptor ||
		acct.lastDigits != c.LastDigits || m.latestRegistration != registration:
		events = append(events, domain.TrustlyAccountUpdated{
			MemberID:            m.ID,
			RegistrationOrderID: registration,
			AccountID:           c.AccountID,
			Bank:                c.Bank,
			Descriptor:          c.Descriptor,
			LastDigits:          c.LastDigits,
		})
	}

	var current domain.DirectDebitStatus
	if known {
		current = acct.directDebit
	}
	switch {
	case c.DirectDebitMandateActive == nil:
		if current == "" {
			events = append(events, domain.DirectDebitPendingConnection{MemberID: m.ID, RegistrationOrderID: registration, AccountID: c.AccountID})
		}
	case *c.DirectDebitMandateActive:
		if current != domain.DirectDebitConnectedStatus {
			events = append(events, domain.DirectDebitConnected{MemberID: m.ID, RegistrationOrderID: registration, AccountID: c.AccountID})
		}
	default:
		if current != domain.DirectDebitDisconnectedStatus {
			events = append(events, domain.DirectDebitDisconnected{MemberID: m.ID, RegistrationOrderID: registration, AccountID: c.AccountID})
		}
	}

	return command.Decision{Events: events, Reply: registration}, nil
}

func (d *MemberDecider) updateAdyenPayoutAccount(m *Member, c domain.UpdateAdyenPayoutAccountCommand) (command.Decision, error) {
	if c.ShopperReference == "" {
		return command.Decision{}, domain.Invalid("shopper_reference", "is required")
	}
	status := c.Status
	if status == "" {
		status = "ACTIVE"
	}
	switch {
	case m.adyenPayoutAccount == nil:
		return command.Decision{
			Events: []domain.Event{domain.AdyenPayoutAccountCreated{MemberID: m.ID, ShopperReference: c.ShopperReference, Status: status}},
			Reply:  true,
		}, nil
	case m.adyenPayoutAccount.shopperReference != c.ShopperReference || m.adyenPayoutAccount.status != status:
		return command.Decision{
			Events: []domain.Event{domain.AdyenPayoutAccountUpdated{MemberID: m.ID, ShopperReference: c.ShopperReference, Status: status}},
			Reply:  true,
		}, nil
	default:
		return command.Decision{Reply: true}, nil
	}
}
