/**
 * @description
 * The member projection folds the payment event stream into the member view.
 * It runs as its own consumer group on the bus, so it sees every member's
 * events in stream order and may see any of them more than once.
 *
 * @notes
 * - Every handler is idempotent: creation events never overwrite existing rows,
 *   and status changes only move a transaction from INITIATED to a terminal status.
 * - An update for a member or transaction the view does not know is logged at
 *   error level and skipped. Storage errors are returned so the bus redelivers.
 */

package projection

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/transfa/payment-service/internal/domain"
	"github.com/transfa/payment-service/internal/eventstore"
	"github.com/transfa/payment-service/internal/store"
)

const GroupName = "member-projection"

type MemberProjection struct {
	repo   store.Repository
	logger *slog.Logger
	router *eventstore.Router
}

func NewMemberProjection(repo store.Repository, logger *slog.Logger) *MemberProjection {
	p := &MemberProjection{repo: repo, logger: logger}
	p.router = eventstore.NewRouter().
		On(domain.EventMemberCreated, func(ctx context.Context, env eventstore.Envelope) error {
			return p.memberCreated(ctx, env.Event.(domain.MemberCreated))
		}).
		On(domain.EventChargeCreated, func(ctx context.Context, env eventstore.Envelope) error {
			e := env.Event.(domain.ChargeCreated)
			return p.transactionCreated(ctx, e.MemberID, e.TransactionID, domain.TransactionTypeCharge, e.Amount, e)
		}).
		On(domain.EventPayoutCreated, func(ctx context.Context, env eventstore.Envelope) error {
			e := env.Event.(domain.PayoutCreated)
			return p.transactionCreated(ctx, e.MemberID, e.TransactionID, domain.TransactionTypePayout, e.Amount, e)
		}).
		On(domain.EventChargeCompleted, func(ctx context.Context, env eventstore.Envelope) error {
			e := env.Event.(domain.ChargeCompleted)
			return p.settle(ctx, env, e.MemberID, e.TransactionID, domain.TransactionStatusCompleted)
		}).
		On(domain.EventPayoutCompleted, func(ctx context.Context, env eventstore.Envelope) error {
			e := env.Event.(domain.PayoutCompleted)
			return p.settle(ctx, env, e.MemberID, e.TransactionID, domain.TransactionStatusCompleted)
		}).
		On(domain.EventChargeFailed, func(ctx context.Context, env eventstore.Envelope) error {
			e := env.Event.(domain.ChargeFailed)
			return p.settle(ctx, env, e.MemberID, e.TransactionID, domain.TransactionStatusFailed)
		}).
		On(domain.EventPayoutFailed, func(ctx context.Context, env eventstore.Envelope) error {
			e := env.Event.(domain.PayoutFailed)
			return p.settle(ctx, env, e.MemberID, e.TransactionID, domain.TransactionStatusFailed)
		}).
		On(domain.EventChargeErrored, func(ctx context.Context, env eventstore.Envelope) error {
			e := env.Event.(domain.ChargeErrored)
			return p.settle(ctx, env, e.MemberID, e.TransactionID, domain.TransactionStatusFailed)
		}).
		On(domain.EventPayoutErrored, func(ctx context.Context, env eventstore.Envelope) error {
			e := env.Event.(domain.PayoutErrored)
			return p.settle(ctx, env, e.MemberID, e.TransactionID, domain.TransactionStatusFailed)
		}).
		On(domain.EventTrustlyAccountCreated, func(ctx context.Context, env eventstore.Envelope) error {
			e := env.Event.(domain.TrustlyAccountCreated)
			return p.account(ctx, env, e.MemberID, store.AccountDetails{AccountNumber: e.AccountID, Bank: e.Bank, Descriptor: e.Descriptor, LastDigits: e.LastDigits})
		}).
		On(domain.EventTrustlyAccountUpdated, func(ctx context.Context, env eventstore.Envelope) error {
			e := env.Event.(domain.TrustlyAccountUpdated)
			return p.account(ctx, env, e.MemberID, store.AccountDetails{AccountNumber: e.AccountID, Bank: e.Bank, Descriptor: e.Descriptor, LastDigits: e.LastDigits})
		}).
		On(domain.EventDirectDebitConnected, func(ctx context.Context, env eventstore.Envelope) error {
			return p.directDebit(ctx, env, env.Event.CorrelationID(), domain.DirectDebitConnectedStatus)
		}).
		On(domain.EventDirectDebitPendingConnection, func(ctx context.Context, env eventstore.Envelope) error {
			return p.directDebit(ctx, env, env.Event.CorrelationID(), domain.DirectDebitPendingStatus)
		}).
		On(domain.EventDirectDebitDisconnected, func(ctx context.Context, env eventstore.Envelope) error {
			return p.directDebit(ctx, env, env.Event.CorrelationID(), domain.DirectDebitDisconnectedStatus)
		})
	return p
}

// Handle implements eventstore.Handler.
func (p *MemberProjection) Handle(ctx context.Context, env eventstore.Envelope) error {
	return p.router.Handle(ctx, env)
}

// Reset implements eventstore.Resetter by deleting the whole view.
func (p *MemberProjection) Reset(ctx context.Context) error {
	p.logger.Warn("resetting member view")
	return p.repo.Reset(ctx)
}

func (p *MemberProjection) memberCreated(ctx context.Context, e domain.MemberCreated) error {
	created, err := p.repo.CreateMember(ctx, e.MemberID)
	if err != nil {
		return err
	}
	if !created {
		p.logger.Debug("member already in view", "member_id", e.MemberID)
	}
	return nil
}

func (p *MemberProjection) transactionCreated(ctx context.Context, memberID string, txID uuid.UUID, txType domain.TransactionType, amount domain.Money, evt domain.Event) error {
	tx := &domain.Transaction{
		ID:       txID,
		Amount:   amount.Amount,
		Currency: amount.Currency,
		Type:     txType,
		Status:   domain.TransactionStatusInitiated,
	}
	switch e := evt.(type) {
	case domain.ChargeCreated:
		tx.Timestamp = e.Timestamp
	case domain.PayoutCreated:
		tx.Timestamp = e.Timestamp
	}

	inserted, err := p.repo.CreateTransaction(ctx, memberID, tx)
	if errors.Is(err, domain.ErrMemberNotFound) {
		p.logger.Error("transaction for unknown member skipped",
			"member_id", memberID,
			"transaction_id", txID,
			"event_type", evt.EventType(),
		)
		return nil
	}
	if err != nil {
		return err
	}
	if !inserted {
		p.logger.Info("transaction already in view", "member_id", memberID, "transaction_id", txID)
	}
	return nil
}

func (p *MemberProjection) settle(ctx context.Context, env eventstore.Envelope, memberID string, txID uuid.UUID, next domain.TransactionStatus) error {
	log := p.logger.With("member_id", memberID, "transaction_id", txID, "event_type", env.Type, "position", env.Position)

	tx, err := p.repo.FindTransaction(ctx, memberID, txID)
	if errors.Is(err, domain.ErrMemberNotFound) || errors.Is(err, domain.ErrTransactionNotFound) {
		log.Error("status update for unknown transaction skipped", "error", err)
		return nil
	}
	if err != nil {
		return err
	}
	if tx.Status == next {
		return nil
	}
	if !tx.Status.CanTransitionTo(next) {
		log.Warn("ignoring status change out of terminal status", "current_status", tx.Status, "next_status", next)
		return nil
	}
	if err := p.repo.UpdateTransactionStatus(ctx, memberID, txID, next); err != nil {
		if errors.Is(err, domain.ErrTransactionNotFound) {
			log.Error("status update for unknown transaction skipped", "error", err)
			return nil
		}
		return err
	}
	return nil
}

func (p *MemberProjection) account(ctx context.Context, env eventstore.Envelope, memberID string, details store.AccountDetails) error {
	err := p.repo.UpdateMemberAccount(ctx, memberID, details)
	if errors.Is(err, domain.ErrMemberNotFound) {
		p.logger.Error("account update for unknown member skipped", "member_id", memberID, "event_type", env.Type)
		return nil
	}
	return err
}

func (p *MemberProjection) directDebit(ctx context.Context, env eventstore.Envelope, memberID string, status domain.DirectDebitStatus) error {
	err := p.repo.UpdateDirectDebitStatus(ctx, memberID, status)
	if errors.Is(err, domain.ErrMemberNotFound) {
		p.logger.Error("direct debit update for unknown member skipped", "member_id", memberID, "event_type", env.Type)
		return nil
	}
	return err
}
