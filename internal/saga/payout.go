/**
 * @description
 * PayoutSaga drives a payout from PayoutCreated to a terminal outcome. It is
 * correlated by member id: each member has one record holding the active payout
 * and a FIFO queue of payouts waiting for it, so one member never has two
 * provider orders in flight.
 *
 * @notes
 * - The saga stays open after the provider order is requested and only closes
 *   on PayoutCompleted (Ended) or PayoutFailed/PayoutErrored (Failed).
 * - Progress is saved after every step. A redelivered event or a stale-saga
 *   sweep resumes from the saved step instead of repeating it, and the order id
 *   is derived from the transaction id, so provider retries and redeliveries
 *   after pruning reuse the same order and idempotency key.
 * - Transient trouble (command timeouts, exhausted provider retries) leaves the
 *   instance where it is for ResumeStale; it never stalls the consumer group.
 */

package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/payment-service/internal/command"
	"github.com/transfa/payment-service/internal/domain"
	"github.com/transfa/payment-service/internal/eventstore"
	"github.com/transfa/payment-service/internal/provider"
)

const GroupName = "payout-saga"

const reasonMissingReference = "payout has neither a trustly account nor an adyen shopper reference"

type PayoutSaga struct {
	store    Store
	commands command.Dispatcher
	adapters provider.Registry
	retry    provider.RetryPolicy
	logger   *slog.Logger
	now      func() time.Time
	router   *eventstore.Router
	members  *memberLocks
}

func NewPayoutSaga(store Store, commands command.Dispatcher, adapters provider.Registry, retry provider.RetryPolicy, logger *slog.Logger) *PayoutSaga {
	s := &PayoutSaga{
		store:    store,
		commands: commands,
		adapters: adapters,
		retry:    retry,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		members:  newMemberLocks(),
	}
	s.router = eventstore.NewRouter().
		On(domain.EventPayoutCreated, func(ctx context.Context, env eventstore.Envelope) error {
			return s.onPayoutCreated(ctx, env.Event.(domain.PayoutCreated))
		}).
		On(domain.EventPayoutCompleted, func(ctx context.Context, env eventstore.Envelope) error {
			e := env.Event.(domain.PayoutCompleted)
			return s.finish(ctx, e.MemberID, e.TransactionID, StateEnded, "")
		}).
		On(domain.EventPayoutFailed, func(ctx context.Context, env eventstore.Envelope) error {
			e := env.Event.(domain.PayoutFailed)
			return s.finish(ctx, e.MemberID, e.TransactionID, StateFailed, e.Reason)
		}).
		On(domain.EventPayoutErrored, func(ctx context.Context, env eventstore.Envelope) error {
			e := env.Event.(domain.PayoutErrored)
			return s.finish(ctx, e.MemberID, e.TransactionID, StateFailed, e.Reason)
		})
	return s
}

// Handle implements eventstore.Handler.
func (s *PayoutSaga) Handle(ctx context.Context, env eventstore.Envelope) error {
	return s.router.Handle(ctx, env)
}

func (s *PayoutSaga) lockMember(memberID string) func() {
	return s.members.lock(memberID)
}

func (s *PayoutSaga) load(ctx context.Context, memberID string) (*Record, error) {
	rec, err := s.store.Load(ctx, memberID)
	if errors.Is(err, ErrRecordNotFound) {
		return newRecord(memberID), nil
	}
	return rec, err
}

func (s *PayoutSaga) save(ctx context.Context, rec *Record) error {
	rec.UpdatedAt = s.now()
	if err := s.store.Save(ctx, rec); err != nil {
		return fmt.Errorf("save payout saga %s: %w", rec.MemberID, err)
	}
	return nil
}

func (s *PayoutSaga) onPayoutCreated(ctx context.Context, e domain.PayoutCreated) error {
	unlock := s.lockMember(e.MemberID)
	defer unlock()

	rec, err := s.load(ctx, e.MemberID)
	if err != nil {
		return err
	}

	if inst, ok := rec.Instances[e.TransactionID]; ok {
		if rec.Active == inst.TransactionID && !inst.State.Terminal() {
			return s.advance(ctx, rec, inst)
		}
		s.logger.Info("duplicate PayoutCreated ignored", "member_id", e.MemberID, "transaction_id", e.TransactionID, "state", inst.State)
		return nil
	}

	now := s.now()
	inst := &Instance{
		TransactionID: e.TransactionID,
		Amount:        e.Amount,
		Address:       e.Address,
		CountryCode:   e.CountryCode,
		DateOfBirth:   e.DateOfBirth,
		FirstName:     e.FirstName,
		LastName:      e.LastName,
		Category:      e.Category,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	rec.Instances[inst.TransactionID] = inst

	switch {
	case e.TrustlyAccountID != "" && e.AdyenShopperReference != "":
		s.logger.Warn("payout carries both provider references, using trustly",
			"member_id", e.MemberID,
			"transaction_id", e.TransactionID,
		)
		inst.Provider, inst.AccountRef = domain.ProviderTrustly, e.TrustlyAccountID
	case e.TrustlyAccountID != "":
		inst.Provider, inst.AccountRef = domain.ProviderTrustly, e.TrustlyAccountID
	case e.AdyenShopperReference != "":
		inst.Provider, inst.AccountRef = domain.ProviderAdyen, e.AdyenShopperReference
	default:
		inst.State = StateFailed
		inst.FailureReason = reasonMissingReference
		s.logger.Error("payout saga failed", "member_id", e.MemberID, "transaction_id", e.TransactionID, "reason", reasonMissingReference)
		return s.save(ctx, rec)
	}

	if current := rec.active(); current != nil && !current.State.Terminal() {
		inst.State = StateQueued
		rec.Queue = append(rec.Queue, inst.TransactionID)
		s.logger.Info("payout queued behind active payout",
			"member_id", e.MemberID,
			"transaction_id", e.TransactionID,
			"active_transaction_id", current.TransactionID,
		)
		return s.save(ctx, rec)
	}

	inst.State = StateStarted
	rec.Active = inst.TransactionID
	if err := s.save(ctx, rec); err != nil {
		return err
	}
	return s.advance(ctx, rec, inst)
}

// advance runs the instance forward until it waits for the provider's outcome,
// fails, or hits trouble that ResumeStale will retry.
func (s *PayoutSaga) advance(ctx context.Context, rec *Record, inst *Instance) error {
	log := s.logger.With("member_id", rec.MemberID, "transaction_id", inst.TransactionID)

	for {
		if inst.State.Terminal() {
			if inst.NeedsFailureReport {
				if err := s.reportFailure(ctx, rec, inst); err != nil {
					return err
				}
			}
			return s.startNext(ctx, rec)
		}

		switch inst.State {
		case StateStarted:
			fresh := inst.OrderID == uuid.Nil
			if fresh {
				inst.OrderID = domain.PayoutOrderID(inst.TransactionID)
				if err := s.save(ctx, rec); err != nil {
					return err
				}
			}
			status, err := command.SendAndWaitAs[domain.PayoutOrderStatus](ctx, s.commands, domain.CreatePayoutOrderCommand{
				OrderID:       inst.OrderID,
				TransactionID: inst.TransactionID,
				MemberID:      rec.MemberID,
				Provider:      inst.Provider,
				Amount:        inst.Amount,
				AccountRef:    inst.AccountRef,
				Address:       inst.Address,
				CountryCode:   inst.CountryCode,
				DateOfBirth:   inst.DateOfBirth,
				FirstName:     inst.FirstName,
				LastName:      inst.LastName,
			})
			if err != nil {
				if errors.Is(err, domain.ErrValidation) {
					s.markFailed(rec, inst, "payout order rejected: "+err.Error())
					continue
				}
				log.Warn("create payout order failed, will resume later", "order_id", inst.OrderID, "error", err)
				return nil
			}
			if fresh && !status.Created {
				// An earlier instance for this transaction ran and was pruned.
				log.Warn("payout order already exists, closing without provider call",
					"order_id", status.OrderID,
					"provider_order_id", status.ProviderOrderID,
				)
				inst.ProviderOrderID = status.ProviderOrderID
				inst.State = StateEnded
				inst.UpdatedAt = s.now()
				continue
			}
			inst.OrderID = status.OrderID
			inst.State = StateOrderCreated
			if err := s.save(ctx, rec); err != nil {
				return err
			}
			log.Info("payout order created", "order_id", status.OrderID, "provider", inst.Provider)

		case StateOrderCreated:
			done, err := s.requestProviderOrder(ctx, rec, inst, log)
			if err != nil || !done {
				return err
			}

		case StateProviderOrderRequested, StateQueued:
			return nil

		default:
			return fmt.Errorf("payout saga %s: unknown state %q", rec.MemberID, inst.State)
		}
	}
}

// requestProviderOrder performs the provider side of StateOrderCreated. Each
// sub-step is recorded so a resume skips what already happened.
func (s *PayoutSaga) requestProviderOrder(ctx context.Context, rec *Record, inst *Instance, log *slog.Logger) (bool, error) {
	adapter, err := s.adapters.Get(inst.Provider)
	if err != nil {
		s.markFailed(rec, inst, err.Error())
		return true, nil
	}

	if inst.ProviderOrderID == "" {
		req := provider.PayoutRequest{
			MemberID:    rec.MemberID,
			Amount:      inst.Amount,
			AccountRef:  inst.AccountRef,
			Address:     inst.Address,
			CountryCode: inst.CountryCode,
			DateOfBirth: inst.DateOfBirth,
			FirstName:   inst.FirstName,
			LastName:    inst.LastName,
			Category:    inst.Category,
		}
		resp, err := provider.Retry(ctx, s.retry, log, func(ctx context.Context) (*provider.PayoutOrderResponse, error) {
			return adapter.StartPayoutOrder(ctx, req, inst.OrderID)
		})
		if err != nil {
			if provider.IsTerminal(err) {
				s.markFailed(rec, inst, err.Error())
				return true, nil
			}
			log.Warn("provider payout order failed, will resume later", "order_id", inst.OrderID, "error", err)
			return false, nil
		}
		inst.ProviderOrderID = resp.ProviderOrderID
		inst.RequiresConfirmation = resp.RequiresConfirmation
		if err := s.save(ctx, rec); err != nil {
			return false, err
		}
	}

	if !inst.ProviderOrderStored {
		if _, err := s.commands.SendAndWait(ctx, domain.AssignProviderOrderIDCommand{
			OrderID:         inst.OrderID,
			ProviderOrderID: inst.ProviderOrderID,
		}); err != nil {
			log.Warn("storing provider order id failed, will resume later", "order_id", inst.OrderID, "error", err)
			return false, nil
		}
		inst.ProviderOrderStored = true
		if err := s.save(ctx, rec); err != nil {
			return false, err
		}
	}

	if inst.RequiresConfirmation && !inst.Confirmed {
		confirmer, ok := adapter.(provider.Confirmer)
		if !ok {
			s.markFailed(rec, inst, fmt.Sprintf("%s order requires confirmation but adapter cannot confirm", inst.Provider))
			return true, nil
		}
		if _, err := s.commands.SendAndWait(ctx, domain.ConfirmPayoutOrderCommand{OrderID: inst.OrderID}); err != nil {
			log.Warn("confirm payout order command failed, will resume later", "order_id", inst.OrderID, "error", err)
			return false, nil
		}
		_, err := provider.Retry(ctx, s.retry, log, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, confirmer.ConfirmPayout(ctx, inst.ProviderOrderID, inst.OrderID)
		})
		if err != nil {
			if provider.IsTerminal(err) {
				s.markFailed(rec, inst, err.Error())
				return true, nil
			}
			log.Warn("provider confirmation failed, will resume later", "order_id", inst.OrderID, "error", err)
			return false, nil
		}
		inst.Confirmed = true
	}

	inst.State = StateProviderOrderRequested
	if err := s.save(ctx, rec); err != nil {
		return false, err
	}
	log.Info("provider payout order requested", "order_id", inst.OrderID, "provider_order_id", inst.ProviderOrderID)
	return true, nil
}

// markFailed records a failure decided by the saga. The member aggregate still
// has to hear about it, which reportFailure does.
func (s *PayoutSaga) markFailed(rec *Record, inst *Instance, reason string) {
	inst.State = StateFailed
	inst.FailureReason = reason
	inst.NeedsFailureReport = true
	inst.UpdatedAt = s.now()
	s.logger.Error("payout saga failed", "member_id", rec.MemberID, "transaction_id", inst.TransactionID, "reason", reason)
}

func (s *PayoutSaga) reportFailure(ctx context.Context, rec *Record, inst *Instance) error {
	_, err := s.commands.SendAndWait(ctx, domain.PayoutFailedCommand{
		MemberID:      rec.MemberID,
		TransactionID: inst.TransactionID,
		Amount:        inst.Amount,
		Reason:        inst.FailureReason,
	})
	if err != nil && !errors.Is(err, domain.ErrValidation) {
		s.logger.Warn("reporting payout failure failed, will resume later",
			"member_id", rec.MemberID,
			"transaction_id", inst.TransactionID,
			"error", err,
		)
		return s.save(ctx, rec)
	}
	inst.NeedsFailureReport = false
	return s.save(ctx, rec)
}

// startNext releases the active slot if its payout is over and starts the next queued one.
func (s *PayoutSaga) startNext(ctx context.Context, rec *Record) error {
	if current := rec.active(); current != nil && !current.State.Terminal() {
		return nil
	}
	if current := rec.active(); current != nil && current.NeedsFailureReport {
		return nil
	}
	rec.Active = uuid.Nil

	for len(rec.Queue) > 0 {
		next := rec.Instances[rec.Queue[0]]
		rec.Queue = rec.Queue[1:]
		if next == nil || next.State != StateQueued {
			continue
		}
		next.State = StateStarted
		next.UpdatedAt = s.now()
		rec.Active = next.TransactionID
		if err := s.save(ctx, rec); err != nil {
			return err
		}
		return s.advance(ctx, rec, next)
	}
	return s.save(ctx, rec)
}

// finish closes a payout when its outcome event arrives.
func (s *PayoutSaga) finish(ctx context.Context, memberID string, txID uuid.UUID, state State, reason string) error {
	unlock := s.lockMember(memberID)
	defer unlock()

	rec, err := s.store.Load(ctx, memberID)
	if errors.Is(err, ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	inst, ok := rec.Instances[txID]
	if !ok {
		return nil
	}
	if inst.State.Terminal() {
		if inst.NeedsFailureReport && state == StateFailed {
			inst.NeedsFailureReport = false
			if err := s.save(ctx, rec); err != nil {
				return err
			}
			return s.startNext(ctx, rec)
		}
		return nil
	}

	wasQueued := inst.State == StateQueued
	inst.State = state
	inst.FailureReason = reason
	inst.UpdatedAt = s.now()
	s.logger.Info("payout saga closed",
		"member_id", memberID,
		"transaction_id", txID,
		"state", state,
		"provider_order_id", inst.ProviderOrderID,
	)
	if wasQueued {
		rec.removeQueued(txID)
		return s.save(ctx, rec)
	}
	if rec.Active != txID {
		return s.save(ctx, rec)
	}
	return s.startNext(ctx, rec)
}

// ResumeStale continues active payouts that have not moved for longer than olderThan.
func (s *PayoutSaga) ResumeStale(ctx context.Context, olderThan time.Duration) (int, error) {
	members, err := s.store.List(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := s.now().Add(-olderThan)
	resumed := 0
	for _, memberID := range members {
		if ctx.Err() != nil {
			return resumed, ctx.Err()
		}
		ok, err := s.resumeMember(ctx, memberID, cutoff)
		if err != nil {
			s.logger.Error("resume payout saga failed", "member_id", memberID, "error", err)
			continue
		}
		if ok {
			resumed++
		}
	}
	return resumed, nil
}

func (s *PayoutSaga) resumeMember(ctx context.Context, memberID string, cutoff time.Time) (bool, error) {
	unlock := s.lockMember(memberID)
	defer unlock()

	rec, err := s.store.Load(ctx, memberID)
	if errors.Is(err, ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if rec.UpdatedAt.After(cutoff) {
		return false, nil
	}
	inst := rec.active()
	if inst == nil {
		if len(rec.Queue) == 0 {
			return false, nil
		}
		return true, s.startNext(ctx, rec)
	}
	if inst.State == StateProviderOrderRequested {
		return false, nil
	}
	s.logger.Info("resuming stale payout saga", "member_id", memberID, "transaction_id", inst.TransactionID, "state", inst.State)
	return true, s.advance(ctx, rec, inst)
}

// PruneEnded drops terminal instances older than retention and deletes empty records.
func (s *PayoutSaga) PruneEnded(ctx context.Context, retention time.Duration) (int, error) {
	members, err := s.store.List(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := s.now().Add(-retention)
	pruned := 0
	for _, memberID := range members {
		n, err := s.pruneMember(ctx, memberID, cutoff)
		if err != nil {
			s.logger.Error("prune payout saga failed", "member_id", memberID, "error", err)
			continue
		}
		pruned += n
	}
	return pruned, nil
}

func (s *PayoutSaga) pruneMember(ctx context.Context, memberID string, cutoff time.Time) (int, error) {
	unlock := s.lockMember(memberID)
	defer unlock()

	rec, err := s.store.Load(ctx, memberID)
	if errors.Is(err, ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	pruned := 0
	for id, inst := range rec.Instances {
		if id == rec.Active || !inst.State.Terminal() || inst.NeedsFailureReport || inst.UpdatedAt.After(cutoff) {
			continue
		}
		delete(rec.Instances, id)
		pruned++
	}
	if len(rec.Instances) == 0 {
		return pruned, s.store.Delete(ctx, memberID)
	}
	if pruned == 0 {
		return 0, nil
	}
	return pruned, s.save(ctx, rec)
}

// Get returns the member's saga record.
func (s *PayoutSaga) Get(ctx context.Context, memberID string) (*Record, error) {
	return s.store.Load(ctx, memberID)
}
