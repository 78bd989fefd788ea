package projection

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/transfa/payment-service/internal/aggregate"
	"github.com/transfa/payment-service/internal/command"
	"github.com/transfa/payment-service/internal/domain"
	"github.com/transfa/payment-service/internal/eventstore"
	"github.com/transfa/payment-service/internal/store"
)

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	events     *eventstore.MemoryStore
	gateway    *command.Gateway
	bus        *eventstore.Bus
	repo       *store.MemoryRepository
	projection *MemberProjection
	queries    *Queries
	position   int64
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &harness{
		events: eventstore.NewMemoryStore(),
		repo:   store.NewMemoryRepository(),
	}
	h.gateway = command.NewGateway(h.events, logger, command.Config{Timeout: time.Second, MaxConflictRetries: 3})
	require.NoError(t, aggregate.Register(h.gateway, func() time.Time { return fixedNow }))

	h.projection = NewMemberProjection(h.repo, logger)
	h.bus = eventstore.NewBus(h.events, eventstore.NewMemoryCheckpoints(), logger)
	require.NoError(t, h.bus.Subscribe(GroupName, h.projection))
	h.queries = NewQueries(h.repo, h.bus)
	return h
}

func (h *harness) send(t *testing.T, cmd domain.Command) any {
	t.Helper()
	reply, err := h.gateway.SendAndWait(context.Background(), cmd)
	require.NoError(t, err)
	return reply
}

// catchUp feeds the projection every event appended since the last call.
func (h *harness) catchUp(t *testing.T) {
	t.Helper()
	envs, err := h.events.ReadAll(context.Background(), h.position, 1000)
	require.NoError(t, err)
	for _, env := range envs {
		require.NoError(t, h.projection.Handle(context.Background(), env))
		h.position = env.Position
	}
}

func (h *harness) connectDirectDebit(t *testing.T, memberID string) {
	t.Helper()
	active := true
	h.send(t, domain.UpdateTrustlyAccountCommand{
		MemberID:                 memberID,
		RegistrationOrderID:      uuid.New(),
		AccountID:                "acct-1",
		Bank:                     "Handelsbanken",
		Descriptor:               "**1234",
		LastDigits:               "1234",
		DirectDebitMandateActive: &active,
	})
}

func TestChargeLifecycleIsProjected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.send(t, domain.CreateMemberCommand{MemberID: "m1"})
	h.catchUp(t)
	member, err := h.queries.GetMember(ctx, "m1")
	require.NoError(t, err)
	assert.Empty(t, member.Transactions)

	h.connectDirectDebit(t, "m1")
	txID := uuid.New()
	reply := h.send(t, domain.CreateChargeCommand{MemberID: "m1", TransactionID: txID, Amount: domain.MustMoney("100", "SEK")})
	require.True(t, reply.(domain.ChargeResult).Success())
	h.catchUp(t)

	tx, err := h.queries.GetTransaction(ctx, "m1", txID)
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionStatusInitiated, tx.Status)
	assert.Equal(t, domain.TransactionTypeCharge, tx.Type)
	assert.True(t, tx.Amount.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, "SEK", tx.Currency)

	h.send(t, domain.ChargeCompletedCommand{MemberID: "m1", TransactionID: txID, Amount: domain.MustMoney("100", "SEK")})
	h.catchUp(t)

	tx, err = h.queries.GetTransaction(ctx, "m1", txID)
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionStatusCompleted, tx.Status)

	member, err = h.queries.GetMember(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "acct-1", member.TrustlyAccountNumber)
	assert.Equal(t, "Handelsbanken", member.Bank)
	assert.Equal(t, "**1234", member.Descriptor)
	assert.Equal(t, domain.DirectDebitConnectedStatus, member.DirectDebitStatus)
}

func TestUnknownTransactionUpdateIsSkipped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.send(t, domain.CreateMemberCommand{MemberID: "m1"})
	h.connectDirectDebit(t, "m1")
	txID := uuid.New()
	h.send(t, domain.CreateChargeCommand{MemberID: "m1", TransactionID: txID, Amount: domain.MustMoney("100", "SEK")})
	h.catchUp(t)

	stray := domain.ChargeCompleted{MemberID: "m1", TransactionID: uuid.New(), Amount: domain.MustMoney("5", "SEK")}
	err := h.projection.Handle(ctx, eventstore.Envelope{Type: stray.EventType(), Event: stray})
	require.NoError(t, err)

	member, err := h.queries.GetMember(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, member.Transactions, 1)
	assert.Equal(t, domain.TransactionStatusInitiated, member.Transactions[txID].Status)
}

func TestEventsForUnknownMemberAreSkipped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	events := []domain.Event{
		domain.ChargeCreated{MemberID: "ghost", TransactionID: uuid.New(), Amount: domain.MustMoney("1", "SEK")},
		domain.DirectDebitConnected{MemberID: "ghost", AccountID: "acct"},
		domain.TrustlyAccountUpdated{MemberID: "ghost", AccountID: "acct"},
	}
	for _, evt := range events {
		require.NoError(t, h.projection.Handle(ctx, eventstore.Envelope{Type: evt.EventType(), Event: evt}))
	}
	_, err := h.queries.GetMember(ctx, "ghost")
	assert.ErrorIs(t, err, domain.ErrMemberNotFound)
}

func TestRedeliveredEventsAreIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.send(t, domain.CreateMemberCommand{MemberID: "m1"})
	h.connectDirectDebit(t, "m1")
	txID := uuid.New()
	h.send(t, domain.CreateChargeCommand{MemberID: "m1", TransactionID: txID, Amount: domain.MustMoney("100", "SEK")})
	h.send(t, domain.ChargeCompletedCommand{MemberID: "m1", TransactionID: txID, Amount: domain.MustMoney("100", "SEK")})
	h.catchUp(t)
	first, err := h.queries.GetMember(ctx, "m1")
	require.NoError(t, err)

	// deliver the whole log a second time
	envs, err := h.events.ReadAll(ctx, 0, 1000)
	require.NoError(t, err)
	for _, env := range envs {
		require.NoError(t, h.projection.Handle(ctx, env))
	}

	second, err := h.queries.GetMember(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, domain.TransactionStatusCompleted, second.Transactions[txID].Status)
}

func TestTerminalStatusIsNotOverwritten(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, _ = h.repo.CreateMember(ctx, "m1")
	txID := uuid.New()
	created := domain.PayoutCreated{MemberID: "m1", TransactionID: txID, Amount: domain.MustMoney("50", "EUR")}
	failed := domain.PayoutFailed{MemberID: "m1", TransactionID: txID}
	completed := domain.PayoutCompleted{MemberID: "m1", TransactionID: txID}

	for _, evt := range []domain.Event{created, failed, completed} {
		require.NoError(t, h.projection.Handle(ctx, eventstore.Envelope{Type: evt.EventType(), Event: evt}))
	}

	tx, err := h.queries.GetTransaction(ctx, "m1", txID)
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionStatusFailed, tx.Status)
	assert.Equal(t, domain.TransactionTypePayout, tx.Type)
}

func TestCompletedPayoutKeepsRecordedAmount(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, _ = h.repo.CreateMember(ctx, "m1")
	txID := uuid.New()
	created := domain.PayoutCreated{MemberID: "m1", TransactionID: txID, Amount: domain.MustMoney("1.235", "BHD")}
	completed := domain.PayoutCompleted{MemberID: "m1", TransactionID: txID}

	for _, evt := range []domain.Event{created, completed} {
		require.NoError(t, h.projection.Handle(ctx, eventstore.Envelope{Type: evt.EventType(), Event: evt}))
	}

	tx, err := h.queries.GetTransaction(ctx, "m1", txID)
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionStatusCompleted, tx.Status)
	assert.Equal(t, "1.235", tx.Amount.String())
	assert.Equal(t, "BHD", tx.Currency)
}

func TestErroredChargeIsProjectedAsFailed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.send(t, domain.CreateMemberCommand{MemberID: "m1"})
	h.connectDirectDebit(t, "m1")
	txID := uuid.New()
	h.send(t, domain.CreateChargeCommand{MemberID: "m1", TransactionID: txID, Amount: domain.MustMoney("100", "SEK")})
	h.send(t, domain.ChargeCompletedCommand{MemberID: "m1", TransactionID: txID, Amount: domain.MustMoney("90", "SEK")})
	h.catchUp(t)

	tx, err := h.queries.GetTransaction(ctx, "m1", txID)
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionStatusFailed, tx.Status)
}

func TestResetViewRebuildsSameState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.send(t, domain.CreateMemberCommand{MemberID: "m1"})
	h.send(t, domain.CreateMemberCommand{MemberID: "m2"})
	h.connectDirectDebit(t, "m1")
	charge := uuid.New()
	h.send(t, domain.CreateChargeCommand{MemberID: "m1", TransactionID: charge, Amount: domain.MustMoney("100", "SEK")})
	h.send(t, domain.ChargeFailedCommand{MemberID: "m1", TransactionID: charge})
	payout := uuid.New()
	h.send(t, domain.CreatePayoutCommand{MemberID: "m1", TransactionID: payout, Amount: domain.MustMoney("50", "SEK"), Category: "CLAIM"})
	h.catchUp(t)

	before, err := h.queries.GetMember(ctx, "m1")
	require.NoError(t, err)

	require.NoError(t, h.queries.ResetView(ctx))

	after, err := h.queries.GetMember(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, before, after)
	_, err = h.queries.GetMember(ctx, "m2")
	assert.NoError(t, err)
}
