package aggregate

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/transfa/payment-service/internal/command"
	"github.com/transfa/payment-service/internal/domain"
	"github.com/transfa/payment-service/internal/eventstore"
)

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	store *eventstore.MemoryStore
	gw    *command.Gateway
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := eventstore.NewMemoryStore()
	gw := command.NewGateway(store, slog.New(slog.NewTextHandler(io.Discard, nil)), command.Config{Timeout: time.Second, MaxConflictRetries: 3})
	require.NoError(t, Register(gw, func() time.Time { return fixedNow }))
	return &harness{store: store, gw: gw}
}

func (h *harness) send(t *testing.T, cmd domain.Command) any {
	t.Helper()
	reply, err := h.gw.SendAndWait(context.Background(), cmd)
	require.NoError(t, err)
	return reply
}

func (h *harness) events(t *testing.T, stream string) []domain.Event {
	t.Helper()
	envs, _, err := h.store.Load(context.Background(), stream)
	require.NoError(t, err)
	out := make([]domain.Event, 0, len(envs))
	for _, env := range envs {
		out = append(out, env.Event)
	}
	return out
}

func boolPtr(v bool) *bool { return &v }

func (h *harness) memberWithDirectDebit(t *testing.T, id string) {
	t.Helper()
	h.send(t, domain.CreateMemberCommand{MemberID: id})
	h.send(t, domain.UpdateTrustlyAccountCommand{
		MemberID:                 id,
		RegistrationOrderID:      uuid.New(),
		AccountID:                "acct-1",
		Bank:                     "Handelsbanken",
		Descriptor:               "**1234",
		DirectDebitMandateActive: boolPtr(true),
	})
}

func TestCreateMemberIsIdempotent(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, true, h.send(t, domain.CreateMemberCommand{MemberID: "m1"}))
	assert.Equal(t, false, h.send(t, domain.CreateMemberCommand{MemberID: "m1"}))
	assert.Len(t, h.events(t, "member-m1"), 1)
}

func TestCommandsOnUnknownMemberAreRejected(t *testing.T) {
	h := newHarness(t)
	_, err := h.gw.SendAndWait(context.Background(), domain.CreateChargeCommand{
		MemberID:      "ghost",
		TransactionID: uuid.New(),
		Amount:        domain.MustMoney("100", "SEK"),
	})
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestCreateChargeRequiresConnectedDirectDebit(t *testing.T) {
	h := newHarness(t)
	h.send(t, domain.CreateMemberCommand{MemberID: "m1"})

	tx1 := uuid.New()
	result := h.send(t, domain.CreateChargeCommand{MemberID: "m1", TransactionID: tx1, Amount: domain.MustMoney("100", "SEK")})
	assert.Equal(t, domain.ChargeResult{TransactionID: tx1, Type: domain.ChargeResultNoPayinMethod}, result)

	h.send(t, domain.UpdateTrustlyAccountCommand{MemberID: "m1", RegistrationOrderID: uuid.New(), AccountID: "acct-1"})
	tx2 := uuid.New()
	result = h.send(t, domain.CreateChargeCommand{MemberID: "m1", TransactionID: tx2, Amount: domain.MustMoney("100", "SEK")})
	assert.Equal(t, domain.ChargeResult{TransactionID: tx2, Type: domain.ChargeResultNoDirectDebit}, result)

	events := h.events(t, "member-m1")
	require.IsType(t, domain.ChargeCreationFailed{}, events[len(events)-1])
	assert.Equal(t, reasonNoDirectDebit, events[len(events)-1].(domain.ChargeCreationFailed).Reason)
}

func TestCreateChargeIsIdempotentPerTransactionID(t *testing.T) {
	h := newHarness(t)
	h.memberWithDirectDebit(t, "m1")

	tx := uuid.New()
	cmd := domain.CreateChargeCommand{MemberID: "m1", TransactionID: tx, Amount: domain.MustMoney("100", "SEK"), PayerReference: "ref-1"}
	first := h.send(t, cmd)
	second := h.send(t, cmd)
	assert.Equal(t, first, second)
	assert.True(t, first.(domain.ChargeResult).Success())

	var created int
	for _, evt := range h.events(t, "member-m1") {
		if c, ok := evt.(domain.ChargeCreated); ok {
			created++
			assert.Equal(t, "acct-1", c.ProviderAccountRef)
			assert.Equal(t, domain.ProviderTrustly, c.Provider)
			assert.Equal(t, fixedNow, c.Timestamp)
		}
	}
	assert.Equal(t, 1, created)

	_, err := h.gw.SendAndWait(context.Background(), domain.CreatePayoutCommand{MemberID: "m1", TransactionID: tx, Amount: domain.MustMoney("100", "SEK")})
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestChargeStatusIsForwardOnly(t *testing.T) {
	h := newHarness(t)
	h.memberWithDirectDebit(t, "m1")
	tx := uuid.New()
	h.send(t, domain.CreateChargeCommand{MemberID: "m1", TransactionID: tx, Amount: domain.MustMoney("100", "SEK")})

	assert.Equal(t, true, h.send(t, domain.ChargeCompletedCommand{MemberID: "m1", TransactionID: tx, Amount: domain.MustMoney("100.00", "SEK")}))
	// Redelivered notification.
	assert.Equal(t, true, h.send(t, domain.ChargeCompletedCommand{MemberID: "m1", TransactionID: tx, Amount: domain.MustMoney("100", "SEK")}))

	_, err := h.gw.SendAndWait(context.Background(), domain.ChargeFailedCommand{MemberID: "m1", TransactionID: tx})
	require.ErrorIs(t, err, domain.ErrValidation)

	_, err = h.gw.SendAndWait(context.Background(), domain.ChargeCompletedCommand{MemberID: "m1", TransactionID: uuid.New(), Amount: domain.MustMoney("100", "SEK")})
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestChargeCompletedWithWrongAmountErrors(t *testing.T) {
	h := newHarness(t)
	h.memberWithDirectDebit(t, "m1")
	tx := uuid.New()
	h.send(t, domain.CreateChargeCommand{MemberID: "m1", TransactionID: tx, Amount: domain.MustMoney("100", "SEK")})

	assert.Equal(t, false, h.send(t, domain.ChargeCompletedCommand{MemberID: "m1", TransactionID: tx, Amount: domain.MustMoney("90", "SEK")}))
	events := h.events(t, "member-m1")
	errored, ok := events[len(events)-1].(domain.ChargeErrored)
	require.True(t, ok)
	assert.True(t, errored.Amount.Equal(domain.MustMoney("90", "SEK")))

	// The errored transaction stays terminal.
	assert.Equal(t, false, h.send(t, domain.ChargeCompletedCommand{MemberID: "m1", TransactionID: tx, Amount: domain.MustMoney("100", "SEK")}))
	assert.Len(t, h.events(t, "member-m1"), len(events))
}

func TestCreatePayoutChoosesAccount(t *testing.T) {
	t.Run("trustly account wins", func(t *testing.T) {
		h := newHarness(t)
		h.memberWithDirectDebit(t, "m1")
		h.send(t, domain.UpdateAdyenPayoutAccountCommand{MemberID: "m1", ShopperReference: "shopper-1"})

		tx := uuid.New()
		assert.Equal(t, true, h.send(t, domain.CreatePayoutCommand{MemberID: "m1", TransactionID: tx, Amount: domain.MustMoney("50", "EUR"), Category: "CLAIM"}))
		events := h.events(t, "member-m1")
		created := events[len(events)-1].(domain.PayoutCreated)
		assert.Equal(t, "acct-1", created.TrustlyAccountID)
		assert.Empty(t, created.AdyenShopperReference)
		assert.Equal(t, "CLAIM", created.Category)
	})

	t.Run("adyen payout account", func(t *testing.T) {
		h := newHarness(t)
		h.send(t, domain.CreateMemberCommand{MemberID: "m1"})
		h.send(t, domain.UpdateAdyenPayoutAccountCommand{MemberID: "m1", ShopperReference: "shopper-1"})

		assert.Equal(t, true, h.send(t, domain.CreatePayoutCommand{MemberID: "m1", TransactionID: uuid.New(), Amount: domain.MustMoney("50", "EUR")}))
		events := h.events(t, "member-m1")
		created := events[len(events)-1].(domain.PayoutCreated)
		assert.Empty(t, created.TrustlyAccountID)
		assert.Equal(t, "shopper-1", created.AdyenShopperReference)
	})

	t.Run("no account", func(t *testing.T) {
		h := newHarness(t)
		h.send(t, domain.CreateMemberCommand{MemberID: "m1"})

		tx := uuid.New()
		assert.Equal(t, false, h.send(t, domain.CreatePayoutCommand{MemberID: "m1", TransactionID: tx, Amount: domain.MustMoney("50", "EUR")}))
		assert.Equal(t, false, h.send(t, domain.CreatePayoutCommand{MemberID: "m1", TransactionID: tx, Amount: domain.MustMoney("50", "EUR")}))
		events := h.events(t, "member-m1")
		require.Len(t, events, 2)
		assert.IsType(t, domain.PayoutCreationFailed{}, events[1])
	})
}

func TestPayoutOutcomes(t *testing.T) {
	h := newHarness(t)
	h.memberWithDirectDebit(t, "m1")
	paid, failed, errored := uuid.New(), uuid.New(), uuid.New()
	for _, tx := range []uuid.UUID{paid, failed, errored} {
		h.send(t, domain.CreatePayoutCommand{MemberID: "m1", TransactionID: tx, Amount: domain.MustMoney("50", "EUR")})
	}

	assert.Equal(t, true, h.send(t, domain.PayoutCompletedCommand{MemberID: "m1", TransactionID: paid}))
	assert.Equal(t, true, h.send(t, domain.PayoutFailedCommand{MemberID: "m1", TransactionID: failed, Reason: "rejected by bank"}))
	assert.Equal(t, false, h.send(t, domain.PayoutCompletedCommand{MemberID: "m1", TransactionID: errored, Amount: domain.MustMoney("49", "EUR")}))

	_, err := h.gw.SendAndWait(context.Background(), domain.PayoutFailedCommand{MemberID: "m1", TransactionID: paid})
	require.ErrorIs(t, err, domain.ErrValidation)

	events := h.events(t, "member-m1")
	tail := events[len(events)-3:]
	assert.IsType(t, domain.PayoutCompleted{}, tail[0])
	failedEvt := tail[1].(domain.PayoutFailed)
	assert.Equal(t, "rejected by bank", failedEvt.Reason)
	assert.True(t, failedEvt.Amount.Equal(domain.MustMoney("50", "EUR")))
	assert.IsType(t, domain.PayoutErrored{}, tail[2])
}

func TestUpdateTrustlyAccountDirectDebitTransitions(t *testing.T) {
	h := newHarness(t)
	h.send(t, domain.CreateMemberCommand{MemberID: "m1"})
	reg := uuid.New()
	update := func(active *bool) {
		h.send(t, domain.UpdateTrustlyAccountCommand{MemberID: "m1", RegistrationOrderID: reg, AccountID: "acct-1", Bank: "SEB", Descriptor: "**9999", DirectDebitMandateActive: active})
	}

	update(nil)
	update(nil)
	update(boolPtr(true))
	update(boolPtr(true))
	update(boolPtr(false))

	var types []domain.EventType
	for _, evt := range h.events(t, "member-m1")[1:] {
		types = append(types, evt.EventType())
	}
	assert.Equal(t, []domain.EventType{
		domain.EventTrustlyAccountCreated,
		domain.EventDirectDebitPendingConnection,
		domain.EventDirectDebitConnected,
		domain.EventDirectDebitDisconnected,
	}, types)
}

func TestUpdateTrustlyAccountWithoutRegistrationIsStable(t *testing.T) {
	h := newHarness(t)
	h.send(t, domain.CreateMemberCommand{MemberID: "m1"})
	first := h.send(t, domain.UpdateTrustlyAccountCommand{MemberID: "m1", AccountID: "acct-1", Bank: "SEB"})
	second := h.send(t, domain.UpdateTrustlyAccountCommand{MemberID: "m1", AccountID: "acct-1", Bank: "SEB"})
	assert.Equal(t, first, second)
	assert.NotEqual(t, uuid.Nil, first)

	_, err := h.gw.SendAndWait(context.Background(), domain.UpdateTrustlyAccountCommand{MemberID: "m1"})
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestUpdateAdyenPayoutAccount(t *testing.T) {
	h := newHarness(t)
	h.send(t, domain.CreateMemberCommand{MemberID: "m1"})
	h.send(t, domain.UpdateAdyenPayoutAccountCommand{MemberID: "m1", ShopperReference: "shopper-1"})
	h.send(t, domain.UpdateAdyenPayoutAccountCommand{MemberID: "m1", ShopperReference: "shopper-1"})
	h.send(t, domain.UpdateAdyenPayoutAccountCommand{MemberID: "m1", ShopperReference: "shopper-2"})

	events := h.events(t, "member-m1")
	require.Len(t, events, 3)
	assert.Equal(t, domain.AdyenPayoutAccountCreated{MemberID: "m1", ShopperReference: "shopper-1", Status: "ACTIVE"}, events[1])
	assert.Equal(t, domain.AdyenPayoutAccountUpdated{MemberID: "m1", ShopperReference: "shopper-2", Status: "ACTIVE"}, events[2])
}
