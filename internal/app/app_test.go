package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/transfa/payment-service/internal/aggregate"
	"github.com/transfa/payment-service/internal/command"
	"github.com/transfa/payment-service/internal/domain"
	"github.com/transfa/payment-service/internal/eventstore"
	"github.com/transfa/payment-service/pkg/rabbitmq"
)

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testEnv struct {
	store   *eventstore.MemoryStore
	gateway *command.Gateway
	service *Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := eventstore.NewMemoryStore()
	gw := command.NewGateway(store, discardLogger(), command.Config{Timeout: time.Second, MaxConflictRetries: 3})
	require.NoError(t, aggregate.Register(gw, func() time.Time { return fixedNow }))
	return &testEnv{store: store, gateway: gw, service: NewService(gw, discardLogger(), "")}
}

func (e *testEnv) memberEvents(t *testing.T, memberID string) []domain.Event {
	t.Helper()
	envs, _, err := e.store.Load(context.Background(), domain.MemberStreamID(memberID))
	require.NoError(t, err)
	out := make([]domain.Event, 0, len(envs))
	for _, env := range envs {
		out = append(out, env.Event)
	}
	return out
}

func (e *testEnv) memberWithMandate(t *testing.T, memberID string) {
	t.Helper()
	ctx := context.Background()
	_, err := e.service.CreateMember(ctx, memberID)
	require.NoError(t, err)
	active := true
	_, err = e.service.UpdateTrustlyAccount(ctx, memberID, domain.TrustlyAccountRequest{
		AccountID:                "acct-1",
		Bank:                     "SEB",
		Descriptor:               "**4321",
		DirectDebitMandateActive: &active,
	})
	require.NoError(t, err)
}

func TestServiceCreateMember(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	created, err := env.service.CreateMember(ctx, " m1 ")
	require.NoError(t, err)
	assert.True(t, created)
	created, err = env.service.CreateMember(ctx, "m1")
	require.NoError(t, err)
	assert.False(t, created)

	_, err = env.service.CreateMember(ctx, "  ")
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestServiceChargeMember(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.memberWithMandate(t, "m1")

	result, err := env.service.ChargeMember(ctx, "m1", domain.ChargeRequest{Amount: "100.00", Currency: "sek"})
	require.NoError(t, err)
	assert.True(t, result.Success())
	assert.NotEqual(t, uuid.Nil, result.TransactionID)

	events := env.memberEvents(t, "m1")
	charge, ok := events[len(events)-1].(domain.ChargeCreated)
	require.True(t, ok)
	assert.Equal(t, result.TransactionID, charge.TransactionID)
	assert.True(t, charge.Amount.Equal(domain.MustMoney("100", "SEK")))
}

func TestServiceChargeWithoutAccountIsNotAccepted(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.service.CreateMember(ctx, "m1")
	require.NoError(t, err)

	result, err := env.service.ChargeMember(ctx, "m1", domain.ChargeRequest{Amount: "10", Currency: "SEK"})
	require.NoError(t, err)
	assert.False(t, result.Success())
	assert.Equal(t, domain.ChargeResultNoPayinMethod, result.Type)
}

func TestServiceRejectsMalformedAmounts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.memberWithMandate(t, "m1")

	for _, amount := range []string{"", "abc", "-5", "0"} {
		_, err := env.service.ChargeMember(ctx, "m1", domain.ChargeRequest{Amount: amount, Currency: "SEK"})
		assert.ErrorIs(t, err, domain.ErrValidation, "amount %q", amount)
	}
	_, err := env.service.PayoutMember(ctx, "m1", domain.PayoutRequest{Amount: "10", Currency: "SEKK"})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestServicePayoutMemberUsesDefaultCategory(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.memberWithMandate(t, "m1")

	result, err := env.service.PayoutMember(ctx, "m1", domain.PayoutRequest{
		Amount:      "50",
		Currency:    "EUR",
		CountryCode: "se",
		FirstName:   "Ada",
		LastName:    "Lovelace",
	})
	require.NoError(t, err)
	assert.True(t, result.Accepted)

	events := env.memberEvents(t, "m1")
	payout, ok := events[len(events)-1].(domain.PayoutCreated)
	require.True(t, ok)
	assert.Equal(t, result.TransactionID, payout.TransactionID)
	assert.Equal(t, "DEFAULT", payout.Category)
	assert.Equal(t, "SE", payout.CountryCode)
	assert.Equal(t, "acct-1", payout.TrustlyAccountID)
}

func TestServiceAdyenPayoutAccount(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.service.CreateMember(ctx, "m1")
	require.NoError(t, err)

	require.NoError(t, env.service.UpdateAdyenPayoutAccount(ctx, "m1", domain.AdyenPayoutAccountRequest{ShopperReference: "shopper-1"}))
	result, err := env.service.PayoutMember(ctx, "m1", domain.PayoutRequest{Amount: "20", Currency: "EUR"})
	require.NoError(t, err)
	assert.True(t, result.Accepted)

	events := env.memberEvents(t, "m1")
	payout := events[len(events)-1].(domain.PayoutCreated)
	assert.Equal(t, "shopper-1", payout.AdyenShopperReference)
}

func notificationBody(t *testing.T, n domain.ProviderNotification) []byte {
	t.Helper()
	body, err := json.Marshal(n)
	require.NoError(t, err)
	return body
}

func TestConsumerCompletesCharge(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.memberWithMandate(t, "m1")
	result, err := env.service.ChargeMember(ctx, "m1", domain.ChargeRequest{Amount: "100", Currency: "SEK"})
	require.NoError(t, err)

	consumer := NewProviderNotificationConsumer(env.gateway, discardLogger())
	handler := consumer.Bindings()["provider.trustly.charge.completed"]
	require.NotNil(t, handler)

	body := notificationBody(t, domain.ProviderNotification{MemberID: "m1", TransactionID: result.TransactionID, Amount: "100.00", Currency: "SEK"})
	assert.True(t, handler(body))
	assert.True(t, handler(body), "redelivery is acknowledged")

	var completed int
	for _, evt := range env.memberEvents(t, "m1") {
		if _, ok := evt.(domain.ChargeCompleted); ok {
			completed++
		}
	}
	assert.Equal(t, 1, completed)
}

func TestConsumerAcknowledgesPoisonMessages(t *testing.T) {
	env := newTestEnv(t)
	consumer := NewProviderNotificationConsumer(env.gateway, discardLogger())

	assert.True(t, consumer.HandleMessage(domain.ProviderTrustly, domain.NotificationCharge, domain.NotificationCompleted, []byte("{not json")))
	assert.True(t, consumer.HandleMessage(domain.ProviderTrustly, domain.NotificationCharge, domain.NotificationCompleted,
		notificationBody(t, domain.ProviderNotification{MemberID: "m1"})))
	assert.True(t, consumer.HandleMessage(domain.ProviderTrustly, domain.NotificationCharge, domain.NotificationCompleted,
		notificationBody(t, domain.ProviderNotification{MemberID: "m1", TransactionID: uuid.New()})))
	// unknown member: rejected by the aggregate
	assert.True(t, consumer.HandleMessage(domain.ProviderAdyen, domain.NotificationPayout, domain.NotificationFailed,
		notificationBody(t, domain.ProviderNotification{MemberID: "ghost", TransactionID: uuid.New()})))
}

type failingDispatcher struct{}

func (failingDispatcher) Send(context.Context, domain.Command) error { return command.ErrTimeout }
func (failingDispatcher) SendAndWait(context.Context, domain.Command) (any, error) {
	return nil, command.ErrTimeout
}

func TestConsumerRequeuesOnTimeout(t *testing.T) {
	consumer := NewProviderNotificationConsumer(failingDispatcher{}, discardLogger())
	ok := consumer.HandleMessage(domain.ProviderTrustly, domain.NotificationPayout, domain.NotificationCompleted,
		notificationBody(t, domain.ProviderNotification{MemberID: "m1", TransactionID: uuid.New()}))
	assert.False(t, ok)
}

func TestConsumerBindsEveryRoutingKey(t *testing.T) {
	consumer := NewProviderNotificationConsumer(failingDispatcher{}, discardLogger())
	bindings := consumer.Bindings()
	assert.Len(t, bindings, 8)
	assert.Contains(t, bindings, "provider.adyen.payout.failed")
	assert.Equal(t, "provider.trustly.charge.completed", RoutingKey(domain.ProviderTrustly, domain.NotificationCharge, domain.NotificationCompleted))
}

type recordingPublisher struct {
	mu       sync.Mutex
	messages []rabbitmq.Message
	err      error
}

func (p *recordingPublisher) Publish(_ context.Context, msg rabbitmq.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.messages = append(p.messages, msg)
	return nil
}

func (p *recordingPublisher) Close() {}

func TestEventRelayPublishesEnvelope(t *testing.T) {
	publisher := &recordingPublisher{}
	relay := NewEventRelay(publisher)
	eventID := uuid.New()
	evt := domain.MemberCreated{MemberID: "m1"}

	err := relay.Handle(context.Background(), eventstore.Envelope{
		EventID:  eventID,
		StreamID: "member-m1",
		Version:  1,
		Position: 7,
		Type:     evt.EventType(),
		Event:    evt,
	})
	require.NoError(t, err)
	require.Len(t, publisher.messages, 1)
	msg := publisher.messages[0]
	assert.Equal(t, EventsExchange, msg.Exchange)
	assert.Equal(t, "payment.MemberCreated", msg.RoutingKey)
	assert.Equal(t, eventID.String(), msg.MessageID)

	body, err := json.Marshal(msg.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"member_id":"m1"}`, string(mustField(t, body, "payload")))
}

func TestEventRelayReturnsPublishErrors(t *testing.T) {
	relay := NewEventRelay(&recordingPublisher{err: errors.New("channel closed")})
	evt := domain.MemberCreated{MemberID: "m1"}
	err := relay.Handle(context.Background(), eventstore.Envelope{Type: evt.EventType(), Event: evt})
	assert.Error(t, err)
}

func mustField(t *testing.T, body []byte, field string) json.RawMessage {
	t.Helper()
	var fields map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(body, &fields))
	return fields[field]
}

type sagaStub struct {
	staleAfter time.Duration
	retention  time.Duration
	err        error
}

func (s *sagaStub) ResumeStale(_ context.Context, olderThan time.Duration) (int, error) {
	s.staleAfter = olderThan
	return 1, s.err
}

func (s *sagaStub) PruneEnded(_ context.Context, retention time.Duration) (int, error) {
	s.retention = retention
	return 2, s.err
}

func TestJobsPassConfiguredDurations(t *testing.T) {
	stub := &sagaStub{}
	jobs := NewJobs(stub, discardLogger(), 5*time.Minute, 72*time.Hour)

	jobs.ResumeStalePayouts()
	jobs.PruneEndedPayouts()

	assert.Equal(t, 5*time.Minute, stub.staleAfter)
	assert.Equal(t, 72*time.Hour, stub.retention)
}

func TestSchedulerRejectsBadSchedule(t *testing.T) {
	jobs := NewJobs(&sagaStub{}, discardLogger(), time.Minute, time.Hour)

	scheduler := NewScheduler(jobs, discardLogger(), "not a schedule", "@daily")
	assert.Error(t, scheduler.Start())

	scheduler = NewScheduler(jobs, discardLogger(), "@every 1h", "@daily")
	require.NoError(t, scheduler.Start())
	<-scheduler.Stop().Done()
}
