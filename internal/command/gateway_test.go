package command

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/transfa/payment-service/internal/domain"
	"github.com/transfa/payment-service/internal/eventstore"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// createOnce appends MemberCreated once and replies with the stream length it decided on.
func createOnce(_ context.Context, history []domain.Event, cmd domain.Command) (Decision, error) {
	c := cmd.(domain.CreateMemberCommand)
	if len(history) > 0 {
		return Decision{Reply: len(history)}, nil
	}
	return Decision{Events: []domain.Event{domain.MemberCreated{MemberID: c.MemberID}}, Reply: 0}, nil
}

// racingStore lets a competing writer win the first append of every stream.
type racingStore struct {
	*eventstore.MemoryStore
	races int32
}

func (s *racingStore) Append(ctx context.Context, streamID string, expectedVersion int64, events []domain.Event) (int64, error) {
	if atomic.AddInt32(&s.races, -1) >= 0 {
		if _, err := s.MemoryStore.Append(ctx, streamID, expectedVersion, []domain.Event{domain.MemberCreated{MemberID: "intruder"}}); err != nil {
			return 0, err
		}
	}
	return s.MemoryStore.Append(ctx, streamID, expectedVersion, events)
}

func TestSendAndWaitAppendsDecidedEvents(t *testing.T) {
	store := eventstore.NewMemoryStore()
	gw := NewGateway(store, testLogger(), Config{Timeout: time.Second})
	require.NoError(t, gw.Register(domain.CmdCreateMember, DeciderFunc(createOnce)))

	reply, err := gw.SendAndWait(context.Background(), domain.CreateMemberCommand{MemberID: "m1"})
	require.NoError(t, err)
	assert.Equal(t, 0, reply)

	stream, version, err := store.Load(context.Background(), "member-m1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)
	assert.Equal(t, domain.MemberCreated{MemberID: "m1"}, stream[0].Event)
	assert.Zero(t, gw.locks.size())
}

func TestSendAndWaitRetriesConcurrencyConflicts(t *testing.T) {
	store := &racingStore{MemoryStore: eventstore.NewMemoryStore(), races: 1}
	gw := NewGateway(store, testLogger(), Config{Timeout: time.Second, MaxConflictRetries: 2})
	require.NoError(t, gw.Register(domain.CmdCreateMember, DeciderFunc(createOnce)))

	reply, err := gw.SendAndWait(context.Background(), domain.CreateMemberCommand{MemberID: "m1"})
	require.NoError(t, err)
	// The retry saw the intruder's event and decided against a one-event history.
	assert.Equal(t, 1, reply)
}

func TestSendAndWaitGivesUpAfterMaxConflictRetries(t *testing.T) {
	store := &racingStore{MemoryStore: eventstore.NewMemoryStore(), races: 10}
	gw := NewGateway(store, testLogger(), Config{Timeout: time.Second, MaxConflictRetries: 2})
	require.NoError(t, gw.Register(domain.CmdCreateMember, DeciderFunc(func(_ context.Context, _ []domain.Event, cmd domain.Command) (Decision, error) {
		return Decision{Events: []domain.Event{domain.MemberCreated{MemberID: "m1"}}}, nil
	})))

	_, err := gw.SendAndWait(context.Background(), domain.CreateMemberCommand{MemberID: "m1"})
	require.ErrorIs(t, err, eventstore.ErrConcurrencyConflict)
	assert.Equal(t, int32(7), atomic.LoadInt32(&store.races))
}

func TestSendAndWaitDistinguishesTimeoutFromValidation(t *testing.T) {
	gw := NewGateway(eventstore.NewMemoryStore(), testLogger(), Config{Timeout: 30 * time.Millisecond})
	require.NoError(t, gw.Register(domain.CmdCreateMember, DeciderFunc(func(ctx context.Context, _ []domain.Event, _ domain.Command) (Decision, error) {
		<-ctx.Done()
		return Decision{}, ctx.Err()
	})))
	require.NoError(t, gw.Register(domain.CmdCreateCharge, DeciderFunc(func(context.Context, []domain.Event, domain.Command) (Decision, error) {
		return Decision{}, domain.Invalid("amount", "must be positive")
	})))

	_, err := gw.SendAndWait(context.Background(), domain.CreateMemberCommand{MemberID: "m1"})
	require.ErrorIs(t, err, ErrTimeout)
	assert.False(t, errors.Is(err, domain.ErrValidation))

	_, err = gw.SendAndWait(context.Background(), domain.CreateChargeCommand{MemberID: "m1"})
	require.ErrorIs(t, err, domain.ErrValidation)
	assert.False(t, errors.Is(err, ErrTimeout))
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "amount", verr.Field)
}

func TestRoutingErrors(t *testing.T) {
	gw := NewGateway(eventstore.NewMemoryStore(), testLogger(), Config{})
	require.NoError(t, gw.Register(domain.CmdCreateMember, DeciderFunc(createOnce)))
	assert.ErrorIs(t, gw.Register(domain.CmdCreateMember, DeciderFunc(createOnce)), ErrDuplicateHandler)

	_, err := gw.SendAndWait(context.Background(), domain.CreatePayoutCommand{MemberID: "m1"})
	assert.ErrorIs(t, err, ErrUnknownCommand)

	err = gw.Send(context.Background(), domain.CreateMemberCommand{})
	assert.ErrorIs(t, err, ErrInvalidRoute)
}

func TestSendRunsAsynchronouslyAndLogsFailures(t *testing.T) {
	var mu sync.Mutex
	var calls []string
	gw := NewGateway(eventstore.NewMemoryStore(), testLogger(), Config{Timeout: time.Second})
	require.NoError(t, gw.Register(domain.CmdCreateMember, DeciderFunc(func(_ context.Context, _ []domain.Event, cmd domain.Command) (Decision, error) {
		mu.Lock()
		calls = append(calls, cmd.StreamID())
		mu.Unlock()
		return Decision{}, errors.New("decider exploded")
	})))

	require.NoError(t, gw.Send(context.Background(), domain.CreateMemberCommand{MemberID: "m1"}))
	gw.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"member-m1"}, calls)
}

func TestOneCommandPerStreamAtATime(t *testing.T) {
	var active, peak int32
	gw := NewGateway(eventstore.NewMemoryStore(), testLogger(), Config{Timeout: time.Second})
	require.NoError(t, gw.Register(domain.CmdCreateMember, DeciderFunc(func(context.Context, []domain.Event, domain.Command) (Decision, error) {
		n := atomic.AddInt32(&active, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		return Decision{}, nil
	})))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := gw.SendAndWait(context.Background(), domain.CreateMemberCommand{MemberID: "m1"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&peak))
}

func TestSendAndWaitAsChecksReplyType(t *testing.T) {
	gw := NewGateway(eventstore.NewMemoryStore(), testLogger(), Config{Timeout: time.Second})
	require.NoError(t, gw.Register(domain.CmdCreateMember, DeciderFunc(createOnce)))

	n, err := SendAndWaitAs[int](context.Background(), gw, domain.CreateMemberCommand{MemberID: "m1"})
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = SendAndWaitAs[bool](context.Background(), gw, domain.CreateMemberCommand{MemberID: "m1"})
	assert.Error(t, err)
}
