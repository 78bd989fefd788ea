/**
 * @description
 * Bus fans stored events out to independent consumer groups (the payout saga, the
 * member projection, the RabbitMQ relay). Each group tails the global log from its
 * own checkpoint in its own goroutine, so a slow group never holds back another.
 *
 * @notes
 * - Delivery is at-least-once. A failing handler is retried with exponential
 *   backoff and the checkpoint never moves past an event that was not handled.
 * - Per-stream order follows from delivering in global position order.
 * - Replay runs inside the group's goroutine, so it never races live delivery.
 */

package eventstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/transfa/payment-service/internal/domain"
)

var (
	ErrReplayUnsupported = errors.New("consumer group cannot be replayed")
	ErrUnknownGroup      = errors.New("unknown consumer group")
	ErrDuplicateGroup    = errors.New("consumer group already subscribed")
	ErrBusStarted        = errors.New("bus already started")
)

// Handler consumes envelopes for one consumer group.
type Handler interface {
	Handle(ctx context.Context, env Envelope) error
}

type HandlerFunc func(ctx context.Context, env Envelope) error

func (f HandlerFunc) Handle(ctx context.Context, env Envelope) error { return f(ctx, env) }

// Resetter is implemented by handlers whose state can be rebuilt from history.
type Resetter interface {
	Reset(ctx context.Context) error
}

type group struct {
	name    string
	handler Handler
	wake    chan struct{}
	replay  chan chan error
}

// Bus decorates a Store: successful appends wake every subscribed group.
type Bus struct {
	store       Store
	checkpoints CheckpointStore
	logger      *slog.Logger

	batchSize    int
	pollInterval time.Duration
	maxAttempts  uint
	newBackOff   func() backoff.BackOff

	mu      sync.Mutex
	groups  map[string]*group
	started bool
	wg      sync.WaitGroup
}

type BusOption func(*Bus)

func WithBatchSize(n int) BusOption {
	return func(b *Bus) {
		if n > 0 {
			b.batchSize = n
		}
	}
}

// WithPollInterval sets how often groups look for events appended by other instances.
func WithPollInterval(d time.Duration) BusOption {
	return func(b *Bus) {
		if d > 0 {
			b.pollInterval = d
		}
	}
}

// WithRedelivery configures how a failing handler is retried before the group
// gives up until the next wake-up.
func WithRedelivery(maxAttempts uint, newBackOff func() backoff.BackOff) BusOption {
	return func(b *Bus) {
		if maxAttempts > 0 {
			b.maxAttempts = maxAttempts
		}
		if newBackOff != nil {
			b.newBackOff = newBackOff
		}
	}
}

func NewBus(store Store, checkpoints CheckpointStore, logger *slog.Logger, opts ...BusOption) *Bus {
	b := &Bus{
		store:        store,
		checkpoints:  checkpoints,
		logger:       logger,
		batchSize:    200,
		pollInterval: 2 * time.Second,
		maxAttempts:  8,
		newBackOff: func() backoff.BackOff {
			eb := backoff.NewExponentialBackOff()
			eb.InitialInterval = 100 * time.Millisecond
			eb.MaxInterval = 10 * time.Second
			return eb
		},
		groups: make(map[string]*group),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a consumer group. Groups must be registered before Start.
func (b *Bus) Subscribe(name string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.started {
		return ErrBusStarted
	}
	if _, exists := b.groups[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateGroup, name)
	}
	b.groups[name] = &group{
		name:    name,
		handler: handler,
		wake:    make(chan struct{}, 1),
		replay:  make(chan chan error),
	}
	return nil
}

// Start launches one goroutine per group. They stop when ctx is cancelled.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.started {
		return ErrBusStarted
	}
	b.started = true
	for _, g := range b.groups {
		b.wg.Add(1)
		go b.run(ctx, g)
	}
	return nil
}

// Wait blocks until every group goroutine has returned.
func (b *Bus) Wait() {
	b.wg.Wait()
}

func (b *Bus) Append(ctx context.Context, streamID string, expectedVersion int64, events []domain.Event) (int64, error) {
	version, err := b.store.Append(ctx, streamID, expectedVersion, events)
	if err != nil {
		return 0, err
	}
	b.notify()
	return version, nil
}

func (b *Bus) Load(ctx context.Context, streamID string) ([]Envelope, int64, error) {
	return b.store.Load(ctx, streamID)
}

func (b *Bus) ReadAll(ctx context.Context, after int64, limit int) ([]Envelope, error) {
	return b.store.ReadAll(ctx, after, limit)
}

// Replay resets the group's handler and redelivers the full history to it.
func (b *Bus) Replay(ctx context.Context, name string) error {
	b.mu.Lock()
	g, ok := b.groups[name]
	started := b.started
	b.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownGroup, name)
	}
	if _, ok := g.handler.(Resetter); !ok {
		return fmt.Errorf("%w: %s", ErrReplayUnsupported, name)
	}
	if !started {
		return b.reset(ctx, g)
	}

	reply := make(chan error, 1)
	select {
	case g.replay <- reply:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bus) notify() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, g := range b.groups {
		select {
		case g.wake <- struct{}{}:
		default:
		}
	}
}

func (b *Bus) run(ctx context.Context, g *group) {
	defer b.wg.Done()

	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		if err := b.drain(ctx, g); err != nil && ctx.Err() == nil {
			b.logger.Error("consumer group stalled", "group", g.name, "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-g.wake:
		case <-ticker.C:
		case reply := <-g.replay:
			reply <- b.reset(ctx, g)
		}
	}
}

func (b *Bus) reset(ctx context.Context, g *group) error {
	resetter, ok := g.handler.(Resetter)
	if !ok {
		return fmt.Errorf("%w: %s", ErrReplayUnsupported, g.name)
	}
	if err := resetter.Reset(ctx); err != nil {
		return fmt.Errorf("reset %s: %w", g.name, err)
	}
	if err := b.checkpoints.Save(ctx, g.name, 0); err != nil {
		return fmt.Errorf("rewind %s: %w", g.name, err)
	}
	b.logger.Info("consumer group rewound for replay", "group", g.name)
	return b.drain(ctx, g)
}

func (b *Bus) drain(ctx context.Context, g *group) error {
	position, err := b.checkpoints.Load(ctx, g.name)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	for {
		batch, err := b.store.ReadAll(ctx, position, b.batchSize)
		if err != nil {
			return fmt.Errorf("read after %d: %w", position, err)
		}
		if len(batch) == 0 {
			return nil
		}
		for _, env := range batch {
			if err := b.deliver(ctx, g, env); err != nil {
				return err
			}
			if err := b.checkpoints.Save(ctx, g.name, env.Position); err != nil {
				return fmt.Errorf("save checkpoint %d: %w", env.Position, err)
			}
			position = env.Position
		}
	}
}

func (b *Bus) deliver(ctx context.Context, g *group, env Envelope) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, g.handler.Handle(ctx, env)
	},
		backoff.WithBackOff(b.newBackOff()),
		backoff.WithMaxTries(b.maxAttempts),
		backoff.WithNotify(func(err error, wait time.Duration) {
			b.logger.Warn("event handler failed, redelivering",
				"group", g.name,
				"event_type", env.Type,
				"stream_id", env.StreamID,
				"position", env.Position,
				"retry_in", wait,
				"error", err,
			)
		}),
	)
	if err != nil {
		return fmt.Errorf("deliver %s at position %d: %w", env.Type, env.Position, err)
	}
	return nil
}
