/**
 * @description
 * Package command routes commands to the decider registered for their type and
 * appends the resulting events to the addressed stream.
 *
 * @notes
 * - One in-flight command per stream inside this process (streamLocks) plus the
 *   store's optimistic check across processes. Conflicts are retried by
 *   reloading the stream and deciding again.
 * - SendAndWait is the only place a caller blocks. It gives up after the
 *   configured timeout with ErrTimeout; the command may still be applied.
 */

package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/transfa/payment-service/internal/domain"
	"github.com/transfa/payment-service/internal/eventstore"
)

var (
	ErrUnknownCommand   = errors.New("no handler registered for command")
	ErrInvalidRoute     = errors.New("command does not address a stream")
	ErrTimeout          = errors.New("command timed out")
	ErrDuplicateHandler = errors.New("command handler already registered")
)

// Decision is what a decider produced for one command.
type Decision struct {
	Events []domain.Event
	Reply  any
}

// Decider validates a command against the stream's history.
type Decider interface {
	Decide(ctx context.Context, history []domain.Event, cmd domain.Command) (Decision, error)
}

type DeciderFunc func(ctx context.Context, history []domain.Event, cmd domain.Command) (Decision, error)

func (f DeciderFunc) Decide(ctx context.Context, history []domain.Event, cmd domain.Command) (Decision, error) {
	return f(ctx, history, cmd)
}

// Dispatcher is the Command API the rest of the service depends on.
type Dispatcher interface {
	Send(ctx context.Context, cmd domain.Command) error
	SendAndWait(ctx context.Context, cmd domain.Command) (any, error)
}

type Config struct {
	Timeout            time.Duration
	MaxConflictRetries int
}

type Gateway struct {
	store    eventstore.Store
	logger   *slog.Logger
	config   Config
	locks    *streamLocks
	deciders map[domain.CommandType]Decider
	inflight sync.WaitGroup
}

func NewGateway(store eventstore.Store, logger *slog.Logger, config Config) *Gateway {
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.MaxConflictRetries < 0 {
		config.MaxConflictRetries = 0
	}
	return &Gateway{
		store:    store,
		logger:   logger,
		config:   config,
		locks:    newStreamLocks(),
		deciders: make(map[domain.CommandType]Decider),
	}
}

// Register binds a command type to its decider. Call during startup only.
func (g *Gateway) Register(commandType domain.CommandType, decider Decider) error {
	if _, exists := g.deciders[commandType]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, commandType)
	}
	g.deciders[commandType] = decider
	return nil
}

// Send dispatches asynchronously. Routing errors are returned; execution errors are logged.
func (g *Gateway) Send(ctx context.Context, cmd domain.Command) error {
	decider, stream, err := g.route(cmd)
	if err != nil {
		return err
	}

	g.inflight.Add(1)
	go func() {
		defer g.inflight.Done()
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.config.Timeout)
		defer cancel()
		if _, err := g.dispatch(runCtx, decider, stream, cmd); err != nil {
			g.logger.Error("async command failed",
				"command_type", cmd.CommandType(),
				"stream_id", stream,
				"error", err,
			)
		}
	}()
	return nil
}

// SendAndWait dispatches and blocks until the events are stored or the timeout expires.
func (g *Gateway) SendAndWait(ctx context.Context, cmd domain.Command) (any, error) {
	decider, stream, err := g.route(cmd)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(ctx, g.config.Timeout)
	defer cancel()

	type result struct {
		reply any
		err   error
	}
	done := make(chan result, 1)
	go func() {
		reply, err := g.dispatch(runCtx, decider, stream, cmd)
		done <- result{reply: reply, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && errors.Is(r.err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, g.timeoutError(cmd, stream)
		}
		return r.reply, r.err
	case <-runCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, g.timeoutError(cmd, stream)
	}
}

// Wait blocks until every command started with Send has finished.
func (g *Gateway) Wait() {
	g.inflight.Wait()
}

func (g *Gateway) timeoutError(cmd domain.Command, stream string) error {
	return fmt.Errorf("%w: %s on %s after %s", ErrTimeout, cmd.CommandType(), stream, g.config.Timeout)
}

func (g *Gateway) route(cmd domain.Command) (Decider, string, error) {
	if cmd == nil {
		return nil, "", ErrInvalidRoute
	}
	decider, ok := g.deciders[cmd.CommandType()]
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", ErrUnknownCommand, cmd.CommandType())
	}
	stream := cmd.StreamID()
	if stream == "" {
		return nil, "", fmt.Errorf("%w: %s", ErrInvalidRoute, cmd.CommandType())
	}
	return decider, stream, nil
}

func (g *Gateway) dispatch(ctx context.Context, decider Decider, stream string, cmd domain.Command) (any, error) {
	unlock, err := g.locks.lock(ctx, stream)
	if err != nil {
		return nil, err
	}
	defer unlock()

	for attempt := 0; ; attempt++ {
		envelopes, version, err := g.store.Load(ctx, stream)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", stream, err)
		}
		history := make([]domain.Event, 0, len(envelopes))
		for _, env := range envelopes {
			history = append(history, env.Event)
		}

		decision, err := decider.Decide(ctx, history, cmd)
		if err != nil {
			return nil, err
		}
		if len(decision.Events) == 0 {
			return decision.Reply, nil
		}

		_, err = g.store.Append(ctx, stream, version, decision.Events)
		if err == nil {
			return decision.Reply, nil
		}
		if errors.Is(err, eventstore.ErrConcurrencyConflict) && attempt < g.config.MaxConflictRetries {
			g.logger.Warn("concurrency conflict, retrying command",
				"command_type", cmd.CommandType(),
				"stream_id", stream,
				"attempt", attempt+1,
			)
			continue
		}
		return nil, fmt.Errorf("append %s: %w", stream, err)
	}
}

// SendAndWaitAs is SendAndWait with a typed reply.
func SendAndWaitAs[T any](ctx context.Context, d Dispatcher, cmd domain.Command) (T, error) {
	var zero T
	reply, err := d.SendAndWait(ctx, cmd)
	if err != nil {
		return zero, err
	}
	typed, ok := reply.(T)
	if !ok {
		return zero, fmt.Errorf("%s replied with %T, want %T", cmd.CommandType(), reply, zero)
	}
	return typed, nil
}
