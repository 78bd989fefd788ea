/**
 * @description
 * Package eventstore is the durable source of truth of the payment-service.
 * Every aggregate writes to its own stream (member-<id>, order-<id>); every stored
 * event also gets a global position so consumer groups can tail the whole log.
 *
 * @notes
 * - Append is optimistic: the caller passes the version it decided against and
 *   gets ErrConcurrencyConflict when somebody else wrote first.
 * - Versions start at 1. A stream that was never written has version 0.
 */

package eventstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/payment-service/internal/domain"
)

var (
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrEmptyStreamID       = errors.New("stream id is required")
	ErrNoEvents            = errors.New("no events to append")
)

// Envelope is a stored event plus its storage metadata.
type Envelope struct {
	EventID    uuid.UUID
	StreamID   string
	Version    int64
	Position   int64
	Type       domain.EventType
	RecordedAt time.Time
	Event      domain.Event
}

// Store persists streams of events.
type Store interface {
	// Append writes events to the stream if its current version equals
	// expectedVersion and returns the new stream version.
	Append(ctx context.Context, streamID string, expectedVersion int64, events []domain.Event) (int64, error)
	// Load returns the stream's events in version order and its current version.
	Load(ctx context.Context, streamID string) ([]Envelope, int64, error)
	// ReadAll returns up to limit events with a global position greater than after.
	ReadAll(ctx context.Context, after int64, limit int) ([]Envelope, error)
}

func validateAppend(streamID string, expectedVersion int64, events []domain.Event) error {
	if streamID == "" {
		return ErrEmptyStreamID
	}
	if len(events) == 0 {
		return ErrNoEvents
	}
	if expectedVersion < 0 {
		return fmt.Errorf("invalid expected version %d", expectedVersion)
	}
	return nil
}

// MemoryStore keeps the log in process. It backs tests and local runs without DATABASE_URL.
type MemoryStore struct {
	mu      sync.RWMutex
	log     []Envelope
	streams map[string][]int
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		streams: make(map[string][]int),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Append(ctx context.Context, streamID string, expectedVersion int64, events []domain.Event) (int64, error) {
	if err := validateAppend(streamID, expectedVersion, events); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current := int64(len(s.streams[streamID]))
	if current != expectedVersion {
		return 0, fmt.Errorf("%w: stream %s is at version %d, expected %d", ErrConcurrencyConflict, streamID, current, expectedVersion)
	}

	recordedAt := s.now()
	for _, evt := range events {
		current++
		s.log = append(s.log, Envelope{
			EventID:    uuid.New(),
			StreamID:   streamID,
			Version:    current,
			Position:   int64(len(s.log)) + 1,
			Type:       evt.EventType(),
			RecordedAt: recordedAt,
			Event:      evt,
		})
		s.streams[streamID] = append(s.streams[streamID], len(s.log)-1)
	}
	return current, nil
}

func (s *MemoryStore) Load(ctx context.Context, streamID string) ([]Envelope, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx := s.streams[streamID]
	out := make([]Envelope, 0, len(idx))
	for _, i := range idx {
		out = append(out, s.log[i])
	}
	return out, int64(len(idx)), nil
}

func (s *MemoryStore) ReadAll(ctx context.Context, after int64, limit int) ([]Envelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if after < 0 {
		after = 0
	}
	if after >= int64(len(s.log)) {
		return nil, nil
	}
	end := int64(len(s.log))
	if limit > 0 && after+int64(limit) < end {
		end = after + int64(limit)
	}
	out := make([]Envelope, end-after)
	copy(out, s.log[after:end])
	return out, nil
}
