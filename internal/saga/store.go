package saga

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/payment-service/internal/domain"
)

var (
	ErrRecordNotFound = errors.New("saga record not found")
	ErrStaleRecord    = errors.New("saga record was modified concurrently")
)

// State is the lifecycle position of one payout inside the saga.
type State string

const (
	StateQueued                 State = "QUEUED"
	StateStarted                State = "STARTED"
	StateOrderCreated           State = "ORDER_CREATED"
	StateProviderOrderRequested State = "PROVIDER_ORDER_REQUESTED"
	StateEnded                  State = "ENDED"
	StateFailed                 State = "FAILED"
)

func (s State) Terminal() bool {
	return s == StateEnded || s == StateFailed
}

// Instance tracks one payout transaction.
type Instance struct {
	TransactionID        uuid.UUID       `json:"transaction_id"`
	OrderID              uuid.UUID       `json:"order_id"`
	Provider             domain.Provider `json:"provider,omitempty"`
	AccountRef           string          `json:"account_ref,omitempty"`
	Amount               domain.Money    `json:"amount"`
	Address              string          `json:"address,omitempty"`
	CountryCode          string          `json:"country_code,omitempty"`
	DateOfBirth          string          `json:"date_of_birth,omitempty"`
	FirstName            string          `json:"first_name,omitempty"`
	LastName             string          `json:"last_name,omitempty"`
	Category             string          `json:"category,omitempty"`
	ProviderOrderID      string          `json:"provider_order_id,omitempty"`
	ProviderOrderStored  bool            `json:"provider_order_stored"`
	RequiresConfirmation bool            `json:"requires_confirmation"`
	Confirmed            bool            `json:"confirmed"`
	State                State           `json:"state"`
	FailureReason        string          `json:"failure_reason,omitempty"`
	NeedsFailureReport   bool            `json:"needs_failure_report"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// Record is the correlation entry of one member: at most one active payout and
// a FIFO queue of payouts waiting for it.
type Record struct {
	MemberID  string                  `json:"member_id"`
	Version   int64                   `json:"version"`
	Active    uuid.UUID               `json:"active"`
	Queue     []uuid.UUID             `json:"queue"`
	Instances map[uuid.UUID]*Instance `json:"instances"`
	UpdatedAt time.Time               `json:"updated_at"`
}

func newRecord(memberID string) *Record {
	return &Record{MemberID: memberID, Instances: make(map[uuid.UUID]*Instance)}
}

func (r *Record) active() *Instance {
	if r.Active == uuid.Nil {
		return nil
	}
	return r.Instances[r.Active]
}

func (r *Record) removeQueued(id uuid.UUID) {
	out := r.Queue[:0]
	for _, q := range r.Queue {
		if q != id {
			out = append(out, q)
		}
	}
	r.Queue = out
}

// Store persists saga records. Save fails with ErrStaleRecord when the record
// changed since it was loaded.
type Store interface {
	Load(ctx context.Context, memberID string) (*Record, error)
	Save(ctx context.Context, record *Record) error
	Delete(ctx context.Context, memberID string) error
	List(ctx context.Context) ([]string, error)
}

type MemoryStore struct {
	mu      sync.Mutex
	records map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string][]byte)}
}

func (s *MemoryStore) Load(_ context.Context, memberID string) (*Record, error) {
	s.mu.Lock()
	raw, ok := s.records[memberID]
	s.mu.Unlock()
	if !ok {
		return nil, ErrRecordNotFound
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *MemoryStore) Save(_ context.Context, record *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current int64
	if raw, ok := s.records[record.MemberID]; ok {
		var stored Record
		if err := json.Unmarshal(raw, &stored); err != nil {
			return err
		}
		current = stored.Version
	}
	if current != record.Version {
		return ErrStaleRecord
	}
	record.Version++
	raw, err := json.Marshal(record)
	if err != nil {
		record.Version--
		return err
	}
	s.records[record.MemberID] = raw
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, memberID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, memberID)
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.records))
	for id := range s.records {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}
