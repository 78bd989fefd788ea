package store

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/transfa/payment-service/internal/domain"
)

// MemoryRepository keeps the member view in process. Readers always receive copies.
type MemoryRepository struct {
	mu      sync.RWMutex
	members map[string]*domain.Member
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{members: make(map[string]*domain.Member)}
}

func (r *MemoryRepository) CreateMember(_ context.Context, memberID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[memberID]; ok {
		return false, nil
	}
	r.members[memberID] = domain.NewMember(memberID)
	return true, nil
}

func (r *MemoryRepository) FindMemberByID(_ context.Context, memberID string) (*domain.Member, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.members[memberID]
	if !ok {
		return nil, domain.ErrMemberNotFound
	}
	return m.Clone(), nil
}

func (r *MemoryRepository) UpdateMemberAccount(_ context.Context, memberID string, account AccountDetails) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[memberID]
	if !ok {
		return domain.ErrMemberNotFound
	}
	m.TrustlyAccountNumber = account.AccountNumber
	m.Bank = account.Bank
	m.Descriptor = account.Descriptor
	m.LastDigits = account.LastDigits
	return nil
}

func (r *MemoryRepository) UpdateDirectDebitStatus(_ context.Context, memberID string, status domain.DirectDebitStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[memberID]
	if !ok {
		return domain.ErrMemberNotFound
	}
	m.DirectDebitStatus = status
	return nil
}

func (r *MemoryRepository) CreateTransaction(_ context.Context, memberID string, tx *domain.Transaction) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[memberID]
	if !ok {
		return false, domain.ErrMemberNotFound
	}
	if _, exists := m.Transaction(tx.ID); exists {
		return false, nil
	}
	copied := *tx
	m.Transactions[tx.ID] = &copied
	return true, nil
}

func (r *MemoryRepository) FindTransaction(_ context.Context, memberID string, transactionID uuid.UUID) (*domain.Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.members[memberID]
	if !ok {
		return nil, domain.ErrMemberNotFound
	}
	tx, ok := m.Transaction(transactionID)
	if !ok {
		return nil, domain.ErrTransactionNotFound
	}
	copied := *tx
	return &copied, nil
}

func (r *MemoryRepository) UpdateTransactionStatus(_ context.Context, memberID string, transactionID uuid.UUID, status domain.TransactionStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[memberID]
	if !ok {
		return domain.ErrMemberNotFound
	}
	tx, ok := m.Transaction(transactionID)
	if !ok {
		return domain.ErrTransactionNotFound
	}
	tx.Status = status
	return nil
}

func (r *MemoryRepository) Reset(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.members = make(map[string]*domain.Member)
	return nil
}
