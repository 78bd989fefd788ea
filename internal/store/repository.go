/**
 * @description
 * This file defines the `Repository` interface for the member view: the read
 * model the projection engine writes and the query API reads. The engine decides
 * what to change; the repository only persists it.
 *
 * @dependencies
 * - github.com/google/uuid: For transaction ids.
 * - internal/domain: For the Member and Transaction read models.
 */

package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/transfa/payment-service/internal/domain"
)

// Repository defines the set of methods for reading and writing the member view.
// Lookups of unknown rows return domain.ErrMemberNotFound or domain.ErrTransactionNotFound.
type Repository interface {
	// Member methods
	CreateMember(ctx context.Context, memberID string) (bool, error)
	FindMemberByID(ctx context.Context, memberID string) (*domain.Member, error)
	UpdateMemberAccount(ctx context.Context, memberID string, account AccountDetails) error
	UpdateDirectDebitStatus(ctx context.Context, memberID string, status domain.DirectDebitStatus) error

	// Transaction methods
	CreateTransaction(ctx context.Context, memberID string, tx *domain.Transaction) (bool, error)
	FindTransaction(ctx context.Context, memberID string, transactionID uuid.UUID) (*domain.Transaction, error)
	UpdateTransactionStatus(ctx context.Context, memberID string, transactionID uuid.UUID, status domain.TransactionStatus) error

	// Reset deletes the whole view.
	Reset(ctx context.Context) error
}

// AccountDetails is the Trustly account shown on a member.
type AccountDetails struct {
	AccountNumber string
	Bank          string
	Descriptor    string
	LastDigits    string
}
