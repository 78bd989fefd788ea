/**
 * @description
 * This file provides the PostgreSQL implementation of the member view `Repository`.
 * Members and their transactions live in two tables so a member with a long
 * history can still be updated with single-row statements.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - github.com/shopspring/decimal: Amounts are stored as NUMERIC and read back exactly.
 * - internal/domain: Contains the read models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/transfa/payment-service/internal/domain"
)

const memberViewSchema = `
CREATE TABLE IF NOT EXISTS member_view_members (
	member_id              TEXT PRIMARY KEY,
	trustly_account_number TEXT NOT NULL DEFAULT '',
	bank                   TEXT NOT NULL DEFAULT '',
	descriptor             TEXT NOT NULL DEFAULT '',
	last_digits            TEXT NOT NULL DEFAULT '',
	direct_debit_status    TEXT NOT NULL DEFAULT '',
	updated_at             TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS member_view_transactions (
	transaction_id UUID PRIMARY KEY,
	member_id      TEXT NOT NULL REFERENCES member_view_members(member_id) ON DELETE CASCADE,
	amount         NUMERIC NOT NULL,
	currency       TEXT NOT NULL,
	type           TEXT NOT NULL,
	status         TEXT NOT NULL,
	occurred_at    TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS member_view_transactions_member_idx ON member_view_transactions (member_id);
`

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// EnsureSchema creates the view tables if they do not exist yet.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, memberViewSchema); err != nil {
		return fmt.Errorf("create member view schema: %w", err)
	}
	return nil
}

// CreateMember inserts an empty member. It reports false if the member already existed.
func (r *PostgresRepository) CreateMember(ctx context.Context, memberID string) (bool, error) {
	tag, err := r.db.Exec(ctx, `INSERT INTO member_view_members (member_id) VALUES ($1) ON CONFLICT (member_id) DO NOTHING`, memberID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// FindMemberByID loads a member together with all of its transactions.
func (r *PostgresRepository) FindMemberByID(ctx context.Context, memberID string) (*domain.Member, error) {
	member := domain.NewMember(memberID)
	query := `
		SELECT trustly_account_number, bank, descriptor, last_digits, direct_debit_status
		FROM member_view_members
		WHERE member_id = $1
	`
	var status string
	err := r.db.QueryRow(ctx, query, memberID).Scan(
		&member.TrustlyAccountNumber,
		&member.Bank,
		&member.Descriptor,
		&member.LastDigits,
		&status,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrMemberNotFound
		}
		return nil, err
	}
	member.DirectDebitStatus = domain.DirectDebitStatus(status)

	rows, err := r.db.Query(ctx, `
		SELECT transaction_id, amount::text, currency, type, status, occurred_at
		FROM member_view_transactions
		WHERE member_id = $1
	`, memberID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		member.Transactions[tx.ID] = tx
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return member, nil
}

// UpdateMemberAccount replaces the member's Trustly account details.
func (r *PostgresRepository) UpdateMemberAccount(ctx context.Context, memberID string, account AccountDetails) error {
	query := `
		UPDATE member_view_members
		SET trustly_account_number = $2, bank = $3, descriptor = $4, last_digits = $5, updated_at = NOW()
		WHERE member_id = $1
	`
	tag, err := r.db.Exec(ctx, query, memberID, account.AccountNumber, account.Bank, account.Descriptor, account.LastDigits)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrMemberNotFound
	}
	return nil
}

// UpdateDirectDebitStatus sets the member's direct debit status.
func (r *PostgresRepository) UpdateDirectDebitStatus(ctx context.Context, memberID string, status domain.DirectDebitStatus) error {
	tag, err := r.db.Exec(ctx, `UPDATE member_view_members SET direct_debit_status = $2, updated_at = NOW() WHERE member_id = $1`, memberID, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrMemberNotFound
	}
	return nil
}

// CreateTransaction inserts a transaction for an existing member. It reports
// false without touching the row if the transaction id is already present.
func (r *PostgresRepository) CreateTransaction(ctx context.Context, memberID string, t *domain.Transaction) (bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	var one int
	// Lock the member row so a concurrent Reset cannot orphan the insert.
	err = tx.QueryRow(ctx, `SELECT 1 FROM member_view_members WHERE member_id = $1 FOR UPDATE`, memberID).Scan(&one)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, domain.ErrMemberNotFound
		}
		return false, err
	}

	query := `
		INSERT INTO member_view_transactions (transaction_id, member_id, amount, currency, type, status, occurred_at)
		VALUES ($1, $2, $3::numeric, $4, $5, $6, $7)
		ON CONFLICT (transaction_id) DO NOTHING
	`
	tag, err := tx.Exec(ctx, query, t.ID, memberID, t.Amount.String(), t.Currency, string(t.Type), string(t.Status), t.Timestamp)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// FindTransaction returns one of the member's transactions.
func (r *PostgresRepository) FindTransaction(ctx context.Context, memberID string, transactionID uuid.UUID) (*domain.Transaction, error) {
	row := r.db.QueryRow(ctx, `
		SELECT transaction_id, amount::text, currency, type, status, occurred_at
		FROM member_view_transactions
		WHERE member_id = $1 AND transaction_id = $2
	`, memberID, transactionID)
	tx, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrTransactionNotFound
		}
		return nil, err
	}
	return tx, nil
}

// UpdateTransactionStatus sets the transaction's status.
func (r *PostgresRepository) UpdateTransactionStatus(ctx context.Context, memberID string, transactionID uuid.UUID, status domain.TransactionStatus) error {
	query := `UPDATE member_view_transactions SET status = $3, updated_at = NOW() WHERE member_id = $1 AND transaction_id = $2`
	tag, err := r.db.Exec(ctx, query, memberID, transactionID, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrTransactionNotFound
	}
	return nil
}

// Reset deletes every member and transaction in the view.
func (r *PostgresRepository) Reset(ctx context.Context) error {
	_, err := r.db.Exec(ctx, `TRUNCATE member_view_transactions, member_view_members`)
	return err
}

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var (
		tx         domain.Transaction
		amount     string
		txType     string
		status     string
		occurredAt time.Time
	)
	if err := row.Scan(&tx.ID, &amount, &tx.Currency, &txType, &status, &occurredAt); err != nil {
		return nil, err
	}
	parsed, err := parseAmount(amount)
	if err != nil {
		return nil, fmt.Errorf("transaction %s: %w", tx.ID, err)
	}
	tx.Amount = parsed
	tx.Type = domain.TransactionType(txType)
	tx.Status = domain.TransactionStatus(status)
	tx.Timestamp = occurredAt.UTC()
	return &tx, nil
}

func parseAmount(raw string) (decimal.Decimal, error) {
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("invalid stored amount %q: %w", raw, err)
	}
	return amount, nil
}
