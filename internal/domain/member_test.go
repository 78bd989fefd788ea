package domain

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemberTransactionLookup(t *testing.T) {
	m := NewMember("m1")
	txID := uuid.New()
	m.Transactions[txID] = &Transaction{ID: txID, Status: TransactionStatusInitiated}

	tx, ok := m.Transaction(txID)
	require.True(t, ok)
	assert.Equal(t, txID, tx.ID)

	_, ok = m.Transaction(uuid.New())
	assert.False(t, ok)
}
