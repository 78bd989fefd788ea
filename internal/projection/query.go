package projection

import (
	"context"

	"github.com/google/uuid"
	"github.com/transfa/payment-service/internal/domain"
	"github.com/transfa/payment-service/internal/store"
)

// Replayer rebuilds a consumer group from the start of the event log.
type Replayer interface {
	Replay(ctx context.Context, group string) error
}

// Queries is the read side of the member view.
type Queries struct {
	repo     store.Repository
	replayer Replayer
}

func NewQueries(repo store.Repository, replayer Replayer) *Queries {
	return &Queries{repo: repo, replayer: replayer}
}

func (q *Queries) GetMember(ctx context.Context, memberID string) (*domain.Member, error) {
	return q.repo.FindMemberByID(ctx, memberID)
}

func (q *Queries) GetTransaction(ctx context.Context, memberID string, transactionID uuid.UUID) (*domain.Transaction, error) {
	return q.repo.FindTransaction(ctx, memberID, transactionID)
}

// ResetView clears the member view and replays every stored event into it.
// It returns once the replay has caught up with the log.
func (q *Queries) ResetView(ctx context.Context) error {
	return q.replayer.Replay(ctx, GroupName)
}
