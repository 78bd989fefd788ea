/**
 * @description
 * Package provider defines the capability the payout saga needs from a payment
 * provider and adapts the Trustly and Adyen HTTP clients to it.
 *
 * @notes
 * - Every adapter call carries the saga's order id as idempotency key, which is
 *   what makes retrying an ambiguous failure safe.
 * - Errors are classified once here: transient ones are retried with backoff,
 *   terminal ones become a PayoutFailed outcome in the saga.
 */

package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/transfa/payment-service/internal/domain"
)

// PayoutRequest holds everything a provider needs to move money to a member.
type PayoutRequest struct {
	MemberID    string
	Amount      domain.Money
	AccountRef  string
	Address     string
	CountryCode string
	DateOfBirth string
	FirstName   string
	LastName    string
	Category    string
}

// PayoutOrderResponse is the provider's acknowledgement of a payout order.
type PayoutOrderResponse struct {
	ProviderOrderID string
	// RequiresConfirmation is set when the order only executes after ConfirmPayout.
	RequiresConfirmation bool
}

// Adapter starts payout orders with one provider.
type Adapter interface {
	StartPayoutOrder(ctx context.Context, req PayoutRequest, orderID uuid.UUID) (*PayoutOrderResponse, error)
}

// Confirmer is implemented by adapters whose orders need a second step.
type Confirmer interface {
	ConfirmPayout(ctx context.Context, providerOrderID string, orderID uuid.UUID) error
}

type Kind int

const (
	Transient Kind = iota + 1
	Terminal
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Terminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// Error is a classified adapter failure.
type Error struct {
	Provider   domain.Provider
	Kind       Kind
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s %s error (status %d): %v", e.Provider, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s error: %v", e.Provider, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsTerminal reports whether err is a provider rejection that must not be retried.
func IsTerminal(err error) bool {
	var perr *Error
	return errors.As(err, &perr) && perr.Kind == Terminal
}

// ClassifyStatus maps an HTTP status from a provider to a Kind.
// Throttling and server errors are worth retrying; other client errors are not.
func ClassifyStatus(status int) Kind {
	switch {
	case status == 408 || status == 425 || status == 429:
		return Transient
	case status >= 500:
		return Transient
	case status >= 400:
		return Terminal
	default:
		return Transient
	}
}

// RetryPolicy bounds adapter retries.
type RetryPolicy struct {
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, InitialInterval: 500 * time.Millisecond, MaxInterval: 30 * time.Second}
}

// Retry runs op until it succeeds, fails terminally, or the policy is exhausted.
func Retry[T any](ctx context.Context, policy RetryPolicy, logger *slog.Logger, op func(context.Context) (T, error)) (T, error) {
	if policy.MaxAttempts == 0 {
		policy.MaxAttempts = 1
	}
	eb := backoff.NewExponentialBackOff()
	if policy.InitialInterval > 0 {
		eb.InitialInterval = policy.InitialInterval
	}
	if policy.MaxInterval > 0 {
		eb.MaxInterval = policy.MaxInterval
	}

	return backoff.Retry(ctx, func() (T, error) {
		out, err := op(ctx)
		if err != nil && IsTerminal(err) {
			return out, backoff.Permanent(err)
		}
		return out, err
	},
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(policy.MaxAttempts),
		backoff.WithNotify(func(err error, wait time.Duration) {
			logger.Warn("provider call failed, retrying", "retry_in", wait, "error", err)
		}),
	)
}

// Registry resolves the adapter for a provider.
type Registry map[domain.Provider]Adapter

func (r Registry) Get(p domain.Provider) (Adapter, error) {
	adapter, ok := r[p]
	if !ok || adapter == nil {
		return nil, fmt.Errorf("no adapter configured for provider %s", p)
	}
	return adapter, nil
}
