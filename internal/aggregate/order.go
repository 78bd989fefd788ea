package aggregate

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/payment-service/internal/command"
	"github.com/transfa/payment-service/internal/domain"
)

// Order is the folded state of a provider payout order.
type Order struct {
	ID              uuid.UUID
	MemberID        string
	TransactionID   uuid.UUID
	Provider        domain.Provider
	Amount          domain.Money
	AccountRef      string
	ProviderOrderID string
	Confirmed       bool
}

func FoldOrder(history []domain.Event) *Order {
	var o *Order
	for _, evt := range history {
		switch e := evt.(type) {
		case domain.OrderCreated:
			o = &Order{
				ID:            e.OrderID,
				MemberID:      e.MemberID,
				TransactionID: e.TransactionID,
				Provider:      e.Provider,
				Amount:        e.Amount,
				AccountRef:    e.AccountRef,
			}
		case domain.OrderAssignedProviderID:
			if o != nil {
				o.ProviderOrderID = e.ProviderOrderID
			}
		case domain.OrderConfirmed:
			if o != nil {
				o.Confirmed = true
			}
		}
	}
	return o
}

// OrderDecider handles commands addressed to order streams.
type OrderDecider struct {
	now func() time.Time
}

func NewOrderDecider(now func() time.Time) *OrderDecider {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &OrderDecider{now: now}
}

func (d *OrderDecider) Decide(_ context.Context, history []domain.Event, cmd domain.Command) (command.Decision, error) {
	o := FoldOrder(history)

	switch c := cmd.(type) {
	case domain.CreatePayoutOrderCommand:
		return d.create(o, c)
	case domain.AssignProviderOrderIDCommand:
		if o == nil {
			return command.Decision{}, domain.Invalid("order_id", "order does not exist")
		}
		if c.ProviderOrderID == "" {
			return command.Decision{}, domain.Invalid("provider_order_id", "is required")
		}
		if o.ProviderOrderID == c.ProviderOrderID {
			return command.Decision{Reply: o.ProviderOrderID}, nil
		}
		if o.ProviderOrderID != "" {
			return command.Decision{}, domain.Invalid("provider_order_id", fmt.Sprintf("order already assigned %s", o.ProviderOrderID))
		}
		return command.Decision{
			Events: []domain.Event{domain.OrderAssignedProviderID{
				OrderID:         o.ID,
				MemberID:        o.MemberID,
				Provider:        o.Provider,
				ProviderOrderID: c.ProviderOrderID,
			}},
			Reply: c.ProviderOrderID,
		}, nil
	case domain.ConfirmPayoutOrderCommand:
		if o == nil {
			return command.Decision{}, domain.Invalid("order_id", "order does not exist")
		}
		if o.ProviderOrderID == "" {
			return command.Decision{}, domain.Invalid("order_id", "order has no provider order id to confirm")
		}
		if o.Confirmed {
			return command.Decision{Reply: true}, nil
		}
		at := c.Timestamp
		if at.IsZero() {
			at = d.now()
		}
		return command.Decision{
			Events: []domain.Event{domain.OrderConfirmed{
				OrderID:         o.ID,
				MemberID:        o.MemberID,
				ProviderOrderID: o.ProviderOrderID,
				Timestamp:       at.UTC(),
			}},
			Reply: true,
		}, nil
	default:
		return command.Decision{}, fmt.Errorf("%w: %s", command.ErrUnknownCommand, cmd.CommandType())
	}
}

func (d *OrderDecider) create(o *Order, c domain.CreatePayoutOrderCommand) (command.Decision, error) {
	if o != nil {
		if o.TransactionID != c.TransactionID {
			return command.Decision{}, domain.Invalid("order_id", "order already exists for another transaction")
		}
		return command.Decision{Reply: domain.PayoutOrderStatus{OrderID: o.ID, ProviderOrderID: o.ProviderOrderID}}, nil
	}
	switch {
	case c.TransactionID == uuid.Nil:
		return command.Decision{}, domain.Invalid("transaction_id", "is required")
	case c.MemberID == "":
		return command.Decision{}, domain.Invalid("member_id", "is required")
	case c.Provider != domain.ProviderTrustly && c.Provider != domain.ProviderAdyen:
		return command.Decision{}, domain.Invalid("provider", fmt.Sprintf("unsupported provider %q", c.Provider))
	case c.AccountRef == "":
		return command.Decision{}, domain.Invalid("account_ref", "is required")
	}
	if err := c.Amount.Validate(); err != nil {
		return command.Decision{}, domain.Invalid("amount", err.Error())
	}
	return command.Decision{
		Events: []domain.Event{domain.OrderCreated{
			OrderID:       c.OrderID,
			MemberID:      c.MemberID,
			TransactionID: c.TransactionID,
			Provider:      c.Provider,
			Amount:        c.Amount,
			AccountRef:    c.AccountRef,
		}},
		Reply: domain.PayoutOrderStatus{OrderID: c.OrderID, Created: true},
	}, nil
}
