package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/payment-service/internal/command"
	"github.com/transfa/payment-service/internal/domain"
	"github.com/transfa/payment-service/pkg/rabbitmq"
)

// ProviderExchange carries settlement notifications from the provider webhook receivers.
const ProviderExchange = "payments.provider"

var errMalformedNotification = errors.New("malformed provider notification")

// ProviderNotificationConsumer turns provider settlement notifications into
// completion and failure commands on the member aggregate.
type ProviderNotificationConsumer struct {
	commands command.Dispatcher
	logger   *slog.Logger
	timeout  time.Duration
}

func NewProviderNotificationConsumer(commands command.Dispatcher, logger *slog.Logger) *ProviderNotificationConsumer {
	return &ProviderNotificationConsumer{commands: commands, logger: logger, timeout: 15 * time.Second}
}

// RoutingKey builds provider.<provider>.<kind>.<outcome>.
func RoutingKey(p domain.Provider, kind domain.NotificationKind, outcome domain.NotificationOutcome) string {
	return fmt.Sprintf("provider.%s.%s.%s", strings.ToLower(string(p)), kind, outcome)
}

// Bindings returns one handler per routing key this consumer understands.
func (c *ProviderNotificationConsumer) Bindings() map[string]rabbitmq.HandlerFunc {
	bindings := make(map[string]rabbitmq.HandlerFunc)
	for _, p := range []domain.Provider{domain.ProviderTrustly, domain.ProviderAdyen} {
		for _, kind := range []domain.NotificationKind{domain.NotificationCharge, domain.NotificationPayout} {
			for _, outcome := range []domain.NotificationOutcome{domain.NotificationCompleted, domain.NotificationFailed} {
				bindings[RoutingKey(p, kind, outcome)] = func(body []byte) bool {
					return c.HandleMessage(p, kind, outcome, body)
				}
			}
		}
	}
	return bindings
}

// HandleMessage reports whether the delivery can be acknowledged. Malformed
// messages and rejected commands are acknowledged and logged; anything that may
// succeed later is re-queued.
func (c *ProviderNotificationConsumer) HandleMessage(p domain.Provider, kind domain.NotificationKind, outcome domain.NotificationOutcome, body []byte) bool {
	log := c.logger.With("provider", p, "kind", kind, "outcome", outcome)

	var n domain.ProviderNotification
	if err := json.Unmarshal(body, &n); err != nil {
		log.Error("failed to unmarshal provider notification", "error", err)
		return true
	}
	log = log.With("notification_id", n.NotificationID, "member_id", n.MemberID, "transaction_id", n.TransactionID)

	cmd, err := notificationCommand(kind, outcome, n)
	if err != nil {
		log.Error("dropping provider notification", "error", err)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	reply, err := c.commands.SendAndWait(ctx, cmd)
	if err != nil {
		if errors.Is(err, domain.ErrValidation) {
			log.Warn("provider notification rejected", "error", err)
			return true
		}
		log.Error("provider notification processing failed", "error", err)
		return false
	}
	if settled, ok := reply.(bool); ok && !settled {
		log.Warn("provider notification recorded an amount mismatch")
	}
	return true
}

func notificationCommand(kind domain.NotificationKind, outcome domain.NotificationOutcome, n domain.ProviderNotification) (domain.Command, error) {
	if strings.TrimSpace(n.MemberID) == "" {
		return nil, fmt.Errorf("%w: missing member_id", errMalformedNotification)
	}
	if n.TransactionID == uuid.Nil {
		return nil, fmt.Errorf("%w: missing transaction_id", errMalformedNotification)
	}

	var amount domain.Money
	if strings.TrimSpace(n.Amount) != "" {
		parsed, err := domain.NewMoney(n.Amount, n.Currency)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errMalformedNotification, err)
		}
		amount = parsed
	}

	switch {
	case kind == domain.NotificationCharge && outcome == domain.NotificationCompleted:
		if amount.Currency == "" {
			return nil, fmt.Errorf("%w: charge completion without amount", errMalformedNotification)
		}
		return domain.ChargeCompletedCommand{MemberID: n.MemberID, TransactionID: n.TransactionID, Amount: amount, Timestamp: n.OccurredAt}, nil
	case kind == domain.NotificationCharge && outcome == domain.NotificationFailed:
		return domain.ChargeFailedCommand{MemberID: n.MemberID, TransactionID: n.TransactionID, Timestamp: n.OccurredAt}, nil
	case kind == domain.NotificationPayout && outcome == domain.NotificationCompleted:
		return domain.PayoutCompletedCommand{MemberID: n.MemberID, TransactionID: n.TransactionID, Amount: amount, Timestamp: n.OccurredAt}, nil
	case kind == domain.NotificationPayout && outcome == domain.NotificationFailed:
		return domain.PayoutFailedCommand{MemberID: n.MemberID, TransactionID: n.TransactionID, Amount: amount, Reason: n.Reason, Timestamp: n.OccurredAt}, nil
	default:
		return nil, fmt.Errorf("%w: unknown kind %q or outcome %q", errMalformedNotification, kind, outcome)
	}
}
