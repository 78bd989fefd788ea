/**
 * @description
 * This file contains the command API of the payment service. The `Service` turns
 * caller input into commands and waits for the aggregate's answer through the
 * command gateway. It never touches the event store or the view directly.
 *
 * Key features:
 * - Mints transaction ids for charges and payouts, so callers cannot collide them.
 * - Parses amounts as exact decimals and rejects malformed input as validation errors.
 * - Reports only whether a request was accepted; settlement arrives asynchronously.
 *
 * @dependencies
 * - github.com/google/uuid: For transaction id generation.
 * - internal/command: For dispatching commands to the aggregates.
 * - internal/domain: For commands, request payloads and validation errors.
 */

package app

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/transfa/payment-service/internal/command"
	"github.com/transfa/payment-service/internal/domain"
)

const defaultPayoutCategory = "DEFAULT"

// Service provides the command side of member payments.
type Service struct {
	commands       command.Dispatcher
	logger         *slog.Logger
	payoutCategory string
	newID          func() uuid.UUID
}

// NewService creates a new payment service. payoutCategory is used for payouts
// that do not name one.
func NewService(commands command.Dispatcher, logger *slog.Logger, payoutCategory string) *Service {
	category := strings.TrimSpace(payoutCategory)
	if category == "" {
		category = defaultPayoutCategory
	}
	return &Service{
		commands:       commands,
		logger:         logger,
		payoutCategory: category,
		newID:          uuid.New,
	}
}

// CreateMember registers a member. It reports false if the member already existed.
func (s *Service) CreateMember(ctx context.Context, memberID string) (bool, error) {
	memberID = strings.TrimSpace(memberID)
	if memberID == "" {
		return false, domain.Invalid("member_id", "is required")
	}
	created, err := command.SendAndWaitAs[bool](ctx, s.commands, domain.CreateMemberCommand{MemberID: memberID})
	if err != nil {
		return false, err
	}
	if created {
		s.logger.Info("member created", "member_id", memberID)
	}
	return created, nil
}

// ChargeMember asks the member aggregate to start a direct debit charge.
func (s *Service) ChargeMember(ctx context.Context, memberID string, req domain.ChargeRequest) (domain.ChargeResult, error) {
	amount, err := domain.NewMoney(req.Amount, req.Currency)
	if err != nil {
		return domain.ChargeResult{}, domain.Invalid("amount", err.Error())
	}
	cmd := domain.CreateChargeCommand{
		MemberID:       memberID,
		TransactionID:  s.newID(),
		Amount:         amount,
		RequestedAt:    req.RequestedAt,
		PayerReference: strings.TrimSpace(req.PayerReference),
	}
	result, err := command.SendAndWaitAs[domain.ChargeResult](ctx, s.commands, cmd)
	if err != nil {
		return domain.ChargeResult{}, err
	}
	s.logger.Info("charge requested",
		"member_id", memberID,
		"transaction_id", cmd.TransactionID,
		"amount", amount.String(),
		"result", result.Type,
	)
	return result, nil
}

// PayoutMember asks the member aggregate to start a payout. Accepted payouts are
// carried out by the payout saga.
func (s *Service) PayoutMember(ctx context.Context, memberID string, req domain.PayoutRequest) (domain.PayoutResult, error) {
	amount, err := domain.NewMoney(req.Amount, req.Currency)
	if err != nil {
		return domain.PayoutResult{}, domain.Invalid("amount", err.Error())
	}
	category := strings.TrimSpace(req.Category)
	if category == "" {
		category = s.payoutCategory
	}
	cmd := domain.CreatePayoutCommand{
		MemberID:      memberID,
		TransactionID: s.newID(),
		Amount:        amount,
		Address:       strings.TrimSpace(req.Address),
		CountryCode:   strings.ToUpper(strings.TrimSpace(req.CountryCode)),
		DateOfBirth:   strings.TrimSpace(req.DateOfBirth),
		FirstName:     strings.TrimSpace(req.FirstName),
		LastName:      strings.TrimSpace(req.LastName),
		Category:      category,
		RequestedAt:   req.RequestedAt,
	}
	accepted, err := command.SendAndWaitAs[bool](ctx, s.commands, cmd)
	if err != nil {
		return domain.PayoutResult{}, err
	}
	s.logger.Info("payout requested",
		"member_id", memberID,
		"transaction_id", cmd.TransactionID,
		"amount", amount.String(),
		"accepted", accepted,
	)
	return domain.PayoutResult{TransactionID: cmd.TransactionID, Accepted: accepted}, nil
}

// UpdateTrustlyAccount records a Trustly account registration and returns the
// registration order id it was filed under.
func (s *Service) UpdateTrustlyAccount(ctx context.Context, memberID string, req domain.TrustlyAccountRequest) (uuid.UUID, error) {
	cmd := domain.UpdateTrustlyAccountCommand{
		MemberID:                 memberID,
		AccountID:                strings.TrimSpace(req.AccountID),
		Bank:                     strings.TrimSpace(req.Bank),
		Descriptor:               strings.TrimSpace(req.Descriptor),
		LastDigits:               strings.TrimSpace(req.LastDigits),
		DirectDebitMandateActive: req.DirectDebitMandateActive,
	}
	if req.RegistrationOrderID != nil {
		cmd.RegistrationOrderID = *req.RegistrationOrderID
	}
	return command.SendAndWaitAs[uuid.UUID](ctx, s.commands, cmd)
}

// UpdateAdyenPayoutAccount stores the member's Adyen shopper reference for payouts.
func (s *Service) UpdateAdyenPayoutAccount(ctx context.Context, memberID string, req domain.AdyenPayoutAccountRequest) error {
	_, err := s.commands.SendAndWait(ctx, domain.UpdateAdyenPayoutAccountCommand{
		MemberID:         memberID,
		ShopperReference: strings.TrimSpace(req.ShopperReference),
		Status:           strings.TrimSpace(req.Status),
	})
	return err
}
