package provider

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/transfa/payment-service/internal/domain"
	"github.com/transfa/payment-service/pkg/adyenclient"
)

type adyenAPIError = adyenclient.APIError

type adyenAPI interface {
	SubmitPayout(ctx context.Context, payload adyenclient.SubmitPayoutRequest, idempotencyKey string) (*adyenclient.SubmitPayoutResponse, error)
	ConfirmPayout(ctx context.Context, pspReference, idempotencyKey string) (*adyenclient.ConfirmPayoutResponse, error)
}

// AdyenAdapter pays out to the shopper's stored Adyen payout details. Submitted
// payouts only execute after ConfirmPayout.
type AdyenAdapter struct {
	client adyenAPI
}

func NewAdyenAdapter(client adyenAPI) *AdyenAdapter {
	return &AdyenAdapter{client: client}
}

func (a *AdyenAdapter) StartPayoutOrder(ctx context.Context, req PayoutRequest, orderID uuid.UUID) (*PayoutOrderResponse, error) {
	minor, err := req.Amount.MinorUnits()
	if err != nil {
		return nil, &Error{Provider: domain.ProviderAdyen, Kind: Terminal, Err: err}
	}
	resp, err := a.client.SubmitPayout(ctx, adyenclient.SubmitPayoutRequest{
		Amount:           adyenclient.Amount{Value: minor, Currency: req.Amount.Currency},
		Reference:        orderID.String(),
		ShopperReference: req.AccountRef,
		ShopperName:      adyenclient.Name{FirstName: req.FirstName, LastName: req.LastName},
		DateOfBirth:      req.DateOfBirth,
		Nationality:      req.CountryCode,
		ShopperStatement: req.Category,
	}, orderID.String())
	if err != nil {
		return nil, classify(domain.ProviderAdyen, err)
	}
	if resp.RefusalReason != "" {
		return nil, &Error{Provider: domain.ProviderAdyen, Kind: Terminal, Err: fmt.Errorf("payout refused: %s", resp.RefusalReason)}
	}
	return &PayoutOrderResponse{ProviderOrderID: resp.PSPReference, RequiresConfirmation: true}, nil
}

func (a *AdyenAdapter) ConfirmPayout(ctx context.Context, providerOrderID string, orderID uuid.UUID) error {
	if _, err := a.client.ConfirmPayout(ctx, providerOrderID, orderID.String()+"-confirm"); err != nil {
		return classify(domain.ProviderAdyen, err)
	}
	return nil
}
