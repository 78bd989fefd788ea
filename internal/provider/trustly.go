package provider

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/transfa/payment-service/internal/domain"
	"github.com/transfa/payment-service/pkg/trustlyclient"
)

type trustlyAPI interface {
	CreatePayout(ctx context.Context, payload trustlyclient.PayoutRequest, idempotencyKey string) (*trustlyclient.PayoutResponse, error)
}

// TrustlyAdapter pays out to the member's registered Trustly bank account.
type TrustlyAdapter struct {
	client trustlyAPI
}

func NewTrustlyAdapter(client trustlyAPI) *TrustlyAdapter {
	return &TrustlyAdapter{client: client}
}

func (a *TrustlyAdapter) StartPayoutOrder(ctx context.Context, req PayoutRequest, orderID uuid.UUID) (*PayoutOrderResponse, error) {
	if _, err := req.Amount.MinorUnits(); err != nil {
		return nil, &Error{Provider: domain.ProviderTrustly, Kind: Terminal, Err: err}
	}
	resp, err := a.client.CreatePayout(ctx, trustlyclient.PayoutRequest{
		MessageID:   orderID.String(),
		AccountID:   req.AccountRef,
		EndUserID:   req.MemberID,
		Amount:      req.Amount.Fixed(),
		Currency:    req.Amount.Currency,
		FirstName:   req.FirstName,
		LastName:    req.LastName,
		Address:     req.Address,
		CountryCode: req.CountryCode,
		DateOfBirth: req.DateOfBirth,
		Category:    req.Category,
	}, orderID.String())
	if err != nil {
		return nil, classify(domain.ProviderTrustly, err)
	}
	return &PayoutOrderResponse{ProviderOrderID: resp.OrderID}, nil
}

func classify(p domain.Provider, err error) error {
	var trustlyErr *trustlyclient.APIError
	if errors.As(err, &trustlyErr) {
		return &Error{Provider: p, Kind: ClassifyStatus(trustlyErr.StatusCode), StatusCode: trustlyErr.StatusCode, Err: err}
	}
	var adyenErr *adyenAPIError
	if errors.As(err, &adyenErr) {
		return &Error{Provider: p, Kind: ClassifyStatus(adyenErr.StatusCode), StatusCode: adyenErr.StatusCode, Err: err}
	}
	return &Error{Provider: p, Kind: Transient, Err: err}
}
