/**
 * @description
 * This package provides a client for Adyen's third-party payout endpoints. A payout
 * is submitted against the shopper's stored payout details and must then be
 * confirmed with a second call that references the submission.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, io, net/http, time: Standard Go libraries.
 */
package adyenclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	submitPath  = "/pal/servlet/Payout/v68/submitThirdParty"
	confirmPath = "/pal/servlet/Payout/v68/confirmThirdParty"
)

// Client is a client for the Adyen payout API.
type Client struct {
	BaseURL         string
	APIKey          string
	MerchantAccount string
	HTTPClient      *http.Client
}

// NewClient creates a new Adyen API client.
func NewClient(baseURL, apiKey, merchantAccount string) *Client {
	return &Client{
		BaseURL:         strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		APIKey:          apiKey,
		MerchantAccount: merchantAccount,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type Amount struct {
	Value    int64  `json:"value"`
	Currency string `json:"currency"`
}

type Name struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

type Recurring struct {
	Contract string `json:"contract"`
}

// SubmitPayoutRequest pays out to the shopper's latest stored payout details.
type SubmitPayoutRequest struct {
	Amount                           Amount    `json:"amount"`
	MerchantAccount                  string    `json:"merchantAccount"`
	Reference                        string    `json:"reference"`
	ShopperReference                 string    `json:"shopperReference"`
	SelectedRecurringDetailReference string    `json:"selectedRecurringDetailReference"`
	Recurring                        Recurring `json:"recurring"`
	ShopperName                      Name      `json:"shopperName"`
	DateOfBirth                      string    `json:"dateOfBirth,omitempty"`
	Nationality                      string    `json:"nationality,omitempty"`
	ShopperStatement                 string    `json:"shopperStatement,omitempty"`
}

type SubmitPayoutResponse struct {
	PSPReference  string `json:"pspReference"`
	ResultCode    string `json:"resultCode"`
	RefusalReason string `json:"refusalReason,omitempty"`
}

type confirmPayoutRequest struct {
	MerchantAccount   string `json:"merchantAccount"`
	OriginalReference string `json:"originalReference"`
}

type ConfirmPayoutResponse struct {
	PSPReference string `json:"pspReference"`
	Response     string `json:"response"`
}

// APIError is a non-2xx answer from Adyen.
type APIError struct {
	StatusCode int    `json:"status"`
	ErrorCode  string `json:"errorCode"`
	Message    string `json:"message"`
	ErrorType  string `json:"errorType"`
}

func (e *APIError) Error() string {
	if e.ErrorCode == "" && e.Message == "" {
		return fmt.Sprintf("adyen api error: status %d", e.StatusCode)
	}
	return fmt.Sprintf("adyen api error: status %d: %s - %s", e.StatusCode, e.ErrorCode, e.Message)
}

// SubmitPayout submits a third-party payout. The returned psp reference is
// needed to confirm it.
func (c *Client) SubmitPayout(ctx context.Context, payload SubmitPayoutRequest, idempotencyKey string) (*SubmitPayoutResponse, error) {
	payload.MerchantAccount = c.MerchantAccount
	if payload.SelectedRecurringDetailReference == "" {
		payload.SelectedRecurringDetailReference = "LATEST"
	}
	if payload.Recurring.Contract == "" {
		payload.Recurring.Contract = "PAYOUT"
	}

	var out SubmitPayoutResponse
	if err := c.post(ctx, submitPath, payload, idempotencyKey, &out); err != nil {
		return nil, err
	}
	if out.PSPReference == "" {
		return nil, fmt.Errorf("adyen submit response has no psp reference")
	}
	return &out, nil
}

// ConfirmPayout confirms a previously submitted payout.
func (c *Client) ConfirmPayout(ctx context.Context, pspReference, idempotencyKey string) (*ConfirmPayoutResponse, error) {
	var out ConfirmPayoutResponse
	payload := confirmPayoutRequest{MerchantAccount: c.MerchantAccount, OriginalReference: pspReference}
	if err := c.post(ctx, confirmPath, payload, idempotencyKey, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) post(ctx context.Context, path string, payload interface{}, idempotencyKey string, out interface{}) error {
	if c.BaseURL == "" {
		return fmt.Errorf("adyen base url is empty")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal adyen request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to create adyen request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.APIKey)
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute adyen request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read adyen response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{}
		_ = json.Unmarshal(bodyBytes, apiErr)
		apiErr.StatusCode = resp.StatusCode
		return apiErr
	}

	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return fmt.Errorf("failed to decode adyen response: %w", err)
	}
	return nil
}
