/**
 * @description
 * This package provides a minimal client for Trustly's payout API. It builds the
 * authenticated request, sends the caller's order id as the idempotency key and
 * turns non-2xx answers into a typed *APIError.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, io, net/http, time: Standard Go libraries.
 */
package trustlyclient

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

// Client is a client for the Trustly API.
type Client struct {
	BaseURL    string
	Username   string
	Password   string
	HTTPClient *http.Client
}

// NewClient creates a new Trustly API client.
func NewClient(baseURL, username, password string) *Client {
	return &Client{
		BaseURL:  strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		Username: username,
		Password: password,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// PayoutRequest is the payload of a Trustly account payout.
type PayoutRequest struct {
	MessageID   string `json:"message_id"`
	AccountID   string `json:"account_id"`
	EndUserID   string `json:"end_user_id"`
	Amount      string `json:"amount"`
	Currency    string `json:"currency"`
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	Address     string `json:"address,omitempty"`
	CountryCode string `json:"country_code"`
	DateOfBirth string `json:"date_of_birth,omitempty"`
	Category    string `json:"category,omitempty"`
}

// PayoutResponse is returned when Trustly accepted the payout order.
type PayoutResponse struct {
	OrderID string `json:"order_id"`
	Result  string `json:"result"`
}

// APIError is a non-2xx answer from Trustly.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" && e.Message == "" {
		return fmt.Sprintf("trustly api error: status %d", e.StatusCode)
	}
	return fmt.Sprintf("trustly api error: status %d: %s - %s", e.StatusCode, e.Code, e.Message)
}

// CreatePayout asks Trustly to pay out to the member's registered account.
// idempotencyKey must be stable across retries of the same order.
func (c *Client) CreatePayout(ctx context.Context, payload PayoutRequest, idempotencyKey string) (*PayoutResponse, error) {
	if c.BaseURL == "" {
		return nil, fmt.Errorf("trustly base url is empty")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payout request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/api/v1/payouts", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create payout request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)
	req.SetBasicAuth(c.Username, c.Password)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute payout request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read payout response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		_ = json.Unmarshal(bodyBytes, apiErr)
		return nil, apiErr
	}

	var payoutResp PayoutResponse
	if err := json.Unmarshal(bodyBytes, &payoutResp); err != nil {
		return nil, fmt.Errorf("failed to decode payout response: %w", err)
	}
	if payoutResp.OrderID == "" {
		return nil, fmt.Errorf("trustly payout response has no order id")
	}

	return &payoutResp, nil
}
