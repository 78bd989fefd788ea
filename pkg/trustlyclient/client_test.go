package trustlyclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCreatePayoutSendsIdempotencyKeyAndAuth(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/payouts" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Idempotency-Key"); got != "order-1" {
			t.Errorf("expected idempotency key order-1, got %q", got)
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "merchant" || pass != "secret" {
			t.Errorf("unexpected basic auth %q/%q", user, pass)
		}
		var payload PayoutRequest
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if payload.Amount != "50.00" || payload.AccountID != "acct-1" {
			t.Errorf("unexpected payload %+v", payload)
		}
		_ = json.NewEncoder(w).Encode(PayoutResponse{OrderID: "trustly-123", Result: "OK"})
	}))
	defer server.Close()

	client := NewClient(server.URL+"/", "merchant", "secret")
	resp, err := client.CreatePayout(context.Background(), PayoutRequest{AccountID: "acct-1", Amount: "50.00", Currency: "EUR"}, "order-1")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if resp.OrderID != "trustly-123" {
		t.Fatalf("expected order id trustly-123, got %s", resp.OrderID)
	}
}

func TestCreatePayoutMapsErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"code":"ERROR_INVALID_ACCOUNT","message":"account is closed"}`))
	}))
	defer server.Close()

	_, err := NewClient(server.URL, "u", "p").CreatePayout(context.Background(), PayoutRequest{}, "order-1")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusUnprocessableEntity || apiErr.Code != "ERROR_INVALID_ACCOUNT" {
		t.Fatalf("unexpected api error %+v", apiErr)
	}
}

func TestCreatePayoutRejectsEmptyOrderID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"result":"OK"}`))
	}))
	defer server.Close()

	if _, err := NewClient(server.URL, "u", "p").CreatePayout(context.Background(), PayoutRequest{}, "order-1"); err == nil {
		t.Fatal("expected error for response without order id")
	}
}
