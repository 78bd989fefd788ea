/**
 * @description
 * HTTP handlers for the payment service. Handlers decode the request, call the
 * application service or the member view queries, and map domain errors onto
 * HTTP status codes.
 *
 * @dependencies
 * - internal/app: the command side (member, charge and payout commands).
 * - internal/projection: the query side (member view).
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/transfa/payment-service/internal/command"
	"github.com/transfa/payment-service/internal/domain"
	"github.com/transfa/payment-service/internal/eventstore"
)

// PaymentService is the command side used by the handlers.
type PaymentService interface {
	CreateMember(ctx context.Context, memberID string) (bool, error)
	ChargeMember(ctx context.Context, memberID string, req domain.ChargeRequest) (domain.ChargeResult, error)
	PayoutMember(ctx context.Context, memberID string, req domain.PayoutRequest) (domain.PayoutResult, error)
	UpdateTrustlyAccount(ctx context.Context, memberID string, req domain.TrustlyAccountRequest) (uuid.UUID, error)
	UpdateAdyenPayoutAccount(ctx context.Context, memberID string, req domain.AdyenPayoutAccountRequest) error
}

// MemberQueries is the query side used by the handlers.
type MemberQueries interface {
	GetMember(ctx context.Context, memberID string) (*domain.Member, error)
	GetTransaction(ctx context.Context, memberID string, transactionID uuid.UUID) (*domain.Transaction, error)
	ResetView(ctx context.Context) error
}

// Handlers holds the services the handlers use.
type Handlers struct {
	service PaymentService
	queries MemberQueries
	logger  *slog.Logger
}

// NewHandlers creates a new instance of Handlers.
func NewHandlers(service PaymentService, queries MemberQueries, logger *slog.Logger) *Handlers {
	return &Handlers{service: service, queries: queries, logger: logger}
}

type createMemberRequest struct {
	MemberID string `json:"member_id"`
}

type createMemberResponse struct {
	MemberID string `json:"member_id"`
	Created  bool   `json:"created"`
}

type chargeResponse struct {
	TransactionID uuid.UUID               `json:"transaction_id"`
	Result        domain.ChargeResultType `json:"result"`
	Accepted      bool                    `json:"accepted"`
}

type trustlyAccountResponse struct {
	RegistrationOrderID uuid.UUID `json:"registration_order_id"`
}

type transactionResponse struct {
	ID        uuid.UUID                `json:"id"`
	Amount    string                   `json:"amount"`
	Currency  string                   `json:"currency"`
	Type      domain.TransactionType   `json:"type"`
	Status    domain.TransactionStatus `json:"status"`
	Timestamp time.Time                `json:"timestamp"`
}

type memberResponse struct {
	ID                   string                   `json:"id"`
	TrustlyAccountNumber string                   `json:"trustly_account_number,omitempty"`
	Bank                 string                   `json:"bank,omitempty"`
	Descriptor           string                   `json:"descriptor,omitempty"`
	LastDigits           string                   `json:"last_digits,omitempty"`
	DirectDebitStatus    domain.DirectDebitStatus `json:"direct_debit_status,omitempty"`
	Transactions         []transactionResponse    `json:"transactions"`
}

func newTransactionResponse(tx *domain.Transaction) transactionResponse {
	return transactionResponse{
		ID:        tx.ID,
		Amount:    domain.FormatAmount(tx.Amount, tx.Currency),
		Currency:  tx.Currency,
		Type:      tx.Type,
		Status:    tx.Status,
		Timestamp: tx.Timestamp,
	}
}

// newMemberResponse lists transactions oldest first.
func newMemberResponse(m *domain.Member) memberResponse {
	resp := memberResponse{
		ID:                   m.ID,
		TrustlyAccountNumber: m.TrustlyAccountNumber,
		Bank:                 m.Bank,
		Descriptor:           m.Descriptor,
		LastDigits:           m.LastDigits,
		DirectDebitStatus:    m.DirectDebitStatus,
		Transactions:         make([]transactionResponse, 0, len(m.Transactions)),
	}
	for _, tx := range m.Transactions {
		resp.Transactions = append(resp.Transactions, newTransactionResponse(tx))
	}
	sort.Slice(resp.Transactions, func(i, j int) bool {
		a, b := resp.Transactions[i], resp.Transactions[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return a.ID.String() < b.ID.String()
	})
	return resp
}

// CreateMemberHandler registers a member. 201 when created, 200 when it already existed.
func (h *Handlers) CreateMemberHandler(w http.ResponseWriter, r *http.Request) {
	var req createMemberRequest
	if !h.decode(w, r, &req) {
		return
	}

	created, err := h.service.CreateMember(r.Context(), req.MemberID)
	if err != nil {
		h.writeServiceError(w, "create_member", err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	h.writeJSON(w, status, createMemberResponse{MemberID: req.MemberID, Created: created})
}

// ChargeMemberHandler starts a direct debit charge.
func (h *Handlers) ChargeMemberHandler(w http.ResponseWriter, r *http.Request) {
	memberID := chi.URLParam(r, "memberID")
	var req domain.ChargeRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.service.ChargeMember(r.Context(), memberID, req)
	if err != nil {
		h.writeServiceError(w, "charge_member", err)
		return
	}

	resp := chargeResponse{TransactionID: result.TransactionID, Result: result.Type, Accepted: result.Success()}
	if !resp.Accepted {
		h.writeJSON(w, http.StatusUnprocessableEntity, resp)
		return
	}
	h.writeJSON(w, http.StatusCreated, resp)
}

// PayoutMemberHandler starts a payout. An accepted payout is carried out
// asynchronously, so the response is 202.
func (h *Handlers) PayoutMemberHandler(w http.ResponseWriter, r *http.Request) {
	memberID := chi.URLParam(r, "memberID")
	var req domain.PayoutRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.service.PayoutMember(r.Context(), memberID, req)
	if err != nil {
		h.writeServiceError(w, "payout_member", err)
		return
	}

	if !result.Accepted {
		h.writeJSON(w, http.StatusUnprocessableEntity, result)
		return
	}
	h.writeJSON(w, http.StatusAccepted, result)
}

func (h *Handlers) UpdateTrustlyAccountHandler(w http.ResponseWriter, r *http.Request) {
	memberID := chi.URLParam(r, "memberID")
	var req domain.TrustlyAccountRequest
	if !h.decode(w, r, &req) {
		return
	}

	registration, err := h.service.UpdateTrustlyAccount(r.Context(), memberID, req)
	if err != nil {
		h.writeServiceError(w, "update_trustly_account", err)
		return
	}
	h.writeJSON(w, http.StatusOK, trustlyAccountResponse{RegistrationOrderID: registration})
}

func (h *Handlers) UpdateAdyenPayoutAccountHandler(w http.ResponseWriter, r *http.Request) {
	memberID := chi.URLParam(r, "memberID")
	var req domain.AdyenPayoutAccountRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.service.UpdateAdyenPayoutAccount(r.Context(), memberID, req); err != nil {
		h.writeServiceError(w, "update_adyen_payout_account", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) GetMemberHandler(w http.ResponseWriter, r *http.Request) {
	member, err := h.queries.GetMember(r.Context(), chi.URLParam(r, "memberID"))
	if err != nil {
		h.writeServiceError(w, "get_member", err)
		return
	}
	h.writeJSON(w, http.StatusOK, newMemberResponse(member))
}

func (h *Handlers) GetTransactionHandler(w http.ResponseWriter, r *http.Request) {
	transactionID, err := uuid.Parse(chi.URLParam(r, "transactionID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid transaction ID format")
		return
	}

	tx, err := h.queries.GetTransaction(r.Context(), chi.URLParam(r, "memberID"), transactionID)
	if err != nil {
		h.writeServiceError(w, "get_transaction", err)
		return
	}
	h.writeJSON(w, http.StatusOK, newTransactionResponse(tx))
}

// ResetMemberViewHandler drops the member view and rebuilds it from the event log.
func (h *Handlers) ResetMemberViewHandler(w http.ResponseWriter, r *http.Request) {
	caller, _ := GetCaller(r.Context())
	h.logger.Warn("member view reset requested", "caller", caller)

	if err := h.queries.ResetView(r.Context()); err != nil {
		h.writeServiceError(w, "reset_member_view", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return false
	}
	return true
}

func (h *Handlers) writeServiceError(w http.ResponseWriter, endpoint string, err error) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrMemberNotFound):
		h.writeError(w, http.StatusNotFound, "Member not found")
	case errors.Is(err, domain.ErrTransactionNotFound):
		h.writeError(w, http.StatusNotFound, "Transaction not found")
	case errors.Is(err, eventstore.ErrConcurrencyConflict):
		h.writeError(w, http.StatusConflict, "Member is busy; retry the request")
	case errors.Is(err, command.ErrTimeout):
		h.logger.Warn("command timed out", "endpoint", endpoint, "error", err)
		h.writeError(w, http.StatusGatewayTimeout, "Request timed out; it may still be processed")
	default:
		h.logger.Error("request failed", "endpoint", endpoint, "error", err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
