/**
 * @description
 * This file contains the HTTP handlers for the payment-service API. Handlers
 * decode and validate input, call the service layer, and map the service's
 * error taxonomy onto machine-readable response kinds. No business logic
 * lives here.
 *
 * Endpoints:
 * - POST /payments/purchase: capture a payment and credit sessions.
 * - GET  /payments/methods/{accountID}: saved card payment methods.
 * - GET  /payments/grants/{token}: grant lookup by idempotency token.
 * - GET  /payments/compensations: operator compensation record queries.
 */

package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/swanstudios/payment-service/internal/app"
	"github.com/swanstudios/payment-service/internal/domain"
	"github.com/swanstudios/payment-service/internal/store"
)

// Handlers holds the dependencies for the API handlers.
type Handlers struct {
	service *app.Service
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(service *app.Service) *Handlers {
	return &Handlers{service: service}
}

// Error response kinds returned to clients.
const (
	kindInvalidInput            = "INVALID_INPUT"
	kindNotFound                = "NOT_FOUND"
	kindOwnershipMismatch       = "OWNERSHIP_MISMATCH"
	kindCaptureFailed           = "CAPTURE_FAILED"
	kindCreditFailedCompensated = "CREDIT_FAILED_COMPENSATED"
	kindCompensationFailed      = "COMPENSATION_FAILED"
	kindRateLimited             = "RATE_LIMITED"
	kindGatewayUnavailable      = "GATEWAY_UNAVAILABLE"
	kindInternal                = "INTERNAL"
)

type errorBody struct {
	Kind          string `json:"kind"`
	Message       string `json:"message"`
	Hint          string `json:"duplicate_window,omitempty"`
	TransactionID string `json:"transaction_id,omitempty"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

type purchasePayload struct {
	AccountID        string `json:"account_id"`
	PackageID        string `json:"package_id"`
	PaymentMethodID  string `json:"payment_method_id"`
	IdempotencyToken string `json:"idempotency_token"`
	Force            bool   `json:"force"`
	ForceReason      string `json:"force_reason"`
}

// HandlePurchase processes POST /payments/purchase.
func (h *Handlers) HandlePurchase(w http.ResponseWriter, r *http.Request) {
	requesterID, ok := requesterUUID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "requester identity missing")
		return
	}

	var payload purchasePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, kindInvalidInput, "invalid JSON body")
		return
	}

	accountID, err := uuid.Parse(payload.AccountID)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, kindInvalidInput, "account_id must be a UUID")
		return
	}
	packageID, err := uuid.Parse(payload.PackageID)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, kindInvalidInput, "package_id must be a UUID")
		return
	}

	receipt, err := h.service.ProcessPurchase(r.Context(), &domain.PurchaseRequest{
		RequesterID:      requesterID,
		AccountID:        accountID,
		PackageID:        packageID,
		PaymentMethodID:  payload.PaymentMethodID,
		IdempotencyToken: payload.IdempotencyToken,
		Force:            payload.Force,
		ForceReason:      payload.ForceReason,
	})
	if err != nil {
		h.writePurchaseError(w, err)
		return
	}

	status := http.StatusCreated
	if receipt.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, receipt)
}

// writePurchaseError maps the service error taxonomy onto response kinds.
func (h *Handlers) writePurchaseError(w http.ResponseWriter, err error) {
	var creditErr *app.CreditFailedError
	var compErr *app.CompensationFailedError

	// The typed errors are the most specific classification and must win:
	// both unwrap to their inner cause, so the sentinel cases below would
	// otherwise swallow a failed compensation whose refund error carries a
	// gateway sentinel.
	switch {
	case errors.As(err, &compErr):
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: errorBody{
			Kind:          kindCompensationFailed,
			Message:       "purchase failed and the automatic refund also failed; contact support with the transaction id",
			TransactionID: compErr.TransactionID,
		}})
	case errors.As(err, &creditErr):
		writeJSON(w, http.StatusConflict, errorResponse{Error: errorBody{
			Kind:    kindCreditFailedCompensated,
			Message: "purchase could not be completed; the charge was refunded",
			Hint:    creditErr.Hint,
		}})
	case errors.Is(err, app.ErrInvalidIdempotencyToken),
		errors.Is(err, app.ErrInvalidPurchase):
		writeError(w, http.StatusUnprocessableEntity, kindInvalidInput, err.Error())
	case errors.Is(err, store.ErrAccountNotFound),
		errors.Is(err, store.ErrPackageNotFound),
		errors.Is(err, app.ErrAccountNotEligible),
		errors.Is(err, app.ErrNoGatewayCustomer),
		errors.Is(err, app.ErrPackageInactive),
		errors.Is(err, app.ErrPaymentMethodNotFound):
		writeError(w, http.StatusNotFound, kindNotFound, err.Error())
	case errors.Is(err, app.ErrOwnershipMismatch):
		writeError(w, http.StatusForbidden, kindOwnershipMismatch, err.Error())
	case errors.Is(err, app.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, kindRateLimited, "too many purchase attempts, slow down")
	case errors.Is(err, app.ErrCaptureDeclined):
		writeError(w, http.StatusPaymentRequired, kindCaptureFailed, "payment was declined")
	case errors.Is(err, app.ErrGatewayUnavailable):
		writeError(w, http.StatusBadGateway, kindGatewayUnavailable, "payment gateway is unavailable, try again shortly")
	default:
		log.Printf("level=error component=api msg=\"unhandled purchase error\" error=%v", err)
		writeError(w, http.StatusInternalServerError, kindInternal, "internal error")
	}
}

// HandleListPaymentMethods processes GET /payments/methods/{accountID}.
func (h *Handlers) HandleListPaymentMethods(w http.ResponseWriter, r *http.Request) {
	accountID, err := uuid.Parse(chi.URLParam(r, "accountID"))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, kindInvalidInput, "accountID must be a UUID")
		return
	}

	methods, hasCustomer, err := h.service.ListPaymentMethods(r.Context(), accountID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrAccountNotFound):
			writeError(w, http.StatusNotFound, kindNotFound, "account not found")
		case errors.Is(err, app.ErrGatewayUnavailable):
			writeError(w, http.StatusBadGateway, kindGatewayUnavailable, "payment gateway is unavailable")
		default:
			log.Printf("level=error component=api msg=\"failed to list payment methods\" account_id=%s error=%v", accountID, err)
			writeError(w, http.StatusInternalServerError, kindInternal, "internal error")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"payment_methods":      methods,
		"has_gateway_customer": hasCustomer,
	})
}

// HandleGetGrantByToken processes GET /payments/grants/{token}.
func (h *Handlers) HandleGetGrantByToken(w http.ResponseWriter, r *http.Request) {
	grant, err := h.service.GetGrantByToken(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		switch {
		case errors.Is(err, app.ErrInvalidIdempotencyToken):
			writeError(w, http.StatusUnprocessableEntity, kindInvalidInput, "token must be a version-4 UUID")
		case errors.Is(err, store.ErrGrantNotFound):
			writeError(w, http.StatusNotFound, kindNotFound, "no grant recorded for token")
		default:
			log.Printf("level=error component=api msg=\"failed to look up grant\" error=%v", err)
			writeError(w, http.StatusInternalServerError, kindInternal, "internal error")
		}
		return
	}
	writeJSON(w, http.StatusOK, grant)
}

// HandleListCompensations processes GET /payments/compensations for operators.
// Exactly one of the transaction_id and account_id query params is required.
func (h *Handlers) HandleListCompensations(w http.ResponseWriter, r *http.Request) {
	txID := r.URL.Query().Get("transaction_id")
	acctParam := r.URL.Query().Get("account_id")

	if (txID == "") == (acctParam == "") {
		writeError(w, http.StatusUnprocessableEntity, kindInvalidInput, "provide exactly one of transaction_id or account_id")
		return
	}

	var records []domain.CompensationRecord
	var err error
	if txID != "" {
		records, err = h.service.ListCompensationRecordsByTransactionID(r.Context(), txID)
	} else {
		var accountID uuid.UUID
		accountID, err = uuid.Parse(acctParam)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, kindInvalidInput, "account_id must be a UUID")
			return
		}
		records, err = h.service.ListCompensationRecordsByAccountID(r.Context(), accountID)
	}
	if err != nil {
		log.Printf("level=error component=api msg=\"failed to list compensation records\" error=%v", err)
		writeError(w, http.StatusInternalServerError, kindInternal, "internal error")
		return
	}
	if records == nil {
		records = []domain.CompensationRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"compensation_records": records})
}

func requesterUUID(r *http.Request) (uuid.UUID, bool) {
	sub, ok := GetRequesterID(r.Context())
	if !ok {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(sub)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("level=error component=api msg=\"failed to encode response\" error=%v", err)
	}
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, errorResponse{Error: errorBody{Kind: kind, Message: message}})
}
