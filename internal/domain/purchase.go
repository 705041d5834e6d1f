/**
 * @description
 * This file defines the core domain models for the payment-service.
 * These structs represent the main entities and data transfer objects (DTOs)
 * used throughout the service's business logic, database interactions, and API layers.
 *
 * @notes
 * - Amounts are stored as `int64` to represent the value in the smallest currency
 *   unit (cents), which avoids floating-point inaccuracies with financial data.
 * - EntitlementGrant and CompensationRecord are append-only: corrections are made
 *   by inserting new rows, never by mutating existing ones.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Capture statuses reported by the payment processor.
const (
	CaptureStatusSucceeded      = "succeeded"
	CaptureStatusFailed         = "failed"
	CaptureStatusRequiresAction = "requires_action"
)

// CompensationStatusRefundFailed marks a compensation record whose refund
// could not be issued and requires manual operator action.
const CompensationStatusRefundFailed = "refund_failed"

// Account represents a simplified view of a platform user, containing only
// the data needed by the payment-service.
type Account struct {
	ID                uuid.UUID `json:"id"`
	Role              string    `json:"role"` // e.g., 'client', 'user', 'trainer', 'admin'
	Email             string    `json:"email"`
	FullName          string    `json:"full_name"`
	GatewayCustomerID string    `json:"gateway_customer_id"`
	AvailableSessions int       `json:"available_sessions"`
}

// TrainingPackage represents a purchasable session package from the storefront.
type TrainingPackage struct {
	ID         uuid.UUID `json:"id"`
	Name       string    `json:"name"`
	PriceCents int64     `json:"price_cents"` // in cents
	Sessions   int       `json:"sessions"`
	IsActive   bool      `json:"is_active"`
}

// PurchaseRequest is the input to the purchase orchestrator. It is immutable
// once accepted: handlers construct it per request and discard it afterwards.
type PurchaseRequest struct {
	RequesterID      uuid.UUID `json:"requester_id"`
	AccountID        uuid.UUID `json:"account_id"`
	PackageID        uuid.UUID `json:"package_id"`
	PaymentMethodID  string    `json:"payment_method_id"`
	IdempotencyToken string    `json:"idempotency_token"` // must be a UUIDv4
	Force            bool      `json:"force,omitempty"`
	ForceReason      string    `json:"force_reason,omitempty"`
}

// CaptureResult is the processor-side outcome of an attempted charge. It is
// owned by the gateway adapter; the orchestrator treats it as read-only evidence.
type CaptureResult struct {
	TransactionID string `json:"transaction_id"`
	Status        string `json:"status"` // succeeded, failed, requires_action
	AmountCents   int64  `json:"amount_cents"`
	CardBrand     string `json:"card_brand,omitempty"`
	CardLast4     string `json:"card_last4,omitempty"`
}

// PaymentMethodInfo describes a stored payment method as reported by the processor.
type PaymentMethodInfo struct {
	ID         string `json:"id"`
	CustomerID string `json:"customer_id"`
	Brand      string `json:"brand"`
	Last4      string `json:"last4"`
	ExpMonth   int    `json:"exp_month"`
	ExpYear    int    `json:"exp_year"`
}

// RefundResult is the processor-side outcome of a refund request.
type RefundResult struct {
	ID            string `json:"id"`
	TransactionID string `json:"transaction_id"`
	Status        string `json:"status"`
}

// EntitlementGrant is the durable record created when sessions are credited
// to an account. At most one grant may ever exist for a given idempotency
// token; the unique constraint on the token column enforces this.
type EntitlementGrant struct {
	ID               uuid.UUID `json:"id"`
	AccountID        uuid.UUID `json:"account_id"`
	PackageID        uuid.UUID `json:"package_id"`
	RequesterID      uuid.UUID `json:"requester_id"`
	Sessions         int       `json:"sessions"`
	PreviousBalance  int       `json:"previous_balance"`
	NewBalance       int       `json:"new_balance"`
	AmountCents      int64     `json:"amount_cents"`
	TransactionID    string    `json:"transaction_id"`
	IdempotencyToken uuid.UUID `json:"idempotency_token"`
	CreatedAt        time.Time `json:"created_at"`
}

// CompensationRecord is the durable audit artifact created only when capture
// succeeded, credit failed, AND the compensating refund also failed. It is
// intentionally over-retained and never auto-deleted; a human operator uses it
// to issue a manual refund.
type CompensationRecord struct {
	ID            uuid.UUID `json:"id"`
	TransactionID string    `json:"transaction_id"`
	AccountID     uuid.UUID `json:"account_id"`
	AmountCents   int64     `json:"amount_cents"`
	CreditFailure string    `json:"credit_failure"`
	RefundFailure string    `json:"refund_failure"`
	Status        string    `json:"status"` // always 'refund_failed'
	CreatedAt     time.Time `json:"created_at"`
}

// PurchaseReceipt is the orchestrator's success result. Duplicate is true when
// the request short-circuited on a previously completed grant (same token).
type PurchaseReceipt struct {
	Grant         *EntitlementGrant `json:"grant"`
	TransactionID string            `json:"transaction_id"`
	AmountCents   int64             `json:"amount_cents"`
	CardBrand     string            `json:"card_brand,omitempty"`
	CardLast4     string            `json:"card_last4,omitempty"`
	Duplicate     bool              `json:"duplicate"`
}

// PurchaseCompletedPayload is the message payload published when a purchase
// completes, consumed by the notification and gamification services.
type PurchaseCompletedPayload struct {
	AccountID     uuid.UUID `json:"account_id"`
	PackageID     uuid.UUID `json:"package_id"`
	Sessions      int       `json:"sessions"`
	NewBalance    int       `json:"new_balance"`
	AmountCents   int64     `json:"amount_cents"`
	TransactionID string    `json:"transaction_id"`
	Timestamp     time.Time `json:"timestamp"`
}

// CompensationFailedPayload is published when a compensating refund could not
// be issued, so operator-facing channels can page a human.
type CompensationFailedPayload struct {
	AccountID     uuid.UUID `json:"account_id"`
	TransactionID string    `json:"transaction_id"`
	AmountCents   int64     `json:"amount_cents"`
	Timestamp     time.Time `json:"timestamp"`
}
