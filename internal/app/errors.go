/**
 * @description
 * This file defines the error taxonomy for the purchase flow. Sentinel errors
 * cover the simple outcomes; the typed errors carry the context the API layer
 * and operators need (the gateway transaction id for a stranded capture, the
 * opaque duplicate hint for a concurrent-replay loss).
 */

package app

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidIdempotencyToken is returned when the purchase token is not a
	// well-formed version-4 UUID.
	ErrInvalidIdempotencyToken = errors.New("idempotency token must be a version-4 UUID")
	// ErrInvalidPurchase is returned when the purchase request fails validation.
	ErrInvalidPurchase = errors.New("invalid purchase request")
	// ErrAccountNotEligible is returned when the target account's role cannot
	// receive session credits.
	ErrAccountNotEligible = errors.New("account is not eligible for session credits")
	// ErrNoGatewayCustomer is returned when the account has no payment gateway
	// customer profile.
	ErrNoGatewayCustomer = errors.New("account has no payment gateway customer")
	// ErrPackageInactive is returned when the training package is not purchasable.
	ErrPackageInactive = errors.New("training package is not active")
	// ErrOwnershipMismatch is returned when the payment method does not belong
	// to the target account's gateway customer.
	ErrOwnershipMismatch = errors.New("payment method does not belong to account")
)

// Gateway sentinel errors. Adapters classify provider responses into these so
// the orchestrator never inspects provider-specific error shapes.
var (
	// ErrCaptureDeclined is returned when the gateway declines the charge.
	ErrCaptureDeclined = errors.New("payment capture declined")
	// ErrPaymentMethodNotFound is returned when the payment method does not exist.
	ErrPaymentMethodNotFound = errors.New("payment method not found")
	// ErrGatewayUnavailable is returned for timeouts and infrastructure
	// failures reaching the gateway.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	// ErrAlreadyRefunded is returned when a refund targets an already-refunded
	// transaction. The compensation path treats this as success.
	ErrAlreadyRefunded = errors.New("transaction already refunded")
)

// CreditFailedError is returned when the credit step failed after a successful
// capture and the capture was refunded. The money is back with the payer.
type CreditFailedError struct {
	TransactionID string
	Refunded      bool
	// Hint carries an opaque duplicate-detection hint from the credit step,
	// passed through to the caller untouched.
	Hint string
	Err  error
}

func (e *CreditFailedError) Error() string {
	return fmt.Sprintf("session credit failed after capture %s (refunded=%t): %v", e.TransactionID, e.Refunded, e.Err)
}

func (e *CreditFailedError) Unwrap() error { return e.Err }

// CompensationFailedError is returned when both the credit and the
// compensating refund failed. The capture is stranded and the transaction id
// must reach an operator.
type CompensationFailedError struct {
	TransactionID string
	CreditErr     error
	RefundErr     error
}

func (e *CompensationFailedError) Error() string {
	return fmt.Sprintf("compensation failed for capture %s: credit error: %v; refund error: %v", e.TransactionID, e.CreditErr, e.RefundErr)
}

func (e *CompensationFailedError) Unwrap() error { return e.RefundErr }
