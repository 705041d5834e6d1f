/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract for all
 * data access operations required by the payment-service. By defining an interface,
 * we decouple the application's business logic from the specific database implementation
 * (e.g., PostgreSQL), making the code more modular and easier to test.
 *
 * @dependencies
 * - context: Standard Go library.
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/swanstudios/payment-service/internal/domain"
)

// GrantOptions tunes business-rule checks applied inside the grant transaction.
type GrantOptions struct {
	// DuplicateWindow rejects a grant when the account already bought the same
	// package within the window. Zero disables the check.
	DuplicateWindow time.Duration
	// Force bypasses the duplicate-window check.
	Force bool
}

// CreditRejectedError is returned when the grant was rejected by a business
// rule rather than a storage failure. Hint is an opaque string forwarded to
// the caller untouched.
type CreditRejectedError struct {
	Reason string
	Hint   string
}

func (e *CreditRejectedError) Error() string {
	return fmt.Sprintf("credit rejected: %s", e.Reason)
}

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Account methods
	FindAccountByID(ctx context.Context, accountID uuid.UUID) (*domain.Account, error)

	// Storefront package methods
	FindPackageByID(ctx context.Context, packageID uuid.UUID) (*domain.TrainingPackage, error)

	// Entitlement grant methods. CreateGrantAndCredit inserts the grant row and
	// increments the account's available-sessions balance in one transaction.
	// It returns ErrDuplicateGrant when the idempotency token already has a
	// grant and *CreditRejectedError when a business rule rejects the grant.
	FindGrantByToken(ctx context.Context, token uuid.UUID) (*domain.EntitlementGrant, error)
	CreateGrantAndCredit(ctx context.Context, grant *domain.EntitlementGrant, opts GrantOptions) error

	// Compensation audit methods. Records are append-only and never deleted.
	CreateCompensationRecord(ctx context.Context, rec *domain.CompensationRecord) error
	FindCompensationRecordsByTransactionID(ctx context.Context, transactionID string) ([]domain.CompensationRecord, error)
	FindCompensationRecordsByAccountID(ctx context.Context, accountID uuid.UUID) ([]domain.CompensationRecord, error)
}
