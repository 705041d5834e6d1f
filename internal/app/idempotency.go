/**
 * @description
 * This file implements the idempotency guard for the purchase flow. Admission
 * is a pure read: the token is validated as a version-4 UUID and checked
 * against existing grants, but nothing is reserved. The only enforcement point
 * is the unique constraint on the grant's token column, so a stale Admitted
 * answer can never cause a double credit.
 */

package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/swanstudios/payment-service/internal/domain"
	"github.com/swanstudios/payment-service/internal/store"
)

// AdmissionStatus is the outcome of idempotency admission.
type AdmissionStatus string

const (
	// AdmissionAdmitted means no grant exists for the token yet.
	AdmissionAdmitted AdmissionStatus = "admitted"
	// AdmissionDuplicate means a grant already exists for the token.
	AdmissionDuplicate AdmissionStatus = "duplicate"
)

// Admission is the result of admitting an idempotency token.
type Admission struct {
	Status AdmissionStatus
	Token  uuid.UUID
	// Grant is the existing grant when Status is AdmissionDuplicate.
	Grant *domain.EntitlementGrant
}

// IdempotencyGuard validates purchase tokens and checks for prior grants.
type IdempotencyGuard struct {
	repo store.Repository
}

// NewIdempotencyGuard creates an IdempotencyGuard.
func NewIdempotencyGuard(repo store.Repository) *IdempotencyGuard {
	return &IdempotencyGuard{repo: repo}
}

// Admit validates the token and looks up any existing grant. The check is
// advisory only; the grant table's unique constraint is the real gate.
func (g *IdempotencyGuard) Admit(ctx context.Context, rawToken string) (*Admission, error) {
	token, err := ParseIdempotencyToken(rawToken)
	if err != nil {
		return nil, err
	}

	grant, err := g.repo.FindGrantByToken(ctx, token)
	if err != nil {
		if errors.Is(err, store.ErrGrantNotFound) {
			return &Admission{Status: AdmissionAdmitted, Token: token}, nil
		}
		return nil, fmt.Errorf("failed to check idempotency token: %w", err)
	}
	return &Admission{Status: AdmissionDuplicate, Token: token, Grant: grant}, nil
}

// ParseIdempotencyToken parses and validates a caller-supplied idempotency
// token. Only RFC 4122 version-4 UUIDs are accepted.
func ParseIdempotencyToken(raw string) (uuid.UUID, error) {
	token, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", ErrInvalidIdempotencyToken, err)
	}
	if token.Version() != 4 || token.Variant() != uuid.RFC4122 {
		return uuid.Nil, fmt.Errorf("%w: got version %d", ErrInvalidIdempotencyToken, token.Version())
	}
	return token, nil
}
