/**
 * @description
 * This file contains the core business logic for the payment-service. The
 * Service orchestrates the purchase state machine: validate, admit the
 * idempotency token, capture at the gateway, credit sessions in the database,
 * and compensate with a refund when the credit fails after money moved.
 *
 * Key workflows:
 * 1. ProcessPurchase: the capture-then-credit saga with refund compensation.
 * 2. ListPaymentMethods: saved cards for an account, for operator charge UIs.
 * 3. GetGrantByToken: idempotent result lookup for retrying callers.
 * 4. ListCompensationRecords: operator reconciliation queries.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/swanstudios/payment-service/internal/domain"
	"github.com/swanstudios/payment-service/internal/store"
	"github.com/swanstudios/payment-service/pkg/rabbitmq"
)

// creditableRoles are the account roles that can receive session credits.
var creditableRoles = map[string]bool{
	"client": true,
	"user":   true,
}

// RateLimiter constrains how often an account can start a purchase.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Service provides the business logic for payment operations.
type Service struct {
	repo            store.Repository
	gateway         PaymentGateway
	guard           *IdempotencyGuard
	audit           *CompensationAuditRecorder
	publisher       rabbitmq.Publisher
	limiter         RateLimiter
	currency        string
	duplicateWindow time.Duration
}

// NewService creates a new payment Service. The limiter may be nil, in which
// case purchases are not rate limited. A zero duplicateWindow disables the
// duplicate-purchase check.
func NewService(repo store.Repository, gateway PaymentGateway, publisher rabbitmq.Publisher, limiter RateLimiter, currency string, duplicateWindow time.Duration) *Service {
	if currency == "" {
		currency = "usd"
	}
	return &Service{
		repo:            repo,
		gateway:         gateway,
		guard:           NewIdempotencyGuard(repo),
		audit:           NewCompensationAuditRecorder(repo),
		publisher:       publisher,
		limiter:         limiter,
		currency:        currency,
		duplicateWindow: duplicateWindow,
	}
}

// ErrRateLimited is returned when an account exceeds the purchase rate limit.
var ErrRateLimited = errors.New("purchase rate limit exceeded")

// ProcessPurchase runs the purchase state machine for a single request.
//
// The gateway capture cannot participate in the database transaction, so the
// ordering is fixed: capture first, credit second, and if the credit fails the
// capture is compensated with a refund. A duplicate-token collision on the
// credit insert means another request with the same token already completed;
// that path returns the winner's grant and never refunds.
func (s *Service) ProcessPurchase(ctx context.Context, req *domain.PurchaseRequest) (*domain.PurchaseReceipt, error) {
	if err := validatePurchaseRequest(req); err != nil {
		return nil, err
	}

	admission, err := s.guard.Admit(ctx, req.IdempotencyToken)
	if err != nil {
		return nil, err
	}
	if admission.Status == AdmissionDuplicate {
		log.Printf("level=info component=service msg=\"purchase replay short-circuited on existing grant\" token=%s grant_id=%s", admission.Token, admission.Grant.ID)
		return receiptFromGrant(admission.Grant, true), nil
	}

	if s.limiter != nil {
		allowed, limitErr := s.limiter.Allow(ctx, "purchase:"+req.AccountID.String())
		if limitErr != nil {
			log.Printf("level=warn component=service msg=\"rate limiter unavailable, allowing purchase\" account_id=%s error=%v", req.AccountID, limitErr)
		} else if !allowed {
			return nil, ErrRateLimited
		}
	}

	account, err := s.repo.FindAccountByID(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}
	if !creditableRoles[account.Role] {
		return nil, fmt.Errorf("account %s has role %q: %w", account.ID, account.Role, ErrAccountNotEligible)
	}
	if account.GatewayCustomerID == "" {
		return nil, fmt.Errorf("account %s: %w", account.ID, ErrNoGatewayCustomer)
	}

	pkg, err := s.repo.FindPackageByID(ctx, req.PackageID)
	if err != nil {
		return nil, err
	}
	if !pkg.IsActive {
		return nil, fmt.Errorf("package %s: %w", pkg.ID, ErrPackageInactive)
	}

	pm, err := s.gateway.RetrievePaymentMethod(ctx, req.PaymentMethodID)
	if err != nil {
		return nil, err
	}
	if pm.CustomerID != account.GatewayCustomerID {
		return nil, fmt.Errorf("payment method %s belongs to customer %s, account customer is %s: %w",
			pm.ID, pm.CustomerID, account.GatewayCustomerID, ErrOwnershipMismatch)
	}

	capture, err := s.gateway.Capture(ctx, CaptureParams{
		AmountCents:     pkg.PriceCents,
		Currency:        s.currency,
		CustomerID:      account.GatewayCustomerID,
		PaymentMethodID: req.PaymentMethodID,
		Description:     fmt.Sprintf("SwanStudios: %s (%d sessions)", pkg.Name, pkg.Sessions),
		Metadata: map[string]string{
			"account_id":        req.AccountID.String(),
			"package_id":        req.PackageID.String(),
			"requester_id":      req.RequesterID.String(),
			"idempotency_token": admission.Token.String(),
		},
	})
	if err != nil {
		return nil, err
	}

	grant := &domain.EntitlementGrant{
		AccountID:        req.AccountID,
		PackageID:        req.PackageID,
		RequesterID:      req.RequesterID,
		Sessions:         pkg.Sessions,
		AmountCents:      capture.AmountCents,
		TransactionID:    capture.TransactionID,
		IdempotencyToken: admission.Token,
	}
	creditErr := s.repo.CreateGrantAndCredit(ctx, grant, store.GrantOptions{
		DuplicateWindow: s.duplicateWindow,
		Force:           req.Force,
	})
	if creditErr == nil {
		log.Printf("level=info component=service msg=\"purchase completed\" account_id=%s package_id=%s sessions=%d transaction_id=%s",
			req.AccountID, req.PackageID, pkg.Sessions, capture.TransactionID)
		s.publishPurchaseCompleted(ctx, grant)
		return &domain.PurchaseReceipt{
			Grant:         grant,
			TransactionID: capture.TransactionID,
			AmountCents:   capture.AmountCents,
			CardBrand:     capture.CardBrand,
			CardLast4:     capture.CardLast4,
		}, nil
	}

	if errors.Is(creditErr, store.ErrDuplicateGrant) {
		// A concurrent request with the same token won the insert. The
		// winner's capture funded its grant; this capture is surplus but the
		// grant must still be returned, not refunded away. Operators
		// reconcile the losing capture from this log line.
		log.Printf("level=warn component=service msg=\"concurrent duplicate token lost the grant insert, capture retained for reconciliation\" token=%s transaction_id=%s",
			admission.Token, capture.TransactionID)
		existing, lookupErr := s.repo.FindGrantByToken(ctx, admission.Token)
		if lookupErr != nil {
			return nil, fmt.Errorf("duplicate grant exists for token %s but lookup failed: %w", admission.Token, lookupErr)
		}
		return receiptFromGrant(existing, true), nil
	}

	return nil, s.compensate(ctx, req, capture, creditErr)
}

// compensate refunds a capture whose credit step failed. A successful refund
// yields CreditFailedError; a failed refund is recorded durably and yields
// CompensationFailedError carrying the stranded transaction id.
func (s *Service) compensate(ctx context.Context, req *domain.PurchaseRequest, capture *domain.CaptureResult, creditErr error) error {
	log.Printf("level=error component=service msg=\"session credit failed after capture, issuing compensating refund\" transaction_id=%s error=%v",
		capture.TransactionID, creditErr)

	_, refundErr := s.gateway.Refund(ctx, capture.TransactionID)
	if refundErr == nil || errors.Is(refundErr, ErrAlreadyRefunded) {
		log.Printf("level=info component=service msg=\"compensating refund issued\" transaction_id=%s", capture.TransactionID)
		var rejected *store.CreditRejectedError
		hint := ""
		if errors.As(creditErr, &rejected) {
			hint = rejected.Hint
		}
		return &CreditFailedError{
			TransactionID: capture.TransactionID,
			Refunded:      true,
			Hint:          hint,
			Err:           creditErr,
		}
	}

	s.audit.Record(ctx, &domain.CompensationRecord{
		TransactionID: capture.TransactionID,
		AccountID:     req.AccountID,
		AmountCents:   capture.AmountCents,
		CreditFailure: creditErr.Error(),
		RefundFailure: refundErr.Error(),
		Status:        domain.CompensationStatusRefundFailed,
	})
	s.publishCompensationFailed(ctx, req.AccountID, capture)

	return &CompensationFailedError{
		TransactionID: capture.TransactionID,
		CreditErr:     creditErr,
		RefundErr:     refundErr,
	}
}

// ListPaymentMethods returns the saved card payment methods for an account
// and whether the account has a gateway customer profile at all.
func (s *Service) ListPaymentMethods(ctx context.Context, accountID uuid.UUID) ([]domain.PaymentMethodInfo, bool, error) {
	account, err := s.repo.FindAccountByID(ctx, accountID)
	if err != nil {
		return nil, false, err
	}
	if account.GatewayCustomerID == "" {
		return []domain.PaymentMethodInfo{}, false, nil
	}
	methods, err := s.gateway.ListPaymentMethods(ctx, account.GatewayCustomerID)
	if err != nil {
		return nil, true, err
	}
	return methods, true, nil
}

// GetGrantByToken returns the grant recorded for an idempotency token, letting
// retrying callers recover a lost response without re-charging.
func (s *Service) GetGrantByToken(ctx context.Context, rawToken string) (*domain.EntitlementGrant, error) {
	token, err := ParseIdempotencyToken(rawToken)
	if err != nil {
		return nil, err
	}
	return s.repo.FindGrantByToken(ctx, token)
}

// ListCompensationRecordsByTransactionID returns compensation records for a
// gateway transaction id.
func (s *Service) ListCompensationRecordsByTransactionID(ctx context.Context, transactionID string) ([]domain.CompensationRecord, error) {
	return s.repo.FindCompensationRecordsByTransactionID(ctx, transactionID)
}

// ListCompensationRecordsByAccountID returns compensation records for an account.
func (s *Service) ListCompensationRecordsByAccountID(ctx context.Context, accountID uuid.UUID) ([]domain.CompensationRecord, error) {
	return s.repo.FindCompensationRecordsByAccountID(ctx, accountID)
}

func (s *Service) publishPurchaseCompleted(ctx context.Context, grant *domain.EntitlementGrant) {
	if s.publisher == nil {
		return
	}
	err := s.publisher.Publish(ctx, rabbitmq.RoutingKeyPurchaseCompleted, domain.PurchaseCompletedPayload{
		AccountID:     grant.AccountID,
		PackageID:     grant.PackageID,
		Sessions:      grant.Sessions,
		NewBalance:    grant.NewBalance,
		AmountCents:   grant.AmountCents,
		TransactionID: grant.TransactionID,
		Timestamp:     time.Now().UTC(),
	})
	if err != nil {
		log.Printf("level=warn component=service msg=\"failed to publish purchase completed event\" transaction_id=%s error=%v", grant.TransactionID, err)
	}
}

func (s *Service) publishCompensationFailed(ctx context.Context, accountID uuid.UUID, capture *domain.CaptureResult) {
	if s.publisher == nil {
		return
	}
	err := s.publisher.Publish(ctx, rabbitmq.RoutingKeyCompensationFailed, domain.CompensationFailedPayload{
		AccountID:     accountID,
		TransactionID: capture.TransactionID,
		AmountCents:   capture.AmountCents,
		Timestamp:     time.Now().UTC(),
	})
	if err != nil {
		log.Printf("level=warn component=service msg=\"failed to publish compensation failed event\" transaction_id=%s error=%v", capture.TransactionID, err)
	}
}

func validatePurchaseRequest(req *domain.PurchaseRequest) error {
	if req.AccountID == uuid.Nil {
		return fmt.Errorf("%w: account_id is required", ErrInvalidPurchase)
	}
	if req.PackageID == uuid.Nil {
		return fmt.Errorf("%w: package_id is required", ErrInvalidPurchase)
	}
	if req.PaymentMethodID == "" {
		return fmt.Errorf("%w: payment_method_id is required", ErrInvalidPurchase)
	}
	if req.Force && req.ForceReason == "" {
		return fmt.Errorf("%w: force_reason is required when force is set", ErrInvalidPurchase)
	}
	return nil
}

func receiptFromGrant(grant *domain.EntitlementGrant, duplicate bool) *domain.PurchaseReceipt {
	return &domain.PurchaseReceipt{
		Grant:         grant,
		TransactionID: grant.TransactionID,
		AmountCents:   grant.AmountCents,
		Duplicate:     duplicate,
	}
}
