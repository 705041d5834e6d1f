package app

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/swanstudios/payment-service/internal/domain"
	"github.com/swanstudios/payment-service/internal/store"
)

// stubRepo implements store.Repository in memory for orchestrator tests.
type stubRepo struct {
	store.Repository

	accounts map[uuid.UUID]*domain.Account
	packages map[uuid.UUID]*domain.TrainingPackage
	grants   map[uuid.UUID]*domain.EntitlementGrant

	creditErr            error
	creditErrOnce        bool
	grantHiddenOnce      bool
	createGrantCalls     int
	compensationCalls    int
	compensationErr      error
	compensationRecord   *domain.CompensationRecord
	onCompensationInsert func()
}

func newStubRepo() *stubRepo {
	return &stubRepo{
		accounts: make(map[uuid.UUID]*domain.Account),
		packages: make(map[uuid.UUID]*domain.TrainingPackage),
		grants:   make(map[uuid.UUID]*domain.EntitlementGrant),
	}
}

func (r *stubRepo) FindAccountByID(_ context.Context, id uuid.UUID) (*domain.Account, error) {
	acct, ok := r.accounts[id]
	if !ok {
		return nil, store.ErrAccountNotFound
	}
	return acct, nil
}

func (r *stubRepo) FindPackageByID(_ context.Context, id uuid.UUID) (*domain.TrainingPackage, error) {
	pkg, ok := r.packages[id]
	if !ok {
		return nil, store.ErrPackageNotFound
	}
	return pkg, nil
}

func (r *stubRepo) FindGrantByToken(_ context.Context, token uuid.UUID) (*domain.EntitlementGrant, error) {
	if r.grantHiddenOnce {
		r.grantHiddenOnce = false
		return nil, store.ErrGrantNotFound
	}
	grant, ok := r.grants[token]
	if !ok {
		return nil, store.ErrGrantNotFound
	}
	return grant, nil
}

func (r *stubRepo) CreateGrantAndCredit(_ context.Context, grant *domain.EntitlementGrant, _ store.GrantOptions) error {
	r.createGrantCalls++
	if r.creditErr != nil {
		err := r.creditErr
		if r.creditErrOnce {
			r.creditErr = nil
		}
		return err
	}
	if _, exists := r.grants[grant.IdempotencyToken]; exists {
		return store.ErrDuplicateGrant
	}
	acct := r.accounts[grant.AccountID]
	grant.ID = uuid.New()
	grant.PreviousBalance = acct.AvailableSessions
	grant.NewBalance = acct.AvailableSessions + grant.Sessions
	acct.AvailableSessions = grant.NewBalance
	r.grants[grant.IdempotencyToken] = grant
	return nil
}

func (r *stubRepo) CreateCompensationRecord(_ context.Context, rec *domain.CompensationRecord) error {
	r.compensationCalls++
	if r.onCompensationInsert != nil {
		r.onCompensationInsert()
	}
	if r.compensationErr != nil {
		return r.compensationErr
	}
	r.compensationRecord = rec
	return nil
}

// stubGateway implements PaymentGateway with canned responses and call counters.
type stubGateway struct {
	captureCalls  int
	retrieveCalls int
	refundCalls   int

	captureResult *domain.CaptureResult
	captureErr    error
	method        *domain.PaymentMethodInfo
	retrieveErr   error
	refundErr     error
	refundedTxIDs []string
}

func (g *stubGateway) Capture(_ context.Context, _ CaptureParams) (*domain.CaptureResult, error) {
	g.captureCalls++
	if g.captureErr != nil {
		return nil, g.captureErr
	}
	return g.captureResult, nil
}

func (g *stubGateway) RetrievePaymentMethod(_ context.Context, _ string) (*domain.PaymentMethodInfo, error) {
	g.retrieveCalls++
	if g.retrieveErr != nil {
		return nil, g.retrieveErr
	}
	return g.method, nil
}

func (g *stubGateway) ListPaymentMethods(_ context.Context, _ string) ([]domain.PaymentMethodInfo, error) {
	if g.method == nil {
		return []domain.PaymentMethodInfo{}, nil
	}
	return []domain.PaymentMethodInfo{*g.method}, nil
}

func (g *stubGateway) Refund(_ context.Context, txID string) (*domain.RefundResult, error) {
	g.refundCalls++
	if g.refundErr != nil {
		return nil, g.refundErr
	}
	g.refundedTxIDs = append(g.refundedTxIDs, txID)
	return &domain.RefundResult{ID: "re_1", TransactionID: txID, Status: "succeeded"}, nil
}

func testFixture() (*stubRepo, *stubGateway, *domain.PurchaseRequest) {
	accountID := uuid.New()
	packageID := uuid.New()

	repo := newStubRepo()
	repo.accounts[accountID] = &domain.Account{
		ID:                accountID,
		Role:              "client",
		GatewayCustomerID: "cus_123",
		AvailableSessions: 4,
	}
	repo.packages[packageID] = &domain.TrainingPackage{
		ID:         packageID,
		Name:       "Gold Package",
		PriceCents: 50000,
		Sessions:   8,
		IsActive:   true,
	}

	gw := &stubGateway{
		captureResult: &domain.CaptureResult{
			TransactionID: "tx_1",
			Status:        domain.CaptureStatusSucceeded,
			AmountCents:   50000,
			CardBrand:     "visa",
			CardLast4:     "4242",
		},
		method: &domain.PaymentMethodInfo{
			ID:         "pm_1",
			CustomerID: "cus_123",
			Brand:      "visa",
			Last4:      "4242",
		},
	}

	req := &domain.PurchaseRequest{
		RequesterID:      uuid.New(),
		AccountID:        accountID,
		PackageID:        packageID,
		PaymentMethodID:  "pm_1",
		IdempotencyToken: "11111111-1111-4111-8111-111111111111",
	}
	return repo, gw, req
}

func newTestService(repo *stubRepo, gw *stubGateway) *Service {
	return NewService(repo, gw, nil, nil, "usd", 0)
}

func TestProcessPurchaseHappyPath(t *testing.T) {
	repo, gw, req := testFixture()
	svc := newTestService(repo, gw)

	receipt, err := svc.ProcessPurchase(context.Background(), req)
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if receipt.Duplicate {
		t.Error("expected a fresh receipt, got duplicate")
	}
	if receipt.TransactionID != "tx_1" {
		t.Errorf("expected transaction id tx_1, got %s", receipt.TransactionID)
	}
	if receipt.Grant.Sessions != 8 {
		t.Errorf("expected 8 sessions granted, got %d", receipt.Grant.Sessions)
	}
	if receipt.Grant.PreviousBalance != 4 || receipt.Grant.NewBalance != 12 {
		t.Errorf("expected balance 4 -> 12, got %d -> %d", receipt.Grant.PreviousBalance, receipt.Grant.NewBalance)
	}
	if gw.captureCalls != 1 {
		t.Errorf("expected 1 capture call, got %d", gw.captureCalls)
	}
	if repo.accounts[req.AccountID].AvailableSessions != 12 {
		t.Errorf("expected account balance 12, got %d", repo.accounts[req.AccountID].AvailableSessions)
	}
}

func TestProcessPurchaseRetryAfterCompletion(t *testing.T) {
	repo, gw, req := testFixture()
	svc := newTestService(repo, gw)

	first, err := svc.ProcessPurchase(context.Background(), req)
	if err != nil {
		t.Fatalf("first purchase failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		receipt, err := svc.ProcessPurchase(context.Background(), req)
		if err != nil {
			t.Fatalf("retry %d failed: %v", i, err)
		}
		if !receipt.Duplicate {
			t.Errorf("retry %d: expected duplicate receipt", i)
		}
		if receipt.Grant.ID != first.Grant.ID {
			t.Errorf("retry %d: expected the original grant", i)
		}
	}

	if gw.captureCalls != 1 {
		t.Errorf("expected 1 capture call across all retries, got %d", gw.captureCalls)
	}
	if repo.accounts[req.AccountID].AvailableSessions != 12 {
		t.Errorf("expected a single credit, balance is %d", repo.accounts[req.AccountID].AvailableSessions)
	}
}

func TestProcessPurchaseInvalidToken(t *testing.T) {
	repo, gw, req := testFixture()
	svc := newTestService(repo, gw)

	cases := []string{
		"",
		"not-a-uuid",
		"11111111-1111-1111-8111-111111111111", // version 1
	}
	for _, token := range cases {
		req.IdempotencyToken = token
		_, err := svc.ProcessPurchase(context.Background(), req)
		if !errors.Is(err, ErrInvalidIdempotencyToken) {
			t.Errorf("token %q: expected ErrInvalidIdempotencyToken, got %v", token, err)
		}
	}
	if gw.captureCalls != 0 {
		t.Errorf("expected no capture calls for invalid tokens, got %d", gw.captureCalls)
	}
}

func TestProcessPurchaseDeclinedCapture(t *testing.T) {
	repo, gw, req := testFixture()
	gw.captureErr = ErrCaptureDeclined
	svc := newTestService(repo, gw)

	_, err := svc.ProcessPurchase(context.Background(), req)
	if !errors.Is(err, ErrCaptureDeclined) {
		t.Fatalf("expected ErrCaptureDeclined, got %v", err)
	}
	if len(repo.grants) != 0 {
		t.Errorf("expected no grants after a decline, got %d", len(repo.grants))
	}
	if gw.refundCalls != 0 {
		t.Errorf("expected no refund calls after a decline, got %d", gw.refundCalls)
	}
	if repo.accounts[req.AccountID].AvailableSessions != 4 {
		t.Errorf("expected balance untouched, got %d", repo.accounts[req.AccountID].AvailableSessions)
	}
}

func TestProcessPurchaseOwnershipMismatch(t *testing.T) {
	repo, gw, req := testFixture()
	gw.method.CustomerID = "cus_other"
	svc := newTestService(repo, gw)

	_, err := svc.ProcessPurchase(context.Background(), req)
	if !errors.Is(err, ErrOwnershipMismatch) {
		t.Fatalf("expected ErrOwnershipMismatch, got %v", err)
	}
	if gw.captureCalls != 0 {
		t.Errorf("expected no capture calls on ownership mismatch, got %d", gw.captureCalls)
	}
}

func TestProcessPurchaseIneligibleRole(t *testing.T) {
	repo, gw, req := testFixture()
	repo.accounts[req.AccountID].Role = "trainer"
	svc := newTestService(repo, gw)

	_, err := svc.ProcessPurchase(context.Background(), req)
	if !errors.Is(err, ErrAccountNotEligible) {
		t.Fatalf("expected ErrAccountNotEligible, got %v", err)
	}
	if gw.captureCalls != 0 {
		t.Errorf("expected no capture calls, got %d", gw.captureCalls)
	}
}

func TestProcessPurchaseNoGatewayCustomer(t *testing.T) {
	repo, gw, req := testFixture()
	repo.accounts[req.AccountID].GatewayCustomerID = ""
	svc := newTestService(repo, gw)

	_, err := svc.ProcessPurchase(context.Background(), req)
	if !errors.Is(err, ErrNoGatewayCustomer) {
		t.Fatalf("expected ErrNoGatewayCustomer, got %v", err)
	}
	if gw.captureCalls != 0 {
		t.Errorf("expected no capture calls, got %d", gw.captureCalls)
	}
}

func TestProcessPurchaseInactivePackage(t *testing.T) {
	repo, gw, req := testFixture()
	repo.packages[req.PackageID].IsActive = false
	svc := newTestService(repo, gw)

	_, err := svc.ProcessPurchase(context.Background(), req)
	if !errors.Is(err, ErrPackageInactive) {
		t.Fatalf("expected ErrPackageInactive, got %v", err)
	}
	if gw.captureCalls != 0 {
		t.Errorf("expected no capture calls, got %d", gw.captureCalls)
	}
}

func TestProcessPurchaseCreditFailureRefunds(t *testing.T) {
	repo, gw, req := testFixture()
	repo.creditErr = errors.New("insert failed: connection reset")
	svc := newTestService(repo, gw)

	_, err := svc.ProcessPurchase(context.Background(), req)

	var creditErr *CreditFailedError
	if !errors.As(err, &creditErr) {
		t.Fatalf("expected CreditFailedError, got %v", err)
	}
	if creditErr.TransactionID != "tx_1" {
		t.Errorf("expected transaction tx_1 in error, got %s", creditErr.TransactionID)
	}
	if !creditErr.Refunded {
		t.Error("expected the error to report the refund")
	}
	if gw.refundCalls != 1 {
		t.Errorf("expected exactly 1 refund call, got %d", gw.refundCalls)
	}
	if len(gw.refundedTxIDs) != 1 || gw.refundedTxIDs[0] != "tx_1" {
		t.Errorf("expected refund of tx_1, got %v", gw.refundedTxIDs)
	}
	if len(repo.grants) != 0 {
		t.Errorf("expected no grants, got %d", len(repo.grants))
	}
	if repo.compensationCalls != 0 {
		t.Errorf("expected no compensation records when the refund succeeds, got %d", repo.compensationCalls)
	}
}

func TestProcessPurchaseCreditRejectionForwardsHint(t *testing.T) {
	repo, gw, req := testFixture()
	repo.creditErr = &store.CreditRejectedError{
		Reason: "account already purchased this package",
		Hint:   "duplicate purchase within 2m0s window",
	}
	svc := newTestService(repo, gw)

	_, err := svc.ProcessPurchase(context.Background(), req)

	var creditErr *CreditFailedError
	if !errors.As(err, &creditErr) {
		t.Fatalf("expected CreditFailedError, got %v", err)
	}
	if creditErr.Hint != "duplicate purchase within 2m0s window" {
		t.Errorf("expected the rejection hint to pass through, got %q", creditErr.Hint)
	}
	if gw.refundCalls != 1 {
		t.Errorf("expected the capture to be refunded, got %d refund calls", gw.refundCalls)
	}
}

func TestProcessPurchaseCompensationFailure(t *testing.T) {
	repo, gw, req := testFixture()
	repo.creditErr = errors.New("insert failed: connection reset")
	gw.refundErr = errors.New("gateway 500")
	svc := newTestService(repo, gw)

	_, err := svc.ProcessPurchase(context.Background(), req)

	var compErr *CompensationFailedError
	if !errors.As(err, &compErr) {
		t.Fatalf("expected CompensationFailedError, got %v", err)
	}
	if compErr.TransactionID != "tx_1" {
		t.Errorf("expected stranded transaction tx_1, got %s", compErr.TransactionID)
	}
	if !strings.Contains(compErr.Error(), "tx_1") {
		t.Errorf("expected the error text to echo the transaction id, got %q", compErr.Error())
	}
	if repo.compensationCalls != 1 {
		t.Fatalf("expected exactly 1 compensation record, got %d", repo.compensationCalls)
	}
	rec := repo.compensationRecord
	if rec.TransactionID != "tx_1" {
		t.Errorf("expected record transaction tx_1, got %s", rec.TransactionID)
	}
	if rec.AccountID != req.AccountID {
		t.Errorf("expected record account %s, got %s", req.AccountID, rec.AccountID)
	}
	if rec.AmountCents != 50000 {
		t.Errorf("expected record amount 50000, got %d", rec.AmountCents)
	}
	if rec.Status != domain.CompensationStatusRefundFailed {
		t.Errorf("expected status refund_failed, got %s", rec.Status)
	}
	if rec.CreditFailure == "" || rec.RefundFailure == "" {
		t.Error("expected both failure reasons recorded")
	}
}

func TestProcessPurchaseAlreadyRefundedIsCompensated(t *testing.T) {
	repo, gw, req := testFixture()
	repo.creditErr = errors.New("insert failed")
	gw.refundErr = ErrAlreadyRefunded
	svc := newTestService(repo, gw)

	_, err := svc.ProcessPurchase(context.Background(), req)

	var creditErr *CreditFailedError
	if !errors.As(err, &creditErr) {
		t.Fatalf("expected CreditFailedError when the refund already happened, got %v", err)
	}
	if repo.compensationCalls != 0 {
		t.Errorf("expected no compensation record, got %d", repo.compensationCalls)
	}
}

func TestProcessPurchaseAuditWriteFailureStillReturnsTransactionID(t *testing.T) {
	repo, gw, req := testFixture()
	repo.creditErr = errors.New("insert failed")
	gw.refundErr = errors.New("gateway 500")
	repo.compensationErr = errors.New("audit table unavailable")
	svc := newTestService(repo, gw)

	_, err := svc.ProcessPurchase(context.Background(), req)

	var compErr *CompensationFailedError
	if !errors.As(err, &compErr) {
		t.Fatalf("expected CompensationFailedError, got %v", err)
	}
	if compErr.TransactionID != "tx_1" {
		t.Errorf("expected transaction id even when the audit write fails, got %s", compErr.TransactionID)
	}
}

func TestProcessPurchaseConcurrentDuplicateToken(t *testing.T) {
	repo, gw, req := testFixture()
	req.IdempotencyToken = "22222222-2222-4222-8222-222222222222"
	svc := newTestService(repo, gw)

	// Winner commits its grant between the loser's admission check and insert:
	// the grant is hidden from the admission read, then the insert collides.
	winner := &domain.EntitlementGrant{
		ID:               uuid.New(),
		AccountID:        req.AccountID,
		PackageID:        req.PackageID,
		Sessions:         8,
		TransactionID:    "tx_winner",
		IdempotencyToken: uuid.MustParse(req.IdempotencyToken),
	}
	repo.grants[winner.IdempotencyToken] = winner
	repo.grantHiddenOnce = true
	repo.creditErr = store.ErrDuplicateGrant
	repo.creditErrOnce = true

	receipt, err := svc.ProcessPurchase(context.Background(), req)
	if err != nil {
		t.Fatalf("expected the loser to receive the winner's grant, got %v", err)
	}
	if !receipt.Duplicate {
		t.Error("expected a duplicate receipt")
	}
	if receipt.Grant.ID != winner.ID {
		t.Errorf("expected the winner's grant, got %s", receipt.Grant.ID)
	}
	if gw.captureCalls != 1 {
		t.Errorf("expected the loser's capture to have happened once, got %d", gw.captureCalls)
	}
	if gw.refundCalls != 0 {
		t.Errorf("expected no refund on a duplicate-token collision, got %d refund calls", gw.refundCalls)
	}
	if len(repo.grants) != 1 {
		t.Errorf("expected exactly one grant, got %d", len(repo.grants))
	}
}

// allowAllLimiter and denyLimiter exercise the rate-limit hook.
type fixedLimiter struct {
	allow bool
	err   error
	calls int
}

func (l *fixedLimiter) Allow(_ context.Context, _ string) (bool, error) {
	l.calls++
	return l.allow, l.err
}

func TestProcessPurchaseRateLimited(t *testing.T) {
	repo, gw, req := testFixture()
	limiter := &fixedLimiter{allow: false}
	svc := NewService(repo, gw, nil, limiter, "usd", 0)

	_, err := svc.ProcessPurchase(context.Background(), req)
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if gw.captureCalls != 0 {
		t.Errorf("expected no capture when rate limited, got %d", gw.captureCalls)
	}
}

func TestProcessPurchaseLimiterFailureIsOpen(t *testing.T) {
	repo, gw, req := testFixture()
	limiter := &fixedLimiter{allow: false, err: errors.New("redis down")}
	svc := NewService(repo, gw, nil, limiter, "usd", 0)

	_, err := svc.ProcessPurchase(context.Background(), req)
	if err != nil {
		t.Fatalf("expected the purchase to proceed when the limiter errors, got %v", err)
	}
	if gw.captureCalls != 1 {
		t.Errorf("expected 1 capture call, got %d", gw.captureCalls)
	}
}

func TestListPaymentMethods(t *testing.T) {
	repo, gw, req := testFixture()
	svc := newTestService(repo, gw)

	methods, hasCustomer, err := svc.ListPaymentMethods(context.Background(), req.AccountID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !hasCustomer {
		t.Error("expected has_gateway_customer true")
	}
	if len(methods) != 1 || methods[0].ID != "pm_1" {
		t.Errorf("expected the saved card, got %v", methods)
	}

	repo.accounts[req.AccountID].GatewayCustomerID = ""
	methods, hasCustomer, err = svc.ListPaymentMethods(context.Background(), req.AccountID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hasCustomer {
		t.Error("expected has_gateway_customer false")
	}
	if len(methods) != 0 {
		t.Errorf("expected no methods, got %v", methods)
	}
}

func TestGetGrantByToken(t *testing.T) {
	repo, gw, req := testFixture()
	svc := newTestService(repo, gw)

	if _, err := svc.GetGrantByToken(context.Background(), "bogus"); !errors.Is(err, ErrInvalidIdempotencyToken) {
		t.Errorf("expected ErrInvalidIdempotencyToken, got %v", err)
	}
	if _, err := svc.GetGrantByToken(context.Background(), req.IdempotencyToken); !errors.Is(err, store.ErrGrantNotFound) {
		t.Errorf("expected ErrGrantNotFound, got %v", err)
	}

	if _, err := svc.ProcessPurchase(context.Background(), req); err != nil {
		t.Fatalf("purchase failed: %v", err)
	}
	grant, err := svc.GetGrantByToken(context.Background(), req.IdempotencyToken)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if grant.TransactionID != "tx_1" {
		t.Errorf("expected grant for tx_1, got %s", grant.TransactionID)
	}
}
