/**
 * @description
 * This file implements the compensation audit recorder. When a refund after a
 * credit failure also fails, the capture is stranded at the gateway and an
 * operator must reconcile it by hand. The recorder writes a durable record
 * with everything the operator needs; if even that write fails, the critical
 * log lines become the audit trail.
 */

package app

import (
	"context"
	"log"

	"github.com/swanstudios/payment-service/internal/domain"
	"github.com/swanstudios/payment-service/internal/store"
)

// CompensationAuditRecorder persists compensation failure records.
type CompensationAuditRecorder struct {
	repo store.Repository
}

// NewCompensationAuditRecorder creates a CompensationAuditRecorder.
func NewCompensationAuditRecorder(repo store.Repository) *CompensationAuditRecorder {
	return &CompensationAuditRecorder{repo: repo}
}

// Record writes a compensation failure record, then emits the critical log
// line. Best effort: a write failure is logged at the same severity and
// absorbed so the caller can still return the transaction id to the operator.
func (r *CompensationAuditRecorder) Record(ctx context.Context, rec *domain.CompensationRecord) {
	writeErr := r.repo.CreateCompensationRecord(ctx, rec)

	log.Printf("level=critical component=audit msg=\"[REFUND-FAILURE] capture stranded at gateway, manual reconciliation required\" transaction_id=%s account_id=%s amount_cents=%d credit_failure=%q refund_failure=%q",
		rec.TransactionID, rec.AccountID, rec.AmountCents, rec.CreditFailure, rec.RefundFailure)

	if writeErr != nil {
		log.Printf("level=critical component=audit msg=\"[REFUND-FAILURE] failed to persist compensation record, log line is the only audit trail\" transaction_id=%s error=%v",
			rec.TransactionID, writeErr)
	}
}
