package app

import (
	"bytes"
	"context"
	"errors"
	"log"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/swanstudios/payment-service/internal/domain"
)

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	log.SetOutput(&buf)
	t.Cleanup(func() { log.SetOutput(os.Stderr) })
	return &buf
}

func TestRecordWritesBeforeLogging(t *testing.T) {
	buf := captureLog(t)

	repo := newStubRepo()
	loggedAtInsert := ""
	repo.onCompensationInsert = func() { loggedAtInsert = buf.String() }

	recorder := NewCompensationAuditRecorder(repo)
	recorder.Record(context.Background(), &domain.CompensationRecord{
		TransactionID: "tx_1",
		AccountID:     uuid.New(),
		AmountCents:   50000,
		CreditFailure: "insert failed",
		RefundFailure: "gateway 500",
		Status:        domain.CompensationStatusRefundFailed,
	})

	if repo.compensationCalls != 1 {
		t.Fatalf("expected 1 record insert, got %d", repo.compensationCalls)
	}
	if strings.Contains(loggedAtInsert, "[REFUND-FAILURE]") {
		t.Error("expected the record insert to happen before the critical log line")
	}
	if !strings.Contains(buf.String(), "[REFUND-FAILURE]") {
		t.Error("expected the critical log line after recording")
	}
	if !strings.Contains(buf.String(), "transaction_id=tx_1") {
		t.Errorf("expected the transaction id in the log, got %q", buf.String())
	}
}

func TestRecordAbsorbsWriteFailure(t *testing.T) {
	buf := captureLog(t)

	repo := newStubRepo()
	repo.compensationErr = errors.New("audit table unavailable")

	recorder := NewCompensationAuditRecorder(repo)
	recorder.Record(context.Background(), &domain.CompensationRecord{
		TransactionID: "tx_1",
		Status:        domain.CompensationStatusRefundFailed,
	})

	out := buf.String()
	if !strings.Contains(out, "failed to persist compensation record") {
		t.Errorf("expected the persist failure logged, got %q", out)
	}
	if strings.Count(out, "[REFUND-FAILURE]") != 2 {
		t.Errorf("expected both critical lines, got %q", out)
	}
}
