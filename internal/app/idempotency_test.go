package app

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/swanstudios/payment-service/internal/domain"
)

func TestParseIdempotencyToken(t *testing.T) {
	cases := []struct {
		name    string
		token   string
		wantErr bool
	}{
		{"valid v4", "11111111-1111-4111-8111-111111111111", false},
		{"valid v4 uppercase", "AAAAAAAA-AAAA-4AAA-8AAA-AAAAAAAAAAAA", false},
		{"empty", "", true},
		{"not a uuid", "hello-world", true},
		{"version 1", "11111111-1111-1111-8111-111111111111", true},
		{"wrong variant", "11111111-1111-4111-c111-111111111111", true},
		{"nil uuid", "00000000-0000-0000-0000-000000000000", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseIdempotencyToken(tc.token)
			if tc.wantErr && err == nil {
				t.Errorf("expected an error for %q", tc.token)
			}
			if !tc.wantErr && err != nil {
				t.Errorf("unexpected error for %q: %v", tc.token, err)
			}
		})
	}
}

func TestAdmitIsAdvisoryRead(t *testing.T) {
	repo := newStubRepo()
	guard := NewIdempotencyGuard(repo)

	adm, err := guard.Admit(context.Background(), "11111111-1111-4111-8111-111111111111")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if adm.Status != AdmissionAdmitted {
		t.Errorf("expected Admitted for an unused token, got %s", adm.Status)
	}
	if adm.Grant != nil {
		t.Error("expected no grant on admission")
	}

	// Admission never reserves anything: a second admit of the same token is
	// still Admitted until a grant lands.
	adm2, err := guard.Admit(context.Background(), "11111111-1111-4111-8111-111111111111")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if adm2.Status != AdmissionAdmitted {
		t.Errorf("expected second admission to also be Admitted, got %s", adm2.Status)
	}
}

func TestAdmitDuplicateReturnsGrant(t *testing.T) {
	repo := newStubRepo()
	token := uuid.MustParse("11111111-1111-4111-8111-111111111111")
	grant := &domain.EntitlementGrant{
		ID:               uuid.New(),
		TransactionID:    "tx_1",
		IdempotencyToken: token,
	}
	repo.grants[token] = grant

	guard := NewIdempotencyGuard(repo)
	adm, err := guard.Admit(context.Background(), token.String())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if adm.Status != AdmissionDuplicate {
		t.Errorf("expected Duplicate, got %s", adm.Status)
	}
	if adm.Grant == nil || adm.Grant.ID != grant.ID {
		t.Error("expected the existing grant on duplicate admission")
	}
}
