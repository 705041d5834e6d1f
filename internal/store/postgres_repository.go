/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It uses the pgx/v5 driver with a connection pool and keeps every multi-row
 * mutation inside an explicit transaction. The grant insert and the session
 * balance increment commit together or not at all; duplicate idempotency tokens
 * surface as ErrDuplicateGrant via the unique-violation SQLSTATE.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver and toolkit.
 * - github.com/jackc/pgx/v5/pgxpool: For connection pooling.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/swanstudios/payment-service/internal/domain"
)

var (
	// ErrAccountNotFound is returned when an account cannot be found.
	ErrAccountNotFound = errors.New("account not found")
	// ErrPackageNotFound is returned when a training package cannot be found.
	ErrPackageNotFound = errors.New("training package not found")
	// ErrGrantNotFound is returned when no grant exists for an idempotency token.
	ErrGrantNotFound = errors.New("entitlement grant not found")
	// ErrDuplicateGrant is returned when a grant already exists for the
	// idempotency token. The caller must treat this as a replay, not a failure.
	ErrDuplicateGrant = errors.New("grant already exists for idempotency token")
)

// uniqueViolation is the PostgreSQL SQLSTATE for unique constraint violations.
const uniqueViolation = "23505"

// PostgresRepository is the PostgreSQL-backed implementation of the Repository interface.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// FindAccountByID retrieves a single account by its primary key.
func (r *PostgresRepository) FindAccountByID(ctx context.Context, accountID uuid.UUID) (*domain.Account, error) {
	query := `
		SELECT id, role, email, full_name, gateway_customer_id, available_sessions
		FROM accounts
		WHERE id = $1
	`
	var acct domain.Account
	err := r.db.QueryRow(ctx, query, accountID).Scan(
		&acct.ID,
		&acct.Role,
		&acct.Email,
		&acct.FullName,
		&acct.GatewayCustomerID,
		&acct.AvailableSessions,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to find account by id: %w", err)
	}
	return &acct, nil
}

// FindPackageByID retrieves a single training package by its primary key.
func (r *PostgresRepository) FindPackageByID(ctx context.Context, packageID uuid.UUID) (*domain.TrainingPackage, error) {
	query := `
		SELECT id, name, price_cents, sessions, is_active
		FROM training_packages
		WHERE id = $1
	`
	var pkg domain.TrainingPackage
	err := r.db.QueryRow(ctx, query, packageID).Scan(
		&pkg.ID,
		&pkg.Name,
		&pkg.PriceCents,
		&pkg.Sessions,
		&pkg.IsActive,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPackageNotFound
		}
		return nil, fmt.Errorf("failed to find training package by id: %w", err)
	}
	return &pkg, nil
}

// FindGrantByToken retrieves the entitlement grant recorded for an idempotency token.
func (r *PostgresRepository) FindGrantByToken(ctx context.Context, token uuid.UUID) (*domain.EntitlementGrant, error) {
	query := `
		SELECT id, account_id, package_id, requester_id, sessions,
		       previous_balance, new_balance, amount_cents, transaction_id,
		       idempotency_token, created_at
		FROM entitlement_grants
		WHERE idempotency_token = $1
	`
	var g domain.EntitlementGrant
	err := r.db.QueryRow(ctx, query, token).Scan(
		&g.ID,
		&g.AccountID,
		&g.PackageID,
		&g.RequesterID,
		&g.Sessions,
		&g.PreviousBalance,
		&g.NewBalance,
		&g.AmountCents,
		&g.TransactionID,
		&g.IdempotencyToken,
		&g.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrGrantNotFound
		}
		return nil, fmt.Errorf("failed to find grant by token: %w", err)
	}
	return &g, nil
}

// CreateGrantAndCredit inserts the entitlement grant and credits the account's
// session balance atomically. The account row is locked for the duration of the
// transaction so concurrent purchases for the same account serialize cleanly.
// The grant's PreviousBalance and NewBalance fields are populated from the
// locked row before commit.
func (r *PostgresRepository) CreateGrantAndCredit(ctx context.Context, grant *domain.EntitlementGrant, opts GrantOptions) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var balance int
	err = tx.QueryRow(ctx, `
		SELECT available_sessions FROM accounts WHERE id = $1 FOR UPDATE
	`, grant.AccountID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrAccountNotFound
		}
		return fmt.Errorf("failed to lock account row: %w", err)
	}

	if opts.DuplicateWindow > 0 && !opts.Force {
		var priorCreatedAt time.Time
		err = tx.QueryRow(ctx, `
			SELECT created_at FROM entitlement_grants
			WHERE account_id = $1 AND package_id = $2 AND created_at > $3
			ORDER BY created_at DESC
			LIMIT 1
		`, grant.AccountID, grant.PackageID, time.Now().UTC().Add(-opts.DuplicateWindow)).Scan(&priorCreatedAt)
		if err == nil {
			return &CreditRejectedError{
				Reason: fmt.Sprintf("account already purchased this package at %s", priorCreatedAt.UTC().Format(time.RFC3339)),
				Hint:   fmt.Sprintf("duplicate purchase within %s window; resubmit with force and a reason to override", opts.DuplicateWindow),
			}
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("failed to check duplicate purchase window: %w", err)
		}
	}

	grant.PreviousBalance = balance
	grant.NewBalance = balance + grant.Sessions

	err = tx.QueryRow(ctx, `
		INSERT INTO entitlement_grants (
			account_id, package_id, requester_id, sessions,
			previous_balance, new_balance, amount_cents, transaction_id,
			idempotency_token
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at
	`,
		grant.AccountID,
		grant.PackageID,
		grant.RequesterID,
		grant.Sessions,
		grant.PreviousBalance,
		grant.NewBalance,
		grant.AmountCents,
		grant.TransactionID,
		grant.IdempotencyToken,
	).Scan(&grant.ID, &grant.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrDuplicateGrant
		}
		return fmt.Errorf("failed to insert entitlement grant: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE accounts SET available_sessions = available_sessions + $1 WHERE id = $2
	`, grant.Sessions, grant.AccountID)
	if err != nil {
		return fmt.Errorf("failed to credit account sessions: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit grant transaction: %w", err)
	}
	return nil
}

// CreateCompensationRecord inserts a durable compensation audit record.
func (r *PostgresRepository) CreateCompensationRecord(ctx context.Context, rec *domain.CompensationRecord) error {
	query := `
		INSERT INTO compensation_records (
			transaction_id, account_id, amount_cents,
			credit_failure, refund_failure, status
		)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`
	err := r.db.QueryRow(ctx, query,
		rec.TransactionID,
		rec.AccountID,
		rec.AmountCents,
		rec.CreditFailure,
		rec.RefundFailure,
		rec.Status,
	).Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert compensation record: %w", err)
	}
	return nil
}

// FindCompensationRecordsByTransactionID retrieves compensation records for a
// gateway transaction id, newest first.
func (r *PostgresRepository) FindCompensationRecordsByTransactionID(ctx context.Context, transactionID string) ([]domain.CompensationRecord, error) {
	query := `
		SELECT id, transaction_id, account_id, amount_cents,
		       credit_failure, refund_failure, status, created_at
		FROM compensation_records
		WHERE transaction_id = $1
		ORDER BY created_at DESC
	`
	rows, err := r.db.Query(ctx, query, transactionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query compensation records: %w", err)
	}
	defer rows.Close()
	return scanCompensationRecords(rows)
}

// FindCompensationRecordsByAccountID retrieves compensation records for an
// account, newest first.
func (r *PostgresRepository) FindCompensationRecordsByAccountID(ctx context.Context, accountID uuid.UUID) ([]domain.CompensationRecord, error) {
	query := `
		SELECT id, transaction_id, account_id, amount_cents,
		       credit_failure, refund_failure, status, created_at
		FROM compensation_records
		WHERE account_id = $1
		ORDER BY created_at DESC
	`
	rows, err := r.db.Query(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to query compensation records: %w", err)
	}
	defer rows.Close()
	return scanCompensationRecords(rows)
}

func scanCompensationRecords(rows pgx.Rows) ([]domain.CompensationRecord, error) {
	var records []domain.CompensationRecord
	for rows.Next() {
		var rec domain.CompensationRecord
		err := rows.Scan(
			&rec.ID,
			&rec.TransactionID,
			&rec.AccountID,
			&rec.AmountCents,
			&rec.CreditFailure,
			&rec.RefundFailure,
			&rec.Status,
			&rec.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan compensation record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating compensation record rows: %w", err)
	}
	return records, nil
}
