package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/cuongbtq/leadflow/internal/domain"
	"github.com/cuongbtq/leadflow/internal/storage"
)

var _ storage.CandidateStore = (*CandidateStore)(nil)

// CandidateStore keeps raw search results keyed by (account, name, location)
type CandidateStore struct {
	db     *sqlx.DB
	tracer trace.Tracer
	logger *slog.Logger
}

// NewCandidateStore creates a new PostgreSQL-backed candidate store
func NewCandidateStore(db *sqlx.DB, tracer trace.Tracer, logger *slog.Logger) *CandidateStore {
	return &CandidateStore{
		db:     db,
		tracer: tracer,
		logger: logger,
	}
}

// Upsert inserts the candidate or refreshes the row sharing its key. Empty incoming
// fields never overwrite stored values.
func (s *CandidateStore) Upsert(ctx context.Context, c *domain.Candidate) (*domain.Candidate, bool, error) {
	if strings.TrimSpace(c.Name) == "" || strings.TrimSpace(c.Location) == "" {
		return nil, false, domain.NewValidationError("name", "name and location are required")
	}

	query := `
		INSERT INTO candidates (
			id, account_id, name, location, name_key, location_key, service, address,
			phone, website, email, rating, review_count, source_job_id, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8,
			$9, $10, $11, $12, $13, $14, NOW(), NOW()
		)
		ON CONFLICT (account_id, name_key, location_key) DO UPDATE SET
			name = EXCLUDED.name,
			location = EXCLUDED.location,
			service = COALESCE(NULLIF(EXCLUDED.service, ''), candidates.service),
			address = COALESCE(NULLIF(EXCLUDED.address, ''), candidates.address),
			phone = COALESCE(NULLIF(EXCLUDED.phone, ''), candidates.phone),
			website = COALESCE(NULLIF(EXCLUDED.website, ''), candidates.website),
			email = COALESCE(NULLIF(EXCLUDED.email, ''), candidates.email),
			rating = CASE WHEN EXCLUDED.rating > 0 THEN EXCLUDED.rating ELSE candidates.rating END,
			review_count = GREATEST(EXCLUDED.review_count, candidates.review_count),
			source_job_id = COALESCE(NULLIF(EXCLUDED.source_job_id, ''), candidates.source_job_id),
			updated_at = NOW()
		RETURNING ` + candidateColumns + `, (xmax = 0) AS inserted`

	attrs := append(storage.DefaultDBAttributes,
		attribute.String("account_id", c.AccountID),
		attribute.String("source_job_id", c.SourceJobID),
	)

	var (
		stored  *domain.Candidate
		created bool
	)
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.upsert_candidate", attrs, func(ctx context.Context) error {
		var row struct {
			candidateRow
			Inserted bool `db:"inserted"`
		}
		err := s.db.GetContext(ctx, &row, query,
			uuid.New().String(),
			c.AccountID,
			strings.TrimSpace(c.Name),
			strings.TrimSpace(c.Location),
			domain.NormalizeKey(c.Name),
			domain.NormalizeKey(c.Location),
			c.Service,
			c.Address,
			c.Phone,
			c.Website,
			c.Email,
			c.Rating,
			c.ReviewCount,
			c.SourceJobID,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert candidate: %w", err)
		}
		stored = row.candidateRow.toDomain()
		created = row.Inserted
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return stored, created, nil
}

// Get returns a candidate by id
func (s *CandidateStore) Get(ctx context.Context, id string) (*domain.Candidate, error) {
	if !validID(id) {
		return nil, domain.ErrCandidateNotFound
	}

	query := `SELECT ` + candidateColumns + ` FROM candidates WHERE id = $1`

	var row candidateRow
	err := s.db.GetContext(ctx, &row, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrCandidateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get candidate: %w", err)
	}
	return row.toDomain(), nil
}

// CountByKey counts the rows stored for a dedup key
func (s *CandidateStore) CountByKey(ctx context.Context, accountID, name, location string) (int, error) {
	query := `SELECT COUNT(*) FROM candidates WHERE account_id = $1 AND name_key = $2 AND location_key = $3`

	var n int
	if err := s.db.GetContext(ctx, &n, query, accountID, domain.NormalizeKey(name), domain.NormalizeKey(location)); err != nil {
		return 0, fmt.Errorf("failed to count candidates: %w", err)
	}
	return n, nil
}

// ClaimBatch leases the oldest enrichable candidates. Rows locked by a concurrent batch
// are skipped rather than waited on.
func (s *CandidateStore) ClaimBatch(ctx context.Context, size int, lease time.Duration) ([]*domain.Candidate, error) {
	query := `
		UPDATE candidates
		SET claimed_until = NOW() + $2::float8 * INTERVAL '1 second',
		    updated_at = NOW()
		WHERE id IN (
			SELECT id FROM candidates
			WHERE NOT verified
			  AND NOT unenrichable
			  AND (claimed_until IS NULL OR claimed_until < NOW())
			ORDER BY created_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + candidateColumns

	attrs := append(storage.DefaultDBAttributes, attribute.Int("batch_size", size))

	var out []*domain.Candidate
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.claim_candidate_batch", attrs, func(ctx context.Context) error {
		var rows []candidateRow
		if err := s.db.SelectContext(ctx, &rows, query, size, seconds(lease)); err != nil {
			return fmt.Errorf("failed to claim candidates: %w", err)
		}
		out = make([]*domain.Candidate, 0, len(rows))
		for i := range rows {
			out = append(out, rows[i].toDomain())
		}
		return nil
	})
	return out, err
}

// MarkVerified records a successful promotion
func (s *CandidateStore) MarkVerified(ctx context.Context, id, leadID string) error {
	query := `
		UPDATE candidates
		SET verified = TRUE,
		    lead_id = $2,
		    last_error = '',
		    claimed_until = NULL,
		    updated_at = NOW()
		WHERE id = $1
	`
	return s.exec(ctx, "postgres.mark_candidate_verified", id, query, id, leadID)
}

// RecordFailure counts a failed enrichment attempt in one update
func (s *CandidateStore) RecordFailure(ctx context.Context, id, errMsg string, maxAttempts int, retryAfter time.Duration) (*domain.Candidate, error) {
	if !validID(id) {
		return nil, domain.ErrCandidateNotFound
	}

	query := `
		UPDATE candidates
		SET enrich_attempts = enrich_attempts + 1,
		    unenrichable = enrich_attempts + 1 >= $3,
		    last_error = $2,
		    claimed_until = CASE
		        WHEN enrich_attempts + 1 >= $3 THEN NULL
		        ELSE NOW() + $4::float8 * INTERVAL '1 second'
		    END,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING ` + candidateColumns

	attrs := append(storage.DefaultDBAttributes, attribute.String("candidate_id", id))

	var c *domain.Candidate
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.record_candidate_failure", attrs, func(ctx context.Context) error {
		var row candidateRow
		err := s.db.GetContext(ctx, &row, query, id, errMsg, maxAttempts, retryAfter.Seconds())
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrCandidateNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to record enrichment failure: %w", err)
		}
		c = row.toDomain()
		return nil
	})
	return c, err
}

// Release drops the candidate's lease
func (s *CandidateStore) Release(ctx context.Context, id string) error {
	query := `UPDATE candidates SET claimed_until = NULL, updated_at = NOW() WHERE id = $1`
	return s.exec(ctx, "postgres.release_candidate", id, query, id)
}

func (s *CandidateStore) exec(ctx context.Context, span, id, query string, args ...interface{}) error {
	if !validID(id) {
		return domain.ErrCandidateNotFound
	}

	attrs := append(storage.DefaultDBAttributes, attribute.String("candidate_id", id))
	return storage.ExecuteAndTrace(ctx, s.tracer, span, attrs, func(ctx context.Context) error {
		result, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to update candidate: %w", err)
		}
		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if rowsAffected == 0 {
			return domain.ErrCandidateNotFound
		}
		return nil
	})
}
