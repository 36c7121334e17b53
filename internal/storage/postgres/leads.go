package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
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

var _ storage.LeadStore = (*LeadStore)(nil)

// sentCountOf counts confirmed automated sends of the sequence bound to the given
// parameter. It mirrors domain.SentCount.
func sentCountOf(param string) string {
	return `(SELECT COUNT(*) FROM jsonb_array_elements(history) AS h
		WHERE h ->> 'status' = 'sent'
		  AND h ->> 'job_id' = ` + param + `
		  AND NOT COALESCE((h ->> 'manual')::boolean, FALSE))`
}

// LeadStore keeps promoted leads and their outreach state
type LeadStore struct {
	db     *sqlx.DB
	tracer trace.Tracer
	logger *slog.Logger
}

// NewLeadStore creates a new PostgreSQL-backed lead store
func NewLeadStore(db *sqlx.DB, tracer trace.Tracer, logger *slog.Logger) *LeadStore {
	return &LeadStore{
		db:     db,
		tracer: tracer,
		logger: logger,
	}
}

const insertLead = `
	INSERT INTO leads (
		id, account_id, candidate_id, name, owner_name, email, phone, website,
		location, service, status, start_step, current_step, current_stage, created_at, updated_at
	) VALUES (
		$1, $2, $3, $4, $5, $6, $7, $8,
		$9, $10, $11, $12, $13, $14, NOW(), NOW()
	)`

func leadInsertArgs(lead *domain.Lead) []interface{} {
	status := lead.Status
	if status == "" {
		status = domain.LeadStatusActive
	}
	startStep := max(lead.StartStep, 1)
	currentStep := lead.CurrentStep
	if currentStep < 1 {
		currentStep = startStep
	}
	return []interface{}{
		uuid.New().String(),
		lead.AccountID,
		nullString(lead.CandidateID),
		strings.TrimSpace(lead.Name),
		lead.OwnerName,
		lead.Email,
		lead.Phone,
		lead.Website,
		lead.Location,
		lead.Service,
		status,
		startStep,
		currentStep,
		domain.StageName(currentStep),
	}
}

// Create stores a manually entered lead
func (s *LeadStore) Create(ctx context.Context, lead *domain.Lead) (*domain.Lead, error) {
	if strings.TrimSpace(lead.Name) == "" {
		return nil, domain.NewValidationError("name", "is required")
	}
	if strings.TrimSpace(lead.AccountID) == "" {
		return nil, domain.NewValidationError("account_id", "is required")
	}

	attrs := append(storage.DefaultDBAttributes, attribute.String("account_id", lead.AccountID))

	var stored *domain.Lead
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.create_lead", attrs, func(ctx context.Context) error {
		var err error
		stored, err = s.returning(ctx, insertLead+` RETURNING `+leadColumns, leadInsertArgs(lead)...)
		if err != nil {
			return fmt.Errorf("failed to create lead: %w", err)
		}
		return nil
	})
	return stored, err
}

// Promote stores the lead for a candidate unless one already exists
func (s *LeadStore) Promote(ctx context.Context, lead *domain.Lead) (*domain.Lead, bool, error) {
	attrs := append(storage.DefaultDBAttributes,
		attribute.String("account_id", lead.AccountID),
		attribute.String("candidate_id", lead.CandidateID),
	)

	var (
		stored  *domain.Lead
		created bool
	)
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.promote_lead", attrs, func(ctx context.Context) error {
		query := insertLead + `
			ON CONFLICT (account_id, candidate_id) WHERE candidate_id IS NOT NULL DO NOTHING
			RETURNING ` + leadColumns

		var err error
		stored, err = s.returning(ctx, query, leadInsertArgs(lead)...)
		if errors.Is(err, sql.ErrNoRows) {
			existing := `SELECT ` + leadColumns + ` FROM leads WHERE account_id = $1 AND candidate_id = $2`
			stored, err = s.returning(ctx, existing, lead.AccountID, lead.CandidateID)
			if err != nil {
				return fmt.Errorf("failed to load promoted lead: %w", err)
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to promote lead: %w", err)
		}
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return stored, created, nil
}

// Get returns a lead visible to the account
func (s *LeadStore) Get(ctx context.Context, accountID, leadID string) (*domain.Lead, error) {
	lead, err := s.GetByID(ctx, leadID)
	if err != nil {
		return nil, err
	}
	if lead.AccountID != accountID {
		return nil, domain.ErrLeadNotFound
	}
	return lead, nil
}

// GetByID returns a lead regardless of account
func (s *LeadStore) GetByID(ctx context.Context, leadID string) (*domain.Lead, error) {
	if !validID(leadID) {
		return nil, domain.ErrLeadNotFound
	}
	return s.get(ctx, leadID)
}

func (s *LeadStore) get(ctx context.Context, leadID string) (*domain.Lead, error) {
	lead, err := s.returning(ctx, `SELECT `+leadColumns+` FROM leads WHERE id = $1`, leadID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrLeadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lead: %w", err)
	}
	return lead, nil
}

// List returns matching leads newest first
func (s *LeadStore) List(ctx context.Context, filter storage.LeadFilter) ([]*domain.Lead, error) {
	query := `SELECT ` + leadColumns + ` FROM leads WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if filter.AccountID != "" {
		query += fmt.Sprintf(" AND account_id = $%d", argIdx)
		args = append(args, filter.AccountID)
		argIdx++
	}

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	if filter.OutreachActive != nil {
		query += fmt.Sprintf(" AND outreach_active = $%d", argIdx)
		args = append(args, *filter.OutreachActive)
		argIdx++
	}

	query += " ORDER BY created_at DESC, id DESC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filter.Limit)
	}

	attrs := append(storage.DefaultDBAttributes, attribute.String("account_id", filter.AccountID))

	var leads []*domain.Lead
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.list_leads", attrs, func(ctx context.Context) error {
		var err error
		leads, err = s.selectLeads(ctx, query, args...)
		return err
	})
	return leads, err
}

// DueLeads returns unclaimed active leads whose fire time has elapsed, earliest first
func (s *LeadStore) DueLeads(ctx context.Context, now time.Time, limit int) ([]*domain.Lead, error) {
	query := `
		SELECT ` + leadColumns + ` FROM leads
		WHERE outreach_active
		  AND next_fire_at <= $1
		  AND (claimed_until IS NULL OR claimed_until < $1)
		ORDER BY next_fire_at ASC
		LIMIT $2
	`

	var leads []*domain.Lead
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.due_leads", storage.DefaultDBAttributes, func(ctx context.Context) error {
		var err error
		leads, err = s.selectLeads(ctx, query, now, limit)
		return err
	})
	return leads, err
}

// Claim leases a due lead for one scheduler pass
func (s *LeadStore) Claim(ctx context.Context, leadID string, lease time.Duration) (*domain.Lead, error) {
	if !validID(leadID) {
		return nil, domain.ErrLeadNotFound
	}

	query := `
		UPDATE leads
		SET claimed_until = NOW() + $2::float8 * INTERVAL '1 second'
		WHERE id = $1
		  AND outreach_active
		  AND next_fire_at <= NOW()
		  AND (claimed_until IS NULL OR claimed_until < NOW())
		RETURNING ` + leadColumns

	attrs := append(storage.DefaultDBAttributes, attribute.String("lead_id", leadID))

	var lead *domain.Lead
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.claim_lead", attrs, func(ctx context.Context) error {
		var err error
		lead, err = s.returning(ctx, query, leadID, seconds(lease))
		if errors.Is(err, sql.ErrNoRows) {
			if _, err := s.get(ctx, leadID); err != nil {
				return err
			}
			return domain.ErrLeadBusy
		}
		if err != nil {
			return fmt.Errorf("failed to claim lead: %w", err)
		}
		return nil
	})
	return lead, err
}

// Release drops a scheduler claim
func (s *LeadStore) Release(ctx context.Context, leadID string) error {
	if !validID(leadID) {
		return domain.ErrLeadNotFound
	}

	attrs := append(storage.DefaultDBAttributes, attribute.String("lead_id", leadID))
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.release_lead", attrs, func(ctx context.Context) error {
		if _, err := s.db.ExecContext(ctx, `UPDATE leads SET claimed_until = NULL WHERE id = $1`, leadID); err != nil {
			return fmt.Errorf("failed to release lead: %w", err)
		}
		return nil
	})
}

// Activate starts or resumes the sequence of jobID. The row is locked while the next
// step is derived from its history.
func (s *LeadStore) Activate(ctx context.Context, leadID, jobID string, startStep int, nextFireAt time.Time) (*domain.Lead, error) {
	if !validID(leadID) {
		return nil, domain.ErrLeadNotFound
	}

	attrs := append(storage.DefaultDBAttributes,
		attribute.String("lead_id", leadID),
		attribute.String("job_id", jobID),
	)

	var lead *domain.Lead
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.activate_lead", attrs, func(ctx context.Context) error {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback()

		var row leadRow
		err = tx.GetContext(ctx, &row, `SELECT `+leadColumns+` FROM leads WHERE id = $1 FOR UPDATE`, leadID)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrLeadNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to lock lead: %w", err)
		}
		current, err := row.toDomain()
		if err != nil {
			return err
		}
		if current.OutreachActive && current.OutreachJobID != jobID {
			return domain.ErrOutreachActive
		}

		step := domain.NextStep(current.History, jobID, startStep)
		query := `
			UPDATE leads
			SET outreach_active = TRUE,
			    outreach_job_id = $2,
			    start_step = $3,
			    current_step = $4,
			    current_stage = $5,
			    next_fire_at = $6,
			    failure_count = 0,
			    last_error = '',
			    stop_reason = '',
			    claimed_until = NULL,
			    updated_at = NOW()
			WHERE id = $1
			RETURNING ` + leadColumns

		var updated leadRow
		if err := tx.GetContext(ctx, &updated, query, leadID, jobID, startStep, step, domain.StageName(step), nextFireAt); err != nil {
			return fmt.Errorf("failed to activate lead: %w", err)
		}
		if lead, err = updated.toDomain(); err != nil {
			return err
		}
		return tx.Commit()
	})
	return lead, err
}

// AppendSent appends a confirmed automated send only while the stored sent count still
// equals the count the caller observed, so two overlapping passes cannot both record
// the same stage. A send that lands after a stop is recorded without reactivating.
func (s *LeadStore) AppendSent(ctx context.Context, leadID string, a domain.SentAppend) (*domain.Lead, error) {
	if !validID(leadID) {
		return nil, domain.ErrLeadNotFound
	}

	entry, err := json.Marshal([]domain.HistoryEntry{a.Entry})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal history entry: %w", err)
	}

	query := `
		UPDATE leads
		SET history = history || $2::jsonb,
		    current_step = $3,
		    current_stage = $4,
		    next_fire_at = CASE WHEN outreach_active AND NOT $6::boolean THEN $5::timestamptz ELSE NULL END,
		    stop_reason = CASE WHEN outreach_active AND $6::boolean THEN 'sequence_completed' ELSE stop_reason END,
		    outreach_active = outreach_active AND NOT $6::boolean,
		    failure_count = 0,
		    last_error = '',
		    status = CASE WHEN status = 'active' THEN 'contacted' ELSE status END,
		    updated_at = NOW()
		WHERE id = $1
		  AND outreach_job_id = $7
		  AND ` + sentCountOf("$7") + ` = $8
		RETURNING ` + leadColumns

	attrs := append(storage.DefaultDBAttributes,
		attribute.String("lead_id", leadID),
		attribute.String("job_id", a.Entry.JobID),
		attribute.Int("step", a.Entry.Step),
	)

	var lead *domain.Lead
	err = storage.ExecuteAndTrace(ctx, s.tracer, "postgres.append_sent", attrs, func(ctx context.Context) error {
		var err error
		lead, err = s.returning(ctx, query,
			leadID,
			string(entry),
			a.CurrentStep,
			a.CurrentStage,
			nullTime(a.NextFireAt),
			a.Finished,
			a.Entry.JobID,
			a.ExpectedSent,
		)
		if errors.Is(err, sql.ErrNoRows) {
			if _, err := s.get(ctx, leadID); err != nil {
				return err
			}
			return domain.ErrStageAlreadySent
		}
		if err != nil {
			return fmt.Errorf("failed to append sent entry: %w", err)
		}
		return nil
	})
	return lead, err
}

// AppendManual appends an operator-forced history entry
func (s *LeadStore) AppendManual(ctx context.Context, leadID string, entry domain.HistoryEntry) (*domain.Lead, error) {
	if !validID(leadID) {
		return nil, domain.ErrLeadNotFound
	}

	entry.Manual = true
	data, err := json.Marshal([]domain.HistoryEntry{entry})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal history entry: %w", err)
	}

	query := `
		UPDATE leads
		SET history = history || $2::jsonb,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING ` + leadColumns

	return s.update(ctx, "postgres.append_manual", leadID, query, leadID, string(data))
}

// RecordFailure counts a failed send and either schedules a retry or stops the sequence
func (s *LeadStore) RecordFailure(ctx context.Context, leadID string, f domain.SendFailure) (*domain.Lead, error) {
	if !validID(leadID) {
		return nil, domain.ErrLeadNotFound
	}

	query := `
		UPDATE leads
		SET failure_count = failure_count + 1,
		    total_failures = total_failures + 1,
		    last_error = $2,
		    next_fire_at = CASE WHEN outreach_active AND failure_count + 1 < $4 THEN $3::timestamptz ELSE NULL END,
		    stop_reason = CASE WHEN outreach_active AND failure_count + 1 >= $4 THEN 'send_failures_exceeded' ELSE stop_reason END,
		    outreach_active = outreach_active AND failure_count + 1 < $4,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING ` + leadColumns

	return s.update(ctx, "postgres.record_send_failure", leadID, query, leadID, f.Error, f.RetryAt, f.MaxFailures)
}

// Stop deactivates outreach on the lead
func (s *LeadStore) Stop(ctx context.Context, leadID, reason string) (*domain.Lead, error) {
	if !validID(leadID) {
		return nil, domain.ErrLeadNotFound
	}

	query := `
		UPDATE leads
		SET outreach_active = FALSE,
		    next_fire_at = NULL,
		    stop_reason = $2,
		    updated_at = NOW()
		WHERE id = $1 AND outreach_active
		RETURNING ` + leadColumns

	attrs := append(storage.DefaultDBAttributes,
		attribute.String("lead_id", leadID),
		attribute.String("reason", reason),
	)

	var (
		lead     *domain.Lead
		inactive bool
	)
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.stop_lead", attrs, func(ctx context.Context) error {
		var err error
		lead, err = s.returning(ctx, query, leadID, reason)
		if errors.Is(err, sql.ErrNoRows) {
			inactive = true
			lead, err = s.get(ctx, leadID)
			return err
		}
		if err != nil {
			return fmt.Errorf("failed to stop lead: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if inactive {
		return lead, domain.ErrOutreachInactive
	}
	return lead, nil
}

// SetStatus changes the CRM status. Statuses that hand the lead to a human stop outreach
// in the same update.
func (s *LeadStore) SetStatus(ctx context.Context, accountID, leadID, status string) (*domain.Lead, error) {
	if !domain.IsValidLeadStatus(status) {
		return nil, domain.NewValidationError("status", "unknown lead status "+status)
	}
	if !validID(leadID) {
		return nil, domain.ErrLeadNotFound
	}

	query := `
		UPDATE leads
		SET status = $3::text,
		    archived_at = CASE WHEN $3::text = 'archived' THEN COALESCE(archived_at, NOW()) ELSE NULL END,
		    stop_reason = CASE WHEN outreach_active AND $4::boolean THEN 'lead_status_changed' ELSE stop_reason END,
		    next_fire_at = CASE WHEN outreach_active AND $4::boolean THEN NULL ELSE next_fire_at END,
		    outreach_active = outreach_active AND NOT $4::boolean,
		    updated_at = NOW()
		WHERE id = $1 AND account_id = $2
		RETURNING ` + leadColumns

	return s.update(ctx, "postgres.set_lead_status", leadID, query, leadID, accountID, status, domain.HaltsOutreach(status))
}

// MarkReplied records an inbound reply and stops outreach
func (s *LeadStore) MarkReplied(ctx context.Context, accountID, leadID string, at time.Time) (*domain.Lead, error) {
	if !validID(leadID) {
		return nil, domain.ErrLeadNotFound
	}

	query := `
		UPDATE leads
		SET replied_at = $3,
		    status = CASE WHEN status IN ('active', 'contacted') THEN 'replied' ELSE status END,
		    stop_reason = CASE WHEN outreach_active THEN 'lead_replied' ELSE stop_reason END,
		    next_fire_at = NULL,
		    outreach_active = FALSE,
		    updated_at = NOW()
		WHERE id = $1 AND account_id = $2
		RETURNING ` + leadColumns

	return s.update(ctx, "postgres.mark_lead_replied", leadID, query, leadID, accountID, at)
}

// Reschedule moves the next fire time of an active sequence
func (s *LeadStore) Reschedule(ctx context.Context, accountID, leadID string, at time.Time) (*domain.Lead, error) {
	if !validID(leadID) {
		return nil, domain.ErrLeadNotFound
	}

	query := `
		UPDATE leads
		SET next_fire_at = $3,
		    updated_at = NOW()
		WHERE id = $1 AND account_id = $2 AND outreach_active
		RETURNING ` + leadColumns

	attrs := append(storage.DefaultDBAttributes, attribute.String("lead_id", leadID))

	var lead *domain.Lead
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.reschedule_lead", attrs, func(ctx context.Context) error {
		var err error
		lead, err = s.returning(ctx, query, leadID, accountID, at)
		if errors.Is(err, sql.ErrNoRows) {
			current, err := s.get(ctx, leadID)
			if err != nil {
				return err
			}
			if current.AccountID != accountID {
				return domain.ErrLeadNotFound
			}
			return domain.ErrOutreachInactive
		}
		if err != nil {
			return fmt.Errorf("failed to reschedule lead: %w", err)
		}
		return nil
	})
	return lead, err
}

// update runs a RETURNING update keyed by lead id; no row means the lead is not visible
func (s *LeadStore) update(ctx context.Context, span, leadID, query string, args ...interface{}) (*domain.Lead, error) {
	attrs := append(storage.DefaultDBAttributes, attribute.String("lead_id", leadID))

	var lead *domain.Lead
	err := storage.ExecuteAndTrace(ctx, s.tracer, span, attrs, func(ctx context.Context) error {
		var err error
		lead, err = s.returning(ctx, query, args...)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrLeadNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to update lead: %w", err)
		}
		return nil
	})
	return lead, err
}

func (s *LeadStore) returning(ctx context.Context, query string, args ...interface{}) (*domain.Lead, error) {
	var row leadRow
	if err := s.db.GetContext(ctx, &row, query, args...); err != nil {
		return nil, err
	}
	return row.toDomain()
}

func (s *LeadStore) selectLeads(ctx context.Context, query string, args ...interface{}) ([]*domain.Lead, error) {
	var rows []leadRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to select leads: %w", err)
	}
	leads := make([]*domain.Lead, 0, len(rows))
	for i := range rows {
		lead, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		leads = append(leads, lead)
	}
	return leads, nil
}
