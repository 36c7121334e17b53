package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cuongbtq/leadflow/internal/domain"
	"github.com/cuongbtq/leadflow/internal/storage"
)

// LeadOutreach is the outreach summary of one lead
type LeadOutreach struct {
	Lead         *domain.Lead
	Active       bool
	CurrentStep  int
	CurrentStage string
	NextFireAt   *time.Time
	SentCount    int
	ManualCount  int
	FailedCount  int
	StopReason   string
	Finished     bool
}

// CreateLead stores a manually entered lead
func (s *Service) CreateLead(ctx context.Context, accountID string, req CreateLeadRequest) (*domain.Lead, error) {
	lead, err := s.leads.Create(ctx, &domain.Lead{
		AccountID: accountID,
		Name:      strings.TrimSpace(req.Name),
		OwnerName: strings.TrimSpace(req.OwnerName),
		Email:     strings.TrimSpace(req.Email),
		Phone:     strings.TrimSpace(req.Phone),
		Website:   strings.TrimSpace(req.Website),
		Location:  strings.TrimSpace(req.Location),
		Service:   strings.TrimSpace(req.Service),
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("Lead created",
		slog.String("lead_id", lead.ID),
		slog.String("account_id", accountID))
	return lead, nil
}

// LeadOutreach returns the outreach summary of a lead with its full history
func (s *Service) LeadOutreach(ctx context.Context, accountID, leadID string) (*LeadOutreach, error) {
	lead, err := s.leads.Get(ctx, accountID, leadID)
	if err != nil {
		return nil, err
	}
	return summarize(lead), nil
}

func summarize(lead *domain.Lead) *LeadOutreach {
	out := &LeadOutreach{
		Lead:        lead,
		Active:      lead.OutreachActive,
		CurrentStep: lead.CurrentStep,
		NextFireAt:  lead.NextFireAt,
		FailedCount: lead.TotalFailures,
		StopReason:  lead.StopReason,
		Finished:    lead.SequenceFinished(),
	}
	out.CurrentStage = domain.StageName(out.CurrentStep)
	for _, h := range lead.History {
		if h.JobID != lead.OutreachJobID || h.Status != domain.StageStatusSent {
			continue
		}
		if h.Manual {
			out.ManualCount++
		} else {
			out.SentCount++
		}
	}
	return out
}

// StopOutreach halts the lead's running sequence
func (s *Service) StopOutreach(ctx context.Context, accountID, leadID string) (*LeadOutreach, error) {
	lead, err := s.control.Stop(ctx, accountID, leadID)
	if err != nil {
		return nil, err
	}
	return summarize(lead), nil
}

// ResendStage sends the last sent stage again as a manual entry
func (s *Service) ResendStage(ctx context.Context, accountID, leadID string) (*LeadOutreach, domain.HistoryEntry, error) {
	lead, entry, err := s.control.Resend(ctx, accountID, leadID)
	if err != nil {
		return nil, domain.HistoryEntry{}, err
	}
	return summarize(lead), entry, nil
}

// MarkReplied records an inbound reply; a zero at means now
func (s *Service) MarkReplied(ctx context.Context, accountID, leadID string, at time.Time) (*LeadOutreach, error) {
	lead, err := s.control.MarkReplied(ctx, accountID, leadID, at)
	if err != nil {
		return nil, err
	}
	return summarize(lead), nil
}

// SetLeadStatus changes the CRM status of a lead
func (s *Service) SetLeadStatus(ctx context.Context, accountID, leadID, status string) (*LeadOutreach, error) {
	status = strings.ToLower(strings.TrimSpace(status))
	if !domain.IsValidLeadStatus(status) {
		return nil, domain.NewValidationError("status", "unknown lead status "+status)
	}
	lead, err := s.control.SetStatus(ctx, accountID, leadID, status)
	if err != nil {
		return nil, err
	}
	return summarize(lead), nil
}

// RescheduleLead moves the next send of a running sequence
func (s *Service) RescheduleLead(ctx context.Context, accountID, leadID string, at time.Time) (*LeadOutreach, error) {
	if at.IsZero() {
		return nil, domain.NewValidationError("next_fire_at", "is required")
	}
	lead, err := s.control.Reschedule(ctx, accountID, leadID, at)
	if err != nil {
		return nil, err
	}
	return summarize(lead), nil
}

// ExportLeads renders the account's leads as an XLSX workbook
func (s *Service) ExportLeads(ctx context.Context, accountID, status string) ([]byte, error) {
	if status != "" && !domain.IsValidLeadStatus(status) {
		return nil, domain.NewValidationError("status", "unknown lead status "+status)
	}
	data, err := s.exporter.LeadsXLSX(ctx, storage.LeadFilter{AccountID: accountID, Status: status})
	if err != nil {
		return nil, fmt.Errorf("failed to export leads: %w", err)
	}
	return data, nil
}
