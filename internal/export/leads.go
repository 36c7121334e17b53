// Package export renders lead outreach state as XLSX workbooks.
package export

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/cuongbtq/leadflow/internal/domain"
	"github.com/cuongbtq/leadflow/internal/storage"
)

const (
	leadsSheet   = "Leads"
	historySheet = "History"
	timeLayout   = "2006-01-02 15:04"
)

var leadHeaders = []string{
	"Lead ID",
	"Business",
	"Owner",
	"Email",
	"Phone",
	"Location",
	"Service",
	"Status",
	"Outreach Active",
	"Current Stage",
	"Next Send",
	"Stages Sent",
	"Failures",
	"Stop Reason",
	"Last Error",
	"Created At",
}

var historyHeaders = []string{
	"Lead ID",
	"Business",
	"Job ID",
	"Step",
	"Stage",
	"Status",
	"Sent At",
	"Message ID",
	"Manual",
}

// Exporter reads leads from the lead store and writes them as a workbook
type Exporter struct {
	leads  storage.LeadStore
	logger *slog.Logger
}

// NewExporter creates an Exporter
func NewExporter(leads storage.LeadStore, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{leads: leads, logger: logger}
}

// LeadsXLSX returns a workbook with one row per lead and one row per history entry
func (e *Exporter) LeadsXLSX(ctx context.Context, filter storage.LeadFilter) ([]byte, error) {
	start := time.Now()

	leads, err := e.leads.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list leads: %w", err)
	}

	buf, err := Leads(leads)
	if err != nil {
		return nil, err
	}

	e.logger.Info("Leads exported",
		slog.String("account_id", filter.AccountID),
		slog.Int("rows", len(leads)),
		slog.Duration("took", time.Since(start)),
	)
	return buf, nil
}

// Leads renders leads into XLSX bytes
func Leads(leads []*domain.Lead) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	// the default sheet is renamed rather than left empty
	if err := f.SetSheetName(f.GetSheetName(0), leadsSheet); err != nil {
		return nil, fmt.Errorf("failed to name sheet: %w", err)
	}
	if _, err := f.NewSheet(historySheet); err != nil {
		return nil, fmt.Errorf("failed to add sheet: %w", err)
	}
	idx, _ := f.GetSheetIndex(leadsSheet)
	f.SetActiveSheet(idx)

	if err := writeRow(f, leadsSheet, 1, toAny(leadHeaders)); err != nil {
		return nil, err
	}
	if err := writeRow(f, historySheet, 1, toAny(historyHeaders)); err != nil {
		return nil, err
	}

	historyRow := 2
	for i, l := range leads {
		if err := writeRow(f, leadsSheet, i+2, leadRow(l)); err != nil {
			return nil, err
		}
		for _, h := range l.History {
			row := []any{l.ID, l.Name, h.JobID, h.Step, h.Stage, h.Status, formatTime(&h.SentAt), h.MessageID, yesNo(h.Manual)}
			if err := writeRow(f, historySheet, historyRow, row); err != nil {
				return nil, err
			}
			historyRow++
		}
	}

	_ = f.SetColWidth(leadsSheet, "A", "A", 38)
	_ = f.SetColWidth(leadsSheet, "B", "D", 28)
	_ = f.SetColWidth(leadsSheet, "E", "H", 16)
	_ = f.SetColWidth(leadsSheet, "J", "K", 20)
	_ = f.SetColWidth(leadsSheet, "N", "O", 28)
	_ = f.SetColWidth(historySheet, "A", "C", 38)
	_ = f.SetColWidth(historySheet, "E", "H", 22)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to write xlsx: %w", err)
	}
	return bytes.Clone(buf.Bytes()), nil
}

func leadRow(l *domain.Lead) []any {
	stage := ""
	if l.OutreachActive {
		stage = l.CurrentStage
	}
	return []any{
		l.ID,
		l.Name,
		l.OwnerName,
		l.Email,
		l.Phone,
		l.Location,
		l.Service,
		l.Status,
		yesNo(l.OutreachActive),
		stage,
		formatTime(l.NextFireAt),
		domain.SentCount(l.History, l.OutreachJobID),
		l.TotalFailures,
		l.StopReason,
		l.LastError,
		formatTime(&l.CreatedAt),
	}
}

func writeRow(f *excelize.File, sheet string, row int, values []any) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	if err := f.SetSheetRow(sheet, cell, &values); err != nil {
		return fmt.Errorf("failed to write %s row %d: %w", sheet, row, err)
	}
	return nil
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func toAny(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
