package export

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/cuongbtq/leadflow/internal/domain"
	"github.com/cuongbtq/leadflow/internal/storage"
	"github.com/cuongbtq/leadflow/internal/storage/memory"
)

func TestLeads(t *testing.T) {
	sentAt := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	next := sentAt.Add(48 * time.Hour)
	leads := []*domain.Lead{
		{
			ID:             "lead-1",
			Name:           "Acme Plumbing",
			OwnerName:      "Jo Owner",
			Email:          "jo@acme.test",
			Status:         domain.LeadStatusContacted,
			OutreachActive: true,
			OutreachJobID:  "job-1",
			CurrentStage:   "follow_up",
			NextFireAt:     &next,
			History: []domain.HistoryEntry{
				{JobID: "job-1", Step: 1, Stage: "initial_contact", SentAt: sentAt, Status: domain.StageStatusSent, MessageID: "<m1>"},
				{JobID: "job-1", Step: 1, Stage: "initial_contact", SentAt: sentAt.Add(time.Hour), Status: domain.StageStatusSent, MessageID: "<m2>", Manual: true},
			},
		},
		{
			ID:         "lead-2",
			Name:       "Bolt Electric",
			Status:     domain.LeadStatusLost,
			StopReason: domain.StopReasonStatus,
		},
	}

	data, err := Leads(leads)
	require.NoError(t, err)

	f, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows(leadsSheet)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, leadHeaders, rows[0])
	assert.Equal(t, "Acme Plumbing", rows[1][1])
	assert.Equal(t, "yes", rows[1][8])
	assert.Equal(t, "follow_up", rows[1][9])
	assert.Equal(t, "2026-03-04 09:30", rows[1][10])
	assert.Equal(t, "1", rows[1][11])
	assert.Equal(t, "no", rows[2][8])
	assert.Equal(t, domain.StopReasonStatus, rows[2][13])

	history, err := f.GetRows(historySheet)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "<m1>", history[1][7])
	assert.Equal(t, "no", history[1][8])
	assert.Equal(t, "yes", history[2][8])
}

func TestExporter_LeadsXLSXIsScopedToAccount(t *testing.T) {
	ctx := context.Background()
	store := memory.NewLeadStore()
	_, err := store.Create(ctx, &domain.Lead{AccountID: "acct-1", Name: "Acme Plumbing"})
	require.NoError(t, err)
	_, err = store.Create(ctx, &domain.Lead{AccountID: "acct-2", Name: "Other Co"})
	require.NoError(t, err)

	data, err := NewExporter(store, nil).LeadsXLSX(ctx, storage.LeadFilter{AccountID: "acct-1"})
	require.NoError(t, err)

	f, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows(leadsSheet)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "Acme Plumbing", rows[1][1])
}
