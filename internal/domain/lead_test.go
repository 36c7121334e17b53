package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func sent(jobID string, step int, manual bool) HistoryEntry {
	return HistoryEntry{
		JobID:  jobID,
		Step:   step,
		Stage:  StageName(step),
		SentAt: time.Now(),
		Status: StageStatusSent,
		Manual: manual,
	}
}

func TestNextStep(t *testing.T) {
	tests := []struct {
		name      string
		history   []HistoryEntry
		startStep int
		expected  int
	}{
		{
			name:      "empty history starts at first step",
			history:   nil,
			startStep: 1,
			expected:  1,
		},
		{
			name:      "counts confirmed sends",
			history:   []HistoryEntry{sent("job-1", 1, false), sent("job-1", 2, false)},
			startStep: 1,
			expected:  3,
		},
		{
			name:      "manual resends are ignored",
			history:   []HistoryEntry{sent("job-1", 1, false), sent("job-1", 1, true), sent("job-1", 1, true)},
			startStep: 1,
			expected:  2,
		},
		{
			name:      "entries of an earlier sequence are ignored",
			history:   []HistoryEntry{sent("job-0", 1, false), sent("job-0", 2, false), sent("job-1", 1, false)},
			startStep: 1,
			expected:  2,
		},
		{
			name:      "offset by the start step",
			history:   []HistoryEntry{sent("job-1", 3, false)},
			startStep: 3,
			expected:  4,
		},
		{
			name:      "zero start step treated as first",
			history:   nil,
			startStep: 0,
			expected:  1,
		},
		{
			name: "finished sequence",
			history: []HistoryEntry{
				sent("job-1", 1, false), sent("job-1", 2, false), sent("job-1", 3, false),
				sent("job-1", 4, false), sent("job-1", 5, false), sent("job-1", 6, false),
				sent("job-1", 7, false),
			},
			startStep: 1,
			expected:  8,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NextStep(tt.history, "job-1", tt.startStep))
		})
	}
}

func TestLastSent(t *testing.T) {
	history := []HistoryEntry{sent("job-1", 1, false), sent("job-1", 2, false), sent("job-1", 2, true)}

	last, ok := LastSent(history, "job-1")
	assert.True(t, ok)
	assert.Equal(t, 2, last.Step)
	assert.False(t, last.Manual)

	_, ok = LastSent(nil, "job-1")
	assert.False(t, ok)
}

func TestLead_StopCondition(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name     string
		lead     Lead
		reason   string
		expected bool
	}{
		{name: "active lead", lead: Lead{Status: LeadStatusActive}, expected: false},
		{name: "contacted lead", lead: Lead{Status: LeadStatusContacted}, expected: false},
		{name: "replied signal", lead: Lead{Status: LeadStatusContacted, RepliedAt: &now}, reason: StopReasonReplied, expected: true},
		{name: "meeting booked", lead: Lead{Status: LeadStatusMeeting}, reason: StopReasonStatus, expected: true},
		{name: "deal", lead: Lead{Status: LeadStatusDeal}, reason: StopReasonStatus, expected: true},
		{name: "lost", lead: Lead{Status: LeadStatusLost}, reason: StopReasonStatus, expected: true},
		{name: "archived", lead: Lead{Status: LeadStatusArchived}, reason: StopReasonStatus, expected: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reason, stop := tt.lead.StopCondition()
			assert.Equal(t, tt.expected, stop)
			assert.Equal(t, tt.reason, reason)
		})
	}
}

func TestLead_Due(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	assert.True(t, (&Lead{OutreachActive: true, NextFireAt: &past}).Due(now))
	assert.True(t, (&Lead{OutreachActive: true, NextFireAt: &now}).Due(now))
	assert.False(t, (&Lead{OutreachActive: true, NextFireAt: &future}).Due(now))
	assert.False(t, (&Lead{OutreachActive: false, NextFireAt: &past}).Due(now))
	assert.False(t, (&Lead{OutreachActive: true}).Due(now))
}

func TestLead_Variables(t *testing.T) {
	lead := &Lead{Name: "Acme Plumbing", OwnerName: "Jane Doe", Location: "Austin, TX"}
	vars := lead.Variables()

	assert.Equal(t, "Acme Plumbing", vars["lead_name"])
	assert.Equal(t, "Jane", vars["first_name"])
	assert.Equal(t, "Austin, TX", vars["location"])
}

func TestPromoteToLead(t *testing.T) {
	c := &Candidate{
		ID:        "cand-1",
		AccountID: "acct-1",
		Name:      "Acme Plumbing",
		Location:  "Austin, TX",
		Service:   "plumber",
		Phone:     "555-0100",
		Website:   "https://acme.example",
	}

	lead := PromoteToLead(c, Enrichment{OwnerName: "Jane Doe", Email: "jane@acme.example"})

	assert.Equal(t, "acct-1", lead.AccountID)
	assert.Equal(t, "cand-1", lead.CandidateID)
	assert.Equal(t, LeadStatusActive, lead.Status)
	assert.False(t, lead.OutreachActive)
	assert.Nil(t, lead.NextFireAt)
	assert.Equal(t, "jane@acme.example", lead.Email)
	assert.Equal(t, "555-0100", lead.Phone)
	assert.Equal(t, "https://acme.example", lead.Website)
	assert.Equal(t, 1, lead.CurrentStep)
}

func TestCandidateKey(t *testing.T) {
	assert.Equal(t,
		CandidateKey("acct-1", "Acme  Plumbing", "Austin, TX"),
		CandidateKey("acct-1", "acme plumbing", " austin, tx "),
	)
	assert.NotEqual(t,
		CandidateKey("acct-1", "Acme Plumbing", "Austin, TX"),
		CandidateKey("acct-2", "Acme Plumbing", "Austin, TX"),
	)
}
