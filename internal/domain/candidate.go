package domain

import (
	"strings"
	"time"
)

// Candidate is a raw search result awaiting enrichment.
// It is unique per (AccountID, Name, Location), compared case-insensitively.
type Candidate struct {
	ID             string
	AccountID      string
	Name           string
	Location       string
	Service        string
	Address        string
	Phone          string
	Website        string
	Email          string
	Rating         float64
	ReviewCount    int
	SourceJobID    string
	Verified       bool
	Unenrichable   bool
	EnrichAttempts int
	LastError      string
	LeadID         string
	ClaimedUntil   *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// CandidateKey returns the dedup key of a candidate
func CandidateKey(accountID, name, location string) string {
	return accountID + "|" + NormalizeKey(name) + "|" + NormalizeKey(location)
}

// Key returns the candidate's dedup key
func (c *Candidate) Key() string {
	return CandidateKey(c.AccountID, c.Name, c.Location)
}

// Clone returns a copy of the candidate
func (c *Candidate) Clone() *Candidate {
	v := *c
	v.ClaimedUntil = cloneTime(c.ClaimedUntil)
	return &v
}

// Enrichment is what the enrichment collaborator found for a candidate
type Enrichment struct {
	OwnerName  string
	Email      string
	Phone      string
	Website    string
	Confidence string
}

// PromoteToLead builds the lead created from a verified candidate
func PromoteToLead(c *Candidate, e Enrichment) *Lead {
	return &Lead{
		AccountID:      c.AccountID,
		CandidateID:    c.ID,
		Name:           c.Name,
		OwnerName:      e.OwnerName,
		Email:          firstNonEmpty(e.Email, c.Email),
		Phone:          firstNonEmpty(e.Phone, c.Phone),
		Website:        firstNonEmpty(e.Website, c.Website),
		Location:       c.Location,
		Service:        c.Service,
		Status:         LeadStatusActive,
		OutreachActive: false,
		StartStep:      1,
		CurrentStep:    1,
		CurrentStage:   StageName(1),
	}
}

// NormalizeKey lowercases a key part and collapses its whitespace
func NormalizeKey(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
