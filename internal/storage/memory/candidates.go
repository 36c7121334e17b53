package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuongbtq/leadflow/internal/domain"
	"github.com/cuongbtq/leadflow/internal/storage"
)

var _ storage.CandidateStore = (*CandidateStore)(nil)

// CandidateStore is a mutex-guarded implementation of storage.CandidateStore
type CandidateStore struct {
	mu    sync.Mutex
	byID  map[string]*domain.Candidate
	byKey map[string]string
	clock clock
}

// NewCandidateStore creates an empty in-memory candidate store
func NewCandidateStore(opts ...Option) *CandidateStore {
	return &CandidateStore{
		byID:  make(map[string]*domain.Candidate),
		byKey: make(map[string]string),
		clock: newClock(opts),
	}
}

// Upsert inserts the candidate or refreshes the row sharing its key
func (s *CandidateStore) Upsert(ctx context.Context, c *domain.Candidate) (*domain.Candidate, bool, error) {
	if strings.TrimSpace(c.Name) == "" || strings.TrimSpace(c.Location) == "" {
		return nil, false, domain.NewValidationError("name", "name and location are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.now()
	if id, ok := s.byKey[c.Key()]; ok {
		existing := s.byID[id]
		mergeCandidate(existing, c)
		existing.UpdatedAt = now
		return existing.Clone(), false, nil
	}

	stored := c.Clone()
	stored.ID = uuid.New().String()
	stored.Verified = false
	stored.Unenrichable = false
	stored.EnrichAttempts = 0
	stored.ClaimedUntil = nil
	stored.CreatedAt = now
	stored.UpdatedAt = now
	s.byID[stored.ID] = stored
	s.byKey[stored.Key()] = stored.ID

	return stored.Clone(), true, nil
}

// Get returns a candidate by id
func (s *CandidateStore) Get(ctx context.Context, id string) (*domain.Candidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byID[id]
	if !ok {
		return nil, domain.ErrCandidateNotFound
	}
	return c.Clone(), nil
}

// CountByKey counts the rows stored for a dedup key
func (s *CandidateStore) CountByKey(ctx context.Context, accountID, name, location string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := domain.CandidateKey(accountID, name, location)
	n := 0
	for _, c := range s.byID {
		if c.Key() == key {
			n++
		}
	}
	return n, nil
}

// ClaimBatch leases the oldest enrichable candidates
func (s *CandidateStore) ClaimBatch(ctx context.Context, size int, lease time.Duration) ([]*domain.Candidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.now()
	var open []*domain.Candidate
	for _, c := range s.byID {
		if c.Verified || c.Unenrichable {
			continue
		}
		if c.ClaimedUntil != nil && !c.ClaimedUntil.Before(now) {
			continue
		}
		open = append(open, c)
	}
	sort.Slice(open, func(i, j int) bool {
		return open[i].CreatedAt.Before(open[j].CreatedAt)
	})
	if len(open) > size {
		open = open[:size]
	}

	until := now.Add(lease)
	out := make([]*domain.Candidate, 0, len(open))
	for _, c := range open {
		c.ClaimedUntil = &until
		c.UpdatedAt = now
		out = append(out, c.Clone())
	}
	return out, nil
}

// MarkVerified records a successful promotion
func (s *CandidateStore) MarkVerified(ctx context.Context, id, leadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byID[id]
	if !ok {
		return domain.ErrCandidateNotFound
	}
	c.Verified = true
	c.LeadID = leadID
	c.LastError = ""
	c.ClaimedUntil = nil
	c.UpdatedAt = s.clock.now()
	return nil
}

// RecordFailure counts a failed enrichment attempt
func (s *CandidateStore) RecordFailure(ctx context.Context, id, errMsg string, maxAttempts int, retryAfter time.Duration) (*domain.Candidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byID[id]
	if !ok {
		return nil, domain.ErrCandidateNotFound
	}
	c.EnrichAttempts++
	c.LastError = errMsg
	c.Unenrichable = c.EnrichAttempts >= maxAttempts
	now := s.clock.now()
	c.ClaimedUntil = nil
	if !c.Unenrichable {
		notBefore := now.Add(retryAfter)
		c.ClaimedUntil = &notBefore
	}
	c.UpdatedAt = now
	return c.Clone(), nil
}

// Release drops the candidate's lease
func (s *CandidateStore) Release(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byID[id]
	if !ok {
		return domain.ErrCandidateNotFound
	}
	c.ClaimedUntil = nil
	return nil
}

// mergeCandidate refreshes discovered fields, keeping stored values the new result lacks
func mergeCandidate(dst, src *domain.Candidate) {
	dst.Name = src.Name
	dst.Location = src.Location
	if src.Service != "" {
		dst.Service = src.Service
	}
	if src.Address != "" {
		dst.Address = src.Address
	}
	if src.Phone != "" {
		dst.Phone = src.Phone
	}
	if src.Website != "" {
		dst.Website = src.Website
	}
	if src.Email != "" {
		dst.Email = src.Email
	}
	if src.Rating > 0 {
		dst.Rating = src.Rating
	}
	if src.ReviewCount > 0 {
		dst.ReviewCount = src.ReviewCount
	}
	if src.SourceJobID != "" {
		dst.SourceJobID = src.SourceJobID
	}
}
