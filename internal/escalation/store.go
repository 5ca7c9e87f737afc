package escalation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/krishi-officer/backend/internal/storage/models"
	"github.com/krishi-officer/backend/pkg/apperrors"
)

// ErrStale is returned by Store.Update when the stored status no longer
// matches the expected one.
var ErrStale = eris.New("escalation status changed concurrently")

type Filter struct {
	Status    models.EscalationStatus
	Priority  models.Priority
	FarmerID  string
	OfficerID string
	Limit     int
}

// Stats backs the officer dashboard.
type Stats struct {
	Pending       int `json:"pending"`
	Active        int `json:"active"`
	ResolvedToday int `json:"resolved_today"`
}

// Store persists escalations. Update is a compare-and-set on status: it
// writes esc only when the stored status still equals from, else ErrStale.
type Store interface {
	CreateEscalation(ctx context.Context, esc *models.Escalation) error
	GetEscalation(ctx context.Context, id string) (*models.Escalation, error)
	UpdateEscalation(ctx context.Context, esc *models.Escalation, from models.EscalationStatus) error
	ListEscalations(ctx context.Context, filter Filter) ([]*models.Escalation, error)
	CountFarmerEscalationsSince(ctx context.Context, farmerID string, since time.Time) (int, error)
	EscalationStats(ctx context.Context, resolvedSince time.Time) (Stats, error)
}

// MemoryStore keeps escalations in process. Used when no database is
// configured and in tests.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]*models.Escalation
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]*models.Escalation)}
}

func (s *MemoryStore) CreateEscalation(_ context.Context, esc *models.Escalation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[esc.ID]; ok {
		return eris.Errorf("escalation %s already exists", esc.ID)
	}
	s.items[esc.ID] = esc.Clone()
	return nil
}

func (s *MemoryStore) GetEscalation(_ context.Context, id string) (*models.Escalation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	esc, ok := s.items[id]
	if !ok {
		return nil, eris.Wrapf(apperrors.ErrNotFound, "escalation %s", id)
	}
	return esc.Clone(), nil
}

func (s *MemoryStore) UpdateEscalation(_ context.Context, esc *models.Escalation, from models.EscalationStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.items[esc.ID]
	if !ok {
		return eris.Wrapf(apperrors.ErrNotFound, "escalation %s", esc.ID)
	}
	if current.Status != from {
		return ErrStale
	}
	s.items[esc.ID] = esc.Clone()
	return nil
}

func (s *MemoryStore) ListEscalations(_ context.Context, filter Filter) ([]*models.Escalation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Escalation
	for _, esc := range s.items {
		if matches(esc, filter) {
			out = append(out, esc.Clone())
		}
	}
	SortForTriage(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) CountFarmerEscalationsSince(_ context.Context, farmerID string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, esc := range s.items {
		if esc.FarmerID == farmerID && !esc.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) EscalationStats(_ context.Context, resolvedSince time.Time) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats Stats
	for _, esc := range s.items {
		switch esc.Status {
		case models.StatusPending:
			stats.Pending++
		case models.StatusAssigned, models.StatusInProgress:
			stats.Active++
		}
		if esc.ResolvedAt != nil && !esc.ResolvedAt.Before(resolvedSince) {
			stats.ResolvedToday++
		}
	}
	return stats, nil
}

func matches(esc *models.Escalation, f Filter) bool {
	if f.Status != "" && esc.Status != f.Status {
		return false
	}
	if f.Priority != "" && esc.Priority != f.Priority {
		return false
	}
	if f.FarmerID != "" && esc.FarmerID != f.FarmerID {
		return false
	}
	if f.OfficerID != "" && (esc.OfficerID == nil || *esc.OfficerID != f.OfficerID) {
		return false
	}
	return true
}

// SortForTriage orders by priority, most urgent first, then oldest first.
func SortForTriage(items []*models.Escalation) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Priority.Rank() != items[j].Priority.Rank() {
			return items[i].Priority.Rank() > items[j].Priority.Rank()
		}
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		return items[i].ID < items[j].ID
	})
}
