package store

import (
	"context"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/agentgate/agentgate/errors"
	"github.com/agentgate/agentgate/models"
)

// NewMemoryGrantStore creates an in-memory delegation grant store.
func NewMemoryGrantStore() *MemoryGrantStore {
	return &MemoryGrantStore{
		data:     make(map[string]*models.DelegationGrant),
		children: make(map[string][]string),
	}
}

// MemoryGrantStore delegation grant store (in-memory)
type MemoryGrantStore struct {
	mu       sync.RWMutex
	data     map[string]*models.DelegationGrant
	children map[string][]string
}

// CreateGrant persists a delegation grant.
func (s *MemoryGrantStore) CreateGrant(ctx context.Context, g *models.DelegationGrant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.data[g.ID]; dup {
		return errors.New("grant id already exists")
	}
	cp := *g
	s.data[g.ID] = &cp
	if g.ParentGrantID != "" {
		s.children[g.ParentGrantID] = append(s.children[g.ParentGrantID], g.ID)
	}
	return nil
}

// GetGrant returns a grant by id.
func (s *MemoryGrantStore) GetGrant(ctx context.Context, id string) (*models.DelegationGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.data[id]
	if !ok {
		return nil, errors.ErrGrantNotFound
	}
	cp := *g
	return &cp, nil
}

// ListGrants returns grants filtered by principal and/or delegate; empty
// filters match everything.
func (s *MemoryGrantStore) ListGrants(ctx context.Context, principalID, delegateID string) ([]models.DelegationGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.DelegationGrant
	for _, g := range s.data {
		if principalID != "" && g.PrincipalID != principalID {
			continue
		}
		if delegateID != "" && g.DelegateID != delegateID {
			continue
		}
		out = append(out, *g)
	}
	return out, nil
}

// MarkGrantRevoked sets the terminal revoked state on one grant.
func (s *MemoryGrantStore) MarkGrantRevoked(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.data[id]
	if !ok {
		return errors.ErrGrantNotFound
	}
	if g.Revoked {
		return nil
	}
	g.Revoked = true
	g.RevokedAt = &at
	return nil
}

// SubGrants returns the ids of grants chained directly beneath a grant.
func (s *MemoryGrantStore) SubGrants(ctx context.Context, id string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.children[id]))
	copy(out, s.children[id])
	return out, nil
}

// --- Persistent grant store ---

// DBGrantStore is the gorm-backed delegation grant store.
type DBGrantStore struct{ DB *gorm.DB }

// NewDBGrantStore creates a database-backed grant store.
func NewDBGrantStore(db *gorm.DB) *DBGrantStore { return &DBGrantStore{DB: db} }

// CreateGrant persists a delegation grant.
func (s *DBGrantStore) CreateGrant(ctx context.Context, g *models.DelegationGrant) error {
	return s.DB.WithContext(ctx).Create(g).Error
}

// GetGrant returns a grant by id.
func (s *DBGrantStore) GetGrant(ctx context.Context, id string) (*models.DelegationGrant, error) {
	var g models.DelegationGrant
	err := s.DB.WithContext(ctx).Where("id = ?", id).First(&g).Error
	if err == gorm.ErrRecordNotFound {
		return nil, errors.ErrGrantNotFound
	} else if err != nil {
		return nil, err
	}
	return &g, nil
}

// ListGrants returns grants filtered by principal and/or delegate.
func (s *DBGrantStore) ListGrants(ctx context.Context, principalID, delegateID string) ([]models.DelegationGrant, error) {
	q := s.DB.WithContext(ctx).Model(&models.DelegationGrant{})
	if principalID != "" {
		q = q.Where("principal_id = ?", principalID)
	}
	if delegateID != "" {
		q = q.Where("delegate_id = ?", delegateID)
	}
	var out []models.DelegationGrant
	if err := q.Order("created_at").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// MarkGrantRevoked sets the terminal revoked state on one grant.
func (s *DBGrantStore) MarkGrantRevoked(ctx context.Context, id string, at time.Time) error {
	return s.DB.WithContext(ctx).Model(&models.DelegationGrant{}).
		Where("id = ? AND revoked = ?", id, false).
		Updates(map[string]interface{}{"revoked": true, "revoked_at": at}).Error
}

// SubGrants returns the ids of grants chained directly beneath a grant.
func (s *DBGrantStore) SubGrants(ctx context.Context, id string) ([]string, error) {
	var ids []string
	err := s.DB.WithContext(ctx).Model(&models.DelegationGrant{}).
		Where("parent_grant_id = ?", id).
		Pluck("id", &ids).Error
	return ids, err
}
