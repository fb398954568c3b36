package store

import (
	"context"
	"sync"

	"gorm.io/gorm"

	"github.com/agentgate/agentgate/errors"
	"github.com/agentgate/agentgate/models"
)

// NewMemoryAgentStore creates an in-memory agent registry.
func NewMemoryAgentStore() *MemoryAgentStore {
	return &MemoryAgentStore{data: make(map[string]*models.Agent)}
}

// MemoryAgentStore agent registry (in-memory)
type MemoryAgentStore struct {
	mu   sync.RWMutex
	data map[string]*models.Agent
}

// GetAgent returns the agent registered under clientID.
func (s *MemoryAgentStore) GetAgent(ctx context.Context, clientID string) (*models.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.data[clientID]
	if !ok {
		return nil, errors.ErrAgentNotFound
	}
	cp := *a
	return &cp, nil
}

// CreateAgent registers a new agent.
func (s *MemoryAgentStore) CreateAgent(ctx context.Context, a *models.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.data[a.ClientID]; dup {
		return errors.New("client_id already registered")
	}
	cp := *a
	s.data[a.ClientID] = &cp
	return nil
}

// UpdateAgent replaces the stored agent row (activation, deactivation,
// profile updates). Agents are never deleted.
func (s *MemoryAgentStore) UpdateAgent(ctx context.Context, a *models.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[a.ClientID]; !ok {
		return errors.ErrAgentNotFound
	}
	cp := *a
	s.data[a.ClientID] = &cp
	return nil
}

// --- Persistent agent store ---

// DBAgentStore is the gorm-backed agent registry.
type DBAgentStore struct{ DB *gorm.DB }

// NewDBAgentStore creates a database-backed agent store.
func NewDBAgentStore(db *gorm.DB) *DBAgentStore { return &DBAgentStore{DB: db} }

// GetAgent returns the agent registered under clientID.
func (s *DBAgentStore) GetAgent(ctx context.Context, clientID string) (*models.Agent, error) {
	var a models.Agent
	err := s.DB.WithContext(ctx).Where("client_id = ?", clientID).First(&a).Error
	if err == gorm.ErrRecordNotFound {
		return nil, errors.ErrAgentNotFound
	} else if err != nil {
		return nil, err
	}
	return &a, nil
}

// CreateAgent registers a new agent.
func (s *DBAgentStore) CreateAgent(ctx context.Context, a *models.Agent) error {
	return s.DB.WithContext(ctx).Create(a).Error
}

// UpdateAgent saves mutated agent fields.
func (s *DBAgentStore) UpdateAgent(ctx context.Context, a *models.Agent) error {
	return s.DB.WithContext(ctx).Save(a).Error
}
