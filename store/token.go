package store

import (
	"context"
	"sync"
	"time"

	"github.com/agentgate/agentgate/errors"
	"github.com/agentgate/agentgate/models"
)

// maxChainLength bounds lineage walks as a guard against corrupted data.
const maxChainLength = 64

// NewMemoryTokenStore creates an in-memory credential store. All lineage
// checks and single-use consumption run under one mutex, which gives the
// same atomicity the DB store gets from transactions.
func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{
		tokens:    make(map[string]*models.IssuedToken),
		byAccess:  make(map[string]string),
		byRefresh: make(map[string]string),
		children:  make(map[string][]string),
		byGrant:   make(map[string][]string),
		codes:     make(map[string]*models.AuthorizationCode),
	}
}

// MemoryTokenStore is the in-memory credential store used by tests and the
// dev launcher.
type MemoryTokenStore struct {
	mu        sync.Mutex
	tokens    map[string]*models.IssuedToken
	byAccess  map[string]string
	byRefresh map[string]string
	// children is the secondary index from parent id to child ids; lineage
	// traversal is an index walk, never live pointer chasing.
	children map[string][]string
	byGrant  map[string][]string
	codes    map[string]*models.AuthorizationCode
}

// CreateToken persists a new token row, linking it into the lineage forest.
// Parent revocation and acyclicity are re-checked here, inside the same
// critical section that persists the child, so a concurrent revocation
// cascade cannot race a fresh issuance.
func (s *MemoryTokenStore) CreateToken(ctx context.Context, ti *models.IssuedToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.tokens[ti.ID]; dup {
		return errors.New("token id already exists")
	}
	if ti.ParentTokenID != "" {
		if err := s.checkParentLocked(ti); err != nil {
			return err
		}
	}

	cp := *ti
	s.tokens[ti.ID] = &cp
	s.byAccess[ti.AccessHash] = ti.ID
	if ti.RefreshHash != "" {
		s.byRefresh[ti.RefreshHash] = ti.ID
	}
	if ti.ParentTokenID != "" {
		s.children[ti.ParentTokenID] = append(s.children[ti.ParentTokenID], ti.ID)
	}
	if ti.DelegationGrantID != "" {
		s.byGrant[ti.DelegationGrantID] = append(s.byGrant[ti.DelegationGrantID], ti.ID)
	}
	return nil
}

func (s *MemoryTokenStore) checkParentLocked(ti *models.IssuedToken) error {
	parent, ok := s.tokens[ti.ParentTokenID]
	if !ok {
		return errors.ErrTokenNotFound
	}
	// Only revocation is checked here: a refresh legitimately links its
	// replacement to an expired predecessor. Expiry rules are enforced by
	// the engine before it reaches the store.
	if parent.Revoked {
		return errors.ErrParentInactive
	}
	// refuse a link whose ancestor chain already contains the candidate
	cur := parent
	for hops := 0; ; hops++ {
		if cur.ID == ti.ID || hops > maxChainLength {
			return errors.ErrLineageCycle
		}
		if cur.ParentTokenID == "" {
			return nil
		}
		next, ok := s.tokens[cur.ParentTokenID]
		if !ok {
			return errors.ErrLineageInvalid
		}
		cur = next
	}
}

// GetToken returns a token by id.
func (s *MemoryTokenStore) GetToken(ctx context.Context, id string) (*models.IssuedToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(id)
}

func (s *MemoryTokenStore) getLocked(id string) (*models.IssuedToken, error) {
	ti, ok := s.tokens[id]
	if !ok {
		return nil, errors.ErrTokenNotFound
	}
	cp := *ti
	return &cp, nil
}

// GetTokenByAccess resolves a token by its hashed access token value.
func (s *MemoryTokenStore) GetTokenByAccess(ctx context.Context, accessHash string) (*models.IssuedToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byAccess[accessHash]
	if !ok {
		return nil, errors.ErrTokenNotFound
	}
	return s.getLocked(id)
}

// GetTokenByRefresh resolves a token by its hashed refresh token value.
func (s *MemoryTokenStore) GetTokenByRefresh(ctx context.Context, refreshHash string) (*models.IssuedToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byRefresh[refreshHash]
	if !ok {
		return nil, errors.ErrTokenNotFound
	}
	return s.getLocked(id)
}

// ConsumeRefreshToken atomically marks a refresh token consumed and returns
// its row. A second consumption attempt gets ErrRefreshConsumed, so a
// retried rotation can never mint two sibling tokens from one refresh
// token.
func (s *MemoryTokenStore) ConsumeRefreshToken(ctx context.Context, refreshHash string) (*models.IssuedToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byRefresh[refreshHash]
	if !ok {
		return nil, errors.ErrTokenNotFound
	}
	ti := s.tokens[id]
	if ti.RefreshConsumed {
		return nil, errors.ErrRefreshConsumed
	}
	ti.RefreshConsumed = true
	cp := *ti
	return &cp, nil
}

// MarkRevoked sets the terminal revoked state on a single token.
func (s *MemoryTokenStore) MarkRevoked(ctx context.Context, id, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ti, ok := s.tokens[id]
	if !ok {
		return errors.ErrTokenNotFound
	}
	if ti.Revoked {
		return nil
	}
	ti.Revoked = true
	ti.RevokedAt = &at
	ti.RevokeReason = reason
	return nil
}

// Descendants returns the ids of every token whose parent chain passes
// through id, in breadth-first order.
func (s *MemoryTokenStore) Descendants(ctx context.Context, id string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tokens[id]; !ok {
		return nil, errors.ErrTokenNotFound
	}
	var out []string
	frontier := []string{id}
	for len(frontier) > 0 {
		next := frontier[0]
		frontier = frontier[1:]
		for _, child := range s.children[next] {
			out = append(out, child)
			frontier = append(frontier, child)
		}
	}
	return out, nil
}

// Children returns the ids of a token's direct children.
func (s *MemoryTokenStore) Children(ctx context.Context, id string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tokens[id]; !ok {
		return nil, errors.ErrTokenNotFound
	}
	out := make([]string, len(s.children[id]))
	copy(out, s.children[id])
	return out, nil
}

// AncestorChain returns the token's lineage root-to-leaf, the leaf being
// the requested token itself.
func (s *MemoryTokenStore) AncestorChain(ctx context.Context, id string) ([]*models.IssuedToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var chain []*models.IssuedToken
	cur, ok := s.tokens[id]
	if !ok {
		return nil, errors.ErrTokenNotFound
	}
	for {
		cp := *cur
		chain = append(chain, &cp)
		if cur.ParentTokenID == "" {
			break
		}
		if len(chain) > maxChainLength {
			return nil, errors.ErrLineageInvalid
		}
		next, ok := s.tokens[cur.ParentTokenID]
		if !ok {
			return nil, errors.ErrLineageInvalid
		}
		cur = next
	}
	// reverse to root-to-leaf
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// TokensByGrant returns the ids of tokens minted directly under a
// delegation grant.
func (s *MemoryTokenStore) TokensByGrant(ctx context.Context, grantID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.byGrant[grantID]))
	copy(out, s.byGrant[grantID])
	return out, nil
}

// RevokedIDs returns the ids of every revoked token that has not yet
// expired. Expired rows are left out: expiry already kills them on any
// check, so the revocation digest stays small.
func (s *MemoryTokenStore) RevokedIDs(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	var out []string
	for id, ti := range s.tokens {
		if ti.Revoked && ti.ExpiresAt.After(now) {
			out = append(out, id)
		}
	}
	return out, nil
}

// CreateAuthorizationCode persists a new authorization code.
func (s *MemoryTokenStore) CreateAuthorizationCode(ctx context.Context, code *models.AuthorizationCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.codes[code.CodeHash]; dup {
		return errors.New("authorization code already exists")
	}
	cp := *code
	s.codes[code.CodeHash] = &cp
	return nil
}

// ConsumeAuthorizationCode atomically consumes a code by hash. Concurrent
// exchanges for the same code get exactly one winner; the losers see
// ErrCodeConsumed.
func (s *MemoryTokenStore) ConsumeAuthorizationCode(ctx context.Context, codeHash string, at time.Time) (*models.AuthorizationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	code, ok := s.codes[codeHash]
	if !ok {
		return nil, errors.ErrCodeNotFound
	}
	if code.Consumed {
		return nil, errors.ErrCodeConsumed
	}
	code.Consumed = true
	code.ConsumedAt = &at
	cp := *code
	return &cp, nil
}
