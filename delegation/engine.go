package delegation

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/agentgate/agentgate"
	"github.com/agentgate/agentgate/audit"
	"github.com/agentgate/agentgate/errors"
	"github.com/agentgate/agentgate/models"
	"github.com/agentgate/agentgate/policy"
)

// GrantStore is the slice of the credential store the engine needs for
// grant bookkeeping.
type GrantStore interface {
	CreateGrant(ctx context.Context, g *models.DelegationGrant) error
	GetGrant(ctx context.Context, id string) (*models.DelegationGrant, error)
	ListGrants(ctx context.Context, principalID, delegateID string) ([]models.DelegationGrant, error)
	MarkGrantRevoked(ctx context.Context, id string, at time.Time) error
	SubGrants(ctx context.Context, id string) ([]string, error)
}

// TokenStore is the slice of the credential store the engine needs for
// revocation cascades.
type TokenStore interface {
	TokensByGrant(ctx context.Context, grantID string) ([]string, error)
	Children(ctx context.Context, id string) ([]string, error)
	MarkRevoked(ctx context.Context, id, reason string, at time.Time) error
}

// Catalog is the scope expansion contract the engine consumes.
type Catalog interface {
	Expand(requested []string) ([]string, error)
	IsSubset(child, parent []string) (bool, error)
}

// Evaluator is the policy contract the engine consumes.
type Evaluator interface {
	Evaluate(ctx *policy.Context) policy.Decision
}

// Emitter accepts audit events.
type Emitter interface {
	Emit(ctx context.Context, ev audit.Event) error
}

// Revocation reasons recorded during a grant cascade.
const (
	RevokeReasonGrant = "grant_revoked"
)

// Engine manages principal-to-agent delegation grants: creation with
// authority and policy validation, per-issuance depth/scope checks, and
// cascading revocation.
type Engine struct {
	grants  GrantStore
	tokens  TokenStore
	catalog Catalog
	policy  Evaluator
	auditor Emitter
	now     func() time.Time
}

// NewEngine creates a delegation engine.
func NewEngine(grants GrantStore, tokens TokenStore, catalog Catalog, eval Evaluator, auditor Emitter) *Engine {
	return &Engine{
		grants:  grants,
		tokens:  tokens,
		catalog: catalog,
		policy:  eval,
		auditor: auditor,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the engine clock, for tests.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// CreateGrantRequest carries everything needed to mint a grant.
type CreateGrantRequest struct {
	PrincipalType agentgate.PrincipalType
	PrincipalID   string
	DelegateID    string
	Scope         []string
	MaxDepth      int
	Constraints   models.GrantConstraints
	ExpiresAt     time.Time
	// ParentGrantID chains this grant beneath an existing one; the parent
	// then bounds both scope and remaining depth.
	ParentGrantID string
	// PrincipalAuthority is the principal's own scope set, resolved by the
	// caller (the agent's token scope, or the configured authority of a
	// human principal). Ignored for sub-grants, which inherit the parent
	// grant's scope as their ceiling.
	PrincipalAuthority []string
}

// CreateGrant validates the requested delegation against the principal's
// own authority and active policy, then persists it.
func (e *Engine) CreateGrant(ctx context.Context, req CreateGrantRequest) (*models.DelegationGrant, error) {
	now := e.now()
	if req.DelegateID == "" || req.PrincipalID == "" || len(req.Scope) == 0 {
		return nil, errors.ErrInvalidRequest
	}
	if req.MaxDepth < 1 {
		return nil, errors.ErrInvalidRequest
	}

	ceiling := req.PrincipalAuthority
	if req.ParentGrantID != "" {
		parent, err := e.grants.GetGrant(ctx, req.ParentGrantID)
		if err != nil {
			return nil, err
		}
		if !parent.ActiveAt(now) {
			return nil, errors.ErrInvalidGrant
		}
		if req.MaxDepth > parent.MaxDepth-1 {
			return nil, errors.ErrDepthExceeded
		}
		ceiling = parent.ScopeList()
	}

	// a principal cannot grant what it does not hold
	ok, err := e.catalog.IsSubset(req.Scope, ceiling)
	if err != nil {
		return nil, errors.ErrUnknownScope
	}
	if !ok {
		return nil, errors.ErrInsufficientScope
	}

	decision := e.policy.Evaluate(&policy.Context{
		ActorType: string(req.PrincipalType),
		ActorID:   req.PrincipalID,
		GrantType: "delegation",
		Scopes:    req.Scope,
		Now:       now,
		Attrs:     map[string]any{"delegate_id": req.DelegateID},
	})
	if !decision.Allow {
		return nil, errors.ErrPolicyDenied
	}

	g := &models.DelegationGrant{
		ID:            uuid.NewString(),
		PrincipalType: req.PrincipalType,
		PrincipalID:   req.PrincipalID,
		DelegateID:    req.DelegateID,
		MaxDepth:      req.MaxDepth,
		ParentGrantID: req.ParentGrantID,
		CreatedAt:     now,
		ExpiresAt:     req.ExpiresAt,
	}
	g.SetScopeList(req.Scope)
	g.SetConstraintValues(req.Constraints)
	if err := e.grants.CreateGrant(ctx, g); err != nil {
		return nil, err
	}
	if err := e.auditor.Emit(ctx, audit.Event{
		ID:       uuid.NewString(),
		Event:    audit.EventGrant,
		Decision: "allow",
		ActorID:  req.PrincipalID,
		GrantID:  g.ID,
		Scope:    g.Scope,
		Policy:   decision.MatchedPolicy,
	}); err != nil {
		return nil, errors.ErrServerError
	}
	return g, nil
}

// Get returns a grant by id.
func (e *Engine) Get(ctx context.Context, id string) (*models.DelegationGrant, error) {
	return e.grants.GetGrant(ctx, id)
}

// List returns grants filtered by principal and/or delegate.
func (e *Engine) List(ctx context.Context, principalID, delegateID string) ([]models.DelegationGrant, error) {
	return e.grants.ListGrants(ctx, principalID, delegateID)
}

// ValidateForIssuance checks a grant against a concrete issuance request:
// the grant must be active and inside its time constraints, the requested
// scope must sit inside the grant scope, and the delegation chain beneath
// the grant root must not exceed max_depth.
func (e *Engine) ValidateForIssuance(ctx context.Context, grant *models.DelegationGrant, requestedScope []string, currentDepth int) error {
	now := e.now()
	if !grant.ActiveAt(now) {
		return errors.ErrInvalidGrant
	}
	c := grant.ConstraintValues()
	if c.NotBefore != nil && now.Before(*c.NotBefore) {
		return errors.ErrInvalidGrant
	}
	if c.NotAfter != nil && now.After(*c.NotAfter) {
		return errors.ErrInvalidGrant
	}
	if currentDepth >= grant.MaxDepth {
		return errors.ErrDepthExceeded
	}
	ok, err := e.catalog.IsSubset(requestedScope, grant.ScopeList())
	if err != nil {
		return errors.ErrUnknownScope
	}
	if !ok {
		return errors.ErrInsufficientScope
	}
	return nil
}

// Revoke marks the grant revoked and transitively invalidates every token
// minted under it or under any grant chained beneath it. Each step emits
// its own audit event so the cascade is reconstructable.
func (e *Engine) Revoke(ctx context.Context, grantID string) error {
	now := e.now()
	frontier := []string{grantID}
	seen := map[string]struct{}{}
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		if err := e.grants.MarkGrantRevoked(ctx, id, now); err != nil {
			return err
		}
		if err := e.auditor.Emit(ctx, audit.Event{
			ID:      uuid.NewString(),
			Event:   audit.EventGrantRevoke,
			GrantID: id,
		}); err != nil {
			return errors.ErrServerError
		}

		tokenIDs, err := e.tokens.TokensByGrant(ctx, id)
		if err != nil {
			return err
		}
		for _, tid := range tokenIDs {
			if err := e.revokeTokenTree(ctx, tid, now); err != nil {
				return err
			}
		}

		subs, err := e.grants.SubGrants(ctx, id)
		if err != nil {
			return err
		}
		frontier = append(frontier, subs...)
	}
	return nil
}

// revokeTokenTree invalidates a token and its subtree top down. A node
// is marked revoked before its children are listed, and the store
// refuses new children under a revoked parent, so issuance cannot slip
// a live token past the cascade.
func (e *Engine) revokeTokenTree(ctx context.Context, tokenID string, at time.Time) error {
	reason := RevokeReasonGrant
	frontier := []string{tokenID}
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]

		if err := e.tokens.MarkRevoked(ctx, id, reason, at); err != nil {
			if err == errors.ErrTokenNotFound {
				continue
			}
			return err
		}
		if err := e.auditor.Emit(ctx, audit.Event{
			ID:      uuid.NewString(),
			Event:   audit.EventRevoke,
			TokenID: id,
			Reason:  reason,
		}); err != nil {
			return errors.ErrServerError
		}

		children, err := e.tokens.Children(ctx, id)
		if err != nil {
			if err == errors.ErrTokenNotFound {
				continue
			}
			return err
		}
		frontier = append(frontier, children...)
		reason = models.RevokeReasonAncestor
	}
	return nil
}
