package manage

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/agentgate/agentgate"
	"github.com/agentgate/agentgate/audit"
	"github.com/agentgate/agentgate/errors"
	"github.com/agentgate/agentgate/models"
	"github.com/agentgate/agentgate/store"
	"github.com/agentgate/agentgate/utils/bloom"
)

// RevokeReasonRequest is recorded when the owning agent revokes a token
// through the revocation endpoint.
const RevokeReasonRequest = "client_request"

// Introspection is the RFC 7662 style view of a token. Inactive tokens
// carry Active=false and nothing else; the caller learns no difference
// between unknown, expired and revoked.
type Introspection struct {
	Active bool `json:"active"`

	ClientID          string `json:"client_id,omitempty"`
	TokenID           string `json:"jti,omitempty"`
	Scope             string `json:"scope,omitempty"`
	Tools             string `json:"tools,omitempty"`
	TaskID            string `json:"task_id,omitempty"`
	ParentTaskID      string `json:"parent_task_id,omitempty"`
	ParentTokenID     string `json:"parent_token_id,omitempty"`
	LaunchedBy        string `json:"launched_by,omitempty"`
	DelegationGrantID string `json:"delegation_grant_id,omitempty"`
	DelegationDepth   int    `json:"delegation_depth,omitempty"`
	IssuedAt          int64  `json:"iat,omitempty"`
	ExpiresAt         int64  `json:"exp,omitempty"`
}

// Introspect resolves an access token to its issuance record. Any token
// that cannot be positively confirmed active yields the bare inactive
// answer rather than an error.
func (m *Manager) Introspect(ctx context.Context, accessToken string) (*Introspection, error) {
	inactive := &Introspection{Active: false}

	ti, err := m.tokens.GetTokenByAccess(ctx, store.HashToken(accessToken))
	if err != nil {
		if err == errors.ErrTokenNotFound {
			return inactive, nil
		}
		return nil, errors.ErrServerError
	}
	if !ti.ActiveAt(m.now()) {
		return inactive, nil
	}
	if m.revocations != nil {
		// advisory fast path; a cache error falls through to store state
		if revoked, cerr := m.revocations.IsRevoked(ctx, ti.ID); cerr == nil && revoked {
			return inactive, nil
		}
	}

	m.emitBestEffort(ctx, audit.Event{
		ID:      uuid.NewString(),
		Event:   audit.EventIntrospect,
		ActorID: ti.AgentID,
		TokenID: ti.ID,
		TaskID:  ti.TaskID,
	})

	return &Introspection{
		Active:            true,
		ClientID:          ti.AgentID,
		TokenID:           ti.ID,
		Scope:             ti.Scope,
		Tools:             ti.Tools,
		TaskID:            ti.TaskID,
		ParentTaskID:      ti.ParentTaskID,
		ParentTokenID:     ti.ParentTokenID,
		LaunchedBy:        ti.LaunchedBy,
		DelegationGrantID: ti.DelegationGrantID,
		DelegationDepth:   ti.DelegationDepth,
		IssuedAt:          ti.IssuedAt.Unix(),
		ExpiresAt:         ti.ExpiresAt.Unix(),
	}, nil
}

// RevokeRequest carries a revocation call from the owning agent.
type RevokeRequest struct {
	ClientID     string
	ClientSecret string
	Token        string
	// KeepChildren revokes only the named token, leaving its descendants
	// live. The default is the full cascade.
	KeepChildren bool
}

// Revoke invalidates a token and its entire descendant subtree. The
// target is resolved first as an access token, then as a refresh token.
// An unknown token or a token owned by another agent is a silent success,
// per RFC 7009, so the endpoint cannot be used as a validity oracle.
func (m *Manager) Revoke(ctx context.Context, req *RevokeRequest) error {
	agent, err := m.authenticate(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return err
	}

	hash := store.HashToken(req.Token)
	ti, err := m.tokens.GetTokenByAccess(ctx, hash)
	if err == errors.ErrTokenNotFound {
		ti, err = m.tokens.GetTokenByRefresh(ctx, hash)
	}
	if err == errors.ErrTokenNotFound {
		return nil
	}
	if err != nil {
		return errors.ErrServerError
	}
	if ti.AgentID != agent.ClientID {
		return nil
	}

	if req.KeepChildren {
		return m.revokeOne(ctx, ti, RevokeReasonRequest, agent.ClientID, m.now())
	}
	return m.revokeTree(ctx, ti, RevokeReasonRequest, agent.ClientID)
}

// revokeTree marks the target and every descendant revoked, top down.
// Each node is marked before its children are enumerated: the store
// refuses new children under a revoked parent, so a token issued while
// the cascade runs either appears in the child query or was never
// created. Descendants carry the ancestor reason so post hoc analysis
// can tell a direct revocation from a cascade; each invalidation is
// audited individually.
func (m *Manager) revokeTree(ctx context.Context, root *models.IssuedToken, reason, actorID string) error {
	now := m.now()

	if err := m.revokeOne(ctx, root, reason, actorID, now); err != nil {
		return err
	}
	frontier, err := m.tokens.Children(ctx, root.ID)
	if err != nil {
		return errors.ErrServerError
	}
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		ti, gerr := m.tokens.GetToken(ctx, id)
		if gerr != nil {
			continue
		}
		if err := m.revokeOne(ctx, ti, models.RevokeReasonAncestor, actorID, now); err != nil {
			return err
		}
		kids, kerr := m.tokens.Children(ctx, id)
		if kerr != nil {
			return errors.ErrServerError
		}
		frontier = append(frontier, kids...)
	}
	return nil
}

func (m *Manager) revokeOne(ctx context.Context, ti *models.IssuedToken, reason, actorID string, at time.Time) error {
	if err := m.tokens.MarkRevoked(ctx, ti.ID, reason, at); err != nil && err != errors.ErrTokenNotFound {
		return errors.ErrServerError
	}
	if m.revocations != nil {
		if cerr := m.revocations.MarkRevoked(ctx, ti.ID, ti.ExpiresAt); cerr != nil {
			log.Printf("manage: revocation cache write failed for %s: %v", ti.ID, cerr)
		}
	}
	if err := m.auditor.Emit(ctx, audit.Event{
		ID:          uuid.NewString(),
		Event:       audit.EventRevoke,
		Reason:      reason,
		ActorID:     actorID,
		TokenID:     ti.ID,
		ParentToken: ti.ParentTokenID,
		GrantID:     ti.DelegationGrantID,
		TaskID:      ti.TaskID,
	}); err != nil {
		return errors.ErrServerError
	}
	return nil
}

// VerifyRequest is a resource-server side authorization check.
type VerifyRequest struct {
	Token string
	// Scope lists the scopes the protected operation needs; the token must
	// cover all of them after catalog expansion.
	Scope []string
	// Tool, when set, must appear in the token's granted tool list if the
	// token carries one. A token with no tool list is unrestricted.
	Tool string
	// TaskID, when set, must match the token's task correlation id.
	TaskID string
	// ExpectedParentID, when set, pins the token's direct parent by id.
	ExpectedParentID string
	// ExpectedParentToken pins the direct parent by its raw access token.
	ExpectedParentToken string
	// ClockSkew extends the expiry check by a grace window, for callers on
	// drifting clocks. Zero means exact expiry.
	ClockSkew time.Duration
}

// VerifyResult describes a token that passed verification.
type VerifyResult struct {
	TokenID    string    `json:"token_id"`
	AgentID    string    `json:"agent_id"`
	Scope      []string  `json:"scope"`
	Tools      []string  `json:"tools,omitempty"`
	TaskID     string    `json:"task_id"`
	LaunchedBy string    `json:"launched_by,omitempty"`
	Lineage    []string  `json:"lineage"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Verify answers the full authorization question for a presented token:
// liveness, scope coverage, tool coverage, task binding, and lineage
// consistency along the whole ancestor chain. A revoked ancestor fails
// the check even if the cascade has not yet reached this token's row.
func (m *Manager) Verify(ctx context.Context, req *VerifyRequest) (*VerifyResult, error) {
	ti, err := m.tokens.GetTokenByAccess(ctx, store.HashToken(req.Token))
	if err != nil {
		return nil, errors.ErrInvalidGrant
	}
	now := m.now()
	if ti.Revoked {
		return nil, errors.ErrTokenRevoked
	}
	if ti.Expired(now.Add(-req.ClockSkew)) {
		return nil, errors.ErrTokenExpired
	}
	if m.revocations != nil {
		if revoked, cerr := m.revocations.IsRevoked(ctx, ti.ID); cerr == nil && revoked {
			return nil, errors.ErrTokenRevoked
		}
	}

	if len(req.Scope) > 0 {
		ok, serr := m.catalog.IsSubset(req.Scope, ti.ScopeList())
		if serr != nil || !ok {
			return nil, errors.ErrInsufficientScope
		}
	}
	if req.Tool != "" {
		if tools := ti.ToolList(); len(tools) > 0 && !contains(tools, req.Tool) {
			return nil, errors.ErrInsufficientScope
		}
	}
	if req.TaskID != "" && ti.TaskID != req.TaskID {
		return nil, errors.ErrInvalidGrant
	}
	if req.ExpectedParentID != "" && ti.ParentTokenID != req.ExpectedParentID {
		return nil, errors.ErrLineageInvalid
	}
	if req.ExpectedParentToken != "" {
		parent, perr := m.tokens.GetTokenByAccess(ctx, store.HashToken(req.ExpectedParentToken))
		if perr != nil || ti.ParentTokenID != parent.ID {
			return nil, errors.ErrLineageInvalid
		}
	}

	chain, err := m.tokens.AncestorChain(ctx, ti.ID)
	if err != nil {
		return nil, errors.ErrLineageInvalid
	}
	lineage := make([]string, 0, len(chain))
	for i, anc := range chain {
		lineage = append(lineage, anc.ID)
		if anc.ID != ti.ID && anc.Revoked {
			return nil, errors.ErrTokenRevoked
		}
		if i == 0 {
			continue
		}
		parent, child := chain[i-1], chain[i]
		if parent.Inheritance == agentgate.InheritRestricted && child.Inheritance == agentgate.InheritFull {
			return nil, errors.ErrLineageInvalid
		}
		if child.Inheritance != agentgate.InheritFull {
			ok, serr := m.catalog.IsSubset(child.ScopeList(), parent.ScopeList())
			if serr != nil || !ok {
				return nil, errors.ErrLineageInvalid
			}
		}
	}

	m.emitBestEffort(ctx, audit.Event{
		ID:      uuid.NewString(),
		Event:   audit.EventVerify,
		ActorID: ti.AgentID,
		TokenID: ti.ID,
		TaskID:  ti.TaskID,
		Scope:   ti.Scope,
	})

	return &VerifyResult{
		TokenID:    ti.ID,
		AgentID:    ti.AgentID,
		Scope:      ti.ScopeList(),
		Tools:      ti.ToolList(),
		TaskID:     ti.TaskID,
		LaunchedBy: ti.LaunchedBy,
		Lineage:    lineage,
		ExpiresAt:  ti.ExpiresAt,
	}, nil
}

// RevocationDigest builds a Bloom filter over the ids of revoked tokens
// still inside their lifetime. Resource servers poll the digest and skip
// the verification round trip for tokens it rules out; a digest hit still
// requires a Verify call, since filter positives can be false.
func (m *Manager) RevocationDigest(ctx context.Context) (*bloom.Filter, int, error) {
	ids, err := m.tokens.RevokedIDs(ctx)
	if err != nil {
		return nil, 0, errors.ErrServerError
	}
	expected := uint(len(ids))
	if expected < 100 {
		expected = 100
	}
	fm, fk := bloom.OptimalParams(expected, 0.001)
	f := bloom.NewWithParams(fm, fk)
	for _, id := range ids {
		f.Put([]byte(id))
	}
	return f, len(ids), nil
}

// emitBestEffort audits read-path operations. Unlike issuance and
// revocation, a queue failure here is logged and does not fail the call.
func (m *Manager) emitBestEffort(ctx context.Context, ev audit.Event) {
	if err := m.auditor.Emit(ctx, ev); err != nil {
		log.Printf("manage: audit emit failed for %s: %v", ev.Event, err)
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
