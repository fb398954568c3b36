package manage

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentgate/agentgate"
	"github.com/agentgate/agentgate/audit"
	"github.com/agentgate/agentgate/delegation"
	"github.com/agentgate/agentgate/errors"
	"github.com/agentgate/agentgate/generates"
	"github.com/agentgate/agentgate/models"
	"github.com/agentgate/agentgate/policy"
	"github.com/agentgate/agentgate/store"
)

// TokenStore is the credential store contract the engine consumes.
type TokenStore interface {
	CreateToken(ctx context.Context, ti *models.IssuedToken) error
	GetToken(ctx context.Context, id string) (*models.IssuedToken, error)
	GetTokenByAccess(ctx context.Context, accessHash string) (*models.IssuedToken, error)
	GetTokenByRefresh(ctx context.Context, refreshHash string) (*models.IssuedToken, error)
	ConsumeRefreshToken(ctx context.Context, refreshHash string) (*models.IssuedToken, error)
	MarkRevoked(ctx context.Context, id, reason string, at time.Time) error
	Children(ctx context.Context, id string) ([]string, error)
	RevokedIDs(ctx context.Context) ([]string, error)
	AncestorChain(ctx context.Context, id string) ([]*models.IssuedToken, error)
	TokensByGrant(ctx context.Context, grantID string) ([]string, error)
	CreateAuthorizationCode(ctx context.Context, code *models.AuthorizationCode) error
	ConsumeAuthorizationCode(ctx context.Context, codeHash string, at time.Time) (*models.AuthorizationCode, error)
}

// AgentStore is the agent registry contract the engine consumes.
type AgentStore interface {
	GetAgent(ctx context.Context, clientID string) (*models.Agent, error)
	CreateAgent(ctx context.Context, a *models.Agent) error
	UpdateAgent(ctx context.Context, a *models.Agent) error
}

// AccessGenerate encodes credentials for an issued token row.
type AccessGenerate interface {
	Token(ctx context.Context, data *generates.TokenData, isGenRefresh bool) (string, string, error)
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

// Emitter accepts audit events; Emit must return only after the event is
// durably queued.
type Emitter interface {
	Emit(ctx context.Context, ev audit.Event) error
}

// RevocationMirror is an optional fast-path cache of revoked token ids.
type RevocationMirror interface {
	MarkRevoked(ctx context.Context, tokenID string, expiresAt time.Time) error
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}

// Manager orchestrates the grant flows, introspection, revocation and
// verification over the injected collaborators. Construct one at process
// start and share it; it holds no hidden global state.
type Manager struct {
	cfg        *Config
	tokens     TokenStore
	agents     AgentStore
	catalog    Catalog
	policy     Evaluator
	access     AccessGenerate
	authorize  *generates.AuthorizeGenerate
	delegation *delegation.Engine
	auditor    Emitter
	revocations RevocationMirror
	now        func() time.Time
}

// NewManager creates an engine with default token configuration.
func NewManager() *Manager {
	return &Manager{
		cfg:       DefaultTokenCfg,
		authorize: generates.NewAuthorizeGenerate(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetTokenConfig overrides issuance durations.
func (m *Manager) SetTokenConfig(cfg *Config) { m.cfg = cfg }

// MapTokenStorage injects the credential store.
func (m *Manager) MapTokenStorage(ts TokenStore) { m.tokens = ts }

// MapAgentStorage injects the agent registry.
func (m *Manager) MapAgentStorage(as AgentStore) { m.agents = as }

// MapCatalog injects the scope catalog.
func (m *Manager) MapCatalog(c Catalog) { m.catalog = c }

// MapPolicy injects the policy evaluator snapshot.
func (m *Manager) MapPolicy(e Evaluator) { m.policy = e }

// MapAccessGenerate injects the credential encoder.
func (m *Manager) MapAccessGenerate(g AccessGenerate) { m.access = g }

// MapDelegation injects the delegation engine.
func (m *Manager) MapDelegation(e *delegation.Engine) { m.delegation = e }

// MapAuditor injects the audit queue.
func (m *Manager) MapAuditor(e Emitter) { m.auditor = e }

// MapRevocationMirror injects the optional revoked-token cache.
func (m *Manager) MapRevocationMirror(r RevocationMirror) { m.revocations = r }

// SetClock overrides the engine clock, for tests.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// Delegation exposes the delegation engine to the API layer.
func (m *Manager) Delegation() *delegation.Engine { return m.delegation }

// authenticate resolves and verifies agent credentials.
func (m *Manager) authenticate(ctx context.Context, clientID, secret string) (*models.Agent, error) {
	agent, err := m.agents.GetAgent(ctx, clientID)
	if err != nil {
		return nil, errors.ErrInvalidClient
	}
	if !agent.Active || !agent.VerifySecret(secret) {
		return nil, errors.ErrInvalidClient
	}
	return agent, nil
}

// resolveAgent resolves an agent without secret verification (authorize
// endpoint, where the client proves itself later at exchange).
func (m *Manager) resolveAgent(ctx context.Context, clientID string) (*models.Agent, error) {
	agent, err := m.agents.GetAgent(ctx, clientID)
	if err != nil || !agent.Active {
		return nil, errors.ErrInvalidClient
	}
	return agent, nil
}

// checkTier validates requested scopes against the agent's maximum scope
// tier. An empty tier leaves the agent bounded by policy alone.
func (m *Manager) checkTier(agent *models.Agent, scopes []string) error {
	if _, err := m.catalog.Expand(scopes); err != nil {
		return errors.ErrUnknownScope
	}
	if agent.MaxScopeTier == "" {
		return nil
	}
	ok, err := m.catalog.IsSubset(scopes, []string{agent.MaxScopeTier})
	if err != nil {
		return errors.ErrUnknownScope
	}
	if !ok {
		return errors.ErrInsufficientScope
	}
	return nil
}

// evaluatePolicy runs the active rule set for an issuance decision. The
// attrs map carries request-level attributes (lineage presence, source ip,
// source country) into rule conditions.
func (m *Manager) evaluatePolicy(actorID string, gt agentgate.GrantType, scopes []string, taskID string, attrs map[string]any) (policy.Decision, error) {
	expanded, err := m.catalog.Expand(scopes)
	if err != nil {
		return policy.Decision{}, errors.ErrUnknownScope
	}
	d := m.policy.Evaluate(&policy.Context{
		ActorType: "agent",
		ActorID:   actorID,
		GrantType: string(gt),
		Scopes:    expanded,
		TaskID:    taskID,
		Now:       m.now(),
		Attrs:     attrs,
	})
	if !d.Allow {
		return d, errors.ErrPolicyDenied
	}
	return d, nil
}

// persistAndEncode generates credential strings, persists the row and
// durably queues the audit record. Failure to queue the audit record fails
// the issuance.
func (m *Manager) persistAndEncode(ctx context.Context, agent *models.Agent, ti *models.IssuedToken, genRefresh bool, event string, matchedPolicy string, sourceIP string) (string, string, error) {
	access, refresh, err := m.access.Token(ctx, &generates.TokenData{Agent: agent, Token: ti}, genRefresh)
	if err != nil {
		return "", "", errors.ErrServerError
	}
	ti.AccessHash = store.HashToken(access)
	if refresh != "" {
		ti.RefreshHash = store.HashToken(refresh)
	}

	if err := m.tokens.CreateToken(ctx, ti); err != nil {
		switch err {
		case errors.ErrParentInactive:
			return "", "", errors.ErrTokenRevoked
		case errors.ErrLineageCycle, errors.ErrLineageInvalid:
			return "", "", errors.ErrLineageInvalid
		case errors.ErrTokenNotFound:
			return "", "", errors.ErrInvalidGrant
		default:
			return "", "", errors.ErrServerError
		}
	}

	if err := m.auditor.Emit(ctx, audit.Event{
		ID:           uuid.NewString(),
		Event:        event,
		Decision:     "allow",
		ActorID:      agent.ClientID,
		TokenID:      ti.ID,
		ParentToken:  ti.ParentTokenID,
		GrantID:      ti.DelegationGrantID,
		TaskID:       ti.TaskID,
		ParentTaskID: ti.ParentTaskID,
		Scope:        ti.Scope,
		Policy:       matchedPolicy,
		SourceIP:     sourceIP,
	}); err != nil {
		return "", "", errors.ErrServerError
	}
	return access, refresh, nil
}

func joinScope(scopes []string) string { return strings.Join(scopes, " ") }

// requestAttrs builds the attribute map handed to policy conditions.
func requestAttrs(hasParent bool, sourceIP, sourceCountry string) map[string]any {
	attrs := map[string]any{"has_parent": hasParent}
	if sourceIP != "" {
		attrs["source_ip"] = sourceIP
	}
	if sourceCountry != "" {
		attrs["geo_country"] = sourceCountry
	}
	return attrs
}
