package manage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/agentgate/agentgate"
	"github.com/agentgate/agentgate/audit"
	"github.com/agentgate/agentgate/errors"
	"github.com/agentgate/agentgate/models"
	"github.com/agentgate/agentgate/store"
)

// TokenRequest carries a client-credentials issuance request.
type TokenRequest struct {
	ClientID     string
	ClientSecret string
	Scope        []string
	Tools        []string
	TaskID       string
	ParentTaskID string
	// ParentToken is the raw access token of the delegating parent, when
	// the new credential should be linked into its lineage.
	ParentToken string
	Inheritance agentgate.InheritanceMode
	// GrantID references the delegation grant this issuance runs under.
	GrantID string
	// SourceIP and SourceCountry describe where the request came from; they
	// feed policy conditions and the audit trail, never authorization state.
	SourceIP      string
	SourceCountry string
}

// TokenResult is a minted credential plus its row.
type TokenResult struct {
	Token   *models.IssuedToken
	Access  string
	Refresh string
}

// ClientCredentialsToken implements the client-credentials grant: agent
// authentication, scope tier and catalog validation, optional parent
// lineage narrowing, optional delegation grant checks, policy evaluation,
// then persistence and audit.
func (m *Manager) ClientCredentialsToken(ctx context.Context, req *TokenRequest) (*TokenResult, error) {
	agent, err := m.authenticate(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, err
	}
	if len(req.Scope) == 0 {
		return nil, errors.ErrInvalidRequest
	}
	if err := m.checkTier(agent, req.Scope); err != nil {
		return nil, err
	}

	now := m.now()
	scopes := req.Scope
	mode := req.Inheritance
	if mode == "" {
		mode = agentgate.InheritRestricted
	}

	var parent *models.IssuedToken
	if req.ParentToken != "" {
		parent, err = m.tokens.GetTokenByAccess(ctx, store.HashToken(req.ParentToken))
		if err != nil {
			return nil, errors.ErrInvalidGrant
		}
		if parent.Revoked {
			return nil, errors.ErrTokenRevoked
		}
		if parent.Expired(now) {
			return nil, errors.ErrTokenExpired
		}
		// a child may tighten inheritance but never loosen it
		if parent.Inheritance == agentgate.InheritRestricted && mode == agentgate.InheritFull {
			return nil, errors.ErrLineageInvalid
		}
		if mode == agentgate.InheritFull {
			scopes = parent.ScopeList()
			// the inherited copy is still bounded by the child's own tier
			if err := m.checkTier(agent, scopes); err != nil {
				return nil, err
			}
		} else {
			ok, serr := m.catalog.IsSubset(scopes, parent.ScopeList())
			if serr != nil {
				return nil, errors.ErrUnknownScope
			}
			if !ok {
				return nil, errors.ErrInsufficientScope
			}
		}
	}

	var grant *models.DelegationGrant
	depth := 0
	if req.GrantID != "" {
		grant, err = m.delegation.Get(ctx, req.GrantID)
		if err != nil {
			return nil, errors.ErrInvalidGrant
		}
		if grant.DelegateID != agent.ClientID {
			return nil, errors.ErrInvalidGrant
		}
		if parent != nil && parent.DelegationGrantID == grant.ID {
			depth = parent.DelegationDepth + 1
		}
		if err := m.delegation.ValidateForIssuance(ctx, grant, scopes, depth); err != nil {
			return nil, err
		}
		if err := checkToolConstraints(grant, req.Tools); err != nil {
			return nil, err
		}
	}

	// policy runs at every hop, including full-inheritance copies
	decision, err := m.evaluatePolicy(agent.ClientID, agentgate.ClientCredentials, scopes, req.TaskID, requestAttrs(parent != nil, req.SourceIP, req.SourceCountry))
	if err != nil {
		return nil, err
	}

	ti := m.newToken(agent, scopes, req.Tools, now)
	ti.TaskID = req.TaskID
	if ti.TaskID == "" {
		ti.TaskID = uuid.NewString()
	}
	ti.ParentTaskID = req.ParentTaskID
	ti.Inheritance = mode
	if parent != nil {
		ti.ParentTokenID = parent.ID
		if ti.ParentTaskID == "" {
			ti.ParentTaskID = parent.TaskID
		}
	}
	ti.LaunchedBy = launchedBy(agent, parent, grant)
	if grant != nil {
		ti.DelegationGrantID = grant.ID
		ti.DelegationDepth = depth
	}

	access, refresh, err := m.persistAndEncode(ctx, agent, ti, m.cfg.IsGenerateRefresh, audit.EventIssue, decision.MatchedPolicy, req.SourceIP)
	if err != nil {
		return nil, err
	}
	return &TokenResult{Token: ti, Access: access, Refresh: refresh}, nil
}

// RefreshRequest carries a refresh-token rotation request.
type RefreshRequest struct {
	ClientID     string
	ClientSecret string
	Refresh      string
	// Scope optionally narrows the replacement token; widening is refused.
	Scope         []string
	SourceIP      string
	SourceCountry string
}

// RefreshToken rotates a refresh token: the consumed token is invalidated
// for further refresh exactly once, and a replacement is minted linked to
// the original through the lineage graph. Task correlation fields carry
// over unchanged.
func (m *Manager) RefreshToken(ctx context.Context, req *RefreshRequest) (*TokenResult, error) {
	agent, err := m.authenticate(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, err
	}

	old, err := m.tokens.ConsumeRefreshToken(ctx, store.HashToken(req.Refresh))
	if err != nil {
		// not found, already rotated: uniformly invalid_grant
		return nil, errors.ErrInvalidGrant
	}
	now := m.now()
	if old.AgentID != agent.ClientID || old.Revoked {
		return nil, errors.ErrInvalidGrant
	}
	if now.After(old.IssuedAt.Add(m.cfg.RefreshTokenExp)) {
		return nil, errors.ErrInvalidGrant
	}

	scopes := old.ScopeList()
	if len(req.Scope) > 0 {
		ok, serr := m.catalog.IsSubset(req.Scope, scopes)
		if serr != nil {
			return nil, errors.ErrUnknownScope
		}
		if !ok {
			return nil, errors.ErrInsufficientScope
		}
		scopes = req.Scope
	}

	decision, err := m.evaluatePolicy(agent.ClientID, agentgate.Refreshing, scopes, old.TaskID, requestAttrs(old.ParentTokenID != "", req.SourceIP, req.SourceCountry))
	if err != nil {
		return nil, err
	}

	ti := m.newToken(agent, scopes, old.ToolList(), now)
	ti.TaskID = old.TaskID
	ti.ParentTaskID = old.ParentTaskID
	ti.ParentTokenID = old.ID
	ti.Inheritance = old.Inheritance
	ti.LaunchedBy = old.LaunchedBy
	ti.DelegationGrantID = old.DelegationGrantID
	ti.DelegationDepth = old.DelegationDepth

	access, refresh, err := m.persistAndEncode(ctx, agent, ti, m.cfg.IsGenerateRefresh, audit.EventRefresh, decision.MatchedPolicy, req.SourceIP)
	if err != nil {
		return nil, err
	}
	return &TokenResult{Token: ti, Access: access, Refresh: refresh}, nil
}

// AuthorizeRequest carries the /authorize step of the code flow.
type AuthorizeRequest struct {
	ClientID            string
	RedirectURI         string
	Scope               []string
	TaskID              string
	CodeChallenge       string
	CodeChallengeMethod agentgate.CodeChallengeMethod
	SourceIP            string
}

// Authorize persists a single-use authorization code bound to the PKCE
// challenge and returns the raw code value.
func (m *Manager) Authorize(ctx context.Context, req *AuthorizeRequest) (string, error) {
	agent, err := m.resolveAgent(ctx, req.ClientID)
	if err != nil {
		return "", err
	}
	if len(req.Scope) == 0 {
		return "", errors.ErrInvalidRequest
	}
	if err := m.checkTier(agent, req.Scope); err != nil {
		return "", err
	}
	method := req.CodeChallengeMethod
	if req.CodeChallenge != "" && method == "" {
		method = agentgate.CodeChallengePlain
	}
	if method != "" && method.String() == "" {
		return "", errors.ErrInvalidRequest
	}

	now := m.now()
	code := m.authorize.Code()
	row := &models.AuthorizationCode{
		ID:                  uuid.NewString(),
		CodeHash:            store.HashToken(code),
		ClientID:            agent.ClientID,
		RedirectURI:         req.RedirectURI,
		Scope:               joinScope(req.Scope),
		TaskID:              req.TaskID,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: method,
		IssuedAt:            now,
		ExpiresAt:           now.Add(m.cfg.CodeExp),
	}
	if err := m.tokens.CreateAuthorizationCode(ctx, row); err != nil {
		return "", errors.ErrServerError
	}
	if err := m.auditor.Emit(ctx, audit.Event{
		ID:      uuid.NewString(),
		Event:    audit.EventAuthorize,
		ActorID:  agent.ClientID,
		TaskID:   row.TaskID,
		Scope:    row.Scope,
		SourceIP: req.SourceIP,
	}); err != nil {
		return "", errors.ErrServerError
	}
	return code, nil
}

// ExchangeRequest carries the code-for-token step of the code flow.
type ExchangeRequest struct {
	ClientID     string
	ClientSecret string
	Code          string
	RedirectURI   string
	CodeVerifier  string
	Tools         []string
	SourceIP      string
	SourceCountry string
}

// ExchangeCode atomically consumes an authorization code, verifies the
// PKCE verifier against the stored challenge, and mints tokens. A replayed
// or mismatched exchange burns nothing further: the code is already
// terminal after the first consumption attempt.
func (m *Manager) ExchangeCode(ctx context.Context, req *ExchangeRequest) (*TokenResult, error) {
	agent, err := m.authenticate(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, err
	}

	now := m.now()
	code, err := m.tokens.ConsumeAuthorizationCode(ctx, store.HashToken(req.Code), now)
	if err != nil {
		return nil, errors.ErrInvalidGrant
	}
	if code.ClientID != agent.ClientID || code.Expired(now) {
		return nil, errors.ErrInvalidGrant
	}
	if code.RedirectURI != "" && code.RedirectURI != req.RedirectURI {
		return nil, errors.ErrInvalidGrant
	}
	if code.CodeChallenge != "" {
		if req.CodeVerifier == "" || !code.CodeChallengeMethod.Validate(code.CodeChallenge, req.CodeVerifier) {
			return nil, errors.ErrInvalidGrant
		}
	}

	scopes := code.ScopeList()
	decision, err := m.evaluatePolicy(agent.ClientID, agentgate.AuthorizationCode, scopes, code.TaskID, requestAttrs(false, req.SourceIP, req.SourceCountry))
	if err != nil {
		return nil, err
	}

	ti := m.newToken(agent, scopes, req.Tools, now)
	ti.TaskID = code.TaskID
	if ti.TaskID == "" {
		ti.TaskID = uuid.NewString()
	}
	ti.Inheritance = agentgate.InheritRestricted
	ti.LaunchedBy = agent.ClientID
	ti.CodeHash = code.CodeHash
	ti.CodeChallenge = code.CodeChallenge
	ti.CodeChallengeMethod = code.CodeChallengeMethod

	access, refresh, err := m.persistAndEncode(ctx, agent, ti, m.cfg.IsGenerateRefresh, audit.EventIssue, decision.MatchedPolicy, req.SourceIP)
	if err != nil {
		return nil, err
	}
	return &TokenResult{Token: ti, Access: access, Refresh: refresh}, nil
}

// newToken builds the common fields of a fresh token row.
func (m *Manager) newToken(agent *models.Agent, scopes, tools []string, now time.Time) *models.IssuedToken {
	ti := &models.IssuedToken{
		ID:        uuid.NewString(),
		AgentID:   agent.ClientID,
		IssuedAt:  now,
		ExpiresAt: now.Add(m.cfg.AccessTokenExp),
	}
	ti.SetScopeList(scopes)
	ti.SetToolList(tools)
	return ti
}

// launchedBy resolves the initiating principal recorded on a token: the
// human user behind a user-rooted delegation grant wins; otherwise the
// chain initiator propagates from the parent, and a root token records the
// requesting agent itself.
func launchedBy(agent *models.Agent, parent *models.IssuedToken, grant *models.DelegationGrant) string {
	if grant != nil && grant.PrincipalType == agentgate.PrincipalUser {
		return grant.PrincipalID
	}
	if parent != nil && parent.LaunchedBy != "" {
		return parent.LaunchedBy
	}
	return agent.ClientID
}

func checkToolConstraints(grant *models.DelegationGrant, tools []string) error {
	allowed := grant.ConstraintValues().Tools
	if len(allowed) == 0 {
		return nil
	}
	ok := make(map[string]struct{}, len(allowed))
	for _, t := range allowed {
		ok[t] = struct{}{}
	}
	for _, t := range tools {
		if _, found := ok[t]; !found {
			return errors.ErrInsufficientScope
		}
	}
	return nil
}
