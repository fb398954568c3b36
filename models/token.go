package models

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/agentgate/agentgate"
)

// RevokeReasonAncestor is recorded on every descendant invalidated by a
// revocation cascade.
const RevokeReasonAncestor = "ancestor_revoked"

// IssuedToken is the central credential record. Rows are immutable after
// creation except for the revocation fields; a refresh mints a new row
// linked through ParentTokenID instead of mutating the old one.
type IssuedToken struct {
	ID      string `gorm:"column:id;primaryKey" json:"id"`
	AgentID string `gorm:"column:agent_id;not null;index" json:"agent_id"`

	AccessHash  string `gorm:"column:access_hash;not null;uniqueIndex" json:"-"`
	RefreshHash string `gorm:"column:refresh_hash;index" json:"-"`
	// RefreshConsumed marks a rotated refresh token; set exactly once by
	// the store so a retried rotation cannot mint sibling tokens.
	RefreshConsumed bool `gorm:"column:refresh_consumed;not null" json:"-"`

	Scope string `gorm:"column:scope" json:"scope"`
	Tools string `gorm:"column:tools" json:"tools"`

	TaskID       string `gorm:"column:task_id;index" json:"task_id"`
	ParentTaskID string `gorm:"column:parent_task_id" json:"parent_task_id,omitempty"`

	// ParentTokenID links this token into the lineage forest. Empty for
	// roots. The store refuses links that would form a cycle.
	ParentTokenID string                    `gorm:"column:parent_token_id;index" json:"parent_token_id,omitempty"`
	Inheritance   agentgate.InheritanceMode `gorm:"column:inheritance" json:"inheritance"`

	// DelegationGrantID is set when the token was minted under a
	// delegation grant; grant revocation cascades through it.
	DelegationGrantID string `gorm:"column:delegation_grant_id;index" json:"delegation_grant_id,omitempty"`
	// DelegationDepth is the number of delegated hops beneath the grant's
	// root, 0 for tokens minted directly under the grant.
	DelegationDepth int `gorm:"column:delegation_depth" json:"delegation_depth,omitempty"`

	// LaunchedBy records the initiating principal: the human user id when a
	// user-rooted delegation grant is in play, otherwise the requesting
	// agent's client id.
	LaunchedBy string `gorm:"column:launched_by" json:"launched_by,omitempty"`

	IssuedAt  time.Time `gorm:"column:issued_at;not null" json:"issued_at"`
	ExpiresAt time.Time `gorm:"column:expires_at;not null" json:"expires_at"`

	Revoked      bool       `gorm:"column:revoked;not null" json:"revoked"`
	RevokedAt    *time.Time `gorm:"column:revoked_at" json:"revoked_at,omitempty"`
	RevokeReason string     `gorm:"column:revoke_reason" json:"revoke_reason,omitempty"`

	// Populated only for tokens minted through the authorization-code flow.
	CodeHash            string                        `gorm:"column:code_hash" json:"-"`
	CodeChallenge       string                        `gorm:"column:code_challenge" json:"-"`
	CodeChallengeMethod agentgate.CodeChallengeMethod `gorm:"column:code_challenge_method" json:"-"`
}

func (IssuedToken) TableName() string {
	return "issued_tokens"
}

// ScopeList splits the space-delimited scope string per RFC 6749.
func (t *IssuedToken) ScopeList() []string {
	return strings.Fields(t.Scope)
}

// SetScopeList joins scopes into the stored space-delimited form.
func (t *IssuedToken) SetScopeList(scopes []string) {
	t.Scope = strings.Join(scopes, " ")
}

// ToolList decodes the granted tool identifiers.
func (t *IssuedToken) ToolList() []string {
	if t.Tools == "" {
		return nil
	}
	var out []string
	_ = json.Unmarshal([]byte(t.Tools), &out)
	return out
}

// SetToolList encodes the granted tool identifiers.
func (t *IssuedToken) SetToolList(tools []string) {
	if len(tools) == 0 {
		t.Tools = ""
		return
	}
	b, _ := json.Marshal(tools)
	t.Tools = string(b)
}

// Expired reports whether the token is past its expiry at the given time.
func (t *IssuedToken) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// ActiveAt reports whether the token is neither revoked nor expired.
func (t *IssuedToken) ActiveAt(now time.Time) bool {
	return !t.Revoked && !t.Expired(now)
}
