package models

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/agentgate/agentgate"
)

// GrantConstraints are optional time/resource bounds on a delegation grant.
type GrantConstraints struct {
	// Tools restricts which tool identifiers tokens under this grant may
	// carry. Empty means no restriction.
	Tools []string `json:"tools,omitempty"`
	// NotBefore/NotAfter bound when issuance under the grant is allowed.
	NotBefore *time.Time `json:"not_before,omitempty"`
	NotAfter  *time.Time `json:"not_after,omitempty"`
}

// DelegationGrant authorizes one principal to let a delegate agent mint
// tokens on its behalf.
type DelegationGrant struct {
	ID            string                  `gorm:"column:id;primaryKey" json:"id"`
	PrincipalType agentgate.PrincipalType `gorm:"column:principal_type;not null" json:"principal_type"`
	PrincipalID   string                  `gorm:"column:principal_id;not null;index" json:"principal_id"`
	DelegateID    string                  `gorm:"column:delegate_id;not null;index" json:"delegate_id"`

	Scope    string `gorm:"column:scope" json:"scope"`
	MaxDepth int    `gorm:"column:max_depth;not null" json:"max_depth"`
	// Constraints is the JSON-encoded GrantConstraints.
	Constraints string `gorm:"column:constraints" json:"-"`

	// ParentGrantID chains sub-grants beneath a root grant; revoking any
	// grant cascades through the chain.
	ParentGrantID string `gorm:"column:parent_grant_id;index" json:"parent_grant_id,omitempty"`

	CreatedAt time.Time `gorm:"column:created_at;not null" json:"created_at"`
	ExpiresAt time.Time `gorm:"column:expires_at" json:"expires_at"`

	Revoked   bool       `gorm:"column:revoked;not null" json:"revoked"`
	RevokedAt *time.Time `gorm:"column:revoked_at" json:"revoked_at,omitempty"`
}

func (DelegationGrant) TableName() string {
	return "delegation_grants"
}

// ScopeList splits the space-delimited grant scope.
func (g *DelegationGrant) ScopeList() []string {
	return strings.Fields(g.Scope)
}

// SetScopeList joins scopes into the stored space-delimited form.
func (g *DelegationGrant) SetScopeList(scopes []string) {
	g.Scope = strings.Join(scopes, " ")
}

// ConstraintValues decodes the grant constraints; a missing column decodes
// to the zero value.
func (g *DelegationGrant) ConstraintValues() GrantConstraints {
	var c GrantConstraints
	if g.Constraints != "" {
		_ = json.Unmarshal([]byte(g.Constraints), &c)
	}
	return c
}

// SetConstraintValues encodes the grant constraints.
func (g *DelegationGrant) SetConstraintValues(c GrantConstraints) {
	b, _ := json.Marshal(c)
	g.Constraints = string(b)
}

// ActiveAt reports whether the grant is usable for issuance at the given
// time.
func (g *DelegationGrant) ActiveAt(now time.Time) bool {
	if g.Revoked {
		return false
	}
	if !g.ExpiresAt.IsZero() && now.After(g.ExpiresAt) {
		return false
	}
	return true
}
