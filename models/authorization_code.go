package models

import (
	"strings"
	"time"

	"github.com/agentgate/agentgate"
)

// AuthorizationCode is a short-lived, single-use artifact binding a hashed
// code to a client, redirect URI, requested scope and PKCE challenge.
// issued -> consumed | expired are the only transitions; both are terminal.
type AuthorizationCode struct {
	ID          string `gorm:"column:id;primaryKey" json:"id"`
	CodeHash    string `gorm:"column:code_hash;not null;uniqueIndex" json:"-"`
	ClientID    string `gorm:"column:client_id;not null" json:"client_id"`
	RedirectURI string `gorm:"column:redirect_uri" json:"redirect_uri"`
	Scope       string `gorm:"column:scope" json:"scope"`
	TaskID      string `gorm:"column:task_id" json:"task_id"`

	CodeChallenge       string                        `gorm:"column:code_challenge" json:"-"`
	CodeChallengeMethod agentgate.CodeChallengeMethod `gorm:"column:code_challenge_method" json:"-"`

	IssuedAt  time.Time `gorm:"column:issued_at;not null" json:"issued_at"`
	ExpiresAt time.Time `gorm:"column:expires_at;not null" json:"expires_at"`

	Consumed   bool       `gorm:"column:consumed;not null" json:"consumed"`
	ConsumedAt *time.Time `gorm:"column:consumed_at" json:"consumed_at,omitempty"`
}

func (AuthorizationCode) TableName() string {
	return "authorization_codes"
}

// ScopeList returns the requested scope names.
func (c *AuthorizationCode) ScopeList() []string {
	return strings.Fields(c.Scope)
}

// Expired reports whether the code is past its expiry at the given time.
func (c *AuthorizationCode) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}
