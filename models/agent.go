package models

import (
	"time"

	"golang.org/x/crypto/bcrypt"
)

// Agent is a registered client identity. Agents are never hard-deleted;
// deactivation preserves the audit trail of everything they issued.
type Agent struct {
	ClientID     string    `gorm:"column:client_id;primaryKey" json:"client_id"`
	SecretHash   string    `gorm:"column:secret_hash;not null" json:"-"`
	Name         string    `gorm:"column:name;not null" json:"name"`
	MaxScopeTier string    `gorm:"column:max_scope_tier" json:"max_scope_tier"`
	Active       bool      `gorm:"column:active;not null" json:"active"`
	CreatedAt    time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt    time.Time `gorm:"column:updated_at" json:"updated_at"`

	// One-time activation credential, set at registration and cleared on
	// activation. The hash is stored; the plaintext is returned exactly once.
	RegistrationTokenHash    string    `gorm:"column:registration_token_hash" json:"-"`
	RegistrationTokenExpires time.Time `gorm:"column:registration_token_expires" json:"-"`
}

func (Agent) TableName() string {
	return "agents"
}

// VerifySecret compares a plaintext secret against the stored bcrypt hash.
func (a *Agent) VerifySecret(secret string) bool {
	return bcrypt.CompareHashAndPassword([]byte(a.SecretHash), []byte(secret)) == nil
}

// VerifyRegistrationToken checks the one-time activation token and its
// expiry window.
func (a *Agent) VerifyRegistrationToken(token string, now time.Time) bool {
	if a.RegistrationTokenHash == "" || now.After(a.RegistrationTokenExpires) {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(a.RegistrationTokenHash), []byte(token)) == nil
}

// HashSecret hashes an agent secret or registration token for storage.
func HashSecret(secret string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
