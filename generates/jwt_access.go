package generates

import (
	"context"
	"encoding/base64"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/agentgate/agentgate/errors"
	"github.com/agentgate/agentgate/models"
)

// TokenData is everything the generator needs to encode a credential.
type TokenData struct {
	Agent *models.Agent
	Token *models.IssuedToken
}

// KeyProvider supplies the active signing key. Rotation scheduling lives
// with the provider, not the engine.
type KeyProvider interface {
	SigningKey() (kid string, key []byte, method jwt.SigningMethod)
}

// StaticKey is a KeyProvider for a fixed key.
type StaticKey struct {
	KID    string
	Key    []byte
	Method jwt.SigningMethod
}

func (s StaticKey) SigningKey() (string, []byte, jwt.SigningMethod) {
	return s.KID, s.Key, s.Method
}

// JWTAccessClaims jwt claims
type JWTAccessClaims struct {
	jwt.RegisteredClaims
	ClientID     string   `json:"client_id,omitempty"`
	Scope        string   `json:"scope,omitempty"` // Space-separated scopes per RFC 6749
	Tools        []string `json:"tools,omitempty"`
	TaskID       string   `json:"task_id,omitempty"`
	ParentTaskID string   `json:"parent_task_id,omitempty"`
	LaunchedBy   string   `json:"launched_by,omitempty"`
}

// NewJWTAccessGenerate create to generate the jwt access token instance
func NewJWTAccessGenerate(kid string, key []byte, method jwt.SigningMethod) *JWTAccessGenerate {
	return NewJWTAccessGenerateWithProvider(StaticKey{KID: kid, Key: key, Method: method})
}

// NewJWTAccessGenerateWithProvider creates a generator that asks the
// provider for the active key on every call, so key rotation takes effect
// without restarting.
func NewJWTAccessGenerateWithProvider(p KeyProvider) *JWTAccessGenerate {
	return &JWTAccessGenerate{Keys: p}
}

// JWTAccessGenerate generate the jwt access token
type JWTAccessGenerate struct {
	Keys KeyProvider
}

// Token encodes the issued token as a signed JWT and, when requested, an
// opaque refresh token derived from it.
func (a *JWTAccessGenerate) Token(ctx context.Context, data *TokenData, isGenRefresh bool) (string, string, error) {
	ti := data.Token
	claims := &JWTAccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        ti.ID,
			Subject:   data.Agent.ClientID,
			Audience:  jwt.ClaimStrings{data.Agent.ClientID},
			IssuedAt:  jwt.NewNumericDate(ti.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(ti.ExpiresAt),
		},
		ClientID:     data.Agent.ClientID,
		Scope:        ti.Scope,
		Tools:        ti.ToolList(),
		TaskID:       ti.TaskID,
		ParentTaskID: ti.ParentTaskID,
		LaunchedBy:   ti.LaunchedBy,
	}

	kid, rawKey, method := a.Keys.SigningKey()
	token := jwt.NewWithClaims(method, claims)
	if kid != "" {
		token.Header["kid"] = kid
	}

	var key interface{}
	switch {
	case isEs(method):
		v, err := jwt.ParseECPrivateKeyFromPEM(rawKey)
		if err != nil {
			return "", "", err
		}
		key = v
	case isRsOrPS(method):
		v, err := jwt.ParseRSAPrivateKeyFromPEM(rawKey)
		if err != nil {
			return "", "", err
		}
		key = v
	case isHs(method):
		key = rawKey
	case isEd(method):
		v, err := jwt.ParseEdPrivateKeyFromPEM(rawKey)
		if err != nil {
			return "", "", err
		}
		key = v
	default:
		return "", "", errors.New("unsupported sign method")
	}

	access, err := token.SignedString(key)
	if err != nil {
		return "", "", err
	}
	refresh := ""

	if isGenRefresh {
		t := uuid.NewSHA1(uuid.Must(uuid.NewRandom()), []byte(access)).String()
		refresh = base64.URLEncoding.EncodeToString([]byte(t))
		refresh = strings.ToUpper(strings.TrimRight(refresh, "="))
	}

	return access, refresh, nil
}

func isEs(m jwt.SigningMethod) bool { return strings.HasPrefix(m.Alg(), "ES") }
func isRsOrPS(m jwt.SigningMethod) bool {
	return strings.HasPrefix(m.Alg(), "RS") || strings.HasPrefix(m.Alg(), "PS")
}
func isHs(m jwt.SigningMethod) bool { return strings.HasPrefix(m.Alg(), "HS") }
func isEd(m jwt.SigningMethod) bool { return strings.HasPrefix(m.Alg(), "Ed") }
