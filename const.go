package agentgate

import (
	"crypto/sha256"
	"encoding/base64"
)

// GrantType identifies the credential acquisition flow requested at the
// token endpoint.
type GrantType string

// Supported grant types.
const (
	ClientCredentials GrantType = "client_credentials"
	Refreshing        GrantType = "refresh_token"
	AuthorizationCode GrantType = "authorization_code"
)

func (gt GrantType) String() string {
	if gt == ClientCredentials || gt == Refreshing || gt == AuthorizationCode {
		return string(gt)
	}
	return ""
}

// ResponseType the type of authorization request
type ResponseType string

const (
	// Code authorization code response type
	Code ResponseType = "code"
)

func (rt ResponseType) String() string {
	if rt == Code {
		return string(rt)
	}
	return ""
}

// CodeChallengeMethod PKCE challenge method
type CodeChallengeMethod string

const (
	// CodeChallengePlain PKCE plain method
	CodeChallengePlain CodeChallengeMethod = "plain"
	// CodeChallengeS256 PKCE S256 method
	CodeChallengeS256 CodeChallengeMethod = "S256"
)

func (ccm CodeChallengeMethod) String() string {
	if ccm == CodeChallengePlain || ccm == CodeChallengeS256 {
		return string(ccm)
	}
	return ""
}

// Validate checks a code_verifier against the stored code_challenge.
func (ccm CodeChallengeMethod) Validate(cc, ver string) bool {
	switch ccm {
	case CodeChallengePlain:
		return cc == ver
	case CodeChallengeS256:
		s256 := sha256.Sum256([]byte(ver))
		return base64.RawURLEncoding.EncodeToString(s256[:]) == cc
	default:
		return false
	}
}

// InheritanceMode controls how a child token's scope relates to its parent.
type InheritanceMode string

const (
	// InheritRestricted requires the child scope to be a subset of the
	// parent scope after catalog expansion of both sides.
	InheritRestricted InheritanceMode = "restricted"
	// InheritFull copies the parent scope verbatim. Policy is still
	// evaluated at every hop; only the narrowing requirement is waived.
	InheritFull InheritanceMode = "full"
)

func (m InheritanceMode) String() string {
	if m == InheritRestricted || m == InheritFull {
		return string(m)
	}
	return ""
}

// PrincipalType distinguishes human users from agents in delegation grants.
type PrincipalType string

const (
	PrincipalUser  PrincipalType = "user"
	PrincipalAgent PrincipalType = "agent"
)
