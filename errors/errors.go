package errors

import "errors"

// New returns an error that formats as the given text.
var New = errors.New

// Is reports whether any error in err's chain matches target.
var Is = errors.Is

// known errors
var (
	ErrInvalidRequest       = errors.New("invalid_request")
	ErrInvalidClient        = errors.New("invalid_client")
	ErrInvalidGrant         = errors.New("invalid_grant")
	ErrInsufficientScope    = errors.New("insufficient_scope")
	ErrPolicyDenied         = errors.New("policy_denied")
	ErrLineageInvalid       = errors.New("lineage_invalid")
	ErrDepthExceeded        = errors.New("depth_exceeded")
	ErrTokenRevoked         = errors.New("token_revoked")
	ErrTokenExpired         = errors.New("token_expired")
	ErrUnknownScope         = errors.New("unknown_scope")
	ErrUnsupportedGrantType = errors.New("unsupported_grant_type")
	ErrInvalidRedirectURI   = errors.New("invalid_redirect_uri")
	ErrServerError          = errors.New("server_error")
)

// internal errors surfaced by stores; the orchestration layer maps them to
// the public taxonomy before they reach the API boundary.
var (
	ErrAgentNotFound   = errors.New("agent not found")
	ErrTokenNotFound   = errors.New("token not found")
	ErrGrantNotFound   = errors.New("delegation grant not found")
	ErrCodeConsumed    = errors.New("authorization code already consumed")
	ErrCodeNotFound    = errors.New("authorization code not found")
	ErrLineageCycle    = errors.New("token would create a lineage cycle")
	ErrParentInactive  = errors.New("parent token is revoked or expired")
	ErrRefreshConsumed = errors.New("refresh token already consumed")
)

// Descriptions error description
var Descriptions = map[error]string{
	ErrInvalidRequest:       "The request is missing a required parameter or is otherwise malformed",
	ErrInvalidClient:        "Client authentication failed",
	ErrInvalidGrant:         "The provided authorization grant or refresh token is invalid, expired, revoked or was already used",
	ErrInsufficientScope:    "The requested scope exceeds the scope of the granting authority",
	ErrPolicyDenied:         "The request was denied by access policy",
	ErrLineageInvalid:       "The token's delegation chain violates the scope inheritance invariant",
	ErrDepthExceeded:        "The delegation chain exceeds the maximum permitted depth",
	ErrTokenRevoked:         "The token has been revoked",
	ErrTokenExpired:         "The token has expired",
	ErrUnknownScope:         "One or more requested scopes are not registered in the catalog",
	ErrUnsupportedGrantType: "The authorization grant type is not supported",
	ErrInvalidRedirectURI:   "The redirect uri is not registered for this client",
	ErrServerError:          "The authorization server encountered an unexpected condition",
}

// StatusCodes response error HTTP status code
var StatusCodes = map[error]int{
	ErrInvalidRequest:       400,
	ErrInvalidClient:        401,
	ErrInvalidGrant:         400,
	ErrInsufficientScope:    403,
	ErrPolicyDenied:         403,
	ErrLineageInvalid:       403,
	ErrDepthExceeded:        403,
	ErrTokenRevoked:         401,
	ErrTokenExpired:         401,
	ErrUnknownScope:         400,
	ErrUnsupportedGrantType: 400,
	ErrInvalidRedirectURI:   400,
	ErrServerError:          500,
}
