package manage

import "time"

// Config authorization configuration parameters
type Config struct {
	// AccessTokenExp access token expiration time
	AccessTokenExp time.Duration
	// RefreshTokenExp refresh token expiration time, measured from the
	// original issuance of the rotated token
	RefreshTokenExp time.Duration
	// CodeExp authorization code expiration time
	CodeExp time.Duration
	// IsGenerateRefresh whether to generate a refresh token alongside the
	// access token
	IsGenerateRefresh bool
}

// DefaultTokenCfg default token issuance configuration
var DefaultTokenCfg = &Config{
	AccessTokenExp:    time.Hour,
	RefreshTokenExp:   time.Hour * 24 * 30,
	CodeExp:           time.Minute * 10,
	IsGenerateRefresh: true,
}
