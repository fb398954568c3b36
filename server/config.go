package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agentgate/agentgate"
)

// Config configuration parameters
type Config struct {
	TokenType                   string                // token type
	AllowGetAccessRequest       bool                  // to allow GET requests for the token
	AllowedGrantTypes           []agentgate.GrantType // allow the grant type
	AllowedResponseTypes        []agentgate.ResponseType
	AllowedCodeChallengeMethods []agentgate.CodeChallengeMethod
	ForcePKCE                   bool
	// MaxClockSkew caps the skew allowance a verify caller may request.
	MaxClockSkew time.Duration
}

// NewConfig create to configuration instance
func NewConfig() *Config {
	return &Config{
		TokenType:            "Bearer",
		AllowedResponseTypes: []agentgate.ResponseType{agentgate.Code},
		AllowedGrantTypes: []agentgate.GrantType{
			agentgate.ClientCredentials,
			agentgate.AuthorizationCode,
			agentgate.Refreshing,
		},
		AllowedCodeChallengeMethods: []agentgate.CodeChallengeMethod{
			agentgate.CodeChallengePlain,
			agentgate.CodeChallengeS256,
		},
		ForcePKCE:    true,
		MaxClockSkew: 2 * time.Minute,
	}
}

// NotImplementedGin writes a standardized not_implemented JSON error for Gin handlers.
func NotImplementedGin(c *gin.Context, description string) {
	c.JSON(http.StatusNotImplemented, gin.H{
		"error":             "not_implemented",
		"error_description": description,
	})
}
