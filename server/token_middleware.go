package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/agentgate/agentgate/manage"
)

// Context keys set by TokenMiddleware.
const (
	CtxAgentID = "agent_id"
	CtxTokenID = "token_id"
	CtxScopes  = "scopes"
	CtxTaskID  = "task_id"
)

// Scopes guarding the management API.
const (
	ScopeDelegations = "iam:delegations"
	ScopeAgentAdmin  = "iam:agents"
)

// TokenMiddleware validates the bearer token on management routes and
// requires the listed scopes. The verified agent id, token id and scopes
// are stored on the request context.
func (s *Server) TokenMiddleware(requiredScopes ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c.Request)
		if token == "" {
			c.Header("WWW-Authenticate", `Bearer realm="agentgate"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":             "invalid_request",
				"error_description": "missing bearer token",
			})
			return
		}

		result, err := s.Manager.Verify(c.Request.Context(), &manage.VerifyRequest{
			Token: token,
			Scope: requiredScopes,
		})
		if err != nil {
			data, status, _ := s.GetErrorData(err)
			c.AbortWithStatusJSON(status, data)
			return
		}

		c.Set(CtxAgentID, result.AgentID)
		c.Set(CtxTokenID, result.TokenID)
		c.Set(CtxScopes, result.Scope)
		c.Set(CtxTaskID, result.TaskID)
		c.Next()
	}
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	prefix := "Bearer "
	if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
		return auth[len(prefix):]
	}
	return ""
}
