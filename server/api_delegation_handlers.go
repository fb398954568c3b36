package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agentgate/agentgate"
	"github.com/agentgate/agentgate/delegation"
	"github.com/agentgate/agentgate/errors"
	"github.com/agentgate/agentgate/models"
)

type grantConstraintsBody struct {
	Tools     []string   `json:"tools"`
	NotBefore *time.Time `json:"not_before"`
	NotAfter  *time.Time `json:"not_after"`
}

type createGrantBody struct {
	PrincipalType string               `json:"principal_type"`
	PrincipalID   string               `json:"principal_id"`
	DelegateID    string               `json:"delegate_id" binding:"required"`
	Scope         []string             `json:"scope" binding:"required"`
	MaxDepth      int                  `json:"max_depth"`
	Constraints   grantConstraintsBody `json:"constraints"`
	ExpiresAt     time.Time            `json:"expires_at"`
	ParentGrantID string               `json:"parent_grant_id"`
}

// HandleCreateGrantGin creates a delegation grant. The bearer token's own
// scope set is the authority ceiling: the caller cannot grant what its
// token does not hold.
func (s *Server) HandleCreateGrantGin(c *gin.Context) {
	var body createGrantBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "invalid JSON body"})
		return
	}

	pt := agentgate.PrincipalType(body.PrincipalType)
	if pt == "" {
		pt = agentgate.PrincipalAgent
	}
	if pt != agentgate.PrincipalUser && pt != agentgate.PrincipalAgent {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "unknown principal_type"})
		return
	}

	principalID := body.PrincipalID
	if principalID == "" {
		principalID = c.GetString(CtxAgentID)
	}

	authority, _ := c.Get(CtxScopes)
	callerScopes, _ := authority.([]string)

	grant, err := s.Manager.Delegation().CreateGrant(c.Request.Context(), delegation.CreateGrantRequest{
		PrincipalType: pt,
		PrincipalID:   principalID,
		DelegateID:    body.DelegateID,
		Scope:         body.Scope,
		MaxDepth:      body.MaxDepth,
		Constraints: models.GrantConstraints{
			Tools:     body.Constraints.Tools,
			NotBefore: body.Constraints.NotBefore,
			NotAfter:  body.Constraints.NotAfter,
		},
		ExpiresAt:          body.ExpiresAt,
		ParentGrantID:      body.ParentGrantID,
		PrincipalAuthority: callerScopes,
	})
	if err != nil {
		data, status, _ := s.GetErrorData(err)
		c.JSON(status, data)
		return
	}
	c.JSON(http.StatusCreated, grantData(grant))
}

// HandleGetGrantGin returns a single delegation grant.
func (s *Server) HandleGetGrantGin(c *gin.Context) {
	grant, err := s.Manager.Delegation().Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "invalid_grant", "error_description": "delegation grant not found"})
		return
	}
	c.JSON(http.StatusOK, grantData(grant))
}

// HandleListGrantsGin lists grants filtered by principal_id and/or
// delegate_id query parameters.
func (s *Server) HandleListGrantsGin(c *gin.Context) {
	grants, err := s.Manager.Delegation().List(c.Request.Context(), c.Query("principal_id"), c.Query("delegate_id"))
	if err != nil {
		data, status, _ := s.GetErrorData(errors.ErrServerError)
		c.JSON(status, data)
		return
	}
	out := make([]gin.H, 0, len(grants))
	for i := range grants {
		out = append(out, grantData(&grants[i]))
	}
	c.JSON(http.StatusOK, gin.H{"grants": out})
}

// HandleRevokeGrantGin revokes a grant and cascades over every token and
// sub-grant beneath it.
func (s *Server) HandleRevokeGrantGin(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.Manager.Delegation().Get(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "invalid_grant", "error_description": "delegation grant not found"})
		return
	}
	if err := s.Manager.Delegation().Revoke(c.Request.Context(), id); err != nil {
		data, status, _ := s.GetErrorData(err)
		c.JSON(status, data)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Grant revoked successfully"})
}

func grantData(g *models.DelegationGrant) gin.H {
	data := gin.H{
		"id":             g.ID,
		"principal_type": g.PrincipalType,
		"principal_id":   g.PrincipalID,
		"delegate_id":    g.DelegateID,
		"scope":          g.ScopeList(),
		"max_depth":      g.MaxDepth,
		"created_at":     g.CreatedAt,
		"revoked":        g.Revoked,
	}
	if !g.ExpiresAt.IsZero() {
		data["expires_at"] = g.ExpiresAt
	}
	if g.ParentGrantID != "" {
		data["parent_grant_id"] = g.ParentGrantID
	}
	if c := g.ConstraintValues(); len(c.Tools) > 0 || c.NotBefore != nil || c.NotAfter != nil {
		data["constraints"] = c
	}
	if g.RevokedAt != nil {
		data["revoked_at"] = g.RevokedAt
	}
	return data
}
