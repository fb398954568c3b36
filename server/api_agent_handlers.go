package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agentgate/agentgate/manage"
)

type registerAgentBody struct {
	Name         string `json:"name" binding:"required"`
	MaxScopeTier string `json:"max_scope_tier"`
}

// HandleRegisterAgentGin registers a new agent. The response carries the
// one-time registration token; it is not stored in plaintext and cannot be
// retrieved again.
func (s *Server) HandleRegisterAgentGin(c *gin.Context) {
	var body registerAgentBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "invalid JSON body"})
		return
	}

	reg, err := s.Manager.RegisterAgent(c.Request.Context(), &manage.RegisterAgentRequest{
		Name:         body.Name,
		MaxScopeTier: body.MaxScopeTier,
	})
	if err != nil {
		data, status, _ := s.GetErrorData(err)
		c.JSON(status, data)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"client_id":                  reg.Agent.ClientID,
		"name":                       reg.Agent.Name,
		"max_scope_tier":             reg.Agent.MaxScopeTier,
		"active":                     reg.Agent.Active,
		"registration_token":         reg.RegistrationToken,
		"registration_token_expires": reg.Agent.RegistrationTokenExpires,
	})
}

type activateAgentBody struct {
	RegistrationToken string `json:"registration_token" binding:"required"`
}

// HandleActivateAgentGin exchanges a registration token for the agent's
// client secret. Public: the agent has no credential to authenticate with
// until this call succeeds.
func (s *Server) HandleActivateAgentGin(c *gin.Context) {
	var body activateAgentBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "invalid JSON body"})
		return
	}

	act, err := s.Manager.ActivateAgent(c.Request.Context(), c.Param("id"), body.RegistrationToken)
	if err != nil {
		data, status, _ := s.GetErrorData(err)
		c.JSON(status, data)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"client_id":     act.Agent.ClientID,
		"client_secret": act.ClientSecret,
		"active":        act.Agent.Active,
	})
}

// HandleDeactivateAgentGin turns an agent off. Its existing tokens fail
// client authentication from this point on; its issuance history stays.
func (s *Server) HandleDeactivateAgentGin(c *gin.Context) {
	if err := s.Manager.DeactivateAgent(c.Request.Context(), c.Param("id")); err != nil {
		data, status, _ := s.GetErrorData(err)
		c.JSON(status, data)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Agent deactivated"})
}
