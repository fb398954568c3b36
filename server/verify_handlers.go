package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agentgate/agentgate/manage"
)

// verifyBody is the wire form of a verification call from a resource
// server or an orchestrator checking a sub-agent's credential.
type verifyBody struct {
	Token  string   `json:"token" binding:"required"`
	Scope  []string `json:"scope"`
	Tool   string   `json:"tool"`
	TaskID string   `json:"task_id"`
	// ParentToken pins the direct parent of the presented token, so an
	// orchestrator can confirm a child really descends from the credential
	// it handed out.
	ParentToken         string `json:"parent_token"`
	AllowClockSkew      bool   `json:"allow_clock_skew"`
	MaxClockSkewSeconds int    `json:"max_clock_skew_seconds"`
}

// HandleVerifyRequestGin performs the full authorization check for a
// presented token, including the lineage walk. Failures carry a
// machine-readable reason from the error taxonomy.
func (s *Server) HandleVerifyRequestGin(c *gin.Context) {
	var body verifyBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "invalid JSON body"})
		return
	}

	var skew time.Duration
	if body.AllowClockSkew {
		skew = time.Duration(body.MaxClockSkewSeconds) * time.Second
		if skew <= 0 || skew > s.Config.MaxClockSkew {
			skew = s.Config.MaxClockSkew
		}
	}

	result, err := s.Manager.Verify(c.Request.Context(), &manage.VerifyRequest{
		Token:               body.Token,
		Scope:               body.Scope,
		Tool:                body.Tool,
		TaskID:              body.TaskID,
		ExpectedParentToken: body.ParentToken,
		ClockSkew:           skew,
	})
	if err != nil {
		data, status, _ := s.GetErrorData(err)
		data["verified"] = false
		c.JSON(status, data)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"verified":    true,
		"token_id":    result.TokenID,
		"agent_id":    result.AgentID,
		"task_id":     result.TaskID,
		"scope":       result.Scope,
		"tools":       result.Tools,
		"launched_by": result.LaunchedBy,
		"lineage":     result.Lineage,
		"expires_at":  result.ExpiresAt,
	})
}

// HandleRevocationDigestGin serves a Bloom digest of revoked token ids.
// Resource servers poll it to rule out revocation locally; a digest hit
// must still be confirmed through the verification endpoint.
func (s *Server) HandleRevocationDigestGin(c *gin.Context) {
	digest, count, err := s.Manager.RevocationDigest(c.Request.Context())
	if err != nil {
		data, status, _ := s.GetErrorData(err)
		c.JSON(status, data)
		return
	}
	c.Header("Cache-Control", "max-age=30")
	c.JSON(http.StatusOK, gin.H{
		"digest":       digest,
		"count":        count,
		"generated_at": time.Now().UTC(),
	})
}
