package server

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-session/session/v3"
)

// NewGinEngine builds a Gin router and registers all routes.
func NewGinEngine(s *Server) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Recovery())
	r.Use(parseFormMiddleware())

	// Every OAuth endpoint is served both unprefixed (the canonical wire
	// paths) and under /oauth, for deployments that route by prefix.

	// /authorize with session form restore middleware (disable implicit response_type=token)
	for _, p := range []string{"/authorize", "/oauth/authorize"} {
		r.GET(p, blockImplicitMiddleware(), restoreAuthorizeFormMiddleware(), ginFrom(s.HandleAuthorizeRequest))
		r.POST(p, blockImplicitMiddleware(), restoreAuthorizeFormMiddleware(), ginFrom(s.HandleAuthorizeRequest))
	}

	for _, p := range []string{"/token", "/oauth/token"} {
		r.POST(p, ginFrom(s.HandleTokenRequest))
		if s.Config != nil && s.Config.AllowGetAccessRequest {
			r.GET(p, ginFrom(s.HandleTokenRequest))
		}
	}

	// Introspect & Revoke (no scope required - standard OAuth 2.0 client auth only)
	r.POST("/introspect", ginFrom(s.HandleIntrospectionRequest))
	r.POST("/oauth/introspect", ginFrom(s.HandleIntrospectionRequest))
	r.POST("/revoke", ginFrom(s.HandleRevocationRequest))
	r.POST("/oauth/revoke", ginFrom(s.HandleRevocationRequest))

	// Verification for resource servers and orchestrators
	r.POST("/verify", s.HandleVerifyRequestGin)
	r.POST("/oauth/verify", s.HandleVerifyRequestGin)
	r.GET("/oauth/revocations/digest", s.HandleRevocationDigestGin)

	// Agent activation is public; the agent holds nothing but its
	// registration token at this point
	r.POST("/iam/v1/agents/:id/activate", s.HandleActivateAgentGin)

	// Management route group with TokenMiddleware
	mgmtGroup := r.Group("/iam/v1")

	mgmtGroup.POST("/agents", s.TokenMiddleware(ScopeAgentAdmin), s.HandleRegisterAgentGin)
	mgmtGroup.POST("/agents/:id/deactivate", s.TokenMiddleware(ScopeAgentAdmin), s.HandleDeactivateAgentGin)

	// /delegations is served unprefixed alongside /iam/v1, same bearer rules
	for _, g := range []gin.IRoutes{r, mgmtGroup} {
		g.POST("/delegations", s.TokenMiddleware(ScopeDelegations), s.HandleCreateGrantGin)
		g.GET("/delegations", s.TokenMiddleware(ScopeDelegations), s.HandleListGrantsGin)
		g.GET("/delegations/:id", s.TokenMiddleware(ScopeDelegations), s.HandleGetGrantGin)
		g.DELETE("/delegations/:id", s.TokenMiddleware(ScopeDelegations), s.HandleRevokeGrantGin)
	}

	return r
}

// ginFrom adapts existing handlers (http.ResponseWriter, *http.Request) to a Gin handler.
func ginFrom(h func(http.ResponseWriter, *http.Request) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		_ = h(c.Writer, c.Request)
		c.Abort()
	}
}

// parseFormMiddleware ensures r.ParseForm() is called for urlencoded/multipart requests so r.FormValue works.
func parseFormMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		r := c.Request
		ct := r.Header.Get("Content-Type")
		if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
			if ct != "" {
				if strings.HasPrefix(ct, "application/x-www-form-urlencoded") || strings.HasPrefix(ct, "multipart/form-data") {
					_ = r.ParseForm()
				}
			}
		}
		c.Next()
	}
}

// restoreAuthorizeFormMiddleware restores a saved authorize request form
// from session after consent redirects.
func restoreAuthorizeFormMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if store, err := session.Start(c.Request.Context(), c.Writer, c.Request); err == nil {
			if v, ok := store.Get("ReturnUri"); ok {
				if form, ok2 := v.(map[string][]string); ok2 {
					c.Request.Form = form
				} else if vals, ok2 := v.(url.Values); ok2 {
					c.Request.Form = vals
				}
				store.Delete("ReturnUri")
				_ = store.Save()
			}
		}
		c.Next()
	}
}

// blockImplicitMiddleware rejects the implicit flow (response_type=token) per OAuth 2.1.
func blockImplicitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		rt := c.Query("response_type")
		if strings.EqualFold(rt, "token") {
			c.Header("Content-Type", "application/json;charset=UTF-8")
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":             "unsupported_response_type",
				"error_description": "Implicit flow is disabled. Use Authorization Code with PKCE.",
			})
			return
		}
		c.Next()
	}
}

// SaveAuthorizeForm stores a pending authorize request form in the session,
// for deployments that redirect to a consent step before completing the
// flow.
func SaveAuthorizeForm(c *gin.Context) error {
	store, err := session.Start(c.Request.Context(), c.Writer, c.Request)
	if err != nil {
		return err
	}
	store.Set("ReturnUri", c.Request.Form)
	return store.Save()
}
