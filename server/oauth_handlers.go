package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/agentgate/agentgate"
	"github.com/agentgate/agentgate/errors"
	"github.com/agentgate/agentgate/geoip"
	"github.com/agentgate/agentgate/manage"
)

// HandleTokenRequest token request handling
func (s *Server) HandleTokenRequest(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodPost && !(s.Config.AllowGetAccessRequest && r.Method == http.MethodGet) {
		return s.tokenError(w, errors.ErrInvalidRequest)
	}

	gt := agentgate.GrantType(r.FormValue("grant_type"))
	if gt.String() == "" || !s.CheckGrantType(gt) {
		return s.tokenError(w, errors.ErrUnsupportedGrantType)
	}

	clientID, clientSecret, err := s.ClientInfoHandler(r)
	if err != nil {
		return s.tokenError(w, err)
	}

	sourceIP, sourceCountry := s.requestOrigin(r)

	var result *manage.TokenResult
	switch gt {
	case agentgate.ClientCredentials:
		result, err = s.Manager.ClientCredentialsToken(r.Context(), &manage.TokenRequest{
			ClientID:      clientID,
			ClientSecret:  clientSecret,
			Scope:         strings.Fields(r.FormValue("scope")),
			Tools:         splitList(r.FormValue("tools")),
			TaskID:        r.FormValue("task_id"),
			ParentTaskID:  r.FormValue("parent_task_id"),
			ParentToken:   r.FormValue("parent_token"),
			Inheritance:   agentgate.InheritanceMode(r.FormValue("inheritance")),
			GrantID:       r.FormValue("grant_id"),
			SourceIP:      sourceIP,
			SourceCountry: sourceCountry,
		})
	case agentgate.Refreshing:
		result, err = s.Manager.RefreshToken(r.Context(), &manage.RefreshRequest{
			ClientID:      clientID,
			ClientSecret:  clientSecret,
			Refresh:       r.FormValue("refresh_token"),
			Scope:         strings.Fields(r.FormValue("scope")),
			SourceIP:      sourceIP,
			SourceCountry: sourceCountry,
		})
	case agentgate.AuthorizationCode:
		result, err = s.Manager.ExchangeCode(r.Context(), &manage.ExchangeRequest{
			ClientID:      clientID,
			ClientSecret:  clientSecret,
			Code:          r.FormValue("code"),
			RedirectURI:   r.FormValue("redirect_uri"),
			CodeVerifier:  r.FormValue("code_verifier"),
			Tools:         splitList(r.FormValue("tools")),
			SourceIP:      sourceIP,
			SourceCountry: sourceCountry,
		})
	}
	if err != nil {
		return s.tokenError(w, err)
	}

	return s.token(w, s.tokenData(result), nil)
}

// tokenData builds the token endpoint response body.
func (s *Server) tokenData(result *manage.TokenResult) map[string]interface{} {
	ti := result.Token
	data := map[string]interface{}{
		"access_token": result.Access,
		"token_type":   s.Config.TokenType,
		"expires_in":   int64(time.Until(ti.ExpiresAt).Seconds()),
		"scope":        ti.ScopeList(),
		"token_id":     ti.ID,
		"task_id":      ti.TaskID,
	}
	if result.Refresh != "" {
		data["refresh_token"] = result.Refresh
	}
	if ti.ParentTokenID != "" {
		data["parent_token_id"] = ti.ParentTokenID
	}
	if tools := ti.ToolList(); len(tools) > 0 {
		data["tools"] = tools
	}
	return data
}

// HandleAuthorizeRequest the authorization request handling
func (s *Server) HandleAuthorizeRequest(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		return s.tokenError(w, errors.ErrInvalidRequest)
	}

	clientID := r.FormValue("client_id")
	redirectURI := r.FormValue("redirect_uri")
	if clientID == "" || redirectURI == "" {
		return s.tokenError(w, errors.ErrInvalidRequest)
	}

	resType := agentgate.ResponseType(r.FormValue("response_type"))
	if resType.String() == "" || !s.CheckResponseType(resType) {
		return s.tokenError(w, errors.ErrInvalidRequest)
	}

	cc := r.FormValue("code_challenge")
	if cc == "" && s.Config.ForcePKCE {
		return s.tokenError(w, errors.ErrInvalidRequest)
	}
	if cc != "" && (len(cc) < 43 || len(cc) > 128) {
		return s.tokenError(w, errors.ErrInvalidRequest)
	}
	ccm := agentgate.CodeChallengeMethod(r.FormValue("code_challenge_method"))
	if ccm == "" && cc != "" {
		ccm = agentgate.CodeChallengePlain
	}
	if ccm != "" && !s.CheckCodeChallengeMethod(ccm) {
		return s.tokenError(w, errors.ErrInvalidRequest)
	}

	// no authenticated principal yet: hold the request for consent
	principal, err := s.UserAuthorizationHandler(w, r)
	if err != nil {
		return s.tokenError(w, err)
	}
	if principal == "" {
		return s.token(w, map[string]interface{}{
			"error":             "consent_required",
			"error_description": "No authenticated principal is attached to this authorization request",
		}, nil, http.StatusUnauthorized)
	}

	code, err := s.Manager.Authorize(r.Context(), &manage.AuthorizeRequest{
		ClientID:            clientID,
		RedirectURI:         redirectURI,
		Scope:               strings.Fields(r.FormValue("scope")),
		TaskID:              r.FormValue("task_id"),
		CodeChallenge:       cc,
		CodeChallengeMethod: ccm,
		SourceIP:            geoip.GetClientIP(r),
	})
	if err != nil {
		return s.tokenError(w, err)
	}

	uri, err := s.GetRedirectURI(redirectURI, r.FormValue("state"), map[string]interface{}{"code": code})
	if err != nil {
		return s.tokenError(w, errors.ErrInvalidRedirectURI)
	}
	w.Header().Set("Location", uri)
	w.WriteHeader(http.StatusFound)
	return nil
}

// HandleIntrospectionRequest token introspection handling. The response is
// always 200; dead or unknown tokens answer {"active": false}.
func (s *Server) HandleIntrospectionRequest(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodPost {
		return s.tokenError(w, errors.ErrInvalidRequest)
	}
	token := r.FormValue("token")
	if token == "" {
		return s.tokenError(w, errors.ErrInvalidRequest)
	}

	info, err := s.Manager.Introspect(r.Context(), token)
	if err != nil {
		return s.tokenError(w, err)
	}
	return s.token(w, introspectionData(info), nil)
}

func introspectionData(info *manage.Introspection) map[string]interface{} {
	if !info.Active {
		return map[string]interface{}{"active": false}
	}
	data := map[string]interface{}{
		"active":    true,
		"client_id": info.ClientID,
		"jti":       info.TokenID,
		"scope":     info.Scope,
		"task_id":   info.TaskID,
		"iat":       info.IssuedAt,
		"exp":       info.ExpiresAt,
	}
	if info.Tools != "" {
		data["tools"] = info.Tools
	}
	if info.ParentTaskID != "" {
		data["parent_task_id"] = info.ParentTaskID
	}
	if info.ParentTokenID != "" {
		data["parent_token_id"] = info.ParentTokenID
	}
	if info.LaunchedBy != "" {
		data["launched_by"] = info.LaunchedBy
	}
	if info.DelegationGrantID != "" {
		data["delegation_grant_id"] = info.DelegationGrantID
		data["delegation_depth"] = info.DelegationDepth
	}
	return data
}

// HandleRevocationRequest token revocation handling per RFC 7009: the
// endpoint acknowledges success whether or not the token existed.
func (s *Server) HandleRevocationRequest(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodPost {
		return s.tokenError(w, errors.ErrInvalidRequest)
	}
	clientID, clientSecret, err := s.ClientInfoHandler(r)
	if err != nil {
		return s.tokenError(w, err)
	}
	token := r.FormValue("token")
	if token == "" {
		return s.tokenError(w, errors.ErrInvalidRequest)
	}
	keepChildren := r.FormValue("revoke_children") == "false"

	if err := s.Manager.Revoke(r.Context(), &manage.RevokeRequest{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Token:        token,
		KeepChildren: keepChildren,
	}); err != nil {
		return s.tokenError(w, err)
	}
	return s.token(w, map[string]interface{}{"message": "Token revoked successfully"}, nil)
}

// requestOrigin extracts the client IP and, when a resolver is wired,
// its country code.
func (s *Server) requestOrigin(r *http.Request) (string, string) {
	ip := geoip.GetClientIP(r)
	if s.Geo == nil || ip == "" {
		return ip, ""
	}
	return ip, s.Geo.LookupCountry(r.Context(), ip)
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == ' ' })
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
