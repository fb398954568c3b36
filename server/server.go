package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/agentgate/agentgate"
	"github.com/agentgate/agentgate/errors"
	"github.com/agentgate/agentgate/manage"
)

// NewDefaultServer create a default authorization server
func NewDefaultServer(manager *manage.Manager) *Server {
	return NewServer(NewConfig(), manager)
}

// NewServer create authorization server
func NewServer(cfg *Config, manager *manage.Manager) *Server {
	srv := &Server{
		Config:  cfg,
		Manager: manager,
	}

	srv.ClientInfoHandler = ClientBasicHandler

	// no principal attached by default; /oauth/authorize answers with a
	// consent-required payload until the deployment wires one
	srv.UserAuthorizationHandler = func(w http.ResponseWriter, r *http.Request) (string, error) {
		return "", nil
	}
	return srv
}

// ClientInfoHandler get client info from request
type ClientInfoHandler func(r *http.Request) (clientID, clientSecret string, err error)

// UserAuthorizationHandler resolves the authenticated principal attached to
// an authorize request; an empty id means no principal is present yet.
type UserAuthorizationHandler func(w http.ResponseWriter, r *http.Request) (string, error)

// GeoResolver resolves a request IP to a country code for policy
// conditions. An empty result means the lookup failed and the attribute
// is simply omitted.
type GeoResolver interface {
	LookupCountry(ctx context.Context, ip string) string
}

// Server Provide authorization server
type Server struct {
	Config                   *Config
	Manager                  *manage.Manager
	ClientInfoHandler        ClientInfoHandler
	UserAuthorizationHandler UserAuthorizationHandler
	// Geo is optional; when set, issuance requests carry a geo_country
	// policy attribute resolved from the client IP.
	Geo GeoResolver
}

// ClientBasicHandler get client info from Basic auth, falling back to the
// client_id/client_secret form fields per RFC 6749 §2.3.1.
func ClientBasicHandler(r *http.Request) (string, string, error) {
	if id, secret, ok := r.BasicAuth(); ok {
		return id, secret, nil
	}
	id := r.FormValue("client_id")
	if id == "" {
		return "", "", errors.ErrInvalidClient
	}
	return id, r.FormValue("client_secret"), nil
}

// CheckGrantType check allows grant type
func (s *Server) CheckGrantType(gt agentgate.GrantType) bool {
	for _, agt := range s.Config.AllowedGrantTypes {
		if agt == gt {
			return true
		}
	}
	return false
}

// CheckResponseType check allows response type
func (s *Server) CheckResponseType(rt agentgate.ResponseType) bool {
	for _, art := range s.Config.AllowedResponseTypes {
		if art == rt {
			return true
		}
	}
	return false
}

// CheckCodeChallengeMethod checks for allowed code challenge method
func (s *Server) CheckCodeChallengeMethod(ccm agentgate.CodeChallengeMethod) bool {
	for _, c := range s.Config.AllowedCodeChallengeMethods {
		if c == ccm {
			return true
		}
	}
	return false
}

func (s *Server) tokenError(w http.ResponseWriter, err error) error {
	data, statusCode, header := s.GetErrorData(err)
	return s.token(w, data, header, statusCode)
}

func (s *Server) token(w http.ResponseWriter, data map[string]interface{}, header http.Header, statusCode ...int) error {
	w.Header().Set("Content-Type", "application/json;charset=UTF-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")

	for key := range header {
		w.Header().Set(key, header.Get(key))
	}

	status := http.StatusOK
	if len(statusCode) > 0 && statusCode[0] > 0 {
		status = statusCode[0]
	}

	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

// GetErrorData get error response data
func (s *Server) GetErrorData(err error) (map[string]interface{}, int, http.Header) {
	var re errors.Response
	if v, ok := errors.Descriptions[err]; ok {
		re.Error = err
		re.Description = v
		re.StatusCode = errors.StatusCodes[err]
	} else {
		re.Error = errors.ErrServerError
		re.Description = errors.Descriptions[errors.ErrServerError]
		re.StatusCode = errors.StatusCodes[errors.ErrServerError]
	}

	data := make(map[string]interface{})
	if err := re.Error; err != nil {
		data["error"] = err.Error()
	}
	if v := re.ErrorCode; v != 0 {
		data["error_code"] = v
	}
	if v := re.Description; v != "" {
		data["error_description"] = v
	}
	if v := re.URI; v != "" {
		data["error_uri"] = v
	}

	statusCode := http.StatusInternalServerError
	if v := re.StatusCode; v > 0 {
		statusCode = v
	}

	return data, statusCode, re.Header
}

// GetRedirectURI builds the redirect target for a successful (or failed)
// authorize request.
func (s *Server) GetRedirectURI(redirectURI, state string, data map[string]interface{}) (string, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return "", err
	}

	q := u.Query()
	if state != "" {
		q.Set("state", state)
	}
	for k, v := range data {
		q.Set(k, fmt.Sprint(v))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
