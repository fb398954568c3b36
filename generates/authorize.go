package generates

import (
	"encoding/base64"
	"strings"

	"github.com/google/uuid"
)

// NewAuthorizeGenerate create to generate the authorize code instance
func NewAuthorizeGenerate() *AuthorizeGenerate {
	return &AuthorizeGenerate{}
}

// AuthorizeGenerate generate the opaque authorization code
type AuthorizeGenerate struct{}

// Code returns a single-use authorization code value. Only its hash is
// persisted.
func (ag *AuthorizeGenerate) Code() string {
	code := base64.URLEncoding.EncodeToString([]byte(uuid.NewString()))
	return strings.ToUpper(strings.TrimRight(code, "="))
}
