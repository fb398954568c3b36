package manage

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/google/uuid"

	"github.com/agentgate/agentgate/errors"
	"github.com/agentgate/agentgate/models"
)

// registrationTokenTTL bounds the window between registration and
// activation.
const registrationTokenTTL = 24 * time.Hour

// RegisterAgentRequest carries a new agent registration.
type RegisterAgentRequest struct {
	Name         string
	MaxScopeTier string
}

// RegisteredAgent is the one-time registration response. The registration
// token is returned in plaintext exactly once; only its hash is stored.
type RegisteredAgent struct {
	Agent             *models.Agent
	RegistrationToken string
}

// RegisterAgent creates an inactive agent with a one-time activation
// token. The agent cannot authenticate until it activates and receives
// its client secret.
func (m *Manager) RegisterAgent(ctx context.Context, req *RegisterAgentRequest) (*RegisteredAgent, error) {
	if req.Name == "" {
		return nil, errors.ErrInvalidRequest
	}
	if req.MaxScopeTier != "" {
		if _, err := m.catalog.Expand([]string{req.MaxScopeTier}); err != nil {
			return nil, errors.ErrUnknownScope
		}
	}

	regToken, err := randomSecret()
	if err != nil {
		return nil, errors.ErrServerError
	}
	regHash, err := models.HashSecret(regToken)
	if err != nil {
		return nil, errors.ErrServerError
	}

	now := m.now()
	a := &models.Agent{
		ClientID:                 uuid.NewString(),
		Name:                     req.Name,
		MaxScopeTier:             req.MaxScopeTier,
		Active:                   false,
		CreatedAt:                now,
		UpdatedAt:                now,
		RegistrationTokenHash:    regHash,
		RegistrationTokenExpires: now.Add(registrationTokenTTL),
	}
	if err := m.agents.CreateAgent(ctx, a); err != nil {
		return nil, errors.ErrServerError
	}
	return &RegisteredAgent{Agent: a, RegistrationToken: regToken}, nil
}

// ActivatedAgent is the one-time activation response carrying the client
// secret in plaintext.
type ActivatedAgent struct {
	Agent        *models.Agent
	ClientSecret string
}

// ActivateAgent exchanges a valid registration token for the agent's
// long-lived client secret. The registration token is cleared, so a second
// activation attempt fails even inside the expiry window.
func (m *Manager) ActivateAgent(ctx context.Context, clientID, registrationToken string) (*ActivatedAgent, error) {
	a, err := m.agents.GetAgent(ctx, clientID)
	if err != nil {
		return nil, errors.ErrInvalidClient
	}
	if a.Active || !a.VerifyRegistrationToken(registrationToken, m.now()) {
		return nil, errors.ErrInvalidClient
	}

	secret, err := randomSecret()
	if err != nil {
		return nil, errors.ErrServerError
	}
	secretHash, err := models.HashSecret(secret)
	if err != nil {
		return nil, errors.ErrServerError
	}

	a.SecretHash = secretHash
	a.Active = true
	a.RegistrationTokenHash = ""
	a.RegistrationTokenExpires = time.Time{}
	a.UpdatedAt = m.now()
	if err := m.agents.UpdateAgent(ctx, a); err != nil {
		return nil, errors.ErrServerError
	}
	return &ActivatedAgent{Agent: a, ClientSecret: secret}, nil
}

// DeactivateAgent turns an agent off without deleting its history. Tokens
// it already holds stop working at the authentication gate.
func (m *Manager) DeactivateAgent(ctx context.Context, clientID string) error {
	a, err := m.agents.GetAgent(ctx, clientID)
	if err != nil {
		return errors.ErrInvalidClient
	}
	a.Active = false
	a.UpdatedAt = m.now()
	if err := m.agents.UpdateAgent(ctx, a); err != nil {
		return errors.ErrServerError
	}
	return nil
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
