package manage_test

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/agentgate/agentgate"
	"github.com/agentgate/agentgate/audit"
	"github.com/agentgate/agentgate/delegation"
	"github.com/agentgate/agentgate/errors"
	"github.com/agentgate/agentgate/generates"
	"github.com/agentgate/agentgate/manage"
	"github.com/agentgate/agentgate/models"
	"github.com/agentgate/agentgate/policy"
	"github.com/agentgate/agentgate/scope"
	"github.com/agentgate/agentgate/store"
)

type recordingEmitter struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *recordingEmitter) Emit(ctx context.Context, ev audit.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

type fixture struct {
	manager *manage.Manager
	tokens  *store.MemoryTokenStore
	agents  *store.MemoryAgentStore
	engine  *delegation.Engine
	emitter *recordingEmitter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	catalog, err := scope.NewCatalog([]scope.Definition{
		{Name: "tickets:admin", Implies: []string{"tickets:write"}},
		{Name: "tickets:write", Implies: []string{"tickets:read"}},
		{Name: "tickets:read"},
		{Name: "billing:read", Sensitive: true},
	})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}

	set, err := policy.Compile([]policy.Rule{
		{Name: "deny-billing", Priority: 100, Effect: policy.Deny, Target: "billing:*"},
		{Name: "allow-rest", Priority: 1, Effect: policy.Allow, Target: "*"},
	})
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	snapshot := policy.NewSnapshot(set)

	tokens := store.NewMemoryTokenStore()
	agents := store.NewMemoryAgentStore()
	grants := store.NewMemoryGrantStore()
	emitter := &recordingEmitter{}

	engine := delegation.NewEngine(grants, tokens, catalog, snapshot, emitter)

	m := manage.NewManager()
	m.MapTokenStorage(tokens)
	m.MapAgentStorage(agents)
	m.MapCatalog(catalog)
	m.MapPolicy(snapshot)
	m.MapAccessGenerate(generates.NewJWTAccessGenerate("", []byte("00000000"), jwt.SigningMethodHS512))
	m.MapDelegation(engine)
	m.MapAuditor(emitter)

	return &fixture{manager: m, tokens: tokens, agents: agents, engine: engine, emitter: emitter}
}

func (f *fixture) seedAgent(t *testing.T, clientID, secret, tier string) {
	t.Helper()
	hash, err := models.HashSecret(secret)
	if err != nil {
		t.Fatalf("hash secret: %v", err)
	}
	if err := f.agents.CreateAgent(context.Background(), &models.Agent{
		ClientID:     clientID,
		SecretHash:   hash,
		Name:         clientID,
		MaxScopeTier: tier,
		Active:       true,
	}); err != nil {
		t.Fatalf("seed agent: %v", err)
	}
}

func TestClientCredentialsFlow(t *testing.T) {
	f := newFixture(t)
	f.seedAgent(t, "agent-1", "s3cret", "tickets:admin")
	ctx := context.Background()

	Convey("Issue a client-credentials token", t, func() {
		result, err := f.manager.ClientCredentialsToken(ctx, &manage.TokenRequest{
			ClientID:     "agent-1",
			ClientSecret: "s3cret",
			Scope:        []string{"tickets:read"},
			Tools:        []string{"browser"},
		})
		So(err, ShouldBeNil)
		So(result.Access, ShouldNotBeEmpty)
		So(result.Refresh, ShouldNotBeEmpty)
		So(result.Token.TaskID, ShouldNotBeEmpty)
		So(result.Token.LaunchedBy, ShouldEqual, "agent-1")

		Convey("The token introspects as active", func() {
			info, err := f.manager.Introspect(ctx, result.Access)
			So(err, ShouldBeNil)
			So(info.Active, ShouldBeTrue)
			So(info.ClientID, ShouldEqual, "agent-1")
			So(info.Scope, ShouldEqual, "tickets:read")
		})

		Convey("An unknown token introspects as inactive", func() {
			info, err := f.manager.Introspect(ctx, "never-issued")
			So(err, ShouldBeNil)
			So(info.Active, ShouldBeFalse)
			So(info.ClientID, ShouldBeEmpty)
		})
	})

	Convey("Wrong credentials are rejected", t, func() {
		_, err := f.manager.ClientCredentialsToken(ctx, &manage.TokenRequest{
			ClientID:     "agent-1",
			ClientSecret: "wrong",
			Scope:        []string{"tickets:read"},
		})
		So(err, ShouldEqual, errors.ErrInvalidClient)
	})

	Convey("A request without scope is rejected", t, func() {
		_, err := f.manager.ClientCredentialsToken(ctx, &manage.TokenRequest{
			ClientID:     "agent-1",
			ClientSecret: "s3cret",
		})
		So(err, ShouldEqual, errors.ErrInvalidRequest)
	})
}

func TestScopeTierAndPolicy(t *testing.T) {
	f := newFixture(t)
	f.seedAgent(t, "limited", "s3cret", "tickets:read")
	f.seedAgent(t, "broad", "s3cret", "")
	ctx := context.Background()

	Convey("A scope above the agent's tier is refused", t, func() {
		_, err := f.manager.ClientCredentialsToken(ctx, &manage.TokenRequest{
			ClientID:     "limited",
			ClientSecret: "s3cret",
			Scope:        []string{"tickets:write"},
		})
		So(err, ShouldEqual, errors.ErrInsufficientScope)
	})

	Convey("An unregistered scope is refused", t, func() {
		_, err := f.manager.ClientCredentialsToken(ctx, &manage.TokenRequest{
			ClientID:     "limited",
			ClientSecret: "s3cret",
			Scope:        []string{"no:such"},
		})
		So(errors.Is(err, errors.ErrUnknownScope), ShouldBeTrue)
	})

	Convey("Policy denies sensitive scopes even without a tier bound", t, func() {
		_, err := f.manager.ClientCredentialsToken(ctx, &manage.TokenRequest{
			ClientID:     "broad",
			ClientSecret: "s3cret",
			Scope:        []string{"billing:read"},
		})
		So(err, ShouldEqual, errors.ErrPolicyDenied)
	})
}

func TestLineageIssuance(t *testing.T) {
	f := newFixture(t)
	f.seedAgent(t, "orchestrator", "s3cret", "tickets:admin")
	f.seedAgent(t, "worker", "s3cret", "tickets:admin")
	ctx := context.Background()

	parent, err := f.manager.ClientCredentialsToken(ctx, &manage.TokenRequest{
		ClientID:     "orchestrator",
		ClientSecret: "s3cret",
		Scope:        []string{"tickets:write"},
		Inheritance:  agentgate.InheritFull,
	})
	if err != nil {
		t.Fatalf("parent token: %v", err)
	}

	Convey("A child narrowed to a subset is linked into the lineage", t, func() {
		child, err := f.manager.ClientCredentialsToken(ctx, &manage.TokenRequest{
			ClientID:     "worker",
			ClientSecret: "s3cret",
			Scope:        []string{"tickets:read"},
			ParentToken:  parent.Access,
		})
		So(err, ShouldBeNil)
		So(child.Token.ParentTokenID, ShouldEqual, parent.Token.ID)
		So(child.Token.ParentTaskID, ShouldEqual, parent.Token.TaskID)
		So(child.Token.LaunchedBy, ShouldEqual, "orchestrator")
	})

	Convey("A child exceeding the parent scope is refused", t, func() {
		_, err := f.manager.ClientCredentialsToken(ctx, &manage.TokenRequest{
			ClientID:     "worker",
			ClientSecret: "s3cret",
			Scope:        []string{"tickets:admin"},
			ParentToken:  parent.Access,
		})
		So(err, ShouldEqual, errors.ErrInsufficientScope)
	})

	Convey("Full inheritance copies the parent scope verbatim", t, func() {
		child, err := f.manager.ClientCredentialsToken(ctx, &manage.TokenRequest{
			ClientID:     "worker",
			ClientSecret: "s3cret",
			Scope:        []string{"tickets:read"},
			ParentToken:  parent.Access,
			Inheritance:  agentgate.InheritFull,
		})
		So(err, ShouldBeNil)
		So(child.Token.Scope, ShouldEqual, parent.Token.Scope)

		Convey("A restricted link beneath it cannot be loosened back to full", func() {
			restricted, err := f.manager.ClientCredentialsToken(ctx, &manage.TokenRequest{
				ClientID:     "worker",
				ClientSecret: "s3cret",
				Scope:        []string{"tickets:read"},
				ParentToken:  child.Access,
				Inheritance:  agentgate.InheritRestricted,
			})
			So(err, ShouldBeNil)

			_, err = f.manager.ClientCredentialsToken(ctx, &manage.TokenRequest{
				ClientID:     "worker",
				ClientSecret: "s3cret",
				Scope:        []string{"tickets:read"},
				ParentToken:  restricted.Access,
				Inheritance:  agentgate.InheritFull,
			})
			So(err, ShouldEqual, errors.ErrLineageInvalid)
		})
	})

	Convey("A revoked parent blocks new children", t, func() {
		err := f.manager.Revoke(ctx, &manage.RevokeRequest{
			ClientID:     "orchestrator",
			ClientSecret: "s3cret",
			Token:        parent.Access,
		})
		So(err, ShouldBeNil)

		_, err = f.manager.ClientCredentialsToken(ctx, &manage.TokenRequest{
			ClientID:     "worker",
			ClientSecret: "s3cret",
			Scope:        []string{"tickets:read"},
			ParentToken:  parent.Access,
		})
		So(err, ShouldEqual, errors.ErrTokenRevoked)
	})
}

func TestRefreshRotation(t *testing.T) {
	f := newFixture(t)
	f.seedAgent(t, "agent-1", "s3cret", "tickets:admin")
	ctx := context.Background()

	Convey("Rotation mints a replacement linked to the original", t, func() {
		// each nested assertion path gets its own fresh token to rotate
		issued, err := f.manager.ClientCredentialsToken(ctx, &manage.TokenRequest{
			ClientID:     "agent-1",
			ClientSecret: "s3cret",
			Scope:        []string{"tickets:write"},
		})
		So(err, ShouldBeNil)

		rotated, err := f.manager.RefreshToken(ctx, &manage.RefreshRequest{
			ClientID:     "agent-1",
			ClientSecret: "s3cret",
			Refresh:      issued.Refresh,
		})
		So(err, ShouldBeNil)
		So(rotated.Token.ParentTokenID, ShouldEqual, issued.Token.ID)
		So(rotated.Token.TaskID, ShouldEqual, issued.Token.TaskID)
		So(rotated.Token.Scope, ShouldEqual, issued.Token.Scope)

		Convey("Replaying the consumed refresh token fails", func() {
			_, err := f.manager.RefreshToken(ctx, &manage.RefreshRequest{
				ClientID:     "agent-1",
				ClientSecret: "s3cret",
				Refresh:      issued.Refresh,
			})
			So(err, ShouldEqual, errors.ErrInvalidGrant)
		})

		Convey("The rotated token can narrow but not widen", func() {
			narrowed, err := f.manager.RefreshToken(ctx, &manage.RefreshRequest{
				ClientID:     "agent-1",
				ClientSecret: "s3cret",
				Refresh:      rotated.Refresh,
				Scope:        []string{"tickets:read"},
			})
			So(err, ShouldBeNil)
			So(narrowed.Token.Scope, ShouldEqual, "tickets:read")

			_, err = f.manager.RefreshToken(ctx, &manage.RefreshRequest{
				ClientID:     "agent-1",
				ClientSecret: "s3cret",
				Refresh:      narrowed.Refresh,
				Scope:        []string{"tickets:admin"},
			})
			So(err, ShouldEqual, errors.ErrInsufficientScope)
		})
	})
}

func TestRevocationCascade(t *testing.T) {
	f := newFixture(t)
	f.seedAgent(t, "orchestrator", "s3cret", "tickets:admin")
	f.seedAgent(t, "worker", "s3cret", "tickets:admin")
	ctx := context.Background()

	mint := func(parentAccess string) *manage.TokenResult {
		clientID := "orchestrator"
		if parentAccess != "" {
			clientID = "worker"
		}
		r, err := f.manager.ClientCredentialsToken(ctx, &manage.TokenRequest{
			ClientID:     clientID,
			ClientSecret: "s3cret",
			Scope:        []string{"tickets:read"},
			ParentToken:  parentAccess,
		})
		if err != nil {
			t.Fatalf("mint: %v", err)
		}
		return r
	}

	Convey("Revoking a parent invalidates the whole subtree", t, func() {
		parent := mint("")
		child := mint(parent.Access)
		grandchild := mint(child.Access)

		err := f.manager.Revoke(ctx, &manage.RevokeRequest{
			ClientID:     "orchestrator",
			ClientSecret: "s3cret",
			Token:        parent.Access,
		})
		So(err, ShouldBeNil)

		for _, tok := range []*manage.TokenResult{parent, child, grandchild} {
			info, err := f.manager.Introspect(ctx, tok.Access)
			So(err, ShouldBeNil)
			So(info.Active, ShouldBeFalse)
		}

		stored, err := f.tokens.GetToken(ctx, child.Token.ID)
		So(err, ShouldBeNil)
		So(stored.RevokeReason, ShouldEqual, models.RevokeReasonAncestor)
	})

	Convey("KeepChildren revokes only the named token", t, func() {
		parent := mint("")
		child := mint(parent.Access)

		err := f.manager.Revoke(ctx, &manage.RevokeRequest{
			ClientID:     "orchestrator",
			ClientSecret: "s3cret",
			Token:        parent.Access,
			KeepChildren: true,
		})
		So(err, ShouldBeNil)

		info, _ := f.manager.Introspect(ctx, parent.Access)
		So(info.Active, ShouldBeFalse)
		info, _ = f.manager.Introspect(ctx, child.Access)
		So(info.Active, ShouldBeTrue)
	})

	Convey("Revoking an unknown token succeeds silently", t, func() {
		err := f.manager.Revoke(ctx, &manage.RevokeRequest{
			ClientID:     "orchestrator",
			ClientSecret: "s3cret",
			Token:        "never-issued",
		})
		So(err, ShouldBeNil)
	})
}

func s256Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func TestAuthorizationCodePKCE(t *testing.T) {
	f := newFixture(t)
	f.seedAgent(t, "agent-1", "s3cret", "tickets:admin")
	ctx := context.Background()

	verifier := "zFynDPKjbQJ9wcnKiCCGzJLZraZaHcHzKN9YCTJ2rrA"

	Convey("The code flow with S256 PKCE mints a token", t, func() {
		code, err := f.manager.Authorize(ctx, &manage.AuthorizeRequest{
			ClientID:            "agent-1",
			RedirectURI:         "http://localhost:9098/cb",
			Scope:               []string{"tickets:read"},
			CodeChallenge:       s256Challenge(verifier),
			CodeChallengeMethod: agentgate.CodeChallengeS256,
		})
		So(err, ShouldBeNil)
		So(code, ShouldNotBeEmpty)

		Convey("A wrong verifier burns the code", func() {
			_, err := f.manager.ExchangeCode(ctx, &manage.ExchangeRequest{
				ClientID:     "agent-1",
				ClientSecret: "s3cret",
				Code:         code,
				RedirectURI:  "http://localhost:9098/cb",
				CodeVerifier: "not-the-verifier",
			})
			So(err, ShouldEqual, errors.ErrInvalidGrant)

			_, err = f.manager.ExchangeCode(ctx, &manage.ExchangeRequest{
				ClientID:     "agent-1",
				ClientSecret: "s3cret",
				Code:         code,
				RedirectURI:  "http://localhost:9098/cb",
				CodeVerifier: verifier,
			})
			So(err, ShouldEqual, errors.ErrInvalidGrant)
		})
	})

	Convey("A fresh code with the right verifier succeeds exactly once", t, func() {
		code, err := f.manager.Authorize(ctx, &manage.AuthorizeRequest{
			ClientID:            "agent-1",
			RedirectURI:         "http://localhost:9098/cb",
			Scope:               []string{"tickets:read"},
			CodeChallenge:       s256Challenge(verifier),
			CodeChallengeMethod: agentgate.CodeChallengeS256,
		})
		So(err, ShouldBeNil)

		result, err := f.manager.ExchangeCode(ctx, &manage.ExchangeRequest{
			ClientID:     "agent-1",
			ClientSecret: "s3cret",
			Code:         code,
			RedirectURI:  "http://localhost:9098/cb",
			CodeVerifier: verifier,
		})
		So(err, ShouldBeNil)
		So(result.Token.Scope, ShouldEqual, "tickets:read")
		So(result.Token.CodeChallenge, ShouldNotBeEmpty)

		Convey("Replaying the code fails", func() {
			_, err := f.manager.ExchangeCode(ctx, &manage.ExchangeRequest{
				ClientID:     "agent-1",
				ClientSecret: "s3cret",
				Code:         code,
				RedirectURI:  "http://localhost:9098/cb",
				CodeVerifier: verifier,
			})
			So(err, ShouldEqual, errors.ErrInvalidGrant)
		})

		Convey("A redirect URI mismatch fails", func() {
			code2, err := f.manager.Authorize(ctx, &manage.AuthorizeRequest{
				ClientID:            "agent-1",
				RedirectURI:         "http://localhost:9098/cb",
				Scope:               []string{"tickets:read"},
				CodeChallenge:       s256Challenge(verifier),
				CodeChallengeMethod: agentgate.CodeChallengeS256,
			})
			So(err, ShouldBeNil)
			_, err = f.manager.ExchangeCode(ctx, &manage.ExchangeRequest{
				ClientID:     "agent-1",
				ClientSecret: "s3cret",
				Code:         code2,
				RedirectURI:  "http://evil.example/cb",
				CodeVerifier: verifier,
			})
			So(err, ShouldEqual, errors.ErrInvalidGrant)
		})
	})
}

func TestVerify(t *testing.T) {
	f := newFixture(t)
	f.seedAgent(t, "orchestrator", "s3cret", "tickets:admin")
	f.seedAgent(t, "worker", "s3cret", "tickets:admin")
	ctx := context.Background()

	parent, err := f.manager.ClientCredentialsToken(ctx, &manage.TokenRequest{
		ClientID:     "orchestrator",
		ClientSecret: "s3cret",
		Scope:        []string{"tickets:write"},
	})
	if err != nil {
		t.Fatalf("parent: %v", err)
	}
	child, err := f.manager.ClientCredentialsToken(ctx, &manage.TokenRequest{
		ClientID:     "worker",
		ClientSecret: "s3cret",
		Scope:        []string{"tickets:read"},
		ParentToken:  parent.Access,
	})
	if err != nil {
		t.Fatalf("child: %v", err)
	}

	Convey("Verification walks the lineage and reports it", t, func() {
		result, err := f.manager.Verify(ctx, &manage.VerifyRequest{
			Token: child.Access,
			Scope: []string{"tickets:read"},
		})
		So(err, ShouldBeNil)
		So(result.Lineage, ShouldResemble, []string{parent.Token.ID, child.Token.ID})
		So(result.LaunchedBy, ShouldEqual, "orchestrator")
	})

	Convey("A scope the token does not hold is refused", t, func() {
		_, err := f.manager.Verify(ctx, &manage.VerifyRequest{
			Token: child.Access,
			Scope: []string{"tickets:write"},
		})
		So(err, ShouldEqual, errors.ErrInsufficientScope)
	})

	Convey("Pinning the parent works both ways", t, func() {
		_, err := f.manager.Verify(ctx, &manage.VerifyRequest{
			Token:               child.Access,
			ExpectedParentToken: parent.Access,
		})
		So(err, ShouldBeNil)

		_, err = f.manager.Verify(ctx, &manage.VerifyRequest{
			Token:               parent.Access,
			ExpectedParentToken: child.Access,
		})
		So(err, ShouldEqual, errors.ErrLineageInvalid)
	})

	Convey("A revoked ancestor fails verification of the leaf", t, func() {
		// revoke only the parent row, simulating a cascade observed mid-flight
		err := f.tokens.MarkRevoked(ctx, parent.Token.ID, "client_request", time.Now().UTC())
		So(err, ShouldBeNil)

		_, err = f.manager.Verify(ctx, &manage.VerifyRequest{Token: child.Access})
		So(err, ShouldEqual, errors.ErrTokenRevoked)
	})
}

func TestVerifyClockSkew(t *testing.T) {
	f := newFixture(t)
	f.seedAgent(t, "agent-1", "s3cret", "tickets:admin")
	ctx := context.Background()

	base := time.Now().UTC()
	f.manager.SetClock(func() time.Time { return base })

	issued, err := f.manager.ClientCredentialsToken(ctx, &manage.TokenRequest{
		ClientID:     "agent-1",
		ClientSecret: "s3cret",
		Scope:        []string{"tickets:read"},
	})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	// 30 seconds past expiry
	f.manager.SetClock(func() time.Time { return issued.Token.ExpiresAt.Add(30 * time.Second) })

	Convey("An expired token fails without a skew allowance", t, func() {
		_, err := f.manager.Verify(ctx, &manage.VerifyRequest{Token: issued.Access})
		So(err, ShouldEqual, errors.ErrTokenExpired)
	})

	Convey("A skew allowance covering the drift passes", t, func() {
		_, err := f.manager.Verify(ctx, &manage.VerifyRequest{
			Token:     issued.Access,
			ClockSkew: time.Minute,
		})
		So(err, ShouldBeNil)
	})
}

func TestDelegatedIssuance(t *testing.T) {
	f := newFixture(t)
	f.seedAgent(t, "delegate", "s3cret", "tickets:admin")
	ctx := context.Background()

	grant, err := f.engine.CreateGrant(ctx, delegation.CreateGrantRequest{
		PrincipalType:      agentgate.PrincipalUser,
		PrincipalID:        "user-42",
		DelegateID:         "delegate",
		Scope:              []string{"tickets:write"},
		MaxDepth:           1,
		PrincipalAuthority: []string{"tickets:admin"},
	})
	if err != nil {
		t.Fatalf("grant: %v", err)
	}

	Convey("Issuance under a user grant records the human as initiator", t, func() {
		result, err := f.manager.ClientCredentialsToken(ctx, &manage.TokenRequest{
			ClientID:     "delegate",
			ClientSecret: "s3cret",
			Scope:        []string{"tickets:read"},
			GrantID:      grant.ID,
		})
		So(err, ShouldBeNil)
		So(result.Token.LaunchedBy, ShouldEqual, "user-42")
		So(result.Token.DelegationGrantID, ShouldEqual, grant.ID)
		So(result.Token.DelegationDepth, ShouldEqual, 0)

		Convey("A second hop under the same grant exceeds max_depth 1", func() {
			_, err := f.manager.ClientCredentialsToken(ctx, &manage.TokenRequest{
				ClientID:     "delegate",
				ClientSecret: "s3cret",
				Scope:        []string{"tickets:read"},
				ParentToken:  result.Access,
				GrantID:      grant.ID,
			})
			So(err, ShouldEqual, errors.ErrDepthExceeded)
		})
	})

	Convey("Only the named delegate may use the grant", t, func() {
		f.seedAgent(t, "impostor", "s3cret", "tickets:admin")
		_, err := f.manager.ClientCredentialsToken(ctx, &manage.TokenRequest{
			ClientID:     "impostor",
			ClientSecret: "s3cret",
			Scope:        []string{"tickets:read"},
			GrantID:      grant.ID,
		})
		So(err, ShouldEqual, errors.ErrInvalidGrant)
	})

	Convey("Revoking the grant kills every token minted under it", t, func() {
		result, err := f.manager.ClientCredentialsToken(ctx, &manage.TokenRequest{
			ClientID:     "delegate",
			ClientSecret: "s3cret",
			Scope:        []string{"tickets:read"},
			GrantID:      grant.ID,
		})
		So(err, ShouldBeNil)

		So(f.engine.Revoke(ctx, grant.ID), ShouldBeNil)

		info, err := f.manager.Introspect(ctx, result.Access)
		So(err, ShouldBeNil)
		So(info.Active, ShouldBeFalse)
	})
}

func TestFullInheritanceTierCeiling(t *testing.T) {
	f := newFixture(t)
	f.seedAgent(t, "orchestrator", "s3cret", "tickets:admin")
	f.seedAgent(t, "peer", "s3cret", "tickets:admin")
	f.seedAgent(t, "limited", "s3cret", "tickets:read")
	ctx := context.Background()

	parent, err := f.manager.ClientCredentialsToken(ctx, &manage.TokenRequest{
		ClientID:     "orchestrator",
		ClientSecret: "s3cret",
		Scope:        []string{"tickets:admin"},
		Inheritance:  agentgate.InheritFull,
	})
	if err != nil {
		t.Fatalf("parent token: %v", err)
	}

	Convey("Full inheritance cannot lift a child above its own tier", t, func() {
		_, err := f.manager.ClientCredentialsToken(ctx, &manage.TokenRequest{
			ClientID:     "limited",
			ClientSecret: "s3cret",
			Scope:        []string{"tickets:read"},
			ParentToken:  parent.Access,
			Inheritance:  agentgate.InheritFull,
		})
		So(err, ShouldEqual, errors.ErrInsufficientScope)
	})

	Convey("An agent whose tier covers the parent scope inherits it", t, func() {
		child, err := f.manager.ClientCredentialsToken(ctx, &manage.TokenRequest{
			ClientID:     "peer",
			ClientSecret: "s3cret",
			Scope:        []string{"tickets:read"},
			ParentToken:  parent.Access,
			Inheritance:  agentgate.InheritFull,
		})
		So(err, ShouldBeNil)
		So(child.Token.Scope, ShouldEqual, parent.Token.Scope)
	})
}

// lateIssuingStore mints a child of the cascade root the first time the
// cascade asks for the root's children, standing in for an issuance
// request that lands mid-revocation.
type lateIssuingStore struct {
	*store.MemoryTokenStore
	rootID    string
	child     *models.IssuedToken
	attempted bool
	createErr error
}

func (s *lateIssuingStore) Children(ctx context.Context, id string) ([]string, error) {
	if !s.attempted && id == s.rootID {
		s.attempted = true
		s.createErr = s.MemoryTokenStore.CreateToken(ctx, s.child)
	}
	return s.MemoryTokenStore.Children(ctx, id)
}

func TestRevocationCascadeVsConcurrentIssuance(t *testing.T) {
	f := newFixture(t)
	f.seedAgent(t, "orchestrator", "s3cret", "tickets:admin")
	ctx := context.Background()

	parent, err := f.manager.ClientCredentialsToken(ctx, &manage.TokenRequest{
		ClientID:     "orchestrator",
		ClientSecret: "s3cret",
		Scope:        []string{"tickets:read"},
	})
	if err != nil {
		t.Fatalf("parent token: %v", err)
	}

	now := time.Now().UTC()
	late := &models.IssuedToken{
		ID:            "late-child",
		AgentID:       "orchestrator",
		AccessHash:    store.HashToken("late-access"),
		ParentTokenID: parent.Token.ID,
		IssuedAt:      now,
		ExpiresAt:     now.Add(time.Hour),
	}
	wrapped := &lateIssuingStore{MemoryTokenStore: f.tokens, rootID: parent.Token.ID, child: late}
	f.manager.MapTokenStorage(wrapped)

	Convey("A child requested while the cascade runs cannot survive it", t, func() {
		err := f.manager.Revoke(ctx, &manage.RevokeRequest{
			ClientID:     "orchestrator",
			ClientSecret: "s3cret",
			Token:        parent.Access,
		})
		So(err, ShouldBeNil)
		So(wrapped.attempted, ShouldBeTrue)

		// the root was already marked revoked, so the store refused the link
		So(wrapped.createErr, ShouldEqual, errors.ErrParentInactive)
		_, err = f.tokens.GetToken(ctx, "late-child")
		So(err, ShouldEqual, errors.ErrTokenNotFound)
	})
}

func TestLineageAfterCatalogReload(t *testing.T) {
	f := newFixture(t)
	f.seedAgent(t, "orchestrator", "s3cret", "")
	f.seedAgent(t, "worker", "s3cret", "")
	ctx := context.Background()

	parent, err := f.manager.ClientCredentialsToken(ctx, &manage.TokenRequest{
		ClientID:     "orchestrator",
		ClientSecret: "s3cret",
		Scope:        []string{"tickets:write"},
	})
	if err != nil {
		t.Fatalf("parent token: %v", err)
	}

	// a reloaded catalog that no longer carries the parent's scope
	reloaded, err := scope.NewCatalog([]scope.Definition{{Name: "tickets:read"}})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	f.manager.MapCatalog(reloaded)

	Convey("A parent scope dropped from the catalog surfaces as unknown_scope", t, func() {
		_, err := f.manager.ClientCredentialsToken(ctx, &manage.TokenRequest{
			ClientID:     "worker",
			ClientSecret: "s3cret",
			Scope:        []string{"tickets:read"},
			ParentToken:  parent.Access,
		})
		So(err, ShouldEqual, errors.ErrUnknownScope)
	})
}
