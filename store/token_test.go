package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/agentgate/agentgate/errors"
	"github.com/agentgate/agentgate/models"
)

func newToken(id, parent string) *models.IssuedToken {
	now := time.Now().UTC()
	return &models.IssuedToken{
		ID:            id,
		AgentID:       "agent-1",
		AccessHash:    HashToken("access-" + id),
		RefreshHash:   HashToken("refresh-" + id),
		ParentTokenID: parent,
		IssuedAt:      now,
		ExpiresAt:     now.Add(time.Hour),
	}
}

func TestCreateTokenRefusesRevokedParent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryTokenStore()

	if err := s.CreateToken(ctx, newToken("root", "")); err != nil {
		t.Fatalf("create root: %v", err)
	}
	if err := s.MarkRevoked(ctx, "root", "client_request", time.Now().UTC()); err != nil {
		t.Fatalf("revoke root: %v", err)
	}
	if err := s.CreateToken(ctx, newToken("child", "root")); err != errors.ErrParentInactive {
		t.Fatalf("create under revoked parent = %v, want ErrParentInactive", err)
	}
}

func TestCreateTokenAllowsExpiredParent(t *testing.T) {
	// refresh rotation links a replacement to an expired predecessor; only
	// revocation blocks the link at the store layer
	ctx := context.Background()
	s := NewMemoryTokenStore()

	old := newToken("old", "")
	old.ExpiresAt = time.Now().UTC().Add(-time.Hour)
	if err := s.CreateToken(ctx, old); err != nil {
		t.Fatalf("create old: %v", err)
	}
	if err := s.CreateToken(ctx, newToken("replacement", "old")); err != nil {
		t.Fatalf("create replacement under expired parent: %v", err)
	}
}

func TestCreateTokenUnknownParent(t *testing.T) {
	s := NewMemoryTokenStore()
	if err := s.CreateToken(context.Background(), newToken("orphan", "ghost")); err != errors.ErrTokenNotFound {
		t.Fatalf("create under unknown parent = %v, want ErrTokenNotFound", err)
	}
}

func TestConsumeRefreshTokenExactlyOnce(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryTokenStore()
	if err := s.CreateToken(ctx, newToken("t1", "")); err != nil {
		t.Fatalf("create: %v", err)
	}

	hash := HashToken("refresh-t1")
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, losses := 0, 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ConsumeRefreshToken(ctx, hash)
			mu.Lock()
			defer mu.Unlock()
			switch err {
			case nil:
				wins++
			case errors.ErrRefreshConsumed:
				losses++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if wins != 1 || losses != 15 {
		t.Fatalf("wins=%d losses=%d, want exactly one winner", wins, losses)
	}
}

func TestConsumeAuthorizationCodeExactlyOnce(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryTokenStore()
	now := time.Now().UTC()
	code := &models.AuthorizationCode{
		ID:        "c1",
		CodeHash:  HashToken("the-code"),
		ClientID:  "agent-1",
		IssuedAt:  now,
		ExpiresAt: now.Add(10 * time.Minute),
	}
	if err := s.CreateAuthorizationCode(ctx, code); err != nil {
		t.Fatalf("create code: %v", err)
	}

	if _, err := s.ConsumeAuthorizationCode(ctx, code.CodeHash, now); err != nil {
		t.Fatalf("first consume: %v", err)
	}
	if _, err := s.ConsumeAuthorizationCode(ctx, code.CodeHash, now); err != errors.ErrCodeConsumed {
		t.Fatalf("second consume = %v, want ErrCodeConsumed", err)
	}
	if _, err := s.ConsumeAuthorizationCode(ctx, HashToken("never-issued"), now); err != errors.ErrCodeNotFound {
		t.Fatalf("unknown code = %v, want ErrCodeNotFound", err)
	}
}

func TestDescendantsAndAncestorChain(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryTokenStore()

	// root -> a -> b, root -> c
	for _, pair := range [][2]string{{"root", ""}, {"a", "root"}, {"b", "a"}, {"c", "root"}} {
		if err := s.CreateToken(ctx, newToken(pair[0], pair[1])); err != nil {
			t.Fatalf("create %s: %v", pair[0], err)
		}
	}

	desc, err := s.Descendants(ctx, "root")
	if err != nil {
		t.Fatalf("Descendants: %v", err)
	}
	want := map[string]bool{"a": true, "b": true, "c": true}
	if len(desc) != len(want) {
		t.Fatalf("Descendants = %v, want a,b,c", desc)
	}
	for _, id := range desc {
		if !want[id] {
			t.Fatalf("unexpected descendant %s", id)
		}
	}

	chain, err := s.AncestorChain(ctx, "b")
	if err != nil {
		t.Fatalf("AncestorChain: %v", err)
	}
	var ids []string
	for _, ti := range chain {
		ids = append(ids, ti.ID)
	}
	if len(ids) != 3 || ids[0] != "root" || ids[1] != "a" || ids[2] != "b" {
		t.Fatalf("AncestorChain = %v, want [root a b]", ids)
	}
}

func TestMarkRevokedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryTokenStore()
	if err := s.CreateToken(ctx, newToken("t1", "")); err != nil {
		t.Fatalf("create: %v", err)
	}

	at := time.Now().UTC()
	if err := s.MarkRevoked(ctx, "t1", "client_request", at); err != nil {
		t.Fatalf("first revoke: %v", err)
	}
	if err := s.MarkRevoked(ctx, "t1", models.RevokeReasonAncestor, at.Add(time.Minute)); err != nil {
		t.Fatalf("second revoke: %v", err)
	}

	ti, err := s.GetToken(ctx, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ti.RevokeReason != "client_request" {
		t.Errorf("RevokeReason = %q, the first revocation should stick", ti.RevokeReason)
	}
}

func TestTokensByGrant(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryTokenStore()

	t1 := newToken("g1-a", "")
	t1.DelegationGrantID = "grant-1"
	t2 := newToken("g1-b", "")
	t2.DelegationGrantID = "grant-1"
	t3 := newToken("other", "")
	for _, ti := range []*models.IssuedToken{t1, t2, t3} {
		if err := s.CreateToken(ctx, ti); err != nil {
			t.Fatalf("create %s: %v", ti.ID, err)
		}
	}

	ids, err := s.TokensByGrant(ctx, "grant-1")
	if err != nil {
		t.Fatalf("TokensByGrant: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("TokensByGrant = %v, want two tokens", ids)
	}
}

func TestGetTokenByAccessAndRefresh(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryTokenStore()
	if err := s.CreateToken(ctx, newToken("t1", "")); err != nil {
		t.Fatalf("create: %v", err)
	}

	if ti, err := s.GetTokenByAccess(ctx, HashToken("access-t1")); err != nil || ti.ID != "t1" {
		t.Errorf("GetTokenByAccess = %v, %v", ti, err)
	}
	if ti, err := s.GetTokenByRefresh(ctx, HashToken("refresh-t1")); err != nil || ti.ID != "t1" {
		t.Errorf("GetTokenByRefresh = %v, %v", ti, err)
	}
	if _, err := s.GetTokenByAccess(ctx, HashToken("nope")); err != errors.ErrTokenNotFound {
		t.Errorf("unknown access = %v, want ErrTokenNotFound", err)
	}
}

func TestRevokedIDsSkipsExpiredRows(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryTokenStore()

	live := newToken("live", "")
	revoked := newToken("revoked", "")
	stale := newToken("stale", "")
	stale.ExpiresAt = time.Now().UTC().Add(-time.Hour)
	for _, ti := range []*models.IssuedToken{live, revoked, stale} {
		if err := s.CreateToken(ctx, ti); err != nil {
			t.Fatalf("create %s: %v", ti.ID, err)
		}
	}
	at := time.Now().UTC()
	if err := s.MarkRevoked(ctx, "revoked", "client_request", at); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if err := s.MarkRevoked(ctx, "stale", "client_request", at); err != nil {
		t.Fatalf("revoke stale: %v", err)
	}

	ids, err := s.RevokedIDs(ctx)
	if err != nil {
		t.Fatalf("RevokedIDs: %v", err)
	}
	if len(ids) != 1 || ids[0] != "revoked" {
		t.Errorf("RevokedIDs = %v, want only the unexpired revoked token", ids)
	}
}
