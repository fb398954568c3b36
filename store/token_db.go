package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/agentgate/agentgate/errors"
	"github.com/agentgate/agentgate/models"
)

// DBTokenStore is the gorm-backed credential store used in production.
// Atomicity guarantees come from row locks and conditional updates inside
// transactions, never from pre-checks.
type DBTokenStore struct {
	DB *gorm.DB
}

// NewDBTokenStore creates a database-backed token store.
func NewDBTokenStore(db *gorm.DB) *DBTokenStore {
	return &DBTokenStore{DB: db}
}

// CreateToken persists a token. When a parent is present, the parent row is
// locked and its revocation state re-checked inside the same transaction
// that inserts the child, so issuance cannot race a concurrent cascade.
func (s *DBTokenStore) CreateToken(ctx context.Context, ti *models.IssuedToken) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if ti.ParentTokenID != "" {
			var parent models.IssuedToken
			err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				Where("id = ?", ti.ParentTokenID).
				First(&parent).Error
			if err == gorm.ErrRecordNotFound {
				return errors.ErrTokenNotFound
			} else if err != nil {
				return fmt.Errorf("lock parent token: %w", err)
			}
			// revocation only; expiry rules are the engine's concern
			if parent.Revoked {
				return errors.ErrParentInactive
			}
			if err := checkCycle(tx, &parent, ti.ID); err != nil {
				return err
			}
		}
		if err := tx.Create(ti).Error; err != nil {
			return fmt.Errorf("create token: %w", err)
		}
		return nil
	})
}

func checkCycle(tx *gorm.DB, parent *models.IssuedToken, candidateID string) error {
	cur := parent
	for hops := 0; ; hops++ {
		if cur.ID == candidateID || hops > maxChainLength {
			return errors.ErrLineageCycle
		}
		if cur.ParentTokenID == "" {
			return nil
		}
		var next models.IssuedToken
		if err := tx.Where("id = ?", cur.ParentTokenID).First(&next).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return errors.ErrLineageInvalid
			}
			return fmt.Errorf("walk ancestor chain: %w", err)
		}
		cur = &next
	}
}

// GetToken returns a token by id.
func (s *DBTokenStore) GetToken(ctx context.Context, id string) (*models.IssuedToken, error) {
	var ti models.IssuedToken
	err := s.DB.WithContext(ctx).Where("id = ?", id).First(&ti).Error
	if err == gorm.ErrRecordNotFound {
		return nil, errors.ErrTokenNotFound
	} else if err != nil {
		return nil, err
	}
	return &ti, nil
}

// GetTokenByAccess resolves a token by its hashed access token value.
func (s *DBTokenStore) GetTokenByAccess(ctx context.Context, accessHash string) (*models.IssuedToken, error) {
	var ti models.IssuedToken
	err := s.DB.WithContext(ctx).Where("access_hash = ?", accessHash).First(&ti).Error
	if err == gorm.ErrRecordNotFound {
		return nil, errors.ErrTokenNotFound
	} else if err != nil {
		return nil, err
	}
	return &ti, nil
}

// GetTokenByRefresh resolves a token by its hashed refresh token value.
func (s *DBTokenStore) GetTokenByRefresh(ctx context.Context, refreshHash string) (*models.IssuedToken, error) {
	var ti models.IssuedToken
	err := s.DB.WithContext(ctx).Where("refresh_hash = ?", refreshHash).First(&ti).Error
	if err == gorm.ErrRecordNotFound {
		return nil, errors.ErrTokenNotFound
	} else if err != nil {
		return nil, err
	}
	return &ti, nil
}

// ConsumeRefreshToken flips refresh_consumed with a conditional update;
// exactly one caller observes RowsAffected == 1.
func (s *DBTokenStore) ConsumeRefreshToken(ctx context.Context, refreshHash string) (*models.IssuedToken, error) {
	var out *models.IssuedToken
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.IssuedToken{}).
			Where("refresh_hash = ? AND refresh_consumed = ?", refreshHash, false).
			Update("refresh_consumed", true)
		if res.Error != nil {
			return fmt.Errorf("consume refresh token: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			var ti models.IssuedToken
			err := tx.Where("refresh_hash = ?", refreshHash).First(&ti).Error
			if err == gorm.ErrRecordNotFound {
				return errors.ErrTokenNotFound
			} else if err != nil {
				return err
			}
			return errors.ErrRefreshConsumed
		}
		var ti models.IssuedToken
		if err := tx.Where("refresh_hash = ?", refreshHash).First(&ti).Error; err != nil {
			return err
		}
		out = &ti
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MarkRevoked sets the terminal revoked state on a single token.
func (s *DBTokenStore) MarkRevoked(ctx context.Context, id, reason string, at time.Time) error {
	res := s.DB.WithContext(ctx).Model(&models.IssuedToken{}).
		Where("id = ? AND revoked = ?", id, false).
		Updates(map[string]interface{}{
			"revoked":       true,
			"revoked_at":    at,
			"revoke_reason": reason,
		})
	if res.Error != nil {
		return fmt.Errorf("mark revoked: %w", res.Error)
	}
	return nil
}

// Descendants traverses the parent-pointer index level by level.
func (s *DBTokenStore) Descendants(ctx context.Context, id string) ([]string, error) {
	var out []string
	frontier := []string{id}
	for len(frontier) > 0 {
		var ids []string
		err := s.DB.WithContext(ctx).Model(&models.IssuedToken{}).
			Where("parent_token_id IN ?", frontier).
			Pluck("id", &ids).Error
		if err != nil {
			return nil, fmt.Errorf("descendants: %w", err)
		}
		out = append(out, ids...)
		frontier = ids
		if len(out) > maxChainLength*maxChainLength {
			return nil, errors.ErrLineageInvalid
		}
	}
	return out, nil
}

// Children returns the ids of a token's direct children.
func (s *DBTokenStore) Children(ctx context.Context, id string) ([]string, error) {
	var ids []string
	err := s.DB.WithContext(ctx).Model(&models.IssuedToken{}).
		Where("parent_token_id = ?", id).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("children: %w", err)
	}
	return ids, nil
}

// AncestorChain returns the token's lineage root-to-leaf.
func (s *DBTokenStore) AncestorChain(ctx context.Context, id string) ([]*models.IssuedToken, error) {
	var chain []*models.IssuedToken
	cur, err := s.GetToken(ctx, id)
	if err != nil {
		return nil, err
	}
	for {
		chain = append(chain, cur)
		if cur.ParentTokenID == "" {
			break
		}
		if len(chain) > maxChainLength {
			return nil, errors.ErrLineageInvalid
		}
		next, err := s.GetToken(ctx, cur.ParentTokenID)
		if err == errors.ErrTokenNotFound {
			return nil, errors.ErrLineageInvalid
		} else if err != nil {
			return nil, err
		}
		cur = next
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// RevokedIDs returns the ids of revoked tokens that are still inside
// their lifetime; expired rows are excluded to keep the digest small.
func (s *DBTokenStore) RevokedIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.DB.WithContext(ctx).Model(&models.IssuedToken{}).
		Where("revoked = ? AND expires_at > ?", true, time.Now().UTC()).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("revoked ids: %w", err)
	}
	return ids, nil
}

// TokensByGrant returns the ids of tokens minted directly under a grant.
func (s *DBTokenStore) TokensByGrant(ctx context.Context, grantID string) ([]string, error) {
	var ids []string
	err := s.DB.WithContext(ctx).Model(&models.IssuedToken{}).
		Where("delegation_grant_id = ?", grantID).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("tokens by grant: %w", err)
	}
	return ids, nil
}

// CreateAuthorizationCode persists a new authorization code.
func (s *DBTokenStore) CreateAuthorizationCode(ctx context.Context, code *models.AuthorizationCode) error {
	return s.DB.WithContext(ctx).Create(code).Error
}

// ConsumeAuthorizationCode consumes a code with a conditional update so
// concurrent exchanges get exactly one winner.
func (s *DBTokenStore) ConsumeAuthorizationCode(ctx context.Context, codeHash string, at time.Time) (*models.AuthorizationCode, error) {
	var out *models.AuthorizationCode
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.AuthorizationCode{}).
			Where("code_hash = ? AND consumed = ?", codeHash, false).
			Updates(map[string]interface{}{"consumed": true, "consumed_at": at})
		if res.Error != nil {
			return fmt.Errorf("consume code: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			var code models.AuthorizationCode
			err := tx.Where("code_hash = ?", codeHash).First(&code).Error
			if err == gorm.ErrRecordNotFound {
				return errors.ErrCodeNotFound
			} else if err != nil {
				return err
			}
			return errors.ErrCodeConsumed
		}
		var code models.AuthorizationCode
		if err := tx.Where("code_hash = ?", codeHash).First(&code).Error; err != nil {
			return err
		}
		out = &code
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
