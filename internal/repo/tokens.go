package repo

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/Skotchmaster/identity/internal/domain"
	"github.com/Skotchmaster/identity/internal/models"
)

var ErrTokenCollision = fmt.Errorf("%w: refresh token hash already used", domain.ErrPersistence)

func (r *GormRepo) hashUsed(tx *gorm.DB, hash string) error {
	var active, revoked int64
	if err := tx.Model(&models.RefreshToken{}).Where("token_hash = ?", hash).Count(&active).Error; err != nil {
		return err
	}
	if err := tx.Model(&models.RevokedToken{}).Where("token_hash = ?", hash).Count(&revoked).Error; err != nil {
		return err
	}
	if active+revoked > 0 {
		return ErrTokenCollision
	}
	return nil
}

// pruneExpired tombstones the user's refresh tokens that are past expiry.
func (r *GormRepo) pruneExpired(tx *gorm.DB, userID string) error {
	var expired []models.RefreshToken
	if err := tx.Where("user_id = ? AND expires_at <= ?", userID, r.now()).Find(&expired).Error; err != nil {
		return err
	}
	return r.tombstone(tx, expired)
}

// InsertRefreshToken adds t to its user's active set. Expired tokens of the
// same user are retired in the same transaction.
func (r *GormRepo) InsertRefreshToken(ctx context.Context, t *models.RefreshToken) error {
	return r.transaction(ctx, func(tx *gorm.DB) error {
		if err := r.touchUser(tx, t.UserID, -1); err != nil {
			return err
		}
		if err := r.pruneExpired(tx, t.UserID); err != nil {
			return err
		}
		if err := r.hashUsed(tx, t.TokenHash); err != nil {
			return err
		}
		return tx.Create(t).Error
	})
}

// FindRefreshToken returns the active token with the given hash, expired or
// not. A hash that was revoked yields ErrTokenRevoked.
func (r *GormRepo) FindRefreshToken(ctx context.Context, hash string) (*models.RefreshToken, error) {
	var t models.RefreshToken
	err := r.db(ctx).Where("token_hash = ?", hash).First(&t).Error
	if err == nil {
		return &t, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.Persistence(err)
	}
	if _, rerr := r.FindRevokedToken(ctx, hash); rerr == nil {
		return nil, domain.ErrTokenRevoked
	} else if !errors.Is(rerr, domain.ErrTokenNotFound) {
		return nil, rerr
	}
	return nil, domain.ErrTokenNotFound
}

func (r *GormRepo) FindRevokedToken(ctx context.Context, hash string) (*models.RevokedToken, error) {
	var t models.RevokedToken
	if err := r.db(ctx).Where("token_hash = ?", hash).First(&t).Error; err != nil {
		return nil, domain.Persistence(notFound(err, domain.ErrTokenNotFound))
	}
	return &t, nil
}

// RemoveRefreshToken revokes one token of the user. Absent tokens are a no-op.
func (r *GormRepo) RemoveRefreshToken(ctx context.Context, userID, hash string) (bool, error) {
	removed := false
	err := r.transaction(ctx, func(tx *gorm.DB) error {
		var tokens []models.RefreshToken
		if err := tx.Where("user_id = ? AND token_hash = ?", userID, hash).Find(&tokens).Error; err != nil {
			return err
		}
		if len(tokens) == 0 {
			return nil
		}
		if err := r.touchUser(tx, userID, -1); err != nil {
			return err
		}
		removed = true
		return r.tombstone(tx, tokens)
	})
	return removed, err
}

// RemoveAllRefreshTokens revokes every token of the user and reports how many
// were active.
func (r *GormRepo) RemoveAllRefreshTokens(ctx context.Context, userID string) (int, error) {
	count := 0
	err := r.transaction(ctx, func(tx *gorm.DB) error {
		var tokens []models.RefreshToken
		if err := tx.Where("user_id = ?", userID).Find(&tokens).Error; err != nil {
			return err
		}
		if len(tokens) == 0 {
			return nil
		}
		if err := r.touchUser(tx, userID, -1); err != nil {
			return err
		}
		count = len(tokens)
		return r.tombstone(tx, tokens)
	})
	return count, err
}

// RotateRefreshToken replaces oldHash by next in one transaction. The old token
// must be active, unexpired and owned by next.UserID.
func (r *GormRepo) RotateRefreshToken(ctx context.Context, oldHash string, next *models.RefreshToken) error {
	return r.transaction(ctx, func(tx *gorm.DB) error {
		var old models.RefreshToken
		if err := tx.Where("token_hash = ?", oldHash).First(&old).Error; err != nil {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
			var n int64
			if err := tx.Model(&models.RevokedToken{}).Where("token_hash = ?", oldHash).Count(&n).Error; err != nil {
				return err
			}
			if n > 0 {
				return domain.ErrTokenRevoked
			}
			return domain.ErrTokenNotFound
		}
		if old.UserID != next.UserID {
			return domain.ErrTokenNotFound
		}
		if old.Expired(r.now()) {
			return domain.ErrTokenExpired
		}

		if err := r.touchUser(tx, old.UserID, -1); err != nil {
			return err
		}
		if err := r.tombstone(tx, []models.RefreshToken{old}); err != nil {
			return err
		}
		if err := r.pruneExpired(tx, old.UserID); err != nil {
			return err
		}
		if err := r.hashUsed(tx, next.TokenHash); err != nil {
			return err
		}
		return tx.Create(next).Error
	})
}
