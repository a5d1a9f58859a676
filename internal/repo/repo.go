package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Skotchmaster/identity/internal/domain"
	"github.com/Skotchmaster/identity/internal/models"
)

// GormRepo stores the user aggregate (user, role links, refresh tokens) and the
// role catalogue. Every mutation of a user runs in one transaction that also
// bumps users.version, so concurrent writers of the same user conflict in the
// database even when they bypass the per-user lock.
type GormRepo struct {
	DB  *gorm.DB
	Now func() time.Time
}

func New(db *gorm.DB) *GormRepo {
	return &GormRepo{DB: db}
}

func (r *GormRepo) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

func (r *GormRepo) db(ctx context.Context) *gorm.DB {
	return r.DB.WithContext(ctx)
}

func (r *GormRepo) transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return domain.Persistence(r.db(ctx).Transaction(fn))
}

// touchUser bumps the aggregate version. expected < 0 skips the version check.
func (r *GormRepo) touchUser(tx *gorm.DB, userID string, expected int64) error {
	q := tx.Model(&models.User{}).Where("id = ?", userID)
	if expected >= 0 {
		q = q.Where("version = ?", expected)
	}
	res := q.Updates(map[string]any{
		"version":    gorm.Expr("version + 1"),
		"updated_at": r.now(),
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 1 {
		return nil
	}

	var n int64
	if err := tx.Model(&models.User{}).Where("id = ?", userID).Count(&n).Error; err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrUserNotFound
	}
	return domain.ErrConcurrentUpdate
}

// tombstone moves tokens out of the active set and records them as revoked.
func (r *GormRepo) tombstone(tx *gorm.DB, tokens []models.RefreshToken) error {
	if len(tokens) == 0 {
		return nil
	}
	now := r.now()
	revoked := make([]models.RevokedToken, 0, len(tokens))
	hashes := make([]string, 0, len(tokens))
	for _, t := range tokens {
		revoked = append(revoked, models.RevokedToken{TokenHash: t.TokenHash, UserID: t.UserID, RevokedAt: now})
		hashes = append(hashes, t.TokenHash)
	}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&revoked).Error; err != nil {
		return err
	}
	return tx.Where("token_hash IN ?", hashes).Delete(&models.RefreshToken{}).Error
}

func likePrefix(s string) string {
	s = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
	return s + "%"
}

func notFound(err error, target error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return target
	}
	return err
}

func preloadAggregate(db *gorm.DB) *gorm.DB {
	return db.
		Preload("Roles", func(db *gorm.DB) *gorm.DB { return db.Order("assigned_at, role_id") }).
		Preload("Roles.Role").
		Preload("RefreshTokens", func(db *gorm.DB) *gorm.DB { return db.Order("issued_at, token_hash") })
}
