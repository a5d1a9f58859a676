package repo

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/Skotchmaster/identity/internal/domain"
	"github.com/Skotchmaster/identity/internal/models"
)

// CreateUser inserts u together with links to the named roles. Role names are
// normalized already; an unknown one aborts the whole insert.
func (r *GormRepo) CreateUser(ctx context.Context, u *models.User, normalizedRoles []string) error {
	err := r.transaction(ctx, func(tx *gorm.DB) error {
		var taken int64
		if err := tx.Model(&models.User{}).Where("normalized_username = ?", u.NormalizedUsername).Count(&taken).Error; err != nil {
			return err
		}
		if taken > 0 {
			return domain.ErrUsernameTaken
		}

		now := r.now()
		u.Version = 1
		u.CreatedAt, u.UpdatedAt = now, now
		if err := tx.Omit("Roles", "RefreshTokens").Create(u).Error; err != nil {
			return err
		}

		u.Roles = u.Roles[:0]
		for _, name := range normalizedRoles {
			var role models.Role
			if err := tx.Where("normalized_name = ?", name).First(&role).Error; err != nil {
				return notFound(err, domain.ErrRoleNotFound)
			}
			link := models.UserRole{UserID: u.ID, RoleID: role.ID, AssignedAt: now}
			if err := tx.Omit("Role").Create(&link).Error; err != nil {
				return err
			}
			link.Role = role
			u.Roles = append(u.Roles, link)
		}
		return nil
	})
	if err == nil || !errors.Is(err, domain.ErrPersistence) {
		return err
	}

	// lost a race on the unique index
	var taken int64
	if cerr := r.db(ctx).Model(&models.User{}).Where("normalized_username = ?", u.NormalizedUsername).Count(&taken).Error; cerr == nil && taken > 0 {
		return domain.ErrUsernameTaken
	}
	return err
}

func (r *GormRepo) FindUserByID(ctx context.Context, id string) (*models.User, error) {
	var u models.User
	if err := preloadAggregate(r.db(ctx)).Where("id = ?", id).First(&u).Error; err != nil {
		return nil, domain.Persistence(notFound(err, domain.ErrUserNotFound))
	}
	return &u, nil
}

func (r *GormRepo) FindUserByNormalizedUsername(ctx context.Context, normalized string) (*models.User, error) {
	var u models.User
	if err := preloadAggregate(r.db(ctx)).Where("normalized_username = ?", normalized).First(&u).Error; err != nil {
		return nil, domain.Persistence(notFound(err, domain.ErrUserNotFound))
	}
	return &u, nil
}

// SearchUsersByName matches folded prefixes of first and last name in either
// pairing.
func (r *GormRepo) SearchUsersByName(ctx context.Context, first, last string) ([]models.User, error) {
	f, l := likePrefix(first), likePrefix(last)
	var users []models.User
	err := preloadAggregate(r.db(ctx)).
		Where(
			`(normalized_first LIKE ? ESCAPE '\' AND normalized_last LIKE ? ESCAPE '\') OR (normalized_first LIKE ? ESCAPE '\' AND normalized_last LIKE ? ESCAPE '\')`,
			f, l, l, f,
		).
		Order("normalized_username").
		Find(&users).Error
	if err != nil {
		return nil, domain.Persistence(err)
	}
	return users, nil
}

func (r *GormRepo) ListUsers(ctx context.Context, offset, limit int) ([]models.User, int64, error) {
	var total int64
	if err := r.db(ctx).Model(&models.User{}).Count(&total).Error; err != nil {
		return nil, 0, domain.Persistence(err)
	}
	var users []models.User
	err := preloadAggregate(r.db(ctx)).
		Order("normalized_username").
		Offset(offset).
		Limit(limit).
		Find(&users).Error
	if err != nil {
		return nil, 0, domain.Persistence(err)
	}
	return users, total, nil
}

// AddUserRole links the role to the user. The role lookup and the insert share
// one transaction, and the foreign key on role_id backs the lookup. It reports
// whether a new link was written.
func (r *GormRepo) AddUserRole(ctx context.Context, userID, normalizedRole string) (bool, error) {
	added := false
	err := r.transaction(ctx, func(tx *gorm.DB) error {
		var role models.Role
		if err := tx.Where("normalized_name = ?", normalizedRole).First(&role).Error; err != nil {
			return notFound(err, domain.ErrRoleNotFound)
		}
		if err := r.touchUser(tx, userID, -1); err != nil {
			return err
		}

		var n int64
		if err := tx.Model(&models.UserRole{}).Where("user_id = ? AND role_id = ?", userID, role.ID).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
		link := models.UserRole{UserID: userID, RoleID: role.ID, AssignedAt: r.now()}
		if err := tx.Omit("Role").Create(&link).Error; err != nil {
			return err
		}
		added = true
		return nil
	})
	return added, err
}

// UpdatePasswordHash swaps the digest if the user is still at expectedVersion
// and revokes every refresh token of the user in the same transaction.
func (r *GormRepo) UpdatePasswordHash(ctx context.Context, userID string, expectedVersion int64, digest string) (int, error) {
	revoked := 0
	err := r.transaction(ctx, func(tx *gorm.DB) error {
		if err := r.touchUser(tx, userID, expectedVersion); err != nil {
			return err
		}
		if err := tx.Model(&models.User{}).Where("id = ?", userID).Update("password_hash", digest).Error; err != nil {
			return err
		}
		var tokens []models.RefreshToken
		if err := tx.Where("user_id = ?", userID).Find(&tokens).Error; err != nil {
			return err
		}
		revoked = len(tokens)
		return r.tombstone(tx, tokens)
	})
	return revoked, err
}

// DeleteUser removes the user, its role links and its refresh tokens. The
// tokens are tombstoned first so their strings stay dead.
func (r *GormRepo) DeleteUser(ctx context.Context, userID string) error {
	return r.transaction(ctx, func(tx *gorm.DB) error {
		var tokens []models.RefreshToken
		if err := tx.Where("user_id = ?", userID).Find(&tokens).Error; err != nil {
			return err
		}
		if err := r.tombstone(tx, tokens); err != nil {
			return err
		}
		if err := tx.Where("user_id = ?", userID).Delete(&models.UserRole{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", userID).Delete(&models.User{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.ErrUserNotFound
		}
		return nil
	})
}
