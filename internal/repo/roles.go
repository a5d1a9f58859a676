package repo

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/Skotchmaster/identity/internal/domain"
	"github.com/Skotchmaster/identity/internal/models"
)

func (r *GormRepo) CreateRole(ctx context.Context, role *models.Role) error {
	err := r.transaction(ctx, func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&models.Role{}).Where("normalized_name = ?", role.NormalizedName).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return domain.ErrRoleExists
		}
		role.CreatedAt = r.now()
		return tx.Create(role).Error
	})
	if err == nil || !errors.Is(err, domain.ErrPersistence) {
		return err
	}
	if _, ferr := r.FindRole(ctx, role.NormalizedName); ferr == nil {
		return domain.ErrRoleExists
	}
	return err
}

func (r *GormRepo) FindRole(ctx context.Context, normalized string) (*models.Role, error) {
	var role models.Role
	if err := r.db(ctx).Where("normalized_name = ?", normalized).First(&role).Error; err != nil {
		return nil, domain.Persistence(notFound(err, domain.ErrRoleNotFound))
	}
	return &role, nil
}

func (r *GormRepo) ListRoles(ctx context.Context) ([]models.Role, error) {
	var roles []models.Role
	if err := r.db(ctx).Order("normalized_name").Find(&roles).Error; err != nil {
		return nil, domain.Persistence(err)
	}
	return roles, nil
}
