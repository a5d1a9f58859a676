package models

import (
	"time"

	"gorm.io/gorm"
)

type User struct {
	ID                 string `gorm:"primaryKey;size:36"                 json:"id"`
	Username           string `gorm:"size:256;not null"                  json:"username"`
	NormalizedUsername string `gorm:"size:256;not null;uniqueIndex"      json:"-"`
	FirstName          string `gorm:"size:256"                           json:"firstName"`
	LastName           string `gorm:"size:256"                           json:"lastName"`
	NormalizedFirst    string `gorm:"size:256;index:idx_users_name"      json:"-"`
	NormalizedLast     string `gorm:"size:256;index:idx_users_name"      json:"-"`
	PasswordHash       string `gorm:"not null"                           json:"-"`
	Version            int64  `gorm:"not null;default:1"                 json:"-"`

	Roles         []UserRole     `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE" json:"-"`
	RefreshTokens []RefreshToken `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE" json:"-"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// RoleNames lists the names of the preloaded roles in assignment order.
func (u *User) RoleNames() []string {
	names := make([]string, 0, len(u.Roles))
	for _, ur := range u.Roles {
		names = append(names, ur.Role.Name)
	}
	return names
}

func (u *User) HasRole(name string) bool {
	for _, ur := range u.Roles {
		if ur.Role.Name == name {
			return true
		}
	}
	return false
}

type Role struct {
	ID             string    `gorm:"primaryKey;size:36"            json:"id"`
	Name           string    `gorm:"size:256;not null"             json:"name"`
	NormalizedName string    `gorm:"size:256;not null;uniqueIndex" json:"-"`
	CreatedAt      time.Time `json:"createdAt"`
}

type UserRole struct {
	UserID     string    `gorm:"primaryKey;size:36"`
	RoleID     string    `gorm:"primaryKey;size:36"`
	Role       Role      `gorm:"foreignKey:RoleID;constraint:OnDelete:RESTRICT"`
	AssignedAt time.Time `gorm:"not null"`
}

// RefreshToken keeps only the SHA-256 of the token string handed to the client.
type RefreshToken struct {
	TokenHash string    `gorm:"primaryKey;size:64"`
	UserID    string    `gorm:"size:36;not null;index"`
	IssuedAt  time.Time `gorm:"not null;index"`
	ExpiresAt time.Time `gorm:"not null"`
}

func (t *RefreshToken) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// RevokedToken remembers every refresh token that left the active set so the
// same string can neither validate nor be handed out again. Tombstones outlive
// their user, hence no foreign key.
type RevokedToken struct {
	TokenHash string    `gorm:"primaryKey;size:64"`
	UserID    string    `gorm:"size:36;not null;index"`
	RevokedAt time.Time `gorm:"not null"`
}

func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&User{}, &Role{}, &UserRole{}, &RefreshToken{}, &RevokedToken{})
}
