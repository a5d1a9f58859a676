package credentials

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/Skotchmaster/identity/internal/domain"
	"github.com/Skotchmaster/identity/internal/hash"
	"github.com/Skotchmaster/identity/internal/lock"
	"github.com/Skotchmaster/identity/internal/logging"
	"github.com/Skotchmaster/identity/internal/models"
)

// Repository is the persistence the store needs. internal/repo.GormRepo
// implements it.
type Repository interface {
	CreateUser(ctx context.Context, u *models.User, normalizedRoles []string) error
	FindUserByID(ctx context.Context, id string) (*models.User, error)
	FindUserByNormalizedUsername(ctx context.Context, normalized string) (*models.User, error)
	SearchUsersByName(ctx context.Context, first, last string) ([]models.User, error)
	ListUsers(ctx context.Context, offset, limit int) ([]models.User, int64, error)
	AddUserRole(ctx context.Context, userID, normalizedRole string) (bool, error)
	UpdatePasswordHash(ctx context.Context, userID string, expectedVersion int64, digest string) (int, error)
	DeleteUser(ctx context.Context, userID string) error

	CreateRole(ctx context.Context, role *models.Role) error
	FindRole(ctx context.Context, normalized string) (*models.Role, error)
	ListRoles(ctx context.Context) ([]models.Role, error)
}

type NewUser struct {
	Username  string
	FirstName string
	LastName  string
	Roles     []string
}

type Page struct {
	Users  []models.User
	Total  int64
	Offset int
	Limit  int
}

const maxPageSize = 100

// Store owns user records, role assignments and password verification.
// Mutations of one user run under that user's lock; reads never lock.
type Store struct {
	repo     Repository
	hasher   hash.Hasher
	locker   lock.Locker
	policy   Policy
	validate *validator.Validate

	dummyOnce sync.Once
	dummy     string
}

func NewStore(repo Repository, hasher hash.Hasher, locker lock.Locker, policy Policy) *Store {
	if locker == nil {
		locker = lock.NewKeyed()
	}
	return &Store{
		repo:     repo,
		hasher:   hasher,
		locker:   locker,
		policy:   policy,
		validate: newValidator(),
	}
}

func (s *Store) Locker() lock.Locker { return s.locker }

func (s *Store) CreateUser(ctx context.Context, in NewUser, password string) (string, error) {
	l := logging.FromContext(ctx).With("svc", "credentials.create_user")

	in.Username = strings.TrimSpace(in.Username)
	in.FirstName = strings.TrimSpace(in.FirstName)
	in.LastName = strings.TrimSpace(in.LastName)
	if err := s.validate.Struct(userInput{Username: in.Username, FirstName: in.FirstName, LastName: in.LastName}); err != nil {
		return "", fmt.Errorf("%w: %s", inputError(err), err.Error())
	}
	if err := s.policy.Check(password); err != nil {
		return "", err
	}

	digest, err := hash.HashContext(ctx, s.hasher, password)
	if err != nil {
		if errors.Is(err, hash.ErrPasswordTooLong) {
			return "", fmt.Errorf("%w: %w", domain.ErrPasswordPolicy, err)
		}
		if domain.IsDomain(err) {
			return "", err
		}
		l.Error("hash_failed", "error", err)
		return "", fmt.Errorf("%w: %w", domain.ErrPersistence, err)
	}

	roles := make([]string, 0, len(in.Roles))
	for _, r := range in.Roles {
		roles = append(roles, Normalize(r))
	}

	u := &models.User{
		ID:                 uuid.NewString(),
		Username:           in.Username,
		NormalizedUsername: Normalize(in.Username),
		FirstName:          in.FirstName,
		LastName:           in.LastName,
		NormalizedFirst:    Normalize(in.FirstName),
		NormalizedLast:     Normalize(in.LastName),
		PasswordHash:       digest,
	}
	if err := s.repo.CreateUser(ctx, u, roles); err != nil {
		l.Warn("create_user_failed", "username", in.Username, "error", err)
		return "", err
	}
	l.Info("user_created", "user_id", u.ID)
	return u.ID, nil
}

// AssignRole adds an existing role to the user and reports whether the link is
// new. Assigning a role twice is not an error.
func (s *Store) AssignRole(ctx context.Context, userID, roleName string) (bool, error) {
	l := logging.FromContext(ctx).With("svc", "credentials.assign_role", "user_id", userID, "role", roleName)

	unlock, err := s.locker.Lock(ctx, userID)
	if err != nil {
		return false, err
	}
	defer unlock()

	added, err := s.repo.AddUserRole(ctx, userID, Normalize(roleName))
	if err != nil {
		l.Warn("assign_role_failed", "error", err)
		return false, err
	}
	if added {
		l.Info("role_assigned")
	}
	return added, nil
}

// VerifyPassword reports whether password matches the stored digest. A
// mismatch is (false, nil).
func (s *Store) VerifyPassword(ctx context.Context, userID, password string) (bool, error) {
	u, err := s.repo.FindUserByID(ctx, userID)
	if err != nil {
		return false, err
	}
	return s.verify(ctx, u.PasswordHash, password)
}

func (s *Store) verify(ctx context.Context, digest, password string) (bool, error) {
	ok, err := hash.VerifyContext(ctx, s.hasher, password, digest)
	if err != nil {
		if domain.IsDomain(err) || errors.Is(err, context.Canceled) {
			return false, err
		}
		logging.FromContext(ctx).Warn("verify_unreadable_digest", "error", err)
		return false, nil
	}
	return ok, nil
}

func (s *Store) dummyDigest() string {
	s.dummyOnce.Do(func() {
		s.dummy, _ = s.hasher.Hash(uuid.NewString())
	})
	return s.dummy
}

// Authenticate resolves username and checks password. Unknown users and wrong
// passwords both yield ErrInvalidCredentials, and both pay for one
// verification.
func (s *Store) Authenticate(ctx context.Context, username, password string) (*models.User, error) {
	u, err := s.repo.FindUserByNormalizedUsername(ctx, Normalize(username))
	if errors.Is(err, domain.ErrUserNotFound) {
		if _, verr := s.verify(ctx, s.dummyDigest(), password); verr != nil {
			return nil, verr
		}
		return nil, domain.ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}

	ok, err := s.verify(ctx, u.PasswordHash, password)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domain.ErrInvalidCredentials
	}
	return u, nil
}

// FindByUsername is a case-insensitive exact match. Absence is ErrUserNotFound.
func (s *Store) FindByUsername(ctx context.Context, username string) (*models.User, error) {
	return s.repo.FindUserByNormalizedUsername(ctx, Normalize(username))
}

func (s *Store) FindByID(ctx context.Context, userID string) (*models.User, error) {
	return s.repo.FindUserByID(ctx, userID)
}

// SearchByName returns users whose first and last names start with first and
// last, in either order. No match is an empty slice.
func (s *Store) SearchByName(ctx context.Context, first, last string) ([]models.User, error) {
	users, err := s.repo.SearchUsersByName(ctx, Normalize(first), Normalize(last))
	if err != nil {
		return nil, err
	}
	if users == nil {
		users = []models.User{}
	}
	return users, nil
}

func (s *Store) ListUsers(ctx context.Context, offset, limit int) (*Page, error) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 || limit > maxPageSize {
		limit = maxPageSize
	}
	users, total, err := s.repo.ListUsers(ctx, offset, limit)
	if err != nil {
		return nil, err
	}
	if users == nil {
		users = []models.User{}
	}
	return &Page{Users: users, Total: total, Offset: offset, Limit: limit}, nil
}

// ChangePassword replaces the digest after re-verifying oldPassword. Every
// refresh token of the user is revoked in the same transaction.
func (s *Store) ChangePassword(ctx context.Context, userID, oldPassword, newPassword string) error {
	l := logging.FromContext(ctx).With("svc", "credentials.change_password", "user_id", userID)

	unlock, err := s.locker.Lock(ctx, userID)
	if err != nil {
		return err
	}
	defer unlock()

	u, err := s.repo.FindUserByID(ctx, userID)
	if err != nil {
		return err
	}
	ok, err := s.verify(ctx, u.PasswordHash, oldPassword)
	if err != nil {
		return err
	}
	if !ok {
		l.Warn("change_password_failed", "reason", "old password mismatch")
		return domain.ErrInvalidCredentials
	}
	if err := s.policy.Check(newPassword); err != nil {
		return err
	}

	digest, err := hash.HashContext(ctx, s.hasher, newPassword)
	if err != nil {
		if errors.Is(err, hash.ErrPasswordTooLong) {
			return fmt.Errorf("%w: %w", domain.ErrPasswordPolicy, err)
		}
		if domain.IsDomain(err) {
			return err
		}
		return fmt.Errorf("%w: %w", domain.ErrPersistence, err)
	}

	revoked, err := s.repo.UpdatePasswordHash(ctx, userID, u.Version, digest)
	if err != nil {
		l.Warn("change_password_failed", "error", err)
		return err
	}
	l.Info("password_changed", "revoked_tokens", revoked)
	return nil
}

func (s *Store) DeleteUser(ctx context.Context, userID string) error {
	l := logging.FromContext(ctx).With("svc", "credentials.delete_user", "user_id", userID)

	unlock, err := s.locker.Lock(ctx, userID)
	if err != nil {
		return err
	}
	defer unlock()

	if err := s.repo.DeleteUser(ctx, userID); err != nil {
		l.Warn("delete_user_failed", "error", err)
		return err
	}
	l.Info("user_deleted")
	return nil
}

func (s *Store) CreateRole(ctx context.Context, name string) (*models.Role, error) {
	name = strings.TrimSpace(name)
	if err := s.validate.Struct(roleInput{Name: name}); err != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrInvalidRoleName, err.Error())
	}
	role := &models.Role{ID: uuid.NewString(), Name: name, NormalizedName: Normalize(name)}
	if err := s.repo.CreateRole(ctx, role); err != nil {
		return nil, err
	}
	logging.FromContext(ctx).Info("role_created", "role", name)
	return role, nil
}

// EnsureRoles creates the missing roles among names.
func (s *Store) EnsureRoles(ctx context.Context, names ...string) error {
	for _, name := range names {
		if strings.TrimSpace(name) == "" {
			continue
		}
		if _, err := s.CreateRole(ctx, name); err != nil && !errors.Is(err, domain.ErrRoleExists) {
			return fmt.Errorf("ensure role %q: %w", name, err)
		}
	}
	return nil
}

func (s *Store) ListRoles(ctx context.Context) ([]models.Role, error) {
	roles, err := s.repo.ListRoles(ctx)
	if err != nil {
		return nil, err
	}
	if roles == nil {
		roles = []models.Role{}
	}
	return roles, nil
}

func (s *Store) UserRoles(ctx context.Context, userID string) ([]string, error) {
	u, err := s.repo.FindUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return u.RoleNames(), nil
}
