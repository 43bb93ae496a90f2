package user

import (
	"context"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-identity-go/internal/uow"
	"github.com/ovaphlow/pitchfork/service-identity-go/internal/user/entity"
	userrepo "github.com/ovaphlow/pitchfork/service-identity-go/internal/user/repo"
	"github.com/ovaphlow/pitchfork/service-identity-go/internal/user/security"
)

var (
	ErrNotFound           = userrepo.ErrNotFound
	ErrZeroID             = userrepo.ErrZeroID
	ErrConcurrencyFailure = userrepo.ErrConcurrencyFailure
	ErrPasswordMismatch   = userrepo.ErrPasswordMismatch
	ErrPasswordTooShort   = userrepo.ErrPasswordTooShort
	ErrRoleNotFound       = userrepo.ErrRoleNotFound
	ErrProfileNotFound    = userrepo.ErrProfileNotFound
)

// CredentialStore persists principals and their credentials. Writes take
// effect on the unit of work's current executor.
type CredentialStore interface {
	FindByID(ctx context.Context, id int64) (*entity.User, error)
	FindByName(ctx context.Context, name string) (*entity.User, error)
	FindByEmail(ctx context.Context, email string) (*entity.User, error)
	FindByNameOrEmail(ctx context.Context, v string) (*entity.User, error)
	List(ctx context.Context, limit, offset int) ([]entity.User, error)

	Create(ctx context.Context, u *entity.User, password string) error
	Update(ctx context.Context, u *entity.User) error
	Delete(ctx context.Context, u *entity.User) error

	CheckPassword(ctx context.Context, u *entity.User, pw string) (bool, error)
	AccessFailed(ctx context.Context, u *entity.User) error
	LoginSucceeded(ctx context.Context, u *entity.User) error
	ChangePassword(ctx context.Context, u *entity.User, current, next string) error
	RemovePassword(ctx context.Context, u *entity.User) error
	AddPassword(ctx context.Context, u *entity.User, pw string) error
	ResetPassword(ctx context.Context, u *entity.User, token, pw string) error

	GeneratePasswordResetToken(ctx context.Context, u *entity.User) (string, error)
	GenerateEmailConfirmationToken(ctx context.Context, u *entity.User) (string, error)
	VerifyToken(ctx context.Context, u *entity.User, purpose security.Purpose, token string) (bool, error)
	ConfirmEmail(ctx context.Context, u *entity.User, token string) error
	IsEmailConfirmed(ctx context.Context, u *entity.User) (bool, error)

	SetTwoFactorEnabled(ctx context.Context, u *entity.User, enabled bool) error
	RequiresTwoFactor(ctx context.Context, u *entity.User) (bool, error)
	GetOrCreateAuthenticatorKey(ctx context.Context, u *entity.User) (string, error)
	ResetAuthenticatorKey(ctx context.Context, u *entity.User) error
	IsInRole(ctx context.Context, u *entity.User, role string) (bool, error)
}

// RoleStore reads roles immediately and queues assignment changes.
type RoleStore interface {
	GetRole(ctx context.Context, name string) (*entity.Role, error)
	GetRoles(ctx context.Context) ([]entity.Role, error)
	CreateRole(ctx context.Context, name string, claims []entity.Claim) (*entity.Role, error)
	GetUserRoles(ctx context.Context, userID int64) ([]entity.Role, error)
	GetUserRole(ctx context.Context, userID int64) (*entity.Role, error)
	GetUserClaims(ctx context.Context, userID int64) ([]entity.Claim, error)
	AssignRoles(ctx context.Context, userID int64, roleIDs ...int64)
	AssignClaims(ctx context.Context, userID int64, claims ...entity.Claim)
	RemoveUserRoles(ctx context.Context, userID int64)
	RemoveUserClaims(ctx context.Context, userID int64)
}

// ProfileStore manages the record linked to each account.
type ProfileStore interface {
	Create(ctx context.Context, p *entity.Profile)
	UpdateContact(ctx context.Context, userID int64, fullName, email, phone string)
	UpdateDetails(ctx context.Context, p *entity.Profile)
	DeleteByUserID(ctx context.Context, userID int64)
	GetByUserID(ctx context.Context, userID int64) (*entity.Profile, error)
}

// Stores is the set of repositories sharing one unit of work.
type Stores struct {
	UoW      *uow.UnitOfWork
	Users    CredentialStore
	Roles    RoleStore
	Profiles ProfileStore
}

// StoresFactory builds a fresh Stores per operation.
type StoresFactory func() *Stores

// NewStoresFactory wires the sqlx repositories over db.
func NewStoresFactory(db *sqlx.DB, logger *zap.SugaredLogger, opts userrepo.Options) StoresFactory {
	units := uow.NewFactory(db, logger)
	return func() *Stores {
		u := units()
		return &Stores{
			UoW:      u,
			Users:    userrepo.NewUserRepo(u, opts),
			Roles:    userrepo.NewRoleRepo(u, opts.IDs),
			Profiles: userrepo.NewProfileRepo(u, opts.IDs),
		}
	}
}
