package repo

import (
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/ovaphlow/pitchfork/service-identity-go/internal/uow"
	"github.com/ovaphlow/pitchfork/service-identity-go/internal/user/entity"
	"github.com/ovaphlow/pitchfork/service-identity-go/internal/user/security"
	"github.com/ovaphlow/pitchfork/service-identity-go/pkg/database/databasetest"
	"github.com/ovaphlow/pitchfork/service-identity-go/pkg/utilities"
)

type fixture struct {
	db       *sqlx.DB
	u        *uow.UnitOfWork
	users    *UserRepo
	roles    *RoleRepo
	profiles *ProfileRepo
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := databasetest.NewSQLite(t)
	ids, err := utilities.NewIDGenerator(1)
	require.NoError(t, err)
	u := uow.New(db, zap.NewNop().Sugar())
	return &fixture{
		db: db,
		u:  u,
		users: NewUserRepo(u, Options{
			IDs:               ids,
			Hasher:            security.BcryptHasher{Cost: bcrypt.MinCost},
			Tokens:            security.NewTokenProtector("test-secret", time.Hour),
			PasswordMinLength: 6,
			MaxFailedAccess:   3,
			LockoutDuration:   time.Minute,
		}),
		roles:    NewRoleRepo(u, ids),
		profiles: NewProfileRepo(u, ids),
	}
}

func (f *fixture) createUser(t *testing.T, name, email string) *entity.User {
	t.Helper()
	u := &entity.User{UserName: name, Email: email, Active: true}
	require.NoError(t, f.users.Create(context.Background(), u, "secret1"))
	return u
}

func TestCreateAndFind(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created := f.createUser(t, "Alice", "Alice@Example.com")

	assert.NotZero(t, created.ID)
	assert.NotEmpty(t, created.SecurityStamp)
	assert.Equal(t, utilities.SystemActor, created.CreatedBy)
	assert.Equal(t, entity.TwoFactorNone, created.TwoFactorType)

	byName, err := f.users.FindByName(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, created.ID, byName.ID)

	byEmail, err := f.users.FindByEmail(ctx, "ALICE@example.COM")
	require.NoError(t, err)
	assert.Equal(t, created.ID, byEmail.ID)

	either, err := f.users.FindByNameOrEmail(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, created.ID, either.ID)

	_, err = f.users.FindByID(ctx, 0)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.users.FindByName(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateRejectsShortPassword(t *testing.T) {
	f := newFixture(t)
	err := f.users.Create(context.Background(), &entity.User{UserName: "bob", Email: "bob@example.com"}, "123")
	assert.ErrorIs(t, err, ErrPasswordTooShort)
}

func TestUpdateGuards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.createUser(t, "carol", "carol@example.com")

	assert.ErrorIs(t, f.users.Update(ctx, &entity.User{}), ErrZeroID)
	assert.ErrorIs(t, f.users.Delete(ctx, &entity.User{}), ErrZeroID)

	stale := *u
	u.FirstName = "Carol"
	require.NoError(t, f.users.Update(ctx, u))
	assert.NotEqual(t, stale.ConcurrencyStamp, u.ConcurrencyStamp)

	stale.LastName = "Late"
	assert.ErrorIs(t, f.users.Update(ctx, &stale), ErrConcurrencyFailure)

	reloaded, err := f.users.FindByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "Carol", reloaded.FirstName)
	assert.Empty(t, reloaded.LastName)
	require.NotNil(t, reloaded.LastModifiedAt)
}

func TestAccessFailedLocksOut(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.createUser(t, "dave", "dave@example.com")

	for i := 0; i < 3; i++ {
		require.NoError(t, f.users.AccessFailed(ctx, u))
	}
	assert.True(t, u.LockedOut(time.Now()))
	assert.Zero(t, u.AccessFailedCount)

	reloaded, err := f.users.FindByID(ctx, u.ID)
	require.NoError(t, err)
	assert.True(t, reloaded.LockedOut(time.Now()))
	assert.False(t, reloaded.LockedOut(time.Now().Add(2*time.Minute)))

	require.NoError(t, f.users.LoginSucceeded(ctx, reloaded))
	assert.Nil(t, reloaded.LockoutEnd)
	assert.NotNil(t, reloaded.LastLoginAt)
}

func TestPasswordLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.createUser(t, "erin", "erin@example.com")

	ok, err := f.users.CheckPassword(ctx, u, "secret1")
	require.NoError(t, err)
	assert.True(t, ok)

	assert.ErrorIs(t, f.users.ChangePassword(ctx, u, "wrong-one", "secret2"), ErrPasswordMismatch)
	require.NoError(t, f.users.ChangePassword(ctx, u, "secret1", "secret2"))
	assert.ErrorIs(t, f.users.AddPassword(ctx, u, "secret3"), ErrPasswordAlreadySet)

	require.NoError(t, f.users.RemovePassword(ctx, u))
	ok, err = f.users.CheckPassword(ctx, u, "secret2")
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, f.users.AddPassword(ctx, u, "secret3"))

	ok, err = f.users.CheckPassword(ctx, u, "secret3")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestResetTokenIsSingleUse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.createUser(t, "frank", "frank@example.com")

	token, err := f.users.GeneratePasswordResetToken(ctx, u)
	require.NoError(t, err)

	ok, err := f.users.VerifyToken(ctx, u, security.PurposeEmailConfirmation, token)
	require.NoError(t, err)
	assert.False(t, ok, "purpose is part of the token")

	require.NoError(t, f.users.ResetPassword(ctx, u, token, "brand-new"))
	assert.ErrorIs(t, f.users.ResetPassword(ctx, u, token, "again-new"), security.ErrInvalidToken)
}

func TestConfirmEmail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.createUser(t, "grace", "grace@example.com")

	token, err := f.users.GenerateEmailConfirmationToken(ctx, u)
	require.NoError(t, err)
	assert.ErrorIs(t, f.users.ConfirmEmail(ctx, u, "garbage"), security.ErrInvalidToken)
	require.NoError(t, f.users.ConfirmEmail(ctx, u, token))

	confirmed, err := f.users.IsEmailConfirmed(ctx, u)
	require.NoError(t, err)
	assert.True(t, confirmed)
}

func TestAuthenticatorKeyIsProvisionedOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.createUser(t, "heidi", "heidi@example.com")

	first, err := f.users.GetOrCreateAuthenticatorKey(ctx, u)
	require.NoError(t, err)
	second, err := f.users.GetOrCreateAuthenticatorKey(ctx, u)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	reloaded, err := f.users.FindByID(ctx, u.ID)
	require.NoError(t, err)
	require.NotNil(t, reloaded.AuthenticatorKey)
	assert.Equal(t, first, *reloaded.AuthenticatorKey)
	assert.False(t, reloaded.TwoFactorEnabled)

	required, err := f.users.RequiresTwoFactor(ctx, reloaded)
	require.NoError(t, err)
	assert.False(t, required)
}

func TestRoleAssignmentIsQueued(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.createUser(t, "ivan", "ivan@example.com")

	admin, err := f.roles.CreateRole(ctx, "Admin", []entity.Claim{{Type: "permission", Value: "users.manage"}})
	require.NoError(t, err)
	member, err := f.roles.CreateRole(ctx, "Member", nil)
	require.NoError(t, err)

	f.roles.AssignRoles(ctx, u.ID, member.ID, admin.ID)
	f.roles.AssignClaims(ctx, u.ID, entity.Claim{Type: "tenant", Value: "acme"})
	assert.Equal(t, 2, f.u.Pending())

	roles, err := f.roles.GetUserRoles(ctx, u.ID)
	require.NoError(t, err)
	assert.Empty(t, roles, "nothing is written before SaveChanges")

	n, err := f.u.SaveChanges(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	primary, err := f.roles.GetUserRole(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "Admin", primary.Name, "lowest role id wins")

	in, err := f.users.IsInRole(ctx, u, "member")
	require.NoError(t, err)
	assert.True(t, in)

	claims, err := f.roles.GetUserClaims(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, claims, 1)
	assert.Equal(t, "acme", claims[0].Value)

	all, err := f.roles.GetRoles(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Len(t, all[0].Claims, 1)

	_, err = f.roles.GetRole(ctx, "Ghost")
	assert.ErrorIs(t, err, ErrRoleNotFound)

	f.roles.RemoveUserRoles(ctx, u.ID)
	f.roles.RemoveUserClaims(ctx, u.ID)
	_, err = f.u.SaveChanges(ctx)
	require.NoError(t, err)
	_, err = f.roles.GetUserRole(ctx, u.ID)
	assert.ErrorIs(t, err, ErrRoleNotFound)
}

func TestProfileLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.createUser(t, "judy", "judy@example.com")

	p := &entity.Profile{UserID: u.ID, FullName: "Judy", Email: u.Email, CreatedAt: time.Now()}
	f.profiles.Create(ctx, p)
	assert.NotZero(t, p.ID)
	_, err := f.profiles.GetByUserID(ctx, u.ID)
	assert.ErrorIs(t, err, ErrProfileNotFound)

	f.profiles.UpdateContact(ctx, u.ID, "Judy Hopps", "judy@zoo.example", "555")
	_, err = f.u.SaveChanges(ctx)
	require.NoError(t, err)

	got, err := f.profiles.GetByUserID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "Judy Hopps", got.FullName)
	assert.Equal(t, "555", got.Phone)

	f.profiles.DeleteByUserID(ctx, u.ID)
	_, err = f.u.SaveChanges(ctx)
	require.NoError(t, err)
	_, err = f.profiles.GetByUserID(ctx, u.ID)
	assert.ErrorIs(t, err, ErrProfileNotFound)
}

func TestProfileDetailsKeepContact(t *testing.T) {
	f := newFixture(t)
	ctx := utilities.WithPrincipal(context.Background(), utilities.Principal{ID: 1, Name: "nick"})
	u := f.createUser(t, "nick", "nick@example.com")

	f.profiles.Create(ctx, &entity.Profile{UserID: u.ID, FullName: "Nick", Email: u.Email, Phone: "444", CreatedAt: time.Now()})
	_, err := f.u.SaveChanges(ctx)
	require.NoError(t, err)

	p, err := f.profiles.GetByUserID(ctx, u.ID)
	require.NoError(t, err)
	assert.Nil(t, p.Birthdate)
	assert.Nil(t, p.LastModifiedAt)

	born := time.Date(1990, 4, 1, 0, 0, 0, 0, time.UTC)
	p.FullName = "Nick Wilde"
	p.Birthdate = &born
	p.Gender = entity.GenderMale
	p.MaritalStatus = entity.MaritalSingle
	p.NationalityCode = "ZT"
	p.CountryCode = "ZT"
	p.CityCode = "ZTP"
	f.profiles.UpdateDetails(ctx, p)
	_, err = f.u.SaveChanges(ctx)
	require.NoError(t, err)

	got, err := f.profiles.GetByUserID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "Nick Wilde", got.FullName)
	require.NotNil(t, got.Birthdate)
	assert.True(t, born.Equal(*got.Birthdate))
	assert.Equal(t, entity.GenderMale, got.Gender)
	assert.Equal(t, entity.MaritalSingle, got.MaritalStatus)
	assert.Equal(t, "ZTP", got.CityCode)
	assert.Equal(t, "444", got.Phone)
	assert.Equal(t, "nick@example.com", got.Email)
	require.NotNil(t, got.LastModifiedBy)
	assert.Equal(t, "nick", *got.LastModifiedBy)
	assert.NotNil(t, got.LastModifiedAt)
}

func TestListUsersPagesInIDOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var ids []int64
	for _, name := range []string{"u1", "u2", "u3"} {
		ids = append(ids, f.createUser(t, name, name+"@example.com").ID)
	}

	page, err := f.users.List(ctx, 2, 0)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, ids[0], page[0].ID)
	assert.Equal(t, ids[1], page[1].ID)

	page, err = f.users.List(ctx, 2, 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "u3", page[0].UserName)

	page, err = f.users.List(ctx, 2, 10)
	require.NoError(t, err)
	assert.Empty(t, page)
}
