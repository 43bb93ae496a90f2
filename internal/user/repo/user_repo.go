package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ovaphlow/pitchfork/service-identity-go/internal/twofactor"
	"github.com/ovaphlow/pitchfork/service-identity-go/internal/uow"
	"github.com/ovaphlow/pitchfork/service-identity-go/internal/user/entity"
	"github.com/ovaphlow/pitchfork/service-identity-go/internal/user/security"
	"github.com/ovaphlow/pitchfork/service-identity-go/pkg/database"
	"github.com/ovaphlow/pitchfork/service-identity-go/pkg/utilities"
)

var (
	ErrNotFound           = errors.New("user not found")
	ErrZeroID             = errors.New("user id must not be zero")
	ErrConcurrencyFailure = errors.New("user was modified by another request")
	ErrPasswordMismatch   = errors.New("incorrect password")
	ErrPasswordAlreadySet = errors.New("user already has a password")
	ErrPasswordTooShort   = errors.New("password too short")
)

// Options configures password policy, lockout and token helpers shared by every UserRepo.
type Options struct {
	IDs               *utilities.IDGenerator
	Hasher            security.PasswordHasher
	Tokens            *security.TokenProtector
	PasswordMinLength int
	MaxFailedAccess   int
	LockoutDuration   time.Duration
}

// UserRepo is the credential store. Writes run immediately on the unit of
// work's current executor, so they join an open transaction.
type UserRepo struct {
	u    *uow.UnitOfWork
	opts Options
	now  func() time.Time
}

func NewUserRepo(u *uow.UnitOfWork, opts Options) *UserRepo {
	if opts.Hasher == nil {
		opts.Hasher = security.BcryptHasher{Cost: 12}
	}
	if opts.MaxFailedAccess == 0 {
		opts.MaxFailedAccess = 6
	}
	if opts.LockoutDuration == 0 {
		opts.LockoutDuration = 15 * time.Minute
	}
	return &UserRepo{u: u, opts: opts, now: time.Now}
}

const userColumns = `id, user_name, normalized_user_name, email, normalized_email, email_confirmed,
	old_confirmed_email, password_hash, security_stamp, concurrency_stamp, phone_number,
	first_name, middle_name, last_name, active, two_factor_enabled, two_factor_type,
	authenticator_key, lockout_enabled, lockout_end, access_failed_count, last_login_at,
	created_at, created_by, last_modified_at, last_modified_by`

type userRow struct {
	ID                 int64          `db:"id"`
	UserName           string         `db:"user_name"`
	NormalizedUserName string         `db:"normalized_user_name"`
	Email              string         `db:"email"`
	NormalizedEmail    string         `db:"normalized_email"`
	EmailConfirmed     bool           `db:"email_confirmed"`
	OldConfirmedEmail  sql.NullString `db:"old_confirmed_email"`
	PasswordHash       sql.NullString `db:"password_hash"`
	SecurityStamp      string         `db:"security_stamp"`
	ConcurrencyStamp   string         `db:"concurrency_stamp"`
	PhoneNumber        string         `db:"phone_number"`
	FirstName          string         `db:"first_name"`
	MiddleName         string         `db:"middle_name"`
	LastName           string         `db:"last_name"`
	Active             bool           `db:"active"`
	TwoFactorEnabled   bool           `db:"two_factor_enabled"`
	TwoFactorType      string         `db:"two_factor_type"`
	AuthenticatorKey   sql.NullString `db:"authenticator_key"`
	LockoutEnabled     bool           `db:"lockout_enabled"`
	LockoutEnd         sql.NullInt64  `db:"lockout_end"`
	AccessFailedCount  int            `db:"access_failed_count"`
	LastLoginAt        sql.NullInt64  `db:"last_login_at"`
	CreatedAt          int64          `db:"created_at"`
	CreatedBy          string         `db:"created_by"`
	LastModifiedAt     sql.NullInt64  `db:"last_modified_at"`
	LastModifiedBy     sql.NullString `db:"last_modified_by"`
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func toRow(u *entity.User) userRow {
	return userRow{
		ID:                 u.ID,
		UserName:           u.UserName,
		NormalizedUserName: entity.Normalize(u.UserName),
		Email:              u.Email,
		NormalizedEmail:    entity.Normalize(u.Email),
		EmailConfirmed:     u.EmailConfirmed,
		OldConfirmedEmail:  nullString(u.OldConfirmedEmail),
		PasswordHash:       nullString(u.PasswordHash),
		SecurityStamp:      u.SecurityStamp,
		ConcurrencyStamp:   u.ConcurrencyStamp,
		PhoneNumber:        u.PhoneNumber,
		FirstName:          u.FirstName,
		MiddleName:         u.MiddleName,
		LastName:           u.LastName,
		Active:             u.Active,
		TwoFactorEnabled:   u.TwoFactorEnabled,
		TwoFactorType:      string(u.TwoFactorType),
		AuthenticatorKey:   nullString(u.AuthenticatorKey),
		LockoutEnabled:     u.LockoutEnabled,
		LockoutEnd:         database.NullMillis(u.LockoutEnd),
		AccessFailedCount:  u.AccessFailedCount,
		LastLoginAt:        database.NullMillis(u.LastLoginAt),
		CreatedAt:          database.ToMillis(u.CreatedAt),
		CreatedBy:          u.CreatedBy,
		LastModifiedAt:     database.NullMillis(u.LastModifiedAt),
		LastModifiedBy:     nullString(u.LastModifiedBy),
	}
}

func (row userRow) toEntity() *entity.User {
	tf := entity.TwoFactorType(row.TwoFactorType)
	if !tf.Valid() {
		tf = entity.TwoFactorNone
	}
	return &entity.User{
		ID:                row.ID,
		UserName:          row.UserName,
		Email:             row.Email,
		EmailConfirmed:    row.EmailConfirmed,
		OldConfirmedEmail: stringPtr(row.OldConfirmedEmail),
		PasswordHash:      stringPtr(row.PasswordHash),
		SecurityStamp:     row.SecurityStamp,
		ConcurrencyStamp:  row.ConcurrencyStamp,
		PhoneNumber:       row.PhoneNumber,
		FirstName:         row.FirstName,
		MiddleName:        row.MiddleName,
		LastName:          row.LastName,
		Active:            row.Active,
		TwoFactorEnabled:  row.TwoFactorEnabled,
		TwoFactorType:     tf,
		AuthenticatorKey:  stringPtr(row.AuthenticatorKey),
		LockoutEnabled:    row.LockoutEnabled,
		LockoutEnd:        database.TimeFromNull(row.LockoutEnd),
		AccessFailedCount: row.AccessFailedCount,
		LastLoginAt:       database.TimeFromNull(row.LastLoginAt),
		CreatedAt:         database.FromMillis(row.CreatedAt),
		CreatedBy:         row.CreatedBy,
		LastModifiedAt:    database.TimeFromNull(row.LastModifiedAt),
		LastModifiedBy:    stringPtr(row.LastModifiedBy),
	}
}

func (r *UserRepo) findOne(ctx context.Context, where string, arg any) (*entity.User, error) {
	ext := r.u.Ext()
	var row userRow
	q := ext.Rebind(`SELECT ` + userColumns + ` FROM users WHERE ` + where)
	if err := sqlx.GetContext(ctx, ext, &row, q, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return row.toEntity(), nil
}

// FindByID returns ErrNotFound for unknown or zero ids.
func (r *UserRepo) FindByID(ctx context.Context, id int64) (*entity.User, error) {
	if id == 0 {
		return nil, ErrNotFound
	}
	return r.findOne(ctx, "id = ?", id)
}

// FindByName matches the user name case-insensitively.
func (r *UserRepo) FindByName(ctx context.Context, name string) (*entity.User, error) {
	return r.findOne(ctx, "normalized_user_name = ?", entity.Normalize(name))
}

// FindByEmail matches the email case-insensitively.
func (r *UserRepo) FindByEmail(ctx context.Context, email string) (*entity.User, error) {
	return r.findOne(ctx, "normalized_email = ?", entity.Normalize(email))
}

// FindByNameOrEmail tries the user name first, then the email.
func (r *UserRepo) FindByNameOrEmail(ctx context.Context, v string) (*entity.User, error) {
	u, err := r.FindByName(ctx, v)
	if err == nil || !errors.Is(err, ErrNotFound) {
		return u, err
	}
	return r.FindByEmail(ctx, v)
}

// List pages through users in id order.
func (r *UserRepo) List(ctx context.Context, limit, offset int) ([]entity.User, error) {
	ext := r.u.Ext()
	var rows []userRow
	q := ext.Rebind(`SELECT ` + userColumns + ` FROM users ORDER BY id LIMIT ? OFFSET ?`)
	if err := sqlx.SelectContext(ctx, ext, &rows, q, limit, offset); err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	out := make([]entity.User, 0, len(rows))
	for _, row := range rows {
		out = append(out, *row.toEntity())
	}
	return out, nil
}

func (r *UserRepo) validatePassword(pw string) error {
	if len(pw) < r.opts.PasswordMinLength || pw == "" {
		return ErrPasswordTooShort
	}
	return nil
}

// Create inserts u with a fresh id and stamps. An empty password creates a
// password-less account.
func (r *UserRepo) Create(ctx context.Context, u *entity.User, password string) error {
	if password != "" {
		if err := r.validatePassword(password); err != nil {
			return err
		}
		hash, err := r.opts.Hasher.Hash(password)
		if err != nil {
			return fmt.Errorf("hash password: %w", err)
		}
		u.PasswordHash = &hash
	}
	if u.ID == 0 {
		if r.opts.IDs == nil {
			return errors.New("user repo: id generator not configured")
		}
		u.ID = r.opts.IDs.Next()
	}
	if !u.TwoFactorType.Valid() {
		u.TwoFactorType = entity.TwoFactorNone
	}
	u.SecurityStamp = utilities.NewStamp()
	u.ConcurrencyStamp = utilities.NewStamp()
	u.LockoutEnabled = true
	u.CreatedAt = r.now().UTC()
	u.CreatedBy = utilities.Actor(ctx)

	const q = `INSERT INTO users (` + userColumns + `) VALUES (
		:id, :user_name, :normalized_user_name, :email, :normalized_email, :email_confirmed,
		:old_confirmed_email, :password_hash, :security_stamp, :concurrency_stamp, :phone_number,
		:first_name, :middle_name, :last_name, :active, :two_factor_enabled, :two_factor_type,
		:authenticator_key, :lockout_enabled, :lockout_end, :access_failed_count, :last_login_at,
		:created_at, :created_by, :last_modified_at, :last_modified_by)`
	if _, err := sqlx.NamedExecContext(ctx, r.u.Ext(), q, toRow(u)); err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// Update persists every mutable column under optimistic concurrency.
func (r *UserRepo) Update(ctx context.Context, u *entity.User) error {
	if u.ID == 0 {
		return ErrZeroID
	}
	now := r.now().UTC()
	actor := utilities.Actor(ctx)
	next := struct {
		userRow
		NewStamp string `db:"new_stamp"`
	}{NewStamp: utilities.NewStamp()}
	u.LastModifiedAt = &now
	u.LastModifiedBy = &actor
	next.userRow = toRow(u)

	const q = `UPDATE users SET
		user_name = :user_name, normalized_user_name = :normalized_user_name,
		email = :email, normalized_email = :normalized_email, email_confirmed = :email_confirmed,
		old_confirmed_email = :old_confirmed_email, password_hash = :password_hash,
		security_stamp = :security_stamp, concurrency_stamp = :new_stamp,
		phone_number = :phone_number, first_name = :first_name, middle_name = :middle_name,
		last_name = :last_name, active = :active, two_factor_enabled = :two_factor_enabled,
		two_factor_type = :two_factor_type, authenticator_key = :authenticator_key,
		lockout_enabled = :lockout_enabled, lockout_end = :lockout_end,
		access_failed_count = :access_failed_count, last_login_at = :last_login_at,
		last_modified_at = :last_modified_at, last_modified_by = :last_modified_by
		WHERE id = :id AND concurrency_stamp = :concurrency_stamp`
	res, err := sqlx.NamedExecContext(ctx, r.u.Ext(), q, next)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConcurrencyFailure
	}
	u.ConcurrencyStamp = next.NewStamp
	return nil
}

// Delete removes the user row. There is no soft delete.
func (r *UserRepo) Delete(ctx context.Context, u *entity.User) error {
	if u.ID == 0 {
		return ErrZeroID
	}
	ext := r.u.Ext()
	res, err := ext.ExecContext(ctx, ext.Rebind(`DELETE FROM users WHERE id = ? AND concurrency_stamp = ?`), u.ID, u.ConcurrencyStamp)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConcurrencyFailure
	}
	return nil
}

func (r *UserRepo) rotateSecurityStamp(u *entity.User) {
	u.SecurityStamp = utilities.NewStamp()
}

// CheckPassword verifies pw and upgrades the hash when the cost changed.
func (r *UserRepo) CheckPassword(ctx context.Context, u *entity.User, pw string) (bool, error) {
	if !u.HasPassword() {
		return false, nil
	}
	if !r.opts.Hasher.Verify(*u.PasswordHash, pw) {
		return false, nil
	}
	if r.opts.Hasher.NeedsRehash(*u.PasswordHash) {
		if hash, err := r.opts.Hasher.Hash(pw); err == nil {
			u.PasswordHash = &hash
			if err := r.Update(ctx, u); err != nil {
				return true, err
			}
		}
	}
	return true, nil
}

// AccessFailed counts a failed sign-in and locks the account at the threshold.
func (r *UserRepo) AccessFailed(ctx context.Context, u *entity.User) error {
	u.AccessFailedCount++
	if u.LockoutEnabled && u.AccessFailedCount >= r.opts.MaxFailedAccess {
		end := r.now().UTC().Add(r.opts.LockoutDuration)
		u.LockoutEnd = &end
		u.AccessFailedCount = 0
	}
	return r.Update(ctx, u)
}

// LoginSucceeded clears failure counters and records the sign-in time.
func (r *UserRepo) LoginSucceeded(ctx context.Context, u *entity.User) error {
	now := r.now().UTC()
	u.AccessFailedCount = 0
	u.LockoutEnd = nil
	u.LastLoginAt = &now
	return r.Update(ctx, u)
}

func (r *UserRepo) setPassword(u *entity.User, pw string) error {
	if err := r.validatePassword(pw); err != nil {
		return err
	}
	hash, err := r.opts.Hasher.Hash(pw)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	u.PasswordHash = &hash
	r.rotateSecurityStamp(u)
	return nil
}

func (r *UserRepo) ChangePassword(ctx context.Context, u *entity.User, current, next string) error {
	if !u.HasPassword() || !r.opts.Hasher.Verify(*u.PasswordHash, current) {
		return ErrPasswordMismatch
	}
	if err := r.setPassword(u, next); err != nil {
		return err
	}
	return r.Update(ctx, u)
}

func (r *UserRepo) RemovePassword(ctx context.Context, u *entity.User) error {
	u.PasswordHash = nil
	r.rotateSecurityStamp(u)
	return r.Update(ctx, u)
}

func (r *UserRepo) AddPassword(ctx context.Context, u *entity.User, pw string) error {
	if u.HasPassword() {
		return ErrPasswordAlreadySet
	}
	if err := r.setPassword(u, pw); err != nil {
		return err
	}
	return r.Update(ctx, u)
}

// ResetPassword sets pw when token is a valid reset token for u.
func (r *UserRepo) ResetPassword(ctx context.Context, u *entity.User, token, pw string) error {
	if ok, err := r.VerifyToken(ctx, u, security.PurposeResetPassword, token); err != nil || !ok {
		return security.ErrInvalidToken
	}
	if err := r.setPassword(u, pw); err != nil {
		return err
	}
	return r.Update(ctx, u)
}

func (r *UserRepo) GeneratePasswordResetToken(ctx context.Context, u *entity.User) (string, error) {
	return r.opts.Tokens.Protect(u.ID, u.SecurityStamp, security.PurposeResetPassword)
}

func (r *UserRepo) GenerateEmailConfirmationToken(ctx context.Context, u *entity.User) (string, error) {
	return r.opts.Tokens.Protect(u.ID, u.SecurityStamp, security.PurposeEmailConfirmation)
}

// VerifyToken reports whether token was issued for u and purpose and is still current.
func (r *UserRepo) VerifyToken(ctx context.Context, u *entity.User, purpose security.Purpose, token string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return r.opts.Tokens.Validate(token, u.ID, u.SecurityStamp, purpose) == nil, nil
}

func (r *UserRepo) ConfirmEmail(ctx context.Context, u *entity.User, token string) error {
	if ok, err := r.VerifyToken(ctx, u, security.PurposeEmailConfirmation, token); err != nil || !ok {
		return security.ErrInvalidToken
	}
	u.EmailConfirmed = true
	return r.Update(ctx, u)
}

func (r *UserRepo) IsEmailConfirmed(ctx context.Context, u *entity.User) (bool, error) {
	return u.EmailConfirmed, ctx.Err()
}

func (r *UserRepo) SetTwoFactorEnabled(ctx context.Context, u *entity.User, enabled bool) error {
	u.TwoFactorEnabled = enabled
	r.rotateSecurityStamp(u)
	return r.Update(ctx, u)
}

// RequiresTwoFactor reports whether sign-in must be completed with a second factor.
func (r *UserRepo) RequiresTwoFactor(ctx context.Context, u *entity.User) (bool, error) {
	return u.TwoFactorEnabled && u.TwoFactorType != entity.TwoFactorNone, ctx.Err()
}

// ResetAuthenticatorKey replaces the authenticator secret.
func (r *UserRepo) ResetAuthenticatorKey(ctx context.Context, u *entity.User) error {
	key, err := twofactor.GenerateKey()
	if err != nil {
		return err
	}
	u.AuthenticatorKey = &key
	r.rotateSecurityStamp(u)
	return r.Update(ctx, u)
}

// GetOrCreateAuthenticatorKey provisions the key once and returns it thereafter.
func (r *UserRepo) GetOrCreateAuthenticatorKey(ctx context.Context, u *entity.User) (string, error) {
	if u.AuthenticatorKey != nil && *u.AuthenticatorKey != "" {
		return *u.AuthenticatorKey, nil
	}
	if err := r.ResetAuthenticatorKey(ctx, u); err != nil {
		return "", err
	}
	return *u.AuthenticatorKey, nil
}

func (r *UserRepo) IsInRole(ctx context.Context, u *entity.User, role string) (bool, error) {
	ext := r.u.Ext()
	var n int
	q := ext.Rebind(`SELECT COUNT(*) FROM user_roles ur JOIN roles r ON r.id = ur.role_id
		WHERE ur.user_id = ? AND r.normalized_name = ?`)
	if err := sqlx.GetContext(ctx, ext, &n, q, u.ID, entity.Normalize(role)); err != nil {
		return false, err
	}
	return n > 0, nil
}
