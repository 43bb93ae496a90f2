package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ovaphlow/pitchfork/service-identity-go/internal/uow"
	"github.com/ovaphlow/pitchfork/service-identity-go/internal/user/entity"
	"github.com/ovaphlow/pitchfork/service-identity-go/pkg/database"
	"github.com/ovaphlow/pitchfork/service-identity-go/pkg/utilities"
)

var ErrProfileNotFound = errors.New("profile not found")

// ProfileRepo manages the record linked to every account.
type ProfileRepo struct {
	u   *uow.UnitOfWork
	ids *utilities.IDGenerator
}

func NewProfileRepo(u *uow.UnitOfWork, ids *utilities.IDGenerator) *ProfileRepo {
	return &ProfileRepo{u: u, ids: ids}
}

const profileColumns = `id, user_id, full_name, email, phone, birthdate, gender, marital_status,
	nationality_code, country_code, city_code, created_at, created_by, last_modified_at, last_modified_by`

type profileRow struct {
	ID              int64          `db:"id"`
	UserID          int64          `db:"user_id"`
	FullName        string         `db:"full_name"`
	Email           string         `db:"email"`
	Phone           string         `db:"phone"`
	Birthdate       sql.NullInt64  `db:"birthdate"`
	Gender          string         `db:"gender"`
	MaritalStatus   string         `db:"marital_status"`
	NationalityCode string         `db:"nationality_code"`
	CountryCode     string         `db:"country_code"`
	CityCode        string         `db:"city_code"`
	CreatedAt       int64          `db:"created_at"`
	CreatedBy       string         `db:"created_by"`
	LastModifiedAt  sql.NullInt64  `db:"last_modified_at"`
	LastModifiedBy  sql.NullString `db:"last_modified_by"`
}

func (row profileRow) toEntity() *entity.Profile {
	return &entity.Profile{
		ID:              row.ID,
		UserID:          row.UserID,
		FullName:        row.FullName,
		Email:           row.Email,
		Phone:           row.Phone,
		Birthdate:       database.TimeFromNull(row.Birthdate),
		Gender:          entity.Gender(row.Gender),
		MaritalStatus:   entity.MaritalStatus(row.MaritalStatus),
		NationalityCode: row.NationalityCode,
		CountryCode:     row.CountryCode,
		CityCode:        row.CityCode,
		CreatedAt:       database.FromMillis(row.CreatedAt),
		CreatedBy:       row.CreatedBy,
		LastModifiedAt:  database.TimeFromNull(row.LastModifiedAt),
		LastModifiedBy:  stringPtr(row.LastModifiedBy),
	}
}

// Create queues the insert; p.ID is assigned right away.
func (r *ProfileRepo) Create(ctx context.Context, p *entity.Profile) {
	p.ID = r.ids.Next()
	p.CreatedBy = utilities.Actor(ctx)
	row := profileRow{
		ID:        p.ID,
		UserID:    p.UserID,
		FullName:  p.FullName,
		Email:     p.Email,
		Phone:     p.Phone,
		CreatedAt: database.ToMillis(p.CreatedAt),
		CreatedBy: p.CreatedBy,
	}
	r.u.Track(func(ctx context.Context, ext sqlx.ExtContext) (int64, error) {
		res, err := sqlx.NamedExecContext(ctx, ext, `INSERT INTO profiles (id, user_id, full_name, email, phone, created_at, created_by)
			VALUES (:id, :user_id, :full_name, :email, :phone, :created_at, :created_by)`, row)
		if err != nil {
			return 0, fmt.Errorf("insert profile: %w", err)
		}
		return res.RowsAffected()
	})
}

// UpdateContact queues a refresh of the contact details copied from the user.
func (r *ProfileRepo) UpdateContact(ctx context.Context, userID int64, fullName, email, phone string) {
	r.u.Track(func(ctx context.Context, ext sqlx.ExtContext) (int64, error) {
		res, err := ext.ExecContext(ctx, ext.Rebind(`UPDATE profiles SET full_name = ?, email = ?, phone = ? WHERE user_id = ?`),
			fullName, email, phone, userID)
		if err != nil {
			return 0, fmt.Errorf("update profile: %w", err)
		}
		return res.RowsAffected()
	})
}

// UpdateDetails queues a write of the personal details of p. The contact
// fields are left to UpdateContact.
func (r *ProfileRepo) UpdateDetails(ctx context.Context, p *entity.Profile) {
	now := time.Now().UTC()
	actor := utilities.Actor(ctx)
	p.LastModifiedAt = &now
	p.LastModifiedBy = &actor
	row := profileRow{
		UserID:          p.UserID,
		FullName:        p.FullName,
		Birthdate:       database.NullMillis(p.Birthdate),
		Gender:          string(p.Gender),
		MaritalStatus:   string(p.MaritalStatus),
		NationalityCode: p.NationalityCode,
		CountryCode:     p.CountryCode,
		CityCode:        p.CityCode,
		LastModifiedAt:  database.NullMillis(p.LastModifiedAt),
		LastModifiedBy:  nullString(p.LastModifiedBy),
	}
	r.u.Track(func(ctx context.Context, ext sqlx.ExtContext) (int64, error) {
		res, err := sqlx.NamedExecContext(ctx, ext, `UPDATE profiles SET full_name = :full_name,
			birthdate = :birthdate, gender = :gender, marital_status = :marital_status,
			nationality_code = :nationality_code, country_code = :country_code, city_code = :city_code,
			last_modified_at = :last_modified_at, last_modified_by = :last_modified_by
			WHERE user_id = :user_id`, row)
		if err != nil {
			return 0, fmt.Errorf("update profile details: %w", err)
		}
		return res.RowsAffected()
	})
}

// DeleteByUserID queues removal of the user's profile.
func (r *ProfileRepo) DeleteByUserID(ctx context.Context, userID int64) {
	r.u.Track(deleteWhere(`DELETE FROM profiles WHERE user_id = ?`, userID))
}

func (r *ProfileRepo) GetByUserID(ctx context.Context, userID int64) (*entity.Profile, error) {
	ext := r.u.Ext()
	var row profileRow
	q := ext.Rebind(`SELECT ` + profileColumns + ` FROM profiles WHERE user_id = ?`)
	if err := sqlx.GetContext(ctx, ext, &row, q, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrProfileNotFound
		}
		return nil, err
	}
	return row.toEntity(), nil
}
