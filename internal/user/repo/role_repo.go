package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/ovaphlow/pitchfork/service-identity-go/internal/uow"
	"github.com/ovaphlow/pitchfork/service-identity-go/internal/user/entity"
	"github.com/ovaphlow/pitchfork/service-identity-go/pkg/utilities"
)

var ErrRoleNotFound = errors.New("role not found")

// RoleRepo reads roles and claims directly and queues assignment changes on the unit of work.
type RoleRepo struct {
	u   *uow.UnitOfWork
	ids *utilities.IDGenerator
}

func NewRoleRepo(u *uow.UnitOfWork, ids *utilities.IDGenerator) *RoleRepo {
	return &RoleRepo{u: u, ids: ids}
}

type roleRow struct {
	ID               int64  `db:"id"`
	Name             string `db:"name"`
	ConcurrencyStamp string `db:"concurrency_stamp"`
}

func (row roleRow) toEntity() entity.Role {
	return entity.Role{ID: row.ID, Name: row.Name, ConcurrencyStamp: row.ConcurrencyStamp}
}

// GetRole looks a role up by name.
func (r *RoleRepo) GetRole(ctx context.Context, name string) (*entity.Role, error) {
	if name == "" {
		return nil, ErrRoleNotFound
	}
	ext := r.u.Ext()
	var row roleRow
	q := ext.Rebind(`SELECT id, name, concurrency_stamp FROM roles WHERE normalized_name = ?`)
	if err := sqlx.GetContext(ctx, ext, &row, q, entity.Normalize(name)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRoleNotFound
		}
		return nil, err
	}
	role := row.toEntity()
	return &role, nil
}

// GetRoles lists every role ordered by id, each with its claims.
func (r *RoleRepo) GetRoles(ctx context.Context) ([]entity.Role, error) {
	ext := r.u.Ext()
	var rows []roleRow
	if err := sqlx.SelectContext(ctx, ext, &rows, `SELECT id, name, concurrency_stamp FROM roles ORDER BY id`); err != nil {
		return nil, err
	}
	out := make([]entity.Role, 0, len(rows))
	for _, row := range rows {
		role := row.toEntity()
		claims, err := r.GetRoleClaims(ctx, role.ID)
		if err != nil {
			return nil, err
		}
		role.Claims = claims
		out = append(out, role)
	}
	return out, nil
}

func (r *RoleRepo) GetRoleClaims(ctx context.Context, roleID int64) ([]entity.Claim, error) {
	ext := r.u.Ext()
	claims := []entity.Claim{}
	q := ext.Rebind(`SELECT id, claim_type, claim_value FROM role_claims WHERE role_id = ? ORDER BY id`)
	if err := sqlx.SelectContext(ctx, ext, &claims, q, roleID); err != nil {
		return nil, err
	}
	return claims, nil
}

// CreateRole inserts a role and its claims immediately. Used by seeding.
func (r *RoleRepo) CreateRole(ctx context.Context, name string, claims []entity.Claim) (*entity.Role, error) {
	ext := r.u.Ext()
	role := entity.Role{ID: r.ids.Next(), Name: name, ConcurrencyStamp: utilities.NewStamp()}
	_, err := ext.ExecContext(ctx, ext.Rebind(`INSERT INTO roles (id, name, normalized_name, concurrency_stamp) VALUES (?, ?, ?, ?)`),
		role.ID, role.Name, entity.Normalize(role.Name), role.ConcurrencyStamp)
	if err != nil {
		return nil, fmt.Errorf("insert role: %w", err)
	}
	for _, c := range claims {
		c.ID = r.ids.Next()
		if _, err := ext.ExecContext(ctx, ext.Rebind(`INSERT INTO role_claims (id, role_id, claim_type, claim_value) VALUES (?, ?, ?, ?)`),
			c.ID, role.ID, c.Type, c.Value); err != nil {
			return nil, fmt.Errorf("insert role claim: %w", err)
		}
		role.Claims = append(role.Claims, c)
	}
	return &role, nil
}

// GetUserRoles returns the user's roles ordered by role id.
func (r *RoleRepo) GetUserRoles(ctx context.Context, userID int64) ([]entity.Role, error) {
	ext := r.u.Ext()
	var rows []roleRow
	q := ext.Rebind(`SELECT r.id, r.name, r.concurrency_stamp FROM roles r
		JOIN user_roles ur ON ur.role_id = r.id WHERE ur.user_id = ? ORDER BY r.id`)
	if err := sqlx.SelectContext(ctx, ext, &rows, q, userID); err != nil {
		return nil, err
	}
	out := make([]entity.Role, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toEntity())
	}
	return out, nil
}

// GetUserRole returns the primary role: the assigned role with the lowest id.
func (r *RoleRepo) GetUserRole(ctx context.Context, userID int64) (*entity.Role, error) {
	roles, err := r.GetUserRoles(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(roles) == 0 {
		return nil, ErrRoleNotFound
	}
	return &roles[0], nil
}

func (r *RoleRepo) GetUserClaims(ctx context.Context, userID int64) ([]entity.Claim, error) {
	ext := r.u.Ext()
	claims := []entity.Claim{}
	q := ext.Rebind(`SELECT id, claim_type, claim_value FROM user_claims WHERE user_id = ? ORDER BY id`)
	if err := sqlx.SelectContext(ctx, ext, &claims, q, userID); err != nil {
		return nil, err
	}
	return claims, nil
}

// AssignRoles queues role memberships for userID.
func (r *RoleRepo) AssignRoles(ctx context.Context, userID int64, roleIDs ...int64) {
	if len(roleIDs) == 0 {
		return
	}
	ids := append([]int64(nil), roleIDs...)
	r.u.Track(func(ctx context.Context, ext sqlx.ExtContext) (int64, error) {
		var total int64
		for _, roleID := range ids {
			res, err := ext.ExecContext(ctx, ext.Rebind(`INSERT INTO user_roles (user_id, role_id) VALUES (?, ?)`), userID, roleID)
			if err != nil {
				return total, fmt.Errorf("assign role %d: %w", roleID, err)
			}
			n, _ := res.RowsAffected()
			total += n
		}
		return total, nil
	})
}

// AssignClaims queues user claims for userID.
func (r *RoleRepo) AssignClaims(ctx context.Context, userID int64, claims ...entity.Claim) {
	if len(claims) == 0 {
		return
	}
	rows := make([]entity.Claim, len(claims))
	for i, c := range claims {
		c.ID = r.ids.Next()
		rows[i] = c
	}
	r.u.Track(func(ctx context.Context, ext sqlx.ExtContext) (int64, error) {
		var total int64
		for _, c := range rows {
			res, err := ext.ExecContext(ctx, ext.Rebind(`INSERT INTO user_claims (id, user_id, claim_type, claim_value) VALUES (?, ?, ?, ?)`),
				c.ID, userID, c.Type, c.Value)
			if err != nil {
				return total, fmt.Errorf("assign claim %s: %w", c.Type, err)
			}
			n, _ := res.RowsAffected()
			total += n
		}
		return total, nil
	})
}

// RemoveUserRoles queues removal of every role membership of userID.
func (r *RoleRepo) RemoveUserRoles(ctx context.Context, userID int64) {
	r.u.Track(deleteWhere(`DELETE FROM user_roles WHERE user_id = ?`, userID))
}

// RemoveUserClaims queues removal of every claim of userID.
func (r *RoleRepo) RemoveUserClaims(ctx context.Context, userID int64) {
	r.u.Track(deleteWhere(`DELETE FROM user_claims WHERE user_id = ?`, userID))
}

func deleteWhere(query string, args ...any) uow.Change {
	return func(ctx context.Context, ext sqlx.ExtContext) (int64, error) {
		res, err := ext.ExecContext(ctx, ext.Rebind(query), args...)
		if err != nil {
			return 0, err
		}
		return res.RowsAffected()
	}
}
