package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/ovaphlow/pitchfork/service-identity-go/internal/oidc/entity"
	"github.com/ovaphlow/pitchfork/service-identity-go/pkg/database"
)

var ErrGrantNotFound = errors.New("grant not found")

// GrantRepo persists issuer grants. Grants live outside the account unit of
// work, so every call runs directly on the pool.
type GrantRepo struct {
	db *sqlx.DB
}

func NewGrantRepo(db *sqlx.DB) *GrantRepo {
	return &GrantRepo{db: db}
}

type grantRow struct {
	Key       string        `db:"grant_key"`
	Type      string        `db:"grant_type"`
	SubjectID string        `db:"subject_id"`
	ClientID  string        `db:"client_id"`
	CreatedAt int64         `db:"created_at"`
	ExpiresAt sql.NullInt64 `db:"expires_at"`
	Data      string        `db:"data"`
}

func (row grantRow) toEntity() entity.Grant {
	return entity.Grant{
		Key:       row.Key,
		Type:      entity.GrantType(row.Type),
		SubjectID: row.SubjectID,
		ClientID:  row.ClientID,
		CreatedAt: database.FromMillis(row.CreatedAt),
		ExpiresAt: database.TimeFromNull(row.ExpiresAt),
		Data:      row.Data,
	}
}

const grantColumns = `grant_key, grant_type, subject_id, client_id, created_at, expires_at, data`

func (r *GrantRepo) Store(ctx context.Context, g *entity.Grant) error {
	if g.Key == "" {
		return errors.New("grant key is required")
	}
	row := grantRow{
		Key:       g.Key,
		Type:      string(g.Type),
		SubjectID: g.SubjectID,
		ClientID:  g.ClientID,
		CreatedAt: database.ToMillis(g.CreatedAt),
		ExpiresAt: database.NullMillis(g.ExpiresAt),
		Data:      g.Data,
	}
	_, err := sqlx.NamedExecContext(ctx, r.db, `INSERT INTO grants (`+grantColumns+`)
		VALUES (:grant_key, :grant_type, :subject_id, :client_id, :created_at, :expires_at, :data)`, row)
	if err != nil {
		return fmt.Errorf("store grant: %w", err)
	}
	return nil
}

func (r *GrantRepo) Get(ctx context.Context, key string) (*entity.Grant, error) {
	var row grantRow
	err := r.db.GetContext(ctx, &row, r.db.Rebind(`SELECT `+grantColumns+` FROM grants WHERE grant_key = ?`), key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrGrantNotFound
		}
		return nil, err
	}
	g := row.toEntity()
	return &g, nil
}

// GetAll lists grants matching f. It never modifies the store.
func (r *GrantRepo) GetAll(ctx context.Context, f entity.GrantFilter) ([]entity.Grant, error) {
	where, args, none, err := filterClause(f)
	if err != nil {
		return nil, err
	}
	out := []entity.Grant{}
	if none {
		return out, nil
	}
	var rows []grantRow
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(`SELECT `+grantColumns+` FROM grants`+where+` ORDER BY created_at`), args...); err != nil {
		return nil, err
	}
	for _, row := range rows {
		out = append(out, row.toEntity())
	}
	return out, nil
}

// Remove deletes the grant with key. A missing key is not an error.
func (r *GrantRepo) Remove(ctx context.Context, key string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM grants WHERE grant_key = ?`), key)
	return err
}

// RemoveAll deletes every grant matching f and returns how many went.
func (r *GrantRepo) RemoveAll(ctx context.Context, f entity.GrantFilter) (int64, error) {
	where, args, none, err := filterClause(f)
	if err != nil || none {
		return 0, err
	}
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM grants`+where), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// filterClause builds the WHERE clause for f. none is true when f can match nothing.
func filterClause(f entity.GrantFilter) (string, []any, bool, error) {
	var conds []string
	var args []any
	if f.SubjectID != "" {
		conds = append(conds, "subject_id = ?")
		args = append(args, f.SubjectID)
	}
	if f.ClientID != "" {
		conds = append(conds, "client_id = ?")
		args = append(args, f.ClientID)
	}
	if f.ClientIDs != nil {
		if len(f.ClientIDs) == 0 {
			return "", nil, true, nil
		}
		conds = append(conds, "client_id IN (?)")
		args = append(args, f.ClientIDs)
	}
	if f.Type != "" {
		conds = append(conds, "grant_type = ?")
		args = append(args, string(f.Type))
	}
	if f.Types != nil {
		if len(f.Types) == 0 {
			return "", nil, true, nil
		}
		types := make([]string, len(f.Types))
		for i, t := range f.Types {
			types[i] = string(t)
		}
		conds = append(conds, "grant_type IN (?)")
		args = append(args, types)
	}
	if len(conds) == 0 {
		return "", nil, false, nil
	}
	q, expanded, err := sqlx.In(" WHERE "+strings.Join(conds, " AND "), args...)
	if err != nil {
		return "", nil, false, fmt.Errorf("expand grant filter: %w", err)
	}
	return q, expanded, false, nil
}
