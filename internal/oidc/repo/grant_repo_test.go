package repo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ovaphlow/pitchfork/service-identity-go/internal/oidc/entity"
	"github.com/ovaphlow/pitchfork/service-identity-go/pkg/database/databasetest"
)

func seedGrants(t *testing.T, r *GrantRepo) {
	t.Helper()
	base := time.Now().Truncate(time.Millisecond)
	exp := base.Add(time.Hour)
	grants := []entity.Grant{
		{Key: "k1", Type: entity.GrantTypeRefreshToken, SubjectID: "1", ClientID: "web", CreatedAt: base, ExpiresAt: &exp, Data: `{"scopes":["openid"]}`},
		{Key: "k2", Type: entity.GrantTypeAuthorizationCode, SubjectID: "1", ClientID: "web", CreatedAt: base.Add(time.Second)},
		{Key: "k3", Type: entity.GrantTypeRefreshToken, SubjectID: "1", ClientID: "api", CreatedAt: base.Add(2 * time.Second)},
		{Key: "k4", Type: entity.GrantTypeRefreshToken, SubjectID: "2", ClientID: "api", CreatedAt: base.Add(3 * time.Second)},
	}
	for i := range grants {
		require.NoError(t, r.Store(context.Background(), &grants[i]))
	}
}

func keys(gs []entity.Grant) []string {
	out := make([]string, 0, len(gs))
	for _, g := range gs {
		out = append(out, g.Key)
	}
	return out
}

func TestGrantStoreAndGet(t *testing.T) {
	r := NewGrantRepo(databasetest.NewSQLite(t))
	ctx := context.Background()
	seedGrants(t, r)

	g, err := r.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, entity.GrantTypeRefreshToken, g.Type)
	assert.Equal(t, `{"scopes":["openid"]}`, g.Data)
	require.NotNil(t, g.ExpiresAt)
	assert.False(t, g.Expired(time.Now()))
	assert.True(t, g.Expired(g.ExpiresAt.Add(time.Millisecond)))

	nonExpiring, err := r.Get(ctx, "k2")
	require.NoError(t, err)
	assert.Nil(t, nonExpiring.ExpiresAt)
	assert.False(t, nonExpiring.Expired(time.Now().Add(100*time.Hour)))

	_, err = r.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrGrantNotFound)

	assert.Error(t, r.Store(ctx, &entity.Grant{Key: "k1", Type: entity.GrantTypeRefreshToken}), "keys are unique")
	assert.Error(t, r.Store(ctx, &entity.Grant{}))
}

func TestGrantFilter(t *testing.T) {
	r := NewGrantRepo(databasetest.NewSQLite(t))
	ctx := context.Background()
	seedGrants(t, r)

	tests := []struct {
		name   string
		filter entity.GrantFilter
		want   []string
	}{
		{"unconstrained", entity.GrantFilter{}, []string{"k1", "k2", "k3", "k4"}},
		{"subject", entity.GrantFilter{SubjectID: "1"}, []string{"k1", "k2", "k3"}},
		{"subject and client", entity.GrantFilter{SubjectID: "1", ClientID: "web"}, []string{"k1", "k2"}},
		{"client list", entity.GrantFilter{ClientIDs: []string{"api"}}, []string{"k3", "k4"}},
		{"empty client list matches nothing", entity.GrantFilter{ClientIDs: []string{}}, []string{}},
		{"type", entity.GrantFilter{SubjectID: "1", Type: entity.GrantTypeRefreshToken}, []string{"k1", "k3"}},
		{"type list", entity.GrantFilter{Types: []entity.GrantType{entity.GrantTypeAuthorizationCode}}, []string{"k2"}},
		{"empty type list matches nothing", entity.GrantFilter{SubjectID: "1", Types: []entity.GrantType{}}, []string{}},
		{"no match", entity.GrantFilter{SubjectID: "3"}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.GetAll(ctx, tt.filter)
			require.NoError(t, err)
			assert.Equal(t, tt.want, keys(got))
		})
	}

	all, err := r.GetAll(ctx, entity.GrantFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 4, "listing leaves the store untouched")
}

func TestGrantRemove(t *testing.T) {
	r := NewGrantRepo(databasetest.NewSQLite(t))
	ctx := context.Background()
	seedGrants(t, r)

	require.NoError(t, r.Remove(ctx, "k2"))
	require.NoError(t, r.Remove(ctx, "k2"), "removing twice is fine")
	_, err := r.Get(ctx, "k2")
	assert.ErrorIs(t, err, ErrGrantNotFound)

	n, err := r.RemoveAll(ctx, entity.GrantFilter{ClientIDs: []string{}})
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = r.RemoveAll(ctx, entity.GrantFilter{SubjectID: "1", ClientIDs: []string{"web", "api"}})
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	left, err := r.GetAll(ctx, entity.GrantFilter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"k4"}, keys(left))
}
