package user

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ovaphlow/pitchfork/service-identity-go/internal/user/entity"
	"github.com/ovaphlow/pitchfork/service-identity-go/pkg/result"
)

func detailsRequest() ProfileDetailsRequest {
	born := time.Date(1988, 11, 5, 0, 0, 0, 0, time.UTC)
	return ProfileDetailsRequest{
		Birthdate:       &born,
		Gender:          entity.GenderFemale,
		MaritalStatus:   entity.MaritalMarried,
		NationalityCode: "NL",
		CountryCode:     "NL",
		CityCode:        "AMS",
	}
}

func TestCurrentProfileNeedsPrincipal(t *testing.T) {
	e := newTestEnv(t, "Member")
	res := e.svc.CurrentProfile(context.Background())
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.True(t, res.HasError(result.ErrUnauthorized))

	res2 := e.svc.UpdateOwnProfile(context.Background(), detailsRequest())
	assert.Equal(t, http.StatusUnauthorized, res2.StatusCode)
}

func TestGetProfileUnknownUser(t *testing.T) {
	e := newTestEnv(t, "Member")
	res := e.svc.GetProfile(context.Background(), 424242)
	assert.False(t, res.Success)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.True(t, res.HasError(result.ErrProfileNotFound))
}

func TestUpdateOwnProfileValidation(t *testing.T) {
	e := newTestEnv(t, "Member")
	id := e.create(t, "pia", "pia@example.com")
	ctx := asUser(id)
	future := time.Now().Add(48 * time.Hour)

	cases := []struct {
		name   string
		mutate func(*ProfileDetailsRequest)
	}{
		{"no birthdate", func(r *ProfileDetailsRequest) { r.Birthdate = nil }},
		{"future birthdate", func(r *ProfileDetailsRequest) { r.Birthdate = &future }},
		{"no gender", func(r *ProfileDetailsRequest) { r.Gender = "" }},
		{"unknown marital status", func(r *ProfileDetailsRequest) { r.MaritalStatus = "complicated" }},
		{"no nationality", func(r *ProfileDetailsRequest) { r.NationalityCode = " " }},
		{"no country", func(r *ProfileDetailsRequest) { r.CountryCode = "" }},
		{"no city", func(r *ProfileDetailsRequest) { r.CityCode = "" }},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			req := detailsRequest()
			c.mutate(&req)
			res := e.svc.UpdateOwnProfile(ctx, req)
			assert.Equal(t, http.StatusBadRequest, res.StatusCode)
			assert.True(t, res.HasError(result.ErrValidation), "%+v", res.Errors)
		})
	}

	p := e.svc.CurrentProfile(ctx)
	require.True(t, p.Success)
	assert.Nil(t, p.Value.Birthdate)
}

func TestUpdateOwnProfileStoresDetails(t *testing.T) {
	e := newTestEnv(t, "Member")
	id := e.create(t, "quinn", "quinn@example.com")
	ctx := asUser(id)

	before := e.svc.CurrentProfile(ctx)
	require.True(t, before.Success)
	name := before.Value.FullName

	req := detailsRequest()
	req.MaritalStatus = ""
	require.True(t, e.svc.UpdateOwnProfile(ctx, req).Success)

	got := e.svc.GetProfile(context.Background(), id)
	require.True(t, got.Success)
	assert.Equal(t, name, got.Value.FullName, "an empty name keeps the current one")
	require.NotNil(t, got.Value.Birthdate)
	assert.True(t, req.Birthdate.Equal(*got.Value.Birthdate))
	assert.Equal(t, entity.GenderFemale, got.Value.Gender)
	assert.Empty(t, got.Value.MaritalStatus)
	assert.Equal(t, "AMS", got.Value.CityCode)
	assert.Equal(t, "quinn@example.com", got.Value.Email)
	require.NotNil(t, got.Value.LastModifiedBy)
	assert.Equal(t, "tester", *got.Value.LastModifiedBy)

	req.FullName = "Quinn Fabray"
	require.True(t, e.svc.UpdateOwnProfile(ctx, req).Success)
	assert.Equal(t, "Quinn Fabray", e.svc.CurrentProfile(ctx).Value.FullName)
}
