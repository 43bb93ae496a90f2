package user

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/ovaphlow/pitchfork/service-identity-go/internal/uow"
	"github.com/ovaphlow/pitchfork/service-identity-go/internal/user/entity"
	"github.com/ovaphlow/pitchfork/service-identity-go/pkg/result"
	"github.com/ovaphlow/pitchfork/service-identity-go/pkg/utilities"
)

// ProfileDetailsRequest carries the personal details a user keeps on their
// profile. An empty FullName keeps the current one.
type ProfileDetailsRequest struct {
	FullName        string               `json:"full_name"`
	Birthdate       *time.Time           `json:"birthdate"`
	Gender          entity.Gender        `json:"gender"`
	MaritalStatus   entity.MaritalStatus `json:"marital_status"`
	NationalityCode string               `json:"nationality_code"`
	CountryCode     string               `json:"country_code"`
	CityCode        string               `json:"city_code"`
}

func (r ProfileDetailsRequest) validate(now time.Time) string {
	switch {
	case r.Birthdate == nil:
		return "birthdate is required"
	case r.Birthdate.After(now):
		return "birthdate is in the future"
	case !r.Gender.Valid():
		return "gender is required"
	case !r.MaritalStatus.Valid():
		return "unknown marital status"
	case strings.TrimSpace(r.NationalityCode) == "":
		return "nationality is required"
	case strings.TrimSpace(r.CountryCode) == "":
		return "country is required"
	case strings.TrimSpace(r.CityCode) == "":
		return "city is required"
	}
	return ""
}

// GetProfile returns the profile linked to userID.
func (s *AccountService) GetProfile(ctx context.Context, userID int64) result.Result[entity.Profile] {
	p, err := s.stores().Profiles.GetByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrProfileNotFound) {
			return result.Fail[entity.Profile](http.StatusNotFound, result.ErrProfileNotFound)
		}
		return unexpected[entity.Profile](s.logger, "load profile", err)
	}
	return result.Ok(*p)
}

// CurrentProfile returns the caller's profile.
func (s *AccountService) CurrentProfile(ctx context.Context) result.Result[entity.Profile] {
	p, ok := utilities.PrincipalFromContext(ctx)
	if !ok {
		return result.Fail[entity.Profile](http.StatusUnauthorized, result.ErrUnauthorized)
	}
	return s.GetProfile(ctx, p.ID)
}

// UpdateOwnProfile replaces the personal details on the caller's profile.
func (s *AccountService) UpdateOwnProfile(ctx context.Context, req ProfileDetailsRequest) result.Result[result.Empty] {
	principal, ok := utilities.PrincipalFromContext(ctx)
	if !ok {
		return result.Fail[result.Empty](http.StatusUnauthorized, result.ErrUnauthorized)
	}
	if msg := req.validate(s.now()); msg != "" {
		return result.FailCause[result.Empty](http.StatusBadRequest, result.ErrValidation, msg)
	}

	st := s.stores()
	p, err := st.Profiles.GetByUserID(ctx, principal.ID)
	if err != nil {
		if errors.Is(err, ErrProfileNotFound) {
			return result.Fail[result.Empty](http.StatusNotFound, result.ErrProfileNotFound)
		}
		return unexpected[result.Empty](s.logger, "load profile", err)
	}
	if name := strings.TrimSpace(req.FullName); name != "" {
		p.FullName = name
	}
	birthdate := req.Birthdate.UTC()
	p.Birthdate = &birthdate
	p.Gender = req.Gender
	p.MaritalStatus = req.MaritalStatus
	p.NationalityCode = strings.TrimSpace(req.NationalityCode)
	p.CountryCode = strings.TrimSpace(req.CountryCode)
	p.CityCode = strings.TrimSpace(req.CityCode)

	err = uow.Within(ctx, st.UoW, func(ctx context.Context) error {
		st.Profiles.UpdateDetails(ctx, p)
		_, err := st.UoW.SaveChanges(ctx)
		return err
	})
	if err != nil {
		return unexpected[result.Empty](s.logger, "update profile details", err)
	}
	return result.Ok(result.Empty{})
}
