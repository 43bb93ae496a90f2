package entity

import "time"

type Gender string

const (
	GenderMale   Gender = "male"
	GenderFemale Gender = "female"
)

func (g Gender) Valid() bool {
	return g == GenderMale || g == GenderFemale
}

type MaritalStatus string

const (
	MaritalSingle    MaritalStatus = "single"
	MaritalMarried   MaritalStatus = "married"
	MaritalDivorced  MaritalStatus = "divorced"
	MaritalWidowed   MaritalStatus = "widowed"
	MaritalSeparated MaritalStatus = "separated"
)

// Valid accepts the empty status, which means "not stated".
func (m MaritalStatus) Valid() bool {
	switch m {
	case "", MaritalSingle, MaritalMarried, MaritalDivorced, MaritalWidowed, MaritalSeparated:
		return true
	}
	return false
}

// Profile is the linked record created together with every account. The
// contact fields mirror the user; the personal details are edited on their own.
type Profile struct {
	ID              int64         `json:"id"`
	UserID          int64         `json:"user_id"`
	FullName        string        `json:"full_name"`
	Email           string        `json:"email"`
	Phone           string        `json:"phone,omitempty"`
	Birthdate       *time.Time    `json:"birthdate,omitempty"`
	Gender          Gender        `json:"gender,omitempty"`
	MaritalStatus   MaritalStatus `json:"marital_status,omitempty"`
	NationalityCode string        `json:"nationality_code,omitempty"`
	CountryCode     string        `json:"country_code,omitempty"`
	CityCode        string        `json:"city_code,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	CreatedBy       string        `json:"created_by"`
	LastModifiedAt  *time.Time    `json:"last_modified_at,omitempty"`
	LastModifiedBy  *string       `json:"last_modified_by,omitempty"`
}
