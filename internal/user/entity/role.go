package entity

// Role is static reference data; Admin and the default role are seeded at startup.
type Role struct {
	ID               int64
	Name             string
	ConcurrencyStamp string
	Claims           []Claim
}

// Claim is a key/value pair attached to a role or a user.
type Claim struct {
	ID    int64  `db:"id" json:"-"`
	Type  string `db:"claim_type" json:"type"`
	Value string `db:"claim_value" json:"value"`
}
