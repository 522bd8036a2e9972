package models

import "time"

// RegistryEntity is one canonical entity in the reference registry. The
// registry is read-only from this service's perspective; rows are refreshed
// by an external loader.
type RegistryEntity struct {
	ID             string      `json:"id" db:"id"`
	CanonicalName  string      `json:"canonical_name" db:"canonical_name"`
	NormalizedName string      `json:"normalized_name" db:"normalized_name"`
	Category       *string     `json:"category,omitempty" db:"category"`
	Aliases        StringSlice `json:"aliases,omitempty" db:"aliases"`
	CreatedAt      time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at" db:"updated_at"`
}
