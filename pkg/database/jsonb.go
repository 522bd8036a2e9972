package database

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSONB maps a typed struct onto a Postgres jsonb column; batch options are
// stored this way so new stage toggles never need a schema migration.
type JSONB[T any] struct {
	Data T
}

func (p *JSONB[T]) Scan(src any) error {
	b, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("JSONB.Scan: expected []byte, got %T", src)
	}
	return json.Unmarshal(b, &p.Data)
}

func (p JSONB[T]) Value() (driver.Value, error) {
	return json.Marshal(p.Data)
}

func (p *JSONB[T]) GetValue() T {
	return p.Data
}
