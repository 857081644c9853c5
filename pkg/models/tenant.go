package models

import (
	"time"

	"github.com/google/uuid"
)

// Tenant represents a clinic. Every job, task, and API key belongs to a tenant.
type Tenant struct {
	ID         uuid.UUID `db:"id"          json:"id"`
	Name       string    `db:"name"        json:"name"`
	ClinicCode string    `db:"clinic_code" json:"clinic_code"`
	CreatedAt  time.Time `db:"created_at"  json:"created_at"`
	UpdatedAt  time.Time `db:"updated_at"  json:"updated_at"`
}
