package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schema is applied statement by statement; every statement is idempotent so
// Migrate can run on every startup of the seed tool.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS providers (
		id UUID PRIMARY KEY,
		name TEXT NOT NULL,
		specialty TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS patients (
		id UUID PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id UUID PRIMARY KEY,
		provider_id UUID NOT NULL REFERENCES providers(id),
		date DATE NOT NULL,
		start_minute INT NOT NULL,
		end_minute INT NOT NULL,
		modality TEXT NOT NULL,
		time_band TEXT NOT NULL,
		location_key TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (provider_id, date, modality, time_band, location_key)
	)`,
	`CREATE TABLE IF NOT EXISTS slots (
		id UUID PRIMARY KEY,
		session_id UUID NOT NULL REFERENCES sessions(id),
		provider_id UUID NOT NULL REFERENCES providers(id),
		date DATE NOT NULL,
		start_minute INT NOT NULL,
		end_minute INT NOT NULL,
		capacity INT NOT NULL CHECK (capacity > 0),
		booked_count INT NOT NULL DEFAULT 0 CHECK (booked_count >= 0),
		status TEXT NOT NULL DEFAULT 'AVAILABLE',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (session_id, start_minute, end_minute)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_slots_provider_date ON slots (provider_id, date)`,
	`CREATE TABLE IF NOT EXISTS appointments (
		id UUID PRIMARY KEY,
		patient_id UUID NOT NULL REFERENCES patients(id),
		provider_id UUID NOT NULL REFERENCES providers(id),
		slot_id UUID NOT NULL REFERENCES slots(id),
		status TEXT NOT NULL DEFAULT 'BOOKED',
		cancel_reason TEXT,
		note TEXT,
		confirmed_at TIMESTAMPTZ,
		cancelled_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_appointments_slot ON appointments (slot_id)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_appointments_active_slot_patient
		ON appointments (slot_id, patient_id)
		WHERE status IN ('BOOKED', 'CONFIRMED', 'IN_PROGRESS')`,
	`CREATE INDEX IF NOT EXISTS idx_appointments_patient ON appointments (patient_id)`,
	`CREATE TABLE IF NOT EXISTS session_overrides (
		id UUID PRIMARY KEY,
		provider_id UUID NOT NULL,
		date DATE NOT NULL,
		modality TEXT NOT NULL,
		time_band TEXT NOT NULL,
		location_key TEXT NOT NULL,
		start_minute INT,
		end_minute INT,
		capacity INT,
		reason TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (provider_id, date, modality, time_band, location_key)
	)`,
	`CREATE TABLE IF NOT EXISTS reschedule_offer_groups (
		id UUID PRIMARY KEY,
		appointment_id UUID NOT NULL REFERENCES appointments(id),
		patient_id UUID NOT NULL,
		provider_id UUID NOT NULL,
		fallback_slot_id UUID NOT NULL REFERENCES slots(id),
		expires_at TIMESTAMPTZ NOT NULL,
		status TEXT NOT NULL DEFAULT 'PENDING',
		reason TEXT,
		decided_slot_id UUID,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_offer_groups_active
		ON reschedule_offer_groups (appointment_id) WHERE status = 'PENDING'`,
	`CREATE INDEX IF NOT EXISTS idx_offer_groups_expiry
		ON reschedule_offer_groups (expires_at) WHERE status = 'PENDING'`,
	`CREATE TABLE IF NOT EXISTS reschedule_offers (
		id UUID PRIMARY KEY,
		group_id UUID NOT NULL REFERENCES reschedule_offer_groups(id),
		slot_id UUID NOT NULL REFERENCES slots(id),
		rank INT NOT NULL,
		status TEXT NOT NULL DEFAULT 'PENDING',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_offers_group ON reschedule_offers (group_id)`,
	`CREATE TABLE IF NOT EXISTS event_logs (
		id BIGSERIAL PRIMARY KEY,
		event_type TEXT NOT NULL,
		appointment_id UUID,
		payload JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

// Migrate applies the schema. Safe to run repeatedly.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for i, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement %d: %w", i, err)
		}
	}
	return nil
}
