package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinicore/booking-engine/internal/booking"
	"github.com/clinicore/booking-engine/internal/db"
)

const (
	providerCount = 25
	patientCount  = 2000
	scheduleDays  = 14
	slotMinutes   = 15
	slotCapacity  = 2
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("seed starting")

	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		log.Fatal("POSTGRES_DSN is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, dsn)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	if err := db.Migrate(context.Background(), pool); err != nil {
		log.Fatalf("migrate schema: %v", err)
	}
	log.Println("schema migrated")

	gofakeit.Seed(time.Now().UnixNano())

	providers, err := seedProviders(context.Background(), pool, providerCount)
	if err != nil {
		log.Fatalf("seed providers: %v", err)
	}
	if err := seedPatients(context.Background(), pool, patientCount); err != nil {
		log.Fatalf("seed patients: %v", err)
	}
	if err := seedSchedules(context.Background(), pool, providers); err != nil {
		log.Fatalf("seed schedules: %v", err)
	}

	log.Println("seed complete")
}

func seedProviders(ctx context.Context, pool *pgxpool.Pool, count int) ([]uuid.UUID, error) {
	log.Printf("seeding %d providers", count)

	specialties := []string{
		"Dermatology",
		"Cardiology",
		"General Practice",
		"Orthopedics",
		"Endocrinology",
		"Neurology",
		"Pediatrics",
		"Psychiatry",
		"Ophthalmology",
		"ENT",
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	ids := make([]uuid.UUID, 0, count)
	for i := 0; i < count; i++ {
		id := uuid.New()
		name := gofakeit.Name()
		spec := specialties[gofakeit.Number(0, len(specialties)-1)]

		_, err := tx.Exec(ctx, `
			INSERT INTO providers (id, name, specialty, created_at, updated_at)
			VALUES ($1, $2, $3, now(), now())
		`, id, name, spec)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	log.Println("providers seeded")
	return ids, nil
}

func seedPatients(ctx context.Context, pool *pgxpool.Pool, count int) error {
	log.Printf("seeding %d patients", count)

	const batchSize = 500

	for offset := 0; offset < count; offset += batchSize {
		end := offset + batchSize
		if end > count {
			end = count
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}

		for i := offset; i < end; i++ {
			id := uuid.New()
			name := gofakeit.Name()
			email := gofakeit.Email()

			_, err := tx.Exec(ctx, `
				INSERT INTO patients (id, name, email, created_at, updated_at)
				VALUES ($1, $2, $3, now(), now())
			`, id, name, email)
			if err != nil {
				_ = tx.Rollback(ctx)
				return err
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return err
		}

		log.Printf("patients seeded: %d/%d", end, count)
	}

	log.Println("patients seeded")
	return nil
}

type sessionTemplate struct {
	band        booking.TimeBand
	startMinute int
	endMinute   int
}

// seedSchedules creates a morning and an afternoon session per provider per
// day, filled with back-to-back slots.
func seedSchedules(ctx context.Context, pool *pgxpool.Pool, providers []uuid.UUID) error {
	log.Printf("seeding %d days of sessions for %d providers", scheduleDays, len(providers))

	templates := []sessionTemplate{
		{band: booking.BandMorning, startMinute: 9 * 60, endMinute: 12 * 60},
		{band: booking.BandAfternoon, startMinute: 13 * 60, endMinute: 17 * 60},
	}
	today := time.Now().UTC().Truncate(24 * time.Hour)

	sessions, slots := 0, 0
	for _, providerID := range providers {
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}

		for day := 0; day < scheduleDays; day++ {
			date := today.AddDate(0, 0, day)
			for _, tpl := range templates {
				// DO UPDATE instead of DO NOTHING so a re-run still returns
				// the existing session id for the slot inserts below.
				var sessionID uuid.UUID
				err := tx.QueryRow(ctx, `
					INSERT INTO sessions (id, provider_id, date, start_minute, end_minute, modality, time_band, location_key, created_at, updated_at)
					VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now())
					ON CONFLICT (provider_id, date, modality, time_band, location_key) DO UPDATE SET updated_at = now()
					RETURNING id
				`, uuid.New(), providerID, date, tpl.startMinute, tpl.endMinute,
					booking.ModalityInPerson, tpl.band, "clinic-main").Scan(&sessionID)
				if err != nil {
					_ = tx.Rollback(ctx)
					return err
				}
				sessions++

				for start := tpl.startMinute; start+slotMinutes <= tpl.endMinute; start += slotMinutes {
					_, err := tx.Exec(ctx, `
						INSERT INTO slots (id, session_id, provider_id, date, start_minute, end_minute, capacity, booked_count, status, created_at, updated_at)
						VALUES ($1, $2, $3, $4, $5, $6, $7, 0, 'AVAILABLE', now(), now())
						ON CONFLICT (session_id, start_minute, end_minute) DO NOTHING
					`, uuid.New(), sessionID, providerID, date, start, start+slotMinutes, slotCapacity)
					if err != nil {
						_ = tx.Rollback(ctx)
						return err
					}
					slots++
				}
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return err
		}
	}

	log.Printf("schedules seeded: %d sessions, %d slots", sessions, slots)
	return nil
}
