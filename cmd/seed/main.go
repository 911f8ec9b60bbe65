// seed loads a demo warehouse layout into an empty database: one warehouse,
// a few products with placement constraints, and a rack of locations.
// Refuses to run when lot records already exist.
//
// Usage: go run ./cmd/seed
package main

import (
	"context"
	"log"

	"stock-engine/internal/db"

	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	ctx := context.Background()
	pool, err := db.NewPoolFromEnv(ctx)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer pool.Close()

	var lots int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM lot_records`).Scan(&lots); err != nil {
		log.Fatalf("Failed to inspect database (did you run cmd/migrate?): %v", err)
	}
	if lots > 0 {
		log.Fatalf("Database already holds %d lot records, refusing to seed over live data", lots)
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		log.Fatalf("Failed to begin transaction: %v", err)
	}
	defer tx.Rollback(ctx)

	log.Println("Seeding warehouse...")
	_, err = tx.Exec(ctx, `
		INSERT INTO warehouses (code, name)
		VALUES ('MAIN', 'Main Distribution Center')
		ON CONFLICT (code) DO NOTHING;
	`)
	if err != nil {
		log.Fatalf("Failed to seed warehouse: %v", err)
	}

	log.Println("Seeding products...")
	_, err = tx.Exec(ctx, `
		INSERT INTO products (code, name, hazardous, temperature_controlled, unit_weight, unit_volume) VALUES
		('WIDGET-STD', 'Standard Widget',     false, false, 1.2, 0.5),
		('WIDGET-XL',  'Oversize Widget',     false, false, 8.0, 4.0),
		('SOLVENT-55', 'Solvent, 55gal Drum', true,  false, 220, 0.21),
		('VAX-COLD',   'Cold Chain Vaccine',  false, true,  0.1, 0.01)
		ON CONFLICT (code) DO NOTHING;
	`)
	if err != nil {
		log.Fatalf("Failed to seed products: %v", err)
	}

	log.Println("Seeding locations...")
	_, err = tx.Exec(ctx, `
		INSERT INTO locations (warehouse_id, code, location_type, max_quantity, max_weight, hazardous_allowed, temperature_controlled)
		SELECT w.id, v.code, v.location_type, v.max_quantity, v.max_weight, v.hazardous_allowed, v.temperature_controlled
		FROM warehouses w,
		(VALUES
			('A-01-01', 'STORAGE',   500::numeric,  2000::numeric, false, false),
			('A-01-02', 'STORAGE',   500::numeric,  2000::numeric, false, false),
			('A-02-01', 'STORAGE',   500::numeric,  2000::numeric, false, false),
			('B-01-01', 'STORAGE',   100::numeric,  5000::numeric, false, false),
			('HAZ-01',  'STORAGE',   40::numeric,   9000::numeric, true,  false),
			('COLD-01', 'STORAGE',   1000::numeric, 500::numeric,  false, true),
			('QC-01',   'QUARANTINE', NULL,         NULL,          true,  true),
			('DOCK-IN', 'UNLOADING',  NULL,         NULL,          true,  true),
			('DOCK-OUT','LOADING',    NULL,         NULL,          true,  true)
		) AS v(code, location_type, max_quantity, max_weight, hazardous_allowed, temperature_controlled)
		WHERE w.code = 'MAIN'
		ON CONFLICT (warehouse_id, code) DO NOTHING;
	`)
	if err != nil {
		log.Fatalf("Failed to seed locations: %v", err)
	}

	if err := tx.Commit(ctx); err != nil {
		log.Fatalf("Failed to commit seed: %v", err)
	}
	log.Println("Demo warehouse seeded.")
}
