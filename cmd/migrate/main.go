// migrate applies every SQL file under migrations/ in order. The files are
// idempotent, so re-running against an existing database is safe.
//
// Usage: go run ./cmd/migrate [migrations-dir]
package main

import (
	"context"
	"log"
	"os"

	"stock-engine/internal/db"

	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	dir := "migrations"
	if len(os.Args) > 1 {
		dir = os.Args[1]
	}

	ctx := context.Background()
	pool, err := db.NewPoolFromEnv(ctx)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer pool.Close()

	if err := db.ApplyMigrations(ctx, pool, dir); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}
	log.Println("Migrations applied.")
}
