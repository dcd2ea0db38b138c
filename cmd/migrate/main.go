package main

import (
	"database/sql"
	"log"
	"os"

	"github.com/caarlos0/env/v11"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose"
)

// Only the database settings; the publish target is not needed to migrate.
type migrateConfig struct {
	PostgresDSN   string `env:"POSTGRES_DSN,required"`
	MigrationsDir string `env:"MIGRATIONS_DIR" envDefault:"migrations"`
}

// usage: migrate [up|down|status|version|redo] [args]   (default: up)
func main() {
	cfg, err := env.ParseAs[migrateConfig]()
	if err != nil {
		log.Fatal(err)
	}
	command, args := "up", []string(nil)
	if len(os.Args) > 1 {
		command, args = os.Args[1], os.Args[2:]
	}

	db, err := sql.Open("pgx", cfg.PostgresDSN)
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	if err := goose.SetDialect("postgres"); err != nil {
		log.Fatal(err)
	}
	if err := goose.Run(command, db, cfg.MigrationsDir, args...); err != nil {
		log.Fatalf("goose %s: %v", command, err)
	}
}
