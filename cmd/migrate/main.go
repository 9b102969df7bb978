package main

import (
	"context"
	"flag"
	"log"

	"KeyLedger/internal/config"
	"KeyLedger/migrations"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

func main() {
	cmd := flag.String("cmd", "up", "goose command: up, down, status, version")
	flag.Parse()

	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	if cfg.Storage != config.StoragePostgres {
		log.Fatalf("migrations need postgres storage, got %q", cfg.Storage)
	}

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("pgx"); err != nil {
		log.Fatalf("goose dialect: %v", err)
	}
	db, err := goose.OpenDBWithDriver("pgx", cfg.DB.DSN)
	if err != nil {
		log.Fatalf("db open failed: %v", err)
	}
	defer db.Close()

	if err := goose.RunContext(context.Background(), *cmd, db, "."); err != nil {
		log.Fatalf("goose %s failed: %v", *cmd, err)
	}
}
