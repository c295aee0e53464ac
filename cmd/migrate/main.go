package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"famsave.org/internal/config"
	"famsave.org/internal/migrate"
	"famsave.org/internal/obs"
	"famsave.org/ops/migrations"
)

func main() {
	var (
		dsn            = flag.String("dsn", os.Getenv(config.EnvName("pg.dsn")), "PostgreSQL DSN")
		migrationsPath = flag.String("migrations", "", "Directory of SQL migrations (default: embedded)")
	)
	flag.Parse()

	logger := obs.Logger()
	defer func() { _ = logger.Sync() }()

	if *dsn == "" {
		logger.Fatal("missing DSN: provide via -dsn or " + config.EnvName("pg.dsn"))
	}
	if len(flag.Args()) == 0 {
		fmt.Fprintln(os.Stderr, "usage: migrate [up|down|status]")
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		logger.Fatal("open db", zap.Error(err))
	}
	defer db.Close()

	var files fs.FS = migrations.Files()
	if *migrationsPath != "" {
		files = os.DirFS(*migrationsPath)
	}
	mgr := migrate.NewManager(db, files)

	switch flag.Arg(0) {
	case "up":
		var applied []string
		applied, err = mgr.Up(ctx)
		if err == nil && len(applied) == 0 {
			logger.Info("schema up to date")
		}
	case "down":
		_, err = mgr.Down(ctx)
	case "status":
		var history []migrate.Migration
		history, err = mgr.Status(ctx)
		for _, item := range history {
			state := "pending"
			if item.Applied {
				state = item.AppliedAt.UTC().Format(time.RFC3339)
			}
			fmt.Printf("%-40s %s\n", item.Name, state)
		}
	default:
		logger.Fatal("unknown command", zap.String("command", flag.Arg(0)))
	}
	if err != nil {
		logger.Fatal("migrate failed", zap.String("command", flag.Arg(0)), zap.Error(err))
	}
}
