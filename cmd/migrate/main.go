package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/angelmondragon/pdf2md-billing/pkg/config"
	"github.com/angelmondragon/pdf2md-billing/pkg/db"
	"github.com/angelmondragon/pdf2md-billing/pkg/logger"
	"github.com/angelmondragon/pdf2md-billing/pkg/migrate"
	"github.com/angelmondragon/pdf2md-billing/pkg/secrets"
	"github.com/joho/godotenv"
)

func main() {
	ctx := context.Background()
	logg := logger.New(logger.Options{ServiceName: "pdf2md-migrate"})

	_ = godotenv.Load()

	cmd := flag.String("cmd", "up", "migration command: up|down|status|version|create|validate")
	dir := flag.String("dir", migrate.SourceDir, "migrations source directory (create and validate)")
	name := flag.String("name", "", "migration name (for create)")
	version := flag.Int64("version", 0, "target version (YYYYMMDDHHMMSS) for -cmd=version")
	flag.Parse()

	ctx = logg.WithField(ctx, "cmd", *cmd)

	// create and validate work on the source tree; everything else runs the
	// schema embedded in this binary.
	switch *cmd {
	case "create":
		if *name == "" {
			exitf("missing -name for create")
		}
		path, err := migrate.CreateSQLMigration(*dir, *name)
		if err != nil {
			exitf("failed to create migration: %v", err)
		}
		fmt.Println("created migration:", path)
		return

	case "validate":
		if err := migrate.ValidateDir(*dir); err != nil {
			exitf("migration validation failed: %v", err)
		}
		fmt.Println("migration validation passed")
		return
	}

	cfg, err := config.Load()
	requireResource(ctx, logg, "config", err)
	requireResource(ctx, logg, "secrets", secrets.Apply(ctx, cfg))

	logg = logger.New(logger.Options{
		ServiceName: "pdf2md-migrate",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})
	ctx = logg.WithFields(ctx, map[string]any{"env": cfg.App.Env})

	dbClient, err := db.New(ctx, cfg.DB, logg)
	requireResource(ctx, logg, "database", err)
	defer dbClient.Close()

	sqlDB, err := dbClient.DB().DB()
	requireResource(ctx, logg, "sql database", err)

	m, err := migrate.New(sqlDB)
	requireResource(ctx, logg, "migrations", err)

	switch *cmd {
	case "up":
		applied, err := m.Up(ctx)
		if err != nil {
			exitf("%v", err)
		}
		fmt.Printf("applied %d migration(s)\n", applied)

	case "down":
		if err := m.Down(ctx); err != nil {
			exitf("%v", err)
		}

	case "status":
		pending, err := m.Pending(ctx)
		if err != nil {
			exitf("%v", err)
		}
		if len(pending) == 0 {
			fmt.Println("ledger schema up to date")
			return
		}
		for _, v := range pending {
			fmt.Println("pending:", v)
		}

	case "version":
		if *version <= 0 {
			exitf("missing -version for version command")
		}
		if err := m.To(ctx, *version); err != nil {
			exitf("%v", err)
		}

	default:
		exitf("unknown -cmd value: %s", *cmd)
	}
}

func exitf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func requireResource(ctx context.Context, logg *logger.Logger, resource string, err error) {
	if err == nil {
		return
	}
	logg.Error(ctx, fmt.Sprintf("resource not working: %s", resource), err)
	os.Exit(1)
}
