package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/hetu-io/hetu/internal/catalog"
	"github.com/hetu-io/hetu/pkg/config"
)

func runMigrate(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	configPath := fs.String("config", "", "optional YAML config overlay")
	migrationsURL := fs.String("migrations", "file://internal/catalog/migrations", "golang-migrate source URL")
	if err := fs.Parse(args); err != nil {
		return exitConfigError
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hetu migrate: load config: %v\n", err)
		return exitConfigError
	}
	if cfg.CatalogDSN == "" {
		fmt.Fprintln(os.Stderr, "hetu migrate: HETU_CATALOG_DSN must be set")
		return exitConfigError
	}

	store, err := catalog.Open(cfg.CatalogDSN)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hetu migrate: open catalog: %v\n", err)
		return exitBackendError
	}
	defer store.Close()

	if err := store.Migrate(*migrationsURL); err != nil {
		fmt.Fprintf(os.Stderr, "hetu migrate: apply migrations: %v\n", err)
		return exitMigrationError
	}

	fmt.Println("hetu migrate: schema up to date")
	return exitOK
}
