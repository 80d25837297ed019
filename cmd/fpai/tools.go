package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fineprintai/engine/pkg/cache"
	"github.com/fineprintai/engine/pkg/config"
	"github.com/fineprintai/engine/pkg/patterns"
	"github.com/fineprintai/engine/pkg/privacy"
	"github.com/fineprintai/engine/pkg/store"
	"github.com/fineprintai/engine/pkg/vector"
)

// openStore loads config and connects, shared by the one-shot commands.
func openStore(fs *flag.FlagSet, stderr io.Writer, args []string) (*config.Config, *store.Store, int) {
	fs.SetOutput(stderr)
	configPath := fs.String("config", os.Getenv("FPAI_CONFIG"), "path to config YAML")
	if err := fs.Parse(args); err != nil {
		return nil, nil, 2
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "config: %v\n", err)
		return nil, nil, 1
	}
	st, err := store.Open(cfg.Postgres)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "postgres: %v\n", err)
		return nil, nil, 1
	}
	return cfg, st, 0
}

func runMigrate(args []string, stdout, stderr io.Writer) int {
	_, st, code := openStore(flag.NewFlagSet("migrate", flag.ContinueOnError), stderr, args)
	if code != 0 {
		return code
	}
	defer func() { _ = st.Close() }()

	if err := st.MigrateUp(); err != nil {
		_, _ = fmt.Fprintf(stderr, "migrate: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, "migrations applied")
	return 0
}

func runPatternsCmd(args []string, stdout, stderr io.Writer) int {
	sub, rest := args[0], args[1:]
	switch sub {
	case "validate":
		fs := flag.NewFlagSet("patterns validate", flag.ContinueOnError)
		fs.SetOutput(stderr)
		dir := fs.String("dir", "", "pattern library directory (default from config)")
		configPath := fs.String("config", os.Getenv("FPAI_CONFIG"), "path to config YAML")
		if err := fs.Parse(rest); err != nil {
			return 2
		}
		libDir := *dir
		if libDir == "" {
			cfg, err := config.Load(*configPath)
			if err != nil {
				_, _ = fmt.Fprintf(stderr, "config: %v\n", err)
				return 1
			}
			libDir = cfg.Patterns.LibraryDir
		}
		if err := patterns.ValidateDir(libDir); err != nil {
			_, _ = fmt.Fprintf(stderr, "pattern library invalid: %v\n", err)
			return 1
		}
		_, _ = fmt.Fprintf(stdout, "pattern library %s is valid\n", libDir)
		return 0

	case "sync":
		cfg, st, code := openStore(flag.NewFlagSet("patterns sync", flag.ContinueOnError), stderr, rest)
		if code != 0 {
			return code
		}
		defer func() { _ = st.Close() }()

		library := patterns.NewLibrary(cfg.Patterns.LibraryDir)
		if err := library.Load(); err != nil {
			_, _ = fmt.Fprintf(stderr, "pattern library: %v\n", err)
			return 1
		}
		ctx := context.Background()
		saved, err := library.Sync(ctx, st)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "pattern sync: %v\n", err)
			return 1
		}
		indexer := patterns.NewIndexer(vector.NewPG(st.DB()),
			vector.HashEmbedder{Dim: vector.PatternDim})
		if cfg.Vector.EmbedderEndpoint != "" {
			indexer = patterns.NewIndexer(vector.NewPG(st.DB()),
				vector.NewHTTPEmbedder(cfg.Vector.EmbedderEndpoint, cfg.Vector.EmbedderAPIKey,
					cfg.Vector.EmbedderClauseModel, vector.PatternDim))
		}
		if err := indexer.Index(ctx, saved); err != nil {
			_, _ = fmt.Fprintf(stderr, "pattern index: %v\n", err)
			return 1
		}
		_, _ = fmt.Fprintf(stdout, "synced %d pattern rules\n", len(saved))
		return 0

	default:
		_, _ = fmt.Fprintf(stderr, "Unknown patterns subcommand: %s\n", sub)
		return 2
	}
}

func runAuditVerify(args []string, stdout, stderr io.Writer) int {
	_, st, code := openStore(flag.NewFlagSet("audit verify", flag.ContinueOnError), stderr, args)
	if code != 0 {
		return code
	}
	defer func() { _ = st.Close() }()

	n, err := st.VerifyAuditChain(context.Background())
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "audit chain broken: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "audit chain intact: %d records verified\n", n)
	return 0
}

func runPurge(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("purge", flag.ContinueOnError)
	owner := fs.String("owner", "", "owner id to erase (REQUIRED)")
	yes := fs.Bool("yes", false, "confirm the irreversible deletion")
	cfg, st, code := openStore(fs, stderr, args)
	if code != 0 {
		return code
	}
	defer func() { _ = st.Close() }()

	if *owner == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --owner is required")
		fs.Usage()
		return 2
	}
	if !*yes {
		_, _ = fmt.Fprintln(stderr, "Refusing to purge without --yes; this deletes the owner's data everywhere")
		return 2
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer func() { _ = rdb.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	purger := privacy.NewPurger(st, cache.New(rdb), vector.NewPG(st.DB()))
	report, err := purger.PurgeOwner(ctx, *owner)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "purge: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout,
		"owner %s purged: %d documents, %d versions, %d findings, %d audit records anonymized\n",
		*owner, len(report.DocumentIDs), report.VersionsDeleted,
		report.FindingsDeleted, report.AuditAnonymized)
	return 0
}
