// Clinical-records anonymiser.
//
// Reads one or more source databases, applies the data dictionary's
// per-column rules, scrubs free text with per-patient scrubbers, and
// writes a structurally similar destination database keyed by one-way
// research IDs.
//
// Usage:
//
//	anonymiser --config /etc/anonymiser/config.yaml [--full] [--workers N]
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/cohortware/anonymiser/internal/config"
	"github.com/cohortware/anonymiser/internal/dbio"
	"github.com/cohortware/anonymiser/internal/dd"
	"github.com/cohortware/anonymiser/internal/extract"
	"github.com/cohortware/anonymiser/internal/idstore"
	"github.com/cohortware/anonymiser/internal/pipeline"
)

// Version is set at build time.
var Version = "0.2.0"

var (
	flagConfig  = flag.String("config", "/etc/anonymiser/config.yaml", "Config file path")
	flagFull    = flag.Bool("full", false, "Full run: drop and rebuild destination tables")
	flagWorkers = flag.Int("workers", 0, "Override worker count")
	flagVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *flagVersion {
		log.Printf("anonymiser %s", Version)
		os.Exit(0)
	}

	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg, err := config.LoadConfig(*flagConfig)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *flagFull {
		cfg.FullRun = true
	}
	if *flagWorkers > 0 {
		cfg.Workers = *flagWorkers
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Printf("Shutdown signal: %v", sig)
		cancel()
	}()

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("Anonymisation failed: %v", err)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	dict, err := dd.Load(cfg.DataDictionaryPath)
	if err != nil {
		return err
	}
	hashers, err := pipeline.BuildHashers(cfg)
	if err != nil {
		return err
	}

	store, err := idstore.NewPG(ctx, cfg.AdminDatabase.DSN, cfg.DBCallTimeout())
	if err != nil {
		return err
	}
	defer store.Close()

	src, err := dbio.NewPGSource(ctx, cfg.SourceDatabases, cfg.DBCallTimeout())
	if err != nil {
		return err
	}
	defer src.Close()

	destPool, err := dbio.NewDestPool(ctx, cfg.DestinationDatabase.DSN)
	if err != nil {
		return err
	}
	defer destPool.Close()

	newWriter := func() dbio.DestWriter {
		return dbio.NewPGDest(destPool, cfg.MaxRowsBeforeCommit, cfg.MaxBytesBeforeCommit, cfg.DBCallTimeout())
	}

	o, err := pipeline.New(cfg, dict, hashers, store, src, newWriter,
		extract.NewPlain(cfg.ExtractTimeout()))
	if err != nil {
		return err
	}
	return o.Run(ctx)
}
