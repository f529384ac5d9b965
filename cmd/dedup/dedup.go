package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"

	"github.com/akamensky/argparse"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/surgset/pkg/config"
	"github.com/cyclopcam/surgset/pkg/dedup"
	"github.com/cyclopcam/surgset/pkg/ledger"
	"github.com/cyclopcam/surgset/pkg/phash"
)

func check(err error) {
	if err != nil {
		panic(err)
	}
}

func main() {
	parser := argparse.NewParser("dedup", "Remove near-duplicate frames from a dataset")
	configFile := parser.String("c", "config", &argparse.Options{Help: "Config file", Required: true})
	source := parser.String("s", "source", &argparse.Options{Help: "Source prefix (overrides config)", Required: false})
	work := parser.String("w", "work", &argparse.Options{Help: "Work prefix (overrides config)", Required: false})
	root := parser.String("", "root", &argparse.Options{Help: "Use this directory for storage (overrides config)", Required: false})
	bucket := parser.String("", "gcs", &argparse.Options{Help: "Use this GCS bucket for storage (overrides config)", Required: false})
	batchSize := parser.Int("b", "batchsize", &argparse.Options{Help: "Batch size (overrides config)", Required: false, Default: 0})
	report := parser.String("o", "report", &argparse.Options{Help: "Write the result to this JSON file", Required: false})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	cfg, err := config.Load(*configFile)
	check(err)
	if *source != "" {
		cfg.SourcePrefix = *source
	}
	if *work != "" {
		cfg.WorkPrefix = *work
	}
	if *root != "" {
		cfg.Storage = config.StorageConfig{Filesystem: &config.StorageConfigFS{Root: *root}}
	}
	if *bucket != "" {
		cfg.Storage = config.StorageConfig{GCS: &config.StorageConfigGCS{Bucket: *bucket}}
	}
	if *batchSize != 0 {
		cfg.BatchSize = *batchSize
	}
	check(cfg.Validate())

	logger, err := logs.NewLog()
	check(err)
	defer logger.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	blobs, closeBlobs, err := cfg.Storage.Open(ctx, logger)
	check(err)
	defer closeBlobs()

	store, err := dedup.NewBlobStore(blobs, cfg.SourcePrefix, cfg.WorkPrefix)
	check(err)

	method, err := phash.ParseMethod(cfg.HashMethod)
	check(err)
	oracle := phash.NewOracle(logger, store, method, cfg.SimilarityThreshold)

	d, err := dedup.NewDeduplicator(logger, cfg.DedupConfig(), oracle, store)
	check(err)

	var recorder *ledger.RunRecorder
	if cfg.Ledger != "" {
		l, err := ledger.Open(logger, cfg.Ledger)
		check(err)
		defer l.Close()
		recorder, err = l.StartRun(cfg.SourcePrefix, cfg.DedupConfig())
		check(err)
		d.SetObserver(recorder)
	}

	result, runErr := d.RunSource(ctx)
	if recorder != nil {
		if err := recorder.Finish(result, runErr); err != nil {
			logger.Errorf("%v", err)
		}
	}

	if *report != "" && result != nil {
		j, err := json.MarshalIndent(result, "", "  ")
		check(err)
		check(os.WriteFile(*report, j, 0644))
	}

	if runErr != nil {
		logger.Errorf("Deduplication failed: %v", runErr)
		if result != nil && len(result.Failures) != 0 {
			logger.Errorf("%v batches failed. Their items are back in '%v', so running again will retry them", len(result.Failures), cfg.SourcePrefix)
		}
		logger.Close()
		os.Exit(1)
	}
	fmt.Printf("%v unique images are in %v/%v\n", len(result.Survivors), cfg.WorkPrefix, dedup.LocationFinal)
}
