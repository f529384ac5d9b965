package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/akamensky/argparse"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/surgset/pkg/config"
	"github.com/cyclopcam/surgset/pkg/upload"
)

func check(err error) {
	if err != nil {
		panic(err)
	}
}

func main() {
	parser := argparse.NewParser("upload", "Upload frames to blob storage, in batches")
	input := parser.String("i", "input", &argparse.Options{Help: "Directory of frames to upload. With --retry, the directory that the missed files were found in", Required: true})
	retry := parser.String("r", "retry", &argparse.Options{Help: "Retry the missed files listed in this JSON file", Required: false})
	configFile := parser.String("c", "config", &argparse.Options{Help: "Config file", Required: false})
	root := parser.String("", "root", &argparse.Options{Help: "Upload into this directory", Required: false})
	bucket := parser.String("", "gcs", &argparse.Options{Help: "Upload into this GCS bucket", Required: false})
	prefix := parser.String("p", "prefix", &argparse.Options{Help: "Prefix for uploaded objects", Required: false})
	ext := parser.String("e", "ext", &argparse.Options{Help: "File extension to upload", Required: false, Default: ".jpg"})
	missedFile := parser.String("m", "missed", &argparse.Options{Help: "Write missed files to this JSON file", Required: false, Default: "missed_files.json"})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	cfg := config.Default()
	if *configFile != "" {
		cfg, err = config.Load(*configFile)
		check(err)
	}
	if *root != "" {
		cfg.Storage = config.StorageConfig{Filesystem: &config.StorageConfigFS{Root: *root}}
	}
	if *bucket != "" {
		cfg.Storage = config.StorageConfig{GCS: &config.StorageConfigGCS{Bucket: *bucket}}
	}
	check(cfg.Validate())

	logger, err := logs.NewLog()
	check(err)
	defer logger.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	dst, closeDst, err := cfg.Storage.Open(ctx, logger)
	check(err)
	defer closeDst()

	uploader := upload.NewUploader(logger, dst, cfg.Upload.Concurrency, cfg.Upload.FilesPerBatch)
	uploader.Prefix = *prefix
	uploader.Root = *input

	var report *upload.Report
	if *retry == "" {
		files, err := upload.FindFiles(*input, *ext)
		check(err)
		logger.Infof("Uploading %v files from %v", len(files), *input)
		report, err = uploader.Upload(ctx, files)
		check(err)
	} else {
		missed, err := upload.LoadMissed(*retry)
		check(err)
		report, err = uploader.Retry(ctx, missed)
		check(err)
	}

	check(report.SaveMissed(*missedFile))
	if n := report.NumMissed(); n != 0 {
		logger.Warnf("%v files were missed. Run again with --input %v --retry %v", n, *input, *missedFile)
	}
}
