package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/surgset/pkg/dedup"
	"github.com/cyclopcam/surgset/pkg/nn"
	"github.com/cyclopcam/surgset/pkg/phash"
	"github.com/cyclopcam/surgset/pkg/storage"
)

type Config struct {
	BatchSize           int           `json:"batchSize"`           // Maximum number of images that are compared at once
	SimilarityThreshold int           `json:"similarityThreshold"` // Maximum Hamming distance between duplicate images
	HashMethod          string        `json:"hashMethod"`          // phash, dhash or ahash
	MaxRounds           int           `json:"maxRounds"`
	Workers             int           `json:"workers"` // Batches classified concurrently
	IOUThreshold        float32       `json:"iouThreshold"`
	ConfidenceThreshold float32       `json:"confidenceThreshold"`
	ClassAware          bool          `json:"classAware"` // Only suppress overlapping detections of the same class
	Storage             StorageConfig `json:"storage"`
	SourcePrefix        string        `json:"sourcePrefix"` // Where the images are, inside the storage
	WorkPrefix          string        `json:"workPrefix"`   // Where batches and survivors go, inside the storage
	Ledger              string        `json:"ledger"`       // Path to the sqlite run ledger. Empty to disable.
	Upload              UploadConfig  `json:"upload"`
}

// One of the storage options must be configured (i.e. either 'filesystem' or 'gcs')
type StorageConfig struct {
	Filesystem *StorageConfigFS  `json:"filesystem"`
	GCS        *StorageConfigGCS `json:"gcs"`
}

type StorageConfigFS struct {
	Root string `json:"root"` // Path to the root of the filesystem
}

type StorageConfigGCS struct {
	Bucket string `json:"bucket"` // Name of the GCS bucket
}

type UploadConfig struct {
	Concurrency   int `json:"concurrency"`
	FilesPerBatch int `json:"filesPerBatch"`
}

// Default returns the configuration that the dataset was originally prepared with
func Default() *Config {
	return &Config{
		BatchSize:           10000,
		SimilarityThreshold: phash.DefaultMaxDistance,
		HashMethod:          string(phash.MethodPHash),
		MaxRounds:           dedup.DefaultMaxRounds,
		Workers:             4,
		IOUThreshold:        nn.DefaultNmsIouThreshold,
		ConfidenceThreshold: nn.DefaultProbabilityThreshold,
		SourcePrefix:        "frames",
		WorkPrefix:          "dedup",
		Upload: UploadConfig{
			Concurrency:   20,
			FilesPerBatch: 500,
		},
	}
}

// Load a JSON config file on top of the defaults
func Load(filename string) (*Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("Error loading config file %v: %w", filename, err)
	}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("Error parsing config file %v: %w", filename, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("Invalid config file %v: %w", filename, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.BatchSize < 1 {
		return fmt.Errorf("batchSize must be at least 1")
	}
	if c.SimilarityThreshold < 0 || c.SimilarityThreshold > 64 {
		return fmt.Errorf("similarityThreshold must be between 0 and 64")
	}
	if _, err := phash.ParseMethod(c.HashMethod); err != nil {
		return err
	}
	if c.MaxRounds < 1 {
		return fmt.Errorf("maxRounds must be at least 1")
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1")
	}
	if c.IOUThreshold < 0 || c.IOUThreshold > 1 {
		return fmt.Errorf("iouThreshold must be between 0 and 1")
	}
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidenceThreshold must be between 0 and 1")
	}
	if c.Upload.Concurrency < 1 {
		return fmt.Errorf("upload.concurrency must be at least 1")
	}
	if c.Upload.FilesPerBatch < 1 {
		return fmt.Errorf("upload.filesPerBatch must be at least 1")
	}
	return c.Storage.Validate()
}

func (s *StorageConfig) Validate() error {
	if s.Filesystem != nil && s.GCS != nil {
		return errors.New("Only one of the storage options may be configured (either 'filesystem' or 'gcs')")
	}
	if s.Filesystem == nil && s.GCS == nil {
		return errors.New("One of the storage options must be configured (i.e. either 'filesystem' or 'gcs')")
	}
	if s.Filesystem != nil && s.Filesystem.Root == "" {
		return errors.New("storage.filesystem.root may not be empty")
	}
	if s.GCS != nil && s.GCS.Bucket == "" {
		return errors.New("storage.gcs.bucket may not be empty")
	}
	return nil
}

// Open the configured blob store. The returned close function must be called when done.
func (s *StorageConfig) Open(ctx context.Context, log logs.Log) (storage.Storage, func(), error) {
	if err := s.Validate(); err != nil {
		return nil, nil, err
	}
	if s.GCS != nil {
		// Google Cloud Storage
		gcs, err := storage.NewStorageGCS(ctx, log, s.GCS.Bucket)
		if err != nil {
			return nil, nil, err
		}
		return gcs, func() { gcs.Close() }, nil
	}
	// Filesystem
	fs, err := storage.NewStorageFS(log, s.Filesystem.Root)
	if err != nil {
		return nil, nil, err
	}
	return fs, func() {}, nil
}

// DedupConfig returns the settings of the Deduplicator
func (c *Config) DedupConfig() dedup.Config {
	return dedup.Config{
		BatchSize:   c.BatchSize,
		MaxRounds:   c.MaxRounds,
		Workers:     c.Workers,
		MoveWorkers: c.Workers,
	}
}

// DetectionParams returns the settings of the Suppressor
func (c *Config) DetectionParams() *nn.DetectionParams {
	return &nn.DetectionParams{
		ProbabilityThreshold: c.ConfidenceThreshold,
		NmsIouThreshold:      c.IOUThreshold,
		ClassAware:           c.ClassAware,
	}
}
