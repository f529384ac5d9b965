package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/surgset/pkg/dedup"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Ledger is a sqlite record of deduplication runs.
// If a run fails part way, the ledger says which batches failed and why.
type Ledger struct {
	Log logs.Log
	DB  *gorm.DB
}

type Outcome string

const (
	OutcomeRunning        Outcome = "running"
	OutcomeSuccess        Outcome = "success"
	OutcomeOracleFailures Outcome = "oracle_failures" // Finished, but some batches failed
	OutcomeNonConvergence Outcome = "non_convergence"
	OutcomeError          Outcome = "error"
)

// BaseModel is our base class for a GORM model
type BaseModel struct {
	ID int64 `gorm:"primaryKey" json:"id"`
}

type Run struct {
	BaseModel
	UUID       string      `json:"uuid" gorm:"column:uuid"`
	Source     string      `json:"source"`
	BatchSize  int         `json:"batchSize"`
	MaxRounds  int         `json:"maxRounds"`
	StartedAt  dbh.IntTime `json:"startedAt"`
	FinishedAt dbh.IntTime `json:"finishedAt" gorm:"default:null"`
	Outcome    Outcome     `json:"outcome"`
	Survivors  int         `json:"survivors" gorm:"default:null"`
	Removed    int         `json:"removed" gorm:"default:null"`
	Error      string      `json:"error" gorm:"default:null"`
}

type RunRound struct {
	BaseModel
	RunID      int64 `json:"runId"`
	Round      int   `json:"round"`
	Final      bool  `json:"final"`
	Pending    int   `json:"pending"`
	Batches    int   `json:"batches"`
	Survivors  int   `json:"survivors"`
	Removed    int   `json:"removed"`
	Failed     int   `json:"failed"`
	DurationMS int64 `json:"durationMS" gorm:"column:duration_ms"`
}

type BatchFailure struct {
	BaseModel
	RunID int64  `json:"runId"`
	Round int    `json:"round"`
	Batch int    `json:"batch"`
	Error string `json:"error"`
	Items string `json:"items"` // JSON array of item IDs
}

// ItemIDs decodes the items of the failed batch
func (b *BatchFailure) ItemIDs() ([]dedup.ItemID, error) {
	items := []dedup.ItemID{}
	err := json.Unmarshal([]byte(b.Items), &items)
	return items, err
}

func Open(log logs.Log, dbFilename string) (*Ledger, error) {
	os.MkdirAll(filepath.Dir(dbFilename), 0777)
	db, err := dbh.OpenDB(log, dbh.MakeSqliteConfig(dbFilename), Migrations(log), 0)
	if err != nil {
		return nil, fmt.Errorf("Failed to open ledger %v: %w", dbFilename, err)
	}
	return &Ledger{
		Log: log,
		DB:  db,
	}, nil
}

func (l *Ledger) Close() {
	if sqlDB, err := l.DB.DB(); err == nil {
		sqlDB.Close()
	}
}

// StartRun records the start of a run. The returned recorder must be attached
// to the Deduplicator with SetObserver, and closed with Finish.
func (l *Ledger) StartRun(source string, config dedup.Config) (*RunRecorder, error) {
	run := Run{
		UUID:      uuid.NewString(),
		Source:    source,
		BatchSize: config.BatchSize,
		MaxRounds: config.MaxRounds,
		StartedAt: dbh.MakeIntTime(time.Now()),
		Outcome:   OutcomeRunning,
	}
	if err := l.DB.Create(&run).Error; err != nil {
		return nil, fmt.Errorf("Failed to record run: %w", err)
	}
	l.Log.Infof("Started run %v", run.UUID)
	return &RunRecorder{
		ledger: l,
		run:    run,
	}, nil
}

// Runs returns all runs, newest first
func (l *Ledger) Runs() ([]Run, error) {
	runs := []Run{}
	err := l.DB.Order("id DESC").Find(&runs).Error
	return runs, err
}

// RunByUUID finds a run. If it does not exist, the returned ID is zero.
func (l *Ledger) RunByUUID(id string) (Run, error) {
	run := Run{}
	err := l.DB.Where("uuid = ?", id).Find(&run).Error
	return run, err
}

func (l *Ledger) Rounds(runID int64) ([]RunRound, error) {
	rounds := []RunRound{}
	err := l.DB.Where("run_id = ?", runID).Order("round").Find(&rounds).Error
	return rounds, err
}

func (l *Ledger) Failures(runID int64) ([]BatchFailure, error) {
	failures := []BatchFailure{}
	err := l.DB.Where("run_id = ?", runID).Order("round, batch").Find(&failures).Error
	return failures, err
}

// RunRecorder records the progress of a single run.
// It implements dedup.Observer.
type RunRecorder struct {
	ledger *Ledger
	run    Run
}

func (r *RunRecorder) Run() Run {
	return r.run
}

func (r *RunRecorder) RoundFinished(stats dedup.RoundStats) {
	round := RunRound{
		RunID:      r.run.ID,
		Round:      stats.Round,
		Final:      stats.Final,
		Pending:    stats.Pending,
		Batches:    stats.Batches,
		Survivors:  stats.Survivors,
		Removed:    stats.Removed,
		Failed:     stats.Failed,
		DurationMS: stats.Duration.Milliseconds(),
	}
	if err := r.ledger.DB.Create(&round).Error; err != nil {
		r.ledger.Log.Errorf("Failed to record round %v of run %v: %v", stats.Round, r.run.UUID, err)
	}
}

func (r *RunRecorder) BatchFailed(berr *dedup.BatchError) {
	items, _ := json.Marshal(berr.Items)
	failure := BatchFailure{
		RunID: r.run.ID,
		Round: berr.Round,
		Batch: berr.Batch,
		Error: berr.Err.Error(),
		Items: string(items),
	}
	if err := r.ledger.DB.Create(&failure).Error; err != nil {
		r.ledger.Log.Errorf("Failed to record failure of batch %v/%v of run %v: %v", berr.Round, berr.Batch, r.run.UUID, err)
	}
}

// Finish records the outcome of the run. runErr is the error returned by Deduplicator.Run.
func (r *RunRecorder) Finish(result *dedup.Result, runErr error) error {
	outcome := OutcomeSuccess
	switch {
	case runErr == nil:
	case errors.Is(runErr, dedup.ErrNonConvergence):
		outcome = OutcomeNonConvergence
	case errors.Is(runErr, dedup.ErrOracleFailure):
		outcome = OutcomeOracleFailures
	default:
		outcome = OutcomeError
	}
	r.run.Outcome = outcome
	r.run.FinishedAt = dbh.MakeIntTime(time.Now())
	if runErr != nil {
		r.run.Error = runErr.Error()
	}
	if result != nil {
		r.run.Survivors = len(result.Survivors)
		r.run.Removed = len(result.Removed)
	}
	if err := r.ledger.DB.Save(&r.run).Error; err != nil {
		return fmt.Errorf("Failed to record outcome of run %v: %w", r.run.UUID, err)
	}
	r.ledger.Log.Infof("Run %v finished: %v", r.run.UUID, outcome)
	return nil
}
