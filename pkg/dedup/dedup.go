// Package dedup removes near-duplicate items from a pool that is too large to be
// compared all at once.
//
// The pool is split into batches, and each batch is filtered by an Oracle on its own.
// The survivors of all batches are consolidated, and if there are still too many
// of them for a single batch, the process repeats (survivors of different batches
// may be duplicates of each other). Once the survivors fit into one batch, a final
// pass over all of them removes any remaining duplicates.
//
// Nothing is ever deleted. Duplicates are moved back to the source location.
package dedup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cyclopcam/logs"
	"golang.org/x/sync/errgroup"
)

var ErrOracleFailure = errors.New("Similarity oracle failed")
var ErrNonConvergence = errors.New("Deduplication did not converge")
var ErrStaleWorkArea = errors.New("Work area already holds an item of this run")

const DefaultMaxRounds = 10

type Config struct {
	BatchSize   int // Maximum number of items that the Oracle is given at once
	MaxRounds   int // Maximum number of rounds before the final pass. Zero means DefaultMaxRounds
	Workers     int // Number of batches classified concurrently. Zero means 1
	MoveWorkers int // Number of concurrent item moves. Zero means 1
}

// BatchError is a failure of the Oracle on a single batch.
// The items of the batch are returned to the source location untouched.
type BatchError struct {
	Round int      `json:"round"`
	Batch int      `json:"batch"`
	Items []ItemID `json:"items"`
	Err   error    `json:"-"`
}

func (e *BatchError) MarshalJSON() ([]byte, error) {
	type plain BatchError
	return json.Marshal(struct {
		*plain
		Error string `json:"error"`
	}{(*plain)(e), e.Err.Error()})
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("Round %v batch %v (%v items): %v", e.Round, e.Batch, len(e.Items), e.Err)
}

func (e *BatchError) Unwrap() []error {
	return []error{ErrOracleFailure, e.Err}
}

// RoundStats describes one round
type RoundStats struct {
	Round     int           `json:"round"`
	Final     bool          `json:"final"`   // True for the final single-batch pass
	Pending   int           `json:"pending"` // Number of items going into the round
	Batches   int           `json:"batches"`
	Survivors int           `json:"survivors"`
	Removed   int           `json:"removed"`
	Failed    int           `json:"failed"` // Number of items in failed batches
	Duration  time.Duration `json:"duration"`
}

// Observer is told about the progress of a run
type Observer interface {
	RoundFinished(stats RoundStats)
	BatchFailed(err *BatchError)
}

// Result of a run
type Result struct {
	Survivors []ItemID      `json:"survivors"` // The unique items. After a successful run, these are in LocationFinal.
	Removed   []ItemID      `json:"removed"`   // Duplicates, now in LocationSource
	Failures  []*BatchError `json:"failures"`  // Batches that the Oracle failed on. Their items are in LocationSource.
	Rounds    []RoundStats  `json:"rounds"`
}

type Deduplicator struct {
	log      logs.Log
	config   Config
	oracle   Oracle
	store    ItemStore
	observer Observer
}

func NewDeduplicator(log logs.Log, config Config, oracle Oracle, store ItemStore) (*Deduplicator, error) {
	if config.BatchSize < 1 {
		return nil, fmt.Errorf("BatchSize must be at least 1 (got %v)", config.BatchSize)
	}
	if config.MaxRounds < 0 {
		return nil, fmt.Errorf("MaxRounds may not be negative (got %v)", config.MaxRounds)
	}
	if config.MaxRounds == 0 {
		config.MaxRounds = DefaultMaxRounds
	}
	config.Workers = max(config.Workers, 1)
	config.MoveWorkers = max(config.MoveWorkers, 1)
	return &Deduplicator{
		log:    log,
		config: config,
		oracle: oracle,
		store:  store,
	}, nil
}

// SetObserver must be called before Run
func (d *Deduplicator) SetObserver(o Observer) {
	d.observer = o
}

// RunSource deduplicates every item in the source location of the store
func (d *Deduplicator) RunSource(ctx context.Context) (*Result, error) {
	items, err := d.store.List(ctx, LocationSource)
	if err != nil {
		return nil, fmt.Errorf("Failed to list source items: %w", err)
	}
	return d.Run(ctx, items)
}

// Run deduplicates items, which must all be in the source location.
//
// The returned Result is never nil, even when an error is returned, so that a caller
// can see how far the run got. Oracle failures on individual batches do not stop the
// run; they are collected in Result.Failures, and the returned error wraps
// ErrOracleFailure. If the survivors are still too many for a single batch after
// MaxRounds rounds, the run stops with ErrNonConvergence, and the survivors are left
// in LocationBucket.
func (d *Deduplicator) Run(ctx context.Context, items []ItemID) (*Result, error) {
	result := &Result{
		Survivors: []ItemID{},
		Removed:   []ItemID{},
	}
	pool := NewPool(d.store)
	for _, id := range items {
		if err := pool.Add(id, LocationSource); err != nil {
			return result, err
		}
	}
	if len(items) == 0 {
		return result, nil
	}
	if err := d.checkWorkArea(ctx, items); err != nil {
		return result, err
	}

	pending := pool.Items(LocationSource)
	d.log.Infof("Deduplicating %v items with batch size %v", len(pending), d.config.BatchSize)

	round := 1
	for ; ; round++ {
		survivors, err := d.runRound(ctx, pool, round, pending, false, result)
		if err != nil {
			return result, err
		}
		pending = survivors
		if len(pending) < d.config.BatchSize {
			break
		}
		if round >= d.config.MaxRounds {
			result.Survivors = pending
			sortItems(result.Removed)
			d.log.Errorf("%v items remain after %v rounds, which is not less than the batch size of %v", len(pending), round, d.config.BatchSize)
			err := fmt.Errorf("%w: %v items remain after %v rounds, with a batch size of %v", ErrNonConvergence, len(pending), round, d.config.BatchSize)
			return result, errors.Join(append([]error{err}, failureErrors(result)...)...)
		}
		d.log.Infof("%v survivors is not less than the batch size of %v, filtering again", len(pending), d.config.BatchSize)
	}

	d.log.Infof("Final pass over %v survivors", len(pending))
	survivors, err := d.runRound(ctx, pool, round+1, pending, true, result)
	if err != nil {
		return result, err
	}
	result.Survivors = survivors
	sortItems(result.Removed)
	d.log.Infof("Deduplication finished: %v unique, %v removed, %v failed batches", len(result.Survivors), len(result.Removed), len(result.Failures))

	return result, errors.Join(failureErrors(result)...)
}

// A leftover copy of an item in a work location (eg from an earlier run that was
// interrupted) would make the store treat a move into that location as already done.
// Every batch of every round fits into the batch locations of the first round.
func (d *Deduplicator) checkWorkArea(ctx context.Context, items []ItemID) error {
	mine := make(map[ItemID]bool, len(items))
	for _, id := range items {
		mine[id] = true
	}
	locations := []Location{LocationBucket, LocationFinal}
	nBatches := (len(items) + d.config.BatchSize - 1) / d.config.BatchSize
	for i := 0; i < nBatches; i++ {
		locations = append(locations, BatchLocation(i))
	}
	for _, loc := range locations {
		existing, err := d.store.List(ctx, loc)
		if err != nil {
			return fmt.Errorf("Failed to list %v: %w", loc, err)
		}
		for _, id := range existing {
			if mine[id] {
				return fmt.Errorf("%w: %v is already in %v", ErrStaleWorkArea, id, loc)
			}
		}
	}
	return nil
}

func failureErrors(result *Result) []error {
	errs := []error{}
	for _, f := range result.Failures {
		errs = append(errs, f)
	}
	return errs
}

// Outcome of classifying one batch
type batchOutcome struct {
	batch  Batch
	result *SimilarityResult
	err    error
}

// Run one round over 'pending', and return the sorted survivors.
// The survivors are moved to LocationBucket, or LocationFinal if this is the final pass.
// Removed items, and items of failed batches, are moved back to LocationSource.
// The returned error is only for failures that prevent the round from completing (eg storage or context errors).
func (d *Deduplicator) runRound(ctx context.Context, pool *Pool, round int, pending []ItemID, final bool, result *Result) ([]ItemID, error) {
	start := time.Now()
	var parts [][]ItemID
	if final {
		parts = [][]ItemID{pending}
	} else {
		parts = Partition(pending, d.config.BatchSize)
	}

	stats := RoundStats{
		Round:   round,
		Final:   final,
		Pending: len(pending),
		Batches: len(parts),
	}

	// Physically split the pool into batches
	batches := make([]Batch, len(parts))
	for i, items := range parts {
		batches[i] = Batch{
			Round:    round,
			Index:    i,
			Location: BatchLocation(i),
			Items:    items,
		}
		if _, err := pool.MoveAll(ctx, items, batches[i].Location, d.config.MoveWorkers); err != nil {
			return nil, fmt.Errorf("Round %v: failed to fill batch %v: %w", round, i, err)
		}
	}

	// Classify every batch. Each batch is handled by exactly one worker, and workers
	// only write to their own slot in 'outcomes'.
	outcomes := make([]batchOutcome, len(batches))
	var g errgroup.Group
	g.SetLimit(d.config.Workers)
	for i, batch := range batches {
		g.Go(func() error {
			outcomes[i] = d.classify(ctx, batch)
			return nil
		})
	}
	g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Consolidate. This only happens once all batches of the round are done.
	survivors := []ItemID{}
	removed := []ItemID{}
	failed := []ItemID{}
	for _, o := range outcomes {
		if o.err != nil {
			berr := &BatchError{
				Round: round,
				Batch: o.batch.Index,
				Items: o.batch.Items,
				Err:   o.err,
			}
			d.log.Errorf("Dedup: %v", berr)
			result.Failures = append(result.Failures, berr)
			if d.observer != nil {
				d.observer.BatchFailed(berr)
			}
			failed = append(failed, o.batch.Items...)
			continue
		}
		survivors = append(survivors, o.result.Representatives()...)
		removed = append(removed, o.result.Duplicates()...)
	}

	survivorLocation := LocationBucket
	if final {
		survivorLocation = LocationFinal
	}
	if _, err := pool.MoveAll(ctx, survivors, survivorLocation, d.config.MoveWorkers); err != nil {
		return nil, fmt.Errorf("Round %v: failed to move survivors to %v: %w", round, survivorLocation, err)
	}
	if _, err := pool.MoveAll(ctx, removed, LocationSource, d.config.MoveWorkers); err != nil {
		return nil, fmt.Errorf("Round %v: failed to return duplicates to %v: %w", round, LocationSource, err)
	}
	if _, err := pool.MoveAll(ctx, failed, LocationSource, d.config.MoveWorkers); err != nil {
		return nil, fmt.Errorf("Round %v: failed to return items of failed batches to %v: %w", round, LocationSource, err)
	}

	result.Removed = append(result.Removed, removed...)
	sortItems(survivors)

	stats.Survivors = len(survivors)
	stats.Removed = len(removed)
	stats.Failed = len(failed)
	stats.Duration = time.Since(start)
	result.Rounds = append(result.Rounds, stats)
	if d.observer != nil {
		d.observer.RoundFinished(stats)
	}
	d.log.Infof("Round %v: %v items in %v batches -> %v survivors, %v removed, %v failed (%.1f seconds)",
		round, stats.Pending, stats.Batches, stats.Survivors, stats.Removed, stats.Failed, stats.Duration.Seconds())

	return survivors, nil
}

func (d *Deduplicator) classify(ctx context.Context, batch Batch) batchOutcome {
	if len(batch.Items) == 0 {
		return batchOutcome{batch: batch, result: &SimilarityResult{}}
	}
	if err := ctx.Err(); err != nil {
		return batchOutcome{batch: batch, err: err}
	}
	res, err := d.oracle.Classify(ctx, batch)
	if err != nil {
		return batchOutcome{batch: batch, err: err}
	}
	if res == nil {
		return batchOutcome{batch: batch, err: errors.New("Oracle returned no result")}
	}
	if err := res.Validate(batch.Items); err != nil {
		return batchOutcome{batch: batch, err: fmt.Errorf("Invalid oracle result: %w", err)}
	}
	return batchOutcome{batch: batch, result: res}
}
