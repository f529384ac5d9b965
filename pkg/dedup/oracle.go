package dedup

import (
	"context"
	"fmt"
)

// Oracle decides which items of a batch are near-duplicates of each other.
// It only ever sees a single batch, so duplicates in different batches go unnoticed.
type Oracle interface {
	// Classify partitions the items of the batch into equivalence classes.
	// The items can be read from batch.Location.
	Classify(ctx context.Context, batch Batch) (*SimilarityResult, error)
}

// Class is a representative item, and the items that were judged to be duplicates of it
type Class struct {
	Representative ItemID   `json:"representative"`
	Duplicates     []ItemID `json:"duplicates,omitempty"`
}

// SimilarityResult is the output of an Oracle for one batch
type SimilarityResult struct {
	Classes []Class `json:"classes"`
}

// Validate checks that the classes are a partition of items: every item
// appears exactly once, either as a representative or a duplicate, and nothing else appears.
func (r *SimilarityResult) Validate(items []ItemID) error {
	inBatch := make(map[ItemID]bool, len(items))
	for _, id := range items {
		inBatch[id] = true
	}
	seen := make(map[ItemID]bool, len(items))
	check := func(id ItemID) error {
		if !inBatch[id] {
			return fmt.Errorf("Item %v is not part of the batch", id)
		}
		if seen[id] {
			return fmt.Errorf("Item %v appears in more than one class", id)
		}
		seen[id] = true
		return nil
	}
	for _, c := range r.Classes {
		if err := check(c.Representative); err != nil {
			return err
		}
		for _, d := range c.Duplicates {
			if err := check(d); err != nil {
				return err
			}
		}
	}
	if len(seen) != len(inBatch) {
		for _, id := range items {
			if !seen[id] {
				return fmt.Errorf("Item %v is missing from the classes", id)
			}
		}
	}
	return nil
}

// Representatives returns the survivor of each class
func (r *SimilarityResult) Representatives() []ItemID {
	reps := make([]ItemID, 0, len(r.Classes))
	for _, c := range r.Classes {
		reps = append(reps, c.Representative)
	}
	return reps
}

// Duplicates returns all items that are not representatives
func (r *SimilarityResult) Duplicates() []ItemID {
	dups := []ItemID{}
	for _, c := range r.Classes {
		dups = append(dups, c.Duplicates...)
	}
	return dups
}
