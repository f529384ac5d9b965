package dedup

import (
	"fmt"
	"sort"
	"strings"
)

// ItemID identifies an item, such as an image file.
// It is the item's path relative to the location that holds it, so it doesn't
// change when the item moves.
type ItemID string

// Location is a logical place where items live.
// Every item is in exactly one location at any time.
type Location string

const (
	LocationSource Location = "source" // The pending pool that a run starts from. Removed items are returned here.
	LocationBucket Location = "bucket" // Survivors of a round, waiting for the next round
	LocationFinal  Location = "final"  // Survivors of the final pass
)

const batchLocationPrefix = "batch/"

// The location that holds the items of batch 'index' while it is being classified
func BatchLocation(index int) Location {
	return Location(fmt.Sprintf("%v%d", batchLocationPrefix, index))
}

func (l Location) IsBatch() bool {
	return strings.HasPrefix(string(l), batchLocationPrefix)
}

// Batch is a subset of the pending pool which is classified on its own
type Batch struct {
	Round    int
	Index    int
	Location Location
	Items    []ItemID
}

// Partition splits items into consecutive batches of at most batchSize items.
// The last batch may be smaller. Every item appears in exactly one batch.
func Partition(items []ItemID, batchSize int) [][]ItemID {
	if batchSize < 1 {
		panic("batchSize must be at least 1")
	}
	batches := [][]ItemID{}
	for start := 0; start < len(items); start += batchSize {
		end := min(start+batchSize, len(items))
		batches = append(batches, items[start:end])
	}
	return batches
}

func sortItems(items []ItemID) {
	sort.Slice(items, func(i, j int) bool {
		return items[i] < items[j]
	})
}
