package phash

import (
	"context"
	"fmt"
	"image"
	"io"
	"math/bits"
	"sort"
	"sync"
	"time"

	// Image formats, in addition to the jpeg, png and gif that imaging registers
	_ "github.com/chai2010/webp"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"

	"github.com/corona10/goimagehash"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/surgset/pkg/dedup"
	"github.com/cyclopcam/surgset/pkg/perfstats"
	"github.com/disintegration/imaging"
	"golang.org/x/sync/errgroup"
)

// Method is the perceptual hash algorithm
type Method string

const (
	MethodPHash Method = "phash" // DCT based
	MethodDHash Method = "dhash" // Gradient based
	MethodAHash Method = "ahash" // Mean based
)

// DefaultMaxDistance is the Hamming distance (out of 64 bits) at or below which
// two images are considered duplicates.
const DefaultMaxDistance = 15

func ParseMethod(s string) (Method, error) {
	switch Method(s) {
	case MethodPHash, MethodDHash, MethodAHash:
		return Method(s), nil
	case "":
		return MethodPHash, nil
	}
	return "", fmt.Errorf("Unknown hash method '%v' (must be phash, dhash or ahash)", s)
}

// Fingerprint is a 64-bit perceptual hash
type Fingerprint uint64

// Distance is the Hamming distance between two fingerprints
func (f Fingerprint) Distance(b Fingerprint) int {
	return bits.OnesCount64(uint64(f) ^ uint64(b))
}

func (f Fingerprint) String() string {
	return fmt.Sprintf("%016x", uint64(f))
}

// Hash computes the fingerprint of an image
func Hash(img image.Image, method Method) (Fingerprint, error) {
	var h *goimagehash.ImageHash
	var err error
	switch method {
	case MethodPHash, "":
		h, err = goimagehash.PerceptionHash(img)
	case MethodDHash:
		h, err = goimagehash.DifferenceHash(img)
	case MethodAHash:
		h, err = goimagehash.AverageHash(img)
	default:
		return 0, fmt.Errorf("Unknown hash method '%v'", method)
	}
	if err != nil {
		return 0, err
	}
	return Fingerprint(h.GetHash()), nil
}

// Decode an image, honouring the EXIF orientation of JPEGs
func Decode(r io.Reader) (image.Image, error) {
	return imaging.Decode(r, imaging.AutoOrientation(true))
}

// Oracle decides that two images are duplicates if the Hamming distance
// between their perceptual hashes is at most MaxDistance.
type Oracle struct {
	Method      Method
	MaxDistance int
	Workers     int // Number of images decoded concurrently

	// Time taken to read, decode and hash a single image
	EncodeTime perfstats.TimeAccumulator

	log   logs.Log
	store dedup.ItemStore
}

func NewOracle(log logs.Log, store dedup.ItemStore, method Method, maxDistance int) *Oracle {
	return &Oracle{
		Method:      method,
		MaxDistance: maxDistance,
		Workers:     4,
		log:         log,
		store:       store,
	}
}

// Encode computes the fingerprint of every item in a location.
// Any item that can't be read or decoded fails the whole call.
func (o *Oracle) Encode(ctx context.Context, loc dedup.Location, items []dedup.ItemID) (map[dedup.ItemID]Fingerprint, error) {
	fingerprints := make(map[dedup.ItemID]Fingerprint, len(items))
	var lock sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(o.Workers, 1))
	for _, id := range items {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			fp, err := o.encodeOne(gctx, loc, id)
			if err != nil {
				return fmt.Errorf("%v: %w", id, err)
			}
			lock.Lock()
			fingerprints[id] = fp
			lock.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return fingerprints, nil
}

func (o *Oracle) encodeOne(ctx context.Context, loc dedup.Location, id dedup.ItemID) (Fingerprint, error) {
	defer o.EncodeTime.Time(time.Now())
	r, err := o.store.Open(ctx, loc, id)
	if err != nil {
		return 0, err
	}
	defer r.Close()
	img, err := Decode(r)
	if err != nil {
		return 0, fmt.Errorf("Failed to decode image: %w", err)
	}
	return Hash(img, o.Method)
}

// FindDuplicates returns, for every item, the other items whose fingerprints are
// within maxDistance of its own. Items without duplicates map to an empty list.
// The lists are sorted.
func FindDuplicates(fingerprints map[dedup.ItemID]Fingerprint, maxDistance int) map[dedup.ItemID][]dedup.ItemID {
	ids := make([]dedup.ItemID, 0, len(fingerprints))
	for id := range fingerprints {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	dups := make(map[dedup.ItemID][]dedup.ItemID, len(ids))
	for _, id := range ids {
		dups[id] = []dedup.ItemID{}
	}
	for i, a := range ids {
		fa := fingerprints[a]
		for _, b := range ids[i+1:] {
			if fa.Distance(fingerprints[b]) <= maxDistance {
				dups[a] = append(dups[a], b)
				dups[b] = append(dups[b], a)
			}
		}
	}
	// dups[b] received its entries in order of 'a', which is sorted, so every list is sorted
	return dups
}

// Group turns a duplicate map into equivalence classes.
// Items are visited in sorted order. An item that has not been claimed yet becomes
// a representative, and claims all of its duplicates that are not claimed yet.
func Group(dups map[dedup.ItemID][]dedup.ItemID) []dedup.Class {
	ids := make([]dedup.ItemID, 0, len(dups))
	for id := range dups {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	claimed := map[dedup.ItemID]bool{}
	classes := []dedup.Class{}
	for _, id := range ids {
		if claimed[id] {
			continue
		}
		claimed[id] = true
		c := dedup.Class{Representative: id}
		for _, d := range dups[id] {
			if !claimed[d] {
				claimed[d] = true
				c.Duplicates = append(c.Duplicates, d)
			}
		}
		classes = append(classes, c)
	}
	return classes
}

// Classify implements dedup.Oracle
func (o *Oracle) Classify(ctx context.Context, batch dedup.Batch) (*dedup.SimilarityResult, error) {
	fingerprints, err := o.Encode(ctx, batch.Location, batch.Items)
	if err != nil {
		return nil, err
	}
	classes := Group(FindDuplicates(fingerprints, o.MaxDistance))
	nDup := 0
	for _, c := range classes {
		nDup += len(c.Duplicates)
	}
	o.log.Debugf("Batch %v/%v: %v images, %v unique, %v duplicates (%.1f ms per image)",
		batch.Round, batch.Index, len(batch.Items), len(classes), nDup, o.EncodeTime.Average().Seconds()*1000)
	return &dedup.SimilarityResult{Classes: classes}, nil
}
