package phash

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math/rand"
	"testing"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/surgset/pkg/dedup"
	"github.com/stretchr/testify/require"
)

// A 128x128 image of 8x8 random gray blocks, with 'brightness' added to every pixel
func blockImage(seed int64, brightness int) *image.Gray {
	rng := rand.New(rand.NewSource(seed))
	img := image.NewGray(image.Rect(0, 0, 128, 128))
	for by := 0; by < 8; by++ {
		for bx := 0; bx < 8; bx++ {
			v := uint8(20 + rng.Intn(200) + brightness)
			for y := by * 16; y < (by+1)*16; y++ {
				for x := bx * 16; x < (bx+1)*16; x++ {
					img.SetGray(x, y, color.Gray{Y: v})
				}
			}
		}
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func encodeJPEG(t *testing.T, img image.Image) []byte {
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}))
	return buf.Bytes()
}

func TestFingerprintDistance(t *testing.T) {
	require.Equal(t, 0, Fingerprint(0xff).Distance(0xff))
	require.Equal(t, 64, Fingerprint(0).Distance(^Fingerprint(0)))
	require.Equal(t, 3, Fingerprint(0b1011).Distance(0b0000))
	require.Equal(t, "00000000000000ff", Fingerprint(0xff).String())
}

func TestParseMethod(t *testing.T) {
	m, err := ParseMethod("")
	require.NoError(t, err)
	require.Equal(t, MethodPHash, m)
	m, err = ParseMethod("dhash")
	require.NoError(t, err)
	require.Equal(t, MethodDHash, m)
	_, err = ParseMethod("md5")
	require.Error(t, err)
}

func TestHashNearDuplicates(t *testing.T) {
	for _, method := range []Method{MethodPHash, MethodDHash, MethodAHash} {
		a, err := Hash(blockImage(1, 0), method)
		require.NoError(t, err)
		aBright, err := Hash(blockImage(1, 4), method)
		require.NoError(t, err)
		b, err := Hash(blockImage(2, 0), method)
		require.NoError(t, err)

		require.LessOrEqual(t, a.Distance(aBright), 4, "method %v", method)
		require.Greater(t, a.Distance(b), DefaultMaxDistance, "method %v", method)
	}
	_, err := Hash(blockImage(1, 0), "sha1")
	require.Error(t, err)
}

func TestFindDuplicatesAndGroup(t *testing.T) {
	fps := map[dedup.ItemID]Fingerprint{
		"a": 0b0000,
		"b": 0b0001, // 1 from a
		"c": 0b0011, // 2 from a, 1 from b
		"d": 0xff00,
	}
	dups := FindDuplicates(fps, 1)
	require.Equal(t, []dedup.ItemID{"b"}, dups["a"])
	require.Equal(t, []dedup.ItemID{"a", "c"}, dups["b"])
	require.Equal(t, []dedup.ItemID{"b"}, dups["c"])
	require.Equal(t, []dedup.ItemID{}, dups["d"])

	// a claims b. c is not within range of a, so it stands alone even though it is close to b
	require.Equal(t, []dedup.Class{
		{Representative: "a", Duplicates: []dedup.ItemID{"b"}},
		{Representative: "c"},
		{Representative: "d"},
	}, Group(dups))

	// The distance is inclusive
	dups = FindDuplicates(fps, 2)
	require.Equal(t, []dedup.ItemID{"b", "c"}, dups["a"])
	require.Equal(t, []dedup.Class{
		{Representative: "a", Duplicates: []dedup.ItemID{"b", "c"}},
		{Representative: "d"},
	}, Group(dups))

	require.Empty(t, Group(FindDuplicates(nil, 5)))
}

func TestOracleClassify(t *testing.T) {
	store := dedup.NewMemoryStore()
	loc := dedup.BatchLocation(0)
	store.Put(loc, "frame_001.png", encodePNG(t, blockImage(10, 0)))
	store.Put(loc, "frame_002.jpg", encodeJPEG(t, blockImage(10, 3)))
	store.Put(loc, "frame_003.png", encodePNG(t, blockImage(11, 0)))
	store.Put(loc, "frame_004.png", encodePNG(t, blockImage(12, 0)))
	store.Put(loc, "frame_005.png", encodePNG(t, blockImage(12, 2)))

	oracle := NewOracle(logs.NewTestingLog(t), store, MethodPHash, DefaultMaxDistance)
	items, err := store.List(context.Background(), loc)
	require.NoError(t, err)
	batch := dedup.Batch{Round: 1, Index: 0, Location: loc, Items: items}
	res, err := oracle.Classify(context.Background(), batch)
	require.NoError(t, err)
	require.NoError(t, res.Validate(items))
	require.Equal(t, []dedup.ItemID{"frame_001.png", "frame_003.png", "frame_004.png"}, res.Representatives())
	require.Equal(t, []dedup.ItemID{"frame_002.jpg", "frame_005.png"}, res.Duplicates())
	require.Equal(t, int64(5), oracle.EncodeTime.Samples())
}

func TestOracleBadImage(t *testing.T) {
	store := dedup.NewMemoryStore()
	loc := dedup.BatchLocation(3)
	store.Put(loc, "good.png", encodePNG(t, blockImage(1, 0)))
	store.Put(loc, "bad.png", []byte("not an image"))

	oracle := NewOracle(logs.NewTestingLog(t), store, MethodPHash, DefaultMaxDistance)
	_, err := oracle.Classify(context.Background(), dedup.Batch{Location: loc, Items: []dedup.ItemID{"bad.png", "good.png"}})
	require.ErrorContains(t, err, "bad.png")

	// Missing items fail too
	_, err = oracle.Classify(context.Background(), dedup.Batch{Location: loc, Items: []dedup.ItemID{"gone.png"}})
	require.Error(t, err)
}

func TestDeduplicateImages(t *testing.T) {
	// 12 frames from 4 distinct scenes, through the whole Deduplicator
	store := dedup.NewMemoryStore()
	for i := 0; i < 12; i++ {
		scene := int64(100 + i%4)
		name := dedup.ItemID("f" + string(rune('a'+i)) + ".png")
		store.Put(dedup.LocationSource, name, encodePNG(t, blockImage(scene, i/4)))
	}
	log := logs.NewTestingLog(t)
	oracle := NewOracle(log, store, MethodPHash, DefaultMaxDistance)
	d, err := dedup.NewDeduplicator(log, dedup.Config{BatchSize: 5, Workers: 2}, oracle, store)
	require.NoError(t, err)
	res, err := d.RunSource(context.Background())
	require.NoError(t, err)
	require.Equal(t, []dedup.ItemID{"fa.png", "fb.png", "fc.png", "fd.png"}, res.Survivors)
	require.Len(t, res.Removed, 8)
}
