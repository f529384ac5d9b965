package nn

import (
	"sort"

	flatbush "github.com/bmharper/flatbush-go"
)

// Below this many detections, we compare every pair directly. Above it, we build
// a spatial index so that each kept box is only compared against its neighbours.
const bruteForceLimit = 64

// Suppress performs greedy Non-Maximum Suppression.
// Detections are visited in order of descending confidence (ties are broken by input order).
// Each visited detection is kept, and every remaining detection whose IoU with it is
// strictly greater than iouThreshold is discarded.
// The kept detections are returned in order of descending confidence. The input slice is not modified.
func Suppress(detections []Detection, iouThreshold float32) []Detection {
	kept := make([]Detection, 0, len(detections))
	if len(detections) == 0 {
		return kept
	}

	order := byConfidence(detections)
	n := len(order)

	// suppressed is indexed by rank (position in 'order'), not by input position
	suppressed := make([]bool, n)

	var fb *flatbush.Flatbush[float32]
	// A negative threshold suppresses boxes that don't touch at all, so the index would miss them.
	if n > bruteForceLimit && iouThreshold >= 0 {
		fb = flatbush.NewFlatbush[float32]()
		fb.Reserve(n)
		for _, idx := range order {
			x1, y1, x2, y2 := bounds(detections[idx].Box)
			fb.Add(x1, y1, x2, y2)
		}
		fb.Finish()
	}

	for rank := 0; rank < n; rank++ {
		if suppressed[rank] {
			continue
		}
		d := detections[order[rank]]
		kept = append(kept, d)

		if fb != nil {
			x1, y1, x2, y2 := bounds(d.Box)
			for _, other := range fb.Search(x1, y1, x2, y2) {
				if other <= rank || suppressed[other] {
					continue
				}
				if d.Box.IOU(detections[order[other]].Box) > iouThreshold {
					suppressed[other] = true
				}
			}
		} else {
			for other := rank + 1; other < n; other++ {
				if suppressed[other] {
					continue
				}
				if d.Box.IOU(detections[order[other]].Box) > iouThreshold {
					suppressed[other] = true
				}
			}
		}
	}

	return kept
}

// SuppressPerClass runs Suppress independently on each class, so boxes of
// different classes never suppress each other.
// The result is in order of descending confidence.
func SuppressPerClass(detections []Detection, iouThreshold float32) []Detection {
	byClass := map[int][]Detection{}
	classes := []int{}
	for _, d := range detections {
		if _, ok := byClass[d.Class]; !ok {
			classes = append(classes, d.Class)
		}
		byClass[d.Class] = append(byClass[d.Class], d)
	}

	kept := make([]Detection, 0, len(detections))
	for _, c := range classes {
		kept = append(kept, Suppress(byClass[c], iouThreshold)...)
	}
	sort.SliceStable(kept, func(i, j int) bool {
		return kept[i].Confidence > kept[j].Confidence
	})
	return kept
}

// Returns the indices of 'detections', sorted by descending confidence.
// The sort is stable, so equal confidences retain their input order.
func byConfidence(detections []Detection) []int {
	order := make([]int, len(detections))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return detections[order[i]].Confidence > detections[order[j]].Confidence
	})
	return order
}

// Bounds of a box, normalized so that min <= max even for negative sizes
func bounds(r Rect) (x1, y1, x2, y2 float32) {
	x1, x2 = min(r.X, r.X2()), max(r.X, r.X2())
	y1, y2 = min(r.Y, r.Y2()), max(r.Y, r.Y2())
	return
}
