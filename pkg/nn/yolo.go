package nn

import (
	"encoding/binary"
	"fmt"
	"io"
)

// OutputShape describes a YOLOv8 detection head output, which is laid out as
// [4+NumClasses][NumAnchors]. The first four rows are cx, cy, w, h in model input
// coordinates, and the remaining rows are per-class scores.
type OutputShape struct {
	NumClasses int
	NumAnchors int
}

// InputTransform maps model input coordinates back to frame coordinates
type InputTransform struct {
	ScaleX float32
	ScaleY float32
}

// Create the transform for a frame that was resized to the model input size.
// If the frame is side-by-side stereo, then only the left eye was fed to the model.
func MakeInputTransform(frameWidth, frameHeight, modelWidth, modelHeight int) InputTransform {
	if IsStereo(frameWidth, frameHeight) {
		frameWidth = MonoWidth(frameWidth)
	}
	return InputTransform{
		ScaleX: float32(frameWidth) / float32(modelWidth),
		ScaleY: float32(frameHeight) / float32(modelHeight),
	}
}

// Our stereo endoscope cameras write both eyes side by side into a single frame.
// A frame that is more than twice as wide as it is high is stereo.
func IsStereo(width, height int) bool {
	return width > height*2
}

// Width of a single eye of a side-by-side stereo frame
func MonoWidth(stereoWidth int) int {
	return stereoWidth / 2
}

// DecodeYOLOv8 converts raw model output into detections in frame coordinates.
// Each anchor is assigned to its highest scoring class. Anchors whose best score is not
// greater than threshold are dropped. No NMS is performed here.
func DecodeYOLOv8(output []float32, shape OutputShape, xform InputTransform, threshold float32) ([]Detection, error) {
	nRows := 4 + shape.NumClasses
	if shape.NumClasses < 1 || shape.NumAnchors < 0 {
		return nil, fmt.Errorf("Invalid YOLOv8 output shape %v classes x %v anchors", shape.NumClasses, shape.NumAnchors)
	}
	if len(output) != nRows*shape.NumAnchors {
		return nil, fmt.Errorf("YOLOv8 output has %v elements, but shape [%v][%v] needs %v", len(output), nRows, shape.NumAnchors, nRows*shape.NumAnchors)
	}
	if xform.ScaleX == 0 {
		xform.ScaleX = 1
	}
	if xform.ScaleY == 0 {
		xform.ScaleY = 1
	}

	stride := shape.NumAnchors
	at := func(row, anchor int) float32 {
		return output[row*stride+anchor]
	}

	dets := []Detection{}
	for a := 0; a < shape.NumAnchors; a++ {
		bestClass := 0
		bestScore := at(4, a)
		for c := 1; c < shape.NumClasses; c++ {
			if s := at(4+c, a); s > bestScore {
				bestScore = s
				bestClass = c
			}
		}
		if bestScore <= threshold {
			continue
		}
		cx, cy, w, h := at(0, a), at(1, a), at(2, a), at(3, a)
		box := Rect{
			X:      cx - w/2,
			Y:      cy - h/2,
			Width:  w,
			Height: h,
		}
		dets = append(dets, Detection{
			Class:      bestClass,
			Confidence: bestScore,
			Box:        box.Scale(xform.ScaleX, xform.ScaleY),
		})
	}
	return dets, nil
}

// ReadTensor reads a raw little-endian float32 tensor with the given shape,
// as written by numpy's tofile() on x86.
func ReadTensor(r io.Reader, shape OutputShape) ([]float32, error) {
	n := (4 + shape.NumClasses) * shape.NumAnchors
	if shape.NumClasses < 1 || shape.NumAnchors < 1 {
		return nil, fmt.Errorf("Invalid output shape %v classes x %v anchors", shape.NumClasses, shape.NumAnchors)
	}
	out := make([]float32, n)
	if err := binary.Read(r, binary.LittleEndian, out); err != nil {
		return nil, fmt.Errorf("Failed to read %v floats: %w", n, err)
	}
	return out, nil
}
