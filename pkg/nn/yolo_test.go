package nn

import (
	"bytes"
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// Build a [4+nClasses][nAnchors] tensor from per-anchor rows of (cx, cy, w, h, scores...)
func makeTensor(nClasses int, anchors [][]float32) []float32 {
	nRows := 4 + nClasses
	out := make([]float32, nRows*len(anchors))
	for a, row := range anchors {
		for r := 0; r < nRows; r++ {
			out[r*len(anchors)+a] = row[r]
		}
	}
	return out
}

func TestDecodeYOLOv8(t *testing.T) {
	tensor := makeTensor(2, [][]float32{
		{100, 100, 20, 40, 0.9, 0.1},  // class 0
		{300, 200, 10, 10, 0.2, 0.75}, // class 1
		{50, 50, 10, 10, 0.3, 0.5},    // not above threshold
	})
	shape := OutputShape{NumClasses: 2, NumAnchors: 3}
	xform := InputTransform{ScaleX: 2, ScaleY: 0.5}
	dets, err := DecodeYOLOv8(tensor, shape, xform, 0.5)
	require.NoError(t, err)
	require.Equal(t, []Detection{
		{Class: 0, Confidence: 0.9, Box: Rect{X: 180, Y: 40, Width: 40, Height: 20}},
		{Class: 1, Confidence: 0.75, Box: Rect{X: 590, Y: 97.5, Width: 20, Height: 5}},
	}, dets)
}

func TestDecodeYOLOv8BadShape(t *testing.T) {
	_, err := DecodeYOLOv8(make([]float32, 10), OutputShape{NumClasses: 2, NumAnchors: 3}, InputTransform{}, 0.5)
	require.Error(t, err)
	_, err = DecodeYOLOv8(nil, OutputShape{NumClasses: 0, NumAnchors: 0}, InputTransform{}, 0.5)
	require.Error(t, err)
}

func TestMakeInputTransform(t *testing.T) {
	require.True(t, IsStereo(3840, 1080))
	require.False(t, IsStereo(1920, 1080))
	require.False(t, IsStereo(2160, 1080))

	x := MakeInputTransform(3840, 1080, 640, 640)
	require.Equal(t, float32(3), x.ScaleX)
	require.Equal(t, float32(1080.0/640.0), x.ScaleY)
}

func TestPostProcess(t *testing.T) {
	tensor := makeTensor(1, [][]float32{
		{10, 10, 10, 10, 0.9},
		{11, 11, 10, 10, 0.8},
		{100, 100, 10, 10, 0.7},
		{200, 200, 10, 10, 0.1},
	})
	dets, err := PostProcess(tensor, OutputShape{NumClasses: 1, NumAnchors: 4}, InputTransform{}, NewDetectionParams())
	require.NoError(t, err)
	require.Len(t, dets, 2)
	require.Equal(t, float32(0.9), dets[0].Confidence)
	require.Equal(t, float32(0.7), dets[1].Confidence)
}

func TestZeroIouThreshold(t *testing.T) {
	// IoU of these two boxes is 20/180
	tensor := makeTensor(1, [][]float32{
		{5, 5, 10, 10, 0.9},
		{13, 5, 10, 10, 0.8},
	})
	shape := OutputShape{NumClasses: 1, NumAnchors: 2}

	params := NewDetectionParams()
	dets, err := PostProcess(tensor, shape, InputTransform{}, params)
	require.NoError(t, err)
	require.Len(t, dets, 2)

	// Zero is a real threshold, and suppresses any overlap
	params.NmsIouThreshold = 0
	dets, err = PostProcess(tensor, shape, InputTransform{}, params)
	require.NoError(t, err)
	require.Len(t, dets, 1)
	require.Equal(t, float32(0.9), dets[0].Confidence)

	params.ClassAware = true
	dets, err = PostProcess(tensor, shape, InputTransform{}, params)
	require.NoError(t, err)
	require.Len(t, dets, 1)

	labels := &VideoLabels{Frames: []*ImageLabels{{Frame: 1, Objects: []Detection{
		{Confidence: 0.9, Box: Rect{X: 0, Y: 0, Width: 10, Height: 10}},
		{Confidence: 0.8, Box: Rect{X: 8, Y: 0, Width: 10, Height: 10}},
	}}}}
	require.Equal(t, 1, labels.Suppress(&DetectionParams{NmsIouThreshold: 0}).NumObjects())
	require.Equal(t, 2, labels.Suppress(NewDetectionParams()).NumObjects())
}

func TestReadTensor(t *testing.T) {
	tensor := makeTensor(1, [][]float32{{10, 20, 30, 40, 0.5}, {1, 2, 3, 4, 0.25}})
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, tensor))
	raw := buf.Bytes()

	back, err := ReadTensor(bytes.NewReader(raw), OutputShape{NumClasses: 1, NumAnchors: 2})
	require.NoError(t, err)
	require.Equal(t, tensor, back)

	_, err = ReadTensor(bytes.NewReader(raw[:len(raw)-4]), OutputShape{NumClasses: 1, NumAnchors: 2})
	require.Error(t, err)
	_, err = ReadTensor(bytes.NewReader(raw), OutputShape{})
	require.Error(t, err)
}

func TestVideoLabelsSaveLoad(t *testing.T) {
	labels := &VideoLabels{
		Classes: SurgicalToolClasses,
		Width:   1920,
		Height:  1080,
		Frames: []*ImageLabels{
			{Frame: 3, Image: "frame_003.jpg", Objects: []Detection{{Class: ToolBoneDrill, Confidence: 0.75, Box: Rect{X: 1, Y: 2, Width: 3, Height: 4}}}},
			{Frame: 4, Objects: []Detection{}},
		},
	}
	filename := filepath.Join(t.TempDir(), "labels.json")
	require.NoError(t, labels.Save(filename))
	back, err := LoadVideoLabels(filename)
	require.NoError(t, err)
	require.Equal(t, labels, back)
	require.Equal(t, 1, back.NumObjects())
}
