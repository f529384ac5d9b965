package nn

import (
	"encoding/json"
	"os"
)

// VideoLabels contains labels for each video frame
type VideoLabels struct {
	Classes []string       `json:"classes"`
	Width   int            `json:"width,omitempty"`
	Height  int            `json:"height,omitempty"`
	Frames  []*ImageLabels `json:"frames"`
}

type ImageLabels struct {
	Frame   int         `json:"frame,omitempty"` // For video, this is the frame number
	Image   string      `json:"image,omitempty"` // Image file name, if the frame has been extracted to disk
	Objects []Detection `json:"objects"`
}

// Load labels from a JSON file
func LoadVideoLabels(filename string) (*VideoLabels, error) {
	b, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	labels := &VideoLabels{}
	if err := json.Unmarshal(b, labels); err != nil {
		return nil, err
	}
	return labels, nil
}

// Save labels to a JSON file
func (v *VideoLabels) Save(filename string) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filename, b, 0644)
}

// NumObjects is the total number of objects across all frames
func (v *VideoLabels) NumObjects() int {
	n := 0
	for _, f := range v.Frames {
		n += len(f.Objects)
	}
	return n
}

// Suppress runs NMS over every frame, and returns a new VideoLabels.
// Frames which are left with no objects are retained, so that frame numbering stays intact.
func (v *VideoLabels) Suppress(params *DetectionParams) *VideoLabels {
	out := &VideoLabels{
		Classes: v.Classes,
		Width:   v.Width,
		Height:  v.Height,
		Frames:  make([]*ImageLabels, 0, len(v.Frames)),
	}
	for _, f := range v.Frames {
		var kept []Detection
		if params.ClassAware {
			kept = SuppressPerClass(f.Objects, params.NmsIouThreshold)
		} else {
			kept = Suppress(f.Objects, params.NmsIouThreshold)
		}
		out.Frames = append(out.Frames, &ImageLabels{
			Frame:   f.Frame,
			Image:   f.Image,
			Objects: kept,
		})
	}
	return out
}
