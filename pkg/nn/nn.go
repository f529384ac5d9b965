// Package nn holds the post-processing that runs on the output of an object detection model:
// decoding raw model output, box geometry, and Non-Maximum Suppression.
// The forward pass of the model itself happens elsewhere.
package nn

import (
	"bufio"
	"encoding/json"
	"os"
	"strings"
)

const DefaultProbabilityThreshold = 0.5
const DefaultNmsIouThreshold = 0.5

// NN object detection parameters
type DetectionParams struct {
	ProbabilityThreshold float32 // Value between 0 and 1. Lower values will find more objects.
	NmsIouThreshold      float32 // Value between 0 and 1. Lower values will merge more objects together into one. Zero suppresses any overlap.
	ClassAware           bool    // If true, NMS only suppresses boxes of the same class
}

// Create a default DetectionParams object.
// The thresholds are used exactly as given, so start from here rather than a zero value.
func NewDetectionParams() *DetectionParams {
	return &DetectionParams{
		ProbabilityThreshold: DefaultProbabilityThreshold,
		NmsIouThreshold:      DefaultNmsIouThreshold,
	}
}

// Detection is an object that a neural network has found in an image
type Detection struct {
	Class      int     `json:"class"`
	Confidence float32 `json:"confidence"`
	Box        Rect    `json:"box"`
}

// PostProcess decodes a raw YOLOv8 output tensor into detections, filters them by
// confidence, and runs NMS over the survivors.
func PostProcess(output []float32, shape OutputShape, xform InputTransform, params *DetectionParams) ([]Detection, error) {
	dets, err := DecodeYOLOv8(output, shape, xform, params.ProbabilityThreshold)
	if err != nil {
		return nil, err
	}
	if params.ClassAware {
		return SuppressPerClass(dets, params.NmsIouThreshold), nil
	}
	return Suppress(dets, params.NmsIouThreshold), nil
}

// ModelConfig is saved in a JSON file along with the weights of the NN model
type ModelConfig struct {
	Architecture string   `json:"architecture"` // eg "yolov8"
	Width        int      `json:"width"`        // eg 640
	Height       int      `json:"height"`       // eg 640
	Classes      []string `json:"classes"`      // eg ["Forceps", "Dissector", ...]
}

// Load model config from a JSON file
func LoadModelConfig(filename string) (*ModelConfig, error) {
	b, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	config := &ModelConfig{}
	err = json.Unmarshal(b, config)
	if err != nil {
		return nil, err
	}
	return config, nil
}

// Load a text file with class names on each line
func LoadClassFile(filename string) ([]string, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	classes := []string{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			classes = append(classes, line)
		}
	}
	return classes, scanner.Err()
}
