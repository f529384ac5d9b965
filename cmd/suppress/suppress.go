package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/akamensky/argparse"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/surgset/pkg/annotate"
	"github.com/cyclopcam/surgset/pkg/config"
	"github.com/cyclopcam/surgset/pkg/nn"
)

func check(err error) {
	if err != nil {
		panic(err)
	}
}

func main() {
	parser := argparse.NewParser("suppress", "Run Non-Maximum Suppression over detections")
	input := parser.String("i", "input", &argparse.Options{Help: "Input label file (JSON)", Required: false})
	tensor := parser.String("t", "tensor", &argparse.Options{Help: "Raw YOLOv8 output tensor (float32), instead of a label file", Required: false})
	numClasses := parser.Int("", "nclasses", &argparse.Options{Help: "Number of classes in the tensor", Required: false, Default: len(nn.SurgicalToolClasses)})
	numAnchors := parser.Int("", "nanchors", &argparse.Options{Help: "Number of anchors in the tensor", Required: false, Default: 8400})
	frameWidth := parser.Int("", "width", &argparse.Options{Help: "Frame width, for the tensor", Required: false, Default: 1920})
	frameHeight := parser.Int("", "height", &argparse.Options{Help: "Frame height, for the tensor", Required: false, Default: 1080})
	modelSize := parser.Int("", "modelsize", &argparse.Options{Help: "Model input width and height", Required: false, Default: 640})
	output := parser.String("o", "output", &argparse.Options{Help: "Output label file (JSON)", Required: true})
	configFile := parser.String("c", "config", &argparse.Options{Help: "Config file, for thresholds", Required: false})
	iou := parser.Float("", "iou", &argparse.Options{Help: "IoU threshold (overrides config). Negative means unset", Required: false, Default: -1.0})
	classAware := parser.Flag("", "classaware", &argparse.Options{Help: "Only suppress boxes of the same class"})
	frames := parser.String("", "frames", &argparse.Options{Help: "Directory of frame images, for annotation", Required: false})
	annotated := parser.String("", "annotated", &argparse.Options{Help: "Write annotated frames into this directory", Required: false})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}
	if (*input == "") == (*tensor == "") {
		fmt.Print(parser.Usage("Specify exactly one of --input or --tensor"))
		os.Exit(1)
	}

	logger, err := logs.NewLog()
	check(err)
	defer logger.Close()

	params := nn.NewDetectionParams()
	if *configFile != "" {
		cfg, err := config.Load(*configFile)
		check(err)
		params = cfg.DetectionParams()
	}
	if *iou >= 0 {
		params.NmsIouThreshold = float32(*iou)
	}
	if *classAware {
		params.ClassAware = true
	}

	var labels *nn.VideoLabels
	if *input != "" {
		raw, err := nn.LoadVideoLabels(*input)
		check(err)
		labels = raw.Suppress(params)
		logger.Infof("%v frames: %v objects before NMS, %v after", len(labels.Frames), raw.NumObjects(), labels.NumObjects())
	} else {
		f, err := os.Open(*tensor)
		check(err)
		shape := nn.OutputShape{NumClasses: *numClasses, NumAnchors: *numAnchors}
		out, err := nn.ReadTensor(f, shape)
		f.Close()
		check(err)
		xform := nn.MakeInputTransform(*frameWidth, *frameHeight, *modelSize, *modelSize)
		dets, err := nn.PostProcess(out, shape, xform, params)
		check(err)
		labels = &nn.VideoLabels{
			Classes: nn.SurgicalToolClasses,
			Width:   *frameWidth,
			Height:  *frameHeight,
			Frames:  []*nn.ImageLabels{{Objects: dets}},
		}
		logger.Infof("%v objects after NMS", len(dets))
	}
	check(labels.Save(*output))

	if *annotated != "" {
		if *frames == "" {
			fmt.Print(parser.Usage("--annotated requires --frames"))
			os.Exit(1)
		}
		check(os.MkdirAll(*annotated, 0755))
		n := 0
		for _, f := range labels.Frames {
			if f.Image == "" {
				continue
			}
			img, err := annotate.LoadImage(filepath.Join(*frames, f.Image))
			if err != nil {
				logger.Warnf("Skipping frame %v: %v", f.Frame, err)
				continue
			}
			out := annotate.Draw(img, f.Objects, labels.Classes, annotate.DefaultStyle())
			check(annotate.SaveJPEG(filepath.Join(*annotated, f.Image), out, 90))
			n++
		}
		logger.Infof("Wrote %v annotated frames to %v", n, *annotated)
	}
}
