package annotate

import (
	"fmt"
	"image"

	"github.com/cyclopcam/surgset/pkg/nn"
	"github.com/fogleman/gg"
	"golang.org/x/image/font/basicfont"
)

// Style of the boxes and labels
type Style struct {
	R, G, B   float64 // Box color
	LineWidth float64
	Labels    bool // Draw "class confidence" above each box
}

func DefaultStyle() Style {
	return Style{
		G:         1,
		LineWidth: 2,
		Labels:    true,
	}
}

// Draw returns a copy of img with the detections drawn on top.
// classes maps class indices to names, and may be nil.
func Draw(img image.Image, dets []nn.Detection, classes []string, style Style) image.Image {
	dc := gg.NewContextForImage(img)
	dc.SetFontFace(basicfont.Face7x13)
	for _, d := range dets {
		b := d.Box
		dc.SetRGB(style.R, style.G, style.B)
		dc.SetLineWidth(style.LineWidth)
		dc.DrawRectangle(float64(b.X), float64(b.Y), float64(b.Width), float64(b.Height))
		dc.Stroke()

		if style.Labels {
			label := fmt.Sprintf("%v %.2f", nn.ClassName(classes, d.Class), d.Confidence)
			tw, th := dc.MeasureString(label)
			x := float64(b.X)
			y := max(float64(b.Y)-th-4, 0)
			dc.DrawRectangle(x, y, tw+4, th+4)
			dc.Fill()
			dc.SetRGB(0, 0, 0)
			dc.DrawStringAnchored(label, x+2, y+2, 0, 1)
		}
	}
	return dc.Image()
}

// SaveJPEG writes img to a JPEG file
func SaveJPEG(filename string, img image.Image, quality int) error {
	return gg.SaveJPG(filename, img, quality)
}

// SavePNG writes img to a PNG file
func SavePNG(filename string, img image.Image) error {
	return gg.SavePNG(filename, img)
}

// LoadImage reads a JPEG or PNG
func LoadImage(filename string) (image.Image, error) {
	return gg.LoadImage(filename)
}
