package nn

import (
	"github.com/chewxy/math32"
)

type Point struct {
	X float32 `json:"x"`
	Y float32 `json:"y"`
}

func (p Point) Distance(b Point) float32 {
	dx, dy := p.X-b.X, p.Y-b.Y
	return math32.Sqrt(dx*dx + dy*dy)
}

// Rect is a box with its origin at the top-left corner
type Rect struct {
	X      float32 `json:"x"`
	Y      float32 `json:"y"`
	Width  float32 `json:"width"`
	Height float32 `json:"height"`
}

func (r Rect) X2() float32 {
	return r.X + r.Width
}

func (r Rect) Y2() float32 {
	return r.Y + r.Height
}

// Degenerate rectangles have zero area
func (r Rect) Area() float32 {
	if r.IsDegenerate() {
		return 0
	}
	return r.Width * r.Height
}

// A box with zero (or negative) width or height
func (r Rect) IsDegenerate() bool {
	return r.Width <= 0 || r.Height <= 0
}

func (r Rect) Intersection(b Rect) Rect {
	x1 := max(r.X, b.X)
	y1 := max(r.Y, b.Y)
	x2 := min(r.X2(), b.X2())
	y2 := min(r.Y2(), b.Y2())
	return Rect{
		X:      x1,
		Y:      y1,
		Width:  max(0, x2-x1),
		Height: max(0, y2-y1),
	}
}

func (r Rect) Union(b Rect) Rect {
	x1 := min(r.X, b.X)
	y1 := min(r.Y, b.Y)
	x2 := max(r.X2(), b.X2())
	y2 := max(r.Y2(), b.Y2())
	return Rect{
		X:      x1,
		Y:      y1,
		Width:  x2 - x1,
		Height: y2 - y1,
	}
}

// Intersection over Union.
// Identical rectangles always have an IoU of 1, even when they have zero area.
// Otherwise, if the union has no area, the IoU is 0.
func (r Rect) IOU(b Rect) float32 {
	if r == b {
		return 1
	}
	inter := r.Intersection(b).Area()
	union := r.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

func (r Rect) Center() Point {
	return Point{
		X: r.X + r.Width/2,
		Y: r.Y + r.Height/2,
	}
}

func (r *Rect) Offset(dx, dy float32) {
	r.X += dx
	r.Y += dy
}

// Scale the rectangle, including its origin
func (r Rect) Scale(sx, sy float32) Rect {
	return Rect{
		X:      r.X * sx,
		Y:      r.Y * sy,
		Width:  r.Width * sx,
		Height: r.Height * sy,
	}
}
