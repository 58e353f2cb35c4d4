package types

import (
	"image"
	"time"
)

// Frame is one still image pulled from a frame source, JPEG encoded.
type Frame struct {
	Index     int
	Timestamp time.Time
	Data      []byte
}

// Face is one detection returned by the model worker for a frame.
// It lives only as long as the frame that produced it.
type Face struct {
	Loc       [4]int        // [top, right, bottom, left]
	Score     float64       // detector confidence, 0..1
	Vec       []float64     // face descriptor (128-d for dlib)
	Landmarks []image.Point // 68-point layout, empty if the model returned none
}

// Rect converts Loc to an image rectangle.
func (f Face) Rect() image.Rectangle {
	return image.Rect(f.Loc[3], f.Loc[0], f.Loc[1], f.Loc[2])
}

// Area is the pixel area of the bounding box.
func (f Face) Area() int {
	r := f.Rect()
	return r.Dx() * r.Dy()
}
