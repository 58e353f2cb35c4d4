// Package engagement turns eye landmarks into an attentive/drowsy label.
package engagement

import (
	"fmt"
	"image"
	"math"
)

// Label is the provisional engagement classification of one face sample.
type Label string

const (
	Attentive Label = "attentive"
	Drowsy    Label = "drowsy"
)

// dlib 68-point layout: each eye is six points starting at the outer corner,
// two upper lid points, inner corner, two lower lid points.
const (
	landmarkCount = 68
	rightEyeStart = 36
	leftEyeStart  = 42
)

// Config controls the closed-eye heuristic.
type Config struct {
	// ClosedEyeRatio is the eye aspect ratio below which an eye counts as closed.
	ClosedEyeRatio float64
	// Window is how many recent samples per identity vote on the label.
	Window int
}

func DefaultConfig() Config {
	return Config{ClosedEyeRatio: 0.21, Window: 5}
}

// EyeAspectRatio returns the openness of one eye from its six landmarks.
// A zero-width eye reports 0.
func EyeAspectRatio(eye []image.Point) float64 {
	if len(eye) != 6 {
		return 0
	}
	width := dist(eye[0], eye[3])
	if width == 0 {
		return 0
	}
	return (dist(eye[1], eye[5]) + dist(eye[2], eye[4])) / (2 * width)
}

// Openness averages the eye aspect ratio of both eyes. ok is false when the
// landmark set does not follow the 68-point layout.
func Openness(landmarks []image.Point) (ratio float64, ok bool) {
	if len(landmarks) < landmarkCount {
		return 0, false
	}
	right := EyeAspectRatio(landmarks[rightEyeStart : rightEyeStart+6])
	left := EyeAspectRatio(landmarks[leftEyeStart : leftEyeStart+6])
	return (right + left) / 2, true
}

func dist(a, b image.Point) float64 {
	return math.Hypot(float64(a.X-b.X), float64(a.Y-b.Y))
}

// Tracker keeps the recent closed/open history of each identity for one session.
// It is owned by the session's single pipeline goroutine and is not safe for concurrent use.
type Tracker struct {
	cfg     Config
	history map[string][]bool
}

func NewTracker(cfg Config) (*Tracker, error) {
	if cfg.Window < 1 {
		return nil, fmt.Errorf("engagement window must be >= 1, got %d", cfg.Window)
	}
	if cfg.ClosedEyeRatio <= 0 {
		return nil, fmt.Errorf("closed eye ratio must be > 0, got %f", cfg.ClosedEyeRatio)
	}
	return &Tracker{cfg: cfg, history: make(map[string][]bool)}, nil
}

// Sample records one face for studentID and returns its label. An empty
// studentID (unrecognized face) is labelled from this sample alone.
// Faces without eye landmarks count as open.
func (t *Tracker) Sample(studentID string, landmarks []image.Point) Label {
	ratio, ok := Openness(landmarks)
	closed := ok && ratio < t.cfg.ClosedEyeRatio

	if studentID == "" {
		if closed {
			return Drowsy
		}
		return Attentive
	}

	h := append(t.history[studentID], closed)
	if len(h) > t.cfg.Window {
		h = h[len(h)-t.cfg.Window:]
	}
	t.history[studentID] = h

	n := 0
	for _, c := range h {
		if c {
			n++
		}
	}
	if 2*n > len(h) {
		return Drowsy
	}
	return Attentive
}
