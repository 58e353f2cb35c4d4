// Package recognition matches face descriptors against the enrolled gallery.
package recognition

import (
	"fmt"
	"math"
	"time"

	"github.com/andresmejia3/rollcall/internal/gallery"
)

// Metric names a descriptor distance function.
type Metric string

const (
	Euclidean Metric = "euclidean"
	Cosine    Metric = "cosine"
)

// Config holds the matching policy. Threshold and TieEpsilon are in units of the metric.
type Config struct {
	Metric     Metric
	Threshold  float64
	TieEpsilon float64
}

// DefaultConfig uses the dlib convention: 128-d descriptors compared by Euclidean
// distance, where 0.5 is a moderately strict tolerance.
func DefaultConfig() Config {
	return Config{Metric: Euclidean, Threshold: 0.5, TieEpsilon: 0.01}
}

// MatchResult is the outcome of matching one descriptor. StudentID is empty for unknown.
type MatchResult struct {
	StudentID string
	Distance  float64
	Timestamp time.Time
}

// Unknown reports whether no identity was accepted.
func (m MatchResult) Unknown() bool { return m.StudentID == "" }

// Matcher compares descriptors against one gallery snapshot.
type Matcher struct {
	cfg     Config
	gallery *gallery.Snapshot
	dist    func(a, b []float64) float64
}

func NewMatcher(g *gallery.Snapshot, cfg Config) (*Matcher, error) {
	m := &Matcher{cfg: cfg, gallery: g}
	switch cfg.Metric {
	case Euclidean:
		m.dist = EuclideanDist
	case Cosine:
		m.dist = CosineDist
	default:
		return nil, fmt.Errorf("unknown distance metric %q", cfg.Metric)
	}
	if cfg.Threshold <= 0 {
		return nil, fmt.Errorf("match threshold must be > 0, got %f", cfg.Threshold)
	}
	if cfg.TieEpsilon < 0 {
		return nil, fmt.Errorf("tie epsilon must be >= 0, got %f", cfg.TieEpsilon)
	}
	return m, nil
}

// Match returns the closest identity when it is within the threshold and not tied
// with another identity. Wrong attributions cost more than misses, so anything
// ambiguous comes back unknown.
func (m *Matcher) Match(vec []float64, ts time.Time) (MatchResult, error) {
	res := MatchResult{Distance: math.Inf(1), Timestamp: ts}
	if m.gallery.Len() == 0 {
		return res, nil
	}
	if len(vec) != m.gallery.Dim() {
		return res, fmt.Errorf("%w: descriptor has %d, gallery has %d", gallery.ErrDimensionMismatch, len(vec), m.gallery.Dim())
	}

	best, second := math.Inf(1), math.Inf(1)
	bestID := ""
	for _, id := range m.gallery.Identities() {
		d := m.identityDist(vec, id)
		switch {
		case d < best:
			second = best
			best = d
			bestID = id.StudentID
		case d < second:
			second = d
		}
	}

	res.Distance = best
	if best > m.cfg.Threshold {
		return res, nil
	}
	if second-best <= m.cfg.TieEpsilon {
		return res, nil
	}
	res.StudentID = bestID
	return res, nil
}

// identityDist is the distance to the closest of an identity's reference embeddings.
func (m *Matcher) identityDist(vec []float64, id gallery.Identity) float64 {
	closest := math.Inf(1)
	for _, ref := range id.Embeddings {
		if d := m.dist(vec, ref); d < closest {
			closest = d
		}
	}
	return closest
}

// CosineDist returns 1 - cos(a, b). Zero or empty vectors are maximally far (1.0).
func CosineDist(a, b []float64) float64 {
	var dot, sumA, sumB float64
	for i := range a {
		dot += a[i] * b[i]
		sumA += a[i] * a[i]
		sumB += b[i] * b[i]
	}
	if sumA == 0 || sumB == 0 {
		return 1.0
	}
	return 1.0 - (dot / (math.Sqrt(sumA) * math.Sqrt(sumB)))
}

// EuclideanDist is the L2 distance, the metric dlib descriptors are trained for.
func EuclideanDist(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}
