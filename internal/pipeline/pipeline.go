// Package pipeline drives frames through detection, matching and engagement into
// a session, and commits the finished roll.
package pipeline

import (
	"context"
	"fmt"

	"github.com/andresmejia3/rollcall/internal/engagement"
	"github.com/andresmejia3/rollcall/internal/gallery"
	"github.com/andresmejia3/rollcall/internal/recognition"
	"github.com/andresmejia3/rollcall/internal/session"
	"github.com/andresmejia3/rollcall/internal/types"
	"go.uber.org/zap"
)

// Analyzer runs the pretrained models over one JPEG frame: face boxes with
// detection scores, landmarks and descriptors.
type Analyzer interface {
	Analyze(ctx context.Context, jpeg []byte) ([]types.Face, error)
}

// Mode names the pipeline variant.
type Mode string

const (
	ModeAutomatic  Mode = "automatic"
	ModeManualOnly Mode = "manual-only"
)

// Options are the recognition policies for a session.
type Options struct {
	Recognition        recognition.Config
	Engagement         engagement.Config
	Policy             session.Policy
	DetectionThreshold float64
}

func DefaultOptions() Options {
	return Options{
		Recognition:        recognition.DefaultConfig(),
		Engagement:         engagement.DefaultConfig(),
		Policy:             session.DefaultPolicy(),
		DetectionThreshold: 0.5,
	}
}

// Session is everything scoped to one (date, period): the aggregation state, the
// matcher over that period's gallery snapshot and the engagement history. It is
// created when the period opens and handed to every stage explicitly.
type Session struct {
	State   *session.State
	Gallery *gallery.Snapshot
	Matcher *recognition.Matcher
	Tracker *engagement.Tracker
}

func NewSession(key session.Key, g *gallery.Snapshot, opts Options) (*Session, error) {
	st, err := session.New(key, g, opts.Policy)
	if err != nil {
		return nil, err
	}
	m, err := recognition.NewMatcher(g, opts.Recognition)
	if err != nil {
		return nil, err
	}
	tr, err := engagement.NewTracker(opts.Engagement)
	if err != nil {
		return nil, err
	}
	return &Session{State: st, Gallery: g, Matcher: m, Tracker: tr}, nil
}

// FrameReport counts what happened to one frame's faces.
type FrameReport struct {
	Faces     int // detections at or above the detection threshold
	Discarded int // detections below it
	Matched   int
	Unknown   int
	Ambiguous int // faces dropped because two matched the same student
}

func (r *FrameReport) add(o FrameReport) {
	r.Faces += o.Faces
	r.Discarded += o.Discarded
	r.Matched += o.Matched
	r.Unknown += o.Unknown
	r.Ambiguous += o.Ambiguous
}

// Pipeline is the frame-handling capability chosen once at startup.
type Pipeline interface {
	Mode() Mode
	// NeedsFrames reports whether the runner should pull from a frame source at all.
	NeedsFrames() bool
	ProcessFrame(ctx context.Context, s *Session, f types.Frame) (FrameReport, error)
}

// Select returns the automatic pipeline when models are available and the
// manual-only one otherwise.
func Select(a Analyzer, detectionThreshold float64, log *zap.Logger) Pipeline {
	if a == nil {
		log.Warn("face models unavailable, running manual-only: every student defaults to absent until overridden")
		return ManualOnly{}
	}
	return NewAutomatic(a, detectionThreshold, log)
}

// Automatic recognizes students from frames.
type Automatic struct {
	analyzer  Analyzer
	threshold float64
	log       *zap.Logger
}

func NewAutomatic(a Analyzer, detectionThreshold float64, log *zap.Logger) *Automatic {
	return &Automatic{analyzer: a, threshold: detectionThreshold, log: log}
}

func (a *Automatic) Mode() Mode        { return ModeAutomatic }
func (a *Automatic) NeedsFrames() bool { return true }

type candidate struct {
	face  types.Face
	match recognition.MatchResult
}

// ProcessFrame runs one frame to completion. No detection survives past this call.
func (a *Automatic) ProcessFrame(ctx context.Context, s *Session, f types.Frame) (FrameReport, error) {
	var rep FrameReport

	faces, err := a.analyzer.Analyze(ctx, f.Data)
	if err != nil {
		return rep, fmt.Errorf("analyze frame %d: %w", f.Index, err)
	}

	cands := make([]candidate, 0, len(faces))
	perStudent := make(map[string]int)
	for _, face := range faces {
		if face.Score < a.threshold {
			rep.Discarded++
			continue
		}
		rep.Faces++
		m, err := s.Matcher.Match(face.Vec, f.Timestamp)
		if err != nil {
			return rep, fmt.Errorf("match frame %d: %w", f.Index, err)
		}
		if !m.Unknown() {
			perStudent[m.StudentID]++
		}
		cands = append(cands, candidate{face: face, match: m})
	}

	for _, c := range cands {
		id := c.match.StudentID
		if id != "" && perStudent[id] > 1 {
			rep.Ambiguous++
			continue
		}

		label := s.Tracker.Sample(id, c.face.Landmarks)
		if id == "" {
			rep.Unknown++
			a.log.Debug("unrecognized face",
				zap.Int("frame", f.Index),
				zap.Float64("distance", c.match.Distance))
		} else {
			rep.Matched++
		}
		err := s.State.Observe(session.Observation{
			StudentID: id,
			Distance:  c.match.Distance,
			Label:     label,
			Timestamp: f.Timestamp,
		})
		if err != nil {
			return rep, err
		}
	}

	if rep.Ambiguous > 0 {
		a.log.Debug("ambiguous faces skipped", zap.Int("frame", f.Index), zap.Int("faces", rep.Ambiguous))
	}
	return rep, nil
}

// ManualOnly ignores frames; statuses come only from overrides, and everyone
// else finalizes absent.
type ManualOnly struct{}

func (ManualOnly) Mode() Mode        { return ModeManualOnly }
func (ManualOnly) NeedsFrames() bool { return false }

func (ManualOnly) ProcessFrame(ctx context.Context, s *Session, f types.Frame) (FrameReport, error) {
	return FrameReport{}, nil
}
