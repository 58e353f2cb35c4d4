package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/andresmejia3/rollcall/internal/frames"
	"github.com/andresmejia3/rollcall/internal/session"
	"go.uber.org/zap"
)

// OverrideRequest carries a manual status from another goroutine to the runner.
// The runner answers on Reply, which must be buffered.
type OverrideRequest struct {
	StudentID string
	Status    session.Status
	Reply     chan error
}

// Summary describes a finished run.
type Summary struct {
	Mode        Mode
	Frames      int
	FrameErrors int
	Overrides   int
	Faces       FrameReport
	Roll        session.Roll
	// Err is why frame processing stopped early, if it did. The roll is still final.
	Err error
	// Degraded is set when frames stopped before the deadline and the rest of
	// the period only took overrides.
	Degraded bool
}

// Runner is the single writer of a session. It pulls frames one at a time and
// applies overrides between frames. With a deadline it finalizes only when the
// deadline passes or ctx is cancelled: if frames stop early the remainder of
// the period serves overrides alone. Without one it finalizes when frames end.
type Runner struct {
	Pipeline  Pipeline
	Source    frames.Source
	Overrides <-chan OverrideRequest
	// Deadline closes the period; zero means run until the source ends or ctx is done.
	Deadline time.Time
	// MaxFrameErrors stops the automatic path after this many consecutive frame failures.
	MaxFrameErrors int
	// OnFrame, if set, is called after every processed frame.
	OnFrame func(FrameReport)
	Log     *zap.Logger
}

// Run processes the period and returns the finalized roll. Frame and source
// failures end frame processing early but never prevent finalization.
func (r *Runner) Run(ctx context.Context, s *Session) Summary {
	sum := Summary{Mode: r.Pipeline.Mode()}
	log := r.Log.With(zap.String("session", s.State.ID().String()), zap.Stringer("key", s.State.Key()))

	if !r.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, r.Deadline)
		defer cancel()
	}

	if r.Pipeline.NeedsFrames() && r.Source != nil {
		sum.Err = r.consumeFrames(ctx, s, &sum, log)
		if !r.Deadline.IsZero() && ctx.Err() == nil && !errors.Is(sum.Err, session.ErrFinalized) {
			sum.Degraded = true
			log.Warn("frames stopped before the period closed; taking overrides only",
				zap.Time("deadline", r.Deadline), zap.Error(sum.Err))
			r.waitForClose(ctx, s, &sum, log)
		}
	} else {
		r.waitForClose(ctx, s, &sum, log)
	}

	r.drain(s, &sum, log)
	sum.Roll = s.State.Finalize()
	r.rejectPending(log)

	log.Info("session finalized",
		zap.String("mode", string(sum.Mode)),
		zap.Int("frames", sum.Frames),
		zap.Int("frame_errors", sum.FrameErrors),
		zap.Int("matched", sum.Faces.Matched),
		zap.Int("unknown", sum.Faces.Unknown),
		zap.Int("overrides", sum.Overrides),
		zap.Int("students", len(sum.Roll.Entries)))
	return sum
}

func (r *Runner) consumeFrames(ctx context.Context, s *Session, sum *Summary, log *zap.Logger) error {
	maxErrs := r.MaxFrameErrors
	if maxErrs < 1 {
		maxErrs = 1
	}
	consecutive := 0

	for {
		r.drain(s, sum, log)
		if ctx.Err() != nil {
			return nil
		}

		f, err := r.Source.Next(ctx)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error("frame source failed", zap.Error(err))
			return fmt.Errorf("frame source: %w", err)
		}
		sum.Frames++

		rep, err := r.Pipeline.ProcessFrame(ctx, s, f)
		sum.Faces.add(rep)
		if err != nil {
			if errors.Is(err, session.ErrFinalized) {
				return err
			}
			sum.FrameErrors++
			consecutive++
			log.Warn("frame skipped", zap.Int("frame", f.Index), zap.Error(err))
			if consecutive >= maxErrs {
				return fmt.Errorf("%d consecutive frame failures: %w", consecutive, err)
			}
			continue
		}
		consecutive = 0
		if r.OnFrame != nil {
			r.OnFrame(rep)
		}
	}
}

// waitForClose serves overrides until the period closes. Used when there are
// no frames to read, or no more.
func (r *Runner) waitForClose(ctx context.Context, s *Session, sum *Summary, log *zap.Logger) {
	overrides := r.Overrides
	for {
		select {
		case <-ctx.Done():
			return
		case req, ok := <-overrides:
			if !ok {
				overrides = nil
				continue
			}
			r.apply(s, req, sum, log)
		}
	}
}

// drain applies every override that is already waiting, without blocking.
func (r *Runner) drain(s *Session, sum *Summary, log *zap.Logger) {
	if r.Overrides == nil {
		return
	}
	for {
		select {
		case req, ok := <-r.Overrides:
			if !ok {
				return
			}
			r.apply(s, req, sum, log)
		default:
			return
		}
	}
}

func (r *Runner) apply(s *Session, req OverrideRequest, sum *Summary, log *zap.Logger) {
	err := s.State.Override(req.StudentID, req.Status)
	if err == nil {
		sum.Overrides++
		log.Info("manual override", zap.String("student", req.StudentID), zap.String("status", string(req.Status)))
	} else {
		log.Warn("override rejected", zap.String("student", req.StudentID), zap.Error(err))
	}
	if req.Reply != nil {
		req.Reply <- err
	}
}

// rejectPending answers overrides that raced with finalization.
func (r *Runner) rejectPending(log *zap.Logger) {
	if r.Overrides == nil {
		return
	}
	for {
		select {
		case req, ok := <-r.Overrides:
			if !ok {
				return
			}
			log.Warn("override after close", zap.String("student", req.StudentID))
			if req.Reply != nil {
				req.Reply <- session.ErrFinalized
			}
		default:
			return
		}
	}
}

// RetryPolicy bounds how often an unavailable sink is retried.
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
}

// Commit hands the frozen roll to the sink, resending the identical roll while the
// sink is unavailable. Conflicts are returned immediately.
func Commit(ctx context.Context, st *session.State, sink session.Sink, rp RetryPolicy, log *zap.Logger) error {
	attempts := rp.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for i := 1; i <= attempts; i++ {
		err = st.Commit(ctx, sink)
		if err == nil {
			log.Info("roll committed", zap.Stringer("key", st.Key()), zap.Int("attempt", i))
			return nil
		}
		if errors.Is(err, session.ErrConflict) {
			log.Error("roll rejected: already recorded", zap.Stringer("key", st.Key()))
			return err
		}
		log.Warn("commit failed", zap.Stringer("key", st.Key()), zap.Int("attempt", i), zap.Error(err))
		if i == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w (gave up: %v)", err, ctx.Err())
		case <-time.After(rp.Delay):
		}
	}
	return err
}
