package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/andresmejia3/rollcall/internal/control"
	"github.com/andresmejia3/rollcall/internal/engagement"
	"github.com/andresmejia3/rollcall/internal/frames"
	"github.com/andresmejia3/rollcall/internal/gallery"
	"github.com/andresmejia3/rollcall/internal/pipeline"
	"github.com/andresmejia3/rollcall/internal/recognition"
	"github.com/andresmejia3/rollcall/internal/schedule"
	"github.com/andresmejia3/rollcall/internal/session"
	"github.com/andresmejia3/rollcall/internal/sink"
	"github.com/andresmejia3/rollcall/internal/utils"
	"github.com/andresmejia3/rollcall/internal/worker"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// takeOptions are the per-run choices that do not live in the config.
type takeOptions struct {
	Date          string
	Period        int
	Input         string
	Overrides     []string
	Manual        bool
	RequireModels bool
	DryRun        bool
	NoControl     bool
	Progress      bool
}

var takeOpts = takeOptions{Progress: true}

var takeCmd = &cobra.Command{
	Use:   "take",
	Short: "Take attendance for one period from the camera",
	Long: `Opens a session for one (date, period), recognizes students on the camera
until the period ends, then records one status per enrolled student:
present, sleepy or absent.

Without --period the period in progress on the configured timetable is used.
Manual overrides can be given with --override or posted to the control server
while the session is open.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := validateTakeFlags(&takeOpts); err != nil {
			return err
		}
		tt, err := timetable()
		if err != nil {
			if takeOpts.Period == 0 {
				return err
			}
			tt = nil
		}
		key, deadline, err := resolveWindow(takeOpts, tt, cfg.Session.Duration, time.Now())
		if err != nil {
			return err
		}
		return runTake(cmd.Context(), key, deadline, takeOpts)
	},
}

func init() {
	f := takeCmd.Flags()
	f.StringVar(&takeOpts.Date, "date", "", "Session date, YYYY-MM-DD (default: today)")
	f.IntVar(&takeOpts.Period, "period", 0, "Period number 1-8 (default: the period in progress on the timetable)")
	f.StringVarP(&takeOpts.Input, "input", "i", "", "Replay a video file or a directory of images instead of the camera")
	f.StringArrayVar(&takeOpts.Overrides, "override", nil, "Manual status as student_id=present|sleepy|absent (repeatable)")
	f.BoolVar(&takeOpts.Manual, "manual", false, "Do not open the camera or models; record overrides only")
	f.BoolVar(&takeOpts.RequireModels, "require-models", false, "Fail instead of running manual-only when the face models cannot load")
	f.BoolVar(&takeOpts.DryRun, "dry-run", false, "Print the roll without recording it")
	f.BoolVar(&takeOpts.NoControl, "no-control", false, "Do not start the override server")

	f.Duration("duration", 45*time.Minute, "How long the period stays open when the timetable has no end for it")
	f.String("device", "/dev/video0", "Capture device passed to ffmpeg")
	f.String("format", "v4l2", "ffmpeg input format for the device (v4l2, avfoundation, dshow)")
	f.Int("fps", 2, "Frames per second pulled from the camera")
	f.IntP("nth-frame", "n", 1, "Analyze every nth frame")
	f.Int("max-width", 960, "Downscale frames wider than this before analysis (0 disables)")
	f.Float64P("threshold", "t", 0.5, "Face matching threshold (lower is stricter)")
	f.String("metric", "euclidean", "Descriptor distance: euclidean or cosine")
	f.Float64("detection-threshold", 0.5, "Minimum face detection score")
	f.String("model", "hog", "Face locator model: hog or cnn")
	f.String("listen", "127.0.0.1:8089", "Address of the override server")

	rootCmd.AddCommand(takeCmd)
}

func validateTakeFlags(opts *takeOptions) error {
	if opts.Period < 0 || opts.Period > session.MaxPeriod {
		return fmt.Errorf("%w: --period must be between %d and %d", session.ErrInvalidKey, session.MinPeriod, session.MaxPeriod)
	}
	if opts.Date != "" && opts.Period == 0 {
		return errors.New("--date needs an explicit --period")
	}
	if opts.Manual && opts.Input != "" {
		return errors.New("--manual and --input are mutually exclusive")
	}
	if opts.Input != "" {
		if _, err := os.Stat(opts.Input); err != nil {
			return fmt.Errorf("input %s: %w", opts.Input, err)
		}
	}
	if _, err := parseOverrides(opts.Overrides); err != nil {
		return err
	}
	return nil
}

// parseOverrides reads "student_id=status" pairs.
func parseOverrides(raw []string) ([]session.Event, error) {
	events := make([]session.Event, 0, len(raw))
	for _, r := range raw {
		id, status, ok := strings.Cut(r, "=")
		id = strings.TrimSpace(id)
		if !ok || id == "" {
			return nil, fmt.Errorf("invalid override %q: want student_id=status", r)
		}
		st, err := session.ParseStatus(strings.TrimSpace(status))
		if err != nil {
			return nil, fmt.Errorf("override %q: %w", r, err)
		}
		events = append(events, session.Override{StudentID: id, Status: st})
	}
	return events, nil
}

// timetable builds the configured weekly timetable.
func timetable() (*schedule.Timetable, error) {
	return schedule.NewTimetable(cfg.Schedule.Periods, cfg.Schedule.Weekdays, cfg.Schedule.Timezone)
}

// resolveWindow picks the session key and the time it closes. An explicit
// period on today's date closes at its timetable end when there is one, any
// other explicit period stays open for duration. A zero deadline means the
// session ends with its input, which is always the case for a replay.
func resolveWindow(opts takeOptions, tt *schedule.Timetable, duration time.Duration, now time.Time) (session.Key, time.Time, error) {
	key, deadline, err := periodWindow(opts, tt, duration, now)
	if err != nil || opts.Input != "" {
		return key, time.Time{}, err
	}
	return key, deadline, nil
}

func periodWindow(opts takeOptions, tt *schedule.Timetable, duration time.Duration, now time.Time) (session.Key, time.Time, error) {
	if opts.Period == 0 {
		if tt == nil {
			return session.Key{}, time.Time{}, errors.New("no timetable configured; pass --period")
		}
		p, ok := tt.Current(now)
		if !ok {
			return session.Key{}, time.Time{}, errors.New("no period in progress on the timetable; pass --period")
		}
		return tt.Window(p, now)
	}

	var (
		key session.Key
		err error
	)
	if opts.Date == "" {
		key, err = session.NewKey(now, opts.Period)
	} else {
		key, err = session.ParseKey(opts.Date, opts.Period)
	}
	if err != nil {
		return session.Key{}, time.Time{}, err
	}

	if tt != nil {
		if p, ok := tt.Lookup(opts.Period); ok {
			k, end, err := tt.Window(p, now)
			if err == nil && k.Date.Equal(key.Date) && k.Period == key.Period && end.After(now) {
				return key, end, nil
			}
		}
	}
	if duration <= 0 {
		return key, time.Time{}, nil
	}
	return key, now.Add(duration), nil
}

func pipelineOptions() pipeline.Options {
	return pipeline.Options{
		Recognition: recognition.Config{
			Metric:     recognition.Metric(cfg.Recognition.Metric),
			Threshold:  cfg.Recognition.MatchThreshold,
			TieEpsilon: cfg.Recognition.TieEpsilon,
		},
		Engagement: engagement.Config{
			ClosedEyeRatio: cfg.Engagement.ClosedEyeRatio,
			Window:         cfg.Engagement.Window,
		},
		Policy:             session.Policy{SleepyFraction: cfg.Session.SleepyFraction},
		DetectionThreshold: cfg.Recognition.DetectionThreshold,
	}
}

func workerConfig() worker.Config {
	return worker.Config{
		Python:      cfg.Worker.Python,
		Script:      cfg.Worker.Script,
		Model:       cfg.Worker.Model,
		Upsample:    cfg.Worker.Upsample,
		ReadTimeout: cfg.Worker.Timeout,
	}
}

// loadGallery snapshots the configured gallery for one session.
func loadGallery(ctx context.Context) (*gallery.Snapshot, error) {
	reg, err := registry(ctx)
	if err != nil {
		return nil, err
	}
	snap, err := gallery.Load(ctx, reg)
	if err != nil {
		return nil, fmt.Errorf("failed to load gallery: %w", err)
	}
	return snap, nil
}

// openSource opens the replay input or the camera, sampled and downscaled.
// The ffmpeg command is returned so its stderr can be shown on failure.
func openSource(ctx context.Context, input string) (frames.Source, *utils.SafeCommand, int, error) {
	var (
		src   frames.Source
		cmd   *utils.SafeCommand
		total = -1
	)
	switch info, err := os.Stat(input); {
	case input != "" && err == nil && info.IsDir():
		dir, err := frames.NewDirSource(input)
		if err != nil {
			return nil, nil, 0, err
		}
		src, total = dir, dir.Len()
	default:
		fc := frames.FFmpegConfig{
			Input:        cfg.Camera.Device,
			Format:       cfg.Camera.Format,
			FrameRate:    cfg.Camera.FrameRate,
			StartTimeout: cfg.Camera.StartTimeout,
		}
		if input != "" {
			fc.Input, fc.Format = input, ""
		}
		ff, err := frames.OpenFFmpeg(ctx, fc)
		if err != nil {
			return nil, nil, 0, err
		}
		src, cmd = ff, ff.Command()
	}

	if n := cfg.Camera.NthFrame; n > 1 {
		src = frames.Sampled{Source: src, N: n}
		if total > 0 {
			total /= n
		}
	}
	if cfg.Camera.MaxWidth > 0 {
		src = frames.Downscaled{Source: src, MaxWidth: cfg.Camera.MaxWidth}
	}
	return src, cmd, total, nil
}

// runTake runs one whole session: gallery snapshot, models, frames, overrides,
// finalization and commit. It is shared by take and the scheduler.
func runTake(ctx context.Context, key session.Key, deadline time.Time, opts takeOptions) error {
	log := logger.Named("take").With(zap.Stringer("key", key))

	events, err := parseOverrides(opts.Overrides)
	if err != nil {
		return err
	}

	snap, err := loadGallery(ctx)
	if err != nil {
		return err
	}
	if snap.Len() == 0 {
		fmt.Fprintln(os.Stderr, "⚠️  Gallery is empty: nobody can be recognized")
	}

	sess, err := pipeline.NewSession(key, snap, pipelineOptions())
	if err != nil {
		return fmt.Errorf("failed to open session: %w", err)
	}
	if err := session.Reduce(sess.State, events...); err != nil {
		return fmt.Errorf("failed to apply overrides: %w", err)
	}

	// The camera and the models are released as soon as the period closes,
	// before the commit, so the next period can open them.
	var closers []func() error
	release := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
		closers = nil
	}
	defer release()

	// 1. Models, unless the session is manual by choice
	var (
		p  pipeline.Pipeline = pipeline.ManualOnly{}
		wk *worker.PythonWorker
	)
	if !opts.Manual {
		fmt.Fprintln(os.Stderr, "⚙️  Loading face models...")
		wk, err = worker.NewPythonWorker(ctx, 0, workerConfig())
		switch {
		case err == nil:
			closers = append(closers, wk.Close)
			p = pipeline.Select(wk, cfg.Recognition.DetectionThreshold, logger.Named("pipeline"))
		case errors.Is(err, worker.ErrModelUnavailable) && !opts.RequireModels:
			p = pipeline.Select(nil, cfg.Recognition.DetectionThreshold, logger.Named("pipeline"))
			log.Warn("models unavailable", zap.Error(err))
		default:
			return fail("Face models failed to load", err, nil)
		}
	}

	// 2. Frames
	var (
		src    frames.Source
		ffmpeg *utils.SafeCommand
		total  = -1
	)
	if p.NeedsFrames() {
		src, ffmpeg, total, err = openSource(ctx, opts.Input)
		if err != nil {
			return fail("Camera unavailable", err, nil)
		}
		closers = append(closers, src.Close)
	}

	// 3. Override server
	var srv *control.Server
	var overrides <-chan pipeline.OverrideRequest
	if cfg.Control.Enabled && !opts.NoControl {
		srv = control.NewServer(logger.Named("control"))
		overrides = srv.Overrides()
	}

	var bar *progressbar.ProgressBar
	runner := &pipeline.Runner{
		Pipeline:       p,
		Source:         src,
		Overrides:      overrides,
		Deadline:       deadline,
		MaxFrameErrors: cfg.Session.MaxFrameErrors,
		Log:            logger.Named("pipeline"),
	}
	if opts.Progress && p.NeedsFrames() {
		bar = progressbar.NewOptions(total,
			progressbar.OptionSetDescription("🎥 Taking attendance"),
			progressbar.OptionSetWriter(os.Stderr), // Write bar to Stderr
			progressbar.OptionShowCount(),
		)
		runner.OnFrame = func(pipeline.FrameReport) { bar.Add(1) }
	}

	fmt.Fprintf(os.Stderr, "📋 Session %s open (%s, %d students)", key, p.Mode(), snap.Len())
	if !deadline.IsZero() {
		fmt.Fprintf(os.Stderr, " until %s", deadline.Format("15:04"))
	}
	fmt.Fprintln(os.Stderr)

	// 4. Run until the period closes
	g, gctx := errgroup.WithContext(ctx)
	serveCtx, stopServe := context.WithCancel(gctx)
	defer stopServe()
	if srv != nil {
		srv.Open(key.String())
		g.Go(func() error { return srv.ListenAndServe(serveCtx, cfg.Control.Addr) })
	}
	var sum pipeline.Summary
	g.Go(func() error {
		defer stopServe()
		if srv != nil {
			defer srv.Close()
		}
		sum = runner.Run(gctx, sess)
		return nil
	})
	if err := g.Wait(); err != nil {
		return fail("Override server failed; the roll was not recorded", err, nil)
	}
	release()
	if bar != nil {
		bar.Finish()
		fmt.Fprintln(os.Stderr)
	}

	if sum.Err != nil {
		var child *utils.SafeCommand
		switch {
		case ffmpeg != nil && ffmpeg.Stderr.Len() > 0:
			child = ffmpeg
		case wk != nil:
			child = wk.Cmd
		}
		utils.ShowError("Frame processing stopped early; recording what was seen", sum.Err, child)
	}
	if sum.Degraded {
		fmt.Fprintln(os.Stderr, "⚠️  Frames stopped before the period closed; only overrides were taken after that")
	}
	fmt.Fprintf(os.Stderr, "🏁 Session closed. %d frames, %d faces (%d matched, %d unknown, %d ambiguous), %d overrides.\n",
		sum.Frames, sum.Faces.Faces, sum.Faces.Matched, sum.Faces.Unknown, sum.Faces.Ambiguous, sum.Overrides)

	printRoll(stdout, sum.Roll, snap)

	// 5. Commit, even when ctx was cancelled: the roll is final
	var sk session.Sink
	if opts.DryRun {
		sk = sink.NewMemory()
	} else if sk, err = attendanceSink(ctx); err != nil {
		return fail("Attendance sink unavailable", err, nil)
	}
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
	defer cancel()
	rp := pipeline.RetryPolicy{Attempts: cfg.Sink.Retries + 1, Delay: cfg.Sink.RetryDelay}
	if err := pipeline.Commit(commitCtx, sess.State, sk, rp, log); err != nil {
		if errors.Is(err, session.ErrConflict) {
			return fail(fmt.Sprintf("Attendance for %s is already recorded; nothing was changed", key), err, nil)
		}
		return fail("Failed to record attendance", err, nil)
	}

	if opts.DryRun {
		fmt.Fprintln(os.Stderr, "🧪 Dry run: roll not recorded")
	} else {
		fmt.Fprintf(os.Stderr, "✅ Attendance recorded for %s\n", key)
	}
	return nil
}

// printRoll writes the roll as a table, in roll-number order.
func printRoll(out io.Writer, roll session.Roll, snap *gallery.Snapshot) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ROLL\tSTUDENT\tNAME\tSTATUS")
	fmt.Fprintln(w, "----\t-------\t----\t------")
	for _, e := range roll.Entries {
		name := ""
		if snap != nil {
			if id, ok := snap.Lookup(e.StudentID); ok {
				name = id.DisplayName
			}
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", e.RollNumber, e.StudentID, name, e.Status)
	}
	w.Flush()
}
