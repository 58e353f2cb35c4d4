package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/andresmejia3/rollcall/internal/schedule"
	"github.com/andresmejia3/rollcall/internal/session"
	"github.com/spf13/cobra"
)

var scheduleOpts takeOptions

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Take attendance for every period on the weekly timetable",
	Long: `Runs until interrupted. At the start of each configured period a session
is opened and runs until the period ends, exactly as "take" would.

Periods come from schedule.periods in the config, or --periods, as
"N=HH:MM-HH:MM" entries.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		tt, err := timetable()
		if err != nil {
			return err
		}
		s := schedule.NewScheduler(tt, func(ctx context.Context, key session.Key, deadline time.Time) error {
			return runTake(ctx, key, deadline, scheduleOpts)
		}, logger.Named("schedule"))

		fmt.Fprintf(os.Stderr, "🗓️  Scheduling %d periods on %s (%s)\n", len(tt.Periods), tt.Weekdays, tt.Location)
		if err := s.Run(cmd.Context()); err != nil {
			return fail("Scheduler failed", err, nil)
		}
		fmt.Fprintln(os.Stderr, "👋 Scheduler stopped")
		return nil
	},
}

func init() {
	f := scheduleCmd.Flags()
	f.StringSlice("periods", nil, `Timetable entries, e.g. "1=08:00-08:45,2=08:50-09:35"`)
	f.BoolVar(&scheduleOpts.RequireModels, "require-models", false, "Skip periods instead of running manual-only when the face models cannot load")
	f.BoolVar(&scheduleOpts.NoControl, "no-control", false, "Do not start the override server")
	f.String("device", "/dev/video0", "Capture device passed to ffmpeg")
	f.String("format", "v4l2", "ffmpeg input format for the device (v4l2, avfoundation, dshow)")
	f.Float64P("threshold", "t", 0.5, "Face matching threshold (lower is stricter)")
	f.String("listen", "127.0.0.1:8089", "Address of the override server")

	rootCmd.AddCommand(scheduleCmd)
}
