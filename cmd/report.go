package cmd

import (
	"fmt"
	"time"

	"github.com/andresmejia3/rollcall/internal/session"
	"github.com/spf13/cobra"
)

var (
	reportDate   string
	reportPeriod int
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Show the recorded roll for one period",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if reportDate == "" {
			reportDate = time.Now().Format(session.DateLayout)
		}
		key, err := session.ParseKey(reportDate, reportPeriod)
		if err != nil {
			return err
		}

		rs, err := attendanceSink(ctx)
		if err != nil {
			return err
		}
		entries, err := rs.Attendance(ctx, key)
		if err != nil {
			return fail("Failed to read attendance", err, nil)
		}
		if len(entries) == 0 {
			fmt.Fprintf(stdout, "No attendance recorded for %s.\n", key)
			return nil
		}

		snap, err := loadGallery(ctx)
		if err != nil {
			// Names are cosmetic; the roll stands on its own.
			snap = nil
		}
		printRoll(stdout, session.Roll{Entries: entries}, snap)
		return nil
	},
}

func init() {
	reportCmd.Flags().StringVar(&reportDate, "date", "", "Date, YYYY-MM-DD (default: today)")
	reportCmd.Flags().IntVar(&reportPeriod, "period", 0, "Period number 1-8")
	reportCmd.MarkFlagRequired("period")
	rootCmd.AddCommand(reportCmd)
}
