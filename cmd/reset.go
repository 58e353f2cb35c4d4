package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var (
	resetDB    bool
	resetFiles bool
	resetYes   bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset system state (Database, attendance CSV, gallery file)",
	Long:  "Clears all data. By default, it resets everything. Use flags to clear specific components.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		// If no flags are set, default to clearing EVERYTHING
		if !resetDB && !resetFiles {
			resetDB = true
			resetFiles = true
		}

		reader := bufio.NewReader(os.Stdin)

		if resetDB {
			if resetYes || confirm(stdout, reader, "⚠️  Are you sure you want to DROP all database tables?") {
				fmt.Fprintln(stdout, "🗑️  Clearing Database...")
				db, err := openStore(cmd.Context())
				if err != nil {
					return err
				}
				if err := db.Reset(cmd.Context()); err != nil {
					return fail("Failed to reset database", err, nil)
				}
			}
		}

		if resetFiles {
			files := []string{cfg.Sink.CSVPath}
			if cfg.Gallery.File != "" {
				files = append(files, cfg.Gallery.File)
			}
			if resetYes || confirm(stdout, reader, fmt.Sprintf("⚠️  Are you sure you want to delete %s?", strings.Join(files, ", "))) {
				fmt.Fprintln(stdout, "🗑️  Clearing Files...")
				for _, f := range files {
					removeFile(f)
				}
			}
		}

		fmt.Fprintln(stdout, "✨ System Reset Complete.")
		return nil
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetDB, "database", false, "Clear PostgreSQL database")
	resetCmd.Flags().BoolVar(&resetFiles, "files", false, "Clear the attendance CSV and the gallery file")
	resetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false, "Do not ask for confirmation")
	rootCmd.AddCommand(resetCmd)
}

func confirm(out io.Writer, r *bufio.Reader, prompt string) bool {
	fmt.Fprintf(out, "%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}

func removeFile(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to remove %s: %v\n", path, err)
	}
}
