package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var labelCmd = &cobra.Command{
	Use:   "label <student_id> <name>",
	Short: "Change an enrolled student's display name",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		id, name := args[0], args[1]

		reg, err := registry(ctx)
		if err != nil {
			return err
		}
		if err := reg.RenameStudent(ctx, id, name); err != nil {
			return fail("Failed to label student", err, nil)
		}

		fmt.Fprintf(stdout, "✅ Student %s labeled as '%s'\n", id, name)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(labelCmd)
}
