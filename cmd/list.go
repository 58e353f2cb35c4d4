package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all enrolled students",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		reg, err := registry(ctx)
		if err != nil {
			return err
		}
		identities, err := reg.ListIdentities(ctx)
		if err != nil {
			return fail("Failed to list students", err, nil)
		}

		if len(identities) == 0 {
			fmt.Fprintln(stdout, "No students enrolled.")
			return nil
		}

		w := tabwriter.NewWriter(stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "ROLL\tSTUDENT\tNAME\tPHOTOS")
		fmt.Fprintln(w, "----\t-------\t----\t------")

		for _, id := range identities {
			fmt.Fprintf(w, "%d\t%s\t%s\t%d\n", id.RollNumber, id.StudentID, id.DisplayName, len(id.Embeddings))
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}
