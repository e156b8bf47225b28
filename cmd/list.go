package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/keylty/pgbranch/cmd/pgbranch/ui"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List every branch in the current project",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		branches, err := eng.ListBranches(cmd.Context())
		if err != nil {
			return err
		}
		for _, b := range branches {
			fmt.Printf("%s\t%s\t:%d\n", ui.Aqua(b.Name), b.State, b.Port)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}
