package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/keylty/pgbranch/cmd/pgbranch/ui"
	"github.com/keylty/pgbranch/internal/engine"
)

var createFromBranch string

var createCmd = &cobra.Command{
	Use:   "create <branch>",
	Short: "Create a new branch, cloned from a parent if one exists",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := eng.CreateBranch(cmd.Context(), engine.CreateBranchOptions{
			Name:       args[0],
			FromBranch: createFromBranch,
		})
		if err != nil {
			return err
		}
		fmt.Printf("created branch %s on port %d\n", ui.Aqua(b.Name), b.Port)
		return nil
	},
}

func init() {
	createCmd.Flags().StringVar(&createFromBranch, "from", "", "parent branch to clone from (defaults to the most recently created running or stopped branch)")
	rootCmd.AddCommand(createCmd)
}
