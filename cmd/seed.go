package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/keylty/pgbranch/cmd/pgbranch/ui"
	"github.com/keylty/pgbranch/internal/engine"
	"github.com/keylty/pgbranch/internal/seed"
	"github.com/keylty/pgbranch/internal/state"
)

var seedCmd = &cobra.Command{
	Use:   "seed <branch> <source>",
	Short: "Seed a branch from a postgres:// URL, a local file, or s3://bucket/key",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		branchName, raw := args[0], args[1]

		src, err := seed.ParseSource(raw)
		if err != nil {
			return err
		}

		info, err := eng.GetConnectionInfo(cmd.Context(), branchName)
		if err != nil {
			return err
		}
		branches, err := eng.ListBranches(cmd.Context())
		if err != nil {
			return err
		}
		var containerName string
		var branchState state.BranchState
		var found bool
		for _, b := range branches {
			if b.Name == branchName {
				containerName = b.ContainerName
				branchState = b.State
				found = true
			}
		}
		if !found {
			return fmt.Errorf("branch %q not found", branchName)
		}
		if branchState != state.BranchRunning {
			return engine.Wrap(engine.KindPreconditionFailed, "seed", branchName, engine.ErrBranchNotRunning)
		}

		target := seed.Target{
			ContainerName: containerName,
			User:          info.User,
			Database:      info.Database,
		}
		if err := seed.Seed(context.Background(), eng.Runtime, target, src); err != nil {
			return err
		}
		fmt.Printf("seeded %s from %s\n", ui.Aqua(branchName), raw)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(seedCmd)
}
