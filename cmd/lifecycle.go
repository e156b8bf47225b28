package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/keylty/pgbranch/cmd/pgbranch/ui"
)

var startCmd = &cobra.Command{
	Use:   "start <branch>",
	Short: "Start a stopped branch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := eng.StartBranch(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("started %s on port %d\n", ui.Aqua(b.Name), b.Port)
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop <branch>",
	Short: "Stop a running branch, leaving its data intact",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := eng.StopBranch(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("stopped %s\n", ui.Aqua(b.Name))
		return nil
	},
}

var switchCmd = &cobra.Command{
	Use:   "switch <branch>",
	Short: "Switch to a branch, starting it if necessary",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := eng.SwitchToBranch(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		info, err := eng.GetConnectionInfo(cmd.Context(), b.Name)
		if err != nil {
			return err
		}
		fmt.Printf("switched to %s: postgres://%s:%s@%s:%d/%s\n",
			ui.Aqua(b.Name), info.User, info.Password, info.Host, info.Port, info.Database)
		return nil
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset <branch>",
	Short: "Reset a branch's data back to its parent (or empty)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := eng.ResetBranch(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("reset %s\n", ui.Aqua(b.Name))
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <branch>",
	Short: "Delete a branch and its data",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := eng.DeleteBranch(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("deleted %s\n", ui.Aqua(args[0]))
		return nil
	},
}

var destroyCmd = &cobra.Command{
	Use:   "destroy",
	Short: "Destroy the entire project: every branch, its data, and the project itself",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		names, err := eng.DestroyProject(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("destroyed project (%d branches removed)\n", len(names))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(startCmd, stopCmd, switchCmd, resetCmd, deleteCmd, destroyCmd)
}
