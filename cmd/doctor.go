package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/keylty/pgbranch/cmd/pgbranch/ui"
	"github.com/keylty/pgbranch/internal/doctor"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Report the health of the container runtime and storage backends",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		report, err := doctor.Run(cmd.Context(), eng.Runtime, storageCoord, store, cfg.ProjectName)
		if err != nil {
			return err
		}

		if report.Runtime.Available {
			fmt.Printf("runtime: %s (%s)\n", ui.Aqua("available"), report.Runtime.Detail)
		} else {
			fmt.Printf("runtime: %s (%s)\n", ui.Red("unavailable"), report.Runtime.Detail)
		}

		fmt.Printf("default storage backend: %s\n", ui.Bold(string(report.Storage.DefaultBackend)))
		for _, e := range report.Storage.Entries {
			status := "unavailable"
			if e.Available {
				status = "available"
			}
			fmt.Printf("  %s: %s (%s)\n", e.Backend, status, e.Detail)
		}

		if report.ProjectPresent {
			fmt.Printf("project %s is registered\n", ui.Aqua(cfg.ProjectName))
		} else {
			fmt.Printf("project %s has not been created yet\n", ui.Aqua(cfg.ProjectName))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}
