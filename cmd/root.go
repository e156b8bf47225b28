// Package cmd wires the pgbranch CLI surface onto the branching engine.
// It is deliberately thin: argument parsing and output formatting only,
// per the engine's own separation of concerns.
package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/keylty/pgbranch/cmd/pgbranch/ui"
	"github.com/keylty/pgbranch/internal/config"
	"github.com/keylty/pgbranch/internal/engine"
	"github.com/keylty/pgbranch/internal/runtime"
	"github.com/keylty/pgbranch/internal/state"
	"github.com/keylty/pgbranch/internal/storage"
)

var (
	projectFlag string
	cfg         config.Config
	eng         *engine.Engine
	store       *state.Store
	storageCoord *storage.Coordinator
)

var rootCmd = &cobra.Command{
	Use:           "pgbranch",
	Short:         "Git-branch-aligned PostgreSQL database branching",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" {
			return nil
		}
		return setupEngine()
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if store != nil {
			return store.Close()
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&projectFlag, "project", "", "project name (defaults to the current directory name)")
	cobra.OnInitialize(func() {
		viper.SetEnvPrefix("PGBRANCH")
		viper.AutomaticEnv()
	})
}

func setupEngine() error {
	projectName := projectFlag
	if projectName == "" {
		wd, err := os.Getwd()
		if err != nil {
			return err
		}
		projectName = filepath.Base(wd)
	}

	loaded, err := config.Load(viper.GetViper(), projectName)
	if err != nil {
		return err
	}
	cfg = loaded

	if err := os.MkdirAll(filepath.Dir(cfg.StateDBPath), 0o755); err != nil {
		return err
	}
	st, err := state.Open(cfg.StateDBPath)
	if err != nil {
		return err
	}
	store = st

	rt, err := runtime.NewDocker()
	if err != nil {
		return err
	}
	sc := storage.New(cfg.DataRoot)
	storageCoord = sc

	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()

	eng = &engine.Engine{
		ProjectName:    cfg.ProjectName,
		Image:          cfg.Image,
		PortRangeStart: cfg.PortRangeStart,
		PostgresUser:   cfg.PostgresUser,
		PostgresPass:   cfg.PostgresPass,
		PostgresDB:     cfg.PostgresDB,
		DataRoot:       cfg.DataRoot,
		Store:          store,
		Runtime:        rt,
		Storage:        sc,
		Log:            logger,
	}
	return nil
}

// Execute runs the CLI, printing any returned error in red and exiting
// non-zero.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, ui.Red(err.Error()))
		os.Exit(1)
	}
}
