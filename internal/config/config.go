// Package config loads pgbranch's ambient settings from PGBRANCH_*
// environment variables and values already set on a viper instance, the
// way the teacher's cmd/root.go binds its own Config struct. No config
// file is read and no command-line flag is bound here.
package config

import (
	"os"
	"path/filepath"

	"github.com/go-errors/errors"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config is the engine's ambient configuration.
type Config struct {
	ProjectName    string `mapstructure:"project_name" validate:"required"`
	Image          string `mapstructure:"image" validate:"required"`
	PortRangeStart int    `mapstructure:"port_range_start" validate:"required,min=1,max=65535"`
	PostgresUser   string `mapstructure:"postgres_user" validate:"required"`
	PostgresPass   string `mapstructure:"postgres_password" validate:"required"`
	PostgresDB     string `mapstructure:"postgres_db" validate:"required"`
	DataRoot       string `mapstructure:"data_root" validate:"required"`
	StateDBPath    string `mapstructure:"state_db_path" validate:"required"`
}

// DefaultDataRoot returns the per-user directory pgbranch stores all of
// its project data under, absent an explicit override.
func DefaultDataRoot() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Errorf("resolve user home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "pgbranch"), nil
}

var validate = validator.New()

// Load binds PGBRANCH_* environment variables and any values already set
// on v, applies defaults for anything still unset, and validates the
// result.
func Load(v *viper.Viper, projectName string) (Config, error) {
	v.SetEnvPrefix("PGBRANCH")
	v.AutomaticEnv()

	dataRoot, err := DefaultDataRoot()
	if err != nil {
		return Config{}, err
	}

	v.SetDefault("project_name", projectName)
	v.SetDefault("image", "postgres:17")
	v.SetDefault("port_range_start", 55432)
	v.SetDefault("postgres_user", "postgres")
	v.SetDefault("postgres_password", "postgres")
	v.SetDefault("postgres_db", "postgres")
	v.SetDefault("data_root", dataRoot)
	v.SetDefault("state_db_path", filepath.Join(dataRoot, "pgbranch.db"))

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errors.Errorf("unmarshal config: %w", err)
	}
	if err := validate.Struct(cfg); err != nil {
		return Config{}, errors.Errorf("validate config: %w", err)
	}
	return cfg, nil
}
