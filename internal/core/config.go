package core

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

const (
	BaseDirName    = ".config/inferd"
	ConfigFileName = "config.hcl"
	PidFileName    = "daemon.pid"
	SocketName     = "daemon.sock"
	DatabaseName   = "inferd.db"
)

// The worker always listens on this fixed loopback address. Both the
// supervisor (which launches it there) and the gateway (which forwards to it)
// derive their view of the worker from these constants.
const (
	WorkerHost = "127.0.0.1"
	WorkerPort = 39291
)

// WorkerBaseURL returns the base URL of the supervised worker.
func WorkerBaseURL() string {
	return fmt.Sprintf("http://%s:%d", WorkerHost, WorkerPort)
}

func GetSocketPath() string {
	return filepath.Join(Config.ConfigPath, SocketName)
}

func GetPIDFilePath() string {
	return filepath.Join(Config.ConfigPath, PidFileName)
}

func GetDatabasePath() string {
	return filepath.Join(Config.ConfigPath, DatabaseName)
}

func GetConfigFilePath() string {
	return filepath.Join(Config.ConfigPath, ConfigFileName)
}

// DefaultConfigPath returns ~/.config/inferd, falling back to a relative path
// when the home directory cannot be determined.
func DefaultConfigPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return BaseDirName
	}
	return filepath.Join(homeDir, BaseDirName)
}

// InitializeConfig loads config.hcl from the directory given by the
// --config-path flag and applies the --verbose flag on top of it.
// A missing config file is not an error; defaults are used instead.
func InitializeConfig(cmd *cobra.Command) error {
	configPath, err := cmd.Flags().GetString("config-path")
	if err != nil || configPath == "" {
		configPath = DefaultConfigPath()
	}

	verbose, _ := cmd.Flags().GetCount("verbose")
	cfg, err := loadFromDir(configPath, verbose)
	if err != nil {
		return err
	}

	Config = cfg
	return nil
}

// ReloadConfig re-reads config.hcl from the current config directory. The
// result is returned rather than installed so callers can keep the running
// configuration when the file is broken.
func ReloadConfig() (*Configuration, error) {
	return loadFromDir(Config.ConfigPath, Config.Verbose)
}

func loadFromDir(configPath string, verbose int) (*Configuration, error) {
	filename := filepath.Join(configPath, ConfigFileName)

	var cfg *Configuration
	if ConfigExists(filename) {
		var err error
		if cfg, err = LoadConfig(filename); err != nil {
			return nil, err
		}
	} else {
		cfg = GetDefaultConfig()
	}
	cfg.ConfigPath = configPath
	cfg.applyPathDefaults()

	if verbose > cfg.Verbose {
		cfg.Verbose = verbose
	}
	return cfg, nil
}
