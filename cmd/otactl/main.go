package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	"github.com/provide-io/otacore/internal/config"
	"github.com/provide-io/otacore/internal/device"
	"github.com/provide-io/otacore/pkg"
	"github.com/provide-io/otacore/pkg/logging"
)

const version = "0.1.0"

var (
	configPath  string
	stateDir    string
	logLevel    string
	versionFlag bool
	rootCmd     *cobra.Command
)

func getBuildTimestamp() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			if setting.Key == "vcs.time" {
				if t, err := time.Parse(time.RFC3339, setting.Value); err == nil {
					return t.UTC().Format(time.RFC3339)
				}
			}
		}
	}
	if exePath, err := os.Executable(); err == nil {
		if stat, err := os.Stat(exePath); err == nil {
			return stat.ModTime().UTC().Format(time.RFC3339)
		}
	}
	return time.Now().UTC().Format(time.RFC3339)
}

func init() {
	rootCmd = &cobra.Command{
		Use:           "otactl",
		Short:         "Drive the OTA core of a virtual device",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if versionFlag {
				printVersion()
				return nil
			}
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the device YAML file (defaults to a built-in virtual device)")
	rootCmd.PersistentFlags().StringVar(&stateDir, "state-dir", "", "Keep flash, registry and staging files under this directory")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")
	rootCmd.Flags().BoolVarP(&versionFlag, "version", "V", false, "Show version information")

	rootCmd.AddCommand(
		newDescribeCmd(),
		newInstallCmd(),
		newUpdateCmd(),
		newInspectCmd(),
		newServerAddressCmd(),
		newBootCmd(),
	)
}

func printVersion() {
	fmt.Printf("otactl %s\n", version)
	fmt.Printf("Built: %s\n", getBuildTimestamp())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, red("Error:"), err)
		os.Exit(1)
	}
}

// loadConfig resolves --config and --state-dir into a device configuration.
func loadConfig() (*config.Device, error) {
	cfg, err := pkg.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if stateDir != "" {
		if err := os.MkdirAll(stateDir, 0o755); err != nil {
			return nil, err
		}
		cfg.Flash.File = filepath.Join(stateDir, "flash.bin")
		cfg.StoreDir = filepath.Join(stateDir, "registry")
		cfg.StagingDir = filepath.Join(stateDir, "staging")
	}
	return cfg, nil
}

func newLogger(cfg *config.Device) hclog.Logger {
	level := logLevel
	if level == "" {
		level = logging.ResolveLevel(cfg.LogLevel)
	}
	return logging.New(logging.Options{Name: "otactl", Level: level})
}

// withDevice opens the configured device for the duration of fn.
func withDevice(fn func(d *device.Device, logger hclog.Logger) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	d, err := pkg.OpenDevice(cfg, logger, reportHalter{})
	if err != nil {
		return err
	}
	defer func() {
		if err := d.Close(); err != nil {
			logger.Debug("Failed to close device", "error", err)
		}
	}()
	return fn(d, logger)
}
