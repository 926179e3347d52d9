// Command otaboot is the boot stage of a virtual device: it applies
// committed updates, validates the boot image and either hands off or
// halts.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/provide-io/otacore/pkg"
	"github.com/provide-io/otacore/pkg/logging"
	"github.com/provide-io/otacore/pkg/ota/boot"
	otaerrors "github.com/provide-io/otacore/pkg/ota/errors"
)

// Exit codes
const (
	ExitHandOff = 0
	ExitHalted  = 1
	ExitIOError = 2
	ExitPanic   = 3
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "PANIC: %v\n", r)
			debug.PrintStack()
			os.Exit(ExitPanic)
		}
	}()

	var configPath string
	code := ExitHandOff
	rootCmd := &cobra.Command{
		Use:   "otaboot",
		Short: "Apply pending updates, validate the boot image, hand off or halt",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			code = run(configPath)
		},
	}
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to the device YAML file")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(ExitIOError)
	}
	os.Exit(code)
}

func run(configPath string) int {
	cfg, err := pkg.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return ExitIOError
	}
	logger := logging.New(logging.Options{Name: "otaboot", Level: logging.ResolveLevel(cfg.LogLevel)})

	// a halted device waits here until it is signalled
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := pkg.OpenDevice(cfg, logger, boot.WaitHalter{Logger: logger})
	if err != nil {
		logger.Error("Failed to open device", "error", err)
		return ExitIOError
	}
	defer d.Close()

	dec, err := d.Boot(ctx)
	switch {
	case err == nil:
		h := dec.Report.Header
		logger.Info("🚀 handing off", "module", fmt.Sprintf("%s/%d", h.Function, h.Index), "version", h.Version)
		fmt.Printf("handoff 0x%08X\n", h.StartAddress)
		return ExitHandOff
	case errors.Is(err, otaerrors.ErrBootHalted):
		return ExitHalted
	default:
		logger.Error("Boot failed", "error", err)
		return ExitIOError
	}
}
