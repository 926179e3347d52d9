package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	"github.com/provide-io/otacore/internal/device"
	"github.com/provide-io/otacore/pkg"
	"github.com/provide-io/otacore/pkg/ota/address"
	otaerrors "github.com/provide-io/otacore/pkg/ota/errors"
	"github.com/provide-io/otacore/pkg/ota/module"
	"github.com/provide-io/otacore/pkg/ota/registry"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

// reportHalter prints the halt instead of parking the CLI.
type reportHalter struct{}

func (reportHalter) Halt(context.Context) {
	fmt.Fprintln(os.Stderr, red("🛑 boot halted: no valid image to hand off to"))
}

func newDescribeCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "describe",
		Short: "Show the module registry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDevice(func(d *device.Device, _ hclog.Logger) error {
				if asJSON {
					doc, err := pkg.Describe(d)
					if err != nil {
						return err
					}
					fmt.Println(string(doc))
					return nil
				}
				printRegistry(d)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the describe document")
	return cmd
}

func printRegistry(d *device.Device) {
	reg := d.Store.Registry()
	fmt.Printf("%s %d\n", bold("Platform:"), reg.PlatformID)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "MODULE\tVERSION\tSTORE\tLOCATION\tBOUNDS\tMAX SIZE\tDEPENDS ON\tVALIDITY")
	for _, b := range reg.Bounds() {
		deps := "-"
		if len(b.Dependencies) > 0 {
			deps = ""
			for i, dep := range b.Dependencies {
				if i > 0 {
					deps += ","
				}
				deps += dep.String()
			}
		}

		validity := green("valid")
		if !b.Valid() {
			validity = red(fmt.Sprintf("invalid (0x%02X/0x%02X)", uint16(b.ValidityResult), uint16(b.ValidityChecked)))
		}

		fmt.Fprintf(w, "%s/%d\t%d\t%s\t%s\t0x%08X-0x%08X\t%d\t%s\t%s\n",
			b.Function, b.Index, b.Version, b.Store, b.Location(),
			b.StartAddress, b.EndAddress, b.MaxSize, deps, validity)
	}
	w.Flush()

	if d.Store.UpdatePending() {
		fmt.Println(yellow("⏳ update pending, restart to apply"))
	}
}

func newInstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install <image>",
		Short: "Program an image at its linked address, bypassing the update path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDevice(func(d *device.Device, logger hclog.Logger) error {
				image, err := os.ReadFile(args[0])
				if err != nil {
					return err
				}
				parsed, err := module.ScanHeader(image, d.Config.PlatformID)
				if err != nil {
					return err
				}
				if err := d.Install(parsed.StartAddress, image); err != nil {
					return err
				}
				fmt.Printf("%s %s/%d v%d at 0x%08X (%d bytes)\n", green("✅ installed"),
					parsed.Function, parsed.Index, parsed.Version, parsed.StartAddress, len(image))
				return nil
			})
		},
	}
}

func newUpdateCmd() *cobra.Command {
	var opts pkg.UpdateOptions
	cmd := &cobra.Command{
		Use:   "update <image>",
		Short: "Stage and commit an image through an update session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDevice(func(d *device.Device, logger hclog.Logger) error {
				res, err := pkg.UpdateFromFile(d, args[0], opts)
				if res == otaerrors.AppliedPendingRestart {
					fmt.Println(green("✅ "+res.String()), "- run `otactl boot` to apply")
					return nil
				}
				fmt.Println(red("❌ " + res.String()))
				return err
			})
		},
	}
	cmd.Flags().IntVar(&opts.ChunkSize, "chunk", pkg.DefaultChunkSize, "Bytes per write")
	cmd.Flags().BoolVar(&opts.Shuffle, "shuffle", false, "Deliver chunks out of order")
	cmd.Flags().Int64Var(&opts.Seed, "seed", 1, "Shuffle seed")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "Abort an update session left open on the device")
	return cmd
}

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <image>",
		Short: "Check an image file without a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			rep, err := pkg.InspectImageWithLogger(args[0], cfg.PlatformID, newLogger(cfg))
			if err != nil {
				return err
			}

			fmt.Printf("%s %s (%d bytes)\n", bold("Image:"), rep.Path, rep.Size)
			if m := rep.Module; m != nil {
				fmt.Printf("  module:   %s/%d v%d\n", m.Function, m.Index, m.Version)
				fmt.Printf("  platform: %d\n", m.PlatformID)
				fmt.Printf("  header:   offset 0x%X, range 0x%08X-0x%08X\n", m.HeaderOffset, m.StartAddress, m.EndAddress)
				for _, dep := range m.RequiredDependencies() {
					fmt.Printf("  requires: %s\n", dep)
				}
				fmt.Printf("  hash:     %s\n", m.HashString())
				if !rep.HashMatch {
					fmt.Printf("            %s\n", yellow("(not the SHA-256 of the content)"))
				}
			}
			for _, e := range rep.Errors {
				fmt.Println(" ", red(e))
			}
			if !rep.Valid() {
				return fmt.Errorf("%w: %s", otaerrors.ErrMalformedImage, rep.Path)
			}
			fmt.Println(green("✅ image ok"))
			return nil
		},
	}
}

func newServerAddressCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server-address",
		Short: "Show or change the stored server address",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get",
		Short: "Print the stored server address",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDevice(func(d *device.Device, _ hclog.Logger) error {
				addr, err := d.Store.ServerAddress()
				if err != nil {
					return err
				}
				fmt.Printf("%s (%s)\n", addr.HostPort(), addr.Type)
				return nil
			})
		},
	})

	var port uint16
	set := &cobra.Command{
		Use:   "set <host>",
		Short: "Store a server address (IPv4 literal or domain name)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := address.FromString(args[0], port)
			if err != nil {
				return err
			}
			return withDevice(func(d *device.Device, _ hclog.Logger) error {
				if err := d.Store.SetServerAddress(addr); err != nil {
					return err
				}
				fmt.Println(green("✅ server address set to " + addr.HostPort()))
				return nil
			})
		},
	}
	set.Flags().Uint16Var(&port, "port", 5684, "Server port")
	cmd.AddCommand(set)

	return cmd
}

func newBootCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "boot",
		Short: "Run the boot sequence once: apply pending updates, then validate",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDevice(func(d *device.Device, _ hclog.Logger) error {
				dec, err := d.Boot(cmd.Context())
				if dec != nil {
					printDecision(dec.Applied, dec.ApplyErr, dec.Report.Header, dec.Report.Passed, dec.Report.Checked)
				}
				if err != nil {
					return err
				}
				fmt.Println(green("✅ handing off"))
				return nil
			})
		},
	}
}

func printDecision(applied int, applyErr error, h *module.Header, passed, checked registry.ValidationFlags) {
	if applied > 0 {
		fmt.Printf("%s %d pending update(s)\n", green("applied"), applied)
	}
	if applyErr != nil {
		fmt.Println(yellow("⚠️ not applied:"), applyErr)
	}
	if h != nil {
		fmt.Printf("%s %s/%d v%d\n", bold("Boot image:"), h.Function, h.Index, h.Version)
	}
	for _, c := range []struct {
		name string
		flag registry.ValidationFlags
	}{
		{"range", registry.ValidationRange},
		{"platform", registry.ValidationPlatform},
		{"integrity", registry.ValidationIntegrity},
	} {
		switch {
		case checked&c.flag == 0:
			continue
		case passed&c.flag != 0:
			fmt.Printf("  %s %s\n", green("✓"), c.name)
		default:
			fmt.Printf("  %s %s\n", red("✗"), c.name)
		}
	}
}
