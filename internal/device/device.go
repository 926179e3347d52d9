// Package device assembles one device from its configuration: the flash,
// the registry store, the staging area, the updater and the boot path.
package device

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/go-hclog"

	"github.com/provide-io/otacore/internal/config"
	"github.com/provide-io/otacore/internal/staging"
	"github.com/provide-io/otacore/pkg/ota/address"
	"github.com/provide-io/otacore/pkg/ota/boot"
	otaerrors "github.com/provide-io/otacore/pkg/ota/errors"
	"github.com/provide-io/otacore/pkg/ota/flash"
	"github.com/provide-io/otacore/pkg/ota/registry"
	"github.com/provide-io/otacore/pkg/ota/update"
)

// Options carries the collaborators a caller may substitute.
type Options struct {
	Logger  hclog.Logger
	Handler registry.Handler // nil logs registry changes
	Halter  boot.Halter      // nil waits for the boot context to end
}

// Device is an opened device. Close releases the store and flash file.
type Device struct {
	Config    *config.Device
	Flash     *flash.Flash
	Store     *registry.Store
	Staging   *staging.Area
	Updater   *update.Updater
	Validator *boot.Validator
	Applier   *boot.Applier

	halter  boot.Halter
	logger  hclog.Logger
	closers []func() error
}

// Open builds a Device from cfg. cfg must have passed Validate.
func Open(cfg *config.Device, opts Options) (*Device, error) {
	logger := opts.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	d := &Device{Config: cfg, halter: opts.Halter, logger: logger}
	opened := false
	defer func() {
		if !opened {
			d.Close()
		}
	}()

	var err error

	var dev flash.Device
	if cfg.Flash.File != "" {
		fd, err := flash.OpenFileDevice(cfg.Flash.File, cfg.Flash.Size)
		if err != nil {
			return nil, fmt.Errorf("failed to open flash file: %w", err)
		}
		d.closers = append(d.closers, fd.Close)
		dev = fd
	} else {
		dev = flash.NewMemDevice(cfg.Flash.Size)
	}

	geo := flash.Geometry{SectorSize: cfg.Flash.SectorSize, PageSize: cfg.Flash.PageSize, WriteBurst: cfg.Flash.WriteBurst}
	if d.Flash, err = flash.New(dev, geo, logger.Named("flash")); err != nil {
		return nil, err
	}

	handler := opts.Handler
	if handler == nil {
		handler = logHandler{logger: logger.Named("registry")}
	}
	d.Store, err = registry.Open(registry.Options{
		Dir:             cfg.StoreDir,
		PlatformID:      cfg.PlatformID,
		FirmwareVersion: cfg.FirmwareVersion,
		AppSize:         cfg.Boot.Size,
		DescribeFile:    cfg.DescribeFile,
		Handler:         handler,
		Logger:          logger.Named("store"),
	})
	if err != nil {
		return nil, err
	}
	d.closers = append(d.closers, d.Store.Close)

	if err := d.seedServerAddress(); err != nil {
		return nil, err
	}

	if d.Staging, err = staging.Open(cfg.StagingDir, logger.Named("staging")); err != nil {
		return nil, err
	}

	d.Updater, err = update.New(d.Flash, d.Store, d.Staging, update.Options{
		PlatformID: cfg.PlatformID,
		OTAAddress: cfg.OTARegion.Address,
		OTASize:    cfg.OTARegion.Size,
		Logger:     logger.Named("update"),
	})
	if err != nil {
		return nil, err
	}

	d.Validator = boot.NewValidator(d.Flash, d.Store, cfg.PlatformID, logger.Named("boot"))
	d.Applier = boot.NewApplier(d.Flash, d.Store, cfg.PlatformID, logger.Named("apply"))

	logger.Debug("device opened",
		"platform", cfg.PlatformID,
		"flash", cfg.Flash.Size,
		"boot", d.BootRegion().String(),
		"ota", hclog.Fmt("0x%08X+%d", cfg.OTARegion.Address, cfg.OTARegion.Size))
	opened = true
	return d, nil
}

// seedServerAddress stores the configured server address unless one is
// persisted already.
func (d *Device) seedServerAddress() error {
	sa := d.Config.ServerAddress
	if sa == nil {
		return nil
	}
	_, err := d.Store.ServerAddress()
	if err == nil {
		return nil
	}
	if !errors.Is(err, otaerrors.ErrNotFound) {
		return err
	}

	addr, err := address.FromString(sa.Host, sa.Port)
	if err != nil {
		return fmt.Errorf("server address %q: %w", sa.Host, err)
	}
	return d.Store.SetServerAddress(addr)
}

// BootRegion is the region the boot module must occupy.
func (d *Device) BootRegion() boot.Region {
	b := d.Config.Boot
	return boot.Region{
		Start:        b.Address,
		End:          uint32(b.End()),
		HeaderOffset: b.HeaderOffset,
	}
}

// Boot runs the start-up sequence once.
func (d *Device) Boot(ctx context.Context) (*boot.Decision, error) {
	seq := &boot.Sequence{
		Applier:   d.Applier,
		Validator: d.Validator,
		Store:     d.Store,
		Halter:    d.halter,
		Region:    d.BootRegion(),
		Function:  d.Config.BootFunction(),
		Index:     d.Config.Boot.Index,
		Logger:    d.logger.Named("boot"),
	}
	return seq.Run(ctx)
}

// Install writes an image straight into its linked location, bypassing
// the update path. It is how a virtual device gets its factory firmware.
func (d *Device) Install(addr uint32, image []byte) error {
	return d.Flash.Exclusive(func(tx *flash.Tx) error {
		if err := tx.Erase(addr, len(image)); err != nil {
			return err
		}
		return tx.Write(addr, image)
	})
}

// Close releases everything Open acquired, in reverse order.
func (d *Device) Close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	return errors.Join(errs...)
}

type logHandler struct {
	logger hclog.Logger
}

func (h logHandler) ModuleUpdated(info registry.ModuleInfo, slot registry.PendingSlot) {
	h.logger.Info("📦 module update committed", "module", info.String(), "slot", slot.Slot)
}

func (h logHandler) ValidityChanged(info registry.ModuleInfo) {
	h.logger.Debug("module validity recorded", "module", info.String(),
		"checked", hclog.Fmt("0x%02X", uint16(info.ValidityChecked)),
		"result", hclog.Fmt("0x%02X", uint16(info.ValidityResult)))
}
