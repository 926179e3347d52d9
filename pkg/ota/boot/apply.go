package boot

import (
	"errors"
	"fmt"

	"github.com/hashicorp/go-hclog"

	otaerrors "github.com/provide-io/otacore/pkg/ota/errors"
	"github.com/provide-io/otacore/pkg/ota/flash"
	"github.com/provide-io/otacore/pkg/ota/module"
	"github.com/provide-io/otacore/pkg/ota/registry"
)

// Applier performs the deferred copy of committed updates from the staging
// region into their final location.
type Applier struct {
	flash      *flash.Flash
	store      *registry.Store
	platformID uint16
	logger     hclog.Logger
}

// NewApplier returns an Applier.
func NewApplier(f *flash.Flash, store *registry.Store, platformID uint16, logger hclog.Logger) *Applier {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Applier{flash: f, store: store, platformID: platformID, logger: logger}
}

// ApplyPending copies every pending slot into place and clears it. A slot
// that fails verification or copying stays pending; the errors of all
// failed slots are returned together.
func (a *Applier) ApplyPending() (int, error) {
	slots, err := a.store.PendingSlots()
	if err != nil {
		return 0, err
	}
	if len(slots) == 0 {
		return 0, nil
	}

	a.logger.Info("🔄 applying pending updates", "count", len(slots))

	var errs []error
	applied := 0
	for _, slot := range slots {
		err := a.flash.Exclusive(func(tx *flash.Tx) error {
			if err := a.verify(tx, slot); err != nil {
				return err
			}
			if err := tx.Copy(slot.Source, slot.Destination, int(slot.Length)); err != nil {
				return err
			}
			return a.store.ClearPending(slot.Slot)
		})
		if err != nil {
			a.logger.Error("❌ pending update failed", "slot", slot.Slot, "function", slot.Function.String(), "error", err)
			errs = append(errs, fmt.Errorf("slot %d: %w", slot.Slot, err))
			continue
		}
		applied++
		a.logger.Info("✅ pending update applied", "slot", slot.Slot, "function", slot.Function.String(),
			"destination", hclog.Fmt("0x%08X", slot.Destination), "length", slot.Length)
	}
	return applied, errors.Join(errs...)
}

func (a *Applier) verify(tx *flash.Tx, slot registry.PendingSlot) error {
	// copying erases whole sectors at the destination
	if sector := a.flash.Geometry().SectorSize; slot.Destination%sector != 0 {
		return fmt.Errorf("%w: destination 0x%08X is not aligned to the %d byte sector",
			otaerrors.ErrInvalidAddress, slot.Destination, sector)
	}
	raw := make([]byte, module.HeaderSize)
	if err := tx.Read(slot.Source+slot.HeaderOffset, raw); err != nil {
		return err
	}
	h, err := module.UnpackHeader(raw, 0)
	if err != nil {
		return fmt.Errorf("%w: %v", otaerrors.ErrMalformedImage, err)
	}

	fail := func(format string, args ...interface{}) error {
		return fmt.Errorf("%w: %s", otaerrors.ErrMalformedImage, fmt.Sprintf(format, args...))
	}

	if h.Function != module.FunctionResource && h.PlatformID != a.platformID {
		return fail("staged platform id %d, device is %d", h.PlatformID, a.platformID)
	}
	if slot.Flags&registry.VerifyLength != 0 && uint64(slot.Length) < uint64(h.Length())+module.CRCSize {
		return fail("slot length %d shorter than module length %d + crc", slot.Length, h.Length())
	}
	if slot.Flags&registry.VerifyFunction != 0 && h.Function != slot.Function {
		return fail("staged function %s, slot expects %s", h.Function, slot.Function)
	}
	if slot.Flags&registry.VerifyDestinationStart != 0 && h.StartAddress != slot.Destination {
		return fail("module start 0x%08X differs from destination 0x%08X", h.StartAddress, slot.Destination)
	}
	if slot.Flags&registry.VerifyCRC != 0 {
		ok, err := tx.VerifyCRC32(slot.Source, int(h.Length()))
		if err != nil {
			return err
		}
		if !ok {
			return fail("staged image crc mismatch")
		}
	}
	return nil
}
