// Package boot holds the start-up path: the deferred apply of committed
// updates and the fail-closed validation that gates hand-off to the next
// firmware stage.
package boot

import (
	"fmt"

	"github.com/hashicorp/go-hclog"

	"github.com/provide-io/otacore/pkg/ota/flash"
	"github.com/provide-io/otacore/pkg/ota/module"
	"github.com/provide-io/otacore/pkg/ota/registry"
)

// Region is the flash area the boot module must occupy.
type Region struct {
	Start        uint32 // expected module start address
	End          uint32 // exclusive upper bound of the region
	HeaderOffset uint32 // canonical header position, relative to Start
}

func (r Region) String() string {
	return fmt.Sprintf("[0x%08X, 0x%08X)", r.Start, r.End)
}

// Report is the outcome of validating a region.
type Report struct {
	Header  *module.Header // nil when no header could be read
	Checked registry.ValidationFlags
	Passed  registry.ValidationFlags
	Reason  string // first failed check, empty when valid
}

// Valid reports whether every check that ran passed.
func (r *Report) Valid() bool {
	return r.Header != nil && r.Passed == r.Checked
}

// Validator decides whether an installed image may run.
type Validator struct {
	flash      *flash.Flash
	store      *registry.Store
	platformID uint16
	logger     hclog.Logger
}

// NewValidator returns a Validator reading from f. Outcomes are recorded in
// store; a nil store records nothing.
func NewValidator(f *flash.Flash, store *registry.Store, platformID uint16, logger hclog.Logger) *Validator {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Validator{flash: f, store: store, platformID: platformID, logger: logger}
}

// Record stores rep as the validity flags of the given registry entry. The
// write holds the flash lock so no update can commit in between.
func (v *Validator) Record(fn module.Function, index uint8, rep *Report) error {
	if v.store == nil {
		return nil
	}
	return v.flash.Exclusive(func(*flash.Tx) error {
		return v.store.SetValidity(fn, index, rep.Checked, rep.Passed)
	})
}

// Validate reports whether the image in region may be handed control.
func (v *Validator) Validate(region Region) bool {
	return v.Inspect(region).Valid()
}

// Inspect runs every check against region and reports which passed. The
// header is read only from the canonical offset; there is no scanning.
func (v *Validator) Inspect(region Region) *Report {
	rep := &Report{Checked: registry.ValidationIntegrity | registry.ValidationRange | registry.ValidationPlatform}

	raw := make([]byte, module.HeaderSize)
	if err := v.flash.Read(region.Start+region.HeaderOffset, raw); err != nil {
		rep.Reason = fmt.Sprintf("read header: %v", err)
		v.logger.Error("❌ boot image header unreadable", "region", region.String(), "error", err)
		return rep
	}
	h, err := module.UnpackHeader(raw, 0)
	if err != nil {
		rep.Reason = fmt.Sprintf("decode header: %v", err)
		return rep
	}
	rep.Header = h

	rangeOK := true
	switch {
	case h.StartAddress != region.Start:
		rangeOK = false
		rep.fail(fmt.Sprintf("start address 0x%08X, region starts at 0x%08X", h.StartAddress, region.Start))
	case h.EndAddress <= h.StartAddress:
		rangeOK = false
		rep.fail(fmt.Sprintf("end address 0x%08X not above start 0x%08X", h.EndAddress, h.StartAddress))
	case uint64(h.EndAddress)+module.CRCSize > uint64(region.End):
		rangeOK = false
		rep.fail(fmt.Sprintf("image end 0x%08X exceeds region end 0x%08X", h.EndAddress, region.End))
	}
	if rangeOK {
		rep.Passed |= registry.ValidationRange
	}

	if h.PlatformID == v.platformID {
		rep.Passed |= registry.ValidationPlatform
	} else {
		rep.fail(fmt.Sprintf("platform id %d, device is %d", h.PlatformID, v.platformID))
	}

	// the CRC walk needs a sane range
	if rangeOK {
		ok, err := v.flash.VerifyCRC32(h.StartAddress, int(h.Length()))
		switch {
		case err != nil:
			rep.fail(fmt.Sprintf("crc read: %v", err))
		case ok:
			rep.Passed |= registry.ValidationIntegrity
		default:
			rep.fail("crc mismatch")
		}
	}

	if rep.Valid() {
		v.logger.Info("✅ boot image valid", "module", fmt.Sprintf("%s/%d", h.Function, h.Index),
			"version", h.Version, "region", region.String())
	} else {
		v.logger.Error("❌ boot image rejected", "region", region.String(), "reason", rep.Reason)
	}
	return rep
}

func (r *Report) fail(reason string) {
	if r.Reason == "" {
		r.Reason = reason
	}
}
