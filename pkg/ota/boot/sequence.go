package boot

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/go-hclog"

	otaerrors "github.com/provide-io/otacore/pkg/ota/errors"
	"github.com/provide-io/otacore/pkg/ota/module"
	"github.com/provide-io/otacore/pkg/ota/registry"
)

// Decision is what the boot sequence concluded.
type Decision struct {
	HandOff   bool
	Report    *Report
	Applied   int   // pending updates copied into place
	ApplyErr  error // slots that could not be applied, if any
	RecordErr error // validity flags could not be stored
}

// Sequence is the single-threaded start-up path: apply committed updates,
// validate the boot module, then hand off or halt.
type Sequence struct {
	Applier   *Applier
	Validator *Validator
	Store     *registry.Store
	Halter    Halter
	Region    Region
	Function  module.Function // registry entry that receives the validity flags
	Index     uint8
	Logger    hclog.Logger
}

// Run executes the sequence once. When validation fails Run calls Halt and
// returns ErrBootHalted only after the halter gives control back.
func (s *Sequence) Run(ctx context.Context) (*Decision, error) {
	logger := s.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	d := &Decision{}

	if s.Store.UpdatePending() {
		d.Applied, d.ApplyErr = s.Applier.ApplyPending()
		if d.ApplyErr != nil {
			// a failed slot stays pending; validation decides whether what is
			// installed may still run
			logger.Warn("some pending updates were not applied", "error", d.ApplyErr)
		}
	}

	d.Report = s.Validator.Inspect(s.Region)
	// the hand-off decision rests on the report alone; a registry that
	// cannot take the flags never lets an invalid image through
	if err := s.Validator.Record(s.Function, s.Index, d.Report); err != nil {
		name := fmt.Sprintf("%s/%d", s.Function, s.Index)
		if errors.Is(err, otaerrors.ErrNotFound) {
			logger.Debug("boot module not in registry, validity not recorded", "module", name)
		} else {
			d.RecordErr = err
			logger.Error("❌ validity not recorded", "module", name, "error", err)
		}
	}

	if d.Report.Valid() {
		d.HandOff = true
		return d, nil
	}

	halter := s.Halter
	if halter == nil {
		halter = WaitHalter{Logger: logger}
	}
	halter.Halt(ctx)
	return d, fmt.Errorf("%w: %s", otaerrors.ErrBootHalted, d.Report.Reason)
}
