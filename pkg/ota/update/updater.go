// Package update implements the update session: stage an incoming image,
// validate it against the module format and the registry, and commit it
// for the next restart to apply.
package update

import (
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/provide-io/otacore/internal/staging"
	otaerrors "github.com/provide-io/otacore/pkg/ota/errors"
	"github.com/provide-io/otacore/pkg/ota/flash"
	"github.com/provide-io/otacore/pkg/ota/module"
	"github.com/provide-io/otacore/pkg/ota/registry"
)

// Options configures an Updater.
type Options struct {
	PlatformID uint16
	OTAAddress uint32 // flash region that holds committed images until restart
	OTASize    uint32
	Logger     hclog.Logger
}

// Updater hands out update sessions, at most one at a time.
type Updater struct {
	mu      sync.Mutex
	flash   *flash.Flash
	store   *registry.Store
	area    *staging.Area
	opts    Options
	logger  hclog.Logger
	session *Session
}

// New returns an Updater.
func New(f *flash.Flash, store *registry.Store, area *staging.Area, opts Options) (*Updater, error) {
	if opts.Logger == nil {
		opts.Logger = hclog.NewNullLogger()
	}
	if opts.OTASize == 0 || uint64(opts.OTAAddress)+uint64(opts.OTASize) > uint64(f.Size()) {
		return nil, fmt.Errorf("ota region 0x%08X+%d does not fit in %d bytes of flash", opts.OTAAddress, opts.OTASize, f.Size())
	}
	return &Updater{flash: f, store: store, area: area, opts: opts, logger: opts.Logger}, nil
}

// Begin opens a session. It fails with ErrAlreadyInProgress while another
// session, in this process or another one, is staging.
func (u *Updater) Begin() (*Session, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.session != nil {
		return nil, otaerrors.ErrAlreadyInProgress
	}
	ok, err := u.area.TryLock()
	if err != nil {
		return nil, fmt.Errorf("%w: update lock: %v", otaerrors.ErrIO, err)
	}
	if !ok {
		return nil, otaerrors.ErrAlreadyInProgress
	}

	// whatever an abandoned session left behind is discarded
	u.area.Sweep()

	f, err := u.area.NewFile()
	if err != nil {
		u.area.Unlock()
		return nil, fmt.Errorf("%w: create staging file: %v", otaerrors.ErrIO, err)
	}

	u.session = &Session{u: u, file: f, state: StateStaging}
	u.logger.Info("🔄 update session started", "staging", f.Name())
	return u.session, nil
}

// Active reports whether a session is staging.
func (u *Updater) Active() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.session != nil
}

// Abort tears down the current session, if any, so a new one can begin
// after a client disappears without ending or abandoning its session. The
// old handle then fails every call with ErrNoSession. Abort reports
// whether a session was torn down.
func (u *Updater) Abort() bool {
	u.mu.Lock()
	defer u.mu.Unlock()

	s := u.session
	if s == nil {
		return false
	}
	u.logger.Warn("update session aborted", "state", s.state.String(), "staged", s.size)
	u.finish(s, StateIdle)
	return true
}

// UpdatePending reports whether a committed update waits for a restart.
func (u *Updater) UpdatePending() bool {
	return u.store.UpdatePending()
}

// finish tears a session down. Caller holds u.mu.
func (u *Updater) finish(s *Session, state State) {
	s.state = state
	u.area.Discard(s.file)
	s.file = nil
	u.area.Unlock()
	if u.session == s {
		u.session = nil
	}
}

// commit validates the staged image and, under the flash lock, copies it
// into the OTA region and persists the registry with its pending
// descriptor. Caller holds u.mu.
func (u *Updater) commit(s *Session) error {
	if s.size > int64(u.opts.OTASize) {
		return fmt.Errorf("%w: staged image of %d bytes exceeds the %d byte ota region",
			otaerrors.ErrInvalidAddress, s.size, u.opts.OTASize)
	}
	image := make([]byte, s.size)
	if _, err := s.file.ReadAt(image, 0); err != nil && err != io.EOF {
		return fmt.Errorf("%w: read staging file: %v", otaerrors.ErrIO, err)
	}

	parsed, err := module.ScanHeader(image, u.opts.PlatformID)
	if err != nil {
		u.logger.Warn("staged image rejected", "size", len(image), "error", err)
		return err
	}
	if err := module.VerifyCRC(image); err != nil {
		u.logger.Warn("staged image rejected", "size", len(image), "error", err)
		return err
	}

	name := fmt.Sprintf("%s/%d", parsed.Function, parsed.Index)
	reg := u.store.Registry()

	info, ok := reg.Find(parsed.Function, parsed.Index)
	if !ok {
		u.logger.Info("unsupported module", "module", name, "version", parsed.Version)
		return fmt.Errorf("%w: no %s slot on this device", otaerrors.ErrUnsupportedModule, name)
	}
	if uint64(len(image)) > uint64(info.MaxSize) {
		return fmt.Errorf("%w: %s image of %d bytes exceeds slot size %d",
			otaerrors.ErrUnsupportedModule, name, len(image), info.MaxSize)
	}
	if err := u.checkDestination(parsed); err != nil {
		return err
	}

	if err := reg.CheckDependencies(parsed.RequiredDependencies()); err != nil {
		u.logger.Info("module dependency unsatisfied", "module", name, "version", parsed.Version, "error", err)
		return err
	}
	if err := reg.Apply(parsed); err != nil {
		return err
	}
	info, _ = reg.Find(parsed.Function, parsed.Index)

	err = u.flash.Exclusive(func(tx *flash.Tx) error {
		src, err := u.stagingAddress(len(image))
		if err != nil {
			return err
		}
		if err := tx.Erase(src, len(image)); err != nil {
			return err
		}
		if err := tx.Write(src, image); err != nil {
			return err
		}

		slot, err := u.store.CommitUpdate(reg, info, registry.PendingSlot{
			Source:       src,
			Destination:  parsed.StartAddress,
			Length:       uint32(len(image)),
			HeaderOffset: uint32(parsed.HeaderOffset),
			Function:     parsed.Function,
			Flags:        registry.VerifyAll,
		})
		if err != nil {
			return err
		}
		u.logger.Debug("pending descriptor written", "slot", slot.String())
		return nil
	})
	if err != nil {
		return err
	}

	u.logger.Info("✅ applying module update", "module", name, "version", parsed.Version, "hash", parsed.HashString())
	return nil
}

// checkDestination rejects images linked to a non sector aligned address,
// past the end of flash or on top of the OTA region.
func (u *Updater) checkDestination(p *module.ParsedModule) error {
	start := uint64(p.StartAddress)
	end := start + uint64(p.ImageSize)
	otaStart := uint64(u.opts.OTAAddress)
	otaEnd := otaStart + uint64(u.opts.OTASize)

	if sector := u.flash.Geometry().SectorSize; p.StartAddress%sector != 0 {
		return fmt.Errorf("%w: image at 0x%08X is not aligned to the %d byte sector",
			otaerrors.ErrUnsupportedModule, p.StartAddress, sector)
	}
	if end > uint64(u.flash.Size()) {
		return fmt.Errorf("%w: image at 0x%08X+%d runs past the end of flash",
			otaerrors.ErrUnsupportedModule, p.StartAddress, p.ImageSize)
	}
	if start < otaEnd && otaStart < end {
		return fmt.Errorf("%w: image at 0x%08X+%d overlaps the ota region",
			otaerrors.ErrUnsupportedModule, p.StartAddress, p.ImageSize)
	}
	return nil
}

// stagingAddress picks where a committed image waits in the OTA region:
// the lowest sector aligned gap that overlaps no pending image. A slot
// being superseded keeps its bytes until the new descriptor is stored.
func (u *Updater) stagingAddress(length int) (uint32, error) {
	slots, err := u.store.PendingSlots()
	if err != nil {
		return 0, err
	}

	sector := uint64(u.flash.Geometry().SectorSize)
	regionStart := uint64(u.opts.OTAAddress)
	regionEnd := regionStart + uint64(u.opts.OTASize)
	align := func(v uint64) uint64 { return (v + sector - 1) / sector * sector }

	candidates := []uint64{align(regionStart)}
	for _, p := range slots {
		candidates = append(candidates, align(uint64(p.Source)+uint64(p.Length)))
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i] < candidates[j] })

	for _, start := range candidates {
		end := start + uint64(length)
		if start < regionStart || end > regionEnd {
			continue
		}
		free := true
		for _, p := range slots {
			pStart := uint64(p.Source)
			pEnd := align(pStart + uint64(p.Length))
			if start < pEnd && pStart < end {
				free = false
				break
			}
		}
		if free {
			return uint32(start), nil
		}
	}
	return 0, fmt.Errorf("%w: ota region full, restart to apply pending updates", otaerrors.ErrIO)
}
