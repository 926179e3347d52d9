package registry

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/dgraph-io/badger/v3"
	"github.com/hashicorp/go-hclog"

	"github.com/provide-io/otacore/pkg/ota/address"
	otaerrors "github.com/provide-io/otacore/pkg/ota/errors"
	"github.com/provide-io/otacore/pkg/ota/module"
)

const (
	keyDescribe      = "ota/describe"
	keyPendingFlag   = "ota/pending"
	keySlotPrefix    = "ota/slot/"
	keyServerAddress = "ota/server-address"
)

// Options configures a Store.
type Options struct {
	Dir             string // badger directory; empty keeps everything in memory
	PlatformID      uint16
	FirmwareVersion uint16 // version of the built-in default module
	AppSize         uint32 // default module size
	DescribeFile    string // seeds the registry when nothing is persisted yet
	Handler         Handler
	Logger          hclog.Logger
}

// Store owns the live Registry and its persisted form. The registry, the
// pending descriptors and the pending-update flag are written together in
// one badger transaction.
type Store struct {
	db      *badger.DB
	opts    Options
	logger  hclog.Logger
	handler Handler

	mu      sync.RWMutex
	current *Registry
	pending atomic.Bool
}

// Open opens the badger database and loads the registry.
func Open(opts Options) (*Store, error) {
	if opts.Logger == nil {
		opts.Logger = hclog.NewNullLogger()
	}
	if opts.Handler == nil {
		opts.Handler = NopHandler{}
	}

	dbOpts := badger.DefaultOptions(opts.Dir).
		WithLogger(newBadgerLogger(opts.Logger.Named("badger"))).
		WithLoggingLevel(badger.WARNING)
	if opts.Dir == "" {
		dbOpts = dbOpts.WithInMemory(true)
	} else if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create store directory: %v", otaerrors.ErrIO, err)
	}

	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("%w: open store: %v", otaerrors.ErrIO, err)
	}

	s := &Store{db: db, opts: opts, logger: opts.Logger, handler: opts.Handler}
	if _, err := s.Load(); err != nil {
		db.Close()
		return nil, err
	}
	slots, err := s.PendingSlots()
	if err != nil {
		db.Close()
		return nil, err
	}
	s.pending.Store(len(slots) > 0)

	s.logger.Debug("registry loaded", "modules", s.current.Len(), "pending", len(slots))
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Load re-reads the persisted describe document. A missing or malformed
// document falls back to the describe file, then to the built-in default.
func (s *Store) Load() (*Registry, error) {
	reg, err := s.loadPersisted()
	if err != nil {
		return nil, err
	}
	if reg == nil {
		reg = s.seed()
	}

	s.mu.Lock()
	s.current = reg
	s.mu.Unlock()
	return reg.Clone(), nil
}

func (s *Store) loadPersisted() (*Registry, error) {
	var raw []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyDescribe))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read describe document: %v", otaerrors.ErrIO, err)
	}

	reg, err := DecodeDescribe(raw, s.opts.AppSize)
	if err != nil {
		s.logger.Warn("persisted describe document is malformed, using default", "error", err)
		return nil, nil
	}
	if reg.PlatformID != s.opts.PlatformID {
		s.logger.Warn("persisted describe document is for another platform, using default",
			"platform", reg.PlatformID, "device", s.opts.PlatformID)
		return nil, nil
	}
	return reg, nil
}

func (s *Store) seed() *Registry {
	if s.opts.DescribeFile != "" {
		data, err := os.ReadFile(s.opts.DescribeFile)
		if err == nil {
			var reg *Registry
			if reg, err = DecodeDescribe(data, s.opts.AppSize); err == nil {
				reg.PlatformID = s.opts.PlatformID
				s.logger.Info("registry seeded from describe file", "path", s.opts.DescribeFile, "modules", reg.Len())
				return reg
			}
		}
		s.logger.Warn("ignoring describe file", "path", s.opts.DescribeFile, "error", err)
	}
	return Default(s.opts.PlatformID, s.opts.FirmwareVersion, s.opts.AppSize)
}

// Registry returns a snapshot of the live registry.
func (s *Store) Registry() *Registry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Clone()
}

// Save persists reg and makes it live.
func (s *Store) Save(reg *Registry) error {
	return s.commit(reg, nil)
}

// CommitUpdate persists reg together with a pending descriptor for the
// updated module, raises the pending-update flag and makes reg live. The
// descriptor's Slot is assigned here: a pending slot targeting the same
// destination is superseded, otherwise the first free slot is used.
func (s *Store) CommitUpdate(reg *Registry, info ModuleInfo, slot PendingSlot) (PendingSlot, error) {
	slot.Magic = slotMagicPending
	if err := s.commit(reg, &slot); err != nil {
		return PendingSlot{}, err
	}
	s.pending.Store(true)
	s.handler.ModuleUpdated(info, slot)
	return slot, nil
}

func (s *Store) commit(reg *Registry, slot *PendingSlot) error {
	doc, err := EncodeDescribe(reg)
	if err != nil {
		return fmt.Errorf("%w: encode describe document: %v", otaerrors.ErrIO, err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(keyDescribe), doc); err != nil {
			return err
		}
		if slot == nil {
			return nil
		}
		idx, err := s.allocateSlot(txn, slot.Destination)
		if err != nil {
			return err
		}
		slot.Slot = idx
		if err := txn.Set(slotKey(idx), slot.Pack()); err != nil {
			return err
		}
		return txn.Set([]byte(keyPendingFlag), []byte{1})
	})
	if err != nil {
		return fmt.Errorf("%w: commit registry: %v", otaerrors.ErrIO, err)
	}

	s.mu.Lock()
	s.current = reg.Clone()
	s.mu.Unlock()
	return nil
}

func (s *Store) allocateSlot(txn *badger.Txn, dest uint32) (int, error) {
	slots, err := readSlots(txn)
	if err != nil {
		return 0, err
	}
	used := make(map[int]bool, len(slots))
	for _, p := range slots {
		if p.Destination == dest {
			s.logger.Info("superseding pending update", "slot", p.Slot, "destination", hclog.Fmt("0x%08X", dest))
			return p.Slot, nil
		}
		used[p.Slot] = true
	}
	for i := FirstUpdateSlot; i < MaxPendingSlots; i++ {
		if !used[i] {
			return i, nil
		}
	}
	return 0, errors.New("no free pending-update slot")
}

// PendingSlots returns the descriptors still waiting to be applied, in
// slot order.
func (s *Store) PendingSlots() ([]PendingSlot, error) {
	var slots []PendingSlot
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		slots, err = readSlots(txn)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: read pending slots: %v", otaerrors.ErrIO, err)
	}
	return slots, nil
}

// ClearPending marks a slot unused. The pending-update flag drops once no
// slot is left.
func (s *Store) ClearPending(slot int) error {
	var remaining int
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(slotKey(slot))
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		p, err := UnpackPendingSlot(raw)
		if err != nil {
			return err
		}
		p.Magic = slotMagicUnused
		if err := txn.Set(slotKey(slot), p.Pack()); err != nil {
			return err
		}

		left, err := readSlots(txn)
		if err != nil {
			return err
		}
		remaining = len(left)
		if remaining == 0 {
			return txn.Delete([]byte(keyPendingFlag))
		}
		return nil
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("%w: pending slot %d", otaerrors.ErrNotFound, slot)
	}
	if err != nil {
		return fmt.Errorf("%w: clear pending slot %d: %v", otaerrors.ErrIO, slot, err)
	}
	s.pending.Store(remaining > 0)
	return nil
}

// UpdatePending reports whether a committed update waits for a restart.
func (s *Store) UpdatePending() bool {
	return s.pending.Load()
}

// SetValidity records a validation outcome for (fn, index) and persists it.
func (s *Store) SetValidity(fn module.Function, index uint8, checked, result ValidationFlags) error {
	reg := s.Registry()
	if err := reg.SetValidity(fn, index, checked, result); err != nil {
		return err
	}
	if err := s.Save(reg); err != nil {
		return err
	}
	updated, _ := reg.Find(fn, index)
	s.handler.ValidityChanged(updated)
	return nil
}

// ServerAddress returns the stored server address record.
func (s *Store) ServerAddress() (address.ServerAddress, error) {
	var raw []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyServerAddress))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return address.ServerAddress{Type: address.TypeInvalid}, fmt.Errorf("%w: server address", otaerrors.ErrNotFound)
	}
	if err != nil {
		return address.ServerAddress{Type: address.TypeInvalid}, fmt.Errorf("%w: read server address: %v", otaerrors.ErrIO, err)
	}
	return address.Decode(raw), nil
}

// SetServerAddress stores addr as a fixed-size record.
func (s *Store) SetServerAddress(addr address.ServerAddress) error {
	buf := make([]byte, address.RecordSize)
	if _, err := addr.Encode(buf); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(keyServerAddress), buf)
	})
	if err != nil {
		return fmt.Errorf("%w: write server address: %v", otaerrors.ErrIO, err)
	}
	return nil
}

func slotKey(i int) []byte {
	return []byte(fmt.Sprintf("%s%02d", keySlotPrefix, i))
}

func readSlots(txn *badger.Txn) ([]PendingSlot, error) {
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()

	prefix := []byte(keySlotPrefix)
	var slots []PendingSlot
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		idx, err := strconv.Atoi(strings.TrimPrefix(string(item.Key()), keySlotPrefix))
		if err != nil {
			return nil, fmt.Errorf("bad slot key %q", item.Key())
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return nil, err
		}
		p, err := UnpackPendingSlot(raw)
		if err != nil {
			return nil, err
		}
		if !p.Pending() {
			continue
		}
		p.Slot = idx
		slots = append(slots, *p)
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i].Slot < slots[j].Slot })
	return slots, nil
}
