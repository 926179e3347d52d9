package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/dgraph-io/badger/v3"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/provide-io/otacore/pkg/ota/address"
	otaerrors "github.com/provide-io/otacore/pkg/ota/errors"
	"github.com/provide-io/otacore/pkg/ota/module"
)

type recordingHandler struct {
	updated  []PendingSlot
	validity []ModuleInfo
}

func (h *recordingHandler) ModuleUpdated(_ ModuleInfo, slot PendingSlot) {
	h.updated = append(h.updated, slot)
}

func (h *recordingHandler) ValidityChanged(info ModuleInfo) {
	h.validity = append(h.validity, info)
}

func openTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	if opts.PlatformID == 0 {
		opts.PlatformID = testPlatform
	}
	if opts.Logger == nil {
		opts.Logger = hclog.NewNullLogger()
	}
	s, err := Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreDefaultRegistry(t *testing.T) {
	s := openTestStore(t, Options{FirmwareVersion: 1100, AppSize: 0x100000})

	reg := s.Registry()
	mods := reg.Modules()
	require.Len(t, mods, 1)
	assert.Equal(t, module.FunctionMonoFirmware, mods[0].Function)
	assert.Equal(t, uint16(1100), mods[0].Version)
	assert.Equal(t, uint32(0x100000), mods[0].MaxSize)
	assert.False(t, s.UpdatePending())
}

func TestStoreSeedsFromDescribeFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "describe.json")
	doc := `{"p":0,"m":[{"f":"s","n":"1","v":5,"d":[]},{"f":"u","n":"1","v":3,"d":[]}]}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	s := openTestStore(t, Options{DescribeFile: path, AppSize: 4096})
	reg := s.Registry()
	assert.Equal(t, 2, reg.Len())
	assert.Equal(t, uint16(testPlatform), reg.PlatformID)
}

func TestStoreCommitUpdate(t *testing.T) {
	h := &recordingHandler{}
	s := openTestStore(t, Options{Handler: h})

	reg := testRegistry(t)
	require.NoError(t, s.Save(reg))

	next := s.Registry()
	candidate := &module.ParsedModule{Header: module.Header{Function: module.FunctionUserPart, Index: 1, Version: 4}}
	require.NoError(t, next.Apply(candidate))
	info, _ := next.Find(module.FunctionUserPart, 1)

	slot, err := s.CommitUpdate(next, info, PendingSlot{Source: 0x100000, Destination: 0x50000, Length: 4100, Function: module.FunctionUserPart, Flags: VerifyAll})
	require.NoError(t, err)
	assert.Equal(t, FirstUpdateSlot, slot.Slot)
	assert.True(t, s.UpdatePending())
	require.Len(t, h.updated, 1)

	live, _ := s.Registry().Find(module.FunctionUserPart, 1)
	assert.Equal(t, uint16(4), live.Version)

	slots, err := s.PendingSlots()
	require.NoError(t, err)
	require.Len(t, slots, 1)
	assert.Equal(t, uint32(0x50000), slots[0].Destination)

	// same destination supersedes, another destination takes the next slot
	again, err := s.CommitUpdate(next, info, PendingSlot{Source: 0x102000, Destination: 0x50000, Length: 4200})
	require.NoError(t, err)
	assert.Equal(t, FirstUpdateSlot, again.Slot)

	other, err := s.CommitUpdate(next, info, PendingSlot{Source: 0x104000, Destination: 0x10000, Length: 100})
	require.NoError(t, err)
	assert.Equal(t, FirstUpdateSlot+1, other.Slot)

	slots, err = s.PendingSlots()
	require.NoError(t, err)
	require.Len(t, slots, 2)
	assert.Equal(t, uint32(4200), slots[0].Length)

	require.NoError(t, s.ClearPending(slots[0].Slot))
	assert.True(t, s.UpdatePending())
	require.NoError(t, s.ClearPending(slots[1].Slot))
	assert.False(t, s.UpdatePending())

	slots, err = s.PendingSlots()
	require.NoError(t, err)
	assert.Empty(t, slots)

	assert.ErrorIs(t, s.ClearPending(6), otaerrors.ErrNotFound)
}

func TestStoreSlotsExhausted(t *testing.T) {
	s := openTestStore(t, Options{})
	reg := s.Registry()
	info := reg.Modules()[0]

	for i := FirstUpdateSlot; i < MaxPendingSlots; i++ {
		_, err := s.CommitUpdate(reg, info, PendingSlot{Destination: uint32(i) * 0x1000})
		require.NoError(t, err)
	}
	_, err := s.CommitUpdate(reg, info, PendingSlot{Destination: 0xF0000})
	assert.ErrorIs(t, err, otaerrors.ErrIO)
}

func TestStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(Options{Dir: dir, PlatformID: testPlatform})
	require.NoError(t, err)
	reg := testRegistry(t)
	info, _ := reg.Find(module.FunctionSystemPart, 1)
	_, err = s.CommitUpdate(reg, info, PendingSlot{Destination: 0x10000, Length: 10})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(Options{Dir: dir, PlatformID: testPlatform})
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, reg.Modules(), s.Registry().Modules())
	assert.True(t, s.UpdatePending())
}

func TestStoreMalformedPersistedFallsBack(t *testing.T) {
	dir := t.TempDir()

	db, err := badger.Open(badger.DefaultOptions(dir).WithLogger(nil))
	require.NoError(t, err)
	require.NoError(t, db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(keyDescribe), []byte(`{"p":32,"m":[{"f":`))
	}))
	require.NoError(t, db.Close())

	s, err := Open(Options{Dir: dir, PlatformID: testPlatform, FirmwareVersion: 7})
	require.NoError(t, err)
	defer s.Close()

	mods := s.Registry().Modules()
	require.Len(t, mods, 1)
	assert.Equal(t, uint16(7), mods[0].Version)
}

func TestStoreOtherPlatformFallsBack(t *testing.T) {
	s := openTestStore(t, Options{})
	reg := testRegistry(t)
	reg.PlatformID = testPlatform + 1
	require.NoError(t, s.Save(reg))

	loaded, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.Len())
}

func TestStoreSetValidity(t *testing.T) {
	h := &recordingHandler{}
	s := openTestStore(t, Options{Handler: h})
	require.NoError(t, s.Save(testRegistry(t)))

	require.NoError(t, s.SetValidity(module.FunctionBootloader, 0, ValidationAll, ValidationIntegrity))
	m, _ := s.Registry().Find(module.FunctionBootloader, 0)
	assert.Equal(t, ValidationIntegrity, m.ValidityResult)
	require.Len(t, h.validity, 1)

	assert.ErrorIs(t, s.SetValidity(module.FunctionAsset, 9, 0, 0), otaerrors.ErrNotFound)
}

func TestStoreServerAddress(t *testing.T) {
	s := openTestStore(t, Options{})

	_, err := s.ServerAddress()
	assert.ErrorIs(t, err, otaerrors.ErrNotFound)

	want, err := address.FromString("10.1.2.3", 5683)
	require.NoError(t, err)
	require.NoError(t, s.SetServerAddress(want))

	got, err := s.ServerAddress()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}
