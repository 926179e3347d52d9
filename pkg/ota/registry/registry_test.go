package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	otaerrors "github.com/provide-io/otacore/pkg/ota/errors"
	"github.com/provide-io/otacore/pkg/ota/module"
)

const testPlatform = 32

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	reg, err := New(testPlatform, []ModuleInfo{
		{Function: module.FunctionBootloader, Index: 0, Version: 2, MaxSize: 0x10000},
		{Function: module.FunctionSystemPart, Index: 1, Version: 5, MaxSize: 0x40000},
		{Function: module.FunctionUserPart, Index: 1, Version: 3, MaxSize: 0x20000,
			Dependencies: []module.Dependency{{Function: module.FunctionSystemPart, Index: 1, Version: 5}}},
	})
	require.NoError(t, err)
	return reg
}

func TestResolveDependency(t *testing.T) {
	reg := testRegistry(t)

	testCases := []struct {
		name string
		dep  module.Dependency
		want bool
	}{
		{"none", module.Dependency{}, true},
		{"exact_version", module.Dependency{Function: module.FunctionSystemPart, Index: 1, Version: 5}, true},
		{"older_required", module.Dependency{Function: module.FunctionSystemPart, Index: 1, Version: 4}, true},
		{"newer_required", module.Dependency{Function: module.FunctionSystemPart, Index: 1, Version: 6}, false},
		{"wrong_index", module.Dependency{Function: module.FunctionSystemPart, Index: 2, Version: 1}, false},
		{"absent_function", module.Dependency{Function: module.FunctionNCPFirmware, Index: 0, Version: 0}, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, reg.ResolveDependency(tc.dep))
		})
	}
}

func TestCheckDependencies(t *testing.T) {
	reg := testRegistry(t)

	require.NoError(t, reg.CheckDependencies(nil))

	err := reg.CheckDependencies([]module.Dependency{
		{Function: module.FunctionBootloader, Index: 0, Version: 1},
		{Function: module.FunctionSystemPart, Index: 1, Version: 9},
	})
	require.ErrorIs(t, err, otaerrors.ErrDependencyUnsatisfied)

	var derr *otaerrors.DependencyError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, "system-part", derr.Function)
	require.NotNil(t, derr.Found)
	assert.Equal(t, uint16(5), *derr.Found)

	err = reg.CheckDependencies([]module.Dependency{{Function: module.FunctionRadioStack, Index: 0, Version: 1}})
	require.ErrorAs(t, err, &derr)
	assert.Nil(t, derr.Found)
}

func TestApply(t *testing.T) {
	reg := testRegistry(t)

	candidate := &module.ParsedModule{
		Header: module.Header{
			Version:  4,
			Function: module.FunctionUserPart,
			Index:    1,
			Dependencies: [2]module.Dependency{
				{},
				{Function: module.FunctionSystemPart, Index: 1, Version: 5},
			},
		},
		Hash: module.ContentHash([]byte("user-part v4")),
	}
	require.NoError(t, reg.Apply(candidate))

	got, ok := reg.Find(module.FunctionUserPart, 1)
	require.True(t, ok)
	assert.Equal(t, uint16(4), got.Version)
	assert.Equal(t, candidate.Hash, got.Hash)
	assert.Equal(t, []module.Dependency{{Function: module.FunctionSystemPart, Index: 1, Version: 5}}, got.Dependencies)
	assert.Equal(t, uint32(0x20000), got.MaxSize)
}

func TestApplyUnknownSlot(t *testing.T) {
	reg := testRegistry(t)
	before := reg.Modules()

	err := reg.Apply(&module.ParsedModule{Header: module.Header{Function: module.FunctionUserPart, Index: 2, Version: 1}})
	assert.ErrorIs(t, err, otaerrors.ErrUnsupportedModule)
	assert.Equal(t, before, reg.Modules())
}

func TestCloneIsIndependent(t *testing.T) {
	reg := testRegistry(t)
	clone := reg.Clone()

	require.NoError(t, clone.Apply(&module.ParsedModule{Header: module.Header{Function: module.FunctionSystemPart, Index: 1, Version: 7}}))

	orig, _ := reg.Find(module.FunctionSystemPart, 1)
	assert.Equal(t, uint16(5), orig.Version)

	// dependency slices are not shared either
	mods := reg.Modules()
	mods[2].Dependencies[0].Version = 99
	user, _ := reg.Find(module.FunctionUserPart, 1)
	assert.Equal(t, uint16(5), user.Dependencies[0].Version)
}

func TestBounds(t *testing.T) {
	bounds := testRegistry(t).Bounds()
	require.Len(t, bounds, 3)

	assert.Equal(t, uint32(0), bounds[0].StartAddress)
	assert.Equal(t, uint32(0x10000), bounds[0].EndAddress)
	assert.Equal(t, uint32(0x10000), bounds[1].StartAddress)
	assert.Equal(t, uint32(0x50000), bounds[1].EndAddress)
	assert.Equal(t, uint32(0x50000), bounds[2].StartAddress)
	assert.Equal(t, uint32(0x70000), bounds[2].EndAddress)
	assert.Equal(t, LocationInternalFlash, bounds[2].Location())
}

func TestNewRejects(t *testing.T) {
	_, err := New(testPlatform, []ModuleInfo{
		{Function: module.FunctionUserPart, Index: 1},
		{Function: module.FunctionUserPart, Index: 1},
	})
	assert.Error(t, err)

	_, err = New(testPlatform, []ModuleInfo{{Function: module.FunctionNone}})
	assert.Error(t, err)

	three := make([]module.Dependency, 3)
	_, err = New(testPlatform, []ModuleInfo{{Function: module.FunctionUserPart, Dependencies: three}})
	assert.Error(t, err)
}

func TestDefaultAndLocation(t *testing.T) {
	reg := Default(testPlatform, 1200, 1<<20)
	mods := reg.Modules()
	require.Len(t, mods, 1)
	assert.Equal(t, module.FunctionMonoFirmware, mods[0].Function)
	assert.Equal(t, uint8(0), mods[0].Index)
	assert.Equal(t, uint16(1200), mods[0].Version)
	assert.True(t, mods[0].Valid())

	ncp := ModuleInfo{Function: module.FunctionNCPFirmware}
	assert.Equal(t, LocationNCPFlash, ncp.Location())
}

func TestSetValidity(t *testing.T) {
	reg := testRegistry(t)
	require.NoError(t, reg.SetValidity(module.FunctionBootloader, 0, ValidationAll, ValidationRange))

	m, _ := reg.Find(module.FunctionBootloader, 0)
	assert.False(t, m.Valid())

	err := reg.SetValidity(module.FunctionAsset, 3, ValidationAll, ValidationAll)
	assert.ErrorIs(t, err, otaerrors.ErrNotFound)
}

func TestParseStore(t *testing.T) {
	for _, s := range []ModuleStore{StoreMain, StoreBackup, StoreFactory, StoreScratchpad} {
		got, err := ParseStore(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}

	_, err := ParseStore("x")
	assert.Error(t, err)
	assert.Equal(t, "store(9)", ModuleStore(9).String())

	info := ModuleInfo{Function: module.FunctionUserPart, Store: StoreFactory}
	assert.Equal(t, "f", info.Store.String())
}
