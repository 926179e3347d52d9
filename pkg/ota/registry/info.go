package registry

import (
	"fmt"

	"github.com/provide-io/otacore/pkg/ota/module"
)

// ModuleStore names the role a module slot plays.
type ModuleStore uint8

const (
	StoreMain ModuleStore = iota
	StoreBackup
	StoreFactory
	StoreScratchpad
)

var storeCodes = map[ModuleStore]string{
	StoreMain:       "m",
	StoreBackup:     "b",
	StoreFactory:    "f",
	StoreScratchpad: "t",
}

func (s ModuleStore) String() string {
	if code, ok := storeCodes[s]; ok {
		return code
	}
	return fmt.Sprintf("store(%d)", uint8(s))
}

// ParseStore decodes a describe-document store code.
func ParseStore(code string) (ModuleStore, error) {
	for s, c := range storeCodes {
		if c == code {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown module store %q", code)
}

// Location is the physical medium holding a module.
type Location uint8

const (
	LocationInternalFlash Location = iota + 1
	LocationExternalFlash
	LocationNCPFlash
)

func (l Location) String() string {
	switch l {
	case LocationInternalFlash:
		return "internal"
	case LocationExternalFlash:
		return "external"
	case LocationNCPFlash:
		return "ncp"
	default:
		return fmt.Sprintf("location(%d)", uint8(l))
	}
}

// ValidationFlags records which checks ran on a module and which passed.
type ValidationFlags uint16

const (
	ValidationIntegrity    ValidationFlags = 1 << 1
	ValidationDependencies ValidationFlags = 1 << 2
	ValidationRange        ValidationFlags = 1 << 3
	ValidationPlatform     ValidationFlags = 1 << 4

	ValidationAll = ValidationIntegrity | ValidationDependencies | ValidationRange | ValidationPlatform
)

// ModuleInfo is one registry entry.
type ModuleInfo struct {
	Function        module.Function
	Index           uint8
	Version         uint16
	MaxSize         uint32
	Store           ModuleStore
	Dependencies    []module.Dependency
	Hash            [module.HashSize]byte
	ValidityChecked ValidationFlags
	ValidityResult  ValidationFlags
}

// Location is derived from the function: co-processor firmware lives on
// the NCP, everything else in internal flash.
func (m *ModuleInfo) Location() Location {
	if m.Function == module.FunctionNCPFirmware {
		return LocationNCPFlash
	}
	return LocationInternalFlash
}

// Valid reports whether every check that ran also passed.
func (m *ModuleInfo) Valid() bool {
	return m.ValidityResult&m.ValidityChecked == m.ValidityChecked
}

func (m *ModuleInfo) String() string {
	return fmt.Sprintf("%s/%d v%d", m.Function, m.Index, m.Version)
}

func (m ModuleInfo) clone() ModuleInfo {
	m.Dependencies = append([]module.Dependency(nil), m.Dependencies...)
	return m
}

// Bounds is a module together with its derived address range.
type Bounds struct {
	ModuleInfo
	StartAddress uint32
	EndAddress   uint32
}
