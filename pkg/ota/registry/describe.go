package registry

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/provide-io/otacore/pkg/ota/module"
)

// The persisted describe document uses short keys:
//
//	{"p":6,"m":[{"f":"u","n":"1","v":4,"d":[{"f":"s","n":"1","v":5}],
//	  "l":"m","s":131072,"vc":30,"vv":30,"u":"<hex sha-256>"}]}
type describeDoc struct {
	Platform uint16           `json:"p"`
	Modules  []describeModule `json:"m"`
}

type describeModule struct {
	Function     string               `json:"f"`
	Index        string               `json:"n"`
	Version      uint16               `json:"v"`
	Dependencies []describeDependency `json:"d"`
	Store        *string              `json:"l,omitempty"`
	MaxSize      *uint32              `json:"s,omitempty"`
	Checked      *uint16              `json:"vc,omitempty"`
	Result       *uint16              `json:"vv,omitempty"`
	Hash         *string              `json:"u,omitempty"`
}

type describeDependency struct {
	Function string `json:"f"`
	Index    string `json:"n"`
	Version  uint16 `json:"v"`
}

// EncodeDescribe renders r as a describe document.
func EncodeDescribe(r *Registry) ([]byte, error) {
	doc := describeDoc{Platform: r.PlatformID, Modules: make([]describeModule, 0, len(r.modules))}
	for _, m := range r.modules {
		store := m.Store.String()
		size := m.MaxSize
		checked := uint16(m.ValidityChecked)
		result := uint16(m.ValidityResult)
		hash := fmt.Sprintf("%X", m.Hash[:])

		dm := describeModule{
			Function:     m.Function.Code(),
			Index:        strconv.Itoa(int(m.Index)),
			Version:      m.Version,
			Dependencies: make([]describeDependency, 0, len(m.Dependencies)),
			Store:        &store,
			MaxSize:      &size,
			Checked:      &checked,
			Result:       &result,
			Hash:         &hash,
		}
		for _, d := range m.Dependencies {
			dm.Dependencies = append(dm.Dependencies, describeDependency{
				Function: d.Function.Code(),
				Index:    strconv.Itoa(int(d.Index)),
				Version:  d.Version,
			})
		}
		doc.Modules = append(doc.Modules, dm)
	}
	return json.Marshal(doc)
}

// DecodeDescribe parses a describe document. Optional fields default to
// the main store, defaultSize bytes, all checks run and passed, and an
// all-zero hash.
func DecodeDescribe(data []byte, defaultSize uint32) (*Registry, error) {
	var doc describeDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse describe document: %w", err)
	}
	if doc.Modules == nil {
		return nil, fmt.Errorf("describe document has no module list")
	}

	modules := make([]ModuleInfo, 0, len(doc.Modules))
	for i, dm := range doc.Modules {
		m, err := decodeModule(dm, defaultSize)
		if err != nil {
			return nil, fmt.Errorf("module %d: %w", i, err)
		}
		modules = append(modules, m)
	}
	return New(doc.Platform, modules)
}

func decodeModule(dm describeModule, defaultSize uint32) (ModuleInfo, error) {
	var m ModuleInfo
	var err error

	if m.Function, err = module.ParseFunction(dm.Function); err != nil {
		return m, err
	}
	if m.Index, err = parseIndex(dm.Index); err != nil {
		return m, err
	}
	m.Version = dm.Version

	for _, dd := range dm.Dependencies {
		fn, err := module.ParseFunction(dd.Function)
		if err != nil {
			return m, fmt.Errorf("dependency: %w", err)
		}
		idx, err := parseIndex(dd.Index)
		if err != nil {
			return m, fmt.Errorf("dependency: %w", err)
		}
		m.Dependencies = append(m.Dependencies, module.Dependency{Function: fn, Index: idx, Version: dd.Version})
	}

	m.Store = StoreMain
	if dm.Store != nil {
		if m.Store, err = ParseStore(*dm.Store); err != nil {
			return m, err
		}
	}

	m.MaxSize = defaultSize
	if dm.MaxSize != nil {
		m.MaxSize = *dm.MaxSize
	}

	m.ValidityChecked = ValidationAll
	if dm.Checked != nil {
		m.ValidityChecked = ValidationFlags(*dm.Checked)
	}
	m.ValidityResult = m.ValidityChecked
	if dm.Result != nil {
		m.ValidityResult = ValidationFlags(*dm.Result)
	}

	if dm.Hash != nil {
		if m.Hash, err = module.ParseHash(*dm.Hash); err != nil {
			return m, fmt.Errorf("hash: %w", err)
		}
	}
	return m, nil
}

func parseIndex(s string) (uint8, error) {
	n, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("module index %q: %w", s, err)
	}
	return uint8(n), nil
}
