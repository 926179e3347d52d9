// Package registry is the device's authoritative list of installed
// modules. It answers dependency questions for the update session and the
// boot validator, and persists itself together with pending-update
// descriptors in a badger store.
package registry

import (
	"fmt"

	otaerrors "github.com/provide-io/otacore/pkg/ota/errors"
	"github.com/provide-io/otacore/pkg/ota/module"
)

// Registry is an ordered set of modules keyed by (function, index).
// A Registry is not safe for concurrent mutation; Store hands out clones.
type Registry struct {
	PlatformID uint16
	modules    []ModuleInfo
}

// New validates and wraps modules. (function, index) pairs must be unique.
func New(platformID uint16, modules []ModuleInfo) (*Registry, error) {
	seen := make(map[[2]uint8]bool, len(modules))
	r := &Registry{PlatformID: platformID}
	for _, m := range modules {
		if !m.Function.Valid() {
			return nil, fmt.Errorf("module %s: invalid function", m.String())
		}
		key := [2]uint8{uint8(m.Function), m.Index}
		if seen[key] {
			return nil, fmt.Errorf("duplicate module %s/%d", m.Function, m.Index)
		}
		seen[key] = true
		if len(m.Dependencies) > 2 {
			return nil, fmt.Errorf("module %s: %d dependencies, at most 2 allowed", m.String(), len(m.Dependencies))
		}
		r.modules = append(r.modules, m.clone())
	}
	return r, nil
}

// Default describes a single monolithic application filling appSize bytes.
func Default(platformID, firmwareVersion uint16, appSize uint32) *Registry {
	return &Registry{
		PlatformID: platformID,
		modules: []ModuleInfo{{
			Function:        module.FunctionMonoFirmware,
			Index:           0,
			Version:         firmwareVersion,
			MaxSize:         appSize,
			Store:           StoreMain,
			ValidityChecked: ValidationAll,
			ValidityResult:  ValidationAll,
		}},
	}
}

// Len returns the number of modules.
func (r *Registry) Len() int { return len(r.modules) }

// Modules returns a copy of the entries in registry order.
func (r *Registry) Modules() []ModuleInfo {
	out := make([]ModuleInfo, len(r.modules))
	for i, m := range r.modules {
		out[i] = m.clone()
	}
	return out
}

// Bounds lays the modules out back to back by maximum size, starting at 0.
func (r *Registry) Bounds() []Bounds {
	out := make([]Bounds, 0, len(r.modules))
	var addr uint32
	for _, m := range r.modules {
		out = append(out, Bounds{ModuleInfo: m.clone(), StartAddress: addr, EndAddress: addr + m.MaxSize})
		addr += m.MaxSize
	}
	return out
}

func (r *Registry) find(fn module.Function, index uint8) int {
	for i := range r.modules {
		if r.modules[i].Function == fn && r.modules[i].Index == index {
			return i
		}
	}
	return -1
}

// Find returns the entry for (fn, index).
func (r *Registry) Find(fn module.Function, index uint8) (ModuleInfo, bool) {
	i := r.find(fn, index)
	if i < 0 {
		return ModuleInfo{}, false
	}
	return r.modules[i].clone(), true
}

// ResolveDependency reports whether dep is satisfied: a NONE dependency
// always is, otherwise the matching module must be at least dep.Version.
func (r *Registry) ResolveDependency(dep module.Dependency) bool {
	if dep.IsNone() {
		return true
	}
	i := r.find(dep.Function, dep.Index)
	return i >= 0 && r.modules[i].Version >= dep.Version
}

// CheckDependencies returns a DependencyError for the first unsatisfied
// entry of deps.
func (r *Registry) CheckDependencies(deps []module.Dependency) error {
	for _, dep := range deps {
		if r.ResolveDependency(dep) {
			continue
		}
		derr := &otaerrors.DependencyError{
			Function: dep.Function.String(),
			Index:    dep.Index,
			Version:  dep.Version,
		}
		if i := r.find(dep.Function, dep.Index); i >= 0 {
			v := r.modules[i].Version
			derr.Found = &v
		}
		return derr
	}
	return nil
}

// Apply folds a parsed module into the matching entry, replacing version,
// dependencies and hash. There is no implicit module creation: an image
// for a slot the platform does not have is UnsupportedModule.
func (r *Registry) Apply(candidate *module.ParsedModule) error {
	i := r.find(candidate.Function, candidate.Index)
	if i < 0 {
		return fmt.Errorf("%w: no %s/%d slot on this device",
			otaerrors.ErrUnsupportedModule, candidate.Function, candidate.Index)
	}

	m := &r.modules[i]
	m.Version = candidate.Version
	m.Dependencies = candidate.RequiredDependencies()
	m.Hash = candidate.Hash
	return nil
}

// SetValidity records the outcome of a validation pass for (fn, index).
func (r *Registry) SetValidity(fn module.Function, index uint8, checked, result ValidationFlags) error {
	i := r.find(fn, index)
	if i < 0 {
		return fmt.Errorf("%w: module %s/%d", otaerrors.ErrNotFound, fn, index)
	}
	r.modules[i].ValidityChecked = checked
	r.modules[i].ValidityResult = result
	return nil
}

// Clone returns a deep copy.
func (r *Registry) Clone() *Registry {
	return &Registry{PlatformID: r.PlatformID, modules: r.Modules()}
}
