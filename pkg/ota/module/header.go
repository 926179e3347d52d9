package module

import (
	"encoding/binary"
	"fmt"

	"github.com/provide-io/otacore/internal/binio"
)

const (
	// HeaderSize is the on-flash size of the module prefix.
	HeaderSize = 24
	// SuffixSize is the on-flash size of the module suffix (reserved, hash, size).
	SuffixSize = 36
	// CRCSize is the size of the trailing CRC-32 word.
	CRCSize = 4
	// HashSize is the size of the content hash stored in the suffix.
	HashSize = 32
	// ScanWindow bounds how far into a staged image the header is searched for.
	ScanWindow = 16 * 1024
)

// Dependency is a (function, index, minimum version) requirement.
type Dependency struct {
	Function Function
	Index    uint8
	Version  uint16
}

// IsNone reports whether d is the "no dependency" sentinel.
func (d Dependency) IsNone() bool {
	return d.Function == FunctionNone
}

// Valid checks the sentinel rule: a NONE dependency carries no index or
// version, any other dependency names a recognized function.
func (d Dependency) Valid() bool {
	if d.Function == FunctionNone {
		return d.Index == 0 && d.Version == 0
	}
	return d.Function.Valid()
}

func (d Dependency) String() string {
	if d.IsNone() {
		return "none"
	}
	return fmt.Sprintf("%s/%d>=v%d", d.Function, d.Index, d.Version)
}

// Header is the fixed-layout module prefix.
//
// Binary layout (little-endian):
//
//	+0  start address  u32
//	+4  end address    u32
//	+8  reserved       u8
//	+9  flags          u8
//	+10 version        u16
//	+12 platform id    u16
//	+14 function       u8
//	+15 index          u8
//	+16 dependency 1   {function u8, index u8, version u16}
//	+20 dependency 2   {function u8, index u8, version u16}
type Header struct {
	StartAddress uint32
	EndAddress   uint32
	Reserved     uint8
	Flags        uint8
	Version      uint16
	PlatformID   uint16
	Function     Function
	Index        uint8
	Dependencies [2]Dependency
}

// Pack serializes the header to exactly HeaderSize bytes.
func (h *Header) Pack() []byte {
	buf := make([]byte, HeaderSize)

	binary.LittleEndian.PutUint32(buf[0:4], h.StartAddress)
	binary.LittleEndian.PutUint32(buf[4:8], h.EndAddress)
	buf[8] = h.Reserved
	buf[9] = h.Flags
	binary.LittleEndian.PutUint16(buf[10:12], h.Version)
	binary.LittleEndian.PutUint16(buf[12:14], h.PlatformID)
	buf[14] = uint8(h.Function)
	buf[15] = h.Index
	for i, dep := range h.Dependencies {
		off := 16 + i*4
		buf[off] = uint8(dep.Function)
		buf[off+1] = dep.Index
		binary.LittleEndian.PutUint16(buf[off+2:off+4], dep.Version)
	}

	return buf
}

// UnpackHeader decodes a header at off. Only bounds are checked; use
// Check to apply the consistency predicates.
func UnpackHeader(data []byte, off int) (*Header, error) {
	r := binio.NewReader(data, off)
	h := &Header{}

	var err error
	if h.StartAddress, err = r.U32LE(); err != nil {
		return nil, err
	}
	if h.EndAddress, err = r.U32LE(); err != nil {
		return nil, err
	}
	if h.Reserved, err = r.U8(); err != nil {
		return nil, err
	}
	if h.Flags, err = r.U8(); err != nil {
		return nil, err
	}
	if h.Version, err = r.U16LE(); err != nil {
		return nil, err
	}
	if h.PlatformID, err = r.U16LE(); err != nil {
		return nil, err
	}
	fn, err := r.U8()
	if err != nil {
		return nil, err
	}
	h.Function = Function(fn)
	if h.Index, err = r.U8(); err != nil {
		return nil, err
	}
	for i := range h.Dependencies {
		fn, err := r.U8()
		if err != nil {
			return nil, err
		}
		idx, err := r.U8()
		if err != nil {
			return nil, err
		}
		ver, err := r.U16LE()
		if err != nil {
			return nil, err
		}
		h.Dependencies[i] = Dependency{Function: Function(fn), Index: idx, Version: ver}
	}

	return h, nil
}

// Length returns the number of bytes covered by the CRC, end - start.
func (h *Header) Length() uint32 {
	if h.EndAddress <= h.StartAddress {
		return 0
	}
	return h.EndAddress - h.StartAddress
}

// Check applies the header consistency predicates for an image of
// imageSize bytes (CRC included) on a device with platformID.
func (h *Header) Check(imageSize int, platformID uint16) error {
	if h.EndAddress <= h.StartAddress {
		return fmt.Errorf("end address 0x%08X not above start 0x%08X", h.EndAddress, h.StartAddress)
	}
	if uint64(h.EndAddress-h.StartAddress)+CRCSize != uint64(imageSize) {
		return fmt.Errorf("module length %d does not match image size %d", h.EndAddress-h.StartAddress, imageSize)
	}
	if h.PlatformID != platformID {
		return fmt.Errorf("platform id %d, device is %d", h.PlatformID, platformID)
	}
	if !h.Function.Valid() {
		return fmt.Errorf("invalid module function %d", uint8(h.Function))
	}
	for i, dep := range h.Dependencies {
		if !dep.Valid() {
			return fmt.Errorf("invalid dependency %d: %+v", i+1, dep)
		}
	}
	return nil
}

// RequiredDependencies returns the non-sentinel dependencies.
func (h *Header) RequiredDependencies() []Dependency {
	var deps []Dependency
	for _, dep := range h.Dependencies {
		if !dep.IsNone() {
			deps = append(deps, dep)
		}
	}
	return deps
}
