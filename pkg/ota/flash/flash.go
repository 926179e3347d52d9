// Package flash serializes erase, program and read access to a flash
// device. Erase skips blocks that are already blank, writes go out in
// small bursts that never straddle a page, and every burst is read back.
package flash

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"

	otaerrors "github.com/provide-io/otacore/pkg/ota/errors"
	"github.com/provide-io/otacore/pkg/ota/module"
)

// CopyBlockSize is the chunk size used by Copy, Compare and the CRC walk.
const CopyBlockSize = 256

// Geometry describes the erase and program granularity of a device.
type Geometry struct {
	SectorSize uint32 // erase granularity
	PageSize   uint32 // a single program never crosses a page boundary
	WriteBurst uint32 // maximum bytes per program call
}

// DefaultGeometry matches a typical serial NOR part.
var DefaultGeometry = Geometry{SectorSize: 4096, PageSize: 256, WriteBurst: 8}

func (g Geometry) validate(size uint32) error {
	switch {
	case g.SectorSize == 0 || g.PageSize == 0 || g.WriteBurst == 0:
		return fmt.Errorf("flash geometry has a zero field: %+v", g)
	case g.SectorSize%g.PageSize != 0:
		return fmt.Errorf("sector size %d is not a multiple of page size %d", g.SectorSize, g.PageSize)
	case g.WriteBurst > g.PageSize:
		return fmt.Errorf("write burst %d exceeds page size %d", g.WriteBurst, g.PageSize)
	case size%g.SectorSize != 0:
		return fmt.Errorf("device size %d is not a multiple of sector size %d", size, g.SectorSize)
	}
	return nil
}

// Flash is the single access path to a Device. All methods are safe for
// concurrent use; callers queue on one lock.
type Flash struct {
	mu     sync.Mutex
	dev    Device
	geo    Geometry
	logger hclog.Logger
}

// New wraps dev. A nil logger discards output.
func New(dev Device, geo Geometry, logger hclog.Logger) (*Flash, error) {
	if err := geo.validate(dev.Size()); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Flash{dev: dev, geo: geo, logger: logger}, nil
}

// Size returns the device capacity in bytes.
func (f *Flash) Size() uint32 { return f.dev.Size() }

// Geometry returns the configured geometry.
func (f *Flash) Geometry() Geometry { return f.geo }

// Tx performs flash operations while the caller already holds the lock.
// It is only valid inside the function passed to Exclusive.
type Tx struct {
	f *Flash
}

// Exclusive runs fn with the flash lock held, so a sequence of operations
// and any state change tied to them are observed as one step.
func (f *Flash) Exclusive(fn func(tx *Tx) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fn(&Tx{f: f})
}

func (f *Flash) Read(addr uint32, p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.read(addr, p)
}

// Erase erases every sector overlapping [addr, addr+length). The start is
// rounded down to a sector boundary.
func (f *Flash) Erase(addr uint32, length int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.erase(addr, length)
}

// Write programs data at addr. The target must already be erased.
func (f *Flash) Write(addr uint32, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.write(addr, data)
}

// Copy erases the destination range and copies length bytes into it.
func (f *Flash) Copy(src, dst uint32, length int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.copy(src, dst, length)
}

// Compare reports whether two ranges hold identical bytes.
func (f *Flash) Compare(a, b uint32, length int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.compare(a, b, length)
}

// VerifyCRC32 checks that the CRC-32 over [addr, addr+length) equals the
// big-endian word stored at addr+length.
func (f *Flash) VerifyCRC32(addr uint32, length int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.verifyCRC32(addr, length)
}

func (tx *Tx) Read(addr uint32, p []byte) error         { return tx.f.read(addr, p) }
func (tx *Tx) Erase(addr uint32, length int) error      { return tx.f.erase(addr, length) }
func (tx *Tx) Write(addr uint32, data []byte) error     { return tx.f.write(addr, data) }
func (tx *Tx) Copy(src, dst uint32, length int) error   { return tx.f.copy(src, dst, length) }
func (tx *Tx) Compare(a, b uint32, n int) (bool, error) { return tx.f.compare(a, b, n) }
func (tx *Tx) VerifyCRC32(addr uint32, length int) (bool, error) {
	return tx.f.verifyCRC32(addr, length)
}

func (f *Flash) checkRange(op string, addr uint32, length int) error {
	if length < 0 || uint64(addr)+uint64(length) > uint64(f.dev.Size()) {
		return &otaerrors.FlashError{Op: op, Address: addr, Length: length, Err: otaerrors.ErrInvalidAddress}
	}
	return nil
}

func (f *Flash) read(addr uint32, p []byte) error {
	if err := f.checkRange("read", addr, len(p)); err != nil {
		return err
	}
	if err := f.dev.ReadAt(p, addr); err != nil {
		return &otaerrors.FlashError{Op: "read", Address: addr, Length: len(p), Err: err}
	}
	return nil
}

func (f *Flash) erase(addr uint32, length int) error {
	if length == 0 {
		return nil
	}
	if err := f.checkRange("erase", addr, length); err != nil {
		return err
	}

	sector := f.geo.SectorSize
	start := addr / sector * sector
	end := addr + uint32(length)
	buf := make([]byte, sector)

	for block := start; block < end; block += sector {
		if err := f.read(block, buf); err != nil {
			return err
		}
		if isBlank(buf) {
			f.logger.Trace("sector already blank, skipping erase", "address", hclog.Fmt("0x%08X", block))
			continue
		}
		if err := f.dev.EraseBlock(block, sector); err != nil {
			return &otaerrors.FlashError{Op: "erase", Address: block, Length: int(sector), Err: err}
		}
		f.logger.Trace("erased sector", "address", hclog.Fmt("0x%08X", block))
	}
	return nil
}

func (f *Flash) write(addr uint32, data []byte) error {
	if err := f.checkRange("write", addr, len(data)); err != nil {
		return err
	}

	verify := make([]byte, f.geo.WriteBurst)
	for off := 0; off < len(data); {
		cur := addr + uint32(off)
		n := uint32(len(data) - off)
		if n > f.geo.WriteBurst {
			n = f.geo.WriteBurst
		}
		if toPage := f.geo.PageSize - cur%f.geo.PageSize; n > toPage {
			n = toPage
		}

		chunk := data[off : off+int(n)]
		if err := f.dev.Program(cur, chunk); err != nil {
			return &otaerrors.FlashError{Op: "write", Address: cur, Length: int(n), Err: err}
		}
		if err := f.dev.ReadAt(verify[:n], cur); err != nil {
			return &otaerrors.FlashError{Op: "verify", Address: cur, Length: int(n), Err: err}
		}
		if !bytes.Equal(verify[:n], chunk) {
			return &otaerrors.FlashError{Op: "verify", Address: cur, Length: int(n),
				Err: fmt.Errorf("read-back mismatch, target not erased")}
		}
		off += int(n)
	}
	return nil
}

func (f *Flash) copy(src, dst uint32, length int) error {
	if err := f.checkRange("copy", src, length); err != nil {
		return err
	}
	if err := f.erase(dst, length); err != nil {
		return err
	}

	buf := make([]byte, CopyBlockSize)
	for off := 0; off < length; off += CopyBlockSize {
		n := min(CopyBlockSize, length-off)
		if err := f.read(src+uint32(off), buf[:n]); err != nil {
			return err
		}
		if err := f.write(dst+uint32(off), buf[:n]); err != nil {
			return err
		}
	}
	return nil
}

func (f *Flash) compare(a, b uint32, length int) (bool, error) {
	if err := f.checkRange("compare", a, length); err != nil {
		return false, err
	}
	if err := f.checkRange("compare", b, length); err != nil {
		return false, err
	}

	bufA := make([]byte, CopyBlockSize)
	bufB := make([]byte, CopyBlockSize)
	for off := 0; off < length; off += CopyBlockSize {
		n := min(CopyBlockSize, length-off)
		if err := f.read(a+uint32(off), bufA[:n]); err != nil {
			return false, err
		}
		if err := f.read(b+uint32(off), bufB[:n]); err != nil {
			return false, err
		}
		if !bytes.Equal(bufA[:n], bufB[:n]) {
			return false, nil
		}
	}
	return true, nil
}

func (f *Flash) verifyCRC32(addr uint32, length int) (bool, error) {
	if err := f.checkRange("crc", addr, length+module.CRCSize); err != nil {
		return false, err
	}

	var crc uint32
	buf := make([]byte, CopyBlockSize)
	for off := 0; off < length; off += CopyBlockSize {
		n := min(CopyBlockSize, length-off)
		if err := f.read(addr+uint32(off), buf[:n]); err != nil {
			return false, err
		}
		crc = module.UpdateCRC32(crc, buf[:n])
	}

	stored := make([]byte, module.CRCSize)
	if err := f.read(addr+uint32(length), stored); err != nil {
		return false, err
	}
	want, err := module.ReadCRC(stored)
	if err != nil {
		return false, err
	}
	return crc == want, nil
}

func isBlank(p []byte) bool {
	for _, b := range p {
		if b != 0xFF {
			return false
		}
	}
	return true
}
