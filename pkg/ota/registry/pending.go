package registry

import (
	"fmt"

	"github.com/provide-io/otacore/internal/binio"
	"github.com/provide-io/otacore/pkg/ota/module"
)

const (
	// PendingSlotSize is the persisted size of a PendingSlot.
	PendingSlotSize = 24
	// MaxPendingSlots is the number of descriptor slots. Slot 0 is reserved
	// for a factory-reset image and never used by updates.
	MaxPendingSlots = 8
	// FirstUpdateSlot is the first slot available to updates.
	FirstUpdateSlot = 1

	slotMagicPending uint16 = 0xABCD
	slotMagicUnused  uint16 = 0xFFFF
)

// Checks the apply path performs before copying a staged module.
const (
	VerifyCRC              uint8 = 1 << 1
	VerifyDestinationStart uint8 = 1 << 2
	VerifyFunction         uint8 = 1 << 3
	VerifyLength           uint8 = 1 << 4

	VerifyAll = VerifyCRC | VerifyDestinationStart | VerifyFunction | VerifyLength
)

// PendingSlot describes one deferred copy from the staging region to a
// module's final location.
//
// Binary layout (little-endian):
//
//	+0  source address      u32
//	+4  destination address u32
//	+8  length              u32  (CRC included)
//	+12 header offset       u32  (header position inside the image)
//	+16 function            u8
//	+17 verify flags        u8
//	+18 magic               u16  (0xABCD pending, 0xFFFF unused)
//	+20 reserved            u32
type PendingSlot struct {
	Slot         int
	Source       uint32
	Destination  uint32
	Length       uint32
	HeaderOffset uint32
	Function     module.Function
	Flags        uint8
	Magic        uint16
}

// Pending reports whether the slot holds an update still to be applied.
func (p *PendingSlot) Pending() bool { return p.Magic == slotMagicPending }

// Pack serializes the slot to PendingSlotSize bytes.
func (p *PendingSlot) Pack() []byte {
	buf := make([]byte, PendingSlotSize)
	w := binio.NewWriter(buf)
	_ = w.PutU32LE(p.Source)
	_ = w.PutU32LE(p.Destination)
	_ = w.PutU32LE(p.Length)
	_ = w.PutU32LE(p.HeaderOffset)
	_ = w.PutU8(uint8(p.Function))
	_ = w.PutU8(p.Flags)
	_ = w.PutU16LE(p.Magic)
	return buf
}

// UnpackPendingSlot decodes a slot record.
func UnpackPendingSlot(data []byte) (*PendingSlot, error) {
	if len(data) != PendingSlotSize {
		return nil, fmt.Errorf("pending slot record is %d bytes, want %d", len(data), PendingSlotSize)
	}
	r := binio.NewReader(data, 0)
	p := &PendingSlot{}
	// length checked above
	p.Source, _ = r.U32LE()
	p.Destination, _ = r.U32LE()
	p.Length, _ = r.U32LE()
	p.HeaderOffset, _ = r.U32LE()
	fn, _ := r.U8()
	p.Function = module.Function(fn)
	p.Flags, _ = r.U8()
	p.Magic, _ = r.U16LE()
	return p, nil
}

func (p *PendingSlot) String() string {
	return fmt.Sprintf("slot %d: %s 0x%08X -> 0x%08X (%d bytes)", p.Slot, p.Function, p.Source, p.Destination, p.Length)
}
