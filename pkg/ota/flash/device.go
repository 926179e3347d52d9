package flash

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
)

// Device is raw NOR-style storage. Program can only clear bits; EraseBlock
// sets a whole erase block back to 0xFF. Implementations need not be safe
// for concurrent use; Flash serializes every call.
type Device interface {
	Size() uint32
	ReadAt(p []byte, addr uint32) error
	Program(addr uint32, data []byte) error
	EraseBlock(addr uint32, blockSize uint32) error
}

// MemDevice is an in-memory Device that counts erase cycles.
type MemDevice struct {
	data        []byte
	eraseCycles atomic.Int64
}

// NewMemDevice returns a blank (all 0xFF) device of size bytes.
func NewMemDevice(size uint32) *MemDevice {
	d := &MemDevice{data: make([]byte, size)}
	fill(d.data)
	return d
}

func (d *MemDevice) Size() uint32 { return uint32(len(d.data)) }

func (d *MemDevice) ReadAt(p []byte, addr uint32) error {
	if err := d.check(addr, len(p)); err != nil {
		return err
	}
	copy(p, d.data[addr:])
	return nil
}

func (d *MemDevice) Program(addr uint32, data []byte) error {
	if err := d.check(addr, len(data)); err != nil {
		return err
	}
	for i, b := range data {
		d.data[int(addr)+i] &= b
	}
	return nil
}

func (d *MemDevice) EraseBlock(addr uint32, blockSize uint32) error {
	if err := d.check(addr, int(blockSize)); err != nil {
		return err
	}
	fill(d.data[addr : addr+blockSize])
	d.eraseCycles.Add(1)
	return nil
}

// EraseCycles returns the number of block erases performed so far.
func (d *MemDevice) EraseCycles() int64 { return d.eraseCycles.Load() }

func (d *MemDevice) check(addr uint32, n int) error {
	if uint64(addr)+uint64(n) > uint64(len(d.data)) {
		return fmt.Errorf("range 0x%08X+%d outside %d-byte device", addr, n, len(d.data))
	}
	return nil
}

// FileDevice emulates flash on top of a regular file. Bytes past the end of
// the file read as 0xFF, so a missing or short file is a blank device.
type FileDevice struct {
	f    *os.File
	size uint32
}

// OpenFileDevice opens (creating if needed) the backing file at path.
func OpenFileDevice(path string, size uint32) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open flash file: %w", err)
	}
	return &FileDevice{f: f, size: size}, nil
}

func (d *FileDevice) Size() uint32 { return d.size }

// Close releases the backing file.
func (d *FileDevice) Close() error { return d.f.Close() }

func (d *FileDevice) ReadAt(p []byte, addr uint32) error {
	if uint64(addr)+uint64(len(p)) > uint64(d.size) {
		return fmt.Errorf("range 0x%08X+%d outside %d-byte device", addr, len(p), d.size)
	}
	fill(p)
	n, err := d.f.ReadAt(p, int64(addr))
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	// ReadAt may have clobbered the tail with a partial read; restore blank bytes
	fill(p[n:])
	return nil
}

func (d *FileDevice) Program(addr uint32, data []byte) error {
	cur := make([]byte, len(data))
	if err := d.ReadAt(cur, addr); err != nil {
		return err
	}
	if err := d.padTo(int64(addr)); err != nil {
		return err
	}
	for i := range cur {
		cur[i] &= data[i]
	}
	_, err := d.f.WriteAt(cur, int64(addr))
	return err
}

func (d *FileDevice) EraseBlock(addr uint32, blockSize uint32) error {
	if uint64(addr)+uint64(blockSize) > uint64(d.size) {
		return fmt.Errorf("block 0x%08X+%d outside %d-byte device", addr, blockSize, d.size)
	}
	st, err := d.f.Stat()
	if err != nil {
		return err
	}
	// never grow the file on erase
	end := int64(addr) + int64(blockSize)
	if end > st.Size() {
		end = st.Size()
	}
	if int64(addr) >= end {
		return nil
	}
	blank := make([]byte, end-int64(addr))
	fill(blank)
	_, err = d.f.WriteAt(blank, int64(addr))
	return err
}

// padTo extends the file with 0xFF up to off.
func (d *FileDevice) padTo(off int64) error {
	st, err := d.f.Stat()
	if err != nil {
		return err
	}
	if st.Size() >= off {
		return nil
	}
	blank := make([]byte, off-st.Size())
	fill(blank)
	_, err = d.f.WriteAt(blank, st.Size())
	return err
}

func fill(p []byte) {
	for i := range p {
		p[i] = 0xFF
	}
}
