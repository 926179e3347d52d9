// Package module implements the on-flash firmware module format: the
// fixed-layout prefix (header), the trailing suffix carrying the content
// hash, and the big-endian CRC-32 word that closes every image.
package module

import (
	"encoding/hex"
	"fmt"

	"github.com/provide-io/otacore/internal/binio"
	otaerrors "github.com/provide-io/otacore/pkg/ota/errors"
)

// Suffix is the trailer placed immediately before the CRC-32.
type Suffix struct {
	Reserved uint16
	Hash     [HashSize]byte
	Size     uint16
}

// ParsedModule is a staged image whose header and trailer were located and
// passed the consistency checks.
type ParsedModule struct {
	Header
	HeaderOffset int // where the header was found inside the image
	Hash         [HashSize]byte
	SuffixSize   uint16
	CRC          uint32 // trailing CRC-32 as stored
	ImageSize    int
}

// HashString returns the content hash in upper-case hex.
func (p *ParsedModule) HashString() string {
	return fmt.Sprintf("%X", p.Hash[:])
}

// ScanHeader locates the module header inside a staged image.
//
// The header offset inside a transferred image is not fixed, so every byte
// offset in the first min(ScanWindow, size-SuffixSize-CRCSize) bytes is
// tried and the first offset passing every predicate wins.
func ScanHeader(image []byte, platformID uint16) (*ParsedModule, error) {
	size := len(image)
	if size <= HeaderSize+SuffixSize+CRCSize {
		return nil, fmt.Errorf("%w: image of %d bytes is too small", otaerrors.ErrMalformedImage, size)
	}

	window := size - SuffixSize - CRCSize
	if window > ScanWindow {
		window = ScanWindow
	}

	for off := 0; off < window; off++ {
		h, err := UnpackHeader(image, off)
		if err != nil {
			// the remaining offsets cannot hold a whole header either
			break
		}
		if h.Check(size, platformID) != nil {
			continue
		}

		suffix, err := ReadSuffix(image)
		if err != nil {
			return nil, err
		}
		crc, err := ReadCRC(image)
		if err != nil {
			return nil, err
		}
		return &ParsedModule{
			Header:       *h,
			HeaderOffset: off,
			Hash:         suffix.Hash,
			SuffixSize:   suffix.Size,
			CRC:          crc,
			ImageSize:    size,
		}, nil
	}

	return nil, fmt.Errorf("%w: no module header in first %d bytes", otaerrors.ErrMalformedImage, window)
}

// ReadSuffix decodes the suffix that precedes the trailing CRC-32.
func ReadSuffix(image []byte) (*Suffix, error) {
	off := len(image) - CRCSize - SuffixSize
	if off < 0 {
		return nil, fmt.Errorf("%w: image of %d bytes has no room for a suffix", otaerrors.ErrMalformedImage, len(image))
	}

	r := binio.NewReader(image, off)
	s := &Suffix{}
	var err error
	if s.Reserved, err = r.U16LE(); err != nil {
		return nil, fmt.Errorf("%w: %v", otaerrors.ErrMalformedImage, err)
	}
	hash, err := r.Bytes(HashSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", otaerrors.ErrMalformedImage, err)
	}
	copy(s.Hash[:], hash)
	if s.Size, err = r.U16LE(); err != nil {
		return nil, fmt.Errorf("%w: %v", otaerrors.ErrMalformedImage, err)
	}
	return s, nil
}

// Pack serializes the suffix to exactly SuffixSize bytes.
func (s *Suffix) Pack() []byte {
	buf := make([]byte, SuffixSize)
	w := binio.NewWriter(buf)
	// SuffixSize-byte buffer, the writes cannot overflow
	_ = w.PutU16LE(s.Reserved)
	_ = w.PutBytes(s.Hash[:])
	_ = w.PutU16LE(s.Size)
	return buf
}

// ParseHash decodes a hex content hash, as printed by HashString.
func ParseHash(s string) ([HashSize]byte, error) {
	var out [HashSize]byte
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, err
	}
	if len(b) != HashSize {
		return out, fmt.Errorf("hash must be %d bytes, got %d", HashSize, len(b))
	}
	copy(out[:], b)
	return out, nil
}
