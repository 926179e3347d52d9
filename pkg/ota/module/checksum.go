package module

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	otaerrors "github.com/provide-io/otacore/pkg/ota/errors"
)

// CRC32 computes the module CRC (IEEE polynomial, as used by zlib).
func CRC32(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}

// UpdateCRC32 continues a CRC computed over earlier blocks.
func UpdateCRC32(crc uint32, data []byte) uint32 {
	return crc32.Update(crc, crc32.IEEETable, data)
}

// ReadCRC returns the big-endian CRC-32 stored in the last four bytes.
func ReadCRC(image []byte) (uint32, error) {
	if len(image) < CRCSize {
		return 0, fmt.Errorf("%w: image of %d bytes has no CRC", otaerrors.ErrMalformedImage, len(image))
	}
	return binary.BigEndian.Uint32(image[len(image)-CRCSize:]), nil
}

// VerifyCRC checks the trailing CRC-32 against the bytes that precede it.
func VerifyCRC(image []byte) error {
	stored, err := ReadCRC(image)
	if err != nil {
		return err
	}
	computed := CRC32(image[:len(image)-CRCSize])
	if stored != computed {
		return fmt.Errorf("%w: crc mismatch: stored 0x%08X, computed 0x%08X",
			otaerrors.ErrMalformedImage, stored, computed)
	}
	return nil
}

// ContentHash is the SHA-256 digest stored in a module suffix.
func ContentHash(data []byte) [HashSize]byte {
	return sha256.Sum256(data)
}
