package module

import "encoding/binary"

// Image describes a module image to assemble.
type Image struct {
	Header  Header // EndAddress is derived by Build
	Leading []byte // bytes placed before the header (vector table, framing)
	Payload []byte
	Hash    *[HashSize]byte // nil hashes everything before the suffix
}

// Build lays out Leading, header, Payload and suffix, then appends the
// big-endian CRC-32 over all of it. The header's EndAddress is set so that
// end - start covers everything but the CRC.
func (img *Image) Build() []byte {
	bodyLen := len(img.Leading) + HeaderSize + len(img.Payload) + SuffixSize

	h := img.Header
	h.EndAddress = h.StartAddress + uint32(bodyLen)

	out := make([]byte, 0, bodyLen+CRCSize)
	out = append(out, img.Leading...)
	out = append(out, h.Pack()...)
	out = append(out, img.Payload...)

	suffix := Suffix{Size: SuffixSize}
	if img.Hash != nil {
		suffix.Hash = *img.Hash
	} else {
		suffix.Hash = ContentHash(out)
	}
	out = append(out, suffix.Pack()...)

	return binary.BigEndian.AppendUint32(out, CRC32(out))
}
