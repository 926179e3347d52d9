// Package address encodes the server address record kept in device
// configuration. The record is type-length-value with every integer in
// network byte order, so it reads back the same on any host.
package address

import (
	"fmt"
	"net/netip"

	"github.com/provide-io/otacore/internal/binio"
	otaerrors "github.com/provide-io/otacore/pkg/ota/errors"
)

// Type tags the record's value.
type Type uint8

const (
	TypeIP      Type = 0
	TypeDomain  Type = 1
	TypeInvalid Type = 0xFF
)

func (t Type) String() string {
	switch t {
	case TypeIP:
		return "ip"
	case TypeDomain:
		return "domain"
	default:
		return "invalid"
	}
}

const (
	// MaxDomainLength is the capacity of the domain field.
	MaxDomainLength = 64
	// EncodedSize is the size of the record without trailing padding.
	EncodedSize = 68
	// RecordSize is the size of the slot reserved for the record.
	RecordSize = 128

	valueOffset = 2
	portOffset  = valueOffset + MaxDomainLength
)

// ServerAddress is a decoded server address record.
type ServerAddress struct {
	Type   Type
	Domain string
	IP     uint32
	Port   uint16
}

// Length is the value length carried in the record.
func (a ServerAddress) Length() int {
	if a.Type == TypeIP {
		return 4
	}
	return len(a.Domain)
}

// Encode writes a into buf and returns the number of bytes used. An invalid
// address encodes as a lone type byte.
func (a ServerAddress) Encode(buf []byte) (int, error) {
	if len(buf) < EncodedSize {
		return 0, fmt.Errorf("%w: need %d bytes, have %d", otaerrors.ErrBufferTooSmall, EncodedSize, len(buf))
	}
	if a.Type != TypeIP && a.Type != TypeDomain {
		buf[0] = uint8(TypeInvalid)
		return 1, nil
	}
	if a.Length() > MaxDomainLength {
		return 0, fmt.Errorf("%w: value of %d bytes exceeds %d", otaerrors.ErrBufferTooSmall, a.Length(), MaxDomainLength)
	}

	for i := range buf[:EncodedSize] {
		buf[i] = 0
	}
	w := binio.NewWriter(buf[:EncodedSize])
	// bounds established above
	_ = w.PutU8(uint8(a.Type))
	_ = w.PutU8(uint8(a.Length()))
	if a.Type == TypeIP {
		_ = w.PutU32BE(a.IP)
	} else {
		_ = w.PutBytes([]byte(a.Domain))
	}
	_ = w.Seek(portOffset)
	_ = w.PutU16BE(a.Port)

	return EncodedSize, nil
}

// Decode parses a record. Anything that is not a well-formed IP or domain
// record decodes as TypeInvalid rather than failing.
func Decode(buf []byte) ServerAddress {
	invalid := ServerAddress{Type: TypeInvalid}
	r := binio.NewReader(buf, 0)

	t, err := r.U8()
	if err != nil {
		return invalid
	}
	n, err := r.U8()
	if err != nil {
		return invalid
	}

	var addr ServerAddress
	switch Type(t) {
	case TypeIP:
		ip, err := r.U32BE()
		if err != nil {
			return invalid
		}
		addr = ServerAddress{Type: TypeIP, IP: ip}
	case TypeDomain:
		if int(n) > MaxDomainLength || int(n) > len(buf)-valueOffset {
			return invalid
		}
		domain, err := r.Bytes(int(n))
		if err != nil {
			return invalid
		}
		addr = ServerAddress{Type: TypeDomain, Domain: string(domain)}
	default:
		return invalid
	}

	pr := binio.NewReader(buf, portOffset)
	port, err := pr.U16BE()
	if err != nil {
		return invalid
	}
	addr.Port = port
	return addr
}

// FromString parses a dotted IPv4 address or, failing that, a domain name.
func FromString(s string, port uint16) (ServerAddress, error) {
	if ip, err := netip.ParseAddr(s); err == nil && ip.Is4() {
		b := ip.As4()
		return ServerAddress{
			Type: TypeIP,
			IP:   uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]),
			Port: port,
		}, nil
	}
	if s == "" {
		return ServerAddress{}, fmt.Errorf("%w: empty server address", otaerrors.ErrInvalidAddress)
	}
	if len(s) > MaxDomainLength {
		return ServerAddress{}, fmt.Errorf("%w: domain of %d bytes exceeds %d", otaerrors.ErrBufferTooSmall, len(s), MaxDomainLength)
	}
	return ServerAddress{Type: TypeDomain, Domain: s, Port: port}, nil
}

func (a ServerAddress) String() string {
	switch a.Type {
	case TypeIP:
		return fmt.Sprintf("%d.%d.%d.%d", a.IP>>24&0xff, a.IP>>16&0xff, a.IP>>8&0xff, a.IP&0xff)
	case TypeDomain:
		return a.Domain
	default:
		return ""
	}
}

// HostPort renders the address with its port, as used in logs.
func (a ServerAddress) HostPort() string {
	if a.Type == TypeInvalid {
		return "<invalid>"
	}
	return fmt.Sprintf("%s:%d", a.String(), a.Port)
}
