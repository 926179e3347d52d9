package module

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	otaerrors "github.com/provide-io/otacore/pkg/ota/errors"
)

const testPlatform = 32

func testHeader() Header {
	return Header{
		StartAddress: 0x00030000,
		Version:      4,
		PlatformID:   testPlatform,
		Function:     FunctionUserPart,
		Index:        1,
		Dependencies: [2]Dependency{
			{Function: FunctionSystemPart, Index: 1, Version: 5},
			{},
		},
	}
}

func TestScanHeaderTooSmall(t *testing.T) {
	for _, size := range []int{0, 1, HeaderSize, HeaderSize + SuffixSize, HeaderSize + SuffixSize + CRCSize} {
		t.Run(fmt.Sprintf("size_%d", size), func(t *testing.T) {
			_, err := ScanHeader(make([]byte, size), testPlatform)
			assert.ErrorIs(t, err, otaerrors.ErrMalformedImage)
		})
	}
}

func TestScanHeaderRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte{0x5A}, 512)

	for _, offset := range []int{0, 1, 7, 256, 4095} {
		t.Run(fmt.Sprintf("offset_%d", offset), func(t *testing.T) {
			img := Image{
				Header:  testHeader(),
				Leading: bytes.Repeat([]byte{0x00}, offset),
				Payload: payload,
			}
			data := img.Build()

			parsed, err := ScanHeader(data, testPlatform)
			require.NoError(t, err)

			want := img.Header
			want.EndAddress = want.StartAddress + uint32(len(data)-CRCSize)
			assert.Equal(t, want, parsed.Header)
			assert.Equal(t, offset, parsed.HeaderOffset)
			assert.Equal(t, len(data), parsed.ImageSize)
			assert.Equal(t, uint16(SuffixSize), parsed.SuffixSize)
			assert.Equal(t, ContentHash(data[:len(data)-SuffixSize-CRCSize]), parsed.Hash)
			assert.NoError(t, VerifyCRC(data))
		})
	}
}

func TestScanHeaderFirstMatchWins(t *testing.T) {
	genuine := testHeader()
	genuine.Version = 9

	img := Image{Header: genuine, Leading: make([]byte, 64), Payload: make([]byte, 128)}
	data := img.Build()
	end := genuine.StartAddress + uint32(len(data)-CRCSize)

	// plant an accidental header at offset 8 that satisfies every predicate
	decoy := genuine
	decoy.EndAddress = end
	decoy.Version = 1
	copy(data[8:], decoy.Pack())

	parsed, err := ScanHeader(data, testPlatform)
	require.NoError(t, err)
	assert.Equal(t, 8, parsed.HeaderOffset)
	assert.Equal(t, uint16(1), parsed.Version)
}

func TestScanHeaderRejects(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(h *Header)
	}{
		{"wrong_platform", func(h *Header) { h.PlatformID = testPlatform + 1 }},
		{"none_function", func(h *Header) { h.Function = FunctionNone }},
		{"unknown_function", func(h *Header) { h.Function = Function(200) }},
		{"bad_dependency_function", func(h *Header) { h.Dependencies[0].Function = Function(99) }},
		{"none_dependency_with_version", func(h *Header) { h.Dependencies[1] = Dependency{Version: 3} }},
		{"none_dependency_with_index", func(h *Header) { h.Dependencies[1] = Dependency{Index: 2} }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			h := testHeader()
			tc.mutate(&h)
			img := Image{Header: h, Payload: make([]byte, 100)}
			_, err := ScanHeader(img.Build(), testPlatform)
			assert.ErrorIs(t, err, otaerrors.ErrMalformedImage)
		})
	}
}

func TestScanHeaderSizeMismatch(t *testing.T) {
	img := Image{Header: testHeader(), Payload: make([]byte, 100)}
	data := img.Build()
	// one stray trailing byte breaks end-start+4 == size
	data = append(data, 0xFF)
	_, err := ScanHeader(data, testPlatform)
	assert.ErrorIs(t, err, otaerrors.ErrMalformedImage)
}

func TestScanHeaderOutsideWindow(t *testing.T) {
	img := Image{Header: testHeader(), Leading: make([]byte, ScanWindow), Payload: make([]byte, 64)}
	_, err := ScanHeader(img.Build(), testPlatform)
	assert.ErrorIs(t, err, otaerrors.ErrMalformedImage)
}

func TestScanHeaderGarbage(t *testing.T) {
	garbage := bytes.Repeat([]byte{0xDE, 0xAD, 0xBE, 0xEF}, 1024)
	_, err := ScanHeader(garbage, testPlatform)
	assert.ErrorIs(t, err, otaerrors.ErrMalformedImage)
}

func TestReadSuffix(t *testing.T) {
	hash := [HashSize]byte{1, 2, 3, 4}
	img := Image{Header: testHeader(), Payload: make([]byte, 10), Hash: &hash}
	data := img.Build()

	s, err := ReadSuffix(data)
	require.NoError(t, err)
	assert.Equal(t, hash, s.Hash)
	assert.Equal(t, uint16(SuffixSize), s.Size)

	_, err = ReadSuffix(data[:SuffixSize])
	assert.ErrorIs(t, err, otaerrors.ErrMalformedImage)
}

func TestVerifyCRCDetectsBitFlip(t *testing.T) {
	img := Image{Header: testHeader(), Payload: make([]byte, 256)}
	data := img.Build()
	require.NoError(t, VerifyCRC(data))

	data[HeaderSize+17] ^= 0x04
	assert.ErrorIs(t, VerifyCRC(data), otaerrors.ErrMalformedImage)

	_, err := ReadCRC([]byte{1, 2})
	assert.ErrorIs(t, err, otaerrors.ErrMalformedImage)
}

func TestHashStringRoundTrip(t *testing.T) {
	p := ParsedModule{Hash: ContentHash([]byte("module"))}
	h, err := ParseHash(p.HashString())
	require.NoError(t, err)
	assert.Equal(t, p.Hash, h)

	_, err = ParseHash("ABCD")
	assert.Error(t, err)
}
