package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/provide-io/otacore/pkg/ota/module"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "device.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, module.FunctionMonoFirmware, cfg.BootFunction())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
platformId: 12
firmwareVersion: 3100
flash:
  size: 0x200000
boot:
  address: 0x20000
  size: 0x60000
  headerOffset: 0x200
  function: system-part
  index: 1
otaRegion:
  address: 0x100000
  size: 0x100000
serverAddress:
  host: device.example.com
  port: 5684
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, uint16(12), cfg.PlatformID)
	assert.Equal(t, uint16(3100), cfg.FirmwareVersion)
	assert.Equal(t, uint32(0x200000), cfg.Flash.Size)
	assert.Equal(t, uint32(4096), cfg.Flash.SectorSize, "unset keys keep their default")
	assert.Equal(t, uint32(0x20000), cfg.Boot.Address)
	assert.Equal(t, module.FunctionSystemPart, cfg.BootFunction())
	assert.Equal(t, uint8(1), cfg.Boot.Index)
	require.NotNil(t, cfg.ServerAddress)
	assert.Equal(t, uint16(5684), cfg.ServerAddress.Port)
}

func TestLoadErrors(t *testing.T) {
	testCases := []struct {
		name string
		body string
		want error
	}{
		{"unmarshallable", "platformId: [1, 2", ErrConfigFileUnmarshallable},
		{"platform_missing", "platformId: 0", ErrPlatformIDMissing},
		{"flash_size_missing", "flash:\n  size: 0", ErrFlashSizeMissing},
		{"bad_geometry", "flash:\n  pageSize: 300", ErrFlashGeometryInvalid},
		{"boot_past_flash", "boot:\n  size: 0x200000", ErrBootRegionInvalid},
		{"header_offset_outside", "boot:\n  headerOffset: 0x7C000", ErrBootHeaderOffsetInvalid},
		{"boot_function", "boot:\n  function: toaster", ErrBootFunctionInvalid},
		{"boot_function_none", "boot:\n  function: none", ErrBootFunctionInvalid},
		{"ota_unaligned", "otaRegion:\n  address: 0x80100", ErrOTARegionInvalid},
		{"overlap", "otaRegion:\n  address: 0x40000\n  size: 0x40000", ErrRegionOverlap},
		{"server_host_missing", "serverAddress:\n  port: 80", ErrServerAddressHostMissing},
		{"describe_missing", "describeFile: /nonexistent/describe.json", ErrDescribeFileNotFound},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestLoadUnreadable(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, ErrConfigFileUnreadable)
}

func TestSaveRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.StoreDir = "/var/lib/otacore"
	cfg.ServerAddress = &ServerAddress{Host: "10.0.0.1", Port: 5683}

	path := filepath.Join(t.TempDir(), "device.yaml")
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}
