package device

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/provide-io/otacore/internal/config"
	"github.com/provide-io/otacore/pkg/ota/boot"
	otaerrors "github.com/provide-io/otacore/pkg/ota/errors"
	"github.com/provide-io/otacore/pkg/ota/module"
	"github.com/provide-io/otacore/pkg/ota/registry"
)

type countingHalter struct{ halts int }

func (h *countingHalter) Halt(context.Context) { h.halts++ }

func testConfig(t *testing.T) *config.Device {
	t.Helper()
	cfg := config.Default()
	cfg.StagingDir = t.TempDir()
	require.NoError(t, cfg.Validate())
	return cfg
}

func firmware(cfg *config.Device, version uint16, fill byte) []byte {
	img := module.Image{
		Header: module.Header{
			StartAddress: cfg.Boot.Address,
			Version:      version,
			PlatformID:   cfg.PlatformID,
			Function:     module.FunctionMonoFirmware,
		},
		Leading: make([]byte, cfg.Boot.HeaderOffset),
		Payload: bytes.Repeat([]byte{fill}, 8192),
	}
	return img.Build()
}

func openDevice(t *testing.T, cfg *config.Device, halter boot.Halter) *Device {
	t.Helper()
	d, err := Open(cfg, Options{Logger: hclog.NewNullLogger(), Halter: halter})
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func pushUpdate(t *testing.T, d *Device, image []byte) otaerrors.Result {
	t.Helper()
	s, err := d.Updater.Begin()
	require.NoError(t, err)
	for off := 0; off < len(image); off += 1000 {
		end := off + 1000
		if end > len(image) {
			end = len(image)
		}
		require.NoError(t, s.Write(int64(off), image[off:end]))
	}
	res, _ := s.End()
	return res
}

func TestBootHandsOffToFactoryImage(t *testing.T) {
	cfg := testConfig(t)
	d := openDevice(t, cfg, &countingHalter{})
	require.NoError(t, d.Install(cfg.Boot.Address, firmware(cfg, 1, 0x11)))

	dec, err := d.Boot(context.Background())
	require.NoError(t, err)
	assert.True(t, dec.HandOff)
	assert.Zero(t, dec.Applied)

	info, ok := d.Store.Registry().Find(module.FunctionMonoFirmware, 0)
	require.True(t, ok)
	assert.Equal(t, registry.ValidationIntegrity|registry.ValidationRange|registry.ValidationPlatform, info.ValidityResult)
	assert.True(t, info.Valid())
}

func TestBootHaltsOnBlankFlash(t *testing.T) {
	cfg := testConfig(t)
	halter := &countingHalter{}
	d := openDevice(t, cfg, halter)

	dec, err := d.Boot(context.Background())
	assert.ErrorIs(t, err, otaerrors.ErrBootHalted)
	assert.False(t, dec.HandOff)
	assert.Equal(t, 1, halter.halts)
}

func TestUpdateAppliedOnNextBoot(t *testing.T) {
	cfg := testConfig(t)
	cfg.StoreDir = t.TempDir()
	cfg.Flash.File = filepath.Join(t.TempDir(), "flash.bin")

	next := firmware(cfg, 2, 0x22)

	d, err := Open(cfg, Options{})
	require.NoError(t, err)
	require.NoError(t, d.Install(cfg.Boot.Address, firmware(cfg, 1, 0x11)))
	assert.Equal(t, otaerrors.AppliedPendingRestart, pushUpdate(t, d, next))
	assert.True(t, d.Store.UpdatePending())

	// the next boot copies the staged image into place
	dec, err := d.Boot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, dec.Applied)
	require.NoError(t, d.Close())

	// reopen: registry and image come back from the store and flash file
	d = openDevice(t, cfg, &countingHalter{})
	assert.False(t, d.Store.UpdatePending())

	installed := make([]byte, len(next))
	require.NoError(t, d.Flash.Read(cfg.Boot.Address, installed))
	assert.Equal(t, next, installed)

	dec, err = d.Boot(context.Background())
	require.NoError(t, err)
	assert.True(t, dec.HandOff)
	assert.Zero(t, dec.Applied)
	assert.Equal(t, uint16(2), dec.Report.Header.Version)

	info, _ := d.Store.Registry().Find(module.FunctionMonoFirmware, 0)
	assert.Equal(t, uint16(2), info.Version)
}

func TestRejectedUpdateLeavesDeviceBootable(t *testing.T) {
	cfg := testConfig(t)
	d := openDevice(t, cfg, &countingHalter{})
	require.NoError(t, d.Install(cfg.Boot.Address, firmware(cfg, 1, 0x11)))

	bad := firmware(cfg, 2, 0x22)
	bad[len(bad)/2] ^= 0x80
	assert.Equal(t, otaerrors.MalformedImage, pushUpdate(t, d, bad))
	assert.False(t, d.Store.UpdatePending())

	dec, err := d.Boot(context.Background())
	require.NoError(t, err)
	assert.True(t, dec.HandOff)
	assert.Equal(t, uint16(1), dec.Report.Header.Version)
}

func TestServerAddressSeededFromConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.ServerAddress = &config.ServerAddress{Host: "192.168.1.20", Port: 5684}
	d := openDevice(t, cfg, nil)

	addr, err := d.Store.ServerAddress()
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.20:5684", addr.HostPort())
}

func TestBootRegion(t *testing.T) {
	cfg := testConfig(t)
	d := openDevice(t, cfg, nil)

	r := d.BootRegion()
	assert.Equal(t, uint32(0x4000), r.Start)
	assert.Equal(t, uint32(0x80000), r.End)
	assert.Equal(t, uint32(0x200), r.HeaderOffset)
}
