// Package pkg is the entry point used by the otactl and otaboot binaries.
package pkg

import (
	"fmt"
	"math/rand"
	"os"

	"github.com/hashicorp/go-hclog"

	"github.com/provide-io/otacore/internal/config"
	"github.com/provide-io/otacore/internal/device"
	"github.com/provide-io/otacore/pkg/ota/boot"
	otaerrors "github.com/provide-io/otacore/pkg/ota/errors"
	"github.com/provide-io/otacore/pkg/ota/registry"
)

// DefaultChunkSize is the transfer chunk used when none is given.
const DefaultChunkSize = 512

// LoadConfig reads the device file at path, or returns the built-in
// virtual device when path is empty.
func LoadConfig(path string) (*config.Device, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// OpenDevice opens the device described by cfg.
func OpenDevice(cfg *config.Device, logger hclog.Logger, halter boot.Halter) (*device.Device, error) {
	return device.Open(cfg, device.Options{Logger: logger, Halter: halter})
}

// Describe returns the device's describe document.
func Describe(d *device.Device) ([]byte, error) {
	return registry.EncodeDescribe(d.Store.Registry())
}

// UpdateOptions controls how an image file is fed to an update session.
type UpdateOptions struct {
	ChunkSize int
	Shuffle   bool  // deliver chunks out of order
	Seed      int64 // shuffle seed
	Force     bool  // abort a session this device left open instead of failing
}

// UpdateFromFile streams the image at path through one update session.
func UpdateFromFile(d *device.Device, path string, opts UpdateOptions) (otaerrors.Result, error) {
	image, err := os.ReadFile(path)
	if err != nil {
		return otaerrors.IoError, fmt.Errorf("%w: %v", otaerrors.ErrIO, err)
	}
	return Update(d, image, opts)
}

// Update streams image through one update session.
func Update(d *device.Device, image []byte, opts UpdateOptions) (otaerrors.Result, error) {
	chunk := opts.ChunkSize
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}

	if opts.Force {
		d.Updater.Abort()
	}
	s, err := d.Updater.Begin()
	if err != nil {
		return otaerrors.ResultOf(err), err
	}

	var offsets []int
	for off := 0; off < len(image); off += chunk {
		offsets = append(offsets, off)
	}
	if opts.Shuffle {
		rnd := rand.New(rand.NewSource(opts.Seed))
		rnd.Shuffle(len(offsets), func(i, j int) { offsets[i], offsets[j] = offsets[j], offsets[i] })
	}

	for _, off := range offsets {
		end := off + chunk
		if end > len(image) {
			end = len(image)
		}
		if err := s.Write(int64(off), image[off:end]); err != nil {
			s.Abandon()
			return otaerrors.ResultOf(err), err
		}
	}
	return s.End()
}
