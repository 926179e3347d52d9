// Package config loads the YAML description of a device: its platform,
// the flash layout and where the update machinery keeps its state.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/provide-io/otacore/pkg/ota/module"
)

type Flash struct {
	File       string `yaml:"file,omitempty"` // backing file; empty emulates flash in memory
	Size       uint32 `yaml:"size"`
	SectorSize uint32 `yaml:"sectorSize"`
	PageSize   uint32 `yaml:"pageSize"`
	WriteBurst uint32 `yaml:"writeBurst"`
}

type Region struct {
	Address uint32 `yaml:"address"`
	Size    uint32 `yaml:"size"`
}

// End is the first address past the region.
func (r Region) End() uint64 {
	return uint64(r.Address) + uint64(r.Size)
}

func (r Region) overlaps(o Region) bool {
	return uint64(r.Address) < o.End() && uint64(o.Address) < r.End()
}

type Boot struct {
	Region       `yaml:",inline"`
	HeaderOffset uint32 `yaml:"headerOffset"`
	Function     string `yaml:"function"` // registry entry that receives the validity flags
	Index        uint8  `yaml:"index"`
}

type ServerAddress struct {
	Host string `yaml:"host"`
	Port uint16 `yaml:"port"`
}

type Device struct {
	PlatformID      uint16         `yaml:"platformId"`
	FirmwareVersion uint16         `yaml:"firmwareVersion"`
	LogLevel        string         `yaml:"logLevel,omitempty"`
	Flash           Flash          `yaml:"flash"`
	Boot            Boot           `yaml:"boot"`
	OTARegion       Region         `yaml:"otaRegion"`
	StoreDir        string         `yaml:"storeDir,omitempty"`   // badger directory; empty keeps the registry in memory
	StagingDir      string         `yaml:"stagingDir,omitempty"` // empty uses the user cache directory
	DescribeFile    string         `yaml:"describeFile,omitempty"`
	ServerAddress   *ServerAddress `yaml:"serverAddress,omitempty"`
}

var (
	ErrConfigFileUnreadable     = errors.New("config file is unreadable")
	ErrConfigFileUnmarshallable = errors.New("config file is unmarshallable")
	ErrPlatformIDMissing        = errors.New("platformId is missing in config")
	ErrFlashSizeMissing         = errors.New("flash.size is missing in config")
	ErrFlashGeometryInvalid     = errors.New("flash geometry is invalid: sectorSize must be a multiple of pageSize, writeBurst must divide pageSize")
	ErrBootRegionInvalid        = errors.New("boot region is empty or does not fit in flash")
	ErrBootHeaderOffsetInvalid  = errors.New("boot.headerOffset lies outside the boot region")
	ErrBootFunctionInvalid      = errors.New("boot.function is not a module function")
	ErrOTARegionInvalid         = errors.New("otaRegion is empty, unaligned or does not fit in flash")
	ErrRegionOverlap            = errors.New("boot region and otaRegion overlap")
	ErrServerAddressHostMissing = errors.New("serverAddress.host is missing in config")
	ErrDescribeFileNotFound     = errors.New("describeFile does not exist")
)

// Default describes a 1 MiB virtual device with a monolithic application
// in the first half of flash and the OTA region in the second.
func Default() *Device {
	return &Device{
		PlatformID:      32,
		FirmwareVersion: 1,
		LogLevel:        "warn",
		Flash: Flash{
			Size:       1 << 20,
			SectorSize: 4096,
			PageSize:   256,
			WriteBurst: 8,
		},
		Boot: Boot{
			Region:       Region{Address: 0x4000, Size: 0x7C000},
			HeaderOffset: 0x200,
			Function:     module.FunctionMonoFirmware.String(),
			Index:        0,
		},
		OTARegion: Region{Address: 0x80000, Size: 0x80000},
	}
}

// Load reads a device file. Keys absent from the file keep their Default
// values.
func Load(path string) (*Device, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigFileUnreadable, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigFileUnmarshallable, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg as YAML.
func (cfg *Device) Save(path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate checks the layout for consistency.
func (cfg *Device) Validate() error {
	if cfg.PlatformID == 0 {
		return ErrPlatformIDMissing
	}

	f := cfg.Flash
	if f.Size == 0 {
		return ErrFlashSizeMissing
	}
	if f.SectorSize == 0 || f.PageSize == 0 || f.WriteBurst == 0 ||
		f.SectorSize%f.PageSize != 0 || f.PageSize%f.WriteBurst != 0 || f.Size%f.SectorSize != 0 {
		return ErrFlashGeometryInvalid
	}

	b := cfg.Boot
	if b.Size == 0 || b.End() > uint64(f.Size) {
		return ErrBootRegionInvalid
	}
	if b.HeaderOffset+module.HeaderSize > b.Size {
		return ErrBootHeaderOffsetInvalid
	}
	if fn, err := module.ParseFunction(b.Function); err != nil || !fn.Valid() {
		return ErrBootFunctionInvalid
	}

	o := cfg.OTARegion
	if o.Size == 0 || o.End() > uint64(f.Size) || o.Address%f.SectorSize != 0 {
		return ErrOTARegionInvalid
	}
	if b.overlaps(o) {
		return ErrRegionOverlap
	}

	if cfg.ServerAddress != nil && cfg.ServerAddress.Host == "" {
		return ErrServerAddressHostMissing
	}
	if cfg.DescribeFile != "" {
		if _, err := os.Stat(cfg.DescribeFile); os.IsNotExist(err) {
			return ErrDescribeFileNotFound
		}
	}
	return nil
}

// BootFunction returns the parsed boot.function. Call after Validate.
func (cfg *Device) BootFunction() module.Function {
	fn, _ := module.ParseFunction(cfg.Boot.Function)
	return fn
}
