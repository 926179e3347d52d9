package pkg

import (
	"fmt"
	"os"

	"github.com/hashicorp/go-hclog"

	"github.com/provide-io/otacore/pkg/logging"
	"github.com/provide-io/otacore/pkg/ota/module"
)

// ImageReport is what an offline inspection learned about an image file.
type ImageReport struct {
	Path      string
	Size      int
	Module    *module.ParsedModule // nil when no header was found
	CRCValid  bool
	HashMatch bool // suffix hash equals SHA-256 of the bytes before the suffix
	Errors    []string
}

// Valid reports whether the image would pass the checks an update session
// applies to its format.
func (r *ImageReport) Valid() bool {
	return r.Module != nil && r.CRCValid
}

// InspectImageWithLogger checks an image file the way an update session
// would, without touching a device.
func InspectImageWithLogger(path string, platformID uint16, logger hclog.Logger) (*ImageReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	rep := &ImageReport{Path: path, Size: len(data)}

	logger.Info("Inspecting module image", "path", path, "size", len(data))

	parsed, err := module.ScanHeader(data, platformID)
	if err != nil {
		rep.Errors = append(rep.Errors, fmt.Sprintf("Header scan failed: %v", err))
		logger.Error("Header scan failed", "error", err)
		return rep, nil
	}
	rep.Module = parsed
	logger.Info("✓ Header found", "offset", parsed.HeaderOffset,
		"module", fmt.Sprintf("%s/%d", parsed.Function, parsed.Index), "version", parsed.Version)

	if err := module.VerifyCRC(data); err != nil {
		rep.Errors = append(rep.Errors, fmt.Sprintf("CRC verification failed: %v", err))
		logger.Error("CRC verification failed", "error", err)
	} else {
		rep.CRCValid = true
		logger.Info("✓ CRC valid", "crc", hclog.Fmt("0x%08X", parsed.CRC))
	}

	body := data[:len(data)-module.SuffixSize-module.CRCSize]
	if module.ContentHash(body) == parsed.Hash {
		rep.HashMatch = true
		logger.Info("✓ Suffix hash matches content")
	} else {
		// the hash is opaque to the update path, so this is informational
		logger.Debug("suffix hash differs from content SHA-256", "hash", parsed.HashString())
	}

	if rep.Valid() {
		logger.Info("✓ Image inspection passed")
	} else {
		logger.Error("✗ Image inspection failed", "error_count", len(rep.Errors))
	}
	return rep, nil
}

// InspectImage inspects an image file using default logger settings
func InspectImage(path string, platformID uint16) (*ImageReport, error) {
	logger := logging.New(logging.Options{Name: "ota-inspect", Level: logging.ResolveLevel("")})
	return InspectImageWithLogger(path, platformID, logger)
}
