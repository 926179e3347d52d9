package module

import "fmt"

// Function identifies what a firmware module is for.
type Function uint8

const (
	FunctionNone Function = iota
	FunctionResource
	FunctionBootloader
	FunctionMonoFirmware
	FunctionSystemPart
	FunctionUserPart
	FunctionSettings
	FunctionNCPFirmware
	FunctionRadioStack
	FunctionAsset
)

var functionNames = map[Function]string{
	FunctionNone:         "none",
	FunctionResource:     "resource",
	FunctionBootloader:   "bootloader",
	FunctionMonoFirmware: "mono-firmware",
	FunctionSystemPart:   "system-part",
	FunctionUserPart:     "user-part",
	FunctionSettings:     "settings",
	FunctionNCPFirmware:  "ncp-firmware",
	FunctionRadioStack:   "radio-stack",
	FunctionAsset:        "asset",
}

// short codes used by the persisted describe document
var functionCodes = map[Function]string{
	FunctionNone:         "n",
	FunctionResource:     "r",
	FunctionBootloader:   "b",
	FunctionMonoFirmware: "m",
	FunctionSystemPart:   "s",
	FunctionUserPart:     "u",
	FunctionSettings:     "t",
	FunctionNCPFirmware:  "c",
	FunctionRadioStack:   "a",
	FunctionAsset:        "as",
}

// Valid reports whether f names an installable module. FunctionNone is not
// valid as a module's own function; it only appears as a dependency sentinel.
func (f Function) Valid() bool {
	return f > FunctionNone && f <= FunctionAsset
}

func (f Function) String() string {
	if name, ok := functionNames[f]; ok {
		return name
	}
	return fmt.Sprintf("function(%d)", uint8(f))
}

// Code returns the short describe-document code for f.
func (f Function) Code() string {
	if code, ok := functionCodes[f]; ok {
		return code
	}
	return "_"
}

// ParseFunction accepts either the long name or the short code.
func ParseFunction(s string) (Function, error) {
	for f, name := range functionNames {
		if name == s {
			return f, nil
		}
	}
	for f, code := range functionCodes {
		if code == s {
			return f, nil
		}
	}
	return FunctionNone, fmt.Errorf("unknown module function %q", s)
}
