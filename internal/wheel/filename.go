// Package wheel reads and writes binary wheel archives: the PEP 427 file
// name, the METADATA header, the RECORD manifest, and the unpack/pack round
// trip used when a built wheel has to be renamed.
package wheel

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	ErrInvalidFilename = errors.New("invalid_wheel_filename")
	ErrMetadataField   = errors.New("metadata_field_missing")
)

const Ext = ".whl"

var nameSeparators = regexp.MustCompile(`[-_.]+`)

// Filename is a parsed wheel file name:
// {name}-{version}(-{build})?-{python}-{abi}-{platform}.whl
type Filename struct {
	Name        string
	Version     string
	BuildTag    string
	PythonTag   string
	ABITag      string
	PlatformTag string
}

func ParseFilename(path string) (Filename, error) {
	base := filepath.Base(path)
	if !strings.HasSuffix(base, Ext) {
		return Filename{}, fmt.Errorf("%w: %q: missing %s suffix", ErrInvalidFilename, base, Ext)
	}
	parts := strings.Split(strings.TrimSuffix(base, Ext), "-")
	var f Filename
	switch len(parts) {
	case 5:
		f = Filename{Name: parts[0], Version: parts[1], PythonTag: parts[2], ABITag: parts[3], PlatformTag: parts[4]}
	case 6:
		f = Filename{Name: parts[0], Version: parts[1], BuildTag: parts[2], PythonTag: parts[3], ABITag: parts[4], PlatformTag: parts[5]}
	default:
		return Filename{}, fmt.Errorf("%w: %q: want 5 or 6 dash-separated fields, got %d", ErrInvalidFilename, base, len(parts))
	}
	for _, p := range parts {
		if p == "" {
			return Filename{}, fmt.Errorf("%w: %q: empty field", ErrInvalidFilename, base)
		}
	}
	return f, nil
}

func (f Filename) String() string {
	parts := []string{EscapeName(f.Name), EscapeVersion(f.Version)}
	if f.BuildTag != "" {
		parts = append(parts, f.BuildTag)
	}
	parts = append(parts, f.PythonTag, f.ABITag, f.PlatformTag)
	return strings.Join(parts, "-") + Ext
}

// DistInfo is the name of the metadata directory inside the archive.
func (f Filename) DistInfo() string {
	return DistInfoDir(f.Name, f.Version)
}

// Stem is the "{name}-{version}" prefix shared by the unpack directory,
// .dist-info and .data.
func (f Filename) Stem() string {
	return Stem(f.Name, f.Version)
}

func Stem(name, version string) string {
	return EscapeName(name) + "-" + EscapeVersion(version)
}

func DistInfoDir(name, version string) string {
	return Stem(name, version) + ".dist-info"
}

func DataDir(name, version string) string {
	return Stem(name, version) + ".data"
}

// EscapeName replaces runs of '-', '_' and '.' with a single underscore, the
// form distribution names take in file and directory names.
func EscapeName(name string) string {
	return nameSeparators.ReplaceAllString(strings.TrimSpace(name), "_")
}

func EscapeVersion(version string) string {
	return strings.ReplaceAll(strings.TrimSpace(version), "-", "_")
}

// SameName compares distribution names after escaping, case-insensitively.
func SameName(a, b string) bool {
	return strings.EqualFold(EscapeName(a), EscapeName(b))
}
