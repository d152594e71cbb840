// Package wheeltest writes small but well-formed wheels for tests.
package wheeltest

import (
	"archive/zip"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"testing"

	"github.com/animus-labs/wheelwright/internal/wheel"
)

type Spec struct {
	Name     string
	Version  string
	Tag      string            // py-abi-plat, defaults to cp312-cp312-manylinux_2_28_x86_64
	Files    map[string]string // extra package files, slash separated
	DataDir  bool              // add a {stem}.data/scripts entry
	Metadata string            // overrides the generated METADATA when set
}

// Write builds the wheel described by s in dir and returns its path.
func Write(t testing.TB, dir string, s Spec) string {
	t.Helper()
	tag := s.Tag
	if tag == "" {
		tag = "cp312-cp312-manylinux_2_28_x86_64"
	}
	parts := strings.SplitN(tag, "-", 3)
	fn := wheel.Filename{Name: s.Name, Version: s.Version, PythonTag: parts[0], ABITag: parts[1], PlatformTag: parts[2]}
	distInfo := fn.DistInfo()

	meta := s.Metadata
	if meta == "" {
		meta = "Metadata-Version: 2.1\nName: " + s.Name + "\nVersion: " + s.Version +
			"\nSummary: A language and compiler for custom deep learning operations\nRequires-Dist: filelock\n\nlong description\n"
	}
	files := map[string]string{
		wheel.EscapeName(s.Name) + "/__init__.py": "__version__ = '" + s.Version + "'\n",
		distInfo + "/METADATA":      meta,
		distInfo + "/WHEEL":         "Wheel-Version: 1.0\nGenerator: bdist_wheel (0.43.0)\nRoot-Is-Purelib: false\nTag: " + tag + "\n",
		distInfo + "/top_level.txt": wheel.EscapeName(s.Name) + "\n",
	}
	for k, v := range s.Files {
		files[k] = v
	}
	if s.DataDir {
		files[wheel.DataDir(s.Name, s.Version)+"/scripts/tool"] = "#!/bin/sh\n"
	}

	names := make([]string, 0, len(files))
	for k := range files {
		names = append(names, k)
	}
	sort.Strings(names)
	var record []wheel.RecordEntry
	for _, n := range names {
		record = append(record, wheel.RecordEntry{Path: n, Hash: wheel.HashBytes([]byte(files[n])), Size: strconv.Itoa(len(files[n]))})
	}
	record = append(record, wheel.RecordEntry{Path: distInfo + "/RECORD"})
	recordRaw, err := wheel.EncodeRecord(record)
	if err != nil {
		t.Fatalf("encode record: %v", err)
	}
	files[distInfo+"/RECORD"] = string(recordRaw)
	names = append(names, distInfo+"/RECORD")

	path := filepath.Join(dir, fn.String())
	out, err := os.Create(path)
	if err != nil {
		t.Fatalf("create wheel: %v", err)
	}
	zw := zip.NewWriter(out)
	for _, n := range names {
		w, err := zw.Create(n)
		if err != nil {
			t.Fatalf("zip create %s: %v", n, err)
		}
		if _, err := w.Write([]byte(files[n])); err != nil {
			t.Fatalf("zip write %s: %v", n, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	if err := out.Close(); err != nil {
		t.Fatalf("close wheel: %v", err)
	}
	return path
}

// Entries returns name -> content for every member of the wheel at path.
func Entries(t testing.TB, path string) map[string]string {
	t.Helper()
	r, err := zip.OpenReader(path)
	if err != nil {
		t.Fatalf("open wheel: %v", err)
	}
	defer r.Close()
	out := map[string]string{}
	for _, f := range r.File {
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("open %s: %v", f.Name, err)
		}
		raw, err := io.ReadAll(rc)
		_ = rc.Close()
		if err != nil {
			t.Fatalf("read %s: %v", f.Name, err)
		}
		out[f.Name] = string(raw)
	}
	return out
}
