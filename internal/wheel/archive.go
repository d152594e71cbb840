package wheel

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// maxEntryBytes bounds a single archive member. Compiler wheels carry large
// shared objects, so the limit is generous.
const maxEntryBytes = int64(4 << 30)

// Unpack extracts the wheel at src into destDir/{name}-{version}, the same
// layout `wheel unpack` produces, and returns that directory.
func Unpack(src, destDir string) (string, error) {
	fn, err := ParseFilename(src)
	if err != nil {
		return "", err
	}
	reader, err := zip.OpenReader(src)
	if err != nil {
		return "", fmt.Errorf("open zip: %w", err)
	}
	defer func() {
		_ = reader.Close()
	}()

	root := filepath.Join(destDir, fn.Stem())
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", fmt.Errorf("create unpack dir: %w", err)
	}
	for _, file := range reader.File {
		if err := extract(file, root); err != nil {
			return "", err
		}
	}
	return root, nil
}

func extract(file *zip.File, root string) error {
	target, err := safeJoin(root, file.Name)
	if err != nil {
		return err
	}
	if file.FileInfo().IsDir() {
		return os.MkdirAll(target, 0o755)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create dir for %s: %w", file.Name, err)
	}
	mode := file.Mode().Perm()
	if mode == 0 {
		mode = 0o644
	}
	in, err := file.Open()
	if err != nil {
		return fmt.Errorf("open %s: %w", file.Name, err)
	}
	defer func() {
		_ = in.Close()
	}()
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("create %s: %w", file.Name, err)
	}
	n, copyErr := io.Copy(out, io.LimitReader(in, maxEntryBytes+1))
	closeErr := out.Close()
	if copyErr != nil {
		return fmt.Errorf("extract %s: %w", file.Name, copyErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close %s: %w", file.Name, closeErr)
	}
	if n > maxEntryBytes {
		return fmt.Errorf("extract %s: entry too large", file.Name)
	}
	return nil
}

func safeJoin(root, name string) (string, error) {
	slashed := strings.ReplaceAll(name, "\\", "/")
	if slashed == "" || path.IsAbs(slashed) {
		return "", fmt.Errorf("unsafe archive path %q", name)
	}
	clean := path.Clean(slashed)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("unsafe archive path %q", name)
	}
	return filepath.Join(root, filepath.FromSlash(clean)), nil
}

// FindDistInfo returns the single top-level *.dist-info directory name in dir.
func FindDistInfo(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("read unpacked wheel: %w", err)
	}
	var found []string
	for _, e := range entries {
		if e.IsDir() && strings.HasSuffix(e.Name(), ".dist-info") {
			found = append(found, e.Name())
		}
	}
	switch len(found) {
	case 0:
		return "", errors.New("no .dist-info directory in wheel")
	case 1:
		return found[0], nil
	default:
		return "", fmt.Errorf("multiple .dist-info directories in wheel: %v", found)
	}
}

// Pack builds a wheel from an unpacked directory into outDir, naming the file
// from the .dist-info directory and the tags declared in its WHEEL file. The
// RECORD file is regenerated. Returns the path of the written wheel.
func Pack(dir, outDir string) (string, error) {
	distInfo, err := FindDistInfo(dir)
	if err != nil {
		return "", err
	}
	stem := strings.TrimSuffix(distInfo, ".dist-info")
	name, version, ok := strings.Cut(stem, "-")
	if !ok || name == "" || version == "" {
		return "", fmt.Errorf("malformed dist-info directory %q", distInfo)
	}
	wheelRaw, err := os.ReadFile(filepath.Join(dir, distInfo, "WHEEL"))
	if err != nil {
		return "", fmt.Errorf("read WHEEL: %w", err)
	}
	wheelMeta, err := ParseMetadata(wheelRaw)
	if err != nil {
		return "", fmt.Errorf("parse WHEEL: %w", err)
	}
	py, abi, plat, err := compressTags(wheelMeta.All("Tag"))
	if err != nil {
		return "", err
	}
	build, _ := wheelMeta.Get("Build")

	fn := Filename{Name: name, Version: version, BuildTag: build, PythonTag: py, ABITag: abi, PlatformTag: plat}
	outPath := filepath.Join(outDir, fn.String())
	if err := writeArchive(dir, distInfo, outPath); err != nil {
		_ = os.Remove(outPath)
		return "", err
	}
	return outPath, nil
}

func writeArchive(dir, distInfo, outPath string) error {
	recordPath := distInfo + "/RECORD"
	files, err := listFiles(dir, distInfo, recordPath)
	if err != nil {
		return err
	}

	out, err := os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create wheel: %w", err)
	}
	zw := zip.NewWriter(out)
	records := make([]RecordEntry, 0, len(files)+1)
	for _, rel := range files {
		entry, err := addFile(zw, dir, rel)
		if err != nil {
			_ = zw.Close()
			_ = out.Close()
			return err
		}
		records = append(records, entry)
	}
	records = append(records, RecordEntry{Path: recordPath})
	recordRaw, err := EncodeRecord(records)
	if err != nil {
		_ = zw.Close()
		_ = out.Close()
		return err
	}
	hdr := &zip.FileHeader{Name: recordPath, Method: zip.Deflate, Modified: time.Now().UTC()}
	hdr.SetMode(0o644)
	w, err := zw.CreateHeader(hdr)
	if err == nil {
		_, err = w.Write(recordRaw)
	}
	if err != nil {
		_ = zw.Close()
		_ = out.Close()
		return fmt.Errorf("write RECORD: %w", err)
	}
	if err := zw.Close(); err != nil {
		_ = out.Close()
		return fmt.Errorf("finalize wheel: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close wheel: %w", err)
	}
	return nil
}

// listFiles returns slash-separated relative paths, sorted, with the
// .dist-info contents last and RECORD excluded.
func listFiles(dir, distInfo, recordPath string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == recordPath {
			return nil
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk unpacked wheel: %w", err)
	}
	prefix := distInfo + "/"
	sort.SliceStable(files, func(i, j int) bool {
		di, dj := strings.HasPrefix(files[i], prefix), strings.HasPrefix(files[j], prefix)
		if di != dj {
			return !di
		}
		return files[i] < files[j]
	})
	return files, nil
}

func addFile(zw *zip.Writer, dir, rel string) (RecordEntry, error) {
	full := filepath.Join(dir, filepath.FromSlash(rel))
	info, err := os.Stat(full)
	if err != nil {
		return RecordEntry{}, fmt.Errorf("stat %s: %w", rel, err)
	}
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return RecordEntry{}, fmt.Errorf("header %s: %w", rel, err)
	}
	hdr.Name = rel
	hdr.Method = zip.Deflate
	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return RecordEntry{}, fmt.Errorf("add %s: %w", rel, err)
	}
	f, err := os.Open(full)
	if err != nil {
		return RecordEntry{}, fmt.Errorf("open %s: %w", rel, err)
	}
	defer func() {
		_ = f.Close()
	}()
	hash, n, err := HashReader(io.TeeReader(f, w))
	if err != nil {
		return RecordEntry{}, fmt.Errorf("write %s: %w", rel, err)
	}
	return RecordEntry{Path: rel, Hash: hash, Size: sizeString(n)}, nil
}

// compressTags folds "py-abi-plat" triples into the dotted filename form.
func compressTags(tags []string) (string, string, string, error) {
	if len(tags) == 0 {
		return "", "", "", errors.New("WHEEL declares no Tag lines")
	}
	var pys, abis, plats []string
	seen := map[string]bool{}
	add := func(list *[]string, kind, v string) {
		if !seen[kind+v] {
			seen[kind+v] = true
			*list = append(*list, v)
		}
	}
	for _, tag := range tags {
		parts := strings.Split(tag, "-")
		if len(parts) != 3 {
			return "", "", "", fmt.Errorf("malformed WHEEL tag %q", tag)
		}
		add(&pys, "py:", parts[0])
		add(&abis, "abi:", parts[1])
		add(&plats, "plat:", parts[2])
	}
	sort.Strings(pys)
	sort.Strings(abis)
	sort.Strings(plats)
	return strings.Join(pys, "."), strings.Join(abis, "."), strings.Join(plats, "."), nil
}

// Info is what an index upload needs to know about a wheel without
// unpacking it.
type Info struct {
	Filename        Filename
	Name            string
	Version         string
	MetadataVersion string
	Summary         string
	Metadata        *Metadata
}

// ReadInfo reads METADATA straight out of the archive.
func ReadInfo(src string) (Info, error) {
	fn, err := ParseFilename(src)
	if err != nil {
		return Info{}, err
	}
	reader, err := zip.OpenReader(src)
	if err != nil {
		return Info{}, fmt.Errorf("open zip: %w", err)
	}
	defer func() {
		_ = reader.Close()
	}()

	var metaFile *zip.File
	for _, f := range reader.File {
		dirName, base := path.Split(f.Name)
		if base == "METADATA" && strings.Count(dirName, "/") == 1 && strings.HasSuffix(dirName, ".dist-info/") {
			if metaFile != nil {
				return Info{}, errors.New("multiple METADATA files in wheel")
			}
			metaFile = f
		}
	}
	if metaFile == nil {
		return Info{}, fmt.Errorf("%w: METADATA", ErrMetadataField)
	}
	rc, err := metaFile.Open()
	if err != nil {
		return Info{}, fmt.Errorf("open METADATA: %w", err)
	}
	raw, err := io.ReadAll(io.LimitReader(rc, 16<<20))
	_ = rc.Close()
	if err != nil {
		return Info{}, fmt.Errorf("read METADATA: %w", err)
	}
	meta, err := ParseMetadata(raw)
	if err != nil {
		return Info{}, err
	}
	name, err := meta.Name()
	if err != nil {
		return Info{}, err
	}
	version, err := meta.Version()
	if err != nil {
		return Info{}, err
	}
	metaVersion, _ := meta.Get("Metadata-Version")
	summary, _ := meta.Get("Summary")
	return Info{
		Filename:        fn,
		Name:            name,
		Version:         version,
		MetadataVersion: metaVersion,
		Summary:         summary,
		Metadata:        meta,
	}, nil
}

// Glob lists the wheels directly inside dir, sorted.
func Glob(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*"+Ext))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}
