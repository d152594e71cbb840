package wheel

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
)

// RecordEntry is one row of a RECORD file. Hash and Size are empty for the
// RECORD row itself.
type RecordEntry struct {
	Path string
	Hash string
	Size string
}

// HashReader returns the RECORD hash ("sha256=<urlsafe b64, no padding>")
// and byte count of r.
func HashReader(r io.Reader) (string, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", 0, err
	}
	return "sha256=" + base64.RawURLEncoding.EncodeToString(h.Sum(nil)), n, nil
}

// HexDigest is the hex sha256 and size of r, the form indexes and the
// publish ledger use.
func HexDigest(r io.Reader) (string, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return "sha256=" + base64.RawURLEncoding.EncodeToString(sum[:])
}

func EncodeRecord(entries []RecordEntry) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.UseCRLF = false
	for _, e := range entries {
		if err := w.Write([]string{e.Path, e.Hash, e.Size}); err != nil {
			return nil, fmt.Errorf("write record row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flush record: %w", err)
	}
	return buf.Bytes(), nil
}

func DecodeRecord(raw []byte) ([]RecordEntry, error) {
	r := csv.NewReader(bytes.NewReader(raw))
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse record: %w", err)
	}
	out := make([]RecordEntry, 0, len(rows))
	for _, row := range rows {
		if len(row) == 0 || row[0] == "" {
			continue
		}
		e := RecordEntry{Path: row[0]}
		if len(row) > 1 {
			e.Hash = row[1]
		}
		if len(row) > 2 {
			e.Size = row[2]
		}
		out = append(out, e)
	}
	return out, nil
}

func sizeString(n int64) string {
	return strconv.FormatInt(n, 10)
}
