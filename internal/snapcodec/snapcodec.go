// Package snapcodec reads and writes durable world snapshots.
//
// A snapshot file is a zstd stream containing a one-line JSON header
// followed by the JSON-encoded document. Writes go to a temp file in the
// same directory and are renamed into place, so a crash mid-save never
// clobbers the previous snapshot. Save-then-Load reproduces a structurally
// equal document, nested collections included.
package snapcodec

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/mossglen/hearth/internal/world"
)

// Format identifies the file format in the header line.
const Format = "hearth-snapshot"

// Version is the current snapshot format version.
const Version = 1

// Header is the uncompressed-JSON first line of every snapshot file.
type Header struct {
	Format  string `json:"format"`
	Version int    `json:"version"`
	SavedAt int64  `json:"saved_at_ms"`
}

// ErrNotExist reports a missing snapshot file. Callers starting with a
// fresh world check for it with errors.Is.
var ErrNotExist = errors.New("snapshot file does not exist")

// Save writes the document to path atomically.
func Save(path string, doc *world.Document, now time.Time) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".snapshot-*.tmp")
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	defer os.Remove(tmp.Name()) // no-op after successful rename

	if err := encode(tmp, doc, now); err != nil {
		tmp.Close()
		return fmt.Errorf("save snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// Load reads a snapshot file back into a document. Returns ErrNotExist
// when the file is missing.
func Load(path string) (*world.Document, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("load snapshot %s: %w", path, ErrNotExist)
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 64*1024)

	headerLine, err := br.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("load snapshot: read header: %w", err)
	}
	var header Header
	if err := json.Unmarshal(headerLine, &header); err != nil {
		return nil, fmt.Errorf("load snapshot: parse header: %w", err)
	}
	if header.Format != Format {
		return nil, fmt.Errorf("load snapshot: unexpected format %q", header.Format)
	}
	if header.Version > Version {
		return nil, fmt.Errorf("load snapshot: version %d is newer than supported %d", header.Version, Version)
	}

	doc := &world.Document{}
	if err := json.NewDecoder(br).Decode(doc); err != nil {
		return nil, fmt.Errorf("load snapshot: decode document: %w", err)
	}
	doc.Normalize()
	return doc, nil
}

// EncodePayload returns the uncompressed JSON document payload, indented
// for inspection tooling and golden tests. Map keys serialize sorted, so
// the payload is deterministic for a given document.
func EncodePayload(doc *world.Document) ([]byte, error) {
	return json.MarshalIndent(doc, "", "  ")
}

func encode(f *os.File, doc *world.Document, now time.Time) error {
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}

	bw := bufio.NewWriterSize(enc, 64*1024)

	headerBytes, err := json.Marshal(Header{Format: Format, Version: Version, SavedAt: now.UnixMilli()})
	if err != nil {
		return err
	}
	if _, err := bw.Write(headerBytes); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}

	if err := json.NewEncoder(bw).Encode(doc); err != nil {
		return fmt.Errorf("encode document: %w", err)
	}

	if err := bw.Flush(); err != nil {
		return err
	}
	return enc.Close()
}
