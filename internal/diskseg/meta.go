// Package diskseg implements the one-file on-disk segment format: a doc
// block, an HNSW block, per-field posting/bloom/FST blocks, and a footer
// directory with a magic number, plus the sidecar JSON meta file and the
// tiered merge operation that combines several segments into one.
package diskseg

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/heroiclabs/vectorbase/internal/model"
)

// DataFileName and MetaFileName are the fixed filenames every segment
// directory holds.
const (
	DataFileName = "data.gy"
	MetaFileName = "meta.json"
)

// FieldRange tracks the lexicographic min/max term bytes observed for one
// schema field within a segment, carried in the sidecar meta.
type FieldRange struct {
	Min []byte `json:"min"`
	Max []byte `json:"max"`
}

// Meta is the sidecar JSON written alongside a segment's data file.
type Meta struct {
	Schema         model.Schema `json:"schema"`
	CollectionName string       `json:"collection_name"`
	Parent         []string     `json:"parent"`
	FieldRanges    []FieldRange `json:"field_ranges"`
	FileSize       int64        `json:"file_size"`
	DocNum         int          `json:"doc_num"`
	Level          int          `json:"level"`
}

// LoadMeta reads and parses a segment's sidecar meta.json.
func LoadMeta(path string) (Meta, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Meta{}, fmt.Errorf("diskseg: read meta %s: %w", path, err)
	}
	var m Meta
	if err := json.Unmarshal(b, &m); err != nil {
		return Meta{}, fmt.Errorf("diskseg: parse meta %s: %w", path, err)
	}
	return m, nil
}

// Save writes m as indented JSON to path.
func (m Meta) Save(path string) error {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("diskseg: marshal meta: %w", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("diskseg: write meta %s: %w", path, err)
	}
	return nil
}
