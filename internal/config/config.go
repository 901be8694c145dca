// internal/config/config.go
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/renameio"
)

// Format is the single repository-format configuration. The storage layer
// has exactly one code path; variants differ only in the values below.
type Format struct {
	RichRoot                bool   `json:"rich_root"`
	SupportsTreeReference   bool   `json:"supports_tree_reference"`
	SupportsExternalLookups bool   `json:"supports_external_lookups"`
	IndexKind               string `json:"index_kind"`
	RevisionCodec           string `json:"revision_codec"`
	InventoryCodec          string `json:"inventory_codec"`

	// Maximum delta-chain length before a fulltext is forced. Zero means
	// every record is a fulltext.
	TextChainLimit      int `json:"text_chain_limit"`
	InventoryChainLimit int `json:"inventory_chain_limit"`
}

// Default returns the format new repositories are created with. Revisions
// and signatures are always fulltexts: they are small and random access to
// them is frequent, so chaining would only slow reads down.
func Default() *Format {
	return &Format{
		RichRoot:            true,
		IndexKind:           "badger",
		RevisionCodec:       "xml8",
		InventoryCodec:      "xml8",
		TextChainLimit:      200,
		InventoryChainLimit: 200,
	}
}

// Load reads a format file.
func Load(path string) (*Format, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var format Format
	if err := json.NewDecoder(file).Decode(&format); err != nil {
		return nil, fmt.Errorf("decoding format file: %w", err)
	}

	return &format, nil
}

// Save writes the format file atomically.
func (f *Format) Save(path string) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding format file: %w", err)
	}
	return renameio.WriteFile(path, append(data, '\n'), 0644)
}
