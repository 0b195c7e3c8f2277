// Package artifact provides codec-based persistence for build artifacts
// kept next to snapshot logs, such as the per-snapshot build report.
// Writes are atomic: a temp file in the target directory is renamed over
// the destination so readers never observe a partial artifact.
package artifact

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// jsonExtension is the file extension for JSON artifacts.
const jsonExtension = ".json"

// defaultIndent is the indentation for pretty-printed JSON.
const defaultIndent = "  "

// Codec defines how an artifact is serialized and deserialized.
type Codec interface {
	// Encode writes the artifact to the writer.
	Encode(w io.Writer, state any) error
	// Decode reads the artifact from the reader.
	Decode(r io.Reader, state any) error
	// Extension returns the file extension for this codec (e.g., ".json").
	Extension() string
}

// JSONCodec implements Codec using JSON encoding with optional indentation.
type JSONCodec struct {
	// Indent specifies the indentation string. Empty string means compact JSON.
	Indent string
}

// NewJSONCodec creates a JSON codec with pretty-printing (2-space indent).
func NewJSONCodec() *JSONCodec {
	return &JSONCodec{Indent: defaultIndent}
}

// Encode implements Codec.Encode using JSON encoding.
func (c *JSONCodec) Encode(w io.Writer, state any) error {
	encoder := json.NewEncoder(w)
	if c.Indent != "" {
		encoder.SetIndent("", c.Indent)
	}

	err := encoder.Encode(state)
	if err != nil {
		return fmt.Errorf("json encode: %w", err)
	}

	return nil
}

// Decode implements Codec.Decode using JSON decoding.
func (c *JSONCodec) Decode(r io.Reader, state any) error {
	decoder := json.NewDecoder(r)

	err := decoder.Decode(state)
	if err != nil {
		return fmt.Errorf("json decode: %w", err)
	}

	return nil
}

// Extension implements Codec.Extension for JSON files.
func (c *JSONCodec) Extension() string {
	return jsonExtension
}

// Save writes the artifact to dir/basename+ext atomically. The directory
// is created if missing.
func Save(dir, basename string, codec Codec, state any) error {
	mkdirErr := os.MkdirAll(dir, 0o755)
	if mkdirErr != nil {
		return fmt.Errorf("create artifact dir: %w", mkdirErr)
	}

	path := filepath.Join(dir, basename+codec.Extension())

	tmp, err := os.CreateTemp(dir, basename+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp artifact: %w", err)
	}

	encodeErr := codec.Encode(tmp, state)

	syncErr := tmp.Sync()

	closeErr := tmp.Close()
	if encodeErr != nil {
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("encode artifact: %w", encodeErr)
	}

	if syncErr != nil {
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("sync artifact: %w", syncErr)
	}

	if closeErr != nil {
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("close artifact: %w", closeErr)
	}

	renameErr := os.Rename(tmp.Name(), path)
	if renameErr != nil {
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("publish artifact: %w", renameErr)
	}

	return nil
}

// Load reads the artifact from dir/basename+ext. The state parameter must
// be a pointer to the target struct.
func Load(dir, basename string, codec Codec, state any) error {
	path := filepath.Join(dir, basename+codec.Extension())

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open artifact: %w", err)
	}
	defer file.Close()

	decodeErr := codec.Decode(file, state)
	if decodeErr != nil {
		return fmt.Errorf("decode artifact: %w", decodeErr)
	}

	return nil
}
