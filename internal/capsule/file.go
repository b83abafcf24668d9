package capsule

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/roach88/reach/internal/ir"
)

// MaxFileBytes bounds the size of a capsule file.
const MaxFileBytes = 25 << 20

// Encode returns the canonical encoding of c followed by a newline.
func Encode(c ir.Capsule) ([]byte, error) {
	data, err := ir.MarshalCanonical(c)
	if err != nil {
		return nil, fmt.Errorf("encode capsule: %w", err)
	}
	return append(data, '\n'), nil
}

// Decode parses a capsule and checks that data is exactly its canonical
// encoding. Any byte that does not survive a decode/encode round trip is
// an integrity error, so edits cannot hide in escapes or number spellings.
func Decode(data []byte) (ir.Capsule, error) {
	if len(data) > MaxFileBytes {
		return ir.Capsule{}, fmt.Errorf("capsule is %d bytes, limit is %d", len(data), MaxFileBytes)
	}
	var c ir.Capsule
	if err := json.Unmarshal(data, &c); err != nil {
		return ir.Capsule{}, &ir.Error{Code: ir.ErrCodeIntegrity, Message: "capsule is not valid JSON", Err: err}
	}
	if c.Manifest.RunID == "" {
		return ir.Capsule{}, ir.NewIntegrityError("capsule has no run id")
	}
	canonical, err := Encode(c)
	if err != nil {
		return ir.Capsule{}, err
	}
	if !bytes.Equal(bytes.TrimSuffix(data, []byte("\n")), bytes.TrimSuffix(canonical, []byte("\n"))) {
		return ir.Capsule{}, ir.NewIntegrityError("capsule %s is not in canonical form", c.Manifest.RunID)
	}
	return c, nil
}

// WriteFile writes c to path atomically.
func WriteFile(path string, c ir.Capsule) error {
	data, err := Encode(c)
	if err != nil {
		return err
	}
	if len(data) > MaxFileBytes {
		return fmt.Errorf("capsule for run %s is %d bytes, limit is %d", c.Manifest.RunID, len(data), MaxFileBytes)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create capsule dir: %w", err)
		}
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".capsule-*")
	if err != nil {
		return fmt.Errorf("write capsule: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write capsule: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write capsule: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("write capsule: %w", err)
	}
	return nil
}

// ReadFile reads and decodes a capsule file, refusing files over
// MaxFileBytes before reading them.
func ReadFile(path string) (ir.Capsule, error) {
	info, err := os.Stat(path)
	if err != nil {
		return ir.Capsule{}, err
	}
	if info.Size() > MaxFileBytes {
		return ir.Capsule{}, fmt.Errorf("capsule %s is %d bytes, limit is %d", path, info.Size(), MaxFileBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ir.Capsule{}, err
	}
	return Decode(data)
}
