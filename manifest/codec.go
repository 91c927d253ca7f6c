package manifest

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"prometeo/internal/prometeoerr"
)

// ManifestFilename is the name of the manifest file at the root of each
// work directory, unchanged from the original on-disk layout.
const ManifestFilename = "prometeo.config"

// LogFilename is the debugging-aid log kept alongside the manifest.
const LogFilename = "prometeo.log"

// Encode serializes plan to UTF-8 JSON, reverses the byte order, and
// lowercase-hex-encodes the result. This is intentionally non-textual but
// not cryptographic — it exists only to remain bit-compatible with the
// on-disk format the original downloader wrote, not to protect anything.
func Encode(plan *Plan) ([]byte, error) {
	raw, err := json.Marshal(plan)
	if err != nil {
		return nil, fmt.Errorf("manifest: marshal plan: %w", err)
	}
	reversed := reverseBytes(raw)
	encoded := make([]byte, hex.EncodedLen(len(reversed)))
	hex.Encode(encoded, reversed)
	return encoded, nil
}

// Decode reverses Encode exactly: hex-decode, reverse byte order, unmarshal
// JSON. Any failure at any stage is reported as an invalid manifest; the
// caller (typically a Manager resume scan) garbage-collects the owning
// work directory rather than surfacing this to an interactive caller.
func Decode(blob []byte) (*Plan, error) {
	reversed := make([]byte, hex.DecodedLen(len(blob)))
	n, err := hex.Decode(reversed, blob)
	if err != nil {
		return nil, fmt.Errorf("manifest: invalid manifest: not valid hex: %w", err)
	}
	raw := reverseBytes(reversed[:n])

	var plan Plan
	if err := json.Unmarshal(raw, &plan); err != nil {
		return nil, fmt.Errorf("manifest: invalid manifest: %w", err)
	}
	return &plan, nil
}

func reverseBytes(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}

// Write encodes plan and writes it to <plan.WorkDir>/prometeo.config,
// overwriting any previous manifest.
func Write(plan *Plan) error {
	blob, err := Encode(plan)
	if err != nil {
		return err
	}
	path := filepath.Join(plan.WorkDir, ManifestFilename)
	if err := os.WriteFile(path, blob, 0644); err != nil {
		return prometeoerr.NewInternal("write manifest", err)
	}
	return nil
}

// Read loads and decodes the manifest from workDir. A decode failure is
// returned as a *prometeoerr.Error of kind BadMetadata; callers that intend
// to garbage-collect silently should check the underlying error instead of
// surfacing this type.
func Read(workDir string) (*Plan, error) {
	path := filepath.Join(workDir, ManifestFilename)
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, prometeoerr.NewBadMetadata("read manifest", err)
	}
	plan, err := Decode(blob)
	if err != nil {
		return nil, prometeoerr.NewBadMetadata("decode manifest", err)
	}
	return plan, nil
}
