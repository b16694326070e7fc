// Package manifest loads the collection descriptors the sync engine serves.
package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	apperrors "github.com/kimhsiao/duosync/internal/errors"
	"github.com/kimhsiao/duosync/internal/models"
)

// Manifest is the parsed manifest file: {"stores": [...]}.
type Manifest struct {
	Stores []models.CollectionDescriptor `json:"stores" yaml:"stores"`
}

// rawManifest distinguishes a missing "stores" key from an empty list.
type rawManifest struct {
	Stores *[]models.CollectionDescriptor `json:"stores" yaml:"stores"`
}

// Load parses a JSON manifest.
func Load(r io.Reader) (*Manifest, error) {
	var raw rawManifest
	dec := json.NewDecoder(r)
	if err := dec.Decode(&raw); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrManifestInvalid, "malformed manifest JSON", err)
	}
	return fromRaw(raw)
}

// LoadYAML parses a YAML manifest with the same shape as the JSON form.
func LoadYAML(r io.Reader) (*Manifest, error) {
	var raw rawManifest
	if err := yaml.NewDecoder(r).Decode(&raw); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrManifestInvalid, "malformed manifest YAML", err)
	}
	return fromRaw(raw)
}

// LoadFile reads a manifest from disk. Files ending in .yaml or .yml are
// parsed as YAML, everything else as JSON.
func LoadFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrManifestInvalid, fmt.Sprintf("failed to read manifest %s", path), err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return LoadYAML(bytes.NewReader(data))
	default:
		return Load(bytes.NewReader(data))
	}
}

func fromRaw(raw rawManifest) (*Manifest, error) {
	if raw.Stores == nil {
		return nil, apperrors.New(apperrors.ErrManifestInvalid, "manifest has no \"stores\" list")
	}
	m := &Manifest{Stores: *raw.Stores}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Validate checks every descriptor for required fields and unique, usable names.
func (m *Manifest) Validate() error {
	if len(m.Stores) == 0 {
		return apperrors.New(apperrors.ErrManifestInvalid, "manifest declares no stores")
	}
	seen := make(map[string]bool, len(m.Stores))
	for i, d := range m.Stores {
		switch {
		case strings.TrimSpace(d.Name) == "":
			return apperrors.Newf(apperrors.ErrManifestInvalid, "store %d: missing name", i)
		case !models.ValidName(d.Name):
			return apperrors.Newf(apperrors.ErrManifestInvalid, "store %d: invalid name %q", i, d.Name)
		case strings.TrimSpace(d.PrimaryKey) == "":
			return apperrors.Newf(apperrors.ErrManifestInvalid, "store %q: missing primaryKey", d.Name)
		case strings.TrimSpace(d.VersionField) == "":
			return apperrors.Newf(apperrors.ErrManifestInvalid, "store %q: missing versionField", d.Name)
		case seen[d.Name]:
			return apperrors.Newf(apperrors.ErrManifestInvalid, "store %q declared twice", d.Name)
		}
		seen[d.Name] = true
	}
	return nil
}
