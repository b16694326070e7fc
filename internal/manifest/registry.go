package manifest

import (
	"fmt"

	apperrors "github.com/kimhsiao/duosync/internal/errors"
	"github.com/kimhsiao/duosync/internal/models"
)

// Registry is the immutable lookup from collection name to its descriptor
// and record codec. It is built once and shared read-only.
type Registry struct {
	names  []string
	byName map[string]*Codec
}

// NewRegistry validates m and indexes its stores.
func NewRegistry(m *Manifest) (*Registry, error) {
	if m == nil {
		return nil, apperrors.New(apperrors.ErrManifestInvalid, "nil manifest")
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	r := &Registry{byName: make(map[string]*Codec, len(m.Stores))}
	for _, d := range m.Stores {
		r.names = append(r.names, d.Name)
		r.byName[d.Name] = &Codec{desc: d}
	}
	return r, nil
}

// Lookup returns the codec for a collection.
func (r *Registry) Lookup(collection string) (*Codec, bool) {
	c, ok := r.byName[collection]
	return c, ok
}

// MustLookup is Lookup returning a NOT_FOUND error for unknown collections.
func (r *Registry) MustLookup(collection string) (*Codec, error) {
	c, ok := r.byName[collection]
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "unknown collection %q", collection)
	}
	return c, nil
}

// Names returns collection names in manifest order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}

// Descriptors returns all descriptors in manifest order.
func (r *Registry) Descriptors() []models.CollectionDescriptor {
	out := make([]models.CollectionDescriptor, 0, len(r.names))
	for _, n := range r.names {
		out = append(out, r.byName[n].desc)
	}
	return out
}

// Codec converts between wire field maps and stored records for one
// collection.
type Codec struct {
	desc models.CollectionDescriptor
}

// Descriptor returns the collection descriptor.
func (c *Codec) Descriptor() models.CollectionDescriptor {
	return c.desc
}

// Decode builds a Record from a server or user field map. The primary key
// must be present; a missing version decodes as nil.
func (c *Codec) Decode(fields map[string]any) (*models.Record, error) {
	key, ok := models.KeyString(fields[c.desc.PrimaryKey])
	if !ok {
		return nil, fmt.Errorf("%s record has no usable %q", c.desc.Name, c.desc.PrimaryKey)
	}
	rec := &models.Record{
		Key:     key,
		Fields:  make(map[string]any, len(fields)),
		Version: fields[c.desc.VersionField],
	}
	for k, v := range fields {
		rec.Fields[k] = v
	}
	return rec, nil
}

// Encode returns the record's field map with the primary key and version
// field set from the record metadata.
func (c *Codec) Encode(rec *models.Record) map[string]any {
	out := make(map[string]any, len(rec.Fields)+2)
	for k, v := range rec.Fields {
		out[k] = v
	}
	if _, ok := out[c.desc.PrimaryKey]; !ok {
		out[c.desc.PrimaryKey] = rec.Key
	}
	if rec.Version != nil {
		out[c.desc.VersionField] = rec.Version
	}
	return out
}

// KeyOf extracts the primary key string from a field map.
func (c *Codec) KeyOf(fields map[string]any) (string, bool) {
	return models.KeyString(fields[c.desc.PrimaryKey])
}
