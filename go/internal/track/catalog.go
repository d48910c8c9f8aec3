package track

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed tracks.yaml
var builtinCatalog []byte

// Catalog is the immutable set of known track definitions.
type Catalog struct {
	tracks map[string]Definition
	order  []string
}

type catalogFile struct {
	Tracks []Definition `yaml:"tracks"`
}

// DefaultCatalog returns the catalog compiled into the binary.
func DefaultCatalog() (*Catalog, error) {
	return LoadCatalog(builtinCatalog)
}

// LoadCatalogFile reads a catalog from a YAML file on disk.
func LoadCatalogFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read track catalog: %w", err)
	}
	return LoadCatalog(data)
}

// LoadCatalog parses and validates a YAML catalog.
func LoadCatalog(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse track catalog: %w", err)
	}
	return NewCatalog(file.Tracks...)
}

// NewCatalog builds a catalog from definitions, applying defaults and
// rejecting invalid or duplicate tracks.
func NewCatalog(defs ...Definition) (*Catalog, error) {
	c := &Catalog{tracks: make(map[string]Definition, len(defs))}
	for _, def := range defs {
		def = def.withDefaults()
		if err := def.Validate(); err != nil {
			return nil, err
		}
		if _, dup := c.tracks[def.ID]; dup {
			return nil, fmt.Errorf("duplicate track id %q", def.ID)
		}
		c.tracks[def.ID] = def
		c.order = append(c.order, def.ID)
	}
	return c, nil
}

// Get returns the definition for a track id.
func (c *Catalog) Get(id string) (Definition, bool) {
	def, ok := c.tracks[id]
	return def, ok
}

// List returns every definition in catalog order.
func (c *Catalog) List() []Definition {
	out := make([]Definition, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.tracks[id])
	}
	return out
}

// Len is the number of tracks in the catalog.
func (c *Catalog) Len() int {
	return len(c.order)
}
