// Package theme loads the themes file, which groups catalog layer queries
// under a theme name.
package theme

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

var (
	ErrNotFound = errors.New("theme not found")
	ErrInvalid  = errors.New("invalid themes file")
)

// Layer is one catalog query of a theme. URI may carry {{state}},
// {{district}} and {{tehsil}} placeholders; Type hints at the data kind when
// the catalog does not say.
type Layer struct {
	Name string `yaml:"name" json:"name"`
	URI  string `yaml:"stac_uri" json:"stac_uri"`
	Type string `yaml:"type" json:"type"`
}

// Store holds the themes of one file, in file order.
type Store struct {
	names  []string
	themes map[string][]Layer
}

// Load reads a themes file. JSON files are accepted as well as YAML.
func Load(fs afero.Fs, path string) (*Store, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, err
	}
	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// Parse decodes a themes document: a mapping from theme name to a list of
// layers.
func Parse(data []byte) (*Store, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	s := &Store{themes: map[string][]Layer{}}
	if len(doc.Content) == 0 {
		return s, nil
	}

	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%w: top level must map theme names to layers", ErrInvalid)
	}

	for i := 0; i+1 < len(root.Content); i += 2 {
		name := root.Content[i].Value
		if _, dup := s.themes[name]; dup {
			return nil, fmt.Errorf("%w: theme %q defined twice", ErrInvalid, name)
		}

		var layers []Layer
		if err := root.Content[i+1].Decode(&layers); err != nil {
			return nil, fmt.Errorf("%w: theme %q: %v", ErrInvalid, name, err)
		}
		for j, l := range layers {
			if strings.TrimSpace(l.URI) == "" {
				return nil, fmt.Errorf("%w: theme %q layer %d has no stac_uri", ErrInvalid, name, j)
			}
		}

		s.names = append(s.names, name)
		s.themes[name] = layers
	}
	return s, nil
}

// Names lists the themes in file order.
func (s *Store) Names() []string {
	return append([]string(nil), s.names...)
}

// Get returns the layers of a theme.
func (s *Store) Get(name string) ([]Layer, error) {
	layers, ok := s.themes[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return append([]Layer(nil), layers...), nil
}
