// Package file stores template descriptors as YAML files in a directory.
//
// A file holds one descriptor, a list of descriptors, or several YAML
// documents separated by "---":
//
//	id: 1
//	tag: li
//	bindings:
//	  - {key: title, kind: text}
//	model: [title]
package file

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/template"
)

// Store implements ports.TemplateStore on a directory of *.yaml / *.yml files.
type Store struct {
	BasePath string
}

// NewStore creates a store rooted at basePath.
// If basePath is empty, it defaults to "templates".
func NewStore(basePath string) *Store {
	if basePath == "" {
		basePath = "templates"
	}
	return &Store{BasePath: basePath}
}

// entry is a descriptor and the file that defines it.
type entry struct {
	desc template.Descriptor
	path string
}

func (s *Store) scan() ([]entry, error) {
	files, err := os.ReadDir(s.BasePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read template directory: %w", err)
	}

	var out []entry
	seen := make(map[int]string)
	for _, f := range files {
		if f.IsDir() || !isYAML(f.Name()) {
			continue
		}
		path := filepath.Join(s.BasePath, f.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		descs, err := Parse(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		for _, d := range descs {
			if prev, dup := seen[d.ID]; dup {
				return nil, fmt.Errorf("template %d defined in both %s and %s: %w", d.ID, prev, path, template.ErrInvalidDescriptor)
			}
			seen[d.ID] = path
			out = append(out, entry{desc: d, path: path})
		}
	}
	slices.SortFunc(out, func(a, b entry) int { return a.desc.ID - b.desc.ID })
	return out, nil
}

func isYAML(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

func (s *Store) fileFor(id int) string {
	return filepath.Join(s.BasePath, strconv.Itoa(id)+".yaml")
}

// Save writes the descriptor to <id>.yaml. A descriptor defined in another
// file is rejected, since rewriting that file would drop its neighbours.
func (s *Store) Save(ctx context.Context, d template.Descriptor) error {
	entries, err := s.scan()
	if err != nil {
		return err
	}
	target := s.fileFor(d.ID)
	for _, e := range entries {
		if e.desc.ID == d.ID && e.path != target {
			return fmt.Errorf("template %d is defined in %s; edit that file instead", d.ID, e.path)
		}
	}

	if err := os.MkdirAll(s.BasePath, 0o755); err != nil {
		return fmt.Errorf("failed to ensure template directory: %w", err)
	}
	data, err := yaml.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to marshal template %d: %w", d.ID, err)
	}
	if err := os.WriteFile(target, data, 0o644); err != nil {
		return fmt.Errorf("failed to write template file: %w", err)
	}
	return nil
}

// Load retrieves a descriptor.
func (s *Store) Load(ctx context.Context, id int) (template.Descriptor, error) {
	entries, err := s.scan()
	if err != nil {
		return template.Descriptor{}, err
	}
	for _, e := range entries {
		if e.desc.ID == id {
			return e.desc, nil
		}
	}
	return template.Descriptor{}, fmt.Errorf("template %d: %w", id, domain.ErrTemplateNotFound)
}

// Delete removes <id>.yaml. Descriptors defined in other files are left alone
// and reported as an error.
func (s *Store) Delete(ctx context.Context, id int) error {
	err := os.Remove(s.fileFor(id))
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		entries, scanErr := s.scan()
		if scanErr != nil {
			return scanErr
		}
		for _, e := range entries {
			if e.desc.ID == id {
				return fmt.Errorf("template %d is defined in %s; edit that file instead", id, e.path)
			}
		}
		return nil
	}
	return fmt.Errorf("failed to delete template file: %w", err)
}

// List returns every descriptor ordered by id.
func (s *Store) List(ctx context.Context) ([]template.Descriptor, error) {
	entries, err := s.scan()
	if err != nil {
		return nil, err
	}
	out := make([]template.Descriptor, len(entries))
	for i, e := range entries {
		out[i] = e.desc
	}
	return out, nil
}

// Parse decodes every descriptor of a YAML stream.
func Parse(data []byte) ([]template.Descriptor, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	var out []template.Descriptor
	for {
		var doc any
		err := dec.Decode(&doc)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse yaml: %w", err)
		}
		switch v := doc.(type) {
		case nil:
		case []any:
			for i, item := range v {
				d, err := Decode(item)
				if err != nil {
					return nil, fmt.Errorf("item %d: %w", i, err)
				}
				out = append(out, d)
			}
		default:
			d, err := Decode(v)
			if err != nil {
				return nil, err
			}
			out = append(out, d)
		}
	}
	return out, nil
}

// Decode converts a generic YAML value into a descriptor. Scalars are weakly
// typed ("7" is a valid id) and unknown keys are rejected.
func Decode(raw any) (template.Descriptor, error) {
	if _, ok := raw.(map[string]any); !ok {
		return template.Descriptor{}, fmt.Errorf("%w: expected a mapping, got %T", template.ErrInvalidDescriptor, raw)
	}
	var d template.Descriptor
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &d,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return template.Descriptor{}, err
	}
	if err := dec.Decode(raw); err != nil {
		return template.Descriptor{}, fmt.Errorf("%w: %v", template.ErrInvalidDescriptor, err)
	}
	if err := d.Validate(); err != nil {
		return template.Descriptor{}, err
	}
	return d, nil
}
