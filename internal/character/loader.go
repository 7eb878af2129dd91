package character

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Registry holds every loaded profile keyed by character id.
type Registry struct {
	profiles map[string]*Profile
	ids      []string
}

// NewRegistry builds a registry from already parsed profiles.
func NewRegistry(profiles ...*Profile) (*Registry, error) {
	r := &Registry{profiles: make(map[string]*Profile, len(profiles))}
	for _, p := range profiles {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.profiles[p.ID]; dup {
			return nil, fmt.Errorf("duplicate character id %s", p.ID)
		}
		if p.Name == "" {
			p.Name = p.ID
		}
		if p.Keywords == nil {
			p.Keywords = DefaultKeywords()
		}
		r.profiles[p.ID] = p
		r.ids = append(r.ids, p.ID)
	}
	sort.Strings(r.ids)
	return r, nil
}

// LoadDir reads every *.yaml file in dir; the file stem is the character id.
func LoadDir(dir string) (*Registry, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, fmt.Errorf("failed to list character files: %w", err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no character files found in %s", dir)
	}

	profiles := make([]*Profile, 0, len(files))
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read character file %s: %w", file, err)
		}
		id := strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
		p, err := Parse(id, data)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}

	r, err := NewRegistry(profiles...)
	if err != nil {
		return nil, err
	}
	slog.Info("characters loaded", "dir", dir, "count", len(r.ids))
	return r, nil
}

// Get returns the profile for id.
func (r *Registry) Get(id string) (*Profile, error) {
	p, ok := r.profiles[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCharacterNotFound, id)
	}
	return p, nil
}

// IDs lists the loaded character ids in sorted order.
func (r *Registry) IDs() []string {
	out := make([]string, len(r.ids))
	copy(out, r.ids)
	return out
}
