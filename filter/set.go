package filter

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultPath is the ruleset file read and rewritten in the working
// directory.
const DefaultPath = "filters.yaml"

// Set is the full ruleset, in file order.
type Set struct {
	Filters []*Filter `yaml:"filters"`
}

// DefaultSet returns the starter ruleset: a catch-all "All" filter and an
// empty "Favorites" filter for the user to grow.
func DefaultSet() *Set {
	return &Set{
		Filters: []*Filter{
			{Name: "All"},
			{
				Name:       "Favorites",
				Subscribes: &Subscribes{Dids: []string{}, Handles: []string{}},
				Keywords:   &Terms{Includes: []string{}, Excludes: []string{}},
				Langs:      &Terms{Includes: []string{}, Excludes: []string{}},
			},
		},
	}
}

// Load reads the ruleset from path. A missing or unreadable file falls
// back to DefaultSet.
func Load(path string) *Set {
	if path == "" {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return DefaultSet()
	}
	var set Set
	if err := yaml.Unmarshal(data, &set); err != nil || len(set.Filters) == 0 {
		return DefaultSet()
	}
	return &set
}

// Save writes the ruleset to path via a temp file and rename, so a crash
// mid-write never truncates the previous ruleset.
func (s *Set) Save(path string) error {
	if path == "" {
		path = DefaultPath
	}
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal filters: %w", err)
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".filters-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp filters file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write filters: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close filters: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace filters file: %w", err)
	}
	return nil
}

// Init resolves handles to DIDs across every filter.
func (s *Set) Init(resolver func(handle string) (string, error)) {
	for _, f := range s.Filters {
		f.Init(resolver)
	}
}

// Names returns the filter names in file order.
func (s *Set) Names() []string {
	out := make([]string, 0, len(s.Filters))
	for _, f := range s.Filters {
		out = append(out, f.Name)
	}
	return out
}

// Get returns the filter with the given name.
func (s *Set) Get(name string) (*Filter, bool) {
	for _, f := range s.Filters {
		if f.Name == name {
			return f, true
		}
	}
	return nil, false
}

// SubscribeRepo adds a DID to the named filter.
func (s *Set) SubscribeRepo(name, did string) error {
	f, ok := s.Get(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownFilter, name)
	}
	f.SubscribeRepo(did)
	return nil
}

// UnsubscribeRepo removes a DID from the named filter.
func (s *Set) UnsubscribeRepo(name, did string) error {
	f, ok := s.Get(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownFilter, name)
	}
	return f.UnsubscribeRepo(did)
}

// SubscribeHandle adds a handle to the named filter.
func (s *Set) SubscribeHandle(name, handle string) error {
	f, ok := s.Get(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownFilter, name)
	}
	f.SubscribeHandle(handle)
	return nil
}

// UnsubscribeHandle removes a handle from the named filter.
func (s *Set) UnsubscribeHandle(name, handle string) error {
	f, ok := s.Get(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownFilter, name)
	}
	return f.UnsubscribeHandle(handle)
}

// AddTimeline replaces any filter named name with one subscribing to dids.
// Idempotent by name.
func (s *Set) AddTimeline(name string, dids []string) {
	s.RemoveTimeline(name)
	s.Filters = append(s.Filters, &Filter{
		Name:       name,
		Subscribes: &Subscribes{Dids: dids},
	})
}

// RemoveTimeline deletes the filter with the given name, if present.
func (s *Set) RemoveTimeline(name string) {
	out := s.Filters[:0]
	for _, f := range s.Filters {
		if f.Name != name {
			out = append(out, f)
		}
	}
	s.Filters = out
}
