// Package catalog loads the display metadata for hosted game types.
package catalog

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/cory-johannsen/gameroom/internal/room"
)

// Entry describes one game type.
//
// Precondition: Type must name a known room.SessionType.
type Entry struct {
	Type       string `yaml:"type"`
	Name       string `yaml:"name"`
	Invitation string `yaml:"invitation"`
}

type file struct {
	Games []Entry `yaml:"games"`
}

// Catalog maps session types to their display metadata.
type Catalog struct {
	entries map[room.SessionType]Entry
}

// New returns an empty catalog; every lookup falls back to the type tag.
func New() *Catalog {
	return &Catalog{entries: make(map[room.SessionType]Entry)}
}

// Load reads the catalog at path. An empty path yields an empty catalog.
//
// Postcondition: Returns a catalog whose entries all name known session
// types, or a non-nil error.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return New(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog %s: %w", path, err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing catalog %s: %w", path, err)
	}
	return c, nil
}

// Parse decodes a YAML catalog.
func Parse(data []byte) (*Catalog, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	c := New()
	for i, e := range f.Games {
		t, ok := room.ParseSessionType(e.Type)
		if !ok {
			return nil, fmt.Errorf("games[%d]: unknown type %q", i, e.Type)
		}
		if _, dup := c.entries[t]; dup {
			return nil, fmt.Errorf("games[%d]: duplicate type %q", i, e.Type)
		}
		c.entries[t] = e
	}
	return c, nil
}

// Name returns the display name for t, or the type tag when t has no entry.
func (c *Catalog) Name(t room.SessionType) string {
	if e, ok := c.entries[t]; ok && e.Name != "" {
		return e.Name
	}
	return string(t)
}

// Invitation returns the invitation reason for t, falling back to Name.
func (c *Catalog) Invitation(t room.SessionType) string {
	if e, ok := c.entries[t]; ok && e.Invitation != "" {
		return e.Invitation
	}
	return c.Name(t)
}

// Len returns the number of entries.
func (c *Catalog) Len() int {
	return len(c.entries)
}
