// Package history keeps a small, persisted list of recently used colors so
// that `send` and the console can refer back to them.
package history

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// Color is an RGB triple.
type Color struct {
	R, G, B uint8
}

// Hex renders c as #rrggbb.
func (c Color) Hex() string {
	return fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B)
}

func (c Color) String() string { return c.Hex() }

// MarshalYAML stores colors in their hex form.
func (c Color) MarshalYAML() (any, error) {
	return c.Hex(), nil
}

// UnmarshalYAML accepts the hex form written by MarshalYAML.
func (c *Color) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	var r, g, b uint8
	if _, err := fmt.Sscanf(s, "#%02x%02x%02x", &r, &g, &b); err != nil {
		return fmt.Errorf("history: bad color %q: %w", s, err)
	}
	*c = Color{R: r, G: g, B: b}
	return nil
}

type file struct {
	Colors []Color `yaml:"colors"`
}

// Store is a most-recent-first color list capped at a fixed size. A color
// used again moves to the front instead of appearing twice.
type Store struct {
	path string
	size int

	mu     sync.Mutex
	colors []Color
}

// Open loads the history at path. A missing file yields an empty store.
func Open(path string, size int) (*Store, error) {
	if size < 1 {
		size = 1
	}
	s := &Store{path: path, size: size}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading history: %w", err)
	}

	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing history: %w", err)
	}
	for i := len(f.Colors) - 1; i >= 0; i-- {
		s.push(f.Colors[i])
	}
	return s, nil
}

// Add records c as the most recent color.
func (s *Store) Add(c Color) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.push(c)
}

func (s *Store) push(c Color) {
	for i, have := range s.colors {
		if have == c {
			s.colors = append(s.colors[:i], s.colors[i+1:]...)
			break
		}
	}
	s.colors = append([]Color{c}, s.colors...)
	if len(s.colors) > s.size {
		s.colors = s.colors[:s.size]
	}
}

// Colors returns the history, most recent first.
func (s *Store) Colors() []Color {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Color(nil), s.colors...)
}

// Get returns the i-th most recent color (0 is the latest).
func (s *Store) Get(i int) (Color, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.colors) {
		return Color{}, false
	}
	return s.colors[i], true
}

// Save writes the history back to its file, creating parent directories.
func (s *Store) Save() error {
	s.mu.Lock()
	data, err := yaml.Marshal(file{Colors: s.colors})
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("encoding history: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("creating history dir: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("writing history: %w", err)
	}
	return nil
}
