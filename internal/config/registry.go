package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

var (
	// ErrCameraExists is returned when adding a camera id that is already registered.
	ErrCameraExists = errors.New("camera already registered")
	// ErrCameraNotFound is returned when a camera id is not registered.
	ErrCameraNotFound = errors.New("camera not registered")
	// ErrInvalidCamera is returned for entries without a positive id or a URL.
	ErrInvalidCamera = errors.New("invalid camera entry")
)

// Camera is one registry entry.
type Camera struct {
	ID  int    `json:"camera_id"`
	URL string `json:"url"`
}

// Validate checks that c has a positive id and a stream URL.
func (c Camera) Validate() error {
	if c.ID <= 0 {
		return fmt.Errorf("%w: camera_id must be positive, got %d", ErrInvalidCamera, c.ID)
	}
	if c.URL == "" {
		return fmt.Errorf("%w: url is required", ErrInvalidCamera)
	}
	return nil
}

// Registry persists the camera list as a JSON array. Every mutation is
// written to disk before it returns.
type Registry struct {
	path    string
	mu      sync.RWMutex
	cameras []Camera
}

// OpenRegistry loads the registry at path. A missing file is an empty registry.
func OpenRegistry(path string) (*Registry, error) {
	r := &Registry{path: path}
	if err := r.Load(); err != nil {
		return nil, err
	}
	return r, nil
}

// Path returns the registry file location.
func (r *Registry) Path() string {
	return r.path
}

// Load re-reads the registry file, replacing the in-memory list.
func (r *Registry) Load() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		r.cameras = nil
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read camera registry: %w", err)
	}

	var cameras []Camera
	if err := json.Unmarshal(data, &cameras); err != nil {
		return fmt.Errorf("failed to parse camera registry: %w", err)
	}

	seen := make(map[int]bool, len(cameras))
	for _, c := range cameras {
		if err := c.Validate(); err != nil {
			return err
		}
		if seen[c.ID] {
			return fmt.Errorf("%w: duplicate camera_id %d in %s", ErrCameraExists, c.ID, r.path)
		}
		seen[c.ID] = true
	}

	r.cameras = cameras
	return nil
}

// List returns the registered cameras ordered by id.
func (r *Registry) List() []Camera {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Camera, len(r.cameras))
	copy(out, r.cameras)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns the camera with the given id.
func (r *Registry) Get(id int) (Camera, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, c := range r.cameras {
		if c.ID == id {
			return c, true
		}
	}
	return Camera{}, false
}

// Add registers a camera and saves the file.
func (r *Registry) Add(c Camera) error {
	if err := c.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.cameras {
		if existing.ID == c.ID {
			return fmt.Errorf("%w: %d", ErrCameraExists, c.ID)
		}
	}

	next := append(append([]Camera(nil), r.cameras...), c)
	if err := r.save(next); err != nil {
		return err
	}
	r.cameras = next
	return nil
}

// Remove unregisters a camera and saves the file.
func (r *Registry) Remove(id int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := make([]Camera, 0, len(r.cameras))
	found := false
	for _, c := range r.cameras {
		if c.ID == id {
			found = true
			continue
		}
		next = append(next, c)
	}
	if !found {
		return fmt.Errorf("%w: %d", ErrCameraNotFound, id)
	}

	if err := r.save(next); err != nil {
		return err
	}
	r.cameras = next
	return nil
}

// save writes cameras to a temp file and renames it over the registry.
func (r *Registry) save(cameras []Camera) error {
	if cameras == nil {
		cameras = []Camera{}
	}

	data, err := json.MarshalIndent(cameras, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode camera registry: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(r.path), 0755); err != nil {
		return fmt.Errorf("failed to create registry directory: %w", err)
	}

	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write camera registry: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace camera registry: %w", err)
	}
	return nil
}
