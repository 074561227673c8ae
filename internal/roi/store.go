package roi

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Store persists one ROI file per camera in a directory. Writes for the same
// camera are serialized; different cameras never contend.
type Store struct {
	dir   string
	mu    sync.Mutex
	locks map[int]*sync.Mutex
}

// NewStore creates a Store rooted at dir, creating the directory if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create roi directory: %w", err)
	}
	return &Store{
		dir:   dir,
		locks: make(map[int]*sync.Mutex),
	}, nil
}

// Path returns the ROI file path for a camera.
func (s *Store) Path(cameraID int) string {
	return filepath.Join(s.dir, fmt.Sprintf("roi_camera_%d.json", cameraID))
}

func (s *Store) lock(cameraID int) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[cameraID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[cameraID] = l
	}
	return l
}

// Load returns the persisted ROI for a camera, or the unset Rect when no
// file exists.
func (s *Store) Load(cameraID int) (Rect, error) {
	l := s.lock(cameraID)
	l.Lock()
	defer l.Unlock()

	data, err := os.ReadFile(s.Path(cameraID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Rect{}, nil
		}
		return Rect{}, err
	}

	var r Rect
	if err := json.Unmarshal(data, &r); err != nil {
		return Rect{}, fmt.Errorf("failed to parse roi for camera %d: %w", cameraID, err)
	}

	return r, nil
}

// Save writes the ROI for a camera before returning. Last write wins.
func (s *Store) Save(cameraID int, r Rect) error {
	l := s.lock(cameraID)
	l.Lock()
	defer l.Unlock()

	data, err := json.Marshal(r)
	if err != nil {
		return err
	}

	path := s.Path(cameraID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}

	return os.Rename(tmp, path)
}

// Delete removes the ROI file for a camera. Missing files are not an error.
func (s *Store) Delete(cameraID int) error {
	l := s.lock(cameraID)
	l.Lock()
	err := os.Remove(s.Path(cameraID))
	l.Unlock()

	s.mu.Lock()
	delete(s.locks, cameraID)
	s.mu.Unlock()

	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
