package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/guregu/null.v4"
)

// DefaultHistoryLimit caps List when no limit is given.
const DefaultHistoryLimit = 100

// Detection is one recorded recognition outcome.
type Detection struct {
	ID           string      `json:"id"`
	CameraID     int         `json:"camera_id"`
	Plate        null.String `json:"plate"`
	DispatchedAt null.Time   `json:"dispatched_at"`
	DetectedAt   time.Time   `json:"detected_at"`
}

// DetectionFilter narrows List results.
type DetectionFilter struct {
	CameraID   int // 0 means every camera
	Plate      string
	PlatesOnly bool
	Limit      int // <= 0 means DefaultHistoryLimit
}

// DetectionRepository provides access to the recognition history.
type DetectionRepository struct {
	db *sql.DB
}

// Detections returns the detection repository for this store.
func (s *Store) Detections() *DetectionRepository {
	return &DetectionRepository{db: s.db}
}

// Create inserts a detection. An empty ID is filled with a new UUID and a
// zero DetectedAt with the current time.
func (r *DetectionRepository) Create(d *Detection) error {
	if d.CameraID <= 0 {
		return fmt.Errorf("invalid camera id %d", d.CameraID)
	}
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.DetectedAt.IsZero() {
		d.DetectedAt = time.Now()
	}
	d.DetectedAt = d.DetectedAt.UTC()
	if d.DispatchedAt.Valid {
		d.DispatchedAt = null.TimeFrom(d.DispatchedAt.Time.UTC())
	}

	_, err := r.db.Exec(
		`INSERT INTO detections (id, camera_id, plate, dispatched_at, detected_at)
		 VALUES (?, ?, ?, ?, ?)`,
		d.ID, d.CameraID, d.Plate, d.DispatchedAt, d.DetectedAt,
	)
	return err
}

// GetByID retrieves a detection by its ID.
func (r *DetectionRepository) GetByID(id string) (*Detection, error) {
	d := &Detection{}
	err := r.db.QueryRow(
		`SELECT id, camera_id, plate, dispatched_at, detected_at
		 FROM detections WHERE id = ?`,
		id,
	).Scan(&d.ID, &d.CameraID, &d.Plate, &d.DispatchedAt, &d.DetectedAt)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return d, nil
}

// List returns detections matching filter, newest first.
func (r *DetectionRepository) List(filter DetectionFilter) ([]*Detection, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.CameraID > 0 {
		where = append(where, "camera_id = ?")
		args = append(args, filter.CameraID)
	}
	if filter.Plate != "" {
		where = append(where, "plate = ?")
		args = append(args, filter.Plate)
	}
	if filter.PlatesOnly {
		where = append(where, "plate IS NOT NULL")
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	query := `SELECT id, camera_id, plate, dispatched_at, detected_at FROM detections`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY detected_at DESC, rowid DESC LIMIT ?"
	args = append(args, limit)

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var detections []*Detection
	for rows.Next() {
		d := &Detection{}
		if err := rows.Scan(&d.ID, &d.CameraID, &d.Plate, &d.DispatchedAt, &d.DetectedAt); err != nil {
			return nil, err
		}
		detections = append(detections, d)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return detections, nil
}

// Latest returns the most recent detection of a camera.
func (r *DetectionRepository) Latest(cameraID int) (*Detection, error) {
	list, err := r.List(DetectionFilter{CameraID: cameraID, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, ErrNotFound
	}
	return list[0], nil
}

// DeleteByCamera removes the history of a camera and returns the number of
// deleted rows.
func (r *DetectionRepository) DeleteByCamera(cameraID int) (int64, error) {
	result, err := r.db.Exec(`DELETE FROM detections WHERE camera_id = ?`, cameraID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Count returns the number of stored detections.
func (r *DetectionRepository) Count() (int, error) {
	var n int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM detections`).Scan(&n)
	return n, err
}
