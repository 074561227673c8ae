package store

// runMigrations executes all database migrations.
func (s *Store) runMigrations() error {
	migrations := []string{
		// Detections table - one row per finished recognition, plate NULL when none was found
		`CREATE TABLE IF NOT EXISTS detections (
			id TEXT PRIMARY KEY,
			camera_id INTEGER NOT NULL CHECK(camera_id > 0),
			plate TEXT,
			dispatched_at DATETIME,
			detected_at DATETIME NOT NULL
		)`,

		// Settings table - stores application settings as key-value pairs
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_detections_camera_id ON detections(camera_id, detected_at)`,
		`CREATE INDEX IF NOT EXISTS idx_detections_plate ON detections(plate)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return err
		}
	}

	return nil
}
