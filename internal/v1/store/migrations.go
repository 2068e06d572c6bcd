package store

// runMigrations executes all database migrations.
func (s *Store) runMigrations() error {
	migrations := []string{
		// Matches table - one row per finished round
		`CREATE TABLE IF NOT EXISTS matches (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			mode TEXT NOT NULL,
			winner TEXT NOT NULL CHECK(winner IN ('VR', 'Tablet', 'Tie')),
			vr_score INTEGER NOT NULL,
			tablet_score INTEGER NOT NULL,
			chef_score INTEGER NOT NULL DEFAULT 0,
			soldado_score INTEGER NOT NULL DEFAULT 0,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			ended_at TEXT NOT NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_matches_ended_at ON matches(ended_at)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return err
		}
	}

	return nil
}
