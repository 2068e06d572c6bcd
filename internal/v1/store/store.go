// Package store persists match history in SQLite.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/RoseWrightdev/vrlink/internal/v1/metrics"
	"github.com/RoseWrightdev/vrlink/internal/v1/types"
	_ "modernc.org/sqlite"
)

// DefaultRecentLimit caps RecentMatches when no limit is given.
const DefaultRecentLimit = 20

// Store is the match history database.
type Store struct {
	db   *sql.DB
	path string
}

// New opens the database at dbPath and runs migrations.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer; the update loop is the only caller that records.
	db.SetMaxOpenConns(1)

	var journal string
	if err := db.QueryRow("PRAGMA journal_mode = WAL").Scan(&journal); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	s := &Store{db: db, path: dbPath}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// RecordMatch stores a finished round and returns its id.
func (s *Store) RecordMatch(ctx context.Context, m types.MatchResult) (int64, error) {
	endedAt := m.EndedAt
	if endedAt.IsZero() {
		endedAt = time.Now()
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO matches (mode, winner, vr_score, tablet_score, chef_score, soldado_score, duration_ms, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(m.Mode), string(m.Winner), m.VRScore, m.TabletScore, m.ChefScore, m.SoldadoScore,
		m.Duration.Milliseconds(), endedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert match: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read match id: %w", err)
	}
	metrics.MatchesRecorded.WithLabelValues(string(m.Winner)).Inc()
	return id, nil
}

// RecentMatches returns up to limit matches, newest first.
func (s *Store) RecentMatches(ctx context.Context, limit int) ([]types.MatchResult, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, mode, winner, vr_score, tablet_score, chef_score, soldado_score, duration_ms, ended_at
		 FROM matches ORDER BY ended_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query matches: %w", err)
	}
	defer rows.Close()

	matches := []types.MatchResult{}
	for rows.Next() {
		var (
			m          types.MatchResult
			mode       string
			winner     string
			durationMs int64
			endedAt    string
		)
		if err := rows.Scan(&m.ID, &mode, &winner, &m.VRScore, &m.TabletScore, &m.ChefScore, &m.SoldadoScore, &durationMs, &endedAt); err != nil {
			return nil, fmt.Errorf("failed to scan match: %w", err)
		}
		m.Mode = types.GameMode(mode)
		m.Winner = types.Winner(winner)
		m.Duration = time.Duration(durationMs) * time.Millisecond
		if m.EndedAt, err = time.Parse(time.RFC3339Nano, endedAt); err != nil {
			return nil, fmt.Errorf("failed to parse ended_at %q: %w", endedAt, err)
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// Totals counts wins per side across all recorded matches.
func (s *Store) Totals(ctx context.Context) (map[types.Winner]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT winner, COUNT(*) FROM matches GROUP BY winner`)
	if err != nil {
		return nil, fmt.Errorf("failed to count matches: %w", err)
	}
	defer rows.Close()

	totals := map[types.Winner]int{}
	for rows.Next() {
		var winner string
		var n int
		if err := rows.Scan(&winner, &n); err != nil {
			return nil, fmt.Errorf("failed to scan totals: %w", err)
		}
		totals[types.Winner(winner)] = n
	}
	return totals, rows.Err()
}
