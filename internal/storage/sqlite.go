package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/warp-endpoint-scanner/internal/types"
)

// SQLiteStorage keeps the ranking as one row per endpoint plus a stats row
type SQLiteStorage struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS ranked_endpoints (
	rank INTEGER PRIMARY KEY,
	endpoint TEXT NOT NULL UNIQUE,
	avg_latency_ms REAL NOT NULL,
	loss_rate_percent REAL NOT NULL,
	successes INTEGER NOT NULL,
	tries INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS scan_stats (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	data TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
`

func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// sqlite serializes writers anyway
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

// Save replaces the stored ranking in one transaction
func (s *SQLiteStorage) Save(ctx context.Context, snapshot *types.Snapshot) error {
	stats, err := json.Marshal(snapshot.Stats)
	if err != nil {
		return fmt.Errorf("marshal stats: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM ranked_endpoints"); err != nil {
		return fmt.Errorf("delete old ranking: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO ranked_endpoints
		(rank, endpoint, avg_latency_ms, loss_rate_percent, successes, tries) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, m := range snapshot.Ranked {
		if _, err := stmt.ExecContext(ctx, i+1, m.Endpoint.String(), m.AvgLatencyMs, m.LossRatePercent, m.Successes, m.Tries); err != nil {
			return fmt.Errorf("insert %s: %w", m.Endpoint, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO scan_stats (id, data, updated_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		string(stats), snapshot.Updated.UTC()); err != nil {
		return fmt.Errorf("upsert stats: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) Load(ctx context.Context) (*types.Snapshot, error) {
	var (
		statsData string
		updated   time.Time
	)
	err := s.db.QueryRowContext(ctx, "SELECT data, updated_at FROM scan_stats WHERE id = 1").Scan(&statsData, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query stats: %w", err)
	}

	snap := &types.Snapshot{Ranked: []types.Measurement{}, Updated: updated}
	if err := json.Unmarshal([]byte(statsData), &snap.Stats); err != nil {
		return nil, fmt.Errorf("unmarshal stats: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT endpoint, avg_latency_ms, loss_rate_percent, successes, tries
		FROM ranked_endpoints ORDER BY rank`)
	if err != nil {
		return nil, fmt.Errorf("query ranking: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			endpoint string
			m        types.Measurement
		)
		if err := rows.Scan(&endpoint, &m.AvgLatencyMs, &m.LossRatePercent, &m.Successes, &m.Tries); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		ap, err := netip.ParseAddrPort(endpoint)
		if err != nil {
			return nil, fmt.Errorf("stored endpoint %q: %w", endpoint, err)
		}
		m.Endpoint = types.Endpoint{AddrPort: ap}
		snap.Ranked = append(snap.Ranked, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ranking: %w", err)
	}

	return snap, nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
