package metrics

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	// registers the "sqlite" driver
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS samples (
	target TEXT NOT NULL,
	metric TEXT NOT NULL,
	labels TEXT NOT NULL,
	ts     INTEGER NOT NULL,
	value  REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS samples_lookup ON samples (target, metric, ts);
CREATE INDEX IF NOT EXISTS samples_ts ON samples (ts);

CREATE TABLE IF NOT EXISTS gaps (
	target TEXT NOT NULL,
	ts     INTEGER NOT NULL,
	reason TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS gaps_lookup ON gaps (target, ts);
`

// Sample is one value of one series at the time it was scraped.
type Sample struct {
	Metric string
	Labels string // canonical label set, e.g. {code="200", method="get"}
	Time   time.Time
	Value  float64
}

// Series is every stored point of one metric/label combination within a time window.
type Series struct {
	Target string  `json:"target"`
	Metric string  `json:"metric"`
	Labels string  `json:"labels"`
	Points []Point `json:"points"`
}

type Point struct {
	Time  time.Time `json:"t"`
	Value float64   `json:"v"`
}

// Gap marks a scrape interval with no samples.
type Gap struct {
	Target string    `json:"target"`
	Time   time.Time `json:"time"`
	Reason string    `json:"reason"`
}

// Store persists scraped samples and gaps in SQLite, keyed by (target, metric, timestamp).
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// OpenStore opens or creates the database at path. Use ":memory:" for a throwaway store.
func OpenStore(path string, log zerolog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// one connection so that writers never contend and :memory: stays a single database
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
		PRAGMA synchronous = NORMAL;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configuring database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	log.Debug().Str("path", path).Msg("opened metrics store")
	return &Store{db: db, log: log}, nil
}

// Append writes a batch of samples for one target atomically.
func (s *Store) Append(ctx context.Context, target string, samples []*Sample) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, "INSERT INTO samples (target, metric, labels, ts, value) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	for _, sample := range samples {
		if _, err := stmt.ExecContext(ctx, target, sample.Metric, sample.Labels, sample.Time.UnixMilli(), sample.Value); err != nil {
			return fmt.Errorf("inserting sample: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Store) RecordGap(ctx context.Context, target string, ts time.Time, reason string) error {
	_, err := s.db.ExecContext(ctx, "INSERT INTO gaps (target, ts, reason) VALUES (?, ?, ?)", target, ts.UnixMilli(), reason)
	if err != nil {
		return fmt.Errorf("inserting gap: %w", err)
	}
	return nil
}

// Series returns the points of every series of metric on target within [from, to], grouped by label set.
func (s *Store) Series(ctx context.Context, target, metric string, from, to time.Time) ([]*Series, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT labels, ts, value FROM samples
		WHERE target = ? AND metric = ? AND ts >= ? AND ts <= ?
		ORDER BY labels, ts`, target, metric, from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("querying samples: %w", err)
	}
	defer rows.Close()

	list := []*Series{}
	var current *Series
	for rows.Next() {
		var (
			labels string
			ts     int64
			value  float64
		)
		if err := rows.Scan(&labels, &ts, &value); err != nil {
			return nil, err
		}
		if current == nil || current.Labels != labels {
			current = &Series{Target: target, Metric: metric, Labels: labels}
			list = append(list, current)
		}
		current.Points = append(current.Points, Point{Time: time.UnixMilli(ts).UTC(), Value: value})
	}
	return list, rows.Err()
}

// Gaps returns the gaps recorded for target within [from, to], oldest first. An empty target matches all targets.
func (s *Store) Gaps(ctx context.Context, target string, from, to time.Time) ([]*Gap, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT target, ts, reason FROM gaps
		WHERE (? = '' OR target = ?) AND ts >= ? AND ts <= ?
		ORDER BY ts, target`, target, target, from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("querying gaps: %w", err)
	}
	defer rows.Close()

	list := []*Gap{}
	for rows.Next() {
		gap := &Gap{}
		var ts int64
		if err := rows.Scan(&gap.Target, &ts, &gap.Reason); err != nil {
			return nil, err
		}
		gap.Time = time.UnixMilli(ts).UTC()
		list = append(list, gap)
	}
	return list, rows.Err()
}

// Metrics lists the distinct metric names stored for target.
func (s *Store) Metrics(ctx context.Context, target string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT metric FROM samples WHERE target = ? ORDER BY metric", target)
	if err != nil {
		return nil, fmt.Errorf("querying metric names: %w", err)
	}
	defer rows.Close()

	names := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Prune deletes samples and gaps older than before, returning the number of rows removed.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	var total int64
	for _, table := range []string{"samples", "gaps"} {
		res, err := s.db.ExecContext(ctx, "DELETE FROM "+table+" WHERE ts < ?", before.UnixMilli())
		if err != nil {
			return total, fmt.Errorf("pruning %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// Close checkpoints the WAL and closes the database.
func (s *Store) Close() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.log.Warn().Err(err).Msg("failed to checkpoint WAL")
	}
	return s.db.Close()
}
