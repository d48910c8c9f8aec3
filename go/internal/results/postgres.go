package results

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/sqlc-dev/pqtype"

	"github.com/runnermp/runner-mp/go/internal/protocol"
	"github.com/runnermp/runner-mp/go/internal/sqlutil"
)

//go:embed schema.sql
var schema string

const (
	insertRecord = `
INSERT INTO race_results (id, track_id, match_id, cid, winner, finished_at, run_ms, finish, recorded_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (id) DO NOTHING`

	listRecords = `
SELECT id, track_id, match_id, cid, winner, finished_at, run_ms, finish, recorded_at
FROM race_results
WHERE track_id = $1
ORDER BY finished_at, id`
)

// PostgresStore archives records in the race_results table.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres connects with lib/pq and verifies the connection.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// NewPostgresStore creates the results table if needed.
func NewPostgresStore(ctx context.Context, db *sql.DB) (*PostgresStore, error) {
	err := sqlutil.Run(ctx, db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, schema)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to apply results schema: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Save(ctx context.Context, rec Record) error {
	finish, err := finishColumn(rec)
	if err != nil {
		return err
	}

	_, err = p.db.ExecContext(ctx, insertRecord,
		rec.ID,
		rec.TrackID,
		rec.MatchID,
		rec.Cid,
		rec.Winner,
		sqlutil.FromEpochMs(rec.FinishedAtEpochMs),
		sqlutil.ToNullFloat64(rec.RunMs),
		finish,
		rec.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert record: %w", err)
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, trackID string) ([]Record, error) {
	rows, err := p.db.QueryContext(ctx, listRecords, trackID)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		var (
			rec        Record
			finishedAt time.Time
			runMs      sql.NullFloat64
			finish     pqtype.NullRawMessage
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.TrackID,
			&rec.MatchID,
			&rec.Cid,
			&rec.Winner,
			&finishedAt,
			&runMs,
			&finish,
			&rec.RecordedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		rec.FinishedAtEpochMs = finishedAt.UnixMilli()
		rec.RunMs = sqlutil.FromNullFloat64(runMs)
		if finish.Valid {
			var snap protocol.FinishSnapshot
			if err := json.Unmarshal(finish.RawMessage, &snap); err == nil {
				rec.X, rec.Y = snap.X, snap.Y
			}
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate records: %w", err)
	}
	return records, nil
}

func (p *PostgresStore) Close() error {
	return p.db.Close()
}

// finishColumn encodes the finish position for the JSONB column.
func finishColumn(rec Record) (pqtype.NullRawMessage, error) {
	raw, err := json.Marshal(protocol.FinishSnapshot{
		X:           rec.X,
		Y:           rec.Y,
		RunMs:       rec.RunMs,
		ServerNowMs: rec.FinishedAtEpochMs,
	})
	if err != nil {
		return pqtype.NullRawMessage{}, fmt.Errorf("failed to marshal finish: %w", err)
	}
	return pqtype.NullRawMessage{RawMessage: raw, Valid: len(raw) > 0}, nil
}
