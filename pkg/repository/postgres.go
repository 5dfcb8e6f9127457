package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	// Registers the postgres driver for database/sql.
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/tecu23/live-server/pkg/chess"
	"github.com/tecu23/live-server/pkg/game"
)

const createFinishedGames = `
CREATE TABLE IF NOT EXISTS finished_games (
	game_id         TEXT PRIMARY KEY,
	mode            TEXT NOT NULL,
	white_id        TEXT NOT NULL,
	black_id        TEXT NOT NULL,
	initial_fen     TEXT NOT NULL,
	final_fen       TEXT NOT NULL,
	plies           JSONB NOT NULL,
	cause           TEXT NOT NULL,
	result          TEXT NOT NULL,
	white_ms        BIGINT NOT NULL,
	black_ms        BIGINT NOT NULL,
	white_time      BIGINT NOT NULL,
	black_time      BIGINT NOT NULL,
	white_increment BIGINT NOT NULL,
	black_increment BIGINT NOT NULL,
	pgn             TEXT NOT NULL,
	started_at      TIMESTAMPTZ,
	finished_at     TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS finished_games_white_idx ON finished_games (white_id, finished_at DESC);
CREATE INDEX IF NOT EXISTS finished_games_black_idx ON finished_games (black_id, finished_at DESC);
`

// PostgresArchive stores finished games in Postgres.
type PostgresArchive struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresArchive connects, verifies the connection and ensures the
// schema exists.
func NewPostgresArchive(databaseURL string, logger *zap.Logger) (*PostgresArchive, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("database url is required")
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}

	a := &PostgresArchive{db: db, logger: logger}
	if err := a.ensureSchema(ctx); err != nil {
		return nil, err
	}

	return a, nil
}

// Close releases the connection pool.
func (a *PostgresArchive) Close() error {
	if a == nil || a.db == nil {
		return nil
	}
	return a.db.Close()
}

func (a *PostgresArchive) ensureSchema(ctx context.Context) error {
	_, err := a.db.ExecContext(ctx, createFinishedGames)
	return err
}

// Save inserts a finished game. A game that is already archived is left
// alone.
func (a *PostgresArchive) Save(ctx context.Context, rec game.ArchiveRecord) error {
	pliesRaw, err := json.Marshal(rec.Plies)
	if err != nil {
		return err
	}

	q := `INSERT INTO finished_games (
		game_id, mode, white_id, black_id, initial_fen, final_fen,
		plies, cause, result, white_ms, black_ms,
		white_time, black_time, white_increment, black_increment,
		pgn, started_at, finished_at
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18
	) ON CONFLICT (game_id) DO NOTHING`

	_, err = a.db.ExecContext(ctx, q,
		rec.GameID, rec.Mode, rec.WhiteID, rec.BlackID, rec.InitialFEN, rec.FinalFEN,
		string(pliesRaw), rec.Cause, rec.Result, rec.WhiteMs, rec.BlackMs,
		rec.TimeControl.WhiteTime, rec.TimeControl.BlackTime,
		rec.TimeControl.WhiteIncrement, rec.TimeControl.BlackIncrement,
		BuildPGN(rec), rec.StartedAt, rec.FinishedAt,
	)

	return err
}

// Get returns one archived game by ID.
func (a *PostgresArchive) Get(ctx context.Context, gameID string) (game.ArchiveRecord, error) {
	q := selectColumns + ` WHERE game_id = $1`

	rec, err := scanRecord(a.db.QueryRowContext(ctx, q, gameID))
	if errors.Is(err, sql.ErrNoRows) {
		return game.ArchiveRecord{}, ErrNotFound
	}

	return rec, err
}

// ListByUser returns games the user played in, most recently finished
// first.
func (a *PostgresArchive) ListByUser(ctx context.Context, userID string, limit int) ([]game.ArchiveRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	q := selectColumns + ` WHERE white_id = $1 OR black_id = $1
		ORDER BY finished_at DESC LIMIT $2`

	rows, err := a.db.QueryContext(ctx, q, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []game.ArchiveRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}

	return out, rows.Err()
}

const selectColumns = `SELECT
	game_id, mode, white_id, black_id, initial_fen, final_fen,
	plies, cause, result, white_ms, black_ms,
	white_time, black_time, white_increment, black_increment,
	started_at, finished_at
	FROM finished_games`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (game.ArchiveRecord, error) {
	var (
		rec        game.ArchiveRecord
		pliesRaw   []byte
		startedAt  sql.NullTime
		finishedAt sql.NullTime
	)

	err := row.Scan(
		&rec.GameID, &rec.Mode, &rec.WhiteID, &rec.BlackID, &rec.InitialFEN, &rec.FinalFEN,
		&pliesRaw, &rec.Cause, &rec.Result, &rec.WhiteMs, &rec.BlackMs,
		&rec.TimeControl.WhiteTime, &rec.TimeControl.BlackTime,
		&rec.TimeControl.WhiteIncrement, &rec.TimeControl.BlackIncrement,
		&startedAt, &finishedAt,
	)
	if err != nil {
		return game.ArchiveRecord{}, err
	}

	if len(pliesRaw) > 0 {
		var plies []chess.Ply
		if err := json.Unmarshal(pliesRaw, &plies); err != nil {
			return game.ArchiveRecord{}, err
		}
		rec.Plies = plies
	}

	if startedAt.Valid {
		rec.StartedAt = startedAt.Time
	}
	if finishedAt.Valid {
		rec.FinishedAt = finishedAt.Time
	}

	return rec, nil
}
