package mysql

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"flappysomnia/internal/domain"

	_ "github.com/go-sql-driver/mysql"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Archive is an optional shared store of settled games, useful when
// several arcade instances report into one operations dashboard. It is
// not part of the reliability path: every write is best effort and the
// local sqlite store remains authoritative.
type Archive struct {
	db *sql.DB
}

func NewArchive(dsn string) (*Archive, error) {
	if dsn == "" {
		return nil, errors.New("db dsn is required")
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	if err := createSchema(db); err != nil {
		return nil, err
	}
	return &Archive{db: db}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS settled_games (
		game_id BIGINT UNSIGNED NOT NULL PRIMARY KEY,
		address VARCHAR(64) NOT NULL,
		score BIGINT UNSIGNED NOT NULL,
		total_jumps BIGINT UNSIGNED NOT NULL,
		local_only TINYINT NOT NULL,
		settled_at BIGINT NOT NULL,
		INDEX idx_score (score DESC)
	)`)
	return err
}

func (a *Archive) StoreSettlement(ctx context.Context, score domain.LocalScore, localOnly bool) error {
	tracer := otel.Tracer("flappysomnia/archive")
	ctx, span := tracer.Start(ctx, "archive.store_settlement")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("game.id", int64(score.GameID)),
		attribute.Int64("game.score", int64(score.Score)),
		attribute.Bool("local_only", localOnly),
	)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	local := 0
	if localOnly {
		local = 1
	}
	_, err := a.db.ExecContext(ctx, `INSERT INTO settled_games (game_id, address, score, total_jumps, local_only, settled_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			address = VALUES(address),
			score = VALUES(score),
			total_jumps = VALUES(total_jumps),
			local_only = VALUES(local_only),
			settled_at = VALUES(settled_at)`,
		score.GameID, strings.ToLower(score.Address), score.Score, score.TotalJumps, local, score.Timestamp)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (a *Archive) ArchivedScores(ctx context.Context, limit int) ([]domain.LeaderboardEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if limit <= 0 || limit > 100 {
		limit = 10
	}
	rows, err := a.db.QueryContext(ctx, `SELECT address, score, local_only, settled_at
		FROM settled_games ORDER BY score DESC, game_id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.LeaderboardEntry
	for rows.Next() {
		var entry domain.LeaderboardEntry
		var local int
		if err := rows.Scan(&entry.Address, &entry.Score, &local, &entry.Timestamp); err != nil {
			return nil, err
		}
		entry.LocalOnly = local != 0
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (a *Archive) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return a.db.PingContext(ctx)
}

func (a *Archive) Close() error {
	return a.db.Close()
}
