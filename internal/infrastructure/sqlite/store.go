package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"flappysomnia/internal/domain"

	_ "modernc.org/sqlite"
)

const (
	queueKey       = "tx_queue"
	leaderboardKey = "leaderboard_cache"
)

// Store is the durable local state of one arcade instance: the serialized
// transaction queue, locally-settled scores, the unique-player set and the
// fallback leaderboard cache. Blob values are versionless best-effort JSON;
// a snapshot that fails to parse reads as empty, never as an error.
type Store struct {
	db *sql.DB
}

func NewStore(dbPath string) (*Store, error) {
	if dbPath == "" {
		return nil, errors.New("db path is required")
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	if err := createSchema(db); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func createSchema(db *sql.DB) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS local_scores (
			game_id INTEGER PRIMARY KEY,
			address TEXT NOT NULL,
			score INTEGER NOT NULL,
			total_jumps INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS known_players (
			address TEXT PRIMARY KEY
		)`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) SaveQueue(ctx context.Context, records []domain.TransactionRecord) error {
	if records == nil {
		records = []domain.TransactionRecord{}
	}
	payload, err := json.Marshal(records)
	if err != nil {
		return err
	}
	return s.setValue(ctx, queueKey, string(payload))
}

func (s *Store) LoadQueue(ctx context.Context) ([]domain.TransactionRecord, error) {
	raw, ok, err := s.getValue(ctx, queueKey)
	if err != nil || !ok {
		return nil, err
	}
	var records []domain.TransactionRecord
	if err := json.Unmarshal([]byte(raw), &records); err != nil {
		// Treat a corrupt snapshot as an empty queue.
		return nil, nil
	}
	return records, nil
}

func (s *Store) SaveLocalScore(ctx context.Context, score domain.LocalScore) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `INSERT INTO local_scores (game_id, address, score, total_jumps, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(game_id) DO UPDATE SET
			address = excluded.address,
			score = excluded.score,
			total_jumps = excluded.total_jumps,
			created_at = excluded.created_at`,
		score.GameID, strings.ToLower(score.Address), score.Score, score.TotalJumps, score.Timestamp)
	return err
}

func (s *Store) LocalScores(ctx context.Context) ([]domain.LocalScore, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `SELECT game_id, address, score, total_jumps, created_at
		FROM local_scores ORDER BY score DESC, game_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var scores []domain.LocalScore
	for rows.Next() {
		var score domain.LocalScore
		if err := rows.Scan(&score.GameID, &score.Address, &score.Score, &score.TotalJumps, &score.Timestamp); err != nil {
			return nil, err
		}
		scores = append(scores, score)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return scores, nil
}

func (s *Store) AddKnownPlayer(ctx context.Context, address string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `INSERT INTO known_players (address) VALUES (?)
		ON CONFLICT(address) DO NOTHING`, strings.ToLower(address))
	return err
}

func (s *Store) KnownPlayers(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `SELECT address FROM known_players ORDER BY address ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var players []string
	for rows.Next() {
		var address string
		if err := rows.Scan(&address); err != nil {
			return nil, err
		}
		players = append(players, address)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return players, nil
}

type cachedLeaderboard struct {
	Data      []domain.LeaderboardEntry `json:"data"`
	Timestamp int64                     `json:"timestamp"`
}

func (s *Store) GetLeaderboard(ctx context.Context) ([]domain.LeaderboardEntry, time.Time, bool) {
	raw, ok, err := s.getValue(ctx, leaderboardKey)
	if err != nil || !ok {
		return nil, time.Time{}, false
	}
	var cached cachedLeaderboard
	if err := json.Unmarshal([]byte(raw), &cached); err != nil {
		return nil, time.Time{}, false
	}
	return cached.Data, time.UnixMilli(cached.Timestamp), true
}

func (s *Store) SetLeaderboard(ctx context.Context, entries []domain.LeaderboardEntry, at time.Time) error {
	payload, err := json.Marshal(cachedLeaderboard{Data: entries, Timestamp: at.UnixMilli()})
	if err != nil {
		return err
	}
	return s.setValue(ctx, leaderboardKey, string(payload))
}

func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) setValue(ctx context.Context, key, value string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `INSERT INTO kv (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

func (s *Store) getValue(ctx context.Context, key string) (string, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	var value string
	if err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return value, true, nil
}
