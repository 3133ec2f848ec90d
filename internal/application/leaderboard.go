package application

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"flappysomnia/internal/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// GameSource reads leaderboard games from the chain.
type GameSource interface {
	FetchGames(ctx context.Context) ([]domain.GameInfo, error)
}

// LeaderboardCache persists the last merged standings with their refresh
// time. Set is best effort.
type LeaderboardCache interface {
	GetLeaderboard(ctx context.Context) ([]domain.LeaderboardEntry, time.Time, bool)
	SetLeaderboard(ctx context.Context, entries []domain.LeaderboardEntry, at time.Time) error
}

// ArchiveScores reads settled games back from the optional archive.
type ArchiveScores interface {
	ArchivedScores(ctx context.Context, limit int) ([]domain.LeaderboardEntry, error)
}

type LeaderboardObserver interface {
	OnLeaderboardRefresh(size int, usingLocal bool)
}

type LeaderboardConfig struct {
	TTL  time.Duration
	Size int
}

// Leaderboard merges on-chain games with local contributions into a cached
// top-N view. Entries from different sources are never deduplicated by
// address; only queue records collapse to the max score per game id.
type Leaderboard struct {
	source   GameSource
	queue    *Queue
	scores   ScoreStore
	archive  ArchiveScores
	cache    LeaderboardCache
	observer LeaderboardObserver
	cfg      LeaderboardConfig

	mu         sync.Mutex
	usingLocal bool
}

func NewLeaderboard(source GameSource, queue *Queue, scores ScoreStore, archive ArchiveScores, cache LeaderboardCache, observer LeaderboardObserver, cfg LeaderboardConfig) (*Leaderboard, error) {
	if source == nil || queue == nil || scores == nil || cache == nil {
		return nil, errors.New("leaderboard dependencies must not be nil")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	if cfg.Size <= 0 {
		cfg.Size = 10
	}
	return &Leaderboard{
		source:   source,
		queue:    queue,
		scores:   scores,
		archive:  archive,
		cache:    cache,
		observer: observer,
		cfg:      cfg,
	}, nil
}

// TopScores returns the merged standings, highest score first. A cache
// entry younger than the TTL is returned as-is; otherwise a refresh runs.
// The boolean reports whether the result is built from local data only.
func (l *Leaderboard) TopScores(ctx context.Context, n int) ([]domain.LeaderboardEntry, bool, error) {
	if n <= 0 || n > l.cfg.Size {
		n = l.cfg.Size
	}
	if cached, at, ok := l.cache.GetLeaderboard(ctx); ok && time.Since(at) < l.cfg.TTL {
		l.mu.Lock()
		usingLocal := l.usingLocal
		l.mu.Unlock()
		return truncate(cached, n), usingLocal, nil
	}

	entries, usingLocal, err := l.Refresh(ctx)
	if err != nil {
		return nil, false, err
	}
	return truncate(entries, n), usingLocal, nil
}

// Refresh rebuilds the standings and replaces the cache value. A total
// on-chain failure is not an error: the merge falls back to an empty
// on-chain base and the result is flagged as local data.
func (l *Leaderboard) Refresh(ctx context.Context) ([]domain.LeaderboardEntry, bool, error) {
	tracer := otel.Tracer("flappysomnia/leaderboard")
	ctx, span := tracer.Start(ctx, "leaderboard.refresh")
	defer span.End()

	usingLocal := false
	games, err := l.source.FetchGames(ctx)
	if err != nil {
		slog.Warn("on-chain leaderboard unavailable, using local data", "err", err)
		usingLocal = true
		games = nil
	}

	entries := make([]domain.LeaderboardEntry, 0, len(games))
	for _, game := range games {
		if !game.Ended || game.Score == 0 {
			continue
		}
		entries = append(entries, domain.LeaderboardEntry{
			Address:   game.Player,
			Score:     game.Score,
			Timestamp: game.EndedAt,
		})
	}

	entries = append(entries, l.queueEntries()...)

	if scores, err := l.scores.LocalScores(ctx); err != nil {
		slog.Warn("local scores read failed", "err", err)
	} else {
		for _, score := range scores {
			entries = append(entries, domain.LeaderboardEntry{
				Address:   score.Address,
				Score:     score.Score,
				Timestamp: score.Timestamp,
				LocalOnly: true,
			})
		}
	}

	if l.archive != nil {
		if archived, err := l.archive.ArchivedScores(ctx, l.cfg.Size); err != nil {
			slog.Debug("archive read failed", "err", err)
		} else {
			entries = append(entries, archived...)
		}
	}

	sort.SliceStable(entries, func(a, b int) bool {
		return entries[a].Score > entries[b].Score
	})
	entries = truncate(entries, l.cfg.Size)

	if err := l.cache.SetLeaderboard(ctx, entries, time.Now()); err != nil {
		slog.Warn("leaderboard cache write failed", "err", err)
	}

	l.mu.Lock()
	l.usingLocal = usingLocal
	l.mu.Unlock()

	span.SetAttributes(
		attribute.Int("entries", len(entries)),
		attribute.Bool("using_local", usingLocal),
	)
	if l.observer != nil {
		l.observer.OnLeaderboardRefresh(len(entries), usingLocal)
	}
	return entries, usingLocal, nil
}

// queueEntries extracts confirmed end-game records, collapsed to the
// maximum score seen per game id.
func (l *Leaderboard) queueEntries() []domain.LeaderboardEntry {
	best := make(map[uint64]domain.LeaderboardEntry)
	order := make([]uint64, 0)
	for _, record := range l.queue.Records() {
		if record.Kind != domain.TxKindEndGame || record.Status != domain.TxStatusConfirmed || record.FinalScore == 0 {
			continue
		}
		entry := domain.LeaderboardEntry{
			Address:   record.Player,
			Score:     record.FinalScore,
			Timestamp: record.CreatedAt,
			LocalOnly: record.LocalOnly,
		}
		if existing, ok := best[record.GameID]; !ok {
			best[record.GameID] = entry
			order = append(order, record.GameID)
		} else if entry.Score > existing.Score {
			best[record.GameID] = entry
		}
	}
	out := make([]domain.LeaderboardEntry, 0, len(order))
	for _, id := range order {
		out = append(out, best[id])
	}
	return out
}

// Run refreshes the standings on a fixed interval until ctx is cancelled.
func (l *Leaderboard) Run(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = 30 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := l.Refresh(ctx); err != nil {
				slog.Warn("leaderboard refresh failed", "err", err)
			}
		}
	}
}

func truncate(entries []domain.LeaderboardEntry, n int) []domain.LeaderboardEntry {
	if len(entries) > n {
		entries = entries[:n]
	}
	out := make([]domain.LeaderboardEntry, len(entries))
	copy(out, entries)
	return out
}
