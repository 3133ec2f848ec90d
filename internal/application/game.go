package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"flappysomnia/internal/domain"
)

// SessionState is the orchestrator's per-session state machine position.
type SessionState string

const (
	StateIdle         SessionState = "idle"
	StateStarting     SessionState = "starting"
	StatePlaying      SessionState = "playing"
	StateEnding       SessionState = "ending"
	StateSettled      SessionState = "settled"
	StateSettledLocal SessionState = "settled_local"
)

// Submitter is the dispatcher surface the orchestrator needs.
type Submitter interface {
	Submit(ctx context.Context, data []byte, opts SubmitOptions) (domain.Receipt, error)
	GameInfo(ctx context.Context, gameID uint64) (domain.GameInfo, error)
}

// ScoreStore is the durable local store for scores and known players,
// independent of the transaction queue.
type ScoreStore interface {
	SaveLocalScore(ctx context.Context, score domain.LocalScore) error
	LocalScores(ctx context.Context) ([]domain.LocalScore, error)
	AddKnownPlayer(ctx context.Context, address string) error
}

// SettlementArchive receives settled games for long-term storage. Optional;
// writes are best effort.
type SettlementArchive interface {
	StoreSettlement(ctx context.Context, score domain.LocalScore, localOnly bool) error
}

type GameObserver interface {
	OnSettlement(localOnly bool)
}

var (
	ErrGameInProgress = errors.New("a game is already in progress")
	ErrNotPlaying     = errors.New("no game in progress")
	ErrSubmitBlocked  = errors.New("another transaction is pending")
)

const (
	jumpFlushEvery = 10
	jumpBufferCap  = 50
)

type GameConfig struct {
	StartWaitTimeout time.Duration
	EndWaitTimeout   time.Duration
}

// SettleResult is what the UI renders after end-of-game. LocalOnly means
// the score was preserved locally because the chain write did not succeed;
// Message carries the user-facing reason when one exists.
type SettleResult struct {
	GameID     uint64 `json:"game_id"`
	Score      uint64 `json:"score"`
	TotalJumps uint64 `json:"total_jumps"`
	LocalOnly  bool   `json:"local_only"`
	TxHash     string `json:"tx_hash,omitempty"`
	Message    string `json:"message,omitempty"`
}

// Game sequences start/jump/end against the contract. One session at a
// time; all chain interaction goes through the queue and dispatcher, and
// a failed end-game always falls back to the local score store.
type Game struct {
	mu           sync.Mutex
	state        SessionState
	session      *domain.GameSession
	pendingJumps []domain.Jump

	queue    *Queue
	submit   Submitter
	codec    ContractCodec
	scores   ScoreStore
	archive  SettlementArchive
	observer GameObserver
	cfg      GameConfig
}

func NewGame(queue *Queue, submit Submitter, codec ContractCodec, scores ScoreStore, archive SettlementArchive, observer GameObserver, cfg GameConfig) (*Game, error) {
	if queue == nil || submit == nil || codec == nil || scores == nil {
		return nil, errors.New("game dependencies must not be nil")
	}
	if cfg.StartWaitTimeout <= 0 {
		cfg.StartWaitTimeout = 30 * time.Second
	}
	if cfg.EndWaitTimeout <= 0 {
		cfg.EndWaitTimeout = 60 * time.Second
	}
	return &Game{
		state:    StateIdle,
		queue:    queue,
		submit:   submit,
		codec:    codec,
		scores:   scores,
		archive:  archive,
		observer: observer,
		cfg:      cfg,
	}, nil
}

// StartGame submits the start transaction and enters Playing on success.
func (g *Game) StartGame(ctx context.Context, player string) (uint64, error) {
	g.mu.Lock()
	switch g.state {
	case StateStarting, StatePlaying, StateEnding:
		g.mu.Unlock()
		return 0, ErrGameInProgress
	}

	// Reconcile before the submission decision in case the flag is stale.
	g.queue.Reconcile()
	if !g.queue.CanSubmit(domain.TxKindStartGame) {
		g.mu.Unlock()
		return 0, ErrSubmitBlocked
	}
	g.state = StateStarting
	g.session = nil
	g.pendingJumps = nil
	g.mu.Unlock()

	player = strings.ToLower(player)
	id := newRecordID(domain.TxKindStartGame)
	g.queue.Enqueue(ctx, domain.TransactionRecord{
		ID:     id,
		Kind:   domain.TxKindStartGame,
		Status: domain.TxStatusPending,
		Player: player,
	})

	data, err := g.codec.PackStartGame(player)
	if err != nil {
		g.failStart(ctx, id, err)
		return 0, err
	}

	receipt, err := g.submit.Submit(ctx, data, SubmitOptions{
		WaitTimeout: g.cfg.StartWaitTimeout,
		OnBroadcast: func(hash string) {
			g.queue.Update(ctx, id, RecordPatch{ChainHash: &hash})
		},
	})
	if err != nil {
		g.failStart(ctx, id, err)
		return 0, err
	}

	gameID, ok := g.codec.GameStartedID(receipt)
	if !ok {
		err := fmt.Errorf("start receipt %s has no GameStarted event", receipt.TxHash)
		g.failStart(ctx, id, err)
		return 0, err
	}

	confirmed := domain.TxStatusConfirmed
	g.queue.Update(ctx, id, RecordPatch{
		Status:    &confirmed,
		ChainHash: &receipt.TxHash,
		GameID:    &gameID,
	})

	if err := g.scores.AddKnownPlayer(ctx, player); err != nil {
		slog.Debug("known player write failed", "address", player, "err", err)
	}

	g.mu.Lock()
	g.session = &domain.GameSession{
		GameID:    gameID,
		Player:    player,
		StartedAt: time.Now().UnixMilli(),
	}
	g.state = StatePlaying
	g.mu.Unlock()

	slog.Info("game started", "game_id", gameID, "player", player, "tx_hash", receipt.TxHash)
	return gameID, nil
}

func (g *Game) failStart(ctx context.Context, id string, err error) {
	failed := domain.TxStatusFailed
	message := UserMessage(err)
	g.queue.Update(ctx, id, RecordPatch{Status: &failed, ErrorMessage: &message})

	g.mu.Lock()
	g.state = StateIdle
	g.mu.Unlock()
	slog.Warn("start game failed", "id", id, "err", err)
}

// UpdateScore raises the session score. Decreases are ignored; the score
// is monotonically non-decreasing while playing.
func (g *Game) UpdateScore(score uint64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != StatePlaying || g.session == nil {
		return ErrNotPlaying
	}
	if score > g.session.Score {
		g.session.Score = score
	}
	return nil
}

// RegisterJump accumulates a jump locally. Every 10th jump flushes into
// the session's rolling buffer (capped at the most recent 50) and emits a
// locally-settled JumpBatch record for observability only.
func (g *Game) RegisterJump(ctx context.Context, scoreAtJump uint64, multiplier float64) error {
	g.mu.Lock()
	if g.state != StatePlaying || g.session == nil {
		g.mu.Unlock()
		return ErrNotPlaying
	}
	g.session.TotalJumps++
	g.pendingJumps = append(g.pendingJumps, domain.Jump{
		Timestamp:   time.Now().UnixMilli(),
		ScoreAtJump: scoreAtJump,
		Multiplier:  multiplier,
	})
	flush := len(g.pendingJumps) >= jumpFlushEvery
	var count int
	if flush {
		count = len(g.pendingJumps)
		g.flushJumpsLocked()
	}
	g.mu.Unlock()

	if flush {
		confirmed := domain.TxStatusConfirmed
		record := domain.TransactionRecord{
			ID:        newRecordID(domain.TxKindJumpBatch),
			Kind:      domain.TxKindJumpBatch,
			Status:    confirmed,
			JumpCount: count,
			LocalOnly: true,
		}
		g.queue.Enqueue(ctx, record)
	}
	return nil
}

func (g *Game) flushJumpsLocked() {
	g.session.Jumps = append(g.session.Jumps, g.pendingJumps...)
	if overflow := len(g.session.Jumps) - jumpBufferCap; overflow > 0 {
		g.session.Jumps = g.session.Jumps[overflow:]
	}
	g.pendingJumps = nil
}

// EndGame freezes the session and settles it, on chain when possible and
// into the local score store otherwise. The local save is the universal
// safety net: it runs for every submission failure, including semantic
// reverts, so a player-visible score is never lost.
func (g *Game) EndGame(ctx context.Context) (SettleResult, error) {
	g.mu.Lock()
	if g.state != StatePlaying || g.session == nil {
		g.mu.Unlock()
		return SettleResult{}, ErrNotPlaying
	}
	g.state = StateEnding
	g.flushJumpsLocked()
	frozen := *g.session
	frozen.Jumps = append([]domain.Jump(nil), g.session.Jumps...)
	g.mu.Unlock()

	result := SettleResult{
		GameID:     frozen.GameID,
		Score:      frozen.Score,
		TotalJumps: frozen.TotalJumps,
	}

	// Best-effort pre-verification. Connectivity failures never block the
	// submission; only clear semantic violations are fatal for the chain
	// path, and those still settle locally.
	if info, err := g.submit.GameInfo(ctx, frozen.GameID); err != nil {
		slog.Warn("end-game pre-verification unavailable", "game_id", frozen.GameID, "err", err)
	} else if info.Ended {
		return g.settleLocal(ctx, frozen, "", errors.New("game already ended")), nil
	} else if info.Player != "" && !strings.EqualFold(info.Player, frozen.Player) {
		return g.settleLocal(ctx, frozen, "", errors.New("wrong player for game")), nil
	}

	g.queue.Reconcile()
	if !g.queue.CanSubmit(domain.TxKindEndGame) {
		// Blocked submissions still settle; the score must not wait on a
		// stuck record.
		return g.settleLocal(ctx, frozen, "", ErrSubmitBlocked), nil
	}

	id := newRecordID(domain.TxKindEndGame)
	g.queue.Enqueue(ctx, domain.TransactionRecord{
		ID:         id,
		Kind:       domain.TxKindEndGame,
		Status:     domain.TxStatusPending,
		Player:     frozen.Player,
		GameID:     frozen.GameID,
		FinalScore: frozen.Score,
		TotalJumps: frozen.TotalJumps,
	})

	data, err := g.codec.PackEndGame(frozen.GameID, frozen.Score, frozen.TotalJumps, jumpScores(frozen.Jumps))
	if err != nil {
		return g.settleLocal(ctx, frozen, id, err), nil
	}

	receipt, err := g.submit.Submit(ctx, data, SubmitOptions{
		WaitTimeout: g.cfg.EndWaitTimeout,
		OnBroadcast: func(hash string) {
			g.queue.Update(ctx, id, RecordPatch{ChainHash: &hash})
		},
	})
	if err != nil {
		return g.settleLocal(ctx, frozen, id, err), nil
	}

	confirmed := domain.TxStatusConfirmed
	g.queue.Update(ctx, id, RecordPatch{Status: &confirmed, ChainHash: &receipt.TxHash})
	g.archiveSettlement(ctx, frozen, false)

	g.mu.Lock()
	g.state = StateSettled
	g.mu.Unlock()
	if g.observer != nil {
		g.observer.OnSettlement(false)
	}

	slog.Info("game settled on chain",
		"game_id", frozen.GameID,
		"score", frozen.Score,
		"jumps", frozen.TotalJumps,
		"tx_hash", receipt.TxHash,
	)
	result.TxHash = receipt.TxHash
	return result, nil
}

// settleLocal writes the authoritative local copy of the score and marks
// the session settled-local-only. recordID may be empty when the failure
// happened before an EndGame record was enqueued.
func (g *Game) settleLocal(ctx context.Context, frozen domain.GameSession, recordID string, cause error) SettleResult {
	score := domain.LocalScore{
		GameID:     frozen.GameID,
		Address:    frozen.Player,
		Score:      frozen.Score,
		TotalJumps: frozen.TotalJumps,
		Timestamp:  time.Now().UnixMilli(),
	}
	if err := g.scores.SaveLocalScore(ctx, score); err != nil {
		// Both the chain and the local store failed; keep the queue record
		// as the last copy standing.
		slog.Error("local score save failed", "game_id", frozen.GameID, "err", err)
	}

	message := UserMessage(cause)
	confirmed := domain.TxStatusConfirmed
	localOnly := true
	if recordID == "" {
		g.queue.Enqueue(ctx, domain.TransactionRecord{
			ID:           newRecordID(domain.TxKindEndGame),
			Kind:         domain.TxKindEndGame,
			Status:       confirmed,
			Player:       frozen.Player,
			GameID:       frozen.GameID,
			FinalScore:   frozen.Score,
			TotalJumps:   frozen.TotalJumps,
			LocalOnly:    true,
			ErrorMessage: message,
		})
	} else {
		g.queue.Update(ctx, recordID, RecordPatch{
			Status:       &confirmed,
			LocalOnly:    &localOnly,
			ErrorMessage: &message,
		})
	}
	g.archiveSettlement(ctx, frozen, true)

	g.mu.Lock()
	g.state = StateSettledLocal
	g.mu.Unlock()
	if g.observer != nil {
		g.observer.OnSettlement(true)
	}

	slog.Warn("game settled locally",
		"game_id", frozen.GameID,
		"score", frozen.Score,
		"cause", cause,
	)
	return SettleResult{
		GameID:     frozen.GameID,
		Score:      frozen.Score,
		TotalJumps: frozen.TotalJumps,
		LocalOnly:  true,
		Message:    message,
	}
}

func (g *Game) archiveSettlement(ctx context.Context, frozen domain.GameSession, localOnly bool) {
	if g.archive == nil {
		return
	}
	score := domain.LocalScore{
		GameID:     frozen.GameID,
		Address:    frozen.Player,
		Score:      frozen.Score,
		TotalJumps: frozen.TotalJumps,
		Timestamp:  time.Now().UnixMilli(),
	}
	if err := g.archive.StoreSettlement(ctx, score, localOnly); err != nil {
		slog.Debug("settlement archive write failed", "game_id", frozen.GameID, "err", err)
	}
}

// State returns the current machine position and a session snapshot.
func (g *Game) State() (SessionState, *domain.GameSession) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.session == nil {
		return g.state, nil
	}
	snapshot := *g.session
	snapshot.Jumps = append([]domain.Jump(nil), g.session.Jumps...)
	return g.state, &snapshot
}

func jumpScores(jumps []domain.Jump) []uint64 {
	out := make([]uint64, len(jumps))
	for i, jump := range jumps {
		out[i] = jump.ScoreAtJump
	}
	return out
}

// newRecordID is timestamp-based and only good enough for one client; ids
// are caller-assigned by contract.
func newRecordID(kind domain.TxKind) string {
	return fmt.Sprintf("%s-%d", kind, time.Now().UnixNano())
}
