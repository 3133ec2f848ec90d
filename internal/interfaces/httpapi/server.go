package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"flappysomnia/internal/application"
	"flappysomnia/internal/config"
	"flappysomnia/internal/domain"
)

// GameAPI is the orchestrator surface the HTTP layer drives.
type GameAPI interface {
	StartGame(ctx context.Context, player string) (uint64, error)
	UpdateScore(score uint64) error
	RegisterJump(ctx context.Context, scoreAtJump uint64, multiplier float64) error
	EndGame(ctx context.Context) (application.SettleResult, error)
	State() (application.SessionState, *domain.GameSession)
}

type StorePinger interface {
	Ping(ctx context.Context) error
}

// ChainProbe answers the readiness check with one cheap chain call.
type ChainProbe interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

type Server struct {
	cfg         config.Config
	game        GameAPI
	queue       *application.Queue
	leaderboard *application.Leaderboard
	store       StorePinger
	probe       ChainProbe
	metrics     *Metrics
	buildInfo   BuildInfo
}

func NewServer(cfg config.Config, game GameAPI, queue *application.Queue, leaderboard *application.Leaderboard, store StorePinger, probe ChainProbe, metrics *Metrics, buildInfo BuildInfo) (*Server, error) {
	if game == nil || queue == nil || leaderboard == nil || store == nil || probe == nil {
		return nil, errors.New("http server dependencies must not be nil")
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Server{
		cfg:         cfg,
		game:        game,
		queue:       queue,
		leaderboard: leaderboard,
		store:       store,
		probe:       probe,
		metrics:     metrics,
		buildInfo:   buildInfo,
	}, nil
}

func (s *Server) MetricsObserver() *Metrics {
	return s.metrics
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/readyz", s.handleReady)
	mux.HandleFunc("/game/start", s.handleStart)
	mux.HandleFunc("/game/jump", s.handleJump)
	mux.HandleFunc("/game/end", s.handleEnd)
	mux.HandleFunc("/game/state", s.handleState)
	mux.HandleFunc("/queue", s.handleQueue)
	mux.HandleFunc("/leaderboard", s.handleLeaderboard)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/version", s.handleVersion)
	return mux
}

func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		respondError(w, http.StatusServiceUnavailable, "store not ready")
		return
	}
	if _, err := s.probe.BlockNumber(ctx); err != nil {
		respondError(w, http.StatusServiceUnavailable, "rpc not ready")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var payload struct {
		Player string `json:"player"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || strings.TrimSpace(payload.Player) == "" {
		respondError(w, http.StatusBadRequest, "player address is required")
		return
	}

	gameID, err := s.game.StartGame(r.Context(), payload.Player)
	if err != nil {
		respondGameError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"game_id": gameID})
}

func (s *Server) handleJump(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var payload struct {
		Score      uint64  `json:"score"`
		Multiplier float64 `json:"multiplier"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid jump payload")
		return
	}
	if payload.Multiplier <= 0 {
		payload.Multiplier = 1
	}

	if err := s.game.UpdateScore(payload.Score); err != nil {
		respondGameError(w, err)
		return
	}
	if err := s.game.RegisterJump(r.Context(), payload.Score, payload.Multiplier); err != nil {
		respondGameError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleEnd(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	result, err := s.game.EndGame(r.Context())
	if err != nil {
		respondGameError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	state, session := s.game.State()
	respondJSON(w, http.StatusOK, map[string]any{
		"state":   state,
		"session": session,
		"pending": s.queue.IsPending(),
	})
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.queue.Records())
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			respondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = value
	}

	entries, usingLocal, err := s.leaderboard.TopScores(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "leaderboard unavailable")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"entries":     entries,
		"using_local": usingLocal,
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	snap := s.metrics.Snapshot()

	uptime := time.Since(snap.StartTime).Seconds()
	localFlag := 0
	if snap.LeaderboardLocal {
		localFlag = 1
	}

	fmt.Fprintf(w, "flappysomnia_uptime_seconds %.0f\n", uptime)
	fmt.Fprintf(w, "flappysomnia_queue_pending %d\n", snap.PendingRecords)
	fmt.Fprintf(w, "flappysomnia_queue_records %d\n", snap.TotalRecords)
	fmt.Fprintf(w, "flappysomnia_endpoint_failovers_total %d\n", snap.EndpointFailovers)
	fmt.Fprintf(w, "flappysomnia_submissions_total %d\n", snap.Submissions)
	fmt.Fprintf(w, "flappysomnia_submissions_confirmed_total %d\n", snap.SubmissionsOK)
	fmt.Fprintf(w, "flappysomnia_settlements_total %d\n", snap.Settlements)
	fmt.Fprintf(w, "flappysomnia_settlements_local_total %d\n", snap.SettlementsLocal)
	fmt.Fprintf(w, "flappysomnia_leaderboard_entries %d\n", snap.LeaderboardSize)
	fmt.Fprintf(w, "flappysomnia_leaderboard_using_local %d\n", localFlag)
	fmt.Fprintf(w, "flappysomnia_leaderboard_refreshes_total %d\n", snap.LeaderboardUpdates)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.buildInfo)
}

// respondGameError maps orchestrator errors to client-facing responses.
// Conflicts get 409, bad sequencing 400, everything else surfaces as a
// user message with 502.
func respondGameError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, application.ErrGameInProgress), errors.Is(err, application.ErrSubmitBlocked):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, application.ErrNotPlaying):
		respondError(w, http.StatusBadRequest, err.Error())
	default:
		respondError(w, http.StatusBadGateway, application.UserMessage(err))
	}
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
