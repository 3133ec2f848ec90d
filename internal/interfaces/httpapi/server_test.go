package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"flappysomnia/internal/application"
	"flappysomnia/internal/config"
	"flappysomnia/internal/domain"
)

type mockGame struct {
	startErr error
	endErr   error
	gameID   uint64
	result   application.SettleResult
	state    application.SessionState
}

func (m *mockGame) StartGame(ctx context.Context, player string) (uint64, error) {
	return m.gameID, m.startErr
}

func (m *mockGame) UpdateScore(score uint64) error { return nil }

func (m *mockGame) RegisterJump(ctx context.Context, scoreAtJump uint64, multiplier float64) error {
	if m.state != application.StatePlaying {
		return application.ErrNotPlaying
	}
	return nil
}

func (m *mockGame) EndGame(ctx context.Context) (application.SettleResult, error) {
	return m.result, m.endErr
}

func (m *mockGame) State() (application.SessionState, *domain.GameSession) {
	return m.state, nil
}

type mockStore struct {
	pingErr error
}

func (m *mockStore) Ping(ctx context.Context) error { return m.pingErr }

func (m *mockStore) SaveQueue(ctx context.Context, records []domain.TransactionRecord) error {
	return nil
}

func (m *mockStore) LoadQueue(ctx context.Context) ([]domain.TransactionRecord, error) {
	return nil, nil
}

func (m *mockStore) SaveLocalScore(ctx context.Context, score domain.LocalScore) error { return nil }

func (m *mockStore) LocalScores(ctx context.Context) ([]domain.LocalScore, error) { return nil, nil }

func (m *mockStore) AddKnownPlayer(ctx context.Context, address string) error { return nil }

type mockProbe struct {
	err error
}

func (m *mockProbe) BlockNumber(ctx context.Context) (uint64, error) { return 100, m.err }

type mockSource struct {
	games []domain.GameInfo
}

func (m *mockSource) FetchGames(ctx context.Context) ([]domain.GameInfo, error) {
	return m.games, nil
}

type memCache struct {
	entries []domain.LeaderboardEntry
	at      time.Time
	ok      bool
}

func (m *memCache) GetLeaderboard(ctx context.Context) ([]domain.LeaderboardEntry, time.Time, bool) {
	return m.entries, m.at, m.ok
}

func (m *memCache) SetLeaderboard(ctx context.Context, entries []domain.LeaderboardEntry, at time.Time) error {
	m.entries = entries
	m.at = at
	m.ok = true
	return nil
}

func newTestServer(t *testing.T, game *mockGame, store *mockStore, probe *mockProbe) *Server {
	t.Helper()
	queue, err := application.NewQueue(context.Background(), store, nil, nil)
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	source := &mockSource{games: []domain.GameInfo{
		{GameID: 1, Player: "0xaa", Score: 100, Ended: true},
	}}
	leaderboard, err := application.NewLeaderboard(source, queue, store, nil, &memCache{}, nil, application.LeaderboardConfig{})
	if err != nil {
		t.Fatalf("leaderboard: %v", err)
	}
	server, err := NewServer(config.Config{}, game, queue, leaderboard, store, probe, NewMetrics(), BuildInfo{Version: "test"})
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	return server
}

func TestHandleReady(t *testing.T) {
	server := newTestServer(t, &mockGame{}, &mockStore{}, &mockProbe{})
	handler := server.Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("ready status = %d", rec.Code)
	}

	down := newTestServer(t, &mockGame{}, &mockStore{pingErr: errors.New("locked")}, &mockProbe{})
	rec = httptest.NewRecorder()
	down.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("store failure should be 503, got %d", rec.Code)
	}

	noRPC := newTestServer(t, &mockGame{}, &mockStore{}, &mockProbe{err: errors.New("refused")})
	rec = httptest.NewRecorder()
	noRPC.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("rpc failure should be 503, got %d", rec.Code)
	}
}

func TestHandleStart(t *testing.T) {
	server := newTestServer(t, &mockGame{gameID: 7}, &mockStore{}, &mockProbe{})
	handler := server.Handler()

	rec := httptest.NewRecorder()
	body := strings.NewReader(`{"player":"0x00000000000000000000000000000000000000aa"}`)
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/game/start", body))
	if rec.Code != http.StatusOK {
		t.Fatalf("start status = %d: %s", rec.Code, rec.Body.String())
	}
	var payload map[string]uint64
	if err := json.NewDecoder(rec.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload["game_id"] != 7 {
		t.Errorf("game_id = %d", payload["game_id"])
	}

	// Missing player.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/game/start", strings.NewReader(`{}`)))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing player should be 400, got %d", rec.Code)
	}

	// GET not allowed.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/game/start", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET should be 405, got %d", rec.Code)
	}
}

func TestHandleStartConflict(t *testing.T) {
	server := newTestServer(t, &mockGame{startErr: application.ErrGameInProgress}, &mockStore{}, &mockProbe{})
	rec := httptest.NewRecorder()
	body := strings.NewReader(`{"player":"0xaa"}`)
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/game/start", body))
	if rec.Code != http.StatusConflict {
		t.Errorf("in-progress start should be 409, got %d", rec.Code)
	}
}

func TestHandleJumpNotPlaying(t *testing.T) {
	server := newTestServer(t, &mockGame{state: application.StateIdle}, &mockStore{}, &mockProbe{})
	rec := httptest.NewRecorder()
	body := strings.NewReader(`{"score":5}`)
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/game/jump", body))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("jump while idle should be 400, got %d", rec.Code)
	}
}

func TestHandleEnd(t *testing.T) {
	game := &mockGame{result: application.SettleResult{
		GameID: 7, Score: 50, LocalOnly: true, Message: "This game has already ended.",
	}}
	server := newTestServer(t, game, &mockStore{}, &mockProbe{})

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/game/end", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("end status = %d", rec.Code)
	}
	var result application.SettleResult
	if err := json.NewDecoder(rec.Body).Decode(&result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !result.LocalOnly || result.Message == "" {
		t.Errorf("unexpected result %+v", result)
	}
}

func TestHandleLeaderboard(t *testing.T) {
	server := newTestServer(t, &mockGame{}, &mockStore{}, &mockProbe{})

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/leaderboard?limit=5", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("leaderboard status = %d", rec.Code)
	}
	var payload struct {
		Entries    []domain.LeaderboardEntry `json:"entries"`
		UsingLocal bool                      `json:"using_local"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(payload.Entries) != 1 || payload.Entries[0].Score != 100 {
		t.Errorf("unexpected entries %v", payload.Entries)
	}

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/leaderboard?limit=bogus", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit should be 400, got %d", rec.Code)
	}
}

func TestHandleMetrics(t *testing.T) {
	server := newTestServer(t, &mockGame{}, &mockStore{}, &mockProbe{})
	metrics := server.MetricsObserver()
	metrics.OnQueueDepth(1, 3)
	metrics.OnSubmission(true)
	metrics.OnSettlement(true)

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		"flappysomnia_queue_pending 1",
		"flappysomnia_queue_records 3",
		"flappysomnia_submissions_confirmed_total 1",
		"flappysomnia_settlements_local_total 1",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q:\n%s", want, body)
		}
	}
}

func TestHandleVersion(t *testing.T) {
	server := newTestServer(t, &mockGame{}, &mockStore{}, &mockProbe{})
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/version", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "test") {
		t.Errorf("version response: %d %s", rec.Code, rec.Body.String())
	}
}
