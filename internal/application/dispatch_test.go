package application

import (
	"context"
	"encoding/binary"
	"errors"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"flappysomnia/internal/domain"
)

type mockEndpoint struct {
	name        string
	blockErr    error
	sendErr     error
	callErr     error
	balance     *big.Int
	gasPrice    *big.Int
	gasPriceErr error
	estimate uint64
	estErr   error
	receipt  domain.Receipt
	found    bool

	probes int
	sends  int
	calls  atomic.Int64
}

func (m *mockEndpoint) Name() string { return m.name }

func (m *mockEndpoint) BlockNumber(ctx context.Context) (uint64, error) {
	m.probes++
	if m.blockErr != nil {
		return 0, m.blockErr
	}
	return 100, nil
}

func (m *mockEndpoint) PendingNonce(ctx context.Context, address string) (uint64, error) {
	return 7, nil
}

func (m *mockEndpoint) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	if m.gasPriceErr != nil {
		return nil, m.gasPriceErr
	}
	if m.gasPrice != nil {
		return new(big.Int).Set(m.gasPrice), nil
	}
	return big.NewInt(10_000_000_000), nil
}

func (m *mockEndpoint) Balance(ctx context.Context, address string) (*big.Int, error) {
	if m.balance != nil {
		return new(big.Int).Set(m.balance), nil
	}
	return new(big.Int).SetUint64(1_000_000_000_000_000_000), nil
}

func (m *mockEndpoint) EstimateGas(ctx context.Context, from, to string, data []byte) (uint64, error) {
	if m.estErr != nil {
		return 0, m.estErr
	}
	if m.estimate > 0 {
		return m.estimate, nil
	}
	return 100_000, nil
}

func (m *mockEndpoint) CallContract(ctx context.Context, to string, data []byte) ([]byte, error) {
	m.calls.Add(1)
	if m.callErr != nil {
		return nil, m.callErr
	}
	return data, nil
}

func (m *mockEndpoint) SendRawTransaction(ctx context.Context, raw []byte) (string, error) {
	m.sends++
	if m.sendErr != nil {
		return "", m.sendErr
	}
	return "0xhash-" + m.name, nil
}

func (m *mockEndpoint) TransactionReceipt(ctx context.Context, hash string) (domain.Receipt, bool, error) {
	return m.receipt, m.found, nil
}

type mockSigner struct {
	lastGasPrice *big.Int
	lastGasLimit uint64
}

func (m *mockSigner) Address() string { return "0x00000000000000000000000000000000000000aa" }

func (m *mockSigner) SignLegacyTx(nonce uint64, to string, gasLimit uint64, gasPrice *big.Int, data []byte) ([]byte, error) {
	m.lastGasPrice = new(big.Int).Set(gasPrice)
	m.lastGasLimit = gasLimit
	return append([]byte{0x01}, data...), nil
}

type mockCodec struct {
	ids       []uint64
	startedID uint64
	hasEvent  bool
}

func (m *mockCodec) Address() string { return "0x00000000000000000000000000000000000000cc" }

func (m *mockCodec) PackStartGame(player string) ([]byte, error) { return []byte("start"), nil }

func (m *mockCodec) PackEndGame(gameID, finalScore, totalJumps uint64, jumpScores []uint64) ([]byte, error) {
	return []byte("end"), nil
}

func (m *mockCodec) PackGameIDs() ([]byte, error) { return []byte("ids"), nil }

func (m *mockCodec) UnpackGameIDs(data []byte) ([]uint64, error) { return m.ids, nil }

func (m *mockCodec) PackGame(gameID uint64) ([]byte, error) {
	out := make([]byte, 8)
	binary.BigEndian.PutUint64(out, gameID)
	return out, nil
}

func (m *mockCodec) UnpackGame(gameID uint64, data []byte) (domain.GameInfo, error) {
	return domain.GameInfo{GameID: gameID, Player: "0xplayer", Score: gameID * 10, Ended: true}, nil
}

func (m *mockCodec) GameStartedID(receipt domain.Receipt) (uint64, bool) {
	return m.startedID, m.hasEvent
}

type mockDispatchObserver struct {
	failovers []string
	results   []bool
}

func (m *mockDispatchObserver) OnEndpointFailover(endpoint string) {
	m.failovers = append(m.failovers, endpoint)
}

func (m *mockDispatchObserver) OnSubmission(confirmed bool) {
	m.results = append(m.results, confirmed)
}

func newTestDispatcher(t *testing.T, observer DispatchObserver, endpoints ...Endpoint) (*Dispatcher, *mockSigner) {
	t.Helper()
	signer := &mockSigner{}
	dispatcher, err := NewDispatcher(signer, &mockCodec{}, endpoints, observer, DispatcherConfig{FanOut: 2})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	return dispatcher, signer
}

func TestDispatcher_FailoverToSecondEndpoint(t *testing.T) {
	primary := &mockEndpoint{name: "primary", blockErr: errors.New("dial tcp: connection refused")}
	secondary := &mockEndpoint{name: "secondary", receipt: domain.Receipt{TxHash: "0xhash-secondary", Status: 1}, found: true}
	observer := &mockDispatchObserver{}
	dispatcher, _ := newTestDispatcher(t, observer, primary, secondary)

	receipt, err := dispatcher.Submit(context.Background(), []byte("data"), SubmitOptions{WaitTimeout: time.Second})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if receipt.TxHash != "0xhash-secondary" {
		t.Errorf("expected secondary hash, got %q", receipt.TxHash)
	}
	if primary.sends != 0 {
		t.Error("primary should have failed before broadcast")
	}
	if len(observer.failovers) != 1 || observer.failovers[0] != "secondary" {
		t.Errorf("expected one failover to secondary, got %v", observer.failovers)
	}
}

func TestDispatcher_InsufficientFundsNotRetried(t *testing.T) {
	broke := &mockEndpoint{name: "primary", balance: big.NewInt(1)}
	secondary := &mockEndpoint{name: "secondary", receipt: domain.Receipt{TxHash: "0x1", Status: 1}, found: true}
	dispatcher, _ := newTestDispatcher(t, nil, broke, secondary)

	_, err := dispatcher.Submit(context.Background(), []byte("data"), SubmitOptions{WaitTimeout: time.Second})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if secondary.probes != 0 {
		t.Error("funding failures must not try the next endpoint")
	}
}

func TestDispatcher_RevertNotRetried(t *testing.T) {
	reverting := &mockEndpoint{name: "primary", receipt: domain.Receipt{TxHash: "0xdead", Status: 0}, found: true}
	secondary := &mockEndpoint{name: "secondary"}
	dispatcher, _ := newTestDispatcher(t, nil, reverting, secondary)

	_, err := dispatcher.Submit(context.Background(), []byte("data"), SubmitOptions{WaitTimeout: time.Second})
	if !errors.Is(err, ErrExecutionReverted) {
		t.Fatalf("expected ErrExecutionReverted, got %v", err)
	}
	if secondary.probes != 0 {
		t.Error("reverts must not try the next endpoint")
	}
}

func TestDispatcher_TimeoutSurfacesAsSubmissionTimeout(t *testing.T) {
	slow := &mockEndpoint{name: "primary", found: false}
	dispatcher, _ := newTestDispatcher(t, nil, slow)

	_, err := dispatcher.Submit(context.Background(), []byte("data"), SubmitOptions{WaitTimeout: time.Millisecond})
	if !errors.Is(err, ErrSubmissionTimeout) {
		t.Fatalf("expected ErrSubmissionTimeout, got %v", err)
	}
	if slow.sends != 1 {
		t.Errorf("expected the transaction to be broadcast once, got %d", slow.sends)
	}
}

func TestDispatcher_ConnectivityExhausted(t *testing.T) {
	down1 := &mockEndpoint{name: "a", blockErr: errors.New("connection refused")}
	down2 := &mockEndpoint{name: "b", blockErr: errors.New("no such host")}
	dispatcher, _ := newTestDispatcher(t, nil, down1, down2)

	_, err := dispatcher.Submit(context.Background(), []byte("data"), SubmitOptions{WaitTimeout: time.Second})
	if !errors.Is(err, ErrConnectivityExhausted) {
		t.Fatalf("expected ErrConnectivityExhausted, got %v", err)
	}
}

func TestDispatcher_GasPriceAndLimitBuffers(t *testing.T) {
	endpoint := &mockEndpoint{
		name:     "primary",
		gasPrice: big.NewInt(10_000_000_000),
		estimate: 100_000,
		receipt:  domain.Receipt{TxHash: "0x1", Status: 1},
		found:    true,
	}
	dispatcher, signer := newTestDispatcher(t, nil, endpoint)

	if _, err := dispatcher.Submit(context.Background(), []byte("data"), SubmitOptions{WaitTimeout: time.Second}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if want := big.NewInt(15_000_000_000); signer.lastGasPrice.Cmp(want) != 0 {
		t.Errorf("gas price = %s, want %s", signer.lastGasPrice, want)
	}
	if signer.lastGasLimit != 150_000 {
		t.Errorf("gas limit = %d, want 150000", signer.lastGasLimit)
	}
}

func TestDispatcher_GasPriceFallbackUsedAsIs(t *testing.T) {
	endpoint := &mockEndpoint{
		name:        "primary",
		gasPriceErr: errors.New("method not supported"),
		receipt:     domain.Receipt{TxHash: "0x1", Status: 1},
		found:       true,
	}
	dispatcher, signer := newTestDispatcher(t, nil, endpoint)

	if _, err := dispatcher.Submit(context.Background(), []byte("data"), SubmitOptions{WaitTimeout: time.Second}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	// The fallback price is already conservative; no markup on top.
	if want := big.NewInt(fallbackGasPriceWei); signer.lastGasPrice.Cmp(want) != 0 {
		t.Errorf("gas price = %s, want fallback %s", signer.lastGasPrice, want)
	}
}

func TestDispatcher_GasEstimateFallback(t *testing.T) {
	endpoint := &mockEndpoint{
		name:    "primary",
		estErr:  errors.New("execution reverted"),
		receipt: domain.Receipt{TxHash: "0x1", Status: 1},
		found:   true,
	}
	dispatcher, signer := newTestDispatcher(t, nil, endpoint)

	if _, err := dispatcher.Submit(context.Background(), []byte("data"), SubmitOptions{WaitTimeout: time.Second}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if signer.lastGasLimit != fallbackGasLimit {
		t.Errorf("gas limit = %d, want fallback %d", signer.lastGasLimit, uint64(fallbackGasLimit))
	}
}

func TestDispatcher_GameInfoFallsOver(t *testing.T) {
	down := &mockEndpoint{name: "a", callErr: errors.New("connection refused")}
	up := &mockEndpoint{name: "b"}
	dispatcher, _ := newTestDispatcher(t, nil, down, up)

	info, err := dispatcher.GameInfo(context.Background(), 42)
	if err != nil {
		t.Fatalf("game info: %v", err)
	}
	if info.GameID != 42 || info.Score != 420 {
		t.Errorf("unexpected game info %+v", info)
	}
}

func TestDispatcher_FetchGamesWholeBatchFailover(t *testing.T) {
	signer := &mockSigner{}
	codec := &mockCodec{ids: []uint64{1, 2, 3}}
	down := &mockEndpoint{name: "a", callErr: errors.New("connection refused")}
	up := &mockEndpoint{name: "b"}
	dispatcher, err := NewDispatcher(signer, codec, []Endpoint{down, up}, nil, DispatcherConfig{FanOut: 2})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}

	games, err := dispatcher.FetchGames(context.Background())
	if err != nil {
		t.Fatalf("fetch games: %v", err)
	}
	if len(games) != 3 {
		t.Fatalf("expected 3 games, got %d", len(games))
	}
	for i, game := range games {
		if game.GameID != uint64(i+1) {
			t.Errorf("games out of order: %+v", games)
		}
	}
	// The whole batch moved to the healthy endpoint; 1 id call + 3 games.
	if got := up.calls.Load(); got != 4 {
		t.Errorf("expected 4 calls on fallback endpoint, got %d", got)
	}
}

func TestMarkupHalf(t *testing.T) {
	if got := markupHalf(big.NewInt(100)); got.Int64() != 150 {
		t.Errorf("markupHalf(100) = %d, want 150", got.Int64())
	}
	if got := markupHalf(big.NewInt(3)); got.Int64() != 4 {
		t.Errorf("markupHalf(3) = %d, want 4", got.Int64())
	}
}
