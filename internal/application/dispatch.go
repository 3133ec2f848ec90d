package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"flappysomnia/internal/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Endpoint is one RPC endpoint's view of the chain. The dispatcher walks a
// prioritized list of these, sequentially, never in parallel.
type Endpoint interface {
	Name() string
	BlockNumber(ctx context.Context) (uint64, error)
	PendingNonce(ctx context.Context, address string) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	Balance(ctx context.Context, address string) (*big.Int, error)
	EstimateGas(ctx context.Context, from, to string, data []byte) (uint64, error)
	CallContract(ctx context.Context, to string, data []byte) ([]byte, error)
	SendRawTransaction(ctx context.Context, raw []byte) (string, error)
	TransactionReceipt(ctx context.Context, hash string) (domain.Receipt, bool, error)
}

// Signer produces signed legacy transactions for the configured wallet.
type Signer interface {
	Address() string
	SignLegacyTx(nonce uint64, to string, gasLimit uint64, gasPrice *big.Int, data []byte) ([]byte, error)
}

// ContractCodec packs and unpacks the fixed game contract surface.
type ContractCodec interface {
	Address() string
	PackStartGame(player string) ([]byte, error)
	PackEndGame(gameID, finalScore, totalJumps uint64, jumpScores []uint64) ([]byte, error)
	PackGameIDs() ([]byte, error)
	UnpackGameIDs(data []byte) ([]uint64, error)
	PackGame(gameID uint64) ([]byte, error)
	UnpackGame(gameID uint64, data []byte) (domain.GameInfo, error)
	GameStartedID(receipt domain.Receipt) (uint64, bool)
}

type DispatchObserver interface {
	OnEndpointFailover(endpoint string)
	OnSubmission(confirmed bool)
}

const (
	// Legacy gas price gets a 50% markup over the node's suggestion to
	// raise inclusion probability on the test network.
	fallbackGasPriceWei = 20_000_000_000

	// Worst-case gas assumption for the up-front balance check.
	worstCaseGasLimit = 500_000

	// Gas limit fallback when simulation is unavailable. The dispatcher
	// prefers attempting a possibly wasteful transaction over blocking on
	// an unreliable estimator.
	fallbackGasLimit = 300_000

	receiptPollInterval = 2 * time.Second

	DefaultWaitTimeout = 30 * time.Second
)

type SubmitOptions struct {
	// WaitTimeout bounds the inclusion wait. Zero means DefaultWaitTimeout.
	WaitTimeout time.Duration
	// OnBroadcast runs as soon as the transaction hash is known, before
	// the inclusion wait.
	OnBroadcast func(hash string)
}

type DispatcherConfig struct {
	// FanOut bounds the concurrent per-game fetches in FetchGames.
	FanOut int
}

// Dispatcher submits signed contract calls across a prioritized endpoint
// list, falling over on connectivity/nonce/timeout failures and surfacing
// everything else immediately. At most one low-level submission is in
// flight per Submit call.
type Dispatcher struct {
	signer    Signer
	codec     ContractCodec
	endpoints []Endpoint
	observer  DispatchObserver
	cfg       DispatcherConfig
}

func NewDispatcher(signer Signer, codec ContractCodec, endpoints []Endpoint, observer DispatchObserver, cfg DispatcherConfig) (*Dispatcher, error) {
	if signer == nil || codec == nil {
		return nil, errors.New("dispatcher signer and codec are required")
	}
	if len(endpoints) == 0 {
		return nil, errors.New("at least one rpc endpoint is required")
	}
	if cfg.FanOut <= 0 {
		cfg.FanOut = 8
	}
	return &Dispatcher{signer: signer, codec: codec, endpoints: endpoints, observer: observer, cfg: cfg}, nil
}

func (d *Dispatcher) Codec() ContractCodec {
	return d.codec
}

// Submit signs and broadcasts calldata against the contract, walking the
// endpoint list until one accepts and mines the transaction.
func (d *Dispatcher) Submit(ctx context.Context, data []byte, opts SubmitOptions) (domain.Receipt, error) {
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = DefaultWaitTimeout
	}

	tracer := otel.Tracer("flappysomnia/dispatch")
	ctx, span := tracer.Start(ctx, "dispatch.submit")
	defer span.End()
	span.SetAttributes(
		attribute.String("contract.address", d.codec.Address()),
		attribute.Int("endpoints", len(d.endpoints)),
	)

	var lastErr error
	lastClass := classConnectivity
	for i, endpoint := range d.endpoints {
		if i > 0 && d.observer != nil {
			d.observer.OnEndpointFailover(endpoint.Name())
		}

		receipt, err := d.submitOn(ctx, endpoint, data, opts)
		if err == nil {
			span.SetAttributes(attribute.String("tx.hash", receipt.TxHash))
			if d.observer != nil {
				d.observer.OnSubmission(true)
			}
			return receipt, nil
		}

		class := classify(err)
		if !class.retryable() {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			if d.observer != nil {
				d.observer.OnSubmission(false)
			}
			return domain.Receipt{}, d.wrapFatal(class, err)
		}

		slog.Warn("endpoint attempt failed, trying next",
			"endpoint", endpoint.Name(),
			"remaining", len(d.endpoints)-i-1,
			"err", err,
		)
		lastErr = err
		lastClass = class
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "all endpoints exhausted")
	if d.observer != nil {
		d.observer.OnSubmission(false)
	}
	if lastClass == classTimeout {
		return domain.Receipt{}, fmt.Errorf("%w: %v", ErrSubmissionTimeout, lastErr)
	}
	return domain.Receipt{}, fmt.Errorf("%w: %v", ErrConnectivityExhausted, lastErr)
}

func (d *Dispatcher) submitOn(ctx context.Context, endpoint Endpoint, data []byte, opts SubmitOptions) (domain.Receipt, error) {
	// Liveness probe; a dead endpoint costs one cheap call.
	block, err := endpoint.BlockNumber(ctx)
	if err != nil {
		return domain.Receipt{}, fmt.Errorf("probe: %w", err)
	}

	from := d.signer.Address()
	nonce, err := endpoint.PendingNonce(ctx, from)
	if err != nil {
		return domain.Receipt{}, fmt.Errorf("nonce: %w", err)
	}

	gasPrice, err := endpoint.SuggestGasPrice(ctx)
	if err != nil || gasPrice == nil || gasPrice.Sign() <= 0 {
		slog.Warn("gas price unavailable, using fallback",
			"endpoint", endpoint.Name(),
			"fallback_wei", int64(fallbackGasPriceWei),
			"err", err,
		)
		gasPrice = big.NewInt(fallbackGasPriceWei)
	} else {
		gasPrice = markupHalf(gasPrice)
	}

	balance, err := endpoint.Balance(ctx, from)
	if err != nil {
		return domain.Receipt{}, fmt.Errorf("balance: %w", err)
	}
	worstCase := new(big.Int).Mul(gasPrice, big.NewInt(worstCaseGasLimit))
	if balance.Cmp(worstCase) < 0 {
		// A funding problem, not a connectivity problem; no endpoint will
		// change the answer.
		return domain.Receipt{}, fmt.Errorf("%w: balance %s < worst case %s",
			ErrInsufficientFunds, balance.String(), worstCase.String())
	}

	gasLimit := uint64(fallbackGasLimit)
	if estimate, err := endpoint.EstimateGas(ctx, from, d.codec.Address(), data); err != nil {
		slog.Warn("gas estimation failed, using fallback limit",
			"endpoint", endpoint.Name(),
			"fallback", gasLimit,
			"err", err,
		)
	} else {
		gasLimit = estimate + estimate/2
	}

	raw, err := d.signer.SignLegacyTx(nonce, d.codec.Address(), gasLimit, gasPrice, data)
	if err != nil {
		return domain.Receipt{}, fmt.Errorf("sign: %w", err)
	}

	slog.Info("submitting transaction",
		"endpoint", endpoint.Name(),
		"block", block,
		"nonce", nonce,
		"gas_price", gasPrice.String(),
		"gas_limit", gasLimit,
	)

	hash, err := endpoint.SendRawTransaction(ctx, raw)
	if err != nil {
		return domain.Receipt{}, fmt.Errorf("send: %w", err)
	}
	if opts.OnBroadcast != nil {
		opts.OnBroadcast(hash)
	}

	receipt, err := d.waitMined(ctx, endpoint, hash, opts.WaitTimeout)
	if err != nil {
		return domain.Receipt{}, err
	}
	if receipt.Status == 0 {
		return domain.Receipt{}, fmt.Errorf("%w: tx %s", ErrExecutionReverted, hash)
	}

	slog.Info("transaction confirmed",
		"endpoint", endpoint.Name(),
		"tx_hash", receipt.TxHash,
		"block", receipt.BlockNumber,
		"gas_used", receipt.GasUsed,
	)
	return receipt, nil
}

// waitMined polls for the receipt until timeout. A timeout does not cancel
// the broadcast transaction; it only stops us from waiting.
func (d *Dispatcher) waitMined(ctx context.Context, endpoint Endpoint, hash string, timeout time.Duration) (domain.Receipt, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, found, err := endpoint.TransactionReceipt(ctx, hash)
		if err == nil && found {
			return receipt, nil
		}
		if err != nil {
			slog.Debug("receipt poll failed", "endpoint", endpoint.Name(), "tx_hash", hash, "err", err)
		}
		if time.Now().After(deadline) {
			return domain.Receipt{}, fmt.Errorf("inclusion wait timed out after %s for tx %s", timeout, hash)
		}
		select {
		case <-ctx.Done():
			return domain.Receipt{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (d *Dispatcher) wrapFatal(class failureClass, err error) error {
	switch class {
	case classInsufficientFunds:
		if errors.Is(err, ErrInsufficientFunds) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrInsufficientFunds, err)
	case classReverted:
		if errors.Is(err, ErrExecutionReverted) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrExecutionReverted, err)
	case classRejected:
		return fmt.Errorf("%w: %v", ErrUserRejected, err)
	default:
		return err
	}
}

// GameInfo reads one game from the contract with endpoint fallback.
func (d *Dispatcher) GameInfo(ctx context.Context, gameID uint64) (domain.GameInfo, error) {
	data, err := d.codec.PackGame(gameID)
	if err != nil {
		return domain.GameInfo{}, err
	}
	var lastErr error
	for _, endpoint := range d.endpoints {
		out, err := endpoint.CallContract(ctx, d.codec.Address(), data)
		if err != nil {
			lastErr = err
			continue
		}
		return d.codec.UnpackGame(gameID, out)
	}
	return domain.GameInfo{}, fmt.Errorf("%w: %v", ErrConnectivityExhausted, lastErr)
}

// FetchGames reads every leaderboard game from the contract. The whole
// batch runs against one endpoint at a time; any batch failure moves to
// the next endpoint rather than retrying individual games.
func (d *Dispatcher) FetchGames(ctx context.Context) ([]domain.GameInfo, error) {
	tracer := otel.Tracer("flappysomnia/dispatch")
	ctx, span := tracer.Start(ctx, "dispatch.fetch_games")
	defer span.End()

	var lastErr error
	for _, endpoint := range d.endpoints {
		games, err := d.fetchGamesOn(ctx, endpoint)
		if err != nil {
			slog.Warn("leaderboard batch failed, trying next endpoint",
				"endpoint", endpoint.Name(),
				"err", err,
			)
			lastErr = err
			continue
		}
		span.SetAttributes(attribute.Int("games", len(games)))
		return games, nil
	}
	span.SetStatus(codes.Error, "all endpoints exhausted")
	return nil, fmt.Errorf("%w: %v", ErrConnectivityExhausted, lastErr)
}

func (d *Dispatcher) fetchGamesOn(ctx context.Context, endpoint Endpoint) ([]domain.GameInfo, error) {
	data, err := d.codec.PackGameIDs()
	if err != nil {
		return nil, err
	}
	out, err := endpoint.CallContract(ctx, d.codec.Address(), data)
	if err != nil {
		return nil, fmt.Errorf("leaderboard ids: %w", err)
	}
	ids, err := d.codec.UnpackGameIDs(out)
	if err != nil {
		return nil, fmt.Errorf("leaderboard ids: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	games := make([]domain.GameInfo, len(ids))
	errs := make([]error, len(ids))
	sem := make(chan struct{}, d.cfg.FanOut)
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, id uint64) {
			defer wg.Done()
			defer func() { <-sem }()
			call, err := d.codec.PackGame(id)
			if err != nil {
				errs[i] = err
				return
			}
			out, err := endpoint.CallContract(ctx, d.codec.Address(), call)
			if err != nil {
				errs[i] = err
				return
			}
			games[i], errs[i] = d.codec.UnpackGame(id, out)
		}(i, id)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("game info: %w", err)
		}
	}
	return games, nil
}

// markupHalf returns price * 1.5.
func markupHalf(price *big.Int) *big.Int {
	out := new(big.Int).Mul(price, big.NewInt(3))
	return out.Div(out, big.NewInt(2))
}
