package ethrpc

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"flappysomnia/internal/domain"
)

// Client talks JSON-RPC to a single endpoint. The dispatcher holds one
// Client per configured endpoint and walks them in priority order.
type Client struct {
	name       string
	url        string
	httpClient *http.Client
	idCounter  uint64
}

type Config struct {
	Name string
	URL  string
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("rpc url is required")
	}
	name := cfg.Name
	if name == "" {
		name = cfg.URL
	}
	return &Client{
		name:       name,
		url:        cfg.URL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}, nil
}

func (c *Client) Name() string {
	return c.name
}

func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	var result string
	if err := c.call(ctx, "eth_blockNumber", []any{}, &result); err != nil {
		return 0, err
	}
	return parseHexUint(result)
}

func (c *Client) ChainID(ctx context.Context) (uint64, error) {
	var result string
	if err := c.call(ctx, "eth_chainId", []any{}, &result); err != nil {
		return 0, err
	}
	return parseHexUint(result)
}

// PendingNonce resolves the account's next sequence number including any
// transactions still in the mempool.
func (c *Client) PendingNonce(ctx context.Context, address string) (uint64, error) {
	var result string
	if err := c.call(ctx, "eth_getTransactionCount", []any{address, "pending"}, &result); err != nil {
		return 0, err
	}
	return parseHexUint(result)
}

func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	var result string
	if err := c.call(ctx, "eth_gasPrice", []any{}, &result); err != nil {
		return nil, err
	}
	return parseHexBig(result)
}

func (c *Client) Balance(ctx context.Context, address string) (*big.Int, error) {
	var result string
	if err := c.call(ctx, "eth_getBalance", []any{address, "latest"}, &result); err != nil {
		return nil, err
	}
	return parseHexBig(result)
}

func (c *Client) EstimateGas(ctx context.Context, from, to string, data []byte) (uint64, error) {
	msg := map[string]any{
		"from": from,
		"to":   to,
		"data": formatHexBytes(data),
	}
	var result string
	if err := c.call(ctx, "eth_estimateGas", []any{msg}, &result); err != nil {
		return 0, err
	}
	return parseHexUint(result)
}

func (c *Client) CallContract(ctx context.Context, to string, data []byte) ([]byte, error) {
	msg := map[string]any{
		"to":   to,
		"data": formatHexBytes(data),
	}
	var result string
	if err := c.call(ctx, "eth_call", []any{msg, "latest"}, &result); err != nil {
		return nil, err
	}
	return parseHexBytes(result)
}

func (c *Client) SendRawTransaction(ctx context.Context, raw []byte) (string, error) {
	var hash string
	if err := c.call(ctx, "eth_sendRawTransaction", []any{formatHexBytes(raw)}, &hash); err != nil {
		return "", err
	}
	return hash, nil
}

// TransactionReceipt returns the mined receipt, or found=false while the
// transaction is still pending or unknown.
func (c *Client) TransactionReceipt(ctx context.Context, hash string) (domain.Receipt, bool, error) {
	var result *rpcReceipt
	if err := c.call(ctx, "eth_getTransactionReceipt", []any{hash}, &result); err != nil {
		return domain.Receipt{}, false, err
	}
	if result == nil {
		return domain.Receipt{}, false, nil
	}

	status, err := parseHexUint(result.Status)
	if err != nil {
		return domain.Receipt{}, false, err
	}
	blockNumber, err := parseHexUint(result.BlockNumber)
	if err != nil {
		return domain.Receipt{}, false, err
	}
	gasUsed, err := parseHexUint(result.GasUsed)
	if err != nil {
		return domain.Receipt{}, false, err
	}

	logs := make([]domain.LogEntry, 0, len(result.Logs))
	for _, log := range result.Logs {
		logIndex, err := parseHexUint(log.LogIndex)
		if err != nil {
			return domain.Receipt{}, false, err
		}
		logs = append(logs, domain.LogEntry{
			Address:  strings.ToLower(log.Address),
			Topics:   log.Topics,
			Data:     log.Data,
			LogIndex: logIndex,
		})
	}

	return domain.Receipt{
		TxHash:      result.TxHash,
		BlockNumber: blockNumber,
		Status:      status,
		GasUsed:     gasUsed,
		Logs:        logs,
	}, true, nil
}

type rpcReceipt struct {
	TxHash      string   `json:"transactionHash"`
	BlockNumber string   `json:"blockNumber"`
	Status      string   `json:"status"`
	GasUsed     string   `json:"gasUsed"`
	Logs        []rpcLog `json:"logs"`
}

type rpcLog struct {
	Address  string   `json:"address"`
	Topics   []string `json:"topics"`
	Data     string   `json:"data"`
	LogIndex string   `json:"logIndex"`
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (c *Client) call(ctx context.Context, method string, params []any, result any) error {
	id := atomic.AddUint64(&c.idCounter, 1)
	payload, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("rpc status %d", resp.StatusCode)
	}

	var decoded rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return err
	}
	if decoded.Error != nil {
		return fmt.Errorf("rpc error %d: %s", decoded.Error.Code, decoded.Error.Message)
	}
	if result == nil {
		return nil
	}
	if len(decoded.Result) == 0 {
		return errors.New("rpc result is empty")
	}
	return json.Unmarshal(decoded.Result, result)
}

func parseHexUint(value string) (uint64, error) {
	trimmed := strings.TrimPrefix(value, "0x")
	if trimmed == "" {
		return 0, errors.New("empty hex value")
	}
	return strconv.ParseUint(trimmed, 16, 64)
}

func parseHexBig(value string) (*big.Int, error) {
	trimmed := strings.TrimPrefix(value, "0x")
	if trimmed == "" {
		return nil, errors.New("empty hex value")
	}
	out, ok := new(big.Int).SetString(trimmed, 16)
	if !ok {
		return nil, fmt.Errorf("invalid hex quantity: %s", value)
	}
	return out, nil
}

func parseHexBytes(value string) ([]byte, error) {
	trimmed := strings.TrimPrefix(value, "0x")
	return hex.DecodeString(trimmed)
}

func formatHexBytes(data []byte) string {
	return "0x" + hex.EncodeToString(data)
}
