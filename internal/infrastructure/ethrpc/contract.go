package ethrpc

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"flappysomnia/internal/domain"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Fixed method surface of the deployed game contract. The codec owns the
// ABI; everything else in the system works with packed calldata.
const gameABI = `[
	{"type":"function","name":"startGame","stateMutability":"nonpayable","inputs":[{"name":"player","type":"address"}],"outputs":[{"name":"gameId","type":"uint256"}]},
	{"type":"function","name":"endGame","stateMutability":"nonpayable","inputs":[{"name":"gameId","type":"uint256"},{"name":"finalScore","type":"uint256"},{"name":"totalJumps","type":"uint256"},{"name":"jumps","type":"uint256[]"}],"outputs":[]},
	{"type":"function","name":"games","stateMutability":"view","inputs":[{"name":"gameId","type":"uint256"}],"outputs":[{"name":"player","type":"address"},{"name":"score","type":"uint256"},{"name":"totalJumps","type":"uint256"},{"name":"startedAt","type":"uint256"},{"name":"endedAt","type":"uint256"},{"name":"ended","type":"bool"}]},
	{"type":"function","name":"getGameInfo","stateMutability":"view","inputs":[{"name":"gameId","type":"uint256"}],"outputs":[{"name":"player","type":"address"},{"name":"score","type":"uint256"},{"name":"totalJumps","type":"uint256"},{"name":"startedAt","type":"uint256"},{"name":"endedAt","type":"uint256"},{"name":"ended","type":"bool"}]},
	{"type":"function","name":"getLeaderboardGameIds","stateMutability":"view","inputs":[],"outputs":[{"name":"gameIds","type":"uint256[]"}]},
	{"type":"event","name":"GameStarted","anonymous":false,"inputs":[{"name":"gameId","type":"uint256","indexed":true},{"name":"player","type":"address","indexed":true}]}
]`

type Contract struct {
	abi     abi.ABI
	address common.Address
}

func NewContract(address string) (*Contract, error) {
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("invalid contract address: %q", address)
	}
	parsed, err := abi.JSON(strings.NewReader(gameABI))
	if err != nil {
		return nil, err
	}
	return &Contract{abi: parsed, address: common.HexToAddress(address)}, nil
}

func (c *Contract) Address() string {
	return strings.ToLower(c.address.Hex())
}

func (c *Contract) PackStartGame(player string) ([]byte, error) {
	if !common.IsHexAddress(player) {
		return nil, fmt.Errorf("invalid player address: %q", player)
	}
	return c.abi.Pack("startGame", common.HexToAddress(player))
}

func (c *Contract) PackEndGame(gameID, finalScore, totalJumps uint64, jumpScores []uint64) ([]byte, error) {
	jumps := make([]*big.Int, len(jumpScores))
	for i, score := range jumpScores {
		jumps[i] = new(big.Int).SetUint64(score)
	}
	return c.abi.Pack("endGame",
		new(big.Int).SetUint64(gameID),
		new(big.Int).SetUint64(finalScore),
		new(big.Int).SetUint64(totalJumps),
		jumps,
	)
}

func (c *Contract) PackGameIDs() ([]byte, error) {
	return c.abi.Pack("getLeaderboardGameIds")
}

func (c *Contract) UnpackGameIDs(data []byte) ([]uint64, error) {
	values, err := c.abi.Unpack("getLeaderboardGameIds", data)
	if err != nil {
		return nil, err
	}
	if len(values) != 1 {
		return nil, errors.New("unexpected getLeaderboardGameIds output")
	}
	raw, ok := values[0].([]*big.Int)
	if !ok {
		return nil, errors.New("unexpected getLeaderboardGameIds output type")
	}
	ids := make([]uint64, len(raw))
	for i, id := range raw {
		ids[i] = id.Uint64()
	}
	return ids, nil
}

func (c *Contract) PackGame(gameID uint64) ([]byte, error) {
	return c.abi.Pack("games", new(big.Int).SetUint64(gameID))
}

func (c *Contract) UnpackGame(gameID uint64, data []byte) (domain.GameInfo, error) {
	values, err := c.abi.Unpack("games", data)
	if err != nil {
		return domain.GameInfo{}, err
	}
	if len(values) != 6 {
		return domain.GameInfo{}, errors.New("unexpected games output")
	}
	player, ok := values[0].(common.Address)
	if !ok {
		return domain.GameInfo{}, errors.New("unexpected games player type")
	}
	score, err := bigOut(values[1])
	if err != nil {
		return domain.GameInfo{}, err
	}
	totalJumps, err := bigOut(values[2])
	if err != nil {
		return domain.GameInfo{}, err
	}
	startedAt, err := bigOut(values[3])
	if err != nil {
		return domain.GameInfo{}, err
	}
	endedAt, err := bigOut(values[4])
	if err != nil {
		return domain.GameInfo{}, err
	}
	ended, ok := values[5].(bool)
	if !ok {
		return domain.GameInfo{}, errors.New("unexpected games ended type")
	}
	return domain.GameInfo{
		GameID:     gameID,
		Player:     strings.ToLower(player.Hex()),
		Score:      score,
		TotalJumps: totalJumps,
		StartedAt:  int64(startedAt),
		EndedAt:    int64(endedAt),
		Ended:      ended,
	}, nil
}

// GameStartedID extracts the assigned game id from the start receipt's
// GameStarted event log.
func (c *Contract) GameStartedID(receipt domain.Receipt) (uint64, bool) {
	eventID := c.abi.Events["GameStarted"].ID.Hex()
	for _, log := range receipt.Logs {
		if len(log.Topics) < 2 || !strings.EqualFold(log.Topics[0], eventID) {
			continue
		}
		id := new(big.Int).SetBytes(common.FromHex(log.Topics[1]))
		return id.Uint64(), true
	}
	return 0, false
}

func bigOut(value any) (uint64, error) {
	out, ok := value.(*big.Int)
	if !ok || out == nil {
		return 0, errors.New("unexpected uint256 output type")
	}
	return out.Uint64(), nil
}
