package wallet

import (
	"crypto/ecdsa"
	"errors"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Wallet signs legacy (pre-EIP-1559) transactions with a local key. Legacy
// pricing is used deliberately for maximum compatibility with the target
// test network.
type Wallet struct {
	key     *ecdsa.PrivateKey
	address common.Address
	signer  types.Signer
}

func New(privateKeyHex string, chainID uint64) (*Wallet, error) {
	if chainID == 0 {
		return nil, errors.New("chain id is required")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, err
	}
	return &Wallet{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		signer:  types.NewEIP155Signer(new(big.Int).SetUint64(chainID)),
	}, nil
}

func (w *Wallet) Address() string {
	return strings.ToLower(w.address.Hex())
}

// SignLegacyTx returns the RLP-encoded signed transaction, ready for
// eth_sendRawTransaction.
func (w *Wallet) SignLegacyTx(nonce uint64, to string, gasLimit uint64, gasPrice *big.Int, data []byte) ([]byte, error) {
	if !common.IsHexAddress(to) {
		return nil, errors.New("invalid destination address")
	}
	dest := common.HexToAddress(to)
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &dest,
		Value:    big.NewInt(0),
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, w.signer, w.key)
	if err != nil {
		return nil, err
	}
	return signed.MarshalBinary()
}
