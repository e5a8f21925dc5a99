package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"fleetrelay/crypto"
	"fleetrelay/relay"
)

// gameABIJSON is the slice of the game contract's interface the relay calls.
const gameABIJSON = `[
  {
    "name": "resolveFleet",
    "type": "function",
    "stateMutability": "nonpayable",
    "inputs": [
      {"name": "fleetId", "type": "bytes32"},
      {"name": "secret", "type": "bytes32"},
      {"name": "fromX", "type": "int256"},
      {"name": "fromY", "type": "int256"},
      {"name": "toX", "type": "int256"},
      {"name": "toY", "type": "int256"},
      {"name": "distance", "type": "uint256"},
      {"name": "gift", "type": "bool"},
      {"name": "specific", "type": "address"},
      {"name": "potentialAlliances", "type": "address[]"}
    ],
    "outputs": []
  },
  {
    "name": "fleets",
    "type": "function",
    "stateMutability": "view",
    "inputs": [{"name": "fleetId", "type": "bytes32"}],
    "outputs": [
      {"name": "launchTime", "type": "uint256"},
      {"name": "quantity", "type": "uint256"}
    ]
  }
]`

const noopGasLimit = 21_000

// Sender broadcasts signed EIP-1559 transactions from the relay's own account.
type Sender struct {
	eth      *ethclient.Client
	key      *crypto.PrivateKey
	contract common.Address
	gameABI  abi.ABI
	signer   types.Signer
}

// NewSender builds a sender for the game contract on the given chain.
func NewSender(eth *ethclient.Client, key *crypto.PrivateKey, contract common.Address, chainID uint64) (*Sender, error) {
	parsed, err := abi.JSON(strings.NewReader(gameABIJSON))
	if err != nil {
		return nil, fmt.Errorf("chain: parse game abi: %w", err)
	}
	return &Sender{
		eth:      eth,
		key:      key,
		contract: contract,
		gameABI:  parsed,
		signer:   types.LatestSignerForChainID(new(big.Int).SetUint64(chainID)),
	}, nil
}

// SendReveal packs, signs and broadcasts the resolveFleet call.
func (s *Sender) SendReveal(ctx context.Context, req *relay.RevealRequest, nonce uint64, maxFeePerGas, maxPriorityFeePerGas *big.Int, gasLimit uint64) (common.Hash, error) {
	alliances := req.PotentialAlliances
	if alliances == nil {
		alliances = []common.Address{}
	}
	data, err := s.gameABI.Pack("resolveFleet",
		[32]byte(req.Fleet),
		[32]byte(req.Secret),
		big.NewInt(req.From.X),
		big.NewInt(req.From.Y),
		big.NewInt(req.To.X),
		big.NewInt(req.To.Y),
		new(big.Int).SetUint64(req.Distance),
		req.Gift,
		req.Specific,
		alliances,
	)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: pack resolveFleet: %w", err)
	}
	return s.send(ctx, &types.DynamicFeeTx{
		Nonce:     nonce,
		GasTipCap: maxPriorityFeePerGas,
		GasFeeCap: maxFeePerGas,
		Gas:       gasLimit,
		To:        &s.contract,
		Value:     new(big.Int),
		Data:      data,
	})
}

// SendNoop broadcasts a zero-value self-transfer. It carries no effect beyond
// consuming the nonce.
func (s *Sender) SendNoop(ctx context.Context, nonce uint64, maxFeePerGas, maxPriorityFeePerGas *big.Int) (common.Hash, error) {
	self := s.key.Address()
	return s.send(ctx, &types.DynamicFeeTx{
		Nonce:     nonce,
		GasTipCap: maxPriorityFeePerGas,
		GasFeeCap: maxFeePerGas,
		Gas:       noopGasLimit,
		To:        &self,
		Value:     new(big.Int),
	})
}

func (s *Sender) send(ctx context.Context, inner *types.DynamicFeeTx) (common.Hash, error) {
	tx, err := types.SignNewTx(s.key.PrivateKey, s.signer, inner)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: sign transaction: %w", err)
	}
	if err := s.eth.SendTransaction(ctx, tx); err != nil {
		return common.Hash{}, err
	}
	return tx.Hash(), nil
}
