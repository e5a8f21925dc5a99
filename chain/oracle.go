package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Oracle answers game-rules questions by calling the game contract's fleets
// view. Launch times are read at the latest finalized block so a reorg cannot
// retract an answer the scheduler already acted on; actionability is read at
// the head, where a stale yes only costs one harmless broadcast.
type Oracle struct {
	eth           *ethclient.Client
	contract      common.Address
	gameABI       abi.ABI
	finalityDepth uint64
}

func NewOracle(eth *ethclient.Client, contract common.Address, finalityDepth uint64) (*Oracle, error) {
	parsed, err := abi.JSON(strings.NewReader(gameABIJSON))
	if err != nil {
		return nil, fmt.Errorf("chain: parse game abi: %w", err)
	}
	return &Oracle{
		eth:           eth,
		contract:      contract,
		gameABI:       parsed,
		finalityDepth: finalityDepth,
	}, nil
}

// LaunchTime reads the fleet's recorded launch time as of the latest finalized
// block. found is false while the fleet has not yet been observed there.
func (o *Oracle) LaunchTime(ctx context.Context, fleet common.Hash) (uint64, bool, error) {
	head, err := o.eth.BlockNumber(ctx)
	if err != nil {
		return 0, false, err
	}
	if head < o.finalityDepth {
		return 0, false, nil
	}
	finalized := new(big.Int).SetUint64(head - o.finalityDepth)
	launchTime, _, err := o.fleetState(ctx, fleet, finalized)
	if err != nil {
		return 0, false, err
	}
	if launchTime.Sign() == 0 {
		return 0, false, nil
	}
	return launchTime.Uint64(), true, nil
}

// Actionable reports whether the fleet can still be resolved: it exists and
// has not been emptied by an earlier resolution.
func (o *Oracle) Actionable(ctx context.Context, fleet common.Hash) (bool, error) {
	launchTime, quantity, err := o.fleetState(ctx, fleet, nil)
	if err != nil {
		return false, err
	}
	return launchTime.Sign() > 0 && quantity.Sign() > 0, nil
}

func (o *Oracle) fleetState(ctx context.Context, fleet common.Hash, blockNumber *big.Int) (launchTime, quantity *big.Int, err error) {
	data, err := o.gameABI.Pack("fleets", [32]byte(fleet))
	if err != nil {
		return nil, nil, fmt.Errorf("chain: pack fleets: %w", err)
	}
	raw, err := o.eth.CallContract(ctx, ethereum.CallMsg{To: &o.contract, Data: data}, blockNumber)
	if err != nil {
		return nil, nil, fmt.Errorf("chain: call fleets: %w", err)
	}
	out, err := o.gameABI.Unpack("fleets", raw)
	if err != nil {
		return nil, nil, fmt.Errorf("chain: unpack fleets: %w", err)
	}
	if len(out) != 2 {
		return nil, nil, fmt.Errorf("chain: fleets returned %d values", len(out))
	}
	launchTime, ok := out[0].(*big.Int)
	if !ok {
		return nil, nil, fmt.Errorf("chain: fleets launchTime has type %T", out[0])
	}
	quantity, ok = out[1].(*big.Int)
	if !ok {
		return nil, nil, fmt.Errorf("chain: fleets quantity has type %T", out[1])
	}
	return launchTime, quantity, nil
}
