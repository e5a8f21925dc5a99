package chain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"fleetrelay/relay"
)

// Event signatures of the funding contract. The player is the only indexed
// argument; the wei amount sits in the data field.
var (
	depositTopic = crypto.Keccak256Hash([]byte("Deposit(address,uint256)"))
	refundTopic  = crypto.Keccak256Hash([]byte("Refund(address,uint256)"))
)

// Funding reads deposit and refund events from the contract players pay into.
type Funding struct {
	eth      *ethclient.Client
	contract common.Address
}

func NewFunding(eth *ethclient.Client, contract common.Address) *Funding {
	return &Funding{eth: eth, contract: contract}
}

// ContractAddress returns the configured funding contract. Surfacing it
// through the interface lets the synchronizer pin the address in its cursor.
func (f *Funding) ContractAddress(ctx context.Context) (common.Address, error) {
	return f.contract, nil
}

// DepositEvents returns deposit/refund logs in the inclusive block range,
// oldest first. toBlock 0 means "latest"; a non-nil account restricts the
// query to that player's events.
func (f *Funding) DepositEvents(ctx context.Context, account *common.Address, fromBlock, toBlock uint64) ([]relay.DepositEvent, error) {
	query := ethereum.FilterQuery{
		Addresses: []common.Address{f.contract},
		FromBlock: new(big.Int).SetUint64(fromBlock),
		Topics:    [][]common.Hash{{depositTopic, refundTopic}},
	}
	if toBlock > 0 {
		query.ToBlock = new(big.Int).SetUint64(toBlock)
	}
	if account != nil {
		query.Topics = append(query.Topics, []common.Hash{common.BytesToHash(account.Bytes())})
	}
	logs, err := f.eth.FilterLogs(ctx, query)
	if err != nil {
		return nil, err
	}

	events := make([]relay.DepositEvent, 0, len(logs))
	for _, entry := range logs {
		if entry.Removed || len(entry.Topics) < 2 || len(entry.Data) < 32 {
			continue
		}
		events = append(events, relay.DepositEvent{
			Account: common.BytesToAddress(entry.Topics[1].Bytes()),
			Amount:  new(big.Int).SetBytes(entry.Data[:32]),
			Refund:  entry.Topics[0] == refundTopic,
			Block:   entry.BlockNumber,
		})
	}
	return events, nil
}
