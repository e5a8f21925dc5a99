package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"fleetrelay/relay"
)

// Client adapts an Ethereum JSON-RPC endpoint to the narrow node view the
// relay core consumes.
type Client struct {
	eth *ethclient.Client
}

// Dial connects to the endpoint and verifies the reported chain id.
func Dial(ctx context.Context, url string, chainID uint64) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", url, err)
	}
	reported, err := eth.ChainID(ctx)
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("chain: fetch chain id: %w", err)
	}
	if reported.Cmp(new(big.Int).SetUint64(chainID)) != 0 {
		eth.Close()
		return nil, fmt.Errorf("chain: endpoint reports chain id %s, configured %d", reported, chainID)
	}
	return &Client{eth: eth}, nil
}

// NewClient wraps an already-dialed ethclient.
func NewClient(eth *ethclient.Client) *Client {
	return &Client{eth: eth}
}

func (c *Client) Close() {
	c.eth.Close()
}

// Raw exposes the underlying ethclient for the sender and contract bindings.
func (c *Client) Raw() *ethclient.Client {
	return c.eth
}

func (c *Client) TransactionCount(ctx context.Context, addr common.Address) (uint64, error) {
	return c.eth.NonceAt(ctx, addr, nil)
}

func (c *Client) TransactionBlock(ctx context.Context, hash common.Hash) (uint64, bool, error) {
	receipt, err := c.eth.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if receipt.BlockNumber == nil {
		return 0, false, nil
	}
	return receipt.BlockNumber.Uint64(), true, nil
}

func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash) (*relay.Receipt, error) {
	receipt, err := c.eth.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &relay.Receipt{
		GasUsed:           receipt.GasUsed,
		EffectiveGasPrice: receipt.EffectiveGasPrice,
	}, nil
}

func (c *Client) HeadBlockNumber(ctx context.Context) (uint64, error) {
	return c.eth.BlockNumber(ctx)
}

func (c *Client) Block(ctx context.Context, number uint64) (*relay.BlockInfo, error) {
	header, err := c.eth.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return nil, err
	}
	return &relay.BlockInfo{
		Number: header.Number.Uint64(),
		Hash:   header.Hash(),
		Time:   header.Time,
	}, nil
}
