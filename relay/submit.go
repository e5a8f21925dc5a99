package relay

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// txResult is the outcome of one broadcast attempt.
type txResult struct {
	Hash         common.Hash
	Nonce        uint64
	BroadcastAt  uint64
	MaxFeePerGas *big.Int
	Noop         bool
}

// submitTx broadcasts the reveal for req at the given fee caps.
//
// With force=false the nonce is cross-checked against the chain's observed
// transaction count: a count ahead of the counter means an external cause
// already consumed nonces, and the fetched value is used instead; a count
// behind the counter is a fatal inconsistency. With force=true (monitor
// rebroadcasts) the supplied nonce is used as-is.
//
// When the underlying fleet is no longer actionable the behaviour depends on
// whether the nonce drifted: a drifted nonce means the work is stale and the
// caller should account a retry (errStaleWork); an undrifted nonce must still
// be consumed, so a harmless no-op transaction is broadcast in its place to
// keep the account's nonce sequence contiguous.
func (s *Service) submitTx(ctx context.Context, req *RevealRequest, nonce uint64, force bool, tier FeeTier) (*txResult, error) {
	useNonce := nonce
	nonceIncreased := false
	if !force {
		fetched, err := s.chain.TransactionCount(ctx, s.signer.Address())
		if err != nil {
			return nil, fmt.Errorf("fetch transaction count: %w", err)
		}
		switch {
		case fetched > nonce:
			useNonce = fetched
			nonceIncreased = true
			s.log.Warn("chain nonce drifted forward", "expected", nonce, "fetched", fetched)
		case fetched < nonce:
			return nil, fmt.Errorf("%w: counter %d, chain %d", ErrNonceRegression, nonce, fetched)
		}
	}

	actionable, err := s.oracle.Actionable(ctx, req.Fleet)
	if err != nil {
		return nil, fmt.Errorf("query oracle: %w", err)
	}
	if !actionable {
		if nonceIncreased {
			return nil, errStaleWork
		}
		hash, err := s.sender.SendNoop(ctx, useNonce, tier.MaxFeePerGas, tier.MaxPriorityFeePerGas)
		if err != nil {
			return nil, fmt.Errorf("broadcast noop: %w", err)
		}
		s.metrics.RecordBroadcast("noop")
		return &txResult{
			Hash:         hash,
			Nonce:        useNonce,
			BroadcastAt:  s.now(),
			MaxFeePerGas: cloneBig(tier.MaxFeePerGas),
			Noop:         true,
		}, nil
	}

	maxTip := tier.MaxPriorityFeePerGas
	hash, err := s.sender.SendReveal(ctx, req, useNonce, tier.MaxFeePerGas, maxTip, s.params.GasLimitEstimate)
	if err != nil && isPriorityFeeTooHigh(err) {
		// Some RPC providers reject a priority fee above the max fee
		// instead of capping it; clamp and retry once.
		maxTip = tier.MaxFeePerGas
		hash, err = s.sender.SendReveal(ctx, req, useNonce, tier.MaxFeePerGas, maxTip, s.params.GasLimitEstimate)
	}
	if err != nil {
		return nil, fmt.Errorf("broadcast reveal: %w", err)
	}
	s.metrics.RecordBroadcast("reveal")
	return &txResult{
		Hash:         hash,
		Nonce:        useNonce,
		BroadcastAt:  s.now(),
		MaxFeePerGas: cloneBig(tier.MaxFeePerGas),
	}, nil
}

func isPriorityFeeTooHigh(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "priority fee per gas higher than max fee") ||
		strings.Contains(msg, "tip higher than fee cap")
}
