package relay

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// blockJumpSlack absorbs normal variance in block production before the
// implausible-jump guard trips.
const blockJumpSlack = 128

// TickSync folds finalized deposit/refund events from the funding contract
// into the ledger. Fatal inconsistencies abort the tick before any state is
// committed, so re-running the same tick later is always safe.
func (s *Service) TickSync(ctx context.Context) error {
	started := s.nowFn()
	defer s.observeTick("sync", started)

	contract, err := s.funding.ContractAddress(ctx)
	if err != nil {
		return fmt.Errorf("fetch funding contract address: %w", err)
	}

	var cursor *SyncCursor
	var cursorVersion uint64
	err = s.store.Exec(func(tx *Txn) error {
		var err error
		cursor, cursorVersion, err = tx.Cursor()
		return err
	})
	if err != nil {
		return err
	}
	if cursor != nil && cursor.Contract != contract {
		s.metrics.RecordFatal("funding_contract_changed")
		err := fmt.Errorf("%w: cursor %s, observed %s",
			ErrFundingContractChanged, cursor.Contract.Hex(), contract.Hex())
		s.log.Error("aborting sync tick", "err", err)
		return err
	}

	head, err := s.chain.HeadBlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("fetch head: %w", err)
	}
	if head < s.params.FinalityDepth {
		return nil
	}
	toBlock := head - s.params.FinalityDepth

	fromBlock := s.params.FundingStartBlock
	if cursor != nil {
		if toBlock <= cursor.BlockNumber {
			return nil
		}
		fromBlock = cursor.BlockNumber + 1

		if cursor.BlockNumber > 0 && cursor.BlockTimestamp > 0 {
			elapsed := s.since(cursor.BlockTimestamp)
			plausible := uint64(elapsed/s.params.MinBlockTime)*2 + blockJumpSlack
			if toBlock-cursor.BlockNumber > plausible {
				s.metrics.RecordFatal("block_jump")
				err := fmt.Errorf("%w: cursor at %d, finalized head %d after %s",
					ErrImplausibleBlockJump, cursor.BlockNumber, toBlock, elapsed)
				s.log.Error("aborting sync tick", "err", err)
				return err
			}
		}
	}

	events, err := s.funding.DepositEvents(ctx, nil, fromBlock, toBlock)
	if err != nil {
		return fmt.Errorf("fetch funding events: %w", err)
	}
	tip, err := s.chain.Block(ctx, toBlock)
	if err != nil {
		return fmt.Errorf("fetch block %d: %w", toBlock, err)
	}

	deltas := aggregateDeltas(events)

	err = s.store.Exec(func(tx *Txn) error {
		// Another run may have advanced the cursor while the log query
		// was in flight; the version check catches it.
		for addr, delta := range deltas {
			acct, version, err := tx.Account(addr)
			if err != nil {
				return err
			}
			if acct == nil {
				acct = newAccount(addr, s.params.DefaultFeeSchedule)
			}
			acct.Received = new(big.Int).Add(acct.Received, delta.amount)
			if acct.Received.Sign() < 0 {
				acct.Received = new(big.Int)
			}
			if delta.sawRefund && acct.Withdrawal != nil {
				acct.Withdrawal = nil
			}
			if err := tx.PutAccount(acct, version); err != nil {
				return err
			}
		}
		return tx.PutCursor(&SyncCursor{
			BlockNumber:    toBlock,
			BlockHash:      tip.Hash,
			Contract:       contract,
			BlockTimestamp: tip.Time,
		}, cursorVersion)
	})
	if err != nil {
		return err
	}
	s.metrics.SetSyncedBlock(toBlock)
	if len(deltas) > 0 {
		s.log.Info("ledger synchronized", "toBlock", toBlock, "accounts", len(deltas))
	}
	return nil
}

type balanceDelta struct {
	amount    *big.Int
	sawRefund bool
}

func aggregateDeltas(events []DepositEvent) map[common.Address]*balanceDelta {
	deltas := make(map[common.Address]*balanceDelta)
	for _, evt := range events {
		if evt.Amount == nil {
			continue
		}
		delta := deltas[evt.Account]
		if delta == nil {
			delta = &balanceDelta{amount: new(big.Int)}
			deltas[evt.Account] = delta
		}
		if evt.Refund {
			delta.amount.Sub(delta.amount, evt.Amount)
			delta.sawRefund = true
		} else {
			delta.amount.Add(delta.amount, evt.Amount)
		}
	}
	return deltas
}
