package relay

import (
	"context"
	"errors"
	"fmt"
	"math/big"
)

type pendingItem struct {
	key     []byte
	pend    *PendingTx
	version uint64
}

// TickMonitor reconciles broadcast-but-unconfirmed transactions: rebroadcast
// with a higher fee when the schedule allows it, detect loss, and settle
// escrow once the confirmation threshold is reached. Safe to repeat on any
// cadence.
func (s *Service) TickMonitor(ctx context.Context) error {
	started := s.nowFn()
	defer s.observeTick("monitor", started)

	var items []pendingItem
	err := s.store.Exec(func(tx *Txn) error {
		s.publishDepths(tx)
		return tx.PendingAscend(func(key []byte, pend *PendingTx, version uint64) bool {
			items = append(items, pendingItem{
				key:     append([]byte(nil), key...),
				pend:    pend,
				version: version,
			})
			return len(items) < s.params.ScanLimit
		})
	})
	if err != nil {
		return err
	}

	for _, item := range items {
		if err := s.processPending(ctx, item); err != nil {
			if errors.Is(err, errStaleRecord) {
				continue
			}
			s.log.Warn("pending transaction left for next tick",
				"nonce", item.pend.Nonce, "txHash", item.pend.TxHash.Hex(), "err", err)
		}
	}
	return nil
}

func (s *Service) processPending(ctx context.Context, item pendingItem) error {
	blockNumber, found, err := s.chain.TransactionBlock(ctx, item.pend.TxHash)
	if err != nil {
		return fmt.Errorf("fetch transaction: %w", err)
	}

	confirmations := uint64(0)
	if found && blockNumber > 0 {
		head, err := s.chain.HeadBlockNumber(ctx)
		if err != nil {
			return fmt.Errorf("fetch head: %w", err)
		}
		if head >= blockNumber {
			confirmations = head - blockNumber + 1
		}
	}

	switch {
	case confirmations >= s.params.FinalityDepth:
		return s.finalize(ctx, item)
	case confirmations > 0:
		// Confirming but not final; revisit next tick.
		return nil
	default:
		return s.maybeEscalate(ctx, item, found)
	}
}

// maybeEscalate resubmits the transaction at the allocated nonce when the node
// lost sight of it, or when the fee schedule now allows a strictly higher fee.
func (s *Service) maybeEscalate(ctx context.Context, item pendingItem, txKnown bool) error {
	tier := item.pend.Reveal.FeeSchedule.Pick(s.since(item.pend.BroadcastAt))
	escalated := tier.MaxFeePerGas != nil && item.pend.MaxFeePerGasUsed != nil &&
		tier.MaxFeePerGas.Cmp(item.pend.MaxFeePerGasUsed) > 0
	if txKnown && !escalated {
		return nil
	}

	result, err := s.submitTx(ctx, &item.pend.Reveal, item.pend.Nonce, true, tier)
	if err != nil {
		return fmt.Errorf("rebroadcast nonce %d: %w", item.pend.Nonce, err)
	}
	s.metrics.RecordRebroadcast()
	s.log.Info("rebroadcast with escalated fee",
		"nonce", item.pend.Nonce, "txHash", result.Hash.Hex(), "maxFeePerGas", result.MaxFeePerGas)

	return s.store.Exec(func(tx *Txn) error {
		pend, version, err := tx.Pending(item.key)
		if err != nil {
			return err
		}
		if pend == nil || version != item.version {
			return errStaleRecord
		}
		pend.TxHash = result.Hash
		pend.MaxFeePerGasUsed = result.MaxFeePerGas
		return tx.PutPending(item.key, pend, version)
	})
}

// finalize settles escrow against the receipt's actual cost and removes the
// pending entry. Terminal.
func (s *Service) finalize(ctx context.Context, item pendingItem) error {
	reserved := s.minimumCost(item.pend.Reveal.FeeSchedule)
	actualCost := reserved
	receipt, err := s.chain.TransactionReceipt(ctx, item.pend.TxHash)
	if err != nil {
		return fmt.Errorf("fetch receipt: %w", err)
	}
	if receipt != nil && receipt.GasUsed > 0 && receipt.EffectiveGasPrice != nil {
		actualCost = new(big.Int).Mul(
			new(big.Int).SetUint64(receipt.GasUsed), receipt.EffectiveGasPrice)
	}

	err = s.store.Exec(func(tx *Txn) error {
		pend, version, err := tx.Pending(item.key)
		if err != nil {
			return err
		}
		if pend == nil || version != item.version {
			return errStaleRecord
		}
		acct, acctVersion, err := tx.Account(pend.Reveal.Player)
		if err != nil {
			return err
		}
		if acct != nil {
			settle(acct, reserved, actualCost)
			if err := tx.PutAccount(acct, acctVersion); err != nil {
				return err
			}
		}
		tx.DeletePending(item.key)
		tx.DeleteLogical(pend.Reveal.LogicalID)
		return nil
	})
	if err != nil {
		return err
	}
	s.metrics.RecordFinalized()
	s.log.Info("reveal finalized",
		"nonce", item.pend.Nonce, "txHash", item.pend.TxHash.Hex(),
		"player", item.pend.Reveal.Player.Hex(), "actualCost", actualCost)
	return nil
}
