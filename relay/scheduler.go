package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
)

type queuedItem struct {
	key     []byte
	req     *RevealRequest
	version uint64
}

// TickScheduler scans due queue entries in broadcast-time order, resolves
// their true launch time against the game-rules oracle, and broadcasts the
// reveal transaction. Idempotent; invoking it more often only improves
// latency.
func (s *Service) TickScheduler(ctx context.Context) error {
	started := s.nowFn()
	defer s.observeTick("scheduler", started)

	now := s.now()
	var items []queuedItem
	err := s.store.Exec(func(tx *Txn) error {
		s.publishDepths(tx)
		return tx.QueueAscend(func(key []byte, req *RevealRequest, version uint64) bool {
			if queueKeyTime(key) > now {
				return false
			}
			items = append(items, queuedItem{
				key:     append([]byte(nil), key...),
				req:     req,
				version: version,
			})
			return len(items) < s.params.ScanLimit
		})
	})
	if err != nil {
		return err
	}

	for _, item := range items {
		if err := s.processQueued(ctx, item); err != nil {
			if errors.Is(err, ErrNonceRegression) {
				s.metrics.RecordFatal("nonce_regression")
				s.log.Error("aborting scheduler tick", "err", err)
				return err
			}
			if errors.Is(err, errStaleRecord) {
				// Another operation touched the record while this one
				// was suspended; the next tick will revisit it.
				continue
			}
			s.log.Warn("reveal left queued for next tick",
				"logicalId", item.req.LogicalID.Hex(), "err", err)
		}
	}
	return nil
}

func (s *Service) processQueued(ctx context.Context, item queuedItem) error {
	now := s.now()
	broadcastTime := item.req.BroadcastTime()

	if now > s.expiryDeadline(broadcastTime) {
		return s.expireQueued(item)
	}
	if broadcastTime > now {
		if item.req.SendConfirmed {
			// Start time was corrected on an earlier tick; move the
			// entry to its recomputed key without broadcasting.
			return s.store.Exec(func(tx *Txn) error {
				req, version, err := tx.QueueGet(item.key)
				if err != nil {
					return err
				}
				if req == nil || version != item.version {
					return errStaleRecord
				}
				_, err = s.requeue(tx, item.key, req)
				return err
			})
		}
		return nil
	}
	if !item.req.SendConfirmed {
		return s.confirmLaunch(ctx, item)
	}
	return s.broadcast(ctx, item)
}

func (s *Service) expireQueued(item queuedItem) error {
	err := s.store.Exec(func(tx *Txn) error {
		req, version, err := tx.QueueGet(item.key)
		if err != nil {
			return err
		}
		if req == nil || version != item.version {
			return errStaleRecord
		}
		return s.dropQueued(tx, item.key, req)
	})
	if err != nil {
		return err
	}
	s.metrics.RecordExpired()
	s.log.Info("reveal expired past its deadline",
		"logicalId", item.req.LogicalID.Hex(), "player", item.req.Player.Hex())
	return nil
}

// confirmLaunch resolves the fleet's true launch time as of the latest
// finalized block. Not-found answers are retried with a bounded backoff up to
// the retry ceiling.
func (s *Service) confirmLaunch(ctx context.Context, item queuedItem) error {
	launchTime, found, err := s.oracle.LaunchTime(ctx, item.req.Fleet)
	if err != nil {
		return fmt.Errorf("resolve launch time: %w", err)
	}
	return s.store.Exec(func(tx *Txn) error {
		req, version, err := tx.QueueGet(item.key)
		if err != nil {
			return err
		}
		if req == nil || version != item.version {
			return errStaleRecord
		}
		if !found {
			return s.accountRetry(tx, item.key, req, version)
		}
		req.SendConfirmed = true
		req.StartTime = launchTime
		// Persisted in place: recomputing the queue key here would race
		// a concurrent requeue, so the move happens on the next tick.
		return tx.QueuePut(item.key, req, version)
	})
}

// accountRetry applies the shared retry bookkeeping: bump the counter, drop
// the reveal when the ceiling is reached, otherwise back the start time off
// and requeue.
func (s *Service) accountRetry(tx *Txn, key []byte, req *RevealRequest, version uint64) error {
	req.Retries++
	if req.Retries >= s.params.RetryCeiling {
		if err := s.dropQueued(tx, key, req); err != nil {
			return err
		}
		s.metrics.RecordExhausted()
		s.log.Info("reveal dropped after exhausting retries",
			"logicalId", req.LogicalID.Hex(), "retries", req.Retries)
		return nil
	}
	backoff := req.MinDuration
	if ceiling := uint64(s.params.RetryBackoffCeiling.Seconds()); ceiling < backoff {
		backoff = ceiling
	}
	req.StartTime = s.now() + backoff
	_, err := s.requeue(tx, key, req)
	return err
}

// broadcast allocates a nonce, selects the fee tier for the elapsed delay and
// hands the reveal to the pending-transaction monitor on success.
func (s *Service) broadcast(ctx context.Context, item queuedItem) error {
	expectedNonce, err := s.allocateNonce(ctx)
	if err != nil {
		return err
	}

	tier := item.req.FeeSchedule.Pick(s.since(item.req.BroadcastTime()))
	result, err := s.submitTx(ctx, item.req, expectedNonce, false, tier)
	if errors.Is(err, errStaleWork) {
		// The nonce was consumed elsewhere and the fleet is already
		// resolved; account a retry like an unconfirmed miss.
		return s.store.Exec(func(tx *Txn) error {
			req, version, err := tx.QueueGet(item.key)
			if err != nil {
				return err
			}
			if req == nil || version != item.version {
				return errStaleRecord
			}
			return s.accountRetry(tx, item.key, req, version)
		})
	}
	if err != nil {
		return err
	}

	return s.store.Exec(func(tx *Txn) error {
		req, version, err := tx.QueueGet(item.key)
		if err != nil {
			return err
		}
		if req == nil {
			// The transaction is out regardless; record it so the
			// monitor tracks it to finality.
			req = item.req
			version = 0
			s.log.Warn("queue entry vanished during broadcast",
				"logicalId", item.req.LogicalID.Hex())
		}
		entry, entryVersion, err := tx.Logical(req.LogicalID)
		if err != nil {
			return err
		}
		if entry != nil && len(entry.QueueKey) > 0 && !bytes.Equal(entry.QueueKey, item.key) {
			// A re-submission moved this fleet to a new broadcast time
			// while the transaction was in flight. The broadcast wins:
			// drop the re-enqueued entry so it cannot produce a second
			// transaction for the same logical id. Its reservation stays
			// and backs the pending entry written below.
			tx.QueueDelete(entry.QueueKey)
			s.log.Warn("re-submission superseded by in-flight broadcast",
				"logicalId", req.LogicalID.Hex())
		}
		pendKey := pendingKey(result.Nonce)
		pend := &PendingTx{
			Reveal:           *req.clone(),
			TxHash:           result.Hash,
			Nonce:            result.Nonce,
			BroadcastAt:      result.BroadcastAt,
			MaxFeePerGasUsed: result.MaxFeePerGas,
		}
		_, pendVersion, err := tx.Pending(pendKey)
		if err != nil {
			return err
		}
		if err := tx.PutPending(pendKey, pend, pendVersion); err != nil {
			return err
		}
		if version != 0 {
			tx.QueueDelete(item.key)
		}
		if err := tx.PutLogical(req.LogicalID, &logicalEntry{PendingKey: pendKey}, entryVersion); err != nil {
			return err
		}
		counter, counterVersion, err := tx.NonceCounter()
		if err != nil {
			return err
		}
		if result.Nonce+1 > counter.Next {
			counter.Next = result.Nonce + 1
			counter.Seeded = true
			if err := tx.PutNonceCounter(counter, counterVersion); err != nil {
				return err
			}
		}
		s.metrics.SetNextNonce(result.Nonce + 1)
		return nil
	})
}

// allocateNonce returns the counter's next value, seeding it from the chain's
// observed transaction count on first use. The post-fetch re-read guards
// against two concurrent seeds racing.
func (s *Service) allocateNonce(ctx context.Context) (uint64, error) {
	var counter nonceCounter
	err := s.store.Exec(func(tx *Txn) error {
		var err error
		counter, _, err = tx.NonceCounter()
		return err
	})
	if err != nil {
		return 0, err
	}
	if counter.Seeded {
		return counter.Next, nil
	}

	count, err := s.chain.TransactionCount(ctx, s.signer.Address())
	if err != nil {
		return 0, fmt.Errorf("seed nonce counter: %w", err)
	}
	err = s.store.Exec(func(tx *Txn) error {
		current, version, err := tx.NonceCounter()
		if err != nil {
			return err
		}
		if current.Seeded {
			counter = current
			return nil
		}
		counter = nonceCounter{Next: count, Seeded: true}
		return tx.PutNonceCounter(counter, version)
	})
	if err != nil {
		return 0, err
	}
	return counter.Next, nil
}
