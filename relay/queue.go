package relay

import (
	"bytes"
	"encoding/json"
)

// clone deep-copies a reveal request so queue snapshots never alias caller
// state.
func (r *RevealRequest) clone() *RevealRequest {
	if r == nil {
		return nil
	}
	out := *r
	out.FeeSchedule = r.FeeSchedule.Clone()
	if r.PotentialAlliances != nil {
		out.PotentialAlliances = append(out.PotentialAlliances[:0:0], r.PotentialAlliances...)
	}
	if r.DelegateUsed != nil {
		delegate := *r.DelegateUsed
		out.DelegateUsed = &delegate
	}
	if r.FleetSender != nil {
		sender := *r.FleetSender
		out.FleetSender = &sender
	}
	if r.Operator != nil {
		operator := *r.Operator
		out.Operator = &operator
	}
	return &out
}

// revealEqual compares two requests by their canonical JSON form, ignoring the
// relay-owned bookkeeping fields (retries, confirmation flag).
func revealEqual(a, b *RevealRequest) bool {
	na, nb := a.clone(), b.clone()
	na.Retries, nb.Retries = 0, 0
	na.SendConfirmed, nb.SendConfirmed = false, false
	rawA, errA := json.Marshal(na)
	rawB, errB := json.Marshal(nb)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(rawA, rawB)
}

// enqueue places a reveal in the time-ordered queue while holding the
// single-instance invariant per logical id. The whole sequence runs inside
// one writer callback, so it is atomic with respect to every other operation.
// When the logical id was already queued under an older broadcast time, the
// displaced request is returned so the caller can hand its reservation back.
func (s *Service) enqueue(tx *Txn, req *RevealRequest) ([]byte, *RevealRequest, error) {
	key := queueKey(req.BroadcastTime(), req.LogicalID)

	existing, existingVersion, err := tx.QueueGet(key)
	if err != nil {
		return nil, nil, err
	}
	if existing != nil {
		if revealEqual(existing, req) {
			// Idempotent replay of a client retry.
			return key, nil, errAlreadyQueued
		}
		return nil, nil, reject(CodeConflictingDuplicate, "different payload already queued for this broadcast time")
	}

	entry, entryVersion, err := tx.Logical(req.LogicalID)
	if err != nil {
		return nil, nil, err
	}
	if entry != nil && len(entry.PendingKey) > 0 {
		return nil, nil, reject(CodeAlreadyPending, "a transaction for this fleet is already in flight")
	}
	var superseded *RevealRequest
	if entry != nil && len(entry.QueueKey) > 0 && !bytes.Equal(entry.QueueKey, key) {
		// The broadcast time was superseded; drop the stale entry before
		// writing the new one.
		superseded, _, err = tx.QueueGet(entry.QueueKey)
		if err != nil {
			return nil, nil, err
		}
		tx.QueueDelete(entry.QueueKey)
	}

	if err := tx.QueuePut(key, req, existingVersion); err != nil {
		return nil, nil, err
	}
	if err := tx.PutLogical(req.LogicalID, &logicalEntry{QueueKey: key}, entryVersion); err != nil {
		return nil, nil, err
	}
	return key, superseded, nil
}

// releaseSuperseded hands back the reservation of a queue entry displaced by
// a re-submission, so one live reveal never carries two reservations. The
// displaced entry normally belongs to the submitting account; a foreign owner
// is re-read from the store.
func (s *Service) releaseSuperseded(tx *Txn, acct *Account, old *RevealRequest) error {
	cost := s.minimumCost(old.FeeSchedule)
	if old.Player == acct.Address {
		releaseEscrow(acct, cost)
		return nil
	}
	other, version, err := tx.Account(old.Player)
	if err != nil || other == nil {
		return err
	}
	releaseEscrow(other, cost)
	return tx.PutAccount(other, version)
}

// requeue moves a queued reveal to a new broadcast-time key after a start-time
// correction, updating the logical index in the same atomic step.
func (s *Service) requeue(tx *Txn, oldKey []byte, req *RevealRequest) ([]byte, error) {
	newKey := queueKey(req.BroadcastTime(), req.LogicalID)
	entry, entryVersion, err := tx.Logical(req.LogicalID)
	if err != nil {
		return nil, err
	}
	if entry == nil || !bytes.Equal(entry.QueueKey, oldKey) {
		return nil, errStaleRecord
	}
	if bytes.Equal(newKey, oldKey) {
		_, version, err := tx.QueueGet(oldKey)
		if err != nil {
			return nil, err
		}
		if version == 0 {
			return nil, errStaleRecord
		}
		if err := tx.QueuePut(oldKey, req, version); err != nil {
			return nil, err
		}
		return oldKey, nil
	}
	tx.QueueDelete(oldKey)
	_, newVersion, err := tx.QueueGet(newKey)
	if err != nil {
		return nil, err
	}
	if err := tx.QueuePut(newKey, req, newVersion); err != nil {
		return nil, err
	}
	if err := tx.PutLogical(req.LogicalID, &logicalEntry{QueueKey: newKey}, entryVersion); err != nil {
		return nil, err
	}
	return newKey, nil
}

// dropQueued removes a queued reveal and its logical index entry, releasing
// the escrow it reserved. Used by the expiry and retries-exhausted paths.
func (s *Service) dropQueued(tx *Txn, key []byte, req *RevealRequest) error {
	acct, version, err := tx.Account(req.Player)
	if err != nil {
		return err
	}
	if acct != nil {
		releaseEscrow(acct, s.minimumCost(req.FeeSchedule))
		if err := tx.PutAccount(acct, version); err != nil {
			return err
		}
	}
	tx.QueueDelete(key)
	tx.DeleteLogical(req.LogicalID)
	return nil
}
