package relay

import (
	"context"
	"encoding/hex"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// AccountStatus is the read-only view of one ledger entry, with the
// unconfirmed funding delta folded into the projected balance.
type AccountStatus struct {
	Address          common.Address     `json:"address"`
	Received         *big.Int           `json:"received"`
	Used             *big.Int           `json:"used"`
	Spending         *big.Int           `json:"spending"`
	Available        *big.Int           `json:"available"`
	Unconfirmed      *big.Int           `json:"unconfirmed"`
	Delegate         *common.Address    `json:"delegate,omitempty"`
	NonceWatermark   uint64             `json:"nonceWatermark"`
	FeeSchedule      FeeSchedule        `json:"feeSchedule"`
	Withdrawal       *WithdrawalRequest `json:"withdrawal,omitempty"`
	QueuedReveals    int                `json:"queuedReveals"`
	PendingReveals   int                `json:"pendingReveals"`
	MinimumBalance   *big.Int           `json:"minimumBalance"`
	SufficientForNew bool               `json:"sufficientForNew"`
}

// AccountStatus reports the account's ledger position. Unconfirmed deposits
// between the sync cursor and the chain head are surfaced separately so
// clients can tell settled funds from funds still gathering confirmations.
func (s *Service) AccountStatus(ctx context.Context, addr common.Address) (*AccountStatus, error) {
	var acct *Account
	var fromBlock uint64
	var queued, pending int
	err := s.store.Exec(func(tx *Txn) error {
		var err error
		acct, _, err = tx.Account(addr)
		if err != nil {
			return err
		}
		cursor, _, err := tx.Cursor()
		if err != nil {
			return err
		}
		fromBlock = s.params.FundingStartBlock
		if cursor != nil {
			fromBlock = cursor.BlockNumber + 1
		}
		if err := tx.QueueAscend(func(_ []byte, req *RevealRequest, _ uint64) bool {
			if req.Player == addr {
				queued++
			}
			return true
		}); err != nil {
			return err
		}
		return tx.PendingAscend(func(_ []byte, pend *PendingTx, _ uint64) bool {
			if pend.Reveal.Player == addr {
				pending++
			}
			return true
		})
	})
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return nil, reject(CodeNotRegistered, "no ledger entry for %s", addr.Hex())
	}

	unconfirmed, err := s.unconfirmedDelta(ctx, addr, fromBlock)
	if err != nil {
		s.log.Warn("unconfirmed deposit scan failed", "player", addr.Hex(), "err", err)
		unconfirmed = new(big.Int)
	}
	available := availableBalance(acct, s.now(), s.params.WithdrawalWindow)
	projected := new(big.Int).Add(available, unconfirmed)
	minBal := minimumBalance(acct.FeeSchedule, s.params.GasLimitEstimate, s.params.SafetyMargin)

	return &AccountStatus{
		Address:          acct.Address,
		Received:         acct.Received,
		Used:             acct.Used,
		Spending:         acct.Spending,
		Available:        available,
		Unconfirmed:      unconfirmed,
		Delegate:         acct.Delegate,
		NonceWatermark:   acct.NonceWatermark,
		FeeSchedule:      acct.FeeSchedule,
		Withdrawal:       acct.Withdrawal,
		QueuedReveals:    queued,
		PendingReveals:   pending,
		MinimumBalance:   minBal,
		SufficientForNew: projected.Cmp(minBal) >= 0,
	}, nil
}

// QueueEntry is the read-only view of one queued reveal. Secrets are not
// exposed.
type QueueEntry struct {
	Key           string         `json:"key"`
	LogicalID     common.Hash    `json:"logicalId"`
	Fleet         common.Hash    `json:"fleet"`
	Player        common.Address `json:"player"`
	BroadcastTime uint64         `json:"broadcastTime"`
	SendConfirmed bool           `json:"sendConfirmed"`
	Retries       int            `json:"retries"`
}

// QueueEntries lists queued reveals in broadcast order, capped at limit.
func (s *Service) QueueEntries(limit int) ([]QueueEntry, error) {
	if limit <= 0 {
		limit = s.params.ScanLimit
	}
	var entries []QueueEntry
	err := s.store.Exec(func(tx *Txn) error {
		return tx.QueueAscend(func(key []byte, req *RevealRequest, _ uint64) bool {
			entries = append(entries, QueueEntry{
				Key:           hex.EncodeToString(key),
				LogicalID:     req.LogicalID,
				Fleet:         req.Fleet,
				Player:        req.Player,
				BroadcastTime: req.BroadcastTime(),
				SendConfirmed: req.SendConfirmed,
				Retries:       req.Retries,
			})
			return len(entries) < limit
		})
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// PendingEntry is the read-only view of one broadcast reveal awaiting
// finality.
type PendingEntry struct {
	LogicalID    common.Hash    `json:"logicalId"`
	Player       common.Address `json:"player"`
	TxHash       common.Hash    `json:"txHash"`
	Nonce        uint64         `json:"nonce"`
	BroadcastAt  uint64         `json:"broadcastAt"`
	MaxFeePerGas *big.Int       `json:"maxFeePerGas"`
}

// PendingEntries lists pending transactions in nonce order, capped at limit.
func (s *Service) PendingEntries(limit int) ([]PendingEntry, error) {
	if limit <= 0 {
		limit = s.params.ScanLimit
	}
	var entries []PendingEntry
	err := s.store.Exec(func(tx *Txn) error {
		return tx.PendingAscend(func(_ []byte, pend *PendingTx, _ uint64) bool {
			entries = append(entries, PendingEntry{
				LogicalID:    pend.Reveal.LogicalID,
				Player:       pend.Reveal.Player,
				TxHash:       pend.TxHash,
				Nonce:        pend.Nonce,
				BroadcastAt:  pend.BroadcastAt,
				MaxFeePerGas: pend.MaxFeePerGasUsed,
			})
			return len(entries) < limit
		})
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}
