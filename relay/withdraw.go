package relay

import (
	"context"
	"encoding/hex"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// WithdrawalSubmission asks the relay to authorize withdrawing the account's
// free balance back through the funding contract.
type WithdrawalSubmission struct {
	SubmissionAuth
}

// WithdrawalAuthorization is the signed voucher the player presents on-chain.
// The funding contract verifies the relay key's signature over
// keccak256(requestedAt ‖ player ‖ amount).
type WithdrawalAuthorization struct {
	Player      common.Address `json:"player"`
	Amount      *big.Int       `json:"amount"`
	RequestedAt uint64         `json:"requestedAt"`
	Signature   string         `json:"signature"`
}

// WithdrawalMessage builds the canonical signed string for a withdrawal
// request.
func WithdrawalMessage(sub WithdrawalSubmission) string {
	return strings.Join([]string{
		"withdraw",
		strings.ToLower(strings.TrimSpace(sub.Player)),
		strconv.FormatUint(sub.NonceMsTimestamp, 10),
	}, ":")
}

// RequestWithdrawal authorizes withdrawing everything the ledger currently
// frees up: received minus used minus escrow, deliberately without the
// unconfirmed-deposit re-scan used on the acceptance path. The amount is
// recorded as a time-gated claim so reveals submitted before the on-chain
// withdrawal lands cannot spend the same funds.
func (s *Service) RequestWithdrawal(ctx context.Context, sub WithdrawalSubmission) (*WithdrawalAuthorization, error) {
	auth, err := parseAuth(sub.SubmissionAuth)
	if err != nil {
		s.recordRejection(err)
		return nil, err
	}
	message := WithdrawalMessage(sub)

	var out *WithdrawalAuthorization
	err = s.store.Exec(func(tx *Txn) error {
		acct, version, err := tx.Account(auth.player)
		if err != nil {
			return err
		}
		if acct == nil {
			return reject(CodeNotRegistered, "no ledger entry for %s", auth.player.Hex())
		}
		if _, err := s.authenticate(acct, auth, message); err != nil {
			return err
		}

		now := s.now()
		// A fresh request supersedes any earlier one, so the earlier claim
		// is ignored when sizing this one.
		acct.Withdrawal = nil
		amount := availableBalance(acct, now, s.params.WithdrawalWindow)
		if amount.Sign() < 0 {
			amount = new(big.Int)
		}

		signature, err := s.signWithdrawal(now, auth.player, amount)
		if err != nil {
			return err
		}
		acct.Withdrawal = &WithdrawalRequest{Amount: amount, RequestedAt: now}
		acct.NonceWatermark = auth.nonceMs
		if err := tx.PutAccount(acct, version); err != nil {
			return err
		}
		out = &WithdrawalAuthorization{
			Player:      auth.player,
			Amount:      amount,
			RequestedAt: now,
			Signature:   "0x" + hex.EncodeToString(signature),
		}
		return nil
	})
	if err != nil {
		s.recordRejection(err)
		return nil, err
	}
	s.metrics.RecordSubmission("withdrawal")
	s.log.Info("withdrawal authorized",
		"player", out.Player.Hex(), "amount", out.Amount, "requestedAt", out.RequestedAt)
	return out, nil
}

// signWithdrawal signs the tightly packed (uint256 requestedAt, address
// player, uint256 amount) digest with the relay key, matching the funding
// contract's recovery scheme.
func (s *Service) signWithdrawal(requestedAt uint64, player common.Address, amount *big.Int) ([]byte, error) {
	packed := make([]byte, 0, 32+common.AddressLength+32)
	packed = append(packed, common.LeftPadBytes(new(big.Int).SetUint64(requestedAt).Bytes(), 32)...)
	packed = append(packed, player.Bytes()...)
	packed = append(packed, common.LeftPadBytes(amount.Bytes(), 32)...)
	digest := ethcrypto.Keccak256(packed)
	return s.signer.SignMessage(digest)
}
