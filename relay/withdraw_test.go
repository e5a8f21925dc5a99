package relay

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"fleetrelay/crypto"
)

func withdrawalSubmission(t *testing.T, h *harness, p *player) WithdrawalSubmission {
	t.Helper()
	sub := WithdrawalSubmission{
		SubmissionAuth: SubmissionAuth{
			Player:           p.addr.Hex(),
			NonceMsTimestamp: uint64(h.clock.Now().UnixMilli()),
		},
	}
	signSubmission(t, p.key, &sub.SubmissionAuth, WithdrawalMessage(sub))
	return sub
}

func TestRequestWithdrawalRejectsUnknownAccount(t *testing.T) {
	h := newHarness(t)
	p := newPlayer(t)

	_, err := h.svc.RequestWithdrawal(context.Background(), withdrawalSubmission(t, h, p))
	requireCode(t, err, CodeNotRegistered)
}

func TestRequestWithdrawalAuthorizesFreeBalance(t *testing.T) {
	h := newHarness(t)
	p := newPlayer(t)
	h.fund(t, p.addr, 1_000_000)

	auth, err := h.svc.RequestWithdrawal(context.Background(), withdrawalSubmission(t, h, p))
	require.NoError(t, err)
	require.Equal(t, "1000000", auth.Amount.String())
	require.Equal(t, testBase, auth.RequestedAt)

	acct := h.account(t, p.addr)
	require.NotNil(t, acct.Withdrawal)
	require.Equal(t, "1000000", acct.Withdrawal.Amount.String())

	// The voucher verifies against the relay's signing key.
	sig, err := parseHexBytes(auth.Signature, 65)
	require.NoError(t, err)
	packed := make([]byte, 0, 96)
	packed = append(packed, common.LeftPadBytes(new(big.Int).SetUint64(auth.RequestedAt).Bytes(), 32)...)
	packed = append(packed, auth.Player.Bytes()...)
	packed = append(packed, common.LeftPadBytes(auth.Amount.Bytes(), 32)...)
	signer, err := crypto.RecoverSigner(ethcrypto.Keccak256(packed), sig)
	require.NoError(t, err)
	require.Equal(t, h.signer.Address(), signer)
}

func TestRequestWithdrawalExcludesEscrowedFunds(t *testing.T) {
	h := newHarness(t)
	p := newPlayer(t)
	queueReveal(t, h, p, fleetHash("a")) // funds 10_000_000 and reserves 400_000

	h.clock.Advance(time.Second)
	auth, err := h.svc.RequestWithdrawal(context.Background(), withdrawalSubmission(t, h, p))
	require.NoError(t, err)
	require.Equal(t, "9600000", auth.Amount.String())
}

func TestRequestWithdrawalBlocksSubsequentReveal(t *testing.T) {
	h := newHarness(t)
	p := newPlayer(t)
	h.fund(t, p.addr, 1_000_000)

	_, err := h.svc.RequestWithdrawal(context.Background(), withdrawalSubmission(t, h, p))
	require.NoError(t, err)

	h.clock.Advance(time.Second)
	sub := p.reveal(t, h, fleetHash("a"), nil)
	_, err = h.svc.SubmitReveal(context.Background(), sub)
	requireCode(t, err, CodeInsufficientBalance)
}

func TestRequestWithdrawalSupersedesEarlierClaim(t *testing.T) {
	h := newHarness(t)
	p := newPlayer(t)
	h.fund(t, p.addr, 1_000_000)

	_, err := h.svc.RequestWithdrawal(context.Background(), withdrawalSubmission(t, h, p))
	require.NoError(t, err)

	h.fund(t, p.addr, 500_000)
	h.clock.Advance(time.Second)
	auth, err := h.svc.RequestWithdrawal(context.Background(), withdrawalSubmission(t, h, p))
	require.NoError(t, err)
	// The new claim covers the whole balance, not balance minus the old claim.
	require.Equal(t, "1500000", auth.Amount.String())
}
