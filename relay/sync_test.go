package relay

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestSyncFoldsFinalizedDeposits(t *testing.T) {
	h := newHarness(t)
	alice := common.HexToAddress("0xA11CE00000000000000000000000000000000001")
	bob := common.HexToAddress("0xB0B0000000000000000000000000000000000002")

	h.funding.addDeposit(alice, 1_000, 50)
	h.funding.addDeposit(alice, 500, 60)
	h.funding.addDeposit(bob, 2_000, 70)
	h.funding.addDeposit(bob, 9_999, 95) // above the finalized range
	h.chain.head = 100                   // toBlock = 88

	require.NoError(t, h.svc.TickSync(context.Background()))

	require.Equal(t, "1500", h.account(t, alice).Received.String())
	require.Equal(t, "2000", h.account(t, bob).Received.String())

	err := h.store.Exec(func(tx *Txn) error {
		cursor, _, err := tx.Cursor()
		require.NotNil(t, cursor)
		require.Equal(t, uint64(88), cursor.BlockNumber)
		require.Equal(t, h.funding.contract, cursor.Contract)
		return err
	})
	require.NoError(t, err)

	// The event above the cursor lands on the next pass.
	h.chain.head = 110
	require.NoError(t, h.svc.TickSync(context.Background()))
	require.Equal(t, "11999", h.account(t, bob).Received.String())
}

func TestSyncNoopBeforeFinalityDepth(t *testing.T) {
	h := newHarness(t)
	h.chain.head = 5 // below the finality depth of 12

	require.NoError(t, h.svc.TickSync(context.Background()))

	err := h.store.Exec(func(tx *Txn) error {
		cursor, _, err := tx.Cursor()
		require.Nil(t, cursor)
		return err
	})
	require.NoError(t, err)
}

func TestSyncNoopWhenCursorCurrent(t *testing.T) {
	h := newHarness(t)
	h.chain.head = 100
	require.NoError(t, h.svc.TickSync(context.Background()))

	// Same head again: nothing to do, no error.
	require.NoError(t, h.svc.TickSync(context.Background()))
}

func TestSyncRefundClearsWithdrawalClaim(t *testing.T) {
	h := newHarness(t)
	alice := common.HexToAddress("0xA11CE00000000000000000000000000000000001")

	err := h.store.Exec(func(tx *Txn) error {
		acct := newAccount(alice, testSchedule())
		acct.Received = big.NewInt(10_000)
		acct.Withdrawal = &WithdrawalRequest{Amount: big.NewInt(4_000), RequestedAt: testBase}
		return tx.PutAccount(acct, 0)
	})
	require.NoError(t, err)

	h.funding.addRefund(alice, 4_000, 50)
	h.chain.head = 100

	require.NoError(t, h.svc.TickSync(context.Background()))

	acct := h.account(t, alice)
	require.Equal(t, "6000", acct.Received.String())
	require.Nil(t, acct.Withdrawal, "executed withdrawal must clear the claim")
}

func TestSyncFatalOnFundingContractChange(t *testing.T) {
	h := newHarness(t)
	err := h.store.Exec(func(tx *Txn) error {
		return tx.PutCursor(&SyncCursor{
			BlockNumber:    50,
			Contract:       common.HexToAddress("0xDEAD000000000000000000000000000000000001"),
			BlockTimestamp: testBase,
		}, 0)
	})
	require.NoError(t, err)
	h.chain.head = 100

	err = h.svc.TickSync(context.Background())
	require.ErrorIs(t, err, ErrFundingContractChanged)
}

func TestSyncFatalOnImplausibleBlockJump(t *testing.T) {
	h := newHarness(t)
	err := h.store.Exec(func(tx *Txn) error {
		return tx.PutCursor(&SyncCursor{
			BlockNumber:    100,
			Contract:       h.funding.contract,
			BlockTimestamp: testBase, // no wall-clock time has passed
		}, 0)
	})
	require.NoError(t, err)
	// 300 new finalized blocks in zero elapsed time.
	h.chain.head = 412

	err = h.svc.TickSync(context.Background())
	require.ErrorIs(t, err, ErrImplausibleBlockJump)

	// Cursor untouched.
	err = h.store.Exec(func(tx *Txn) error {
		cursor, _, err := tx.Cursor()
		require.Equal(t, uint64(100), cursor.BlockNumber)
		return err
	})
	require.NoError(t, err)
}

func TestSyncBlockJumpGuardHoldsWhenClockLagsCursor(t *testing.T) {
	h := newHarness(t)
	err := h.store.Exec(func(tx *Txn) error {
		return tx.PutCursor(&SyncCursor{
			BlockNumber:    100,
			Contract:       h.funding.contract,
			BlockTimestamp: testBase + 10_000, // stamped ahead of the clock
		}, 0)
	})
	require.NoError(t, err)
	// 300 new finalized blocks while the clock reads earlier than the
	// cursor's stamp: elapsed clamps to zero, the guard still trips.
	h.chain.head = 412

	err = h.svc.TickSync(context.Background())
	require.ErrorIs(t, err, ErrImplausibleBlockJump)
}

func TestSyncNetsDepositsAndRefundsPerAccount(t *testing.T) {
	h := newHarness(t)
	alice := common.HexToAddress("0xA11CE00000000000000000000000000000000001")

	h.funding.addDeposit(alice, 5_000, 40)
	h.funding.addRefund(alice, 1_200, 45)
	h.chain.head = 100

	require.NoError(t, h.svc.TickSync(context.Background()))
	require.Equal(t, "3800", h.account(t, alice).Received.String())
}
