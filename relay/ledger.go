package relay

import (
	"math/big"
	"time"
)

// Escrow accounting. All mutations run inside the store's writer goroutine;
// balance-sufficiency decisions are made by the caller before reserving.

// reserve earmarks amount against future gas spend.
func reserve(acct *Account, amount *big.Int) {
	acct.Spending = new(big.Int).Add(acct.Spending, amount)
}

// releaseEscrow returns reserved funds, floored at zero so a double release
// cannot drive the ledger negative.
func releaseEscrow(acct *Account, amount *big.Int) {
	acct.Spending = new(big.Int).Sub(acct.Spending, amount)
	if acct.Spending.Sign() < 0 {
		acct.Spending = new(big.Int)
	}
}

// settle converts a reservation into permanent spend. actualCost is the true
// gas used times the effective gas price; the difference against the
// reservation is absorbed rather than separately refunded or re-billed.
func settle(acct *Account, reserved, actualCost *big.Int) {
	releaseEscrow(acct, reserved)
	acct.Used = new(big.Int).Add(acct.Used, actualCost)
}

// availableBalance is received minus used minus spending, further reduced by
// an unexpired withdrawal request. It may transiently go negative while
// escrow is reserved optimistically against unconfirmed deposits.
func availableBalance(acct *Account, now uint64, withdrawalWindow time.Duration) *big.Int {
	available := new(big.Int).Sub(acct.Received, acct.Used)
	available.Sub(available, acct.Spending)
	if acct.Withdrawal != nil && acct.Withdrawal.Amount != nil {
		expiry := acct.Withdrawal.RequestedAt + uint64(withdrawalWindow/time.Second)
		if now <= expiry {
			available.Sub(available, acct.Withdrawal.Amount)
		}
	}
	return available
}

// minimumCost is the worst-case gas spend for one reveal under the given
// schedule: the largest tier fee times the gas-limit estimate. This is the
// amount reserved per queued reveal.
func minimumCost(schedule FeeSchedule, gasLimit uint64) *big.Int {
	return new(big.Int).Mul(schedule.MaxFee(), new(big.Int).SetUint64(gasLimit))
}

// minimumBalance is the acceptance threshold for a new submission: the
// worst-case cost less a small safety margin, so a player whose balance sits
// a hair under the worst case is not rejected.
func minimumBalance(schedule FeeSchedule, gasLimit uint64, safetyMargin *big.Int) *big.Int {
	min := minimumCost(schedule, gasLimit)
	if safetyMargin != nil {
		min.Sub(min, safetyMargin)
		if min.Sign() < 0 {
			min = new(big.Int)
		}
	}
	return min
}
