package relay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAccountStatusProjectsUnconfirmedDeposits(t *testing.T) {
	h := newHarness(t)
	p := newPlayer(t)
	h.fund(t, p.addr, 100_000)
	h.funding.addDeposit(p.addr, 350_000, 90)

	status, err := h.svc.AccountStatus(context.Background(), p.addr)
	require.NoError(t, err)
	require.Equal(t, "100000", status.Received.String())
	require.Equal(t, "100000", status.Available.String())
	require.Equal(t, "350000", status.Unconfirmed.String())
	require.Equal(t, "400000", status.MinimumBalance.String())
	require.True(t, status.SufficientForNew, "projected balance covers the minimum")
}

func TestAccountStatusUnknownAccount(t *testing.T) {
	h := newHarness(t)
	p := newPlayer(t)

	_, err := h.svc.AccountStatus(context.Background(), p.addr)
	requireCode(t, err, CodeNotRegistered)
}

func TestAccountStatusCountsLiveReveals(t *testing.T) {
	h := newHarness(t)
	p := newPlayer(t)
	queueReveal(t, h, p, fleetHash("a"))

	status, err := h.svc.AccountStatus(context.Background(), p.addr)
	require.NoError(t, err)
	require.Equal(t, 1, status.QueuedReveals)
	require.Zero(t, status.PendingReveals)
}

func TestQueueEntriesOrderedAndRedacted(t *testing.T) {
	h := newHarness(t)
	p := newPlayer(t)
	h.fund(t, p.addr, 10_000_000)

	late := p.reveal(t, h, fleetHash("late"), func(s *RevealSubmission) {
		s.ArrivalTimeWanted = testBase + 900
	})
	_, err := h.svc.SubmitReveal(context.Background(), late)
	require.NoError(t, err)

	h.clock.Advance(time.Second)
	early := p.reveal(t, h, fleetHash("early"), func(s *RevealSubmission) {
		s.ArrivalTimeWanted = testBase + 400
	})
	_, err = h.svc.SubmitReveal(context.Background(), early)
	require.NoError(t, err)

	entries, err := h.svc.QueueEntries(0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, uint64(testBase+400), entries[0].BroadcastTime)
	require.Equal(t, uint64(testBase+900), entries[1].BroadcastTime)
}

func TestPendingEntriesListsBroadcasts(t *testing.T) {
	h := newHarness(t)
	p := newPlayer(t)
	pend := broadcastReveal(t, h, p, fleetHash("a"))

	entries, err := h.svc.PendingEntries(0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, pend.TxHash, entries[0].TxHash)
	require.Equal(t, pend.Nonce, entries[0].Nonce)
	require.Equal(t, p.addr, entries[0].Player)
}

func TestQueueEntriesHonorsLimit(t *testing.T) {
	h := newHarness(t)
	p := newPlayer(t)
	h.fund(t, p.addr, 10_000_000)

	for i, seed := range []string{"a", "b", "c"} {
		offset := uint64(i * 10)
		sub := p.reveal(t, h, fleetHash(seed), func(s *RevealSubmission) {
			s.ArrivalTimeWanted = testBase + 600 + offset
		})
		_, err := h.svc.SubmitReveal(context.Background(), sub)
		require.NoError(t, err)
		h.clock.Advance(time.Second)
	}

	entries, err := h.svc.QueueEntries(2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
}
