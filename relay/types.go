package relay

import (
	"encoding/binary"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// FeeTier is one step of the escalation schedule: once the elapsed delay since
// a reveal's broadcast time passes DelayThreshold, the relay may spend up to
// the tier's fee caps on the transaction.
type FeeTier struct {
	DelayThreshold       uint64   `json:"delayThreshold"` // seconds
	MaxFeePerGas         *big.Int `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *big.Int `json:"maxPriorityFeePerGas"`
}

// FeeSchedule holds exactly three tiers ordered by ascending delay threshold.
// The first tier's threshold is always zero.
type FeeSchedule [3]FeeTier

// Pick selects the most aggressive tier whose threshold has been reached,
// walking the schedule backwards. Before any threshold is reached the first
// tier applies.
func (s FeeSchedule) Pick(elapsed time.Duration) FeeTier {
	secs := uint64(0)
	if elapsed > 0 {
		secs = uint64(elapsed / time.Second)
	}
	for i := len(s) - 1; i >= 0; i-- {
		if s[i].DelayThreshold <= secs {
			return s[i]
		}
	}
	return s[0]
}

// MaxFee returns the largest MaxFeePerGas across the schedule. This bounds the
// worst-case cost of a reveal and therefore the escrow reservation.
func (s FeeSchedule) MaxFee() *big.Int {
	max := new(big.Int)
	for _, tier := range s {
		if tier.MaxFeePerGas != nil && tier.MaxFeePerGas.Cmp(max) > 0 {
			max = tier.MaxFeePerGas
		}
	}
	return new(big.Int).Set(max)
}

// Clone deep-copies the schedule so snapshots cannot alias account state.
func (s FeeSchedule) Clone() FeeSchedule {
	var out FeeSchedule
	for i, tier := range s {
		out[i] = FeeTier{
			DelayThreshold:       tier.DelayThreshold,
			MaxFeePerGas:         cloneBig(tier.MaxFeePerGas),
			MaxPriorityFeePerGas: cloneBig(tier.MaxPriorityFeePerGas),
		}
	}
	return out
}

// WithdrawalRequest is a time-gated claim over an account's free balance.
type WithdrawalRequest struct {
	Amount      *big.Int `json:"amount"`
	RequestedAt uint64   `json:"requestedAt"`
}

// Account is the per-player ledger entry. Balances are wei. Received tracks
// externally confirmed deposits, Used permanently spent gas, Spending escrow
// reserved for in-flight reveals.
type Account struct {
	Address        common.Address     `json:"address"`
	Received       *big.Int           `json:"received"`
	Used           *big.Int           `json:"used"`
	Spending       *big.Int           `json:"spending"`
	Delegate       *common.Address    `json:"delegate,omitempty"`
	NonceWatermark uint64             `json:"nonceWatermark"` // unix ms
	FeeSchedule    FeeSchedule        `json:"feeSchedule"`
	Withdrawal     *WithdrawalRequest `json:"withdrawal,omitempty"`
}

func newAccount(addr common.Address, defaults FeeSchedule) *Account {
	return &Account{
		Address:     addr,
		Received:    new(big.Int),
		Used:        new(big.Int),
		Spending:    new(big.Int),
		FeeSchedule: defaults.Clone(),
	}
}

func (a *Account) normalize() {
	if a.Received == nil {
		a.Received = new(big.Int)
	}
	if a.Used == nil {
		a.Used = new(big.Int)
	}
	if a.Spending == nil {
		a.Spending = new(big.Int)
	}
}

// Coord is a planet location in the game's spiral coordinate space.
type Coord struct {
	X int64 `json:"x"`
	Y int64 `json:"y"`
}

// RevealRequest is the escrowed unit of work: everything needed to broadcast
// the fleet-resolution transaction at the right moment.
type RevealRequest struct {
	LogicalID          common.Hash      `json:"logicalId"`
	Fleet              common.Hash      `json:"fleet"`
	Player             common.Address   `json:"player"`
	DelegateUsed       *common.Address  `json:"delegateUsed,omitempty"`
	FleetSender        *common.Address  `json:"fleetSender,omitempty"`
	Operator           *common.Address  `json:"operator,omitempty"`
	Secret             common.Hash      `json:"secret"`
	From               Coord            `json:"from"`
	To                 Coord            `json:"to"`
	Distance           uint64           `json:"distance"`
	ArrivalTimeWanted  uint64           `json:"arrivalTimeWanted"`
	StartTime          uint64           `json:"startTime"`
	MinDuration        uint64           `json:"minDuration"` // seconds
	Gift               bool             `json:"gift"`
	Specific           common.Address   `json:"specific"`
	PotentialAlliances []common.Address `json:"potentialAlliances,omitempty"`
	Retries            int              `json:"retries"`
	SendConfirmed      bool             `json:"sendConfirmed"`
	FeeSchedule        FeeSchedule      `json:"feeSchedule"` // snapshot at submission
}

// BroadcastTime is the wall-clock instant the reveal becomes eligible for
// submission. Recomputed whenever StartTime is corrected against the oracle.
func (r *RevealRequest) BroadcastTime() uint64 {
	earliest := r.StartTime + r.MinDuration
	if r.ArrivalTimeWanted > earliest {
		return r.ArrivalTimeWanted
	}
	return earliest
}

// PendingTx is a broadcast reveal awaiting finality, keyed by its allocated
// nonce so the pending table iterates in submission order.
type PendingTx struct {
	Reveal           RevealRequest `json:"reveal"`
	TxHash           common.Hash   `json:"txHash"`
	Nonce            uint64        `json:"nonce"`
	BroadcastAt      uint64        `json:"broadcastAt"`
	MaxFeePerGasUsed *big.Int      `json:"maxFeePerGasUsed"`
}

// logicalEntry enforces "at most one live instance per logical id": exactly
// one of the two keys is set while the reveal is live.
type logicalEntry struct {
	QueueKey   []byte `json:"queueKey,omitempty"`
	PendingKey []byte `json:"pendingKey,omitempty"`
}

// nonceCounter allocates relay-account transaction nonces. Seeded once from
// the chain's observed transaction count, then advanced past every allocated
// nonce; never reset.
type nonceCounter struct {
	Next   uint64 `json:"next"`
	Seeded bool   `json:"seeded"`
}

// SyncCursor marks how far the balance synchronizer has folded funding events
// into the ledger. The contract address is pinned: a change is fatal.
type SyncCursor struct {
	BlockNumber    uint64         `json:"blockNumber"`
	BlockHash      common.Hash    `json:"blockHash"`
	Contract       common.Address `json:"contract"`
	BlockTimestamp uint64         `json:"blockTimestamp"`
}

// queueKey orders the queue table by (broadcastTime, logicalId). Big-endian
// encoding makes LevelDB's lexicographic ordering equal numeric ordering.
func queueKey(broadcastTime uint64, id common.Hash) []byte {
	key := make([]byte, 8+common.HashLength)
	binary.BigEndian.PutUint64(key[:8], broadcastTime)
	copy(key[8:], id[:])
	return key
}

func queueKeyTime(key []byte) uint64 {
	if len(key) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(key[:8])
}

// pendingKey orders the pending table by allocated nonce.
func pendingKey(nonce uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, nonce)
	return key
}

func secondsToDuration(secs uint64) time.Duration {
	return time.Duration(secs) * time.Second
}

func cloneBig(in *big.Int) *big.Int {
	if in == nil {
		return nil
	}
	return new(big.Int).Set(in)
}
