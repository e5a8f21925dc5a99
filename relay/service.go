package relay

import (
	"context"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"fleetrelay/crypto"
	"fleetrelay/observability"
)

// ChainClient is the narrow view of an Ethereum node the relay needs.
type ChainClient interface {
	// TransactionCount returns the relay account's transaction count at the
	// latest block.
	TransactionCount(ctx context.Context, addr common.Address) (uint64, error)
	// TransactionBlock reports the block a transaction was mined in.
	// found is false when the node does not know the hash or the
	// transaction is still pending.
	TransactionBlock(ctx context.Context, hash common.Hash) (blockNumber uint64, found bool, err error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*Receipt, error)
	HeadBlockNumber(ctx context.Context) (uint64, error)
	Block(ctx context.Context, number uint64) (*BlockInfo, error)
}

// Receipt carries the two receipt fields the monitor settles against.
type Receipt struct {
	GasUsed           uint64
	EffectiveGasPrice *big.Int
}

// BlockInfo identifies a block for the sync cursor.
type BlockInfo struct {
	Number uint64
	Hash   common.Hash
	Time   uint64
}

// RulesOracle answers the two game-rules questions the relay needs: when a
// fleet actually launched (as of the latest finalized block) and whether it
// can still be resolved.
type RulesOracle interface {
	LaunchTime(ctx context.Context, fleet common.Hash) (launchTime uint64, found bool, err error)
	Actionable(ctx context.Context, fleet common.Hash) (bool, error)
}

// RevealSender broadcasts the target contract's reveal call, or a harmless
// no-op used to keep the nonce sequence contiguous.
type RevealSender interface {
	SendReveal(ctx context.Context, req *RevealRequest, nonce uint64, maxFeePerGas, maxPriorityFeePerGas *big.Int, gasLimit uint64) (common.Hash, error)
	SendNoop(ctx context.Context, nonce uint64, maxFeePerGas, maxPriorityFeePerGas *big.Int) (common.Hash, error)
}

// DepositEvent is one funding-contract log entry.
type DepositEvent struct {
	Account common.Address
	Amount  *big.Int
	Refund  bool
	Block   uint64
}

// FundingSource reads the external contract players deposit into.
type FundingSource interface {
	ContractAddress(ctx context.Context) (common.Address, error)
	// DepositEvents returns deposit/refund logs in the inclusive block
	// range. toBlock 0 means "latest".
	DepositEvents(ctx context.Context, account *common.Address, fromBlock, toBlock uint64) ([]DepositEvent, error)
}

// Params bundles the relay's tunables. Zero values are replaced with the
// documented defaults by NewService.
type Params struct {
	GasLimitEstimate    uint64
	SafetyMargin        *big.Int
	RetryCeiling        int
	RetryBackoffCeiling time.Duration
	ResolveWindow       time.Duration
	FinalityMargin      time.Duration
	FinalityDepth       uint64
	ScanLimit           int
	WithdrawalWindow    time.Duration
	MinBlockTime        time.Duration
	FundingStartBlock   uint64
	DefaultFeeSchedule  FeeSchedule
}

func (p *Params) applyDefaults() {
	if p.GasLimitEstimate == 0 {
		p.GasLimitEstimate = 1_000_000
	}
	if p.SafetyMargin == nil {
		p.SafetyMargin = new(big.Int)
	}
	if p.RetryCeiling <= 0 {
		p.RetryCeiling = 10
	}
	if p.RetryBackoffCeiling <= 0 {
		p.RetryBackoffCeiling = 5 * time.Minute
	}
	if p.ResolveWindow <= 0 {
		p.ResolveWindow = time.Hour
	}
	if p.FinalityMargin <= 0 {
		p.FinalityMargin = 15 * time.Minute
	}
	if p.FinalityDepth == 0 {
		p.FinalityDepth = 12
	}
	if p.ScanLimit <= 0 {
		p.ScanLimit = 25
	}
	if p.WithdrawalWindow <= 0 {
		p.WithdrawalWindow = 7 * 24 * time.Hour
	}
	if p.MinBlockTime <= 0 {
		p.MinBlockTime = 12 * time.Second
	}
}

// Service is the relay core: one logical actor owning the ledger, the reveal
// queue and the pending-transaction set. All mutations flow through the
// store's single writer goroutine; the tick entry points are idempotent and
// safe on any cadence.
type Service struct {
	store   *Store
	chain   ChainClient
	oracle  RulesOracle
	sender  RevealSender
	funding FundingSource
	signer  *crypto.PrivateKey
	params  Params
	log     *slog.Logger
	metrics *observability.RelayMetrics
	nowFn   func() time.Time
}

// Option customises the service instance.
type Option func(*Service)

// WithClock sets the function used to derive timestamps. Primarily for tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) { s.nowFn = clock }
}

// WithLogger overrides the default logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Service) { s.log = log }
}

// WithMetrics overrides the default metrics registry.
func WithMetrics(m *observability.RelayMetrics) Option {
	return func(s *Service) { s.metrics = m }
}

// NewService wires the relay core. The signer is the service's own key: it
// pays for broadcast transactions and signs withdrawal authorizations.
func NewService(store *Store, chain ChainClient, oracle RulesOracle, sender RevealSender, funding FundingSource, signer *crypto.PrivateKey, params Params, opts ...Option) *Service {
	params.applyDefaults()
	svc := &Service{
		store:   store,
		chain:   chain,
		oracle:  oracle,
		sender:  sender,
		funding: funding,
		signer:  signer,
		params:  params,
		log:     slog.Default(),
		nowFn:   time.Now,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

func (s *Service) now() uint64 {
	return uint64(s.nowFn().Unix())
}

func (s *Service) nowMs() uint64 {
	return uint64(s.nowFn().UnixMilli())
}

// since is the wall-clock time elapsed past ts, clamped at zero when the
// service clock lags a chain-sourced timestamp. An unclamped uint64
// subtraction would wrap and read as an enormous delay.
func (s *Service) since(ts uint64) time.Duration {
	now := s.now()
	if now <= ts {
		return 0
	}
	return secondsToDuration(now - ts)
}

// expiryDeadline is the absolute wall-clock timeout on a queued reveal's
// lifecycle.
func (s *Service) expiryDeadline(broadcastTime uint64) uint64 {
	return broadcastTime + uint64(s.params.ResolveWindow/time.Second) + uint64(s.params.FinalityMargin/time.Second)
}

func (s *Service) minimumCost(schedule FeeSchedule) *big.Int {
	return minimumCost(schedule, s.params.GasLimitEstimate)
}

func (s *Service) observeTick(driver string, started time.Time) {
	s.metrics.ObserveTick(driver, s.nowFn().Sub(started))
}

func (s *Service) publishDepths(tx *Txn) {
	if queued, err := tx.QueueCount(); err == nil {
		s.metrics.SetQueueSize(queued)
	}
	if pending, err := tx.PendingCount(); err == nil {
		s.metrics.SetPendingSize(pending)
	}
	total := new(big.Int)
	if err := tx.AccountsAscend(func(acct *Account, _ uint64) bool {
		total.Add(total, acct.Spending)
		return true
	}); err == nil {
		s.metrics.SetEscrowed(total)
	}
}
