package relay

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"fleetrelay/crypto"
	"fleetrelay/storage"
)

const testBase = uint64(1_700_000_000)

func testSchedule() FeeSchedule {
	return FeeSchedule{
		{DelayThreshold: 0, MaxFeePerGas: big.NewInt(100), MaxPriorityFeePerGas: big.NewInt(10)},
		{DelayThreshold: 300, MaxFeePerGas: big.NewInt(200), MaxPriorityFeePerGas: big.NewInt(20)},
		{DelayThreshold: 900, MaxFeePerGas: big.NewInt(400), MaxPriorityFeePerGas: big.NewInt(40)},
	}
}

// testClock is a manually advanced clock shared by a test's service instance.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Unix(int64(testBase), 0)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type mockChain struct {
	mu       sync.Mutex
	nonce    uint64
	head     uint64
	blocks   map[uint64]*BlockInfo
	mined    map[common.Hash]uint64
	receipts map[common.Hash]*Receipt
	nonceErr error
}

func newMockChain() *mockChain {
	return &mockChain{
		blocks:   make(map[uint64]*BlockInfo),
		mined:    make(map[common.Hash]uint64),
		receipts: make(map[common.Hash]*Receipt),
	}
}

func (m *mockChain) TransactionCount(ctx context.Context, addr common.Address) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.nonceErr != nil {
		return 0, m.nonceErr
	}
	return m.nonce, nil
}

func (m *mockChain) TransactionBlock(ctx context.Context, hash common.Hash) (uint64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	block, ok := m.mined[hash]
	return block, ok, nil
}

func (m *mockChain) TransactionReceipt(ctx context.Context, hash common.Hash) (*Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.receipts[hash], nil
}

func (m *mockChain) HeadBlockNumber(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.head, nil
}

func (m *mockChain) Block(ctx context.Context, number uint64) (*BlockInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if info, ok := m.blocks[number]; ok {
		return info, nil
	}
	return &BlockInfo{
		Number: number,
		Hash:   ethcrypto.Keccak256Hash([]byte(strconv.FormatUint(number, 10))),
		Time:   testBase,
	}, nil
}

func (m *mockChain) setMined(hash common.Hash, block uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mined[hash] = block
}

type mockOracle struct {
	mu         sync.Mutex
	launch     map[common.Hash]uint64
	actionable map[common.Hash]bool
}

func newMockOracle() *mockOracle {
	return &mockOracle{
		launch:     make(map[common.Hash]uint64),
		actionable: make(map[common.Hash]bool),
	}
}

func (m *mockOracle) LaunchTime(ctx context.Context, fleet common.Hash) (uint64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	launch, ok := m.launch[fleet]
	return launch, ok, nil
}

func (m *mockOracle) Actionable(ctx context.Context, fleet common.Hash) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.actionable[fleet], nil
}

func (m *mockOracle) set(fleet common.Hash, launch uint64, actionable bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if launch > 0 {
		m.launch[fleet] = launch
	}
	m.actionable[fleet] = actionable
}

type sentTx struct {
	Fleet  common.Hash
	Nonce  uint64
	MaxFee *big.Int
	MaxTip *big.Int
	Noop   bool
}

type mockSender struct {
	mu        sync.Mutex
	sent      []sentTx
	seq       int
	sendErr   error // returned by SendReveal; cleared after failSends uses when set
	failSends int
	onSend    func() // invoked once, before the next SendReveal records
}

func (m *mockSender) SendReveal(ctx context.Context, req *RevealRequest, nonce uint64, maxFee, maxTip *big.Int, gasLimit uint64) (common.Hash, error) {
	m.mu.Lock()
	hook := m.onSend
	m.onSend = nil
	m.mu.Unlock()
	if hook != nil {
		hook()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		err := m.sendErr
		if m.failSends > 0 {
			m.failSends--
			if m.failSends == 0 {
				m.sendErr = nil
			}
		}
		return common.Hash{}, err
	}
	m.seq++
	m.sent = append(m.sent, sentTx{Fleet: req.Fleet, Nonce: nonce, MaxFee: cloneBig(maxFee), MaxTip: cloneBig(maxTip)})
	return ethcrypto.Keccak256Hash([]byte(fmt.Sprintf("reveal-%d", m.seq))), nil
}

func (m *mockSender) SendNoop(ctx context.Context, nonce uint64, maxFee, maxTip *big.Int) (common.Hash, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	m.sent = append(m.sent, sentTx{Nonce: nonce, MaxFee: cloneBig(maxFee), MaxTip: cloneBig(maxTip), Noop: true})
	return ethcrypto.Keccak256Hash([]byte(fmt.Sprintf("noop-%d", m.seq))), nil
}

func (m *mockSender) last() sentTx {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sent[len(m.sent)-1]
}

func (m *mockSender) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

type mockFunding struct {
	mu       sync.Mutex
	contract common.Address
	events   []DepositEvent
	err      error
}

func (m *mockFunding) ContractAddress(ctx context.Context) (common.Address, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.contract, nil
}

func (m *mockFunding) DepositEvents(ctx context.Context, account *common.Address, fromBlock, toBlock uint64) ([]DepositEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	var out []DepositEvent
	for _, evt := range m.events {
		if evt.Block < fromBlock {
			continue
		}
		if toBlock > 0 && evt.Block > toBlock {
			continue
		}
		if account != nil && evt.Account != *account {
			continue
		}
		out = append(out, evt)
	}
	return out, nil
}

func (m *mockFunding) addDeposit(account common.Address, amount int64, block uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, DepositEvent{Account: account, Amount: big.NewInt(amount), Block: block})
}

func (m *mockFunding) addRefund(account common.Address, amount int64, block uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, DepositEvent{Account: account, Amount: big.NewInt(amount), Refund: true, Block: block})
}

type harness struct {
	svc     *Service
	store   *Store
	clock   *testClock
	chain   *mockChain
	oracle  *mockOracle
	sender  *mockSender
	funding *mockFunding
	signer  *crypto.PrivateKey
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	signer, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)

	clock := newTestClock()
	chain := newMockChain()
	oracle := newMockOracle()
	sender := &mockSender{}
	funding := &mockFunding{contract: common.HexToAddress("0xF0F0F0F0F0F0F0F0F0F0F0F0F0F0F0F0F0F0F0F0")}
	store := NewStore(storage.NewMemDB())
	t.Cleanup(store.Close)

	svc := NewService(store, chain, oracle, sender, funding, signer, Params{
		GasLimitEstimate:    1_000,
		SafetyMargin:        big.NewInt(0),
		RetryCeiling:        3,
		RetryBackoffCeiling: 2 * time.Minute,
		ResolveWindow:       time.Hour,
		FinalityMargin:      15 * time.Minute,
		FinalityDepth:       12,
		ScanLimit:           25,
		WithdrawalWindow:    7 * 24 * time.Hour,
		MinBlockTime:        12 * time.Second,
		DefaultFeeSchedule:  testSchedule(),
	}, WithClock(clock.Now))

	return &harness{
		svc:     svc,
		store:   store,
		clock:   clock,
		chain:   chain,
		oracle:  oracle,
		sender:  sender,
		funding: funding,
		signer:  signer,
	}
}

// fund credits the player's ledger directly, bypassing the synchronizer.
func (h *harness) fund(t *testing.T, player common.Address, wei int64) {
	t.Helper()
	err := h.store.Exec(func(tx *Txn) error {
		acct, version, err := tx.Account(player)
		if err != nil {
			return err
		}
		if acct == nil {
			acct = newAccount(player, testSchedule())
		}
		acct.Received = new(big.Int).Add(acct.Received, big.NewInt(wei))
		return tx.PutAccount(acct, version)
	})
	require.NoError(t, err)
}

func (h *harness) account(t *testing.T, player common.Address) *Account {
	t.Helper()
	var acct *Account
	err := h.store.Exec(func(tx *Txn) error {
		var err error
		acct, _, err = tx.Account(player)
		return err
	})
	require.NoError(t, err)
	return acct
}

func (h *harness) queueLen(t *testing.T) int {
	t.Helper()
	var n int
	err := h.store.Exec(func(tx *Txn) error {
		var err error
		n, err = tx.QueueCount()
		return err
	})
	require.NoError(t, err)
	return n
}

func (h *harness) pendingLen(t *testing.T) int {
	t.Helper()
	var n int
	err := h.store.Exec(func(tx *Txn) error {
		var err error
		n, err = tx.PendingCount()
		return err
	})
	require.NoError(t, err)
	return n
}

func (h *harness) firstPending(t *testing.T) *PendingTx {
	t.Helper()
	var pend *PendingTx
	err := h.store.Exec(func(tx *Txn) error {
		return tx.PendingAscend(func(_ []byte, p *PendingTx, _ uint64) bool {
			pend = p
			return false
		})
	})
	require.NoError(t, err)
	return pend
}

// player bundles a test identity with its signing key.
type player struct {
	key  *crypto.PrivateKey
	addr common.Address
}

func newPlayer(t *testing.T) *player {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	return &player{key: key, addr: key.Address()}
}

// reveal builds a signed submission for a fresh fleet with sane defaults. The
// nonce defaults to the current test clock in milliseconds.
func (p *player) reveal(t *testing.T, h *harness, fleet common.Hash, mutate func(*RevealSubmission)) RevealSubmission {
	t.Helper()
	sub := RevealSubmission{
		SubmissionAuth: SubmissionAuth{
			Player:           p.addr.Hex(),
			NonceMsTimestamp: uint64(h.clock.Now().UnixMilli()),
		},
		Fleet:             fleet.Hex(),
		Secret:            ethcrypto.Keccak256Hash([]byte("secret")).Hex(),
		From:              Coord{X: 1, Y: 2},
		To:                Coord{X: 3, Y: 4},
		Distance:          10,
		ArrivalTimeWanted: testBase + 600,
		StartTime:         testBase,
		MinDuration:       300,
	}
	if mutate != nil {
		mutate(&sub)
	}
	p.sign(t, &sub)
	return sub
}

func (p *player) sign(t *testing.T, sub *RevealSubmission) {
	t.Helper()
	sig, err := p.key.SignMessage([]byte(RevealMessage(*sub)))
	require.NoError(t, err)
	sub.Signature = "0x" + common.Bytes2Hex(sig)
}

func fleetHash(seed string) common.Hash {
	return ethcrypto.Keccak256Hash([]byte("fleet-seed:" + seed))
}
