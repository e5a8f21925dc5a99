package rpc

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"fleetrelay/crypto"
	"fleetrelay/relay"
	"fleetrelay/storage"
)

type stubChain struct{}

func (stubChain) TransactionCount(ctx context.Context, addr common.Address) (uint64, error) {
	return 0, nil
}
func (stubChain) TransactionBlock(ctx context.Context, hash common.Hash) (uint64, bool, error) {
	return 0, false, nil
}
func (stubChain) TransactionReceipt(ctx context.Context, hash common.Hash) (*relay.Receipt, error) {
	return nil, nil
}
func (stubChain) HeadBlockNumber(ctx context.Context) (uint64, error) { return 0, nil }
func (stubChain) Block(ctx context.Context, number uint64) (*relay.BlockInfo, error) {
	return &relay.BlockInfo{Number: number}, nil
}

type stubOracle struct{}

func (stubOracle) LaunchTime(ctx context.Context, fleet common.Hash) (uint64, bool, error) {
	return 0, false, nil
}
func (stubOracle) Actionable(ctx context.Context, fleet common.Hash) (bool, error) {
	return false, nil
}

type stubSender struct{}

func (stubSender) SendReveal(ctx context.Context, req *relay.RevealRequest, nonce uint64, maxFee, maxTip *big.Int, gasLimit uint64) (common.Hash, error) {
	return common.Hash{}, nil
}
func (stubSender) SendNoop(ctx context.Context, nonce uint64, maxFee, maxTip *big.Int) (common.Hash, error) {
	return common.Hash{}, nil
}

type stubFunding struct{}

func (stubFunding) ContractAddress(ctx context.Context) (common.Address, error) {
	return common.Address{}, nil
}
func (stubFunding) DepositEvents(ctx context.Context, account *common.Address, fromBlock, toBlock uint64) ([]relay.DepositEvent, error) {
	return nil, nil
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	signer, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	store := relay.NewStore(storage.NewMemDB())
	t.Cleanup(store.Close)

	schedule := relay.FeeSchedule{
		{DelayThreshold: 0, MaxFeePerGas: big.NewInt(100), MaxPriorityFeePerGas: big.NewInt(10)},
		{DelayThreshold: 300, MaxFeePerGas: big.NewInt(200), MaxPriorityFeePerGas: big.NewInt(20)},
		{DelayThreshold: 900, MaxFeePerGas: big.NewInt(400), MaxPriorityFeePerGas: big.NewInt(40)},
	}
	svc := relay.NewService(store, stubChain{}, stubOracle{}, stubSender{}, stubFunding{}, signer, relay.Params{
		GasLimitEstimate:   1_000,
		DefaultFeeSchedule: schedule,
	})
	server := NewServer(":0", svc, slog.Default())
	ts := httptest.NewServer(server.http.Handler)
	t.Cleanup(ts.Close)
	return ts
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRevealRejectsMalformedJSON(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Post(ts.URL+"/v1/reveal", "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRevealRejectsUnknownFields(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Post(ts.URL+"/v1/reveal", "application/json", strings.NewReader(`{"bogus": 1}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRevealRejectsUnsignedSubmission(t *testing.T) {
	ts := newTestServer(t)
	body := `{"player":"0x1111111111111111111111111111111111111111","nonceMsTimestamp":1}`
	resp, err := http.Post(ts.URL+"/v1/reveal", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var parsed struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&parsed))
	require.Equal(t, relay.CodeMalformedRequest, parsed.Error.Code)
}

func TestAccountEndpointValidation(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/v1/account/not-an-address")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/v1/account/0x1111111111111111111111111111111111111111")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestQueueEndpointEmpty(t *testing.T) {
	ts := newTestServer(t)
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(ts.URL + "/v1/queue")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var parsed struct {
		Entries []relay.QueueEntry `json:"entries"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&parsed))
	require.Empty(t, parsed.Entries)
}
