package relay

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"fleetrelay/crypto"
	"fleetrelay/observability/logging"
)

// SubmissionAuth is the envelope every inbound submission carries. The
// signature is an EIP-191 personal-message signature over the action's
// canonical message string, produced by the player or a registered delegate.
type SubmissionAuth struct {
	Player           string `json:"player"`
	Delegate         string `json:"delegate,omitempty"`
	NonceMsTimestamp uint64 `json:"nonceMsTimestamp"`
	Signature        string `json:"signature"`
}

type parsedAuth struct {
	player    common.Address
	delegate  *common.Address
	nonceMs   uint64
	signature []byte
}

func parseAuth(auth SubmissionAuth) (*parsedAuth, error) {
	player, err := crypto.ParseAddress(auth.Player)
	if err != nil {
		return nil, reject(CodeMalformedRequest, "player: %v", err)
	}
	out := &parsedAuth{player: player, nonceMs: auth.NonceMsTimestamp}
	if auth.NonceMsTimestamp == 0 {
		return nil, reject(CodeMalformedRequest, "nonceMsTimestamp required")
	}
	if strings.TrimSpace(auth.Delegate) != "" {
		delegate, err := crypto.ParseAddress(auth.Delegate)
		if err != nil {
			return nil, reject(CodeMalformedRequest, "delegate: %v", err)
		}
		out.delegate = &delegate
	}
	sig, err := parseHexBytes(auth.Signature, 65)
	if err != nil {
		return nil, reject(CodeMalformedRequest, "signature: %v", err)
	}
	out.signature = sig
	return out, nil
}

// authenticate runs the common validation pipeline against the account
// snapshot: anti-replay nonce first (so stale replays skip signature math),
// delegate binding, then signature recovery over the canonical message.
// It reports replay=true when the submission's nonce equals the watermark
// exactly: the caller then checks for an idempotent duplicate before failing.
func (s *Service) authenticate(acct *Account, auth *parsedAuth, message string) (replay bool, err error) {
	watermark := uint64(0)
	if acct != nil {
		watermark = acct.NonceWatermark
	}
	if auth.nonceMs > s.nowMs() {
		return false, reject(CodeStaleOrFutureNonce, "nonce %d is in the future", auth.nonceMs)
	}
	replay = auth.nonceMs == watermark && watermark != 0
	if auth.nonceMs <= watermark && !replay {
		return false, reject(CodeStaleOrFutureNonce, "nonce %d not above watermark %d", auth.nonceMs, watermark)
	}
	if auth.delegate != nil {
		if acct == nil || acct.Delegate == nil {
			return false, reject(CodeNoDelegateRegistered, "no delegate registered for %s", auth.player.Hex())
		}
		if *acct.Delegate != *auth.delegate {
			return false, reject(CodeDelegateMismatch, "delegate %s not registered", auth.delegate.Hex())
		}
	}
	signer, err := crypto.RecoverSigner([]byte(message), auth.signature)
	if err != nil {
		return false, reject(CodeUnauthorized, "signature: %v", err)
	}
	expected := auth.player
	if auth.delegate != nil {
		expected = *auth.delegate
	}
	if signer != expected {
		return false, reject(CodeUnauthorized, "signature recovers to %s", signer.Hex())
	}
	return replay, nil
}

// --- submitReveal ---

// RevealSubmission is the wire form of a reveal request.
type RevealSubmission struct {
	SubmissionAuth
	Fleet              string   `json:"fleet"`
	Secret             string   `json:"secret"`
	FleetSender        string   `json:"fleetSender,omitempty"`
	Operator           string   `json:"operator,omitempty"`
	From               Coord    `json:"from"`
	To                 Coord    `json:"to"`
	Distance           uint64   `json:"distance"`
	ArrivalTimeWanted  uint64   `json:"arrivalTimeWanted"`
	StartTime          uint64   `json:"startTime"`
	MinDuration        uint64   `json:"minDuration"`
	Gift               bool     `json:"gift"`
	Specific           string   `json:"specific"`
	PotentialAlliances []string `json:"potentialAlliances,omitempty"`
}

// RevealMessage builds the canonical signed string for a reveal submission.
// Every semantically relevant field participates, colon-joined, nonce last.
func RevealMessage(sub RevealSubmission) string {
	fields := []string{
		"reveal",
		strings.ToLower(strings.TrimSpace(sub.Player)),
		strings.ToLower(strings.TrimSpace(sub.Fleet)),
		strings.ToLower(strings.TrimSpace(sub.Secret)),
		strconv.FormatInt(sub.From.X, 10),
		strconv.FormatInt(sub.From.Y, 10),
		strconv.FormatInt(sub.To.X, 10),
		strconv.FormatInt(sub.To.Y, 10),
		strconv.FormatUint(sub.Distance, 10),
		strconv.FormatUint(sub.ArrivalTimeWanted, 10),
		strconv.FormatUint(sub.StartTime, 10),
		strconv.FormatUint(sub.MinDuration, 10),
		boolField(sub.Gift),
		strings.ToLower(strings.TrimSpace(sub.Specific)),
		strings.ToLower(strings.Join(sub.PotentialAlliances, ",")),
		strconv.FormatUint(sub.NonceMsTimestamp, 10),
	}
	return strings.Join(fields, ":")
}

func parseReveal(sub RevealSubmission) (*RevealRequest, *parsedAuth, error) {
	auth, err := parseAuth(sub.SubmissionAuth)
	if err != nil {
		return nil, nil, err
	}
	fleet, err := parseHash(sub.Fleet)
	if err != nil {
		return nil, nil, reject(CodeMalformedRequest, "fleet: %v", err)
	}
	secret, err := parseHash(sub.Secret)
	if err != nil {
		return nil, nil, reject(CodeMalformedRequest, "secret: %v", err)
	}
	if sub.ArrivalTimeWanted == 0 && sub.StartTime == 0 {
		return nil, nil, reject(CodeMalformedRequest, "arrivalTimeWanted or startTime required")
	}
	if sub.MinDuration == 0 {
		return nil, nil, reject(CodeMalformedRequest, "minDuration required")
	}
	req := &RevealRequest{
		LogicalID:         LogicalID(fleet),
		Fleet:             fleet,
		Player:            auth.player,
		DelegateUsed:      auth.delegate,
		Secret:            secret,
		From:              sub.From,
		To:                sub.To,
		Distance:          sub.Distance,
		ArrivalTimeWanted: sub.ArrivalTimeWanted,
		StartTime:         sub.StartTime,
		MinDuration:       sub.MinDuration,
		Gift:              sub.Gift,
	}
	if strings.TrimSpace(sub.Specific) != "" {
		specific, err := crypto.ParseAddress(sub.Specific)
		if err != nil {
			return nil, nil, reject(CodeMalformedRequest, "specific: %v", err)
		}
		req.Specific = specific
	}
	if strings.TrimSpace(sub.FleetSender) != "" {
		sender, err := crypto.ParseAddress(sub.FleetSender)
		if err != nil {
			return nil, nil, reject(CodeMalformedRequest, "fleetSender: %v", err)
		}
		req.FleetSender = &sender
	}
	if strings.TrimSpace(sub.Operator) != "" {
		operator, err := crypto.ParseAddress(sub.Operator)
		if err != nil {
			return nil, nil, reject(CodeMalformedRequest, "operator: %v", err)
		}
		req.Operator = &operator
	}
	for _, raw := range sub.PotentialAlliances {
		alliance, err := crypto.ParseAddress(raw)
		if err != nil {
			return nil, nil, reject(CodeMalformedRequest, "potentialAlliances: %v", err)
		}
		req.PotentialAlliances = append(req.PotentialAlliances, alliance)
	}
	return req, auth, nil
}

// LogicalID derives the deterministic identifier of the underlying fleet
// action. At most one live queue entry or pending transaction exists per
// logical id at any time.
func LogicalID(fleet common.Hash) common.Hash {
	return ethcrypto.Keccak256Hash([]byte("fleet:"), fleet[:])
}

// SubmitReveal authenticates and escrows a reveal request. On acceptance the
// request is queued under its broadcast time and the worst-case gas cost is
// reserved against the player's balance.
func (s *Service) SubmitReveal(ctx context.Context, sub RevealSubmission) (string, error) {
	req, auth, err := parseReveal(sub)
	if err != nil {
		s.recordRejection(err)
		return "", err
	}
	message := RevealMessage(sub)

	var key []byte
	var shortfallBlock uint64
	attempt := func(extra *big.Int) error {
		return s.store.Exec(func(tx *Txn) error {
			var err error
			key, shortfallBlock, err = s.applyReveal(tx, req, auth, message, extra)
			return err
		})
	}

	err = attempt(nil)
	if reqErr, ok := AsRequestError(err); ok && reqErr.Code == CodeInsufficientBalance {
		// Re-scan unconfirmed funding events before rejecting: a deposit
		// broadcast moments ago should not block the submission. The
		// extra figure only affects the accept/reject decision, never
		// what is written to the ledger.
		extra, scanErr := s.unconfirmedDelta(ctx, auth.player, shortfallBlock)
		if scanErr != nil {
			s.log.Warn("unconfirmed deposit re-scan failed", "player", auth.player.Hex(), "err", scanErr)
			s.recordRejection(err)
			return "", err
		}
		err = attempt(extra)
	}
	if err != nil {
		s.recordRejection(err)
		return "", err
	}
	s.metrics.RecordSubmission("reveal")
	s.log.Info("reveal accepted",
		"player", auth.player.Hex(),
		"fleet", req.Fleet.Hex(),
		"broadcastTime", req.BroadcastTime(),
		logging.MaskField("secret", sub.Secret))
	return hex.EncodeToString(key), nil
}

// applyReveal runs entirely inside the writer goroutine. extra is the
// provisional balance delta from not-yet-finalized deposits, nil on the first
// attempt.
func (s *Service) applyReveal(tx *Txn, req *RevealRequest, auth *parsedAuth, message string, extra *big.Int) ([]byte, uint64, error) {
	acct, version, err := tx.Account(auth.player)
	if err != nil {
		return nil, 0, err
	}
	replay, err := s.authenticate(acct, auth, message)
	if err != nil {
		return nil, 0, err
	}
	if acct == nil {
		acct = newAccount(auth.player, s.params.DefaultFeeSchedule)
	}
	queued := req.clone()
	queued.FeeSchedule = acct.FeeSchedule.Clone()

	if replay {
		// Exact watermark hit: only an identical, still-queued request
		// passes, yielding the original key without re-reserving.
		key, err := s.matchExisting(tx, queued, auth.nonceMs)
		if err != nil {
			return nil, 0, err
		}
		return key, 0, nil
	}

	available := availableBalance(acct, s.now(), s.params.WithdrawalWindow)
	if extra != nil {
		available = new(big.Int).Add(available, extra)
	}
	minBal := minimumBalance(acct.FeeSchedule, s.params.GasLimitEstimate, s.params.SafetyMargin)
	if available.Cmp(minBal) < 0 {
		cursor, _, err := tx.Cursor()
		if err != nil {
			return nil, 0, err
		}
		fromBlock := s.params.FundingStartBlock
		if cursor != nil {
			fromBlock = cursor.BlockNumber + 1
		}
		return nil, fromBlock, reject(CodeInsufficientBalance, "available %s below minimum %s", available, minBal)
	}

	key, superseded, err := s.enqueue(tx, queued)
	duplicate := err == errAlreadyQueued
	if err != nil && !duplicate {
		return nil, 0, err
	}
	if superseded != nil {
		if err := s.releaseSuperseded(tx, acct, superseded); err != nil {
			return nil, 0, err
		}
	}

	acct.NonceWatermark = auth.nonceMs
	if !duplicate {
		reserve(acct, s.minimumCost(queued.FeeSchedule))
	}
	if err := tx.PutAccount(acct, version); err != nil {
		return nil, 0, err
	}
	return key, 0, nil
}

// matchExisting resolves an exact-nonce replay: success only if a deep-equal
// entry is still queued under this logical id.
func (s *Service) matchExisting(tx *Txn, req *RevealRequest, nonceMs uint64) ([]byte, error) {
	key := queueKey(req.BroadcastTime(), req.LogicalID)
	existing, _, err := tx.QueueGet(key)
	if err != nil {
		return nil, err
	}
	if existing != nil && revealEqual(existing, req) {
		return key, nil
	}
	return nil, reject(CodeStaleOrFutureNonce, "nonce %d already used", nonceMs)
}

// unconfirmedDelta folds deposit/refund events between the last finalized
// sync point and the chain head into a provisional balance delta.
func (s *Service) unconfirmedDelta(ctx context.Context, player common.Address, fromBlock uint64) (*big.Int, error) {
	events, err := s.funding.DepositEvents(ctx, &player, fromBlock, 0)
	if err != nil {
		return nil, err
	}
	delta := new(big.Int)
	for _, evt := range events {
		if evt.Amount == nil {
			continue
		}
		if evt.Refund {
			delta.Sub(delta, evt.Amount)
		} else {
			delta.Add(delta, evt.Amount)
		}
	}
	return delta, nil
}

// --- setFeeSchedule ---

// FeeScheduleSubmission updates the three escalation tiers used for the
// player's future reveals. Amounts are decimal wei strings.
type FeeScheduleSubmission struct {
	SubmissionAuth
	Tiers []FeeTierSubmission `json:"tiers"`
}

// FeeTierSubmission is one wire-form tier.
type FeeTierSubmission struct {
	DelayThreshold       uint64 `json:"delayThreshold"`
	MaxFeePerGas         string `json:"maxFeePerGas"`
	MaxPriorityFeePerGas string `json:"maxPriorityFeePerGas"`
}

// FeeScheduleMessage builds the canonical signed string for a fee-schedule
// update.
func FeeScheduleMessage(sub FeeScheduleSubmission) string {
	fields := []string{"feeschedule", strings.ToLower(strings.TrimSpace(sub.Player))}
	for _, tier := range sub.Tiers {
		fields = append(fields,
			strconv.FormatUint(tier.DelayThreshold, 10),
			strings.TrimSpace(tier.MaxFeePerGas),
			strings.TrimSpace(tier.MaxPriorityFeePerGas),
		)
	}
	fields = append(fields, strconv.FormatUint(sub.NonceMsTimestamp, 10))
	return strings.Join(fields, ":")
}

func parseFeeSchedule(tiers []FeeTierSubmission) (FeeSchedule, error) {
	var schedule FeeSchedule
	if len(tiers) != len(schedule) {
		return schedule, reject(CodeMalformedRequest, "exactly %d fee tiers required", len(schedule))
	}
	for i, tier := range tiers {
		maxFee, ok := new(big.Int).SetString(strings.TrimSpace(tier.MaxFeePerGas), 10)
		if !ok || maxFee.Sign() <= 0 {
			return schedule, reject(CodeMalformedRequest, "tier %d: invalid maxFeePerGas", i)
		}
		maxTip, ok := new(big.Int).SetString(strings.TrimSpace(tier.MaxPriorityFeePerGas), 10)
		if !ok || maxTip.Sign() < 0 {
			return schedule, reject(CodeMalformedRequest, "tier %d: invalid maxPriorityFeePerGas", i)
		}
		if i == 0 && tier.DelayThreshold != 0 {
			return schedule, reject(CodeMalformedRequest, "first tier threshold must be zero")
		}
		if i > 0 && tier.DelayThreshold <= tiers[i-1].DelayThreshold {
			return schedule, reject(CodeMalformedRequest, "tier thresholds must be strictly ascending")
		}
		schedule[i] = FeeTier{
			DelayThreshold:       tier.DelayThreshold,
			MaxFeePerGas:         maxFee,
			MaxPriorityFeePerGas: maxTip,
		}
	}
	return schedule, nil
}

// SetFeeSchedule replaces the account's fee schedule. Already-queued reveals
// keep their snapshot.
func (s *Service) SetFeeSchedule(ctx context.Context, sub FeeScheduleSubmission) error {
	auth, err := parseAuth(sub.SubmissionAuth)
	if err != nil {
		s.recordRejection(err)
		return err
	}
	schedule, err := parseFeeSchedule(sub.Tiers)
	if err != nil {
		s.recordRejection(err)
		return err
	}
	message := FeeScheduleMessage(sub)
	err = s.store.Exec(func(tx *Txn) error {
		acct, version, err := tx.Account(auth.player)
		if err != nil {
			return err
		}
		if _, err := s.authenticate(acct, auth, message); err != nil {
			return err
		}
		if acct == nil {
			acct = newAccount(auth.player, s.params.DefaultFeeSchedule)
		}
		acct.FeeSchedule = schedule
		acct.NonceWatermark = auth.nonceMs
		return tx.PutAccount(acct, version)
	})
	if err != nil {
		s.recordRejection(err)
		return err
	}
	s.metrics.RecordSubmission("feeSchedule")
	return nil
}

// --- registerDelegate ---

// RegistrationSubmission registers (or with the zero address, revokes) a
// delegate key allowed to sign reveals on the player's behalf. Registration
// itself must be signed by the player.
type RegistrationSubmission struct {
	SubmissionAuth
	NewDelegate string `json:"newDelegate"`
}

// RegistrationMessage builds the canonical signed string for a delegate
// registration.
func RegistrationMessage(sub RegistrationSubmission) string {
	return strings.Join([]string{
		"delegate",
		strings.ToLower(strings.TrimSpace(sub.Player)),
		strings.ToLower(strings.TrimSpace(sub.NewDelegate)),
		strconv.FormatUint(sub.NonceMsTimestamp, 10),
	}, ":")
}

// RegisterDelegate binds a delegate signing key to the account.
func (s *Service) RegisterDelegate(ctx context.Context, sub RegistrationSubmission) error {
	auth, err := parseAuth(sub.SubmissionAuth)
	if err != nil {
		s.recordRejection(err)
		return err
	}
	if auth.delegate != nil {
		err := reject(CodeMalformedRequest, "delegate registration must be signed by the player")
		s.recordRejection(err)
		return err
	}
	newDelegate, err := crypto.ParseAddress(sub.NewDelegate)
	if err != nil {
		err := reject(CodeMalformedRequest, "newDelegate: %v", err)
		s.recordRejection(err)
		return err
	}
	message := RegistrationMessage(sub)
	err = s.store.Exec(func(tx *Txn) error {
		acct, version, err := tx.Account(auth.player)
		if err != nil {
			return err
		}
		if _, err := s.authenticate(acct, auth, message); err != nil {
			return err
		}
		if acct == nil {
			acct = newAccount(auth.player, s.params.DefaultFeeSchedule)
		}
		if newDelegate == (common.Address{}) {
			acct.Delegate = nil
		} else {
			acct.Delegate = &newDelegate
		}
		acct.NonceWatermark = auth.nonceMs
		return tx.PutAccount(acct, version)
	})
	if err != nil {
		s.recordRejection(err)
		return err
	}
	s.metrics.RecordSubmission("registerDelegate")
	return nil
}

func (s *Service) recordRejection(err error) {
	if reqErr, ok := AsRequestError(err); ok {
		s.metrics.RecordRejection(reqErr.Code)
	}
}

// --- helpers ---

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func parseHash(s string) (common.Hash, error) {
	raw, err := parseHexBytes(s, common.HashLength)
	if err != nil {
		return common.Hash{}, err
	}
	return common.BytesToHash(raw), nil
}

func parseHexBytes(s string, want int) ([]byte, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if trimmed == "" {
		return nil, fmt.Errorf("value required")
	}
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return nil, err
	}
	if want > 0 && len(raw) != want {
		return nil, fmt.Errorf("expected %d bytes, got %d", want, len(raw))
	}
	return raw, nil
}
