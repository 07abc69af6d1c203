// Package bridge implements the bridge orchestrator (C6): deposit
// ingestion from the settlement contract, withdrawal request intake,
// periodic batch building with Merkle-rooted proofs, and the proof
// service clients poll to redeem a withdrawal on-chain. It is grounded
// on the teacher's core/cross_chain.go CrossChainTransaction/relayer
// bookkeeping, generalized from "cross-chain relay" to "L2 withdrawal
// batch" semantics.
package bridge

import (
	"context"
	"encoding/binary"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/scobru/shogun-relay-sub014/internal/chain"
	"github.com/scobru/shogun-relay-sub014/internal/domain"
	"github.com/scobru/shogun-relay-sub014/internal/gunstore"
	"github.com/scobru/shogun-relay-sub014/internal/ledger"
	"github.com/scobru/shogun-relay-sub014/internal/merkle"
)

// sigPattern matches a 65-byte secp256k1 signature encoded as 0x-prefixed
// hex, the format spec.md §4.6 step 1 requires for both the SEA and
// Ethereum signatures on a withdrawal request.
var sigPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{130}$`)

// Reputation is the narrow slice of C9 the bridge reports batch and proof
// outcomes to, kept separate so this package never imports the reputation
// scorer directly (spec.md §9 narrow-interface rule).
type Reputation interface {
	RecordSuccess(op string, elapsed time.Duration)
	RecordFailure(op string, reason string)
}

type noopReputation struct{}

func (noopReputation) RecordSuccess(string, time.Duration) {}
func (noopReputation) RecordFailure(string, string)        {}

// Config bounds the bridge's operational parameters.
type Config struct {
	MaxWithdrawal          domain.Amount
	BatchInterval          time.Duration
	DurabilityPollAttempts int
	DurabilityPollBackoff  time.Duration
}

// DefaultConfig mirrors spec.md §4.6's stated defaults.
func DefaultConfig(maxWithdrawal domain.Amount) Config {
	return Config{
		MaxWithdrawal:          maxWithdrawal,
		BatchInterval:          5 * time.Minute,
		DurabilityPollAttempts: 5,
		DurabilityPollBackoff:  200 * time.Millisecond,
	}
}

// ProcessedDeposit records that a deposit event has already been credited,
// keyed by "txHash:user:amount" so a re-observed event from chain reorg
// scanning is a no-op.
type ProcessedDeposit struct {
	Key    string         `json:"key"`
	User   domain.Address `json:"user"`
	Amount domain.Amount  `json:"amount"`
	TxHash string         `json:"txHash"`
}

func (ProcessedDeposit) Kind() string    { return "processedDeposit" }
func (ProcessedDeposit) Validate() error { return nil }

// PendingWithdrawal is a not-yet-batched withdrawal request, durably
// recorded immediately after C5.debit succeeds (spec.md §4.6 step 5).
type PendingWithdrawal struct {
	User         domain.Address `json:"user"`
	Amount       domain.Amount  `json:"amount"`
	Nonce        uint64         `json:"nonce"`
	Timestamp    int64          `json:"timestamp"`
	Message      string         `json:"message"`
	EthSignature string         `json:"ethSignature"`
	SeaSignature string         `json:"seaSignature"`
	PublicKey    string         `json:"publicKey"`
	ReceiptHash  string         `json:"receiptHash"`
}

func (PendingWithdrawal) Kind() string { return "pendingWithdrawal" }
func (p PendingWithdrawal) Validate() error {
	if p.Amount.Sign() <= 0 {
		return domain.New(domain.KindInvalidInput, "pending withdrawal amount must be positive")
	}
	return nil
}

func withdrawalKey(user domain.Address, nonce uint64) string {
	return fmt.Sprintf("%s-%d", user.Hex(), nonce)
}

// Batch is a finalized, submitted withdrawal batch.
type Batch struct {
	BatchID      uint64             `json:"batchId"`
	Root         [32]byte           `json:"root"`
	Withdrawals  []chain.Withdrawal `json:"withdrawals"`
	Timestamp    int64              `json:"timestamp"`
	SubmitTxHash string             `json:"submitTxHash"`
}

func (Batch) Kind() string    { return "batch" }
func (Batch) Validate() error { return nil }

// AuditRecord is an explicit reconciliation event written when a user's
// expected balance (derived from deposits minus withdrawals) disagrees
// with the ledger's actual balance.
type AuditRecord struct {
	User            domain.Address `json:"user"`
	ExpectedBalance domain.Amount  `json:"expectedBalance"`
	ActualBalance   domain.Amount  `json:"actualBalance"`
	Timestamp       int64          `json:"timestamp"`
}

func (AuditRecord) Kind() string    { return "balanceAudit" }
func (AuditRecord) Validate() error { return nil }

// ProofStatus reports which of the four proof-service outcomes applies.
type ProofStatus string

const (
	ProofPending          ProofStatus = "pending"
	ProofReady            ProofStatus = "ready"
	ProofAlreadyProcessed ProofStatus = "alreadyProcessed"
	ProofNotFound         ProofStatus = "notFound"
)

// ProofResult is the proof service's response for a (user, amount, nonce)
// withdrawal lookup.
type ProofResult struct {
	Status        ProofStatus
	EstimatedWait time.Duration
	BatchID       uint64
	Root          [32]byte
	Proof         [][32]byte
}

// Bridge is the C6 orchestrator.
type Bridge struct {
	chain      chain.Client
	ledger     *ledger.Ledger
	store      *gunstore.Adapter
	locks      lockManager
	log        *logrus.Logger
	reputation Reputation
	cfg        Config

	mu      sync.Mutex
	pending map[string]PendingWithdrawal
}

// lockManager is the narrow slice of *lockmgr.Manager the bridge needs,
// kept as an interface so tests can exercise it without importing lockmgr
// directly (the concrete type is passed in by callers).
type lockManager interface {
	WithLock(ctx context.Context, key string, fn func() error) error
}

// New builds a Bridge. locks must be the same *lockmgr.Manager instance
// shared with the ledger so per-user critical sections compose safely.
func New(client chain.Client, l *ledger.Ledger, store *gunstore.Adapter, locks lockManager, log *logrus.Logger, reputation Reputation, cfg Config) *Bridge {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if reputation == nil {
		reputation = noopReputation{}
	}
	return &Bridge{
		chain:      client,
		ledger:     l,
		store:      store,
		locks:      locks,
		log:        log,
		reputation: reputation,
		cfg:        cfg,
		pending:    make(map[string]PendingWithdrawal),
	}
}

// PendingNonce implements ledger.PendingNonceSource: the highest nonce
// already reserved by a queued-but-not-yet-batched withdrawal for user.
func (b *Bridge) PendingNonce(user domain.Address) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	var max uint64
	for _, p := range b.pending {
		if p.User == user && p.Nonce > max {
			max = p.Nonce
		}
	}
	return max
}

func depositKey(txHash string, user domain.Address, amount domain.Amount) string {
	return txHash + ":" + user.Hex() + ":" + amount.String()
}

// ListPending returns a snapshot of the not-yet-batched withdrawal queue.
func (b *Bridge) ListPending() []PendingWithdrawal {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]PendingWithdrawal, 0, len(b.pending))
	for _, p := range b.pending {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].User != out[j].User {
			return out[i].User.Hex() < out[j].User.Hex()
		}
		return out[i].Nonce < out[j].Nonce
	})
	return out
}

// ProcessDeposit replays a single deposit by transaction hash, used by the
// admin-only "process one deposit" endpoint. It looks txHash up in
// [fromBlock, toBlock] and, if found, re-runs SyncDeposits over that same
// range filtered to the deposit's user, so any other deposits of that user
// in the range are ingested as well.
func (b *Bridge) ProcessDeposit(ctx context.Context, fromBlock, toBlock uint64, txHash string) error {
	events, err := b.chain.QueryDeposits(ctx, fromBlock, toBlock, nil)
	if err != nil {
		return domain.Wrap(domain.KindUpstream, "query deposits", err, true)
	}
	for _, ev := range events {
		if ev.TxHash == txHash {
			return b.SyncDeposits(ctx, fromBlock, toBlock, &ev.User)
		}
	}
	return domain.New(domain.KindNotFound, "deposit not found in the given block range")
}

// SyncDeposits ingests deposit events in [fromBlock, toBlock], crediting
// each not-yet-processed deposit to its user's balance and confirming
// durability before marking it processed (spec.md §4.6).
func (b *Bridge) SyncDeposits(ctx context.Context, fromBlock, toBlock uint64, userFilter *domain.Address) error {
	events, err := b.chain.QueryDeposits(ctx, fromBlock, toBlock, userFilter)
	if err != nil {
		b.reputation.RecordFailure("syncDeposits", err.Error())
		return domain.Wrap(domain.KindUpstream, "query deposits", err, true)
	}

	touched := make(map[domain.Address]struct{})
	for _, ev := range events {
		key := depositKey(ev.TxHash, ev.User, ev.Amount)
		touched[ev.User] = struct{}{}

		var already ProcessedDeposit
		err := b.store.GetVerified(ctx, "bridge/processed-deposits/"+key, b.store.SignerAddress(), &already)
		if err == nil && b.ledger.Balance(ev.User).Sign() > 0 {
			continue
		}
		if err != nil && domain.KindOf(err) != domain.KindNotFound {
			b.log.WithError(err).Warn("bridge: processed-deposit lookup failed, crediting defensively")
		}

		if _, err := b.ledger.Credit(ctx, ev.User, ev.Amount); err != nil {
			b.reputation.RecordFailure("creditDeposit", err.Error())
			b.log.WithError(err).WithField("user", ev.User.Hex()).Error("bridge: credit failed")
			continue
		}
		if !b.pollDurable(ctx, ev.User, ev.Amount) {
			b.log.WithField("user", ev.User.Hex()).Error("bridge: credit durability not confirmed, not marking processed")
			continue
		}
		rec := ProcessedDeposit{Key: key, User: ev.User, Amount: ev.Amount, TxHash: ev.TxHash}
		if err := b.store.PutSigned(ctx, "bridge/processed-deposits/"+key, rec); err != nil {
			b.log.WithError(err).Error("bridge: failed to persist processed-deposit marker")
			continue
		}
		b.reputation.RecordSuccess("creditDeposit", 0)
	}

	for user := range touched {
		b.reconcile(ctx, user, events)
	}
	return nil
}

func (b *Bridge) pollDurable(ctx context.Context, user domain.Address, amount domain.Amount) bool {
	for attempt := 0; attempt < b.cfg.DurabilityPollAttempts; attempt++ {
		if b.ledger.Balance(user).GreaterThanOrEqual(amount) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(b.cfg.DurabilityPollBackoff):
		}
	}
	return b.ledger.Balance(user).GreaterThanOrEqual(amount)
}

// reconcile recomputes expectedBalance = max(0, deposits - withdrawals)
// from the events observed in this sync pass and records an audit event
// if it disagrees with the ledger's actual balance.
func (b *Bridge) reconcile(ctx context.Context, user domain.Address, deposits []chain.DepositEvent) {
	depositSum := domain.Zero()
	for _, d := range deposits {
		if d.User == user {
			depositSum = depositSum.Add(d.Amount)
		}
	}
	withdrawals, err := b.chain.QueryWithdrawals(ctx, 0, ^uint64(0), &user)
	if err != nil {
		b.log.WithError(err).Warn("bridge: reconcile withdrawal query failed")
		return
	}
	withdrawSum := domain.Zero()
	for _, w := range withdrawals {
		withdrawSum = withdrawSum.Add(w.Amount)
	}
	expected, err := depositSum.Sub(withdrawSum)
	if err != nil {
		expected = domain.Zero()
	}
	actual := b.ledger.Balance(user)
	if expected.Cmp(actual) == 0 {
		return
	}
	rec := AuditRecord{User: user, ExpectedBalance: expected, ActualBalance: actual, Timestamp: time.Now().Unix()}
	path := fmt.Sprintf("bridge/audit/%s/%d", user.Hex(), rec.Timestamp)
	if err := b.store.PutSigned(ctx, path, rec); err != nil {
		b.log.WithError(err).Error("bridge: failed to persist audit record")
	}
}

// RequestWithdrawal validates and queues a withdrawal per spec.md §4.6.
func (b *Bridge) RequestWithdrawal(ctx context.Context, user domain.Address, amount domain.Amount, requestedNonce *uint64, message, ethSignature, seaSignature, publicKey string) (PendingWithdrawal, error) {
	if amount.Sign() <= 0 {
		return PendingWithdrawal{}, domain.New(domain.KindInvalidInput, "amount must be positive")
	}
	if !b.cfg.MaxWithdrawal.IsZero() && amount.Cmp(b.cfg.MaxWithdrawal) > 0 {
		return PendingWithdrawal{}, domain.New(domain.KindInvalidInput, "amount exceeds configured withdrawal cap")
	}
	if message == "" || ethSignature == "" || seaSignature == "" || publicKey == "" {
		return PendingWithdrawal{}, domain.New(domain.KindInvalidInput, "message, signatures, and public key are all required")
	}
	if !sigPattern.MatchString(ethSignature) || !sigPattern.MatchString(seaSignature) {
		return PendingWithdrawal{}, domain.New(domain.KindInvalidInput, "signature format is invalid")
	}

	var result PendingWithdrawal
	err := b.locks.WithLock(ctx, "ledger:"+user.Hex(), func() error {
		nonce := b.ledger.Nonce(user) + 1
		if requestedNonce != nil {
			if *requestedNonce <= b.ledger.Nonce(user) {
				return domain.New(domain.KindNonceTooLow, "requested nonce must exceed last nonce")
			}
			nonce = *requestedNonce
		}

		processed, err := b.chain.IsWithdrawalProcessed(ctx, user, amount, nonce)
		if err != nil {
			return domain.Wrap(domain.KindUpstream, "check withdrawal processed", err, true)
		}
		if processed {
			return domain.New(domain.KindReplay, "withdrawal already settled on-chain")
		}

		receipt, err := b.ledger.DebitLocked(ctx, user, amount, nonce)
		if err != nil {
			return err
		}

		pw := PendingWithdrawal{
			User: user, Amount: amount, Nonce: nonce, Timestamp: time.Now().Unix(),
			Message: message, EthSignature: ethSignature, SeaSignature: seaSignature,
			PublicKey: publicKey, ReceiptHash: receipt.String(),
		}
		if err := b.store.PutSigned(ctx, "bridge/pending-withdrawals/"+withdrawalKey(user, nonce), pw); err != nil {
			return domain.Wrap(domain.KindUpstream, "balance debited but queueing failed; contact operations", err, false)
		}
		b.mu.Lock()
		b.pending[withdrawalKey(user, nonce)] = pw
		b.mu.Unlock()
		result = pw
		return nil
	})
	return result, err
}

// leafFor computes keccak256(solidityPack(address, uint256 amount, uint256
// nonce)) per spec.md §4.2: Solidity's abi.encodePacked emits both uint256
// fields as 32-byte big-endian words, so nonce is padded the same way
// amount already is rather than packed as a bare uint64.
func leafFor(w chain.Withdrawal) [32]byte {
	data := make([]byte, 0, 20+32+32)
	data = append(data, w.User.Bytes()...)
	amtBytes := w.Amount.Int().Bytes()
	amtPadded := make([]byte, 32)
	copy(amtPadded[32-len(amtBytes):], amtBytes)
	data = append(data, amtPadded...)

	noncePadded := make([]byte, 32)
	binary.BigEndian.PutUint64(noncePadded[24:], w.Nonce)
	data = append(data, noncePadded...)
	return merkle.Hash256(data)
}

func sortWithdrawals(w []chain.Withdrawal) {
	sort.Slice(w, func(i, j int) bool {
		if w[i].User.Hex() != w[j].User.Hex() {
			return w[i].User.Hex() < w[j].User.Hex()
		}
		return w[i].Nonce < w[j].Nonce
	})
}

// RunBatchBuilder drains the pending-withdrawal set, builds a canonical
// Merkle tree over it, and submits the batch on-chain. A nil result with
// nil error means there was nothing to batch.
func (b *Bridge) RunBatchBuilder(ctx context.Context) (*Batch, error) {
	b.mu.Lock()
	drained := make([]PendingWithdrawal, 0, len(b.pending))
	for _, p := range b.pending {
		drained = append(drained, p)
	}
	b.mu.Unlock()

	if len(drained) == 0 {
		return nil, nil
	}

	withdrawals := make([]chain.Withdrawal, len(drained))
	for i, p := range drained {
		withdrawals[i] = chain.Withdrawal{User: p.User, Amount: p.Amount, Nonce: p.Nonce}
	}
	sortWithdrawals(withdrawals)

	leaves := make([][32]byte, len(withdrawals))
	for i, w := range withdrawals {
		leaves[i] = leafFor(w)
	}
	tree, err := merkle.Build(leaves)
	if err != nil {
		b.reputation.RecordFailure("buildBatch", err.Error())
		return nil, domain.Wrap(domain.KindInvalidInput, "build merkle tree", err, false)
	}
	root := tree.Root()

	batchID, txHash, err := b.chain.SubmitBatch(ctx, root, withdrawals, nil)
	if err != nil {
		if domain.KindOf(err) == domain.KindAlreadyProcessed {
			info, infoErr := b.chain.GetBatchInfo(ctx, batchID)
			if infoErr == nil {
				batchID = info.BatchID
			}
		} else {
			b.reputation.RecordFailure("submitBatch", err.Error())
			return nil, err
		}
	}

	batch := Batch{BatchID: batchID, Root: root, Withdrawals: withdrawals, Timestamp: time.Now().Unix(), SubmitTxHash: txHash}
	if err := b.store.PutSigned(ctx, fmt.Sprintf("bridge/batches/%d", batchID), batch); err != nil {
		b.reputation.RecordFailure("persistBatch", err.Error())
		return nil, domain.Wrap(domain.KindUpstream, "persist batch", err, true)
	}

	b.mu.Lock()
	for _, w := range withdrawals {
		delete(b.pending, withdrawalKey(w.User, w.Nonce))
	}
	b.mu.Unlock()

	b.reputation.RecordSuccess("submitBatch", 0)
	return &batch, nil
}

// ProofFor implements the proof service lookup described in spec.md
// §4.6.
func (b *Bridge) ProofFor(ctx context.Context, user domain.Address, amount domain.Amount, nonce uint64) (ProofResult, error) {
	start := time.Now()
	result, err := b.proofFor(ctx, user, amount, nonce)
	if err != nil {
		b.reputation.RecordFailure("proof", err.Error())
	} else {
		b.reputation.RecordSuccess("proof", time.Since(start))
	}
	return result, err
}

func (b *Bridge) proofFor(ctx context.Context, user domain.Address, amount domain.Amount, nonce uint64) (ProofResult, error) {
	b.mu.Lock()
	_, isPending := b.pending[withdrawalKey(user, nonce)]
	b.mu.Unlock()
	if isPending {
		return ProofResult{Status: ProofPending, EstimatedWait: b.cfg.BatchInterval}, nil
	}

	names, err := b.store.MapOnce(ctx, "bridge/batches", gunstore.DefaultGetTimeout)
	if err != nil {
		return ProofResult{}, domain.Wrap(domain.KindUpstream, "enumerate batches", err, true)
	}
	for _, name := range names {
		var batch Batch
		if err := b.store.GetVerified(ctx, "bridge/batches/"+name, b.store.SignerAddress(), &batch); err != nil {
			continue
		}
		sortWithdrawals(batch.Withdrawals)
		for i, w := range batch.Withdrawals {
			if w.User != user || w.Amount.Cmp(amount) != 0 || w.Nonce != nonce {
				continue
			}
			leaves := make([][32]byte, len(batch.Withdrawals))
			for j, bw := range batch.Withdrawals {
				leaves[j] = leafFor(bw)
			}
			proof, root, err := merkle.BuildProof(leaves, i)
			if err != nil {
				return ProofResult{}, domain.Wrap(domain.KindUpstream, "compute proof", err, false)
			}
			return ProofResult{Status: ProofReady, BatchID: batch.BatchID, Root: root, Proof: proof}, nil
		}
	}

	processed, err := b.chain.IsWithdrawalProcessed(ctx, user, amount, nonce)
	if err != nil {
		return ProofResult{}, domain.Wrap(domain.KindUpstream, "check processed", err, true)
	}
	if processed {
		return ProofResult{Status: ProofAlreadyProcessed}, nil
	}
	return ProofResult{Status: ProofNotFound}, domain.New(domain.KindNotFound, "no pending request, batch, or on-chain record matches this withdrawal")
}
