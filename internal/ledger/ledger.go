// Package ledger implements the per-user balance ledger (C5): balances,
// the monotonic nonce map, and the credit/debit/transfer operations that
// run under the lock manager's per-user critical sections. It is adapted
// from the teacher's core/ledger.go balance/nonce bookkeeping, trading the
// full blockchain (blocks, UTXO, contracts, token standards) for exactly
// the two maps spec.md §3 names, and running each user's mutation under
// internal/lockmgr instead of a single ledger-wide sync.RWMutex so
// unrelated users are never serialized against each other.
package ledger

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"

	"github.com/scobru/shogun-relay-sub014/internal/domain"
	"github.com/scobru/shogun-relay-sub014/internal/gunstore"
	"github.com/scobru/shogun-relay-sub014/internal/lockmgr"
)

// BalanceRecord is the persisted (signed) form of a user's balance + last
// nonce, written to "bridge/balances-index/<user>" per spec.md §6.
type BalanceRecord struct {
	User    domain.Address `json:"user"`
	Balance domain.Amount  `json:"balance"`
	Nonce   uint64         `json:"nonce"`
	Version uint64         `json:"version"`
}

func (BalanceRecord) Kind() string { return "balance" }

func (r BalanceRecord) Validate() error {
	if r.Balance.Sign() < 0 {
		return domain.New(domain.KindInvalidInput, "balance record: negative balance")
	}
	return nil
}

// Receipt is a content-addressed commitment of a completed debit/transfer,
// returned to callers for audit trails and shared-link-style tokens.
type Receipt struct {
	Hash   [32]byte
	User   domain.Address
	Amount domain.Amount
	Nonce  uint64
}

func (r Receipt) String() string { return fmt.Sprintf("0x%x", r.Hash) }

// PendingNonceSource lets the bridge orchestrator (C6), which owns the
// pending-withdrawal queue, contribute to Ledger.Nonce's "max(nonceMap,
// pending)" rule (spec.md §4.5) without the ledger importing the bridge
// package — the narrow-interface pattern spec.md §9 calls for to break the
// bridge/ledger cycle.
type PendingNonceSource interface {
	PendingNonce(user domain.Address) uint64
}

// Ledger owns the live Balance and NonceMap (spec.md §3 ownership rule: all
// other components read via this interface and write only through its
// locked operations).
type Ledger struct {
	locks   *lockmgr.Manager
	store   *gunstore.Adapter
	log     *logrus.Logger

	mu       sync.RWMutex
	balances map[domain.Address]domain.Amount
	nonces   map[domain.Address]uint64
	versions map[domain.Address]uint64

	pendingSrc PendingNonceSource
}

// New builds an empty Ledger. Call LoadFromStore to hydrate balances
// persisted by a previous run.
func New(locks *lockmgr.Manager, store *gunstore.Adapter, log *logrus.Logger) *Ledger {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Ledger{
		locks:    locks,
		store:    store,
		log:      log,
		balances: make(map[domain.Address]domain.Amount),
		nonces:   make(map[domain.Address]uint64),
		versions: make(map[domain.Address]uint64),
	}
}

// SetPendingNonceSource wires the bridge's pending-withdrawal queue into
// Nonce()'s computation. Must be called once during startup wiring.
func (l *Ledger) SetPendingNonceSource(src PendingNonceSource) {
	l.pendingSrc = src
}

func balancePath(user domain.Address) string {
	return "bridge/balances-index/" + user.Hex()
}

// LoadFromStore hydrates a single user's balance/nonce from the graph
// store, tolerating a notFound result (fresh user, balance 0).
func (l *Ledger) LoadFromStore(ctx context.Context, user domain.Address) error {
	var rec BalanceRecord
	err := l.store.GetVerified(ctx, balancePath(user), l.store.SignerAddress(), &rec)
	if err != nil {
		if domain.KindOf(err) == domain.KindNotFound {
			return nil
		}
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[user] = rec.Balance
	l.nonces[user] = rec.Nonce
	l.versions[user] = rec.Version
	return nil
}

// Balance performs a lock-free read of the last-committed balance.
func (l *Ledger) Balance(user domain.Address) domain.Amount {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if b, ok := l.balances[user]; ok {
		return b
	}
	return domain.Zero()
}

// Nonce returns max(nonceMap[user], pending withdrawal nonce for user), so
// clients computing the next nonce never collide with a queued-but-not-
// yet-persisted withdrawal (spec.md §4.5).
func (l *Ledger) Nonce(user domain.Address) uint64 {
	l.mu.RLock()
	n := l.nonces[user]
	l.mu.RUnlock()
	if l.pendingSrc != nil {
		if p := l.pendingSrc.PendingNonce(user); p > n {
			n = p
		}
	}
	return n
}

func (l *Ledger) persist(ctx context.Context, user domain.Address) error {
	l.mu.RLock()
	rec := BalanceRecord{
		User:    user,
		Balance: l.balances[user],
		Nonce:   l.nonces[user],
		Version: l.versions[user] + 1,
	}
	l.mu.RUnlock()
	if err := l.store.PutSigned(ctx, balancePath(user), rec); err != nil {
		return err
	}
	l.mu.Lock()
	l.versions[user] = rec.Version
	l.mu.Unlock()
	return nil
}

// Credit adds amount to user's balance under withLock(user). amount=0 is a
// no-op that still succeeds, per spec.md §4.5.
func (l *Ledger) Credit(ctx context.Context, user domain.Address, amount domain.Amount) (domain.Amount, error) {
	return lockmgr.WithLockResult(ctx, l.locks, userKey(user), func() (domain.Amount, error) {
		l.mu.Lock()
		newBal := l.balances[user].Add(amount)
		l.balances[user] = newBal
		l.mu.Unlock()

		if amount.IsZero() {
			return newBal, nil
		}
		if err := l.persist(ctx, user); err != nil {
			return newBal, err
		}
		return newBal, nil
	})
}

// Debit validates and applies a withdrawal under withLock(user): requires
// amount <= balance and nonce > nonceMap[user], then advances the nonce
// and persists both atomically w.r.t. any other Ledger operation on user.
func (l *Ledger) Debit(ctx context.Context, user domain.Address, amount domain.Amount, nonce uint64) (Receipt, error) {
	return lockmgr.WithLockResult(ctx, l.locks, userKey(user), func() (Receipt, error) {
		return l.debitLocked(ctx, user, amount, nonce)
	})
}

// DebitLocked applies the same validation and mutation as Debit, but
// without acquiring userKey(user) itself. Callers that already hold that
// key on the same *lockmgr.Manager instance (e.g. the bridge orchestrator,
// which validates the withdrawal's nonce/replay status and debits under a
// single critical section) must call this instead of Debit — lockmgr's
// per-key lock is not reentrant, so calling Debit from inside an existing
// WithLock(userKey(user), ...) self-deadlocks.
func (l *Ledger) DebitLocked(ctx context.Context, user domain.Address, amount domain.Amount, nonce uint64) (Receipt, error) {
	return l.debitLocked(ctx, user, amount, nonce)
}

func (l *Ledger) debitLocked(ctx context.Context, user domain.Address, amount domain.Amount, nonce uint64) (Receipt, error) {
	l.mu.RLock()
	bal := l.balances[user]
	lastNonce := l.nonces[user]
	l.mu.RUnlock()

	if amount.Sign() < 0 {
		return Receipt{}, domain.New(domain.KindInvalidInput, "amount must be non-negative")
	}
	if bal.LessThan(amount) {
		return Receipt{}, domain.New(domain.KindInsufficientBalance, "balance is less than requested debit amount")
	}
	if nonce <= lastNonce {
		return Receipt{}, domain.Newf(domain.KindNonceTooLow, "expected nonce > %d", lastNonce)
	}

	newBal, err := bal.Sub(amount)
	if err != nil {
		return Receipt{}, domain.Wrap(domain.KindInsufficientBalance, "debit underflow", err, false)
	}

	l.mu.Lock()
	l.balances[user] = newBal
	l.nonces[user] = nonce
	l.mu.Unlock()

	if err := l.persist(ctx, user); err != nil {
		return Receipt{}, err
	}
	return Receipt{Hash: receiptHash(user, amount, nonce), User: user, Amount: amount, Nonce: nonce}, nil
}

// TransferResult carries both parties' post-transfer balances and the
// transfer's receipt.
type TransferResult struct {
	FromBalance domain.Amount
	ToBalance   domain.Amount
	Receipt     Receipt
}

// DualSignature carries the two co-signatures a user-authored mutating
// operation (withdrawal, transfer) must supply: one from the user's
// wallet key (EIP-191) and one from the user's key in the graph store
// (modeled here as a second ECDSA signature over the same message —
// spec.md §4.5's "user key in the graph store").
type DualSignature struct {
	Message         []byte
	WalletSignature []byte
	StoreSignature  []byte
}

// verifyDual recovers both signatures' signer addresses and requires they
// both equal user, per spec.md's "must verify and agree on address"
// dual-signature policy.
func verifyDual(user domain.Address, ds DualSignature) error {
	hash := eip191Hash(ds.Message)
	walletAddr, err := recoverAddress(hash, ds.WalletSignature)
	if err != nil {
		return domain.Wrap(domain.KindInvalidInput, "invalidSignatures: wallet signature", err, false)
	}
	storeAddr, err := recoverAddress(hash, ds.StoreSignature)
	if err != nil {
		return domain.Wrap(domain.KindInvalidInput, "invalidSignatures: store signature", err, false)
	}
	if walletAddr != user || storeAddr != user {
		return domain.New(domain.KindInvalidInput, "invalidSignatures: signatures do not agree with user address")
	}
	return nil
}

func eip191Hash(message []byte) []byte {
	prefixed := append([]byte(fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(message))), message...)
	return crypto.Keccak256(prefixed)
}

func recoverAddress(hash, sig []byte) (domain.Address, error) {
	pub, err := crypto.SigToPub(hash, sig)
	if err != nil {
		return domain.Address{}, err
	}
	addr := crypto.PubkeyToAddress(*pub)
	var out domain.Address
	copy(out[:], addr.Bytes())
	return out, nil
}

// Transfer validates dual signatures for "from", enforces from != to,
// amount > 0, balance(from) >= amount, then performs the pair of updates
// atomically with respect to any other Ledger operation (spec.md §4.5).
// The two user keys are acquired in a stable sorted order (WithLocks) so a
// concurrent reverse-direction transfer cannot deadlock against this one.
func (l *Ledger) Transfer(ctx context.Context, from, to domain.Address, amount domain.Amount, ds DualSignature) (TransferResult, error) {
	if from == to {
		return TransferResult{}, domain.New(domain.KindInvalidInput, "from and to must differ")
	}
	if amount.Sign() <= 0 {
		return TransferResult{}, domain.New(domain.KindInvalidInput, "amount must be positive")
	}
	if err := verifyDual(from, ds); err != nil {
		return TransferResult{}, err
	}

	var result TransferResult
	err := l.locks.WithLocks(ctx, []string{userKey(from), userKey(to)}, func() error {
		l.mu.RLock()
		fromBal := l.balances[from]
		l.mu.RUnlock()
		if fromBal.LessThan(amount) {
			return domain.New(domain.KindInsufficientBalance, "sender balance is less than transfer amount")
		}
		newFrom, err := fromBal.Sub(amount)
		if err != nil {
			return domain.Wrap(domain.KindInsufficientBalance, "transfer underflow", err, false)
		}

		l.mu.Lock()
		l.balances[from] = newFrom
		newTo := l.balances[to].Add(amount)
		l.balances[to] = newTo
		l.mu.Unlock()

		if err := l.persist(ctx, from); err != nil {
			return err
		}
		if err := l.persist(ctx, to); err != nil {
			return err
		}
		result = TransferResult{
			FromBalance: newFrom,
			ToBalance:   newTo,
			Receipt:     Receipt{Hash: receiptHash(from, amount, l.nonces[from]), User: from, Amount: amount},
		}
		return nil
	})
	return result, err
}

func userKey(a domain.Address) string { return "ledger:" + a.Hex() }

func receiptHash(user domain.Address, amount domain.Amount, nonce uint64) [32]byte {
	data := []byte(user.Hex() + "|" + amount.String() + "|" + fmt.Sprint(nonce))
	return crypto.Keccak256Hash(data).Bytes32()
}

// ExportEcdsaAddress is a small convenience used by tests to derive the
// address a given private key would sign as, so dual-signature fixtures
// stay in one place.
func ExportEcdsaAddress(key *ecdsa.PrivateKey) domain.Address {
	addr := crypto.PubkeyToAddress(key.PublicKey)
	var out domain.Address
	copy(out[:], addr.Bytes())
	return out
}
