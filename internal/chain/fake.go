package chain

import (
	"context"
	"math/big"
	"sync"

	"github.com/scobru/shogun-relay-sub014/internal/domain"
)

// FakeClient is an in-memory Client used by tests and local development
// that have no RPC endpoint to dial. It lets tests script deposit/
// withdrawal events and allowances deterministically.
type FakeClient struct {
	mu sync.Mutex

	chainID *big.Int

	deposits      []DepositEvent
	withdrawals   []WithdrawalEvent
	processed     map[string]bool
	batches       map[uint64]BatchInfo
	nextBatchID   uint64
	allowances    map[[2]domain.Address]domain.Amount
	relays        map[domain.Address]RelayInfo
	clientDeals   map[domain.Address][]DealInfo
	nextDealID    uint64
	SubmitBatchFn func(root [32]byte, withdrawals []Withdrawal) (uint64, error)
}

// NewFakeClient returns a FakeClient ready for test use.
func NewFakeClient() *FakeClient {
	return &FakeClient{
		chainID:     big.NewInt(31337),
		processed:   make(map[string]bool),
		batches:     make(map[uint64]BatchInfo),
		nextBatchID: 1,
		allowances:  make(map[[2]domain.Address]domain.Amount),
		relays:      make(map[domain.Address]RelayInfo),
		clientDeals: make(map[domain.Address][]DealInfo),
		nextDealID:  1,
	}
}

func (f *FakeClient) ChainID() *big.Int { return f.chainID }

// ScriptDeposit appends a deposit event future QueryDeposits calls observe.
func (f *FakeClient) ScriptDeposit(ev DepositEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deposits = append(f.deposits, ev)
}

// SetAllowance configures AllowanceOf(owner, spender).
func (f *FakeClient) SetAllowance(owner, spender domain.Address, amt domain.Amount) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allowances[[2]domain.Address{owner, spender}] = amt
}

// MarkProcessed marks a withdrawal as already settled on-chain, for replay
// tests.
func (f *FakeClient) MarkProcessed(user domain.Address, amount domain.Amount, nonce uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processed[processedKey(user, amount, nonce)] = true
}

func processedKey(user domain.Address, amount domain.Amount, nonce uint64) string {
	return user.Hex() + ":" + amount.String() + ":" + itoa(nonce)
}

func itoa(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

func (f *FakeClient) GetCurrentStateRoot(ctx context.Context) ([32]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextBatchID - 1
	if b, ok := f.batches[id]; ok {
		return b.Root, nil
	}
	return [32]byte{}, nil
}

func (f *FakeClient) GetCurrentBatchId(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nextBatchID - 1, nil
}

func (f *FakeClient) GetBatchInfo(ctx context.Context, id uint64) (BatchInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.batches[id]
	if !ok {
		return BatchInfo{}, domain.New(domain.KindNotFound, "unknown batch id")
	}
	return b, nil
}

func (f *FakeClient) IsWithdrawalProcessed(ctx context.Context, user domain.Address, amount domain.Amount, nonce uint64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.processed[processedKey(user, amount, nonce)], nil
}

func (f *FakeClient) QueryDeposits(ctx context.Context, fromBlock, toBlock uint64, userFilter *domain.Address) ([]DepositEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]DepositEvent, 0, len(f.deposits))
	for _, d := range f.deposits {
		if d.BlockNumber < fromBlock || d.BlockNumber > toBlock {
			continue
		}
		if userFilter != nil && d.User != *userFilter {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func (f *FakeClient) QueryWithdrawals(ctx context.Context, fromBlock, toBlock uint64, userFilter *domain.Address) ([]WithdrawalEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]WithdrawalEvent, 0, len(f.withdrawals))
	for _, w := range f.withdrawals {
		if w.BlockNumber < fromBlock || w.BlockNumber > toBlock {
			continue
		}
		if userFilter != nil && w.User != *userFilter {
			continue
		}
		out = append(out, w)
	}
	return out, nil
}

func (f *FakeClient) SubmitBatch(ctx context.Context, root [32]byte, withdrawals []Withdrawal, signatures [][]byte) (uint64, string, error) {
	f.mu.Lock()
	for _, b := range f.batches {
		if b.Root == root {
			id := b.BatchID
			f.mu.Unlock()
			return id, "", ErrAlreadyFinalized
		}
	}
	id := f.nextBatchID
	f.nextBatchID++
	f.batches[id] = BatchInfo{BatchID: id, Root: root, Finalized: true}
	for _, w := range withdrawals {
		f.processed[processedKey(w.User, w.Amount, w.Nonce)] = true
	}
	f.mu.Unlock()
	return id, "0xfake", nil
}

func (f *FakeClient) RegisterDeal(ctx context.Context, dealID string, client domain.Address, cid string, sizeMB int64, priceUSDC domain.Amount, durationDays int, clientStake domain.Amount) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextDealID
	f.nextDealID++
	f.clientDeals[client] = append(f.clientDeals[client], DealInfo{
		OnChainDealID: id, Client: client, CID: cid, SizeMB: sizeMB, PriceUSDC: priceUSDC, DurationDays: durationDays,
	})
	return id, nil
}

func (f *FakeClient) AllowanceOf(ctx context.Context, owner, spender domain.Address) (domain.Amount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.allowances[[2]domain.Address{owner, spender}], nil
}

func (f *FakeClient) GetRelayInfo(ctx context.Context, addr domain.Address) (RelayInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.relays[addr]
	if !ok {
		return RelayInfo{Address: addr}, nil
	}
	return r, nil
}

func (f *FakeClient) GetClientDeals(ctx context.Context, client domain.Address) ([]DealInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]DealInfo{}, f.clientDeals[client]...), nil
}

var _ Client = (*FakeClient)(nil)
