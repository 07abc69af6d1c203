// Package chain wraps the on-chain settlement contract and Ethereum JSON-RPC
// endpoint (C4). The contract itself is an external collaborator (spec.md
// §1) exposing deposit/withdraw/submitBatch/registerDeal/grief plus event
// queries; this package is a thin, non-stateful wrapper around it, grounded
// on the teacher's core/cross_chain.go bridge-registration plumbing and
// generalized to an interface so it can be faked in tests without an RPC
// endpoint.
package chain

import (
	"context"
	"math/big"

	"github.com/scobru/shogun-relay-sub014/internal/domain"
)

// Withdrawal mirrors the on-chain leaf shape used by the settlement
// contract: the same tuple the bridge batches and proves inclusion for.
type Withdrawal struct {
	User   domain.Address
	Amount domain.Amount
	Nonce  uint64
}

// BatchInfo is what the contract reports for a previously submitted batch.
type BatchInfo struct {
	BatchID     uint64
	Root        [32]byte
	Finalized   bool
	SubmitBlock uint64
}

// DepositEvent and WithdrawalEvent are decoded on-chain log entries.
type DepositEvent struct {
	TxHash      string
	User        domain.Address
	Amount      domain.Amount
	BlockNumber uint64
}

type WithdrawalEvent struct {
	TxHash      string
	User        domain.Address
	Amount      domain.Amount
	Nonce       uint64
	BlockNumber uint64
}

// DealInfo is what the on-chain deal registry reports for a client's deals.
type DealInfo struct {
	OnChainDealID uint64
	Client        domain.Address
	CID           string
	SizeMB        int64
	PriceUSDC     domain.Amount
	DurationDays  int
}

// RelayInfo is public on-chain metadata about a registered relay.
type RelayInfo struct {
	Address   domain.Address
	Stake     domain.Amount
	Active    bool
}

// Client is the narrow RPC surface the core depends on (spec.md §4.4). It
// must not cache chain state beyond ABI definitions — callers are
// responsible for freshness (e.g. re-reading allowance right before
// activation).
type Client interface {
	GetCurrentStateRoot(ctx context.Context) ([32]byte, error)
	GetCurrentBatchId(ctx context.Context) (uint64, error)
	GetBatchInfo(ctx context.Context, id uint64) (BatchInfo, error)
	IsWithdrawalProcessed(ctx context.Context, user domain.Address, amount domain.Amount, nonce uint64) (bool, error)

	QueryDeposits(ctx context.Context, fromBlock, toBlock uint64, userFilter *domain.Address) ([]DepositEvent, error)
	QueryWithdrawals(ctx context.Context, fromBlock, toBlock uint64, userFilter *domain.Address) ([]WithdrawalEvent, error)

	// SubmitBatch posts a Merkle-rooted withdrawal batch; it returns the
	// batch id assigned by the contract and the submitting transaction
	// hash. AlreadyFinalized is returned (wrapping domain.KindAlreadyProcessed)
	// if the contract reports this exact root already finalized — the
	// caller treats that as success per spec.md §4.6.
	SubmitBatch(ctx context.Context, root [32]byte, withdrawals []Withdrawal, signatures [][]byte) (batchID uint64, txHash string, err error)

	RegisterDeal(ctx context.Context, dealID string, client domain.Address, cid string, sizeMB int64, priceUSDC domain.Amount, durationDays int, clientStake domain.Amount) (onChainDealID uint64, err error)

	AllowanceOf(ctx context.Context, owner, spender domain.Address) (domain.Amount, error)

	GetRelayInfo(ctx context.Context, addr domain.Address) (RelayInfo, error)
	GetClientDeals(ctx context.Context, client domain.Address) ([]DealInfo, error)

	ChainID() *big.Int
}

// ErrAlreadyFinalized is returned by SubmitBatch implementations when the
// contract reports the given root already finalized under some batch id;
// the bridge orchestrator treats this as success.
var ErrAlreadyFinalized = domain.New(domain.KindAlreadyProcessed, "batch root already finalized on-chain")
