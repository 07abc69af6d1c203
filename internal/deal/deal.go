// Package deal implements the paid-CID storage deal engine (C7): the
// Pending -> Active -> (Expired | Terminated) state machine, pricing,
// erasure-coded replication for premium tiers, client-deal lookup against
// the on-chain registry, and the storage-proof challenge. Pin/retrieve
// reuses the on-disk-cache-plus-gateway shape of the teacher's
// core/storage.go, generalized behind internal/ipfsgw.
package deal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/klauspost/reedsolomon"
	"github.com/sirupsen/logrus"

	"github.com/scobru/shogun-relay-sub014/internal/chain"
	"github.com/scobru/shogun-relay-sub014/internal/domain"
	"github.com/scobru/shogun-relay-sub014/internal/gunstore"
	"github.com/scobru/shogun-relay-sub014/internal/ipfsgw"
	"github.com/scobru/shogun-relay-sub014/internal/lockmgr"
)

// Status is a deal's position in the Pending -> Active -> (Expired |
// Terminated) state machine.
type Status string

const (
	StatusPending    Status = "pending"
	StatusActive     Status = "active"
	StatusExpired    Status = "expired"
	StatusTerminated Status = "terminated"
)

// ChunkRole distinguishes systematic (data) shards from parity shards in
// an erasure-coded deal.
type ChunkRole string

const (
	RoleData   ChunkRole = "data"
	RoleParity ChunkRole = "parity"
)

// ChunkInfo is one erasure-coded shard's placement.
type ChunkInfo struct {
	Index int       `json:"index"`
	Role  ChunkRole `json:"role"`
	CID   string    `json:"cid"`
}

// Deal is the persisted record for one storage deal.
type Deal struct {
	ID              string         `json:"id"`
	CID             string         `json:"cid"`
	Client          domain.Address `json:"client"`
	SizeMB          int64          `json:"sizeMB"`
	DurationDays    int            `json:"durationDays"`
	Tier            string         `json:"tier"`
	Status          Status         `json:"status"`
	PriceUSDC       domain.Amount  `json:"priceUSDC"`
	OnChainDealID   uint64         `json:"onChainDealId"`
	CreatedAt       time.Time      `json:"createdAt"`
	ActivatedAt     time.Time      `json:"activatedAt,omitempty"`
	ExpiresAt       time.Time      `json:"expiresAt,omitempty"`
	ErasureMetadata []ChunkInfo    `json:"erasureMetadata,omitempty"`
	Warnings        []string       `json:"warnings,omitempty"`
	FromOnChainOnly bool           `json:"fromOnChainOnly,omitempty"`
}

func (Deal) Kind() string    { return "deal" }
func (d Deal) Validate() error {
	if d.CID == "" {
		return domain.New(domain.KindInvalidInput, "deal: cid required")
	}
	return nil
}

func dealPath(id string) string { return "deals/" + id }

// Pricing is the deterministic pricing function spec.md §4.7 requires:
// pure, configuration-driven, no oracle lookups.
type Pricing struct {
	PriceUSDCPerGBPerDay map[string]float64
	StorageOverheadPct   map[string]int
	ReplicationFactor    map[string]int
	Features             map[string][]string
}

// DefaultPricing is a representative configured table; operators are
// expected to override it, not derive it from an oracle.
func DefaultPricing() Pricing {
	return Pricing{
		PriceUSDCPerGBPerDay: map[string]float64{"standard": 0.02, "premium": 0.05, "archive": 0.01},
		StorageOverheadPct:   map[string]int{"standard": 0, "premium": 40, "archive": 0},
		ReplicationFactor:    map[string]int{"standard": 1, "premium": 3, "archive": 1},
		Features:             map[string][]string{"premium": {"erasureCoding", "multiRelayReplication"}},
	}
}

// PriceQuote is the result of Pricing.Price.
type PriceQuote struct {
	PriceUSDC              domain.Amount
	Features               []string
	StorageOverheadPercent int
	ReplicationFactor      int
}

// Price computes a deterministic quote for a given size/duration/tier.
func (p Pricing) Price(sizeMB int64, durationDays int, tier string) PriceQuote {
	if tier == "" {
		tier = "standard"
	}
	perGBPerDay, ok := p.PriceUSDCPerGBPerDay[tier]
	if !ok {
		perGBPerDay = p.PriceUSDCPerGBPerDay["standard"]
		tier = "standard"
	}
	gb := float64(sizeMB) / 1024.0
	total := gb * perGBPerDay * float64(durationDays)
	cents := int64(total*1_000_000 + 0.5) // micro-USDC precision
	return PriceQuote{
		PriceUSDC:              domain.AmountFromUint64(uint64(cents)),
		Features:               p.Features[tier],
		StorageOverheadPercent: p.StorageOverheadPct[tier],
		ReplicationFactor:      p.ReplicationFactor[tier],
	}
}

// ErasureConfig bounds the systematic Reed-Solomon code (spec.md §4.7):
// any K of K+P chunks reconstruct the original.
type ErasureConfig struct {
	DataShards   int
	ParityShards int
	ChunkSize    int
}

// DefaultErasureConfig matches spec.md's stated defaults (K=10, P=4,
// 256 KiB chunks).
func DefaultErasureConfig() ErasureConfig {
	return ErasureConfig{DataShards: 10, ParityShards: 4, ChunkSize: 256 * 1024}
}

// Reputation is the narrow C9 slice the deal engine reports storage-proof
// outcomes to.
type Reputation interface {
	RecordSuccess(op string, elapsed time.Duration)
	RecordFailure(op string, reason string)
}

type noopReputation struct{}

func (noopReputation) RecordSuccess(string, time.Duration) {}
func (noopReputation) RecordFailure(string, string)        {}

// Config bounds the engine's operational parameters.
type Config struct {
	PendingCacheTTL  time.Duration
	AllowanceRetries int
	AllowanceBackoff time.Duration
	AutoReplicate    bool
}

// DefaultConfig mirrors spec.md's stated defaults.
func DefaultConfig() Config {
	return Config{PendingCacheTTL: 10 * time.Minute, AllowanceRetries: 5, AllowanceBackoff: 300 * time.Millisecond, AutoReplicate: true}
}

type pendingEntry struct {
	deal    Deal
	expires time.Time
}

// Engine is the C7 deal engine.
type Engine struct {
	store      *gunstore.Adapter
	chain      chain.Client
	ipfs       *ipfsgw.Client
	locks      *lockmgr.Manager
	pricing    Pricing
	erasure    ErasureConfig
	cfg        Config
	log        *logrus.Logger
	reputation Reputation

	mu      sync.Mutex
	pending map[string]pendingEntry
}

// New builds a deal Engine.
func New(store *gunstore.Adapter, client chain.Client, ipfs *ipfsgw.Client, locks *lockmgr.Manager, pricing Pricing, erasure ErasureConfig, cfg Config, log *logrus.Logger, reputation Reputation) *Engine {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if reputation == nil {
		reputation = noopReputation{}
	}
	return &Engine{
		store: store, chain: client, ipfs: ipfs, locks: locks,
		pricing: pricing, erasure: erasure, cfg: cfg, log: log, reputation: reputation,
		pending: make(map[string]pendingEntry),
	}
}

// Pricing returns the engine's configured pricing table, for the
// read-only GET /deals/pricing endpoint.
func (e *Engine) Pricing() Pricing {
	return e.pricing
}

// IsServable satisfies shared.DealLookup. It reports true when no deal
// backs cidStr or when at least one backing deal is not Terminated, so
// only a CID whose every deal is Terminated stops a shared link from
// serving; an Expired deal still serves.
func (e *Engine) IsServable(ctx context.Context, cidStr string) (bool, error) {
	deals, err := e.ByCID(ctx, cidStr)
	if err != nil {
		return false, err
	}
	if len(deals) == 0 {
		return true, nil
	}
	for _, d := range deals {
		if d.Status != StatusTerminated {
			return true, nil
		}
	}
	return false, nil
}

func dealID(client domain.Address, cid string) string {
	h := crypto.Keccak256Hash([]byte(client.Hex() + ":" + cid + ":" + time.Now().String()))
	return fmt.Sprintf("%x", h.Bytes()[:16])
}

// Create validates and persists a new pending deal.
func (e *Engine) Create(ctx context.Context, cidStr string, clientAddr domain.Address, sizeMB int64, durationDays int, tier string) (Deal, error) {
	if cidStr == "" || sizeMB <= 0 || durationDays <= 0 {
		return Deal{}, domain.New(domain.KindInvalidInput, "cid, sizeMB, and durationDays are required")
	}
	quote := e.pricing.Price(sizeMB, durationDays, tier)
	d := Deal{
		ID: dealID(clientAddr, cidStr), CID: cidStr, Client: clientAddr, SizeMB: sizeMB,
		DurationDays: durationDays, Tier: tier, Status: StatusPending, PriceUSDC: quote.PriceUSDC,
		CreatedAt: time.Now(),
	}
	if err := e.store.PutSigned(ctx, dealPath(d.ID), d); err != nil {
		return Deal{}, domain.Wrap(domain.KindUpstream, "persist pending deal", err, true)
	}
	e.mu.Lock()
	e.pending[d.ID] = pendingEntry{deal: d, expires: time.Now().Add(e.cfg.PendingCacheTTL)}
	e.mu.Unlock()
	return d, nil
}

func (e *Engine) cachedOrLoad(ctx context.Context, id string) (Deal, error) {
	e.mu.Lock()
	entry, ok := e.pending[id]
	e.mu.Unlock()
	if ok && time.Now().Before(entry.expires) {
		return entry.deal, nil
	}
	var d Deal
	if err := e.store.GetVerified(ctx, dealPath(id), e.store.SignerAddress(), &d); err != nil {
		return Deal{}, err
	}
	return d, nil
}

func (e *Engine) persist(ctx context.Context, d Deal) error {
	if err := e.store.PutSigned(ctx, dealPath(d.ID), d); err != nil {
		return domain.Wrap(domain.KindUpstream, "persist deal", err, true)
	}
	e.mu.Lock()
	e.pending[d.ID] = pendingEntry{deal: d, expires: time.Now().Add(e.cfg.PendingCacheTTL)}
	e.mu.Unlock()
	return nil
}

// Activate requires a pending deal, verifies on-chain allowance (with
// backoff retry), registers it on-chain, then fires pin + erasure coding
// asynchronously; pin/replication failures never roll back activation.
func (e *Engine) Activate(ctx context.Context, id string, relayContract domain.Address) (Deal, error) {
	return lockmgr.WithLockResult(ctx, e.locks, "deal:"+id, func() (Deal, error) {
		d, err := e.cachedOrLoad(ctx, id)
		if err != nil {
			return Deal{}, err
		}
		if d.Status != StatusPending {
			return Deal{}, domain.New(domain.KindConflict, "deal is not pending")
		}

		var allowance domain.Amount
		for attempt := 0; attempt < e.cfg.AllowanceRetries; attempt++ {
			allowance, err = e.chain.AllowanceOf(ctx, d.Client, relayContract)
			if err == nil && allowance.GreaterThanOrEqual(d.PriceUSDC) {
				break
			}
			select {
			case <-ctx.Done():
				return Deal{}, domain.Wrap(domain.KindUpstream, "allowance check cancelled", ctx.Err(), false)
			case <-time.After(e.cfg.AllowanceBackoff):
			}
		}
		if allowance.LessThan(d.PriceUSDC) {
			return Deal{}, domain.New(domain.KindInsufficientBalance, "client has not approved sufficient USDC allowance")
		}

		onChainID, err := e.chain.RegisterDeal(ctx, d.ID, d.Client, d.CID, d.SizeMB, d.PriceUSDC, d.DurationDays, domain.Zero())
		if err != nil {
			return Deal{}, domain.Wrap(domain.KindUpstream, "register deal on-chain", err, true)
		}

		d.Status = StatusActive
		d.ActivatedAt = time.Now()
		d.ExpiresAt = d.ActivatedAt.Add(time.Duration(d.DurationDays) * 24 * time.Hour)
		d.OnChainDealID = onChainID
		if err := e.persist(ctx, d); err != nil {
			return Deal{}, err
		}

		go e.fulfillStorage(context.Background(), d)
		return d, nil
	})
}

// fulfillStorage runs the post-activation pin (every tier) and, for tiers
// whose quote enables erasureCoding, the additional shard-coding step, as
// a best-effort background task. Failures are recorded as deal warnings,
// never as activation failures.
func (e *Engine) fulfillStorage(ctx context.Context, d Deal) {
	if err := e.ipfs.PinCID(ctx, d.CID); err != nil {
		e.warn(ctx, d.ID, "pin failed: "+err.Error())
		return
	}

	quote := e.pricing.Price(d.SizeMB, d.DurationDays, d.Tier)
	needsErasure := false
	for _, f := range quote.Features {
		if f == "erasureCoding" {
			needsErasure = true
		}
	}
	if !needsErasure {
		return
	}

	data, err := e.ipfs.Retrieve(ctx, d.CID)
	if err != nil {
		e.warn(ctx, d.ID, "erasure-coding: retrieve failed: "+err.Error())
		return
	}
	chunks, err := e.erasureCode(ctx, data)
	if err != nil {
		e.warn(ctx, d.ID, "erasure coding failed: "+err.Error())
		return
	}
	d.ErasureMetadata = chunks
	if err := e.persist(ctx, d); err != nil {
		e.log.WithError(err).Error("deal: failed to persist erasure metadata")
	}
}

func (e *Engine) warn(ctx context.Context, id, msg string) {
	d, err := e.cachedOrLoad(ctx, id)
	if err != nil {
		return
	}
	d.Warnings = append(d.Warnings, msg)
	_ = e.persist(ctx, d)
}

// erasureCode splits data into DataShards equal-size shards (each
// ceil(len(data)/DataShards) bytes; ErasureConfig.ChunkSize is not
// consulted), computes ParityShards parity shards via a systematic
// Reed-Solomon code, and pins every resulting shard to IPFS.
func (e *Engine) erasureCode(ctx context.Context, data []byte) ([]ChunkInfo, error) {
	enc, err := reedsolomon.New(e.erasure.DataShards, e.erasure.ParityShards)
	if err != nil {
		return nil, err
	}
	shards, err := enc.Split(data)
	if err != nil {
		return nil, err
	}
	if err := enc.Encode(shards); err != nil {
		return nil, err
	}
	out := make([]ChunkInfo, len(shards))
	for i, shard := range shards {
		role := RoleData
		if i >= e.erasure.DataShards {
			role = RoleParity
		}
		cidStr, err := e.ipfs.Pin(ctx, shard)
		if err != nil {
			return nil, domain.Wrap(domain.KindUpstream, fmt.Sprintf("pin shard %d", i), err, true)
		}
		out[i] = ChunkInfo{Index: i, Role: role, CID: cidStr}
	}
	return out, nil
}

// Renew extends an active deal's expiry, charging incrementally the same
// way Activate charges for the initial term.
func (e *Engine) Renew(ctx context.Context, id string, additionalDays int, relayContract domain.Address) (Deal, error) {
	return lockmgr.WithLockResult(ctx, e.locks, "deal:"+id, func() (Deal, error) {
		d, err := e.cachedOrLoad(ctx, id)
		if err != nil {
			return Deal{}, err
		}
		if d.Status != StatusActive {
			return Deal{}, domain.New(domain.KindConflict, "only active deals can be renewed")
		}
		quote := e.pricing.Price(d.SizeMB, additionalDays, d.Tier)

		var allowance domain.Amount
		for attempt := 0; attempt < e.cfg.AllowanceRetries; attempt++ {
			allowance, err = e.chain.AllowanceOf(ctx, d.Client, relayContract)
			if err == nil && allowance.GreaterThanOrEqual(quote.PriceUSDC) {
				break
			}
			select {
			case <-ctx.Done():
				return Deal{}, domain.Wrap(domain.KindUpstream, "allowance check cancelled", ctx.Err(), false)
			case <-time.After(e.cfg.AllowanceBackoff):
			}
		}
		if allowance.LessThan(quote.PriceUSDC) {
			return Deal{}, domain.New(domain.KindInsufficientBalance, "client has not approved sufficient USDC allowance for renewal")
		}

		d.ExpiresAt = d.ExpiresAt.Add(time.Duration(additionalDays) * 24 * time.Hour)
		d.DurationDays += additionalDays
		if err := e.persist(ctx, d); err != nil {
			return Deal{}, err
		}
		return d, nil
	})
}

// Terminate immediately marks a deal Terminated; shared-link access
// anchored to it must subsequently be refused.
func (e *Engine) Terminate(ctx context.Context, id string) (Deal, error) {
	return lockmgr.WithLockResult(ctx, e.locks, "deal:"+id, func() (Deal, error) {
		d, err := e.cachedOrLoad(ctx, id)
		if err != nil {
			return Deal{}, err
		}
		d.Status = StatusTerminated
		if err := e.persist(ctx, d); err != nil {
			return Deal{}, err
		}
		return d, nil
	})
}

// Get loads a single deal by id.
func (e *Engine) Get(ctx context.Context, id string) (Deal, error) {
	return e.cachedOrLoad(ctx, id)
}

// ByClient enumerates the on-chain registry (source of truth) and
// enriches each entry from the local cache by onChainDealId, then
// keccak256(id), then (cid, client), falling back to a stub record.
func (e *Engine) ByClient(ctx context.Context, client domain.Address) ([]Deal, error) {
	onChain, err := e.chain.GetClientDeals(ctx, client)
	if err != nil {
		return nil, domain.Wrap(domain.KindUpstream, "query client deals", err, true)
	}
	names, _ := e.store.MapOnce(ctx, "deals", gunstore.DefaultGetTimeout)
	local := make([]Deal, 0, len(names))
	for _, name := range names {
		var d Deal
		if err := e.store.GetVerified(ctx, "deals/"+name, e.store.SignerAddress(), &d); err == nil {
			local = append(local, d)
		}
	}

	out := make([]Deal, 0, len(onChain))
	for _, info := range onChain {
		if d, ok := findByOnChainID(local, info.OnChainDealID); ok {
			out = append(out, d)
			continue
		}
		if d, ok := findByHashedID(local, info.OnChainDealID); ok {
			out = append(out, d)
			continue
		}
		if d, ok := findByCIDClient(local, info.CID, client); ok {
			out = append(out, d)
			continue
		}
		out = append(out, Deal{
			ID: fmt.Sprintf("onchain-%d", info.OnChainDealID), CID: info.CID, Client: info.Client,
			SizeMB: info.SizeMB, DurationDays: info.DurationDays, PriceUSDC: info.PriceUSDC,
			Status: StatusActive, OnChainDealID: info.OnChainDealID, FromOnChainOnly: true,
		})
	}
	return out, nil
}

// ByCID lists the locally known deals backing one CID, across clients.
func (e *Engine) ByCID(ctx context.Context, cidStr string) ([]Deal, error) {
	names, err := e.store.MapOnce(ctx, "deals", gunstore.DefaultGetTimeout)
	if err != nil {
		return nil, domain.Wrap(domain.KindUpstream, "enumerate deals", err, true)
	}
	out := make([]Deal, 0)
	for _, name := range names {
		var d Deal
		if err := e.store.GetVerified(ctx, "deals/"+name, e.store.SignerAddress(), &d); err == nil && d.CID == cidStr {
			out = append(out, d)
		}
	}
	return out, nil
}

func findByOnChainID(deals []Deal, id uint64) (Deal, bool) {
	for _, d := range deals {
		if d.OnChainDealID == id && id != 0 {
			return d, true
		}
	}
	return Deal{}, false
}

func findByHashedID(deals []Deal, onChainID uint64) (Deal, bool) {
	for _, d := range deals {
		h := crypto.Keccak256Hash([]byte(d.ID))
		if fmt.Sprintf("%d", onChainID) == fmt.Sprintf("%d", h.Big().Uint64()) {
			return d, true
		}
	}
	return Deal{}, false
}

func findByCIDClient(deals []Deal, cidStr string, client domain.Address) (Deal, bool) {
	for _, d := range deals {
		if d.CID == cidStr && d.Client == client {
			return d, true
		}
	}
	return Deal{}, false
}

// ProofResult is the storage-proof challenge response.
type ProofResult struct {
	ProofHash [32]byte
	CID       string
	Timestamp int64
	Size      int
}

// StorageProof implements the challenge in spec.md §4.7: verifies CID
// presence and pin status, reads a 256-byte sample, and returns a
// keccak256 commitment together with the Unix timestamp it was computed
// at. No validity window is checked or enforced for the result.
func (e *Engine) StorageProof(ctx context.Context, id string, challenge []byte) (ProofResult, error) {
	start := time.Now()
	d, err := e.cachedOrLoad(ctx, id)
	if err != nil {
		e.reputation.RecordFailure("storageProof", err.Error())
		return ProofResult{}, err
	}
	present, err := e.ipfs.BlockStat(ctx, d.CID)
	if err != nil || !present {
		e.reputation.RecordFailure("storageProof", "block not present")
		return ProofResult{}, domain.New(domain.KindNotFound, "cid block not present on gateway")
	}
	pinned, err := e.ipfs.PinLs(ctx, d.CID)
	if err != nil || !pinned {
		e.reputation.RecordFailure("storageProof", "not pinned")
		return ProofResult{}, domain.New(domain.KindNotFound, "cid is not pinned on gateway")
	}
	sample, err := e.ipfs.Sample(ctx, d.CID, 256)
	if err != nil {
		e.reputation.RecordFailure("storageProof", err.Error())
		return ProofResult{}, domain.Wrap(domain.KindUpstream, "sample content", err, true)
	}
	ts := time.Now().Unix()
	data := fmt.Sprintf("%s|%x|%d|%d|%s", d.CID, challenge, ts, d.SizeMB, sample)
	hash := crypto.Keccak256Hash([]byte(data)).Bytes32()
	e.reputation.RecordSuccess("storageProof", time.Since(start))
	return ProofResult{ProofHash: hash, CID: d.CID, Timestamp: ts, Size: len(sample)}, nil
}
