package deal

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	cidpkg "github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
	"github.com/sirupsen/logrus"

	"github.com/scobru/shogun-relay-sub014/internal/chain"
	"github.com/scobru/shogun-relay-sub014/internal/domain"
	"github.com/scobru/shogun-relay-sub014/internal/gunstore"
	"github.com/scobru/shogun-relay-sub014/internal/ipfsgw"
	"github.com/scobru/shogun-relay-sub014/internal/lockmgr"
)

// fakeGateway is a minimal in-process stand-in for an IPFS HTTP gateway,
// implementing just enough of the add/cat/block-stat/pin-ls surface for
// ipfsgw.Client to exercise against in tests.
type fakeGateway struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newFakeGateway() *httptest.Server {
	fg := &fakeGateway{data: make(map[string][]byte)}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v0/add", func(w http.ResponseWriter, r *http.Request) {
		buf, _ := io.ReadAll(r.Body)
		sum, _ := mh.Sum(buf, mh.SHA2_256, -1)
		c := cidpkg.NewCidV1(cidpkg.Raw, sum).String()
		fg.mu.Lock()
		fg.data[c] = buf
		fg.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]string{"Hash": c})
	})
	mux.HandleFunc("/ipfs/", func(w http.ResponseWriter, r *http.Request) {
		c := r.URL.Path[len("/ipfs/"):]
		fg.mu.Lock()
		b, ok := fg.data[c]
		fg.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write(b)
	})
	mux.HandleFunc("/api/v0/block/stat", func(w http.ResponseWriter, r *http.Request) {
		c := r.URL.Query().Get("arg")
		fg.mu.Lock()
		_, ok := fg.data[c]
		fg.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/v0/pin/add", func(w http.ResponseWriter, r *http.Request) {
		c := r.URL.Query().Get("arg")
		fg.mu.Lock()
		if _, ok := fg.data[c]; !ok {
			fg.data[c] = nil
		}
		fg.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/v0/pin/ls", func(w http.ResponseWriter, r *http.Request) {
		c := r.URL.Query().Get("arg")
		fg.mu.Lock()
		_, ok := fg.data[c]
		fg.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	return httptest.NewServer(mux)
}

func newTestEngine(t *testing.T, srv *httptest.Server) (*Engine, *chain.FakeClient) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	store := gunstore.NewMemStore()
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	adapter := gunstore.New(store, key, logger, gunstore.DefaultRetryPolicy)
	ipfs, err := ipfsgw.New(ipfsgw.Config{Gateway: srv.URL, CacheDir: t.TempDir(), HTTPTimeout: 5 * time.Second}, logger)
	if err != nil {
		t.Fatalf("new ipfs client: %v", err)
	}
	fake := chain.NewFakeClient()
	engine := New(adapter, fake, ipfs, lockmgr.New(), DefaultPricing(), DefaultErasureConfig(), DefaultConfig(), logger, nil)
	return engine, fake
}

func TestPriceIsPureAndDeterministic(t *testing.T) {
	p := DefaultPricing()
	a := p.Price(1024, 30, "standard")
	b := p.Price(1024, 30, "standard")
	if a.PriceUSDC.Cmp(b.PriceUSDC) != 0 {
		t.Fatalf("expected identical quotes for identical inputs")
	}
	premium := p.Price(1024, 30, "premium")
	if premium.PriceUSDC.Cmp(a.PriceUSDC) <= 0 {
		t.Fatalf("expected premium tier to cost more than standard")
	}
	if premium.ReplicationFactor != 3 {
		t.Fatalf("expected premium replication factor 3, got %d", premium.ReplicationFactor)
	}
}

func TestCreateActivateTerminateLifecycle(t *testing.T) {
	srv := newFakeGateway()
	defer srv.Close()
	engine, fake := newTestEngine(t, srv)
	ctx := context.Background()
	client := domain.Address{7}
	relay := domain.Address{77}

	d, err := engine.Create(ctx, "bafytestcid", client, 100, 30, "standard")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if d.Status != StatusPending {
		t.Fatalf("expected pending, got %s", d.Status)
	}

	if _, err := engine.Activate(ctx, d.ID, relay); domain.KindOf(err) != domain.KindInsufficientBalance {
		t.Fatalf("expected insufficientBalance before allowance is set, got %v", err)
	}

	fake.SetAllowance(client, relay, d.PriceUSDC)
	activated, err := engine.Activate(ctx, d.ID, relay)
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if activated.Status != StatusActive {
		t.Fatalf("expected active, got %s", activated.Status)
	}
	if activated.OnChainDealID == 0 {
		t.Fatalf("expected a non-zero on-chain deal id")
	}

	terminated, err := engine.Terminate(ctx, d.ID)
	if err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if terminated.Status != StatusTerminated {
		t.Fatalf("expected terminated, got %s", terminated.Status)
	}
}

func TestActivateRejectsNonPendingDeal(t *testing.T) {
	srv := newFakeGateway()
	defer srv.Close()
	engine, fake := newTestEngine(t, srv)
	ctx := context.Background()
	client := domain.Address{8}
	relay := domain.Address{88}

	d, err := engine.Create(ctx, "bafytestcid2", client, 10, 5, "standard")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	fake.SetAllowance(client, relay, d.PriceUSDC)
	if _, err := engine.Activate(ctx, d.ID, relay); err != nil {
		t.Fatalf("first activate: %v", err)
	}
	if _, err := engine.Activate(ctx, d.ID, relay); domain.KindOf(err) != domain.KindConflict {
		t.Fatalf("expected conflict on re-activation, got %v", err)
	}
}

func TestByClientEnrichesOnChainDeals(t *testing.T) {
	srv := newFakeGateway()
	defer srv.Close()
	engine, fake := newTestEngine(t, srv)
	ctx := context.Background()
	client := domain.Address{9}
	relay := domain.Address{99}

	d, err := engine.Create(ctx, "bafytestcid3", client, 10, 5, "standard")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	fake.SetAllowance(client, relay, d.PriceUSDC)
	if _, err := engine.Activate(ctx, d.ID, relay); err != nil {
		t.Fatalf("activate: %v", err)
	}

	deals, err := engine.ByClient(ctx, client)
	if err != nil {
		t.Fatalf("by client: %v", err)
	}
	if len(deals) != 1 {
		t.Fatalf("expected 1 enriched deal, got %d", len(deals))
	}
	if deals[0].FromOnChainOnly {
		t.Fatalf("expected the local record to be matched, not a stub")
	}
}

func TestStorageProofRoundTrip(t *testing.T) {
	srv := newFakeGateway()
	defer srv.Close()
	engine, _ := newTestEngine(t, srv)
	ctx := context.Background()

	payload := []byte("hello from the storage proof test")
	cidStr, err := engine.ipfs.Pin(ctx, payload)
	if err != nil {
		t.Fatalf("pin: %v", err)
	}
	d, err := engine.Create(ctx, cidStr, domain.Address{10}, 1, 1, "standard")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	proof, err := engine.StorageProof(ctx, d.ID, []byte("challenge-1"))
	if err != nil {
		t.Fatalf("storage proof: %v", err)
	}
	if proof.ProofHash == ([32]byte{}) {
		t.Fatalf("expected non-zero proof hash")
	}
	if proof.CID != cidStr {
		t.Fatalf("expected proof cid %s, got %s", cidStr, proof.CID)
	}
}

func TestErasureCodeProducesKPlusPChunks(t *testing.T) {
	srv := newFakeGateway()
	defer srv.Close()
	engine, _ := newTestEngine(t, srv)
	ctx := context.Background()

	data := make([]byte, 3*1024*1024) // 3 MiB, well above one chunk per shard
	for i := range data {
		data[i] = byte(i % 251)
	}
	chunks, err := engine.erasureCode(ctx, data)
	if err != nil {
		t.Fatalf("erasure code: %v", err)
	}
	want := engine.erasure.DataShards + engine.erasure.ParityShards
	if len(chunks) != want {
		t.Fatalf("expected %d chunks, got %d", want, len(chunks))
	}
	dataCount, parityCount := 0, 0
	for _, c := range chunks {
		if c.CID == "" {
			t.Fatalf("chunk %d has empty cid", c.Index)
		}
		if c.Role == RoleData {
			dataCount++
		} else {
			parityCount++
		}
	}
	if dataCount != engine.erasure.DataShards || parityCount != engine.erasure.ParityShards {
		t.Fatalf("unexpected data/parity split: %d/%d", dataCount, parityCount)
	}
}
