package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"

	"github.com/scobru/shogun-relay-sub014/internal/authgate"
	"github.com/scobru/shogun-relay-sub014/internal/bridge"
	"github.com/scobru/shogun-relay-sub014/internal/chain"
	"github.com/scobru/shogun-relay-sub014/internal/deal"
	"github.com/scobru/shogun-relay-sub014/internal/domain"
	"github.com/scobru/shogun-relay-sub014/internal/dupguard"
	"github.com/scobru/shogun-relay-sub014/internal/gunstore"
	"github.com/scobru/shogun-relay-sub014/internal/ipfsgw"
	"github.com/scobru/shogun-relay-sub014/internal/ledger"
	"github.com/scobru/shogun-relay-sub014/internal/lockmgr"
	"github.com/scobru/shogun-relay-sub014/internal/reputation"
	"github.com/scobru/shogun-relay-sub014/internal/shared"
)

func newTestServer(t *testing.T) (*Server, *chain.FakeClient) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	store := gunstore.New(gunstore.NewMemStore(), key, logger, gunstore.DefaultRetryPolicy)
	locks := lockmgr.New()
	fake := chain.NewFakeClient()

	l := ledger.New(locks, store, logger)
	maxWithdrawal, _ := domain.ParseAmount("1000000000000000000")
	br := bridge.New(fake, l, store, locks, logger, nil, bridge.DefaultConfig(maxWithdrawal))
	l.SetPendingNonceSource(br)

	gw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(gw.Close)
	ipfs, err := ipfsgw.New(ipfsgw.Config{Gateway: gw.URL, CacheDir: t.TempDir(), HTTPTimeout: 2 * time.Second}, logger)
	if err != nil {
		t.Fatalf("new ipfs client: %v", err)
	}
	dealEngine := deal.New(store, fake, ipfs, locks, deal.DefaultPricing(), deal.DefaultErasureConfig(), deal.DefaultConfig(), logger, nil)

	resolver := shared.FilesystemResolver{Root: t.TempDir()}
	sharedSvc := shared.New(store, locks, resolver, dealEngine, shared.DefaultConfig("https://gw.example"), logger)

	rep := reputation.New(reputation.DefaultWeights(), logger)
	auth := authgate.New("admin-secret", authgate.DefaultRateLimitConfig())
	dup := dupguard.New(dupguard.DefaultWindow)

	srv := New(br, l, dealEngine, sharedSvc, rep, fake, auth, dup, logger)
	return srv, fake
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
}

func TestHealthzReturnsOK(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.NewRouter()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestBalanceReturnsZeroForUnknownUser(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.NewRouter()

	user := "0x1111111111111111111111111111111111111111"
	req := httptest.NewRequest(http.MethodGet, "/api/v1/bridge/balance/"+user, nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var body map[string]string
	decodeBody(t, rr, &body)
	if body["balance"] != "0" {
		t.Fatalf("expected zero balance, got %+v", body)
	}
}

func TestBalanceRejectsInvalidAddress(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.NewRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/bridge/balance/not-an-address", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestSyncDepositsRequiresAdminToken(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.NewRouter()

	body, _ := json.Marshal(map[string]uint64{"fromBlock": 0, "toBlock": 10})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/bridge/sync-deposits", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a token, got %d", rr.Code)
	}

	req2 := httptest.NewRequest(http.MethodPost, "/api/v1/bridge/sync-deposits", bytes.NewReader(body))
	req2.Header.Set("Authorization", "Bearer admin-secret")
	rr2 := httptest.NewRecorder()
	router.ServeHTTP(rr2, req2)
	if rr2.Code != http.StatusOK {
		t.Fatalf("expected 200 with admin token, got %d: %s", rr2.Code, rr2.Body.String())
	}
}

func TestDealPricingIsPublic(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.NewRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/deals/pricing", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestShareCreateRequiresAuthAndAccessRequiresNoAuth(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.NewRouter()

	unauthorized := httptest.NewRequest(http.MethodPost, "/api/files/create-share-link", bytes.NewReader([]byte(`{}`)))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, unauthorized)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without auth, got %d", rr.Code)
	}

	reqBody, _ := json.Marshal(map[string]any{"fileId": "missing-file"})
	authed := httptest.NewRequest(http.MethodPost, "/api/files/create-share-link", bytes.NewReader(reqBody))
	authed.Header.Set("Authorization", "Bearer admin-secret")
	rr2 := httptest.NewRecorder()
	router.ServeHTTP(rr2, authed)
	if rr2.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for an unresolvable file, got %d: %s", rr2.Code, rr2.Body.String())
	}

	access := httptest.NewRequest(http.MethodGet, "/api/files/share/unknown-token", nil)
	rr3 := httptest.NewRecorder()
	router.ServeHTTP(rr3, access)
	if rr3.Code != http.StatusNotFound {
		t.Fatalf("expected 404 (not 401) for unauthenticated access to an unknown token, got %d: %s", rr3.Code, rr3.Body.String())
	}
}

func TestDuplicateWithdrawalRequestIsRejected(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.NewRouter()

	body := []byte(`{"user":"0x2222222222222222222222222222222222222222","amount":"1","message":"m","ethSignature":"0x00","seaSignature":"0x00","publicKey":"pk"}`)

	req1 := httptest.NewRequest(http.MethodPost, "/api/v1/bridge/withdraw", bytes.NewReader(body))
	rr1 := httptest.NewRecorder()
	router.ServeHTTP(rr1, req1)

	req2 := httptest.NewRequest(http.MethodPost, "/api/v1/bridge/withdraw", bytes.NewReader(body))
	rr2 := httptest.NewRecorder()
	router.ServeHTTP(rr2, req2)

	if rr2.Code != http.StatusConflict {
		t.Fatalf("expected second identical withdrawal request to be refused as a duplicate, got %d: %s", rr2.Code, rr2.Body.String())
	}
}
