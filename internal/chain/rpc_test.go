package chain

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/scobru/shogun-relay-sub014/internal/domain"
)

// jsonrpcRequest/jsonrpcResponse are the minimal envelope ethclient speaks
// over HTTP transport, enough to stand in for a node in tests without a
// live devnet.
type jsonrpcRequest struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
}

type jsonrpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
}

func newFakeNode(t *testing.T, chainIDHex string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req jsonrpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		resp := jsonrpcResponse{JSONRPC: "2.0", ID: req.ID}
		switch req.Method {
		case "eth_chainId":
			resp.Result = json.RawMessage(`"` + chainIDHex + `"`)
		default:
			resp.Result = json.RawMessage(`null`)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func TestDialReadsChainID(t *testing.T) {
	srv := newFakeNode(t, "0x539")
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	contract := common.HexToAddress("0x1111111111111111111111111111111111111111")
	client, err := Dial(ctx, srv.URL, contract, BridgeABI, nil, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if client.ChainID().Int64() != 1337 {
		t.Fatalf("expected chain id 1337, got %s", client.ChainID())
	}
}

func TestDialWrapsUnreachableEndpoint(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	contract := common.HexToAddress("0x1111111111111111111111111111111111111111")
	if _, err := Dial(ctx, "http://127.0.0.1:1", contract, BridgeABI, nil, nil); domain.KindOf(err) != domain.KindUpstream {
		t.Fatalf("expected upstream error dialing an unreachable endpoint, got %v", err)
	}
}

func TestAddressRoundTrip(t *testing.T) {
	var addr domain.Address
	addr[0] = 0xAB
	addr[19] = 0xCD
	if got := fromCommon(toCommon(addr)); got != addr {
		t.Fatalf("expected round-trip address %x, got %x", addr, got)
	}
}
