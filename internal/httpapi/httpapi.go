// Package httpapi exposes the relay's HTTP surface (C12): gorilla/mux
// routes over the bridge, deal, shared-link, and reputation services,
// with structured-logging and JSON-header middleware adapted from the
// teacher's cmd/xchainserver/server package.
package httpapi

import (
	"encoding/hex"
	"encoding/json"
	"math/big"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/scobru/shogun-relay-sub014/internal/authgate"
	"github.com/scobru/shogun-relay-sub014/internal/bridge"
	"github.com/scobru/shogun-relay-sub014/internal/chain"
	"github.com/scobru/shogun-relay-sub014/internal/deal"
	"github.com/scobru/shogun-relay-sub014/internal/domain"
	"github.com/scobru/shogun-relay-sub014/internal/dupguard"
	"github.com/scobru/shogun-relay-sub014/internal/ledger"
	"github.com/scobru/shogun-relay-sub014/internal/reputation"
	"github.com/scobru/shogun-relay-sub014/internal/shared"
)

// Server wires the relay's core components to an HTTP surface.
type Server struct {
	Bridge     *bridge.Bridge
	Ledger     *ledger.Ledger
	Deal       *deal.Engine
	Shared     *shared.Service
	Reputation *reputation.Scorer
	Chain      chain.Client
	Auth       *authgate.Gate
	Dup        *dupguard.Guard
	Log        *logrus.Logger

	registry      *prometheus.Registry
	requestsTotal *prometheus.CounterVec
	requestErrors *prometheus.CounterVec
}

// New builds a Server and registers its Prometheus metrics.
func New(b *bridge.Bridge, l *ledger.Ledger, d *deal.Engine, s *shared.Service, rep *reputation.Scorer, c chain.Client, auth *authgate.Gate, dup *dupguard.Guard, log *logrus.Logger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	reg := prometheus.NewRegistry()
	srv := &Server{
		Bridge: b, Ledger: l, Deal: d, Shared: s, Reputation: rep, Chain: c, Auth: auth, Dup: dup, Log: log,
		registry: reg,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shogun_relay_http_requests_total", Help: "Total HTTP requests by route and status class.",
		}, []string{"route", "status_class"}),
		requestErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shogun_relay_http_errors_total", Help: "Total HTTP error responses by domain error kind.",
		}, []string{"kind"}),
	}
	reg.MustRegister(srv.requestsTotal, srv.requestErrors)
	return srv
}

// requestLogger logs every request's method and path, mirroring the
// teacher's cmd/xchainserver/server.RequestLogger.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		w.Header().Set("X-Request-Id", reqID)
		s.Log.WithFields(logrus.Fields{"method": r.Method, "path": r.URL.Path, "requestId": reqID}).Info("incoming request")
		next.ServeHTTP(w, r)
	})
}

func jsonHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// requireAdmin is middleware enforcing AUTH=admin per spec.md §6.
func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return s.requireAuth(next, true)
}

// requireUser is middleware enforcing AUTH=user (any valid API key, or
// the admin token) per spec.md §6.
func (s *Server) requireUser(next http.HandlerFunc) http.HandlerFunc {
	return s.requireAuth(next, false)
}

func (s *Server) requireAuth(next http.HandlerFunc, adminOnly bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := authgate.ExtractToken(r.Header)
		res := s.Auth.Authenticate(token, clientIP(r))
		if !res.Authenticated || (adminOnly && !res.IsAdmin) {
			writeError(w, domain.New(domain.KindUnauthorized, "authentication required"))
			return
		}
		next(w, r)
	}
}

// dedupe is middleware enforcing the C10 duplicate-request guard on
// mutating endpoints, keyed by method|path|clientIP|resourceId.
func (s *Server) dedupe(resourceIDFromVars string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resourceID := mux.Vars(r)[resourceIDFromVars]
		key := dupguard.Key(r.Method, r.URL.Path, clientIP(r), resourceID)
		if s.Dup.Check(key) {
			writeError(w, domain.New(domain.KindConflict, "duplicate request"))
			return
		}
		next(w, r)
	}
}

// statusFor maps a domain.Kind to the HTTP status it corresponds to per
// SPEC_FULL.md §6's table.
func statusFor(kind domain.Kind) int {
	switch kind {
	case domain.KindInvalidInput:
		return http.StatusBadRequest
	case domain.KindUnauthorized:
		return http.StatusUnauthorized
	case domain.KindInsufficientBalance, domain.KindNonceTooLow, domain.KindReplay:
		return http.StatusPaymentRequired
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindConflict, domain.KindAlreadyProcessed:
		return http.StatusConflict
	case domain.KindExpired:
		return http.StatusGone
	case domain.KindPending:
		return http.StatusAccepted
	case domain.KindCancelled:
		return http.StatusRequestTimeout
	case domain.KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	kind := domain.KindOf(err)
	writeJSON(w, statusFor(kind), map[string]string{"error": err.Error(), "kind": string(kind)})
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return domain.Wrap(domain.KindInvalidInput, "invalid request body", err, false)
	}
	return nil
}

func parseAddressVar(r *http.Request, name string) (domain.Address, error) {
	return domain.ParseAddress(mux.Vars(r)[name])
}

func weiToEth(amt domain.Amount) string {
	f := new(big.Float).SetInt(amt.Int())
	f.Quo(f, big.NewFloat(1e18))
	return f.Text('f', 8)
}

// NewRouter builds the relay's HTTP surface.
func (s *Server) NewRouter() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.requestLogger)
	r.Use(jsonHeaders)

	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	r.HandleFunc("/api/v1/bridge/balance/{user}", s.handleBalance).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/bridge/balance-info/{user}", s.handleBalanceInfo).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/bridge/nonce/{user}", s.handleNonce).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/bridge/pending-withdrawals", s.handlePendingWithdrawals).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/bridge/proof/{user}/{amount}/{nonce}", s.handleProof).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/bridge/state", s.handleBridgeState).Methods(http.MethodGet)

	r.HandleFunc("/api/v1/bridge/withdraw", s.dedupe("", s.handleWithdraw)).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/bridge/transfer", s.dedupe("", s.handleTransfer)).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/bridge/submit-batch", s.handleSubmitBatch).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/bridge/sync-deposits", s.requireAdmin(s.handleSyncDeposits)).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/bridge/process-deposit", s.requireAdmin(s.handleProcessDeposit)).Methods(http.MethodPost)

	r.HandleFunc("/api/v1/deals/pricing", s.handleDealPricing).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/deals/create", s.handleDealCreate).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/deals/by-client/{address}", s.handleDealsByClient).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/deals/by-cid/{cid}", s.handleDealsByCID).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/deals/{dealId}", s.handleDealGet).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/deals/{dealId}/activate", s.dedupe("dealId", s.handleDealActivate)).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/deals/{dealId}/renew", s.dedupe("dealId", s.handleDealRenew)).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/deals/{dealId}/cancel", s.dedupe("dealId", s.handleDealCancel)).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/deals/{dealId}/verify", s.handleDealVerify).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/deals/{dealId}/verify-proof", s.handleDealVerifyProof).Methods(http.MethodGet)

	r.HandleFunc("/api/files/create-share-link", s.requireUser(s.handleShareCreate)).Methods(http.MethodPost)
	r.HandleFunc("/api/files/share/{token}", s.handleShareAccess).Methods(http.MethodGet)
	r.HandleFunc("/api/files/share/{token}/info", s.handleShareInfo).Methods(http.MethodGet)
	r.HandleFunc("/api/files/share/{token}", s.requireUser(s.handleShareRevoke)).Methods(http.MethodDelete)

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	user, err := parseAddressVar(r, "user")
	if err != nil {
		writeError(w, domain.Wrap(domain.KindInvalidInput, "invalid user address", err, false))
		return
	}
	bal := s.Ledger.Balance(user)
	writeJSON(w, http.StatusOK, map[string]string{"balance": bal.String(), "balanceEth": weiToEth(bal)})
}

func (s *Server) handleBalanceInfo(w http.ResponseWriter, r *http.Request) {
	user, err := parseAddressVar(r, "user")
	if err != nil {
		writeError(w, domain.Wrap(domain.KindInvalidInput, "invalid user address", err, false))
		return
	}
	bal := s.Ledger.Balance(user)
	root, rootErr := s.Chain.GetCurrentStateRoot(r.Context())
	batchID, batchErr := s.Chain.GetCurrentBatchId(r.Context())
	resp := map[string]any{"balance": bal.String(), "balanceEth": weiToEth(bal)}
	if rootErr == nil {
		resp["currentStateRoot"] = hexOf(root[:])
		resp["finalized"] = true
	} else {
		resp["finalized"] = false
	}
	if batchErr == nil {
		resp["currentBatchId"] = batchID
	}
	writeJSON(w, http.StatusOK, resp)
}

func hexOf(b []byte) string {
	return "0x" + hex.EncodeToString(b)
}

func (s *Server) handleNonce(w http.ResponseWriter, r *http.Request) {
	user, err := parseAddressVar(r, "user")
	if err != nil {
		writeError(w, domain.Wrap(domain.KindInvalidInput, "invalid user address", err, false))
		return
	}
	last := s.Ledger.Nonce(user)
	writeJSON(w, http.StatusOK, map[string]uint64{"lastNonce": last, "nextNonce": last + 1})
}

func (s *Server) handlePendingWithdrawals(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"pending": s.Bridge.ListPending()})
}

func (s *Server) handleProof(w http.ResponseWriter, r *http.Request) {
	user, err := parseAddressVar(r, "user")
	if err != nil {
		writeError(w, domain.Wrap(domain.KindInvalidInput, "invalid user address", err, false))
		return
	}
	vars := mux.Vars(r)
	amount, err := domain.ParseAmount(vars["amount"])
	if err != nil {
		writeError(w, domain.Wrap(domain.KindInvalidInput, "invalid amount", err, false))
		return
	}
	nonce, err := strconv.ParseUint(vars["nonce"], 10, 64)
	if err != nil {
		writeError(w, domain.Wrap(domain.KindInvalidInput, "invalid nonce", err, false))
		return
	}
	result, err := s.Bridge.ProofFor(r.Context(), user, amount, nonce)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	switch result.Status {
	case bridge.ProofPending:
		status = http.StatusAccepted
	case bridge.ProofNotFound:
		status = http.StatusNotFound
	}
	writeJSON(w, status, result)
}

func (s *Server) handleBridgeState(w http.ResponseWriter, r *http.Request) {
	root, err := s.Chain.GetCurrentStateRoot(r.Context())
	if err != nil {
		writeError(w, domain.Wrap(domain.KindUpstream, "read state root", err, true))
		return
	}
	batchID, err := s.Chain.GetCurrentBatchId(r.Context())
	if err != nil {
		writeError(w, domain.Wrap(domain.KindUpstream, "read current batch id", err, true))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"chainId":          s.Chain.ChainID().String(),
		"currentStateRoot": hexOf(root[:]),
		"currentBatchId":   batchID,
	})
}

type withdrawRequest struct {
	User          string `json:"user"`
	Amount        string `json:"amount"`
	Nonce         *uint64 `json:"nonce"`
	Message       string `json:"message"`
	EthSignature  string `json:"ethSignature"`
	SeaSignature  string `json:"seaSignature"`
	PublicKey     string `json:"publicKey"`
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req withdrawRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	user, err := domain.ParseAddress(req.User)
	if err != nil {
		writeError(w, domain.Wrap(domain.KindInvalidInput, "invalid user address", err, false))
		return
	}
	amount, err := domain.ParseAmount(req.Amount)
	if err != nil {
		writeError(w, domain.Wrap(domain.KindInvalidInput, "invalid amount", err, false))
		return
	}
	pending, err := s.Bridge.RequestWithdrawal(r.Context(), user, amount, req.Nonce, req.Message, req.EthSignature, req.SeaSignature, req.PublicKey)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"withdrawal": map[string]any{
		"user": pending.User.Hex(), "amount": pending.Amount.String(), "nonce": pending.Nonce, "timestamp": pending.Timestamp,
	}})
}

type transferRequest struct {
	From            string `json:"from"`
	To              string `json:"to"`
	Amount          string `json:"amount"`
	Message         string `json:"message"`
	WalletSignature string `json:"walletSignature"`
	StoreSignature  string `json:"storeSignature"`
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	from, err := domain.ParseAddress(req.From)
	if err != nil {
		writeError(w, domain.Wrap(domain.KindInvalidInput, "invalid from address", err, false))
		return
	}
	to, err := domain.ParseAddress(req.To)
	if err != nil {
		writeError(w, domain.Wrap(domain.KindInvalidInput, "invalid to address", err, false))
		return
	}
	amount, err := domain.ParseAmount(req.Amount)
	if err != nil {
		writeError(w, domain.Wrap(domain.KindInvalidInput, "invalid amount", err, false))
		return
	}
	ds := ledger.DualSignature{
		Message:         []byte(req.Message),
		WalletSignature: decodeHexOrEmpty(req.WalletSignature),
		StoreSignature:  decodeHexOrEmpty(req.StoreSignature),
	}
	result, err := s.Ledger.Transfer(r.Context(), from, to, amount, ds)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transfer": result})
}

func decodeHexOrEmpty(s string) []byte {
	s = strings.TrimPrefix(s, "0x")
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil
	}
	return b
}

func (s *Server) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	batch, err := s.Bridge.RunBatchBuilder(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if batch == nil {
		writeJSON(w, http.StatusOK, map[string]any{"batch": nil, "message": "nothing to batch"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"batch": map[string]any{
		"batchId": batch.BatchID, "root": hexOf(batch.Root[:]), "withdrawalCount": len(batch.Withdrawals), "txHash": batch.SubmitTxHash,
	}})
}

type syncDepositsRequest struct {
	FromBlock uint64 `json:"fromBlock"`
	ToBlock   uint64 `json:"toBlock"`
}

func (s *Server) handleSyncDeposits(w http.ResponseWriter, r *http.Request) {
	var req syncDepositsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.Bridge.SyncDeposits(r.Context(), req.FromBlock, req.ToBlock, nil); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "synced"})
}

type processDepositRequest struct {
	TxHash    string `json:"txHash"`
	FromBlock uint64 `json:"fromBlock"`
	ToBlock   uint64 `json:"toBlock"`
}

func (s *Server) handleProcessDeposit(w http.ResponseWriter, r *http.Request) {
	var req processDepositRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.Bridge.ProcessDeposit(r.Context(), req.FromBlock, req.ToBlock, req.TxHash); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "processed"})
}

func (s *Server) handleDealPricing(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tiers": s.Deal.Pricing()})
}

type dealCreateRequest struct {
	CID          string `json:"cid"`
	Client       string `json:"client"`
	SizeMB       int64  `json:"sizeMb"`
	DurationDays int    `json:"durationDays"`
	Tier         string `json:"tier"`
}

func (s *Server) handleDealCreate(w http.ResponseWriter, r *http.Request) {
	var req dealCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	client, err := domain.ParseAddress(req.Client)
	if err != nil {
		writeError(w, domain.Wrap(domain.KindInvalidInput, "invalid client address", err, false))
		return
	}
	d, err := s.Deal.Create(r.Context(), req.CID, client, req.SizeMB, req.DurationDays, req.Tier)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type relayContractRequest struct {
	RelayContract string `json:"relayContract"`
}

func (s *Server) handleDealActivate(w http.ResponseWriter, r *http.Request) {
	var req relayContractRequest
	_ = decodeJSON(r, &req)
	relay, _ := domain.ParseAddress(req.RelayContract)
	d, err := s.Deal.Activate(r.Context(), mux.Vars(r)["dealId"], relay)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type renewRequest struct {
	AdditionalDays int    `json:"additionalDays"`
	RelayContract  string `json:"relayContract"`
}

func (s *Server) handleDealRenew(w http.ResponseWriter, r *http.Request) {
	var req renewRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	relay, _ := domain.ParseAddress(req.RelayContract)
	d, err := s.Deal.Renew(r.Context(), mux.Vars(r)["dealId"], req.AdditionalDays, relay)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleDealCancel(w http.ResponseWriter, r *http.Request) {
	d, err := s.Deal.Terminate(r.Context(), mux.Vars(r)["dealId"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleDealGet(w http.ResponseWriter, r *http.Request) {
	d, err := s.Deal.Get(r.Context(), mux.Vars(r)["dealId"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleDealVerify(w http.ResponseWriter, r *http.Request) {
	d, err := s.Deal.Get(r.Context(), mux.Vars(r)["dealId"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": d.Status, "expiresAt": d.ExpiresAt})
}

func (s *Server) handleDealVerifyProof(w http.ResponseWriter, r *http.Request) {
	challenge := []byte(r.URL.Query().Get("challenge"))
	if len(challenge) == 0 {
		challenge = []byte(strconv.FormatInt(time.Now().UnixNano(), 10))
	}
	proof, err := s.Deal.StorageProof(r.Context(), mux.Vars(r)["dealId"], challenge)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"proofHash": hexOf(proof.ProofHash[:]), "cid": proof.CID, "timestamp": proof.Timestamp, "size": proof.Size,
	})
}

func (s *Server) handleDealsByClient(w http.ResponseWriter, r *http.Request) {
	client, err := parseAddressVar(r, "address")
	if err != nil {
		writeError(w, domain.Wrap(domain.KindInvalidInput, "invalid client address", err, false))
		return
	}
	deals, err := s.Deal.ByClient(r.Context(), client)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deals": deals})
}

func (s *Server) handleDealsByCID(w http.ResponseWriter, r *http.Request) {
	deals, err := s.Deal.ByCID(r.Context(), mux.Vars(r)["cid"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deals": deals})
}

type shareCreateRequest struct {
	FileID       string `json:"fileId"`
	Password     string `json:"password"`
	ExpiresInSec int64  `json:"expiresInSec"`
	MaxDownloads int    `json:"maxDownloads"`
	Description  string `json:"description"`
}

func (s *Server) handleShareCreate(w http.ResponseWriter, r *http.Request) {
	var req shareCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	link, err := s.Shared.Create(r.Context(), req.FileID, req.Password, req.ExpiresInSec, req.MaxDownloads, req.Description)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": link.Token})
}

func (s *Server) handleShareAccess(w http.ResponseWriter, r *http.Request) {
	password := r.URL.Query().Get("password")
	res, err := s.Shared.Access(r.Context(), mux.Vars(r)["token"], password)
	if err != nil {
		writeError(w, err)
		return
	}
	if res.RedirectURL != "" {
		http.Redirect(w, r, res.RedirectURL, http.StatusFound)
		return
	}
	http.ServeFile(w, r, res.LocalPath)
}

func (s *Server) handleShareInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.Shared.Info(r.Context(), mux.Vars(r)["token"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleShareRevoke(w http.ResponseWriter, r *http.Request) {
	token := authgate.ExtractToken(r.Header)
	res := s.Auth.Authenticate(token, clientIP(r))
	owner, _ := domain.ParseAddress(r.URL.Query().Get("requester"))
	if err := s.Shared.Revoke(r.Context(), mux.Vars(r)["token"], owner, res.IsAdmin); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}
