// Command relay runs the shogun-relay-sub014 storage-and-payments relay:
// an L2 withdrawal bridge, a paid-CID deal engine, and the shared control
// plane (locking, shared links, reputation, dedup, auth) bound together
// behind an HTTP surface.
package main

import (
	"context"
	"crypto/ecdsa"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/scobru/shogun-relay-sub014/internal/authgate"
	"github.com/scobru/shogun-relay-sub014/internal/bridge"
	"github.com/scobru/shogun-relay-sub014/internal/chain"
	cfgpkg "github.com/scobru/shogun-relay-sub014/internal/config"
	"github.com/scobru/shogun-relay-sub014/internal/deal"
	"github.com/scobru/shogun-relay-sub014/internal/domain"
	"github.com/scobru/shogun-relay-sub014/internal/dupguard"
	"github.com/scobru/shogun-relay-sub014/internal/gunstore"
	"github.com/scobru/shogun-relay-sub014/internal/httpapi"
	"github.com/scobru/shogun-relay-sub014/internal/ipfsgw"
	"github.com/scobru/shogun-relay-sub014/internal/ledger"
	"github.com/scobru/shogun-relay-sub014/internal/lockmgr"
	"github.com/scobru/shogun-relay-sub014/internal/reputation"
	"github.com/scobru/shogun-relay-sub014/internal/shared"
)

func main() {
	rootCmd := &cobra.Command{Use: "relay"}
	rootCmd.AddCommand(serveCmd())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var env string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "start the relay's HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(env)
		},
	}
	cmd.Flags().StringVar(&env, "env", os.Getenv("RELAY_ENV"), "environment overlay to merge on top of config/default.yaml")
	return cmd
}

func run(env string) error {
	log := logrus.New()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn(".env load failed")
	}

	cfg, err := cfgpkg.Load(env)
	if err != nil {
		log.WithError(err).Error("config load failed")
		os.Exit(2)
	}
	if lvl, lvlErr := logrus.ParseLevel(cfg.Logging.Level); lvlErr == nil {
		log.SetLevel(lvl)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	storeKey, err := loadOrGenerateStoreKey(cfg.Chain.SequencerKeyHex)
	if err != nil {
		log.WithError(err).Error("store signing key init failed")
		os.Exit(1)
	}

	// No production Gun wire-protocol client exists yet (see
	// internal/gunstore's package doc); an in-memory store stands in so
	// every component above the storage boundary is fully exercised.
	store := gunstore.New(gunstore.NewMemStore(), storeKey, log, gunstore.DefaultRetryPolicy)
	locks := lockmgr.New()

	var chainClient chain.Client
	if cfg.Chain.UseFake || cfg.Chain.RPCURL == "" || cfg.Chain.BridgeContract == "" {
		log.Warn("chain.use_fake set (or rpc_url/bridge_contract not configured); running against an in-memory fake chain client")
		chainClient = chain.NewFakeClient()
	} else {
		rpcClient, dialErr := chain.Dial(ctx, cfg.Chain.RPCURL, ethcommon.HexToAddress(cfg.Chain.BridgeContract), chain.BridgeABI, storeKey, log)
		if dialErr != nil {
			log.WithError(dialErr).Warn("chain.Dial failed; falling back to the in-memory fake chain client")
			chainClient = chain.NewFakeClient()
		} else {
			chainClient = rpcClient
		}
	}

	ldgr := ledger.New(locks, store, log)

	maxWithdrawal := domain.AmountFromUint64(1_000_000_000_000_000_000) // 1 ETH-equivalent ceiling
	bridgeCfg := bridge.DefaultConfig(maxWithdrawal)
	if cfg.Bridge.BatchIntervalSec > 0 {
		bridgeCfg.BatchInterval = cfg.BatchInterval()
	}
	rep := reputation.New(reputation.DefaultWeights(), log)
	br := bridge.New(chainClient, ldgr, store, locks, log, rep, bridgeCfg)

	ipfsClient, err := ipfsgw.New(ipfsgw.Config{
		Gateway:  cfg.Deal.IPFSGatewayURL,
		CacheDir: cfg.Deal.DiskCacheDir,
	}, log)
	if err != nil {
		log.WithError(err).Error("ipfs gateway client init failed")
		return err
	}

	erasure := deal.DefaultErasureConfig()
	if cfg.Deal.DataShards > 0 {
		erasure.DataShards = cfg.Deal.DataShards
	}
	if cfg.Deal.ParityShards > 0 {
		erasure.ParityShards = cfg.Deal.ParityShards
	}
	dealEngine := deal.New(store, chainClient, ipfsClient, locks, deal.DefaultPricing(), erasure, deal.DefaultConfig(), log, rep)

	sharedCfg := shared.DefaultConfig(cfg.Shared.GatewayBaseURL)
	if cfg.Shared.CleanupIntervalSec > 0 {
		sharedCfg.CleanupInterval = cfg.SharedCleanupInterval()
	}
	resolver := shared.CompositeResolver{Resolvers: []shared.Resolver{
		shared.FilesystemResolver{Root: cfg.Deal.DiskCacheDir},
	}}
	sharedSvc := shared.New(store, locks, resolver, dealEngine, sharedCfg, log)

	rl := authgate.RateLimitConfig{MaxAttempts: cfg.Auth.RateLimitMaxAttempts, Window: cfg.AuthRateLimitWindow()}
	if rl.MaxAttempts <= 0 {
		rl = authgate.DefaultRateLimitConfig()
	}
	auth := authgate.New(cfg.Server.AdminToken, rl)
	dup := dupguard.New(dupguard.DefaultWindow)

	srv := httpapi.New(br, ldgr, dealEngine, sharedSvc, rep, chainClient, auth, dup, log)
	router := srv.NewRouter()

	go runCleanupLoop(ctx, sharedSvc, sharedCfg.CleanupInterval, log)

	listenAddr := cfg.Server.ListenAddr
	if listenAddr == "" {
		listenAddr = ":8080"
	}
	httpSrv := &http.Server{Addr: listenAddr, Handler: router}

	go func() {
		log.WithField("addr", listenAddr).Info("relay listening")
		if serveErr := httpSrv.ListenAndServe(); serveErr != nil && serveErr != http.ErrServerClosed {
			log.WithError(serveErr).Error("http server stopped")
			os.Exit(1)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// loadOrGenerateStoreKey derives the graph-store signing key from the
// configured hex-encoded secret, or generates an ephemeral one if none is
// set. An ephemeral key means every PutSigned record this process writes
// becomes unverifiable after restart, which is fine for the in-memory
// store but must be a real operator-managed secret against a persistent
// store.
func loadOrGenerateStoreKey(hexKey string) (*ecdsa.PrivateKey, error) {
	if hexKey == "" {
		return crypto.GenerateKey()
	}
	return crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
}

func runCleanupLoop(ctx context.Context, svc *shared.Service, interval time.Duration, log *logrus.Logger) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := svc.Cleanup(ctx)
			if err != nil {
				log.WithError(err).Warn("shared-link cleanup pass failed")
				continue
			}
			if removed > 0 {
				log.WithField("removed", removed).Info("shared-link cleanup pass")
			}
		}
	}
}
