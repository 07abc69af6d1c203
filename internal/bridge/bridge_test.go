package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"

	"github.com/scobru/shogun-relay-sub014/internal/chain"
	"github.com/scobru/shogun-relay-sub014/internal/domain"
	"github.com/scobru/shogun-relay-sub014/internal/gunstore"
	"github.com/scobru/shogun-relay-sub014/internal/ledger"
	"github.com/scobru/shogun-relay-sub014/internal/lockmgr"
)

func mustAmount(t *testing.T, s string) domain.Amount {
	t.Helper()
	a, err := domain.ParseAmount(s)
	if err != nil {
		t.Fatalf("parse amount %q: %v", s, err)
	}
	return a
}

func newHarness(t *testing.T) (*Bridge, *ledger.Ledger, *chain.FakeClient) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	store := gunstore.NewMemStore()
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	adapter := gunstore.New(store, key, logger, gunstore.DefaultRetryPolicy)
	locks := lockmgr.New()
	l := ledger.New(locks, adapter, logger)
	fake := chain.NewFakeClient()
	cfg := Config{
		MaxWithdrawal:          mustAmount(t, "1000000"),
		BatchInterval:          time.Minute,
		DurabilityPollAttempts: 3,
		DurabilityPollBackoff:  time.Millisecond,
	}
	b := New(fake, l, adapter, locks, logger, nil, cfg)
	l.SetPendingNonceSource(b)
	return b, l, fake
}

func validSig() string {
	return "0x" + (func() string {
		s := ""
		for i := 0; i < 130; i++ {
			s += "a"
		}
		return s
	})()
}

func TestSyncDepositsCreditsAndMarksProcessed(t *testing.T) {
	b, l, fake := newHarness(t)
	ctx := context.Background()
	user := domain.Address{1}

	fake.ScriptDeposit(chain.DepositEvent{TxHash: "0xabc", User: user, Amount: mustAmount(t, "100"), BlockNumber: 10})

	if err := b.SyncDeposits(ctx, 0, 100, nil); err != nil {
		t.Fatalf("sync deposits: %v", err)
	}
	if l.Balance(user).String() != "100" {
		t.Fatalf("expected balance 100, got %s", l.Balance(user).String())
	}

	// Re-syncing the same event must not double-credit.
	if err := b.SyncDeposits(ctx, 0, 100, nil); err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if l.Balance(user).String() != "100" {
		t.Fatalf("expected balance unchanged at 100 after replay, got %s", l.Balance(user).String())
	}
}

func TestRequestWithdrawalValidatesInputs(t *testing.T) {
	b, l, _ := newHarness(t)
	ctx := context.Background()
	user := domain.Address{2}
	if _, err := l.Credit(ctx, user, mustAmount(t, "500")); err != nil {
		t.Fatalf("credit: %v", err)
	}

	_, err := b.RequestWithdrawal(ctx, user, mustAmount(t, "50"), nil, "", "", "", "")
	if domain.KindOf(err) != domain.KindInvalidInput {
		t.Fatalf("expected invalidInput for missing fields, got %v", err)
	}

	sig := validSig()
	_, err = b.RequestWithdrawal(ctx, user, mustAmount(t, "50"), nil, "msg", "not-hex", sig, "pub")
	if domain.KindOf(err) != domain.KindInvalidInput {
		t.Fatalf("expected invalidInput for bad signature format, got %v", err)
	}

	_, err = b.RequestWithdrawal(ctx, user, mustAmount(t, "50"), nil, "msg", sig, sig, "pub")
	if err != nil {
		t.Fatalf("valid withdrawal request failed: %v", err)
	}
	if l.Balance(user).String() != "450" {
		t.Fatalf("expected balance 450 after debit, got %s", l.Balance(user).String())
	}
}

func TestRequestWithdrawalRejectsCapExceeded(t *testing.T) {
	b, l, _ := newHarness(t)
	ctx := context.Background()
	user := domain.Address{3}
	if _, err := l.Credit(ctx, user, mustAmount(t, "10000000")); err != nil {
		t.Fatalf("credit: %v", err)
	}
	sig := validSig()
	_, err := b.RequestWithdrawal(ctx, user, mustAmount(t, "2000000"), nil, "msg", sig, sig, "pub")
	if domain.KindOf(err) != domain.KindInvalidInput {
		t.Fatalf("expected invalidInput for cap exceeded, got %v", err)
	}
}

func TestBatchBuilderDrainsAndSubmits(t *testing.T) {
	b, l, _ := newHarness(t)
	ctx := context.Background()
	userA := domain.Address{4}
	userB := domain.Address{5}
	if _, err := l.Credit(ctx, userA, mustAmount(t, "100")); err != nil {
		t.Fatalf("credit a: %v", err)
	}
	if _, err := l.Credit(ctx, userB, mustAmount(t, "200")); err != nil {
		t.Fatalf("credit b: %v", err)
	}
	sig := validSig()
	if _, err := b.RequestWithdrawal(ctx, userA, mustAmount(t, "10"), nil, "m", sig, sig, "p"); err != nil {
		t.Fatalf("withdraw a: %v", err)
	}
	if _, err := b.RequestWithdrawal(ctx, userB, mustAmount(t, "20"), nil, "m", sig, sig, "p"); err != nil {
		t.Fatalf("withdraw b: %v", err)
	}

	batch, err := b.RunBatchBuilder(ctx)
	if err != nil {
		t.Fatalf("run batch builder: %v", err)
	}
	if batch == nil {
		t.Fatalf("expected a non-nil batch")
	}
	if len(batch.Withdrawals) != 2 {
		t.Fatalf("expected 2 withdrawals in batch, got %d", len(batch.Withdrawals))
	}

	// Draining again with nothing pending is a no-op.
	again, err := b.RunBatchBuilder(ctx)
	if err != nil {
		t.Fatalf("second batch run: %v", err)
	}
	if again != nil {
		t.Fatalf("expected nil batch on empty pending set, got %+v", again)
	}
}

func TestProofForPendingThenReadyThenAlreadyProcessed(t *testing.T) {
	b, l, fake := newHarness(t)
	ctx := context.Background()
	user := domain.Address{6}
	if _, err := l.Credit(ctx, user, mustAmount(t, "100")); err != nil {
		t.Fatalf("credit: %v", err)
	}
	sig := validSig()
	pw, err := b.RequestWithdrawal(ctx, user, mustAmount(t, "10"), nil, "m", sig, sig, "p")
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}

	res, err := b.ProofFor(ctx, user, pw.Amount, pw.Nonce)
	if err != nil {
		t.Fatalf("proof while pending: %v", err)
	}
	if res.Status != ProofPending {
		t.Fatalf("expected pending, got %s", res.Status)
	}

	if _, err := b.RunBatchBuilder(ctx); err != nil {
		t.Fatalf("batch: %v", err)
	}
	res, err = b.ProofFor(ctx, user, pw.Amount, pw.Nonce)
	if err != nil {
		t.Fatalf("proof after batch: %v", err)
	}
	if res.Status != ProofReady {
		t.Fatalf("expected ready, got %s", res.Status)
	}

	unknownNonce := pw.Nonce + 99
	res, err = b.ProofFor(ctx, user, pw.Amount, unknownNonce)
	if err == nil {
		t.Fatalf("expected notFound error for unknown withdrawal")
	}
	if res.Status != ProofNotFound {
		t.Fatalf("expected notFound, got %s", res.Status)
	}

	fake.MarkProcessed(user, pw.Amount, unknownNonce)
	res, err = b.ProofFor(ctx, user, pw.Amount, unknownNonce)
	if err != nil {
		t.Fatalf("proof for processed withdrawal: %v", err)
	}
	if res.Status != ProofAlreadyProcessed {
		t.Fatalf("expected alreadyProcessed, got %s", res.Status)
	}
}
