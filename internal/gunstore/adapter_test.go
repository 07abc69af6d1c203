package gunstore

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"

	"github.com/scobru/shogun-relay-sub014/internal/domain"
)

type testRecord struct {
	Value int `json:"value"`
}

func (testRecord) Kind() string   { return "test" }
func (r testRecord) Validate() error {
	if r.Value < 0 {
		return domain.New(domain.KindInvalidInput, "negative value")
	}
	return nil
}

func newTestAdapter(t *testing.T) (*Adapter, Store) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	store := NewMemStore()
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return New(store, key, logger, RetryPolicy{MaxAttempts: 2, Backoff: time.Millisecond}), store
}

func TestPutSignedGetVerifiedRoundTrip(t *testing.T) {
	a, _ := newTestAdapter(t)
	ctx := context.Background()

	if err := a.PutSigned(ctx, "things/1", testRecord{Value: 7}); err != nil {
		t.Fatalf("put: %v", err)
	}
	var out testRecord
	if err := a.GetVerified(ctx, "things/1", a.SignerAddress(), &out); err != nil {
		t.Fatalf("get: %v", err)
	}
	if out.Value != 7 {
		t.Fatalf("expected 7, got %d", out.Value)
	}
}

func TestGetVerifiedRejectsWrongSigner(t *testing.T) {
	a, store := newTestAdapter(t)
	ctx := context.Background()
	if err := a.PutSigned(ctx, "things/1", testRecord{Value: 7}); err != nil {
		t.Fatalf("put: %v", err)
	}
	otherKey, _ := crypto.GenerateKey()
	other := New(store, otherKey, nil, DefaultRetryPolicy)
	wrongAddr := other.SignerAddress()

	var out testRecord
	err := a.GetVerified(ctx, "things/1", wrongAddr, &out)
	if domain.KindOf(err) != domain.KindUnauthorized {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestGetVerifiedNotFound(t *testing.T) {
	a, _ := newTestAdapter(t)
	var out testRecord
	err := a.GetVerified(context.Background(), "missing", a.SignerAddress(), &out)
	if domain.KindOf(err) != domain.KindNotFound {
		t.Fatalf("expected notFound, got %v", err)
	}
}

func TestPutSignedRejectsInvalidRecord(t *testing.T) {
	a, _ := newTestAdapter(t)
	err := a.PutSigned(context.Background(), "x", testRecord{Value: -1})
	if domain.KindOf(err) != domain.KindInvalidInput {
		t.Fatalf("expected invalidInput, got %v", err)
	}
}

func TestMapOnceRetriesOnEmptyFirstPass(t *testing.T) {
	store := NewMemStore()
	_ = store.Put(context.Background(), "parent/a", []byte("1"))
	_ = store.Put(context.Background(), "parent/b", []byte("2"))
	flaky := NewFlakyStore(store, 2) // first two Children() calls report empty

	key, _ := crypto.GenerateKey()
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	a := New(flaky, key, logger, RetryPolicy{MaxAttempts: 3, Backoff: time.Millisecond})

	keys, err := a.MapOnce(context.Background(), "parent", time.Second)
	if err != nil {
		t.Fatalf("mapOnce: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys after retries, got %v", keys)
	}
}

func TestMapOnceGivesUpAfterMaxAttempts(t *testing.T) {
	store := NewMemStore()
	_ = store.Put(context.Background(), "parent/a", []byte("1"))
	flaky := NewFlakyStore(store, 10) // always empty within the retry budget

	key, _ := crypto.GenerateKey()
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	a := New(flaky, key, logger, RetryPolicy{MaxAttempts: 3, Backoff: time.Millisecond})

	keys, err := a.MapOnce(context.Background(), "parent", time.Second)
	if err != nil {
		t.Fatalf("mapOnce should tolerate empty passes without erroring: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("expected empty result, got %v", keys)
	}
}
