package gunstore

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"

	"github.com/scobru/shogun-relay-sub014/internal/domain"
)

// envelope is the signed-on-disk wrapper around a Record's canonical JSON
// encoding. It plays the role of a "frozen" (signed, immutable-by-
// convention) entry in the graph store.
type envelope struct {
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	Signer    string          `json:"signer"`
	Signature string          `json:"signature"`
}

// Adapter wraps a Store with the signed put/get primitives of C3. It holds
// the relay's keypair once at startup (spec.md §9: no package-level
// singleton — the keypair is a field threaded in via constructor, unlike
// the teacher's `ipfsOnce sync.Once`/`ipfsSvc` global in core/ipfs.go).
type Adapter struct {
	store  Store
	key    *ecdsa.PrivateKey
	signer domain.Address
	log    *logrus.Logger
	retry  RetryPolicy
}

// New builds an Adapter. key is the relay's signing keypair; every record
// written via PutSigned is signed with it.
func New(store Store, key *ecdsa.PrivateKey, log *logrus.Logger, retry RetryPolicy) *Adapter {
	if log == nil {
		log = logrus.StandardLogger()
	}
	addr := crypto.PubkeyToAddress(key.PublicKey)
	var da domain.Address
	copy(da[:], addr.Bytes())
	return &Adapter{store: store, key: key, signer: da, log: log, retry: retry}
}

// SignerAddress returns the address derived from the adapter's keypair.
func (a *Adapter) SignerAddress() domain.Address { return a.signer }

// canonicalize re-encodes JSON with map keys sorted recursively, so that
// signing a record's canonical form is stable regardless of struct field
// reordering in future schema revisions. Go's encoding/json already emits
// struct fields in declaration order, so this mainly guards against any
// map[string]any fields nested inside a Record.
func canonicalize(raw json.RawMessage) (json.RawMessage, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	out, err := json.Marshal(canonicalValue(v))
	if err != nil {
		return nil, err
	}
	return out, nil
}

func canonicalValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ordered := make(orderedMap, 0, len(keys))
		for _, k := range keys {
			ordered = append(ordered, kv{k, canonicalValue(t[k])})
		}
		return ordered
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = canonicalValue(e)
		}
		return out
	default:
		return t
	}
}

type kv struct {
	K string
	V any
}
type orderedMap []kv

func (m orderedMap) MarshalJSON() ([]byte, error) {
	buf := []byte{'{'}
	for i, p := range m {
		if i > 0 {
			buf = append(buf, ',')
		}
		kb, err := json.Marshal(p.K)
		if err != nil {
			return nil, err
		}
		vb, err := json.Marshal(p.V)
		if err != nil {
			return nil, err
		}
		buf = append(buf, kb...)
		buf = append(buf, ':')
		buf = append(buf, vb...)
	}
	buf = append(buf, '}')
	return buf, nil
}

// PutSigned canonicalizes rec, signs it with the relay keypair, and writes
// the resulting envelope at path. It retries up to a.retry.MaxAttempts
// times with a.retry.Backoff between attempts on acknowledgement error,
// per spec.md §4.3.
func (a *Adapter) PutSigned(ctx context.Context, path string, rec Record) error {
	if err := rec.Validate(); err != nil {
		return domain.Wrap(domain.KindInvalidInput, "invalid record", err, false)
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return domain.Wrap(domain.KindInvalidInput, "marshal record", err, false)
	}
	canon, err := canonicalize(payload)
	if err != nil {
		return domain.Wrap(domain.KindInvalidInput, "canonicalize record", err, false)
	}
	hash := crypto.Keccak256(canon)
	sig, err := crypto.Sign(hash, a.key)
	if err != nil {
		return domain.Wrap(domain.KindUpstream, "sign record", err, false)
	}
	env := envelope{
		Kind:      rec.Kind(),
		Payload:   canon,
		Signer:    a.signer.Hex(),
		Signature: fmt.Sprintf("0x%x", sig),
	}
	data, err := json.Marshal(env)
	if err != nil {
		return domain.Wrap(domain.KindInvalidInput, "marshal envelope", err, false)
	}

	var lastErr error
	attempts := a.retry.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return domain.Wrap(domain.KindCancelled, "put cancelled", ctx.Err(), false)
			case <-time.After(a.retry.Backoff):
			}
		}
		if err := a.store.Put(ctx, path, data); err != nil {
			lastErr = err
			a.log.WithError(err).WithField("path", path).Warn("gunstore: put attempt failed")
			continue
		}
		return nil
	}
	return domain.Wrap(domain.KindUpstream, "put exhausted retries", lastErr, true)
}

// GetVerified reads path, verifies the envelope's signature recovers
// expectedSigner, and unmarshals the payload into out. It returns
// domain.KindNotFound if the store observes nothing before ctx's deadline,
// and domain.KindUnauthorized if the signature does not match
// expectedSigner.
func (a *Adapter) GetVerified(ctx context.Context, path string, expectedSigner domain.Address, out Record) error {
	raw, ok, err := a.store.Get(ctx, path)
	if err != nil {
		return domain.Wrap(domain.KindUpstream, "get failed", err, true)
	}
	if !ok {
		return domain.New(domain.KindNotFound, "no record at path")
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return domain.Wrap(domain.KindUpstream, "malformed envelope", err, false)
	}
	sigBytes, err := decodeHex(env.Signature)
	if err != nil {
		return domain.Wrap(domain.KindUpstream, "malformed signature", err, false)
	}
	hash := crypto.Keccak256(env.Payload)
	pub, err := crypto.SigToPub(hash, sigBytes)
	if err != nil {
		return domain.Wrap(domain.KindUpstream, "signature recovery failed", err, false)
	}
	recovered := crypto.PubkeyToAddress(*pub)
	var ra domain.Address
	copy(ra[:], recovered.Bytes())
	if ra != expectedSigner {
		return domain.New(domain.KindUnauthorized, "signer mismatch")
	}
	if env.Kind != out.Kind() {
		return domain.Newf(domain.KindUpstream, "kind mismatch: got %s want %s", env.Kind, out.Kind())
	}
	if err := json.Unmarshal(env.Payload, out); err != nil {
		return domain.Wrap(domain.KindUpstream, "unmarshal payload", err, false)
	}
	return out.Validate()
}

func decodeHex(s string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(s, "0x"))
}

// MapOnce enumerates parentPath's children, retrying up to
// a.retry.MaxAttempts times with a.retry.Backoff between attempts while a
// pass errors or returns zero entries — the graph store may not have
// replicated them yet (spec.md §9, "initial-load race"). It returns the
// first non-empty pass. If no pass yields entries, it returns an empty
// result when every pass succeeded, and an upstream error wrapping the
// last failure when at least one pass errored.
func (a *Adapter) MapOnce(ctx context.Context, parentPath string, timeout time.Duration) ([]string, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var best []string
	var lastErr error
	attempts := a.retry.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return best, domain.Wrap(domain.KindCancelled, "mapOnce cancelled", ctx.Err(), false)
			case <-time.After(a.retry.Backoff):
			}
		}
		keys, err := a.store.Children(callCtx, parentPath)
		if err != nil {
			lastErr = err
			a.log.WithError(err).WithField("path", parentPath).Warn("gunstore: children enumeration failed")
			continue
		}
		if len(keys) > 0 {
			return keys, nil
		}
		best = keys
	}
	if lastErr != nil && len(best) == 0 {
		return nil, domain.Wrap(domain.KindUpstream, "mapOnce exhausted retries", lastErr, true)
	}
	return best, nil
}
