// Package gunstore adapts the abstract, eventually-consistent graph store
// ("Gun", per spec.md §1/§9) into a typed, signed record interface (C3).
// The Gun wire protocol itself is an external collaborator — Store is the
// narrow interface core components actually need, modeled the same way the
// teacher wraps the IPFS gateway's HTTP API in core/ipfs.go (a small client
// struct over a collaborator process) and persists an append-only log in
// core/ledger.go (open-append, bufio.Scanner replay on startup).
package gunstore

import (
	"context"
	"time"
)

// Store is the minimal primitive set the signed-store adapter needs from
// the graph database: put-with-ack, read, and child enumeration. A
// production implementation speaks Gun's wire protocol (SEA signatures,
// gossip radix merge); this interface only fixes the contract the core
// depends on, per the Non-goals in spec.md §1.
type Store interface {
	// Put writes data at path, returning nil only once an acknowledgement
	// is observed (or an error otherwise). Implementations must respect
	// ctx's deadline/cancellation.
	Put(ctx context.Context, path string, data []byte) error

	// Get reads the raw bytes written at path. ok is false if nothing was
	// observed before ctx's deadline (this is "notFound", not an error).
	Get(ctx context.Context, path string) (data []byte, ok bool, err error)

	// Children enumerates keys observed directly under parentPath at the
	// time of the call. Because the store is eventually consistent, a
	// single call may under-report if replication is still catching up —
	// see MapOnce, which retries to compensate (spec.md §9, "initial-load
	// race").
	Children(ctx context.Context, parentPath string) ([]string, error)
}

// Record is implemented by every persisted record kind (balance, processed
// deposit, pending withdrawal, batch, balance audit, deal, shared link —
// spec.md §9 design note on replacing Gun's dynamic JSON shape with tagged
// variants).
type Record interface {
	// Kind identifies the record's schema for the read-side validation
	// step; it is embedded in the signed envelope so getVerified can
	// reject payloads that don't match what the caller expected.
	Kind() string
	// Validate reports whether the record's fields are internally
	// consistent (required fields set, non-negative amounts, etc.).
	Validate() error
}

// RetryPolicy bounds how many times PutSigned/MapOnce retry a failed
// attempt and how long they wait between attempts. Defaults match spec.md
// §5's timeouts (graph put 10s) and §9's "initial load retries 3x /2s
// backoff" note.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

// DefaultRetryPolicy is used when an Adapter is built via New without an
// explicit override.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 3, Backoff: 2 * time.Second}

// DefaultPutTimeout and DefaultGetTimeout match spec.md §5's bounded
// timeouts for graph put/read respectively; callers may pass a shorter
// deadline via ctx.
const (
	DefaultPutTimeout = 10 * time.Second
	DefaultGetTimeout = 5 * time.Second
)
