// Package ipfsgw is an IPFS HTTP gateway client with an on-disk LRU cache,
// adapted from the teacher's core/storage.go diskLRU/Storage.Pin/Retrieve
// machinery. Unlike the teacher's version it is not a process-wide
// singleton (no InitIPFS/IPFS()/sync.Once) and every call takes a
// context.Context, so the deal engine (C7) can bound each pin/retrieve
// by its own per-call timeout (spec.md §5); the client-wide
// Config.HTTPTimeout (30s when unset) also caps every request.
package ipfsgw

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	cid "github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
	"github.com/sirupsen/logrus"

	"github.com/scobru/shogun-relay-sub014/internal/domain"
)

// Config configures a Client.
type Config struct {
	Gateway         string
	CacheDir        string
	CacheMaxEntries int
	HTTPTimeout     time.Duration
}

const defaultCacheEntries = 10_000

type cacheEntry struct {
	path string
	size int64
	at   time.Time
}

// diskLRU is an on-disk cache keyed by CID, bounded by entry count
// (Config.CacheMaxEntries); when full, put evicts the entry least recently
// inserted or read by get.
type diskLRU struct {
	mu    sync.Mutex
	dir   string
	max   int
	index map[string]*cacheEntry
	order []*cacheEntry
}

func newDiskLRU(dir string, maxEntries int) (*diskLRU, error) {
	if maxEntries <= 0 {
		maxEntries = defaultCacheEntries
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &diskLRU{dir: dir, max: maxEntries, index: make(map[string]*cacheEntry)}, nil
}

func (l *diskLRU) put(c string, data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ent, ok := l.index[c]; ok {
		ent.at = time.Now()
		return nil
	}
	if len(l.index) >= l.max && len(l.order) > 0 {
		oldest := l.order[0]
		_ = os.Remove(oldest.path)
		delete(l.index, filepath.Base(oldest.path))
		l.order = l.order[1:]
	}
	p := filepath.Join(l.dir, c)
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return err
	}
	ent := &cacheEntry{path: p, size: int64(len(data)), at: time.Now()}
	l.index[c] = ent
	l.order = append(l.order, ent)
	return nil
}

func (l *diskLRU) get(c string) ([]byte, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ent, ok := l.index[c]
	if !ok {
		return nil, false
	}
	ent.at = time.Now()
	for i, e := range l.order {
		if e == ent {
			l.order = append(append(l.order[:i:i], l.order[i+1:]...), ent)
			break
		}
	}
	b, err := os.ReadFile(ent.path)
	if err != nil {
		return nil, false
	}
	return b, true
}

// Client is a gateway+cache IPFS client instance.
type Client struct {
	cfg    Config
	cache  *diskLRU
	client *http.Client
	log    *logrus.Logger
}

// New builds a Client bound to one gateway and cache directory.
func New(cfg Config, log *logrus.Logger) (*Client, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	cache, err := newDiskLRU(cfg.CacheDir, cfg.CacheMaxEntries)
	if err != nil {
		return nil, domain.Wrap(domain.KindUpstream, "init ipfs cache", err, false)
	}
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{cfg: cfg, cache: cache, client: &http.Client{Timeout: timeout}, log: log}, nil
}

func computeCID(data []byte) (string, error) {
	sum, err := mh.Sum(data, mh.SHA2_256, -1)
	if err != nil {
		return "", err
	}
	return cid.NewCidV1(cid.Raw, sum).String(), nil
}

// Pin uploads data to the gateway (pin=true) and returns its CID. If the
// locally computed CID is already cached, the upload is skipped entirely.
func (c *Client) Pin(ctx context.Context, data []byte) (string, error) {
	cidStr, err := computeCID(data)
	if err != nil {
		return "", domain.Wrap(domain.KindInvalidInput, "compute cid", err, false)
	}
	if _, ok := c.cache.get(cidStr); ok {
		return cidStr, nil
	}

	url := c.cfg.Gateway + "/api/v0/add?pin=true"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return "", domain.Wrap(domain.KindUpstream, "build pin request", err, false)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", domain.Wrap(domain.KindUpstream, "gateway pin request", err, true)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return "", domain.Newf(domain.KindUpstream, "gateway pin %d: %s", resp.StatusCode, string(b))
	}

	var meta struct {
		Hash string `json:"Hash"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return "", domain.Wrap(domain.KindUpstream, "decode pin response", err, false)
	}
	if meta.Hash != cidStr {
		return "", domain.New(domain.KindUpstream, "cid mismatch between local computation and gateway")
	}
	_ = c.cache.put(cidStr, data)
	c.log.WithField("cid", cidStr).Debug("ipfsgw: pinned")
	return cidStr, nil
}

// Retrieve fetches data for a CID, preferring the local cache.
func (c *Client) Retrieve(ctx context.Context, cidStr string) ([]byte, error) {
	if b, ok := c.cache.get(cidStr); ok {
		return b, nil
	}
	url := c.cfg.Gateway + "/ipfs/" + cidStr
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, domain.Wrap(domain.KindUpstream, "build retrieve request", err, false)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, domain.Wrap(domain.KindUpstream, "gateway retrieve request", err, true)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 128))
		return nil, domain.Newf(domain.KindUpstream, "gateway fetch %d: %s", resp.StatusCode, string(b))
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.Wrap(domain.KindUpstream, "read retrieve body", err, false)
	}
	_ = c.cache.put(cidStr, data)
	return data, nil
}

// Sample reads up to n bytes of a CID's content (used by the storage proof
// challenge, spec.md §4.7).
func (c *Client) Sample(ctx context.Context, cidStr string, n int) ([]byte, error) {
	data, err := c.Retrieve(ctx, cidStr)
	if err != nil {
		return nil, err
	}
	if len(data) > n {
		return data[:n], nil
	}
	return data, nil
}

// BlockStat reports whether the gateway has the block for cidStr.
func (c *Client) BlockStat(ctx context.Context, cidStr string) (bool, error) {
	url := fmt.Sprintf("%s/api/v0/block/stat?arg=%s", c.cfg.Gateway, cidStr)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return false, domain.Wrap(domain.KindUpstream, "build block/stat request", err, false)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false, domain.Wrap(domain.KindUpstream, "block/stat request", err, true)
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK, nil
}

// PinCID pins an already-known CID directly (no re-upload), for content a
// deal references but whose bytes this client never uploaded itself.
func (c *Client) PinCID(ctx context.Context, cidStr string) error {
	url := fmt.Sprintf("%s/api/v0/pin/add?arg=%s", c.cfg.Gateway, cidStr)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return domain.Wrap(domain.KindUpstream, "build pin/add request", err, false)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return domain.Wrap(domain.KindUpstream, "pin/add request", err, true)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return domain.Newf(domain.KindUpstream, "gateway pin/add %d: %s", resp.StatusCode, string(b))
	}
	return nil
}

// PinLs reports whether the gateway currently lists cidStr as pinned.
func (c *Client) PinLs(ctx context.Context, cidStr string) (bool, error) {
	url := fmt.Sprintf("%s/api/v0/pin/ls?arg=%s", c.cfg.Gateway, cidStr)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return false, domain.Wrap(domain.KindUpstream, "build pin/ls request", err, false)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false, domain.Wrap(domain.KindUpstream, "pin/ls request", err, true)
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK, nil
}
