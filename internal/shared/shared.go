// Package shared implements the shared-link download service (C8):
// token-gated, optionally password-protected, download-counted links to
// files resolved through a chain of fallback resolvers, durably persisted
// via the signed graph-store adapter.
package shared

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/pbkdf2"

	"github.com/scobru/shogun-relay-sub014/internal/domain"
	"github.com/scobru/shogun-relay-sub014/internal/gunstore"
	"github.com/scobru/shogun-relay-sub014/internal/lockmgr"
)

// fixedSalt is deliberately constant rather than per-record random, so
// that equal passwords hash to equal values (an explicit Open Question
// decision, not an oversight — see DESIGN.md). This means two links with
// the same password can be recognized as sharing it by an attacker who can
// see both password hashes; it is not suitable for a system that must resist
// rainbow-table-style correlation across links.
var fixedSalt = []byte("shogun-relay-sub014-shared-link-salt-v1")

func hashPassword(password string) string {
	sum := pbkdf2.Key([]byte(password), fixedSalt, 100_000, 32, sha256.New)
	return hex.EncodeToString(sum)
}

// FileLocation is what a resolver finds for a file id: a local disk path,
// an IPFS CID, or both.
type FileLocation struct {
	LocalPath string
	CID       string
}

// Resolver looks up one source of file locations. Chain multiple
// Resolvers with CompositeResolver to implement the file-manager ->
// ipfs-files-index -> filesystem fallback spec.md §4.8 describes.
type Resolver interface {
	Resolve(ctx context.Context, fileID string) (FileLocation, bool, error)
}

// ResolverFunc adapts a function to a Resolver.
type ResolverFunc func(ctx context.Context, fileID string) (FileLocation, bool, error)

func (f ResolverFunc) Resolve(ctx context.Context, fileID string) (FileLocation, bool, error) {
	return f(ctx, fileID)
}

// CompositeResolver tries each Resolver in order, returning the first hit.
type CompositeResolver struct {
	Resolvers []Resolver
}

func (c CompositeResolver) Resolve(ctx context.Context, fileID string) (FileLocation, bool, error) {
	for _, r := range c.Resolvers {
		loc, ok, err := r.Resolve(ctx, fileID)
		if err != nil {
			return FileLocation{}, false, err
		}
		if ok {
			return loc, true, nil
		}
	}
	return FileLocation{}, false, nil
}

// FilesystemResolver is the last-resort fallback: treats fileID as a path
// relative to Root and checks it exists on disk.
type FilesystemResolver struct {
	Root string
}

func (f FilesystemResolver) Resolve(_ context.Context, fileID string) (FileLocation, bool, error) {
	path := f.Root + "/" + fileID
	if _, err := os.Stat(path); err != nil {
		return FileLocation{}, false, nil
	}
	return FileLocation{LocalPath: path}, true, nil
}

// Link is the persisted record for one shared link.
type Link struct {
	Token          string         `json:"token"`
	FileID         string         `json:"fileId"`
	PasswordHash   string         `json:"passwordHash,omitempty"`
	ExpiresAt      time.Time      `json:"expiresAt,omitempty"`
	MaxDownloads   int            `json:"maxDownloads,omitempty"`
	DownloadCount  int            `json:"downloadCount"`
	Exhausted      bool           `json:"exhausted"`
	CreatorAddress domain.Address `json:"creatorAddress"`
	Description    string         `json:"description,omitempty"`
	CID            string         `json:"cid,omitempty"`
	LocalPath      string         `json:"localPath,omitempty"`
	Deleted        bool           `json:"deleted,omitempty"`
}

func (Link) Kind() string    { return "sharedLink" }
func (Link) Validate() error { return nil }

func linkPath(token string) string { return "shared/links/" + token }

// PublicInfo is what info(token) returns: no passwordHash, no fileId.
type PublicInfo struct {
	Token         string    `json:"token"`
	Description   string    `json:"description,omitempty"`
	ExpiresAt     time.Time `json:"expiresAt,omitempty"`
	MaxDownloads  int       `json:"maxDownloads,omitempty"`
	DownloadCount int       `json:"downloadCount"`
	Exhausted     bool      `json:"exhausted"`
	HasPassword   bool      `json:"hasPassword"`
}

// AccessResult tells the caller how to serve content for a successful
// access() call.
type AccessResult struct {
	LocalPath   string
	RedirectURL string
}

// Config bounds the service's operational parameters.
type Config struct {
	CleanupInterval time.Duration
	GatewayBaseURL  string
}

// DefaultConfig matches spec.md's stated default cleanup cadence.
func DefaultConfig(gateway string) Config {
	return Config{CleanupInterval: 5 * time.Minute, GatewayBaseURL: gateway}
}

// DealLookup resolves a link's backing CID to whether its deal is still
// servable (not Terminated), per spec.md §4.7's "future reads must refuse
// to serve content through a shared link anchored to this deal."
type DealLookup interface {
	IsServable(ctx context.Context, cid string) (bool, error)
}

type alwaysServable struct{}

func (alwaysServable) IsServable(context.Context, string) (bool, error) { return true, nil }

// Service is the C8 shared-link service.
type Service struct {
	store    *gunstore.Adapter
	locks    *lockmgr.Manager
	resolver Resolver
	deals    DealLookup
	cfg      Config
	log      *logrus.Logger

	mu    sync.Mutex
	links map[string]Link
}

// New builds a shared-link Service.
func New(store *gunstore.Adapter, locks *lockmgr.Manager, resolver Resolver, deals DealLookup, cfg Config, log *logrus.Logger) *Service {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if deals == nil {
		deals = alwaysServable{}
	}
	return &Service{store: store, locks: locks, resolver: resolver, deals: deals, cfg: cfg, log: log, links: make(map[string]Link)}
}

func newToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// Create resolves fileId, generates a token, optionally hashes a
// password, and durably persists the new link.
func (s *Service) Create(ctx context.Context, fileID, password string, expiresInSec int64, maxDownloads int, description string) (Link, error) {
	loc, found, err := s.resolver.Resolve(ctx, fileID)
	if err != nil {
		return Link{}, domain.Wrap(domain.KindUpstream, "resolve file", err, true)
	}
	if !found {
		return Link{}, domain.New(domain.KindNotFound, "file not found by any resolver")
	}

	token, err := newToken()
	if err != nil {
		return Link{}, domain.Wrap(domain.KindUpstream, "generate token", err, false)
	}

	link := Link{
		Token: token, FileID: fileID, MaxDownloads: maxDownloads,
		Description: description, CID: loc.CID, LocalPath: loc.LocalPath,
	}
	if password != "" {
		link.PasswordHash = hashPassword(password)
	}
	if expiresInSec > 0 {
		link.ExpiresAt = time.Now().Add(time.Duration(expiresInSec) * time.Second)
	}

	if err := s.store.PutSigned(ctx, linkPath(token), link); err != nil {
		return Link{}, domain.Wrap(domain.KindUpstream, "persist shared link", err, true)
	}
	s.mu.Lock()
	s.links[token] = link
	s.mu.Unlock()
	return link, nil
}

func (s *Service) load(ctx context.Context, token string) (Link, error) {
	s.mu.Lock()
	link, ok := s.links[token]
	s.mu.Unlock()
	if ok {
		return link, nil
	}
	var l Link
	if err := s.store.GetVerified(ctx, linkPath(token), s.store.SignerAddress(), &l); err != nil {
		return Link{}, err
	}
	return l, nil
}

func (s *Service) persistAsync(link Link) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), gunstore.DefaultPutTimeout)
		defer cancel()
		if err := s.store.PutSigned(ctx, linkPath(link.Token), link); err != nil {
			s.log.WithError(err).WithField("token", link.Token).Warn("shared: failed to persist download counter")
		}
	}()
}

// Access validates a download attempt under a per-token lock and reports
// how the caller should serve content.
func (s *Service) Access(ctx context.Context, token, password string) (AccessResult, error) {
	return lockmgr.WithLockResult(ctx, s.locks, "shared:"+token, func() (AccessResult, error) {
		link, err := s.load(ctx, token)
		if err != nil {
			if domain.KindOf(err) == domain.KindNotFound {
				return AccessResult{}, domain.New(domain.KindNotFound, "unknown link")
			}
			return AccessResult{}, err
		}
		if link.Deleted {
			return AccessResult{}, domain.New(domain.KindNotFound, "unknown link")
		}
		if !link.ExpiresAt.IsZero() && time.Now().After(link.ExpiresAt) {
			return AccessResult{}, domain.New(domain.KindExpired, "link has expired")
		}
		if link.Exhausted {
			return AccessResult{}, domain.New(domain.KindExpired, "link has reached its download limit")
		}
		if link.PasswordHash != "" {
			if password == "" || hashPassword(password) != link.PasswordHash {
				return AccessResult{}, domain.New(domain.KindUnauthorized, "password required or incorrect")
			}
		}
		if link.CID != "" {
			servable, err := s.deals.IsServable(ctx, link.CID)
			if err == nil && !servable {
				return AccessResult{}, domain.New(domain.KindConflict, "backing deal has been terminated")
			}
		}

		link.DownloadCount++
		if link.MaxDownloads > 0 && link.DownloadCount >= link.MaxDownloads {
			link.Exhausted = true
		}
		s.mu.Lock()
		s.links[token] = link
		s.mu.Unlock()
		s.persistAsync(link)

		if link.LocalPath != "" {
			return AccessResult{LocalPath: link.LocalPath}, nil
		}
		if link.CID != "" && s.cfg.GatewayBaseURL != "" {
			return AccessResult{RedirectURL: fmt.Sprintf("%s/ipfs/%s", s.cfg.GatewayBaseURL, link.CID)}, nil
		}
		return AccessResult{}, domain.New(domain.KindNotFound, "link has no servable content")
	})
}

// Info returns only non-sensitive fields.
func (s *Service) Info(ctx context.Context, token string) (PublicInfo, error) {
	link, err := s.load(ctx, token)
	if err != nil {
		return PublicInfo{}, err
	}
	if link.Deleted {
		return PublicInfo{}, domain.New(domain.KindNotFound, "unknown link")
	}
	return PublicInfo{
		Token: link.Token, Description: link.Description, ExpiresAt: link.ExpiresAt,
		MaxDownloads: link.MaxDownloads, DownloadCount: link.DownloadCount,
		Exhausted: link.Exhausted, HasPassword: link.PasswordHash != "",
	}, nil
}

// Revoke removes a link, checked against the requesting address (the
// creator) or an anonymous admin bypass.
func (s *Service) Revoke(ctx context.Context, token string, requester domain.Address, isAdmin bool) error {
	return s.locks.WithLock(ctx, "shared:"+token, func() error {
		link, err := s.load(ctx, token)
		if err != nil {
			return err
		}
		if !isAdmin && link.CreatorAddress != requester {
			return domain.New(domain.KindUnauthorized, "only the link creator or an admin may revoke this link")
		}
		link.Deleted = true
		if err := s.store.PutSigned(ctx, linkPath(token), link); err != nil {
			return domain.Wrap(domain.KindUpstream, "persist revocation", err, true)
		}
		s.mu.Lock()
		delete(s.links, token)
		s.mu.Unlock()
		return nil
	})
}

// Cleanup deletes expired (but not exhausted) links from memory and the
// persistent store, and returns how many were removed.
func (s *Service) Cleanup(ctx context.Context) (int, error) {
	s.mu.Lock()
	candidates := make([]Link, 0, len(s.links))
	for _, l := range s.links {
		candidates = append(candidates, l)
	}
	s.mu.Unlock()

	removed := 0
	for _, link := range candidates {
		if link.Exhausted || link.Deleted {
			continue
		}
		if link.ExpiresAt.IsZero() || !time.Now().After(link.ExpiresAt) {
			continue
		}
		link.Deleted = true
		if err := s.store.PutSigned(ctx, linkPath(link.Token), link); err != nil {
			s.log.WithError(err).WithField("token", link.Token).Warn("shared: cleanup failed to persist tombstone")
			continue
		}
		s.mu.Lock()
		delete(s.links, link.Token)
		s.mu.Unlock()
		removed++
	}
	return removed, nil
}
