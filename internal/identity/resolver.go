package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/and161185/skyindex/internal/errs"
)

const (
	defaultPLCURL   = "https://plc.directory"
	defaultTimeout  = 5 * time.Second
	defaultCacheTTL = time.Hour
)

// Options configures a Resolver. Zero values select defaults.
type Options struct {
	PLCURL     string
	HTTPClient *http.Client
	CacheTTL   time.Duration
	MaxRetries uint64
	RetryBase  time.Duration
	// LookupTXT defaults to net.DefaultResolver.LookupTXT.
	LookupTXT func(ctx context.Context, name string) ([]string, error)
	// WellKnownURL builds the handle fallback URL; defaults to https://<handle>/.well-known/atproto-did.
	WellKnownURL func(handle string) string
	// WebDIDURL builds the document URL for did:web hosts; defaults to https://<host>/.well-known/did.json.
	WebDIDURL func(host string) string
}

// Resolver resolves identities with bounded retries and an in-process document cache.
type Resolver struct {
	opts  Options
	http  *http.Client
	cache *cache.Cache
	log   *zap.Logger
}

// NewResolver constructs a Resolver.
func NewResolver(opts Options, log *zap.Logger) *Resolver {
	if opts.PLCURL == "" {
		opts.PLCURL = defaultPLCURL
	}
	opts.PLCURL = strings.TrimRight(opts.PLCURL, "/")
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = defaultCacheTTL
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 200 * time.Millisecond
	}
	if opts.LookupTXT == nil {
		opts.LookupTXT = net.DefaultResolver.LookupTXT
	}
	if opts.WellKnownURL == nil {
		opts.WellKnownURL = func(h string) string { return "https://" + h + "/.well-known/atproto-did" }
	}
	if opts.WebDIDURL == nil {
		opts.WebDIDURL = func(host string) string { return "https://" + host + "/.well-known/did.json" }
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	return &Resolver{
		opts:  opts,
		http:  client,
		cache: cache.New(opts.CacheTTL, 2*opts.CacheTTL),
		log:   log,
	}
}

func (r *Resolver) backoff() retry.Backoff {
	return retry.WithMaxRetries(r.opts.MaxRetries, retry.NewExponential(r.opts.RetryBase))
}

// ResolveDID returns the document for did. force bypasses the cache.
// Unknown or tombstoned DIDs yield errs.ErrNotFound.
func (r *Resolver) ResolveDID(ctx context.Context, did string, force bool) (*Document, error) {
	key := "did:" + did
	if !force {
		if v, ok := r.cache.Get(key); ok {
			return v.(*Document), nil
		}
	}

	var url string
	switch {
	case strings.HasPrefix(did, "did:plc:"):
		url = r.opts.PLCURL + "/" + did
	case strings.HasPrefix(did, "did:web:"):
		url = r.opts.WebDIDURL(strings.TrimPrefix(did, "did:web:"))
	default:
		return nil, fmt.Errorf("unsupported did method: %s", did)
	}

	var doc Document
	err := retry.Do(ctx, r.backoff(), func(ctx context.Context) error {
		body, err := r.get(ctx, url)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(body, &doc); err != nil {
			return fmt.Errorf("decode did document: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", did, err)
	}
	if doc.ID != did {
		return nil, fmt.Errorf("resolve %s: document id mismatch %q", did, doc.ID)
	}

	r.cache.Set(key, &doc, cache.DefaultExpiration)
	return &doc, nil
}

// ResolveHandle returns the DID a handle points at, or "" when it points nowhere.
// DNS is consulted first, then the well-known HTTPS document.
func (r *Resolver) ResolveHandle(ctx context.Context, handle string) (string, error) {
	handle = strings.ToLower(handle)
	if did := r.resolveDNS(ctx, handle); did != "" {
		return did, nil
	}

	var did string
	err := retry.Do(ctx, r.backoff(), func(ctx context.Context) error {
		body, err := r.get(ctx, r.opts.WellKnownURL(handle))
		if err != nil {
			return err
		}
		did = strings.TrimSpace(string(body))
		return nil
	})
	if err != nil {
		r.log.Debug("handle resolution failed", zap.String("handle", handle), zap.Error(err))
		return "", nil
	}
	if !strings.HasPrefix(did, "did:") {
		return "", nil
	}
	return did, nil
}

func (r *Resolver) resolveDNS(ctx context.Context, handle string) string {
	records, err := r.opts.LookupTXT(ctx, "_atproto."+handle)
	if err != nil {
		return ""
	}
	var found string
	for _, rec := range records {
		if did, ok := strings.CutPrefix(rec, "did="); ok {
			if found != "" && found != did {
				// conflicting records resolve to nothing
				return ""
			}
			found = did
		}
	}
	return found
}

// get fetches url; 5xx and transport errors are retryable, 404 maps to errs.ErrNotFound.
func (r *Resolver) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return nil, retry.RetryableError(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, errs.ErrNotFound
	case resp.StatusCode >= 500:
		return nil, retry.RetryableError(fmt.Errorf("unexpected status code: %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, retry.RetryableError(err)
	}
	return body, nil
}
