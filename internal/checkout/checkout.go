// Package checkout fetches and verifies full repository snapshots from an
// account's hosting server.
package checkout

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/and161185/skyindex/internal/errs"
	"github.com/and161185/skyindex/internal/identity"
	"github.com/and161185/skyindex/internal/model"
)

// Entry is one record of a checkout.
type Entry struct {
	URI    string          `json:"uri"`
	CID    string          `json:"cid"`
	Record json.RawMessage `json:"record"`
}

// Checkout is a verified snapshot of every current record of one repository.
type Checkout struct {
	DID     string
	Commit  string
	Rev     string
	Records map[string]Entry // by uri
}

// CIDs returns the uri -> cid map of the snapshot.
func (c *Checkout) CIDs() map[string]string {
	out := make(map[string]string, len(c.Records))
	for uri, e := range c.Records {
		out[uri] = e.CID
	}
	return out
}

// claims is the signed checkout payload. The issuer is the repository DID.
type claims struct {
	Commit  string  `json:"commit"`
	Rev     string  `json:"rev"`
	Records []Entry `json:"records"`
	jwt.RegisteredClaims
}

// Sign produces a compact ES256 checkout token, as served by a hosting server.
func Sign(key *ecdsa.PrivateKey, did, commit, rev string, records []Entry) (string, error) {
	c := claims{
		Commit:  commit,
		Rev:     rev,
		Records: records,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   did,
			IssuedAt: jwt.NewNumericDate(time.Now()),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodES256, c).SignedString(key)
}

// Verify checks the token signature against key and every record cid against its content.
func Verify(token, did string, key *ecdsa.PublicKey) (*Checkout, error) {
	var c claims
	_, err := jwt.ParseWithClaims(token, &c,
		func(*jwt.Token) (any, error) { return key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}),
		jwt.WithIssuer(did),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrBadCheckout, err)
	}

	out := &Checkout{DID: did, Commit: c.Commit, Rev: c.Rev, Records: make(map[string]Entry, len(c.Records))}
	for _, e := range c.Records {
		if model.DIDFromURI(e.URI) != did {
			return nil, fmt.Errorf("%w: foreign record %s", errs.ErrBadCheckout, e.URI)
		}
		var buf bytes.Buffer
		if err := json.Compact(&buf, e.Record); err != nil {
			return nil, fmt.Errorf("%w: record %s: %v", errs.ErrBadCheckout, e.URI, err)
		}
		if got := model.ComputeCID(buf.Bytes()); got != e.CID {
			return nil, fmt.Errorf("%w: cid mismatch for %s", errs.ErrBadCheckout, e.URI)
		}
		out.Records[e.URI] = e
	}
	return out, nil
}

// HostingStatus is the upstream view of whether a repository still exists.
type HostingStatus int

const (
	HostingUnknown HostingStatus = iota
	HostingActive
	HostingGone
)

// DIDResolver resolves DID documents.
type DIDResolver interface {
	ResolveDID(ctx context.Context, did string, force bool) (*identity.Document, error)
}

// Options configures a Fetcher.
type Options struct {
	HTTPClient *http.Client
	MaxRetries uint64
	RetryBase  time.Duration
}

// Fetcher downloads checkouts from the server named in the account's DID document.
type Fetcher struct {
	resolver DIDResolver
	http     *http.Client
	opts     Options
	log      *zap.Logger
}

// NewFetcher constructs a Fetcher.
func NewFetcher(resolver DIDResolver, opts Options, log *zap.Logger) *Fetcher {
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 500 * time.Millisecond
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: time.Minute}
	}
	return &Fetcher{resolver: resolver, http: client, opts: opts, log: log}
}

func (f *Fetcher) backoff() retry.Backoff {
	return retry.WithMaxRetries(f.opts.MaxRetries, retry.NewExponential(f.opts.RetryBase))
}

// Fetch downloads and verifies the repository of did.
func (f *Fetcher) Fetch(ctx context.Context, did string) (*Checkout, error) {
	doc, err := f.resolver.ResolveDID(ctx, did, true)
	if err != nil {
		return nil, err
	}
	pds := doc.PDSEndpoint()
	if pds == "" {
		return nil, fmt.Errorf("%s: no hosting server", did)
	}
	key, err := doc.SigningKey()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrBadCheckout, err)
	}

	var token []byte
	err = retry.Do(ctx, f.backoff(), func(ctx context.Context) error {
		token, err = f.xrpc(ctx, pds, "com.atproto.sync.getCheckout", did)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("fetch checkout %s: %w", did, err)
	}
	return Verify(string(bytes.TrimSpace(token)), did, key)
}

// IsHosted asks the hosting server whether did still has a repository.
// Transient failures yield HostingUnknown. Only the PLC directory is
// authoritative about a missing document; a did:web 404 may be a hosting fault.
func (f *Fetcher) IsHosted(ctx context.Context, did string) (HostingStatus, error) {
	doc, err := f.resolver.ResolveDID(ctx, did, true)
	if errors.Is(err, errs.ErrNotFound) {
		if strings.HasPrefix(did, "did:plc:") {
			return HostingGone, nil
		}
		f.log.Warn("did document not found", zap.String("did", did), zap.Error(err))
		return HostingUnknown, nil
	}
	if err != nil {
		return HostingUnknown, err
	}
	pds := doc.PDSEndpoint()
	if pds == "" {
		return HostingGone, nil
	}

	err = retry.Do(ctx, f.backoff(), func(ctx context.Context) error {
		_, err := f.xrpc(ctx, pds, "com.atproto.sync.getLatestCommit", did)
		return err
	})
	switch {
	case err == nil:
		return HostingActive, nil
	case errors.Is(err, errs.ErrRepoNotFound):
		return HostingGone, nil
	default:
		f.log.Warn("hosting check failed", zap.String("did", did), zap.Error(err))
		return HostingUnknown, nil
	}
}

type xrpcError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (f *Fetcher) xrpc(ctx context.Context, base, method, did string) ([]byte, error) {
	u := base + "/xrpc/" + method + "?did=" + url.QueryEscape(did)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.http.Do(req)
	if err != nil {
		return nil, retry.RetryableError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 256<<20))
	if err != nil {
		return nil, retry.RetryableError(err)
	}
	if resp.StatusCode == http.StatusOK {
		return body, nil
	}

	var xe xrpcError
	_ = json.Unmarshal(body, &xe)
	switch {
	case xe.Error == "RepoNotFound":
		return nil, errs.ErrRepoNotFound
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, retry.RetryableError(fmt.Errorf("%s: status %d", method, resp.StatusCode))
	}
	return nil, fmt.Errorf("%s: status %d: %s", method, resp.StatusCode, xe.Message)
}
