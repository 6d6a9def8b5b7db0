// ABOUTME: Shared invocation transport used by every loaded capability
// ABOUTME: Sends requests, answers 402 challenges through a Payer, and caches paid credentials

package l402

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/2389/ant-gateway/internal/hostpolicy"
	"github.com/2389/ant-gateway/internal/store"
)

// Transport errors.
var (
	ErrHostNotAllowed  = errors.New("host not allowed")
	ErrPaymentRequired = errors.New("payment required")
	ErrPaymentFailed   = errors.New("payment failed")
	ErrRequestFailed   = errors.New("request failed")
)

// DefaultMaxResponseBytes bounds how much of a response body is returned to a capability.
const DefaultMaxResponseBytes = 4 << 20

// Payer pays a BOLT11 invoice and returns the hex payment preimage.
type Payer interface {
	Pay(ctx context.Context, invoice string) (preimage string, err error)
}

// CredentialStore persists paid credentials. store.SQLiteStore satisfies it.
type CredentialStore interface {
	GetL402Credential(ctx context.Context, key string) (*store.L402Credential, error)
	SaveL402Credential(ctx context.Context, cred *store.L402Credential) error
	DeleteL402Credential(ctx context.Context, key string) error
}

// Options configures a Client.
type Options struct {
	HTTPClient       *http.Client
	Payer            Payer // nil means 402 responses fail with ErrPaymentRequired
	Credentials      CredentialStore
	AllowedHosts     *hostpolicy.Policy
	PayTimeout       time.Duration
	MaxResponseBytes int64
}

// Client is the invocation transport. It is safe for concurrent use and is
// shared by every capability of every session.
type Client struct {
	http       *http.Client
	payer      Payer
	creds      CredentialStore
	hosts      *hostpolicy.Policy
	payTimeout time.Duration
	maxBody    int64
	logger     *slog.Logger

	// memo is used when no CredentialStore is configured
	mu   sync.Mutex
	memo map[string]store.L402Credential
}

// NewClient creates a Client.
func NewClient(opts Options, logger *slog.Logger) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	maxBody := opts.MaxResponseBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxResponseBytes
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		http:       httpClient,
		payer:      opts.Payer,
		creds:      opts.Credentials,
		hosts:      opts.AllowedHosts,
		payTimeout: opts.PayTimeout,
		maxBody:    maxBody,
		logger:     logger.With("component", "l402"),
		memo:       make(map[string]store.L402Credential),
	}
}

// Get sends a GET with query parameters.
func (c *Client) Get(ctx context.Context, endpoint string, query map[string]string) (string, error) {
	return c.Do(ctx, http.MethodGet, endpoint, query, nil)
}

// Post sends a POST with a JSON body. A nil body sends no content.
func (c *Client) Post(ctx context.Context, endpoint string, body any) (string, error) {
	return c.Do(ctx, http.MethodPost, endpoint, nil, body)
}

// Do sends one request, paying for it if the server answers with an L402 challenge,
// and returns the response body.
func (c *Client) Do(ctx context.Context, method, endpoint string, query map[string]string, body any) (string, error) {
	target, err := url.Parse(endpoint)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return "", fmt.Errorf("%w: invalid endpoint %q", ErrRequestFailed, endpoint)
	}
	if !c.hosts.Allows(target.Host) {
		return "", fmt.Errorf("%w: %s", ErrHostNotAllowed, target.Hostname())
	}

	key := credentialKey(target)

	if len(query) > 0 {
		q := target.Query()
		for k, v := range query {
			q.Set(k, v)
		}
		target.RawQuery = q.Encode()
	}

	payload, err := encodeBody(body)
	if err != nil {
		return "", fmt.Errorf("%w: encoding body: %v", ErrRequestFailed, err)
	}

	method = strings.ToUpper(method)
	if method == "" {
		method = http.MethodGet
	}

	cred := c.lookup(ctx, key)
	resp, err := c.send(ctx, method, target.String(), payload, cred)
	if err != nil {
		return "", err
	}

	if resp.StatusCode == http.StatusPaymentRequired {
		challenge, cerr := ParseChallenge(resp.Header.Values("WWW-Authenticate"))
		drain(resp)
		if cerr != nil {
			return "", fmt.Errorf("%w: %s %s: %v", ErrPaymentRequired, method, key, cerr)
		}
		if cred != nil {
			// The cached token was rejected.
			c.forget(ctx, key)
		}

		paid, perr := c.pay(ctx, key, challenge)
		if perr != nil {
			return "", perr
		}

		resp, err = c.send(ctx, method, target.String(), payload, paid)
		if err != nil {
			return "", err
		}
		if resp.StatusCode == http.StatusPaymentRequired {
			drain(resp)
			return "", fmt.Errorf("%w: %s %s rejected the paid credential", ErrPaymentRequired, method, key)
		}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody))
	if err != nil {
		return "", fmt.Errorf("%w: reading response: %v", ErrRequestFailed, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%w: %s %s returned %s: %s", ErrRequestFailed, method, key, resp.Status, snippet(data))
	}
	return string(data), nil
}

func (c *Client) send(ctx context.Context, method, target string, payload []byte, cred *store.L402Credential) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("%w: building request: %v", ErrRequestFailed, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json, text/plain, */*")
	if cred != nil {
		req.Header.Set("Authorization", AuthorizationHeader(cred.Macaroon, cred.Preimage))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", ErrRequestFailed, method, target, err)
	}
	return resp, nil
}

func (c *Client) pay(ctx context.Context, key string, ch Challenge) (*store.L402Credential, error) {
	if c.payer == nil {
		return nil, fmt.Errorf("%w: %s and no payer is configured", ErrPaymentRequired, key)
	}

	payCtx := ctx
	if c.payTimeout > 0 {
		var cancel context.CancelFunc
		payCtx, cancel = context.WithTimeout(ctx, c.payTimeout)
		defer cancel()
	}

	preimage, err := c.payer.Pay(payCtx, ch.Invoice)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPaymentFailed, err)
	}
	if preimage == "" {
		return nil, fmt.Errorf("%w: payer returned no preimage", ErrPaymentFailed)
	}

	cred := &store.L402Credential{
		Key:       key,
		Macaroon:  ch.Macaroon,
		Preimage:  preimage,
		Invoice:   ch.Invoice,
		CreatedAt: time.Now(),
	}
	c.remember(ctx, cred)

	c.logger.Info("=== INVOICE PAID ===", "endpoint", key)
	return cred, nil
}

func (c *Client) lookup(ctx context.Context, key string) *store.L402Credential {
	if c.creds == nil {
		c.mu.Lock()
		defer c.mu.Unlock()
		if cred, ok := c.memo[key]; ok {
			return &cred
		}
		return nil
	}

	cred, err := c.creds.GetL402Credential(ctx, key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			c.logger.Warn("credential lookup failed", "endpoint", key, "error", err)
		}
		return nil
	}
	return cred
}

func (c *Client) remember(ctx context.Context, cred *store.L402Credential) {
	if c.creds == nil {
		c.mu.Lock()
		c.memo[cred.Key] = *cred
		c.mu.Unlock()
		return
	}
	if err := c.creds.SaveL402Credential(ctx, cred); err != nil {
		c.logger.Warn("saving credential failed", "endpoint", cred.Key, "error", err)
	}
}

func (c *Client) forget(ctx context.Context, key string) {
	if c.creds == nil {
		c.mu.Lock()
		delete(c.memo, key)
		c.mu.Unlock()
		return
	}
	if err := c.creds.DeleteL402Credential(ctx, key); err != nil {
		c.logger.Warn("deleting credential failed", "endpoint", key, "error", err)
	}
}

// credentialKey identifies an endpoint independent of its query string.
func credentialKey(u *url.URL) string {
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host) + u.EscapedPath()
}

func encodeBody(body any) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	case string:
		return []byte(b), nil
	case json.RawMessage:
		return b, nil
	default:
		return json.Marshal(b)
	}
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}

// snippet trims b for error text, cutting at most 200 bytes on a rune boundary.
func snippet(b []byte) string {
	const limit = 200
	s := strings.TrimSpace(string(b))
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
