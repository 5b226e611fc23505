package management

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/x402wrap/paygate/internal/models"
	"github.com/x402wrap/paygate/pkg/logger"
)

// DefaultCacheTTL is how long a wrapper config is served from memory
const DefaultCacheTTL = 30 * time.Second

// errNotFound marks a 404 from the management API
var errNotFound = errors.New("not found")

// apiRecord is a wrapped API as stored by the management API.
type apiRecord struct {
	ID              string      `json:"id"`
	UserID          string      `json:"user_id"`
	Name            string      `json:"name"`
	OriginalURL     string      `json:"original_url"`
	PricePerRequest json.Number `json:"price_per_request"`
	SPLTokenMint    string      `json:"spl_token_mint"`
	Token           string      `json:"token"`
	TokenDecimals   *uint8      `json:"token_decimals"`
	Network         string      `json:"network"`
	// the payout address has had several names over time
	Recipient        string `json:"recipient"`
	RecipientAddress string `json:"recipient_address"`
	WalletAddress    string `json:"wallet_address"`
	RequireMemo      bool   `json:"require_memo"`
	ForwardTimeoutMs int64  `json:"forward_timeout_ms"`
}

type cacheEntry struct {
	wrapper   *models.WrapperConfig
	expiresAt time.Time
}

// Client reads wrapper configurations and user accounts from the management API.
type Client struct {
	logger     *logger.Logger
	baseURL    string
	client     *http.Client
	ttl        time.Duration
	maxRetries uint64

	// In-memory cache
	cache      map[string]cacheEntry
	cacheMutex sync.RWMutex

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewClient creates a new management API client.
func NewClient(baseURL string, ttl time.Duration, logger *logger.Logger) *Client {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		logger:     logger,
		baseURL:    strings.TrimRight(baseURL, "/"),
		client:     &http.Client{Timeout: 30 * time.Second},
		ttl:        ttl,
		maxRetries: 2,
		cache:      make(map[string]cacheEntry),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// GetWrapper returns the wrapper config, from cache when fresh.
func (c *Client) GetWrapper(ctx context.Context, id string) (*models.WrapperConfig, error) {
	if id == "" {
		return nil, models.ErrUnknownWrapper
	}
	now := time.Now()
	c.cacheMutex.RLock()
	entry, ok := c.cache[id]
	c.cacheMutex.RUnlock()
	if ok && now.Before(entry.expiresAt) {
		return entry.wrapper, nil
	}

	var raw json.RawMessage
	err := c.getJSON(ctx, "/api/apis/"+url.PathEscape(id), &raw)
	if errors.Is(err, errNotFound) {
		c.Invalidate(id)
		return nil, models.ErrUnknownWrapper
	}
	if err != nil {
		return nil, err
	}

	var rec apiRecord
	if err := decodeNumbers(unwrap(raw, "data", "api"), &rec); err != nil {
		return nil, fmt.Errorf("failed to decode api %s: %w", id, err)
	}
	if rec.ID == "" {
		rec.ID = id
	}
	w, err := c.toWrapper(ctx, &rec)
	if errors.Is(err, models.ErrConfigUnavailable) {
		return nil, err
	}
	if err != nil {
		c.logger.Warnw("Wrapper config rejected", "wrapper", id, "error", err)
		return nil, fmt.Errorf("%w: %v", models.ErrUnknownWrapper, err)
	}

	c.cacheMutex.Lock()
	c.cache[id] = cacheEntry{wrapper: w, expiresAt: now.Add(c.ttl)}
	c.cacheMutex.Unlock()
	return w, nil
}

// ListWrappers returns the valid wrappers of a user. Invalid records are skipped.
func (c *Client) ListWrappers(ctx context.Context, ownerID string) ([]*models.WrapperConfig, error) {
	var raw json.RawMessage
	if err := c.getJSON(ctx, "/api/apis?user_id="+url.QueryEscape(ownerID), &raw); err != nil {
		if errors.Is(err, errNotFound) {
			return []*models.WrapperConfig{}, nil
		}
		return nil, err
	}

	var recs []apiRecord
	if err := decodeNumbers(unwrap(raw, "apis", "data"), &recs); err != nil {
		return nil, fmt.Errorf("failed to decode api list: %w", err)
	}
	out := make([]*models.WrapperConfig, 0, len(recs))
	for i := range recs {
		if recs[i].UserID == "" {
			recs[i].UserID = ownerID
		}
		w, err := c.toWrapper(ctx, &recs[i])
		if err != nil {
			c.logger.Debugw("Skipping invalid wrapper", "wrapper", recs[i].ID, "error", err)
			continue
		}
		out = append(out, w)
	}
	return out, nil
}

// ResolveUser returns the account of a wallet, creating it when unknown.
func (c *Client) ResolveUser(ctx context.Context, walletAddress string) (*models.Account, error) {
	if strings.TrimSpace(walletAddress) == "" {
		return nil, fmt.Errorf("wallet address is required")
	}
	if account, err := c.findUser(ctx, walletAddress); err == nil && account != nil {
		return account, nil
	} else if err != nil && !errors.Is(err, errNotFound) {
		c.logger.Warnw("Failed to look up user", "wallet", walletAddress, "error", err)
	}

	var raw json.RawMessage
	status, err := c.postJSON(ctx, "/api/users", map[string]string{"wallet_address": walletAddress}, &raw)
	if err != nil {
		return nil, err
	}
	if status == http.StatusConflict {
		account, err := c.findUser(ctx, walletAddress)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch user after conflict: %w", err)
		}
		if account == nil {
			return nil, fmt.Errorf("user for %s exists but could not be fetched", walletAddress)
		}
		return account, nil
	}
	account := extractAccount(raw)
	if account == nil {
		return nil, fmt.Errorf("user API returned no user id for %s", walletAddress)
	}
	return account, nil
}

// Invalidate drops a wrapper from the cache.
func (c *Client) Invalidate(id string) {
	c.cacheMutex.Lock()
	delete(c.cache, id)
	c.cacheMutex.Unlock()
}

// StartEviction periodically drops expired cache entries until Stop.
func (c *Client) StartEviction(interval time.Duration) {
	if interval <= 0 {
		interval = c.ttl
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := c.evictExpired(time.Now()); n > 0 {
					c.logger.Debugw("Evicted wrapper configs", "count", n)
				}
			case <-c.ctx.Done():
				return
			}
		}
	}()
}

// Stop gracefully stops the eviction loop
func (c *Client) Stop() {
	c.cancel()
	c.wg.Wait()
	c.logger.Info("Management client stopped")
}

func (c *Client) evictExpired(now time.Time) int {
	c.cacheMutex.Lock()
	defer c.cacheMutex.Unlock()
	n := 0
	for id, e := range c.cache {
		if !now.Before(e.expiresAt) {
			delete(c.cache, id)
			n++
		}
	}
	return n
}

func (c *Client) toWrapper(ctx context.Context, rec *apiRecord) (*models.WrapperConfig, error) {
	network := models.Network(rec.Network)
	token := rec.Token
	if token == "" {
		token = rec.SPLTokenMint
	}
	switch strings.ToLower(token) {
	case "", "native", "sol", "xcb", strings.ToLower(network.NativeToken()):
		token = network.NativeToken()
	}

	recipient := firstNonEmpty(rec.Recipient, rec.RecipientAddress, rec.WalletAddress)
	if recipient == "" && rec.UserID != "" {
		owner, err := c.getUser(ctx, rec.UserID)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve owner wallet: %w", err)
		}
		recipient = owner.WalletAddress
	}

	w := &models.WrapperConfig{
		ID:            rec.ID,
		OwnerID:       rec.UserID,
		Name:          rec.Name,
		UpstreamURL:   rec.OriginalURL,
		Price:         rec.PricePerRequest.String(),
		Token:         token,
		TokenDecimals: rec.TokenDecimals,
		Network:       network,
		Recipient:     recipient,
		RequireMemo:   rec.RequireMemo,
	}
	if rec.ForwardTimeoutMs > 0 {
		w.ForwardTimeout = time.Duration(rec.ForwardTimeoutMs) * time.Millisecond
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return w, nil
}

func (c *Client) findUser(ctx context.Context, walletAddress string) (*models.Account, error) {
	var raw json.RawMessage
	if err := c.getJSON(ctx, "/api/users?wallet_address="+url.QueryEscape(walletAddress), &raw); err != nil {
		return nil, err
	}
	return extractAccount(raw), nil
}

func (c *Client) getUser(ctx context.Context, id string) (*models.Account, error) {
	var raw json.RawMessage
	if err := c.getJSON(ctx, "/api/users/"+url.PathEscape(id), &raw); err != nil {
		return nil, err
	}
	account := extractAccount(raw)
	if account == nil || account.WalletAddress == "" {
		return nil, fmt.Errorf("user %s has no wallet address", id)
	}
	return account, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	status, err := c.do(ctx, http.MethodGet, path, nil, out)
	if err != nil {
		return err
	}
	if status == http.StatusNotFound {
		return errNotFound
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, path string, body interface{}, out interface{}) (int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}
	return c.do(ctx, http.MethodPost, path, payload, out)
}

// do sends a request, retrying network errors and 5xx responses. 404 and 409
// are returned as status codes; other 4xx responses are errors.
func (c *Client) do(ctx context.Context, method, path string, payload []byte, out interface{}) (int, error) {
	var status int
	operation := func() error {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return fmt.Errorf("failed to call management API: %w", err)
		}
		defer resp.Body.Close()

		status = resp.StatusCode
		switch {
		case status >= 500:
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return fmt.Errorf("management API %s %s: status %d: %s", method, path, status, string(msg))
		case status == http.StatusNotFound || status == http.StatusConflict:
			return nil
		case status >= 400:
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return backoff.Permanent(fmt.Errorf("management API %s %s: status %d: %s", method, path, status, string(msg)))
		}
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to decode management API response: %w", err))
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	if err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(b, c.maxRetries), ctx)); err != nil {
		return status, fmt.Errorf("%w: %v", models.ErrConfigUnavailable, err)
	}
	return status, nil
}

// unwrap returns the first present envelope field of an object, or raw itself.
func unwrap(raw json.RawMessage, keys ...string) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return trimmed
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return trimmed
	}
	for _, k := range keys {
		if v, ok := fields[k]; ok && !bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
			return v
		}
	}
	return trimmed
}

// extractAccount finds the first user with an id in the accepted shapes:
// a user object, an array of users, or either wrapped in data or user.
func extractAccount(raw json.RawMessage) *models.Account {
	body := unwrap(raw, "data", "user", "users")
	if len(body) == 0 {
		return nil
	}
	if body[0] == '[' {
		var accounts []models.Account
		if err := json.Unmarshal(body, &accounts); err != nil {
			return nil
		}
		for i := range accounts {
			if accounts[i].ID != "" {
				return &accounts[i]
			}
		}
		return nil
	}
	var account models.Account
	if err := json.Unmarshal(body, &account); err != nil || account.ID == "" {
		return nil
	}
	return &account
}

func decodeNumbers(raw json.RawMessage, out interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(out)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
