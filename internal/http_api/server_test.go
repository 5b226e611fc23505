package http_api

import (
	"context"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x402wrap/paygate/internal/analytics"
	"github.com/x402wrap/paygate/internal/blockchain"
	"github.com/x402wrap/paygate/internal/config"
	"github.com/x402wrap/paygate/internal/descriptor"
	"github.com/x402wrap/paygate/internal/forwarder"
	"github.com/x402wrap/paygate/internal/gate"
	"github.com/x402wrap/paygate/internal/models"
	"github.com/x402wrap/paygate/internal/repository"
	"github.com/x402wrap/paygate/internal/verifier"
	"github.com/x402wrap/paygate/pkg/logger"
	"github.com/x402wrap/paygate/pkg/x402"
)

const (
	recipient = "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin"
	payer     = "4Nd1mBQtrMJVYVfKf2PJy9NZUZdTAsp7D4xWLs4gDB4T"
	apiKey    = "secret-key"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeWrappers struct {
	mu       sync.Mutex
	wrappers map[string]*models.WrapperConfig
	err      error
}

func (f *fakeWrappers) GetWrapper(_ context.Context, id string) (*models.WrapperConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	w, ok := f.wrappers[id]
	if !ok {
		return nil, models.ErrUnknownWrapper
	}
	return w, nil
}

func (f *fakeWrappers) ListWrappers(_ context.Context, ownerID string) ([]*models.WrapperConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var out []*models.WrapperConfig
	for _, w := range f.wrappers {
		if w.OwnerID == ownerID {
			out = append(out, w)
		}
	}
	return out, nil
}

type fakeChain struct {
	mu  sync.Mutex
	txs map[string]*models.ChainTransaction
	err map[string]error
}

func (f *fakeChain) Network() models.Network { return models.NetworkSolanaDevnet }

func (f *fakeChain) GetTransaction(_ context.Context, reference string) (*models.ChainTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.err[reference]; ok {
		return nil, err
	}
	tx, ok := f.txs[reference]
	if !ok {
		return nil, models.ErrTransactionNotFound
	}
	return tx, nil
}

func (f *fakeChain) pay(reference string, lamports int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txs[reference] = &models.ChainTransaction{
		Reference: reference,
		Network:   models.NetworkSolanaDevnet,
		Payer:     payer,
		Credits: []models.Credit{
			{Recipient: recipient, Token: models.NativeSOL, Amount: big.NewInt(lamports), Decimals: 9, DecimalsKnown: true},
		},
	}
}

type testServer struct {
	handler  http.Handler
	chain    *fakeChain
	wrappers *fakeWrappers
}

func newTestServer(t *testing.T, keys ...string) *testServer {
	t.Helper()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Upstream", "yes")
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusAccepted)
		_, _ = io.WriteString(w, r.Method+" "+r.URL.Path+"?"+r.URL.RawQuery)
	}))
	t.Cleanup(upstream.Close)

	cfg := &config.Config{
		APIPort:          0,
		AnalyticsAPIKeys: keys,
		MaxBodyBytes:     1 << 20,
		ChallengeRate:    1000,
		ChallengeBurst:   1000,
	}
	log := logger.NewNop()
	repo := repository.NewMemoryDB()
	chain := &fakeChain{txs: map[string]*models.ChainTransaction{}, err: map[string]error{}}
	wrappers := &fakeWrappers{wrappers: map[string]*models.WrapperConfig{
		"weather": {
			ID:          "weather",
			OwnerID:     "u1",
			Name:        "Weather",
			UpstreamURL: upstream.URL + "/v2",
			Price:       "0.001",
			Token:       models.NativeSOL,
			Network:     models.NetworkSolanaDevnet,
			Recipient:   recipient,
		},
	}}

	g := gate.NewGate(
		wrappers,
		nil,
		repo,
		nil,
		descriptor.NewBuilder(repo, time.Minute, log),
		verifier.NewVerifier(repo, repo, blockchain.NewRegistry(chain), log),
		forwarder.NewForwarder(time.Second, 0, log),
		nil,
		log,
		cfg,
	)
	server := NewHTTPServer(g, analytics.NewService(repo, wrappers, log), cfg, log)
	return &testServer{handler: server.Handler(), chain: chain, wrappers: wrappers}
}

func (s *testServer) do(method, target string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func paymentHeader(t *testing.T, tx, amount string) map[string]string {
	t.Helper()
	h, err := x402.EncodeHeader(&x402.Proof{Transaction: tx, Amount: x402.Amount(amount), Token: models.NativeSOL})
	require.NoError(t, err)
	return map[string]string{x402.HeaderPayment: h}
}

func decodeChallenge(t *testing.T, rec *httptest.ResponseRecorder) *x402.Challenge {
	t.Helper()
	var c x402.Challenge
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &c), rec.Body.String())
	return &c
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestGatewayChallenge(t *testing.T) {
	s := newTestServer(t)

	for _, target := range []string{"/w/weather", "/w/weather/today?city=Oslo"} {
		rec := s.do(http.MethodGet, target, nil)
		require.Equal(t, http.StatusPaymentRequired, rec.Code, target)
		c := decodeChallenge(t, rec)
		assert.Equal(t, x402.CodePaymentRequired, c.Code)
		require.NotNil(t, c.Payment)
		assert.Equal(t, "0.001", c.Payment.Amount)
		assert.Equal(t, recipient, c.Payment.Recipient)
	}
}

func TestGatewayUnknownWrapper(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(http.MethodGet, "/w/nope/x", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, x402.CodeUnknownWrapper, decodeChallenge(t, rec).Code)
}

func TestGatewayStreamsUpstream(t *testing.T) {
	s := newTestServer(t)
	s.chain.pay("tx-1", 1_000_000)

	rec := s.do(http.MethodGet, "/w/weather/today?city=Oslo", paymentHeader(t, "tx-1", "0.001"))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "yes", rec.Header().Get("X-Upstream"))
	assert.Equal(t, "GET /v2/today?city=Oslo", rec.Body.String())

	again := s.do(http.MethodGet, "/w/weather/today?city=Oslo", paymentHeader(t, "tx-1", "0.001"))
	assert.Equal(t, http.StatusConflict, again.Code)
	assert.Equal(t, x402.CodeDuplicatePayment, decodeChallenge(t, again).Code)
}

func TestGatewayUnconfirmedSetsRetryAfter(t *testing.T) {
	s := newTestServer(t)
	s.chain.err["tx-slow"] = models.ErrTransactionPending

	rec := s.do(http.MethodGet, "/w/weather", paymentHeader(t, "tx-slow", "0.001"))
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
	c := decodeChallenge(t, rec)
	assert.True(t, c.Retryable)
	assert.Equal(t, x402.CodePaymentUnconfirmed, c.Code)
}

func TestGatewayUnderpaymentGetsFreshDescriptor(t *testing.T) {
	s := newTestServer(t)
	s.chain.pay("tx-half", 500_000)

	rec := s.do(http.MethodGet, "/w/weather", paymentHeader(t, "tx-half", "0.001"))
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	c := decodeChallenge(t, rec)
	assert.Equal(t, x402.CodeInvalidPayment, c.Code)
	require.NotNil(t, c.Payment)
	assert.Equal(t, "0.001", c.Payment.Amount)
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(http.MethodOptions, "/w/weather/today", map[string]string{
		"Origin":                         "https://app.example.com",
		"Access-Control-Request-Method":  http.MethodPost,
		"Access-Control-Request-Headers": x402.HeaderPayment,
	})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestAnalyticsAuth(t *testing.T) {
	s := newTestServer(t, apiKey)

	rec := s.do(http.MethodGet, "/api/v1/analytics/wrappers/weather", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), `"code":"unauthorized"`)

	rec = s.do(http.MethodGet, "/api/v1/analytics/wrappers/weather", map[string]string{"Authorization": "ApiKey wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(http.MethodGet, "/api/v1/analytics/wrappers/weather", map[string]string{"Authorization": "ApiKey " + apiKey})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(http.MethodGet, "/api/v1/analytics/wrappers/weather", map[string]string{headerAPIKey: apiKey})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAnalyticsAfterPayment(t *testing.T) {
	s := newTestServer(t)
	s.chain.pay("tx-1", 1_000_000)
	s.chain.pay("tx-2", 1_000_000)
	require.Equal(t, http.StatusAccepted, s.do(http.MethodGet, "/w/weather/a", paymentHeader(t, "tx-1", "0.001")).Code)
	require.Equal(t, http.StatusAccepted, s.do(http.MethodGet, "/w/weather/b", paymentHeader(t, "tx-2", "0.001")).Code)

	rec := s.do(http.MethodGet, "/api/v1/analytics/wrappers/weather", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats analytics.WrapperStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, "Weather", stats.Name)
	assert.EqualValues(t, 2, stats.TotalRequests)
	assert.EqualValues(t, 2, stats.Requests24h)
	require.Len(t, stats.TotalRevenue, 1)
	assert.Equal(t, "0.002", stats.TotalRevenue[0].Amount)

	rec = s.do(http.MethodGet, "/api/v1/analytics/wrappers/weather/entries?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var page struct {
		Entries []*models.LedgerEntry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Len(t, page.Entries, 1)
	assert.Equal(t, "/b", page.Entries[0].RequestPath)

	rec = s.do(http.MethodGet, "/api/v1/analytics/users/u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var user analytics.UserStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &user))
	assert.Equal(t, 1, user.TotalAPIs)
	assert.EqualValues(t, 2, user.TotalRequests)
	require.Len(t, user.APIStats, 1)
	assert.Equal(t, "weather", user.APIStats[0].WrapperID)
}

func TestAnalyticsEntriesBadQuery(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodGet, "/api/v1/analytics/wrappers/weather/entries?since=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodGet, "/api/v1/analytics/wrappers/weather/entries?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodGet, "/api/v1/analytics/wrappers/weather/entries?since=2026-01-01T00:00:00Z", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Body.String(), `{"entries":[`))
}

func TestAnalyticsManagementDown(t *testing.T) {
	s := newTestServer(t)
	s.wrappers.mu.Lock()
	s.wrappers.err = models.ErrConfigUnavailable
	s.wrappers.mu.Unlock()

	rec := s.do(http.MethodGet, "/api/v1/analytics/users/u1", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"code":"service_unavailable"`)
}

func TestNoRoute(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(http.MethodGet, "/nothing/here", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), `"code":"not_found"`)
}

func TestParseSince(t *testing.T) {
	got, err := parseSince("1700000000")
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000), got.Unix())

	got, err = parseSince("2026-03-10T12:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, 2026, got.Year())

	_, err = parseSince("soon")
	assert.Error(t, err)
}
