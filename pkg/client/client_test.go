package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x402wrap/paygate/pkg/x402"
)

const recipient = "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin"

// fakeGateway challenges requests without proof and serves the others.
// pending proofs are answered with a retryable 402 that many times.
type fakeGateway struct {
	mu         sync.Mutex
	pending    map[string]int
	retryAfter string
	bodies     []string
	paid       atomic.Int32
}

func (f *fakeGateway) remaining(tx string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending[tx]
}

func (f *fakeGateway) received() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.bodies...)
}

func (f *fakeGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	header := r.Header.Get(x402.HeaderPayment)
	w.Header().Set("Content-Type", "application/json")

	if header == "" {
		w.WriteHeader(http.StatusPaymentRequired)
		_ = json.NewEncoder(w).Encode(x402.Challenge{
			Payment: &x402.Requirement{Amount: "0.001", Token: x402.NativeSOL, Recipient: recipient, Network: "devnet", Memo: "abc"},
			Message: "Payment required",
			Code:    x402.CodePaymentRequired,
		})
		return
	}

	proof, err := x402.ParseHeader(header)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	if f.pending[proof.Transaction] > 0 {
		f.pending[proof.Transaction]--
		retryAfter := f.retryAfter
		f.mu.Unlock()
		w.Header().Set("Retry-After", retryAfter)
		w.WriteHeader(http.StatusPaymentRequired)
		_ = json.NewEncoder(w).Encode(x402.Challenge{Code: x402.CodePaymentUnconfirmed, Retryable: true})
		return
	}
	f.bodies = append(f.bodies, string(body))
	f.mu.Unlock()

	if proof.Transaction == "bad" {
		w.WriteHeader(http.StatusPaymentRequired)
		_ = json.NewEncoder(w).Encode(x402.Challenge{Code: x402.CodeInvalidPayment})
		return
	}

	f.paid.Add(1)
	_, _ = io.WriteString(w, `{"ok":true,"tx":"`+proof.Transaction+`"}`)
}

func newGateway(t *testing.T) (*fakeGateway, *httptest.Server) {
	t.Helper()
	gw := &fakeGateway{pending: map[string]int{}, retryAfter: "0"}
	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)
	return gw, srv
}

func proof(tx string) *x402.Proof {
	return &x402.Proof{Transaction: tx, Amount: "0.001", Token: x402.NativeSOL}
}

func readAll(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func TestDoPaysAndRetries(t *testing.T) {
	gw, srv := newGateway(t)
	strategy := NewStaticStrategy(proof("tx-1"))
	c := New(strategy)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/w/weather/today", strings.NewReader(`{"q":1}`))
	require.NoError(t, err)
	resp, err := c.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"ok":true,"tx":"tx-1"}`, readAll(t, resp))

	reqs := strategy.Requirements()
	require.Len(t, reqs, 1)
	assert.Equal(t, "0.001", reqs[0].Amount)
	assert.Equal(t, "abc", reqs[0].Memo)
	assert.Equal(t, []string{`{"q":1}`}, gw.received())
}

func TestDoWithoutChallengeDoesNotPay(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "free")
	}))
	defer srv.Close()
	strategy := NewStaticStrategy()

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	resp, err := New(strategy).Do(req)
	require.NoError(t, err)
	assert.Equal(t, "free", readAll(t, resp))
	assert.Empty(t, strategy.Requirements())
}

func TestDoResendsUnconfirmedProof(t *testing.T) {
	gw, srv := newGateway(t)
	gw.pending["tx-slow"] = 2
	strategy := NewStaticStrategy(proof("tx-slow"))

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/w/weather", nil)
	resp, err := New(strategy, WithRetryWait(time.Millisecond, time.Millisecond)).Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	assert.Len(t, strategy.Requirements(), 1)
	assert.EqualValues(t, 1, gw.paid.Load())
}

func TestDoGivesUpOnUnconfirmedProof(t *testing.T) {
	gw, srv := newGateway(t)
	gw.pending["tx-slow"] = 10
	strategy := NewStaticStrategy(proof("tx-slow"))

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/w/weather", nil)
	resp, err := New(strategy, WithMaxRetries(2), WithRetryWait(time.Millisecond, time.Millisecond)).Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)

	var c x402.Challenge
	require.NoError(t, json.Unmarshal([]byte(readAll(t, resp)), &c))
	assert.True(t, c.Retryable)
	assert.Equal(t, 7, gw.remaining("tx-slow"))
}

func TestDoReturnsRejection(t *testing.T) {
	_, srv := newGateway(t)
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/w/weather", nil)
	resp, err := New(NewStaticStrategy(proof("bad"))).Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	assert.Contains(t, readAll(t, resp), x402.CodeInvalidPayment)
}

func TestDoStrategyError(t *testing.T) {
	_, srv := newGateway(t)
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/w/weather", nil)
	_, err := New(NewStaticStrategy()).Do(req)
	assert.True(t, errors.Is(err, ErrNoMoreProofs))
}

func TestDoNonX402PaymentRequired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = io.WriteString(w, "subscribe first")
	}))
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	resp, err := New(NewStaticStrategy(proof("tx"))).Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	assert.Equal(t, "subscribe first", readAll(t, resp))
}

func TestDoContextCancelled(t *testing.T) {
	gw, srv := newGateway(t)
	gw.pending["tx-slow"] = 100
	gw.retryAfter = "1"

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/w/weather", nil)
	_, err := New(NewStaticStrategy(proof("tx-slow")), WithMaxRetries(100), WithRetryWait(20*time.Millisecond, 20*time.Millisecond)).Do(req)
	assert.Error(t, err)
}

func TestRetryAfter(t *testing.T) {
	r := &retryAfter{fallback: 2 * time.Second, max: 10 * time.Second}
	r.Reset()
	assert.Equal(t, 2*time.Second, r.NextBackOff())

	r.set("3")
	assert.Equal(t, 3*time.Second, r.NextBackOff())
	r.set("60")
	assert.Equal(t, 10*time.Second, r.NextBackOff())
	r.set("")
	assert.Equal(t, 2*time.Second, r.NextBackOff())
}
