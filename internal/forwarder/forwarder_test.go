package forwarder

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x402wrap/paygate/internal/models"
	"github.com/x402wrap/paygate/pkg/logger"
)

func wrapperFor(upstream string) *models.WrapperConfig {
	return &models.WrapperConfig{ID: "w1", UpstreamURL: upstream}
}

func TestTargetURL(t *testing.T) {
	tests := []struct {
		base, path, query, want string
	}{
		{"https://api.example.com", "/data", "", "https://api.example.com/data"},
		{"https://api.example.com/v1/", "/data/items", "q=1", "https://api.example.com/v1/data/items?q=1"},
		{"https://api.example.com/v1?key=abc", "/data", "q=1", "https://api.example.com/v1/data?key=abc&q=1"},
		{"https://api.example.com/v1", "", "", "https://api.example.com/v1"},
		{"https://api.example.com/v1", "/../../etc/passwd", "", "https://api.example.com/v1/etc/passwd"},
		{"https://api.example.com/v1", "/dir/", "", "https://api.example.com/v1/dir/"},
	}
	for _, tt := range tests {
		u, err := TargetURL(tt.base, tt.path, tt.query)
		require.NoError(t, err)
		assert.Equal(t, tt.want, u.String())
	}

	_, err := TargetURL("/relative", "/x", "")
	assert.Error(t, err)
}

func TestForwardRelaysRequest(t *testing.T) {
	var got *http.Request
	var gotBody []byte
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("X-Upstream", "yes")
		w.Header().Set("Keep-Alive", "timeout=5")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	header := http.Header{}
	header.Set("X-PAYMENT", `{"transaction":"abc"}`)
	header.Set("Payment-Signature", "abc")
	header.Set("Connection", "X-Secret")
	header.Set("X-Secret", "drop me")
	header.Set("Authorization", "Bearer token")
	header.Set("X-Forwarded-For", "10.0.0.1")

	f := NewForwarder(time.Second, 0, logger.NewNop())
	resp, err := f.Forward(context.Background(), wrapperFor(upstream.URL+"/v1"), &Request{
		Method:   http.MethodPost,
		Path:     "/items",
		RawQuery: "page=2",
		Header:   header,
		Body:     []byte(`{"name":"x"}`),
		ClientIP: "203.0.113.9",
		Host:     "gateway.example.com",
		Scheme:   "https",
	})
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.JSONEq(t, `{"ok":true}`, string(body))
	assert.Equal(t, "yes", resp.Header.Get("X-Upstream"))
	assert.Empty(t, resp.Header.Get("Keep-Alive"))

	require.NotNil(t, got)
	assert.Equal(t, http.MethodPost, got.Method)
	assert.Equal(t, "/v1/items", got.URL.Path)
	assert.Equal(t, "page=2", got.URL.RawQuery)
	assert.Equal(t, `{"name":"x"}`, string(gotBody))
	assert.Empty(t, got.Header.Get("X-PAYMENT"))
	assert.Empty(t, got.Header.Get("Payment-Signature"))
	assert.Empty(t, got.Header.Get("X-Secret"))
	assert.Equal(t, "Bearer token", got.Header.Get("Authorization"))
	assert.Equal(t, "10.0.0.1, 203.0.113.9", got.Header.Get("X-Forwarded-For"))
	assert.Equal(t, "gateway.example.com", got.Header.Get("X-Forwarded-Host"))
	assert.Equal(t, "https", got.Header.Get("X-Forwarded-Proto"))
}

func TestForwardPassesErrorStatusWithoutRetry(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer upstream.Close()

	f := NewForwarder(time.Second, 2, logger.NewNop())
	resp, err := f.Forward(context.Background(), wrapperFor(upstream.URL), &Request{Method: http.MethodGet})
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
}

func TestForwardDoesNotFollowRedirects(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "https://elsewhere.example.com/", http.StatusFound)
	}))
	defer upstream.Close()

	f := NewForwarder(time.Second, 0, logger.NewNop())
	resp, err := f.Forward(context.Background(), wrapperFor(upstream.URL), &Request{Method: http.MethodGet})
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusFound, resp.StatusCode)
}

func TestForwardTimeout(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer upstream.Close()
	defer close(release)

	w := wrapperFor(upstream.URL)
	w.ForwardTimeout = 50 * time.Millisecond
	f := NewForwarder(time.Minute, 2, logger.NewNop())
	_, err := f.Forward(context.Background(), w, &Request{Method: http.MethodGet})
	assert.ErrorIs(t, err, models.ErrUpstreamTimeout)
}

func TestForwardRetriesDialErrors(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	f := NewForwarder(5*time.Second, 2, logger.NewNop())
	f.initialBackoff = time.Millisecond
	_, err = f.Forward(context.Background(), wrapperFor("http://"+addr), &Request{Method: http.MethodGet})
	assert.ErrorIs(t, err, models.ErrUpstreamUnavailable)
}

func TestForwardDialRetryThenSuccess(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})}
	go func() {
		time.Sleep(150 * time.Millisecond)
		if ln, err := net.Listen("tcp", addr); err == nil {
			_ = srv.Serve(ln)
		}
	}()
	defer srv.Close()

	f := NewForwarder(5*time.Second, 10, logger.NewNop())
	f.initialBackoff = 50 * time.Millisecond
	resp, err := f.Forward(context.Background(), wrapperFor("http://"+addr), &Request{Method: http.MethodGet})
	if err != nil {
		// the port can be taken by another process between close and re-listen
		t.Skipf("upstream did not come up: %v", err)
	}
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}
