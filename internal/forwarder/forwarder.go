package forwarder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/x402wrap/paygate/internal/models"
	"github.com/x402wrap/paygate/pkg/logger"
	"github.com/x402wrap/paygate/pkg/x402"
)

const (
	DefaultTimeout    = 30 * time.Second
	DefaultMaxRetries = 2
)

// hopHeaders are connection scoped and never forwarded in either direction
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Request is an inbound request after the gateway prefix was removed.
type Request struct {
	Method string
	// Path is the sub path below the wrapper prefix.
	Path     string
	RawQuery string
	Header   http.Header
	Body     []byte
	ClientIP string
	// Host and Scheme are what the client used to reach the gateway.
	Host   string
	Scheme string
}

// FromHTTP builds a Request from the inbound request and its buffered body.
func FromHTTP(r *http.Request, subPath, clientIP string, body []byte) *Request {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return &Request{
		Method:   r.Method,
		Path:     subPath,
		RawQuery: r.URL.RawQuery,
		Header:   r.Header,
		Body:     body,
		ClientIP: clientIP,
		Host:     r.Host,
		Scheme:   scheme,
	}
}

// Forwarder relays paid requests to the wrapped upstream API.
type Forwarder struct {
	logger         *logger.Logger
	client         *http.Client
	timeout        time.Duration
	maxRetries     uint64
	initialBackoff time.Duration
}

// NewForwarder creates a Forwarder. timeout applies to wrappers without
// their own ForwardTimeout; maxRetries counts retries after the first attempt.
func NewForwarder(timeout time.Duration, maxRetries int, logger *logger.Logger) *Forwarder {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	return &Forwarder{
		logger: logger,
		client: &http.Client{
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		timeout:        timeout,
		maxRetries:     uint64(maxRetries),
		initialBackoff: 100 * time.Millisecond,
	}
}

// Forward sends req to the upstream of w. The caller must close the
// returned body; closing it also releases the per request timeout.
// Errors wrap ErrUpstreamTimeout or ErrUpstreamUnavailable.
func (f *Forwarder) Forward(ctx context.Context, w *models.WrapperConfig, req *Request) (*http.Response, error) {
	target, err := TargetURL(w.UpstreamURL, req.Path, req.RawQuery)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrUpstreamUnavailable, err)
	}

	timeout := f.timeout
	if w.ForwardTimeout > 0 {
		timeout = w.ForwardTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)

	header := outboundHeader(req)

	var resp *http.Response
	attempt := 0
	operation := func() error {
		attempt++
		out, err := http.NewRequestWithContext(ctx, req.Method, target.String(), bytes.NewReader(req.Body))
		if err != nil {
			return backoff.Permanent(err)
		}
		out.Header = header.Clone()
		out.ContentLength = int64(len(req.Body))
		if len(req.Body) == 0 {
			out.Body = http.NoBody
		}

		resp, err = f.client.Do(out)
		if err != nil {
			if isDialError(err) && ctx.Err() == nil {
				f.logger.Warnw("Upstream connection failed, retrying", "wrapper", w.ID, "attempt", attempt, "error", err)
				return err
			}
			return backoff.Permanent(err)
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.initialBackoff
	b.MaxInterval = 2 * time.Second
	policy := backoff.WithContext(backoff.WithMaxRetries(b, f.maxRetries), ctx)

	if err := backoff.Retry(operation, policy); err != nil {
		cancel()
		if isTimeout(err) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s after %s", models.ErrUpstreamTimeout, target.Host, timeout)
		}
		return nil, fmt.Errorf("%w: %v", models.ErrUpstreamUnavailable, err)
	}

	removeHopHeaders(resp.Header)
	resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// TargetURL joins the upstream base URL with the sub path and merges the
// query strings. The sub path is cleaned so it cannot climb above the base path.
func TargetURL(base, subPath, rawQuery string) (*url.URL, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream url: %w", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, fmt.Errorf("upstream url %q is not absolute", base)
	}

	sub := strings.TrimPrefix(subPath, "/")
	if sub != "" {
		cleaned := strings.TrimPrefix(path.Clean("/"+sub), "/")
		if strings.HasSuffix(sub, "/") && cleaned != "" {
			cleaned += "/"
		}
		u.Path = strings.TrimSuffix(u.Path, "/") + "/" + cleaned
		u.RawPath = ""
	}

	switch {
	case u.RawQuery == "":
		u.RawQuery = rawQuery
	case rawQuery != "":
		u.RawQuery = u.RawQuery + "&" + rawQuery
	}
	return u, nil
}

func outboundHeader(req *Request) http.Header {
	h := req.Header.Clone()
	if h == nil {
		h = http.Header{}
	}
	removeHopHeaders(h)
	h.Del(x402.HeaderPayment)
	h.Del(x402.HeaderPaymentSignature)

	if req.ClientIP != "" {
		if prior := h.Get("X-Forwarded-For"); prior != "" {
			h.Set("X-Forwarded-For", prior+", "+req.ClientIP)
		} else {
			h.Set("X-Forwarded-For", req.ClientIP)
		}
	}
	if req.Host != "" {
		h.Set("X-Forwarded-Host", req.Host)
	}
	if req.Scheme != "" {
		h.Set("X-Forwarded-Proto", req.Scheme)
	}
	return h
}

func removeHopHeaders(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

func isDialError(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// cancelBody releases the request context once the response is consumed.
type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}
