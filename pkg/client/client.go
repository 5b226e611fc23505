// Package client calls x402 gated APIs, paying for requests on demand.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/x402wrap/paygate/pkg/x402"
)

const (
	// DefaultMaxRetries bounds re-sends of one proof while it is not finalized
	DefaultMaxRetries = 5
	// DefaultRetryWait is used when a retryable 402 has no Retry-After
	DefaultRetryWait = 2 * time.Second
	// DefaultMaxRetryWait caps the wait asked for by Retry-After
	DefaultMaxRetryWait = 30 * time.Second
)

var errNotFinalized = errors.New("payment not finalized")

// PaymentStrategy pays the given requirement and returns the proof to send.
type PaymentStrategy interface {
	Pay(ctx context.Context, req *x402.Requirement) (*x402.Proof, error)
}

// Client sends requests, and on 402 pays once with its strategy and retries
// with the proof.
type Client struct {
	httpClient   *http.Client
	strategy     PaymentStrategy
	maxRetries   uint64
	retryWait    time.Duration
	maxRetryWait time.Duration
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

// WithMaxRetries sets how many times an unconfirmed proof is re-sent.
func WithMaxRetries(n uint64) Option {
	return func(cl *Client) {
		cl.maxRetries = n
	}
}

// WithRetryWait sets the default and maximum waits between re-sends.
func WithRetryWait(wait, max time.Duration) Option {
	return func(cl *Client) {
		cl.retryWait = wait
		cl.maxRetryWait = max
	}
}

func New(strategy PaymentStrategy, opts ...Option) *Client {
	c := &Client{
		httpClient:   &http.Client{Timeout: 60 * time.Second},
		strategy:     strategy,
		maxRetries:   DefaultMaxRetries,
		retryWait:    DefaultRetryWait,
		maxRetryWait: DefaultMaxRetryWait,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do sends req. A 402 challenge is paid at most once per call; a retryable
// rejection re-sends the same proof after Retry-After instead of paying again.
// The returned response body is always readable, including for 402s. A 402
// without readable payment terms is returned as is.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	body, err := bufferBody(req)
	if err != nil {
		return nil, err
	}

	resp, err := c.send(req, body, "")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		return resp, nil
	}

	challenge, err := readChallenge(resp)
	if err != nil || challenge.Payment == nil {
		// nothing to pay, e.g. a 402 from a non x402 server
		return resp, nil
	}
	resp.Body.Close()

	proof, err := c.strategy.Pay(ctx, challenge.Payment)
	if err != nil {
		return nil, fmt.Errorf("failed to pay for request: %w", err)
	}
	header, err := x402.EncodeHeader(proof)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payment proof: %w", err)
	}

	wait := &retryAfter{fallback: c.retryWait, max: c.maxRetryWait}
	var last *http.Response
	operation := func() error {
		r, err := c.send(req, body, header)
		if err != nil {
			// the proof is reusable, so transport errors are retried
			return err
		}
		if r.StatusCode == http.StatusPaymentRequired {
			ch, err := readChallenge(r)
			if err == nil && ch.Retryable {
				if last != nil {
					last.Body.Close()
				}
				last = r
				wait.set(r.Header.Get("Retry-After"))
				return errNotFinalized
			}
		}
		if last != nil {
			last.Body.Close()
		}
		last = r
		return nil
	}

	err = backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(wait, c.maxRetries), ctx))
	if err != nil && !errors.Is(err, errNotFinalized) {
		if last != nil {
			last.Body.Close()
		}
		return nil, err
	}
	return last, nil
}

func (c *Client) send(req *http.Request, body []byte, payment string) (*http.Response, error) {
	out := req.Clone(req.Context())
	if body != nil {
		out.Body = io.NopCloser(bytes.NewReader(body))
		out.ContentLength = int64(len(body))
	}
	if payment != "" {
		out.Header.Set(x402.HeaderPayment, payment)
	}
	return c.httpClient.Do(out)
}

func bufferBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	defer req.Body.Close()
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}
	return body, nil
}

// readChallenge decodes a 402 body and leaves it readable for the caller.
func readChallenge(resp *http.Response) (*x402.Challenge, error) {
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to read 402 body: %w", err)
	}
	var challenge x402.Challenge
	if err := json.Unmarshal(data, &challenge); err != nil {
		return nil, fmt.Errorf("failed to decode 402 body: %w", err)
	}
	return &challenge, nil
}

// retryAfter is a backoff.BackOff that waits what the server last asked for.
type retryAfter struct {
	fallback time.Duration
	max      time.Duration
	next     time.Duration
}

func (r *retryAfter) set(header string) {
	r.next = r.fallback
	if secs, err := strconv.Atoi(header); err == nil && secs >= 0 {
		r.next = time.Duration(secs) * time.Second
	}
	if r.next > r.max {
		r.next = r.max
	}
}

func (r *retryAfter) NextBackOff() time.Duration {
	return r.next
}

func (r *retryAfter) Reset() {
	r.next = r.fallback
}
