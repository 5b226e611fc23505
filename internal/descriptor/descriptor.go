package descriptor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/x402wrap/paygate/internal/models"
	"github.com/x402wrap/paygate/pkg/logger"
	"github.com/x402wrap/paygate/pkg/x402"
)

// DefaultNonceTTL is how long an issued memo nonce stays valid
const DefaultNonceTTL = 5 * time.Minute

// RequestContext identifies the request a challenge is issued for.
type RequestContext struct {
	Path string
	// IdempotencyKey is the client supplied Idempotency-Key header, if any.
	IdempotencyKey string
}

// Builder issues payment descriptors for 402 challenges.
type Builder struct {
	logger *logger.Logger
	nonces models.NonceStore
	ttl    time.Duration
	now    func() time.Time
}

// NewBuilder creates a Builder. A zero ttl uses DefaultNonceTTL.
func NewBuilder(nonces models.NonceStore, ttl time.Duration, logger *logger.Logger) *Builder {
	if ttl <= 0 {
		ttl = DefaultNonceTTL
	}
	return &Builder{
		logger: logger,
		nonces: nonces,
		ttl:    ttl,
		now:    time.Now,
	}
}

// SetClock replaces the time source. Used by tests.
func (b *Builder) SetClock(now func() time.Time) {
	b.now = now
}

// Terms returns the payment terms of a wrapper without a memo.
func Terms(w *models.WrapperConfig) *x402.Requirement {
	req := &x402.Requirement{
		Amount:    w.Price,
		Token:     w.Token,
		Recipient: w.Recipient,
		Network:   string(w.Network),
	}
	if d, ok := models.ResolveDecimals(w); ok {
		req.Decimals = &d
	}
	return req
}

// Build returns the descriptor for one challenge and registers its nonce.
// Repeated challenges with one Idempotency-Key share a nonce, with a renewed
// expiry, until it is consumed; after that they get a random one.
func (b *Builder) Build(ctx context.Context, w *models.WrapperConfig, rc RequestContext) (*x402.Requirement, error) {
	req := Terms(w)

	issued := &models.IssuedNonce{
		WrapperID:   w.ID,
		RequestPath: rc.Path,
		IssuedAt:    b.now().UTC(),
	}
	issued.ExpiresAt = issued.IssuedAt.Add(b.ttl)

	issued.Nonce = newNonce(w.ID, rc)
	err := b.nonces.RegisterNonce(ctx, issued)
	if errors.Is(err, models.ErrNonceInvalid) && rc.IdempotencyKey != "" {
		b.logger.Debugw("Idempotency nonce already used, issuing a random one", "wrapper", w.ID, "path", rc.Path)
		issued.Nonce = newNonce(w.ID, RequestContext{Path: rc.Path})
		err = b.nonces.RegisterNonce(ctx, issued)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to register nonce: %w", err)
	}

	req.Memo = issued.Nonce
	req.ExpiresAt = &issued.ExpiresAt
	b.logger.Debugw("Issued payment descriptor", "wrapper", w.ID, "path", rc.Path, "memo", issued.Nonce)
	return req, nil
}

func newNonce(wrapperID string, rc RequestContext) string {
	var id uuid.UUID
	if rc.IdempotencyKey != "" {
		id = uuid.NewSHA1(uuid.NameSpaceURL, []byte(wrapperID+"\x00"+rc.Path+"\x00"+rc.IdempotencyKey))
	} else {
		id = uuid.New()
	}
	return strings.ReplaceAll(id.String(), "-", "")
}
