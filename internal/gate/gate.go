package gate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"gorm.io/datatypes"

	"github.com/x402wrap/paygate/internal/config"
	"github.com/x402wrap/paygate/internal/descriptor"
	"github.com/x402wrap/paygate/internal/forwarder"
	"github.com/x402wrap/paygate/internal/models"
	"github.com/x402wrap/paygate/internal/verifier"
	"github.com/x402wrap/paygate/pkg/logger"
	"github.com/x402wrap/paygate/pkg/x402"
)

const (
	// retryAfter is suggested to clients whose payment is not finalized yet
	retryAfter = 2 * time.Second
	// resolveUserTimeout bounds the best effort payer lookup
	resolveUserTimeout = 2 * time.Second
	// limiterIdle is how long an idle client keeps its challenge limiter
	limiterIdle = 10 * time.Minute
)

// Gate is the payment state machine in front of every wrapped API.
// It owns no state besides the challenge limiter; payments live in the ledger.
type Gate struct {
	logger *logger.Logger
	config *config.Config

	wrappers  models.WrapperSource
	accounts  models.AccountResolver
	ledger    models.Ledger
	nonces    models.NonceStore
	builder   *descriptor.Builder
	verifier  *verifier.Verifier
	forwarder *forwarder.Forwarder
	notifier  models.BillingNotifier

	limiter *challengeLimiter
	now     func() time.Time

	background sync.WaitGroup
}

// NewGate creates a new Gate. accounts and notifier may be nil.
func NewGate(
	wrappers models.WrapperSource,
	accounts models.AccountResolver,
	repo models.Repository,
	nonces models.NonceStore,
	builder *descriptor.Builder,
	verifier *verifier.Verifier,
	forwarder *forwarder.Forwarder,
	notifier models.BillingNotifier,
	logger *logger.Logger,
	config *config.Config,
) *Gate {
	if nonces == nil {
		nonces = repo
	}
	return &Gate{
		logger:    logger,
		config:    config,
		wrappers:  wrappers,
		accounts:  accounts,
		ledger:    repo,
		nonces:    nonces,
		builder:   builder,
		verifier:  verifier,
		forwarder: forwarder,
		notifier:  notifier,
		limiter:   newChallengeLimiter(config.ChallengeRate, config.ChallengeBurst),
		now:       time.Now,
	}
}

// Start purges expired nonces and idle limiters until ctx is done.
func (g *Gate) Start(ctx context.Context) {
	interval := g.config.NoncePurgeInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.maintain(ctx)
			}
		}
	}()
}

func (g *Gate) maintain(ctx context.Context) {
	now := g.now()
	purged, err := g.nonces.PurgeExpiredNonces(ctx, now)
	if err != nil {
		g.logger.Errorw("Failed to purge expired nonces", "error", err)
	} else if purged > 0 {
		g.logger.Debugw("Purged expired nonces", "count", purged)
	}
	if n := g.limiter.evict(now.Add(-limiterIdle)); n > 0 {
		g.logger.Debugw("Evicted idle challenge limiters", "count", n)
	}
}

// Handle runs one request through RECEIVED, then CHALLENGED, VERIFYING or
// REJECTED, then FORWARDING, and returns what the HTTP layer should write.
func (g *Gate) Handle(ctx context.Context, req *models.GateRequest) *models.GateResult {
	w, err := g.wrappers.GetWrapper(ctx, req.WrapperID)
	if err != nil {
		if !errors.Is(err, models.ErrUnknownWrapper) {
			g.logger.Errorw("Failed to load wrapper config", "wrapper", req.WrapperID, "error", err)
			err = fmt.Errorf("%w: %v", models.ErrConfigUnavailable, err)
		}
		return g.reject(models.StateReceived, err, nil)
	}

	header := req.Request.Header.Get(x402.HeaderPayment)
	if header == "" {
		header = req.Request.Header.Get(x402.HeaderPaymentSignature)
	}
	if header == "" {
		return g.challenge(ctx, w, req)
	}

	proof, err := x402.ParseHeader(header)
	if err != nil {
		return g.reject(models.StateReceived, fmt.Errorf("%w: %v", models.ErrMalformedProof, err), nil)
	}

	// the body is buffered before the payment is checked so an oversized
	// request never consumes a payment
	body, err := g.readBody(req.Request)
	if err != nil {
		return g.reject(models.StateReceived, err, nil)
	}

	g.logger.Debugw("Verifying payment", "wrapper", w.ID, "tx", proof.Transaction)
	payment, err := g.verifier.Verify(ctx, proof, w)
	if err != nil {
		return g.rejectPayment(ctx, w, req, proof, err)
	}

	// the payment is captured from here on; client disconnects must not
	// abort the ledger write or the forward
	detached := context.WithoutCancel(ctx)

	entry := g.newEntry(w, req, proof, payment)
	if err := g.ledger.InsertEntry(detached, entry); err != nil {
		if errors.Is(err, models.ErrDuplicateReference) {
			g.logger.Infow("Payment reused concurrently", "wrapper", w.ID, "tx", proof.Transaction)
		} else {
			g.logger.Errorw("Failed to record payment", "wrapper", w.ID, "tx", proof.Transaction, "error", err)
			err = fmt.Errorf("%w: %v", models.ErrLedgerUnavailable, err)
		}
		return g.reject(models.StateVerifying, err, nil)
	}
	g.logger.Infow("Payment accepted", "wrapper", w.ID, "tx", entry.TxReference, "payer", entry.Payer, "amount", entry.Amount, "token", entry.Token)
	g.resolvePayer(detached, entry.TxReference, entry.Payer)

	resp, err := g.forwarder.Forward(detached, w, forwarder.FromHTTP(req.Request, req.Path, req.ClientIP, body))
	if err != nil {
		g.logger.Errorw("Upstream failed after payment", "wrapper", w.ID, "tx", entry.TxReference, "error", err)
		g.alert(w, entry, err)
		result := g.reject(models.StateForwarding, err, nil)
		if challenge, ok := result.Body.(*x402.Challenge); ok {
			challenge.PaymentCaptured = true
			challenge.TxReference = entry.TxReference
		}
		return result
	}

	return &models.GateResult{
		State:    models.StateForwarding,
		Status:   resp.StatusCode,
		Header:   http.Header{},
		Upstream: resp,
		Entry:    entry,
	}
}

func (g *Gate) challenge(ctx context.Context, w *models.WrapperConfig, req *models.GateRequest) *models.GateResult {
	if !g.limiter.Allow(req.ClientIP, g.now()) {
		return g.reject(models.StateReceived, models.ErrChallengeRateLimited, nil)
	}
	terms, err := g.builder.Build(ctx, w, g.requestContext(req))
	if err != nil {
		g.logger.Errorw("Failed to build payment descriptor", "wrapper", w.ID, "error", err)
		return g.reject(models.StateReceived, fmt.Errorf("%w: %v", models.ErrLedgerUnavailable, err), nil)
	}
	return &models.GateResult{
		State:  models.StateChallenged,
		Status: http.StatusPaymentRequired,
		Header: http.Header{},
		Body: &x402.Challenge{
			Payment: terms,
			Message: "Payment required",
			Code:    x402.CodePaymentRequired,
		},
	}
}

// rejectPayment maps a verification failure. Mismatches carry a fresh
// descriptor so the client can pay correctly.
func (g *Gate) rejectPayment(ctx context.Context, w *models.WrapperConfig, req *models.GateRequest, proof *x402.Proof, err error) *models.GateResult {
	g.logger.Infow("Payment rejected", "wrapper", w.ID, "tx", proof.Transaction, "error", err)

	if errors.Is(err, models.ErrProofMismatch) || errors.Is(err, models.ErrProofNotFound) {
		terms, buildErr := g.builder.Build(ctx, w, g.requestContext(req))
		if buildErr != nil {
			g.logger.Warnw("Failed to build replacement descriptor", "wrapper", w.ID, "error", buildErr)
			terms = nil
		}
		return g.reject(models.StateVerifying, err, terms)
	}

	result := g.reject(models.StateVerifying, err, nil)
	if errors.Is(err, models.ErrProofUnconfirmed) {
		result.Header.Set("Retry-After", strconv.Itoa(int(retryAfter/time.Second)))
	}
	return result
}

func (g *Gate) reject(state models.GateState, err error, terms *x402.Requirement) *models.GateResult {
	ge := models.NewGateError(err)
	return &models.GateResult{
		State:  state,
		Status: ge.Status,
		Header: http.Header{},
		Body: &x402.Challenge{
			Payment:   terms,
			Message:   ge.Message,
			Code:      ge.Code,
			Retryable: ge.Retryable(),
		},
	}
}

func (g *Gate) readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	limit := g.config.MaxBodyBytes
	if r.ContentLength > limit {
		return nil, models.ErrRequestTooLarge
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, models.ErrRequestTooLarge
	}
	return body, nil
}

func (g *Gate) requestContext(req *models.GateRequest) descriptor.RequestContext {
	return descriptor.RequestContext{
		Path:           req.Path,
		IdempotencyKey: req.Request.Header.Get(x402.HeaderIdempotencyKey),
	}
}

func (g *Gate) newEntry(w *models.WrapperConfig, req *models.GateRequest, proof *x402.Proof, p *verifier.Payment) *models.LedgerEntry {
	raw, _ := json.Marshal(proof)
	return &models.LedgerEntry{
		ID:              ulid.Make().String(),
		WrapperID:       w.ID,
		Payer:           p.Payer,
		TxReference:     p.Reference,
		Network:         p.Network,
		Token:           p.Token,
		Amount:          p.Amount,
		AmountBaseUnits: p.BaseUnits.String(),
		Decimals:        p.Decimals,
		Memo:            p.Memo,
		RequestMethod:   req.Request.Method,
		RequestPath:     req.Path,
		Proof:           datatypes.JSON(raw),
		ConfirmedAt:     p.ConfirmedAt,
		CreatedAt:       g.now().UTC(),
	}
}

// resolvePayer links a recorded entry to the payer account in the background.
func (g *Gate) resolvePayer(ctx context.Context, txReference, payer string) {
	if g.accounts == nil || payer == "" {
		return
	}
	g.background.Add(1)
	go func() {
		defer g.background.Done()
		ctx, cancel := context.WithTimeout(ctx, resolveUserTimeout)
		defer cancel()

		account, err := g.accounts.ResolveUser(ctx, payer)
		if err != nil {
			g.logger.Warnw("Failed to resolve payer account", "payer", payer, "error", err)
			return
		}
		if account == nil || account.ID == "" {
			return
		}
		if err := g.ledger.SetPayerUserID(ctx, txReference, account.ID); err != nil {
			g.logger.Warnw("Failed to record payer account", "tx", txReference, "user", account.ID, "error", err)
		}
	}()
}

// Wait blocks until background payer lookups have finished.
func (g *Gate) Wait() {
	g.background.Wait()
}

func (g *Gate) alert(w *models.WrapperConfig, entry *models.LedgerEntry, cause error) {
	if g.notifier == nil {
		return
	}
	g.notifier.SendBillingAlert(&models.BillingAlert{
		WrapperID:   w.ID,
		OwnerID:     w.OwnerID,
		TxReference: entry.TxReference,
		Payer:       entry.Payer,
		Amount:      entry.Amount,
		Token:       entry.Token,
		Network:     entry.Network,
		Reason:      cause.Error(),
		OccurredAt:  g.now().UTC(),
	})
}
