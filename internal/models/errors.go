package models

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/x402wrap/paygate/pkg/x402"
)

var (
	ErrUnknownWrapper       = errors.New("unknown wrapper")
	ErrMalformedProof       = errors.New("malformed payment proof")
	ErrProofUnconfirmed     = errors.New("payment transaction is not finalized yet")
	ErrProofMismatch        = errors.New("payment does not match the required terms")
	ErrProofNotFound        = errors.New("payment transaction not found")
	ErrProofAlreadyConsumed = errors.New("payment transaction was already used")
	ErrVerifierUnavailable  = errors.New("payment verification is unavailable")
	ErrUpstreamUnavailable  = errors.New("upstream unavailable")
	ErrUpstreamTimeout      = errors.New("upstream timed out")
	ErrConfigUnavailable    = errors.New("wrapper configuration unavailable")
	ErrLedgerUnavailable    = errors.New("usage ledger unavailable")
	ErrChallengeRateLimited = errors.New("too many payment challenges")
	ErrRequestTooLarge      = errors.New("request body too large")

	// ErrDuplicateReference is returned by a Ledger when the transaction
	// reference is already recorded.
	ErrDuplicateReference = errors.New("duplicate transaction reference")
	// ErrNonceInvalid is returned by a NonceStore when a nonce cannot be consumed.
	ErrNonceInvalid = errors.New("nonce unknown, expired or already used")

	ErrTransactionNotFound = errors.New("transaction not found")
	ErrTransactionPending  = errors.New("transaction not finalized")
	ErrTransactionFailed   = errors.New("transaction failed on chain")
	ErrInvalidReference    = errors.New("invalid transaction reference")
	ErrUnsupportedNetwork  = errors.New("unsupported network")
)

// GateError is a request rejection with its wire code and HTTP status.
type GateError struct {
	Status  int
	Code    string
	Message string
	Err     error
}

func (e *GateError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return e.Code
}

func (e *GateError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the client should retry with the same proof.
func (e *GateError) Retryable() bool {
	return errors.Is(e.Err, ErrProofUnconfirmed)
}

// NewGateError classifies err into the rejection returned to the client.
func NewGateError(err error) *GateError {
	var ge *GateError
	if errors.As(err, &ge) {
		return ge
	}

	classify := func(status int, code, message string) *GateError {
		return &GateError{Status: status, Code: code, Message: message, Err: err}
	}

	switch {
	case errors.Is(err, ErrUnknownWrapper):
		return classify(http.StatusNotFound, x402.CodeUnknownWrapper, "Unknown API wrapper")
	case errors.Is(err, ErrMalformedProof):
		return classify(http.StatusBadRequest, x402.CodeMalformedProof, "Malformed X-PAYMENT header")
	case errors.Is(err, ErrProofUnconfirmed):
		return classify(http.StatusPaymentRequired, x402.CodePaymentUnconfirmed, "Payment is not finalized yet, retry with the same proof")
	case errors.Is(err, ErrProofMismatch), errors.Is(err, ErrProofNotFound):
		return classify(http.StatusPaymentRequired, x402.CodeInvalidPayment, "Invalid payment")
	case errors.Is(err, ErrProofAlreadyConsumed), errors.Is(err, ErrDuplicateReference):
		return classify(http.StatusConflict, x402.CodeDuplicatePayment, "Payment transaction was already used")
	case errors.Is(err, ErrUpstreamTimeout):
		return classify(http.StatusGatewayTimeout, x402.CodeUpstreamTimeout, "Upstream API timed out")
	case errors.Is(err, ErrUpstreamUnavailable):
		return classify(http.StatusBadGateway, x402.CodeUpstreamUnavailable, "Upstream API unavailable")
	case errors.Is(err, ErrVerifierUnavailable):
		return classify(http.StatusServiceUnavailable, x402.CodeVerifierUnavailable, "Payment verification unavailable")
	case errors.Is(err, ErrChallengeRateLimited):
		return classify(http.StatusTooManyRequests, x402.CodeRateLimited, "Too many requests")
	case errors.Is(err, ErrRequestTooLarge):
		return classify(http.StatusRequestEntityTooLarge, x402.CodeRequestTooLarge, "Request body too large")
	default:
		return classify(http.StatusServiceUnavailable, x402.CodeServiceUnavailable, "Service temporarily unavailable")
	}
}
