// Package x402 holds the wire format shared by the gateway and its clients:
// the 402 challenge body and the X-PAYMENT proof header.
package x402

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// HeaderPayment carries the payment proof on the retried request.
	HeaderPayment = "X-PAYMENT"
	// HeaderPaymentSignature is accepted as an alias of HeaderPayment.
	HeaderPaymentSignature = "Payment-Signature"
	// HeaderIdempotencyKey lets a client receive the same memo for repeated challenges.
	HeaderIdempotencyKey = "Idempotency-Key"
)

const (
	// NativeSOL is the token identifier for lamport transfers.
	NativeSOL = "native-SOL"
	// NativeXCB is the token identifier for native Core transfers.
	NativeXCB = "native-XCB"
)

// Error codes carried by 402/4xx/5xx bodies.
const (
	CodePaymentRequired     = "PAYMENT_REQUIRED"
	CodeInvalidPayment      = "INVALID_PAYMENT"
	CodePaymentUnconfirmed  = "PAYMENT_UNCONFIRMED"
	CodeDuplicatePayment    = "DUPLICATE_PAYMENT"
	CodeMalformedProof      = "MALFORMED_PROOF"
	CodeUnknownWrapper      = "UNKNOWN_WRAPPER"
	CodeUpstreamUnavailable = "UPSTREAM_UNAVAILABLE"
	CodeUpstreamTimeout     = "UPSTREAM_TIMEOUT"
	CodeVerifierUnavailable = "VERIFIER_UNAVAILABLE"
	CodeServiceUnavailable  = "SERVICE_UNAVAILABLE"
	CodeRateLimited         = "RATE_LIMITED"
	CodeRequestTooLarge     = "REQUEST_TOO_LARGE"
)

var ErrMalformedHeader = errors.New("malformed payment header")

// Requirement is the payment a client must make before the request is served.
type Requirement struct {
	// Amount is the decimal price exactly as configured for the wrapper.
	Amount    string `json:"amount"`
	Token     string `json:"token"`
	Recipient string `json:"recipient"`
	Network   string `json:"network,omitempty"`
	// Memo is a server issued nonce the client should attach to its transfer.
	Memo      string     `json:"memo,omitempty"`
	Decimals  *uint8     `json:"decimals,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Challenge is the body of a 402 response.
type Challenge struct {
	Payment   *Requirement `json:"payment,omitempty"`
	Message   string       `json:"message,omitempty"`
	Code      string       `json:"code,omitempty"`
	Retryable bool         `json:"retryable,omitempty"`
	// PaymentCaptured is set when the payment was recorded but the request
	// could not be served. TxReference identifies the payment for support.
	PaymentCaptured bool   `json:"payment_captured,omitempty"`
	TxReference     string `json:"tx_reference,omitempty"`
}

// Amount is a decimal that may arrive as a JSON number or string. The
// original text is kept so no precision is lost.
type Amount string

func (a *Amount) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return fmt.Errorf("amount is required")
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*a = Amount(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&n); err != nil {
		return fmt.Errorf("amount must be a number or string: %w", err)
	}
	*a = Amount(n.String())
	return nil
}

func (a Amount) String() string {
	return string(a)
}

// Proof is the decoded X-PAYMENT header.
type Proof struct {
	Transaction string `json:"transaction"`
	Amount      Amount `json:"amount"`
	Token       string `json:"token"`
}

// ParseHeader decodes an X-PAYMENT value. Both raw JSON and base64 encoded
// JSON are accepted.
func ParseHeader(value string) (*Proof, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, fmt.Errorf("%w: empty", ErrMalformedHeader)
	}

	raw := []byte(value)
	if value[0] != '{' {
		decoded, err := base64.StdEncoding.DecodeString(value)
		if err != nil {
			decoded, err = base64.RawURLEncoding.DecodeString(value)
			if err != nil {
				return nil, fmt.Errorf("%w: neither JSON nor base64", ErrMalformedHeader)
			}
		}
		raw = decoded
	}

	var proof Proof
	if err := json.Unmarshal(raw, &proof); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	proof.Transaction = strings.TrimSpace(proof.Transaction)
	proof.Token = strings.TrimSpace(proof.Token)

	switch {
	case proof.Transaction == "":
		return nil, fmt.Errorf("%w: transaction is required", ErrMalformedHeader)
	case proof.Token == "":
		return nil, fmt.Errorf("%w: token is required", ErrMalformedHeader)
	case proof.Amount == "":
		return nil, fmt.Errorf("%w: amount is required", ErrMalformedHeader)
	}
	return &proof, nil
}

// EncodeHeader renders a proof as the raw JSON form of X-PAYMENT.
func EncodeHeader(p *Proof) (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
