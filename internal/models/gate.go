package models

import (
	"context"
	"net/http"
)

// GateState is the position of a request in the payment state machine.
type GateState string

const (
	StateReceived   GateState = "RECEIVED"
	StateChallenged GateState = "CHALLENGED"
	StateVerifying  GateState = "VERIFYING"
	StateForwarding GateState = "FORWARDING"
	StateRejected   GateState = "REJECTED"
	StateDone       GateState = "DONE"
)

// GateRequest is an inbound request against a wrapped API.
type GateRequest struct {
	WrapperID string
	// Path is the part of the URL after the wrapper prefix.
	Path     string
	ClientIP string
	Request  *http.Request
}

// GateResult is what the HTTP layer writes back. Exactly one of Upstream
// (a forwarded response the caller must stream and close) or Body is set.
type GateResult struct {
	// State is the last state reached before DONE.
	State  GateState
	Status int
	Header http.Header
	Body   interface{}

	Upstream *http.Response
	Entry    *LedgerEntry
}

type GateI interface {
	// Start starts background maintenance
	Start(ctx context.Context)

	// Handle runs one request through the state machine
	Handle(ctx context.Context, req *GateRequest) *GateResult
}
