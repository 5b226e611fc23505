package client

import (
	"context"
	"errors"
	"sync"

	"github.com/x402wrap/paygate/pkg/x402"
)

// ErrNoMoreProofs is returned by StaticStrategy once its proofs are used up.
var ErrNoMoreProofs = errors.New("no more payment proofs")

// StaticStrategy hands out prepared proofs in order, for tests and for
// payments made out of band.
type StaticStrategy struct {
	mu     sync.Mutex
	proofs []*x402.Proof
	seen   []*x402.Requirement
}

func NewStaticStrategy(proofs ...*x402.Proof) *StaticStrategy {
	return &StaticStrategy{proofs: proofs}
}

func (s *StaticStrategy) Pay(_ context.Context, req *x402.Requirement) (*x402.Proof, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, req)
	if len(s.proofs) == 0 {
		return nil, ErrNoMoreProofs
	}
	p := s.proofs[0]
	s.proofs = s.proofs[1:]
	return p, nil
}

// Requirements returns every requirement Pay was asked to satisfy.
func (s *StaticStrategy) Requirements() []*x402.Requirement {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*x402.Requirement(nil), s.seen...)
}
