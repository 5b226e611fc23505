package blockchain

import (
	"fmt"
	"sort"
	"sync"

	"github.com/x402wrap/paygate/internal/models"
)

// Registry maps each network to the client that verifies payments on it.
type Registry struct {
	mu      sync.RWMutex
	clients map[models.Network]models.ChainClient
}

func NewRegistry(clients ...models.ChainClient) *Registry {
	r := &Registry{clients: make(map[models.Network]models.ChainClient)}
	for _, c := range clients {
		r.Register(c)
	}
	return r
}

// Register adds or replaces the client for c.Network().
func (r *Registry) Register(c models.ChainClient) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c.Network()] = c
}

func (r *Registry) ClientFor(network models.Network) (models.ChainClient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[network]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrUnsupportedNetwork, network)
	}
	return c, nil
}

// Networks lists the configured networks in a stable order.
func (r *Registry) Networks() []models.Network {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Network, 0, len(r.clients))
	for n := range r.clients {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
