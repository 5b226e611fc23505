package repository

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/x402wrap/paygate/internal/models"
)

// MemoryDB keeps the ledger and nonces in process memory. Uniqueness only
// holds within one process, so it suits single instance deployments and tests.
type MemoryDB struct {
	mu      sync.RWMutex
	entries []*models.LedgerEntry
	refs    map[string]*models.LedgerEntry
	nonces  map[string]*models.IssuedNonce
}

func NewMemoryDB() *MemoryDB {
	return &MemoryDB{
		refs:   make(map[string]*models.LedgerEntry),
		nonces: make(map[string]*models.IssuedNonce),
	}
}

func (m *MemoryDB) Close() error {
	return nil
}

func (m *MemoryDB) InsertEntry(_ context.Context, entry *models.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.refs[entry.TxReference]; exists {
		return fmt.Errorf("%w: %s", models.ErrDuplicateReference, entry.TxReference)
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	stored := *entry
	m.refs[entry.TxReference] = &stored
	m.entries = append(m.entries, &stored)
	return nil
}

func (m *MemoryDB) SetPayerUserID(_ context.Context, txReference, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, exists := m.refs[txReference]
	if !exists {
		return fmt.Errorf("ledger entry %s not found", txReference)
	}
	entry.PayerUserID = userID
	return nil
}

func (m *MemoryDB) HasReference(_ context.Context, txReference string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, exists := m.refs[txReference]
	return exists, nil
}

func (m *MemoryDB) ListEntries(_ context.Context, wrapperID string, since time.Time, limit int) ([]*models.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.LedgerEntry
	for i := len(m.entries) - 1; i >= 0; i-- {
		e := m.entries[i]
		if e.WrapperID != wrapperID || e.CreatedAt.Before(since) {
			continue
		}
		copied := *e
		out = append(out, &copied)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryDB) Aggregate(_ context.Context, wrapperIDs []string, since time.Time) (*models.UsageSummary, error) {
	wanted := make(map[string]struct{}, len(wrapperIDs))
	for _, id := range wrapperIDs {
		wanted[id] = struct{}{}
	}

	type key struct {
		token    string
		network  models.Network
		decimals uint8
	}
	totals := make(map[key]*big.Int)
	counts := make(map[key]int64)

	m.mu.RLock()
	for _, e := range m.entries {
		if _, ok := wanted[e.WrapperID]; !ok || e.CreatedAt.Before(since) {
			continue
		}
		v, ok := new(big.Int).SetString(e.AmountBaseUnits, 10)
		if !ok {
			m.mu.RUnlock()
			return nil, fmt.Errorf("invalid base units %q in entry %s", e.AmountBaseUnits, e.ID)
		}
		k := key{token: e.Token, network: e.Network, decimals: e.Decimals}
		if totals[k] == nil {
			totals[k] = new(big.Int)
		}
		totals[k].Add(totals[k], v)
		counts[k]++
	}
	m.mu.RUnlock()

	rows := make([]revenueRow, 0, len(totals))
	for k, total := range totals {
		rows = append(rows, revenueRow{
			Token:    k.token,
			Network:  string(k.network),
			Decimals: k.decimals,
			Count:    counts[k],
			Total:    total.String(),
		})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Token != rows[j].Token {
			return rows[i].Token < rows[j].Token
		}
		return rows[i].Network < rows[j].Network
	})
	return summarize(rows)
}

func (m *MemoryDB) RegisterNonce(_ context.Context, nonce *models.IssuedNonce) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n, exists := m.nonces[nonce.Nonce]; exists {
		if n.WrapperID != nonce.WrapperID || n.ConsumedAt != nil {
			return models.ErrNonceInvalid
		}
		n.ExpiresAt = nonce.ExpiresAt
		return nil
	}
	stored := *nonce
	m.nonces[nonce.Nonce] = &stored
	return nil
}

func (m *MemoryDB) ConsumeNonce(_ context.Context, nonce, wrapperID, txReference string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, exists := m.nonces[nonce]
	if !exists || n.WrapperID != wrapperID {
		return models.ErrNonceInvalid
	}
	if n.ConsumedAt != nil {
		if n.ConsumedBy == txReference {
			return nil
		}
		return models.ErrNonceInvalid
	}
	if !n.ExpiresAt.After(now) {
		return models.ErrNonceInvalid
	}
	consumed := now
	n.ConsumedAt = &consumed
	n.ConsumedBy = txReference
	return nil
}

func (m *MemoryDB) PurgeExpiredNonces(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var purged int64
	for k, n := range m.nonces {
		if n.ExpiresAt.Before(before) {
			delete(m.nonces, k)
			purged++
		}
	}
	return purged, nil
}
