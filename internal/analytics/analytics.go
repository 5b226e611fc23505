package analytics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/x402wrap/paygate/internal/models"
	"github.com/x402wrap/paygate/pkg/logger"
)

const (
	// DefaultEntriesLimit is used when a listing does not ask for a limit
	DefaultEntriesLimit = 100
	// MaxEntriesLimit caps one page of ledger entries
	MaxEntriesLimit = 1000

	window = 24 * time.Hour
)

// WrapperStats is the usage of one wrapped API.
type WrapperStats struct {
	WrapperID string `json:"api_id"`
	Name      string `json:"api_name,omitempty"`
	// PricePerRequest, Token and Network are empty when the wrapper is no
	// longer known to the management API.
	PricePerRequest string         `json:"price_per_request,omitempty"`
	Token           string         `json:"token,omitempty"`
	Network         models.Network `json:"network,omitempty"`

	TotalRequests int64                 `json:"total_requests"`
	Requests24h   int64                 `json:"requests_24h"`
	TotalRevenue  []models.TokenRevenue `json:"total_revenue"`
	Revenue24h    []models.TokenRevenue `json:"revenue_24h"`
}

// UserStats is the usage of every wrapper a user owns.
type UserStats struct {
	UserID        string                `json:"user_id"`
	TotalAPIs     int                   `json:"total_apis"`
	TotalRequests int64                 `json:"total_requests"`
	Requests24h   int64                 `json:"requests_24h"`
	TotalRevenue  []models.TokenRevenue `json:"total_revenue"`
	Revenue24h    []models.TokenRevenue `json:"revenue_24h"`
	APIStats      []*WrapperStats       `json:"api_stats"`
}

// Service reads usage out of the ledger. It never writes.
type Service struct {
	logger   *logger.Logger
	ledger   models.Ledger
	wrappers models.WrapperSource
	now      func() time.Time
}

func NewService(ledger models.Ledger, wrappers models.WrapperSource, logger *logger.Logger) *Service {
	return &Service{
		logger:   logger,
		ledger:   ledger,
		wrappers: wrappers,
		now:      time.Now,
	}
}

// SetClock replaces the time source, for tests.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// WrapperStats returns totals and last 24h usage of a wrapper. Ledger rows
// outlive their wrapper, so a wrapper unknown to the management API still
// reports its history.
func (s *Service) WrapperStats(ctx context.Context, wrapperID string) (*WrapperStats, error) {
	stats, err := s.usage(ctx, wrapperID)
	if err != nil {
		return nil, err
	}

	w, err := s.wrappers.GetWrapper(ctx, wrapperID)
	switch {
	case err == nil:
		describe(stats, w)
	case errors.Is(err, models.ErrUnknownWrapper):
	default:
		s.logger.Warnw("Failed to load wrapper for stats", "wrapper", wrapperID, "error", err)
	}
	return stats, nil
}

// Entries lists ledger rows of a wrapper, newest first.
func (s *Service) Entries(ctx context.Context, wrapperID string, since time.Time, limit int) ([]*models.LedgerEntry, error) {
	if limit <= 0 {
		limit = DefaultEntriesLimit
	}
	if limit > MaxEntriesLimit {
		limit = MaxEntriesLimit
	}
	entries, err := s.ledger.ListEntries(ctx, wrapperID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrLedgerUnavailable, err)
	}
	if entries == nil {
		entries = []*models.LedgerEntry{}
	}
	return entries, nil
}

// UserStats aggregates every wrapper the user owns.
func (s *Service) UserStats(ctx context.Context, userID string) (*UserStats, error) {
	wrappers, err := s.wrappers.ListWrappers(ctx, userID)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(wrappers))
	out := &UserStats{
		UserID:    userID,
		TotalAPIs: len(wrappers),
		APIStats:  make([]*WrapperStats, 0, len(wrappers)),
	}
	for _, w := range wrappers {
		ids = append(ids, w.ID)
		stats, err := s.usage(ctx, w.ID)
		if err != nil {
			return nil, err
		}
		describe(stats, w)
		out.APIStats = append(out.APIStats, stats)
	}

	total, err := s.ledger.Aggregate(ctx, ids, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrLedgerUnavailable, err)
	}
	recent, err := s.ledger.Aggregate(ctx, ids, s.now().Add(-window))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrLedgerUnavailable, err)
	}
	out.TotalRequests = total.Count
	out.TotalRevenue = total.Revenue
	out.Requests24h = recent.Count
	out.Revenue24h = recent.Revenue
	return out, nil
}

func (s *Service) usage(ctx context.Context, wrapperID string) (*WrapperStats, error) {
	ids := []string{wrapperID}
	total, err := s.ledger.Aggregate(ctx, ids, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrLedgerUnavailable, err)
	}
	recent, err := s.ledger.Aggregate(ctx, ids, s.now().Add(-window))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrLedgerUnavailable, err)
	}
	return &WrapperStats{
		WrapperID:     wrapperID,
		TotalRequests: total.Count,
		TotalRevenue:  total.Revenue,
		Requests24h:   recent.Count,
		Revenue24h:    recent.Revenue,
	}, nil
}

func describe(stats *WrapperStats, w *models.WrapperConfig) {
	stats.Name = w.Name
	stats.PricePerRequest = w.Price
	stats.Token = w.Token
	stats.Network = w.Network
}
