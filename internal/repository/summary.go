package repository

import (
	"fmt"
	"math/big"

	"github.com/x402wrap/paygate/internal/models"
	"github.com/x402wrap/paygate/pkg/amount"
)

type revenueRow struct {
	Token    string
	Network  string
	Decimals uint8
	Count    int64
	Total    string
}

func summarize(rows []revenueRow) (*models.UsageSummary, error) {
	summary := &models.UsageSummary{Revenue: make([]models.TokenRevenue, 0, len(rows))}
	for _, r := range rows {
		total, ok := new(big.Int).SetString(r.Total, 10)
		if !ok {
			return nil, fmt.Errorf("invalid revenue total %q for token %s", r.Total, r.Token)
		}
		summary.Count += r.Count
		summary.Revenue = append(summary.Revenue, models.TokenRevenue{
			Token:     r.Token,
			Network:   models.Network(r.Network),
			Decimals:  r.Decimals,
			BaseUnits: total.String(),
			Amount:    amount.FromBaseUnits(total, r.Decimals),
			Count:     r.Count,
		})
	}
	return summary, nil
}
