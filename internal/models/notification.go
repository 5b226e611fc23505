package models

import (
	"fmt"
	"strings"
	"time"
)

// BillingAlert is raised when a payment was captured but the request it paid
// for could not be served.
type BillingAlert struct {
	WrapperID   string    `json:"wrapper_id"`
	OwnerID     string    `json:"owner_id"`
	TxReference string    `json:"tx_reference"`
	Payer       string    `json:"payer"`
	Amount      string    `json:"amount"`
	Token       string    `json:"token"`
	Network     Network   `json:"network"`
	Reason      string    `json:"reason"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// Subject is a one line summary used as email subject.
func (a *BillingAlert) Subject() string {
	return fmt.Sprintf("Captured payment not served: wrapper %s", a.WrapperID)
}

func (a *BillingAlert) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Payment captured but upstream failed\n")
	fmt.Fprintf(&b, "Wrapper: %s (owner %s)\n", a.WrapperID, a.OwnerID)
	fmt.Fprintf(&b, "Transaction: %s on %s\n", a.TxReference, a.Network)
	fmt.Fprintf(&b, "Payer: %s\n", a.Payer)
	fmt.Fprintf(&b, "Amount: %s %s\n", a.Amount, a.Token)
	fmt.Fprintf(&b, "Reason: %s\n", a.Reason)
	fmt.Fprintf(&b, "At: %s", a.OccurredAt.UTC().Format(time.RFC3339))
	return b.String()
}
