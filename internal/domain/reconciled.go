package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ReconciledTransaction is the gateway's authoritative record of a previously
// submitted transaction, in canonical form.
type ReconciledTransaction struct {
	TransactionID   string          `json:"transaction_id"`
	GatewayUniqueID string          `json:"gateway_unique_id"`
	Status          string          `json:"status"`
	Amount          decimal.Decimal `json:"amount"`
	Timestamp       time.Time       `json:"timestamp"`
}
