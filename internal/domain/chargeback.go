package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Chargeback is a dispute against an original transaction, referenced by the
// gateway's unique id.
type Chargeback struct {
	ID                          string          `json:"id"`
	OriginalTransactionUniqueID string          `json:"original_transaction_unique_id"`
	ReasonCode                  string          `json:"reason_code"`
	ReasonDescription           string          `json:"reason_description"`
	Amount                      decimal.Decimal `json:"amount"`
	PostDate                    *time.Time      `json:"post_date,omitempty"`
	NetworkReference            string          `json:"network_reference"`
}
