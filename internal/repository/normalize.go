package repository

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wakala/batchpay/internal/domain"
)

// Accepted spellings per canonical field, in lookup order.
var (
	txnIDKeys       = []string{"transactionId", "transaction_id"}
	uniqueIDKeys    = []string{"uniqueId", "unique_id"}
	statusKeys      = []string{"status"}
	amountKeys      = []string{"amount"}
	timestampKeys   = []string{"timestamp", "transactionDate", "transaction_date"}
	origUniqueKeys  = []string{"originalTransactionUniqueId", "original_transaction_unique_id"}
	reasonCodeKeys  = []string{"reasonCode", "reason_code"}
	reasonDescKeys  = []string{"reasonDescription", "reason_description"}
	postDateKeys    = []string{"postDate", "post_date"}
	networkRefKeys  = []string{"networkReference", "network_reference", "arn"}
	chargebackIDKey = []string{"uniqueId", "unique_id", "id"}
)

type document map[string]any

func parseDocument(raw []byte) (document, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc document
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return doc, nil
}

// str returns the first non-empty value among keys, stringified.
func (d document) str(keys []string) string {
	for _, k := range keys {
		v, ok := d[k]
		if !ok || v == nil {
			continue
		}
		var s string
		switch t := v.(type) {
		case string:
			s = t
		case json.Number:
			s = t.String()
		case bool:
			s = strconv.FormatBool(t)
		default:
			s = fmt.Sprint(t)
		}
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return ""
}

func (d document) amount(keys []string) decimal.Decimal {
	s := d.str(keys)
	if s == "" {
		return decimal.Zero
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return v
}

var timeLayouts = []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02"}

func (d document) time(keys []string) *time.Time {
	s := d.str(keys)
	if s == "" {
		return nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}

func normalizeReconciled(doc document) domain.ReconciledTransaction {
	tx := domain.ReconciledTransaction{
		TransactionID:   doc.str(txnIDKeys),
		GatewayUniqueID: doc.str(uniqueIDKeys),
		Status:          doc.str(statusKeys),
		Amount:          doc.amount(amountKeys),
	}
	if ts := doc.time(timestampKeys); ts != nil {
		tx.Timestamp = *ts
	}
	return tx
}

func normalizeChargeback(id string, doc document) domain.Chargeback {
	return domain.Chargeback{
		ID:                          id,
		OriginalTransactionUniqueID: doc.str(origUniqueKeys),
		ReasonCode:                  doc.str(reasonCodeKeys),
		ReasonDescription:           doc.str(reasonDescKeys),
		Amount:                      doc.amount(amountKeys),
		PostDate:                    doc.time(postDateKeys),
		NetworkReference:            doc.str(networkRefKeys),
	}
}
