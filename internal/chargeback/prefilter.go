package chargeback

import (
	"context"
	"log"
	"time"

	"github.com/wakala/batchpay/internal/domain"
	"github.com/wakala/batchpay/internal/mapping"
)

// IBANReader extracts the bank account of a raw record.
type IBANReader interface {
	IBAN(rec domain.Record) string
}

const filteredReason = "iban linked to a prior chargeback"

// FlaggedIBANs returns the normalized IBANs of every row, across history,
// whose transaction carries a chargeback.
func (e *Engine) FlaggedIBANs(ctx context.Context, history []domain.Upload, ibans IBANReader) (map[string]bool, error) {
	lk, err := e.link(ctx, history)
	if err != nil {
		return nil, err
	}
	flagged := make(map[string]bool)
	for i := range history {
		for r := range lk.charged[i] {
			if r >= len(history[i].Records) {
				continue
			}
			if iban := mapping.NormalizeIBAN(ibans.IBAN(history[i].Records[r])); iban != "" {
				flagged[iban] = true
			}
		}
	}
	return flagged, nil
}

// Prefilter moves pending rows of target whose IBAN matches a flagged IBAN
// into target.FilteredRecords. Records and rows stay index-aligned. Rows that
// were already attempted are never removed. It returns the number removed.
func Prefilter(target *domain.Upload, flagged map[string]bool, ibans IBANReader, now time.Time) int {
	if len(flagged) == 0 {
		return 0
	}
	records := make([]domain.Record, 0, len(target.Records))
	rows := make([]domain.RowState, 0, len(target.Rows))
	removed := 0
	for i, rec := range target.Records {
		var row domain.RowState
		if i < len(target.Rows) {
			row = target.Rows[i]
		} else {
			row.Status = domain.RowPending
		}
		iban := mapping.NormalizeIBAN(ibans.IBAN(rec))
		if row.Status == domain.RowPending && row.Attempts == 0 && iban != "" && flagged[iban] {
			target.FilteredRecords = append(target.FilteredRecords, domain.FilteredRecord{
				Index:  i,
				Record: rec,
				Reason: filteredReason,
				IBAN:   iban,
				At:     now,
			})
			removed++
			continue
		}
		records = append(records, rec)
		rows = append(rows, row)
	}
	target.Records = records
	target.Rows = rows
	if removed > 0 {
		log.Printf("[chargeback] upload %s: filtered %d rows by IBAN", target.ID, removed)
	}
	return removed
}
