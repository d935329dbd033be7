// Package reconciliation refreshes the local reconciled-transaction and
// chargeback caches from the gateway's reconcile-by-date feed.
package reconciliation

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/wakala/batchpay/internal/gateway"
)

// SyncResult summarises one cache refresh.
type SyncResult struct {
	From         time.Time `json:"from"`
	To           time.Time `json:"to"`
	Windows      int       `json:"windows"`
	Transactions int       `json:"transactions"`
	Chargebacks  int       `json:"chargebacks"`
}

// RangeSource is the part of the gateway the sync needs.
type RangeSource interface {
	ReconcileRange(ctx context.Context, from, to time.Time) (*gateway.RangeResult, error)
}

// DocumentStore upserts raw gateway documents by their natural key.
type DocumentStore interface {
	UpsertDocuments(ctx context.Context, docs []json.RawMessage) (int, error)
}

// Service pulls reconcile windows and stores what comes back.
type Service struct {
	src         RangeSource
	txns        DocumentStore
	chargebacks DocumentStore
	window      time.Duration
}

// NewService creates a sync service. window bounds the span of a single
// gateway call; zero fetches the whole range at once.
func NewService(src RangeSource, txns, chargebacks DocumentStore, window time.Duration) *Service {
	return &Service{src: src, txns: txns, chargebacks: chargebacks, window: window}
}

// Sync fetches [from, to] in consecutive windows. Re-running a range is
// harmless because documents are keyed deterministically.
func (s *Service) Sync(ctx context.Context, from, to time.Time) (*SyncResult, error) {
	if to.Before(from) {
		return nil, fmt.Errorf("sync: range end %s before start %s",
			to.Format("2006-01-02"), from.Format("2006-01-02"))
	}

	res := &SyncResult{From: from, To: to}
	for _, w := range windows(from, to, s.window) {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		page, err := s.src.ReconcileRange(ctx, w[0], w[1])
		if err != nil {
			return res, fmt.Errorf("reconcile %s..%s: %w",
				w[0].Format("2006-01-02"), w[1].Format("2006-01-02"), err)
		}
		res.Windows++

		n, err := s.txns.UpsertDocuments(ctx, page.Transactions)
		if err != nil {
			return res, fmt.Errorf("store transactions: %w", err)
		}
		res.Transactions += n

		n, err = s.chargebacks.UpsertDocuments(ctx, page.Chargebacks)
		if err != nil {
			return res, fmt.Errorf("store chargebacks: %w", err)
		}
		res.Chargebacks += n
	}

	log.Printf("[reconciliation] synced %s..%s in %d windows: %d transactions, %d chargebacks",
		from.Format("2006-01-02"), to.Format("2006-01-02"), res.Windows, res.Transactions, res.Chargebacks)
	return res, nil
}

// windows splits [from, to] into inclusive spans no longer than size.
func windows(from, to time.Time, size time.Duration) [][2]time.Time {
	if size <= 0 {
		return [][2]time.Time{{from, to}}
	}
	var out [][2]time.Time
	for start := from; !start.After(to); start = start.Add(size) {
		end := start.Add(size - time.Nanosecond)
		if end.After(to) {
			end = to
		}
		out = append(out, [2]time.Time{start, end})
	}
	return out
}
