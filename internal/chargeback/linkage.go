// Package chargeback links gateway chargebacks back to the uploads and rows
// that produced the disputed transactions.
//
// The link is a three-hop join computed at read time:
// row transaction id -> reconciled transaction -> gateway unique id -> chargeback.
package chargeback

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wakala/batchpay/internal/domain"
	"github.com/wakala/batchpay/internal/txid"
)

// TransactionCache resolves engine transaction ids to gateway unique ids.
type TransactionCache interface {
	UniqueIDsByTransactionIDs(ctx context.Context, ids []string) (map[string]string, error)
}

// ChargebackCache looks up cached chargebacks.
type ChargebackCache interface {
	FindByOriginalUniqueIDs(ctx context.Context, uids []string) ([]domain.Chargeback, error)
	List(ctx context.Context) ([]domain.Chargeback, error)
}

// Detail is one chargeback matched to an upload row.
type Detail struct {
	Row           int    `json:"row"`
	TransactionID string `json:"transaction_id"`
	// RetryGeneration is 0 when the base id was charged back, n for __Rn.
	RetryGeneration   int             `json:"retry_generation"`
	GatewayUniqueID   string          `json:"gateway_unique_id"`
	ReasonCode        string          `json:"reason_code"`
	ReasonDescription string          `json:"reason_description"`
	Amount            decimal.Decimal `json:"amount"`
	PostDate          *time.Time      `json:"post_date,omitempty"`
	NetworkReference  string          `json:"network_reference"`
}

// UploadReport summarizes the chargebacks affecting one upload.
type UploadReport struct {
	UploadID         string          `json:"upload_id"`
	ApprovedCount    int             `json:"approved_count"`
	ChargebackCount  int             `json:"chargeback_count"`
	ChargebackAmount decimal.Decimal `json:"chargeback_amount"`
	ChargebackRate   string          `json:"chargeback_rate"`
	Chargebacks      []Detail        `json:"chargebacks"`
}

// Report is the result of linking a set of uploads.
type Report struct {
	Uploads          []UploadReport      `json:"uploads"`
	TotalChargebacks int                 `json:"total_chargebacks"`
	TotalAmount      decimal.Decimal     `json:"total_amount"`
	UnmatchedCount   int                 `json:"unmatched_count"`
	Unmatched        []domain.Chargeback `json:"unmatched"`
}

type Engine struct {
	txns TransactionCache
	cbs  ChargebackCache
}

func NewEngine(txns TransactionCache, cbs ChargebackCache) *Engine {
	return &Engine{txns: txns, cbs: cbs}
}

// hit is a row whose transaction carries a chargeback.
type hit struct {
	row           int
	transactionID string
	uniqueID      string
	chargeback    domain.Chargeback
}

// linkage holds the result of one join. hits carries each chargeback once per
// upload; charged marks every row whose transaction carries any chargeback.
type linkage struct {
	hits    [][]hit
	charged []map[int]bool
	matched map[string]bool
}

// Report links every upload to its chargebacks and counts cached chargebacks
// that match none of them.
func (e *Engine) Report(ctx context.Context, uploads []domain.Upload) (*Report, error) {
	lk, err := e.link(ctx, uploads)
	if err != nil {
		return nil, err
	}

	rep := &Report{Uploads: make([]UploadReport, 0, len(uploads)), TotalAmount: decimal.Zero}
	for i := range uploads {
		ur := summarize(&uploads[i], lk.hits[i])
		rep.TotalChargebacks += ur.ChargebackCount
		rep.TotalAmount = rep.TotalAmount.Add(ur.ChargebackAmount)
		rep.Uploads = append(rep.Uploads, ur)
	}

	all, err := e.cbs.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list chargebacks: %w", err)
	}
	rep.Unmatched = []domain.Chargeback{}
	for _, cb := range all {
		if !lk.matched[chargebackKey(cb)] {
			rep.Unmatched = append(rep.Unmatched, cb)
		}
	}
	rep.UnmatchedCount = len(rep.Unmatched)
	return rep, nil
}

// UploadReport links a single upload.
func (e *Engine) UploadReport(ctx context.Context, u *domain.Upload) (*UploadReport, error) {
	lk, err := e.link(ctx, []domain.Upload{*u})
	if err != nil {
		return nil, err
	}
	ur := summarize(u, lk.hits[0])
	return &ur, nil
}

func (e *Engine) link(ctx context.Context, uploads []domain.Upload) (*linkage, error) {
	// Hop 1: every id a row may have been submitted under.
	idSet := make(map[string]bool)
	for i := range uploads {
		for _, row := range uploads[i].Rows {
			for _, id := range rowTransactionIDs(row) {
				idSet[id] = true
			}
		}
	}

	lk := &linkage{
		hits:    make([][]hit, len(uploads)),
		charged: make([]map[int]bool, len(uploads)),
		matched: make(map[string]bool),
	}
	for i := range uploads {
		lk.charged[i] = make(map[int]bool)
	}
	if len(idSet) == 0 {
		return lk, nil
	}

	// Hop 2: transaction id -> gateway unique id.
	txToUID, err := e.txns.UniqueIDsByTransactionIDs(ctx, sortedKeys(idSet))
	if err != nil {
		return nil, fmt.Errorf("resolve unique ids: %w", err)
	}
	if len(txToUID) == 0 {
		return lk, nil
	}

	// Hop 3: gateway unique id -> chargebacks. A transaction may be disputed
	// more than once.
	uidSet := make(map[string]bool, len(txToUID))
	for _, uid := range txToUID {
		uidSet[uid] = true
	}
	cbs, err := e.cbs.FindByOriginalUniqueIDs(ctx, sortedKeys(uidSet))
	if err != nil {
		return nil, fmt.Errorf("find chargebacks: %w", err)
	}
	uidToCBs := make(map[string][]domain.Chargeback, len(cbs))
	for _, cb := range cbs {
		uid := cb.OriginalTransactionUniqueID
		uidToCBs[uid] = append(uidToCBs[uid], cb)
	}
	for _, list := range uidToCBs {
		sort.SliceStable(list, func(a, b int) bool { return chargebackKey(list[a]) < chargebackKey(list[b]) })
	}

	for i := range uploads {
		seen := make(map[string]bool)
		for r, row := range uploads[i].Rows {
			hits := matchRow(row, txToUID, uidToCBs)
			if len(hits) == 0 {
				continue
			}
			lk.charged[i][r] = true
			for _, h := range hits {
				key := chargebackKey(h.chargeback)
				lk.matched[key] = true
				if seen[key] {
					continue
				}
				seen[key] = true
				h.row = r
				lk.hits[i] = append(lk.hits[i], h)
			}
		}
	}
	return lk, nil
}

// rowTransactionIDs lists a row's candidate ids, most specific first. A row
// that never reached the gateway has none.
func rowTransactionIDs(row domain.RowState) []string {
	if row.Attempts == 0 {
		return nil
	}
	var ids []string
	add := func(id string) {
		if id == "" {
			return
		}
		for _, x := range ids {
			if x == id {
				return
			}
		}
		ids = append(ids, id)
	}
	add(row.LastTransactionID)
	if row.Request != nil {
		add(row.Request.TransactionID)
	}
	add(row.BaseTransactionID)
	return ids
}

// matchRow returns every distinct chargeback reachable from the row's ids.
func matchRow(row domain.RowState, txToUID map[string]string, uidToCBs map[string][]domain.Chargeback) []hit {
	var out []hit
	seen := make(map[string]bool)
	for _, id := range rowTransactionIDs(row) {
		uid, ok := txToUID[id]
		if !ok {
			continue
		}
		for _, cb := range uidToCBs[uid] {
			key := chargebackKey(cb)
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, hit{transactionID: id, uniqueID: uid, chargeback: cb})
		}
	}
	return out
}

func summarize(u *domain.Upload, hits []hit) UploadReport {
	ur := UploadReport{
		UploadID:         u.ID,
		ApprovedCount:    domain.CountRows(u.Rows).Approved,
		ChargebackCount:  len(hits),
		ChargebackAmount: decimal.Zero,
		Chargebacks:      make([]Detail, 0, len(hits)),
	}
	for _, h := range hits {
		cb := h.chargeback
		ur.ChargebackAmount = ur.ChargebackAmount.Add(cb.Amount)
		ur.Chargebacks = append(ur.Chargebacks, Detail{
			Row:               h.row,
			TransactionID:     h.transactionID,
			RetryGeneration:   txid.Generation(h.transactionID),
			GatewayUniqueID:   h.uniqueID,
			ReasonCode:        cb.ReasonCode,
			ReasonDescription: cb.ReasonDescription,
			Amount:            cb.Amount,
			PostDate:          cb.PostDate,
			NetworkReference:  cb.NetworkReference,
		})
	}
	ur.ChargebackRate = Rate(ur.ChargebackCount, ur.ApprovedCount)
	return ur
}

// Rate formats count/approved as a percentage; "0%" when nothing was approved.
func Rate(count, approved int) string {
	if approved == 0 {
		return "0%"
	}
	pct := decimal.NewFromInt(int64(count)).
		Div(decimal.NewFromInt(int64(approved))).
		Mul(decimal.NewFromInt(100))
	return pct.StringFixed(2) + "%"
}

func chargebackKey(cb domain.Chargeback) string {
	if cb.ID != "" {
		return cb.ID
	}
	return cb.OriginalTransactionUniqueID + "|" + cb.ReasonCode
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
