package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/wakala/batchpay/internal/domain"
)

// ChargebackRepo is the local cache of gateway chargeback records.
type ChargebackRepo struct {
	db *sql.DB
}

func NewChargebackRepo(db *sql.DB) *ChargebackRepo {
	return &ChargebackRepo{db: db}
}

// UpsertDocuments stores raw chargeback documents. Documents without an
// original transaction reference are skipped.
func (r *ChargebackRepo) UpsertDocuments(ctx context.Context, docs []json.RawMessage) (int, error) {
	return upsertDocuments(ctx, r.db, "chargebacks", docs, func(doc document) string {
		orig := doc.str(origUniqueKeys)
		if orig == "" {
			return ""
		}
		if id := doc.str(chargebackIDKey); id != "" {
			return "id:" + id
		}
		return "orig:" + orig + "|" + doc.str(postDateKeys) + "|" + doc.str(reasonCodeKeys)
	})
}

// FindByOriginalUniqueIDs returns chargebacks whose original transaction
// unique id, in either spelling, is among uids.
func (r *ChargebackRepo) FindByOriginalUniqueIDs(ctx context.Context, uids []string) ([]domain.Chargeback, error) {
	var out []domain.Chargeback
	err := inChunks(uids, 400, func(chunk []string) error {
		ph := placeholders(len(chunk))
		q := `SELECT id, doc FROM chargebacks
			WHERE CAST(json_extract(doc, '$.originalTransactionUniqueId') AS TEXT) IN (` + ph + `)
			   OR CAST(json_extract(doc, '$.original_transaction_unique_id') AS TEXT) IN (` + ph + `)
			ORDER BY id`
		args := append(toArgs(chunk), toArgs(chunk)...)
		return queryDocuments(ctx, r.db, q, args, func(id string, doc document) {
			out = append(out, normalizeChargeback(id, doc))
		})
	})
	if err != nil {
		return nil, fmt.Errorf("find chargebacks: %w", err)
	}
	return out, nil
}

// List returns every cached chargeback.
func (r *ChargebackRepo) List(ctx context.Context) ([]domain.Chargeback, error) {
	var out []domain.Chargeback
	err := queryDocuments(ctx, r.db, "SELECT id, doc FROM chargebacks ORDER BY fetched_at, id", nil,
		func(id string, doc document) {
			out = append(out, normalizeChargeback(id, doc))
		})
	if err != nil {
		return nil, fmt.Errorf("list chargebacks: %w", err)
	}
	return out, nil
}
