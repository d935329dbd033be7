package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wakala/batchpay/internal/domain"
)

// ReconciledRepo is the local cache of the gateway's transaction records.
type ReconciledRepo struct {
	db *sql.DB
}

func NewReconciledRepo(db *sql.DB) *ReconciledRepo {
	return &ReconciledRepo{db: db}
}

var docNamespace = uuid.MustParse("6f1c1e4a-3d0b-4b8e-9a55-2f7f2b9b8c10")

// UpsertDocuments stores raw gateway transaction documents. The row key is
// derived from the document's identity, so re-importing a window replaces
// rather than duplicates. Documents with no identifier are skipped.
func (r *ReconciledRepo) UpsertDocuments(ctx context.Context, docs []json.RawMessage) (int, error) {
	return upsertDocuments(ctx, r.db, "reconciled_transactions", docs, func(doc document) string {
		if uid := doc.str(uniqueIDKeys); uid != "" {
			return "uid:" + uid
		}
		if id := doc.str(txnIDKeys); id != "" {
			return "txn:" + id
		}
		return ""
	})
}

// FindByTransactionIDs returns cached transactions whose transaction id, in
// either spelling, is among ids.
func (r *ReconciledRepo) FindByTransactionIDs(ctx context.Context, ids []string) ([]domain.ReconciledTransaction, error) {
	var out []domain.ReconciledTransaction
	err := inChunks(ids, 400, func(chunk []string) error {
		ph := placeholders(len(chunk))
		q := `SELECT id, doc FROM reconciled_transactions
			WHERE CAST(json_extract(doc, '$.transactionId') AS TEXT) IN (` + ph + `)
			   OR CAST(json_extract(doc, '$.transaction_id') AS TEXT) IN (` + ph + `)`
		args := append(toArgs(chunk), toArgs(chunk)...)
		return queryDocuments(ctx, r.db, q, args, func(_ string, doc document) {
			out = append(out, normalizeReconciled(doc))
		})
	})
	if err != nil {
		return nil, fmt.Errorf("find reconciled: %w", err)
	}
	return out, nil
}

// UniqueIDsByTransactionIDs maps transaction id to gateway unique id for every
// cached match.
func (r *ReconciledRepo) UniqueIDsByTransactionIDs(ctx context.Context, ids []string) (map[string]string, error) {
	txns, err := r.FindByTransactionIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	m := make(map[string]string, len(txns))
	for _, tx := range txns {
		if tx.TransactionID != "" && tx.GatewayUniqueID != "" {
			m[tx.TransactionID] = tx.GatewayUniqueID
		}
	}
	return m, nil
}

func (r *ReconciledRepo) Count(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM reconciled_transactions").Scan(&n)
	return n, err
}

// --- helpers shared with ChargebackRepo ---

func upsertDocuments(ctx context.Context, db *sql.DB, table string, docs []json.RawMessage, key func(document) string) (int, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO "+table+" (id, doc, fetched_at) VALUES (?,?,?) "+
			"ON CONFLICT(id) DO UPDATE SET doc = excluded.doc, fetched_at = excluded.fetched_at")
	if err != nil {
		return 0, fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	fetchedAt := time.Now().UTC().Format(time.RFC3339)
	stored := 0
	for i, raw := range docs {
		doc, err := parseDocument(raw)
		if err != nil {
			return stored, fmt.Errorf("document %d: %w", i, err)
		}
		k := key(doc)
		if k == "" {
			continue
		}
		id := uuid.NewSHA1(docNamespace, []byte(table+"|"+k)).String()
		if _, err := stmt.ExecContext(ctx, id, string(raw), fetchedAt); err != nil {
			return stored, fmt.Errorf("upsert document %d: %w", i, err)
		}
		stored++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return stored, nil
}

func queryDocuments(ctx context.Context, db *sql.DB, q string, args []any, fn func(id string, doc document)) error {
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return err
		}
		doc, err := parseDocument([]byte(raw))
		if err != nil {
			return fmt.Errorf("row %s: %w", id, err)
		}
		fn(id, doc)
	}
	return rows.Err()
}
