package submission

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/wakala/batchpay/internal/domain"
	"github.com/wakala/batchpay/internal/gateway"
	"github.com/wakala/batchpay/internal/mapping"
	"github.com/wakala/batchpay/internal/txid"
)

// batch is the state of one Run. Each row index is handed to exactly one
// worker; mu only orders row commits against checkpoint snapshots.
type batch struct {
	o      *Orchestrator
	upload *domain.Upload
	ckpt   *checkpointer
	errs   *errorList

	mu   sync.Mutex
	done atomic.Int64
}

func newBatch(o *Orchestrator, upload *domain.Upload) *batch {
	return &batch{o: o, upload: upload, errs: newErrorList(o.cfg.ErrorCap)}
}

// runBulk processes rows in chunks of width. Every row of a chunk finishes
// before the next chunk starts. Returns the number of chunks.
func (b *batch) runBulk(ctx context.Context, eligible []int, width int) int {
	chunks := 0
	for start := 0; start < len(eligible); start += width {
		end := min(start+width, len(eligible))
		var g errgroup.Group
		for _, i := range eligible[start:end] {
			i := i
			g.Go(func() error {
				b.runRow(ctx, i)
				return nil
			})
		}
		_ = g.Wait()
		chunks++
	}
	return chunks
}

// runStrict processes rows with width workers pulling from a shared cursor.
// The first failed row stops further dispatch; rows already in flight finish.
func (b *batch) runStrict(ctx context.Context, eligible []int, width int) *RowFailure {
	var (
		cursor  atomic.Int64
		stop    atomic.Bool
		once    sync.Once
		failure *RowFailure
	)

	var g errgroup.Group
	for w := 0; w < width; w++ {
		g.Go(func() error {
			for !stop.Load() {
				n := int(cursor.Add(1) - 1)
				if n >= len(eligible) {
					return nil
				}
				i := eligible[n]
				st := b.runRow(ctx, i)
				if st.Status == domain.RowError {
					once.Do(func() {
						failure = &RowFailure{Index: i, Message: rowMessage(st)}
						stop.Store(true)
					})
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	return failure
}

func (b *batch) runRow(ctx context.Context, i int) domain.RowState {
	st := b.process(ctx, i)
	b.commit(i, st)
	b.done.Add(1)
	if st.Status == domain.RowError {
		b.errs.add(RowError{Index: i, Message: rowMessage(st)})
	}
	b.ckpt.maybeFlush(ctx)
	return st
}

// process runs the per-row state machine on a private copy of the row.
func (b *batch) process(ctx context.Context, i int) domain.RowState {
	st := b.upload.Rows[i]
	st.ResolvedViaExisting = false

	req, err := b.o.mapper.Map(b.upload.Records[i])
	st.BaseTransactionID = baseID(st, req.TransactionID, b.upload.ID, i)
	if err != nil {
		st.Status = domain.RowError
		st.Result = &domain.ResultSnapshot{Message: "validation: " + err.Error()}
		return st
	}

	maxRetries := b.o.cfg.MaxDuplicateRetries
	for {
		id := attemptID(st.BaseTransactionID, st.RetryCount)
		req.TransactionID = id
		if req.Usage == "" {
			req.Usage = id
		}

		now := b.o.now().UTC()
		st.Attempts++
		st.LastAttemptAt = &now
		st.LastTransactionID = id
		st.Request = mapping.Mask(req)

		resp := b.submit(ctx, req)
		st.Result = snapshot(resp)

		if resp.OK {
			st.Status = domain.RowSubmitted
			if gateway.ClassifyStatus(resp.Status) == gateway.BucketApproved {
				st.Status = domain.RowApproved
			}
			return st
		}

		if resp.Kind != gateway.KindDuplicateTransaction {
			st.Status = domain.RowError
			return st
		}

		out := b.o.resolver.Resolve(ctx, id)
		if out.Conclusive() {
			st.Status = domain.RowSubmitted
			if out.Bucket == gateway.BucketApproved {
				st.Status = domain.RowApproved
			}
			st.ResolvedViaExisting = true
			st.Result = &domain.ResultSnapshot{
				GatewayUniqueID:  out.UniqueID,
				GatewayStatus:    out.Status,
				Message:          out.Message,
				TechnicalMessage: resp.Message,
			}
			return st
		}

		if st.DuplicateRetries >= maxRetries {
			st.Status = domain.RowError
			return st
		}
		st.RetryCount++
		st.DuplicateRetries++
	}
}

// submit never returns nil; transport failures become negative responses.
func (b *batch) submit(ctx context.Context, req gateway.SubmitRequest) *gateway.Response {
	resp, err := b.o.gw.Submit(ctx, req)
	if err != nil || resp == nil {
		out := &gateway.Response{OK: false}
		if err != nil {
			out.Message = err.Error()
		} else {
			out.Message = "empty gateway response"
		}
		b.o.classifier.Annotate(out, err)
		return out
	}
	if !resp.OK && resp.Kind == gateway.KindNone {
		b.o.classifier.Annotate(resp, nil)
	}
	return resp
}

func (b *batch) commit(i int, st domain.RowState) {
	b.mu.Lock()
	b.upload.Rows[i] = st
	b.mu.Unlock()
}

func (b *batch) snapshot() []domain.RowState {
	b.mu.Lock()
	defer b.mu.Unlock()
	rows := make([]domain.RowState, len(b.upload.Rows))
	copy(rows, b.upload.Rows)
	return rows
}

func (b *batch) processed() int {
	return int(b.done.Load())
}

func baseID(st domain.RowState, rawID, uploadID string, i int) string {
	if st.BaseTransactionID != "" {
		return st.BaseTransactionID
	}
	if base := txid.DeriveBase(rawID); base != "" {
		return base
	}
	return txid.Fallback(uploadID, i)
}

func attemptID(base string, retry int) string {
	return txid.WithRetry(base, retry)
}

func snapshot(resp *gateway.Response) *domain.ResultSnapshot {
	return &domain.ResultSnapshot{
		GatewayUniqueID:  resp.UniqueID,
		GatewayStatus:    resp.Status,
		Message:          resp.Message,
		TechnicalMessage: resp.TechnicalMessage,
	}
}

func rowMessage(st domain.RowState) string {
	if st.Result == nil {
		return "unknown error"
	}
	if st.Result.Message != "" {
		return st.Result.Message
	}
	if st.Result.TechnicalMessage != "" {
		return st.Result.TechnicalMessage
	}
	return "unknown error"
}

// errorList keeps the first n row errors.
type errorList struct {
	mu    sync.Mutex
	limit int
	items []RowError
}

func newErrorList(limit int) *errorList {
	return &errorList{limit: limit}
}

func (l *errorList) add(e RowError) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.items) < l.limit {
		l.items = append(l.items, e)
	}
}

func (l *errorList) list() []RowError {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]RowError, len(l.items))
	copy(out, l.items)
	return out
}
