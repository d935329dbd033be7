// Package submission drives upload rows through the payment gateway under
// bounded concurrency.
//
// Two modes exist. Bulk mode walks the eligible rows in fixed-size chunks and
// never stops early. Strict mode runs a small worker pool over a shared cursor
// and stops dispatching after the first row error.
package submission

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/wakala/batchpay/internal/currency"
	"github.com/wakala/batchpay/internal/domain"
	"github.com/wakala/batchpay/internal/gateway"
	"github.com/wakala/batchpay/internal/mapping"
	"github.com/wakala/batchpay/internal/resolution"
)

type Mode string

const (
	ModeBulk   Mode = "bulk"
	ModeStrict Mode = "strict"
)

var (
	ErrMisaligned = errors.New("upload rows and records are not aligned")
	ErrUploadBusy = errors.New("upload is already being processed")
)

// Store loads uploads and persists their row progress.
type Store interface {
	GetByID(ctx context.Context, id string) (*domain.Upload, error)
	SaveRows(ctx context.Context, uploadID string, rows []domain.RowState) error
	SaveCounters(ctx context.Context, uploadID string, c domain.Counters) error
}

type Config struct {
	BulkConcurrency     int           `mapstructure:"bulk_concurrency"`
	StrictConcurrency   int           `mapstructure:"strict_concurrency"`
	MaxDuplicateRetries int           `mapstructure:"max_duplicate_retries"`
	FlushInterval       time.Duration `mapstructure:"flush_interval"`
	ErrorCap            int           `mapstructure:"error_cap"`
}

func DefaultConfig() Config {
	return Config{
		BulkConcurrency:     20,
		StrictConcurrency:   3,
		MaxDuplicateRetries: 3,
		FlushInterval:       5 * time.Second,
		ErrorCap:            20,
	}
}

// Options select what a single Run processes.
type Options struct {
	Mode Mode `json:"mode"`
	// Indices restricts processing to these row indices when non-empty.
	Indices []int `json:"rows,omitempty"`
	// StopOnFirstError forces strict mode.
	StopOnFirstError bool `json:"stopOnFirstError,omitempty"`
	DryRun           bool `json:"dryRun,omitempty"`
}

// RowError describes one failed row.
type RowError struct {
	Index   int    `json:"row"`
	Message string `json:"message"`
}

// RowFailure is returned by a strict-mode run that halted on a row error.
type RowFailure struct {
	Index   int
	Message string
}

func (e *RowFailure) Error() string {
	return fmt.Sprintf("row %d: %s", e.Index, e.Message)
}

// Preview is the dry-run view of one row.
type Preview struct {
	Index         int    `json:"row"`
	TransactionID string `json:"transactionId"`
	Amount        int64  `json:"amount,omitempty"`
	Currency      string `json:"currency,omitempty"`
	// Display is the amount in major units, e.g. "12.50 EUR".
	Display         string `json:"display,omitempty"`
	ValidationError string `json:"validationError,omitempty"`
}

// Summary is returned for every run, including failed strict runs.
type Summary struct {
	UploadID   string          `json:"upload_id"`
	Mode       Mode            `json:"mode"`
	Eligible   int             `json:"eligible"`
	Processed  int             `json:"processed"`
	Chunks     int             `json:"chunks,omitempty"`
	Counters   domain.Counters `json:"counters"`
	Errors     []RowError      `json:"errors,omitempty"`
	FirstError *RowError       `json:"first_error,omitempty"`
	DryRun     []Preview       `json:"dry_run,omitempty"`
}

// Orchestrator owns row state transitions while a run is in flight.
type Orchestrator struct {
	gw         gateway.Gateway
	resolver   *resolution.Resolver
	mapper     mapping.Mapper
	store      Store
	classifier *gateway.Classifier
	cfg        Config
	now        func() time.Time

	inflight sync.Map
}

func NewOrchestrator(gw gateway.Gateway, mapper mapping.Mapper, store Store, cfg Config) *Orchestrator {
	def := DefaultConfig()
	if cfg.BulkConcurrency <= 0 {
		cfg.BulkConcurrency = def.BulkConcurrency
	}
	if cfg.StrictConcurrency <= 0 {
		cfg.StrictConcurrency = def.StrictConcurrency
	}
	if cfg.MaxDuplicateRetries < 0 {
		cfg.MaxDuplicateRetries = def.MaxDuplicateRetries
	}
	if cfg.FlushInterval < 0 {
		cfg.FlushInterval = 0
	}
	if cfg.ErrorCap <= 0 {
		cfg.ErrorCap = def.ErrorCap
	}
	return &Orchestrator{
		gw:         gw,
		resolver:   resolution.NewResolver(gw),
		mapper:     mapper,
		store:      store,
		classifier: gateway.NewClassifier(),
		cfg:        cfg,
		now:        time.Now,
	}
}

// Acquire claims the upload for exclusive processing. The returned release
// func is safe to call more than once. ErrUploadBusy is returned while another
// caller holds the claim.
func (o *Orchestrator) Acquire(uploadID string) (release func(), err error) {
	if _, busy := o.inflight.LoadOrStore(uploadID, struct{}{}); busy {
		return nil, ErrUploadBusy
	}
	var once sync.Once
	return func() { once.Do(func() { o.inflight.Delete(uploadID) }) }, nil
}

// Run processes every eligible row of upload, mutating upload.Rows in place.
// In strict mode a *RowFailure is returned alongside the summary when a row
// fails.
func (o *Orchestrator) Run(ctx context.Context, upload *domain.Upload, opts Options) (*Summary, error) {
	opts, err := normalize(upload, opts)
	if err != nil {
		return nil, err
	}
	if opts.DryRun {
		return o.dryRun(upload, opts), nil
	}
	release, err := o.Acquire(upload.ID)
	if err != nil {
		return nil, err
	}
	defer release()
	return o.run(ctx, upload, opts)
}

// RunUpload claims the upload, loads its latest stored state and runs it.
// Dry runs skip the claim.
func (o *Orchestrator) RunUpload(ctx context.Context, uploadID string, opts Options) (*Summary, error) {
	if !opts.DryRun {
		release, err := o.Acquire(uploadID)
		if err != nil {
			return nil, err
		}
		defer release()
	}
	upload, err := o.store.GetByID(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	opts, err = normalize(upload, opts)
	if err != nil {
		return nil, err
	}
	if opts.DryRun {
		return o.dryRun(upload, opts), nil
	}
	return o.run(ctx, upload, opts)
}

func normalize(upload *domain.Upload, opts Options) (Options, error) {
	if len(upload.Rows) != len(upload.Records) {
		return opts, fmt.Errorf("%w: %d rows, %d records", ErrMisaligned, len(upload.Rows), len(upload.Records))
	}
	if opts.StopOnFirstError {
		opts.Mode = ModeStrict
	}
	if opts.Mode == "" {
		opts.Mode = ModeBulk
	}
	if opts.Mode != ModeBulk && opts.Mode != ModeStrict {
		return opts, fmt.Errorf("unknown mode %q", opts.Mode)
	}
	return opts, nil
}

func (o *Orchestrator) dryRun(upload *domain.Upload, opts Options) *Summary {
	eligible := eligibleRows(upload.Rows, opts.Indices)
	return &Summary{
		UploadID: upload.ID,
		Mode:     opts.Mode,
		Eligible: len(eligible),
		Counters: domain.CountRows(upload.Rows),
		DryRun:   o.preview(upload, eligible),
	}
}

// run expects the caller to hold the claim on upload.
func (o *Orchestrator) run(ctx context.Context, upload *domain.Upload, opts Options) (*Summary, error) {
	eligible := eligibleRows(upload.Rows, opts.Indices)
	summary := &Summary{UploadID: upload.ID, Mode: opts.Mode, Eligible: len(eligible)}

	b := newBatch(o, upload)
	interval := o.cfg.FlushInterval
	if opts.Mode == ModeStrict {
		interval = 0
	}
	b.ckpt = newCheckpointer(o.store, upload.ID, interval, o.now, b.snapshot)

	start := o.now()
	log.Printf("[submission] upload %s: %s run over %d eligible rows", upload.ID, opts.Mode, len(eligible))

	var failure *RowFailure
	switch opts.Mode {
	case ModeStrict:
		failure = b.runStrict(ctx, eligible, o.cfg.StrictConcurrency)
	default:
		summary.Chunks = b.runBulk(ctx, eligible, o.cfg.BulkConcurrency)
	}

	counters, err := b.ckpt.final(ctx)
	if err != nil {
		return nil, fmt.Errorf("final flush: %w", err)
	}
	upload.ApprovedCount = counters.Approved
	upload.ErrorCount = counters.Error

	summary.Processed = b.processed()
	summary.Counters = counters
	summary.Errors = b.errs.list()

	log.Printf("[submission] upload %s: done in %s: processed=%d approved=%d submitted=%d error=%d pending=%d",
		upload.ID, o.now().Sub(start).Round(time.Millisecond), summary.Processed,
		counters.Approved, counters.Submitted, counters.Error, counters.Pending)

	if failure != nil {
		summary.FirstError = &RowError{Index: failure.Index, Message: failure.Message}
		return summary, failure
	}
	return summary, nil
}

// Reset returns the given non-approved rows to pending and clears their
// identity so the next run derives it again.
func (o *Orchestrator) Reset(ctx context.Context, upload *domain.Upload, indices []int) (int, error) {
	release, err := o.Acquire(upload.ID)
	if err != nil {
		return 0, err
	}
	defer release()
	return o.reset(ctx, upload, indices)
}

// ResetUpload claims the upload, reloads it and resets the given rows. The
// reloaded upload is returned with the reset applied.
func (o *Orchestrator) ResetUpload(ctx context.Context, uploadID string, indices []int) (*domain.Upload, int, error) {
	release, err := o.Acquire(uploadID)
	if err != nil {
		return nil, 0, err
	}
	defer release()
	upload, err := o.store.GetByID(ctx, uploadID)
	if err != nil {
		return nil, 0, err
	}
	n, err := o.reset(ctx, upload, indices)
	if err != nil {
		return nil, 0, err
	}
	return upload, n, nil
}

func (o *Orchestrator) reset(ctx context.Context, upload *domain.Upload, indices []int) (int, error) {
	n := ResetRows(upload.Rows, indices)
	if n == 0 {
		return 0, nil
	}
	if err := o.store.SaveRows(ctx, upload.ID, upload.Rows); err != nil {
		return 0, fmt.Errorf("save rows: %w", err)
	}
	c := domain.CountRows(upload.Rows)
	if err := o.store.SaveCounters(ctx, upload.ID, c); err != nil {
		return 0, fmt.Errorf("save counters: %w", err)
	}
	upload.ApprovedCount = c.Approved
	upload.ErrorCount = c.Error
	return n, nil
}

// ResetRows resets rows in place and reports how many changed. Approved rows
// are left untouched.
func ResetRows(rows []domain.RowState, indices []int) int {
	n := 0
	for _, i := range indices {
		if i < 0 || i >= len(rows) || rows[i].Terminal() {
			continue
		}
		rows[i] = domain.RowState{Status: domain.RowPending}
		n++
	}
	return n
}

func (o *Orchestrator) preview(upload *domain.Upload, eligible []int) []Preview {
	out := make([]Preview, 0, len(eligible))
	for _, i := range eligible {
		req, err := o.mapper.Map(upload.Records[i])
		st := upload.Rows[i]
		base := baseID(st, req.TransactionID, upload.ID, i)
		p := Preview{Index: i, TransactionID: attemptID(base, st.RetryCount), Amount: req.Amount, Currency: req.Currency}
		if err != nil {
			p.ValidationError = err.Error()
		} else {
			p.Display = currency.FromMinor(req.Amount, req.Currency).StringFixed(currency.Exponent(req.Currency)) + " " + req.Currency
		}
		out = append(out, p)
	}
	return out
}

// eligibleRows returns the sorted, de-duplicated indices to process.
// Approved rows are never eligible.
func eligibleRows(rows []domain.RowState, selection []int) []int {
	var out []int
	if len(selection) == 0 {
		for i, r := range rows {
			if !r.Terminal() {
				out = append(out, i)
			}
		}
		return out
	}

	seen := make(map[int]bool, len(selection))
	for _, i := range selection {
		if i < 0 || i >= len(rows) || seen[i] || rows[i].Terminal() {
			continue
		}
		seen[i] = true
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}
