package submission

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wakala/batchpay/internal/domain"
	"github.com/wakala/batchpay/internal/gateway"
	"github.com/wakala/batchpay/internal/mapping"
)

type fakeGateway struct {
	mu         sync.Mutex
	onSubmit   func(req gateway.SubmitRequest) (*gateway.Response, error)
	onRecon    func(id string) (*gateway.Response, error)
	submitted  []string
	reconciled []string
}

func (f *fakeGateway) Submit(_ context.Context, req gateway.SubmitRequest) (*gateway.Response, error) {
	f.mu.Lock()
	f.submitted = append(f.submitted, req.TransactionID)
	f.mu.Unlock()
	if f.onSubmit == nil {
		return &gateway.Response{OK: true, Status: "approved", UniqueID: "U-" + req.TransactionID}, nil
	}
	return f.onSubmit(req)
}

func (f *fakeGateway) Reconcile(_ context.Context, id string) (*gateway.Response, error) {
	f.mu.Lock()
	f.reconciled = append(f.reconciled, id)
	f.mu.Unlock()
	if f.onRecon == nil {
		return &gateway.Response{OK: false, Message: "not found"}, nil
	}
	return f.onRecon(id)
}

func (f *fakeGateway) ReconcileRange(context.Context, time.Time, time.Time) (*gateway.RangeResult, error) {
	return nil, errors.New("not used")
}

func (f *fakeGateway) submits() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.submitted...)
}

type memStore struct {
	mu       sync.Mutex
	upload   *domain.Upload
	rows     []domain.RowState
	counters domain.Counters
	saves    int
}

func (s *memStore) GetByID(_ context.Context, id string) (*domain.Upload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upload == nil || s.upload.ID != id {
		return nil, fmt.Errorf("upload %s: not found", id)
	}
	u := *s.upload
	u.Rows = append([]domain.RowState(nil), s.upload.Rows...)
	if s.rows != nil {
		u.Rows = append([]domain.RowState(nil), s.rows...)
	}
	return &u, nil
}

func (s *memStore) SaveRows(_ context.Context, _ string, rows []domain.RowState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append([]domain.RowState(nil), rows...)
	s.saves++
	return nil
}

func (s *memStore) SaveCounters(_ context.Context, _ string, c domain.Counters) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters = c
	return nil
}

func record(id string) domain.Record {
	return domain.Record{
		"transaction_id": id,
		"amount":         "10.00",
		"currency":       "EUR",
		"first_name":     "Ada",
		"last_name":      "Lovelace",
		"iban":           "DE89370400440532013000",
	}
}

func newUpload(n int) *domain.Upload {
	u := &domain.Upload{ID: "up1"}
	for i := 0; i < n; i++ {
		u.Records = append(u.Records, record(fmt.Sprintf("T-%d", i)))
	}
	u.Rows = domain.NewRows(n)
	return u
}

func newTestOrchestrator(gw gateway.Gateway, store Store) *Orchestrator {
	return NewOrchestrator(gw, mapping.NewColumnMapper(mapping.DefaultConfig()), store, DefaultConfig())
}

func duplicate() *gateway.Response {
	return &gateway.Response{OK: false, Message: "transaction id already exists"}
}

func TestDuplicateResolvedViaExistingApproved(t *testing.T) {
	gw := &fakeGateway{
		onSubmit: func(gateway.SubmitRequest) (*gateway.Response, error) { return duplicate(), nil },
		onRecon: func(id string) (*gateway.Response, error) {
			return &gateway.Response{OK: true, Status: "approved", UniqueID: "U1"}, nil
		},
	}
	u := &domain.Upload{ID: "up1", Records: []domain.Record{record("X-1")}, Rows: domain.NewRows(1)}

	_, err := newTestOrchestrator(gw, &memStore{}).Run(context.Background(), u, Options{})
	require.NoError(t, err)

	row := u.Rows[0]
	assert.Equal(t, domain.RowApproved, row.Status)
	assert.Equal(t, "U1", row.Result.GatewayUniqueID)
	assert.Equal(t, 0, row.DuplicateRetries)
	assert.True(t, row.ResolvedViaExisting)
	assert.Equal(t, []string{"X-1"}, gw.submits())
	assert.Equal(t, []string{"X-1"}, gw.reconciled)
}

func TestDuplicateResolvedViaExistingPending(t *testing.T) {
	gw := &fakeGateway{
		onSubmit: func(gateway.SubmitRequest) (*gateway.Response, error) { return duplicate(), nil },
		onRecon: func(string) (*gateway.Response, error) {
			return &gateway.Response{OK: true, Status: "pending_async", UniqueID: "U2"}, nil
		},
	}
	u := &domain.Upload{ID: "up1", Records: []domain.Record{record("X-1")}, Rows: domain.NewRows(1)}

	_, err := newTestOrchestrator(gw, &memStore{}).Run(context.Background(), u, Options{})
	require.NoError(t, err)
	assert.Equal(t, domain.RowSubmitted, u.Rows[0].Status)
	assert.Equal(t, "U2", u.Rows[0].Result.GatewayUniqueID)
}

func TestDuplicateRetriesWithNewID(t *testing.T) {
	gw := &fakeGateway{
		onSubmit: func(req gateway.SubmitRequest) (*gateway.Response, error) {
			if req.TransactionID == "X-1" {
				return duplicate(), nil
			}
			return &gateway.Response{OK: true, Status: "approved", UniqueID: "U7"}, nil
		},
		onRecon: func(string) (*gateway.Response, error) {
			return &gateway.Response{OK: true, Status: "declined"}, nil
		},
	}
	u := &domain.Upload{ID: "up1", Records: []domain.Record{record("X-1")}, Rows: domain.NewRows(1)}

	_, err := newTestOrchestrator(gw, &memStore{}).Run(context.Background(), u, Options{})
	require.NoError(t, err)

	row := u.Rows[0]
	assert.Equal(t, domain.RowApproved, row.Status)
	assert.Equal(t, 1, row.RetryCount)
	assert.Equal(t, "X-1", row.BaseTransactionID)
	assert.Equal(t, "X-1__R1", row.LastTransactionID)
	assert.Equal(t, []string{"X-1", "X-1__R1"}, gw.submits())
}

func TestDuplicateRetryBound(t *testing.T) {
	gw := &fakeGateway{
		onSubmit: func(gateway.SubmitRequest) (*gateway.Response, error) { return duplicate(), nil },
		onRecon: func(string) (*gateway.Response, error) {
			return nil, errors.New("reconcile timed out")
		},
	}
	u := &domain.Upload{ID: "up1", Records: []domain.Record{record("X-1")}, Rows: domain.NewRows(1)}

	summary, err := newTestOrchestrator(gw, &memStore{}).Run(context.Background(), u, Options{})
	require.NoError(t, err)

	row := u.Rows[0]
	assert.Equal(t, domain.RowError, row.Status)
	assert.Equal(t, 3, row.DuplicateRetries)
	assert.Equal(t, 4, row.Attempts)
	assert.Len(t, gw.submits(), 4)
	assert.Equal(t, "transaction id already exists", row.Result.Message)
	require.Len(t, summary.Errors, 1)
	assert.Equal(t, 0, summary.Errors[0].Index)
}

func TestBulkChunksVisitEveryRowOnce(t *testing.T) {
	gw := &fakeGateway{}
	store := &memStore{}
	u := newUpload(25)

	summary, err := newTestOrchestrator(gw, store).Run(context.Background(), u, Options{Mode: ModeBulk})
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Chunks)
	assert.Equal(t, 25, summary.Processed)
	assert.Equal(t, 25, summary.Counters.Approved)

	got := gw.submits()
	sort.Strings(got)
	var want []string
	for i := 0; i < 25; i++ {
		want = append(want, fmt.Sprintf("T-%d", i))
	}
	sort.Strings(want)
	assert.Equal(t, want, got)

	for _, r := range u.Rows {
		assert.Equal(t, domain.RowApproved, r.Status)
	}
	assert.Equal(t, 25, store.counters.Approved)
	assert.Equal(t, 25, u.ApprovedCount)
}

func TestApprovedRowsAreNeverReprocessed(t *testing.T) {
	gw := &fakeGateway{
		onSubmit: func(req gateway.SubmitRequest) (*gateway.Response, error) {
			if req.TransactionID == "T-1" {
				return &gateway.Response{OK: false, Message: "insufficient funds"}, nil
			}
			return &gateway.Response{OK: true, Status: "approved"}, nil
		},
	}
	u := newUpload(3)
	o := newTestOrchestrator(gw, &memStore{})

	_, err := o.Run(context.Background(), u, Options{})
	require.NoError(t, err)
	require.Len(t, gw.submits(), 3)

	_, err = o.Run(context.Background(), u, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"T-1"}, gw.submits()[3:])
	assert.Equal(t, domain.RowApproved, u.Rows[0].Status)
	assert.Equal(t, domain.RowApproved, u.Rows[2].Status)
	assert.Equal(t, domain.RowError, u.Rows[1].Status)
}

func TestValidationFailureSkipsGateway(t *testing.T) {
	gw := &fakeGateway{}
	u := newUpload(2)
	u.Records[1]["amount"] = "abc"

	summary, err := newTestOrchestrator(gw, &memStore{}).Run(context.Background(), u, Options{})
	require.NoError(t, err)

	assert.Equal(t, []string{"T-0"}, gw.submits())
	assert.Equal(t, domain.RowError, u.Rows[1].Status)
	assert.Equal(t, 0, u.Rows[1].Attempts)
	assert.Equal(t, "T-1", u.Rows[1].BaseTransactionID)
	assert.Equal(t, 1, summary.Counters.Error)
}

func TestTransportErrorIsRowLocal(t *testing.T) {
	gw := &fakeGateway{
		onSubmit: func(req gateway.SubmitRequest) (*gateway.Response, error) {
			if req.TransactionID == "T-0" {
				return nil, errors.New("dial tcp: connection refused")
			}
			return &gateway.Response{OK: true, Status: "pending"}, nil
		},
	}
	u := newUpload(3)

	summary, err := newTestOrchestrator(gw, &memStore{}).Run(context.Background(), u, Options{})
	require.NoError(t, err)

	assert.Equal(t, domain.RowError, u.Rows[0].Status)
	assert.Contains(t, u.Rows[0].Result.Message, "connection refused")
	assert.Equal(t, domain.RowSubmitted, u.Rows[1].Status)
	assert.Equal(t, domain.RowSubmitted, u.Rows[2].Status)
	assert.Equal(t, 2, summary.Counters.Submitted)
}

func TestStrictModeStopsOnFirstError(t *testing.T) {
	gw := &fakeGateway{
		onSubmit: func(gateway.SubmitRequest) (*gateway.Response, error) {
			time.Sleep(5 * time.Millisecond)
			return &gateway.Response{OK: true, Status: "approved"}, nil
		},
	}
	u := newUpload(30)
	u.Records[0]["iban"] = ""

	summary, err := newTestOrchestrator(gw, &memStore{}).Run(context.Background(), u, Options{StopOnFirstError: true})

	var failure *RowFailure
	require.True(t, errors.As(err, &failure))
	assert.Equal(t, 0, failure.Index)
	assert.Contains(t, failure.Message, "iban")

	require.NotNil(t, summary)
	assert.Equal(t, ModeStrict, summary.Mode)
	require.NotNil(t, summary.FirstError)
	assert.Equal(t, 0, summary.FirstError.Index)
	assert.Greater(t, summary.Counters.Pending, 0)
	assert.Less(t, summary.Processed, 30)
}

func TestStrictModeCompletesWithoutErrors(t *testing.T) {
	gw := &fakeGateway{}
	store := &memStore{}
	u := newUpload(7)

	summary, err := newTestOrchestrator(gw, store).Run(context.Background(), u, Options{Mode: ModeStrict})
	require.NoError(t, err)
	assert.Equal(t, 7, summary.Processed)
	assert.Equal(t, 7, summary.Counters.Approved)
	assert.GreaterOrEqual(t, store.saves, 8)
}

func TestSelectionRestrictsRows(t *testing.T) {
	gw := &fakeGateway{}
	u := newUpload(5)

	summary, err := newTestOrchestrator(gw, &memStore{}).Run(context.Background(), u, Options{Indices: []int{3, 1, 3, 9, -1}})
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Eligible)
	got := gw.submits()
	sort.Strings(got)
	assert.Equal(t, []string{"T-1", "T-3"}, got)
	assert.Equal(t, domain.RowPending, u.Rows[0].Status)
}

func TestDryRunDoesNotContactGatewayOrPersist(t *testing.T) {
	gw := &fakeGateway{}
	store := &memStore{}
	u := newUpload(2)
	u.Records[0]["transaction_id"] = ""
	u.Records[1]["amount"] = ""

	summary, err := newTestOrchestrator(gw, store).Run(context.Background(), u, Options{DryRun: true})
	require.NoError(t, err)

	assert.Empty(t, gw.submits())
	assert.Equal(t, 0, store.saves)
	require.Len(t, summary.DryRun, 2)
	assert.Equal(t, "up1-1", summary.DryRun[0].TransactionID)
	assert.Empty(t, summary.DryRun[0].ValidationError)
	assert.Equal(t, int64(1000), summary.DryRun[0].Amount)
	assert.Equal(t, "10.00 EUR", summary.DryRun[0].Display)
	assert.Empty(t, summary.DryRun[1].Display)
	assert.NotEmpty(t, summary.DryRun[1].ValidationError)
	assert.Equal(t, domain.RowPending, u.Rows[0].Status)
	assert.Empty(t, u.Rows[0].BaseTransactionID)
}

func TestMisalignedUploadRejected(t *testing.T) {
	u := newUpload(2)
	u.Rows = u.Rows[:1]
	_, err := newTestOrchestrator(&fakeGateway{}, &memStore{}).Run(context.Background(), u, Options{})
	assert.True(t, errors.Is(err, ErrMisaligned))
}

func TestErrorListIsCapped(t *testing.T) {
	gw := &fakeGateway{
		onSubmit: func(gateway.SubmitRequest) (*gateway.Response, error) {
			return &gateway.Response{OK: false, Message: "declined"}, nil
		},
	}
	u := newUpload(30)

	summary, err := newTestOrchestrator(gw, &memStore{}).Run(context.Background(), u, Options{})
	require.NoError(t, err)
	assert.Len(t, summary.Errors, 20)
	assert.Equal(t, 30, summary.Counters.Error)
}

func TestResetRows(t *testing.T) {
	rows := []domain.RowState{
		{Status: domain.RowApproved, BaseTransactionID: "A"},
		{Status: domain.RowError, BaseTransactionID: "B", RetryCount: 2, DuplicateRetries: 2, Attempts: 3},
		{Status: domain.RowPending},
	}
	n := ResetRows(rows, []int{0, 1, 7})
	assert.Equal(t, 1, n)
	assert.Equal(t, domain.RowApproved, rows[0].Status)
	assert.Equal(t, domain.RowState{Status: domain.RowPending}, rows[1])
}

func TestOrchestratorReset(t *testing.T) {
	store := &memStore{}
	u := newUpload(2)
	u.Rows[1] = domain.RowState{Status: domain.RowError, BaseTransactionID: "T-1", Attempts: 1}

	n, err := newTestOrchestrator(&fakeGateway{}, store).Reset(context.Background(), u, []int{1})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, store.counters.Pending)
	assert.Equal(t, domain.RowPending, store.rows[1].Status)
}

func TestClaimBlocksResetWhileRunInFlight(t *testing.T) {
	started := make(chan struct{})
	gate := make(chan struct{})
	var once sync.Once
	gw := &fakeGateway{
		onSubmit: func(req gateway.SubmitRequest) (*gateway.Response, error) {
			once.Do(func() { close(started) })
			<-gate
			return &gateway.Response{OK: true, Status: "approved", UniqueID: "U-" + req.TransactionID}, nil
		},
	}
	store := &memStore{upload: newUpload(1)}
	o := newTestOrchestrator(gw, store)

	done := make(chan error, 1)
	go func() {
		_, err := o.RunUpload(context.Background(), "up1", Options{})
		done <- err
	}()
	<-started

	_, err := o.Acquire("up1")
	assert.ErrorIs(t, err, ErrUploadBusy)
	_, _, err = o.ResetUpload(context.Background(), "up1", []int{0})
	assert.ErrorIs(t, err, ErrUploadBusy)
	_, err = o.Run(context.Background(), newUpload(1), Options{})
	assert.ErrorIs(t, err, ErrUploadBusy)

	close(gate)
	require.NoError(t, <-done)

	release, err := o.Acquire("up1")
	require.NoError(t, err)
	release()
	release()
	_, err = o.Acquire("up1")
	require.NoError(t, err)
}

func TestRunUploadReloadsStoredRows(t *testing.T) {
	gw := &fakeGateway{}
	u := newUpload(2)
	u.Rows[0] = domain.RowState{Status: domain.RowApproved, BaseTransactionID: "T-0", Attempts: 1}
	store := &memStore{upload: u}

	summary, err := newTestOrchestrator(gw, store).RunUpload(context.Background(), "up1", Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Eligible)
	assert.Equal(t, []string{"T-1"}, gw.submits())
	assert.Equal(t, 2, store.counters.Approved)
}

func TestResetUploadReloadsStoredRows(t *testing.T) {
	u := newUpload(2)
	u.Rows[1] = domain.RowState{Status: domain.RowError, BaseTransactionID: "T-1", Attempts: 1}
	store := &memStore{upload: u}

	got, n, err := newTestOrchestrator(&fakeGateway{}, store).ResetUpload(context.Background(), "up1", []int{1})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, domain.RowPending, got.Rows[1].Status)
	assert.Equal(t, 2, store.counters.Pending)
}

// submitTracker records overlap and ordering of gateway submits.
type submitTracker struct {
	mu      sync.Mutex
	active  int
	peak    int
	seq     int
	started map[int]int
	ended   map[int]int
}

func newConcurrencyGateway() (*fakeGateway, *submitTracker) {
	p := &submitTracker{started: map[int]int{}, ended: map[int]int{}}
	gw := &fakeGateway{
		onSubmit: func(req gateway.SubmitRequest) (*gateway.Response, error) {
			var idx int
			if _, err := fmt.Sscanf(req.TransactionID, "T-%d", &idx); err != nil {
				return nil, err
			}
			p.mu.Lock()
			p.active++
			p.peak = max(p.peak, p.active)
			p.seq++
			p.started[idx] = p.seq
			p.mu.Unlock()

			time.Sleep(5 * time.Millisecond)

			p.mu.Lock()
			p.active--
			p.seq++
			p.ended[idx] = p.seq
			p.mu.Unlock()
			return &gateway.Response{OK: true, Status: "approved", UniqueID: "U-" + req.TransactionID}, nil
		},
	}
	return gw, p
}

func TestBulkChunksRunConcurrentlyBehindBarrier(t *testing.T) {
	gw, p := newConcurrencyGateway()
	u := newUpload(25)

	summary, err := newTestOrchestrator(gw, &memStore{}).Run(context.Background(), u, Options{Mode: ModeBulk})
	require.NoError(t, err)
	assert.Equal(t, 25, summary.Processed)

	assert.LessOrEqual(t, p.peak, 20)
	assert.Greater(t, p.peak, 1)
	require.Len(t, p.started, 25)

	lastFirstChunkEnd := 0
	for i := 0; i < 20; i++ {
		lastFirstChunkEnd = max(lastFirstChunkEnd, p.ended[i])
	}
	for i := 20; i < 25; i++ {
		assert.Greater(t, p.started[i], lastFirstChunkEnd, "row %d started before the first chunk finished", i)
	}
}

func TestStrictModeBoundsConcurrency(t *testing.T) {
	gw, p := newConcurrencyGateway()
	u := newUpload(30)

	summary, err := newTestOrchestrator(gw, &memStore{}).Run(context.Background(), u, Options{Mode: ModeStrict})
	require.NoError(t, err)
	assert.Equal(t, 30, summary.Processed)
	assert.LessOrEqual(t, p.peak, 3)
	assert.GreaterOrEqual(t, p.peak, 1)
	assert.Len(t, p.started, 30)
}
