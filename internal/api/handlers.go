package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wakala/batchpay/internal/chargeback"
	"github.com/wakala/batchpay/internal/domain"
	"github.com/wakala/batchpay/internal/ingestion"
	"github.com/wakala/batchpay/internal/reconciliation"
	"github.com/wakala/batchpay/internal/repository"
	"github.com/wakala/batchpay/internal/submission"
)

// Handlers groups all HTTP handler methods and their dependencies.
type Handlers struct {
	uploads    *repository.UploadRepo
	reconciled *repository.ReconciledRepo
	ingestion  *ingestion.Service
	orch       *submission.Orchestrator
	linker     *chargeback.Engine
	sync       *reconciliation.Service
	ibans      chargeback.IBANReader
	delimiter  rune
	now        func() time.Time
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[api] encode error: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func parseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t, err = time.Parse("2006-01-02", s)
		if err != nil {
			return nil
		}
	}
	return &t
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 1 {
		return def
	}
	return v
}

// decodeBody decodes an optional JSON body into v. An empty body is not an
// error.
func decodeBody(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// loadUpload fetches the upload named in the URL, writing the error response
// itself when that fails.
func (h *Handlers) loadUpload(w http.ResponseWriter, r *http.Request) (*domain.Upload, bool) {
	id := chi.URLParam(r, "id")
	u, err := h.uploads.GetByID(r.Context(), id)
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, "upload not found")
		return nil, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	return u, true
}

type uploadSummary struct {
	ID            string          `json:"id"`
	Headers       []string        `json:"headers"`
	RecordCount   int             `json:"record_count"`
	FilteredCount int             `json:"filtered_count"`
	Counters      domain.Counters `json:"counters"`
	OrgTags       []string        `json:"org_tags"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

func summarizeUpload(u *domain.Upload) uploadSummary {
	return uploadSummary{
		ID:            u.ID,
		Headers:       u.Headers,
		RecordCount:   len(u.Records),
		FilteredCount: len(u.FilteredRecords),
		Counters:      domain.CountRows(u.Rows),
		OrgTags:       u.OrgTags,
		CreatedAt:     u.CreatedAt,
		UpdatedAt:     u.UpdatedAt,
	}
}

// --- CreateUpload ---

func (h *Handlers) CreateUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file field is required: "+err.Error())
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "read file: "+err.Error())
		return
	}

	u, err := h.ingestion.CreateFromCSV(r.Context(), data, r.MultipartForm.Value["org"])
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, summarizeUpload(u))
}

// --- ListUploads ---

func (h *Handlers) ListUploads(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	uploads, err := h.uploads.List(r.Context(), repository.UploadFilter{
		OrgTag: q.Get("org"),
		Limit:  parseIntDefault(q.Get("limit"), 50),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]uploadSummary, 0, len(uploads))
	for i := range uploads {
		out = append(out, summarizeUpload(&uploads[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"uploads": out,
		"total":   len(out),
	})
}

// --- GetUpload ---

func (h *Handlers) GetUpload(w http.ResponseWriter, r *http.Request) {
	u, ok := h.loadUpload(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// --- SubmitUpload ---

func (h *Handlers) SubmitUpload(w http.ResponseWriter, r *http.Request) {
	var opts submission.Options
	if err := decodeBody(r, &opts); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}

	// A dropped client connection must not abandon a batch halfway.
	ctx := context.WithoutCancel(r.Context())
	summary, err := h.orch.RunUpload(ctx, chi.URLParam(r, "id"), opts)

	var failure *submission.RowFailure
	switch {
	case errors.As(err, &failure):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":   failure.Error(),
			"row":     failure.Index,
			"message": failure.Message,
			"summary": summary,
		})
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "upload not found")
	case errors.Is(err, submission.ErrUploadBusy), errors.Is(err, submission.ErrMisaligned):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeJSON(w, http.StatusOK, summary)
	}
}

// --- ResetRows ---

func (h *Handlers) ResetRows(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Rows []int `json:"rows"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if len(body.Rows) == 0 {
		writeError(w, http.StatusBadRequest, "rows is required")
		return
	}

	u, n, err := h.orch.ResetUpload(r.Context(), chi.URLParam(r, "id"), body.Rows)
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, "upload not found")
		return
	}
	if errors.Is(err, submission.ErrUploadBusy) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"reset":    n,
		"counters": domain.CountRows(u.Rows),
	})
}

// --- PrefilterUpload ---

func (h *Handlers) PrefilterUpload(w http.ResponseWriter, r *http.Request) {
	release, err := h.orch.Acquire(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	defer release()

	// Loaded after the claim so no run can have written rows in between.
	u, ok := h.loadUpload(w, r)
	if !ok {
		return
	}

	history, err := h.uploads.List(r.Context(), repository.UploadFilter{})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	flagged, err := h.linker.FlaggedIBANs(r.Context(), history, h.ibans)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	removed := chargeback.Prefilter(u, flagged, h.ibans, h.now().UTC())
	if removed > 0 {
		c := domain.CountRows(u.Rows)
		u.ApprovedCount, u.ErrorCount = c.Approved, c.Error
		if err := h.uploads.SaveFiltered(r.Context(), u); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"removed":        removed,
		"remaining":      len(u.Records),
		"filtered_total": len(u.FilteredRecords),
		"flagged_ibans":  len(flagged),
	})
}

// --- ExportUpload ---

func (h *Handlers) ExportUpload(w http.ResponseWriter, r *http.Request) {
	sel, err := chargeback.ParseSelector(r.URL.Query().Get("type"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	u, ok := h.loadUpload(w, r)
	if !ok {
		return
	}

	var buf bytes.Buffer
	if _, err := h.linker.Export(r.Context(), &buf, u, sel, h.delimiter); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="upload-%s-%s.csv"`, u.ID, sel))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(buf.Bytes()); err != nil {
		log.Printf("[api] export write error: %v", err)
	}
}

// --- UploadChargebacks ---

func (h *Handlers) UploadChargebacks(w http.ResponseWriter, r *http.Request) {
	u, ok := h.loadUpload(w, r)
	if !ok {
		return
	}
	rep, err := h.linker.UploadReport(r.Context(), u)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// --- ChargebackReport ---

func (h *Handlers) ChargebackReport(w http.ResponseWriter, r *http.Request) {
	uploads, err := h.uploads.List(r.Context(), repository.UploadFilter{OrgTag: r.URL.Query().Get("org")})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	rep, err := h.linker.Report(r.Context(), uploads)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// --- Sync ---

func (h *Handlers) Sync(w http.ResponseWriter, r *http.Request) {
	var body struct {
		From string `json:"from"`
		To   string `json:"to"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	from, to := parseTime(body.From), parseTime(body.To)
	if from == nil || to == nil {
		writeError(w, http.StatusBadRequest, "from and to are required (YYYY-MM-DD or RFC3339)")
		return
	}

	res, err := h.sync.Sync(r.Context(), *from, *to)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- GetDashboard ---

func (h *Handlers) GetDashboard(w http.ResponseWriter, r *http.Request) {
	uploads, err := h.uploads.List(r.Context(), repository.UploadFilter{OrgTag: r.URL.Query().Get("org")})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	cached, err := h.reconciled.Count(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	rep, err := h.linker.Report(r.Context(), uploads)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	var rows domain.Counters
	filtered := 0
	for i := range uploads {
		c := domain.CountRows(uploads[i].Rows)
		rows.Approved += c.Approved
		rows.Submitted += c.Submitted
		rows.Error += c.Error
		rows.Pending += c.Pending
		filtered += len(uploads[i].FilteredRecords)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"uploads":                 len(uploads),
		"rows":                    rows,
		"filtered_rows":           filtered,
		"reconciled_transactions": cached,
		"chargebacks": map[string]any{
			"matched":   rep.TotalChargebacks,
			"amount":    rep.TotalAmount.StringFixed(2),
			"unmatched": rep.UnmatchedCount,
			"rate":      chargeback.Rate(rep.TotalChargebacks, rows.Approved),
		},
	})
}
