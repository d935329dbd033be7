package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wakala/batchpay/internal/chargeback"
	"github.com/wakala/batchpay/internal/ingestion"
	"github.com/wakala/batchpay/internal/reconciliation"
	"github.com/wakala/batchpay/internal/repository"
	"github.com/wakala/batchpay/internal/submission"
)

// Deps are the services the HTTP surface is built on.
type Deps struct {
	Uploads      *repository.UploadRepo
	Reconciled   *repository.ReconciledRepo
	Ingestion    *ingestion.Service
	Orchestrator *submission.Orchestrator
	Linker       *chargeback.Engine
	Sync         *reconciliation.Service
	IBANs        chargeback.IBANReader
	Delimiter    rune
}

// NewRouter creates the Chi router with all API routes mounted.
func NewRouter(d Deps) http.Handler {
	if d.Delimiter == 0 {
		d.Delimiter = ','
	}
	h := &Handlers{
		uploads:    d.Uploads,
		reconciled: d.Reconciled,
		ingestion:  d.Ingestion,
		orch:       d.Orchestrator,
		linker:     d.Linker,
		sync:       d.Sync,
		ibans:      d.IBANs,
		delimiter:  d.Delimiter,
		now:        time.Now,
	}

	r := chi.NewRouter()

	// Middleware.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.SetHeader("Content-Type", "application/json"))

	r.Route("/api/v1", func(r chi.Router) {
		// Uploads.
		r.Post("/uploads", h.CreateUpload)
		r.Get("/uploads", h.ListUploads)
		r.Route("/uploads/{id}", func(r chi.Router) {
			r.Get("/", h.GetUpload)
			r.Post("/submit", h.SubmitUpload)
			r.Post("/reset", h.ResetRows)
			r.Post("/prefilter", h.PrefilterUpload)
			r.Get("/export", h.ExportUpload)
			r.Get("/chargebacks", h.UploadChargebacks)
		})

		// Chargebacks.
		r.Get("/chargebacks/report", h.ChargebackReport)

		// Gateway cache refresh.
		r.Post("/sync", h.Sync)

		// Dashboard.
		r.Get("/dashboard", h.GetDashboard)
	})

	return r
}
