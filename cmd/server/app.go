package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/wakala/batchpay/internal/chargeback"
	"github.com/wakala/batchpay/internal/config"
	"github.com/wakala/batchpay/internal/gateway"
	"github.com/wakala/batchpay/internal/ingestion"
	"github.com/wakala/batchpay/internal/mapping"
	"github.com/wakala/batchpay/internal/reconciliation"
	"github.com/wakala/batchpay/internal/repository"
	"github.com/wakala/batchpay/internal/submission"
)

// app is the object graph shared by every subcommand.
type app struct {
	cfg         *config.Config
	db          *sql.DB
	uploads     *repository.UploadRepo
	reconciled  *repository.ReconciledRepo
	chargebacks *repository.ChargebackRepo
	mapper      *mapping.ColumnMapper
	ingestion   *ingestion.Service
	linker      *chargeback.Engine
}

func newApp(cfgPath string) (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	log.Printf("Initializing database at %s", cfg.Database.Path)
	db, err := repository.InitDB(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("init db: %w", err)
	}

	a := &app{
		cfg:         cfg,
		db:          db,
		uploads:     repository.NewUploadRepo(db),
		reconciled:  repository.NewReconciledRepo(db),
		chargebacks: repository.NewChargebackRepo(db),
		mapper:      mapping.NewColumnMapper(cfg.Mapping),
	}
	a.ingestion = ingestion.NewService(a.uploads)
	a.linker = chargeback.NewEngine(a.reconciled, a.chargebacks)
	return a, nil
}

func (a *app) Close() error {
	return a.db.Close()
}

// gateway builds the HTTP gateway client. Only commands that talk to the
// gateway call it, so read-only commands work without gateway settings.
func (a *app) gateway() (*gateway.Client, error) {
	return gateway.NewClient(a.cfg.Gateway, gateway.NewClassifier())
}

var errOffline = errors.New("gateway not available in dry-run mode")

// offlineGateway stands in for the HTTP client when a command must not reach
// the gateway.
type offlineGateway struct{}

func (offlineGateway) Submit(context.Context, gateway.SubmitRequest) (*gateway.Response, error) {
	return nil, errOffline
}

func (offlineGateway) Reconcile(context.Context, string) (*gateway.Response, error) {
	return nil, errOffline
}

func (offlineGateway) ReconcileRange(context.Context, time.Time, time.Time) (*gateway.RangeResult, error) {
	return nil, errOffline
}

func (a *app) orchestrator(gw gateway.Gateway) *submission.Orchestrator {
	return submission.NewOrchestrator(gw, a.mapper, a.uploads, a.cfg.Submission)
}

func (a *app) syncService(gw gateway.Gateway) *reconciliation.Service {
	return reconciliation.NewService(gw, a.reconciled, a.chargebacks, a.cfg.Sync.Window)
}
