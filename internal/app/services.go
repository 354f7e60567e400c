package app

import (
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/taxclose/internal/accounting"
	"github.com/odyssey-erp/taxclose/internal/close"
	"github.com/odyssey-erp/taxclose/internal/ledger"
	"github.com/odyssey-erp/taxclose/internal/netting"
	"github.com/odyssey-erp/taxclose/internal/periodlock"
	"github.com/odyssey-erp/taxclose/internal/platform/cache"
	"github.com/odyssey-erp/taxclose/internal/register"
	"github.com/odyssey-erp/taxclose/internal/shared"
	"github.com/odyssey-erp/taxclose/internal/taxprofile"
)

// lockCacheNamespace prefixes the period lock answers in redis.
const lockCacheNamespace = "taxclose:periodlock"

// ServicesParams carries the shared infrastructure handles.
type ServicesParams struct {
	Config     *Config
	Logger     *slog.Logger
	Pool       *pgxpool.Pool
	Redis      *redis.Client
	Queue      close.SnapshotQueue
	Registerer prometheus.Registerer
}

// Services is the composed domain layer used by the server and the worker.
type Services struct {
	Ledger      *ledger.Repository
	Profiles    *taxprofile.Service
	Builder     *register.Builder
	Accounting  *accounting.Service
	Netting     *netting.Generator
	Guard       *periodlock.Guard
	Closings    *close.Service
	Audit       *shared.AuditLogger
	Idempotency *shared.IdempotencyStore
}

// NewServices wires repositories and services against pool and redis.
func NewServices(p ServicesParams) *Services {
	cfg := p.Config
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	audit := shared.NewAuditLogger(p.Pool)
	ledgerRepo := ledger.NewRepository(p.Pool)

	profiles := taxprofile.NewService(taxprofile.NewRepository(p.Pool), ledgerRepo, audit, logger)

	builder := register.NewBuilder(register.BuilderConfig{
		Input:       register.NewInputAggregator(ledgerRepo, profiles, cfg.LedgerBatchSize),
		Output:      register.NewOutputAggregator(ledgerRepo, profiles, cfg.LedgerBatchSize),
		Withholding: register.NewWithholdingAggregator(ledgerRepo, profiles),
		PB1:         register.NewPB1Aggregator(ledgerRepo, profiles),
		Validator:   profiles,
		Metrics:     register.NewMetrics(p.Registerer),
		Logger:      logger,
	})

	guard := periodlock.NewGuard(
		periodlock.NewRepository(p.Pool),
		cache.NewVersioned(p.Redis, lockCacheNamespace, cfg.LockCacheTTL),
		cfg.LockBypassRoles,
		logger,
	)

	accountingSvc := accounting.NewService(accounting.NewRepository(p.Pool), audit, guard).WithAccounts(ledgerRepo)
	closeRepo := close.NewRepository(p.Pool)
	generator := netting.NewGenerator(accountingSvc, closeRepo, logger)

	closings := close.NewService(closeRepo, close.ServiceConfig{
		Builder:        builder,
		Validator:      profiles,
		Profiles:       profiles,
		Documents:      ledgerRepo,
		Netting:        generator,
		Locks:          guard,
		Queue:          p.Queue,
		Audit:          audit,
		Logger:         logger,
		AsyncThreshold: cfg.SnapshotAsyncThreshold,
		MaxSnapshotAge: cfg.SnapshotMaxAge,
	})

	return &Services{
		Ledger:      ledgerRepo,
		Profiles:    profiles,
		Builder:     builder,
		Accounting:  accountingSvc,
		Netting:     generator,
		Guard:       guard,
		Closings:    closings,
		Audit:       audit,
		Idempotency: shared.NewIdempotencyStore(p.Pool),
	}
}
