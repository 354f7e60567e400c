package register

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/taxclose/internal/shared"
	"github.com/odyssey-erp/taxclose/internal/taxprofile"
)

// ConfigValidator reports register readiness before aggregation.
type ConfigValidator interface {
	ValidateConfiguration(ctx context.Context, company string) (taxprofile.ValidationReport, error)
}

// Outcome holds one register's result or its failure.
type Outcome struct {
	Result Result
	Err    *AggregationError
}

// Collection groups the outcomes of one build.
type Collection struct {
	Request     Request
	Input       Outcome
	Output      Outcome
	Withholding Outcome
	PB1         Outcome
}

// Failed returns the failures of the three closing registers.
func (c Collection) Failed() []*AggregationError {
	var out []*AggregationError
	for _, o := range []Outcome{c.Input, c.Output, c.Withholding} {
		if o.Err != nil {
			out = append(out, o.Err)
		}
	}
	return out
}

// BuilderConfig wires the snapshot builder.
type BuilderConfig struct {
	Input       Aggregator
	Output      Aggregator
	Withholding Aggregator
	PB1         Aggregator
	Validator   ConfigValidator
	Metrics     *Metrics
	Logger      *slog.Logger
	// Timeout bounds a shared build once it no longer follows any caller's
	// context. Zero means defaultBuildTimeout.
	Timeout time.Duration
}

const defaultBuildTimeout = 10 * time.Minute

// Builder runs the register aggregators concurrently and folds their results.
type Builder struct {
	input       Aggregator
	output      Aggregator
	withholding Aggregator
	pb1         Aggregator
	validator   ConfigValidator
	metrics     *Metrics
	logger      *slog.Logger
	now         func() time.Time
	timeout     time.Duration
	group       singleflight.Group
}

// NewBuilder constructs a Builder.
func NewBuilder(cfg BuilderConfig) *Builder {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultBuildTimeout
	}
	return &Builder{
		timeout:     timeout,
		input:       cfg.Input,
		output:      cfg.Output,
		withholding: cfg.Withholding,
		pb1:         cfg.PB1,
		validator:   cfg.Validator,
		metrics:     cfg.Metrics,
		logger:      logger,
		now:         time.Now,
	}
}

// WithNow overrides the clock for deterministic tests.
func (b *Builder) WithNow(now func() time.Time) {
	if now != nil {
		b.now = now
	}
}

// BuildSnapshot aggregates the registers for req. It never fails: any register
// failure yields a zero-filled fallback snapshot carrying the error text.
// Identical concurrent builds share one execution; it does not follow any
// single caller's cancellation.
func (b *Builder) BuildSnapshot(ctx context.Context, req Request, actor shared.Actor) Snapshot {
	req = req.Normalize()
	if err := req.Validate(); err != nil {
		return b.fallback(req, actor, ErrorKindConfiguration, err.Error())
	}
	if err := ctx.Err(); err != nil {
		return b.fallback(req, actor, ErrorKindDataSource, "data source error: "+err.Error())
	}
	key := req.key() + "|" + actor.ID
	ch := b.group.DoChan(key, func() (interface{}, error) {
		buildCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.timeout)
		defer cancel()
		return b.build(buildCtx, req, actor), nil
	})
	select {
	case <-ctx.Done():
		return b.fallback(req, actor, ErrorKindDataSource, "data source error: "+ctx.Err().Error())
	case res := <-ch:
		return res.Val.(Snapshot)
	}
}

func (b *Builder) build(ctx context.Context, req Request, actor shared.Actor) Snapshot {
	start := b.now()
	collection := b.Collect(ctx, req)
	snap := b.fold(collection, actor)
	b.metrics.observeBuild(snap.Meta.DataSource, b.now().Sub(start))
	if snap.Meta.Error != "" {
		b.logger.Warn("register snapshot degraded",
			slog.String("company", req.Company),
			slog.String("from", snap.DateFrom),
			slog.String("to", snap.DateTo),
			slog.String("error", snap.Meta.Error))
	}
	return snap
}

// Collect runs every aggregator and returns the raw outcomes. Registers whose
// configuration is invalid are short-circuited with a configuration error.
func (b *Builder) Collect(ctx context.Context, req Request) Collection {
	req = req.Normalize()
	collection := Collection{Request: req}

	blocked := map[Kind]*AggregationError{}
	if b.validator != nil {
		report, err := b.validator.ValidateConfiguration(ctx, req.Company)
		if err != nil {
			for _, kind := range []Kind{KindInput, KindOutput, KindWithholding} {
				blocked[kind] = dataSourceError(kind, fmt.Errorf("validate configuration: %w", err))
			}
		} else {
			for _, pair := range []struct {
				reg  taxprofile.Register
				kind Kind
			}{
				{taxprofile.RegisterInput, KindInput},
				{taxprofile.RegisterOutput, KindOutput},
				{taxprofile.RegisterWithholding, KindWithholding},
			} {
				if check, ok := report.Register(pair.reg); ok && !check.Valid {
					blocked[pair.kind] = configurationError(pair.kind, "%s", check.Message)
				}
			}
			if check, ok := report.Register(taxprofile.RegisterWithholding); ok {
				for _, ac := range check.Accounts {
					if !ac.Valid() {
						req.SkipAccounts = append(req.SkipAccounts, ac.Account)
					}
				}
			}
			collection.Request = req
		}
	}

	var g errgroup.Group
	run := func(kind Kind, agg Aggregator, dst *Outcome) {
		if err, ok := blocked[kind]; ok {
			dst.Err = err
			return
		}
		g.Go(func() error {
			*dst = b.runAggregator(ctx, kind, agg, req)
			return nil
		})
	}
	run(KindInput, b.input, &collection.Input)
	run(KindOutput, b.output, &collection.Output)
	run(KindWithholding, b.withholding, &collection.Withholding)
	run(KindPB1, b.pb1, &collection.PB1)
	_ = g.Wait()

	for _, o := range []Outcome{collection.Input, collection.Output, collection.Withholding, collection.PB1} {
		b.metrics.observeFailure(o.Err)
	}
	return collection
}

func (b *Builder) runAggregator(ctx context.Context, kind Kind, agg Aggregator, req Request) (out Outcome) {
	if agg == nil {
		return Outcome{Err: configurationError(kind, "%s register is not wired", kind)}
	}
	defer func() {
		if r := recover(); r != nil {
			out = Outcome{Err: dataSourceError(kind, fmt.Errorf("aggregator panic: %v", r))}
		}
	}()
	result, err := agg.Aggregate(ctx, req)
	if err != nil {
		var aggErr *AggregationError
		if errors.As(err, &aggErr) {
			return Outcome{Err: aggErr}
		}
		return Outcome{Err: dataSourceError(kind, err)}
	}
	return Outcome{Result: result}
}

func (b *Builder) fold(c Collection, actor shared.Actor) Snapshot {
	req := c.Request
	if failed := c.Failed(); len(failed) > 0 {
		kind := ErrorKindConfiguration
		parts := make([]string, 0, len(failed))
		for _, err := range failed {
			if err.Kind == ErrorKindDataSource {
				kind = ErrorKindDataSource
			}
			parts = append(parts, fmt.Sprintf("%s: %v", err.Register, err.Err))
		}
		prefix := "configuration issue: "
		if kind == ErrorKindDataSource {
			prefix = "data source error: "
		}
		return b.fallback(req, actor, kind, prefix+strings.Join(parts, "; "))
	}

	snap := b.base(req, actor)
	snap.Meta.DataSource = DataSourceRegister
	snap.InputInvoiceCount = c.Input.Result.Count
	snap.OutputInvoiceCount = c.Output.Result.Count
	snap.WithholdingEntryCount = c.Withholding.Result.Count
	snap.InputDPPTotal = c.Input.Result.TotalBase
	snap.OutputDPPTotal = c.Output.Result.TotalBase
	snap.InputVATTotal = c.Input.Result.TotalTax
	snap.OutputVATTotal = c.Output.Result.TotalTax
	snap.VATNet = snap.OutputVATTotal.Sub(snap.InputVATTotal)
	snap.VATNetDirection = DirectionOf(snap.VATNet)
	snap.WithholdingTotal = c.Withholding.Result.TotalTax
	if c.Withholding.Result.ByAccount != nil {
		snap.WithholdingByAccount = c.Withholding.Result.ByAccount
	}
	if c.PB1.Err != nil {
		snap.Meta.Warnings = append(snap.Meta.Warnings, "pb1 register unavailable: "+c.PB1.Err.Err.Error())
	} else {
		snap.PB1Total = c.PB1.Result.TotalTax
	}
	if skipped := c.Withholding.Result.Diagnostics.SkippedAccounts; len(skipped) > 0 {
		snap.Meta.Warnings = append(snap.Meta.Warnings, "withholding register skipped invalid accounts: "+strings.Join(skipped, ", "))
	}
	for _, o := range []Outcome{c.Input, c.Output} {
		if n := o.Result.Diagnostics.ExcludedNoLedger; n > 0 {
			snap.Meta.Warnings = append(snap.Meta.Warnings, fmt.Sprintf("%s register skipped %d documents without ledger entries", o.Result.Register, n))
		}
		if n := o.Result.Diagnostics.TaxMismatches; n > 0 {
			snap.Meta.Warnings = append(snap.Meta.Warnings, fmt.Sprintf("%s register used ledger tax for %d documents whose cached tax differs", o.Result.Register, n))
		}
	}
	return snap
}

func (b *Builder) base(req Request, actor shared.Actor) Snapshot {
	return Snapshot{
		SchemaVersion: SchemaVersion,
		Meta: Meta{
			GeneratedAt: b.now().UTC(),
			GeneratedBy: actor.ID,
		},
		Company:              req.Company,
		DateFrom:             req.From.Format(shared.DateLayout),
		DateTo:               req.To.Format(shared.DateLayout),
		VerificationStatus:   req.VerificationStatus,
		InputDPPTotal:        decimal.Zero,
		OutputDPPTotal:       decimal.Zero,
		InputVATTotal:        decimal.Zero,
		OutputVATTotal:       decimal.Zero,
		VATNet:               decimal.Zero,
		VATNetDirection:      DirectionZero,
		WithholdingTotal:     decimal.Zero,
		WithholdingByAccount: []AccountTotal{},
		PB1Total:             decimal.Zero,
	}
}

func (b *Builder) fallback(req Request, actor shared.Actor, kind ErrorKind, message string) Snapshot {
	snap := b.base(req, actor)
	snap.Meta.DataSource = DataSourceFallbackEmpty
	snap.Meta.Error = message
	snap.Meta.ErrorKind = kind
	return snap
}
