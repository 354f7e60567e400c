package close

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/odyssey-erp/taxclose/internal/ledger"
	"github.com/odyssey-erp/taxclose/internal/netting"
	"github.com/odyssey-erp/taxclose/internal/register"
	"github.com/odyssey-erp/taxclose/internal/shared"
	"github.com/odyssey-erp/taxclose/internal/taxprofile"
)

// RepositoryPort abstracts closing persistence. Implementations join the
// transaction carried by ctx.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context) error) error
	Insert(ctx context.Context, c Closing) (Closing, error)
	FindActive(ctx context.Context, company string, month, year int, excludeID int64) (*Closing, error)
	Get(ctx context.Context, id int64) (Closing, error)
	GetForUpdate(ctx context.Context, id int64) (Closing, error)
	List(ctx context.Context, f ListFilter) ([]Closing, error)
	ListOpenIDs(ctx context.Context) ([]int64, error)
	UpdatePeriod(ctx context.Context, c Closing) error
	UpdateStatus(ctx context.Context, id int64, status Status, doc DocStatus) error
	SaveSnapshotIfOpen(ctx context.Context, id int64, snap register.Snapshot, at time.Time) (bool, error)
	MarkFinalized(ctx context.Context, id int64, totals Totals, actorID string, at time.Time) error
	netting.ClosingLinker
}

// SnapshotBuilder produces register snapshots.
type SnapshotBuilder interface {
	BuildSnapshot(ctx context.Context, req register.Request, actor shared.Actor) register.Snapshot
}

// ConfigValidator checks the company's tax profile against the chart of accounts.
type ConfigValidator interface {
	ValidateConfiguration(ctx context.Context, company string) (taxprofile.ValidationReport, error)
}

// ProfileSource loads tax profiles.
type ProfileSource interface {
	Get(ctx context.Context, company string) (taxprofile.Profile, error)
}

// DocumentSource counts and lists tax source documents.
type DocumentSource interface {
	CountSourceDocuments(ctx context.Context, f ledger.DocumentFilter) (int, error)
	ListSourceDocuments(ctx context.Context, f ledger.DocumentFilter) ([]ledger.SourceDocument, error)
}

// NettingPort posts and reverses netting journals.
type NettingPort interface {
	CreateNettingTransaction(ctx context.Context, req netting.Request) (netting.Outcome, error)
	Reverse(ctx context.Context, closingID int64, actor shared.Actor, reason string) (*int64, error)
}

// LockInvalidator drops cached period lock answers.
type LockInvalidator interface {
	Invalidate(ctx context.Context) error
}

// SnapshotQueue schedules background snapshot refreshes.
type SnapshotQueue interface {
	EnqueueSnapshotRefresh(ctx context.Context, closingID int64, actor shared.Actor) error
}

// AuditPort records closing events.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// ServiceConfig wires the closing service. Queue, Locks and Audit are optional.
type ServiceConfig struct {
	Builder        SnapshotBuilder
	Validator      ConfigValidator
	Profiles       ProfileSource
	Documents      DocumentSource
	Netting        NettingPort
	Locks          LockInvalidator
	Queue          SnapshotQueue
	Audit          AuditPort
	Logger         *slog.Logger
	AsyncThreshold int
	MaxSnapshotAge time.Duration
}

// Service drives the tax period closing lifecycle.
type Service struct {
	repo           RepositoryPort
	builder        SnapshotBuilder
	validator      ConfigValidator
	profiles       ProfileSource
	documents      DocumentSource
	netting        NettingPort
	locks          LockInvalidator
	queue          SnapshotQueue
	audit          AuditPort
	logger         *slog.Logger
	asyncThreshold int
	maxAge         time.Duration
	now            func() time.Time
}

// NewService constructs a Service.
func NewService(repo RepositoryPort, cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:           repo,
		builder:        cfg.Builder,
		validator:      cfg.Validator,
		profiles:       cfg.Profiles,
		documents:      cfg.Documents,
		netting:        cfg.Netting,
		locks:          cfg.Locks,
		queue:          cfg.Queue,
		audit:          cfg.Audit,
		logger:         logger,
		asyncThreshold: cfg.AsyncThreshold,
		maxAge:         cfg.MaxSnapshotAge,
		now:            time.Now,
	}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Create opens a Draft closing for a calendar month.
func (s *Service) Create(ctx context.Context, in CreateInput, actor shared.Actor) (Closing, error) {
	if actor.IsZero() {
		return Closing{}, shared.ErrActorRequired
	}
	in.Company = strings.TrimSpace(in.Company)
	if err := in.Validate(); err != nil {
		return Closing{}, err
	}
	from, to := shared.MonthBounds(in.Month, in.Year)
	draft := Closing{
		Name:        ClosingName(in.Company, in.Month, in.Year),
		Company:     in.Company,
		PeriodMonth: in.Month,
		PeriodYear:  in.Year,
		DateFrom:    from,
		DateTo:      to,
		Status:      StatusDraft,
		DocStatus:   DocOpen,
		CreatedBy:   actor.ID,
	}

	var created Closing
	err := s.repo.WithTx(ctx, func(ctx context.Context) error {
		if err := s.ensureUnique(ctx, draft); err != nil {
			return err
		}
		var err error
		created, err = s.repo.Insert(ctx, draft)
		if err != nil {
			return err
		}
		return s.record(ctx, actor, "tax_closing.create", created.ID, map[string]any{
			"company": created.Company,
			"period":  shared.PeriodLabel(created.PeriodMonth, created.PeriodYear),
		})
	})
	if errors.Is(err, ErrDuplicatePeriod) {
		return Closing{}, s.duplicateError(ctx, draft, err)
	}
	if err != nil {
		return Closing{}, err
	}
	s.logger.Info("tax closing created",
		slog.Int64("closing_id", created.ID),
		slog.String("company", created.Company),
		slog.String("period", shared.PeriodLabel(created.PeriodMonth, created.PeriodYear)))
	return created, nil
}

// ensureUnique rejects a second non-reversed closing for the same period.
func (s *Service) ensureUnique(ctx context.Context, c Closing) error {
	existing, err := s.repo.FindActive(ctx, c.Company, c.PeriodMonth, c.PeriodYear, c.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		return &DuplicatePeriodError{
			Company:      c.Company,
			Month:        c.PeriodMonth,
			Year:         c.PeriodYear,
			ExistingID:   existing.ID,
			ExistingName: existing.Name,
		}
	}
	return nil
}

// duplicateError turns a bare index violation into a DuplicatePeriodError
// naming the winner of the race.
func (s *Service) duplicateError(ctx context.Context, c Closing, err error) error {
	var dup *DuplicatePeriodError
	if errors.As(err, &dup) {
		return dup
	}
	dup = &DuplicatePeriodError{Company: c.Company, Month: c.PeriodMonth, Year: c.PeriodYear}
	if existing, findErr := s.repo.FindActive(ctx, c.Company, c.PeriodMonth, c.PeriodYear, c.ID); findErr == nil && existing != nil {
		dup.ExistingID = existing.ID
		dup.ExistingName = existing.Name
	}
	return dup
}

// UpdatePeriod moves an open closing to another month. The snapshot is
// discarded because it no longer matches the range.
func (s *Service) UpdatePeriod(ctx context.Context, id int64, month, year int, actor shared.Actor) (Closing, error) {
	if actor.IsZero() {
		return Closing{}, shared.ErrActorRequired
	}
	if err := shared.ValidatePeriod(month, year); err != nil {
		return Closing{}, err
	}
	var candidate Closing
	err := s.repo.WithTx(ctx, func(ctx context.Context) error {
		current, err := s.repo.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := ensureOpen(current); err != nil {
			return err
		}
		from, to := shared.MonthBounds(month, year)
		current.PeriodMonth, current.PeriodYear = month, year
		current.DateFrom, current.DateTo = from, to
		current.Name = ClosingName(current.Company, month, year)
		candidate = current
		if err := s.ensureUnique(ctx, current); err != nil {
			return err
		}
		if err := s.repo.UpdatePeriod(ctx, current); err != nil {
			return err
		}
		return s.record(ctx, actor, "tax_closing.period", id, map[string]any{
			"period": shared.PeriodLabel(month, year),
		})
	})
	if errors.Is(err, ErrDuplicatePeriod) {
		return Closing{}, s.duplicateError(ctx, candidate, err)
	}
	if err != nil {
		return Closing{}, err
	}
	return s.repo.Get(ctx, id)
}

// Get returns one closing.
func (s *Service) Get(ctx context.Context, id int64) (Closing, error) {
	return s.repo.Get(ctx, id)
}

// List returns closings matching f.
func (s *Service) List(ctx context.Context, f ListFilter) ([]Closing, error) {
	f.Company = strings.TrimSpace(f.Company)
	return s.repo.List(ctx, f)
}

// ListOpenIDs returns the closings a nightly refresh should revisit.
func (s *Service) ListOpenIDs(ctx context.Context) ([]int64, error) {
	return s.repo.ListOpenIDs(ctx)
}

func ensureOpen(c Closing) error {
	switch {
	case c.Finalized():
		return ErrClosingFinalized
	case c.Reversed(), c.Status == StatusCancelled:
		return ErrClosingReversed
	}
	return nil
}

// UpdateStatus moves a closing between workflow stages. Review stages may be
// visited in any order; skipping or going back only produces a warning.
// Closed and Cancelled delegate to Finalize and Cancel.
func (s *Service) UpdateStatus(ctx context.Context, id int64, target Status, actor shared.Actor) (TransitionResult, error) {
	if actor.IsZero() {
		return TransitionResult{}, shared.ErrActorRequired
	}
	if _, err := ParseStatus(string(target)); err != nil {
		return TransitionResult{}, err
	}
	switch target {
	case StatusClosed:
		res, err := s.Finalize(ctx, id, actor)
		if err != nil {
			return TransitionResult{}, err
		}
		return TransitionResult{Closing: res.Closing, Warnings: res.Warnings}, nil
	case StatusCancelled:
		res, err := s.Cancel(ctx, id, actor, "status set to Cancelled")
		if err != nil {
			return TransitionResult{}, err
		}
		return TransitionResult{Closing: res.Closing}, nil
	}

	var warnings []string
	err := s.repo.WithTx(ctx, func(ctx context.Context) error {
		current, err := s.repo.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := ensureOpen(current); err != nil {
			return err
		}
		if current.Status == target {
			return nil
		}
		from, to := current.Status.order(), target.order()
		switch {
		case to < from:
			warnings = append(warnings, fmt.Sprintf("status moved back from %s to %s", current.Status, target))
		case to > from+1:
			warnings = append(warnings, fmt.Sprintf("status moved from %s to %s without intermediate review", current.Status, target))
		}
		if err := s.repo.UpdateStatus(ctx, id, target, DocOpen); err != nil {
			return err
		}
		return s.record(ctx, actor, "tax_closing.status", id, map[string]any{
			"from": string(current.Status),
			"to":   string(target),
		})
	})
	if err != nil {
		return TransitionResult{}, err
	}
	closing, err := s.repo.Get(ctx, id)
	if err != nil {
		return TransitionResult{}, err
	}
	return TransitionResult{Closing: closing, Warnings: warnings}, nil
}

func (s *Service) registerRequest(c Closing, verification string) register.Request {
	return register.Request{
		Company:            c.Company,
		From:               c.DateFrom,
		To:                 c.DateTo,
		VerificationStatus: verification,
	}
}

// RefreshSnapshot rebuilds the register snapshot of an open closing. The
// build runs outside any transaction; the write only happens when the
// closing is still open, so a concurrent finalize wins.
func (s *Service) RefreshSnapshot(ctx context.Context, id int64, actor shared.Actor) (Closing, error) {
	if actor.IsZero() {
		return Closing{}, shared.ErrActorRequired
	}
	current, err := s.repo.Get(ctx, id)
	if err != nil {
		return Closing{}, err
	}
	if err := ensureOpen(current); err != nil {
		return Closing{}, err
	}
	snap := s.builder.BuildSnapshot(ctx, s.registerRequest(current, ""), actor)
	if err := ctx.Err(); err != nil {
		return Closing{}, err
	}
	if snap.IsFallback() && current.Snapshot != nil && !current.Snapshot.IsFallback() {
		s.logger.Warn("tax closing snapshot refresh degraded, previous snapshot kept",
			slog.Int64("closing_id", id),
			slog.String("error", snap.Meta.Error))
		if err := s.record(ctx, actor, "tax_closing.snapshot_degraded", id, map[string]any{
			"data_source": string(snap.Meta.DataSource),
			"error":       snap.Meta.Error,
			"kept":        current.Snapshot.Meta.GeneratedAt,
		}); err != nil {
			return Closing{}, err
		}
		return current, nil
	}

	err = s.repo.WithTx(ctx, func(ctx context.Context) error {
		saved, err := s.repo.SaveSnapshotIfOpen(ctx, id, snap, s.now())
		if err != nil {
			return err
		}
		if !saved {
			return ErrClosingFinalized
		}
		return s.record(ctx, actor, "tax_closing.snapshot", id, map[string]any{
			"data_source": string(snap.Meta.DataSource),
			"error":       snap.Meta.Error,
		})
	})
	if err != nil {
		return Closing{}, err
	}
	if snap.IsFallback() {
		s.logger.Warn("tax closing snapshot degraded",
			slog.Int64("closing_id", id),
			slog.String("error", snap.Meta.Error))
	}
	return s.repo.Get(ctx, id)
}

// RequestSnapshotRefresh refreshes inline or, for large periods and when a
// queue is configured, schedules a background refresh.
func (s *Service) RequestSnapshotRefresh(ctx context.Context, id int64, actor shared.Actor, async bool) (RefreshResult, error) {
	if actor.IsZero() {
		return RefreshResult{}, shared.ErrActorRequired
	}
	if s.queue != nil {
		current, err := s.repo.Get(ctx, id)
		if err != nil {
			return RefreshResult{}, err
		}
		if err := ensureOpen(current); err != nil {
			return RefreshResult{}, err
		}
		if !async && s.asyncThreshold > 0 {
			count, err := s.candidateCount(ctx, current)
			if err != nil {
				return RefreshResult{}, err
			}
			async = count > s.asyncThreshold
		}
		if async {
			if err := s.queue.EnqueueSnapshotRefresh(ctx, id, actor); err != nil {
				return RefreshResult{}, fmt.Errorf("close: enqueue snapshot refresh: %w", err)
			}
			s.logger.Info("tax closing snapshot refresh queued", slog.Int64("closing_id", id))
			return RefreshResult{Queued: true, Closing: &current}, nil
		}
	}
	closing, err := s.RefreshSnapshot(ctx, id, actor)
	if err != nil {
		return RefreshResult{}, err
	}
	return RefreshResult{Closing: &closing}, nil
}

func (s *Service) candidateCount(ctx context.Context, c Closing) (int, error) {
	submitted := ledger.DocStatusSubmitted
	total := 0
	for _, docType := range []ledger.DocumentType{ledger.DocumentPurchaseInvoice, ledger.DocumentSalesInvoice} {
		n, err := s.documents.CountSourceDocuments(ctx, ledger.DocumentFilter{
			Type:      docType,
			Company:   c.Company,
			From:      c.DateFrom,
			To:        c.DateTo,
			DocStatus: &submitted,
		})
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// unverifiedCount counts submitted in-period documents not yet verified.
func (s *Service) unverifiedCount(ctx context.Context, c Closing) (int, error) {
	if s.documents == nil {
		return 0, nil
	}
	submitted := ledger.DocStatusSubmitted
	total := 0
	for _, docType := range []ledger.DocumentType{ledger.DocumentPurchaseInvoice, ledger.DocumentSalesInvoice} {
		n, err := s.documents.CountSourceDocuments(ctx, ledger.DocumentFilter{
			Type:                      docType,
			Company:                   c.Company,
			From:                      c.DateFrom,
			To:                        c.DateTo,
			DocStatus:                 &submitted,
			ExcludeVerificationStatus: ledger.VerificationVerified,
		})
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// ValidateCanClose is a dry run of Finalize. It never writes.
func (s *Service) ValidateCanClose(ctx context.Context, id int64) (Preflight, error) {
	c, err := s.repo.Get(ctx, id)
	if err != nil {
		return Preflight{}, err
	}
	out := Preflight{Errors: []string{}, Warnings: []string{}}
	switch {
	case c.Finalized():
		out.Errors = append(out.Errors, fmt.Sprintf("%s is already finalized", c.Name))
	case c.Reversed(), c.Status == StatusCancelled:
		out.Errors = append(out.Errors, fmt.Sprintf("%s has been cancelled", c.Name))
	}

	report, err := s.validator.ValidateConfiguration(ctx, c.Company)
	if err != nil {
		return Preflight{}, err
	}
	out.Configuration = &report
	if !report.Valid {
		for _, check := range report.Registers {
			if !check.Valid {
				out.Errors = append(out.Errors, check.Message)
			}
		}
		if len(out.Errors) == 0 {
			out.Errors = append(out.Errors, report.Message)
		}
	}
	if profile, err := s.profiles.Get(ctx, c.Company); err == nil {
		if profile.AutoNetting && strings.TrimSpace(profile.NettingPayableAccount) == "" {
			out.Errors = append(out.Errors, "auto netting is enabled but no netting payable account is configured")
		}
	} else if !errors.Is(err, taxprofile.ErrProfileNotFound) {
		return Preflight{}, err
	}

	switch {
	case c.Snapshot == nil:
		out.Warnings = append(out.Warnings, "no register snapshot yet; one will be generated on finalize")
	case c.Snapshot.IsFallback():
		out.Warnings = append(out.Warnings, "register snapshot is a zero-filled fallback and will be rebuilt on finalize: "+c.Snapshot.Meta.Error)
	case s.maxAge > 0 && c.LastRefresh != nil && s.now().Sub(*c.LastRefresh) > s.maxAge:
		out.Warnings = append(out.Warnings, fmt.Sprintf("register snapshot is older than %s", s.maxAge))
	}
	if c.Snapshot != nil {
		out.Warnings = append(out.Warnings, c.Snapshot.Meta.Warnings...)
		generated := c.Snapshot.Meta.GeneratedAt
		out.RegisterInfo = RegisterInfo{
			DataSource:         c.Snapshot.Meta.DataSource,
			GeneratedAt:        &generated,
			InputInvoiceCount:  c.Snapshot.InputInvoiceCount,
			OutputInvoiceCount: c.Snapshot.OutputInvoiceCount,
			WithholdingEntries: c.Snapshot.WithholdingEntryCount,
		}
	}
	out.RegisterInfo.Totals = totalsFrom(c.Snapshot)

	unverified, err := s.unverifiedCount(ctx, c)
	if err != nil {
		return Preflight{}, err
	}
	if unverified > 0 {
		out.Warnings = append(out.Warnings, unverifiedWarning(unverified))
	}
	out.CanClose = len(out.Errors) == 0
	return out, nil
}

func unverifiedWarning(n int) string {
	return fmt.Sprintf("%d submitted tax invoice(s) in the period are not verified and are excluded from the registers", n)
}

// Finalize closes the period: it makes sure a snapshot exists, copies its
// totals, posts the netting journal when the profile enables auto netting and
// locks the period. Everything after the snapshot build commits atomically.
func (s *Service) Finalize(ctx context.Context, id int64, actor shared.Actor) (FinalizeResult, error) {
	if actor.IsZero() {
		return FinalizeResult{}, shared.ErrActorRequired
	}
	current, err := s.repo.Get(ctx, id)
	if err != nil {
		return FinalizeResult{}, err
	}
	if err := ensureOpen(current); err != nil {
		return FinalizeResult{}, err
	}

	report, err := s.validator.ValidateConfiguration(ctx, current.Company)
	if err != nil {
		return FinalizeResult{}, err
	}
	if !report.Valid {
		return FinalizeResult{}, &ConfigurationError{Report: report}
	}
	profile, err := s.profiles.Get(ctx, current.Company)
	if err != nil {
		return FinalizeResult{}, err
	}

	var (
		warnings []string
		built    *register.Snapshot
	)
	if current.Snapshot == nil || current.Snapshot.IsFallback() {
		snap := s.builder.BuildSnapshot(ctx, s.registerRequest(current, ""), actor)
		if err := ctx.Err(); err != nil {
			return FinalizeResult{}, err
		}
		if snap.IsFallback() {
			return FinalizeResult{}, fmt.Errorf("%w: %s", ErrSnapshotMissing, snap.Meta.Error)
		}
		built = &snap
		warnings = append(warnings, "register snapshot generated during finalize")
	}
	unverified, err := s.unverifiedCount(ctx, current)
	if err != nil {
		return FinalizeResult{}, err
	}
	if unverified > 0 {
		warnings = append(warnings, unverifiedWarning(unverified))
	}

	var nettingID *int64
	err = s.repo.WithTx(ctx, func(ctx context.Context) error {
		locked, err := s.repo.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := ensureOpen(locked); err != nil {
			return err
		}
		snap := locked.Snapshot
		if (snap == nil || snap.IsFallback()) && built != nil {
			if _, err := s.repo.SaveSnapshotIfOpen(ctx, id, *built, s.now()); err != nil {
				return err
			}
			snap = built
		}
		if snap == nil || snap.IsFallback() {
			return ErrSnapshotMissing
		}
		totals := totalsFrom(snap)
		if err := s.repo.MarkFinalized(ctx, id, totals, actor.ID, s.now()); err != nil {
			return err
		}
		if profile.AutoNetting {
			outcome, err := s.netting.CreateNettingTransaction(ctx, s.nettingRequest(locked, profile, totals, actor, false))
			if err != nil {
				return err
			}
			nettingID = &outcome.EntryID
		}
		meta := map[string]any{
			"input_vat_total":  totals.InputVAT.StringFixed(2),
			"output_vat_total": totals.OutputVAT.StringFixed(2),
			"vat_net":          totals.VATNet.StringFixed(2),
		}
		if nettingID != nil {
			meta["netting_entry_id"] = *nettingID
		}
		return s.record(ctx, actor, "tax_closing.finalize", id, meta)
	})
	if err != nil {
		return FinalizeResult{}, err
	}
	s.invalidateLocks(ctx, id)

	closing, err := s.repo.Get(ctx, id)
	if err != nil {
		return FinalizeResult{}, err
	}
	s.logger.Info("tax closing finalized",
		slog.Int64("closing_id", id),
		slog.String("company", closing.Company),
		slog.String("vat_net", closing.Totals.VATNet.StringFixed(2)))
	return FinalizeResult{Closing: closing, Warnings: warnings, Netting: nettingID}, nil
}

func (s *Service) nettingRequest(c Closing, profile taxprofile.Profile, totals Totals, actor shared.Actor, force bool) netting.Request {
	return netting.Request{
		ClosingID:      c.ID,
		Company:        c.Company,
		PeriodMonth:    c.PeriodMonth,
		PeriodYear:     c.PeriodYear,
		InputTotal:     totals.InputVAT,
		OutputTotal:    totals.OutputVAT,
		InputAccount:   profile.InputTaxAccount,
		OutputAccount:  profile.OutputTaxAccount,
		PayableAccount: profile.NettingPayableAccount,
		PostingDate:    c.DateTo,
		Reference:      c.Name,
		Force:          force,
		Actor:          actor,
	}
}

// Cancel reverses a finalized closing, voiding its netting journal and
// reopening the period, or abandons an open one. Both happen in one
// transaction.
func (s *Service) Cancel(ctx context.Context, id int64, actor shared.Actor, reason string) (CancelResult, error) {
	if actor.IsZero() {
		return CancelResult{}, shared.ErrActorRequired
	}
	if strings.TrimSpace(reason) == "" {
		reason = "tax closing cancelled"
	}
	var (
		voided    *int64
		finalized bool
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context) error {
		current, err := s.repo.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if current.Reversed() || current.Status == StatusCancelled {
			return ErrClosingReversed
		}
		finalized = current.Finalized()
		if finalized {
			if voided, err = s.netting.Reverse(ctx, id, actor, reason+" ("+current.Name+")"); err != nil {
				return err
			}
			if err := s.repo.UpdateStatus(ctx, id, StatusDraft, DocReversed); err != nil {
				return err
			}
		} else if err := s.repo.UpdateStatus(ctx, id, StatusCancelled, DocReversed); err != nil {
			return err
		}
		meta := map[string]any{"reason": reason, "was_finalized": finalized}
		if voided != nil {
			meta["voided_netting_entry_id"] = *voided
		}
		return s.record(ctx, actor, "tax_closing.cancel", id, meta)
	})
	if err != nil {
		return CancelResult{}, err
	}
	if finalized {
		s.invalidateLocks(ctx, id)
	}
	closing, err := s.repo.Get(ctx, id)
	if err != nil {
		return CancelResult{}, err
	}
	s.logger.Info("tax closing cancelled", slog.Int64("closing_id", id), slog.Bool("was_finalized", finalized))
	return CancelResult{Closing: closing, VoidedNetting: voided}, nil
}

// CreateNetting posts the netting journal of a finalized closing on demand.
// An active journal is kept unless force is set.
func (s *Service) CreateNetting(ctx context.Context, id int64, actor shared.Actor, force bool) (netting.Outcome, error) {
	if actor.IsZero() {
		return netting.Outcome{}, shared.ErrActorRequired
	}
	var outcome netting.Outcome
	err := s.repo.WithTx(ctx, func(ctx context.Context) error {
		current, err := s.repo.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !current.Finalized() {
			return ErrClosingNotFinalized
		}
		profile, err := s.profiles.Get(ctx, current.Company)
		if err != nil {
			return err
		}
		outcome, err = s.netting.CreateNettingTransaction(ctx, s.nettingRequest(current, profile, current.Totals, actor, force))
		if err != nil {
			return err
		}
		if !outcome.Created {
			return nil
		}
		meta := map[string]any{"entry_id": outcome.EntryID, "force": force}
		if outcome.Replaced != nil {
			meta["replaced_entry_id"] = *outcome.Replaced
		}
		return s.record(ctx, actor, "tax_closing.netting", id, meta)
	})
	if err != nil {
		return netting.Outcome{}, err
	}
	return outcome, nil
}

// GetPeriodStatistics counts the period's source documents, including the
// verified ones subject to withholding, and reports the closing totals.
func (s *Service) GetPeriodStatistics(ctx context.Context, id int64) (Statistics, error) {
	c, err := s.repo.Get(ctx, id)
	if err != nil {
		return Statistics{}, err
	}
	stats := Statistics{ClosingID: c.ID, Totals: c.Totals}
	submitted := ledger.DocStatusSubmitted
	for _, item := range []struct {
		docType ledger.DocumentType
		dest    *RegisterCounts
	}{
		{ledger.DocumentPurchaseInvoice, &stats.PurchaseInvoices},
		{ledger.DocumentSalesInvoice, &stats.SalesInvoices},
	} {
		filter := ledger.DocumentFilter{Type: item.docType, Company: c.Company, From: c.DateFrom, To: c.DateTo, DocStatus: &submitted}
		if item.dest.Total, err = s.documents.CountSourceDocuments(ctx, filter); err != nil {
			return Statistics{}, err
		}
		filter.VerificationStatus = ledger.VerificationVerified
		if item.dest.Verified, err = s.documents.CountSourceDocuments(ctx, filter); err != nil {
			return Statistics{}, err
		}
		docs, err := s.documents.ListSourceDocuments(ctx, filter)
		if err != nil {
			return Statistics{}, err
		}
		for _, doc := range docs {
			if doc.WithholdingApplies() {
				item.dest.WithholdingFlagged++
			}
		}
	}
	if c.Snapshot != nil {
		stats.WithholdingEntries = c.Snapshot.WithholdingEntryCount
		stats.SnapshotSource = string(c.Snapshot.Meta.DataSource)
	}
	return stats, nil
}

func (s *Service) invalidateLocks(ctx context.Context, id int64) {
	if s.locks == nil {
		return
	}
	if err := s.locks.Invalidate(ctx); err != nil {
		s.logger.Warn("period lock cache invalidation failed", slog.Int64("closing_id", id), slog.Any("error", err))
	}
}

func (s *Service) record(ctx context.Context, actor shared.Actor, action string, id int64, meta map[string]any) error {
	if s.audit == nil {
		return nil
	}
	return s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actor.ID,
		Action:   action,
		Entity:   "tax_period_closing",
		EntityID: strconv.FormatInt(id, 10),
		Meta:     meta,
		At:       s.now(),
	})
}
