package closehttp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/taxclose/internal/accounting"
	"github.com/odyssey-erp/taxclose/internal/close"
	"github.com/odyssey-erp/taxclose/internal/netting"
	"github.com/odyssey-erp/taxclose/internal/periodlock"
	"github.com/odyssey-erp/taxclose/internal/platform/httpx"
	"github.com/odyssey-erp/taxclose/internal/rbac"
	"github.com/odyssey-erp/taxclose/internal/register"
	"github.com/odyssey-erp/taxclose/internal/shared"
	"github.com/odyssey-erp/taxclose/internal/taxprofile"
)

const (
	listLimit           = 120
	idempotencyHeader   = "Idempotency-Key"
	idempotencyFinalize = "tax_closing.finalize"
)

type closeService interface {
	Create(ctx context.Context, in close.CreateInput, actor shared.Actor) (close.Closing, error)
	Get(ctx context.Context, id int64) (close.Closing, error)
	List(ctx context.Context, f close.ListFilter) ([]close.Closing, error)
	UpdatePeriod(ctx context.Context, id int64, month, year int, actor shared.Actor) (close.Closing, error)
	UpdateStatus(ctx context.Context, id int64, target close.Status, actor shared.Actor) (close.TransitionResult, error)
	RequestSnapshotRefresh(ctx context.Context, id int64, actor shared.Actor, async bool) (close.RefreshResult, error)
	ValidateCanClose(ctx context.Context, id int64) (close.Preflight, error)
	GetPeriodStatistics(ctx context.Context, id int64) (close.Statistics, error)
	Finalize(ctx context.Context, id int64, actor shared.Actor) (close.FinalizeResult, error)
	Cancel(ctx context.Context, id int64, actor shared.Actor, reason string) (close.CancelResult, error)
	CreateNetting(ctx context.Context, id int64, actor shared.Actor, force bool) (netting.Outcome, error)
}

type snapshotBuilder interface {
	BuildSnapshot(ctx context.Context, req register.Request, actor shared.Actor) register.Snapshot
}

type lockChecker interface {
	IsLocked(ctx context.Context, company string, date time.Time, actor shared.Actor) (periodlock.Status, error)
}

type idempotencyStore interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key, module string) error
}

// Handler exposes tax period closings, register previews and the period lock
// over JSON.
type Handler struct {
	logger      *slog.Logger
	service     closeService
	builder     snapshotBuilder
	locks       lockChecker
	idempotency idempotencyStore
	rbac        rbac.Middleware
}

// NewHandler builds the handler. idempotency may be nil.
func NewHandler(logger *slog.Logger, service closeService, builder snapshotBuilder, locks lockChecker, idempotency idempotencyStore, rbac rbac.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:      logger,
		service:     service,
		builder:     builder,
		locks:       locks,
		idempotency: idempotency,
		rbac:        rbac,
	}
}

// MountRoutes registers the closing endpoints. The router is expected to run
// rbac.Middleware.ResolveActor beforehand.
func (h *Handler) MountRoutes(r chi.Router) {
	view := h.rbac.RequireAnyRole(shared.TaxViewRoles()...)
	manage := h.rbac.RequireAnyRole(shared.TaxCloseRoles()...)

	r.Route("/tax-closings", func(r chi.Router) {
		r.With(view).Get("/", h.listClosings)
		r.With(manage).Post("/", h.createClosing)
		r.Route("/{id}", func(r chi.Router) {
			r.With(view).Get("/", h.getClosing)
			r.With(view).Get("/preflight", h.preflight)
			r.With(view).Get("/statistics", h.statistics)
			r.With(manage).Patch("/period", h.updatePeriod)
			r.With(manage).Post("/status", h.updateStatus)
			r.With(manage).Post("/snapshot", h.refreshSnapshot)
			r.With(manage).Post("/finalize", h.finalize)
			r.With(manage).Post("/cancel", h.cancel)
			r.With(manage).Post("/netting", h.createNetting)
		})
	})
	r.With(view).Post("/registers/snapshot", h.previewSnapshot)
	r.Get("/period-lock", h.periodLock)
}

func (h *Handler) listClosings(w http.ResponseWriter, r *http.Request) {
	filter := close.ListFilter{Company: strings.TrimSpace(r.URL.Query().Get("company")), Limit: listLimit}
	if raw := strings.TrimSpace(r.URL.Query().Get("year")); raw != "" {
		year, err := strconv.Atoi(raw)
		if err != nil || year < 2000 || year > 9999 {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "year must be a four digit number")
			return
		}
		filter.Year = year
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		status, err := close.ParseStatus(raw)
		if err != nil {
			h.respondError(w, r, err)
			return
		}
		filter.Status = status
	}
	closings, err := h.service.List(r.Context(), filter)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if closings == nil {
		closings = []close.Closing{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"data": closings})
}

func (h *Handler) createClosing(w http.ResponseWriter, r *http.Request) {
	var in close.CreateInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		h.respondError(w, r, err)
		return
	}
	created, err := h.service.Create(r.Context(), in, currentActor(r))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/tax-closings/%d", created.ID))
	httpx.JSON(w, http.StatusCreated, created)
}

func (h *Handler) getClosing(w http.ResponseWriter, r *http.Request) {
	id, ok := h.closingID(w, r)
	if !ok {
		return
	}
	closing, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, closing)
}

type periodRequest struct {
	Month int `json:"period_month" validate:"required,min=1,max=12"`
	Year  int `json:"period_year" validate:"required,min=2000,max=9999"`
}

func (h *Handler) updatePeriod(w http.ResponseWriter, r *http.Request) {
	id, ok := h.closingID(w, r)
	if !ok {
		return
	}
	var req periodRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}
	closing, err := h.service.UpdatePeriod(r.Context(), id, req.Month, req.Year, currentActor(r))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, closing)
}

type statusRequest struct {
	Status string `json:"status" validate:"required"`
}

func (h *Handler) updateStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := h.closingID(w, r)
	if !ok {
		return
	}
	var req statusRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}
	target, err := close.ParseStatus(req.Status)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	res, err := h.service.UpdateStatus(r.Context(), id, target, currentActor(r))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

type snapshotRequest struct {
	Async bool `json:"async"`
}

func (h *Handler) refreshSnapshot(w http.ResponseWriter, r *http.Request) {
	id, ok := h.closingID(w, r)
	if !ok {
		return
	}
	var req snapshotRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}
	res, err := h.service.RequestSnapshotRefresh(r.Context(), id, currentActor(r), req.Async)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	status := http.StatusOK
	if res.Queued {
		status = http.StatusAccepted
	}
	httpx.JSON(w, status, res)
}

func (h *Handler) preflight(w http.ResponseWriter, r *http.Request) {
	id, ok := h.closingID(w, r)
	if !ok {
		return
	}
	res, err := h.service.ValidateCanClose(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) statistics(w http.ResponseWriter, r *http.Request) {
	id, ok := h.closingID(w, r)
	if !ok {
		return
	}
	res, err := h.service.GetPeriodStatistics(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) finalize(w http.ResponseWriter, r *http.Request) {
	id, ok := h.closingID(w, r)
	if !ok {
		return
	}
	key := strings.TrimSpace(r.Header.Get(idempotencyHeader))
	if key != "" && h.idempotency != nil {
		if err := h.idempotency.CheckAndInsert(r.Context(), key, idempotencyFinalize); err != nil {
			h.respondError(w, r, err)
			return
		}
	}
	res, err := h.service.Finalize(r.Context(), id, currentActor(r))
	if err != nil {
		if key != "" && h.idempotency != nil {
			if delErr := h.idempotency.Delete(r.Context(), key, idempotencyFinalize); delErr != nil {
				h.logger.Warn("release idempotency key", slog.String("key", key), slog.Any("error", delErr))
			}
		}
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

type cancelRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := h.closingID(w, r)
	if !ok {
		return
	}
	var req cancelRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}
	res, err := h.service.Cancel(r.Context(), id, currentActor(r), req.Reason)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

type nettingRequest struct {
	Force bool `json:"force"`
}

func (h *Handler) createNetting(w http.ResponseWriter, r *http.Request) {
	id, ok := h.closingID(w, r)
	if !ok {
		return
	}
	var req nettingRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}
	res, err := h.service.CreateNetting(r.Context(), id, currentActor(r), req.Force)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	httpx.JSON(w, status, res)
}

type previewRequest struct {
	Company            string `json:"company" validate:"required"`
	From               string `json:"from" validate:"required,datetime=2006-01-02"`
	To                 string `json:"to" validate:"required,datetime=2006-01-02"`
	VerificationStatus string `json:"verification_status"`
}

func (h *Handler) previewSnapshot(w http.ResponseWriter, r *http.Request) {
	var req previewRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}
	from, _ := time.Parse(shared.DateLayout, req.From)
	to, _ := time.Parse(shared.DateLayout, req.To)
	snap := h.builder.BuildSnapshot(r.Context(), register.Request{
		Company:            req.Company,
		From:               from,
		To:                 to,
		VerificationStatus: req.VerificationStatus,
	}, currentActor(r))
	httpx.JSON(w, http.StatusOK, snap)
}

func (h *Handler) periodLock(w http.ResponseWriter, r *http.Request) {
	company := strings.TrimSpace(r.URL.Query().Get("company"))
	date, err := time.Parse(shared.DateLayout, strings.TrimSpace(r.URL.Query().Get("date")))
	if company == "" || err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "company and date (YYYY-MM-DD) are required")
		return
	}
	status, err := h.locks.IsLocked(r.Context(), company, date, currentActor(r))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, status)
}

func (h *Handler) closingID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid closing id")
		return 0, false
	}
	return id, true
}

func currentActor(r *http.Request) shared.Actor {
	actor, _ := shared.ActorFromContext(r.Context())
	return actor
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	mapped := classify(err)
	if mapped == err {
		h.logger.Error("tax closing request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("error", err))
	}
	httpx.RespondError(w, mapped)
}

// classify attaches the httpx sentinel matching a domain error. Unknown errors
// come back unchanged.
func classify(err error) error {
	var (
		dup     *close.DuplicatePeriodError
		cfg     *close.ConfigurationError
		missing *netting.MissingAccountsError
	)
	var kind error
	switch {
	case errors.Is(err, httpx.ErrValidation):
		return err
	case errors.Is(err, close.ErrClosingNotFound), errors.Is(err, accounting.ErrJournalNotFound):
		kind = httpx.ErrNotFound
	case errors.As(err, &dup):
		kind = httpx.ErrDuplicate
	case errors.Is(err, close.ErrClosingFinalized), errors.Is(err, close.ErrClosingReversed),
		errors.Is(err, close.ErrClosingNotFinalized), errors.Is(err, shared.ErrIdempotencyConflict),
		errors.Is(err, accounting.ErrSourceAlreadyLinked):
		kind = httpx.ErrConflict
	case errors.As(err, &cfg), errors.As(err, &missing), errors.Is(err, netting.ErrNegativeTotals),
		errors.Is(err, close.ErrSnapshotMissing), errors.Is(err, taxprofile.ErrProfileNotFound),
		errors.Is(err, accounting.ErrAccountNotPostable):
		kind = httpx.ErrUnprocessable
	case errors.Is(err, shared.ErrInvalidPeriod), errors.Is(err, close.ErrInvalidStatus),
		errors.Is(err, close.ErrCompanyRequired), errors.Is(err, netting.ErrClosingRequired):
		kind = httpx.ErrValidation
	case errors.Is(err, shared.ErrActorRequired):
		kind = httpx.ErrUnauthorized
	case errors.Is(err, periodlock.ErrPeriodLocked), errors.Is(err, accounting.ErrPeriodLocked):
		kind = httpx.ErrForbidden
	default:
		return err
	}
	return fmt.Errorf("%w: %s", kind, err.Error())
}
