package taxprofilehttp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/taxclose/internal/platform/httpx"
	"github.com/odyssey-erp/taxclose/internal/rbac"
	"github.com/odyssey-erp/taxclose/internal/shared"
	"github.com/odyssey-erp/taxclose/internal/taxprofile"
)

type profileService interface {
	Get(ctx context.Context, company string) (taxprofile.Profile, error)
	Save(ctx context.Context, p taxprofile.Profile, actor shared.Actor) (taxprofile.Profile, error)
	ValidateConfiguration(ctx context.Context, company string) (taxprofile.ValidationReport, error)
}

// Handler serves per-company tax account configuration.
type Handler struct {
	logger  *slog.Logger
	service profileService
	rbac    rbac.Middleware
}

// NewHandler builds the handler.
func NewHandler(logger *slog.Logger, service profileService, rbac rbac.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, rbac: rbac}
}

// MountRoutes registers the profile endpoints.
func (h *Handler) MountRoutes(r chi.Router) {
	view := h.rbac.RequireAnyRole(shared.TaxViewRoles()...)
	manage := h.rbac.RequireAnyRole(shared.TaxCloseRoles()...)

	r.Route("/tax-profiles/{company}", func(r chi.Router) {
		r.With(view).Get("/", h.getProfile)
		r.With(manage).Put("/", h.saveProfile)
		r.With(view).Get("/validation", h.validate)
	})
}

type profileRequest struct {
	InputTaxAccount       string                     `json:"input_tax_account"`
	OutputTaxAccount      string                     `json:"output_tax_account"`
	WithholdingAccounts   []string                   `json:"withholding_accounts"`
	PB1Accounts           []taxprofile.BranchAccount `json:"pb1_accounts"`
	PB1DefaultAccount     string                     `json:"pb1_default_account"`
	NettingPayableAccount string                     `json:"netting_payable_account"`
	AutoNetting           bool                       `json:"auto_netting"`
}

func (req profileRequest) profile(company string) taxprofile.Profile {
	return taxprofile.Profile{
		Company:               company,
		InputTaxAccount:       strings.TrimSpace(req.InputTaxAccount),
		OutputTaxAccount:      strings.TrimSpace(req.OutputTaxAccount),
		WithholdingAccounts:   req.WithholdingAccounts,
		PB1Accounts:           req.PB1Accounts,
		PB1DefaultAccount:     strings.TrimSpace(req.PB1DefaultAccount),
		NettingPayableAccount: strings.TrimSpace(req.NettingPayableAccount),
		AutoNetting:           req.AutoNetting,
	}
}

func (h *Handler) getProfile(w http.ResponseWriter, r *http.Request) {
	profile, err := h.service.Get(r.Context(), chi.URLParam(r, "company"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, profile)
}

func (h *Handler) saveProfile(w http.ResponseWriter, r *http.Request) {
	var req profileRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}
	actor, _ := shared.ActorFromContext(r.Context())
	saved, err := h.service.Save(r.Context(), req.profile(chi.URLParam(r, "company")), actor)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, saved)
}

func (h *Handler) validate(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.ValidateConfiguration(r.Context(), chi.URLParam(r, "company"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, report)
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, httpx.ErrValidation):
	case errors.Is(err, taxprofile.ErrProfileNotFound):
		err = fmt.Errorf("%w: %s", httpx.ErrNotFound, err.Error())
	case errors.Is(err, taxprofile.ErrInvalidProfile):
		err = fmt.Errorf("%w: %s", httpx.ErrValidation, err.Error())
	case errors.Is(err, shared.ErrActorRequired):
		err = fmt.Errorf("%w: %s", httpx.ErrUnauthorized, err.Error())
	default:
		h.logger.Error("tax profile request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
