package taxprofile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/odyssey-erp/taxclose/internal/ledger"
	"github.com/odyssey-erp/taxclose/internal/shared"
)

// Store abstracts profile persistence.
type Store interface {
	WithTx(ctx context.Context, fn func(context.Context) error) error
	Get(ctx context.Context, company string) (Profile, error)
	Upsert(ctx context.Context, p Profile) error
}

// AccountLookup resolves chart of accounts rows.
type AccountLookup interface {
	GetAccount(ctx context.Context, company, code string) (ledger.Account, error)
}

// AuditPort records configuration changes.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service manages tax profiles and validates their readiness.
type Service struct {
	store    Store
	accounts AccountLookup
	audit    AuditPort
	logger   *slog.Logger
	now      func() time.Time
}

// NewService constructs the profile service.
func NewService(store Store, accounts AccountLookup, audit AuditPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, accounts: accounts, audit: audit, logger: logger, now: time.Now}
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Get returns the profile for company.
func (s *Service) Get(ctx context.Context, company string) (Profile, error) {
	company = strings.TrimSpace(company)
	if company == "" {
		return Profile{}, fmt.Errorf("%w: company required", ErrInvalidProfile)
	}
	return s.store.Get(ctx, company)
}

// Save validates and stores the profile.
func (s *Service) Save(ctx context.Context, p Profile, actor shared.Actor) (Profile, error) {
	if actor.IsZero() {
		return Profile{}, shared.ErrActorRequired
	}
	p.Company = strings.TrimSpace(p.Company)
	if err := p.Validate(); err != nil {
		return Profile{}, err
	}
	p.UpdatedBy = actor.ID
	p.UpdatedAt = s.now().UTC()
	err := s.store.WithTx(ctx, func(ctx context.Context) error {
		return s.store.Upsert(ctx, p)
	})
	if err != nil {
		return Profile{}, err
	}
	if s.audit != nil {
		if err := s.audit.Record(ctx, shared.AuditLog{
			ActorID:  actor.ID,
			Action:   "tax_profile.save",
			Entity:   "tax_profile",
			EntityID: p.Company,
			Meta: map[string]any{
				"auto_netting":         p.AutoNetting,
				"withholding_accounts": len(p.WithholdingAccounts),
			},
			At: p.UpdatedAt,
		}); err != nil {
			s.logger.Warn("audit tax profile save", slog.Any("error", err))
		}
	}
	return p, nil
}

// ValidateConfiguration checks that every register has usable accounts. An
// invalid configuration is reported in the result; the error return is
// reserved for lookup failures.
func (s *Service) ValidateConfiguration(ctx context.Context, company string) (ValidationReport, error) {
	report := ValidationReport{Company: company}
	profile, err := s.Get(ctx, company)
	if err != nil {
		if errors.Is(err, ErrProfileNotFound) || errors.Is(err, ErrInvalidProfile) {
			msg := fmt.Sprintf("tax profile for %s is not configured", company)
			for _, reg := range []Register{RegisterInput, RegisterOutput, RegisterWithholding} {
				report.Registers = append(report.Registers, RegisterCheck{Register: reg, Message: msg})
			}
			report.Message = msg
			return report, nil
		}
		return ValidationReport{}, err
	}

	input, err := s.checkSingle(ctx, company, RegisterInput, profile.InputTaxAccount, "input tax account")
	if err != nil {
		return ValidationReport{}, err
	}
	output, err := s.checkSingle(ctx, company, RegisterOutput, profile.OutputTaxAccount, "output tax account")
	if err != nil {
		return ValidationReport{}, err
	}
	withholding, err := s.checkWithholding(ctx, company, profile.WithholdingAccounts)
	if err != nil {
		return ValidationReport{}, err
	}
	report.Registers = []RegisterCheck{input, output, withholding}
	if profile.AutoNetting {
		netting, err := s.checkSingle(ctx, company, RegisterNetting, profile.NettingPayableAccount, "netting payable account")
		if err != nil {
			return ValidationReport{}, err
		}
		report.Registers = append(report.Registers, netting)
	}

	var problems []string
	for _, check := range report.Registers {
		if !check.Valid {
			problems = append(problems, check.Message)
		}
	}
	report.Valid = len(problems) == 0
	if report.Valid {
		report.Message = "tax configuration is complete"
	} else {
		report.Message = strings.Join(problems, "; ")
	}
	return report, nil
}

func (s *Service) checkSingle(ctx context.Context, company string, reg Register, account, label string) (RegisterCheck, error) {
	check := RegisterCheck{Register: reg}
	if strings.TrimSpace(account) == "" {
		check.Message = label + " is not set"
		return check, nil
	}
	ac, err := s.checkAccount(ctx, company, account)
	if err != nil {
		return RegisterCheck{}, err
	}
	check.Accounts = []AccountCheck{ac}
	check.Valid = ac.Valid()
	if !check.Valid {
		check.Message = fmt.Sprintf("%s %s", label, ac.Message)
	}
	return check, nil
}

func (s *Service) checkWithholding(ctx context.Context, company string, accounts []string) (RegisterCheck, error) {
	check := RegisterCheck{Register: RegisterWithholding}
	if len(accounts) == 0 {
		check.Message = "no withholding payable account configured"
		return check, nil
	}
	for _, account := range accounts {
		ac, err := s.checkAccount(ctx, company, account)
		if err != nil {
			return RegisterCheck{}, err
		}
		check.Accounts = append(check.Accounts, ac)
		if ac.Valid() {
			check.Valid = true
		}
	}
	if !check.Valid {
		check.Message = "no enabled withholding payable account found"
	}
	return check, nil
}

func (s *Service) checkAccount(ctx context.Context, company, code string) (AccountCheck, error) {
	check := AccountCheck{Account: code}
	if s.accounts == nil {
		return AccountCheck{}, errors.New("taxprofile: account lookup not configured")
	}
	account, err := s.accounts.GetAccount(ctx, company, code)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			check.Message = fmt.Sprintf("%s does not exist", code)
			return check, nil
		}
		return AccountCheck{}, err
	}
	check.Exists = true
	switch {
	case account.Disabled:
		check.Message = fmt.Sprintf("%s is disabled", code)
	case account.IsGroup:
		check.Message = fmt.Sprintf("%s is a group account", code)
	default:
		check.Enabled = true
	}
	return check, nil
}
