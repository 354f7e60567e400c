package taxprofile

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Register names a tax register checked by the configuration validator.
type Register string

const (
	RegisterInput       Register = "input"
	RegisterOutput      Register = "output"
	RegisterWithholding Register = "withholding"
	RegisterNetting     Register = "netting"
)

// BranchAccount maps a branch to its PB1 payable account.
type BranchAccount struct {
	Branch  string `json:"branch" validate:"required"`
	Account string `json:"account" validate:"required"`
}

// Profile holds the per-company tax account configuration.
type Profile struct {
	Company               string          `json:"company" validate:"required"`
	InputTaxAccount       string          `json:"input_tax_account"`
	OutputTaxAccount      string          `json:"output_tax_account"`
	WithholdingAccounts   []string        `json:"withholding_accounts" validate:"dive,required"`
	PB1Accounts           []BranchAccount `json:"pb1_accounts" validate:"dive"`
	PB1DefaultAccount     string          `json:"pb1_default_account"`
	NettingPayableAccount string          `json:"netting_payable_account"`
	AutoNetting           bool            `json:"auto_netting"`
	UpdatedBy             string          `json:"updated_by,omitempty"`
	UpdatedAt             time.Time       `json:"updated_at"`
}

var (
	// ErrProfileNotFound indicates the company has no tax profile.
	ErrProfileNotFound = errors.New("taxprofile: profile not found")
	// ErrInvalidProfile wraps every profile invariant failure.
	ErrInvalidProfile = errors.New("taxprofile: invalid profile")
)

var profileValidator = validator.New()

// Validate enforces field rules and account role uniqueness.
func (p Profile) Validate() error {
	if err := profileValidator.Struct(p); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			return fmt.Errorf("%w: %s failed %s", ErrInvalidProfile, fieldErrs[0].Namespace(), fieldErrs[0].Tag())
		}
		return fmt.Errorf("%w: %v", ErrInvalidProfile, err)
	}

	seenWithholding := make(map[string]struct{}, len(p.WithholdingAccounts))
	for _, account := range p.WithholdingAccounts {
		key := strings.TrimSpace(account)
		if _, dup := seenWithholding[key]; dup {
			return fmt.Errorf("%w: withholding account %s listed twice", ErrInvalidProfile, key)
		}
		seenWithholding[key] = struct{}{}
	}
	seenBranch := make(map[string]struct{}, len(p.PB1Accounts))
	for _, mapping := range p.PB1Accounts {
		key := strings.TrimSpace(mapping.Branch)
		if _, dup := seenBranch[key]; dup {
			return fmt.Errorf("%w: branch %s mapped twice", ErrInvalidProfile, key)
		}
		seenBranch[key] = struct{}{}
	}

	roles := make(map[string]string)
	claim := func(account, role string) error {
		account = strings.TrimSpace(account)
		if account == "" {
			return nil
		}
		if existing, ok := roles[account]; ok && existing != role {
			return fmt.Errorf("%w: account %s used as both %s and %s", ErrInvalidProfile, account, existing, role)
		}
		roles[account] = role
		return nil
	}
	if err := claim(p.InputTaxAccount, "input tax"); err != nil {
		return err
	}
	if err := claim(p.OutputTaxAccount, "output tax"); err != nil {
		return err
	}
	for _, account := range p.WithholdingAccounts {
		if err := claim(account, "withholding"); err != nil {
			return err
		}
	}
	for _, mapping := range p.PB1Accounts {
		if err := claim(mapping.Account, "pb1"); err != nil {
			return err
		}
	}
	if err := claim(p.PB1DefaultAccount, "pb1"); err != nil {
		return err
	}
	return claim(p.NettingPayableAccount, "netting payable")
}

// PB1AccountList returns the branch accounts followed by the default account, deduplicated.
func (p Profile) PB1AccountList() []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(account string) {
		account = strings.TrimSpace(account)
		if account == "" {
			return
		}
		if _, ok := seen[account]; ok {
			return
		}
		seen[account] = struct{}{}
		out = append(out, account)
	}
	branches := append([]BranchAccount(nil), p.PB1Accounts...)
	sort.SliceStable(branches, func(i, j int) bool { return branches[i].Branch < branches[j].Branch })
	for _, mapping := range branches {
		add(mapping.Account)
	}
	add(p.PB1DefaultAccount)
	return out
}

// AccountCheck reports the state of one configured account.
type AccountCheck struct {
	Account string `json:"account"`
	Exists  bool   `json:"exists"`
	Enabled bool   `json:"enabled"`
	Message string `json:"message,omitempty"`
}

// Valid reports whether the account exists and is enabled.
func (c AccountCheck) Valid() bool {
	return c.Exists && c.Enabled
}

// RegisterCheck is the configuration verdict for one register.
type RegisterCheck struct {
	Register Register       `json:"register"`
	Valid    bool           `json:"valid"`
	Accounts []AccountCheck `json:"accounts"`
	Message  string         `json:"message,omitempty"`
}

// ValidationReport is the structured result of ValidateConfiguration.
type ValidationReport struct {
	Company   string          `json:"company"`
	Valid     bool            `json:"valid"`
	Registers []RegisterCheck `json:"registers"`
	Message   string          `json:"message"`
}

// Register returns the check for r.
func (r ValidationReport) Register(reg Register) (RegisterCheck, bool) {
	for _, check := range r.Registers {
		if check.Register == reg {
			return check, true
		}
	}
	return RegisterCheck{}, false
}
