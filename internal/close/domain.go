// Package close owns the tax period closing document: its snapshot, its
// status lifecycle, finalization with netting and reversal.
package close

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/taxclose/internal/register"
	"github.com/odyssey-erp/taxclose/internal/shared"
	"github.com/odyssey-erp/taxclose/internal/taxprofile"
)

// Status captures the workflow stage of a closing.
type Status string

const (
	StatusDraft     Status = "Draft"
	StatusReviewed  Status = "Reviewed"
	StatusApproved  Status = "Approved"
	StatusClosed    Status = "Closed"
	StatusCancelled Status = "Cancelled"
)

// ParseStatus matches s case-insensitively.
func ParseStatus(s string) (Status, error) {
	for _, status := range []Status{StatusDraft, StatusReviewed, StatusApproved, StatusClosed, StatusCancelled} {
		if strings.EqualFold(strings.TrimSpace(s), string(status)) {
			return status, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
}

// order ranks the soft-validated review stages.
func (s Status) order() int {
	switch s {
	case StatusDraft:
		return 0
	case StatusReviewed:
		return 1
	case StatusApproved:
		return 2
	default:
		return -1
	}
}

// DocStatus is the finalization flag.
type DocStatus int

const (
	DocOpen      DocStatus = 0
	DocFinalized DocStatus = 1
	DocReversed  DocStatus = 2
)

// Totals are the closing figures copied from the snapshot.
type Totals struct {
	InputVAT    decimal.Decimal `json:"input_vat_total"`
	OutputVAT   decimal.Decimal `json:"output_vat_total"`
	VATNet      decimal.Decimal `json:"vat_net"`
	Withholding decimal.Decimal `json:"withholding_total"`
	PB1         decimal.Decimal `json:"pb1_total"`
}

// ZeroTotals returns zeroed totals.
func ZeroTotals() Totals {
	return totalsFrom(nil)
}

func totalsFrom(snap *register.Snapshot) Totals {
	t := snap.Totals()
	return Totals{InputVAT: t.InputVAT, OutputVAT: t.OutputVAT, VATNet: t.VATNet, Withholding: t.Withholding, PB1: t.PB1}
}

// Closing is one company's tax period closing.
type Closing struct {
	ID             int64              `json:"id"`
	Name           string             `json:"name"`
	Company        string             `json:"company"`
	PeriodMonth    int                `json:"period_month"`
	PeriodYear     int                `json:"period_year"`
	DateFrom       time.Time          `json:"date_from"`
	DateTo         time.Time          `json:"date_to"`
	Status         Status             `json:"status"`
	DocStatus      DocStatus          `json:"docstatus"`
	Snapshot       *register.Snapshot `json:"register_snapshot,omitempty"`
	LastRefresh    *time.Time         `json:"last_refresh,omitempty"`
	Totals         Totals             `json:"totals"`
	NettingEntryID *int64             `json:"netting_entry_id,omitempty"`
	CreatedBy      string             `json:"created_by"`
	SubmittedBy    *string            `json:"submitted_by,omitempty"`
	SubmittedOn    *time.Time         `json:"submitted_on,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// Open reports whether the closing may still change.
func (c Closing) Open() bool {
	return c.DocStatus == DocOpen && c.Status != StatusCancelled
}

// Finalized reports docstatus 1.
func (c Closing) Finalized() bool {
	return c.DocStatus == DocFinalized
}

// Reversed reports docstatus 2.
func (c Closing) Reversed() bool {
	return c.DocStatus == DocReversed
}

// ClosingName builds the document name, e.g. TPC-A-2026-01.
func ClosingName(company string, month, year int) string {
	return fmt.Sprintf("TPC-%s-%04d-%02d", company, year, month)
}

// CreateInput opens a closing.
type CreateInput struct {
	Company string `json:"company" validate:"required"`
	Month   int    `json:"period_month" validate:"required,min=1,max=12"`
	Year    int    `json:"period_year" validate:"required,min=2000,max=9999"`
}

// Validate checks the input shape.
func (in CreateInput) Validate() error {
	if strings.TrimSpace(in.Company) == "" {
		return ErrCompanyRequired
	}
	return shared.ValidatePeriod(in.Month, in.Year)
}

// ListFilter narrows List.
type ListFilter struct {
	Company string
	Year    int
	Status  Status
	Limit   int
}

// TransitionResult reports a status change with its soft warnings.
type TransitionResult struct {
	Closing  Closing  `json:"closing"`
	Warnings []string `json:"warnings,omitempty"`
}

// FinalizeResult reports a finalization.
type FinalizeResult struct {
	Closing  Closing  `json:"closing"`
	Warnings []string `json:"warnings,omitempty"`
	Netting  *int64   `json:"netting_entry_id,omitempty"`
}

// CancelResult reports a reversal.
type CancelResult struct {
	Closing       Closing `json:"closing"`
	VoidedNetting *int64  `json:"voided_netting_entry_id,omitempty"`
}

// RefreshResult reports a snapshot refresh request.
type RefreshResult struct {
	Queued  bool     `json:"queued"`
	Closing *Closing `json:"closing,omitempty"`
}

// RegisterInfo summarises the snapshot inside a preflight.
type RegisterInfo struct {
	DataSource         register.DataSource `json:"data_source,omitempty"`
	GeneratedAt        *time.Time          `json:"generated_at,omitempty"`
	InputInvoiceCount  int                 `json:"input_invoice_count"`
	OutputInvoiceCount int                 `json:"output_invoice_count"`
	WithholdingEntries int                 `json:"withholding_entry_count"`
	Totals             Totals              `json:"totals"`
}

// Preflight is the dry-run answer of ValidateCanClose.
type Preflight struct {
	CanClose      bool                         `json:"can_close"`
	Errors        []string                     `json:"errors"`
	Warnings      []string                     `json:"warnings"`
	RegisterInfo  RegisterInfo                 `json:"register_info"`
	Configuration *taxprofile.ValidationReport `json:"configuration,omitempty"`
}

// RegisterCounts counts source documents of one type.
type RegisterCounts struct {
	Total              int `json:"total"`
	Verified           int `json:"verified"`
	WithholdingFlagged int `json:"withholding_flagged"`
}

// Statistics describes the period's source documents and snapshot figures.
type Statistics struct {
	ClosingID          int64          `json:"closing_id"`
	PurchaseInvoices   RegisterCounts `json:"purchase_invoices"`
	SalesInvoices      RegisterCounts `json:"sales_invoices"`
	WithholdingEntries int            `json:"withholding_entries"`
	Totals             Totals         `json:"totals"`
	SnapshotSource     string         `json:"snapshot_source,omitempty"`
}

var (
	// ErrClosingNotFound indicates an unknown closing id.
	ErrClosingNotFound = errors.New("close: closing not found")
	// ErrInvalidStatus indicates an unknown status value.
	ErrInvalidStatus = errors.New("close: invalid status")
	// ErrClosingFinalized rejects changes to a Closed closing.
	ErrClosingFinalized = errors.New("close: closing is finalized; cancel it to make changes")
	// ErrClosingReversed rejects changes to a reversed or abandoned closing.
	ErrClosingReversed = errors.New("close: closing has been cancelled")
	// ErrClosingNotFinalized indicates an operation that needs a Closed closing.
	ErrClosingNotFinalized = errors.New("close: closing is not finalized")
	// ErrSnapshotMissing indicates finalization without a snapshot.
	ErrSnapshotMissing = errors.New("close: register snapshot missing")
	// ErrCompanyRequired rejects a closing without a company.
	ErrCompanyRequired = errors.New("close: company required")
	// ErrDuplicatePeriod is the sentinel behind DuplicatePeriodError.
	ErrDuplicatePeriod = errors.New("close: duplicate period")
)

// DuplicatePeriodError names the closing that already owns the period.
type DuplicatePeriodError struct {
	Company      string
	Month        int
	Year         int
	ExistingID   int64
	ExistingName string
}

func (e *DuplicatePeriodError) Error() string {
	if e.ExistingName == "" {
		return fmt.Sprintf("close: tax period %s already has an active closing for %s", shared.PeriodLabel(e.Month, e.Year), e.Company)
	}
	return fmt.Sprintf("close: tax period %s for %s is already covered by %s", shared.PeriodLabel(e.Month, e.Year), e.Company, e.ExistingName)
}

func (e *DuplicatePeriodError) Unwrap() error {
	return ErrDuplicatePeriod
}

// ConfigurationError blocks finalization on an incomplete tax profile.
type ConfigurationError struct {
	Report taxprofile.ValidationReport
}

func (e *ConfigurationError) Error() string {
	var failed []string
	for _, check := range e.Report.Registers {
		if !check.Valid {
			failed = append(failed, check.Message)
		}
	}
	if len(failed) == 0 {
		return "close: tax configuration invalid: " + e.Report.Message
	}
	return "close: tax configuration invalid: " + strings.Join(failed, "; ")
}
