// Package register aggregates the input-tax, output-tax and withholding
// registers from the ledger and folds them into a period snapshot.
package register

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/taxclose/internal/ledger"
	"github.com/odyssey-erp/taxclose/internal/shared"
)

// Kind names a register.
type Kind string

const (
	KindInput       Kind = "input"
	KindOutput      Kind = "output"
	KindWithholding Kind = "withholding"
	KindPB1         Kind = "pb1"
)

// AnyVerification disables the verification-status filter.
const AnyVerification = "all"

// Request scopes one aggregation run.
type Request struct {
	Company            string    `json:"company"`
	From               time.Time `json:"from"`
	To                 time.Time `json:"to"`
	VerificationStatus string    `json:"verification_status"`
	// SkipAccounts lists accounts the configuration check rejected. The
	// builder fills it; account registers leave these out of their queries.
	SkipAccounts []string `json:"-"`
}

// Normalize applies defaults and truncates dates.
func (r Request) Normalize() Request {
	r.Company = strings.TrimSpace(r.Company)
	r.From = shared.DateOnly(r.From)
	r.To = shared.DateOnly(r.To)
	if strings.TrimSpace(r.VerificationStatus) == "" {
		r.VerificationStatus = ledger.VerificationVerified
	}
	return r
}

// Validate checks the request shape.
func (r Request) Validate() error {
	if r.Company == "" {
		return fmt.Errorf("register: company required")
	}
	if r.From.IsZero() || r.To.IsZero() {
		return fmt.Errorf("register: date range required")
	}
	if r.From.After(r.To) {
		return fmt.Errorf("register: from date after to date")
	}
	return nil
}

func (r Request) verificationFilter() string {
	if strings.EqualFold(r.VerificationStatus, AnyVerification) {
		return ""
	}
	return r.VerificationStatus
}

func (r Request) key() string {
	return strings.Join([]string{r.Company, r.From.Format(shared.DateLayout), r.To.Format(shared.DateLayout), r.VerificationStatus}, "|")
}

// Row is one contributing document or ledger entry.
type Row struct {
	VoucherType  string          `json:"voucher_type"`
	VoucherNo    string          `json:"voucher_no"`
	PostingDate  time.Time       `json:"posting_date"`
	Party        string          `json:"party,omitempty"`
	TaxInvoiceNo string          `json:"tax_invoice_no,omitempty"`
	Account      string          `json:"account"`
	TaxBase      decimal.Decimal `json:"tax_base"`
	TaxAmount    decimal.Decimal `json:"tax_amount"`
}

// AccountTotal sums one account.
type AccountTotal struct {
	Account string          `json:"account"`
	Total   decimal.Decimal `json:"total"`
	Entries int             `json:"entries"`
}

// Diagnostics describes how a result was assembled.
type Diagnostics struct {
	Candidates       int      `json:"candidates"`
	ExcludedNoLedger int      `json:"excluded_no_ledger"`
	TaxMismatches    int      `json:"tax_mismatches"`
	SkippedAccounts  []string `json:"skipped_accounts,omitempty"`
}

// Result is the outcome of a successful aggregation.
type Result struct {
	Register    Kind            `json:"register"`
	TotalBase   decimal.Decimal `json:"total_base"`
	TotalTax    decimal.Decimal `json:"total_tax"`
	Count       int             `json:"count"`
	Rows        []Row           `json:"rows"`
	ByAccount   []AccountTotal  `json:"by_account,omitempty"`
	Diagnostics Diagnostics     `json:"diagnostics"`
}

func emptyResult(kind Kind) Result {
	return Result{Register: kind, TotalBase: decimal.Zero, TotalTax: decimal.Zero, Rows: []Row{}}
}

// ErrorKind classifies aggregation failures.
type ErrorKind string

const (
	ErrorKindConfiguration ErrorKind = "configuration"
	ErrorKindDataSource    ErrorKind = "data_source"
)

// AggregationError is returned by aggregators instead of panicking or leaking
// driver errors.
type AggregationError struct {
	Register Kind
	Kind     ErrorKind
	Err      error
}

func (e *AggregationError) Error() string {
	return fmt.Sprintf("register %s: %s: %v", e.Register, e.Kind, e.Err)
}

func (e *AggregationError) Unwrap() error {
	return e.Err
}

func configurationError(kind Kind, format string, args ...any) *AggregationError {
	return &AggregationError{Register: kind, Kind: ErrorKindConfiguration, Err: fmt.Errorf(format, args...)}
}

func dataSourceError(kind Kind, err error) *AggregationError {
	return &AggregationError{Register: kind, Kind: ErrorKindDataSource, Err: err}
}
