package accounting

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/taxclose/internal/shared"
)

// JournalStatus enumerates journal lifecycle values.
type JournalStatus string

const (
	JournalStatusPosted JournalStatus = "POSTED"
	JournalStatusVoid   JournalStatus = "VOID"
)

// SourceModuleTaxNetting tags journals produced by tax period netting.
const SourceModuleTaxNetting = "TAX_NETTING"

// JournalEntry captures posting metadata.
type JournalEntry struct {
	ID           int64         `json:"id"`
	Company      string        `json:"company"`
	PostingDate  time.Time     `json:"posting_date"`
	VoucherType  string        `json:"voucher_type"`
	VoucherNo    string        `json:"voucher_no"`
	SourceModule string        `json:"source_module"`
	SourceID     uuid.UUID     `json:"source_id"`
	Memo         string        `json:"memo"`
	PostedBy     string        `json:"posted_by"`
	PostedAt     time.Time     `json:"posted_at"`
	Status       JournalStatus `json:"status"`
	VoidedBy     *string       `json:"voided_by,omitempty"`
	VoidedAt     *time.Time    `json:"voided_at,omitempty"`
	Lines        []JournalLine `json:"lines"`
}

// Posted reports whether the entry still affects the ledger.
func (e JournalEntry) Posted() bool {
	return e.Status == JournalStatusPosted
}

// JournalLine stores debit or credit amount for an account.
type JournalLine struct {
	ID      int64           `json:"id"`
	EntryID int64           `json:"entry_id"`
	Account string          `json:"account"`
	Debit   decimal.Decimal `json:"debit"`
	Credit  decimal.Decimal `json:"credit"`
	Party   string          `json:"party,omitempty"`
}

// PostingLineInput describes a journal line for posting request.
type PostingLineInput struct {
	Account string
	Debit   decimal.Decimal
	Credit  decimal.Decimal
	Party   string
}

// PostingInput groups fields required to create a journal entry.
type PostingInput struct {
	Company      string
	PostingDate  time.Time
	VoucherType  string
	VoucherNo    string
	SourceModule string
	SourceID     uuid.UUID
	Memo         string
	Actor        shared.Actor
	Lines        []PostingLineInput
}

// VoidInput wraps parameters for voiding.
type VoidInput struct {
	EntryID int64
	Actor   shared.Actor
	Reason  string
}

var (
	// ErrUnbalanced indicates debit != credit.
	ErrUnbalanced = errors.New("accounting: journal lines must balance")
	// ErrTooFewLines indicates less than two lines.
	ErrTooFewLines = errors.New("accounting: journal requires at least two lines")
	// ErrSourceAlreadyLinked indicates a posted journal already exists for the source.
	ErrSourceAlreadyLinked = errors.New("accounting: source already linked")
	// ErrJournalNotFound indicates missing entry.
	ErrJournalNotFound = errors.New("accounting: journal entry not found")
	// ErrPeriodLocked indicates the posting date falls in a finalized tax period.
	ErrPeriodLocked = errors.New("accounting: period locked")
	// ErrInvalidStatus indicates action can't proceed.
	ErrInvalidStatus = errors.New("accounting: invalid status transition")
	// ErrAccountNotPostable indicates a missing, disabled or group account.
	ErrAccountNotPostable = errors.New("accounting: account not postable")
)

// Validate ensures posting input meets minimum criteria. Zero-amount lines
// are allowed so that a settled position still carries its balancing line.
func (in PostingInput) Validate() error {
	if strings.TrimSpace(in.Company) == "" {
		return errors.New("accounting: company required")
	}
	if in.PostingDate.IsZero() {
		return errors.New("accounting: posting date required")
	}
	if in.Actor.IsZero() {
		return shared.ErrActorRequired
	}
	if len(in.Lines) < 2 {
		return ErrTooFewLines
	}
	debit, credit := decimal.Zero, decimal.Zero
	for idx, line := range in.Lines {
		if strings.TrimSpace(line.Account) == "" {
			return fmt.Errorf("accounting: line %d missing account", idx)
		}
		if line.Debit.IsNegative() || line.Credit.IsNegative() {
			return fmt.Errorf("accounting: line %d negative amount", idx)
		}
		if line.Debit.IsPositive() && line.Credit.IsPositive() {
			return fmt.Errorf("accounting: line %d cannot be both debit and credit", idx)
		}
		debit = debit.Add(line.Debit)
		credit = credit.Add(line.Credit)
	}
	if !debit.Equal(credit) {
		return fmt.Errorf("%w: debit %s credit %s", ErrUnbalanced, debit.StringFixed(2), credit.StringFixed(2))
	}
	if in.SourceModule == "" {
		return errors.New("accounting: source module required")
	}
	if in.SourceID == uuid.Nil {
		return errors.New("accounting: source id required")
	}
	return nil
}

// Totals sums both sides of the lines.
func Totals(lines []JournalLine) (decimal.Decimal, decimal.Decimal) {
	debit, credit := decimal.Zero, decimal.Zero
	for _, line := range lines {
		debit = debit.Add(line.Debit)
		credit = credit.Add(line.Credit)
	}
	return debit, credit
}
