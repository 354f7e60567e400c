// Package ledger reads posted ledger activity and the tax source documents it
// references. Nothing here writes.
package ledger

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// DocumentType enumerates tax source documents.
type DocumentType string

const (
	DocumentPurchaseInvoice DocumentType = "PURCHASE_INVOICE"
	DocumentSalesInvoice    DocumentType = "SALES_INVOICE"
)

// DocStatus mirrors the submission state of a source document.
type DocStatus int

const (
	DocStatusDraft     DocStatus = 0
	DocStatusSubmitted DocStatus = 1
	DocStatusCancelled DocStatus = 2
)

// VerificationVerified is the default verification filter for registers.
const VerificationVerified = "Verified"

// Entry is one posted ledger line.
type Entry struct {
	Account     string          `json:"account"`
	Debit       decimal.Decimal `json:"debit"`
	Credit      decimal.Decimal `json:"credit"`
	VoucherType string          `json:"voucher_type"`
	VoucherNo   string          `json:"voucher_no"`
	Company     string          `json:"company"`
	PostingDate time.Time       `json:"posting_date"`
	Party       string          `json:"party,omitempty"`
	IsCancelled bool            `json:"is_cancelled"`
}

// Net returns credit minus debit.
func (e Entry) Net() decimal.Decimal {
	return e.Credit.Sub(e.Debit)
}

// EntryQuery filters ledger lines. Zero dates leave that side of the range open.
type EntryQuery struct {
	Company          string
	Accounts         []string
	From             time.Time
	To               time.Time
	ExcludeCancelled bool
	VoucherType      string
	VoucherNos       []string
}

// SourceDocument is a purchase or sales invoice carrying tax data.
type SourceDocument struct {
	Type               DocumentType    `json:"type"`
	Number             string          `json:"number"`
	Company            string          `json:"company"`
	PostingDate        time.Time       `json:"posting_date"`
	DocStatus          DocStatus       `json:"docstatus"`
	VerificationStatus string          `json:"verification_status"`
	TaxInvoiceNo       string          `json:"tax_invoice_no,omitempty"`
	Party              string          `json:"party,omitempty"`
	TaxBase            decimal.Decimal `json:"tax_base"`
	TaxAmount          decimal.Decimal `json:"tax_amount"`
	ApplyWithholding   *bool           `json:"apply_withholding,omitempty"`
	ItemWithholding    []*bool         `json:"item_withholding,omitempty"`
}

// WithholdingApplies resolves the document's withholding flag. Explicit item
// flags take precedence over the header: when any item carries a flag the
// document applies withholding if at least one item does. Without item flags
// the header decides, and an unset header means no withholding.
func (d SourceDocument) WithholdingApplies() bool {
	explicit := false
	for _, flag := range d.ItemWithholding {
		if flag == nil {
			continue
		}
		explicit = true
		if *flag {
			return true
		}
	}
	if explicit {
		return false
	}
	return d.ApplyWithholding != nil && *d.ApplyWithholding
}

// DocumentFilter selects source documents.
type DocumentFilter struct {
	Type                      DocumentType
	Company                   string
	From                      time.Time
	To                        time.Time
	DocStatus                 *DocStatus
	VerificationStatus        string
	ExcludeVerificationStatus string
}

// Account is a chart of accounts row.
type Account struct {
	Company  string `json:"company"`
	Code     string `json:"code"`
	Name     string `json:"name"`
	Type     string `json:"type"`
	IsGroup  bool   `json:"is_group"`
	Disabled bool   `json:"disabled"`
}

var (
	// ErrDocumentNotFound indicates the referenced source document is absent.
	ErrDocumentNotFound = errors.New("ledger: source document not found")
	// ErrAccountNotFound indicates the account code does not exist for the company.
	ErrAccountNotFound = errors.New("ledger: account not found")
)
