package register

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/taxclose/internal/ledger"
	"github.com/odyssey-erp/taxclose/internal/taxprofile"
)

type fakeLedger struct {
	mu         sync.Mutex
	entries    []ledger.Entry
	docs       []ledger.SourceDocument
	entriesErr error
	docsErr    error
	queries    int
}

func (f *fakeLedger) QueryEntries(ctx context.Context, q ledger.EntryQuery) ([]ledger.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	if f.entriesErr != nil {
		return nil, f.entriesErr
	}
	var out []ledger.Entry
	for _, e := range f.entries {
		if e.Company != q.Company {
			continue
		}
		if len(q.Accounts) > 0 && !contains(q.Accounts, e.Account) {
			continue
		}
		if !q.From.IsZero() && e.PostingDate.Before(q.From) {
			continue
		}
		if !q.To.IsZero() && e.PostingDate.After(q.To) {
			continue
		}
		if q.ExcludeCancelled && e.IsCancelled {
			continue
		}
		if q.VoucherType != "" && e.VoucherType != q.VoucherType {
			continue
		}
		if len(q.VoucherNos) > 0 && !contains(q.VoucherNos, e.VoucherNo) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (f *fakeLedger) ListSourceDocuments(ctx context.Context, filter ledger.DocumentFilter) ([]ledger.SourceDocument, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.docsErr != nil {
		return nil, f.docsErr
	}
	var out []ledger.SourceDocument
	for _, d := range f.docs {
		if d.Company != filter.Company || d.Type != filter.Type {
			continue
		}
		if !filter.From.IsZero() && d.PostingDate.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && d.PostingDate.After(filter.To) {
			continue
		}
		if filter.DocStatus != nil && d.DocStatus != *filter.DocStatus {
			continue
		}
		if filter.VerificationStatus != "" && d.VerificationStatus != filter.VerificationStatus {
			continue
		}
		if filter.ExcludeVerificationStatus != "" && d.VerificationStatus == filter.ExcludeVerificationStatus {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

type staticProfiles map[string]taxprofile.Profile

func (s staticProfiles) Get(ctx context.Context, company string) (taxprofile.Profile, error) {
	p, ok := s[company]
	if !ok {
		return taxprofile.Profile{}, taxprofile.ErrProfileNotFound
	}
	return p, nil
}

type staticValidator struct {
	report taxprofile.ValidationReport
	err    error
}

func (v staticValidator) ValidateConfiguration(ctx context.Context, company string) (taxprofile.ValidationReport, error) {
	return v.report, v.err
}

func validReport(company string) taxprofile.ValidationReport {
	return taxprofile.ValidationReport{
		Company: company,
		Valid:   true,
		Registers: []taxprofile.RegisterCheck{
			{Register: taxprofile.RegisterInput, Valid: true},
			{Register: taxprofile.RegisterOutput, Valid: true},
			{Register: taxprofile.RegisterWithholding, Valid: true},
		},
	}
}

func profileA() taxprofile.Profile {
	return taxprofile.Profile{
		Company:               "A",
		InputTaxAccount:       "1150",
		OutputTaxAccount:      "2310",
		WithholdingAccounts:   []string{"2320"},
		PB1Accounts:           []taxprofile.BranchAccount{{Branch: "JKT", Account: "2330"}},
		NettingPayableAccount: "2340",
		AutoNetting:           true,
	}
}

func day(d int) time.Time {
	return time.Date(2026, 1, d, 0, 0, 0, 0, time.UTC)
}

func amount(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func invoice(docType ledger.DocumentType, number string, posting time.Time, base, tax string) ledger.SourceDocument {
	return ledger.SourceDocument{
		Type:               docType,
		Number:             number,
		Company:            "A",
		PostingDate:        posting,
		DocStatus:          ledger.DocStatusSubmitted,
		VerificationStatus: ledger.VerificationVerified,
		TaxBase:            amount(base),
		TaxAmount:          amount(tax),
	}
}

func entry(account string, voucherType ledger.DocumentType, voucherNo string, posting time.Time, debit, credit string) ledger.Entry {
	return ledger.Entry{
		Account:     account,
		Debit:       amount(debit),
		Credit:      amount(credit),
		VoucherType: string(voucherType),
		VoucherNo:   voucherNo,
		Company:     "A",
		PostingDate: posting,
	}
}

// januaryLedger models company A for January 2026: input tax 800,000 and
// output tax 1,200,000.
func januaryLedger() *fakeLedger {
	return &fakeLedger{
		docs: []ledger.SourceDocument{
			invoice(ledger.DocumentPurchaseInvoice, "PI-001", day(5), "5000000", "550000"),
			invoice(ledger.DocumentPurchaseInvoice, "PI-002", day(9), "2272727", "250000"),
			invoice(ledger.DocumentSalesInvoice, "SI-001", day(10), "10909091", "1200000"),
		},
		entries: []ledger.Entry{
			entry("1150", ledger.DocumentPurchaseInvoice, "PI-001", day(5), "550000", "0"),
			entry("1150", ledger.DocumentPurchaseInvoice, "PI-002", day(9), "250000", "0"),
			entry("2310", ledger.DocumentSalesInvoice, "SI-001", day(10), "0", "1200000"),
			{Account: "2320", Credit: amount("75000"), Debit: decimal.Zero, VoucherType: "JOURNAL", VoucherNo: "JV-001", Company: "A", PostingDate: day(15)},
			{Account: "2330", Credit: amount("20000"), Debit: decimal.Zero, VoucherType: "JOURNAL", VoucherNo: "JV-002", Company: "A", PostingDate: day(20)},
		},
	}
}

func newTestBuilder(source *fakeLedger, profiles ProfileSource, validator ConfigValidator) *Builder {
	b := NewBuilder(BuilderConfig{
		Input:       NewInputAggregator(source, profiles, 2),
		Output:      NewOutputAggregator(source, profiles, 2),
		Withholding: NewWithholdingAggregator(source, profiles),
		PB1:         NewPB1Aggregator(source, profiles),
		Validator:   validator,
	})
	b.WithNow(func() time.Time { return time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC) })
	return b
}
