package register

import (
	"context"
	"errors"
	"slices"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/taxclose/internal/ledger"
	"github.com/odyssey-erp/taxclose/internal/taxprofile"
)

// Aggregator computes one register. Failures are *AggregationError.
type Aggregator interface {
	Aggregate(ctx context.Context, req Request) (Result, error)
}

// LedgerSource is the subset of ledger.Reader the aggregators use.
type LedgerSource interface {
	QueryEntries(ctx context.Context, q ledger.EntryQuery) ([]ledger.Entry, error)
	ListSourceDocuments(ctx context.Context, f ledger.DocumentFilter) ([]ledger.SourceDocument, error)
}

// ProfileSource resolves the tax profile for a company.
type ProfileSource interface {
	Get(ctx context.Context, company string) (taxprofile.Profile, error)
}

// LookupMode selects how ledger tax amounts are fetched for candidate documents.
type LookupMode int

const (
	// LookupBatch queries vouchers in chunks.
	LookupBatch LookupMode = iota
	// LookupPerVoucher queries one voucher at a time.
	LookupPerVoucher
)

// DefaultBatchSize bounds the voucher list of one ledger query.
const DefaultBatchSize = 500

// InvoiceAggregator builds the input or output tax register from verified
// invoices that have posted ledger entries on the register's tax account.
type InvoiceAggregator struct {
	kind      Kind
	docType   ledger.DocumentType
	ledger    LedgerSource
	profiles  ProfileSource
	batchSize int
	mode      LookupMode
}

// NewInputAggregator builds the purchase invoice register.
func NewInputAggregator(source LedgerSource, profiles ProfileSource, batchSize int) *InvoiceAggregator {
	return newInvoiceAggregator(KindInput, ledger.DocumentPurchaseInvoice, source, profiles, batchSize)
}

// NewOutputAggregator builds the sales invoice register.
func NewOutputAggregator(source LedgerSource, profiles ProfileSource, batchSize int) *InvoiceAggregator {
	return newInvoiceAggregator(KindOutput, ledger.DocumentSalesInvoice, source, profiles, batchSize)
}

func newInvoiceAggregator(kind Kind, docType ledger.DocumentType, source LedgerSource, profiles ProfileSource, batchSize int) *InvoiceAggregator {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &InvoiceAggregator{kind: kind, docType: docType, ledger: source, profiles: profiles, batchSize: batchSize}
}

// WithLookupMode returns a copy using mode.
func (a *InvoiceAggregator) WithLookupMode(mode LookupMode) *InvoiceAggregator {
	clone := *a
	clone.mode = mode
	return &clone
}

// Aggregate implements Aggregator.
func (a *InvoiceAggregator) Aggregate(ctx context.Context, req Request) (Result, error) {
	profile, aggErr := loadProfile(ctx, a.profiles, a.kind, req.Company)
	if aggErr != nil {
		return Result{}, aggErr
	}
	account := profile.InputTaxAccount
	if a.kind == KindOutput {
		account = profile.OutputTaxAccount
	}
	if account == "" {
		return Result{}, configurationError(a.kind, "%s tax account is not configured", a.kind)
	}

	submitted := ledger.DocStatusSubmitted
	docs, err := a.ledger.ListSourceDocuments(ctx, ledger.DocumentFilter{
		Type:               a.docType,
		Company:            req.Company,
		From:               req.From,
		To:                 req.To,
		DocStatus:          &submitted,
		VerificationStatus: req.verificationFilter(),
	})
	if err != nil {
		return Result{}, dataSourceError(a.kind, err)
	}

	numbers := make([]string, 0, len(docs))
	for _, doc := range docs {
		numbers = append(numbers, doc.Number)
	}
	var taxes map[string]decimal.Decimal
	if a.mode == LookupPerVoucher {
		taxes, err = a.lookupPerVoucher(ctx, req.Company, account, numbers)
	} else {
		taxes, err = a.lookupBatch(ctx, req.Company, account, numbers)
	}
	if err != nil {
		return Result{}, dataSourceError(a.kind, err)
	}

	result := emptyResult(a.kind)
	result.Diagnostics.Candidates = len(docs)
	for _, doc := range docs {
		tax, ok := taxes[doc.Number]
		if !ok {
			result.Diagnostics.ExcludedNoLedger++
			continue
		}
		if !tax.Equal(doc.TaxAmount) {
			result.Diagnostics.TaxMismatches++
		}
		result.Rows = append(result.Rows, Row{
			VoucherType:  string(doc.Type),
			VoucherNo:    doc.Number,
			PostingDate:  doc.PostingDate,
			Party:        doc.Party,
			TaxInvoiceNo: doc.TaxInvoiceNo,
			Account:      account,
			TaxBase:      doc.TaxBase,
			TaxAmount:    tax,
		})
		result.TotalBase = result.TotalBase.Add(doc.TaxBase)
		result.TotalTax = result.TotalTax.Add(tax)
	}
	result.Count = len(result.Rows)
	sortRows(result.Rows)
	return result, nil
}

func (a *InvoiceAggregator) lookupBatch(ctx context.Context, company, account string, numbers []string) (map[string]decimal.Decimal, error) {
	taxes := make(map[string]decimal.Decimal, len(numbers))
	for start := 0; start < len(numbers); start += a.batchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := start + a.batchSize
		if end > len(numbers) {
			end = len(numbers)
		}
		entries, err := a.ledger.QueryEntries(ctx, a.voucherQuery(company, account, numbers[start:end]))
		if err != nil {
			return nil, err
		}
		a.accumulate(taxes, entries)
	}
	return taxes, nil
}

func (a *InvoiceAggregator) lookupPerVoucher(ctx context.Context, company, account string, numbers []string) (map[string]decimal.Decimal, error) {
	taxes := make(map[string]decimal.Decimal, len(numbers))
	for _, number := range numbers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		entries, err := a.ledger.QueryEntries(ctx, a.voucherQuery(company, account, []string{number}))
		if err != nil {
			return nil, err
		}
		a.accumulate(taxes, entries)
	}
	return taxes, nil
}

func (a *InvoiceAggregator) voucherQuery(company, account string, numbers []string) ledger.EntryQuery {
	return ledger.EntryQuery{
		Company:          company,
		Accounts:         []string{account},
		ExcludeCancelled: true,
		VoucherType:      string(a.docType),
		VoucherNos:       numbers,
	}
}

// accumulate sums the register-signed amount per voucher. Input tax sits on
// the debit side, output tax on the credit side.
func (a *InvoiceAggregator) accumulate(taxes map[string]decimal.Decimal, entries []ledger.Entry) {
	for _, e := range entries {
		if e.IsCancelled {
			continue
		}
		amount := e.Net()
		if a.kind == KindInput {
			amount = amount.Neg()
		}
		taxes[e.VoucherNo] = taxes[e.VoucherNo].Add(amount)
	}
}

// AccountAggregator sums ledger activity on a set of payable accounts.
type AccountAggregator struct {
	kind     Kind
	ledger   LedgerSource
	profiles ProfileSource
	accounts func(taxprofile.Profile) []string
}

// NewWithholdingAggregator builds the withholding register.
func NewWithholdingAggregator(source LedgerSource, profiles ProfileSource) *AccountAggregator {
	return &AccountAggregator{
		kind:     KindWithholding,
		ledger:   source,
		profiles: profiles,
		accounts: func(p taxprofile.Profile) []string { return p.WithholdingAccounts },
	}
}

// NewPB1Aggregator builds the PB1 register from branch and default accounts.
func NewPB1Aggregator(source LedgerSource, profiles ProfileSource) *AccountAggregator {
	return &AccountAggregator{
		kind:     KindPB1,
		ledger:   source,
		profiles: profiles,
		accounts: taxprofile.Profile.PB1AccountList,
	}
}

// Aggregate implements Aggregator.
func (a *AccountAggregator) Aggregate(ctx context.Context, req Request) (Result, error) {
	profile, aggErr := loadProfile(ctx, a.profiles, a.kind, req.Company)
	if aggErr != nil {
		return Result{}, aggErr
	}
	configured := a.accounts(profile)
	if len(configured) == 0 {
		return Result{}, configurationError(a.kind, "no %s accounts configured", a.kind)
	}
	var accounts, skipped []string
	for _, account := range configured {
		if slices.Contains(req.SkipAccounts, account) {
			skipped = append(skipped, account)
			continue
		}
		accounts = append(accounts, account)
	}
	if len(accounts) == 0 {
		return Result{}, configurationError(a.kind, "no valid %s accounts configured (skipped %s)", a.kind, strings.Join(skipped, ", "))
	}
	entries, err := a.ledger.QueryEntries(ctx, ledger.EntryQuery{
		Company:          req.Company,
		Accounts:         accounts,
		From:             req.From,
		To:               req.To,
		ExcludeCancelled: true,
	})
	if err != nil {
		return Result{}, dataSourceError(a.kind, err)
	}

	result := emptyResult(a.kind)
	byAccount := make(map[string]*AccountTotal, len(accounts))
	for _, e := range entries {
		if e.IsCancelled {
			continue
		}
		net := e.Net()
		result.Rows = append(result.Rows, Row{
			VoucherType: e.VoucherType,
			VoucherNo:   e.VoucherNo,
			PostingDate: e.PostingDate,
			Party:       e.Party,
			Account:     e.Account,
			TaxBase:     decimal.Zero,
			TaxAmount:   net,
		})
		total, ok := byAccount[e.Account]
		if !ok {
			total = &AccountTotal{Account: e.Account, Total: decimal.Zero}
			byAccount[e.Account] = total
		}
		total.Total = total.Total.Add(net)
		total.Entries++
		result.TotalTax = result.TotalTax.Add(net)
	}
	result.Count = len(result.Rows)
	result.Diagnostics.Candidates = len(entries)
	result.Diagnostics.SkippedAccounts = skipped
	for _, total := range byAccount {
		result.ByAccount = append(result.ByAccount, *total)
	}
	sort.Slice(result.ByAccount, func(i, j int) bool { return result.ByAccount[i].Account < result.ByAccount[j].Account })
	sortRows(result.Rows)
	return result, nil
}

func loadProfile(ctx context.Context, profiles ProfileSource, kind Kind, company string) (taxprofile.Profile, *AggregationError) {
	if profiles == nil {
		return taxprofile.Profile{}, configurationError(kind, "tax profile source not configured")
	}
	profile, err := profiles.Get(ctx, company)
	if err != nil {
		if errors.Is(err, taxprofile.ErrProfileNotFound) || errors.Is(err, taxprofile.ErrInvalidProfile) {
			return taxprofile.Profile{}, configurationError(kind, "tax profile for %s is not configured", company)
		}
		return taxprofile.Profile{}, dataSourceError(kind, err)
	}
	return profile, nil
}

func sortRows(rows []Row) {
	sort.SliceStable(rows, func(i, j int) bool {
		if !rows[i].PostingDate.Equal(rows[j].PostingDate) {
			return rows[i].PostingDate.Before(rows[j].PostingDate)
		}
		if rows[i].VoucherNo != rows[j].VoucherNo {
			return rows[i].VoucherNo < rows[j].VoucherNo
		}
		return rows[i].Account < rows[j].Account
	})
}
