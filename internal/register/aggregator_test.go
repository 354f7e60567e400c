package register

import (
	"context"
	"fmt"
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/taxclose/internal/ledger"
)

func TestInvoiceAggregatorBatchesVoucherLookups(t *testing.T) {
	source := januaryLedger()
	agg := NewInputAggregator(source, staticProfiles{"A": profileA()}, 1)

	result, err := agg.Aggregate(context.Background(), januaryRequest().Normalize())
	require.NoError(t, err)
	require.Equal(t, 2, source.queries)
	require.Equal(t, 2, result.Count)
	require.Equal(t, "PI-001", result.Rows[0].VoucherNo)
	require.Equal(t, "1150", result.Rows[0].Account)
	require.True(t, result.TotalBase.Equal(amount("7272727")))
}

func TestInvoiceAggregatorNetsReversals(t *testing.T) {
	source := januaryLedger()
	source.entries = append(source.entries, entry("1150", ledger.DocumentPurchaseInvoice, "PI-001", day(6), "0", "50000"))
	agg := NewInputAggregator(source, staticProfiles{"A": profileA()}, 0)

	result, err := agg.Aggregate(context.Background(), januaryRequest().Normalize())
	require.NoError(t, err)
	require.True(t, result.TotalTax.Equal(amount("750000")))
	require.Equal(t, 1, result.Diagnostics.TaxMismatches)
}

func TestInvoiceAggregatorMissingAccount(t *testing.T) {
	profile := profileA()
	profile.OutputTaxAccount = ""
	agg := NewOutputAggregator(januaryLedger(), staticProfiles{"A": profile}, 0)

	_, err := agg.Aggregate(context.Background(), januaryRequest().Normalize())

	var aggErr *AggregationError
	require.ErrorAs(t, err, &aggErr)
	require.Equal(t, KindOutput, aggErr.Register)
	require.Equal(t, ErrorKindConfiguration, aggErr.Kind)
}

func TestAccountAggregatorGroupsByAccount(t *testing.T) {
	source := januaryLedger()
	source.entries = append(source.entries,
		ledger.Entry{Account: "2321", Credit: amount("30000"), Debit: decimal.Zero, VoucherType: "JOURNAL", VoucherNo: "JV-003", Company: "A", PostingDate: day(16)},
		ledger.Entry{Account: "2320", Debit: amount("5000"), Credit: decimal.Zero, VoucherType: "JOURNAL", VoucherNo: "JV-004", Company: "A", PostingDate: day(17)},
		ledger.Entry{Account: "2320", Credit: amount("1000"), Debit: decimal.Zero, VoucherType: "JOURNAL", VoucherNo: "JV-005", Company: "A", PostingDate: day(17), IsCancelled: true},
		ledger.Entry{Account: "2320", Credit: amount("9000"), Debit: decimal.Zero, VoucherType: "JOURNAL", VoucherNo: "JV-006", Company: "A", PostingDate: day(1).AddDate(0, 1, 0)},
	)
	profile := profileA()
	profile.WithholdingAccounts = []string{"2321", "2320"}
	agg := NewWithholdingAggregator(source, staticProfiles{"A": profile})

	result, err := agg.Aggregate(context.Background(), januaryRequest().Normalize())
	require.NoError(t, err)
	require.True(t, result.TotalTax.Equal(amount("100000")))
	require.Equal(t, 3, result.Count)
	require.Len(t, result.ByAccount, 2)
	require.Equal(t, "2320", result.ByAccount[0].Account)
	require.True(t, result.ByAccount[0].Total.Equal(amount("70000")))
	require.Equal(t, 2, result.ByAccount[0].Entries)
	require.Equal(t, "2321", result.ByAccount[1].Account)
}

func TestAccountAggregatorLeavesOutRejectedAccounts(t *testing.T) {
	source := januaryLedger()
	source.entries = append(source.entries,
		ledger.Entry{Account: "2321", Credit: amount("30000"), Debit: decimal.Zero, VoucherType: "JOURNAL", VoucherNo: "JV-003", Company: "A", PostingDate: day(16)},
	)
	profile := profileA()
	profile.WithholdingAccounts = []string{"2321", "2320"}
	agg := NewWithholdingAggregator(source, staticProfiles{"A": profile})

	req := januaryRequest().Normalize()
	req.SkipAccounts = []string{"2321"}
	result, err := agg.Aggregate(context.Background(), req)
	require.NoError(t, err)
	require.True(t, result.TotalTax.Equal(amount("75000")))
	require.Len(t, result.ByAccount, 1)
	require.Equal(t, "2320", result.ByAccount[0].Account)
	require.Equal(t, []string{"2321"}, result.Diagnostics.SkippedAccounts)

	req.SkipAccounts = []string{"2321", "2320"}
	_, err = agg.Aggregate(context.Background(), req)
	var aggErr *AggregationError
	require.ErrorAs(t, err, &aggErr)
	require.Equal(t, ErrorKindConfiguration, aggErr.Kind)
}

func TestPB1AggregatorUsesDefaultAccount(t *testing.T) {
	source := januaryLedger()
	source.entries = append(source.entries,
		ledger.Entry{Account: "2339", Credit: amount("4000"), Debit: decimal.Zero, VoucherType: "JOURNAL", VoucherNo: "JV-009", Company: "A", PostingDate: day(21)},
	)
	profile := profileA()
	profile.PB1DefaultAccount = "2339"
	agg := NewPB1Aggregator(source, staticProfiles{"A": profile})

	result, err := agg.Aggregate(context.Background(), januaryRequest().Normalize())
	require.NoError(t, err)
	require.True(t, result.TotalTax.Equal(amount("24000")))
}

// randomLedger produces documents whose ledger coverage varies: some have no
// entries, some only cancelled ones, some several lines or foreign voucher types.
func randomLedger(r *rand.Rand, docType ledger.DocumentType, account string) *fakeLedger {
	source := &fakeLedger{}
	docs := 1 + r.Intn(25)
	for i := 0; i < docs; i++ {
		number := fmt.Sprintf("%s-%03d", docType, i)
		posting := day(1 + r.Intn(31))
		tax := decimal.NewFromInt(int64(r.Intn(500000))).Div(decimal.NewFromInt(100))
		doc := invoice(docType, number, posting, tax.Mul(decimal.NewFromInt(10)).String(), tax.String())
		if r.Intn(6) == 0 {
			doc.VerificationStatus = "Pending"
		}
		source.docs = append(source.docs, doc)

		lines := r.Intn(4)
		for j := 0; j < lines; j++ {
			value := decimal.NewFromInt(int64(r.Intn(300000))).Div(decimal.NewFromInt(100)).String()
			e := entry(account, docType, number, posting, value, "0")
			if docType == ledger.DocumentSalesInvoice {
				e = entry(account, docType, number, posting, "0", value)
			}
			switch r.Intn(8) {
			case 0:
				e.IsCancelled = true
			case 1:
				e.Account = "9999"
			case 2:
				e.VoucherType = "JOURNAL"
			}
			source.entries = append(source.entries, e)
		}
	}
	return source
}

func TestBatchAndPerVoucherLookupAgree(t *testing.T) {
	r := rand.New(rand.NewSource(20260131))
	profiles := staticProfiles{"A": profileA()}
	for i := 0; i < 200; i++ {
		docType := ledger.DocumentPurchaseInvoice
		account := "1150"
		if i%2 == 1 {
			docType = ledger.DocumentSalesInvoice
			account = "2310"
		}
		source := randomLedger(r, docType, account)
		req := januaryRequest()
		if r.Intn(3) == 0 {
			req.VerificationStatus = AnyVerification
		}
		req = req.Normalize()

		var batch *InvoiceAggregator
		if docType == ledger.DocumentPurchaseInvoice {
			batch = NewInputAggregator(source, profiles, 1+r.Intn(4))
		} else {
			batch = NewOutputAggregator(source, profiles, 1+r.Intn(4))
		}
		perVoucher := batch.WithLookupMode(LookupPerVoucher)

		batched, err := batch.Aggregate(context.Background(), req)
		require.NoError(t, err)
		single, err := perVoucher.Aggregate(context.Background(), req)
		require.NoError(t, err)

		require.Equal(t, single.Count, batched.Count, "iteration %d", i)
		require.True(t, single.TotalTax.Equal(batched.TotalTax), "iteration %d: %s != %s", i, single.TotalTax, batched.TotalTax)
		require.True(t, single.TotalBase.Equal(batched.TotalBase), "iteration %d", i)
		require.Equal(t, single.Diagnostics, batched.Diagnostics, "iteration %d", i)
		require.Len(t, batched.Rows, len(single.Rows))
		for k := range single.Rows {
			require.Equal(t, single.Rows[k].VoucherNo, batched.Rows[k].VoucherNo)
			require.True(t, single.Rows[k].TaxAmount.Equal(batched.Rows[k].TaxAmount))
		}
	}
}
