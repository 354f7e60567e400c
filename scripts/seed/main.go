// Command seed loads a demo company with a month of tax documents so a
// closing can be exercised end to end.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/taxclose/internal/accounting"
	"github.com/odyssey-erp/taxclose/internal/app"
	"github.com/odyssey-erp/taxclose/internal/ledger"
	"github.com/odyssey-erp/taxclose/internal/platform/db"
	"github.com/odyssey-erp/taxclose/internal/shared"
	"github.com/odyssey-erp/taxclose/internal/taxprofile"
)

const company = "DEMO"

var seedNamespace = uuid.MustParse("3b0d7c0a-5d3e-4c55-8f7e-6a1c2f9e4b10")

type account struct {
	code, name, kind string
}

var chart = []account{
	{"1100", "Bank", "ASSET"},
	{"1150", "VAT In", "ASSET"},
	{"1300", "Receivables", "ASSET"},
	{"2100", "Payables", "LIABILITY"},
	{"2310", "VAT Out", "LIABILITY"},
	{"2320", "Withholding Art. 23", "LIABILITY"},
	{"2330", "PB1 Jakarta", "LIABILITY"},
	{"2340", "VAT Netting Payable", "LIABILITY"},
	{"5100", "Purchases", "EXPENSE"},
	{"4100", "Revenue", "INCOME"},
	{"6100", "Services", "EXPENSE"},
}

type invoice struct {
	docType  ledger.DocumentType
	number   string
	day      int
	party    string
	base     string
	tax      string
	verified bool
}

var invoices = []invoice{
	{ledger.DocumentPurchaseInvoice, "PINV-0001", 5, "PT Sumber", "5000000", "550000", true},
	{ledger.DocumentPurchaseInvoice, "PINV-0002", 12, "CV Maju", "2272727.27", "250000", true},
	{ledger.DocumentPurchaseInvoice, "PINV-0003", 27, "CV Maju", "1000000", "110000", false},
	{ledger.DocumentSalesInvoice, "SINV-0001", 9, "PT Pelanggan", "8000000", "880000", true},
	{ledger.DocumentSalesInvoice, "SINV-0002", 20, "PT Pelanggan", "2909090.91", "320000", true},
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	if err := run(context.Background(), logger); err != nil {
		logger.Error("seed failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("seed complete", slog.String("company", company), slog.Time("at", time.Now()))
}

func run(ctx context.Context, logger *slog.Logger) error {
	cfg, err := app.LoadConfig()
	if err != nil {
		return err
	}
	if err := db.Migrate(cfg.PGDSN); err != nil {
		return err
	}
	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		return err
	}
	defer pool.Close()

	logger.Info("seeding chart of accounts")
	if err := seedAccounts(ctx, pool); err != nil {
		return err
	}

	audit := shared.NewAuditLogger(pool)
	ledgerRepo := ledger.NewRepository(pool)
	actor := shared.Actor{ID: "seed", Roles: []string{shared.RoleSystemManager}}

	logger.Info("seeding tax profile")
	profiles := taxprofile.NewService(taxprofile.NewRepository(pool), ledgerRepo, audit, logger)
	if _, err := profiles.Save(ctx, taxprofile.Profile{
		Company:               company,
		InputTaxAccount:       "1150",
		OutputTaxAccount:      "2310",
		WithholdingAccounts:   []string{"2320"},
		PB1Accounts:           []taxprofile.BranchAccount{{Branch: "JKT", Account: "2330"}},
		NettingPayableAccount: "2340",
		AutoNetting:           true,
	}, actor); err != nil {
		return fmt.Errorf("save profile: %w", err)
	}

	month := time.Date(time.Now().Year(), time.Now().Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, -1, 0)
	posting := accounting.NewService(accounting.NewRepository(pool), audit, nil).WithAccounts(ledgerRepo)

	logger.Info("seeding invoices", slog.String("period", shared.PeriodLabel(int(month.Month()), month.Year())))
	for _, inv := range invoices {
		date := month.AddDate(0, 0, inv.day-1)
		if err := seedInvoice(ctx, pool, posting, inv, date, actor); err != nil {
			return fmt.Errorf("seed %s: %w", inv.number, err)
		}
	}

	logger.Info("seeding withholding payment")
	_, err = posting.PostJournal(ctx, accounting.PostingInput{
		Company:      company,
		PostingDate:  month.AddDate(0, 0, 14),
		VoucherType:  "PAYMENT",
		VoucherNo:    "PAY-0001",
		SourceModule: "SEED",
		SourceID:     uuid.NewSHA1(seedNamespace, []byte("PAY-0001")),
		Actor:        actor,
		Lines: []accounting.PostingLineInput{
			{Account: "6100", Debit: decimal.RequireFromString("3000000")},
			{Account: "2320", Credit: decimal.RequireFromString("60000")},
			{Account: "1100", Credit: decimal.RequireFromString("2940000")},
		},
	})
	if err != nil && !errors.Is(err, accounting.ErrSourceAlreadyLinked) {
		return err
	}
	return nil
}

func seedAccounts(ctx context.Context, pool *pgxpool.Pool) error {
	for _, a := range chart {
		_, err := pool.Exec(ctx, `INSERT INTO accounts (company, code, name, account_type)
VALUES ($1, $2, $3, $4) ON CONFLICT (company, code) DO NOTHING`, company, a.code, a.name, a.kind)
		if err != nil {
			return fmt.Errorf("insert account %s: %w", a.code, err)
		}
	}
	return nil
}

func seedInvoice(ctx context.Context, pool *pgxpool.Pool, posting *accounting.Service, inv invoice, date time.Time, actor shared.Actor) error {
	status := "Pending"
	if inv.verified {
		status = ledger.VerificationVerified
	}
	_, err := pool.Exec(ctx, `INSERT INTO tax_source_documents
    (doc_type, doc_no, company, posting_date, docstatus, verification_status, tax_invoice_no, party, tax_base, tax_amount)
VALUES ($1, $2, $3, $4, 1, $5, $6, $7, $8::numeric, $9::numeric)
ON CONFLICT (doc_type, doc_no) DO NOTHING`,
		string(inv.docType), inv.number, company, date, status, "FP-"+inv.number, inv.party, inv.base, inv.tax)
	if err != nil {
		return err
	}

	base := decimal.RequireFromString(inv.base)
	tax := decimal.RequireFromString(inv.tax)
	gross := base.Add(tax)
	var lines []accounting.PostingLineInput
	if inv.docType == ledger.DocumentPurchaseInvoice {
		lines = []accounting.PostingLineInput{
			{Account: "5100", Debit: base},
			{Account: "1150", Debit: tax},
			{Account: "2100", Credit: gross, Party: inv.party},
		}
	} else {
		lines = []accounting.PostingLineInput{
			{Account: "1300", Debit: gross, Party: inv.party},
			{Account: "4100", Credit: base},
			{Account: "2310", Credit: tax},
		}
	}
	_, err = posting.PostJournal(ctx, accounting.PostingInput{
		Company:      company,
		PostingDate:  date,
		VoucherType:  string(inv.docType),
		VoucherNo:    inv.number,
		SourceModule: "SEED",
		SourceID:     uuid.NewSHA1(seedNamespace, []byte(inv.number)),
		Actor:        actor,
		Lines:        lines,
	})
	if err != nil && !errors.Is(err, accounting.ErrSourceAlreadyLinked) {
		return err
	}
	return nil
}
