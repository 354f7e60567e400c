package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/taxclose/internal/platform/db"
)

// Reader exposes read-only access to ledger activity and tax source documents.
type Reader interface {
	QueryEntries(ctx context.Context, q EntryQuery) ([]Entry, error)
	DocumentExists(ctx context.Context, docType DocumentType, number string) (bool, error)
	GetSourceDocument(ctx context.Context, docType DocumentType, number string) (SourceDocument, error)
	ListSourceDocuments(ctx context.Context, f DocumentFilter) ([]SourceDocument, error)
	CountSourceDocuments(ctx context.Context, f DocumentFilter) (int, error)
	GetAccount(ctx context.Context, company, code string) (Account, error)
}

// Repository implements Reader on PostgreSQL.
type Repository struct {
	db db.DBTX
}

var _ Reader = (*Repository)(nil)

// NewRepository constructs a Repository.
func NewRepository(conn db.DBTX) *Repository {
	return &Repository{db: conn}
}

const entriesQuery = `SELECT l.account, l.debit::text, l.credit::text, e.voucher_type, e.voucher_no, e.company, e.posting_date, l.party, e.status = 'VOID'
FROM journal_lines l
JOIN journal_entries e ON e.id = l.entry_id
WHERE e.company = $1
  AND ($2::text[] IS NULL OR l.account = ANY($2::text[]))
  AND ($3::date IS NULL OR e.posting_date >= $3::date)
  AND ($4::date IS NULL OR e.posting_date <= $4::date)
  AND (NOT $5::boolean OR e.status <> 'VOID')
  AND ($6::text = '' OR e.voucher_type = $6::text)
  AND ($7::text[] IS NULL OR e.voucher_no = ANY($7::text[]))
ORDER BY e.posting_date, e.voucher_no, l.id`

// QueryEntries returns ledger lines matching q ordered by date and voucher.
func (r *Repository) QueryEntries(ctx context.Context, q EntryQuery) ([]Entry, error) {
	if q.Company == "" {
		return nil, errors.New("ledger: company required")
	}
	rows, err := db.Executor(ctx, r.db).Query(ctx, entriesQuery,
		q.Company, nullStrings(q.Accounts), nullDate(q.From), nullDate(q.To), q.ExcludeCancelled, q.VoucherType, nullStrings(q.VoucherNos))
	if err != nil {
		return nil, fmt.Errorf("ledger: query entries: %w", err)
	}
	defer rows.Close()
	var entries []Entry
	for rows.Next() {
		var (
			e             Entry
			debit, credit string
		)
		if err := rows.Scan(&e.Account, &debit, &credit, &e.VoucherType, &e.VoucherNo, &e.Company, &e.PostingDate, &e.Party, &e.IsCancelled); err != nil {
			return nil, err
		}
		if e.Debit, err = parseAmount(debit); err != nil {
			return nil, err
		}
		if e.Credit, err = parseAmount(credit); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// DocumentExists reports whether the source document is present.
func (r *Repository) DocumentExists(ctx context.Context, docType DocumentType, number string) (bool, error) {
	var exists bool
	err := db.Executor(ctx, r.db).QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM tax_source_documents WHERE doc_type = $1 AND doc_no = $2)`, string(docType), number).Scan(&exists)
	return exists, err
}

const documentColumns = `doc_type, doc_no, company, posting_date, docstatus, verification_status, tax_invoice_no, party, tax_base::text, tax_amount::text, apply_withholding, item_withholding`

// GetSourceDocument loads one document.
func (r *Repository) GetSourceDocument(ctx context.Context, docType DocumentType, number string) (SourceDocument, error) {
	row := db.Executor(ctx, r.db).QueryRow(ctx, `SELECT `+documentColumns+` FROM tax_source_documents WHERE doc_type = $1 AND doc_no = $2`, string(docType), number)
	doc, err := scanDocument(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return SourceDocument{}, ErrDocumentNotFound
		}
		return SourceDocument{}, err
	}
	return doc, nil
}

const documentFilterClause = `WHERE company = $1 AND doc_type = $2
  AND ($3::date IS NULL OR posting_date >= $3::date)
  AND ($4::date IS NULL OR posting_date <= $4::date)
  AND ($5::smallint IS NULL OR docstatus = $5::smallint)
  AND ($6::text = '' OR verification_status = $6::text)
  AND ($7::text = '' OR verification_status <> $7::text)`

// ListSourceDocuments returns documents matching f ordered by date and number.
func (r *Repository) ListSourceDocuments(ctx context.Context, f DocumentFilter) ([]SourceDocument, error) {
	rows, err := db.Executor(ctx, r.db).Query(ctx, `SELECT `+documentColumns+` FROM tax_source_documents `+documentFilterClause+` ORDER BY posting_date, doc_no`, documentArgs(f)...)
	if err != nil {
		return nil, fmt.Errorf("ledger: list documents: %w", err)
	}
	defer rows.Close()
	var docs []SourceDocument
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// CountSourceDocuments counts documents matching f.
func (r *Repository) CountSourceDocuments(ctx context.Context, f DocumentFilter) (int, error) {
	var count int
	err := db.Executor(ctx, r.db).QueryRow(ctx, `SELECT COUNT(*) FROM tax_source_documents `+documentFilterClause, documentArgs(f)...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("ledger: count documents: %w", err)
	}
	return count, nil
}

// GetAccount loads an account by company and code.
func (r *Repository) GetAccount(ctx context.Context, company, code string) (Account, error) {
	var a Account
	err := db.Executor(ctx, r.db).QueryRow(ctx, `SELECT company, code, name, account_type, is_group, disabled FROM accounts WHERE company = $1 AND code = $2`, company, code).
		Scan(&a.Company, &a.Code, &a.Name, &a.Type, &a.IsGroup, &a.Disabled)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, err
	}
	return a, nil
}

func scanDocument(row pgx.Row) (SourceDocument, error) {
	var (
		doc             SourceDocument
		docType         string
		status          int16
		taxBase, taxAmt string
	)
	if err := row.Scan(&docType, &doc.Number, &doc.Company, &doc.PostingDate, &status, &doc.VerificationStatus, &doc.TaxInvoiceNo, &doc.Party, &taxBase, &taxAmt, &doc.ApplyWithholding, &doc.ItemWithholding); err != nil {
		return SourceDocument{}, err
	}
	doc.Type = DocumentType(docType)
	doc.DocStatus = DocStatus(status)
	var err error
	if doc.TaxBase, err = parseAmount(taxBase); err != nil {
		return SourceDocument{}, err
	}
	if doc.TaxAmount, err = parseAmount(taxAmt); err != nil {
		return SourceDocument{}, err
	}
	return doc, nil
}

func documentArgs(f DocumentFilter) []any {
	var status any
	if f.DocStatus != nil {
		status = int16(*f.DocStatus)
	}
	return []any{f.Company, string(f.Type), nullDate(f.From), nullDate(f.To), status, f.VerificationStatus, f.ExcludeVerificationStatus}
}

func parseAmount(raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("ledger: parse amount %q: %w", raw, err)
	}
	return d, nil
}

func nullDate(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func nullStrings(values []string) any {
	if len(values) == 0 {
		return nil
	}
	return values
}
