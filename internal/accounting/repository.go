package accounting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/taxclose/internal/platform/db"
)

const sourceConstraint = "uq_journal_source_active"

// Pool is satisfied by pgxpool.Pool and pgxmock pools.
type Pool interface {
	db.DBTX
	db.TxBeginner
}

// Repository persists journal entries.
type Repository struct {
	pool Pool
}

// NewRepository constructs Repository.
func NewRepository(pool Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations.
type TxRepository interface {
	InsertJournalEntry(ctx context.Context, in PostingInput) (JournalEntry, error)
	InsertJournalLines(ctx context.Context, entryID int64, lines []PostingLineInput) ([]JournalLine, error)
	GetJournal(ctx context.Context, entryID int64) (JournalEntry, error)
	GetJournalForUpdate(ctx context.Context, entryID int64) (JournalEntry, error)
	VoidJournal(ctx context.Context, entryID int64, actorID string, at time.Time) error
}

type txRepository struct {
	conn db.DBTX
}

// WithTx executes fn within a repeatable-read transaction, joining one
// already carried by ctx.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil || r.pool == nil {
		return errors.New("accounting repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		return fn(ctx, &txRepository{conn: db.Executor(ctx, r.pool)})
	})
}

func (r *txRepository) InsertJournalEntry(ctx context.Context, in PostingInput) (JournalEntry, error) {
	row := r.conn.QueryRow(ctx, `INSERT INTO journal_entries (company, posting_date, voucher_type, voucher_no, source_module, source_id, memo, posted_by, status)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,'POSTED') RETURNING id, posted_at`,
		in.Company, in.PostingDate, in.VoucherType, in.VoucherNo, in.SourceModule, in.SourceID, in.Memo, in.Actor.ID)
	entry := JournalEntry{
		Company:      in.Company,
		PostingDate:  in.PostingDate,
		VoucherType:  in.VoucherType,
		VoucherNo:    in.VoucherNo,
		SourceModule: in.SourceModule,
		SourceID:     in.SourceID,
		Memo:         in.Memo,
		PostedBy:     in.Actor.ID,
		Status:       JournalStatusPosted,
	}
	if err := row.Scan(&entry.ID, &entry.PostedAt); err != nil {
		if db.IsUniqueViolation(err, sourceConstraint) {
			return JournalEntry{}, ErrSourceAlreadyLinked
		}
		return JournalEntry{}, fmt.Errorf("accounting: insert journal: %w", err)
	}
	return entry, nil
}

func (r *txRepository) InsertJournalLines(ctx context.Context, entryID int64, lines []PostingLineInput) ([]JournalLine, error) {
	out := make([]JournalLine, 0, len(lines))
	for _, line := range lines {
		var id int64
		err := r.conn.QueryRow(ctx, `INSERT INTO journal_lines (entry_id, account, debit, credit, party)
VALUES ($1,$2,$3::numeric,$4::numeric,$5) RETURNING id`, entryID, line.Account, toNumeric(line.Debit), toNumeric(line.Credit), line.Party).Scan(&id)
		if err != nil {
			return nil, fmt.Errorf("accounting: insert journal line: %w", err)
		}
		out = append(out, JournalLine{
			ID:      id,
			EntryID: entryID,
			Account: line.Account,
			Debit:   line.Debit,
			Credit:  line.Credit,
			Party:   line.Party,
		})
	}
	return out, nil
}

const journalColumns = `id, company, posting_date, voucher_type, voucher_no, source_module, source_id, memo, posted_by, posted_at, status, voided_by, voided_at`

func (r *txRepository) GetJournal(ctx context.Context, entryID int64) (JournalEntry, error) {
	return r.loadJournal(ctx, `SELECT `+journalColumns+` FROM journal_entries WHERE id=$1`, entryID)
}

func (r *txRepository) GetJournalForUpdate(ctx context.Context, entryID int64) (JournalEntry, error) {
	return r.loadJournal(ctx, `SELECT `+journalColumns+` FROM journal_entries WHERE id=$1 FOR UPDATE`, entryID)
}

func (r *txRepository) loadJournal(ctx context.Context, query string, entryID int64) (JournalEntry, error) {
	var entry JournalEntry
	err := r.conn.QueryRow(ctx, query, entryID).
		Scan(&entry.ID, &entry.Company, &entry.PostingDate, &entry.VoucherType, &entry.VoucherNo, &entry.SourceModule, &entry.SourceID,
			&entry.Memo, &entry.PostedBy, &entry.PostedAt, &entry.Status, &entry.VoidedBy, &entry.VoidedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return JournalEntry{}, ErrJournalNotFound
		}
		return JournalEntry{}, err
	}
	rows, err := r.conn.Query(ctx, `SELECT id, entry_id, account, debit::text, credit::text, party
FROM journal_lines WHERE entry_id=$1 ORDER BY id ASC`, entryID)
	if err != nil {
		return JournalEntry{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			line          JournalLine
			debit, credit string
		)
		if err := rows.Scan(&line.ID, &line.EntryID, &line.Account, &debit, &credit, &line.Party); err != nil {
			return JournalEntry{}, err
		}
		if line.Debit, err = decimal.NewFromString(debit); err != nil {
			return JournalEntry{}, fmt.Errorf("accounting: parse debit: %w", err)
		}
		if line.Credit, err = decimal.NewFromString(credit); err != nil {
			return JournalEntry{}, fmt.Errorf("accounting: parse credit: %w", err)
		}
		entry.Lines = append(entry.Lines, line)
	}
	if err := rows.Err(); err != nil {
		return JournalEntry{}, err
	}
	return entry, nil
}

func (r *txRepository) VoidJournal(ctx context.Context, entryID int64, actorID string, at time.Time) error {
	cmd, err := r.conn.Exec(ctx, `UPDATE journal_entries SET status='VOID', voided_by=$2, voided_at=$3 WHERE id=$1 AND status='POSTED'`, entryID, actorID, at)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrJournalNotFound
	}
	return nil
}

func toNumeric(v decimal.Decimal) string {
	return v.StringFixed(2)
}
