package close

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/taxclose/internal/platform/db"
	"github.com/odyssey-erp/taxclose/internal/register"
)

const activePeriodConstraint = "uq_tax_period_closing_active"

// Pool is satisfied by pgxpool.Pool and pgxmock pools.
type Pool interface {
	db.DBTX
	db.TxBeginner
}

// Repository persists tax period closings. Every method joins the
// transaction carried by ctx when there is one.
type Repository struct {
	pool Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool Pool) *Repository {
	return &Repository{pool: pool}
}

// WithTx runs fn inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context) error) error {
	if r == nil || r.pool == nil {
		return errors.New("close repository not initialised")
	}
	return db.WithTx(ctx, r.pool, fn)
}

func (r *Repository) conn(ctx context.Context) db.DBTX {
	return db.Executor(ctx, r.pool)
}

const closingColumns = `id, name, company, period_month, period_year, date_from, date_to, status, docstatus,
register_snapshot, last_refresh, input_vat_total::text, output_vat_total::text, vat_net::text,
withholding_total::text, pb1_total::text, netting_entry_id, created_by, submitted_by, submitted_on,
created_at, updated_at`

// Insert stores a new Draft closing. A concurrent insert for the same active
// period surfaces as ErrDuplicatePeriod.
func (r *Repository) Insert(ctx context.Context, c Closing) (Closing, error) {
	row := r.conn(ctx).QueryRow(ctx, `INSERT INTO tax_period_closings
(name, company, period_month, period_year, date_from, date_to, status, docstatus, created_by)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
RETURNING `+closingColumns,
		c.Name, c.Company, c.PeriodMonth, c.PeriodYear, c.DateFrom, c.DateTo, string(c.Status), int(c.DocStatus), c.CreatedBy)
	out, err := scanClosing(row)
	if err != nil {
		if db.IsUniqueViolation(err, activePeriodConstraint) {
			return Closing{}, ErrDuplicatePeriod
		}
		return Closing{}, fmt.Errorf("close: insert closing: %w", err)
	}
	return out, nil
}

// FindActive returns the non-reversed closing owning the period, ignoring
// excludeID. It returns nil when the period is free.
func (r *Repository) FindActive(ctx context.Context, company string, month, year int, excludeID int64) (*Closing, error) {
	row := r.conn(ctx).QueryRow(ctx, `SELECT `+closingColumns+`
FROM tax_period_closings
WHERE company=$1 AND period_month=$2 AND period_year=$3 AND docstatus <> 2 AND status <> 'Cancelled' AND id <> $4
ORDER BY id LIMIT 1`, company, month, year, excludeID)
	c, err := scanClosing(row)
	if err != nil {
		if errors.Is(err, ErrClosingNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

// Get loads a closing.
func (r *Repository) Get(ctx context.Context, id int64) (Closing, error) {
	return scanClosing(r.conn(ctx).QueryRow(ctx, `SELECT `+closingColumns+` FROM tax_period_closings WHERE id=$1`, id))
}

// GetForUpdate loads a closing and locks its row until the transaction ends.
func (r *Repository) GetForUpdate(ctx context.Context, id int64) (Closing, error) {
	return scanClosing(r.conn(ctx).QueryRow(ctx, `SELECT `+closingColumns+` FROM tax_period_closings WHERE id=$1 FOR UPDATE`, id))
}

// List returns closings newest period first.
func (r *Repository) List(ctx context.Context, f ListFilter) ([]Closing, error) {
	var (
		conds []string
		args  []any
	)
	if f.Company != "" {
		args = append(args, f.Company)
		conds = append(conds, fmt.Sprintf("company=$%d", len(args)))
	}
	if f.Year != 0 {
		args = append(args, f.Year)
		conds = append(conds, fmt.Sprintf("period_year=$%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		conds = append(conds, fmt.Sprintf("status=$%d", len(args)))
	}
	query := `SELECT ` + closingColumns + ` FROM tax_period_closings`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY period_year DESC, period_month DESC, id DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Closing
	for rows.Next() {
		c, err := scanClosing(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListOpenIDs returns the ids of closings whose snapshot may still change.
func (r *Repository) ListOpenIDs(ctx context.Context) ([]int64, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT id FROM tax_period_closings WHERE docstatus=0 AND status <> 'Cancelled' ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpdatePeriod moves an open closing to another period and drops its snapshot.
func (r *Repository) UpdatePeriod(ctx context.Context, c Closing) error {
	cmd, err := r.conn(ctx).Exec(ctx, `UPDATE tax_period_closings
SET name=$2, period_month=$3, period_year=$4, date_from=$5, date_to=$6,
    register_snapshot=NULL, last_refresh=NULL,
    input_vat_total=0, output_vat_total=0, vat_net=0, withholding_total=0, pb1_total=0, updated_at=NOW()
WHERE id=$1 AND docstatus=0`, c.ID, c.Name, c.PeriodMonth, c.PeriodYear, c.DateFrom, c.DateTo)
	if err != nil {
		if db.IsUniqueViolation(err, activePeriodConstraint) {
			return ErrDuplicatePeriod
		}
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrClosingFinalized
	}
	return nil
}

// UpdateStatus writes status and docstatus.
func (r *Repository) UpdateStatus(ctx context.Context, id int64, status Status, doc DocStatus) error {
	cmd, err := r.conn(ctx).Exec(ctx, `UPDATE tax_period_closings SET status=$2, docstatus=$3, updated_at=NOW() WHERE id=$1`, id, string(status), int(doc))
	if err != nil {
		if db.IsUniqueViolation(err, activePeriodConstraint) {
			return ErrDuplicatePeriod
		}
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrClosingNotFound
	}
	return nil
}

// SaveSnapshotIfOpen writes snap and its totals only while docstatus is 0.
// It reports whether a row was written.
func (r *Repository) SaveSnapshotIfOpen(ctx context.Context, id int64, snap register.Snapshot, at time.Time) (bool, error) {
	payload, err := snap.Encode()
	if err != nil {
		return false, err
	}
	totals := totalsFrom(&snap)
	cmd, err := r.conn(ctx).Exec(ctx, `UPDATE tax_period_closings
SET register_snapshot=$2, last_refresh=$3,
    input_vat_total=$4::numeric, output_vat_total=$5::numeric, vat_net=$6::numeric,
    withholding_total=$7::numeric, pb1_total=$8::numeric, updated_at=NOW()
WHERE id=$1 AND docstatus=0`, id, payload, at,
		toNumeric(totals.InputVAT), toNumeric(totals.OutputVAT), toNumeric(totals.VATNet),
		toNumeric(totals.Withholding), toNumeric(totals.PB1))
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() > 0, nil
}

// MarkFinalized closes the period, recomputes totals from the stored
// snapshot and stamps submission details the first time only.
func (r *Repository) MarkFinalized(ctx context.Context, id int64, totals Totals, actorID string, at time.Time) error {
	cmd, err := r.conn(ctx).Exec(ctx, `UPDATE tax_period_closings
SET status='Closed', docstatus=1,
    input_vat_total=$2::numeric, output_vat_total=$3::numeric, vat_net=$4::numeric,
    withholding_total=$5::numeric, pb1_total=$6::numeric,
    submitted_by=COALESCE(submitted_by, $7), submitted_on=COALESCE(submitted_on, $8), updated_at=NOW()
WHERE id=$1 AND docstatus=0`, id,
		toNumeric(totals.InputVAT), toNumeric(totals.OutputVAT), toNumeric(totals.VATNet),
		toNumeric(totals.Withholding), toNumeric(totals.PB1), actorID, at)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrClosingFinalized
	}
	return nil
}

// NettingRef implements netting.ClosingLinker.
func (r *Repository) NettingRef(ctx context.Context, closingID int64) (*int64, error) {
	var ref *int64
	err := r.conn(ctx).QueryRow(ctx, `SELECT netting_entry_id FROM tax_period_closings WHERE id=$1`, closingID).Scan(&ref)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrClosingNotFound
		}
		return nil, err
	}
	return ref, nil
}

// LinkNetting implements netting.ClosingLinker. The link is metadata and is
// written regardless of docstatus.
func (r *Repository) LinkNetting(ctx context.Context, closingID int64, entryID *int64) error {
	cmd, err := r.conn(ctx).Exec(ctx, `UPDATE tax_period_closings SET netting_entry_id=$2, updated_at=NOW() WHERE id=$1`, closingID, entryID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrClosingNotFound
	}
	return nil
}

func scanClosing(row pgx.Row) (Closing, error) {
	var (
		c           Closing
		status      string
		doc         int16
		month, year int16
		snapshot    []byte
		amounts     [5]string
	)
	err := row.Scan(&c.ID, &c.Name, &c.Company, &month, &year, &c.DateFrom, &c.DateTo, &status, &doc,
		&snapshot, &c.LastRefresh, &amounts[0], &amounts[1], &amounts[2], &amounts[3], &amounts[4],
		&c.NettingEntryID, &c.CreatedBy, &c.SubmittedBy, &c.SubmittedOn, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Closing{}, ErrClosingNotFound
		}
		return Closing{}, err
	}
	c.PeriodMonth = int(month)
	c.PeriodYear = int(year)
	c.Status = Status(status)
	c.DocStatus = DocStatus(doc)
	if c.Snapshot, err = register.DecodeSnapshot(snapshot); err != nil {
		return Closing{}, fmt.Errorf("close: closing %d: %w", c.ID, err)
	}
	targets := [5]*decimal.Decimal{&c.Totals.InputVAT, &c.Totals.OutputVAT, &c.Totals.VATNet, &c.Totals.Withholding, &c.Totals.PB1}
	for i, raw := range amounts {
		v, err := decimal.NewFromString(raw)
		if err != nil {
			return Closing{}, fmt.Errorf("close: parse total %q: %w", raw, err)
		}
		*targets[i] = v
	}
	return c, nil
}

func toNumeric(v decimal.Decimal) string {
	return v.StringFixed(2)
}
