package periodlock

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/odyssey-erp/taxclose/internal/platform/db"
)

// Repository reads finalized closings.
type Repository struct {
	db db.DBTX
}

// NewRepository constructs a Repository.
func NewRepository(conn db.DBTX) *Repository {
	return &Repository{db: conn}
}

// FindLockedPeriod implements Store. It returns nil when no Closed and
// finalized closing covers date.
func (r *Repository) FindLockedPeriod(ctx context.Context, company string, date time.Time) (*LockedPeriod, error) {
	var p LockedPeriod
	err := db.Executor(ctx, r.db).QueryRow(ctx, `SELECT id, name, date_from, date_to
FROM tax_period_closings
WHERE company = $1 AND status = 'Closed' AND docstatus = 1 AND $2::date BETWEEN date_from AND date_to
ORDER BY date_from DESC LIMIT 1`, company, date).Scan(&p.ClosingID, &p.Name, &p.DateFrom, &p.DateTo)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}
