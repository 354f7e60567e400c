package taxprofile

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/odyssey-erp/taxclose/internal/platform/db"
)

// Repository persists tax profiles.
type Repository struct {
	pool db.TxBeginner
	db   db.DBTX
}

// Pool is satisfied by pgxpool.Pool and pgxmock pools.
type Pool interface {
	db.DBTX
	db.TxBeginner
}

// NewRepository constructs a Repository.
func NewRepository(pool Pool) *Repository {
	return &Repository{pool: pool, db: pool}
}

// WithTx executes fn in a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context) error) error {
	return db.WithTx(ctx, r.pool, fn)
}

// Get loads the profile and its account lists.
func (r *Repository) Get(ctx context.Context, company string) (Profile, error) {
	q := db.Executor(ctx, r.db)
	var p Profile
	err := q.QueryRow(ctx, `SELECT company, input_tax_account, output_tax_account, pb1_default_account, netting_payable_account, auto_netting, updated_by, updated_at
FROM tax_profiles WHERE company = $1`, company).
		Scan(&p.Company, &p.InputTaxAccount, &p.OutputTaxAccount, &p.PB1DefaultAccount, &p.NettingPayableAccount, &p.AutoNetting, &p.UpdatedBy, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Profile{}, ErrProfileNotFound
		}
		return Profile{}, fmt.Errorf("taxprofile: load: %w", err)
	}

	rows, err := q.Query(ctx, `SELECT account FROM tax_profile_withholding_accounts WHERE company = $1 ORDER BY position, account`, company)
	if err != nil {
		return Profile{}, fmt.Errorf("taxprofile: load withholding: %w", err)
	}
	for rows.Next() {
		var account string
		if err := rows.Scan(&account); err != nil {
			rows.Close()
			return Profile{}, err
		}
		p.WithholdingAccounts = append(p.WithholdingAccounts, account)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Profile{}, err
	}

	rows, err = q.Query(ctx, `SELECT branch, account FROM tax_profile_pb1_accounts WHERE company = $1 ORDER BY branch`, company)
	if err != nil {
		return Profile{}, fmt.Errorf("taxprofile: load pb1: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var m BranchAccount
		if err := rows.Scan(&m.Branch, &m.Account); err != nil {
			return Profile{}, err
		}
		p.PB1Accounts = append(p.PB1Accounts, m)
	}
	return p, rows.Err()
}

// Upsert replaces the profile and its account lists. Callers wrap it in WithTx.
func (r *Repository) Upsert(ctx context.Context, p Profile) error {
	q := db.Executor(ctx, r.db)
	_, err := q.Exec(ctx, `INSERT INTO tax_profiles (company, input_tax_account, output_tax_account, pb1_default_account, netting_payable_account, auto_netting, updated_by, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (company) DO UPDATE SET input_tax_account = EXCLUDED.input_tax_account, output_tax_account = EXCLUDED.output_tax_account,
  pb1_default_account = EXCLUDED.pb1_default_account, netting_payable_account = EXCLUDED.netting_payable_account,
  auto_netting = EXCLUDED.auto_netting, updated_by = EXCLUDED.updated_by, updated_at = EXCLUDED.updated_at`,
		p.Company, p.InputTaxAccount, p.OutputTaxAccount, p.PB1DefaultAccount, p.NettingPayableAccount, p.AutoNetting, p.UpdatedBy, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("taxprofile: upsert: %w", err)
	}
	if _, err := q.Exec(ctx, `DELETE FROM tax_profile_withholding_accounts WHERE company = $1`, p.Company); err != nil {
		return err
	}
	for idx, account := range p.WithholdingAccounts {
		if _, err := q.Exec(ctx, `INSERT INTO tax_profile_withholding_accounts (company, account, position) VALUES ($1, $2, $3)`, p.Company, account, idx); err != nil {
			return err
		}
	}
	if _, err := q.Exec(ctx, `DELETE FROM tax_profile_pb1_accounts WHERE company = $1`, p.Company); err != nil {
		return err
	}
	for _, m := range p.PB1Accounts {
		if _, err := q.Exec(ctx, `INSERT INTO tax_profile_pb1_accounts (company, branch, account) VALUES ($1, $2, $3)`, p.Company, m.Branch, m.Account); err != nil {
			return err
		}
	}
	return nil
}
