package accounting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/odyssey-erp/taxclose/internal/ledger"
	"github.com/odyssey-erp/taxclose/internal/shared"
)

// RepositoryPort abstracts transactional repository behaviour.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// AuditPort records ledger events for compliance.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// PeriodGuard blocks journal postings dated inside a finalized tax period.
type PeriodGuard interface {
	EnsureEditable(ctx context.Context, company string, date time.Time, actor shared.Actor) error
}

// AccountLookup resolves chart of accounts rows.
type AccountLookup interface {
	GetAccount(ctx context.Context, company, code string) (ledger.Account, error)
}

// Service coordinates posting and voiding journal entries.
type Service struct {
	repo     RepositoryPort
	audit    AuditPort
	guard    PeriodGuard
	accounts AccountLookup
	exempt   map[string]struct{}
	now      func() time.Time
}

// NewService constructs the ledger service. Netting journals bypass the
// period guard: they are posted while their own period is being finalized.
func NewService(repo RepositoryPort, audit AuditPort, guard PeriodGuard) *Service {
	return &Service{
		repo:   repo,
		audit:  audit,
		guard:  guard,
		exempt: map[string]struct{}{SourceModuleTaxNetting: {}},
		now:    time.Now,
	}
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// WithAccounts enables account checks before posting.
func (s *Service) WithAccounts(lookup AccountLookup) *Service {
	s.accounts = lookup
	return s
}

func (s *Service) guarded(module string) bool {
	if s.guard == nil {
		return false
	}
	_, skip := s.exempt[module]
	return !skip
}

// PostJournal validates and persists a new journal entry.
func (s *Service) PostJournal(ctx context.Context, input PostingInput) (JournalEntry, error) {
	if err := input.Validate(); err != nil {
		return JournalEntry{}, err
	}
	if s.guarded(input.SourceModule) {
		if err := s.guard.EnsureEditable(ctx, input.Company, input.PostingDate, input.Actor); err != nil {
			return JournalEntry{}, fmt.Errorf("%w: %v", ErrPeriodLocked, err)
		}
	}
	if err := s.checkAccounts(ctx, input); err != nil {
		return JournalEntry{}, err
	}
	var entry JournalEntry
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inserted, err := tx.InsertJournalEntry(ctx, input)
		if err != nil {
			return err
		}
		lines, err := tx.InsertJournalLines(ctx, inserted.ID, input.Lines)
		if err != nil {
			return err
		}
		inserted.Lines = lines
		entry = inserted
		if s.audit != nil {
			return s.audit.Record(ctx, shared.AuditLog{
				ActorID:  input.Actor.ID,
				Action:   "journal.post",
				Entity:   "journal_entry",
				EntityID: fmt.Sprintf("%d", entry.ID),
				Meta: map[string]any{
					"voucher_no":    entry.VoucherNo,
					"source_module": input.SourceModule,
					"source_id":     input.SourceID.String(),
				},
				At: s.now(),
			})
		}
		return nil
	})
	if err != nil {
		return JournalEntry{}, err
	}
	return entry, nil
}

func (s *Service) checkAccounts(ctx context.Context, input PostingInput) error {
	if s.accounts == nil {
		return nil
	}
	seen := make(map[string]struct{}, len(input.Lines))
	for _, line := range input.Lines {
		if _, ok := seen[line.Account]; ok {
			continue
		}
		seen[line.Account] = struct{}{}
		account, err := s.accounts.GetAccount(ctx, input.Company, line.Account)
		if err != nil {
			if errors.Is(err, ledger.ErrAccountNotFound) {
				return fmt.Errorf("%w: %s does not exist", ErrAccountNotPostable, line.Account)
			}
			return err
		}
		if account.Disabled {
			return fmt.Errorf("%w: %s is disabled", ErrAccountNotPostable, line.Account)
		}
		if account.IsGroup {
			return fmt.Errorf("%w: %s is a group account", ErrAccountNotPostable, line.Account)
		}
	}
	return nil
}

// VoidJournal marks an existing journal as VOID.
func (s *Service) VoidJournal(ctx context.Context, input VoidInput) (JournalEntry, error) {
	if input.EntryID == 0 {
		return JournalEntry{}, errors.New("accounting: entry id required")
	}
	if input.Actor.IsZero() {
		return JournalEntry{}, shared.ErrActorRequired
	}
	var entry JournalEntry
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetJournalForUpdate(ctx, input.EntryID)
		if err != nil {
			return err
		}
		if !current.Posted() {
			return ErrInvalidStatus
		}
		if s.guarded(current.SourceModule) {
			if err := s.guard.EnsureEditable(ctx, current.Company, current.PostingDate, input.Actor); err != nil {
				return fmt.Errorf("%w: %v", ErrPeriodLocked, err)
			}
		}
		at := s.now()
		if err := tx.VoidJournal(ctx, current.ID, input.Actor.ID, at); err != nil {
			return err
		}
		entry = current
		entry.Status = JournalStatusVoid
		entry.VoidedBy = &input.Actor.ID
		entry.VoidedAt = &at
		if s.audit != nil {
			return s.audit.Record(ctx, shared.AuditLog{
				ActorID:  input.Actor.ID,
				Action:   "journal.void",
				Entity:   "journal_entry",
				EntityID: fmt.Sprintf("%d", entry.ID),
				Meta: map[string]any{
					"reason": input.Reason,
				},
				At: at,
			})
		}
		return nil
	})
	if err != nil {
		return JournalEntry{}, err
	}
	return entry, nil
}

// GetJournal loads an entry with its lines.
func (s *Service) GetJournal(ctx context.Context, id int64) (JournalEntry, error) {
	var entry JournalEntry
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		entry, err = tx.GetJournal(ctx, id)
		return err
	})
	return entry, err
}
