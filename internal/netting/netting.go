// Package netting turns closing totals into the balancing VAT journal and
// links it to the owning closing.
package netting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/taxclose/internal/accounting"
	"github.com/odyssey-erp/taxclose/internal/shared"
)

// VoucherType labels netting journals in the ledger.
const VoucherType = "TAX_NETTING"

var sourceNamespace = uuid.MustParse("6f1c1f5e-2d8a-4f0e-9a57-1b1de4c0a9d2")

var (
	// ErrNegativeTotals rejects register totals below zero.
	ErrNegativeTotals = errors.New("netting: register totals must not be negative")
	// ErrClosingRequired indicates a request without an owning closing.
	ErrClosingRequired = errors.New("netting: closing id required")
)

// MissingAccountsError names each unconfigured account.
type MissingAccountsError struct {
	Company  string
	Accounts []string
}

func (e *MissingAccountsError) Error() string {
	return fmt.Sprintf("netting: %s missing configuration: %s", e.Company, strings.Join(e.Accounts, ", "))
}

// Request describes one netting run.
type Request struct {
	ClosingID      int64
	Company        string
	PeriodMonth    int
	PeriodYear     int
	InputTotal     decimal.Decimal
	OutputTotal    decimal.Decimal
	InputAccount   string
	OutputAccount  string
	PayableAccount string
	PostingDate    time.Time
	Reference      string
	Force          bool
	Actor          shared.Actor
}

// Validate checks accounts, totals and identity.
func (r Request) Validate() error {
	if r.ClosingID == 0 {
		return ErrClosingRequired
	}
	if r.Actor.IsZero() {
		return shared.ErrActorRequired
	}
	var missing []string
	if strings.TrimSpace(r.OutputAccount) == "" {
		missing = append(missing, "output tax account")
	}
	if strings.TrimSpace(r.InputAccount) == "" {
		missing = append(missing, "input tax account")
	}
	if strings.TrimSpace(r.PayableAccount) == "" {
		missing = append(missing, "netting payable account")
	}
	if len(missing) > 0 {
		return &MissingAccountsError{Company: r.Company, Accounts: missing}
	}
	if r.InputTotal.IsNegative() || r.OutputTotal.IsNegative() {
		return fmt.Errorf("%w: %s input %s output %s", ErrNegativeTotals, r.Reference, r.InputTotal.StringFixed(2), r.OutputTotal.StringFixed(2))
	}
	if r.PostingDate.IsZero() {
		return errors.New("netting: posting date required")
	}
	return nil
}

// BuildLines returns the three netting lines. The payable line absorbs
// output minus input, so debits equal credits for any input.
func BuildLines(r Request) []accounting.PostingLineInput {
	net := r.OutputTotal.Sub(r.InputTotal)
	payable := accounting.PostingLineInput{Account: r.PayableAccount, Debit: decimal.Zero, Credit: decimal.Zero}
	switch net.Sign() {
	case 1:
		payable.Credit = net
	case -1:
		payable.Debit = net.Neg()
	}
	return []accounting.PostingLineInput{
		{Account: r.OutputAccount, Debit: r.OutputTotal, Credit: decimal.Zero},
		{Account: r.InputAccount, Debit: decimal.Zero, Credit: r.InputTotal},
		payable,
	}
}

// SourceID derives the stable journal source id of a closing.
func SourceID(closingID int64) uuid.UUID {
	return uuid.NewSHA1(sourceNamespace, []byte(fmt.Sprintf("tax-closing:%d", closingID)))
}

// Poster posts and voids journals.
type Poster interface {
	PostJournal(ctx context.Context, input accounting.PostingInput) (accounting.JournalEntry, error)
	VoidJournal(ctx context.Context, input accounting.VoidInput) (accounting.JournalEntry, error)
	GetJournal(ctx context.Context, id int64) (accounting.JournalEntry, error)
}

// ClosingLinker reads and writes the netting reference of a closing. The
// link is metadata and may change on a finalized closing.
type ClosingLinker interface {
	NettingRef(ctx context.Context, closingID int64) (*int64, error)
	LinkNetting(ctx context.Context, closingID int64, entryID *int64) error
}

// Outcome reports what a netting run did.
type Outcome struct {
	EntryID  int64  `json:"entry_id"`
	Created  bool   `json:"created"`
	Replaced *int64 `json:"replaced,omitempty"`
}

// Generator creates netting journals.
type Generator struct {
	poster Poster
	links  ClosingLinker
	logger *slog.Logger
}

// NewGenerator constructs a Generator.
func NewGenerator(poster Poster, links ClosingLinker, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{poster: poster, links: links, logger: logger}
}

// CreateNettingTransaction posts the netting journal for req and links it to
// the closing. An active linked journal is returned unchanged unless
// req.Force is set, in which case it is voided and replaced. Callers wanting
// atomicity run this inside db.WithTx.
func (g *Generator) CreateNettingTransaction(ctx context.Context, req Request) (Outcome, error) {
	if err := req.Validate(); err != nil {
		return Outcome{}, err
	}

	var replaced *int64
	ref, err := g.links.NettingRef(ctx, req.ClosingID)
	if err != nil {
		return Outcome{}, fmt.Errorf("netting: load link: %w", err)
	}
	if ref != nil {
		existing, err := g.poster.GetJournal(ctx, *ref)
		switch {
		case errors.Is(err, accounting.ErrJournalNotFound):
			g.logger.Warn("netting journal missing, clearing link",
				slog.Int64("closing_id", req.ClosingID),
				slog.Int64("entry_id", *ref))
		case err != nil:
			return Outcome{}, fmt.Errorf("netting: load journal %d: %w", *ref, err)
		case existing.Posted() && !req.Force:
			return Outcome{EntryID: existing.ID}, nil
		case existing.Posted():
			if _, err := g.poster.VoidJournal(ctx, accounting.VoidInput{
				EntryID: existing.ID,
				Actor:   req.Actor,
				Reason:  "netting re-triggered for " + req.Reference,
			}); err != nil {
				return Outcome{}, fmt.Errorf("netting: void journal %d: %w", existing.ID, err)
			}
			id := existing.ID
			replaced = &id
		}
	}

	entry, err := g.poster.PostJournal(ctx, accounting.PostingInput{
		Company:      req.Company,
		PostingDate:  req.PostingDate,
		VoucherType:  VoucherType,
		VoucherNo:    req.Reference,
		SourceModule: accounting.SourceModuleTaxNetting,
		SourceID:     SourceID(req.ClosingID),
		Memo:         fmt.Sprintf("VAT netting %s", shared.PeriodLabel(req.PeriodMonth, req.PeriodYear)),
		Actor:        req.Actor,
		Lines:        BuildLines(req),
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("netting: post journal: %w", err)
	}
	if err := g.links.LinkNetting(ctx, req.ClosingID, &entry.ID); err != nil {
		return Outcome{}, fmt.Errorf("netting: link journal: %w", err)
	}
	g.logger.Info("netting journal posted",
		slog.Int64("closing_id", req.ClosingID),
		slog.Int64("entry_id", entry.ID),
		slog.String("company", req.Company))
	return Outcome{EntryID: entry.ID, Created: true, Replaced: replaced}, nil
}

// Reverse voids the linked netting journal and clears the link. A link to a
// deleted journal is simply cleared.
func (g *Generator) Reverse(ctx context.Context, closingID int64, actor shared.Actor, reason string) (*int64, error) {
	ref, err := g.links.NettingRef(ctx, closingID)
	if err != nil {
		return nil, fmt.Errorf("netting: load link: %w", err)
	}
	if ref == nil {
		return nil, nil
	}
	var voided *int64
	existing, err := g.poster.GetJournal(ctx, *ref)
	switch {
	case errors.Is(err, accounting.ErrJournalNotFound):
		g.logger.Warn("netting journal missing on reversal",
			slog.Int64("closing_id", closingID),
			slog.Int64("entry_id", *ref))
	case err != nil:
		return nil, fmt.Errorf("netting: load journal %d: %w", *ref, err)
	case existing.Posted():
		if _, err := g.poster.VoidJournal(ctx, accounting.VoidInput{EntryID: existing.ID, Actor: actor, Reason: reason}); err != nil {
			return nil, fmt.Errorf("netting: void journal %d: %w", existing.ID, err)
		}
		id := existing.ID
		voided = &id
	}
	if err := g.links.LinkNetting(ctx, closingID, nil); err != nil {
		return nil, fmt.Errorf("netting: clear link: %w", err)
	}
	return voided, nil
}
