package netting

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/taxclose/internal/accounting"
	"github.com/odyssey-erp/taxclose/internal/shared"
)

type fakePoster struct {
	nextID  int64
	entries map[int64]accounting.JournalEntry
	posted  []accounting.PostingInput
	postErr error
}

func newFakePoster() *fakePoster {
	return &fakePoster{nextID: 100, entries: map[int64]accounting.JournalEntry{}}
}

func (p *fakePoster) PostJournal(ctx context.Context, in accounting.PostingInput) (accounting.JournalEntry, error) {
	if p.postErr != nil {
		return accounting.JournalEntry{}, p.postErr
	}
	if err := in.Validate(); err != nil {
		return accounting.JournalEntry{}, err
	}
	p.nextID++
	entry := accounting.JournalEntry{ID: p.nextID, Company: in.Company, SourceModule: in.SourceModule, SourceID: in.SourceID, Status: accounting.JournalStatusPosted}
	for _, l := range in.Lines {
		entry.Lines = append(entry.Lines, accounting.JournalLine{Account: l.Account, Debit: l.Debit, Credit: l.Credit})
	}
	p.entries[entry.ID] = entry
	p.posted = append(p.posted, in)
	return entry, nil
}

func (p *fakePoster) VoidJournal(ctx context.Context, in accounting.VoidInput) (accounting.JournalEntry, error) {
	entry, ok := p.entries[in.EntryID]
	if !ok {
		return accounting.JournalEntry{}, accounting.ErrJournalNotFound
	}
	entry.Status = accounting.JournalStatusVoid
	p.entries[in.EntryID] = entry
	return entry, nil
}

func (p *fakePoster) GetJournal(ctx context.Context, id int64) (accounting.JournalEntry, error) {
	entry, ok := p.entries[id]
	if !ok {
		return accounting.JournalEntry{}, accounting.ErrJournalNotFound
	}
	return entry, nil
}

type fakeLinks map[int64]*int64

func (l fakeLinks) NettingRef(ctx context.Context, closingID int64) (*int64, error) {
	return l[closingID], nil
}

func (l fakeLinks) LinkNetting(ctx context.Context, closingID int64, entryID *int64) error {
	l[closingID] = entryID
	return nil
}

var manager = shared.Actor{ID: "u-tax", Roles: []string{shared.RoleTaxManager}}

func januaryRequest() Request {
	return Request{
		ClosingID:      1,
		Company:        "A",
		PeriodMonth:    1,
		PeriodYear:     2026,
		InputTotal:     decimal.NewFromInt(800000),
		OutputTotal:    decimal.NewFromInt(1200000),
		InputAccount:   "1150",
		OutputAccount:  "2310",
		PayableAccount: "2340",
		PostingDate:    time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC),
		Reference:      "TPC-A-2026-01",
		Actor:          manager,
	}
}

func TestCreateNettingTransactionJanuary(t *testing.T) {
	poster := newFakePoster()
	links := fakeLinks{}
	gen := NewGenerator(poster, links, nil)

	out, err := gen.CreateNettingTransaction(context.Background(), januaryRequest())
	require.NoError(t, err)
	require.True(t, out.Created)
	require.NotNil(t, links[1])
	require.Equal(t, out.EntryID, *links[1])

	lines := poster.entries[out.EntryID].Lines
	require.Len(t, lines, 3)
	require.Equal(t, "2310", lines[0].Account)
	require.True(t, lines[0].Debit.Equal(decimal.NewFromInt(1200000)))
	require.Equal(t, "1150", lines[1].Account)
	require.True(t, lines[1].Credit.Equal(decimal.NewFromInt(800000)))
	require.Equal(t, "2340", lines[2].Account)
	require.True(t, lines[2].Credit.Equal(decimal.NewFromInt(400000)))
	require.True(t, lines[2].Debit.IsZero())

	posted := poster.posted[0]
	require.Equal(t, accounting.SourceModuleTaxNetting, posted.SourceModule)
	require.Equal(t, SourceID(1), posted.SourceID)
	require.Equal(t, "TPC-A-2026-01", posted.VoucherNo)
}

func TestBuildLinesDirection(t *testing.T) {
	req := januaryRequest()
	req.InputTotal = decimal.NewFromInt(1500000)
	lines := BuildLines(req)
	require.True(t, lines[2].Debit.Equal(decimal.NewFromInt(300000)))
	require.True(t, lines[2].Credit.IsZero())

	req.InputTotal = req.OutputTotal
	lines = BuildLines(req)
	require.True(t, lines[2].Debit.IsZero())
	require.True(t, lines[2].Credit.IsZero())
}

func TestBuildLinesAlwaysBalance(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for i := 0; i < 500; i++ {
		req := januaryRequest()
		req.InputTotal = decimal.New(r.Int63n(1_000_000_000_00), -2)
		req.OutputTotal = decimal.New(r.Int63n(1_000_000_000_00), -2)
		lines := BuildLines(req)
		require.Len(t, lines, 3)

		debit, credit := decimal.Zero, decimal.Zero
		for _, l := range lines {
			require.False(t, l.Debit.IsNegative())
			require.False(t, l.Credit.IsNegative())
			debit = debit.Add(l.Debit)
			credit = credit.Add(l.Credit)
		}
		require.True(t, debit.Equal(credit), "input %s output %s", req.InputTotal, req.OutputTotal)

		net := req.OutputTotal.Sub(req.InputTotal)
		switch net.Sign() {
		case 1:
			require.True(t, lines[2].Credit.Equal(net))
		case -1:
			require.True(t, lines[2].Debit.Equal(net.Neg()))
		default:
			require.True(t, lines[2].Debit.IsZero() && lines[2].Credit.IsZero())
		}
	}
}

func TestCreateNettingTransactionMissingAccounts(t *testing.T) {
	req := januaryRequest()
	req.InputAccount = ""
	req.PayableAccount = " "

	_, err := NewGenerator(newFakePoster(), fakeLinks{}, nil).CreateNettingTransaction(context.Background(), req)

	var missing *MissingAccountsError
	require.ErrorAs(t, err, &missing)
	require.Equal(t, []string{"input tax account", "netting payable account"}, missing.Accounts)
	require.Contains(t, err.Error(), "input tax account")
}

func TestCreateNettingTransactionRejectsNegativeTotals(t *testing.T) {
	req := januaryRequest()
	req.OutputTotal = decimal.NewFromInt(-1)

	_, err := NewGenerator(newFakePoster(), fakeLinks{}, nil).CreateNettingTransaction(context.Background(), req)
	require.ErrorIs(t, err, ErrNegativeTotals)
}

func TestCreateNettingTransactionIsIdempotent(t *testing.T) {
	poster := newFakePoster()
	links := fakeLinks{}
	gen := NewGenerator(poster, links, nil)

	first, err := gen.CreateNettingTransaction(context.Background(), januaryRequest())
	require.NoError(t, err)
	second, err := gen.CreateNettingTransaction(context.Background(), januaryRequest())
	require.NoError(t, err)

	require.False(t, second.Created)
	require.Equal(t, first.EntryID, second.EntryID)
	require.Len(t, poster.posted, 1)
}

func TestCreateNettingTransactionForceReplaces(t *testing.T) {
	poster := newFakePoster()
	links := fakeLinks{}
	gen := NewGenerator(poster, links, nil)

	first, err := gen.CreateNettingTransaction(context.Background(), januaryRequest())
	require.NoError(t, err)

	req := januaryRequest()
	req.Force = true
	req.InputTotal = decimal.NewFromInt(900000)
	second, err := gen.CreateNettingTransaction(context.Background(), req)
	require.NoError(t, err)

	require.True(t, second.Created)
	require.NotNil(t, second.Replaced)
	require.Equal(t, first.EntryID, *second.Replaced)
	require.Equal(t, accounting.JournalStatusVoid, poster.entries[first.EntryID].Status)
	require.Equal(t, second.EntryID, *links[1])
}

func TestCreateNettingTransactionRelinksMissingJournal(t *testing.T) {
	poster := newFakePoster()
	stale := int64(42)
	links := fakeLinks{1: &stale}

	out, err := NewGenerator(poster, links, nil).CreateNettingTransaction(context.Background(), januaryRequest())
	require.NoError(t, err)
	require.True(t, out.Created)
	require.Nil(t, out.Replaced)
	require.Equal(t, out.EntryID, *links[1])
}

func TestCreateNettingTransactionPostFailureKeepsLink(t *testing.T) {
	poster := newFakePoster()
	poster.postErr = errors.New("ledger offline")
	links := fakeLinks{}

	_, err := NewGenerator(poster, links, nil).CreateNettingTransaction(context.Background(), januaryRequest())
	require.Error(t, err)
	require.Nil(t, links[1])
}

func TestReverse(t *testing.T) {
	poster := newFakePoster()
	links := fakeLinks{}
	gen := NewGenerator(poster, links, nil)
	out, err := gen.CreateNettingTransaction(context.Background(), januaryRequest())
	require.NoError(t, err)

	voided, err := gen.Reverse(context.Background(), 1, manager, "closing cancelled")
	require.NoError(t, err)
	require.NotNil(t, voided)
	require.Equal(t, out.EntryID, *voided)
	require.Equal(t, accounting.JournalStatusVoid, poster.entries[out.EntryID].Status)
	require.Nil(t, links[1])

	stale := int64(77)
	links[2] = &stale
	voided, err = gen.Reverse(context.Background(), 2, manager, "closing cancelled")
	require.NoError(t, err)
	require.Nil(t, voided)
	require.Nil(t, links[2])

	voided, err = gen.Reverse(context.Background(), 3, manager, "closing cancelled")
	require.NoError(t, err)
	require.Nil(t, voided)
}
