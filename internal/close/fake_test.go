package close

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/taxclose/internal/accounting"
	"github.com/odyssey-erp/taxclose/internal/ledger"
	"github.com/odyssey-erp/taxclose/internal/periodlock"
	"github.com/odyssey-erp/taxclose/internal/register"
	"github.com/odyssey-erp/taxclose/internal/shared"
	"github.com/odyssey-erp/taxclose/internal/taxprofile"
)

type txKey struct{}

// memoryRepo mirrors the SQL repository, including the partial unique index
// and the docstatus guards. A failed WithTx restores the previous rows.
type memoryRepo struct {
	mu     sync.Mutex
	nextID int64
	rows   map[int64]Closing
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{nextID: 1, rows: map[int64]Closing{}}
}

func (m *memoryRepo) WithTx(ctx context.Context, fn func(context.Context) error) error {
	if ctx.Value(txKey{}) != nil {
		return fn(ctx)
	}
	m.mu.Lock()
	saved := make(map[int64]Closing, len(m.rows))
	for id, c := range m.rows {
		saved[id] = c
	}
	m.mu.Unlock()
	if err := fn(context.WithValue(ctx, txKey{}, true)); err != nil {
		m.mu.Lock()
		m.rows = saved
		m.mu.Unlock()
		return err
	}
	return nil
}

func active(c Closing) bool {
	return c.DocStatus != DocReversed && c.Status != StatusCancelled
}

func (m *memoryRepo) Insert(ctx context.Context, c Closing) (Closing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.rows {
		if active(existing) && existing.Company == c.Company && existing.PeriodMonth == c.PeriodMonth && existing.PeriodYear == c.PeriodYear {
			return Closing{}, ErrDuplicatePeriod
		}
	}
	c.ID = m.nextID
	m.nextID++
	c.Totals = ZeroTotals()
	c.CreatedAt = time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	c.UpdatedAt = c.CreatedAt
	m.rows[c.ID] = c
	return c, nil
}

func (m *memoryRepo) FindActive(ctx context.Context, company string, month, year int, excludeID int64) (*Closing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.ids() {
		c := m.rows[id]
		if id != excludeID && active(c) && c.Company == company && c.PeriodMonth == month && c.PeriodYear == year {
			return &c, nil
		}
	}
	return nil, nil
}

func (m *memoryRepo) ids() []int64 {
	ids := make([]int64, 0, len(m.rows))
	for id := range m.rows {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (m *memoryRepo) Get(ctx context.Context, id int64) (Closing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.rows[id]
	if !ok {
		return Closing{}, ErrClosingNotFound
	}
	return c, nil
}

func (m *memoryRepo) GetForUpdate(ctx context.Context, id int64) (Closing, error) {
	return m.Get(ctx, id)
}

func (m *memoryRepo) List(ctx context.Context, f ListFilter) ([]Closing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Closing
	for _, id := range m.ids() {
		c := m.rows[id]
		if f.Company != "" && c.Company != f.Company {
			continue
		}
		if f.Year != 0 && c.PeriodYear != f.Year {
			continue
		}
		if f.Status != "" && c.Status != f.Status {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (m *memoryRepo) ListOpenIDs(ctx context.Context) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []int64
	for _, id := range m.ids() {
		if c := m.rows[id]; c.DocStatus == DocOpen && c.Status != StatusCancelled {
			out = append(out, id)
		}
	}
	return out, nil
}

func (m *memoryRepo) UpdatePeriod(ctx context.Context, c Closing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.rows[c.ID]
	if !ok || current.DocStatus != DocOpen {
		return ErrClosingFinalized
	}
	current.Name, current.PeriodMonth, current.PeriodYear = c.Name, c.PeriodMonth, c.PeriodYear
	current.DateFrom, current.DateTo = c.DateFrom, c.DateTo
	current.Snapshot, current.LastRefresh = nil, nil
	current.Totals = ZeroTotals()
	m.rows[c.ID] = current
	return nil
}

func (m *memoryRepo) UpdateStatus(ctx context.Context, id int64, status Status, doc DocStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.rows[id]
	if !ok {
		return ErrClosingNotFound
	}
	c.Status, c.DocStatus = status, doc
	m.rows[id] = c
	return nil
}

func (m *memoryRepo) SaveSnapshotIfOpen(ctx context.Context, id int64, snap register.Snapshot, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.rows[id]
	if !ok || c.DocStatus != DocOpen {
		return false, nil
	}
	stored := snap
	c.Snapshot = &stored
	c.LastRefresh = &at
	c.Totals = totalsFrom(&stored)
	m.rows[id] = c
	return true, nil
}

func (m *memoryRepo) MarkFinalized(ctx context.Context, id int64, totals Totals, actorID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.rows[id]
	if !ok || c.DocStatus != DocOpen {
		return ErrClosingFinalized
	}
	c.Status, c.DocStatus, c.Totals = StatusClosed, DocFinalized, totals
	if c.SubmittedBy == nil {
		c.SubmittedBy = &actorID
	}
	if c.SubmittedOn == nil {
		c.SubmittedOn = &at
	}
	m.rows[id] = c
	return nil
}

func (m *memoryRepo) NettingRef(ctx context.Context, closingID int64) (*int64, error) {
	c, err := m.Get(ctx, closingID)
	if err != nil {
		return nil, err
	}
	return c.NettingEntryID, nil
}

func (m *memoryRepo) LinkNetting(ctx context.Context, closingID int64, entryID *int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.rows[closingID]
	if !ok {
		return ErrClosingNotFound
	}
	if entryID != nil {
		id := *entryID
		entryID = &id
	}
	c.NettingEntryID = entryID
	m.rows[closingID] = c
	return nil
}

// FindLockedPeriod lets the real period lock guard read this repository.
func (m *memoryRepo) FindLockedPeriod(ctx context.Context, company string, date time.Time) (*periodlock.LockedPeriod, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.ids() {
		c := m.rows[id]
		if c.Company != company || c.Status != StatusClosed || c.DocStatus != DocFinalized {
			continue
		}
		if date.Before(c.DateFrom) || date.After(c.DateTo) {
			continue
		}
		return &periodlock.LockedPeriod{ClosingID: c.ID, Name: c.Name, DateFrom: c.DateFrom, DateTo: c.DateTo}, nil
	}
	return nil, nil
}

// fakePoster is an in-memory journal.
type fakePoster struct {
	mu      sync.Mutex
	nextID  int64
	entries map[int64]accounting.JournalEntry
	postErr error
}

func newFakePoster() *fakePoster {
	return &fakePoster{nextID: 100, entries: map[int64]accounting.JournalEntry{}}
}

func (p *fakePoster) PostJournal(ctx context.Context, in accounting.PostingInput) (accounting.JournalEntry, error) {
	if err := in.Validate(); err != nil {
		return accounting.JournalEntry{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.postErr != nil {
		return accounting.JournalEntry{}, p.postErr
	}
	entry := accounting.JournalEntry{
		ID:           p.nextID,
		Company:      in.Company,
		PostingDate:  in.PostingDate,
		VoucherType:  in.VoucherType,
		VoucherNo:    in.VoucherNo,
		SourceModule: in.SourceModule,
		SourceID:     in.SourceID,
		PostedBy:     in.Actor.ID,
		Status:       accounting.JournalStatusPosted,
	}
	for i, line := range in.Lines {
		entry.Lines = append(entry.Lines, accounting.JournalLine{ID: int64(i + 1), EntryID: entry.ID, Account: line.Account, Debit: line.Debit, Credit: line.Credit})
	}
	p.nextID++
	p.entries[entry.ID] = entry
	return entry, nil
}

func (p *fakePoster) VoidJournal(ctx context.Context, in accounting.VoidInput) (accounting.JournalEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.entries[in.EntryID]
	if !ok {
		return accounting.JournalEntry{}, accounting.ErrJournalNotFound
	}
	if !entry.Posted() {
		return accounting.JournalEntry{}, accounting.ErrInvalidStatus
	}
	entry.Status = accounting.JournalStatusVoid
	entry.VoidedBy = &in.Actor.ID
	p.entries[in.EntryID] = entry
	return entry, nil
}

func (p *fakePoster) GetJournal(ctx context.Context, id int64) (accounting.JournalEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.entries[id]
	if !ok {
		return accounting.JournalEntry{}, accounting.ErrJournalNotFound
	}
	return entry, nil
}

func (p *fakePoster) remove(id int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entries, id)
}

// stubBuilder returns a fixed snapshot for any request.
type stubBuilder struct {
	input, output decimal.Decimal
	fallback      string
	calls         int
}

func (b *stubBuilder) BuildSnapshot(ctx context.Context, req register.Request, actor shared.Actor) register.Snapshot {
	b.calls++
	snap := register.Snapshot{
		SchemaVersion:         register.SchemaVersion,
		Meta:                  register.Meta{DataSource: register.DataSourceRegister, GeneratedAt: fixedNow(), GeneratedBy: actor.ID},
		Company:               req.Company,
		DateFrom:              req.From.Format(shared.DateLayout),
		DateTo:                req.To.Format(shared.DateLayout),
		VerificationStatus:    ledger.VerificationVerified,
		InputInvoiceCount:     2,
		OutputInvoiceCount:    1,
		WithholdingEntryCount: 1,
		InputVATTotal:         b.input,
		OutputVATTotal:        b.output,
		VATNet:                b.output.Sub(b.input),
		VATNetDirection:       register.DirectionOf(b.output.Sub(b.input)),
		WithholdingTotal:      decimal.NewFromInt(75000),
		PB1Total:              decimal.NewFromInt(20000),
	}
	if b.fallback != "" {
		snap.Meta.DataSource = register.DataSourceFallbackEmpty
		snap.Meta.Error = b.fallback
		snap.InputVATTotal, snap.OutputVATTotal, snap.VATNet = decimal.Zero, decimal.Zero, decimal.Zero
		snap.WithholdingTotal, snap.PB1Total = decimal.Zero, decimal.Zero
		snap.VATNetDirection = register.DirectionZero
	}
	return snap
}

type stubValidator struct {
	report taxprofile.ValidationReport
	err    error
}

func (v stubValidator) ValidateConfiguration(ctx context.Context, company string) (taxprofile.ValidationReport, error) {
	if v.err != nil {
		return taxprofile.ValidationReport{}, v.err
	}
	report := v.report
	report.Company = company
	return report, nil
}

func validConfig() stubValidator {
	return stubValidator{report: taxprofile.ValidationReport{Valid: true, Message: "configuration valid"}}
}

type stubProfiles map[string]taxprofile.Profile

func (s stubProfiles) Get(ctx context.Context, company string) (taxprofile.Profile, error) {
	p, ok := s[company]
	if !ok {
		return taxprofile.Profile{}, taxprofile.ErrProfileNotFound
	}
	return p, nil
}

func profileA(autoNetting bool) taxprofile.Profile {
	return taxprofile.Profile{
		Company:               "A",
		InputTaxAccount:       "1150",
		OutputTaxAccount:      "2310",
		WithholdingAccounts:   []string{"2320"},
		PB1DefaultAccount:     "2330",
		NettingPayableAccount: "2340",
		AutoNetting:           autoNetting,
	}
}

// stubDocuments answers counts by document type: total submitted and, when
// the filter asks for Verified, the verified share.
type stubDocuments struct {
	total    map[ledger.DocumentType]int
	verified map[ledger.DocumentType]int
	docs     []ledger.SourceDocument
	err      error
}

func (d stubDocuments) CountSourceDocuments(ctx context.Context, f ledger.DocumentFilter) (int, error) {
	if d.err != nil {
		return 0, d.err
	}
	switch {
	case f.VerificationStatus == ledger.VerificationVerified:
		return d.verified[f.Type], nil
	case f.ExcludeVerificationStatus == ledger.VerificationVerified:
		return d.total[f.Type] - d.verified[f.Type], nil
	default:
		return d.total[f.Type], nil
	}
}

func (d stubDocuments) ListSourceDocuments(ctx context.Context, f ledger.DocumentFilter) ([]ledger.SourceDocument, error) {
	if d.err != nil {
		return nil, d.err
	}
	var out []ledger.SourceDocument
	for _, doc := range d.docs {
		if doc.Type == f.Type && (f.VerificationStatus == "" || doc.VerificationStatus == f.VerificationStatus) {
			out = append(out, doc)
		}
	}
	return out, nil
}

func allVerified() stubDocuments {
	return stubDocuments{
		total:    map[ledger.DocumentType]int{ledger.DocumentPurchaseInvoice: 2, ledger.DocumentSalesInvoice: 1},
		verified: map[ledger.DocumentType]int{ledger.DocumentPurchaseInvoice: 2, ledger.DocumentSalesInvoice: 1},
	}
}

type recordingAudit struct {
	mu   sync.Mutex
	logs []shared.AuditLog
}

func (a *recordingAudit) Record(ctx context.Context, log shared.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logs = append(a.logs, log)
	return nil
}

func (a *recordingAudit) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.logs))
	for _, l := range a.logs {
		out = append(out, l.Action)
	}
	return out
}

type recordingQueue struct {
	queued []int64
	err    error
}

func (q *recordingQueue) EnqueueSnapshotRefresh(ctx context.Context, closingID int64, actor shared.Actor) error {
	if q.err != nil {
		return q.err
	}
	q.queued = append(q.queued, closingID)
	return nil
}

var errPostingDown = errors.New("ledger unavailable")

func fixedNow() time.Time {
	return time.Date(2026, 2, 3, 10, 0, 0, 0, time.UTC)
}

func amount(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
