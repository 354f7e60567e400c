package accounting

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestRepositoryPostsEntryAndLinesInOneTx(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	input := samplePosting(SourceModuleTaxNetting)
	postedAt := input.PostingDate

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO journal_entries").
		WithArgs("A", input.PostingDate, "JOURNAL", "JV-2026-01", SourceModuleTaxNetting, input.SourceID, "", "u-1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "posted_at"}).AddRow(int64(7), postedAt))
	mock.ExpectQuery("INSERT INTO journal_lines").
		WithArgs(int64(7), "2310", "200.00", "0.00", "").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(1)))
	mock.ExpectQuery("INSERT INTO journal_lines").
		WithArgs(int64(7), "1150", "0.00", "200.00", "").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(2)))
	mock.ExpectCommit()

	service := NewService(NewRepository(mock), nil, nil)
	entry, err := service.PostJournal(context.Background(), input)
	require.NoError(t, err)
	require.Equal(t, int64(7), entry.ID)
	require.Len(t, entry.Lines, 2)
	require.True(t, entry.Lines[0].Debit.Equal(decimal.NewFromInt(200)))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryMapsSourceConflict(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO journal_entries").
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "uq_journal_source_active"})
	mock.ExpectRollback()

	repo := NewRepository(mock)
	err = repo.WithTx(context.Background(), func(ctx context.Context, tx TxRepository) error {
		_, err := tx.InsertJournalEntry(ctx, PostingInput{Company: "A", SourceModule: SourceModuleTaxNetting, SourceID: uuid.New(), Actor: poster})
		return err
	})
	require.True(t, errors.Is(err, ErrSourceAlreadyLinked))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryVoidMissingJournal(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("UPDATE journal_entries SET status='VOID'").
		WithArgs(int64(5), "u-1", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	tx := &txRepository{conn: mock}
	err = tx.VoidJournal(context.Background(), 5, "u-1", samplePosting("MANUAL").PostingDate)
	require.ErrorIs(t, err, ErrJournalNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
