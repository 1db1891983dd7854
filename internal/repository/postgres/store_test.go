package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/lead-pipeline/internal/domain"
)

func TestBotRegistryIsBot(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("bot@example.com", "", "10.0.0.9").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	r := NewBotRegistry(db)
	hit, err := r.IsBot(context.Background(), "bot@example.com", "", "10.0.0.9")
	require.NoError(t, err)
	assert.True(t, hit)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBotRegistryRecordHoneypotBotNewEntry(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT attempt_count`).
		WithArgs(string(domain.IdentifierEmail), "bot@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"attempt_count", "honeypot_fields", "associated_emails", "associated_phones", "associated_ips"}))
	mock.ExpectExec(`INSERT INTO bot_registry`).
		WithArgs(string(domain.IdentifierEmail), "bot@example.com", "honeypot",
			`["zipcode"]`, 1, string(domain.SeverityLow),
			`[]`, `["18005550100"]`, `["10.0.0.9"]`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	r := NewBotRegistry(db)
	err = r.RecordHoneypotBot(context.Background(), "bot@example.com", "18005550100", "10.0.0.9", []string{"zipcode"})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBotRegistryRecordHoneypotBotPromotesSeverity(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT attempt_count`).
		WithArgs(string(domain.IdentifierEmail), "bot@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"attempt_count", "honeypot_fields", "associated_emails", "associated_phones", "associated_ips"}).
			AddRow(9, `["zipcode"]`, `[]`, `[]`, `[]`))
	mock.ExpectExec(`INSERT INTO bot_registry`).
		WithArgs(string(domain.IdentifierEmail), "bot@example.com", "honeypot",
			`["zipcode"]`, 10, string(domain.SeverityHigh), `[]`, `[]`, `[]`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	r := NewBotRegistry(db)
	err = r.RecordHoneypotBot(context.Background(), "bot@example.com", "", "", nil)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEmailRegistryConsumeDailyBudget(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	r := NewEmailRegistry(db)

	mock.ExpectExec(`INSERT INTO validation_usage`).
		WithArgs(100).
		WillReturnResult(sqlmock.NewResult(0, 1))
	ok, err := r.ConsumeDailyBudget(context.Background(), 100)
	require.NoError(t, err)
	assert.True(t, ok)

	// Exhausted budget: the conditional upsert touches no row.
	mock.ExpectExec(`INSERT INTO validation_usage`).
		WithArgs(100).
		WillReturnResult(sqlmock.NewResult(0, 0))
	ok, err = r.ConsumeDailyBudget(context.Background(), 100)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEventStoreFinalizeIfDone(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`UPDATE events e`).
		WithArgs(int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	s := NewEventStore(db)
	require.NoError(t, s.FinalizeIfDone(context.Background(), 42))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEventStoreGetByIDNotFound(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT`).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	s := NewEventStore(db)
	_, err = s.GetByID(context.Background(), 7)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAnalyticsRecentFailureRate(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`FROM processing_queue`).
		WithArgs("300 seconds").
		WillReturnRows(sqlmock.NewRows([]string{"failed", "finished"}).AddRow(3, 20))

	s := NewAnalyticsStore(db)
	rate, err := s.RecentFailureRate(context.Background(), 5*time.Minute)
	require.NoError(t, err)
	assert.InDelta(t, 0.15, rate, 0.0001)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAPIKeyStoreAuthenticate(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	s := NewAPIKeyStore(db)

	mock.ExpectQuery(`UPDATE api_keys`).
		WithArgs(HashKey("secret-key")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).AddRow(int64(3), "ingest"))
	key, err := s.Authenticate(context.Background(), "secret-key")
	require.NoError(t, err)
	assert.Equal(t, "ingest", key.Name)

	mock.ExpectQuery(`UPDATE api_keys`).
		WithArgs(HashKey("bad-key")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}))
	_, err = s.Authenticate(context.Background(), "bad-key")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}
