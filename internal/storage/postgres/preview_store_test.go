package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/stateofplay-edge/internal/edge"
)

func TestRecordPreviewInsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewPreviewStoreWithPool(mock, "crawler_previews")
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	rec := edge.PreviewRecord{
		ID:       "0190a1b2-uuid-v7",
		Slug:     "deal-breaker",
		Crawler:  "twitterbot",
		Outcome:  "serve_meta",
		Duration: 42 * time.Millisecond,
		ServedAt: now,
	}

	mock.ExpectExec("INSERT INTO crawler_previews").
		WithArgs(rec.ID, rec.Slug, rec.Crawler, rec.Outcome, rec.Reason, int64(42), rec.ServedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.RecordPreview(context.Background(), rec))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordPreviewRequiresID(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewPreviewStoreWithPool(mock, "")
	require.NoError(t, err)
	require.Error(t, store.RecordPreview(context.Background(), edge.PreviewRecord{Slug: "x"}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordPreviewWrapsExecErrors(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewPreviewStoreWithPool(mock, "")
	require.NoError(t, err)

	boom := errors.New("connection reset")
	mock.ExpectExec("INSERT INTO crawler_previews").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(boom)

	err = store.RecordPreview(context.Background(), edge.PreviewRecord{ID: "id"})
	require.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewPreviewStoreWithPool(mock, "previews_test")
	require.NoError(t, err)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS previews_test").
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))

	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecentPreviews(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewPreviewStoreWithPool(mock, "")
	require.NoError(t, err)

	at := time.Unix(1700000000, 0).UTC()
	rows := pgxmock.NewRows([]string{"id", "slug", "crawler", "outcome", "reason", "duration_ms", "served_at"}).
		AddRow("b", "deal-breaker", "slackbot", "pass_through", "timeout", int64(4000), at).
		AddRow("a", "deal-breaker", "twitterbot", "serve_meta", "", int64(12), at.Add(-time.Minute))
	mock.ExpectQuery("SELECT id, slug, crawler").WithArgs(10).WillReturnRows(rows)

	got, err := store.RecentPreviews(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "b", got[0].ID)
	require.Equal(t, 4*time.Second, got[0].Duration)
	require.Equal(t, "timeout", got[0].Reason)
	require.Equal(t, 12*time.Millisecond, got[1].Duration)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPing(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewPreviewStoreWithPool(mock, "")
	require.NoError(t, err)

	mock.ExpectPing()
	require.NoError(t, store.Ping(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewPreviewStoreValidation(t *testing.T) {
	t.Parallel()

	_, err := NewPreviewStoreWithPool(nil, "")
	require.Error(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	_, err = NewPreviewStoreWithPool(mock, "bad-name;drop")
	require.Error(t, err)

	_, err = NewPreviewStore(context.Background(), PreviewStoreConfig{})
	require.Error(t, err)
}
