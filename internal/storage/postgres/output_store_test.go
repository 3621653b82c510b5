package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/birdmanoutman/liblib-transportation-analysis-sub000/internal/collector"
)

func TestRecordItemInsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewOutputStoreWithPool(mock, "")
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	item := collector.OutputItem{
		RunID:       "run-1",
		TaskType:    collector.TaskImageDownload,
		Key:         "model-7/cover.png",
		URI:         "gs://bucket/images/model-7/cover.png",
		CollectedAt: now,
	}
	mock.ExpectExec("INSERT INTO collected_items").
		WithArgs(item.RunID, "IMAGE_DOWNLOAD", item.Key, item.URI, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.RecordItem(context.Background(), item))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordItemRequiresKey(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewOutputStoreWithPool(mock, "items")
	require.NoError(t, err)
	require.Error(t, store.RecordItem(context.Background(), collector.OutputItem{RunID: "run-1"}))
}

func TestCountItems(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewOutputStoreWithPool(mock, "items")
	require.NoError(t, err)

	mock.ExpectQuery("SELECT COUNT\\(DISTINCT item_key\\) FROM items").
		WithArgs("run-1", "DETAIL_COLLECTION", pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(95)))

	n, err := store.CountItems(context.Background(), collector.OutputQuery{RunID: "run-1", TaskType: collector.TaskDetailCollection})
	require.NoError(t, err)
	require.EqualValues(t, 95, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDuplicateKeys(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewOutputStoreWithPool(mock, "items")
	require.NoError(t, err)

	mock.ExpectQuery("SELECT item_key FROM items").
		WithArgs("run-1", "", pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"item_key"}).AddRow("car-2").AddRow("car-9"))

	keys, err := store.DuplicateKeys(context.Background(), collector.OutputQuery{RunID: "run-1"})
	require.NoError(t, err)
	require.Equal(t, []string{"car-2", "car-9"}, keys)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewOutputStoreWithPool(mock, "items")
	require.NoError(t, err)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS items").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewOutputStoreWithPoolValidation(t *testing.T) {
	t.Parallel()

	_, err := NewOutputStoreWithPool(nil, "items")
	require.Error(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	_, err = NewOutputStoreWithPool(mock, "items; DROP TABLE x")
	require.Error(t, err)
}

func TestNewOutputStoreRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := NewOutputStore(context.Background(), OutputStoreConfig{})
	require.Error(t, err)
}
