package source

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockReader(t *testing.T) (*PQReader, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPQReaderFromDB(db), mock
}

func TestPQReaderFetchScans(t *testing.T) {
	r, mock := newMockReader(t)

	rows := sqlmock.NewRows([]string{"id", "provided_values", "scan_files", "section_name"}).
		AddRow(int64(2), []byte(`{"_raw_data":{"store_planogram":"P-9"}}`), []byte(`[{"file_id":21,"type":"jpg"}]`), "Frozen").
		AddRow(int64(1), []byte(`{"a":1}`), []byte(`[]`), "")
	mock.ExpectQuery(`SELECT DISTINCT ON \(s\.id\) s\.id.*s\.id = ANY\(\$1\)`).
		WithArgs("{1,2,3}").
		WillReturnRows(rows)

	res, err := r.FetchScans(context.Background(), []int64{1, 2, 3})
	require.NoError(t, err)
	require.Len(t, res.Records, 2)
	assert.Equal(t, int64(1), res.Records[0].SourceID)
	assert.Equal(t, "P-9", res.Records[1].StorePlanogram)
	assert.Equal(t, "Frozen", res.Records[1].SectionName)
	assert.Contains(t, res.Problems, int64(3))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPQReaderFetchScansEmpty(t *testing.T) {
	r, mock := newMockReader(t)

	res, err := r.FetchScans(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, res.Records)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPQReaderQueryError(t *testing.T) {
	r, mock := newMockReader(t)
	mock.ExpectQuery(`SELECT`).WillReturnError(errors.New("connection reset"))

	_, err := r.FetchScans(context.Background(), []int64{1})
	assert.ErrorContains(t, err, "querying scans")
}

func TestPQReaderCountFiles(t *testing.T) {
	r, mock := newMockReader(t)
	mock.ExpectQuery(`SELECT s\.id, COUNT\(f\.id\).*ANY\(\$1\)`).
		WithArgs("{4,5}").
		WillReturnRows(sqlmock.NewRows([]string{"id", "count"}).AddRow(int64(4), 3))

	counts, err := r.CountFiles(context.Background(), []int64{4, 5})
	require.NoError(t, err)
	assert.Equal(t, map[int64]int{4: 3}, counts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPQReaderPing(t *testing.T) {
	r, mock := newMockReader(t)
	mock.ExpectPing().WillReturnError(errors.New("down"))

	assert.Error(t, r.Ping(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
