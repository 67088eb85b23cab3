package format

import (
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tributary-data/tributary/pkg/catalog"
	"github.com/tributary-data/tributary/pkg/models"
)

func parquetColumns() []catalog.Column {
	return []catalog.Column{
		{Name: "id", Type: catalog.ColumnTypeInt},
		{Name: "name", Type: catalog.ColumnTypeString, Nullable: true},
		{Name: "score", Type: catalog.ColumnTypeFloat},
		{Name: "active", Type: catalog.ColumnTypeBool},
		{Name: "updated_at", Type: catalog.ColumnTypeTimestamp},
	}
}

func TestWriterReaderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, parquetColumns())
	require.NoError(t, err)

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rows := []models.Row{
		{"id": int64(1), "name": "alice", "score": 9.5, "active": true, "updated_at": ts},
		{"id": int64(2), "name": nil, "score": 1.25, "active": false, "updated_at": ts.Add(time.Hour)},
	}
	for _, r := range rows {
		require.NoError(t, w.Write(r))
	}
	require.NoError(t, w.Close())
	assert.Equal(t, int64(2), w.Rows())

	r, err := NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()), zap.NewNop())
	require.NoError(t, err)
	defer r.Close()

	got := make([]models.Row, 0, 2)
	for {
		row, err := r.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, row)
	}
	require.Len(t, got, 2)

	assert.Equal(t, int64(1), got[0]["id"])
	assert.Equal(t, "alice", got[0]["name"])
	assert.Equal(t, 9.5, got[0]["score"])
	assert.Equal(t, true, got[0]["active"])
	readTS, ok := got[0]["updated_at"].(time.Time)
	require.True(t, ok)
	assert.True(t, ts.Equal(readTS))

	assert.Nil(t, got[1]["name"])
	assert.Equal(t, int64(2), got[1]["id"])
	assert.Equal(t, 0, r.SkippedGroups())
}

func TestWriterFlushesLargeBatches(t *testing.T) {
	var buf bytes.Buffer
	cols := []catalog.Column{{Name: "n", Type: catalog.ColumnTypeInt}}
	w, err := NewWriter(&buf, cols)
	require.NoError(t, err)

	const total = 3000
	for i := 0; i < total; i++ {
		require.NoError(t, w.Write(models.Row{"n": int64(i)}))
	}
	require.NoError(t, w.Close())

	r, err := NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()), zap.NewNop())
	require.NoError(t, err)
	defer r.Close()

	count := 0
	for {
		_, err := r.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		count++
	}
	assert.Equal(t, total, count)
}

func TestReaderRejectsMalformedObject(t *testing.T) {
	garbage := []byte("this is not a parquet file at all, not even close")
	_, err := NewReader(bytes.NewReader(garbage), int64(len(garbage)), zap.NewNop())
	assert.Error(t, err)
}

func TestWriterEmptyFile(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, parquetColumns())
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r, err := NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()), zap.NewNop())
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Next()
	assert.Equal(t, io.EOF, err)
}
