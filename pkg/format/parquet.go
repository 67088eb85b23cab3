// Package format implements the columnar staging format. Staged objects
// are Parquet files; the writer is used by client-side stagers, and the
// reader streams rows back out one row group at a time.
package format

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/file"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
	"go.uber.org/zap"

	"github.com/tributary-data/tributary/pkg/catalog"
	"github.com/tributary-data/tributary/pkg/errors"
	"github.com/tributary-data/tributary/pkg/models"
)

const writerBatchSize = 1024

// Writer writes rows to a single Parquet object.
type Writer struct {
	schema      *arrow.Schema
	fileWriter  *pqarrow.FileWriter
	builder     *array.RecordBuilder
	pendingRows int
	rowsWritten int64
}

// NewWriter creates a Parquet writer for the given column set.
func NewWriter(w io.Writer, columns []catalog.Column) (*Writer, error) {
	schema, err := arrowSchema(columns)
	if err != nil {
		return nil, err
	}

	alloc := memory.NewGoAllocator()

	props := parquet.NewWriterProperties(
		parquet.WithCompression(compress.Codecs.Snappy),
		parquet.WithDictionaryDefault(true),
	)
	arrowProps := pqarrow.NewArrowWriterProperties(pqarrow.WithAllocator(alloc))

	fw, err := pqarrow.NewFileWriter(schema, w, props, arrowProps)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to create parquet writer")
	}

	return &Writer{
		schema:     schema,
		fileWriter: fw,
		builder:    array.NewRecordBuilder(alloc, schema),
	}, nil
}

// Write appends one row to the object
func (w *Writer) Write(row models.Row) error {
	for i, field := range w.schema.Fields() {
		if err := appendValue(w.builder.Field(i), row[field.Name], field.Type); err != nil {
			return errors.Wrap(err, errors.ErrorTypeData, fmt.Sprintf("failed to append value for column %s", field.Name))
		}
	}

	w.pendingRows++
	w.rowsWritten++

	if w.pendingRows >= writerBatchSize {
		return w.flush()
	}
	return nil
}

// Rows returns the number of rows written so far
func (w *Writer) Rows() int64 {
	return w.rowsWritten
}

// Close flushes pending rows and finalizes the Parquet footer
func (w *Writer) Close() error {
	if err := w.flush(); err != nil {
		return err
	}
	if err := w.fileWriter.Close(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeData, "failed to close parquet writer")
	}
	return nil
}

func (w *Writer) flush() error {
	if w.pendingRows == 0 {
		return nil
	}

	record := w.builder.NewRecord()
	defer record.Release()

	if err := w.fileWriter.WriteBuffered(record); err != nil {
		return errors.Wrap(err, errors.ErrorTypeData, "failed to write record batch")
	}

	w.pendingRows = 0
	return nil
}

// Reader streams rows out of one Parquet object, decoding a single row
// group at a time. A row group that fails to decode is skipped and
// counted; a file whose footer or schema cannot be read fails the
// constructor outright.
type Reader struct {
	fileReader  *file.Reader
	arrowReader *pqarrow.FileReader

	recordReader  pqarrow.RecordReader
	currentBatch  arrow.Record
	currentRow    int
	rowGroup      int
	numRowGroups  int
	skippedGroups int

	logger *zap.Logger
}

// NewReader opens a Parquet object. The source must provide random access
// over the full object; size is the object's byte length.
func NewReader(src io.ReaderAt, size int64, lg *zap.Logger) (*Reader, error) {
	fr, err := file.NewParquetReader(io.NewSectionReader(src, 0, size))
	if err != nil {
		// No readable footer means the whole object is unusable.
		return nil, errors.Wrap(err, errors.ErrorTypeStream, "malformed parquet object")
	}

	ar, err := pqarrow.NewFileReader(fr, pqarrow.ArrowReadProperties{}, memory.NewGoAllocator())
	if err != nil {
		fr.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeStream, "failed to create arrow reader")
	}

	if lg == nil {
		lg = zap.NewNop()
	}

	return &Reader{
		fileReader:   fr,
		arrowReader:  ar,
		rowGroup:     -1,
		numRowGroups: fr.NumRowGroups(),
		logger:       lg,
	}, nil
}

// Next returns the next row, or io.EOF when the object is exhausted.
func (r *Reader) Next() (models.Row, error) {
	for {
		if r.currentBatch != nil && r.currentRow < int(r.currentBatch.NumRows()) {
			row := r.decodeRow(r.currentRow)
			r.currentRow++
			return row, nil
		}

		if err := r.advance(); err != nil {
			return nil, err
		}
	}
}

// advance loads the next record batch, moving to the next row group when
// the current one is drained. Returns io.EOF when no groups remain.
func (r *Reader) advance() error {
	if r.currentBatch != nil {
		r.currentBatch.Release()
		r.currentBatch = nil
	}

	for {
		if r.recordReader != nil {
			if r.recordReader.Next() {
				r.currentBatch = r.recordReader.Record()
				r.currentBatch.Retain()
				r.currentRow = 0
				return nil
			}
			if err := r.recordReader.Err(); err != nil && err != io.EOF {
				// Decode failure confined to this row group: skip it.
				r.skippedGroups++
				r.logger.Warn("skipping corrupt row group",
					zap.Int("row_group", r.rowGroup),
					zap.Error(err))
			}
			r.recordReader.Release()
			r.recordReader = nil
		}

		r.rowGroup++
		if r.rowGroup >= r.numRowGroups {
			return io.EOF
		}

		rr, err := r.arrowReader.GetRecordReader(context.Background(), nil, []int{r.rowGroup})
		if err != nil {
			r.skippedGroups++
			r.logger.Warn("skipping unreadable row group",
				zap.Int("row_group", r.rowGroup),
				zap.Error(err))
			continue
		}
		r.recordReader = rr
	}
}

// RowGroup returns the index of the row group currently being decoded.
// It is a progress signal only; readers restart from the beginning of the
// object, never from a group index.
func (r *Reader) RowGroup() int {
	return r.rowGroup
}

// SkippedGroups returns how many row groups failed to decode
func (r *Reader) SkippedGroups() int {
	return r.skippedGroups
}

// Close releases the reader
func (r *Reader) Close() error {
	if r.currentBatch != nil {
		r.currentBatch.Release()
		r.currentBatch = nil
	}
	if r.recordReader != nil {
		r.recordReader.Release()
		r.recordReader = nil
	}
	return r.fileReader.Close()
}

func (r *Reader) decodeRow(rowIdx int) models.Row {
	row := make(models.Row, int(r.currentBatch.NumCols()))
	schema := r.currentBatch.Schema()

	for i := 0; i < int(r.currentBatch.NumCols()); i++ {
		row[schema.Field(i).Name] = decodeValue(r.currentBatch.Column(i), rowIdx)
	}

	return row
}

// arrowSchema converts catalog columns to an Arrow schema
func arrowSchema(columns []catalog.Column) (*arrow.Schema, error) {
	fields := make([]arrow.Field, 0, len(columns))
	for _, col := range columns {
		typ, err := arrowType(col.Type)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeData, fmt.Sprintf("failed to convert column %s", col.Name))
		}
		fields = append(fields, arrow.Field{
			Name:     col.Name,
			Type:     typ,
			Nullable: col.Nullable,
		})
	}
	return arrow.NewSchema(fields, nil), nil
}

func arrowType(t catalog.ColumnType) (arrow.DataType, error) {
	switch t {
	case catalog.ColumnTypeString, catalog.ColumnTypeJSON:
		return arrow.BinaryTypes.String, nil
	case catalog.ColumnTypeInt:
		return arrow.PrimitiveTypes.Int64, nil
	case catalog.ColumnTypeFloat:
		return arrow.PrimitiveTypes.Float64, nil
	case catalog.ColumnTypeBool:
		return arrow.FixedWidthTypes.Boolean, nil
	case catalog.ColumnTypeTimestamp:
		return arrow.FixedWidthTypes.Timestamp_us, nil
	case catalog.ColumnTypeDate:
		return arrow.FixedWidthTypes.Date32, nil
	case catalog.ColumnTypeBinary:
		return arrow.BinaryTypes.Binary, nil
	default:
		return nil, fmt.Errorf("unsupported column type: %s", t)
	}
}

func appendValue(builder array.Builder, value interface{}, dataType arrow.DataType) error {
	if value == nil {
		builder.AppendNull()
		return nil
	}

	switch b := builder.(type) {
	case *array.BooleanBuilder:
		if v, ok := value.(bool); ok {
			b.Append(v)
		} else {
			b.AppendNull()
		}

	case *array.Int64Builder:
		switch v := value.(type) {
		case int:
			b.Append(int64(v))
		case int32:
			b.Append(int64(v))
		case int64:
			b.Append(v)
		case float64:
			b.Append(int64(v))
		default:
			b.AppendNull()
		}

	case *array.Float64Builder:
		switch v := value.(type) {
		case float32:
			b.Append(float64(v))
		case float64:
			b.Append(v)
		case int64:
			b.Append(float64(v))
		default:
			b.AppendNull()
		}

	case *array.StringBuilder:
		if v, ok := value.(string); ok {
			b.Append(v)
		} else {
			b.Append(fmt.Sprintf("%v", value))
		}

	case *array.TimestampBuilder:
		switch v := value.(type) {
		case time.Time:
			b.Append(arrow.Timestamp(v.UnixMicro()))
		case string:
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				b.Append(arrow.Timestamp(t.UnixMicro()))
			} else {
				b.AppendNull()
			}
		default:
			b.AppendNull()
		}

	case *array.Date32Builder:
		switch v := value.(type) {
		case time.Time:
			b.Append(arrow.Date32FromTime(v))
		case string:
			if t, err := time.Parse("2006-01-02", v); err == nil {
				b.Append(arrow.Date32FromTime(t))
			} else {
				b.AppendNull()
			}
		default:
			b.AppendNull()
		}

	case *array.BinaryBuilder:
		switch v := value.(type) {
		case []byte:
			b.Append(v)
		case string:
			b.Append([]byte(v))
		default:
			b.AppendNull()
		}

	default:
		return fmt.Errorf("unsupported builder type: %T", builder)
	}

	return nil
}

func decodeValue(col arrow.Array, rowIdx int) interface{} {
	if col.IsNull(rowIdx) {
		return nil
	}

	switch c := col.(type) {
	case *array.Boolean:
		return c.Value(rowIdx)
	case *array.Int32:
		return int64(c.Value(rowIdx))
	case *array.Int64:
		return c.Value(rowIdx)
	case *array.Float32:
		return float64(c.Value(rowIdx))
	case *array.Float64:
		return c.Value(rowIdx)
	case *array.String:
		return c.Value(rowIdx)
	case *array.Binary:
		return c.Value(rowIdx)
	case *array.Timestamp:
		typ := c.DataType().(*arrow.TimestampType)
		return c.Value(rowIdx).ToTime(typ.Unit).UTC()
	case *array.Date32:
		return c.Value(rowIdx).ToTime().UTC()
	default:
		return nil
	}
}
