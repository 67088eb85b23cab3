package stage

import (
	"context"
	"io"

	"go.uber.org/zap"

	"github.com/tributary-data/tributary/pkg/errors"
	"github.com/tributary-data/tributary/pkg/format"
	"github.com/tributary-data/tributary/pkg/models"
	"github.com/tributary-data/tributary/pkg/objectstore"
)

// ObjectReader chains the staged objects of one table pass into a single
// row iterator. Objects are opened lazily in staged order and decoded a
// row group at a time, so the pass never materializes a whole table.
type ObjectReader struct {
	ctx     context.Context
	store   objectstore.Store
	objects []StagedObject

	idx     int
	handle  objectstore.Object
	reader  *format.Reader
	skipped int

	logger *zap.Logger
}

// NewObjectReader creates a reader over the staged objects in order. The
// context bounds the object-store reads for the lifetime of the iterator.
func NewObjectReader(ctx context.Context, store objectstore.Store, objects []StagedObject, lg *zap.Logger) *ObjectReader {
	if lg == nil {
		lg = zap.NewNop()
	}
	return &ObjectReader{
		ctx:     ctx,
		store:   store,
		objects: objects,
		idx:     -1,
		logger:  lg,
	}
}

// Next returns the next row across all staged objects, or io.EOF once
// every object is exhausted. A malformed object is fatal for the pass.
func (r *ObjectReader) Next() (models.Row, error) {
	for {
		if r.reader != nil {
			row, err := r.reader.Next()
			if err == nil {
				return row, nil
			}
			if err != io.EOF {
				return nil, err
			}
			r.closeCurrent()
		}

		r.idx++
		if r.idx >= len(r.objects) {
			return nil, io.EOF
		}

		if err := r.open(r.objects[r.idx]); err != nil {
			return nil, err
		}
	}
}

func (r *ObjectReader) open(obj StagedObject) error {
	handle, err := r.store.Open(r.ctx, obj.Ref)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStream, "failed to open staged object")
	}

	reader, err := format.NewReader(handle, handle.Size(), r.logger.With(zap.String("object", obj.Ref.Key)))
	if err != nil {
		handle.Close()
		return err
	}

	r.handle = handle
	r.reader = reader
	return nil
}

func (r *ObjectReader) closeCurrent() {
	if r.reader != nil {
		r.skipped += r.reader.SkippedGroups()
		r.reader.Close()
		r.reader = nil
	}
	if r.handle != nil {
		r.handle.Close()
		r.handle = nil
	}
}

// Position reports progress as (object index, row-group index). It is a
// metric, not a resume point.
func (r *ObjectReader) Position() (int, int) {
	group := 0
	if r.reader != nil {
		group = r.reader.RowGroup()
	}
	return r.idx, group
}

// SkippedGroups returns how many row groups were skipped as corrupt
// across all objects read so far
func (r *ObjectReader) SkippedGroups() int {
	n := r.skipped
	if r.reader != nil {
		n += r.reader.SkippedGroups()
	}
	return n
}

// Close releases the current object handle
func (r *ObjectReader) Close() error {
	r.closeCurrent()
	return nil
}
