package checksum

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tributary-data/tributary/pkg/catalog"
	"github.com/tributary-data/tributary/pkg/models"
)

// Canonical renders a value in its canonical textual form. Watermarks are
// persisted and compared in this form, so the stager and the worker share
// one representation with the row digests.
func Canonical(v interface{}, t catalog.ColumnType) string {
	if v == nil {
		return ""
	}
	return canonicalValue(v, t)
}

// CompareCanonical compares two canonical values of the given column
// type, returning -1, 0 or 1. An empty value sorts before everything: an
// unset watermark never wins against a real one.
func CompareCanonical(a, b string, t catalog.ColumnType) int {
	if a == b {
		return 0
	}
	if a == "" {
		return -1
	}
	if b == "" {
		return 1
	}

	switch t {
	case catalog.ColumnTypeTimestamp, catalog.ColumnTypeDate:
		at, aok := coerceTime(a)
		bt, bok := coerceTime(b)
		if aok && bok {
			switch {
			case at.Before(bt):
				return -1
			case at.After(bt):
				return 1
			default:
				return 0
			}
		}
	case catalog.ColumnTypeInt:
		ai, aerr := strconv.ParseInt(a, 10, 64)
		bi, berr := strconv.ParseInt(b, 10, 64)
		if aerr == nil && berr == nil {
			switch {
			case ai < bi:
				return -1
			case ai > bi:
				return 1
			default:
				return 0
			}
		}
	case catalog.ColumnTypeFloat:
		af, aerr := strconv.ParseFloat(a, 64)
		bf, berr := strconv.ParseFloat(b, 64)
		if aerr == nil && berr == nil {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			default:
				return 0
			}
		}
	}

	return strings.Compare(a, b)
}

// DecodeKey converts an encoded primary key back into the typed key
// column values, so inferred deletions can be bound as sink parameters.
func DecodeKey(key string, keyColumns []catalog.Column) (models.Row, error) {
	parts := strings.Split(key, string(fieldSep))
	if len(parts) != len(keyColumns) {
		return nil, fmt.Errorf("encoded key has %d parts, expected %d", len(parts), len(keyColumns))
	}

	row := make(models.Row, len(keyColumns))
	for i, col := range keyColumns {
		if parts[i] == string(nullByte) {
			row[col.Name] = nil
			continue
		}
		v, err := ParseWatermark(parts[i], col.Type)
		if err != nil {
			return nil, fmt.Errorf("key column %s: %w", col.Name, err)
		}
		row[col.Name] = v
	}
	return row, nil
}

// ParseWatermark converts a canonical watermark back into the typed value
// a source query can bind as a parameter.
func ParseWatermark(w string, t catalog.ColumnType) (interface{}, error) {
	if w == "" {
		return nil, nil
	}

	switch t {
	case catalog.ColumnTypeTimestamp, catalog.ColumnTypeDate:
		if ts, ok := coerceTime(w); ok {
			return ts, nil
		}
		return nil, &time.ParseError{Layout: time.RFC3339Nano, Value: w}
	case catalog.ColumnTypeInt:
		return strconv.ParseInt(w, 10, 64)
	case catalog.ColumnTypeFloat:
		return strconv.ParseFloat(w, 64)
	default:
		return w, nil
	}
}
