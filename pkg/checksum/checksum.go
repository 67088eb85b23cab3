// Package checksum computes canonical row digests and classifies rows
// against the previously recorded checksum index. The digest is stable
// across physical representations: logically equal values hash
// identically regardless of how the staging format surfaced them.
package checksum

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/tributary-data/tributary/pkg/catalog"
	"github.com/tributary-data/tributary/pkg/models"
)

// Digest is the hex-encoded checksum of a row's non-key columns
type Digest string

// Index maps a canonical primary key to the last-seen digest of its row.
// It is persisted per table and is the basis for change and soft-delete
// detection.
type Index map[string]Digest

// Clone returns a copy of the index
func (ix Index) Clone() Index {
	out := make(Index, len(ix))
	for k, v := range ix {
		out[k] = v
	}
	return out
}

const (
	fieldSep = '\x1e'
	valueSep = '\x1f'
	nullByte = '\x00'
)

// Hasher computes canonical digests for one table's rows
type Hasher struct {
	// nonKey holds the checksummed columns sorted by name for stable
	// ordering regardless of catalog ordinal changes
	nonKey []catalog.Column
	key    []catalog.Column
}

// NewHasher creates a hasher over the given column set. keyColumns may be
// empty for checksum-identity tables, in which case every column
// participates in the digest.
func NewHasher(columns []catalog.Column, keyColumns []string) *Hasher {
	keys := make(map[string]struct{}, len(keyColumns))
	for _, k := range keyColumns {
		keys[k] = struct{}{}
	}

	h := &Hasher{}
	for _, c := range columns {
		if _, ok := keys[c.Name]; ok {
			continue
		}
		h.nonKey = append(h.nonKey, c)
	}
	sort.Slice(h.nonKey, func(i, j int) bool { return h.nonKey[i].Name < h.nonKey[j].Name })

	// Preserve the declared key order so composite keys are stable.
	for _, k := range keyColumns {
		for _, c := range columns {
			if c.Name == k {
				h.key = append(h.key, c)
			}
		}
	}

	return h
}

// Sum computes the canonical digest over the row's non-key columns
func (h *Hasher) Sum(row models.Row) Digest {
	d := xxhash.New()
	for _, col := range h.nonKey {
		d.WriteString(col.Name)
		d.Write([]byte{valueSep})
		d.WriteString(canonicalValue(row[col.Name], col.Type))
		d.Write([]byte{fieldSep})
	}
	return Digest(strconv.FormatUint(d.Sum64(), 16))
}

// Key renders the row's canonical primary key. For keyless tables it
// returns "" and callers fall back to the digest itself as identity.
func (h *Hasher) Key(row models.Row) string {
	if len(h.key) == 0 {
		return ""
	}

	var sb strings.Builder
	for i, col := range h.key {
		if i > 0 {
			sb.WriteByte(fieldSep)
		}
		sb.WriteString(canonicalValue(row[col.Name], col.Type))
	}
	return sb.String()
}

// canonicalValue renders a value in its canonical textual form, so that
// logically equal values with different physical representations compare
// equal. Timestamps are normalized to UTC RFC3339Nano; epoch numbers are
// interpreted by magnitude (nanos, micros, millis, seconds).
func canonicalValue(v interface{}, t catalog.ColumnType) string {
	if v == nil {
		return string(nullByte)
	}

	switch t {
	case catalog.ColumnTypeTimestamp:
		if ts, ok := coerceTime(v); ok {
			return ts.UTC().Format(time.RFC3339Nano)
		}
	case catalog.ColumnTypeDate:
		if ts, ok := coerceTime(v); ok {
			return ts.UTC().Format("2006-01-02")
		}
	case catalog.ColumnTypeInt:
		switch n := v.(type) {
		case int:
			return strconv.FormatInt(int64(n), 10)
		case int32:
			return strconv.FormatInt(int64(n), 10)
		case int64:
			return strconv.FormatInt(n, 10)
		case float64:
			if n == float64(int64(n)) {
				return strconv.FormatInt(int64(n), 10)
			}
			return strconv.FormatFloat(n, 'g', -1, 64)
		case string:
			return strings.TrimSpace(n)
		}
	case catalog.ColumnTypeFloat:
		switch n := v.(type) {
		case float32:
			return strconv.FormatFloat(float64(n), 'g', -1, 64)
		case float64:
			return strconv.FormatFloat(n, 'g', -1, 64)
		case int64:
			return strconv.FormatFloat(float64(n), 'g', -1, 64)
		}
	case catalog.ColumnTypeBool:
		if b, ok := v.(bool); ok {
			return strconv.FormatBool(b)
		}
	case catalog.ColumnTypeBinary:
		if b, ok := v.([]byte); ok {
			return hex.EncodeToString(b)
		}
	}

	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// coerceTime converts the physical representations a staged object may
// carry for a temporal column into a time.Time.
func coerceTime(v interface{}) (time.Time, bool) {
	switch ts := v.(type) {
	case time.Time:
		return ts, true
	case string:
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			return t, true
		}
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			return t, true
		}
		if t, err := time.Parse("2006-01-02", ts); err == nil {
			return t, true
		}
	case int64:
		return epochToTime(ts), true
	case int:
		return epochToTime(int64(ts)), true
	case float64:
		return epochToTime(int64(ts)), true
	}
	return time.Time{}, false
}

// epochToTime guesses the epoch unit from magnitude. Values staged from
// different sources arrive as seconds, millis, micros or nanos; anything
// earlier than ~2970 in the next-smaller unit picks that unit.
func epochToTime(n int64) time.Time {
	abs := n
	if abs < 0 {
		abs = -abs
	}
	switch {
	case abs >= 1e17: // nanoseconds
		return time.Unix(0, n)
	case abs >= 1e14: // microseconds
		return time.UnixMicro(n)
	case abs >= 1e11: // milliseconds
		return time.UnixMilli(n)
	default: // seconds
		return time.Unix(n, 0)
	}
}
