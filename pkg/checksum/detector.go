package checksum

import (
	"github.com/tributary-data/tributary/pkg/catalog"
	"github.com/tributary-data/tributary/pkg/errors"
	"github.com/tributary-data/tributary/pkg/models"
)

// Classification is the change-detection verdict for one row
type Classification int

const (
	// New means the primary key was not present in the index
	New Classification = iota
	// Changed means the key was present with a different digest
	Changed
	// Unchanged means the key was present with an equal digest; the
	// downstream write is skipped
	Unchanged
)

func (c Classification) String() string {
	switch c {
	case New:
		return "new"
	case Changed:
		return "changed"
	case Unchanged:
		return "unchanged"
	default:
		return "unknown"
	}
}

// Detector classifies rows against a table's checksum index and, on full
// passes, infers deletions from keys that were never observed.
type Detector struct {
	hasher   *Hasher
	prior    Index
	seen     Index
	fullPass bool
	keyless  bool
}

// NewDetector creates a detector for one table pass. prior is the index
// recorded by the previous run (nil on first sync). fullPass must be true
// when the pass covers the complete source snapshot; deletion inference
// is refused otherwise.
func NewDetector(columns []catalog.Column, keyColumns []string, prior Index, fullPass bool) *Detector {
	if prior == nil {
		prior = Index{}
	}
	return &Detector{
		hasher:   NewHasher(columns, keyColumns),
		prior:    prior,
		seen:     Index{},
		fullPass: fullPass,
		keyless:  len(keyColumns) == 0,
	}
}

// Classify computes the row's digest and compares it to the stored one.
// The returned key is the row's canonical primary key; for keyless tables
// the digest doubles as the identity.
func (d *Detector) Classify(row models.Row) (Classification, string, Digest) {
	digest := d.hasher.Sum(row)

	key := d.hasher.Key(row)
	if key == "" {
		key = string(digest)
	}

	d.seen[key] = digest

	stored, ok := d.prior[key]
	switch {
	case !ok:
		return New, key, digest
	case stored != digest:
		return Changed, key, digest
	default:
		return Unchanged, key, digest
	}
}

// Deletions returns the primary keys present in the prior index but not
// observed during this pass. Calling it on a watermark-scoped incremental
// pass is an error: rows outside the scanned range would be falsely
// reported as deleted.
func (d *Detector) Deletions() ([]string, error) {
	if !d.fullPass {
		return nil, errors.New(errors.ErrorTypeValidation, "deletion inference requires a complete pass over the source snapshot")
	}
	if d.keyless {
		return nil, errors.New(errors.ErrorTypeValidation, "deletion inference requires a primary key")
	}

	var deleted []string
	for key := range d.prior {
		if _, ok := d.seen[key]; !ok {
			deleted = append(deleted, key)
		}
	}
	return deleted, nil
}

// UpdatedIndex returns the checksum index to persist after the pass. A
// full pass replaces the index with exactly the observed keys; an
// incremental pass merges observations into the prior index.
func (d *Detector) UpdatedIndex() Index {
	if d.fullPass {
		return d.seen.Clone()
	}

	merged := d.prior.Clone()
	for k, v := range d.seen {
		merged[k] = v
	}
	return merged
}

// SeenCount returns how many distinct keys the pass observed
func (d *Detector) SeenCount() int {
	return len(d.seen)
}
