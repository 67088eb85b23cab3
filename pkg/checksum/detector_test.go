package checksum

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tributary-data/tributary/pkg/catalog"
	"github.com/tributary-data/tributary/pkg/models"
)

func detectorColumns() []catalog.Column {
	return []catalog.Column{
		{Name: "id", Type: catalog.ColumnTypeInt},
		{Name: "name", Type: catalog.ColumnTypeString},
	}
}

func TestDetectorFirstPassClassifiesEverythingNew(t *testing.T) {
	d := NewDetector(detectorColumns(), []string{"id"}, nil, true)

	for i := int64(1); i <= 3; i++ {
		class, key, digest := d.Classify(models.Row{"id": i, "name": "row"})
		assert.Equal(t, New, class)
		assert.NotEmpty(t, key)
		assert.NotEmpty(t, digest)
	}
	assert.Equal(t, 3, d.SeenCount())
}

func TestDetectorSecondPassIsIdempotent(t *testing.T) {
	first := NewDetector(detectorColumns(), []string{"id"}, nil, true)
	rows := []models.Row{
		{"id": int64(1), "name": "alice"},
		{"id": int64(2), "name": "bob"},
	}
	for _, r := range rows {
		first.Classify(r)
	}

	second := NewDetector(detectorColumns(), []string{"id"}, first.UpdatedIndex(), true)
	for _, r := range rows {
		class, _, _ := second.Classify(r)
		assert.Equal(t, Unchanged, class)
	}
}

func TestDetectorDetectsChange(t *testing.T) {
	first := NewDetector(detectorColumns(), []string{"id"}, nil, true)
	first.Classify(models.Row{"id": int64(1), "name": "alice"})

	second := NewDetector(detectorColumns(), []string{"id"}, first.UpdatedIndex(), true)
	class, _, _ := second.Classify(models.Row{"id": int64(1), "name": "alicia"})
	assert.Equal(t, Changed, class)
}

func TestDetectorDeletions(t *testing.T) {
	first := NewDetector(detectorColumns(), []string{"id"}, nil, true)
	first.Classify(models.Row{"id": int64(1), "name": "alice"})
	first.Classify(models.Row{"id": int64(2), "name": "bob"})

	// Second full pass only sees row 2 plus a new row 3.
	second := NewDetector(detectorColumns(), []string{"id"}, first.UpdatedIndex(), true)
	second.Classify(models.Row{"id": int64(2), "name": "bob"})
	second.Classify(models.Row{"id": int64(3), "name": "carol"})

	deleted, err := second.Deletions()
	require.NoError(t, err)
	require.Len(t, deleted, 1)

	key, err := DecodeKey(deleted[0], []catalog.Column{{Name: "id", Type: catalog.ColumnTypeInt}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), key["id"])
}

func TestDetectorRefusesDeletionsOnIncrementalPass(t *testing.T) {
	d := NewDetector(detectorColumns(), []string{"id"}, Index{"1": "x"}, false)
	_, err := d.Deletions()
	assert.Error(t, err)
}

func TestDetectorRefusesDeletionsWithoutKey(t *testing.T) {
	d := NewDetector(detectorColumns(), nil, Index{}, true)
	_, err := d.Deletions()
	assert.Error(t, err)
}

func TestDetectorFullPassReplacesIndex(t *testing.T) {
	prior := Index{"stale": "digest"}
	d := NewDetector(detectorColumns(), []string{"id"}, prior, true)
	d.Classify(models.Row{"id": int64(1), "name": "alice"})

	ix := d.UpdatedIndex()
	assert.Len(t, ix, 1)
	assert.NotContains(t, ix, "stale")
}

func TestDetectorIncrementalPassMergesIndex(t *testing.T) {
	first := NewDetector(detectorColumns(), []string{"id"}, nil, true)
	_, keep, _ := first.Classify(models.Row{"id": int64(1), "name": "alice"})

	second := NewDetector(detectorColumns(), []string{"id"}, first.UpdatedIndex(), false)
	second.Classify(models.Row{"id": int64(2), "name": "bob"})

	ix := second.UpdatedIndex()
	assert.Len(t, ix, 2)
	assert.Contains(t, ix, keep)
}

func TestDetectorKeylessUsesDigestIdentity(t *testing.T) {
	first := NewDetector(detectorColumns(), nil, nil, true)
	first.Classify(models.Row{"id": int64(1), "name": "alice"})

	second := NewDetector(detectorColumns(), nil, first.UpdatedIndex(), true)
	class, _, _ := second.Classify(models.Row{"id": int64(1), "name": "alice"})
	assert.Equal(t, Unchanged, class)

	class, _, _ = second.Classify(models.Row{"id": int64(1), "name": "changed"})
	assert.Equal(t, New, class)
}
