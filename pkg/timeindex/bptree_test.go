package timeindex

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertAndRangeAscending(t *testing.T) {
	tr := New(Config{Order: 4})
	for i := int64(0); i < 50; i++ {
		tr.Insert(i*10, fmt.Sprintf("ep-%d", i))
	}
	assert.Equal(t, 50, tr.Count())

	got := tr.Range(100, 200)
	want := []string{"ep-10", "ep-11", "ep-12", "ep-13", "ep-14", "ep-15", "ep-16", "ep-17", "ep-18", "ep-19", "ep-20"}
	assert.Equal(t, want, got)
}

func TestInsertSameTimestampMultiset(t *testing.T) {
	tr := New(Config{Order: 4})
	tr.Insert(100, "a")
	tr.Insert(100, "b")
	tr.Insert(100, "c")
	got := tr.Range(100, 100)
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestRemoveDropsOnlyThatEntry(t *testing.T) {
	tr := New(Config{Order: 4})
	tr.Insert(100, "a")
	tr.Insert(100, "b")
	assert.True(t, tr.Remove(100, "a"))
	assert.Equal(t, []string{"b"}, tr.Range(0, 1000))
	assert.False(t, tr.Remove(100, "a"))
	assert.False(t, tr.Remove(999, "z"))
}

func TestRangeAfterManyRemovesStillAscendingAndExact(t *testing.T) {
	tr := New(Config{Order: 4})
	for i := int64(0); i < 200; i++ {
		tr.Insert(i, fmt.Sprintf("ep-%d", i))
	}
	for i := int64(0); i < 200; i += 3 {
		require.True(t, tr.Remove(i, fmt.Sprintf("ep-%d", i)))
	}
	got := tr.Range(0, 199)
	for i := 1; i < len(got); i++ {
		var a, b int
		fmt.Sscanf(got[i-1], "ep-%d", &a)
		fmt.Sscanf(got[i], "ep-%d", &b)
		assert.True(t, a < b)
	}
	for i := int64(0); i < 200; i += 3 {
		assert.NotContains(t, got, fmt.Sprintf("ep-%d", i))
	}
}

func TestNearestOrdersByAbsoluteDelta(t *testing.T) {
	tr := New(Config{Order: 8})
	tr.Insert(100, "a")
	tr.Insert(200, "b")
	tr.Insert(290, "c")
	tr.Insert(310, "d")
	tr.Insert(500, "e")

	got := tr.Nearest(300, 3)
	assert.Equal(t, []string{"c", "d", "b"}, got)
}

func TestNearestTiesBreakByInsertionOrderNotTimestamp(t *testing.T) {
	tr := New(Config{Order: 8})
	// "later" is inserted first but sits at a larger timestamp than
	// "earlier": ascending-timestamp order would put "earlier" first,
	// insertion order puts "later" first. SPEC_FULL §8 requires the latter.
	tr.Insert(110, "later")
	tr.Insert(90, "earlier")

	got := tr.Nearest(100, 2)
	assert.Equal(t, []string{"later", "earlier"}, got)
}

func TestNearestTiesBreakByInsertionOrderAcrossThreeEquidistant(t *testing.T) {
	tr := New(Config{Order: 8})
	tr.Insert(95, "third")
	tr.Insert(105, "first")
	tr.Insert(100, "second")
	tr.Insert(200, "far")

	got := tr.Nearest(100, 3)
	assert.Equal(t, []string{"second", "third", "first"}, got)
}

func TestSplitAndRebalanceAcrossManyInsertsAndRemoves(t *testing.T) {
	tr := New(Config{Order: 4})
	for i := int64(0); i < 500; i++ {
		tr.Insert(i, fmt.Sprintf("ep-%d", i))
	}
	for i := int64(0); i < 500; i += 2 {
		require.True(t, tr.Remove(i, fmt.Sprintf("ep-%d", i)))
	}
	assert.Equal(t, 250, tr.Count())
	got := tr.Range(0, 499)
	assert.Len(t, got, 250)
}

func TestSaveLoadRoundTripPreservesRangeResults(t *testing.T) {
	tr := New(Config{Order: 4})
	for i := int64(0); i < 100; i++ {
		tr.Insert(i*7, fmt.Sprintf("ep-%d", i))
	}
	before := tr.Range(0, 700)

	path := filepath.Join(t.TempDir(), "time-index.json")
	require.NoError(t, tr.Save(path))

	loaded := New(Config{Order: 4})
	ok, err := loaded.Load(path)
	require.NoError(t, err)
	require.True(t, ok)

	after := loaded.Range(0, 700)
	assert.Equal(t, before, after)
	assert.Equal(t, tr.Count(), loaded.Count())
}

func TestSaveLoadRoundTripPreservesInsertionOrderTiebreak(t *testing.T) {
	tr := New(Config{Order: 8})
	tr.Insert(110, "later")
	tr.Insert(90, "earlier")

	path := filepath.Join(t.TempDir(), "time-index.json")
	require.NoError(t, tr.Save(path))

	loaded := New(Config{Order: 8})
	ok, err := loaded.Load(path)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, []string{"later", "earlier"}, loaded.Nearest(100, 2))

	// A fresh insert after Load must sequence strictly after everything
	// restored from the snapshot, not restart from zero.
	loaded.Insert(100, "newest")
	assert.Equal(t, []string{"newest", "later", "earlier"}, loaded.Nearest(100, 3))
}

func TestLoadMissingFileReturnsFalse(t *testing.T) {
	tr := New(Config{})
	ok, err := tr.Load(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	assert.False(t, ok)
}
