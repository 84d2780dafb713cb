package catalog

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chronicledb/chronicle/core"
)

func newTestCatalog(t *testing.T) (*Catalog, string) {
	t.Helper()
	dir := t.TempDir()
	c, err := Open(Options{Dir: dir, Logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))})
	require.NoError(t, err)
	return c, dir
}

func reopen(t *testing.T, c *Catalog, dir string) *Catalog {
	t.Helper()
	require.NoError(t, c.Close())
	c2, err := Open(Options{Dir: dir})
	require.NoError(t, err)
	return c2
}

func TestCanonicalTagKey(t *testing.T) {
	k1, err := CanonicalTagKey(map[string]string{"host": "a", "region": "us"})
	require.NoError(t, err)
	k2, err := CanonicalTagKey(map[string]string{"region": "us", "host": "a"})
	require.NoError(t, err)
	assert.Equal(t, k1, k2, "tag order must not change the canonical key")

	k3, err := CanonicalTagKey(map[string]string{"host": "b", "region": "us"})
	require.NoError(t, err)
	assert.NotEqual(t, k1, k3)

	_, err = CanonicalTagKey(nil)
	assert.Error(t, err, "empty tag set has no identity")

	_, err = CanonicalTagKey(map[string]string{"bad\x00key": "v"})
	assert.Error(t, err)
}

func TestResolveSeriesIdempotent(t *testing.T) {
	c, _ := newTestCatalog(t)
	defer c.Close()

	tags := map[string]string{"host": "server-1", "region": "eu"}
	id1, err := c.ResolveSeries(tags)
	require.NoError(t, err)
	id2, err := c.ResolveSeries(tags)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	other, err := c.ResolveSeries(map[string]string{"host": "server-2", "region": "eu"})
	require.NoError(t, err)
	assert.NotEqual(t, id1, other)
	assert.Equal(t, 2, c.SeriesCount())
}

func TestResolveSeriesPersistsAcrossReopen(t *testing.T) {
	c, dir := newTestCatalog(t)

	tags := map[string]string{"host": "server-1"}
	id, err := c.ResolveSeries(tags)
	require.NoError(t, err)

	c = reopen(t, c, dir)
	defer c.Close()

	got, ok := c.SeriesID(tags)
	require.True(t, ok, "series mapping must survive reopen")
	assert.Equal(t, id, got)

	back, ok := c.SeriesTags(id)
	require.True(t, ok)
	assert.Equal(t, tags, back)
}

func TestResolveFieldSchemaConflict(t *testing.T) {
	c, dir := newTestCatalog(t)

	id, err := c.ResolveField("temperature", core.FieldTypeFloat)
	require.NoError(t, err)

	// Same type resolves to the same id.
	again, err := c.ResolveField("temperature", core.FieldTypeFloat)
	require.NoError(t, err)
	assert.Equal(t, id, again)

	// A different type is a schema conflict and must not disturb the stored type.
	_, err = c.ResolveField("temperature", core.FieldTypeInteger)
	require.Error(t, err)
	var conflict *core.SchemaConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, "temperature", conflict.Field)
	assert.Equal(t, core.FieldTypeFloat, conflict.Have)
	assert.Equal(t, core.FieldTypeInteger, conflict.Want)

	c = reopen(t, c, dir)
	defer c.Close()

	gotID, gotType, ok := c.FieldByName("temperature")
	require.True(t, ok)
	assert.Equal(t, id, gotID)
	assert.Equal(t, core.FieldTypeFloat, gotType)

	_, err = c.ResolveField("temperature", core.FieldTypeInteger)
	assert.Error(t, err, "conflict must persist across reopen")
}

func TestSeriesByTag(t *testing.T) {
	c, _ := newTestCatalog(t)
	defer c.Close()

	a, err := c.ResolveSeries(map[string]string{"host": "a", "region": "eu"})
	require.NoError(t, err)
	b, err := c.ResolveSeries(map[string]string{"host": "b", "region": "eu"})
	require.NoError(t, err)
	_, err = c.ResolveSeries(map[string]string{"host": "c", "region": "us"})
	require.NoError(t, err)

	eu := c.SeriesByTag("region", "eu")
	assert.Equal(t, uint64(2), eu.GetCardinality())
	assert.True(t, eu.Contains(uint64(a)))
	assert.True(t, eu.Contains(uint64(b)))

	none := c.SeriesByTag("region", "ap")
	assert.True(t, none.IsEmpty())
}

func TestCatalogTruncatesTornSeriesRecord(t *testing.T) {
	c, dir := newTestCatalog(t)

	tags := map[string]string{"host": "survivor"}
	id, err := c.ResolveSeries(tags)
	require.NoError(t, err)
	require.NoError(t, c.Close())

	// Chop bytes off the tail to simulate a crash mid-append.
	path := filepath.Join(dir, seriesLogName)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data[:len(data)-3], 0644))

	c2, err := Open(Options{Dir: dir})
	require.NoError(t, err, "a torn tail is recoverable, not fatal")
	defer c2.Close()

	// The torn record is gone; a fresh resolve re-derives the same id.
	_, ok := c2.SeriesID(tags)
	assert.False(t, ok)
	again, err := c2.ResolveSeries(tags)
	require.NoError(t, err)
	assert.Equal(t, id, again, "ids are derived from the canonical key, so re-creation is stable")
}

func TestCatalogRejectsWrongMagic(t *testing.T) {
	c, dir := newTestCatalog(t)
	require.NoError(t, c.Close())

	path := filepath.Join(dir, seriesLogName)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[0] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0644))

	_, err = Open(Options{Dir: dir})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrCorrupted)
}
