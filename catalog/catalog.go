// Package catalog maps tag-set identity to series ids and field names to
// typed field ids. Both mappings are persisted to append-only logs so an
// acknowledged id can never be lost before the WAL records referencing it,
// and both are rebuilt in memory on open.
package catalog

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/RoaringBitmap/roaring/roaring64"
	"github.com/cespare/xxhash/v2"

	"github.com/chronicledb/chronicle/core"
)

const (
	seriesLogName = "series_mapping.log"
	fieldLogName  = "field_mapping.log"

	// Separators inside canonical tag-set keys. Tag keys and values may not
	// contain them.
	pairSeparator  = 0x01
	kvSeparator    = 0x00
)

type fieldInfo struct {
	id  core.FieldID
	typ core.FieldType
}

// Catalog is the id authority for the engine. It is safe for concurrent use.
type Catalog struct {
	mu     sync.RWMutex
	logger *slog.Logger

	seriesLog *mappingLog
	fieldLog  *mappingLog

	seriesByKey map[string]core.SeriesID
	keyBySeries map[core.SeriesID]string

	fieldsByName map[string]fieldInfo
	nameByField  map[core.FieldID]string
	typeByField  map[core.FieldID]core.FieldType

	// Inverted tag index: "key\x00value" -> set of series ids.
	tagIndex map[string]*roaring64.Bitmap
}

// Options configures a Catalog.
type Options struct {
	Dir    string
	Logger *slog.Logger
}

// Open loads (or creates) the catalog logs under opts.Dir and rebuilds the
// in-memory tables.
func Open(opts Options) (*Catalog, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	c := &Catalog{
		logger:       opts.Logger.With("component", "catalog"),
		seriesByKey:  make(map[string]core.SeriesID),
		keyBySeries:  make(map[core.SeriesID]string),
		fieldsByName: make(map[string]fieldInfo),
		nameByField:  make(map[core.FieldID]string),
		typeByField:  make(map[core.FieldID]core.FieldType),
		tagIndex:     make(map[string]*roaring64.Bitmap),
	}

	var err error
	c.seriesLog, err = openMappingLog(filepath.Join(opts.Dir, seriesLogName), core.SeriesLogMagic, c.logger, c.applySeriesRecord)
	if err != nil {
		return nil, err
	}
	c.fieldLog, err = openMappingLog(filepath.Join(opts.Dir, fieldLogName), core.FieldLogMagic, c.logger, c.applyFieldRecord)
	if err != nil {
		c.seriesLog.close()
		return nil, err
	}
	c.logger.Info("Catalog loaded", "series", len(c.seriesByKey), "fields", len(c.fieldsByName))
	return c, nil
}

// CanonicalTagKey builds the canonical byte key for a tag set: pairs sorted
// by tag key, each `key 0x00 value`, joined by 0x01. Equal tag sets always
// produce equal keys.
func CanonicalTagKey(tags map[string]string) (string, error) {
	if len(tags) == 0 {
		return "", fmt.Errorf("point has no tags")
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		v := tags[k]
		if strings.ContainsRune(k, pairSeparator) || strings.ContainsRune(k, kvSeparator) {
			return "", fmt.Errorf("tag key %q contains a reserved byte", k)
		}
		if strings.ContainsRune(v, pairSeparator) || strings.ContainsRune(v, kvSeparator) {
			return "", fmt.Errorf("tag value %q contains a reserved byte", v)
		}
		if i > 0 {
			b.WriteByte(pairSeparator)
		}
		b.WriteString(k)
		b.WriteByte(kvSeparator)
		b.WriteString(v)
	}
	return b.String(), nil
}

// ResolveSeries returns the series id for a tag set, creating and persisting
// the mapping on first observation. Ids are the xxhash of the canonical tag
// key, so allocation is deterministic and rebuildable from the log alone.
func (c *Catalog) ResolveSeries(tags map[string]string) (core.SeriesID, error) {
	key, err := CanonicalTagKey(tags)
	if err != nil {
		return 0, err
	}

	c.mu.RLock()
	id, ok := c.seriesByKey[key]
	c.mu.RUnlock()
	if ok {
		return id, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if id, ok := c.seriesByKey[key]; ok {
		return id, nil
	}

	id = core.SeriesID(xxhash.Sum64String(key))
	record := encodeSeriesRecord(id, key)
	// Persist before acknowledging: a crash after return must never leave
	// the WAL referencing an id the catalog has forgotten.
	if err := c.seriesLog.append(record); err != nil {
		return 0, fmt.Errorf("failed to persist series mapping: %w", err)
	}
	c.insertSeriesLocked(id, key)
	c.logger.Debug("Created series", "series_id", uint64(id))
	return id, nil
}

// ResolveField returns the field id for a name, creating it with the given
// type on first use. A mismatched type on an existing field returns a
// SchemaConflictError and leaves the stored type untouched.
func (c *Catalog) ResolveField(name string, t core.FieldType) (core.FieldID, error) {
	if !t.Valid() {
		return 0, fmt.Errorf("field %q: invalid type %d", name, t)
	}

	c.mu.RLock()
	info, ok := c.fieldsByName[name]
	c.mu.RUnlock()
	if ok {
		if info.typ != t {
			return 0, &core.SchemaConflictError{Field: name, Have: info.typ, Want: t}
		}
		return info.id, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if info, ok := c.fieldsByName[name]; ok {
		if info.typ != t {
			return 0, &core.SchemaConflictError{Field: name, Have: info.typ, Want: t}
		}
		return info.id, nil
	}

	id := core.FieldID(xxhash.Sum64String(name))
	if err := c.fieldLog.append(encodeFieldRecord(id, t, name)); err != nil {
		return 0, fmt.Errorf("failed to persist field mapping: %w", err)
	}
	c.fieldsByName[name] = fieldInfo{id: id, typ: t}
	c.nameByField[id] = name
	c.typeByField[id] = t
	return id, nil
}

// SeriesID looks up an existing series without creating it.
func (c *Catalog) SeriesID(tags map[string]string) (core.SeriesID, bool) {
	key, err := CanonicalTagKey(tags)
	if err != nil {
		return 0, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.seriesByKey[key]
	return id, ok
}

// FieldType returns the stored type of a field id.
func (c *Catalog) FieldType(id core.FieldID) (core.FieldType, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.typeByField[id]
	return t, ok
}

// FieldByName looks up an existing field without creating it.
func (c *Catalog) FieldByName(name string) (core.FieldID, core.FieldType, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	info, ok := c.fieldsByName[name]
	return info.id, info.typ, ok
}

// SeriesTags parses the stored canonical key of a series back into a tag map.
func (c *Catalog) SeriesTags(id core.SeriesID) (map[string]string, bool) {
	c.mu.RLock()
	key, ok := c.keyBySeries[id]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return parseCanonicalTagKey(key), true
}

// SeriesByTag returns the ids of every series carrying the given tag pair.
// The returned bitmap is a copy and safe to mutate.
func (c *Catalog) SeriesByTag(key, value string) *roaring64.Bitmap {
	c.mu.RLock()
	defer c.mu.RUnlock()
	bm, ok := c.tagIndex[tagIndexKey(key, value)]
	if !ok {
		return roaring64.New()
	}
	return bm.Clone()
}

// SeriesCount returns the number of known series.
func (c *Catalog) SeriesCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.seriesByKey)
}

// Close syncs and closes both mapping logs.
func (c *Catalog) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.seriesLog.close()
	if ferr := c.fieldLog.close(); ferr != nil && err == nil {
		err = ferr
	}
	return err
}

func (c *Catalog) insertSeriesLocked(id core.SeriesID, key string) {
	c.seriesByKey[key] = id
	c.keyBySeries[id] = key
	for k, v := range parseCanonicalTagKey(key) {
		ik := tagIndexKey(k, v)
		bm, ok := c.tagIndex[ik]
		if !ok {
			bm = roaring64.New()
			c.tagIndex[ik] = bm
		}
		bm.Add(uint64(id))
	}
}

func tagIndexKey(key, value string) string {
	return key + string(rune(kvSeparator)) + value
}

func parseCanonicalTagKey(key string) map[string]string {
	tags := make(map[string]string)
	for _, pair := range strings.Split(key, string(rune(pairSeparator))) {
		if k, v, ok := strings.Cut(pair, string(rune(kvSeparator))); ok {
			tags[k] = v
		}
	}
	return tags
}

// Series record: id(u64) | keyLen(u16) | key.
func encodeSeriesRecord(id core.SeriesID, key string) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint64(id))
	binary.Write(&buf, binary.BigEndian, uint16(len(key)))
	buf.WriteString(key)
	return buf.Bytes()
}

func (c *Catalog) applySeriesRecord(data []byte) error {
	if len(data) < 10 {
		return fmt.Errorf("series record too short: %d bytes: %w", len(data), core.ErrCorrupted)
	}
	id := core.SeriesID(binary.BigEndian.Uint64(data[0:8]))
	keyLen := int(binary.BigEndian.Uint16(data[8:10]))
	if len(data) < 10+keyLen {
		return fmt.Errorf("series record key truncated: %w", core.ErrCorrupted)
	}
	c.insertSeriesLocked(id, string(data[10:10+keyLen]))
	return nil
}

// Field record: id(u64) | type(i8) | nameLen(u16) | name.
func encodeFieldRecord(id core.FieldID, t core.FieldType, name string) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint64(id))
	buf.WriteByte(byte(t))
	binary.Write(&buf, binary.BigEndian, uint16(len(name)))
	buf.WriteString(name)
	return buf.Bytes()
}

func (c *Catalog) applyFieldRecord(data []byte) error {
	if len(data) < 11 {
		return fmt.Errorf("field record too short: %d bytes: %w", len(data), core.ErrCorrupted)
	}
	id := core.FieldID(binary.BigEndian.Uint64(data[0:8]))
	t := core.FieldType(int8(data[8]))
	nameLen := int(binary.BigEndian.Uint16(data[9:11]))
	if len(data) < 11+nameLen {
		return fmt.Errorf("field record name truncated: %w", core.ErrCorrupted)
	}
	name := string(data[11 : 11+nameLen])
	c.fieldsByName[name] = fieldInfo{id: id, typ: t}
	c.nameByField[id] = name
	c.typeByField[id] = t
	return nil
}
