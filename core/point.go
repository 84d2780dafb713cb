package core

// Point is one ingested measurement: a tag set identifying the series, a set
// of typed fields, and a timestamp. Routing identity is (series id derived
// from the tag set, field id derived from each field name).
type Point struct {
	Tags      map[string]string
	Fields    map[string]FieldValue
	Timestamp int64
}

// Points is a batch of measurements handed in by the ingestion boundary.
type Points []Point

// Row is one resolved result entry handed back to query callers.
type Row struct {
	SeriesID  SeriesID
	FieldID   FieldID
	Timestamp int64
	Value     FieldValue
}
