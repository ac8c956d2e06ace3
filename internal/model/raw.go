package model

import "time"

// RawRow is one untyped row of a raw extract. A column missing from the map
// is absent; a column present with an empty value is blank.
type RawRow map[string]any

// RawTable is a source-tagged extract handed over by ingestion.
// It is identified by (SourceID, ExtractDate) and treated as read-only.
type RawTable struct {
	SourceID    string    `json:"source_id"`
	ExtractDate time.Time `json:"extract_date"`
	Name        string    `json:"name"`    // e.g. emissions_2020.csv
	Columns     []string  `json:"columns"` // header order as read
	Rows        []RawRow  `json:"rows"`
}

// Ref returns the stable table reference used in record refs.
func (t RawTable) Ref() string {
	if t.ExtractDate.IsZero() {
		return t.SourceID
	}
	return t.SourceID + "/" + t.ExtractDate.Format("2006-01-02")
}

// HasColumn reports whether the header declares the column.
func (t RawTable) HasColumn(name string) bool {
	for _, c := range t.Columns {
		if c == name {
			return true
		}
	}
	return false
}
