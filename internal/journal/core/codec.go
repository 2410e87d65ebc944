package core

import (
	"encoding/json"
	"fmt"
	"slices"
)

// EncodeRecord serialises a record for row storage.
func EncodeRecord(rec Record) ([]byte, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode step %d: %w", rec.Index, err)
	}
	return data, nil
}

// DecodeRecord parses a stored record and checks it against the row index.
func DecodeRecord(index int, payload []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(payload, &rec); err != nil {
		return Record{}, fmt.Errorf("decode step %d: %w", index, err)
	}
	if rec.Index != index {
		return Record{}, fmt.Errorf("decode step %d: payload carries index %d", index, rec.Index)
	}
	return rec, nil
}

// SortRecords orders records by index.
func SortRecords(recs []Record) {
	slices.SortFunc(recs, func(a, b Record) int { return a.Index - b.Index })
}
