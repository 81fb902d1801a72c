// SPDX-License-Identifier: MPL-2.0

package core

import (
	"sort"
	"strings"
)

// Separator between "field=value" parts of a row signature. Chosen to be
// unlikely in real field values so signatures don't collide.
const signatureSeparator = "|#|"

// DiffField describes one column of the compared result sets. Rank carries
// the identity priority from visualization formatting when present; lower
// rank means higher priority.
type DiffField struct {
	Name string `json:"name"`
	Rank *int   `json:"rank,omitempty"`
}

type ChangedCell struct {
	Row   int    `json:"row"`
	Field string `json:"field"`
}

type DiffResult struct {
	ChangedCells         []ChangedCell `json:"changedCells"`
	NewRowIndices        []int         `json:"newRowIndices"`
	DeletedRowSignatures []string      `json:"deletedRowSignatures"`
}

// SelectKeyFields picks the fields that identify which logical entity a row
// represents. Fields with rank metadata win, sorted by rank ascending. With
// no ranked fields every non-numeric field is treated as a key, sampled from
// the first available row. Numbers are assumed to be the measured values
// that change between runs, names and categories identify the row.
func SelectKeyFields(current, previous []ResultRow, fields []DiffField) []string {
	var ranked []DiffField
	for _, f := range fields {
		if f.Rank != nil {
			ranked = append(ranked, f)
		}
	}
	if len(ranked) > 0 {
		sort.SliceStable(ranked, func(i, j int) bool {
			return *ranked[i].Rank < *ranked[j].Rank
		})
		names := make([]string, len(ranked))
		for i, f := range ranked {
			names[i] = f.Name
		}
		return names
	}

	var sample ResultRow
	if len(current) > 0 {
		sample = current[0]
	} else if len(previous) > 0 {
		sample = previous[0]
	} else {
		return nil
	}
	var names []string
	for _, f := range fields {
		if !sample[f.Name].IsNumeric() {
			names = append(names, f.Name)
		}
	}
	return names
}

// RowSignature builds the identity string for a row from its key fields.
// Rows with equal key-field values produce equal signatures no matter what
// the remaining fields contain.
func RowSignature(row ResultRow, keyFields []string) string {
	parts := make([]string, len(keyFields))
	for i, field := range keyFields {
		parts[i] = field + "=" + row[field].String()
	}
	return strings.Join(parts, signatureSeparator)
}

// Diff compares the current result set against the previous one and reports
// which cells changed, which rows are new and which disappeared. Rows are
// matched by key-field signature, so reordering between runs does not count
// as a change.
func Diff(current, previous []ResultRow, fields []DiffField) DiffResult {
	result := DiffResult{
		ChangedCells:         []ChangedCell{},
		NewRowIndices:        []int{},
		DeletedRowSignatures: []string{},
	}
	// A single column leaves no other fields to match rows on, so no diff.
	if len(fields) <= 1 {
		return result
	}

	keyFields := SelectKeyFields(current, previous, fields)
	hasKeys := len(keyFields) > 0

	newRows := map[int]bool{}
	if hasKeys {
		prevSignatures := map[string]bool{}
		for _, row := range previous {
			prevSignatures[RowSignature(row, keyFields)] = true
		}
		currSignatures := map[string]bool{}
		for i, row := range current {
			sig := RowSignature(row, keyFields)
			currSignatures[sig] = true
			if !prevSignatures[sig] {
				result.NewRowIndices = append(result.NewRowIndices, i)
				newRows[i] = true
			}
		}
		for _, row := range previous {
			sig := RowSignature(row, keyFields)
			if !currSignatures[sig] {
				result.DeletedRowSignatures = append(result.DeletedRowSignatures, sig)
			}
		}
	}

	if len(previous) == 0 {
		return result
	}

	isKey := map[string]bool{}
	for _, k := range keyFields {
		isKey[k] = true
	}

	for i, row := range current {
		if newRows[i] {
			continue
		}
		var cells []ChangedCell
		wholeRow := false
		for _, f := range fields {
			prevRow := matchRowExcluding(previous, row, fields, f.Name)
			if prevRow == nil {
				continue
			}
			if row[f.Name].Equal(prevRow[f.Name]) {
				continue
			}
			if hasKeys && isKey[f.Name] {
				// A key field changing means the row identity shifted, not
				// that this one value changed. Mark the whole row instead of
				// singling out the key cell.
				wholeRow = true
				break
			}
			cells = append(cells, ChangedCell{Row: i, Field: f.Name})
		}
		if wholeRow {
			cells = cells[:0]
			for _, f := range fields {
				cells = append(cells, ChangedCell{Row: i, Field: f.Name})
			}
		}
		result.ChangedCells = append(result.ChangedCells, cells...)
	}

	return result
}

// matchRowExcluding finds the first previous row whose fields all equal the
// current row's, ignoring only the probed field.
func matchRowExcluding(previous []ResultRow, row ResultRow, fields []DiffField, probe string) ResultRow {
	for _, prevRow := range previous {
		match := true
		for _, f := range fields {
			if f.Name == probe {
				continue
			}
			if !row[f.Name].Equal(prevRow[f.Name]) {
				match = false
				break
			}
		}
		if match {
			return prevRow
		}
	}
	return nil
}
