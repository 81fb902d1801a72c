// SPDX-License-Identifier: MPL-2.0

package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func hostCountFields() []DiffField {
	return []DiffField{{Name: "host"}, {Name: "count"}}
}

func hostCountRow(host string, count float64) ResultRow {
	return ResultRow{"host": StringField(host), "count": NumberField(count)}
}

func TestDiffIdenticalSetsIsEmpty(t *testing.T) {
	rows := []ResultRow{
		hostCountRow("web-1", 10),
		hostCountRow("web-2", 20),
	}
	other := []ResultRow{
		hostCountRow("web-1", 10),
		hostCountRow("web-2", 20),
	}

	for _, result := range []DiffResult{
		Diff(rows, other, hostCountFields()),
		Diff(other, rows, hostCountFields()),
	} {
		assert.Empty(t, result.ChangedCells)
		assert.Empty(t, result.NewRowIndices)
		assert.Empty(t, result.DeletedRowSignatures)
	}
}

func TestDiffIgnoresRowOrder(t *testing.T) {
	previous := []ResultRow{
		hostCountRow("web-1", 10),
		hostCountRow("web-2", 20),
		hostCountRow("web-3", 30),
	}
	current := []ResultRow{
		hostCountRow("web-3", 30),
		hostCountRow("web-1", 10),
		hostCountRow("web-2", 20),
	}

	result := Diff(current, previous, hostCountFields())
	assert.Empty(t, result.ChangedCells)
	assert.Empty(t, result.NewRowIndices)
	assert.Empty(t, result.DeletedRowSignatures)
}

func TestDiffReportsChangedCell(t *testing.T) {
	previous := []ResultRow{
		hostCountRow("web-1", 10),
		hostCountRow("web-2", 20),
	}
	current := []ResultRow{
		hostCountRow("web-1", 10),
		hostCountRow("web-2", 25),
	}

	result := Diff(current, previous, hostCountFields())
	assert.Equal(t, []ChangedCell{{Row: 1, Field: "count"}}, result.ChangedCells)
	assert.Empty(t, result.NewRowIndices)
	assert.Empty(t, result.DeletedRowSignatures)
}

func TestDiffNewAndDeletedRows(t *testing.T) {
	previous := []ResultRow{
		hostCountRow("web-1", 10),
		hostCountRow("web-2", 20),
	}
	current := []ResultRow{
		hostCountRow("web-1", 10),
		hostCountRow("web-9", 90),
	}

	result := Diff(current, previous, hostCountFields())
	assert.Equal(t, []int{1}, result.NewRowIndices)
	assert.Equal(t, []string{"host=web-2"}, result.DeletedRowSignatures)
	assert.Empty(t, result.ChangedCells)
}

// A changed key field means the row identity shifted, so the whole row is
// reported instead of the single key cell.
func TestDiffKeyFieldChangeMarksWholeRow(t *testing.T) {
	previous := []ResultRow{
		hostCountRow("web-1", 10),
		hostCountRow("web-2", 20),
	}
	current := []ResultRow{
		hostCountRow("web-2", 10),
	}

	result := Diff(current, previous, hostCountFields())
	assert.ElementsMatch(t, []ChangedCell{
		{Row: 0, Field: "host"},
		{Row: 0, Field: "count"},
	}, result.ChangedCells)
	assert.Empty(t, result.NewRowIndices)
	assert.Equal(t, []string{"host=web-1"}, result.DeletedRowSignatures)
}

func TestDiffSingleColumnIsSkipped(t *testing.T) {
	previous := []ResultRow{{"count": NumberField(1)}}
	current := []ResultRow{{"count": NumberField(2)}}

	result := Diff(current, previous, []DiffField{{Name: "count"}})
	assert.Empty(t, result.ChangedCells)
	assert.Empty(t, result.NewRowIndices)
	assert.Empty(t, result.DeletedRowSignatures)
}

func TestDiffEmptyPrevious(t *testing.T) {
	current := []ResultRow{
		hostCountRow("web-1", 10),
		hostCountRow("web-2", 20),
	}

	result := Diff(current, nil, hostCountFields())
	assert.Equal(t, []int{0, 1}, result.NewRowIndices)
	assert.Empty(t, result.ChangedCells)
	assert.Empty(t, result.DeletedRowSignatures)
}

func TestDiffEmptyCurrent(t *testing.T) {
	previous := []ResultRow{
		hostCountRow("web-1", 10),
	}

	result := Diff(nil, previous, hostCountFields())
	assert.Equal(t, []string{"host=web-1"}, result.DeletedRowSignatures)
	assert.Empty(t, result.ChangedCells)
	assert.Empty(t, result.NewRowIndices)
}

// Without any non-numeric field there are no keys: no new or deleted rows,
// value changes still show up through full-row matching.
func TestDiffAllNumericFieldsHasNoRowIdentity(t *testing.T) {
	fields := []DiffField{{Name: "a"}, {Name: "b"}}
	previous := []ResultRow{
		{"a": NumberField(1), "b": NumberField(2)},
	}
	current := []ResultRow{
		{"a": NumberField(1), "b": NumberField(3)},
	}

	result := Diff(current, previous, fields)
	assert.Equal(t, []ChangedCell{{Row: 0, Field: "b"}}, result.ChangedCells)
	assert.Empty(t, result.NewRowIndices)
	assert.Empty(t, result.DeletedRowSignatures)
}

func TestSelectKeyFieldsPrefersRanked(t *testing.T) {
	fields := []DiffField{
		{Name: "b", Rank: ptr(2)},
		{Name: "a", Rank: ptr(1)},
		{Name: "c"},
	}
	keys := SelectKeyFields(nil, nil, fields)
	assert.Equal(t, []string{"a", "b"}, keys)
}

func TestSelectKeyFieldsFallsBackToNonNumeric(t *testing.T) {
	rows := []ResultRow{{
		"name":  StringField("web-1"),
		"count": NumberField(5),
		"code":  StringField("404"),
		"note":  StringField("ok"),
	}}
	fields := []DiffField{
		{Name: "name"}, {Name: "count"}, {Name: "code"}, {Name: "note"},
	}
	// Numeric strings count as numeric, so "code" is not an identity field.
	keys := SelectKeyFields(rows, nil, fields)
	assert.Equal(t, []string{"name", "note"}, keys)
}

func TestSelectKeyFieldsSamplesPreviousWhenCurrentEmpty(t *testing.T) {
	previous := []ResultRow{{
		"name":  StringField("web-1"),
		"count": NumberField(5),
	}}
	fields := []DiffField{{Name: "name"}, {Name: "count"}}
	keys := SelectKeyFields(nil, previous, fields)
	assert.Equal(t, []string{"name"}, keys)
}

func TestSelectKeyFieldsNoRows(t *testing.T) {
	fields := []DiffField{{Name: "name"}}
	assert.Nil(t, SelectKeyFields(nil, nil, fields))
}

func TestRowSignature(t *testing.T) {
	row := ResultRow{
		"host":   StringField("web-1"),
		"status": StringField("ok"),
		"count":  NumberField(12),
	}
	assert.Equal(t, "host=web-1|#|status=ok", RowSignature(row, []string{"host", "status"}))
}

func TestRankedKeyTurnsTextChangeIntoCellChange(t *testing.T) {
	fields := []DiffField{
		{Name: "host"},
		{Name: "count", Rank: ptr(1)},
	}
	previous := []ResultRow{hostCountRow("web-1", 7)}
	current := []ResultRow{hostCountRow("web-2", 7)}

	// With count as the ranked identity field the host column is an
	// ordinary value, so this is a cell change, not a new row.
	result := Diff(current, previous, fields)
	assert.Equal(t, []ChangedCell{{Row: 0, Field: "host"}}, result.ChangedCells)
	assert.Empty(t, result.NewRowIndices)
	assert.Empty(t, result.DeletedRowSignatures)
}
