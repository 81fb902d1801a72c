// SPDX-License-Identifier: MPL-2.0

package core

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

type FieldKind int

const (
	FieldKindString FieldKind = iota
	FieldKindNumber
	FieldKindList
	FieldKindObject
)

// FieldValue is one cell of a result row. Remote search results are loosely
// typed, so we keep the original JSON shape (string, number, list or object)
// instead of flattening everything to strings. Comparison and row signatures
// always go through the string coercion in String().
type FieldValue struct {
	Kind FieldKind
	Str  string
	Num  float64
	List []FieldValue
	Obj  map[string]FieldValue
}

// ResultRow is a field name to value map as returned by the remote endpoint.
// It stores as JSON in the execution_rows table.
type ResultRow map[string]FieldValue

func (r ResultRow) Value() (driver.Value, error) {
	if r == nil {
		return "{}", nil
	}
	b, err := json.Marshal(r)
	return string(b), err
}

func (r *ResultRow) Scan(src any) error {
	return jsonScan(src, r)
}

func StringField(s string) FieldValue {
	return FieldValue{Kind: FieldKindString, Str: s}
}

func NumberField(n float64) FieldValue {
	return FieldValue{Kind: FieldKindNumber, Num: n}
}

func ListField(items ...FieldValue) FieldValue {
	return FieldValue{Kind: FieldKindList, List: items}
}

func (v FieldValue) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case FieldKindNumber:
		return json.Marshal(v.Num)
	case FieldKindList:
		if v.List == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.List)
	case FieldKindObject:
		if v.Obj == nil {
			return []byte("{}"), nil
		}
		return json.Marshal(v.Obj)
	default:
		return json.Marshal(v.Str)
	}
}

func (v *FieldValue) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return fmt.Errorf("empty field value")
	}
	switch trimmed[0] {
	case '"':
		v.Kind = FieldKindString
		return json.Unmarshal(trimmed, &v.Str)
	case '[':
		v.Kind = FieldKindList
		return json.Unmarshal(trimmed, &v.List)
	case '{':
		v.Kind = FieldKindObject
		return json.Unmarshal(trimmed, &v.Obj)
	case 'n':
		// JSON null becomes an empty string value
		v.Kind = FieldKindString
		v.Str = ""
		return nil
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(trimmed, &b); err != nil {
			return err
		}
		v.Kind = FieldKindString
		v.Str = strconv.FormatBool(b)
		return nil
	default:
		v.Kind = FieldKindNumber
		return json.Unmarshal(trimmed, &v.Num)
	}
}

// String coerces the value to its comparison form. Numbers drop trailing
// zeros so 42 and "42" compare equal, lists join on comma like multi-value
// inputs do, objects use their canonical JSON encoding (sorted keys).
func (v FieldValue) String() string {
	switch v.Kind {
	case FieldKindNumber:
		return strconv.FormatFloat(v.Num, 'f', -1, 64)
	case FieldKindList:
		items := make([]string, len(v.List))
		for i, item := range v.List {
			items[i] = item.String()
		}
		return strings.Join(items, ",")
	case FieldKindObject:
		b, err := json.Marshal(v.Obj)
		if err != nil {
			return ""
		}
		return string(b)
	default:
		return v.Str
	}
}

func (v FieldValue) Equal(other FieldValue) bool {
	return v.String() == other.String()
}

// IsNumeric reports whether the value parses as a number. Used by the diff
// engine to pick key fields when no rank metadata exists.
func (v FieldValue) IsNumeric() bool {
	switch v.Kind {
	case FieldKindNumber:
		return true
	case FieldKindString:
		_, err := strconv.ParseFloat(strings.TrimSpace(v.Str), 64)
		return err == nil
	default:
		return false
	}
}
