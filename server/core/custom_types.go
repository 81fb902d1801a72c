// SPDX-License-Identifier: MPL-2.0

package core

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Custom column types for JSON stored in SQLite TEXT columns. They scan and
// value transparently so the rest of the code works with real Go types
// instead of raw JSON strings.

func jsonScan(src any, dst any) error {
	switch s := src.(type) {
	case nil:
		return nil
	case string:
		if s == "" {
			return nil
		}
		return json.Unmarshal([]byte(s), dst)
	case []byte:
		if len(s) == 0 {
			return nil
		}
		return json.Unmarshal(s, dst)
	}
	return fmt.Errorf("cannot scan %T into JSON column", src)
}

// OptionMap is the free-form option bag of a query (time range etc.).
type OptionMap map[string]string

func (m OptionMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	return string(b), err
}

func (m *OptionMap) Scan(src any) error {
	return jsonScan(src, m)
}

// Choice is one selectable option of a dropdown, radio, checkbox or
// multiselect input.
type Choice struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

type ChoiceList []Choice

func (l ChoiceList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal(l)
	return string(b), err
}

func (l *ChoiceList) Scan(src any) error {
	return jsonScan(src, l)
}

// StringList keeps an ordered list of strings, like the field order of a
// result set as the remote endpoint returned it.
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal(l)
	return string(b), err
}

func (l *StringList) Scan(src any) error {
	return jsonScan(src, l)
}

// FormatRule is the per-field formatting of a visualization. Rank doubles as
// the identity priority the diff engine uses to pick key fields.
type FormatRule struct {
	Color        string `json:"color,omitempty"`
	NumberFormat string `json:"numberFormat,omitempty"`
	Rank         *int   `json:"rank,omitempty"`
}

type FormatRules map[string]FormatRule

func (r FormatRules) Value() (driver.Value, error) {
	if r == nil {
		return "{}", nil
	}
	b, err := json.Marshal(r)
	return string(b), err
}

func (r *FormatRules) Scan(src any) error {
	return jsonScan(src, r)
}
