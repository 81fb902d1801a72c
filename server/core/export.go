// SPDX-License-Identifier: MPL-2.0

package core

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"sort"

	"github.com/xuri/excelize/v2"
)

// exportFields resolves the column order of an export: the field order the
// remote endpoint reported, falling back to sorted row keys for records
// that don't carry it.
func exportFields(execution Execution, rows []ExecutionRow) []string {
	if len(execution.Fields) > 0 {
		return execution.Fields
	}
	if len(rows) == 0 {
		return nil
	}
	fields := make([]string, 0, len(rows[0].Fields))
	for name := range rows[0].Fields {
		fields = append(fields, name)
	}
	sort.Strings(fields)
	return fields
}

// StreamExecutionCSV streams an execution's result rows as a CSV file to the
// client.
func StreamExecutionCSV(app *App, ctx context.Context, executionID string, writer io.Writer) error {
	execution, err := GetExecution(app, ctx, executionID)
	if err != nil {
		return err
	}
	rows, err := ListExecutionRows(app, ctx, executionID)
	if err != nil {
		return err
	}
	fields := exportFields(execution, rows)

	csvWriter := csv.NewWriter(writer)
	defer csvWriter.Flush()

	if err := csvWriter.Write(fields); err != nil {
		return fmt.Errorf("error writing headers: %w", err)
	}

	for _, row := range rows {
		record := make([]string, len(fields))
		for i, field := range fields {
			record[i] = row.Fields[field].String()
		}
		if err := csvWriter.Write(record); err != nil {
			return fmt.Errorf("error writing record: %w", err)
		}
		// Flush periodically to ensure streaming
		csvWriter.Flush()
		if err := csvWriter.Error(); err != nil {
			return fmt.Errorf("error flushing CSV writer: %w", err)
		}
	}
	return nil
}

// StreamExecutionXLSX writes an execution's result rows as an XLSX file.
// Note that while the interface is streaming, the whole file is rendered in
// memory. This is a restriction of the excelize library and maybe of the
// XLSX format itself.
//
// TODO: Limit file size and for large files tell user to use CSV instead.
func StreamExecutionXLSX(app *App, ctx context.Context, executionID string, writer io.Writer) error {
	execution, err := GetExecution(app, ctx, executionID)
	if err != nil {
		return err
	}
	rows, err := ListExecutionRows(app, ctx, executionID)
	if err != nil {
		return err
	}
	fields := exportFields(execution, rows)

	xlsx := excelize.NewFile()
	sheetName := "Sheet1"

	headerStyle, err := xlsx.NewStyle(&excelize.Style{
		Font: &excelize.Font{
			Bold: true,
		},
		Alignment: &excelize.Alignment{
			Horizontal: "center",
			Vertical:   "center",
		},
	})
	if err != nil {
		return fmt.Errorf("error creating header style: %w", err)
	}
	numberStyle := createStyle(xlsx, &excelize.Style{
		Alignment: &excelize.Alignment{
			Horizontal: "right",
		},
	})
	textStyle := createStyle(xlsx, &excelize.Style{
		Alignment: &excelize.Alignment{
			Horizontal: "left",
			WrapText:   true,
		},
	})

	maxWidths := make([]float64, len(fields))
	for colIdx, field := range fields {
		cell, err := excelize.CoordinatesToCellName(colIdx+1, 1)
		if err != nil {
			return fmt.Errorf("error converting coordinates: %w", err)
		}
		xlsx.SetCellValue(sheetName, cell, field)
		xlsx.SetCellStyle(sheetName, cell, cell, headerStyle)
		maxWidths[colIdx] = float64(len(field)) + 2
	}

	rowIdx := 2
	for _, row := range rows {
		for colIdx, field := range fields {
			cell, err := excelize.CoordinatesToCellName(colIdx+1, rowIdx)
			if err != nil {
				return fmt.Errorf("error converting coordinates: %w", err)
			}
			value := row.Fields[field]
			if value.Kind == FieldKindNumber {
				xlsx.SetCellValue(sheetName, cell, value.Num)
				xlsx.SetCellStyle(sheetName, cell, cell, numberStyle)
			} else {
				xlsx.SetCellValue(sheetName, cell, value.String())
				xlsx.SetCellStyle(sheetName, cell, cell, textStyle)
			}
			width := float64(len(value.String())) + 2
			maxWidths[colIdx] = math.Max(maxWidths[colIdx], width)
		}
		rowIdx++
	}

	for colIdx := range fields {
		colName, err := excelize.ColumnNumberToName(colIdx + 1)
		if err != nil {
			return fmt.Errorf("error converting column number: %w", err)
		}
		// Clamp width between minimum of 6 and maximum of 100
		width := math.Max(6, math.Min(100, maxWidths[colIdx]))
		xlsx.SetColWidth(sheetName, colName, colName, width)
	}

	if len(fields) > 0 {
		lastCol, _ := excelize.ColumnNumberToName(len(fields))
		filterRange := fmt.Sprintf("A1:%s%d", lastCol, rowIdx-1)
		xlsx.AutoFilter(sheetName, filterRange, []excelize.AutoFilterOptions{})
	}

	// Freeze the header row
	xlsx.SetPanes(sheetName, &excelize.Panes{
		Freeze:      true,
		Split:       false,
		XSplit:      0,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	})

	return xlsx.Write(writer)
}

func createStyle(xlsx *excelize.File, style *excelize.Style) int {
	styleID, _ := xlsx.NewStyle(style)
	return styleID
}
