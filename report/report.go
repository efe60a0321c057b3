// Package report renders the validation-errors download: a two-sheet xlsx
// with a summary and the per-row error list.
package report

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"csvwizard/domain"
)

// WriteValidationErrorsXLSX writes the report for one validation result to
// outPath. sourceName is the uploaded CSV's name, shown in the summary.
func WriteValidationErrorsXLSX(outPath, sourceName string, result *domain.ValidationResult) error {
	if strings.TrimSpace(outPath) == "" {
		return errors.New("output path is empty")
	}
	if result == nil {
		return errors.New("no validation result")
	}

	f := excelize.NewFile()
	defSheet := f.GetSheetName(0)
	if defSheet == "" {
		defSheet = "Sheet1"
	}
	_ = f.SetSheetName(defSheet, "Summary")
	f.NewSheet("Errors")
	f.SetActiveSheet(0)

	// Light red fill + dark red font for error rows.
	redStyle, _ := f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"FFC7CE"}},
		Font: &excelize.Font{Color: "9C0006"},
	})

	if err := writeSummarySheet(f, "Summary", sourceName, result); err != nil {
		return err
	}
	if err := writeErrorsSheet(f, "Errors", result.Errors, redStyle); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	out, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("create report file: %w", err)
	}
	defer out.Close()
	if _, err := f.WriteTo(out); err != nil {
		return fmt.Errorf("write report file: %w", err)
	}
	return nil
}

func writeSummarySheet(f *excelize.File, sheet, sourceName string, result *domain.ValidationResult) error {
	sw, err := f.NewStreamWriter(sheet)
	if err != nil {
		return err
	}
	rows := [][]interface{}{
		{"Source file", sourceName},
		{"Valid rows", result.ValidCount},
		{"Rows with errors", result.ErrorCount},
		{"Duplicate rows", result.DuplicateCount},
	}
	if result.Stale {
		rows = append(rows, []interface{}{"Note", "mapping changed after validation; re-validate before upload"})
	}
	for i, row := range rows {
		if err := sw.SetRow(cellAxis(i+1, 1), row); err != nil {
			return err
		}
	}
	return sw.Flush()
}

func writeErrorsSheet(f *excelize.File, sheet string, errs []domain.RowError, redStyle int) error {
	sw, err := f.NewStreamWriter(sheet)
	if err != nil {
		return err
	}
	if len(errs) == 0 {
		if err := sw.SetRow("A1", []interface{}{"No row errors"}); err != nil {
			return err
		}
		return sw.Flush()
	}

	header := []interface{}{"Row", "Field", "Message", "Value"}
	if err := sw.SetRow("A1", header); err != nil {
		return err
	}
	for i, e := range errs {
		row := []interface{}{
			excelize.Cell{Value: e.Row, StyleID: redStyle},
			excelize.Cell{Value: e.Field, StyleID: redStyle},
			excelize.Cell{Value: e.Message, StyleID: redStyle},
			excelize.Cell{Value: safeCellValue(e.Value), StyleID: redStyle},
		}
		if err := sw.SetRow(cellAxis(i+2, 1), row); err != nil {
			return err
		}
	}
	return sw.Flush()
}

// safeCellValue guards against formula injection when the CSV value starts
// with =, +, -, or @.
func safeCellValue(v string) interface{} {
	if v == "" {
		return ""
	}
	switch v[0] {
	case '=', '+', '-', '@':
		return "'" + v
	}
	return v
}

func cellAxis(row, col int) string {
	axis, err := excelize.CoordinatesToCellName(col, row)
	if err != nil {
		return "A" + strconv.Itoa(row)
	}
	return axis
}
