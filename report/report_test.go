package report

import (
	"path/filepath"
	"testing"

	"github.com/xuri/excelize/v2"

	"csvwizard/domain"
)

func TestWriteValidationErrorsXLSX(t *testing.T) {
	out := filepath.Join(t.TempDir(), "validation_errors.xlsx")
	err := WriteValidationErrorsXLSX(out, "spend.csv", &domain.ValidationResult{
		ValidCount:     8,
		ErrorCount:     2,
		DuplicateCount: 1,
		Errors: []domain.RowError{
			{Row: 3, Field: "amount", Message: "not a number", Value: "abc"},
			{Row: 7, Field: "date", Message: "bad date", Value: "=SUM(A1)"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	f, err := excelize.OpenFile(out)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	if got := f.GetSheetList(); len(got) != 2 || got[0] != "Summary" || got[1] != "Errors" {
		t.Fatalf("unexpected sheets: %v", got)
	}

	v, _ := f.GetCellValue("Summary", "B1")
	if v != "spend.csv" {
		t.Fatalf("summary source file = %q", v)
	}
	v, _ = f.GetCellValue("Summary", "B2")
	if v != "8" {
		t.Fatalf("summary valid rows = %q", v)
	}

	v, _ = f.GetCellValue("Errors", "A1")
	if v != "Row" {
		t.Fatalf("errors header = %q", v)
	}
	v, _ = f.GetCellValue("Errors", "C2")
	if v != "not a number" {
		t.Fatalf("first error message = %q", v)
	}
	// Formula-looking values are escaped.
	v, _ = f.GetCellValue("Errors", "D3")
	if v != "'=SUM(A1)" {
		t.Fatalf("escaped value = %q", v)
	}
}

func TestWriteValidationErrorsXLSXEmptyErrors(t *testing.T) {
	out := filepath.Join(t.TempDir(), "validation_errors.xlsx")
	if err := WriteValidationErrorsXLSX(out, "spend.csv", &domain.ValidationResult{ValidCount: 5}); err != nil {
		t.Fatal(err)
	}
	f, err := excelize.OpenFile(out)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	v, _ := f.GetCellValue("Errors", "A1")
	if v != "No row errors" {
		t.Fatalf("placeholder = %q", v)
	}
}

func TestWriteValidationErrorsXLSXNilResult(t *testing.T) {
	if err := WriteValidationErrorsXLSX(filepath.Join(t.TempDir(), "x.xlsx"), "a.csv", nil); err == nil {
		t.Fatal("expected error for nil result")
	}
}
