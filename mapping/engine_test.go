package mapping

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Vendor Name", "vendor_name"},
		{"VENDOR__NAME", "vendor_name"},
		{"Invoice Date", "invoice_date"},
		{"Total (USD)", "total_usd_"},
		{"  padded  ", "_padded_"},
		{"amount", "amount"},
		{"", ""},
		{"---", "_"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Normalize(c.in), "Normalize(%q)", c.in)
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	inputs := []string{"Vendor Name", "  A--B  ", "Total (USD)", "___", "Straße 12", "供应商名称"}
	for _, in := range inputs {
		once := Normalize(in)
		assert.Equal(t, once, Normalize(once), "Normalize not idempotent for %q", in)
	}
}

func TestAutoDetectTypicalProcurementExport(t *testing.T) {
	got := AutoDetect([]string{"Vendor Name", "Category", "Total", "Invoice Date"})
	want := map[string]string{
		"Vendor Name":  "supplier",
		"Category":     "category",
		"Total":        "amount",
		"Invoice Date": "date",
	}
	assert.Equal(t, want, got)
	assert.Empty(t, MissingRequired(got))
}

func TestAutoDetectFirstClaimWins(t *testing.T) {
	// "vendor_name" comes first in header order, so it claims supplier;
	// the later "supplier" header gets nothing even though its text equals
	// the field key.
	got := AutoDetect([]string{"vendor_name", "supplier"})
	assert.Equal(t, "supplier", got["vendor_name"])
	_, mapped := got["supplier"]
	assert.False(t, mapped, "later header must not steal a claimed field")
}

func TestAutoDetectUnmatchedHeadersStayUnmapped(t *testing.T) {
	got := AutoDetect([]string{"Widget Count", "Supplier", "Amount"})
	assert.Equal(t, map[string]string{
		"Supplier": "supplier",
		"Amount":   "amount",
	}, got)
	assert.Equal(t, []string{"category", "date"}, MissingRequired(got))
}

func TestAutoDetectNoFieldMappedTwice(t *testing.T) {
	headers := []string{
		"Supplier", "Supplier Name", "Vendor", "Category", "Sub-Category",
		"Amount", "Total", "Date", "Invoice Date", "Invoice Number", "Reference",
	}
	got := AutoDetect(headers)
	seen := make(map[string]string)
	for col, field := range got {
		prev, dup := seen[field]
		require.Falsef(t, dup, "field %q mapped from both %q and %q", field, prev, col)
		seen[field] = col
	}
}

func TestApplyManualReplacesClaim(t *testing.T) {
	orig := map[string]string{"Vendor": "supplier", "Total": "amount"}
	got := ApplyManual(orig, "supplier", "Seller")

	assert.Equal(t, map[string]string{"Seller": "supplier", "Total": "amount"}, got)
	// input untouched
	assert.Equal(t, map[string]string{"Vendor": "supplier", "Total": "amount"}, orig)
}

func TestApplyManualEmptyColumnUnmapsField(t *testing.T) {
	orig := map[string]string{"Vendor": "supplier", "Total": "amount"}
	got := ApplyManual(orig, "supplier", "")
	assert.Equal(t, map[string]string{"Total": "amount"}, got)
}

func TestApplyManualReassignsColumn(t *testing.T) {
	// Moving a column onto another field must also release its old claim.
	orig := map[string]string{"Total": "amount"}
	got := ApplyManual(orig, "spend_band", "Total")
	assert.Equal(t, map[string]string{"Total": "spend_band"}, got)
}

func TestCatalogShape(t *testing.T) {
	fields := Catalog()
	require.Len(t, fields, 11)
	var required []string
	for _, f := range fields {
		if f.Required {
			required = append(required, f.Key)
		}
	}
	assert.Equal(t, []string{"supplier", "category", "amount", "date"}, required)

	f, ok := FieldByKey("invoice_number")
	require.True(t, ok)
	assert.False(t, f.Required)
}
