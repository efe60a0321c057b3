package mapping

// TargetField is one canonical procurement attribute that source columns
// are mapped onto.
type TargetField struct {
	Key      string `json:"key"`
	Label    string `json:"label"`
	Required bool   `json:"required"`
	// Aliases are matched (after normalization) against source headers,
	// in order. Keep the list order intentional: earlier aliases win.
	Aliases []string `json:"-"`
}

// catalog order matters: auto-detection scans fields in this order and the
// first unclaimed match wins. Required fields come first.
var catalog = []TargetField{
	{
		Key: "supplier", Label: "Supplier", Required: true,
		Aliases: []string{"supplier", "vendor", "vendor_name", "supplier_name", "seller", "payee", "merchant"},
	},
	{
		Key: "category", Label: "Category", Required: true,
		Aliases: []string{"category", "spend_category", "procurement_category", "commodity"},
	},
	{
		Key: "amount", Label: "Amount", Required: true,
		Aliases: []string{"amount", "total", "value", "price", "net_amount", "gross_amount", "total_amount"},
	},
	{
		Key: "date", Label: "Date", Required: true,
		Aliases: []string{"date", "invoice_date", "transaction_date", "posting_date", "order_date"},
	},
	{
		Key: "description", Label: "Description",
		Aliases: []string{"description", "desc", "details", "line_description", "item_description", "narrative"},
	},
	{
		Key: "subcategory", Label: "Subcategory",
		Aliases: []string{"subcategory", "sub_category", "commodity_group"},
	},
	{
		Key: "location", Label: "Location",
		Aliases: []string{"location", "site", "region", "office", "country"},
	},
	{
		Key: "fiscal_year", Label: "Fiscal year",
		Aliases: []string{"fiscal_year", "financial_year", "fy", "year"},
	},
	{
		Key: "spend_band", Label: "Spend band",
		Aliases: []string{"spend_band", "spend_range", "band"},
	},
	{
		Key: "payment_method", Label: "Payment method",
		Aliases: []string{"payment_method", "payment_type", "pay_method"},
	},
	{
		Key: "invoice_number", Label: "Invoice number",
		Aliases: []string{"invoice_number", "invoice_no", "invoice_num", "inv_no", "invoice_ref", "reference"},
	},
}

// Catalog returns the fixed, ordered target field list.
func Catalog() []TargetField {
	out := make([]TargetField, len(catalog))
	copy(out, catalog)
	return out
}

// FieldByKey returns the catalog entry for key, if any.
func FieldByKey(key string) (TargetField, bool) {
	for _, f := range catalog {
		if f.Key == key {
			return f, true
		}
	}
	return TargetField{}, false
}

// MissingRequired lists required field keys that no source column maps to,
// in catalog order.
func MissingRequired(m map[string]string) []string {
	claimed := make(map[string]bool, len(m))
	for _, field := range m {
		claimed[field] = true
	}
	var missing []string
	for _, f := range catalog {
		if f.Required && !claimed[f.Key] {
			missing = append(missing, f.Key)
		}
	}
	return missing
}
