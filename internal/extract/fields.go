package extract

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/izzylite/bulk-scrapper-tool-sub000/internal/engine"
)

// Kind selects the direct-extraction semantics for a field.
type Kind int

const (
	KindText Kind = iota
	KindPrice
	KindStock
	KindImage
	KindImageList
	KindBool
	KindURL
)

// FieldDef describes one extractable field: its model schema shape plus the
// direct-extraction semantics. Dynamic fields are re-checked on every visit;
// static fields are skipped when a recent snapshot confirmed them absent.
type FieldDef struct {
	Type        string
	Description string
	Kind        Kind
	Dynamic     bool
}

var baseFields = map[string]FieldDef{
	"name":         {Type: "string", Description: "the product name / title", Kind: KindText},
	"price":        {Type: "string", Description: "the current selling price including currency symbol", Kind: KindPrice, Dynamic: true},
	"stock_status": {Type: "string", Description: "availability, either \"In stock\" or \"Out of stock\"", Kind: KindStock, Dynamic: true},
	"discount":     {Type: "string", Description: "any discount amount or percentage shown, empty if none", Kind: KindPrice, Dynamic: true},
	"main_image":   {Type: "string", Description: "URL of the primary product image", Kind: KindImage},
	"images":       {Type: "array", Description: "URLs of all product gallery images", Kind: KindImageList},
	"weight":       {Type: "string", Description: "product weight or volume as shown, e.g. \"250g\" or \"30ml\"", Kind: KindText},
	"description":  {Type: "string", Description: "the product description text", Kind: KindText},
	"category":     {Type: "string", Description: "the product category or breadcrumb trail", Kind: KindText},
	"product_id":   {Type: "string", Description: "the vendor's product id or SKU shown on the page", Kind: KindText},
	"product_url":  {Type: "string", Description: "canonical URL of the product page", Kind: KindURL},
}

// TargetFields returns the base field names in a stable order.
func TargetFields() []string {
	names := make([]string, 0, len(baseFields))
	for name := range baseFields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definition resolves a field name against the base table and a vendor
// extension table. Vendor custom fields are generic text fields.
func Definition(field string, custom map[string]engine.FieldSpec) (FieldDef, bool) {
	if def, ok := baseFields[field]; ok {
		return def, true
	}
	if spec, ok := custom[field]; ok {
		return FieldDef{Type: spec.Type, Description: spec.Description, Kind: KindText}, true
	}
	return FieldDef{}, false
}

// IsDynamic reports whether the field must be re-checked on every visit.
func IsDynamic(field string) bool {
	def, ok := baseFields[field]
	return ok && def.Dynamic
}

// BuildRequest constructs the model extraction call for exactly the missing
// fields, keeping the schema and instruction as small as the field set.
func BuildRequest(missing []string, custom map[string]engine.FieldSpec, settle time.Duration) engine.ExtractRequest {
	schema := make(map[string]engine.FieldSpec, len(missing))
	names := make([]string, 0, len(missing))
	for _, field := range missing {
		def, ok := Definition(field, custom)
		if !ok {
			continue
		}
		schema[field] = engine.FieldSpec{Type: def.Type, Description: def.Description}
		names = append(names, field)
	}
	sort.Strings(names)

	instruction := fmt.Sprintf(
		"Extract the following product fields from this page: %s. "+
			"Return empty values for fields that are not present on the page, do not guess.",
		strings.Join(names, ", "))

	return engine.ExtractRequest{
		Instruction:      instruction,
		Schema:           schema,
		DOMSettleTimeout: settle,
	}
}
