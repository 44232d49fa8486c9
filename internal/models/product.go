package models

import (
	"encoding/json"
	"reflect"
	"strings"
	"time"
)

// ExtractedProduct is the result of one extraction attempt. A non-empty Error
// marks it as a failure record instead of a product record. Instances are
// immutable once buffered by a worker.
type ExtractedProduct struct {
	UUID           string              `json:"uuid"`
	Vendor         string              `json:"vendor"`
	SourceURL      string              `json:"source_url"`
	ExtractedAt    time.Time           `json:"extracted_at"`
	ProductID      string              `json:"product_id,omitempty"`
	SKU            string              `json:"sku,omitempty"`
	Name           string              `json:"name,omitempty"`
	MainImage      string              `json:"main_image,omitempty"`
	Images         []string            `json:"images,omitempty"`
	Price          string              `json:"price,omitempty"`
	StockStatus    string              `json:"stock_status,omitempty"`
	Weight         string              `json:"weight,omitempty"`
	Description    string              `json:"description,omitempty"`
	Category       string              `json:"category,omitempty"`
	Discount       string              `json:"discount,omitempty"`
	ProductURL     string              `json:"product_url,omitempty"`
	Retried        bool                `json:"retried,omitempty"`
	VariantCount   int                 `json:"variant_count,omitempty"`
	Variants       []*ExtractedProduct `json:"variants,omitempty"`
	PriceHistory   []HistoryEntry      `json:"price_history,omitempty"`
	StockHistory   []HistoryEntry      `json:"stock_history,omitempty"`
	Error          string              `json:"error,omitempty"`
	ErrorTimestamp string              `json:"error_timestamp,omitempty"`

	// Custom holds vendor-specific fields. They are flattened into the
	// top-level JSON object on marshal and collected back on unmarshal.
	Custom map[string]string `json:"-"`
}

// HistoryEntry records a changed value in update mode.
type HistoryEntry struct {
	Old       string `json:"old"`
	New       string `json:"new"`
	ChangedAt string `json:"changed_at"`
}

// Canonical stock values the pipeline writes; vendor pages produce many
// variations that normalize down to these.
const (
	StockStatusInStock    = "In stock"
	StockStatusOutOfStock = "Out of stock"
)

// IsFailure reports whether the record is an error record.
func (p *ExtractedProduct) IsFailure() bool {
	return p != nil && p.Error != ""
}

// InStock reports whether the record claims an explicit in-stock status.
func (p *ExtractedProduct) InStock() bool {
	return p != nil && strings.EqualFold(p.StockStatus, StockStatusInStock)
}

// IdentityKey returns the value used for update/merge matching, taking the
// first non-empty of product_id, sku, product_url, source_url.
func (p *ExtractedProduct) IdentityKey() string {
	for _, v := range []string{p.ProductID, p.SKU, p.ProductURL, p.SourceURL} {
		if v != "" {
			return v
		}
	}
	return ""
}

// KeyField returns the identity value for an explicitly configured key field
// name, falling back to IdentityKey for unknown names.
func (p *ExtractedProduct) KeyField(field string) string {
	switch field {
	case "product_id":
		return p.ProductID
	case "sku":
		return p.SKU
	case "product_url":
		return p.ProductURL
	case "source_url", "url":
		return p.SourceURL
	default:
		return p.IdentityKey()
	}
}

// Field returns the value of a named extractable string field, consulting
// Custom for vendor-specific names.
func (p *ExtractedProduct) Field(name string) string {
	switch name {
	case "name":
		return p.Name
	case "price":
		return p.Price
	case "stock_status":
		return p.StockStatus
	case "discount":
		return p.Discount
	case "main_image":
		return p.MainImage
	case "weight":
		return p.Weight
	case "description":
		return p.Description
	case "category":
		return p.Category
	case "product_id":
		return p.ProductID
	case "sku":
		return p.SKU
	case "product_url":
		return p.ProductURL
	default:
		return p.Custom[name]
	}
}

// SetField assigns a named extractable string field; unknown names land in
// Custom.
func (p *ExtractedProduct) SetField(name, value string) {
	switch name {
	case "name":
		p.Name = value
	case "price":
		p.Price = value
	case "stock_status":
		p.StockStatus = value
	case "discount":
		p.Discount = value
	case "main_image":
		p.MainImage = value
	case "weight":
		p.Weight = value
	case "description":
		p.Description = value
	case "category":
		p.Category = value
	case "product_id":
		p.ProductID = value
	case "sku":
		p.SKU = value
	case "product_url":
		p.ProductURL = value
	default:
		if p.Custom == nil {
			p.Custom = make(map[string]string)
		}
		p.Custom[name] = value
	}
}

// Clone returns a copy with its own image slice and custom map, safe to
// mutate without touching the cached original.
func (p *ExtractedProduct) Clone() *ExtractedProduct {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Images = append([]string(nil), p.Images...)
	if p.Custom != nil {
		cp.Custom = make(map[string]string, len(p.Custom))
		for k, v := range p.Custom {
			cp.Custom[k] = v
		}
	}
	return &cp
}

type productAlias ExtractedProduct

var productKnownKeys = buildKnownKeys()

func buildKnownKeys() map[string]bool {
	keys := make(map[string]bool)
	t := reflect.TypeOf(ExtractedProduct{})
	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("json")
		name, _, _ := strings.Cut(tag, ",")
		if name != "" && name != "-" {
			keys[name] = true
		}
	}
	return keys
}

// MarshalJSON flattens Custom into the top-level object.
func (p *ExtractedProduct) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal((*productAlias)(p))
	if err != nil {
		return nil, err
	}
	if len(p.Custom) == 0 {
		return base, nil
	}

	var flat map[string]json.RawMessage
	if err := json.Unmarshal(base, &flat); err != nil {
		return nil, err
	}
	for k, v := range p.Custom {
		if productKnownKeys[k] {
			continue
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		flat[k] = raw
	}
	return json.Marshal(flat)
}

// UnmarshalJSON collects unknown string-valued keys into Custom.
func (p *ExtractedProduct) UnmarshalJSON(data []byte) error {
	if err := json.Unmarshal(data, (*productAlias)(p)); err != nil {
		return err
	}
	var flat map[string]json.RawMessage
	if err := json.Unmarshal(data, &flat); err != nil {
		return err
	}
	for k, raw := range flat {
		if productKnownKeys[k] {
			continue
		}
		var v string
		if err := json.Unmarshal(raw, &v); err != nil {
			continue
		}
		if p.Custom == nil {
			p.Custom = make(map[string]string)
		}
		p.Custom[k] = v
	}
	return nil
}
