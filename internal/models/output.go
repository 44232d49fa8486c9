package models

// OutputDocument is one append-only output (or update) file. Files rotate to
// an indexed sibling once Items reaches the configured cap.
type OutputDocument struct {
	Vendor               string              `json:"vendor"`
	SourceFile           string              `json:"source_file,omitempty"`
	CreatedAt            string              `json:"created_at"`
	UpdatedAt            string              `json:"updated_at"`
	TotalItems           int                 `json:"total_items"`
	FilteredInvalidCount int                 `json:"filtered_invalid_count"`
	Items                []*ExtractedProduct `json:"items"`
}
