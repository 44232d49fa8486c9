package models

// WorkItem is one unit of extraction work. A main item may own variant
// sub-items that are extracted as independent pages and folded into the main
// item's result before persistence. URL is unique within one ledger.
type WorkItem struct {
	URL            string     `json:"url"`
	Vendor         string     `json:"vendor"`
	SKU            string     `json:"sku,omitempty"`
	ImageURL       string     `json:"image_url,omitempty"`
	Variants       []WorkItem `json:"variants,omitempty"`
	Error          string     `json:"error,omitempty"`
	ErrorTimestamp string     `json:"error_timestamp,omitempty"`
	RetryCount     int        `json:"retry_count,omitempty"`
}

// Ledger is the resumable processing document for one ingestion batch job.
// At most one ledger may be active per vendor at a time.
type Ledger struct {
	Active         bool       `json:"active"`
	Vendor         string     `json:"vendor"`
	TotalCount     int        `json:"total_count"`
	ProcessedCount int        `json:"processed_count"`
	Exclude        []string   `json:"exclude,omitempty"`
	SourceFiles    []string   `json:"source_files,omitempty"`
	Items          []WorkItem `json:"items"`
}

// Remaining returns the number of items still to process.
func (l *Ledger) Remaining() int {
	if l == nil {
		return 0
	}
	return len(l.Items)
}
