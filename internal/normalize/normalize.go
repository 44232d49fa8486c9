package normalize

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/izzylite/bulk-scrapper-tool-sub000/internal/models"
)

var numberPattern = regexp.MustCompile(`\d+(?:[.,]\d+)*`)

// CleanURL trims whitespace and drops fragments, returning "" for anything
// that does not parse as an absolute http(s) URL.
func CleanURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	if u.Host == "" {
		return ""
	}
	u.Fragment = ""
	return u.String()
}

// ValidURL reports whether raw survives CleanURL unchanged in meaning.
func ValidURL(raw string) bool {
	return CleanURL(raw) != ""
}

// FilterExcluded drops work items whose URL path contains any of the vendor's
// excluded path segments. Matching is case-insensitive on the path only.
func FilterExcluded(items []models.WorkItem, exclude []string) []models.WorkItem {
	if len(exclude) == 0 {
		return items
	}
	kept := make([]models.WorkItem, 0, len(items))
	for _, item := range items {
		if excluded(item.URL, exclude) {
			continue
		}
		kept = append(kept, item)
	}
	return kept
}

func excluded(raw string, exclude []string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	path := strings.ToLower(u.Path)
	for _, ex := range exclude {
		ex = strings.ToLower(strings.TrimSpace(ex))
		if ex != "" && strings.Contains(path, ex) {
			return true
		}
	}
	return false
}

// Price strips currency symbols and thousands separators, keeping the first
// numeric token. Range listings like "from £4.99" therefore normalize to the
// lower bound. Returns "" when no numeric token exists.
func Price(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	token := numberPattern.FindString(raw)
	if token == "" {
		return ""
	}
	// A comma followed by exactly three digits is a thousands separator,
	// otherwise treat it as a decimal comma.
	if i := strings.LastIndex(token, ","); i >= 0 {
		if len(token)-i-1 == 3 && !strings.Contains(token, ".") {
			token = strings.ReplaceAll(token, ",", "")
		} else {
			token = strings.ReplaceAll(token[:i], ",", "") + "." + token[i+1:]
		}
	}
	return token
}

// Stock maps free-form availability text to one of the canonical stock
// values, or "" when the text is not recognizably either.
func Stock(raw string) string {
	text := strings.ToLower(strings.TrimSpace(raw))
	if text == "" {
		return ""
	}
	outMarkers := []string{"out of stock", "sold out", "unavailable", "currently not available", "notify me"}
	for _, m := range outMarkers {
		if strings.Contains(text, m) {
			return models.StockStatusOutOfStock
		}
	}
	inMarkers := []string{"in stock", "available", "add to basket", "add to cart", "true", "yes"}
	for _, m := range inMarkers {
		if strings.Contains(text, m) {
			return models.StockStatusInStock
		}
	}
	return ""
}

// Bool coerces hidden-input style values to a boolean.
func Bool(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true", "1", "yes", "on":
		return true
	}
	return false
}

// Whitespace collapses runs of whitespace to single spaces and trims.
func Whitespace(raw string) string {
	return strings.Join(strings.Fields(raw), " ")
}
