package vendors

import (
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/izzylite/bulk-scrapper-tool-sub000/internal/engine"
	"github.com/izzylite/bulk-scrapper-tool-sub000/internal/models"
	"github.com/izzylite/bulk-scrapper-tool-sub000/internal/normalize"
)

// Superdrug carries the vendor heuristics learned from their PDP markup: the
// marketplace flag is encoded in the SKU prefix, and gallery images share the
// product name in their alt text rather than a stable gallery container.
type Superdrug struct{}

func NewSuperdrug() *Superdrug { return &Superdrug{} }

func (s *Superdrug) CustomFields() map[string]engine.FieldSpec {
	return map[string]engine.FieldSpec{
		"marketplace_product": {Type: "string", Description: "\"true\" when sold by a third-party marketplace seller, otherwise \"false\""},
		"promotion_text":      {Type: "string", Description: "any promotional banner text shown for this product, e.g. \"Buy 1 get 2nd half price\""},
	}
}

func (s *Superdrug) Extract(ctx context.Context, page engine.Page, item models.WorkItem) (map[string]string, error) {
	out := make(map[string]string)

	if item.SKU != "" {
		out["marketplace_product"] = fmt.Sprintf("%t", strings.HasPrefix(strings.ToLower(item.SKU), "mp-"))
	}

	html, err := page.Content(ctx)
	if err != nil {
		return out, fmt.Errorf("failed to read page content: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return out, fmt.Errorf("failed to parse page: %w", err)
	}

	name := normalize.Whitespace(doc.Find("h1").First().Text())
	if gallery := s.galleryByAltText(doc, name); len(gallery) > 0 {
		out["images"] = strings.Join(gallery, "\n")
	}

	return out, nil
}

// galleryByAltText collects product images whose alt text matches the product
// name. Superdrug reuses the name as alt text on every gallery slide, which
// is more stable than their gallery class names.
func (s *Superdrug) galleryByAltText(doc *goquery.Document, name string) []string {
	if name == "" {
		return nil
	}
	needle := strings.ToLower(name)

	var urls []string
	seen := make(map[string]bool)
	doc.Find("img").Each(func(_ int, img *goquery.Selection) {
		alt := strings.ToLower(normalize.Whitespace(img.AttrOr("alt", "")))
		if alt == "" || !strings.Contains(alt, needle) && !strings.Contains(needle, alt) {
			return
		}
		src := img.AttrOr("src", "")
		if src == "" {
			src = img.AttrOr("data-src", "")
		}
		src = normalize.CleanURL(src)
		if src == "" || seen[src] {
			return
		}
		seen[src] = true
		urls = append(urls, src)
	})
	return urls
}
