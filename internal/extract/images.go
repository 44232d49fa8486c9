package extract

import (
	"strings"

	"github.com/izzylite/bulk-scrapper-tool-sub000/internal/normalize"
)

// mergeImages combines image URLs from direct extraction, the vendor
// strategy and the model call (priority in that order), validating and
// deduplicating, and promotes the main image to index 0. The sitemap-provided
// fallback is used only when nothing else was found.
func mergeImages(mainImage, fallback string, sources ...[]string) (string, []string) {
	seen := make(map[string]bool)
	var list []string
	add := func(raw string) {
		u := normalize.CleanURL(raw)
		if u == "" || seen[u] {
			return
		}
		seen[u] = true
		list = append(list, u)
	}

	main := normalize.CleanURL(mainImage)
	if main != "" {
		add(main)
	}
	for _, src := range sources {
		for _, raw := range src {
			add(raw)
		}
	}

	if len(list) == 0 {
		if fb := normalize.CleanURL(fallback); fb != "" {
			return fb, []string{fb}
		}
		return "", nil
	}

	if main == "" {
		main = list[0]
	} else if list[0] != main {
		// Promote main image to the front.
		for i, u := range list {
			if u == main {
				copy(list[1:i+1], list[:i])
				list[0] = main
				break
			}
		}
	}
	return main, list
}

// splitImageList splits a newline-joined strategy value into URLs.
func splitImageList(joined string) []string {
	if joined == "" {
		return nil
	}
	parts := strings.Split(joined, "\n")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
