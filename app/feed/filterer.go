package feed

import (
	"fmt"
	"strings"

	"github.com/lysyi3m/rss-reader/app/database"
)

type Filterer struct{}

func NewFilterer() *Filterer {
	return &Filterer{}
}

// Match reports whether entry is caught by filters, with a human readable
// reason. An exclude hit or a missed include list both count as a match.
func (f *Filterer) Match(entry database.Entry, filters []ConfigFilter) (bool, string) {
	for _, filter := range filters {
		value := f.getFieldValue(entry, filter.Field)

		for _, exclude := range filter.Excludes {
			if f.matchesFilter(value, exclude) {
				return true, fmt.Sprintf("Excluded by %s filter: contains '%s'", filter.Field, exclude)
			}
		}

		if len(filter.Includes) > 0 {
			matched := false
			for _, include := range filter.Includes {
				if f.matchesFilter(value, include) {
					matched = true
					break
				}
			}
			if !matched {
				return true, fmt.Sprintf("Excluded by %s filter: does not contain any of %v", filter.Field, filter.Includes)
			}
		}
	}

	return false, ""
}

func (f *Filterer) matchesFilter(value, pattern string) bool {
	return strings.Contains(strings.ToLower(value), strings.ToLower(pattern))
}

func (f *Filterer) getFieldValue(entry database.Entry, field string) string {
	switch field {
	case "title":
		return entry.Title
	case "summary":
		return entry.Summary
	case "content":
		values := make([]string, len(entry.Content))
		for i, c := range entry.Content {
			values[i] = c.Value
		}
		return strings.Join(values, " ")
	case "author":
		return entry.Author
	case "link":
		return entry.Link
	default:
		return ""
	}
}
