package model

import (
	"github.com/samber/lo"
	"golang.org/x/text/cases"
)

var foldCase = cases.Fold()

// normalize applies a locale-independent case fold so tag comparisons are not
// sensitive to the source's mixed-case conventions (e.g. "R-18" vs "r-18").
func normalize(s string) string {
	return foldCase.String(s)
}

// Merge unions both sides of two filters. Merge is associative and
// commutative: merging is equivalent regardless of argument order or
// grouping, since it is just set union on each side independently.
func (f TagFilter) Merge(other TagFilter) TagFilter {
	return TagFilter{
		Include: lo.Uniq(append(append([]string{}, f.Include...), other.Include...)),
		Exclude: lo.Uniq(append(append([]string{}, f.Exclude...), other.Exclude...)),
	}
}

// WithExcluded returns a copy of f with additional excluded tags folded in,
// used to apply a chat's excluded_tags on top of a subscription's own filter.
func (f TagFilter) WithExcluded(extra []string) TagFilter {
	return TagFilter{
		Include: f.Include,
		Exclude: lo.Uniq(append(append([]string{}, f.Exclude...), extra...)),
	}
}

// Passes reports whether a work's tags satisfy the filter:
// (include.empty OR include intersects tags) AND exclude does not intersect tags.
func (f TagFilter) Passes(tags []string) bool {
	normTags := lo.Map(tags, func(t string, _ int) string { return normalize(t) })
	tagSet := lo.SliceToMap(normTags, func(t string) (string, struct{}) { return t, struct{}{} })

	if len(f.Exclude) > 0 {
		for _, ex := range f.Exclude {
			if _, hit := tagSet[normalize(ex)]; hit {
				return false
			}
		}
	}

	if len(f.Include) == 0 {
		return true
	}
	for _, inc := range f.Include {
		if _, hit := tagSet[normalize(inc)]; hit {
			return true
		}
	}
	return false
}
