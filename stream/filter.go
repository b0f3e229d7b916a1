package stream

import (
	"fmt"

	"github.com/gobwas/glob"
)

// ColumnFilter drops columns whose names match any exclude pattern.
type ColumnFilter struct {
	excludes []glob.Glob
}

// NewColumnFilter compiles exclude patterns such as "METADATA$*".
// Empty patterns exclude nothing.
func NewColumnFilter(patterns []string) (*ColumnFilter, error) {
	f := &ColumnFilter{excludes: make([]glob.Glob, 0, len(patterns))}

	for _, pattern := range patterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid column pattern %q: %w", pattern, err)
		}
		f.excludes = append(f.excludes, g)
	}

	return f, nil
}

// Excluded returns true if column matches an exclude pattern
func (f *ColumnFilter) Excluded(column string) bool {
	if f == nil {
		return false
	}
	for _, g := range f.excludes {
		if g.Match(column) {
			return true
		}
	}
	return false
}

// Keep returns the indexes and names of the columns that survive the filter.
func (f *ColumnFilter) Keep(columns []string) ([]int, []string) {
	idx := make([]int, 0, len(columns))
	kept := make([]string, 0, len(columns))
	for i, c := range columns {
		if f.Excluded(c) {
			continue
		}
		idx = append(idx, i)
		kept = append(kept, c)
	}
	return idx, kept
}
