package toolexecutor

import (
	"fmt"
	"sort"
	"strings"
)

// ToolCategory groups tools for policies. Agents are usually granted whole
// categories rather than individual tools.
type ToolCategory string

const (
	CategoryRead     ToolCategory = "read"
	CategoryWrite    ToolCategory = "write"
	CategoryShell    ToolCategory = "shell"
	CategoryWeb      ToolCategory = "web"
	CategoryInteract ToolCategory = "interact"
	CategoryGeneral  ToolCategory = "general"
)

var knownCategories = map[ToolCategory]bool{
	CategoryRead:     true,
	CategoryWrite:    true,
	CategoryShell:    true,
	CategoryWeb:      true,
	CategoryInteract: true,
	CategoryGeneral:  true,
}

// Mutating reports whether tools in c may change state outside the run.
func (c ToolCategory) Mutating() bool {
	return c == CategoryWrite || c == CategoryShell
}

// AllCategories returns the known categories, sorted.
func AllCategories() []ToolCategory {
	all := make([]ToolCategory, 0, len(knownCategories))
	for c := range knownCategories {
		all = append(all, c)
	}
	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })
	return all
}

// IsValidCategory reports whether category names a known category,
// ignoring case.
func IsValidCategory(category string) bool {
	_, err := ParseCategory(category)
	return err == nil
}

// ParseCategory normalizes s into a known category.
func ParseCategory(s string) (ToolCategory, error) {
	c := ToolCategory(strings.ToLower(strings.TrimSpace(s)))
	if !knownCategories[c] {
		return "", fmt.Errorf("invalid category: %q", s)
	}
	return c, nil
}

// ParseCategories parses every entry of names, failing on the first unknown one.
func ParseCategories(names []string) ([]ToolCategory, error) {
	if len(names) == 0 {
		return nil, nil
	}
	out := make([]ToolCategory, 0, len(names))
	for _, n := range names {
		c, err := ParseCategory(n)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// FilterByCategory returns the names of registered tools in a category, sorted
func (te *ToolExecutor) FilterByCategory(category ToolCategory) []string {
	return te.FilterByCategories([]ToolCategory{category})
}

// FilterByCategories returns the names of registered tools in any of the categories, sorted
func (te *ToolExecutor) FilterByCategories(categories []ToolCategory) []string {
	want := make(map[ToolCategory]bool, len(categories))
	for _, cat := range categories {
		want[cat] = true
	}

	te.mu.RLock()
	defer te.mu.RUnlock()

	filtered := []string{}
	for name, def := range te.tools {
		if want[def.Category] {
			filtered = append(filtered, name)
		}
	}
	sort.Strings(filtered)
	return filtered
}

// MutatingTools returns the registered tools whose category can change
// state, sorted.
func (te *ToolExecutor) MutatingTools() []string {
	var cats []ToolCategory
	for c := range knownCategories {
		if c.Mutating() {
			cats = append(cats, c)
		}
	}
	return te.FilterByCategories(cats)
}
