// Package query derives the effective query sent to the engine from the
// primary query and an optional refine instruction.
package query

import "strings"

// RefineLabel introduces the refine instruction inside the effective query.
const RefineLabel = "Refine / adjust as follows:"

// Effective combines q and refine. With an empty refine the result is the
// trimmed query; otherwise the refine text follows a blank line and the
// label.
func Effective(q, refine string) string {
	q = strings.TrimSpace(q)
	refine = strings.TrimSpace(refine)
	if refine == "" {
		return q
	}
	return q + "\n\n" + RefineLabel + "\n" + refine
}

// CanRun reports whether the pair yields a non-empty effective query.
func CanRun(q, refine string) bool {
	return strings.TrimSpace(Effective(q, refine)) != ""
}
