package cache

import "strings"

// ParentDomain derives the candidate parent of a hostname for inheritance
// lookups, using a label-length heuristic rather than a public-suffix list.
// It returns "" when the domain has no useful parent.
//
// Rules: fewer than 3 labels has no parent; 3 or 4 labels parent to the last
// 2 labels; beyond that, suffixes of 2..4 labels are tried shortest first and
// the first one longer than 4 characters wins, falling back to the last 2
// labels. The heuristic can mis-resolve ccTLDs with short second-level
// labels; changing it would change cache-inheritance outcomes, so it stays
// as-is.
func ParentDomain(d string) string {
	labels := strings.Split(d, ".")
	n := len(labels)
	if n < 3 {
		return ""
	}
	if n <= 4 {
		return strings.Join(labels[n-2:], ".")
	}
	for take := 2; take <= 4; take++ {
		candidate := strings.Join(labels[n-take:], ".")
		if len(candidate) > 4 {
			return candidate
		}
	}
	return strings.Join(labels[n-2:], ".")
}
