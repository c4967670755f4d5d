// Package sections checks generated markdown against an agent's required
// output sections. The check is value-level string matching on headers, since
// model output is free text.
package sections

import (
	"regexp"
	"strings"
)

var headerRe = regexp.MustCompile(`(?m)^#{1,6}\s+(.+?)\s*$`)

// Headers extracts the markdown header titles from output, in order.
func Headers(output string) []string {
	matches := headerRe.FindAllStringSubmatch(output, -1)
	res := make([]string, 0, len(matches))
	for _, m := range matches {
		res = append(res, strings.TrimSpace(m[1]))
	}
	return res
}

// Validate returns the required section names missing from output. Matching is
// case-insensitive on header titles; an empty result means the output passes.
func Validate(output string, required []string) []string {
	present := map[string]bool{}
	for _, h := range Headers(output) {
		present[strings.ToLower(h)] = true
	}
	var missing []string
	for _, want := range required {
		if !present[strings.ToLower(strings.TrimSpace(want))] {
			missing = append(missing, want)
		}
	}
	return missing
}
