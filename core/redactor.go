package core

import (
	"sort"
	"strings"

	"github.com/SamuelRCrider/pii-guard/utils"
)

// ApplyRedactions replaces every matched span with "[REDACTED:<type>]".
func ApplyRedactions(text string, matches []utils.RawMatch) string {
	return rewrite(text, matches, func(m utils.RawMatch) string {
		return "[REDACTED:" + m.Type + "]"
	})
}

// ApplyMasking replaces every matched span with its masked form, keeping
// enough of the value for a reviewer to recognize it.
func ApplyMasking(text string, matches []utils.RawMatch) string {
	return rewrite(text, matches, func(m utils.RawMatch) string {
		return Mask(m.Text, PIIType(m.Type))
	})
}

// rewrite substitutes spans in offset order. Spans that fall outside text or
// overlap an earlier span are left alone.
func rewrite(text string, matches []utils.RawMatch, replace func(utils.RawMatch) string) string {
	sorted := append([]utils.RawMatch(nil), matches...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Start < sorted[j].Start
	})

	var builder strings.Builder
	lastIndex := 0

	for _, match := range sorted {
		if match.Start < lastIndex || match.End > len(text) || match.Start >= match.End {
			continue
		}

		builder.WriteString(text[lastIndex:match.Start])
		builder.WriteString(replace(match))
		lastIndex = match.End
	}

	builder.WriteString(text[lastIndex:])
	return builder.String()
}
