package formatting

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/aggregate"
)

// CitationMarker matches inline citations such as [3] or [1, 4].
var CitationMarker = regexp.MustCompile(`\[(\d{1,4}(?:\s*,\s*\d{1,4})*)\]`)

const (
	sourcesHeading    = "## Sources"
	incompleteHeading = "## Incomplete research branches"
)

// UsedCitations returns the distinct citation numbers referenced inline,
// ascending.
func UsedCitations(body string) []int {
	used := map[int]bool{}
	for _, m := range CitationMarker.FindAllStringSubmatch(body, -1) {
		for _, part := range strings.Split(m[1], ",") {
			if n, err := strconv.Atoi(strings.TrimSpace(part)); err == nil {
				used[n] = true
			}
		}
	}
	out := make([]int, 0, len(used))
	for n := range used {
		out = append(out, n)
	}
	sort.Ints(out)
	return out
}

var (
	sourcesHeadingLine = regexp.MustCompile(`(?mi)^#{1,2}[ \t]*sources[ \t]*$`)
	sourceEntryLine    = regexp.MustCompile(`^\s*(?:[-*+]|\d+[.)]|\[\d+\]|\[[^\]]*\]\(|<?https?://)`)
)

// StripSourcesSection removes a trailing "# Sources" or "## Sources" section
// the model may have written itself. Only a section made of list or link
// lines counts; subheadings such as "### Sources of ..." are body text.
func StripSourcesSection(body string) string {
	s := strings.TrimSpace(body)
	locs := sourcesHeadingLine.FindAllStringIndex(s, -1)
	if len(locs) == 0 {
		return s
	}
	last := locs[len(locs)-1]
	for _, line := range strings.Split(s[last[1]:], "\n") {
		if strings.TrimSpace(line) != "" && !sourceEntryLine.MatchString(line) {
			return s
		}
	}
	return strings.TrimSpace(s[:last[0]])
}

// FormatReportWithCitations appends the rebuilt Sources section and, when
// some branches failed, the list of incomplete branches.
func FormatReportWithCitations(body string, citations []aggregate.Citation, failed []aggregate.FailedBranch) string {
	var b strings.Builder
	b.WriteString(StripSourcesSection(body))
	b.WriteString("\n\n")
	b.WriteString(sourcesHeading)
	b.WriteString("\n\n")

	used := map[int]bool{}
	for _, n := range UsedCitations(body) {
		used[n] = true
	}
	sorted := append([]aggregate.Citation(nil), citations...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Number < sorted[j].Number })
	for _, c := range sorted {
		title := c.Title
		if title == "" {
			title = c.ID
		}
		fmt.Fprintf(&b, "[%d] [%s](%s)", c.Number, title, c.ID)
		if !used[c.Number] {
			b.WriteString(" - Additional source")
		}
		b.WriteString("\n")
	}

	if len(failed) > 0 {
		b.WriteString("\n")
		b.WriteString(incompleteHeading)
		b.WriteString("\n\n")
		for _, f := range failed {
			fmt.Fprintf(&b, "- %s (depth %d)", f.Query, f.Depth)
			if f.Error != "" {
				fmt.Fprintf(&b, ": %s", f.Error)
			}
			b.WriteString("\n")
		}
	}
	return strings.TrimRight(b.String(), "\n") + "\n"
}
