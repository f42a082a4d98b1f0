package util

import (
	"regexp"
	"strings"
	"unicode"
)

// NormalizeText case-folds s and collapses every whitespace run to a single
// space. Two queries are exact duplicates when their normalized forms match.
func NormalizeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// WordCount counts whitespace-separated words.
func WordCount(s string) int {
	return len(strings.Fields(s))
}

// Tokens splits normalized text into word tokens, dropping punctuation.
func Tokens(s string) []string {
	return strings.FieldsFunc(NormalizeText(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

// TruncateString truncates s to maxLen and appends "..." if truncated (UTF-8 safe).
// If preserveWords is true, truncates at the last space before maxLen when possible.
func TruncateString(s string, maxLen int, preserveWords bool) string {
	if maxLen <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	// Reserve space for ellipsis
	if maxLen <= 3 {
		return "..."[:maxLen]
	}
	cut := maxLen - 3
	if preserveWords {
		if idx := lastSpaceBeforeRune(runes, cut); idx > 0 {
			cut = idx
		}
	}
	return string(runes[:cut]) + "..."
}

// lastSpaceBeforeRune finds the last space before pos (in rune count, UTF-8 safe)
func lastSpaceBeforeRune(runes []rune, pos int) int {
	if pos > len(runes) {
		pos = len(runes)
	}
	for i := pos - 1; i >= 0; i-- {
		if runes[i] == ' ' || runes[i] == '\t' || runes[i] == '\n' {
			return i
		}
	}
	return -1
}

var unsafeFilenameChars = regexp.MustCompile(`[^a-z0-9]+`)

// SanitizeFilename turns free text into a short, filesystem-safe slug.
func SanitizeFilename(s string, maxLen int) string {
	slug := unsafeFilenameChars.ReplaceAllString(strings.ToLower(s), "_")
	slug = strings.Trim(slug, "_")
	if maxLen > 0 && len(slug) > maxLen {
		slug = strings.TrimRight(slug[:maxLen], "_")
	}
	if slug == "" {
		return "research"
	}
	return slug
}
