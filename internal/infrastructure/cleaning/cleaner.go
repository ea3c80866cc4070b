// Package cleaning applies deterministic text normalisation between document
// loading and sanitisation. Pipeline order: load -> clean -> sanitize ->
// chunk -> embed.
package cleaning

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

var (
	zeroWidthRe  = regexp.MustCompile("[\u200B-\u200D]")
	spacesRe     = regexp.MustCompile("[ \t]+")
	lineEndingRe = regexp.MustCompile("\r\n?")
	dehyphenRe   = regexp.MustCompile(`([A-Za-z]{2,})-\n([a-z]{2,})`)
	allCapsRe    = regexp.MustCompile(`^[A-Z0-9 ,.:;()\-/]+$`)
	titleCaseRe  = regexp.MustCompile(`^([A-Z][a-z]+)( [A-Z][a-z]+)*$`)
)

type Cleaner struct {
	// PreserveTables keeps per-line row structure and skips de-hyphenation,
	// used for spreadsheet summaries.
	PreserveTables bool
}

func (c Cleaner) Clean(text string) string {
	if text == "" {
		return ""
	}

	s := norm.NFC.String(text)
	s = stripInvisible(s)
	s = convertLigatures(s)
	s = normalizeLines(s)

	lines := strings.Split(s, "\n")
	lines = dedupHeadersFooters(lines)
	s = strings.Join(lines, "\n")

	if !c.PreserveTables {
		s = safeDehyphenate(s)
	}

	s = filterNoiseBlocks(s)
	return strings.TrimSpace(s)
}

func stripInvisible(s string) string {
	s = strings.ReplaceAll(s, "\u00AD", "")
	s = zeroWidthRe.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, "\u00A0", " ")
	return s
}

func convertLigatures(s string) string {
	s = strings.ReplaceAll(s, "ﬁ", "fi")
	s = strings.ReplaceAll(s, "ﬂ", "fl")
	return s
}

func normalizeLines(s string) string {
	s = lineEndingRe.ReplaceAllString(s, "\n")
	lines := strings.Split(s, "\n")
	for i, ln := range lines {
		ln = strings.TrimRight(ln, " \t")
		lines[i] = spacesRe.ReplaceAllString(ln, " ")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// safeDehyphenate joins words split across lines by a trailing hyphen.
// Requires letters on both sides with the continuation lowercase, so real
// hyphenated terms survive.
func safeDehyphenate(s string) string {
	for {
		next := dehyphenRe.ReplaceAllString(s, "$1$2\n")
		if next == s {
			return s
		}
		s = next
	}
}

// dedupHeadersFooters drops short lines repeating >=3 times that make up
// more than 5% of the document.
func dedupHeadersFooters(lines []string) []string {
	counts := make(map[string]int)
	for _, ln := range lines {
		if ln != "" && len(ln) <= 60 {
			counts[ln]++
		}
	}
	total := len(lines)
	if total == 0 {
		total = 1
	}
	drop := make(map[string]bool)
	for ln, c := range counts {
		if c >= 3 && float64(c)/float64(total) > 0.05 {
			drop[ln] = true
		}
	}
	if len(drop) == 0 {
		return lines
	}
	kept := lines[:0]
	for _, ln := range lines {
		if !drop[ln] {
			kept = append(kept, ln)
		}
	}
	return kept
}

func isHeadingLike(line string) bool {
	if line == "" || len(line) > 60 {
		return false
	}
	return allCapsRe.MatchString(line) || titleCaseRe.MatchString(line)
}

func filterNoiseBlocks(text string) string {
	blocks := strings.Split(text, "\n\n")
	kept := make([]string, 0, len(blocks))
	for _, b := range blocks {
		alpha := 0
		for _, r := range b {
			if unicode.IsLetter(r) {
				alpha++
			}
		}
		if alpha >= 10 || isHeadingLike(strings.TrimSpace(b)) {
			kept = append(kept, b)
		}
	}
	return strings.TrimSpace(strings.Join(kept, "\n\n"))
}
