package query

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

var markerPattern = regexp.MustCompile(`\[(\d+)\]`)

// snippet trims chunk text to the citation length, preferring a sentence
// boundary over a hard cut.
func snippet(text string) string {
	text = strings.TrimSpace(text)
	runes := []rune(text)
	if len(runes) <= snippetMaxRunes {
		return text
	}

	cut := snippetMaxRunes
	for i := snippetMaxRunes - 1; i > snippetMaxRunes/2; i-- {
		switch runes[i] {
		case '.', '!', '?', '。', '！', '？', '；', ';':
			return strings.TrimSpace(string(runes[:i+1]))
		}
	}
	return strings.TrimSpace(string(runes[:cut])) + "…"
}

// queryTerms extracts match terms from a query: lowercase Latin words of
// three or more characters, plus Han character bigrams.
func queryTerms(query string) []string {
	seen := make(map[string]bool)
	var out []string

	add := func(term string) {
		if term == "" || seen[term] {
			return
		}
		seen[term] = true
		out = append(out, term)
	}

	var word, hanRun strings.Builder
	flushWord := func() {
		if word.Len() >= 3 {
			add(strings.ToLower(word.String()))
		}
		word.Reset()
	}
	// Chinese queries match on character bigrams; a whole phrase rarely
	// reappears verbatim in chunk text.
	flushHan := func() {
		runes := []rune(hanRun.String())
		hanRun.Reset()
		if len(runes) == 1 {
			add(string(runes))
			return
		}
		for i := 0; i+1 < len(runes); i++ {
			add(string(runes[i : i+2]))
		}
	}

	for _, r := range query {
		switch {
		case unicode.Is(unicode.Han, r):
			flushWord()
			hanRun.WriteRune(r)
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			flushHan()
			word.WriteRune(r)
		default:
			flushWord()
			flushHan()
		}
	}
	flushWord()
	flushHan()
	return out
}

// HighlightSpans locates query terms inside text and returns their
// [start, end) rune-offset spans. Longer terms claim positions first and
// spans never overlap; the result is sorted by start.
func HighlightSpans(query, text string) [][2]int {
	terms := queryTerms(query)
	if len(terms) == 0 || text == "" {
		return nil
	}
	sort.SliceStable(terms, func(i, j int) bool {
		return utf8.RuneCountInString(terms[i]) > utf8.RuneCountInString(terms[j])
	})

	runes := []rune(text)
	lower := make([]rune, len(runes))
	for i, r := range runes {
		lower[i] = unicode.ToLower(r)
	}

	taken := make([]bool, len(runes))
	var spans [][2]int
	for _, term := range terms {
		tr := []rune(term)
		for i := 0; i+len(tr) <= len(lower); i++ {
			if !matchesAt(lower, taken, tr, i) {
				continue
			}
			for k := i; k < i+len(tr); k++ {
				taken[k] = true
			}
			spans = append(spans, [2]int{i, i + len(tr)})
			i += len(tr) - 1
		}
	}

	sort.Slice(spans, func(i, j int) bool { return spans[i][0] < spans[j][0] })
	return spans
}

func matchesAt(lower []rune, taken []bool, term []rune, at int) bool {
	for k, r := range term {
		if taken[at+k] || lower[at+k] != r {
			return false
		}
	}
	return true
}

// rewriteMarkers renumbers the [n] markers in the answer contiguously in
// order of first appearance and returns the matching citation subset.
// Markers pointing outside the citation list are stripped. An answer with
// no valid markers is returned unchanged with the full citation list.
func rewriteMarkers(answer string, citations []Citation) (string, []Citation) {
	matches := markerPattern.FindAllStringSubmatch(answer, -1)
	if len(matches) == 0 {
		return answer, citations
	}

	byMarker := make(map[int]Citation, len(citations))
	for _, c := range citations {
		byMarker[c.Marker] = c
	}

	remap := make(map[int]int)
	var kept []Citation
	anyValid := false
	for _, m := range matches {
		old, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if _, valid := byMarker[old]; !valid {
			continue
		}
		anyValid = true
		if _, done := remap[old]; done {
			continue
		}
		next := len(kept) + 1
		remap[old] = next
		c := byMarker[old]
		c.Marker = next
		kept = append(kept, c)
	}
	if !anyValid {
		// Every marker was bogus; strip them rather than cite nothing.
		stripped := markerPattern.ReplaceAllString(answer, "")
		return strings.TrimSpace(stripped), citations
	}

	rewritten := markerPattern.ReplaceAllStringFunc(answer, func(m string) string {
		old, err := strconv.Atoi(strings.Trim(m, "[]"))
		if err != nil {
			return m
		}
		next, ok := remap[old]
		if !ok {
			return ""
		}
		return fmt.Sprintf("[%d]", next)
	})
	return rewritten, kept
}

// citationCoverage is the share of citation candidates the answer
// actually cites: distinct resolved markers over k_cite, clamped to 1.
// When retrieval produced fewer than k_cite candidates the denominator
// shrinks to what was actually offered.
func citationCoverage(answer string, citations []Citation, kCite int) float64 {
	if len(citations) < kCite {
		kCite = len(citations)
	}
	if kCite <= 0 {
		return 0
	}

	valid := make(map[int]bool, len(citations))
	for _, c := range citations {
		valid[c.Marker] = true
	}

	cited := make(map[int]bool)
	for _, m := range markerPattern.FindAllStringSubmatch(answer, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil || !valid[n] {
			continue
		}
		cited[n] = true
	}

	coverage := float64(len(cited)) / float64(kCite)
	if coverage > 1 {
		coverage = 1
	}
	return coverage
}
