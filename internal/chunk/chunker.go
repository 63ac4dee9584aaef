package chunk

import (
	"strconv"
	"strings"
	"unicode"
)

// Chunker splits normalized text into overlapping chunks at sentence
// boundaries. It is stateless and safe for concurrent use.
type Chunker struct {
	maxChars int
	overlap  int
}

// New creates a Chunker, applying defaults for zero values.
func New(maxChars, overlap int) *Chunker {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	if overlap < 0 || overlap >= maxChars {
		overlap = DefaultOverlap
	}
	return &Chunker{maxChars: maxChars, overlap: overlap}
}

// span is a half-open rune-offset range into the normalized text.
type span struct {
	start, end int
}

// Split chunks the document text. Chunk ordinals are assigned in document
// order, so re-chunking identical input yields identical IDs and offsets.
func (c *Chunker) Split(docID, text string, opts Options) ([]Chunk, error) {
	normalized := normalize(text)
	if normalized == "" {
		return nil, &ChunkError{DocID: docID, Reason: "empty document after normalization"}
	}

	runes := []rune(normalized)
	units := splitUnits(runes, opts.Language)
	units = splitOversize(runes, units, c.maxChars)

	paragraphs := paragraphStarts(runes)

	var chunks []Chunk
	i := 0
	for i < len(units) {
		start := units[i].start
		end := units[i].end
		j := i
		for j+1 < len(units) && units[j+1].end-start <= c.maxChars {
			j++
			end = units[j].end
		}

		chunks = append(chunks, Chunk{
			ID:       ChunkID(docID, len(chunks)),
			DocID:    docID,
			Text:     string(runes[start:end]),
			StartIdx: start,
			EndIdx:   end,
			Metadata: c.metadata(start, paragraphs, opts),
		})

		if j+1 >= len(units) {
			break
		}

		// Back up over trailing units to carry up to overlap runes into
		// the next chunk, but always advance past at least one unit.
		next := j + 1
		for next > i+1 && end-units[next-1].start <= c.overlap {
			next--
		}
		i = next
	}

	return chunks, nil
}

func (c *Chunker) metadata(start int, paragraphs []int, opts Options) map[string]string {
	md := map[string]string{
		"language":  languageOrDefault(opts.Language),
		"paragraph": strconv.Itoa(paragraphAt(paragraphs, start)),
	}
	for _, p := range opts.Pages {
		if start >= p.StartIdx && start < p.EndIdx {
			md["page"] = strconv.Itoa(p.Page)
			break
		}
	}
	return md
}

func languageOrDefault(lang string) string {
	if lang == "zh" {
		return "zh"
	}
	return "en"
}

// normalize collapses line endings and trims outer whitespace. Interior
// structure (paragraph breaks) is preserved for boundary detection.
func normalize(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	return strings.TrimSpace(text)
}

// splitUnits segments runes into contiguous sentence units. Units tile the
// text exactly: unit[i].end == unit[i+1].start, first starts at 0, last
// ends at len(runes).
func splitUnits(runes []rune, language string) []span {
	var units []span
	start := 0
	n := len(runes)

	for i := 0; i < n; i++ {
		r := runes[i]
		boundary := false

		switch {
		case r == '\n':
			boundary = true
		case language == "zh" && isCJKTerminator(r):
			boundary = true
		case language != "zh" && isSentenceTerminator(r):
			// English terminators only end a sentence when followed by
			// whitespace, so "3.8 GPA" stays intact.
			if i+1 >= n || unicode.IsSpace(runes[i+1]) {
				boundary = true
			}
		}

		if !boundary {
			continue
		}

		// Absorb the run of trailing whitespace into this unit so units
		// stay contiguous.
		end := i + 1
		for end < n && unicode.IsSpace(runes[end]) {
			end++
		}
		units = append(units, span{start: start, end: end})
		start = end
		i = end - 1
	}

	if start < n {
		units = append(units, span{start: start, end: n})
	}
	return units
}

func isCJKTerminator(r rune) bool {
	switch r {
	case '。', '！', '？', '；':
		return true
	}
	return false
}

func isSentenceTerminator(r rune) bool {
	switch r {
	case '.', '!', '?':
		return true
	}
	return false
}

// splitOversize cuts any unit longer than maxChars into pieces, preferring
// the last whitespace before the limit. CJK text rarely has whitespace, so
// a hard cut at the rune limit is the fallback.
func splitOversize(runes []rune, units []span, maxChars int) []span {
	var out []span
	for _, u := range units {
		for u.end-u.start > maxChars {
			cut := u.start + maxChars
			for k := cut; k > u.start+1; k-- {
				if unicode.IsSpace(runes[k-1]) {
					cut = k
					break
				}
			}
			out = append(out, span{start: u.start, end: cut})
			u.start = cut
		}
		if u.end > u.start {
			out = append(out, u)
		}
	}
	return out
}

// paragraphStarts returns the rune offsets at which paragraphs begin.
// A paragraph break is a blank line.
func paragraphStarts(runes []rune) []int {
	starts := []int{0}
	for i := 0; i+1 < len(runes); i++ {
		if runes[i] == '\n' && runes[i+1] == '\n' {
			j := i + 1
			for j < len(runes) && runes[j] == '\n' {
				j++
			}
			if j < len(runes) {
				starts = append(starts, j)
			}
		}
	}
	return starts
}

func paragraphAt(starts []int, offset int) int {
	p := 0
	for i, s := range starts {
		if offset >= s {
			p = i
		}
	}
	return p
}
