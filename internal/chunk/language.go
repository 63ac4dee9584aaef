package chunk

import "unicode"

// hanThreshold is the share of letter runes that must be Han before a
// text counts as Chinese. Mixed documents with quoted English program
// names still land on zh well above this line.
const hanThreshold = 0.2

// DetectLanguage classifies text as "zh" or "en" by Han-rune ratio.
func DetectLanguage(text string) string {
	letters, han := 0, 0
	for _, r := range text {
		if !unicode.IsLetter(r) {
			continue
		}
		letters++
		if unicode.Is(unicode.Han, r) {
			han++
		}
	}
	if letters > 0 && float64(han)/float64(letters) >= hanThreshold {
		return "zh"
	}
	return "en"
}
