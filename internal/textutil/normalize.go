// Package textutil cleans model text before it is forwarded to clients.
//
// The upstream model inserts ASCII spaces between CJK characters when it
// mixes scripts, which renders badly on device. The cleaner removes those
// spaces without disturbing genuinely English text ("It is 10:32 AM" must
// survive untouched).
package textutil

import (
	"regexp"
	"strings"
)

const (
	// englishDominantRatio is the ASCII-letter share above which text is
	// passed through unchanged.
	englishDominantRatio = 0.6

	// cjkMinorRatio is the CJK share below which text still counts as
	// English-dominant.
	cjkMinorRatio = 0.2

	// cjkDominantRatio is the CJK share above which spaces at CJK/ASCII
	// boundaries are deleted instead of collapsed.
	cjkDominantRatio = 0.6
)

var (
	whitespaceRun = regexp.MustCompile(`\s+`)
	multiSpace    = regexp.MustCompile(`\s{2,}`)
)

// cjkPunctuation is the full-width punctuation whose surrounding whitespace
// is always stripped.
const cjkPunctuation = "，。！？、；："

func isCJK(r rune) bool {
	return r >= 0x4E00 && r <= 0x9FFF
}

func isASCIILetter(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}

func isDigit(r rune) bool {
	return r >= '0' && r <= '9'
}

// languageRatios returns the CJK and ASCII-letter shares of the text,
// measured over the total rune count.
func languageRatios(text string) (cjk, english float64) {
	var total, cjkCount, enCount int
	for _, r := range text {
		total++
		switch {
		case isCJK(r):
			cjkCount++
		case isASCIILetter(r):
			enCount++
		}
	}
	if total == 0 {
		return 0, 0
	}
	return float64(cjkCount) / float64(total), float64(enCount) / float64(total)
}

// CleanSpaces normalizes whitespace in mixed CJK/ASCII text.
//
// English-dominant text is returned unchanged. Otherwise whitespace runs are
// collapsed, spaces inside CJK runs and between digits and CJK are deleted,
// CJK/ASCII-letter boundaries lose their space entirely when the text is
// CJK-dominant (and keep exactly one space otherwise), and spaces around
// full-width punctuation are stripped. The operation is idempotent.
func CleanSpaces(text string) string {
	if strings.TrimSpace(text) == "" {
		return text
	}

	cjkRatio, enRatio := languageRatios(text)
	if enRatio >= englishDominantRatio && cjkRatio < cjkMinorRatio {
		return text
	}

	result := whitespaceRun.ReplaceAllString(text, " ")

	runes := []rune(result)
	var b strings.Builder
	b.Grow(len(result))

	cjkDominant := cjkRatio >= cjkDominantRatio

	for i := 0; i < len(runes); i++ {
		r := runes[i]

		if r == ' ' {
			prev, next, ok := neighbors(runes, i)
			if !ok {
				b.WriteRune(r)
				continue
			}
			switch {
			case isCJK(prev) && isCJK(next):
				continue
			case isDigit(prev) && isCJK(next), isCJK(prev) && isDigit(next):
				continue
			case cjkDominant && (isCJK(prev) && isASCIILetter(next) || isASCIILetter(prev) && isCJK(next)):
				continue
			case strings.ContainsRune(cjkPunctuation, prev) || strings.ContainsRune(cjkPunctuation, next):
				continue
			}
			b.WriteRune(r)
			continue
		}

		b.WriteRune(r)
	}

	return strings.TrimSpace(b.String())
}

// neighbors returns the non-space runes on either side of position i.
// ok is false when the space sits at either end of the text.
func neighbors(runes []rune, i int) (prev, next rune, ok bool) {
	if i == 0 || i == len(runes)-1 {
		return 0, 0, false
	}
	return runes[i-1], runes[i+1], true
}

// CleanQuotes removes straight double quotes, including escaped forms, from
// text. Full-width curly quotes (U+201C/U+201D) are preserved. Runs of spaces
// left behind by the removal are collapsed.
func CleanQuotes(data string) string {
	cleaned := strings.ReplaceAll(data, `\"`, "")
	cleaned = strings.ReplaceAll(cleaned, `"`, "")
	cleaned = multiSpace.ReplaceAllString(cleaned, " ")
	return strings.TrimSpace(cleaned)
}
