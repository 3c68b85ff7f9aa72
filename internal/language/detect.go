// Package language covers the query-understanding stages that run before
// retrieval: script-based language detection, LLM translation of Russian
// queries into the corpus language, and aggregation of multi-turn context
// into a single standalone query.
package language

import (
	"unicode"
)

// Languages the pipeline distinguishes. The knowledge base carries English
// and Russian FTS indices; everything else is treated as English.
const (
	LangEnglish = "en"
	LangRussian = "ru"
)

// Detection is the outcome of script analysis on one query.
type Detection struct {
	Language   string
	Confidence float64
}

// Detect classifies a query by its Cyrillic/Latin letter ratio. Confidence
// is the share of letters belonging to the winning script; an empty or
// letterless query defaults to English with zero confidence.
func Detect(text string) Detection {
	var cyrillic, latin, letters int
	for _, r := range text {
		if !unicode.IsLetter(r) {
			continue
		}
		letters++
		switch {
		case unicode.Is(unicode.Cyrillic, r):
			cyrillic++
		case r < 128 || unicode.Is(unicode.Latin, r):
			latin++
		}
	}
	if letters == 0 {
		return Detection{Language: LangEnglish, Confidence: 0}
	}
	if cyrillic > latin {
		return Detection{Language: LangRussian, Confidence: float64(cyrillic) / float64(letters)}
	}
	return Detection{Language: LangEnglish, Confidence: float64(latin) / float64(letters)}
}
