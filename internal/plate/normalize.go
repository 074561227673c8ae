// Package plate turns ROI crops into normalized vehicle plate codes.
package plate

import (
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"
)

// Pattern matches a plate code: three letters, a digit, a letter, two digits.
var Pattern = regexp.MustCompile(`[A-Z]{3}[0-9][A-Z][0-9]{2}`)

// Normalize returns the first plate code found in text, after correcting the
// OCR confusion of W read as N. Only the matched code is corrected.
func Normalize(text string) (string, bool) {
	match := Pattern.FindString(text)
	if match == "" {
		log.Debug().Str("text", text).Msg("no plate pattern in text")
		return "", false
	}

	code := strings.ReplaceAll(match, "N", "W")
	log.Debug().Str("match", match).Str("plate", code).Msg("plate pattern matched")
	return code, true
}

// Valid reports whether code is exactly one plate code.
func Valid(code string) bool {
	return len(code) == 7 && Pattern.MatchString(code)
}
