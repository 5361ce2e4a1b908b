package domain

import (
	"path/filepath"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// MaxStemRunes bounds the file name stem so chat uploads keep a sane name length.
const MaxStemRunes = 60

// SanitizeFilename cleans a produced file name: letters, digits, underscore,
// whitespace and hyphen survive, whitespace runs become one "_", the stem is capped
// at MaxStemRunes and the lower-cased extension is kept. Applying it twice yields the
// same result as applying it once.
func SanitizeFilename(name string) string {
	name = norm.NFC.String(filepath.Base(name))

	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	ext = cleanExt(ext)
	if ext == "" {
		// "archive." or ".hidden": treat the whole thing as stem
		stem = strings.TrimSuffix(name, filepath.Ext(name))
		if stem == "" {
			stem = name
		}
	}

	stem = cleanStem(stem)
	if stem == "" {
		stem = "file"
	}
	return stem + ext
}

func cleanStem(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	pendingSpace := false
	for _, r := range s {
		switch {
		case unicode.IsSpace(r) || r == '_':
			pendingSpace = true
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-':
			if pendingSpace && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSpace = false
			b.WriteRune(r)
		}
	}

	// dropping a separator can leave composable neighbours behind
	out := strings.Trim(norm.NFC.String(b.String()), "_-")
	runes := []rune(out)
	if len(runes) > MaxStemRunes {
		out = strings.Trim(string(runes[:MaxStemRunes]), "_-")
	}
	return out
}

func cleanExt(ext string) string {
	if len(ext) < 2 {
		return ""
	}
	var b strings.Builder
	b.WriteByte('.')
	for _, r := range strings.ToLower(ext[1:]) {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(r)
		}
	}
	if b.Len() == 1 {
		return ""
	}
	return b.String()
}
