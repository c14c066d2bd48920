package deliver

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// MaxBaseBytes caps the file name before the extension.
const MaxBaseBytes = 200

const illegal = `<>:"/\|?*`

// SanitizeFileName builds "<author> - <title><ext>" with characters that
// are illegal in common file systems removed. The author part is dropped
// when empty.
func SanitizeFileName(author, title, ext string) string {
	author, title = clean(author), clean(title)
	var base string
	switch {
	case author != "" && title != "":
		base = author + " - " + title
	case title != "":
		base = title
	case author != "":
		base = author
	default:
		base = "untitled"
	}
	base = truncate(base, MaxBaseBytes)
	base = strings.TrimRight(base, ". ")
	if base == "" {
		base = "untitled"
	}
	return base + ext
}

func clean(s string) string {
	s = strings.Map(func(r rune) rune {
		if strings.ContainsRune(illegal, r) {
			return -1
		}
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, s)
	s = strings.Join(strings.Fields(s), " ")
	return strings.TrimRight(s, ". ")
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
