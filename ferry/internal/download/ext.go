package download

import (
	"mime"
	"path"
	"path/filepath"
	"strings"
)

// DefaultExt is used when nothing else names the format.
const DefaultExt = ".epub"

var contentTypeExt = map[string]string{
	"application/epub+zip":           ".epub",
	"application/pdf":                ".pdf",
	"application/x-mobipocket-ebook": ".mobi",
	"application/vnd.amazon.ebook":   ".azw3",
	"application/x-cbz":              ".cbz",
	"application/vnd.comicbook+zip":  ".cbz",
	"application/x-cbr":              ".cbr",
	"application/vnd.comicbook-rar":  ".cbr",
	"application/zip":                ".zip",
}

// detectExt picks the file extension from, in order, the
// Content-Disposition filename, the Content-Type, and the URL path.
func detectExt(disposition, contentType, urlPath string) string {
	if disposition != "" {
		if _, params, err := mime.ParseMediaType(disposition); err == nil {
			if ext := cleanExt(filepath.Ext(params["filename"])); ext != "" {
				return ext
			}
		}
	}
	if contentType != "" {
		mt, _, err := mime.ParseMediaType(contentType)
		if err == nil {
			if ext, ok := contentTypeExt[mt]; ok {
				return ext
			}
		}
	}
	if ext := cleanExt(path.Ext(urlPath)); ext != "" {
		return ext
	}
	return DefaultExt
}

// cleanExt lowercases ext and rejects anything that does not look like a
// file extension (".0", ".html?x", empty).
func cleanExt(ext string) string {
	ext = strings.ToLower(ext)
	if len(ext) < 3 || len(ext) > 6 {
		return ""
	}
	hasLetter := false
	for _, r := range ext[1:] {
		switch {
		case r >= 'a' && r <= 'z':
			hasLetter = true
		case r >= '0' && r <= '9':
		default:
			return ""
		}
	}
	if !hasLetter {
		return ""
	}
	return ext
}
