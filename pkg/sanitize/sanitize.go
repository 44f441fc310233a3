package sanitize

import (
	"path"
	"regexp"
	"strings"
	"unicode"
)

var (
	unsafeKeyChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)
	repeatedDots   = regexp.MustCompile(`\.{2,}`)
)

// Filename reduces a client-supplied filename to a single object-key-safe path segment.
// Directory components and traversal sequences are removed.
func Filename(filename string) string {
	filename = strings.TrimSpace(filename)
	filename = strings.ReplaceAll(filename, "\\", "/")
	filename = path.Base(filename)
	filename = StripControlCharacters(filename)
	filename = unsafeKeyChars.ReplaceAllString(filename, "_")
	filename = repeatedDots.ReplaceAllString(filename, ".")
	filename = strings.Trim(filename, "._")
	if filename == "" || filename == "/" {
		return "file"
	}
	if len(filename) > 128 {
		ext := path.Ext(filename)
		if len(ext) > 16 {
			ext = ""
		}
		filename = filename[:128-len(ext)] + ext
	}
	return filename
}

// DisplayFilename keeps the original name for display, minus directories and control characters
func DisplayFilename(filename string) string {
	filename = strings.ReplaceAll(strings.TrimSpace(filename), "\\", "/")
	filename = StripControlCharacters(path.Base(filename))
	if filename == "" || filename == "." || filename == "/" {
		return "file"
	}
	return filename
}

// MessageContent trims surrounding whitespace and drops control characters other than newlines and tabs
func MessageContent(input string) string {
	var result strings.Builder
	result.Grow(len(input))
	for _, r := range input {
		if r == '\n' || r == '\t' || !unicode.IsControl(r) {
			result.WriteRune(r)
		}
	}
	return strings.TrimSpace(result.String())
}

// StripControlCharacters removes control characters from string
func StripControlCharacters(input string) string {
	var result strings.Builder
	for _, r := range input {
		if !unicode.IsControl(r) {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// ValidateStringLength checks if string length is within bounds
func ValidateStringLength(input string, minLen, maxLen int) bool {
	if len(input) < minLen {
		return false
	}
	if len(input) > maxLen {
		return false
	}
	return true
}
