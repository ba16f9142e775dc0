package artifact

import (
	"fmt"
	"path"
	"strings"
	"unicode"
)

const (
	// PrefixRunes bounds the prompt prefix used in file names.
	PrefixRunes = 10
	// DefaultName replaces a prompt prefix that sanitizes to nothing.
	DefaultName = "default_name"
)

var unsafeRunes = strings.NewReplacer(
	"<", "_", ">", "_", ":", "_", `"`, "_",
	"/", "_", `\`, "_", "|", "_", "?", "_", "*", "_",
)

// SanitizePrefix turns a prompt into a short file-name-safe prefix.
func SanitizePrefix(prompt string) string {
	cleaned := unsafeRunes.Replace(prompt)
	cleaned = strings.Join(strings.FieldsFunc(cleaned, unicode.IsSpace), "_")
	if runes := []rune(cleaned); len(runes) > PrefixRunes {
		cleaned = string(runes[:PrefixRunes])
	}
	cleaned = strings.Trim(cleaned, ".")
	if cleaned == "" {
		return DefaultName
	}
	return cleaned
}

// FileName names the seq-th image (1-based) generated for a data row.
func FileName(dataRow int, prompt string, seq int) string {
	return fmt.Sprintf("%d_%s_img%d.jpg", dataRow, SanitizePrefix(prompt), seq)
}

// ObjectPath places a file under the source's directory.
func ObjectPath(sourceName, file string) string {
	if sourceName == "" {
		return file
	}
	return path.Join(sourceName, file)
}
