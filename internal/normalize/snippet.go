package normalize

import (
	"regexp"
	"strings"

	"github.com/jaytaylor/html2text"
)

// DefaultSnippetLength is the snippet size in runes.
const DefaultSnippetLength = 200

var tagPattern = regexp.MustCompile(`<[^>]*>`)

// Snippet collapses whitespace in source and keeps at most limit runes.
func Snippet(source string, limit int) string {
	if limit <= 0 {
		limit = DefaultSnippetLength
	}
	collapsed := strings.Join(strings.Fields(source), " ")
	runes := []rune(collapsed)
	if len(runes) <= limit {
		return collapsed
	}
	return strings.TrimSpace(string(runes[:limit]))
}

// SnippetFromBody prefers the text body and falls back to the HTML body
// rendered as plain text.
func SnippetFromBody(body Body) string {
	if strings.TrimSpace(body.Text) != "" {
		return Snippet(body.Text, DefaultSnippetLength)
	}
	if body.HTML == "" {
		return ""
	}
	return Snippet(HTMLToText(body.HTML), DefaultSnippetLength)
}

// HTMLToText renders HTML as readable text without link targets.
func HTMLToText(html string) string {
	text, err := html2text.FromString(html, html2text.Options{OmitLinks: true, TextOnly: true})
	if err != nil {
		return tagPattern.ReplaceAllString(html, " ")
	}
	return text
}
