// ABOUTME: Markdown rendering for message content
// ABOUTME: Converts message text to HTML with goldmark; raw HTML in input is escaped

package render

import (
	"bytes"
	"html"
	"log/slog"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	htmlrenderer "github.com/yuin/goldmark/renderer/html"
)

var md = goldmark.New(
	goldmark.WithExtensions(extension.Linkify, extension.Strikethrough),
	goldmark.WithRendererOptions(htmlrenderer.WithHardWraps()),
)

// Markdown converts message content to HTML. Raw HTML is never passed
// through. If conversion fails the escaped text is returned in a paragraph.
func Markdown(content string) string {
	var buf bytes.Buffer
	if err := md.Convert([]byte(content), &buf); err != nil {
		slog.Default().Warn("failed to convert markdown", "error", err)
		return "<p>" + html.EscapeString(content) + "</p>\n"
	}
	return buf.String()
}
