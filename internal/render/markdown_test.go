// ABOUTME: Tests for message Markdown rendering
// ABOUTME: Checks basic formatting, links and that raw HTML is escaped

package render

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMarkdown(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		contains []string
		excludes []string
	}{
		{"emphasis", "**200 units** by *Friday*", []string{"<strong>200 units</strong>", "<em>Friday</em>"}, nil},
		{"bare link", "see https://example.com/catalog", []string{`<a href="https://example.com/catalog">`}, nil},
		{"hard wrap", "line one\nline two", []string{"<br"}, nil},
		{"strikethrough", "~~old price~~", []string{"<del>old price</del>"}, nil},
		{"raw html", "<script>alert(1)</script>", nil, []string{"<script>"}},
		{"inline html", "hi <b onclick=x>there</b>", nil, []string{"onclick"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := Markdown(tt.input)
			for _, want := range tt.contains {
				assert.Contains(t, out, want)
			}
			for _, bad := range tt.excludes {
				assert.NotContains(t, out, bad)
			}
		})
	}
}

func TestMarkdown_Empty(t *testing.T) {
	assert.Empty(t, Markdown(""))
}
