// ABOUTME: Markdown rendering and message splitting for Matrix replies
// ABOUTME: Converts agent Markdown to the HTML subset Matrix clients display

package matrix

import (
	"bytes"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

// MaxChunkSize bounds the size in bytes of one outgoing message body.
const MaxChunkSize = 30000

// Renderer turns Markdown into Matrix formatted bodies.
type Renderer struct {
	md goldmark.Markdown
}

// NewRenderer creates a Renderer with GitHub-flavored Markdown enabled.
// Raw HTML in the input is escaped.
func NewRenderer() *Renderer {
	return &Renderer{
		md: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithRendererOptions(html.WithHardWraps()),
		),
	}
}

// Render converts markdown to HTML.
func (r *Renderer) Render(markdown string) (string, error) {
	var buf bytes.Buffer
	if err := r.md.Convert([]byte(markdown), &buf); err != nil {
		return "", fmt.Errorf("rendering markdown: %w", err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// Chunk splits text into pieces of at most maxLen bytes, preferring paragraph
// breaks, then line breaks, and never splitting a UTF-8 sequence.
func Chunk(text string, maxLen int) []string {
	if maxLen <= 0 {
		maxLen = MaxChunkSize
	}

	var chunks []string
	for len(text) > maxLen {
		window := text[:maxLen]
		cut := strings.LastIndex(window, "\n\n")
		if cut <= 0 {
			cut = strings.LastIndex(window, "\n")
		}
		if cut <= 0 {
			cut = maxLen
			for cut > 0 && !utf8.RuneStart(text[cut]) {
				cut--
			}
		}
		if piece := strings.TrimRight(text[:cut], "\n"); piece != "" {
			chunks = append(chunks, piece)
		}
		text = strings.TrimLeft(text[cut:], "\n")
	}
	if strings.TrimSpace(text) != "" {
		chunks = append(chunks, text)
	}
	return chunks
}
