package handlers

import (
	"bytes"
	"html/template"

	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

// markdown renders message content to HTML. Raw HTML in the source is not passed through.
type markdown struct {
	md goldmark.Markdown
}

func newMarkdown() markdown {
	return markdown{
		md: goldmark.New(
			goldmark.WithExtensions(
				extension.GFM,
				highlighting.NewHighlighting(
					highlighting.WithStyle("github"),
				),
			),
			goldmark.WithRendererOptions(
				html.WithHardWraps(),
			),
		),
	}
}

func (m markdown) render(source string) template.HTML {
	var buf bytes.Buffer
	if err := m.md.Convert([]byte(source), &buf); err != nil {
		// Fall back to the escaped source, it is still readable.
		return template.HTML(template.HTMLEscapeString(source))
	}
	return template.HTML(buf.String())
}
