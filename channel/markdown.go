package channel

import (
	"bytes"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

// Renderer converts the model's Markdown output into the HTML subset the
// chat transport accepts. Block containers fold into line breaks, headings
// become bold lines, list items become bullets; code spans, fences, links,
// and inline emphasis survive as tags.
type Renderer struct {
	md goldmark.Markdown
}

func NewRenderer() *Renderer {
	return &Renderer{
		md: goldmark.New(
			goldmark.WithExtensions(extension.Strikethrough),
			goldmark.WithRendererOptions(html.WithHardWraps()),
		),
	}
}

var (
	headingOpenRe  = regexp.MustCompile(`<h[1-6][^>]*>`)
	headingCloseRe = regexp.MustCompile(`</h[1-6]>`)
	listOpenRe     = regexp.MustCompile(`<[ou]l[^>]*>\n?`)
	listCloseRe    = regexp.MustCompile(`</[ou]l>\n?`)
	manyNewlinesRe = regexp.MustCompile(`\n{3,}`)
)

var tagFolder = strings.NewReplacer(
	"<p>", "",
	"</p>", "\n\n",
	"<br>\n", "\n",
	"<br/>\n", "\n",
	"<br />\n", "\n",
	"<br>", "\n",
	"<br/>", "\n",
	"<br />", "\n",
	"<li>", "• ",
	"</li>\n", "\n",
	"</li>", "\n",
	"<strong>", "<b>",
	"</strong>", "</b>",
	"<em>", "<i>",
	"</em>", "</i>",
	"<del>", "<s>",
	"</del>", "</s>",
	"<hr>", "----------",
	"<hr/>", "----------",
	"<hr />", "----------",
)

// Render returns transport HTML for Markdown input. The second return is
// false when rendering failed and the raw text should be sent as plain text.
func (r *Renderer) Render(markdown string) (string, bool) {
	var buf bytes.Buffer
	if err := r.md.Convert([]byte(markdown), &buf); err != nil {
		return markdown, false
	}

	out := buf.String()
	out = headingOpenRe.ReplaceAllString(out, "<b>")
	out = headingCloseRe.ReplaceAllString(out, "</b>\n\n")
	out = listOpenRe.ReplaceAllString(out, "")
	out = listCloseRe.ReplaceAllString(out, "\n")
	out = tagFolder.Replace(out)
	out = manyNewlinesRe.ReplaceAllString(out, "\n\n")
	return strings.TrimSpace(out), true
}
