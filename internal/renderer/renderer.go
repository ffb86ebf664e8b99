package renderer

import (
	"regexp"
	"strings"

	"github.com/tkhasanov/newsletter-engine/internal/model"
	"github.com/tkhasanov/newsletter-engine/internal/segment"
)

// EmailContent is the content snapshot captured onto a dispatch record.
type EmailContent struct {
	Subject   string
	HTML      string
	Plaintext string
}

// segmentBlockRe matches segment-gated content blocks:
//
//	<!-- segment:status:free -->only for free members<!-- /segment -->
var segmentBlockRe = regexp.MustCompile(`(?s)<!--\s*segment:(\S+)\s*-->(.*?)<!--\s*/segment\s*-->`)

var tagRe = regexp.MustCompile(`<[^>]*>`)
var spaceRe = regexp.MustCompile(`[ \t]+`)

type Renderer struct{}

func New() *Renderer { return &Renderer{} }

// Serialize builds the email content snapshot for a post.
func (r *Renderer) Serialize(post *model.Post) EmailContent {
	return EmailContent{
		Subject:   post.Title,
		HTML:      post.HTML,
		Plaintext: htmlToText(post.HTML),
	}
}

// RenderForSegment resolves segment-gated blocks: blocks whose label matches
// the given segment are inlined, all other gated blocks are removed. An empty
// segment renders the unsegmented variant (every gated block dropped).
func (r *Renderer) RenderForSegment(c EmailContent, segmentLabel string) EmailContent {
	render := func(s string) string {
		return segmentBlockRe.ReplaceAllStringFunc(s, func(block string) string {
			m := segmentBlockRe.FindStringSubmatch(block)
			if segmentLabel != "" && m[1] == segmentLabel {
				return m[2]
			}
			return ""
		})
	}
	c.HTML = render(c.HTML)
	c.Plaintext = htmlToText(c.HTML)
	return c
}

// DetectSegments scans post HTML for gated blocks and returns the segment
// labels to partition by, in order of first appearance. Only registered
// segments are reported; a stray marker in author content never fails a send.
func (r *Renderer) DetectSegments(html string) []string {
	var labels []string
	seen := map[string]bool{}
	for _, m := range segmentBlockRe.FindAllStringSubmatch(html, -1) {
		label := m[1]
		if seen[label] || !segment.Known(label) {
			continue
		}
		seen[label] = true
		labels = append(labels, label)
	}
	return labels
}

// Personalize substitutes recipient placeholders in content.
func Personalize(s, name, email string) string {
	first := name
	if i := strings.IndexByte(name, ' '); i > 0 {
		first = name[:i]
	}
	s = strings.ReplaceAll(s, "{first_name}", first)
	s = strings.ReplaceAll(s, "{name}", name)
	s = strings.ReplaceAll(s, "{email}", email)
	return s
}

func htmlToText(html string) string {
	text := strings.ReplaceAll(html, "</p>", "\n")
	text = strings.ReplaceAll(text, "<br>", "\n")
	text = strings.ReplaceAll(text, "<br/>", "\n")
	text = tagRe.ReplaceAllString(text, "")
	text = spaceRe.ReplaceAllString(text, " ")

	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		l = strings.TrimSpace(l)
		if l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}
