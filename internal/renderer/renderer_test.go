package renderer

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tkhasanov/newsletter-engine/internal/model"
)

const gatedHTML = `<h1>Hello</h1>` +
	`<!-- segment:status:free --><p>Upgrade today!</p><!-- /segment -->` +
	`<!-- segment:status:-free --><p>Thanks for paying.</p><!-- /segment -->` +
	`<p>Bye</p>`

func TestSerialize(t *testing.T) {
	r := New()
	c := r.Serialize(&model.Post{Title: "Weekly digest", HTML: "<p>Hi there</p><p>News.</p>"})

	require.Equal(t, "Weekly digest", c.Subject)
	require.Equal(t, "<p>Hi there</p><p>News.</p>", c.HTML)
	require.Equal(t, "Hi there\nNews.", c.Plaintext)
}

func TestRenderForSegmentKeepsMatchingBlock(t *testing.T) {
	r := New()
	c := r.RenderForSegment(EmailContent{HTML: gatedHTML}, "status:free")

	require.Contains(t, c.HTML, "Upgrade today!")
	require.NotContains(t, c.HTML, "Thanks for paying.")
	require.NotContains(t, c.HTML, "segment:")
}

func TestRenderForSegmentEmptyDropsAllGatedBlocks(t *testing.T) {
	r := New()
	c := r.RenderForSegment(EmailContent{HTML: gatedHTML}, "")

	require.NotContains(t, c.HTML, "Upgrade today!")
	require.NotContains(t, c.HTML, "Thanks for paying.")
	require.Contains(t, c.HTML, "<h1>Hello</h1>")
	require.Contains(t, c.HTML, "<p>Bye</p>")
}

func TestDetectSegments(t *testing.T) {
	r := New()

	labels := r.DetectSegments(gatedHTML)
	require.Equal(t, []string{"status:free", "status:-free"}, labels)

	// unknown markers are ignored, duplicates collapse
	html := `<!-- segment:status:gold -->x<!-- /segment -->` + gatedHTML + gatedHTML
	labels = r.DetectSegments(html)
	require.Equal(t, []string{"status:free", "status:-free"}, labels)

	require.Empty(t, r.DetectSegments("<p>plain</p>"))
}

func TestPersonalize(t *testing.T) {
	out := Personalize("Hi {first_name} ({name}, {email})", "Ada Lovelace", "ada@example.com")
	require.Equal(t, "Hi Ada (Ada Lovelace, ada@example.com)", out)
}
