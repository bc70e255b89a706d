package notify

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultTemplateRender(t *testing.T) {
	subject, html, text := DefaultTemplate().Render(Vars{
		Code:             "482913",
		Context:          "login",
		Destination:      "user@example.com",
		ExpiresInMinutes: "5",
	})

	assert.Equal(t, "Your verification code", subject)
	assert.Contains(t, html, "482913")
	assert.Contains(t, html, "login")
	assert.Contains(t, html, "5 minutes")
	assert.Contains(t, text, "482913")
	assert.Contains(t, text, "5 minutes")
	assert.NotContains(t, html, "{{")
	assert.NotContains(t, text, "{{")
}

func TestRenderEscapesHTMLValues(t *testing.T) {
	tmpl := &Template{
		Subject: "Code for {{context}}",
		HTML:    "<p>{{context}} / {{destination}}: {{code}}</p>",
		Text:    "{{context}}: {{code}}",
	}

	_, html, text := tmpl.Render(Vars{
		Code:        "482913",
		Context:     "<script>alert(1)</script>",
		Destination: "a&b@example.com",
	})

	assert.NotContains(t, html, "<script>")
	assert.Contains(t, html, "&lt;script&gt;")
	assert.Contains(t, html, "a&amp;b@example.com")

	// The text part carries values verbatim.
	assert.Contains(t, text, "<script>alert(1)</script>")
}

func TestRenderCustomTemplate(t *testing.T) {
	tmpl := &Template{Subject: "s", HTML: "{{code}}", Text: "{{code}}"}

	subject, html, text := tmpl.Render(Vars{Code: "1234"})
	assert.Equal(t, "s", subject)
	assert.Equal(t, "1234", html)
	assert.Equal(t, "1234", text)
}
