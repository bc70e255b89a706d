// Package notify renders OTP messages and delivers them over the
// Notifier contract. The only shipped transport is SMTP; hosts may
// plug any other implementation of model.Notifier.
package notify

import (
	"strings"

	"github.com/MetaDevZone/secure-2fa/internal/util"
)

// Template holds the subject, HTML and text bodies of an OTP message.
// Placeholders {{code}}, {{context}}, {{destination}} and
// {{expiresInMinutes}} are substituted into all three parts.
type Template struct {
	Subject string `json:"subject"`
	HTML    string `json:"html"`
	Text    string `json:"text"`
}

// Vars are the values substituted into a template.
type Vars struct {
	Code             string
	Context          string
	Destination      string
	ExpiresInMinutes string
}

// DefaultTemplate is the built-in message used when the caller supplies
// none.
func DefaultTemplate() *Template {
	return &Template{
		Subject: "Your verification code",
		HTML: "<p>Your verification code for {{context}} is:</p>" +
			"<p style=\"font-size:24px;font-weight:bold;letter-spacing:4px\">{{code}}</p>" +
			"<p>It expires in {{expiresInMinutes}} minutes. If you did not request this code, ignore this email.</p>",
		Text: "Your verification code for {{context}} is: {{code}}\n" +
			"It expires in {{expiresInMinutes}} minutes. If you did not request this code, ignore this email.",
	}
}

// Render substitutes vars into the template. Values going into the HTML
// body are escaped; the code itself is generated server-side and safe.
func (t *Template) Render(vars Vars) (subject, html, text string) {
	plain := strings.NewReplacer(
		"{{code}}", vars.Code,
		"{{context}}", vars.Context,
		"{{destination}}", vars.Destination,
		"{{expiresInMinutes}}", vars.ExpiresInMinutes,
	)
	escaped := strings.NewReplacer(
		"{{code}}", vars.Code,
		"{{context}}", util.SanitizeInput(vars.Context),
		"{{destination}}", util.SanitizeInput(vars.Destination),
		"{{expiresInMinutes}}", vars.ExpiresInMinutes,
	)

	return plain.Replace(t.Subject), escaped.Replace(t.HTML), plain.Replace(t.Text)
}
