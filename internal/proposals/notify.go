package proposals

import (
	"bytes"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"

	"github.com/odyssey-erp/backoffice/internal/mail"
	"github.com/odyssey-erp/backoffice/internal/money"
)

var textBody = texttemplate.Must(texttemplate.New("text").Parse(`Hello{{ if .Name }} {{ .Name }}{{ end }},

{{ if .Message }}{{ .Message }}

{{ end }}Please review the proposal "{{ .Title }}" ({{ .Total }}):
{{ .URL }}

This link expires on {{ .Expires }}.
`))

var htmlBody = htmltemplate.Must(htmltemplate.New("html").Parse(`<p>Hello{{ if .Name }} {{ .Name }}{{ end }},</p>
{{ if .Message }}<p>{{ .Message }}</p>{{ end }}
<p>Please review the proposal <strong>{{ .Title }}</strong> ({{ .Total }}).</p>
<p><a href="{{ .URL }}">Open the proposal</a></p>
<p>This link expires on {{ .Expires }}.</p>
`))

type messageData struct {
	Name    string
	Title   string
	Total   string
	URL     string
	Expires string
	Message string
}

func composeMessage(p *Proposal, to []string, url string, opts SendOptions) (mail.Message, error) {
	subject := strings.TrimSpace(opts.Subject)
	if subject == "" {
		subject = "Proposal: " + p.Title
	}
	data := messageData{
		Name:    p.ContactName,
		Title:   p.Title,
		Total:   money.Format(p.Currency, p.Total),
		URL:     url,
		Message: strings.TrimSpace(opts.Message),
	}
	if p.TokenExpiresAt != nil {
		data.Expires = p.TokenExpiresAt.Format("Jan 2, 2006")
	}
	var text, html bytes.Buffer
	if err := textBody.Execute(&text, data); err != nil {
		return mail.Message{}, err
	}
	if err := htmlBody.Execute(&html, data); err != nil {
		return mail.Message{}, err
	}
	return mail.Message{To: to, Subject: subject, Text: text.String(), HTML: html.String()}, nil
}
