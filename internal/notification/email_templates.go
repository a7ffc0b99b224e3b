package notification

import (
	"bytes"
	"text/template"
)

// bodyTemplate is the personalised alert body sent to every contact.
var bodyTemplate = template.Must(template.New("alert").Parse(
	"Dear {{.Name}},\n\n{{.Message}}\n\nRegards,\nYour Team"))

// RenderBody produces "Dear {name},\n\n{message}\n\nRegards,\nYour Team".
func RenderBody(name, message string) string {
	var buf bytes.Buffer
	// the template has no fallible actions on string fields
	_ = bodyTemplate.Execute(&buf, struct{ Name, Message string }{name, message})
	return buf.String()
}
