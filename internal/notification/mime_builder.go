package notification

import (
	"bytes"
	"errors"
	"fmt"
	"mime"
	"mime/quotedprintable"
	"net/mail"
	"sort"
	"strings"
	"time"
)

var errInvalidAddress = errors.New("notification: invalid email address")

// Email is one rendered alert for a single recipient.
type Email struct {
	From      string
	FromName  string
	To        string
	ToName    string
	Subject   string
	TextBody  string
	MessageID string
	AlertID   string
	Date      time.Time
}

// BuildMIMEMessage renders email as a single-part text/plain RFC 5322
// message with quoted-printable body.
func BuildMIMEMessage(email *Email) ([]byte, error) {
	if _, err := mail.ParseAddress(email.To); err != nil {
		return nil, fmt.Errorf("%w: to %q", errInvalidAddress, email.To)
	}
	if email.From != "" {
		if _, err := mail.ParseAddress(email.From); err != nil {
			return nil, fmt.Errorf("%w: from %q", errInvalidAddress, email.From)
		}
	}

	var buf bytes.Buffer
	writeEmailHeaders(&buf, email)

	qp := quotedprintable.NewWriter(&buf)
	body := strings.ReplaceAll(email.TextBody, "\n", "\r\n")
	if _, err := qp.Write([]byte(body)); err != nil {
		return nil, fmt.Errorf("failed to encode body: %w", err)
	}
	if err := qp.Close(); err != nil {
		return nil, fmt.Errorf("failed to encode body: %w", err)
	}
	buf.WriteString("\r\n")

	return buf.Bytes(), nil
}

func writeEmailHeaders(buf *bytes.Buffer, email *Email) {
	date := email.Date
	if date.IsZero() {
		date = time.Now()
	}

	headers := map[string]string{
		"To":                        formatAddress(email.ToName, email.To),
		"Subject":                   mime.QEncoding.Encode("utf-8", email.Subject),
		"Date":                      date.Format(time.RFC1123Z),
		"MIME-Version":              "1.0",
		"Content-Type":              "text/plain; charset=utf-8",
		"Content-Transfer-Encoding": "quoted-printable",
		// alerts are machine generated; suppress auto-replies
		"Auto-Submitted":           "auto-generated",
		"X-Auto-Response-Suppress": "All",
		"X-Priority":               "1",
		"X-Mailer":                 "anomalycam",
	}
	if email.From != "" {
		headers["From"] = formatAddress(email.FromName, email.From)
	}
	if email.MessageID != "" {
		headers["Message-ID"] = fmt.Sprintf("<%s>", email.MessageID)
	}
	if email.AlertID != "" {
		headers["X-Alert-ID"] = email.AlertID
	}

	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(buf, "%s: %s\r\n", k, headers[k])
	}
	buf.WriteString("\r\n")
}

func formatAddress(name, addr string) string {
	if name == "" {
		return addr
	}
	return (&mail.Address{Name: name, Address: addr}).String()
}
