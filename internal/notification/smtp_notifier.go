package notification

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	gomail "github.com/wneessen/go-mail"
)

// SMTPConfig holds SMTP relay settings. Username/Password enable PLAIN auth.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	Timeout  time.Duration
	// TLSPolicy is "mandatory" (default), "opportunistic" or "none".
	TLSPolicy string
}

// SMTPTransport delivers through an SMTP relay with STARTTLS according to
// the configured policy. Every send dials a fresh connection that lives no
// longer than the send's context.
type SMTPTransport struct {
	cfg    SMTPConfig
	policy gomail.TLSPolicy
}

func NewSMTPTransport(cfg SMTPConfig) (*SMTPTransport, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("SMTP host is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	policy, err := ParseTLSPolicy(cfg.TLSPolicy)
	if err != nil {
		return nil, err
	}
	return &SMTPTransport{cfg: cfg, policy: policy}, nil
}

// ParseTLSPolicy maps a config value to the STARTTLS policy.
func ParseTLSPolicy(s string) (gomail.TLSPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "mandatory":
		return gomail.TLSMandatory, nil
	case "opportunistic":
		return gomail.TLSOpportunistic, nil
	case "none":
		return gomail.NoTLS, nil
	}
	return gomail.TLSMandatory, fmt.Errorf("unknown SMTP TLS policy %q", s)
}

func (t *SMTPTransport) Name() string { return "smtp" }

func (t *SMTPTransport) Send(ctx context.Context, email *Email) error {
	from := email.From
	if from == "" {
		from = t.cfg.Username
	}
	msg, err := t.message(from, email)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	opts := []gomail.Option{
		gomail.WithPort(t.cfg.Port),
		gomail.WithTimeout(t.cfg.Timeout),
		gomail.WithTLSPolicy(t.policy),
		gomail.WithDialContextFunc(boundDialer(ctx)),
	}
	if t.cfg.Username != "" {
		auth := gomail.SMTPAuthPlain
		if t.policy == gomail.NoTLS {
			auth = gomail.SMTPAuthPlainNoEnc
		}
		opts = append(opts,
			gomail.WithSMTPAuth(auth),
			gomail.WithUsername(t.cfg.Username),
			gomail.WithPassword(t.cfg.Password))
	}
	client, err := gomail.NewClient(t.cfg.Host, opts...)
	if err != nil {
		return fmt.Errorf("smtp client setup failed: %w", err)
	}

	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("smtp send to %s: %w: %v", email.To, ctxErr, err)
		}
		return fmt.Errorf("smtp send to %s failed: %w", email.To, err)
	}
	return nil
}

func (t *SMTPTransport) message(from string, email *Email) (*gomail.Msg, error) {
	msg := gomail.NewMsg(gomail.WithEncoding(gomail.EncodingQP))
	if err := msg.FromFormat(email.FromName, from); err != nil {
		return nil, fmt.Errorf("%w: from %q", errInvalidAddress, from)
	}
	if err := msg.AddToFormat(email.ToName, email.To); err != nil {
		return nil, fmt.Errorf("%w: to %q", errInvalidAddress, email.To)
	}
	msg.Subject(email.Subject)

	date := email.Date
	if date.IsZero() {
		date = time.Now()
	}
	msg.SetDateWithValue(date)
	if email.MessageID != "" {
		msg.SetMessageIDWithValue(email.MessageID)
	}
	if email.AlertID != "" {
		msg.SetGenHeader(gomail.Header("X-Alert-ID"), email.AlertID)
	}
	// alerts are machine generated; suppress auto-replies
	msg.SetGenHeader(gomail.Header("Auto-Submitted"), "auto-generated")
	msg.SetGenHeader(gomail.HeaderXAutoResponseSuppress, "All")
	msg.SetGenHeader(gomail.HeaderXPriority, "1")
	msg.SetUserAgent("anomalycam")
	msg.SetBodyString(gomail.TypeTextPlain, email.TextBody)
	return msg, nil
}

// boundDialer ties the connection to ctx: reads and writes fail at its
// deadline and the socket is closed when it ends, including a server that
// accepts and never greets.
func boundDialer(ctx context.Context) gomail.DialContextFunc {
	return func(dialCtx context.Context, network, addr string) (net.Conn, error) {
		var d net.Dialer
		conn, err := d.DialContext(dialCtx, network, addr)
		if err != nil {
			return nil, err
		}
		if deadline, ok := ctx.Deadline(); ok {
			_ = conn.SetDeadline(deadline)
		}
		context.AfterFunc(ctx, func() { _ = conn.Close() })
		return conn, nil
	}
}
