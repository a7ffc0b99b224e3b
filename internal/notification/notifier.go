package notification

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mikeyg42/anomalycam/internal/events"
)

// Transport delivers one fully-addressed email.
type Transport interface {
	Send(ctx context.Context, email *Email) error
	Name() string
}

// Sender is what the speech monitor needs from a dispatcher.
type Sender interface {
	Dispatch(ctx context.Context, subject, message string) error
}

// RecipientError records a delivery failure for one contact.
type RecipientError struct {
	Contact Contact
	Err     error
}

func (e *RecipientError) Error() string {
	return fmt.Sprintf("send to %s failed: %v", e.Contact.Email, e.Err)
}

func (e *RecipientError) Unwrap() error { return e.Err }

// ErrNoContacts is returned when the contact list is empty.
var ErrNoContacts = errors.New("notification: no contacts configured")

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	FromEmail string
	FromName  string
	Retry     RetryConfig
}

// Dispatcher sends one personalised email per contact. A failure for one
// recipient never prevents delivery to the rest.
type Dispatcher struct {
	contacts  ContactSource
	transport Transport
	cfg       DispatcherConfig
	logger    *zap.Logger
	sink      events.Sink

	sent   atomic.Int64
	failed atomic.Int64
}

func NewDispatcher(contacts ContactSource, transport Transport, cfg DispatcherConfig, logger *zap.Logger, sink events.Sink) *Dispatcher {
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryConfig()
	}
	if logger == nil {
		logger = zap.L()
	}
	return &Dispatcher{
		contacts:  contacts,
		transport: transport,
		cfg:       cfg,
		logger:    logger.Named("dispatcher"),
		sink:      events.OrNop(sink),
	}
}

// Dispatch emails every contact. The returned error joins one
// RecipientError per failed contact, or reports a contact-list failure.
func (d *Dispatcher) Dispatch(ctx context.Context, subject, message string) error {
	contacts, err := d.contacts.Contacts(ctx)
	if err != nil {
		return fmt.Errorf("failed to load contacts: %w", err)
	}
	if len(contacts) == 0 {
		d.logger.Warn("Alert not sent: contact list is empty", zap.String("subject", subject))
		return ErrNoContacts
	}

	alertID := uuid.NewString()
	logger := d.logger.With(zap.String("alert_id", alertID), zap.String("transport", d.transport.Name()))

	var errs []error
	for _, c := range contacts {
		email := &Email{
			From:      d.cfg.FromEmail,
			FromName:  d.cfg.FromName,
			To:        c.Email,
			ToName:    c.Name,
			Subject:   subject,
			TextBody:  RenderBody(c.Name, message),
			AlertID:   alertID,
			MessageID: generateMessageID(alertID, c.Email),
			Date:      time.Now(),
		}

		err := SendWithRetry(ctx, d.cfg.Retry, func(ctx context.Context) error {
			return d.transport.Send(ctx, email)
		})
		if err != nil {
			d.failed.Add(1)
			logger.Error("Error sending email", zap.String("recipient", c.Email), zap.Error(err))
			errs = append(errs, &RecipientError{Contact: c, Err: err})
			continue
		}
		d.sent.Add(1)
		logger.Info("Email sent", zap.String("recipient", c.Email))
	}

	e := events.New(events.KindAlert, "")
	e.Message = fmt.Sprintf("%s: %s (%d/%d delivered)", subject, message, len(contacts)-len(errs), len(contacts))
	d.sink.Publish(e)

	return errors.Join(errs...)
}

// Stats returns lifetime delivery counts.
func (d *Dispatcher) Stats() (sent, failed int64) {
	return d.sent.Load(), d.failed.Load()
}

func generateMessageID(alertID, recipient string) string {
	return fmt.Sprintf("%s.%s@anomalycam", alertID, uuid.NewSHA1(uuid.NameSpaceURL, []byte(recipient)).String()[:8])
}
