package notification

import (
	"context"
	"errors"
	"net/textproto"
	"time"

	"github.com/cenkalti/backoff/v4"
	gomail "github.com/wneessen/go-mail"
)

// RetryConfig bounds per-recipient delivery attempts.
type RetryConfig struct {
	MaxAttempts int
	Delay       time.Duration
	MaxDelay    time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		Delay:       time.Second,
		MaxDelay:    5 * time.Second,
	}
}

// SendWithRetry calls sendFunc until it succeeds, MaxAttempts is reached,
// the error is permanent, or ctx ends.
func SendWithRetry(ctx context.Context, config RetryConfig, sendFunc func(context.Context) error) error {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}

	ebo := backoff.NewExponentialBackOff()
	if config.Delay > 0 {
		ebo.InitialInterval = config.Delay
	}
	if config.MaxDelay > 0 {
		ebo.MaxInterval = config.MaxDelay
	}
	ebo.MaxElapsedTime = 0
	ebo.Reset()

	policy := backoff.WithContext(backoff.WithMaxRetries(ebo, uint64(config.MaxAttempts-1)), ctx)

	err := backoff.Retry(func() error {
		err := sendFunc(ctx)
		if err != nil && isPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}

// isPermanent treats SMTP 5xx replies (bad mailbox, auth rejected) as
// not worth retrying.
func isPermanent(err error) bool {
	var sendErr *gomail.SendError
	if errors.As(err, &sendErr) {
		return !sendErr.IsTemp() && sendErr.ErrorCode() >= 500
	}
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		return tpErr.Code >= 500
	}
	return errors.Is(err, errInvalidAddress)
}
