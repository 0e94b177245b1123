// Package transport defines the outbound messaging capability and its
// failure classification.
package transport

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotConfigured is returned when a sender is missing required credentials.
var ErrNotConfigured = errors.New("transport: not configured")

// ErrorKind classifies a send failure.
type ErrorKind int

const (
	// KindTransient covers rate limits, timeouts, and temporary channel
	// errors. Retried per backoff policy.
	KindTransient ErrorKind = iota
	// KindFatal covers permanently undeliverable conditions such as a
	// blocked or invalid recipient. Never retried.
	KindFatal
)

func (k ErrorKind) String() string {
	if k == KindFatal {
		return "fatal"
	}
	return "transient"
}

// SendError is a classified transport failure.
type SendError struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *SendError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("send (%s): %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("send (%s): %s", e.Kind, e.Msg)
}

func (e *SendError) Unwrap() error { return e.Err }

// Transient wraps err as a retryable send failure.
func Transient(msg string, err error) *SendError {
	return &SendError{Kind: KindTransient, Msg: msg, Err: err}
}

// Fatal wraps err as a permanently undeliverable failure.
func Fatal(msg string, err error) *SendError {
	return &SendError{Kind: KindFatal, Msg: msg, Err: err}
}

// Classify returns the error kind of a send failure. Anything that is not an
// explicit *SendError counts as transient: timeouts and unknown channel
// errors must not burn the pair.
func Classify(err error) ErrorKind {
	var se *SendError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindTransient
}

// Sender is the capability boundary to the messaging channel.
type Sender interface {
	// Name identifies the channel (e.g. "telegram").
	Name() string

	// Send delivers text to the recipient chat and returns the
	// channel-assigned message id. Failures are *SendError values.
	Send(ctx context.Context, chatID int64, text string) (messageID int64, err error)
}
