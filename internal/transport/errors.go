package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

type Kind int

const (
	// KindApplication is a request the platform rejected (bad chat id,
	// blocked bot, flood limit, malformed media). Retrying won't help.
	KindApplication Kind = iota
	// KindConnectivity means the request never reached the platform or the
	// platform was unreachable.
	KindConnectivity
	// KindTimeout means the attempt ran out of time.
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindConnectivity:
		return "connectivity"
	case KindTimeout:
		return "timeout"
	default:
		return "application"
	}
}

// DeliveryError is the failure of a single send attempt.
type DeliveryError struct {
	Kind    Kind
	Channel string
	Op      string // sendMessage | sendPhoto | sendVideo
	// Detail is the platform's human-readable reason when it gave one.
	Detail string
	Err    error
}

func (e *DeliveryError) Error() string {
	msg := e.Detail
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("%s %s: %s: %s", e.Channel, e.Op, e.Kind, msg)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Retryable reports whether another attempt may succeed.
func (e *DeliveryError) Retryable() bool {
	return e.Kind == KindConnectivity || e.Kind == KindTimeout
}

// Reason is the text shown to an operator: Detail, else the wrapped error.
func (e *DeliveryError) Reason() string {
	if e.Detail != "" {
		return e.Detail
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Kind.String()
}

func NewError(kind Kind, channel, op, detail string, err error) *DeliveryError {
	return &DeliveryError{Kind: kind, Channel: channel, Op: op, Detail: detail, Err: err}
}

// IsRetryable is false for anything that is not a retryable *DeliveryError.
func IsRetryable(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de) && de.Retryable()
}

// ClassifyNetError maps an error raised below the platform API (dialing,
// DNS, TLS, reading the response) to a Kind. ok is false when err does not
// look like a network failure.
func ClassifyNetError(err error) (kind Kind, ok bool) {
	if err == nil {
		return KindApplication, false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout, true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTimeout, true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindConnectivity, true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindConnectivity, true
	}
	switch {
	case errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ENETUNREACH),
		errors.Is(err, syscall.EHOSTUNREACH),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.EOF):
		return KindConnectivity, true
	}
	return KindApplication, false
}

// Wrap classifies err as a network failure when it looks like one and as an
// application failure otherwise.
func Wrap(channel, op string, err error) *DeliveryError {
	if err == nil {
		return nil
	}
	var de *DeliveryError
	if errors.As(err, &de) {
		return de
	}
	kind, _ := ClassifyNetError(err)
	return NewError(kind, channel, op, "", err)
}
