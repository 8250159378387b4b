package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"syscall"
	"testing"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassifyNetError(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name  string
		err   error
		kind  Kind
		isNet bool
	}{
		{"deadline", fmt.Errorf("send: %w", context.DeadlineExceeded), KindTimeout, true},
		{"net timeout", &url.Error{Op: "Post", URL: "x", Err: timeoutErr{}}, KindTimeout, true},
		{"dns", &url.Error{Op: "Post", URL: "x", Err: &net.DNSError{Err: "no such host", Name: "api.telegram.org"}}, KindConnectivity, true},
		{"dial", &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, KindConnectivity, true},
		{"reset", fmt.Errorf("read: %w", syscall.ECONNRESET), KindConnectivity, true},
		{"eof", fmt.Errorf("telebot: %w", io.ErrUnexpectedEOF), KindConnectivity, true},
		{"plain", errors.New("chat not found"), KindApplication, false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			kind, ok := ClassifyNetError(tc.err)
			if kind != tc.kind || ok != tc.isNet {
				t.Fatalf("ClassifyNetError = (%s, %v), want (%s, %v)", kind, ok, tc.kind, tc.isNet)
			}
		})
	}
}

func TestDeliveryErrorRetryable(t *testing.T) {
	t.Parallel()
	conn := Wrap(ChannelTelegram, "sendMessage", &net.OpError{Op: "dial", Err: syscall.ENETUNREACH})
	if !conn.Retryable() || !IsRetryable(fmt.Errorf("attempt 1: %w", conn)) {
		t.Fatal("connectivity error should be retryable through wrapping")
	}
	app := NewError(KindApplication, ChannelTelegram, "sendMessage", "Bad Request: chat not found", nil)
	if app.Retryable() || IsRetryable(app) {
		t.Fatal("application error must not be retryable")
	}
	if app.Reason() != "Bad Request: chat not found" {
		t.Fatalf("Reason = %q", app.Reason())
	}
	if IsRetryable(errors.New("unclassified")) {
		t.Fatal("unclassified error must not be retryable")
	}
	if Wrap(ChannelTelegram, "x", app) != app {
		t.Fatal("Wrap should keep an existing DeliveryError")
	}
}
