// Package transporttest provides a scriptable transport.Channel for tests.
package transporttest

import (
	"context"
	"strconv"
	"sync"
	"time"

	kit "tutorbot/internal/transport"
)

// Call is one recorded channel invocation.
type Call struct {
	Op          string
	RecipientID string
	Body        string // text, or media path
	Caption     string
	At          time.Time
	HasDeadline bool
	Timeout     time.Duration
}

// Channel answers each call with the next scripted error; once the script
// runs out it answers with Fallback (nil means success).
type Channel struct {
	ChannelName string

	mu       sync.Mutex
	script   []error
	Fallback error
	calls    []Call
}

func New(name string, script ...error) *Channel {
	if name == "" {
		name = kit.ChannelTelegram
	}
	return &Channel{ChannelName: name, script: script}
}

// SetFallback changes the answer used after the script is exhausted.
func (c *Channel) SetFallback(err error) {
	c.mu.Lock()
	c.Fallback = err
	c.mu.Unlock()
}

func (c *Channel) Name() string { return c.ChannelName }

func (c *Channel) SendMessage(ctx context.Context, recipientID, text string) (string, error) {
	return c.answer(ctx, Call{Op: "sendMessage", RecipientID: recipientID, Body: text})
}

func (c *Channel) SendPhoto(ctx context.Context, recipientID, path, caption string) (string, error) {
	return c.answer(ctx, Call{Op: "sendPhoto", RecipientID: recipientID, Body: path, Caption: caption})
}

func (c *Channel) SendVideo(ctx context.Context, recipientID, path, caption string) (string, error) {
	return c.answer(ctx, Call{Op: "sendVideo", RecipientID: recipientID, Body: path, Caption: caption})
}

func (c *Channel) answer(ctx context.Context, call Call) (string, error) {
	call.At = time.Now()
	if dl, ok := ctx.Deadline(); ok {
		call.HasDeadline = true
		call.Timeout = time.Until(dl)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, call)
	err := c.Fallback
	if len(c.script) > 0 {
		err = c.script[0]
		c.script = c.script[1:]
	}
	if err != nil {
		return "", err
	}
	return strconv.Itoa(len(c.calls)), nil
}

func (c *Channel) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Call(nil), c.calls...)
}

// ConnErr is a retryable connectivity failure, like a DNS lookup error.
func ConnErr(channel string) error {
	return kit.NewError(kit.KindConnectivity, channel, "sendMessage", "", &dnsError{})
}

// AppErr is a non-retryable rejection with the given detail.
func AppErr(channel, detail string) error {
	return kit.NewError(kit.KindApplication, channel, "sendMessage", detail, nil)
}

type dnsError struct{}

func (*dnsError) Error() string { return "lookup api.telegram.org: no such host" }

// Status is a settable connectivity view.
type Status struct {
	mu     sync.Mutex
	online bool
}

func NewStatus(online bool) *Status { return &Status{online: online} }

func (s *Status) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

func (s *Status) Set(online bool) {
	s.mu.Lock()
	s.online = online
	s.mu.Unlock()
}
