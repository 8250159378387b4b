package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"tutorbot/internal/eventbus"
	kit "tutorbot/internal/transport"
	"tutorbot/internal/transport/transporttest"
)

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepRecorder) got() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("read counter: %v", err)
	}
	return m.GetCounter().GetValue()
}

func newDispatcher(ch kit.Channel, online bool, rec *sleepRecorder, opts ...Option) *Dispatcher {
	opts = append(opts, WithSleep(rec.sleep))
	return New(ch, transporttest.NewStatus(online), Config{}, opts...)
}

func TestSend(t *testing.T) {
	t.Parallel()
	tg := kit.ChannelTelegram
	cases := []struct {
		name       string
		online     bool
		script     []error
		fallback   error
		delivered  bool
		reason     Reason
		detail     string
		calls      int
		wantDelays []time.Duration
	}{
		{
			name: "A delivered first try", online: true,
			delivered: true, reason: ReasonDelivered, detail: "message sent successfully (id 1)", calls: 1,
		},
		{
			name: "B offline", online: false,
			reason: ReasonOffline, detail: DetailOffline, calls: 0,
		},
		{
			name: "C transient twice then ok", online: true,
			script:    []error{transporttest.ConnErr(tg), transporttest.ConnErr(tg)},
			delivered: true, reason: ReasonDelivered, detail: "message sent successfully (id 3)", calls: 3,
			wantDelays: []time.Duration{time.Second, 2 * time.Second},
		},
		{
			name: "D always transient", online: true,
			fallback: transporttest.ConnErr(tg),
			reason:   ReasonExhausted, detail: DetailExhausted, calls: 3,
			wantDelays: []time.Duration{time.Second, 2 * time.Second},
		},
		{
			name: "semantic failure", online: true,
			fallback: transporttest.AppErr(tg, "Bad Request: chat not found"),
			reason:   ReasonRejected, detail: "Bad Request: chat not found", calls: 1,
		},
		{
			name: "timeout is retryable", online: true,
			script:    []error{kit.NewError(kit.KindTimeout, tg, "sendMessage", "", context.DeadlineExceeded)},
			delivered: true, reason: ReasonDelivered, detail: "message sent successfully (id 2)", calls: 2,
			wantDelays: []time.Duration{time.Second},
		},
		{
			name: "unclassified error is not retried", online: true,
			fallback: errors.New("boom"),
			reason:   ReasonRejected, detail: "boom", calls: 1,
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ch := transporttest.New(tg, tc.script...)
			ch.SetFallback(tc.fallback)
			rec := &sleepRecorder{}
			d := newDispatcher(ch, tc.online, rec)

			res := d.Send(context.Background(), "123", "hello")
			if res.Delivered != tc.delivered || res.Reason != tc.reason || res.Detail != tc.detail {
				t.Fatalf("Send = %+v, want delivered=%v reason=%s detail=%q", res, tc.delivered, tc.reason, tc.detail)
			}
			if got := len(ch.Calls()); got != tc.calls || res.Attempts != tc.calls {
				t.Fatalf("calls = %d attempts = %d, want %d", got, res.Attempts, tc.calls)
			}
			delays := rec.got()
			if len(delays) != len(tc.wantDelays) {
				t.Fatalf("delays = %v, want %v", delays, tc.wantDelays)
			}
			for i := range delays {
				if delays[i] != tc.wantDelays[i] {
					t.Fatalf("delays = %v, want %v", delays, tc.wantDelays)
				}
			}
		})
	}
}

func TestOfflineReturnsQuickly(t *testing.T) {
	t.Parallel()
	ch := transporttest.New("")
	d := New(ch, transporttest.NewStatus(false), Config{})
	start := time.Now()
	res := d.Send(context.Background(), "123", "hello")
	if res.Reason != ReasonOffline || time.Since(start) > 100*time.Millisecond {
		t.Fatalf("offline send = %+v after %v", res, time.Since(start))
	}
	if len(ch.Calls()) != 0 {
		t.Fatal("offline send must not touch the channel")
	}
}

func TestRealBackoffTiming(t *testing.T) {
	t.Parallel()
	tg := kit.ChannelTelegram
	ch := transporttest.New(tg, transporttest.ConnErr(tg), transporttest.ConnErr(tg))
	d := New(ch, transporttest.NewStatus(true), Config{InitialBackoff: 20 * time.Millisecond})

	res := d.Send(context.Background(), "123", "hello")
	if !res.Delivered || res.Attempts != 3 {
		t.Fatalf("Send = %+v", res)
	}
	calls := ch.Calls()
	if gap := calls[1].At.Sub(calls[0].At); gap < 20*time.Millisecond {
		t.Fatalf("first backoff %v < 20ms", gap)
	}
	if gap := calls[2].At.Sub(calls[1].At); gap < 40*time.Millisecond {
		t.Fatalf("second backoff %v < 40ms", gap)
	}
}

func TestBackoffCapAndAttemptBound(t *testing.T) {
	t.Parallel()
	tg := kit.ChannelTelegram
	ch := transporttest.New(tg)
	ch.SetFallback(transporttest.ConnErr(tg))
	rec := &sleepRecorder{}
	d := New(ch, transporttest.NewStatus(true), Config{MaxAttempts: 5, InitialBackoff: time.Second, MaxBackoff: 3 * time.Second}, WithSleep(rec.sleep))

	res := d.Send(context.Background(), "1", "x")
	if res.Attempts != 5 || len(ch.Calls()) != 5 {
		t.Fatalf("attempts = %d", res.Attempts)
	}
	want := []time.Duration{time.Second, 2 * time.Second, 3 * time.Second, 3 * time.Second}
	got := rec.got()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delays = %v, want %v", got, want)
		}
	}
}

func TestPerAttemptTimeouts(t *testing.T) {
	t.Parallel()
	ch := transporttest.New("")
	d := New(ch, transporttest.NewStatus(true), Config{})
	ctx := context.Background()
	d.Send(ctx, "1", "text")
	d.SendPhoto(ctx, "1", "/tmp/a.png", "cap")
	d.SendVideo(ctx, "1", "/tmp/a.mp4", "cap")

	want := map[string]time.Duration{"sendMessage": 10 * time.Second, "sendPhoto": 20 * time.Second, "sendVideo": 60 * time.Second}
	for _, c := range ch.Calls() {
		w := want[c.Op]
		if !c.HasDeadline || c.Timeout > w || c.Timeout < w-time.Second {
			t.Fatalf("%s timeout = %v, want ~%v", c.Op, c.Timeout, w)
		}
	}
}

func TestCanceledBackoffEndsAsExhausted(t *testing.T) {
	t.Parallel()
	tg := kit.ChannelTelegram
	ch := transporttest.New(tg)
	ch.SetFallback(transporttest.ConnErr(tg))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec := &sleepRecorder{}
	d := New(ch, transporttest.NewStatus(true), Config{}, WithSleep(rec.sleep))

	res := d.Send(ctx, "1", "x")
	if res.Reason != ReasonExhausted || !res.Reason.Deferrable() || !errors.Is(res.Err, context.Canceled) {
		t.Fatalf("Send = %+v", res)
	}
}

func TestMetricsEventsAndHistory(t *testing.T) {
	t.Parallel()
	tg := kit.ChannelTelegram
	attempts := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "attempts_total"}, []string{"channel", "outcome"})
	results := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "results_total"}, []string{"channel", "reason"})
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4, eventbus.TypeNotifySent, eventbus.TypeNotifyFailed)
	defer unsub()

	ch := transporttest.New(tg, transporttest.ConnErr(tg), nil, transporttest.AppErr(tg, "blocked"))
	rec := &sleepRecorder{}
	d := newDispatcher(ch, true, rec, WithMetrics(attempts, results), WithBus(bus))

	d.Send(context.Background(), "1", "a")
	d.Send(context.Background(), "2", "b")

	if got := counterValue(t, attempts.WithLabelValues(tg, "connectivity")); got != 1 {
		t.Fatalf("connectivity attempts = %v", got)
	}
	if got := counterValue(t, attempts.WithLabelValues(tg, "ok")); got != 1 {
		t.Fatalf("ok attempts = %v", got)
	}
	if got := counterValue(t, results.WithLabelValues(tg, "rejected")); got != 1 {
		t.Fatalf("rejected results = %v", got)
	}

	e1, e2 := <-events, <-events
	if e1.Type != eventbus.TypeNotifySent || e2.Type != eventbus.TypeNotifyFailed {
		t.Fatalf("event types = %s, %s", e1.Type, e2.Type)
	}
	if ev := e2.Data.(Event); ev.Reason != "rejected" || ev.Detail != "blocked" {
		t.Fatalf("failed event = %+v", ev)
	}

	h := d.History()
	if len(h) != 2 || h[0].RecipientID != "1" || h[1].Reason != ReasonRejected {
		t.Fatalf("history = %+v", h)
	}
}
