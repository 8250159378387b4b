// Package connectivity keeps a shared, cached view of internet reachability.
//
// One Monitor is built by the application and handed to every sender. Reads
// of Online never block; the status is refreshed by a single background loop
// that probes at a fixed interval and tells registered listeners about
// transitions.
package connectivity

import (
	"context"
	"reflect"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"tutorbot/internal/eventbus"
	logx "tutorbot/pkg/logx"
)

// OfflineMessage is shown by CheckConnection when prompting.
const OfflineMessage = "No internet connection. Please check your network and try again."

// Prober performs one reachability check. It must honor ctx.
type Prober interface {
	Probe(ctx context.Context) bool
}

type ProberFunc func(ctx context.Context) bool

func (f ProberFunc) Probe(ctx context.Context) bool { return f(ctx) }

// Listener is told about status transitions. Listeners are identified by
// interface equality, so implementations must be comparable (pointers are).
type Listener interface {
	OnStatusChanged(online bool)
}

type funcListener struct{ fn func(bool) }

func (l *funcListener) OnStatusChanged(online bool) { l.fn(online) }

// ListenerFunc wraps fn in a Listener with its own identity. Keep the
// returned value to remove it later.
func ListenerFunc(fn func(online bool)) Listener { return &funcListener{fn: fn} }

type Severity int

const (
	SeverityInfo Severity = iota
	SeverityError
)

// Notifier is a display-only surface for user-facing notices.
type Notifier interface {
	Notify(msg string, sev Severity)
}

type Option func(*Monitor)

func WithLogger(log logx.Logger) Option { return func(m *Monitor) { m.log = log } }

// WithBus publishes eventbus.TypeConnectivityChanged on every transition.
func WithBus(bus eventbus.Bus) Option { return func(m *Monitor) { m.bus = bus } }

// WithGauge keeps g at 1 while online and 0 while offline.
func WithGauge(g prometheus.Gauge) Option { return func(m *Monitor) { m.gauge = g } }

// WithInterval overrides the 5s polling interval.
func WithInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithStopTimeout overrides how long Stop waits for the loop (default 1s).
func WithStopTimeout(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.stopTimeout = d
		}
	}
}

type Monitor struct {
	prober      Prober
	interval    time.Duration
	stopTimeout time.Duration
	log         logx.Logger
	bus         eventbus.Bus
	gauge       prometheus.Gauge

	mu          sync.Mutex
	online      bool
	lastChecked time.Time
	listeners   []Listener
	running     bool
	cancel      context.CancelFunc
	done        chan struct{}
}

// New returns a stopped monitor. The status starts online so senders are
// not blocked before the first probe completes.
func New(prober Prober, opts ...Option) *Monitor {
	m := &Monitor{
		prober:      prober,
		interval:    5 * time.Second,
		stopTimeout: time.Second,
		online:      true,
	}
	for _, o := range opts {
		o(m)
	}
	if m.log.IsZero() {
		m.log = logx.Nop()
	}
	if m.gauge != nil {
		m.gauge.Set(1)
	}
	return m
}

// Start launches the probe loop. It is a no-op while a loop is running.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.running = true
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.loop(ctx, m.done)
	m.log.Info("connectivity monitor started", logx.Duration("interval", m.interval))
}

// Stop signals the loop and waits up to the stop timeout. It reports
// whether the loop exited in time; it never abandons the loop forcibly.
func (m *Monitor) Stop() bool {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return true
	}
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	cancel()
	t := time.NewTimer(m.stopTimeout)
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-t.C:
		m.log.Warn("connectivity monitor did not stop in time", logx.Duration("timeout", m.stopTimeout))
		return false
	}
}

func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Online returns the cached status.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// LastChecked is the completion time of the latest probe (zero before the
// first one).
func (m *Monitor) LastChecked() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastChecked
}

// AddStatusListener registers l. It returns false for nil, non-comparable or
// already registered listeners.
func (m *Monitor) AddStatusListener(l Listener) bool {
	if l == nil || !reflect.TypeOf(l).Comparable() {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.listeners {
		if existing == l {
			return false
		}
	}
	m.listeners = append(m.listeners, l)
	return true
}

// RemoveStatusListener unregisters l; unknown listeners are ignored.
func (m *Monitor) RemoveStatusListener(l Listener) {
	if l == nil || !reflect.TypeOf(l).Comparable() {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.listeners {
		if existing == l {
			m.listeners = append(m.listeners[:i:i], m.listeners[i+1:]...)
			return
		}
	}
}

// CheckConnection returns the cached status. When offline and prompt is
// set, target (if any) receives OfflineMessage as an error notice.
func (m *Monitor) CheckConnection(prompt bool, target Notifier) bool {
	online := m.Online()
	if !online && prompt && target != nil {
		target.Notify(OfflineMessage, SeverityError)
	}
	return online
}

func (m *Monitor) loop(ctx context.Context, done chan struct{}) {
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
		close(done)
	}()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		m.step(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// step runs one probe and applies its result. A probe interrupted by Stop
// is discarded.
func (m *Monitor) step(ctx context.Context) {
	online := m.probe(ctx)
	if ctx.Err() != nil {
		return
	}

	m.mu.Lock()
	m.lastChecked = time.Now()
	changed := online != m.online
	var listeners []Listener
	if changed {
		m.online = online
		listeners = append(listeners, m.listeners...)
	}
	m.mu.Unlock()

	if !changed {
		return
	}
	if online {
		m.log.Info("connectivity restored")
	} else {
		m.log.Warn("connectivity lost")
	}
	if m.gauge != nil {
		if online {
			m.gauge.Set(1)
		} else {
			m.gauge.Set(0)
		}
	}
	if m.bus != nil {
		m.bus.Publish(eventbus.Event{Type: eventbus.TypeConnectivityChanged, Data: online})
	}
	for _, l := range listeners {
		m.notify(l, online)
	}
}

func (m *Monitor) probe(ctx context.Context) (online bool) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Warn("connectivity probe panicked", logx.Any("panic", r))
			online = false
		}
	}()
	if m.prober == nil {
		return false
	}
	return m.prober.Probe(ctx)
}

func (m *Monitor) notify(l Listener, online bool) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Warn("status listener panicked", logx.Any("panic", r))
		}
	}()
	l.OnStatusChanged(online)
}
