package broadcast

import (
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	logx "tutorbot/pkg/logx"
)

var (
	ErrNotRunning = errors.New("broadcast service is not running")
	ErrQueueFull  = errors.New("broadcast queue is full")
	ErrNoTargets  = errors.New("broadcast has no recipients")
)

// NewJob queues body for every target and returns the job id. onDone, when
// set, runs on the worker after the last target.
func (s *Service) NewJob(name string, targets []Target, body string, onDone func(JobStatus)) (string, error) {
	if len(targets) == 0 {
		return "", ErrNoTargets
	}
	if !s.Running() {
		return "", ErrNotRunning
	}
	now := time.Now()
	id := fmt.Sprintf("bc%d", atomic.AddUint64(&s.seq, 1))
	s.pruneStatus(now)

	s.statusMu.Lock()
	s.status[id] = &JobStatus{ID: id, Name: name, Total: len(targets), CreatedAt: now}
	s.statusMu.Unlock()

	j := job{id: id, name: name, targets: append([]Target(nil), targets...), body: body, onDone: onDone}
	select {
	case s.queue <- j:
		s.log.Debug("broadcast job enqueued", logx.String("job", id), logx.String("name", name), logx.Int("total", len(targets)), logx.Int("queue_len", len(s.queue)))
		return id, nil
	default:
		s.statusMu.Lock()
		delete(s.status, id)
		s.statusMu.Unlock()
		s.log.Warn("broadcast queue full; job rejected", logx.String("name", name), logx.Int("queue_cap", cap(s.queue)))
		return "", ErrQueueFull
	}
}

func (s *Service) Status(id string) (JobStatus, bool) {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	st, ok := s.status[id]
	if !ok || st == nil {
		return JobStatus{}, false
	}
	cp := *st
	cp.Failures = append([]string(nil), st.Failures...)
	return cp, true
}

// Recent returns up to n jobs, newest first.
func (s *Service) Recent(n int) []JobStatus {
	s.statusMu.RLock()
	out := make([]JobStatus, 0, len(s.status))
	for _, st := range s.status {
		cp := *st
		cp.Failures = append([]string(nil), st.Failures...)
		out = append(out, cp)
	}
	s.statusMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// pruneStatus drops finished entries past the TTL, then the oldest finished
// ones until the map fits statusMax.
func (s *Service) pruneStatus(now time.Time) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	for id, st := range s.status {
		if !st.DoneAt.IsZero() && now.Sub(st.DoneAt) > s.statusTTL {
			delete(s.status, id)
		}
	}
	if len(s.status) <= s.statusMax {
		return
	}
	done := make([]*JobStatus, 0, len(s.status))
	for _, st := range s.status {
		if !st.DoneAt.IsZero() {
			done = append(done, st)
		}
	}
	sort.Slice(done, func(i, j int) bool { return done[i].DoneAt.Before(done[j].DoneAt) })
	for _, st := range done {
		if len(s.status) <= s.statusMax {
			return
		}
		delete(s.status, st.ID)
	}
}
