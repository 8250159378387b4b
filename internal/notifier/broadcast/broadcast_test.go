package broadcast

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tutorbot/internal/notifier"
	"tutorbot/internal/pending"
	rtsup "tutorbot/internal/runtime/supervisor"
	logx "tutorbot/pkg/logx"
)

// scripted returns an outcome per recipient id.
type scripted struct {
	mu   sync.Mutex
	sent []string
	by   map[string]pending.Status
}

func (s *scripted) Channel() string { return "telegram" }

func (s *scripted) Deliver(_ context.Context, recipientID, _ string) pending.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, recipientID)
	st, ok := s.by[recipientID]
	if !ok {
		st = pending.Delivered
	}
	res := notifier.Result{Delivered: st == pending.Delivered}
	switch st {
	case pending.Deferred:
		res.Reason = notifier.ReasonOffline
	case pending.Failed:
		res.Reason = notifier.ReasonRejected
		res.Detail = "chat not found"
	}
	return pending.Outcome{Status: st, Result: res}
}

func targets(via Deliverer, ids ...string) []Target {
	out := make([]Target, 0, len(ids))
	for _, id := range ids {
		out = append(out, Target{Label: "t" + id, RecipientID: id, Via: via})
	}
	return out
}

func TestJobCountsOutcomes(t *testing.T) {
	t.Parallel()
	s := New(Config{Workers: 1, RatePerSec: 1000}, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop(context.Background())

	via := &scripted{by: map[string]pending.Status{"2": pending.Deferred, "3": pending.Failed}}
	done := make(chan JobStatus, 1)
	id, err := s.NewJob("all students", targets(via, "1", "2", "3", "4"), "hello", func(st JobStatus) { done <- st })
	if err != nil {
		t.Fatalf("NewJob: %v", err)
	}

	var st JobStatus
	select {
	case st = <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("job did not finish")
	}
	if st.ID != id || st.Total != 4 || st.Done != 4 || st.Delivered != 2 || st.Deferred != 1 || st.Failed != 1 {
		t.Fatalf("status = %+v", st)
	}
	if len(st.Failures) != 1 || st.Failures[0] != "t3" || !st.Finished() {
		t.Fatalf("failures = %v finished=%v", st.Failures, st.Finished())
	}
	via.mu.Lock()
	order := append([]string(nil), via.sent...)
	via.mu.Unlock()
	for i, want := range []string{"1", "2", "3", "4"} {
		if order[i] != want {
			t.Fatalf("send order = %v", order)
		}
	}
	if recent := s.Recent(5); len(recent) != 1 || recent[0].ID != id {
		t.Fatalf("Recent = %+v", recent)
	}
}

func TestNewJobErrors(t *testing.T) {
	t.Parallel()
	s := New(Config{Workers: 1, QueueSize: 1}, logx.Nop())
	via := &scripted{}

	if _, err := s.NewJob("x", targets(via, "1"), "b", nil); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("not running = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop(context.Background())
	if _, err := s.NewJob("x", nil, "b", nil); !errors.Is(err, ErrNoTargets) {
		t.Fatalf("no targets = %v", err)
	}
}

func TestQueueFull(t *testing.T) {
	t.Parallel()
	s := New(Config{Workers: 1, QueueSize: 1}, logx.Nop())
	// A supervisor without workers: the service counts as running but
	// nothing drains the queue.
	s.mu.Lock()
	s.sup = rtsup.New(context.Background())
	s.mu.Unlock()

	via := &scripted{}
	if _, err := s.NewJob("a", targets(via, "1"), "b", nil); err != nil {
		t.Fatalf("first job: %v", err)
	}
	if _, err := s.NewJob("b", targets(via, "1"), "b", nil); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("second job = %v", err)
	}
	if len(s.Recent(0)) != 1 {
		t.Fatal("rejected job should not keep a status entry")
	}
}

func TestPruneStatus(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop())
	s.statusMax = 2
	now := time.Now()
	s.status["old"] = &JobStatus{ID: "old", DoneAt: now.Add(-48 * time.Hour)}
	s.status["a"] = &JobStatus{ID: "a", DoneAt: now.Add(-3 * time.Minute)}
	s.status["b"] = &JobStatus{ID: "b", DoneAt: now.Add(-2 * time.Minute)}
	s.status["running"] = &JobStatus{ID: "running"}
	s.pruneStatus(now)

	if _, ok := s.Status("old"); ok {
		t.Fatal("expired job kept")
	}
	if _, ok := s.Status("a"); ok {
		t.Fatal("oldest finished job should be dropped to fit the bound")
	}
	if _, ok := s.Status("running"); !ok {
		t.Fatal("running job dropped")
	}
}
