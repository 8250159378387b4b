package housekeeping

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"tutorbot/internal/storage"
	logx "tutorbot/pkg/logx"
)

type ownerSink struct {
	mu   sync.Mutex
	sent map[int64][]string
}

func (o *ownerSink) SendPlain(_ context.Context, chatID int64, text string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sent == nil {
		o.sent = map[int64][]string{}
	}
	o.sent[chatID] = append(o.sent[chatID], text)
	return nil
}

func (o *ownerSink) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, v := range o.sent {
		n += len(v)
	}
	return n
}

func openStore(t *testing.T) storage.Store {
	t.Helper()
	db, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "pending")}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func insert(t *testing.T, db storage.PendingStore, id string, at time.Time) {
	t.Helper()
	_, err := db.InsertPending(context.Background(), storage.PendingRecord{ID: id, Channel: "telegram", RecipientID: "1", Body: "x", CreatedAt: at})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
}

func TestValidateSpec(t *testing.T) {
	t.Parallel()
	for _, ok := range []string{"0 8 * * *", "*/30 * * * * *", "@daily", "@every 1h"} {
		if err := ValidateSpec(ok); err != nil {
			t.Fatalf("ValidateSpec(%q) = %v", ok, err)
		}
	}
	for _, bad := range []string{"", "not cron", "61 * * * *"} {
		if ValidateSpec(bad) == nil {
			t.Fatalf("ValidateSpec(%q) should fail", bad)
		}
	}
}

func TestRunOnceReportsWithoutPurgeByDefault(t *testing.T) {
	t.Parallel()
	db := openStore(t)
	now := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	insert(t, db, "a", now.Add(-30*24*time.Hour))
	insert(t, db, "b", now.Add(-time.Hour))

	out := &ownerSink{}
	s := New(db, Config{NotifyOwners: true}, WithSender(out), WithOwners(func() []int64 { return []int64{1, 2} }), WithClock(func() time.Time { return now }))
	rep, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if rep.Stats.Count != 2 || rep.Purged != 0 || !rep.Stats.Oldest.Equal(now.Add(-30*24*time.Hour)) {
		t.Fatalf("report = %+v", rep)
	}
	if out.count() != 2 {
		t.Fatalf("owner messages = %d, want 2", out.count())
	}
	if s.Last().Stats.Count != 2 {
		t.Fatal("Last not recorded")
	}
}

func TestRunOncePurgesOldRecords(t *testing.T) {
	t.Parallel()
	db := openStore(t)
	now := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	insert(t, db, "old", now.Add(-10*24*time.Hour))
	insert(t, db, "new", now.Add(-time.Hour))

	s := New(db, Config{MaxAge: 7 * 24 * time.Hour}, WithClock(func() time.Time { return now }))
	rep, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if rep.Purged != 1 || rep.Stats.Count != 1 {
		t.Fatalf("report = %+v", rep)
	}
}

func TestFormatReport(t *testing.T) {
	t.Parallel()
	at := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	if got := FormatReport(Report{At: at}); got != "📭 No pending notifications." {
		t.Fatalf("empty = %q", got)
	}
	got := FormatReport(Report{At: at, Purged: 3, Stats: storage.PendingStats{Count: 2, Oldest: at.Add(-2 * time.Hour)}})
	if !strings.Contains(got, "Pending notifications: 2 (oldest queued 2 hours ago)") || !strings.Contains(got, "Purged 3") {
		t.Fatalf("report = %q", got)
	}
}

func TestScheduledRunFires(t *testing.T) {
	t.Parallel()
	db := openStore(t)
	insert(t, db, "a", time.Now())
	out := &ownerSink{}
	s := New(db, Config{Enabled: true, Spec: "@every 1s", NotifyOwners: true},
		WithSender(out), WithOwners(func() []int64 { return []int64{9} }))
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(context.Background())

	deadline := time.Now().Add(3 * time.Second)
	for out.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if out.count() == 0 {
		t.Fatal("scheduled report did not run")
	}
}

func TestApplyRejectsBadSpecAndCanDisable(t *testing.T) {
	t.Parallel()
	s := New(openStore(t), Config{Enabled: true, Spec: "@daily"})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Apply(Config{Enabled: true, Spec: "bogus"}); err == nil {
		t.Fatal("bad schedule accepted")
	}
	if err := s.Apply(Config{Enabled: false}); err != nil {
		t.Fatalf("disable: %v", err)
	}
	s.mu.Lock()
	running := s.c != nil
	s.mu.Unlock()
	if running {
		t.Fatal("cron should be stopped when disabled")
	}
	s.Stop(context.Background())
}
