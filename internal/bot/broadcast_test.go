package bot

import (
	"context"
	"strings"
	"testing"
	"time"

	"tutorbot/internal/notifier/broadcast"
	"tutorbot/internal/report"
	"tutorbot/internal/storage"
	logx "tutorbot/pkg/logx"
)

func TestBroadcastToLinkedStudents(t *testing.T) {
	t.Parallel()
	h := newHarness(t, true)
	h.enroll(t, storage.Student{Code: "1111", FirstName: "Lina", ChatID: "501"})
	h.enroll(t, storage.Student{Code: "2222", FirstName: "Sami", ChatID: "502"})
	h.enroll(t, storage.Student{Code: "3333", FirstName: "Noor"})

	bc := broadcast.New(broadcast.Config{Workers: 1, RatePerSec: 1000}, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bc.Start(ctx)
	defer bc.Stop(context.Background())

	svc := NewService(Deps{Students: h.db, Telegram: h.queue, Status: h.status, Broadcast: bc, TeacherName: "Mr. Adel"})
	r := NewRouter(h.out, []int64{ownerID}, logx.Nop())
	r.Register(svc.Commands()...)
	h.router = r

	h.send(t, ownerID, "/broadcast student Exams start Sunday. {teacher_name}")
	// The finish notice may land before or after the ack.
	find := func(prefix string) string {
		for _, r := range h.out.all() {
			if strings.HasPrefix(r, prefix) {
				return r
			}
		}
		return ""
	}
	if got := find("📣 Broadcast"); !strings.Contains(got, "queued for 2 students") || !strings.Contains(got, "Skipped 1") {
		t.Fatalf("ack = %q", got)
	}

	deadline := time.Now().Add(3 * time.Second)
	for find("ℹ️ Broadcast") == "" && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := find("ℹ️ Broadcast"); !strings.Contains(got, "2/2 handled, 2 sent") {
		t.Fatalf("finish notice = %q", got)
	}

	calls := h.tg.Calls()
	if len(calls) != 2 {
		t.Fatalf("calls = %d, want 2", len(calls))
	}
	if calls[0].RecipientID != "501" || !strings.HasPrefix(calls[0].Body, "Hello Lina") || !strings.Contains(calls[0].Body, "Mr. Adel") {
		t.Fatalf("first call = %+v", calls[0])
	}

	h.send(t, ownerID, "/broadcasts")
	if got := h.out.last(); !strings.Contains(got, "(students)") || !strings.Contains(got, "finished") {
		t.Fatalf("/broadcasts = %q", got)
	}
}

func TestBroadcastKeepsTemplateVerbatim(t *testing.T) {
	t.Parallel()
	h := newHarness(t, true)
	h.enroll(t, storage.Student{Code: "1111", FirstName: "Lina", ChatID: "501"})
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.Local)
	if _, err := h.db.AddRecord(context.Background(), storage.StudentRecord{Code: "1111", Kind: storage.KindExam, At: at, Score: 18, Total: 20}); err != nil {
		t.Fatalf("AddRecord: %v", err)
	}

	bc := broadcast.New(broadcast.Config{Workers: 1, RatePerSec: 1000}, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bc.Start(ctx)
	defer bc.Stop(context.Background())

	svc := NewService(Deps{Students: h.db, Telegram: h.queue, Status: h.status, Broadcast: bc, TeacherName: "Mr. Adel"})
	h.router = NewRouter(h.out, []int64{ownerID}, logx.Nop())
	h.router.Register(svc.Commands()...)

	h.send(t, ownerID, "/broadcast student --teacher \"Ms. Rana\" It's exam week:\n- bring a C:\\pen --not-a-flag\n{exams_report}\n-- {teacher_name}")

	deadline := time.Now().Add(3 * time.Second)
	for len(h.tg.Calls()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	calls := h.tg.Calls()
	if len(calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(calls))
	}
	want := report.Greeting("Lina", storage.RoleStudent) + "\n\n" +
		"It's exam week:\n- bring a C:\\pen --not-a-flag\n" +
		"1- 2026-03-01 - full mark: 20 - student mark: 18\n-- Ms. Rana"
	if calls[0].Body != want {
		t.Fatalf("body =\n%q\nwant\n%q", calls[0].Body, want)
	}
}

func TestBroadcastHiddenWithoutService(t *testing.T) {
	t.Parallel()
	h := newHarness(t, true)
	for _, c := range h.router.Commands() {
		if c.Name == "broadcast" {
			t.Fatal("broadcast registered without a broadcaster")
		}
	}
}
