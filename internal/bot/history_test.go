package bot

import (
	"reflect"
	"strings"
	"testing"
	"time"

	"tutorbot/internal/report"
	"tutorbot/internal/storage"
)

func TestLeadingArgs(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		text      string
		n         int
		wantPos   []string
		wantFlags map[string]string
		wantRest  string
	}{
		{
			name:      "body kept verbatim",
			text:      "1234 guardian It's \"done\":\n  C:\\tmp --x",
			n:         2,
			wantPos:   []string{"1234", "guardian"},
			wantFlags: map[string]string{},
			wantRest:  "It's \"done\":\n  C:\\tmp --x",
		},
		{
			name:      "valued flag takes next word",
			text:      "student --teacher \"Ms. Rana\" --exams=3 Hi {teacher_name}",
			n:         1,
			wantPos:   []string{"student"},
			wantFlags: map[string]string{"teacher": "Ms. Rana", "exams": "3"},
			wantRest:  "Hi {teacher_name}",
		},
		{
			name:      "bare flag without value",
			text:      "--quiet 1234 guardian body",
			n:         2,
			wantPos:   []string{"1234", "guardian"},
			wantFlags: map[string]string{"quiet": ""},
			wantRest:  "body",
		},
		{
			name:      "short input",
			text:      "1234",
			n:         2,
			wantPos:   []string{"1234"},
			wantFlags: map[string]string{},
			wantRest:  "",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			pos, flags, rest := leadingArgs(tc.text, tc.n, reportFlags...)
			if !reflect.DeepEqual(pos, tc.wantPos) {
				t.Fatalf("pos = %q, want %q", pos, tc.wantPos)
			}
			if !reflect.DeepEqual(flags, tc.wantFlags) {
				t.Fatalf("flags = %v, want %v", flags, tc.wantFlags)
			}
			if rest != tc.wantRest {
				t.Fatalf("rest = %q, want %q", rest, tc.wantRest)
			}
		})
	}
}

func TestReportFillsExamsFromGrades(t *testing.T) {
	t.Parallel()
	h := newHarness(t, true)
	h.enroll(t, storage.Student{Code: "1234", FirstName: "Lina", GuardianChatID: "6001"})

	h.send(t, ownerID, "/grade 1234 18 20")
	h.send(t, ownerID, "/grade 1234 15 20")
	h.send(t, ownerID, "/report 1234 guardian --exams=1 Your child's results:\nExams: {exams_report}\nSee C:\\grades --later")

	calls := h.tg.Calls()
	if len(calls) != 3 {
		t.Fatalf("calls = %d, want 3", len(calls))
	}
	want := report.Greeting("Lina", storage.RoleGuardian) + "\n\n" +
		"Your child's results:\nExams: 1- " + time.Now().Format(dateLayout) +
		" - full mark: 20 - student mark: 15\nSee C:\\grades --later"
	if got := calls[2]; got.RecipientID != "6001" || got.Body != want {
		t.Fatalf("report = %q to %s\nwant %q", got.Body, got.RecipientID, want)
	}
}

func TestReportRejectsBadLimit(t *testing.T) {
	t.Parallel()
	h := newHarness(t, true)
	h.enroll(t, storage.Student{Code: "1234", FirstName: "Lina", ChatID: "501"})

	h.send(t, ownerID, "/report 1234 student --exams=x {exams_report}")
	if got := h.out.last(); got != "--exams must be a whole number" {
		t.Fatalf("reply = %q", got)
	}
	h.send(t, ownerID, "/report 1234 student")
	if got := h.out.last(); !strings.HasPrefix(got, "usage: /report") {
		t.Fatalf("reply = %q", got)
	}
	if n := len(h.tg.Calls()); n != 0 {
		t.Fatalf("calls = %d, want 0", n)
	}
}

func TestAttendanceAndPaymentFeedMonthly(t *testing.T) {
	t.Parallel()
	h := newHarness(t, true)
	h.enroll(t, storage.Student{Code: "1234", FirstName: "Lina", GuardianChatID: "6001"})

	h.send(t, ownerID, "/attendance 1234 late")
	if got := h.out.last(); got != "status must be present or absent" {
		t.Fatalf("reply = %q", got)
	}
	h.send(t, ownerID, "/attendance 1234 present --date=2026-03-02")
	if got := h.out.last(); got != "Recorded present for Lina on 2026-03-02." {
		t.Fatalf("reply = %q", got)
	}

	h.send(t, ownerID, "/payment 1234 March paid")
	if got := h.out.last(); got != "month must look like 2026-03" {
		t.Fatalf("reply = %q", got)
	}
	h.send(t, ownerID, "/payment 1234 2026-03 unpaid")
	h.send(t, ownerID, "/payment 1234 2026-03 paid")
	calls := h.tg.Calls()
	if len(calls) != 2 || calls[1].RecipientID != "6001" || !strings.Contains(calls[1].Body, "Status: paid") {
		t.Fatalf("payment calls = %+v", calls)
	}

	h.send(t, ownerID, "/monthly 1234 guardian")
	calls = h.tg.Calls()
	if len(calls) != 3 {
		t.Fatalf("calls = %d, want 3", len(calls))
	}
	body := calls[2].Body
	for _, want := range []string{"1. 2026-03-02 - Monday - present", "1. 2026-03 - paid"} {
		if !strings.Contains(body, want) {
			t.Fatalf("monthly missing %q:\n%s", want, body)
		}
	}
	if strings.Contains(body, "unpaid") {
		t.Fatalf("monthly kept a superseded payment:\n%s", body)
	}
}

func TestLatestPerMonth(t *testing.T) {
	t.Parallel()

	recs := []storage.StudentRecord{
		{Month: "2026-02", Status: "unpaid"},
		{Month: "2026-03", Status: "unpaid"},
		{Month: "2026-02", Status: "paid"},
	}
	got := latestPerMonth(recs)
	want := []report.Payment{{Month: "2026-02", Status: "paid"}, {Month: "2026-03", Status: "unpaid"}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("latestPerMonth = %+v, want %+v", got, want)
	}
}

func TestHistoryUnknownStudent(t *testing.T) {
	t.Parallel()
	h := newHarness(t, true)

	for _, cmd := range []string{"/payment 9999 2026-03 paid", "/attendance 9999 absent", "/monthly 9999 guardian"} {
		h.send(t, ownerID, cmd)
		if got := h.out.last(); got != "no student with code 9999" {
			t.Fatalf("%s: reply = %q", cmd, got)
		}
	}
	if n := len(h.tg.Calls()); n != 0 {
		t.Fatalf("calls = %d, want 0", n)
	}
}
