package bot

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"tutorbot/internal/connectivity"
	"tutorbot/internal/notifier"
	"tutorbot/internal/pending"
	"tutorbot/internal/storage"
	kit "tutorbot/internal/transport"
	"tutorbot/internal/transport/transporttest"
	logx "tutorbot/pkg/logx"
)

const ownerID = 777

type replies struct {
	mu   sync.Mutex
	sent []string
	menu []kit.BotCommand
}

func (r *replies) SendMessage(_ context.Context, _ string, text string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, text)
	return "1", nil
}

func (r *replies) UpdateMenuCommands(_ context.Context, cmds []kit.BotCommand) error {
	r.mu.Lock()
	r.menu = cmds
	r.mu.Unlock()
	return nil
}

func (r *replies) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sent...)
}

func (r *replies) last() string {
	all := r.all()
	if len(all) == 0 {
		return ""
	}
	return all[len(all)-1]
}

type fakeStatus struct {
	online  bool
	checked time.Time
}

func (f *fakeStatus) Online() bool           { return f.online }
func (f *fakeStatus) LastChecked() time.Time { return f.checked }
func (f *fakeStatus) CheckConnection(prompt bool, target connectivity.Notifier) bool {
	if !f.online && prompt && target != nil {
		target.Notify(connectivity.OfflineMessage, connectivity.SeverityError)
	}
	return f.online
}

type harness struct {
	router *Router
	out    *replies
	db     storage.Store
	tg     *transporttest.Channel
	status *fakeStatus
	queue  *pending.Store
}

func newHarness(t *testing.T, online bool) *harness {
	t.Helper()
	db, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "bot.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	status := &fakeStatus{online: online, checked: time.Now().Add(-3 * time.Second)}
	tg := transporttest.New(kit.ChannelTelegram)
	d := notifier.New(tg, status, notifier.Config{}, notifier.WithSleep(func(ctx context.Context, _ time.Duration) error { return ctx.Err() }))
	q := pending.New(db, d)

	out := &replies{}
	svc := NewService(Deps{
		Students:    db,
		Telegram:    q,
		Status:      status,
		BotUsername: func() string { return "tutor_bot" },
	})
	r := NewRouter(out, []int64{ownerID}, logx.Nop())
	r.Register(svc.Commands()...)
	return &harness{router: r, out: out, db: db, tg: tg, status: status, queue: q}
}

func (h *harness) send(t *testing.T, from int64, text string) {
	t.Helper()
	up := kit.Update{Message: &kit.Message{ChatID: from, FromID: from, Text: text}}
	if err := h.router.Handle(context.Background(), up); err != nil {
		t.Fatalf("%s: %v", text, err)
	}
}

func (h *harness) enroll(t *testing.T, st storage.Student) {
	t.Helper()
	if err := h.db.UpsertStudent(context.Background(), st); err != nil {
		t.Fatalf("upsert: %v", err)
	}
}

func TestParseActivationCode(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in      string
		code    string
		role    storage.Role
		wantErr error
	}{
		{"1234", "1234", storage.RoleStudent, nil},
		{"12341", "1234", storage.RoleGuardian, nil},
		{" 0420 ", "0420", storage.RoleStudent, nil},
		{"", "", 0, errNoCode},
		{"abcd", "", 0, errNoCode},
		{"12a4", "", 0, errNoCode},
		{"123", "", 0, errInvalidCode},
	}
	for _, tc := range cases {
		code, role, err := ParseActivationCode(tc.in)
		if err != tc.wantErr || code != tc.code || (err == nil && role != tc.role) {
			t.Fatalf("ParseActivationCode(%q) = %q, %v, %v", tc.in, code, role, err)
		}
	}
}

func TestStartLinksStudentAndGuardian(t *testing.T) {
	t.Parallel()
	h := newHarness(t, true)
	h.enroll(t, storage.Student{Code: "1234", FirstName: "Lina", FamilyName: "Haddad"})

	h.send(t, 5001, "/start 1234")
	got := h.out.all()
	if len(got) != 2 || !strings.Contains(got[0], "Role: Student") || !strings.HasPrefix(got[1], "Hello Lina Haddad") {
		t.Fatalf("student replies = %q", got)
	}

	h.send(t, 6001, "/start@tutor_bot 12341")
	if !strings.HasPrefix(h.out.last(), "Welcome, guardian of Lina Haddad") {
		t.Fatalf("guardian reply = %q", h.out.last())
	}

	st, err := h.db.GetStudent(context.Background(), "1234")
	if err != nil || st.ChatID != "5001" || st.GuardianChatID != "6001" {
		t.Fatalf("student = %+v, %v", st, err)
	}
}

func TestStartRejectsBadCodes(t *testing.T) {
	t.Parallel()
	h := newHarness(t, true)
	cases := map[string]string{
		"/start":      "Please use the link sent to you.",
		"/start hey":  "Please use the link sent to you.",
		"/start 12":   "Invalid activation code. Please try again.",
		"/start 9999": "An error occurred while linking your account.\nPlease check your code and try again.",
	}
	for text, want := range cases {
		h.send(t, 5001, text)
		if got := h.out.last(); got != want {
			t.Fatalf("%s -> %q, want %q", text, got, want)
		}
	}
}

func TestOwnerOnlyCommands(t *testing.T) {
	t.Parallel()
	h := newHarness(t, true)
	h.send(t, 5001, "/status")
	if h.out.last() != msgUnauthorized {
		t.Fatalf("non-owner reply = %q", h.out.last())
	}
	h.send(t, ownerID, "/status")
	if !strings.HasPrefix(h.out.last(), "Connectivity: online") {
		t.Fatalf("owner reply = %q", h.out.last())
	}

	h.router.SetOwners(nil)
	h.send(t, ownerID, "/status")
	if h.out.last() != msgUnauthorized {
		t.Fatal("owner list should hot-swap")
	}
}

func TestUnknownCommandAndPlainText(t *testing.T) {
	t.Parallel()
	h := newHarness(t, true)
	h.send(t, 5001, "hello there")
	if len(h.out.all()) != 0 {
		t.Fatal("plain text must be ignored")
	}
	h.send(t, 5001, "/nope")
	if h.out.last() != msgUnknown {
		t.Fatalf("reply = %q", h.out.last())
	}
}

func TestNotifyDeliversToLinkedChat(t *testing.T) {
	t.Parallel()
	h := newHarness(t, true)
	h.enroll(t, storage.Student{Code: "1234", FirstName: "Lina", ChatID: "5001", GuardianChatID: "6001"})

	h.send(t, ownerID, "/notify 1234 guardian class moved\nto 5pm")
	calls := h.tg.Calls()
	if len(calls) != 1 || calls[0].RecipientID != "6001" || calls[0].Body != "class moved\nto 5pm" {
		t.Fatalf("calls = %+v", calls)
	}
	if !strings.Contains(h.out.last(), "Sent to guardian of 1234") {
		t.Fatalf("notice = %q", h.out.last())
	}
}

func TestNotifyOfflineDefersWithDistinctNotice(t *testing.T) {
	t.Parallel()
	h := newHarness(t, false)
	h.enroll(t, storage.Student{Code: "1234", FirstName: "Lina", ChatID: "5001"})

	h.send(t, ownerID, "/notify 1234 student hi")
	if !strings.Contains(h.out.last(), connectivity.OfflineMessage) || !strings.Contains(h.out.last(), "queued") {
		t.Fatalf("notice = %q", h.out.last())
	}
	st, _ := h.queue.Stats(context.Background())
	if st.Count != 1 {
		t.Fatalf("pending = %d", st.Count)
	}

	h.send(t, ownerID, "/pending")
	if !strings.Contains(h.out.last(), "[telegram] → 5001") {
		t.Fatalf("pending list = %q", h.out.last())
	}
}

func TestNotifyRejectedIsNotQueued(t *testing.T) {
	t.Parallel()
	h := newHarness(t, true)
	h.tg.SetFallback(transporttest.AppErr(kit.ChannelTelegram, "Forbidden: bot was blocked by the user"))
	h.enroll(t, storage.Student{Code: "1234", FirstName: "Lina", ChatID: "5001"})

	h.send(t, ownerID, "/notify 1234 student hi")
	last := h.out.last()
	if strings.Contains(last, connectivity.OfflineMessage) || !strings.Contains(last, "bot was blocked") {
		t.Fatalf("notice = %q", last)
	}
	if st, _ := h.queue.Stats(context.Background()); st.Count != 0 {
		t.Fatal("rejected message must not be queued")
	}
}

func TestNotifyUnlinkedRecipient(t *testing.T) {
	t.Parallel()
	h := newHarness(t, true)
	h.enroll(t, storage.Student{Code: "1234", FirstName: "Lina"})
	h.send(t, ownerID, "/notify 1234 guardian hi")
	if !strings.Contains(h.out.last(), "/activation 1234 guardian") {
		t.Fatalf("reply = %q", h.out.last())
	}
	if len(h.tg.Calls()) != 0 {
		t.Fatal("nothing should be sent")
	}
}

func TestGradeGoesToGuardian(t *testing.T) {
	t.Parallel()
	h := newHarness(t, true)
	h.enroll(t, storage.Student{Code: "1234", FirstName: "Lina", GuardianChatID: "6001"})

	h.send(t, ownerID, "/grade 1234 25 20")
	if !strings.Contains(h.out.last(), "score must be between") {
		t.Fatalf("reply = %q", h.out.last())
	}
	h.send(t, ownerID, "/grade 1234 17 20")
	calls := h.tg.Calls()
	if len(calls) != 1 || calls[0].RecipientID != "6001" || !strings.Contains(calls[0].Body, "Grade: 17/20") {
		t.Fatalf("calls = %+v", calls)
	}
}

func TestActivationAndEnroll(t *testing.T) {
	t.Parallel()
	h := newHarness(t, true)
	h.send(t, ownerID, "/enroll 1234 Lina Sami Haddad --guardian-phone=96170111222")
	if h.out.last() != "Saved Lina Sami Haddad (1234)." {
		t.Fatalf("enroll reply = %q", h.out.last())
	}
	h.send(t, ownerID, "/activation 1234 guardian")
	if !strings.Contains(h.out.last(), "https://t.me/tutor_bot?start=12341") {
		t.Fatalf("activation reply = %q", h.out.last())
	}
	st, _ := h.db.GetStudent(context.Background(), "1234")
	if st.GuardianPhone != "96170111222" {
		t.Fatalf("student = %+v", st)
	}
}

func TestCheckPromptsWhenOffline(t *testing.T) {
	t.Parallel()
	h := newHarness(t, false)
	h.send(t, ownerID, "/check")
	if h.out.last() != "❌ "+connectivity.OfflineMessage {
		t.Fatalf("reply = %q", h.out.last())
	}
}

func TestHelpHidesOwnerCommands(t *testing.T) {
	t.Parallel()
	h := newHarness(t, true)
	h.send(t, 5001, "/help")
	if strings.Contains(h.out.last(), "/notify") || !strings.Contains(h.out.last(), "/start") {
		t.Fatalf("public help = %q", h.out.last())
	}
	h.send(t, ownerID, "/h")
	if !strings.Contains(h.out.last(), "/notify") {
		t.Fatalf("owner help = %q", h.out.last())
	}

	if err := h.router.SyncMenu(context.Background()); err != nil {
		t.Fatal(err)
	}
	for _, c := range h.out.menu {
		if c.Command == "notify" {
			t.Fatal("owner command leaked into the menu")
		}
	}
}

func TestDispatchLoopRunsHandlers(t *testing.T) {
	t.Parallel()
	h := newHarness(t, true)
	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan kit.Update, 1)
	done := make(chan error, 1)
	go func() { done <- h.router.DispatchLoop(ctx, updates) }()

	updates <- kit.Update{Message: &kit.Message{ChatID: ownerID, FromID: ownerID, Text: "/status"}}
	deadline := time.Now().Add(2 * time.Second)
	for len(h.out.all()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("DispatchLoop: %v", err)
	}
	if !strings.HasPrefix(h.out.last(), "Connectivity:") {
		t.Fatalf("reply = %q", h.out.last())
	}
}

func TestParseHelpers(t *testing.T) {
	t.Parallel()
	toks := tokenizeCommandLine(`1234 "Lina Haddad" --phone=1 --x`)
	pos, flags, bools := parseFlags(toks)
	if len(pos) != 2 || pos[1] != "Lina Haddad" || flags["phone"] != "1" || !bools["x"] {
		t.Fatalf("pos=%q flags=%v bools=%v", pos, flags, bools)
	}
	if got := skipFields("  1234  guardian  hello\n world ", 2); got != "hello\n world" {
		t.Fatalf("skipFields = %q", got)
	}
	if got := sanitizeCommand("/Pending-List"); got != "pending_list" {
		t.Fatalf("sanitizeCommand = %q", got)
	}
}
