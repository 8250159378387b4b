package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"tutorbot/internal/connectivity"
	"tutorbot/internal/pending"
	"tutorbot/internal/report"
	rtsup "tutorbot/internal/runtime/supervisor"
	"tutorbot/internal/storage"
	logx "tutorbot/pkg/logx"
)

// Queue is a send-or-defer path for one channel (see pending.Store).
type Queue interface {
	Channel() string
	Deliver(ctx context.Context, recipientID, body string) pending.Outcome
	Stats(ctx context.Context) (storage.PendingStats, error)
	List(ctx context.Context, limit int) ([]storage.PendingRecord, error)
}

// Status is the connectivity view shown to operators.
type Status interface {
	Online() bool
	LastChecked() time.Time
	CheckConnection(prompt bool, target connectivity.Notifier) bool
}

type Deps struct {
	Students storage.StudentStore
	Telegram Queue
	// WhatsApp is optional; it serves recipients without a linked chat.
	WhatsApp Queue
	Status   Status
	// BotUsername builds activation links.
	BotUsername func() string
	// Sends started by commands run here; nil runs them inline.
	Sup *rtsup.Supervisor
	// Broadcast enables /broadcast; nil hides it.
	Broadcast Broadcaster
	// TeacherName signs custom reports unless --teacher is given.
	TeacherName string
	Log         logx.Logger
	Now         func() time.Time
}

// Service implements the bot's commands.
type Service struct {
	d Deps
}

func NewService(d Deps) *Service {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.BotUsername == nil {
		d.BotUsername = func() string { return "" }
	}
	return &Service{d: d}
}

func (s *Service) Commands() []Command {
	return append([]Command{
		s.startCommand(),
		{
			Name:        "status",
			Description: "connectivity and pending queue",
			Usage:       "/status",
			Access:      AccessOwnerOnly,
			Handle:      s.handleStatus,
		},
		{
			Name:        "check",
			Description: "check the internet connection",
			Usage:       "/check",
			Access:      AccessOwnerOnly,
			Handle:      s.handleCheck,
		},
		{
			Name:        "pending",
			Description: "list queued notifications",
			Usage:       "/pending [limit]",
			Access:      AccessOwnerOnly,
			Handle:      s.handlePending,
		},
		{
			Name:        "enroll",
			Description: "add or update a student",
			Usage:       "/enroll <code> <first> [father] [family] [--phone=N] [--guardian-phone=N]",
			Access:      AccessOwnerOnly,
			Handle:      s.handleEnroll,
		},
		{
			Name:        "activation",
			Description: "activation message with the /start link",
			Usage:       "/activation <code> [guardian]",
			Access:      AccessOwnerOnly,
			Handle:      s.handleActivation,
		},
		{
			Name:        "notify",
			Description: "send a message to a student or guardian",
			Usage:       "/notify <code> student|guardian <text>",
			Access:      AccessOwnerOnly,
			Handle:      s.handleNotify,
		},
		{
			Name:        "grade",
			Description: "record an exam grade and send it to the guardian",
			Usage:       "/grade <code> <score> <total>",
			Access:      AccessOwnerOnly,
			Handle:      s.handleGrade,
		},
		{
			Name:        "report",
			Description: "send a custom report ({student_name} {teacher_name} {student_type} {exams_report} {attendance_report} {payments_report})",
			Usage:       "/report <code> student|guardian [--teacher=NAME] [--type=WORD] [--exams=N] [--attendance=N] [--payments=N] <template>",
			Access:      AccessOwnerOnly,
			Handle:      s.handleReport,
		},
	}, append(s.historyCommands(), s.broadcastCommands()...)...)
}

func (s *Service) handleStatus(ctx context.Context, req *Request) error {
	var b strings.Builder
	state := "online ✅"
	if s.d.Status != nil && !s.d.Status.Online() {
		state = "offline ❌"
	}
	b.WriteString("Connectivity: " + state)
	if s.d.Status != nil {
		if at := s.d.Status.LastChecked(); !at.IsZero() {
			b.WriteString(" (checked " + humanize.RelTime(at, s.d.Now(), "ago", "from now") + ")")
		}
	}
	b.WriteString("\nPending:")
	for _, q := range s.queues() {
		st, err := q.Stats(ctx)
		if err != nil {
			req.Logger.Warn("pending stats failed", logx.String("channel", q.Channel()), logx.Err(err))
			b.WriteString("\n  " + q.Channel() + ": unavailable")
			continue
		}
		line := fmt.Sprintf("\n  %s: %d", q.Channel(), st.Count)
		if st.Count > 0 {
			line += " (oldest " + humanize.RelTime(st.Oldest, s.d.Now(), "ago", "from now") + ")"
		}
		b.WriteString(line)
	}
	return req.Reply(ctx, b.String())
}

func (s *Service) handleCheck(ctx context.Context, req *Request) error {
	if s.d.Status == nil {
		return req.Reply(ctx, "connectivity monitor not running")
	}
	notice := &chatNotice{ctx: ctx, out: req.out, chatID: req.ChatID}
	if s.d.Status.CheckConnection(true, notice) {
		return req.Reply(ctx, "Internet connection OK ✅")
	}
	return nil
}

func (s *Service) handlePending(ctx context.Context, req *Request) error {
	limit := 10
	if len(req.Args) > 0 {
		n, err := strconv.Atoi(req.Args[0])
		if err != nil || n <= 0 {
			return req.Reply(ctx, "usage: /pending [limit]")
		}
		limit = n
	}
	var b strings.Builder
	total := 0
	for _, q := range s.queues() {
		recs, err := q.List(ctx, limit)
		if err != nil {
			return fmt.Errorf("list pending %s: %w", q.Channel(), err)
		}
		for _, r := range recs {
			total++
			fmt.Fprintf(&b, "%d. [%s] → %s, %s\n   %s\n", total, r.Channel, r.RecipientID,
				humanize.RelTime(r.CreatedAt, s.d.Now(), "ago", "from now"), ellipsis(r.Body, 80))
		}
	}
	if total == 0 {
		return req.Reply(ctx, "No pending notifications.")
	}
	return req.Reply(ctx, strings.TrimSpace(b.String()))
}

func (s *Service) handleEnroll(ctx context.Context, req *Request) error {
	if len(req.Args) < 2 || len(req.Args[0]) != CodeLen || !isDigits(req.Args[0]) {
		return req.Reply(ctx, "usage: /enroll <4-digit code> <first> [father] [family] [--phone=N] [--guardian-phone=N]")
	}
	st := storage.Student{
		Code:          req.Args[0],
		FirstName:     req.Args[1],
		Phone:         req.Flags["phone"],
		GuardianPhone: req.Flags["guardian-phone"],
	}
	if len(req.Args) > 2 {
		st.FatherName = req.Args[2]
	}
	if len(req.Args) > 3 {
		st.FamilyName = strings.Join(req.Args[3:], " ")
	}
	if err := s.d.Students.UpsertStudent(ctx, st); err != nil {
		return fmt.Errorf("enroll %s: %w", st.Code, err)
	}
	req.Logger.Info("student enrolled", logx.String("code", st.Code))
	return req.Reply(ctx, "Saved "+st.FullName()+" ("+st.Code+").")
}

func (s *Service) handleActivation(ctx context.Context, req *Request) error {
	if len(req.Args) < 1 {
		return req.Reply(ctx, "usage: /activation <code> [guardian]")
	}
	role := storage.RoleStudent
	if len(req.Args) > 1 && strings.EqualFold(req.Args[1], "guardian") {
		role = storage.RoleGuardian
	}
	st, ok, err := s.student(ctx, req, req.Args[0])
	if !ok {
		return err
	}
	bot := s.d.BotUsername()
	if bot == "" {
		return req.Reply(ctx, "bot username unknown; cannot build the link")
	}
	return req.Reply(ctx, report.Activation(st.FullName(), bot, st.Code, role))
}

func (s *Service) handleNotify(ctx context.Context, req *Request) error {
	if len(req.Args) < 3 {
		return req.Reply(ctx, "usage: /notify <code> student|guardian <text>")
	}
	role, ok := parseRole(req.Args[1])
	if !ok {
		return req.Reply(ctx, "audience must be student or guardian")
	}
	body := skipFields(req.Text, 2)
	st, ok, err := s.student(ctx, req, req.Args[0])
	if !ok {
		return err
	}
	return s.deliver(ctx, req, st, role, body)
}

func (s *Service) handleGrade(ctx context.Context, req *Request) error {
	if len(req.Args) != 3 {
		return req.Reply(ctx, "usage: /grade <code> <score> <total>")
	}
	score, err1 := strconv.Atoi(req.Args[1])
	total, err2 := strconv.Atoi(req.Args[2])
	if err1 != nil || err2 != nil {
		return req.Reply(ctx, "score and total must be whole numbers")
	}
	g := report.Grade{Date: s.d.Now(), Score: score, Total: total}
	if err := g.Validate(); err != nil {
		return req.Reply(ctx, err.Error())
	}
	st, ok, err := s.student(ctx, req, req.Args[0])
	if !ok {
		return err
	}
	if _, err := s.d.Students.AddRecord(ctx, storage.StudentRecord{
		Code: st.Code, Kind: storage.KindExam, At: g.Date, Score: score, Total: total,
	}); err != nil {
		return fmt.Errorf("record grade for %s: %w", st.Code, err)
	}
	return s.deliver(ctx, req, st, storage.RoleGuardian, report.GradeNotice(st.FullName(), g))
}

// reportFlags take a value after a space as well as after "=".
var reportFlags = []string{"teacher", "type", "exams", "attendance", "payments"}

func (s *Service) handleReport(ctx context.Context, req *Request) error {
	pos, flags, tmpl := leadingArgs(req.Text, 2, reportFlags...)
	if len(pos) < 2 || strings.TrimSpace(tmpl) == "" {
		return req.Reply(ctx, "usage: /report <code> student|guardian [options] <template>")
	}
	role, ok := parseRole(pos[1])
	if !ok {
		return req.Reply(ctx, "audience must be student or guardian")
	}
	st, ok, err := s.student(ctx, req, pos[0])
	if !ok {
		return err
	}
	d, err := s.reportData(ctx, st, role, flags)
	if err != nil {
		return replyOrFail(ctx, req, err)
	}
	return s.deliver(ctx, req, st, role, report.Custom(tmpl, d))
}

// deliver resolves the recipient and sends in the background; the outcome
// is reported to the operator's chat when it is known.
func (s *Service) deliver(ctx context.Context, req *Request, st storage.Student, role storage.Role, body string) error {
	if strings.TrimSpace(body) == "" {
		return req.Reply(ctx, "message is empty")
	}
	q, recipient, err := s.route(st, role)
	if err != nil {
		hint := "/activation " + st.Code
		if role == storage.RoleGuardian {
			hint += " guardian"
		}
		return req.Reply(ctx, fmt.Sprintf("%s (%s) has no linked chat; send them %s first", st.FullName(), role, hint))
	}
	who := role.String() + " of " + st.Code
	if role == storage.RoleStudent {
		who = st.FullName()
	}
	notice := &chatNotice{ctx: ctx, out: req.out, chatID: req.ChatID}
	log := req.Logger.With(logx.String("code", st.Code), logx.String("role", role.String()), logx.String("channel", q.Channel()))

	run := func(ctx context.Context) {
		out := q.Deliver(ctx, recipient, body)
		log.Info("operator send finished", logx.String("status", out.Status.String()), logx.String("reason", out.Result.Reason.String()))
		notice.Notify(outcomeNotice(who, out))
	}
	if s.d.Sup == nil {
		run(ctx)
		return nil
	}
	if err := req.Reply(ctx, "⏳ Sending to "+who+"…"); err != nil {
		log.Debug("ack reply failed", logx.Err(err))
	}
	notice.ctx = s.d.Sup.Context()
	s.d.Sup.Go0("bot.send."+req.ReqID, run)
	return nil
}

// route picks the Telegram chat when linked, else the phone on WhatsApp.
func (s *Service) route(st storage.Student, role storage.Role) (Queue, string, error) {
	if chat := st.ChatFor(role); chat != "" && s.d.Telegram != nil {
		return s.d.Telegram, chat, nil
	}
	phone := st.Phone
	if role == storage.RoleGuardian {
		phone = st.GuardianPhone
	}
	if phone != "" && s.d.WhatsApp != nil {
		return s.d.WhatsApp, phone, nil
	}
	return nil, "", errNotLinked
}

var errNotLinked = errors.New("recipient not linked")

// student loads code; ok is false when the request was already answered
// (err then carries any reply failure).
func (s *Service) student(ctx context.Context, req *Request, code string) (storage.Student, bool, error) {
	st, err := s.d.Students.GetStudent(ctx, code)
	if errors.Is(err, storage.ErrNotFound) {
		return st, false, req.Reply(ctx, "no student with code "+code)
	}
	if err != nil {
		return st, false, fmt.Errorf("load student %s: %w", code, err)
	}
	return st, true, nil
}

func (s *Service) queues() []Queue {
	out := make([]Queue, 0, 2)
	if s.d.Telegram != nil {
		out = append(out, s.d.Telegram)
	}
	if s.d.WhatsApp != nil {
		out = append(out, s.d.WhatsApp)
	}
	return out
}

func parseRole(s string) (storage.Role, bool) {
	switch strings.ToLower(s) {
	case "student", "s":
		return storage.RoleStudent, true
	case "guardian", "g", "parent":
		return storage.RoleGuardian, true
	}
	return 0, false
}

func ellipsis(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
