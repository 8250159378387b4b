package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"tutorbot/internal/report"
	"tutorbot/internal/storage"
	logx "tutorbot/pkg/logx"
)

const (
	dateLayout  = "2006-01-02"
	monthLayout = "2006-01"
)

func (s *Service) historyCommands() []Command {
	return []Command{
		{
			Name:        "attendance",
			Description: "record attendance",
			Usage:       "/attendance <code> present|absent [--date=YYYY-MM-DD]",
			Access:      AccessOwnerOnly,
			Handle:      s.handleAttendance,
		},
		{
			Name:        "payment",
			Description: "record a month's payment and notify the guardian",
			Usage:       "/payment <code> <YYYY-MM> paid|unpaid",
			Access:      AccessOwnerOnly,
			Handle:      s.handlePayment,
		},
		{
			Name:        "monthly",
			Description: "send the exams, attendance and payments report",
			Usage:       "/monthly <code> student|guardian [--teacher=NAME] [--exams=N] [--attendance=N] [--payments=N]",
			Access:      AccessOwnerOnly,
			Handle:      s.handleMonthly,
		},
	}
}

func (s *Service) handleAttendance(ctx context.Context, req *Request) error {
	if len(req.Args) != 2 {
		return req.Reply(ctx, "usage: /attendance <code> present|absent [--date=YYYY-MM-DD]")
	}
	status := strings.ToLower(req.Args[1])
	if status != "present" && status != "absent" {
		return req.Reply(ctx, "status must be present or absent")
	}
	at := s.d.Now()
	if v := req.Flags["date"]; v != "" {
		d, err := time.ParseInLocation(dateLayout, v, time.Local)
		if err != nil {
			return req.Reply(ctx, "date must look like 2026-03-01")
		}
		at = d
	}
	st, ok, err := s.student(ctx, req, req.Args[0])
	if !ok {
		return err
	}
	if _, err := s.d.Students.AddRecord(ctx, storage.StudentRecord{
		Code: st.Code, Kind: storage.KindAttendance, At: at, Status: status,
	}); err != nil {
		return fmt.Errorf("record attendance for %s: %w", st.Code, err)
	}
	req.Logger.Info("attendance recorded", logx.String("code", st.Code), logx.String("status", status))
	return req.Reply(ctx, fmt.Sprintf("Recorded %s for %s on %s.", status, st.FullName(), at.Format(dateLayout)))
}

func (s *Service) handlePayment(ctx context.Context, req *Request) error {
	if len(req.Args) != 3 {
		return req.Reply(ctx, "usage: /payment <code> <YYYY-MM> paid|unpaid")
	}
	month := req.Args[1]
	if _, err := time.Parse(monthLayout, month); err != nil {
		return req.Reply(ctx, "month must look like 2026-03")
	}
	status := strings.ToLower(req.Args[2])
	if status != "paid" && status != "unpaid" {
		return req.Reply(ctx, "status must be paid or unpaid")
	}
	st, ok, err := s.student(ctx, req, req.Args[0])
	if !ok {
		return err
	}
	now := s.d.Now()
	if _, err := s.d.Students.AddRecord(ctx, storage.StudentRecord{
		Code: st.Code, Kind: storage.KindPayment, At: now, Month: month, Status: status,
	}); err != nil {
		return fmt.Errorf("record payment for %s: %w", st.Code, err)
	}
	return s.deliver(ctx, req, st, storage.RoleGuardian, report.PaymentNotice(st.FullName(), month, status, now))
}

func (s *Service) handleMonthly(ctx context.Context, req *Request) error {
	pos, flags, _ := leadingArgs(req.Text, 2, reportFlags...)
	if len(pos) != 2 {
		return req.Reply(ctx, "usage: /monthly <code> student|guardian [--exams=N] [--attendance=N] [--payments=N]")
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
	return s.deliver(ctx, req, st, role, report.Monthly(d))
}

// badOption is a malformed command option; it is answered, not logged.
type badOption string

func (e badOption) Error() string { return string(e) }

func replyOrFail(ctx context.Context, req *Request, err error) error {
	if msg, ok := err.(badOption); ok {
		return req.Reply(ctx, string(msg))
	}
	return err
}

// reportData loads st's history for the report placeholders. flags may set
// teacher, type and the per-list limits exams, attendance and payments.
func (s *Service) reportData(ctx context.Context, st storage.Student, role storage.Role, flags map[string]string) (report.Data, error) {
	d := report.Data{
		StudentName: st.FullName(),
		StudentType: "student",
		TeacherName: s.d.TeacherName,
		To:          role,
	}
	if v := flags["teacher"]; v != "" {
		d.TeacherName = v
	}
	if v := flags["type"]; v != "" {
		d.StudentType = v
	}
	for key, dst := range map[string]*int{"exams": &d.ExamsN, "attendance": &d.AttendanceN, "payments": &d.PaymentsN} {
		v, ok := flags[key]
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return d, badOption("--" + key + " must be a whole number")
		}
		*dst = n
	}

	exams, err := s.d.Students.ListRecords(ctx, st.Code, storage.KindExam)
	if err != nil {
		return d, fmt.Errorf("load exams of %s: %w", st.Code, err)
	}
	for _, r := range exams {
		d.Exams = append(d.Exams, report.Exam{Date: r.At.Format(dateLayout), Total: r.Total, StudentScore: r.Score})
	}

	days, err := s.d.Students.ListRecords(ctx, st.Code, storage.KindAttendance)
	if err != nil {
		return d, fmt.Errorf("load attendance of %s: %w", st.Code, err)
	}
	for _, r := range days {
		d.Attendance = append(d.Attendance, report.Attendance{Date: r.At.Format(dateLayout), Day: r.At.Weekday().String(), Status: r.Status})
	}

	pays, err := s.d.Students.ListRecords(ctx, st.Code, storage.KindPayment)
	if err != nil {
		return d, fmt.Errorf("load payments of %s: %w", st.Code, err)
	}
	d.Payments = latestPerMonth(pays)
	return d, nil
}

// latestPerMonth keeps the newest status of each month, in the order the
// months were first recorded.
func latestPerMonth(recs []storage.StudentRecord) []report.Payment {
	idx := map[string]int{}
	var out []report.Payment
	for _, r := range recs {
		if i, ok := idx[r.Month]; ok {
			out[i].Status = r.Status
			continue
		}
		idx[r.Month] = len(out)
		out = append(out, report.Payment{Month: r.Month, Status: r.Status})
	}
	return out
}
