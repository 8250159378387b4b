package report

import (
	"fmt"
	"strings"
)

type Exam struct {
	Date         string
	Total        int
	StudentScore int
}

type Attendance struct {
	Date   string
	Day    string
	Status string
}

type Payment struct {
	Month  string
	Status string
}

// lastN keeps the most recent n items; n <= 0 keeps all.
func lastN[T any](items []T, n int) []T {
	if n > 0 && len(items) > n {
		return items[len(items)-n:]
	}
	return items
}

// ExamsList renders one numbered line per exam. studentType is the word
// used for the student ("student", "pupil", ...).
func ExamsList(exams []Exam, studentType string, n int) string {
	var b strings.Builder
	for i, e := range lastN(exams, n) {
		fmt.Fprintf(&b, "%d- %s - full mark: %d - %s mark: %d\n", i+1, e.Date, e.Total, studentType, e.StudentScore)
	}
	return strings.TrimSpace(b.String())
}

func AttendanceList(rows []Attendance, n int) string {
	var b strings.Builder
	for i, a := range lastN(rows, n) {
		fmt.Fprintf(&b, "%d. %s - %s - %s\n", i+1, a.Date, a.Day, a.Status)
	}
	return strings.TrimSpace(b.String())
}

func PaymentsList(rows []Payment, n int) string {
	var b strings.Builder
	for i, p := range lastN(rows, n) {
		fmt.Fprintf(&b, "%d. %s - %s\n", i+1, p.Month, p.Status)
	}
	return strings.TrimSpace(b.String())
}

// Data is everything a periodic or custom report can mention.
type Data struct {
	StudentName string
	StudentType string
	TeacherName string
	To          Audience
	Exams       []Exam
	Attendance  []Attendance
	Payments    []Payment
	// Per-list limits; 0 means all rows.
	ExamsN      int
	AttendanceN int
	PaymentsN   int
}

// Placeholders understood by Custom.
const (
	PHStudentName = "{student_name}"
	PHTeacherName = "{teacher_name}"
	PHStudentType = "{student_type}"
	PHExams       = "{exams_report}"
	PHAttendance  = "{attendance_report}"
	PHPayments    = "{payments_report}"
)

// Custom fills an operator-written template and prefixes the greeting.
// Unknown placeholders are left as written.
func Custom(template string, d Data) string {
	r := strings.NewReplacer(
		PHStudentName, d.StudentName,
		PHTeacherName, d.TeacherName,
		PHStudentType, d.StudentType,
		PHExams, ExamsList(d.Exams, d.StudentType, d.ExamsN),
		PHAttendance, AttendanceList(d.Attendance, d.AttendanceN),
		PHPayments, PaymentsList(d.Payments, d.PaymentsN),
	)
	return Greeting(d.StudentName, d.To) + "\n\n" + r.Replace(template)
}

// Monthly is the full exams, attendance and payments report.
func Monthly(d Data) string {
	return mustRender("monthly", map[string]string{
		"Greeting":   Greeting(d.StudentName, d.To),
		"Exams":      ExamsList(d.Exams, d.StudentType, d.ExamsN),
		"Attendance": AttendanceList(d.Attendance, d.AttendanceN),
		"Payments":   PaymentsList(d.Payments, d.PaymentsN),
		"Teacher":    d.TeacherName,
	})
}
