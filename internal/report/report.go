// Package report renders the texts sent to students and guardians.
//
// Fixed messages (activation, welcome, grade notice, periodic reports) are
// text/template documents compiled once at init. Operator-written custom
// reports use plain {placeholder} substitution.
package report

import (
	"fmt"
	"strings"
	"text/template"
	"time"

	"tutorbot/internal/storage"
)

// Audience selects the greeting line.
type Audience = storage.Role

const (
	ToStudent  = storage.RoleStudent
	ToGuardian = storage.RoleGuardian
)

// GuardianSuffix turns a student code into the guardian's activation code.
const GuardianSuffix = "1"

// ActivationCode returns the /start payload for the student or their guardian.
func ActivationCode(code string, to Audience) string {
	if to == ToGuardian {
		return code + GuardianSuffix
	}
	return code
}

// ActivationLink is the deep link that links a chat on first /start.
func ActivationLink(botUsername, code string, to Audience) string {
	return "https://t.me/" + strings.TrimPrefix(botUsername, "@") + "?start=" + ActivationCode(code, to)
}

var tmpl = template.Must(template.New("report").Funcs(template.FuncMap{
	"date": func(t time.Time) string { return t.Format("2006-01-02") },
}).Parse(templates))

func render(name string, data any) (string, error) {
	var b strings.Builder
	if err := tmpl.ExecuteTemplate(&b, name, data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return strings.TrimSpace(b.String()), nil
}

func mustRender(name string, data any) string {
	s, err := render(name, data)
	if err != nil {
		// templates are static and the data types fixed, so this is a bug
		panic(err)
	}
	return s
}

// Greeting is the first line of every report.
func Greeting(studentName string, to Audience) string {
	if to == ToStudent {
		return "Hello " + studentName
	}
	return "Hello, guardian of " + studentName
}

func Activation(name, botUsername, code string, to Audience) string {
	role := "student"
	if to == ToGuardian {
		role = "guardian of student"
	}
	return mustRender("activation", map[string]string{
		"Role": role,
		"Name": name,
		"Link": ActivationLink(botUsername, code, to),
	})
}

func WelcomeStudent(studentName string) string {
	return mustRender("welcome_student", studentName)
}

func WelcomeGuardian(studentName string) string {
	return mustRender("welcome_guardian", studentName)
}

// Linked is the /start reply confirming the chat was stored.
func Linked(code string, to Audience) string {
	role := "Student"
	if to == ToGuardian {
		role = "Guardian"
	}
	return fmt.Sprintf("Account linked successfully!\nRole: %s\nCode: %s", role, code)
}

const (
	UsageHint   = "Please use the link sent to you."
	InvalidCode = "Invalid activation code. Please try again."
	LinkFailed  = "An error occurred while linking your account.\nPlease check your code and try again."
)

// Grade is one exam result.
type Grade struct {
	Date  time.Time
	Score int
	Total int
}

func (g Grade) Validate() error {
	if g.Total <= 0 {
		return fmt.Errorf("total must be positive, got %d", g.Total)
	}
	if g.Score < 0 || g.Score > g.Total {
		return fmt.Errorf("score must be between 0 and %d, got %d", g.Total, g.Score)
	}
	return nil
}

// GradeNotice is sent to the guardian when a new exam grade is recorded.
func GradeNotice(studentName string, g Grade) string {
	return mustRender("grade", struct {
		Student string
		Grade
	}{studentName, g})
}

// PaymentNotice is sent to the guardian when a month's payment status changes.
func PaymentNotice(studentName, month, status string, at time.Time) string {
	return mustRender("payment", map[string]any{
		"Student": studentName,
		"Month":   month,
		"Status":  status,
		"Date":    at,
	})
}

const templates = `
{{define "activation"}}
Hello {{.Role}} {{.Name}} 👋

To activate your account in the student follow-up system, open this link:

🔗 {{.Link}}

⚠️ This link is personal. Do not share it.
{{end}}

{{define "welcome_student"}}
Hello {{.}} 👋

Thanks for activating your account in the student follow-up system! 🌟

You will receive here:
📚 exam reports
📅 attendance updates
📝 important announcements
💡 tips and guidance

We wish you success! 🎯
{{end}}

{{define "welcome_guardian"}}
Welcome, guardian of {{.}} 👋

Thanks for activating your account in the student follow-up system! 🌟

You will receive periodic reports on:
📚 exam results
📅 attendance
💰 payment status
📢 important announcements

Thank you for following the student's progress with us 🤝
{{end}}

{{define "grade"}}
📝 Exam grade update
Student: {{.Student}}
Grade: {{.Score}}/{{.Total}}
Date: {{date .Date}}
{{end}}

{{define "payment"}}
💰 Payment status update
Student: {{.Student}}
Month: {{.Month}}
Date: {{date .Date}}
Status: {{.Status}}
{{end}}

{{define "monthly"}}
{{.Greeting}}, please find the monthly report below...

📝 Exams:
{{.Exams}}

📅 Attendance:
{{.Attendance}}

💵 Payments:
{{.Payments}}

Regards, {{.Teacher}}
{{end}}
`
